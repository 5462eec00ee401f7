package main

import (
	"os"

	"github.com/bgdnvk/cloudsleuth/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
