package main

import (
	"testing"

	"github.com/bgdnvk/cloudsleuth/cmd"
)

func TestVersionCommandRuns(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping command test in short mode")
	}
	if err := cmd.ExecuteArgs([]string{"version"}); err != nil {
		t.Fatalf("version command failed: %v", err)
	}
}
