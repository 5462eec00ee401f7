package ai

import (
	"sort"
	"strings"
)

type protocol int

const (
	protocolOpenAI protocol = iota
	protocolAnthropic
	protocolGemini
)

type provider struct {
	name         string
	protocol     protocol
	baseURL      string
	defaultModel string
}

var providers = map[string]provider{
	"openai":     {name: "openai", protocol: protocolOpenAI, baseURL: "https://api.openai.com/v1", defaultModel: "gpt-4o"},
	"deepseek":   {name: "deepseek", protocol: protocolOpenAI, baseURL: "https://api.deepseek.com/v1", defaultModel: "deepseek-chat"},
	"anthropic":  {name: "anthropic", protocol: protocolAnthropic, baseURL: "https://api.anthropic.com/v1"},
	"minimax":    {name: "minimax", protocol: protocolAnthropic, baseURL: "https://api.minimax.io/anthropic"},
	"gemini":     {name: "gemini", protocol: protocolGemini, defaultModel: "gemini-2.5-flash"},
	"gemini-api": {name: "gemini-api", protocol: protocolGemini, defaultModel: "gemini-2.5-flash"},
}

func lookupProvider(name string) (provider, bool) {
	p, ok := providers[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

func providerNames() []string {
	names := make([]string, 0, len(providers))
	for n := range providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
