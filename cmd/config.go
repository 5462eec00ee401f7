package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bgdnvk/cloudsleuth/internal/config"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage cloudsleuth configuration",
	Long:  `Configure engine limits, the AWS profile and the reasoning provider.`,
}

const configHeader = `# cloudsleuth configuration
# Every key can be overridden with CLOUDSLEUTH_<SECTION>_<KEY>, e.g.
# CLOUDSLEUTH_ENGINE_MODE=handoff. Leave ai.provider empty to run the
# specialists offline on collected observations only.
#
# ai.provider: openai, anthropic, gemini, gemini-api, deepseek or minimax
# engine.mode: parallel or handoff
# hints.path: sqlite file remembering previous runs (disabled when empty)
# metrics.addr: listen address for /metrics while "cloudsleuth mcp" runs

`

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	Long:  `Create a default configuration file in your home directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := cfgFile
		if configPath == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("error finding home directory: %w", err)
			}
			configPath = filepath.Join(home, ".cloudsleuth.yaml")
		}

		// Check if config already exists
		if _, err := os.Stat(configPath); err == nil {
			fmt.Printf("Configuration file already exists at %s\n", configPath)
			return nil
		}

		content, err := renderDefaultConfig()
		if err != nil {
			return err
		}
		if err := os.WriteFile(configPath, content, 0600); err != nil {
			return fmt.Errorf("error creating config file: %w", err)
		}

		fmt.Printf("Configuration file created at %s\n", configPath)
		fmt.Println("Set ai.provider and export the API key to enable model reasoning.")
		return nil
	},
}

func renderDefaultConfig() ([]byte, error) {
	out, err := yaml.Marshal(config.Default())
	if err != nil {
		return nil, fmt.Errorf("error rendering default config: %w", err)
	}
	return append([]byte(configHeader), out...), nil
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration",
	Long:  `Display the configuration after defaults, the config file and environment overrides are applied.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadRuntime()
		if err != nil {
			return err
		}
		if cfg.AI.APIKey != "" {
			cfg.AI.APIKey = "********"
		}

		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("error rendering config: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), string(out))
		return nil
	},
}

var configScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan system for available credentials",
	Long: `Detect AWS profiles and reasoning provider API keys that cloudsleuth can use.

Examples:
  cloudsleuth config scan
  cloudsleuth config scan --output json`,
	RunE: runConfigScan,
}

// ScanResult holds all detected credentials
type ScanResult struct {
	AWS AWSCredentialsScan `json:"aws"`
	LLM map[string]bool    `json:"llm"`
}

// AWSCredentialsScan holds detected AWS profiles
type AWSCredentialsScan struct {
	Profiles []AWSProfileInfo `json:"profiles"`
	Error    string           `json:"error,omitempty"`
}

// AWSProfileInfo holds info about a single AWS profile
type AWSProfileInfo struct {
	Name   string `json:"name"`
	Region string `json:"region,omitempty"`
	Source string `json:"source"`
}

// llmKeyEnvs are the environment variables the reasoning providers read.
var llmKeyEnvs = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"gemini":    "GEMINI_API_KEY",
	"deepseek":  "DEEPSEEK_API_KEY",
	"minimax":   "MINIMAX_API_KEY",
}

func runConfigScan(cmd *cobra.Command, args []string) error {
	outputFormat, _ := cmd.Flags().GetString("output")

	home, _ := os.UserHomeDir()
	result := ScanResult{
		AWS: scanAWSProfiles(home),
		LLM: scanLLMKeys(os.Getenv),
	}

	if outputFormat == "json" {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(result)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "AWS Profiles:")
	if len(result.AWS.Profiles) == 0 {
		fmt.Fprintln(w, "  No profiles detected")
	}
	for _, p := range result.AWS.Profiles {
		region := p.Region
		if region == "" {
			region = "(no region)"
		}
		fmt.Fprintf(w, "  - %s [%s] (%s)\n", p.Name, region, p.Source)
	}
	if result.AWS.Error != "" {
		fmt.Fprintf(w, "  Error: %s\n", result.AWS.Error)
	}

	fmt.Fprintln(w, "\nLLM API Keys (from environment):")
	providers := make([]string, 0, len(result.LLM))
	for p := range result.LLM {
		providers = append(providers, p)
	}
	sort.Strings(providers)
	for _, p := range providers {
		fmt.Fprintf(w, "  %s: %v\n", p, result.LLM[p])
	}
	return nil
}

func scanLLMKeys(getenv func(string) string) map[string]bool {
	out := make(map[string]bool, len(llmKeyEnvs))
	for provider, env := range llmKeyEnvs {
		out[provider] = getenv(env) != ""
	}
	if getenv("CLOUDSLEUTH_AI_API_KEY") != "" {
		out["configured"] = true
	}
	return out
}

func scanAWSProfiles(home string) AWSCredentialsScan {
	result := AWSCredentialsScan{Profiles: []AWSProfileInfo{}}
	if home == "" {
		result.Error = "could not determine home directory"
		return result
	}

	profileMap := make(map[string]*AWSProfileInfo)
	for _, p := range parseAWSINIFile(filepath.Join(home, ".aws", "credentials"), "credentials") {
		profileMap[p.Name] = &p
	}
	for _, p := range parseAWSINIFile(filepath.Join(home, ".aws", "config"), "config") {
		if existing, ok := profileMap[p.Name]; ok {
			if existing.Region == "" {
				existing.Region = p.Region
			}
			continue
		}
		profileMap[p.Name] = &p
	}

	for _, p := range profileMap {
		result.Profiles = append(result.Profiles, *p)
	}
	sort.Slice(result.Profiles, func(i, j int) bool { return result.Profiles[i].Name < result.Profiles[j].Name })
	return result
}

var (
	sectionPattern = regexp.MustCompile(`^\s*\[([^\]]+)\]\s*$`)
	kvPattern      = regexp.MustCompile(`^\s*([^=\s]+)\s*=\s*(.+?)\s*$`)
)

func parseAWSINIFile(path string, source string) []AWSProfileInfo {
	profiles := []AWSProfileInfo{}

	file, err := os.Open(path)
	if err != nil {
		return profiles
	}
	defer file.Close()

	var current *AWSProfileInfo
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()

		if matches := sectionPattern.FindStringSubmatch(line); len(matches) == 2 {
			if current != nil {
				profiles = append(profiles, *current)
			}
			name := strings.TrimSpace(matches[1])
			if source == "config" {
				// sso-session and services sections are not profiles
				if !strings.HasPrefix(name, "profile ") && name != "default" {
					current = nil
					continue
				}
				name = strings.TrimPrefix(name, "profile ")
			}
			current = &AWSProfileInfo{Name: name, Source: source}
			continue
		}

		if current != nil {
			if matches := kvPattern.FindStringSubmatch(line); len(matches) == 3 {
				if strings.ToLower(matches[1]) == "region" {
					current.Region = matches[2]
				}
			}
		}
	}
	if current != nil {
		profiles = append(profiles, *current)
	}
	return profiles
}

func init() {
	configScanCmd.Flags().String("output", "text", "output format: text or json")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configScanCmd)
	rootCmd.AddCommand(configCmd)
}
