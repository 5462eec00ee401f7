// Package config holds the engine limits and the settings of the collaborators
// around it, loaded through viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Engine carries every limit the investigation engine recognizes.
type Engine struct {
	Mode                       string        `yaml:"mode" mapstructure:"mode"`
	MaxHandoffs                int           `yaml:"max_handoffs" mapstructure:"max_handoffs"`
	MaxIterations              int           `yaml:"max_iterations" mapstructure:"max_iterations"`
	ExecutionTimeout           time.Duration `yaml:"execution_timeout" mapstructure:"execution_timeout"`
	NodeTimeout                time.Duration `yaml:"node_timeout" mapstructure:"node_timeout"`
	RepetitiveHandoffWindow    int           `yaml:"repetitive_handoff_window" mapstructure:"repetitive_handoff_window"`
	RepetitiveHandoffMinUnique int           `yaml:"repetitive_handoff_min_unique" mapstructure:"repetitive_handoff_min_unique"`
	PerTaskTimeout             time.Duration `yaml:"per_task_timeout" mapstructure:"per_task_timeout"`
	GlobalTimeout              time.Duration `yaml:"global_timeout" mapstructure:"global_timeout"`
	MaxConcurrency             int           `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	ConfidenceFloor            float64       `yaml:"confidence_floor" mapstructure:"confidence_floor"`
	MaxContributing            int           `yaml:"max_contributing" mapstructure:"max_contributing"`
}

const (
	ModeParallel = "parallel"
	ModeHandoff  = "handoff"
)

// DefaultEngine returns the limits used when nothing is configured.
func DefaultEngine() Engine {
	return Engine{
		Mode:                       ModeParallel,
		MaxHandoffs:                20,
		MaxIterations:              4,
		ExecutionTimeout:           15 * time.Minute,
		NodeTimeout:                5 * time.Minute,
		RepetitiveHandoffWindow:    8,
		RepetitiveHandoffMinUnique: 3,
		PerTaskTimeout:             2 * time.Minute,
		GlobalTimeout:              10 * time.Minute,
		MaxConcurrency:             0,
		ConfidenceFloor:            0.3,
		MaxContributing:            4,
	}
}

// WithDefaults replaces every unset or non-positive value with its default.
func (e Engine) WithDefaults() Engine {
	d := DefaultEngine()
	if e.Mode == "" {
		e.Mode = d.Mode
	}
	if e.MaxHandoffs <= 0 {
		e.MaxHandoffs = d.MaxHandoffs
	}
	if e.MaxIterations <= 0 {
		e.MaxIterations = d.MaxIterations
	}
	if e.ExecutionTimeout <= 0 {
		e.ExecutionTimeout = d.ExecutionTimeout
	}
	if e.NodeTimeout <= 0 {
		e.NodeTimeout = d.NodeTimeout
	}
	if e.RepetitiveHandoffWindow <= 0 {
		e.RepetitiveHandoffWindow = d.RepetitiveHandoffWindow
	}
	if e.RepetitiveHandoffMinUnique <= 0 {
		e.RepetitiveHandoffMinUnique = d.RepetitiveHandoffMinUnique
	}
	if e.PerTaskTimeout <= 0 {
		e.PerTaskTimeout = d.PerTaskTimeout
	}
	if e.GlobalTimeout <= 0 {
		e.GlobalTimeout = d.GlobalTimeout
	}
	if e.MaxConcurrency < 0 {
		e.MaxConcurrency = 0
	}
	if e.ConfidenceFloor <= 0 || e.ConfidenceFloor >= 1 {
		e.ConfidenceFloor = d.ConfidenceFloor
	}
	if e.MaxContributing <= 0 {
		e.MaxContributing = d.MaxContributing
	}
	return e
}

// Validate rejects contradictory settings. Call it after WithDefaults.
func (e Engine) Validate() error {
	var errs []error
	if e.Mode != ModeParallel && e.Mode != ModeHandoff {
		errs = append(errs, fmt.Errorf("engine.mode must be %q or %q, got %q", ModeParallel, ModeHandoff, e.Mode))
	}
	if e.RepetitiveHandoffMinUnique > e.RepetitiveHandoffWindow {
		errs = append(errs, fmt.Errorf("engine.repetitive_handoff_min_unique (%d) exceeds engine.repetitive_handoff_window (%d)",
			e.RepetitiveHandoffMinUnique, e.RepetitiveHandoffWindow))
	}
	// A ping-pong over min_unique-1 states must be able to fill the window
	// before any of them hits max_iterations.
	if e.MaxIterations*(e.RepetitiveHandoffMinUnique-1) < e.RepetitiveHandoffWindow {
		errs = append(errs, fmt.Errorf("engine.max_iterations (%d) is too low for the loop detector: %d states can fill at most %d of a %d hand-off window",
			e.MaxIterations, e.RepetitiveHandoffMinUnique-1, e.MaxIterations*(e.RepetitiveHandoffMinUnique-1), e.RepetitiveHandoffWindow))
	}
	return errors.Join(errs...)
}

// AWS selects the profile and region used when a request does not name one.
type AWS struct {
	Profile string `yaml:"profile" mapstructure:"profile"`
	Region  string `yaml:"region" mapstructure:"region"`

	// Lookback bounds the log and metric queries of the collectors.
	Lookback time.Duration `yaml:"lookback" mapstructure:"lookback"`
}

// AI selects the reasoning provider. An empty provider runs specialists offline.
type AI struct {
	Provider  string `yaml:"provider" mapstructure:"provider"`
	Model     string `yaml:"model" mapstructure:"model"`
	APIKey    string `yaml:"api_key,omitempty" mapstructure:"api_key"`
	APIKeyEnv string `yaml:"api_key_env,omitempty" mapstructure:"api_key_env"`
	BaseURL   string `yaml:"base_url,omitempty" mapstructure:"base_url"`
}

// ResolveKey returns the API key, reading APIKeyEnv when no literal key is set.
func (a AI) ResolveKey() string {
	if a.APIKey != "" {
		return a.APIKey
	}
	if a.APIKeyEnv != "" {
		return os.Getenv(a.APIKeyEnv)
	}
	return ""
}

type Log struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	File       string `yaml:"file,omitempty" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
}

type Hints struct {
	Path string `yaml:"path,omitempty" mapstructure:"path"`
}

type Metrics struct {
	Addr string `yaml:"addr,omitempty" mapstructure:"addr"`
}

// Config is the whole file layout of ~/.cloudsleuth.yaml.
type Config struct {
	Engine  Engine  `yaml:"engine" mapstructure:"engine"`
	AWS     AWS     `yaml:"aws" mapstructure:"aws"`
	AI      AI      `yaml:"ai" mapstructure:"ai"`
	Log     Log     `yaml:"log" mapstructure:"log"`
	Hints   Hints   `yaml:"hints" mapstructure:"hints"`
	Metrics Metrics `yaml:"metrics" mapstructure:"metrics"`
}

// Default returns the configuration written by `config init`.
func Default() Config {
	return Config{
		Engine: DefaultEngine(),
		AWS:    AWS{Region: "us-east-1", Lookback: time.Hour},
		AI:     AI{APIKeyEnv: "CLOUDSLEUTH_AI_API_KEY"},
		Log:    Log{Level: "info", Format: "console", MaxSizeMB: 50, MaxBackups: 3, MaxAgeDays: 14},
	}
}

// SetDefaults registers every default on v so unset keys resolve.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("engine.mode", d.Engine.Mode)
	v.SetDefault("engine.max_handoffs", d.Engine.MaxHandoffs)
	v.SetDefault("engine.max_iterations", d.Engine.MaxIterations)
	v.SetDefault("engine.execution_timeout", d.Engine.ExecutionTimeout)
	v.SetDefault("engine.node_timeout", d.Engine.NodeTimeout)
	v.SetDefault("engine.repetitive_handoff_window", d.Engine.RepetitiveHandoffWindow)
	v.SetDefault("engine.repetitive_handoff_min_unique", d.Engine.RepetitiveHandoffMinUnique)
	v.SetDefault("engine.per_task_timeout", d.Engine.PerTaskTimeout)
	v.SetDefault("engine.global_timeout", d.Engine.GlobalTimeout)
	v.SetDefault("engine.max_concurrency", d.Engine.MaxConcurrency)
	v.SetDefault("engine.confidence_floor", d.Engine.ConfidenceFloor)
	v.SetDefault("engine.max_contributing", d.Engine.MaxContributing)

	v.SetDefault("aws.region", d.AWS.Region)
	v.SetDefault("aws.lookback", d.AWS.Lookback)
	v.SetDefault("ai.api_key_env", d.AI.APIKeyEnv)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
}

// ConfigureEnv makes CLOUDSLEUTH_ENGINE_MAX_HANDOFFS style variables override keys.
func ConfigureEnv(v *viper.Viper) {
	v.SetEnvPrefix("CLOUDSLEUTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// FromViper reads the effective configuration. Engine limits are normalized
// and validated.
func FromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		Engine: Engine{
			Mode:                       v.GetString("engine.mode"),
			MaxHandoffs:                v.GetInt("engine.max_handoffs"),
			MaxIterations:              v.GetInt("engine.max_iterations"),
			ExecutionTimeout:           v.GetDuration("engine.execution_timeout"),
			NodeTimeout:                v.GetDuration("engine.node_timeout"),
			RepetitiveHandoffWindow:    v.GetInt("engine.repetitive_handoff_window"),
			RepetitiveHandoffMinUnique: v.GetInt("engine.repetitive_handoff_min_unique"),
			PerTaskTimeout:             v.GetDuration("engine.per_task_timeout"),
			GlobalTimeout:              v.GetDuration("engine.global_timeout"),
			MaxConcurrency:             v.GetInt("engine.max_concurrency"),
			ConfidenceFloor:            v.GetFloat64("engine.confidence_floor"),
			MaxContributing:            v.GetInt("engine.max_contributing"),
		},
		AWS: AWS{
			Profile:  v.GetString("aws.profile"),
			Region:   v.GetString("aws.region"),
			Lookback: v.GetDuration("aws.lookback"),
		},
		AI: AI{
			Provider:  v.GetString("ai.provider"),
			Model:     v.GetString("ai.model"),
			APIKey:    v.GetString("ai.api_key"),
			APIKeyEnv: v.GetString("ai.api_key_env"),
			BaseURL:   v.GetString("ai.base_url"),
		},
		Log: Log{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			File:       v.GetString("log.file"),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAgeDays: v.GetInt("log.max_age_days"),
		},
		Hints:   Hints{Path: v.GetString("hints.path")},
		Metrics: Metrics{Addr: v.GetString("metrics.addr")},
	}
	cfg.Engine = cfg.Engine.WithDefaults()
	if err := cfg.Engine.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid engine configuration: %w", err)
	}
	return cfg, nil
}
