package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithDefaultsFillsMissingValues(t *testing.T) {
	got := Engine{MaxHandoffs: 5, NodeTimeout: -time.Second}.WithDefaults()
	want := DefaultEngine()
	want.MaxHandoffs = 5

	assert.Equal(t, want, got)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Engine)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Engine) {}},
		{name: "handoff mode", mutate: func(e *Engine) { e.Mode = ModeHandoff }},
		{name: "unknown mode", mutate: func(e *Engine) { e.Mode = "swarm" }, wantErr: "engine.mode"},
		{
			name: "min unique above window",
			mutate: func(e *Engine) {
				e.RepetitiveHandoffWindow = 2
				e.RepetitiveHandoffMinUnique = 3
			},
			wantErr: "repetitive_handoff_min_unique",
		},
		{
			name:    "iterations cannot fill window",
			mutate:  func(e *Engine) { e.MaxIterations = 3 },
			wantErr: "engine.max_iterations",
		},
		{
			name: "detector disabled",
			mutate: func(e *Engine) {
				e.RepetitiveHandoffMinUnique = 1
			},
			wantErr: "loop detector",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := DefaultEngine()
			tt.mutate(&e)
			err := e.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFromViperUsesDefaultsAndOverrides(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("engine.max_handoffs", 7)
	v.Set("engine.per_task_timeout", "45s")
	v.Set("engine.max_iterations", 0)

	cfg, err := FromViper(v)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Engine.MaxHandoffs)
	assert.Equal(t, 45*time.Second, cfg.Engine.PerTaskTimeout)
	assert.Equal(t, DefaultEngine().MaxIterations, cfg.Engine.MaxIterations)
	assert.Equal(t, ModeParallel, cfg.Engine.Mode)
	assert.Equal(t, "us-east-1", cfg.AWS.Region)
}

func TestFromViperRejectsBadMode(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("engine.mode", "broadcast")

	_, err := FromViper(v)
	assert.Error(t, err)
}

func TestResolveKey(t *testing.T) {
	t.Setenv("CLOUDSLEUTH_TEST_KEY", "from-env")

	assert.Equal(t, "literal", AI{APIKey: "literal", APIKeyEnv: "CLOUDSLEUTH_TEST_KEY"}.ResolveKey())
	assert.Equal(t, "from-env", AI{APIKeyEnv: "CLOUDSLEUTH_TEST_KEY"}.ResolveKey())
	assert.Empty(t, AI{}.ResolveKey())
}
