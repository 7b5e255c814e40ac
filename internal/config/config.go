// Package config holds the orchestrator's YAML-backed configuration,
// modeled on codeNERD's internal/config package: a root Config struct
// assembled from per-concern sub-structs, a DefaultConfig() constructor,
// and environment-variable overrides layered on top of the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentTimeouts holds per-role LLM call timeouts, in seconds.
//
// KEY INSIGHT (carried over from the teacher's llm_timeouts.go): in Go the
// SHORTEST timeout in a call chain wins. The Iteration Controller's context
// must never be longer-lived than the per-role timeout below, or a stuck
// provider call will out-live the loop's own budget.
type AgentTimeouts struct {
	Coder    int `yaml:"coder"`
	Reviewer int `yaml:"reviewer"`
	Security int `yaml:"security"`
	Tester   int `yaml:"tester"`
}

// ParallelPatchConfig configures the Parallel Patch Executor (C7).
type ParallelPatchConfig struct {
	Enabled               bool `yaml:"enabled"`
	MinFilesForParallel   int  `yaml:"min_files_for_parallel"`
	MaxFilesPerGroup      int  `yaml:"max_files_per_group"`
	MaxCharsPerGroup      int  `yaml:"max_chars_per_group"`
	MaxConcurrentGroups   int  `yaml:"max_concurrent_groups"`
	MinCharsForParallel   int  `yaml:"min_chars_for_parallel"`
}

// SmokeTestConfig configures the Smoke-Test Gate (C10).
type SmokeTestConfig struct {
	Enabled               bool `yaml:"enabled"`
	ServerTimeoutSeconds  int  `yaml:"server_timeout"`
	PlaywrightTimeoutMS   int  `yaml:"playwright_timeout"`
	BlockOnConsoleErrors  bool `yaml:"block_on_console_errors"`
}

// VierAugenConfig configures the second-opinion review (C13).
type VierAugenConfig struct {
	Enabled      bool    `yaml:"enabled"`
	SkipOnError  bool    `yaml:"skip_on_error"`
	TimeoutFactor float64 `yaml:"timeout_factor"`
}

// ExternalSpecialistsConfig configures the optional external reviewer (C13).
type ExternalSpecialistsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Mode    string `yaml:"mode"` // "blocking" | "advisory"
}

// DockerImages maps a project kind to a container image.
type DockerImages map[string]string

// DockerConfig configures the Sandbox Orchestrator's (C9) container path.
type DockerConfig struct {
	Enabled         bool         `yaml:"enabled"`
	FallbackToHost  bool         `yaml:"fallback_to_host"`
	MemoryLimitMB   int          `yaml:"memory_limit_mb"`
	CPULimit        float64      `yaml:"cpu_limit"`
	TimeoutInstall  int          `yaml:"timeout_install"`
	TimeoutTest     int          `yaml:"timeout_test"`
	Images          DockerImages `yaml:"images"`
}

// Config is the orchestrator's complete configuration, per spec.md §6
// "Configuration (enumerated options)".
type Config struct {
	AgentTimeouts          AgentTimeouts             `yaml:"agent_timeouts"`
	MaxRetries             int                       `yaml:"max_retries"`
	MaxSecurityRetries     int                       `yaml:"max_security_retries"`
	MaxModelAttempts       int                       `yaml:"max_model_attempts"`
	MaxReviewerPromptChars int                       `yaml:"max_reviewer_prompt_chars"`
	MaxPromptTokens        int                       `yaml:"max_prompt_tokens"`
	ParallelPatch          ParallelPatchConfig       `yaml:"parallel_patch"`
	SmokeTest              SmokeTestConfig           `yaml:"smoke_test"`
	VierAugen              VierAugenConfig           `yaml:"vier_augen"`
	ExternalSpecialists    ExternalSpecialistsConfig `yaml:"external_specialists"`
	Docker                 DockerConfig              `yaml:"docker"`
	Logging                LoggingConfig             `yaml:"logging"`
}

// LoggingConfig mirrors logging.Config in YAML form.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
}

// DefaultConfig returns the orchestrator's default configuration, matching
// spec.md §6's documented defaults (750/1200/750/750s timeouts, 3/3/3
// retries, 400_000/80_000 prompt char/token caps, etc).
func DefaultConfig() *Config {
	return &Config{
		AgentTimeouts: AgentTimeouts{
			Coder:    750,
			Reviewer: 1200,
			Security: 750,
			Tester:   750,
		},
		MaxRetries:             3,
		MaxSecurityRetries:     3,
		MaxModelAttempts:       3,
		MaxReviewerPromptChars: 400_000,
		MaxPromptTokens:        80_000,
		ParallelPatch: ParallelPatchConfig{
			Enabled:             true,
			MinFilesForParallel: 4,
			MaxFilesPerGroup:    3,
			MaxCharsPerGroup:    15_000,
			MaxConcurrentGroups: 4,
			MinCharsForParallel: 20_000,
		},
		SmokeTest: SmokeTestConfig{
			Enabled:              true,
			ServerTimeoutSeconds: 90,
			PlaywrightTimeoutMS:  30_000,
			BlockOnConsoleErrors: false,
		},
		VierAugen: VierAugenConfig{
			Enabled:       true,
			SkipOnError:   true,
			TimeoutFactor: 1.0,
		},
		ExternalSpecialists: ExternalSpecialistsConfig{
			Enabled: false,
			Mode:    "advisory",
		},
		Docker: DockerConfig{
			Enabled:        false,
			FallbackToHost: true,
			MemoryLimitMB:  2048,
			CPULimit:       2.0,
			TimeoutInstall: 300,
			TimeoutTest:    300,
			Images: DockerImages{
				"node":   "node:20-alpine",
				"python": "python:3.12-slim",
			},
		},
		Logging: LoggingConfig{
			DebugMode:  false,
			Level:      "info",
			JSONFormat: true,
		},
	}
}

// Load reads YAML config from path, falling back to DefaultConfig() values
// for anything the file omits (back-compat with missing keys, per spec.md
// §4.2's load() contract for the Memory Store, applied here too).
func Load(path string) (*Config, error) {
	c := DefaultConfig()
	if path == "" {
		applyEnvOverrides(c)
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(c)
			return c, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyEnvOverrides(c)
	return c, nil
}

// applyEnvOverrides lets operators override a handful of hot-path knobs
// without editing the YAML file, mirroring the teacher's env-override test
// coverage in internal/config/env_override_test.go.
func applyEnvOverrides(c *Config) {
	if v := os.Getenv("FORGE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxRetries = n
		}
	}
	if v := os.Getenv("FORGE_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.DebugMode = b
		}
	}
	if v := os.Getenv("FORGE_DOCKER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Docker.Enabled = b
		}
	}
}

// CoderTimeout returns the coder role's timeout as a time.Duration.
func (c *Config) CoderTimeout() time.Duration {
	return time.Duration(c.AgentTimeouts.Coder) * time.Second
}

// ReviewerTimeout returns the reviewer role's timeout as a time.Duration.
func (c *Config) ReviewerTimeout() time.Duration {
	return time.Duration(c.AgentTimeouts.Reviewer) * time.Second
}

// SecurityTimeout returns the security role's timeout as a time.Duration.
func (c *Config) SecurityTimeout() time.Duration {
	return time.Duration(c.AgentTimeouts.Security) * time.Second
}

// TesterTimeout returns the tester role's timeout as a time.Duration.
func (c *Config) TesterTimeout() time.Duration {
	return time.Duration(c.AgentTimeouts.Tester) * time.Second
}
