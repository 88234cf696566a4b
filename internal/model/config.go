package model

import (
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"
)

// Config holds the engine's policy knobs. The numeric caps originate from
// token-budget estimation and are deliberately configuration, not constants.
type Config struct {
	Engine   EngineConfig   `yaml:"engine"`
	Retry    RetryConfig    `yaml:"retry"`
	Barrier  BarrierConfig  `yaml:"barrier"`
	Memory   MemoryConfig   `yaml:"memory"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Guard    GuardConfig    `yaml:"guard"`
	Watcher  WatcherConfig  `yaml:"watcher"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type EngineConfig struct {
	// StateDir is the root for session state, barrier files, memory
	// documents, and the timeline log.
	StateDir string `yaml:"state_dir"`
}

type RetryConfig struct {
	MaxRetries int `yaml:"max_retries"` // base retry limit per quality stage
}

type BarrierConfig struct {
	TimeoutSec int `yaml:"timeout_sec"` // sweep threshold for unresolved groups
	StaleSec   int `yaml:"stale_sec"`   // groups older than this are abandoned, not swept
}

type MemoryConfig struct {
	ReflectionRoundChars int `yaml:"reflection_round_chars"`
	ReflectionMaxChars   int `yaml:"reflection_max_chars"`
	WisdomStageChars     int `yaml:"wisdom_stage_chars"`
	WisdomFallbackChars  int `yaml:"wisdom_fallback_chars"`
	WisdomReadChars      int `yaml:"wisdom_read_chars"`
}

type DispatchConfig struct {
	MaxContextChars      int `yaml:"max_context_chars"`
	ReflectionExcerptMax int `yaml:"reflection_excerpt_max"`
}

type GuardConfig struct {
	// BlockedTools are tool names the engine refuses while PipelineActive.
	BlockedTools []string `yaml:"blocked_tools"`
}

type WatcherConfig struct {
	DebounceSec     float64 `yaml:"debounce_sec"`
	ScanIntervalSec int     `yaml:"scan_interval_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the knobs at their observed production values.
func DefaultConfig() Config {
	return Config{
		Retry: RetryConfig{MaxRetries: 3},
		Barrier: BarrierConfig{
			TimeoutSec: 300,
			StaleSec:   3600,
		},
		Memory: MemoryConfig{
			ReflectionRoundChars: 500,
			ReflectionMaxChars:   3000,
			WisdomStageChars:     200,
			WisdomFallbackChars:  150,
			WisdomReadChars:      500,
		},
		Dispatch: DispatchConfig{
			MaxContextChars:      2500,
			ReflectionExcerptMax: 400,
		},
		Guard: GuardConfig{
			BlockedTools: []string{"task_complete", "session_end"},
		},
		Watcher: WatcherConfig{
			DebounceSec:     0.5,
			ScanIntervalSec: 30,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadConfig reads a YAML config file over the defaults. A missing file is
// not an error; the defaults apply.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults restores zeroed knobs so partial config files stay usable.
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Retry.MaxRetries <= 0 {
		c.Retry.MaxRetries = def.Retry.MaxRetries
	}
	if c.Barrier.TimeoutSec <= 0 {
		c.Barrier.TimeoutSec = def.Barrier.TimeoutSec
	}
	if c.Barrier.StaleSec <= 0 {
		c.Barrier.StaleSec = def.Barrier.StaleSec
	}
	if c.Memory.ReflectionRoundChars <= 0 {
		c.Memory.ReflectionRoundChars = def.Memory.ReflectionRoundChars
	}
	if c.Memory.ReflectionMaxChars <= 0 {
		c.Memory.ReflectionMaxChars = def.Memory.ReflectionMaxChars
	}
	if c.Memory.WisdomStageChars <= 0 {
		c.Memory.WisdomStageChars = def.Memory.WisdomStageChars
	}
	if c.Memory.WisdomFallbackChars <= 0 {
		c.Memory.WisdomFallbackChars = def.Memory.WisdomFallbackChars
	}
	if c.Memory.WisdomReadChars <= 0 {
		c.Memory.WisdomReadChars = def.Memory.WisdomReadChars
	}
	if c.Dispatch.MaxContextChars <= 0 {
		c.Dispatch.MaxContextChars = def.Dispatch.MaxContextChars
	}
	if c.Dispatch.ReflectionExcerptMax <= 0 {
		c.Dispatch.ReflectionExcerptMax = def.Dispatch.ReflectionExcerptMax
	}
	if c.Watcher.ScanIntervalSec <= 0 {
		c.Watcher.ScanIntervalSec = def.Watcher.ScanIntervalSec
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
}
