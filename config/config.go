// Package config loads the scheduling agent's small set of compile-time
// constants -- default time slice, per-channel capacity, switch-to spin
// bound and log verbosity -- with an optional YAML override, the same layering
// KnightChaser-vrunq's internal/sched/config.go uses for its own tick and
// slice settings.
package config

import (
	"os"
	"time"

	yaml "github.com/goccy/go-yaml"

	"github.com/scx-o1/scx_o1_core/core"
)

// Config mirrors the optional YAML config file; the yaml tags name its keys.
type Config struct {
	DefaultSliceMS    int `yaml:"default_slice_ms"`    // 5 (by default)
	ChannelCapacity   int `yaml:"channel_capacity"`    // 4096 (by default)
	SwitchToSpinLimit int `yaml:"switchto_spin_limit"` // 100000 (by default)
	Verbose           int `yaml:"verbose"`             // 0 (by default)
}

// defaultConfig returns the values used when no config file is found.
func defaultConfig() Config {
	return Config{
		DefaultSliceMS:    5,
		ChannelCapacity:   4096,
		SwitchToSpinLimit: 100000,
		Verbose:           0,
	}
}

// Load reads YAML and overrides defaults; an empty path returns defaults
// only.
func Load(path string) Config {
	cfg := defaultConfig()

	if path == "" {
		return cfg
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}

	_ = yaml.Unmarshal(data, &cfg)

	// sanity clamps
	if cfg.DefaultSliceMS <= 0 {
		cfg.DefaultSliceMS = 5
	}
	if cfg.ChannelCapacity <= 0 {
		cfg.ChannelCapacity = 4096
	}
	if cfg.SwitchToSpinLimit < 0 {
		cfg.SwitchToSpinLimit = 100000
	}

	return cfg
}

// ToCoreOptions converts Config into the core.Options the scheduling core
// itself understands.
func (c Config) ToCoreOptions() core.Options {
	return core.Options{
		DefaultSlice:      time.Duration(c.DefaultSliceMS) * time.Millisecond,
		ChannelCapacity:   c.ChannelCapacity,
		SwitchToSpinLimit: c.SwitchToSpinLimit,
		Verbose:           c.Verbose,
	}
}
