// Package config loads this core's runtime configuration: a workspace
// root, worker counts, the on-disk index location, and debug toggles.
// Precedence is layered: built-in defaults, then an optional YAML
// override file, then viper-bound flags/env.
package config

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

// Config holds the application configuration.
type Config struct {
	WorkspaceRoot string
	Parallel      int
	Verbose       bool
	DebugMode     bool
	IndexDir      string
	LSP           LSPConfig `mapstructure:"lsp"`
}

// LSPConfig holds the LSP dispatcher's own knobs.
type LSPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Jobs    int  `mapstructure:"jobs"`
}

// fileOverrides is the shape of an optional on-disk YAML override file,
// read directly with yaml.v2 rather than through viper since it's meant
// to be hand-edited and versioned alongside a workspace, not merged with
// flags/env the way viper-bound settings are.
type fileOverrides struct {
	Parallel  int       `yaml:"parallel"`
	DebugMode bool      `yaml:"debug"`
	IndexDir  string    `yaml:"index_dir"`
	LSP       LSPConfig `yaml:"lsp"`
}

// Load builds a Config from built-in defaults, an optional YAML override
// file at overridesPath (skipped entirely if it doesn't exist), and
// whatever viper has bound from flags and environment.
func Load(overridesPath string) (*Config, error) {
	cfg := &Config{
		Parallel: runtime.NumCPU(),
		IndexDir: ".sorbetcfg",
		LSP: LSPConfig{
			Enabled: true,
			Jobs:    0,
		},
	}

	if overridesPath != "" {
		if err := applyFileOverrides(cfg, overridesPath); err != nil {
			return nil, err
		}
	}

	if viper.IsSet("parallel") {
		cfg.Parallel = viper.GetInt("parallel")
	}
	if viper.IsSet("verbose") {
		cfg.Verbose = viper.GetBool("verbose")
	}
	if viper.IsSet("debug") {
		cfg.DebugMode = viper.GetBool("debug")
	}
	if viper.IsSet("index-dir") {
		cfg.IndexDir = viper.GetString("index-dir")
	}
	if viper.IsSet("lsp") {
		if err := viper.UnmarshalKey("lsp", &cfg.LSP); err != nil {
			return nil, fmt.Errorf("config: unmarshal lsp settings: %w", err)
		}
	}

	if cfg.Parallel <= 0 {
		cfg.Parallel = runtime.NumCPU()
	}

	return cfg, nil
}

func applyFileOverrides(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read overrides %s: %w", path, err)
	}

	var o fileOverrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return fmt.Errorf("config: parse overrides %s: %w", path, err)
	}

	if o.Parallel > 0 {
		cfg.Parallel = o.Parallel
	}
	cfg.DebugMode = cfg.DebugMode || o.DebugMode
	if o.IndexDir != "" {
		cfg.IndexDir = o.IndexDir
	}
	if o.LSP.Jobs > 0 {
		cfg.LSP.Jobs = o.LSP.Jobs
	}
	if !o.LSP.Enabled {
		cfg.LSP.Enabled = false
	}
	return nil
}
