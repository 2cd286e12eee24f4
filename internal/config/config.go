package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures user-level settings for the SDK manager and build pipeline.
type Config struct {
	Version   int                     `yaml:"version"`
	DataDir   string                  `yaml:"data_dir,omitempty"`
	LockWait  time.Duration           `yaml:"lock_wait"`
	Download  DownloadConfig          `yaml:"download"`
	Tools     ToolsConfig             `yaml:"tools"`
	Optimizer OptimizerConfig         `yaml:"optimizer"`
	Log       LogConfig               `yaml:"log"`
	Trace     TraceConfig             `yaml:"trace"`
	Sources   map[string]SourceConfig `yaml:"sources,omitempty"`
}

// DownloadConfig tunes the SDK download client.
type DownloadConfig struct {
	Retries int           `yaml:"retries"`
	Timeout time.Duration `yaml:"timeout"`
}

// ToolsConfig names the external executables used by the build pipeline.
type ToolsConfig struct {
	Cargo   string `yaml:"cargo"`
	WasmLD  string `yaml:"wasm_ld"`
	WasmOpt string `yaml:"wasm_opt"`
}

// OptimizerConfig controls the post-link optimization step.
type OptimizerConfig struct {
	Level     string   `yaml:"level"`
	ExtraArgs []string `yaml:"extra_args,omitempty"`
}

// LogConfig controls the per-command log file.
type LogConfig struct {
	Level string `yaml:"level"`
}

// TraceConfig toggles OpenTelemetry span export.
type TraceConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// SourceConfig pins the download for a runtime version, bypassing the
// published release manifest.
type SourceConfig struct {
	URL     string `yaml:"url"`
	SHA256  string `yaml:"sha256,omitempty"`
	Release string `yaml:"release,omitempty"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Version:  1,
		LockWait: 0,
		Download: DownloadConfig{
			Retries: 3,
			Timeout: 10 * time.Minute,
		},
		Tools: ToolsConfig{
			Cargo:   "cargo",
			WasmLD:  "wasm-ld",
			WasmOpt: "wasm-opt",
		},
		Optimizer: OptimizerConfig{
			Level: "-O3",
		},
		Log: LogConfig{
			Level: "info",
		},
		Trace: TraceConfig{
			Enabled:  false,
			Exporter: "stdout",
		},
	}
}

// Load reads the YAML configuration from disk if it exists, otherwise returns
// the default configuration.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults ensures nested fields fall back to sensible defaults when the
// YAML omits them.
func (c *Config) ApplyDefaults() {
	defaults := Default()

	if c.Version == 0 {
		c.Version = defaults.Version
	}
	if c.Download.Retries <= 0 {
		c.Download.Retries = defaults.Download.Retries
	}
	if c.Download.Timeout <= 0 {
		c.Download.Timeout = defaults.Download.Timeout
	}
	if strings.TrimSpace(c.Tools.Cargo) == "" {
		c.Tools.Cargo = defaults.Tools.Cargo
	}
	if strings.TrimSpace(c.Tools.WasmLD) == "" {
		c.Tools.WasmLD = defaults.Tools.WasmLD
	}
	if strings.TrimSpace(c.Tools.WasmOpt) == "" {
		c.Tools.WasmOpt = defaults.Tools.WasmOpt
	}
	if strings.TrimSpace(c.Optimizer.Level) == "" {
		c.Optimizer.Level = defaults.Optimizer.Level
	}
	if strings.TrimSpace(c.Log.Level) == "" {
		c.Log.Level = defaults.Log.Level
	}
	if strings.TrimSpace(c.Trace.Exporter) == "" {
		c.Trace.Exporter = defaults.Trace.Exporter
	}
}

// Source returns the pinned source for a runtime version, if any.
func (c Config) Source(version string) (SourceConfig, bool) {
	if c.Sources == nil {
		return SourceConfig{}, false
	}
	src, ok := c.Sources[strings.ToLower(version)]
	if !ok || strings.TrimSpace(src.URL) == "" {
		return SourceConfig{}, false
	}
	return src, true
}

// Marshal returns the YAML encoding of the configuration.
func (c Config) Marshal() ([]byte, error) {
	buf, err := yaml.Marshal(&c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return buf, nil
}
