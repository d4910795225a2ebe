package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the satgen configuration file (~/.config/satgen/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	Model     string `yaml:"model"`
	ModelsDir string `yaml:"models_dir"`
	Heads     *int64 `yaml:"heads"`

	// Image codec
	PaletteSize *int64 `yaml:"palette_size"`
	GridSide    *int64 `yaml:"grid_side"`
	Cell        *int64 `yaml:"cell"`

	// Filling defaults
	StepBudget *int64 `yaml:"step_budget"`
	TopK       *int64 `yaml:"top_k"`
	Seed       *int64 `yaml:"seed"`
	Policy     string `yaml:"policy"`
	LowRes     *int64 `yaml:"low_res"`
	PadID      *int64 `yaml:"pad_id"`
	DebugDir   string `yaml:"debug_dir"`
	Device     string `yaml:"device"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "satgen", "config.yaml")
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	cfg, _ := loadConfigFile(configPath())
	return cfg
}

func loadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyModelConfig applies config file defaults to the shared model and
// codec flags when the corresponding flag was not explicitly set.
func applyModelConfig(c *cli.Command, cfg Config) {
	if cfg.Model != "" && !c.IsSet("model") {
		modelPath = cfg.Model
	}
	if cfg.ModelsDir != "" && !c.IsSet("models-path") {
		modelsPath = cfg.ModelsDir
	}
	if cfg.Heads != nil && !c.IsSet("heads") {
		heads = *cfg.Heads
	}
	if cfg.PaletteSize != nil && !c.IsSet("palette-size") {
		paletteSize = *cfg.PaletteSize
	}
	if cfg.GridSide != nil && !c.IsSet("grid-side") {
		gridSide = *cfg.GridSide
	}
	if cfg.Cell != nil && !c.IsSet("cell") {
		cellSize = *cfg.Cell
	}
}

// applyFillConfig applies config file defaults to fill options.
func applyFillConfig(c *cli.Command, cfg Config, opts *fillOptions) {
	if cfg.StepBudget != nil && !c.IsSet("steps") {
		opts.steps = *cfg.StepBudget
	}
	if cfg.TopK != nil && !c.IsSet("top-k") {
		opts.topK = *cfg.TopK
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		opts.seed = *cfg.Seed
	}
	if cfg.Policy != "" && !c.IsSet("policy") {
		opts.policy = cfg.Policy
	}
	if cfg.LowRes != nil && !c.IsSet("low-res") {
		opts.lowRes = *cfg.LowRes
	}
	if cfg.PadID != nil && !c.IsSet("pad-id") {
		opts.padID = *cfg.PadID
	}
	if cfg.DebugDir != "" && !c.IsSet("debug-dir") {
		opts.debugDir = cfg.DebugDir
	}
	if cfg.Device != "" && !c.IsSet("device") {
		opts.device = cfg.Device
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}
