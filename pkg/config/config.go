// Package config provides configuration loading and management for microvolume.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"microvolume/internal/models"
	"microvolume/pkg/segmentation"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Reduction parameters
	Reduction struct {
		// Components is the default number of principal components to keep
		Components int `yaml:"components"`
	} `yaml:"reduction"`

	// Segmentation parameters
	Segmentation struct {
		// Method is the default segmentation method, threshold or cluster
		Method string `yaml:"method"`

		// HistogramBins is the number of bins searched by the threshold method
		HistogramBins int `yaml:"histogramBins"`

		// MaxIterations bounds the centroid refinement of the cluster method
		MaxIterations int `yaml:"maxIterations"`

		// Tolerance is the centroid movement below which clustering stops
		Tolerance float64 `yaml:"tolerance"`
	} `yaml:"segmentation"`

	// Output parameters
	Output struct {
		// Dir is where result files are written
		Dir string `yaml:"dir"`

		// SampleFormat is the sample type of written reduction results
		SampleFormat string `yaml:"sampleFormat"`
	} `yaml:"output"`

	// Store parameters
	Store struct {
		// Path is the SQLite database file recording images and results
		Path string `yaml:"path"`
	} `yaml:"store"`

	// Logging parameters
	Logging struct {
		// Level is the minimum log level: debug, info, warn or error
		Level string `yaml:"level"`

		// Development switches to human-readable console logs
		Development bool `yaml:"development"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Reduction.Components = 3

	seg := segmentation.DefaultOptions()
	cfg.Segmentation.Method = segmentation.MethodThreshold
	cfg.Segmentation.HistogramBins = seg.HistogramBins
	cfg.Segmentation.MaxIterations = seg.MaxIterations
	cfg.Segmentation.Tolerance = seg.Tolerance

	cfg.Output.Dir = "uploads"
	cfg.Output.SampleFormat = models.Float32.String()

	cfg.Store.Path = "microvolume.db"

	cfg.Logging.Level = "info"
	cfg.Logging.Development = false

	return cfg
}

// SegmentationOptions converts the segmentation section into options.
func (c *Config) SegmentationOptions() segmentation.Options {
	return segmentation.Options{
		HistogramBins: c.Segmentation.HistogramBins,
		MaxIterations: c.Segmentation.MaxIterations,
		Tolerance:     c.Segmentation.Tolerance,
	}
}

// OutputDType returns the sample type reduction results are written in.
func (c *Config) OutputDType() (models.DType, error) {
	dtype, err := models.ParseDType(c.Output.SampleFormat)
	if err != nil {
		return 0, err
	}
	if !dtype.IsFloat() {
		return 0, fmt.Errorf("output sample format must be float32 or float64, got %s", dtype)
	}
	return dtype, nil
}

// Validate checks that every setting is usable
func (c *Config) Validate() error {
	if c.Reduction.Components < 1 {
		return fmt.Errorf("reduction.components must be positive, got %d", c.Reduction.Components)
	}
	if _, err := segmentation.CanonicalMethod(c.Segmentation.Method); err != nil {
		return fmt.Errorf("segmentation.method: %w", err)
	}
	if c.Segmentation.HistogramBins < 2 {
		return fmt.Errorf("segmentation.histogramBins must be at least 2, got %d", c.Segmentation.HistogramBins)
	}
	if c.Segmentation.MaxIterations < 1 {
		return fmt.Errorf("segmentation.maxIterations must be positive, got %d", c.Segmentation.MaxIterations)
	}
	if c.Segmentation.Tolerance < 0 {
		return fmt.Errorf("segmentation.tolerance must not be negative, got %g", c.Segmentation.Tolerance)
	}
	if c.Output.Dir == "" {
		return fmt.Errorf("output.dir must be set")
	}
	if _, err := c.OutputDType(); err != nil {
		return fmt.Errorf("output.sampleFormat: %w", err)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path must be set")
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
