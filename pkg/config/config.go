// Package config provides configuration loading and management for the annotation tool.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"covidifannotations/pkg/store"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Annotation display parameters
	Annotation struct {
		// EdgeWidth is the width of the cell outline overlay in pixels
		EdgeWidth int `yaml:"edgeWidth"`

		// SaturationFactor boosts the color saturation of the raw composite when > 1
		SaturationFactor float64 `yaml:"saturationFactor"`

		// PointSize is the diameter of the point markers; clicks within half of it
		// select the point
		PointSize float64 `yaml:"pointSize"`

		// BackgroundValue is the edge overlay value used for pixels outside any segment
		BackgroundValue int32 `yaml:"backgroundValue"`

		// Palette holds the hex color of every label followed by the background color
		Palette []string `yaml:"palette"`
	} `yaml:"annotation"`

	// Storage parameters
	Storage struct {
		// DefaultChunks is the chunk shape of the trailing two axes of written images
		DefaultChunks []int `yaml:"defaultChunks"`

		// CompressionLevel is the gzip level of written datasets
		CompressionLevel int `yaml:"compressionLevel"`

		// StringWidth is the fixed byte width of table cells
		StringWidth int `yaml:"stringWidth"`
	} `yaml:"storage"`

	// Output parameters
	Output struct {
		// PreviewDir is where PNG previews are written, empty to disable
		PreviewDir string `yaml:"previewDir"`

		// PreviewFormat is the image format of previews, png or webp
		PreviewFormat string `yaml:"previewFormat"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Annotation.EdgeWidth = 1
	cfg.Annotation.SaturationFactor = 1
	cfg.Annotation.PointSize = 15
	cfg.Annotation.BackgroundValue = 4
	// unlabeled white, infected red, control cyan, uncertain yellow, background transparent
	cfg.Annotation.Palette = []string{"#ffffff", "#ff0000", "#00ffff", "#ffff00", ""}

	// DEFAULT_CHUNKS from the environment takes precedence over the built-in default
	cfg.Storage.DefaultChunks = append([]int(nil), store.DefaultChunks...)
	cfg.Storage.CompressionLevel = 4
	cfg.Storage.StringWidth = 100

	cfg.Output.PreviewFormat = "png"
	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		return cfg, nil
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that would otherwise fail deep inside processing
func (c *Config) Validate() error {
	if c.Annotation.EdgeWidth < 1 {
		return fmt.Errorf("edgeWidth must be at least 1, got %d", c.Annotation.EdgeWidth)
	}
	if c.Annotation.SaturationFactor <= 0 {
		return fmt.Errorf("saturationFactor must be positive, got %f", c.Annotation.SaturationFactor)
	}
	if len(c.Storage.DefaultChunks) == 0 {
		return fmt.Errorf("defaultChunks must not be empty")
	}
	for _, ch := range c.Storage.DefaultChunks {
		if ch <= 0 {
			return fmt.Errorf("defaultChunks must be positive, got %v", c.Storage.DefaultChunks)
		}
	}
	switch c.Output.PreviewFormat {
	case "png", "webp":
	default:
		return fmt.Errorf("previewFormat must be png or webp, got %q", c.Output.PreviewFormat)
	}
	if c.Storage.StringWidth <= 0 {
		return fmt.Errorf("stringWidth must be positive, got %d", c.Storage.StringWidth)
	}
	return nil
}

// StoreParams converts the storage section into store parameters
func (c *Config) StoreParams() *store.Params {
	return &store.Params{
		Chunks:           append([]int(nil), c.Storage.DefaultChunks...),
		CompressionLevel: c.Storage.CompressionLevel,
		StringWidth:      c.Storage.StringWidth,
	}
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

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
