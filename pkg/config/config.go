// Package config provides configuration loading and management for nonrigid3d.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"nonrigid3d/internal/models"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Multi-resolution pyramid parameters
	Pyramid struct {
		// Shrinks lists the per-level shrink factors, coarsest first
		Shrinks []float64 `yaml:"shrinks"`

		// Sigmas lists the per-level smoothing sigmas in physical units,
		// one per shrink factor
		Sigmas []float64 `yaml:"sigmas"`
	} `yaml:"pyramid"`

	// B-spline free-form deformation parameters
	BSpline struct {
		// ControlPointSpacing is the target spacing between control points
		// in physical units
		ControlPointSpacing float64 `yaml:"controlPointSpacing"`
	} `yaml:"bspline"`

	// Optimizer parameters
	Optimizer struct {
		// MaxIterations caps the iteration count per pyramid level
		MaxIterations int `yaml:"maxIterations"`

		// GradientTolerance is the gradient magnitude convergence threshold
		GradientTolerance float64 `yaml:"gradientTolerance"`
	} `yaml:"optimizer"`

	// Similarity metric parameters
	Metric struct {
		// Sampling selects the sampling strategy: "dense" or "random"
		Sampling string `yaml:"sampling"`

		// Percentage is the fraction of voxels drawn per random evaluation
		Percentage float64 `yaml:"percentage"`

		// Seed fixes the random sample sequence for reproducible runs
		Seed int64 `yaml:"seed"`
	} `yaml:"metric"`

	// Demons registration parameters
	Demons struct {
		// Iterations is the number of update steps to run
		Iterations int `yaml:"iterations"`

		// Normalizer is the intensity normalization constant in the
		// force denominator
		Normalizer float64 `yaml:"normalizer"`

		// UpdateVariance smooths each iteration's increment, physical
		// units squared; zero disables it
		UpdateVariance float64 `yaml:"updateVariance"`

		// TotalVariance smooths the accumulated field after each update,
		// physical units squared; zero disables it
		TotalVariance float64 `yaml:"totalVariance"`

		// Symmetric averages forces from the fixed and warped-moving
		// gradients
		Symmetric bool `yaml:"symmetric"`

		// Diffeomorphic exponentiates and composes each update instead of
		// adding it
		Diffeomorphic bool `yaml:"diffeomorphic"`
	} `yaml:"demons"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`

		// PreviewScale rescales exported slice previews; 1 keeps the
		// native resolution
		PreviewScale float64 `yaml:"previewScale"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Pyramid.Shrinks = []float64{4, 2, 1}
	cfg.Pyramid.Sigmas = []float64{2, 1, 0}

	cfg.BSpline.ControlPointSpacing = 50.0

	cfg.Optimizer.MaxIterations = 100
	cfg.Optimizer.GradientTolerance = 1e-5

	cfg.Metric.Sampling = "dense"
	cfg.Metric.Percentage = 0.1
	cfg.Metric.Seed = 1

	cfg.Demons.Iterations = 50
	cfg.Demons.Normalizer = 10.0
	cfg.Demons.UpdateVariance = 0.0
	cfg.Demons.TotalVariance = 2.0
	cfg.Demons.Symmetric = false
	cfg.Demons.Diffeomorphic = false

	cfg.Output.Verbose = true
	cfg.Output.PreviewScale = 1.0

	return cfg
}

// Validate checks cross-field consistency that YAML decoding cannot express.
func (cfg *Config) Validate() error {
	if len(cfg.Pyramid.Shrinks) == 0 {
		return fmt.Errorf("%w: pyramid schedule is empty", models.ErrConfig)
	}
	if len(cfg.Pyramid.Shrinks) != len(cfg.Pyramid.Sigmas) {
		return fmt.Errorf("%w: %d shrink factors but %d sigmas", models.ErrConfig,
			len(cfg.Pyramid.Shrinks), len(cfg.Pyramid.Sigmas))
	}
	if cfg.BSpline.ControlPointSpacing <= 0 {
		return fmt.Errorf("%w: control point spacing %v, must be > 0", models.ErrConfig, cfg.BSpline.ControlPointSpacing)
	}
	if cfg.Optimizer.MaxIterations < 1 {
		return fmt.Errorf("%w: maxIterations %d, must be >= 1", models.ErrConfig, cfg.Optimizer.MaxIterations)
	}
	if cfg.Optimizer.GradientTolerance <= 0 {
		return fmt.Errorf("%w: gradientTolerance %v, must be > 0", models.ErrConfig, cfg.Optimizer.GradientTolerance)
	}
	switch cfg.Metric.Sampling {
	case "dense", "random":
	default:
		return fmt.Errorf("%w: sampling %q, must be \"dense\" or \"random\"", models.ErrConfig, cfg.Metric.Sampling)
	}
	if cfg.Metric.Sampling == "random" && (cfg.Metric.Percentage <= 0 || cfg.Metric.Percentage > 1) {
		return fmt.Errorf("%w: sampling percentage %v, must be in (0, 1]", models.ErrConfig, cfg.Metric.Percentage)
	}
	if cfg.Demons.Iterations < 1 {
		return fmt.Errorf("%w: demons iterations %d, must be >= 1", models.ErrConfig, cfg.Demons.Iterations)
	}
	if cfg.Demons.Normalizer <= 0 {
		return fmt.Errorf("%w: demons normalizer %v, must be > 0", models.ErrConfig, cfg.Demons.Normalizer)
	}
	if cfg.Demons.UpdateVariance < 0 || cfg.Demons.TotalVariance < 0 {
		return fmt.Errorf("%w: demons smoothing variances must be >= 0", models.ErrConfig)
	}
	if cfg.Output.PreviewScale <= 0 {
		return fmt.Errorf("%w: previewScale %v, must be > 0", models.ErrConfig, cfg.Output.PreviewScale)
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
		return nil, fmt.Errorf("%w: parsing config file: %v", models.ErrConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
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
