// Package config provides configuration loading and management for edgediffusion.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"edgediffusion/internal/models"
	"edgediffusion/pkg/diffusion"
	"edgediffusion/pkg/eigen"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Region is a box of voxels [lo, hi), one bound per axis.
type Region struct {
	Lo []int `yaml:"lo" validate:"required,min=1,dive,gte=0"`
	Hi []int `yaml:"hi" validate:"required,min=1,dive,gte=1"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores" validate:"gte=0"`

		// PixelSpacing is the in-plane distance between samples in mm
		PixelSpacing float64 `yaml:"pixelSpacing" validate:"gt=0"`

		// SliceGap represents the physical distance between consecutive slices in mm
		SliceGap float64 `yaml:"sliceGap" validate:"gt=0"`

		// IntensityScale multiplies loaded [0, 1] intensities before filtering,
		// so contrastLambdaE is expressed on this scale
		IntensityScale float64 `yaml:"intensityScale" validate:"gt=0"`
	} `yaml:"processing"`

	// Diffusion parameters
	Diffusion struct {
		// Sigma is the integration scale of the structure tensor
		Sigma float64 `yaml:"sigma" validate:"gt=0"`

		// GradientSigma is the pre-smoothing scale, 0 means sigma/2
		GradientSigma float64 `yaml:"gradientSigma" validate:"gte=0"`

		// ContrastLambdaE separates flat regions from edges
		ContrastLambdaE float64 `yaml:"contrastLambdaE" validate:"gt=0"`

		// ThresholdC shapes the diffusivity falloff
		ThresholdC float64 `yaml:"thresholdC" validate:"gt=0"`

		TimeStep       float64 `yaml:"timeStep" validate:"gt=0"`
		Iterations     int     `yaml:"iterations" validate:"gte=0"`
		RecomputeEvery int     `yaml:"recomputeEvery" validate:"gte=1"`

		// EigenOrder is one of value, magnitude or none
		EigenOrder string `yaml:"eigenOrder" validate:"oneof=value magnitude none"`

		// Stability is strict (reject) or clamp (lower the time step)
		Stability string `yaml:"stability" validate:"oneof=strict clamp"`
	} `yaml:"diffusion"`

	// Output parameters
	Output struct {
		// SaveIntermediaryResults writes diagnostic fields after every tensor rebuild
		SaveIntermediaryResults bool `yaml:"saveIntermediaryResults"`

		// IntermediaryDir receives the diagnostic images
		IntermediaryDir string `yaml:"intermediaryDir" validate:"required_if=SaveIntermediaryResults true"`

		// Format of written images
		Format string `yaml:"format" validate:"oneof=png tiff"`

		// MetricsFile is the prometheus textfile written after a run, empty to skip
		MetricsFile string `yaml:"metricsFile"`

		// NoiseRegion is a homogeneous area whose variance is reported before
		// and after filtering
		NoiseRegion *Region `yaml:"noiseRegion,omitempty"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumCores = runtime.NumCPU()
	cfg.Processing.PixelSpacing = 1.0
	cfg.Processing.SliceGap = 1.0
	cfg.Processing.IntensityScale = 100.0

	d := diffusion.DefaultParams()
	cfg.Diffusion.Sigma = d.Sigma
	cfg.Diffusion.GradientSigma = d.GradientSigma
	cfg.Diffusion.ContrastLambdaE = d.ContrastLambdaE
	cfg.Diffusion.ThresholdC = d.ThresholdC
	cfg.Diffusion.TimeStep = d.TimeStep
	cfg.Diffusion.Iterations = d.Iterations
	cfg.Diffusion.RecomputeEvery = d.RecomputeEvery
	cfg.Diffusion.EigenOrder = d.Order.String()
	cfg.Diffusion.Stability = d.Stability.String()

	cfg.Output.SaveIntermediaryResults = false
	cfg.Output.IntermediaryDir = "intermediary"
	cfg.Output.Format = "png"
	cfg.Output.Verbose = true

	return cfg
}

// Validate checks every field and reports the first violation as a
// *models.ConfigError.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &models.ConfigError{
			Field:  fe.Namespace(),
			Reason: fmt.Sprintf("failed %q (%s) with value %v", fe.Tag(), fe.Param(), fe.Value()),
		}
	}
	return &models.ConfigError{Field: "config", Reason: err.Error()}
}

// DiffusionParams converts the diffusion section into filter parameters.
func (c *Config) DiffusionParams() (diffusion.Params, error) {
	order, err := eigen.ParseOrder(c.Diffusion.EigenOrder)
	if err != nil {
		return diffusion.Params{}, err
	}
	stability, err := diffusion.ParseStabilityPolicy(c.Diffusion.Stability)
	if err != nil {
		return diffusion.Params{}, err
	}
	p := diffusion.Params{
		Sigma:           c.Diffusion.Sigma,
		GradientSigma:   c.Diffusion.GradientSigma,
		ContrastLambdaE: c.Diffusion.ContrastLambdaE,
		ThresholdC:      c.Diffusion.ThresholdC,
		TimeStep:        c.Diffusion.TimeStep,
		Iterations:      c.Diffusion.Iterations,
		RecomputeEvery:  c.Diffusion.RecomputeEvery,
		Order:           order,
		Stability:       stability,
		Workers:         c.Processing.NumCores,
	}
	return p, p.Validate()
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

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
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
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
	return SaveConfig(DefaultConfig(), configPath)
}
