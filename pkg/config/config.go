// Package config provides configuration loading and management for mepreproc.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Subject selection modes
const (
	ModeAll    = "all"
	ModeSubset = "subset"
)

// Pipeline stages accepted by Validate
const (
	StageMask    = "mask"
	StageTedana  = "tedana"
	StageReorder = "reorder"
)

// Output names a tedana output file and the echo label its copy receives in
// the subject's func folder.
type Output struct {
	// Source is the file name inside the tedana output folder
	Source string `yaml:"source"`

	// EchoLabel replaces "echo-1" in the reference image name
	EchoLabel string `yaml:"echoLabel"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// WorkPath is the derivatives folder that holds the sub-* folders
	WorkPath string `yaml:"workPath"`

	// RPrefix and SPrefix are the realignment and slice-timing prefixes that
	// precede the subject ID in preprocessed image names
	RPrefix string `yaml:"rPrefix"`
	SPrefix string `yaml:"sPrefix"`

	// Subject selection
	Subjects struct {
		// Mode is either "all" (every sub* folder) or "subset"
		Mode string `yaml:"mode"`

		// List holds the subject IDs processed in subset mode
		List []string `yaml:"list"`
	} `yaml:"subjects"`

	// Processing parameters
	Processing struct {
		// NumCores specifies how many external tool calls may run at once
		NumCores int `yaml:"numCores"`
	} `yaml:"processing"`

	// EPI mask parameters
	Mask struct {
		// Command is the argv used to compute the EPI mask. The element
		// "{output}" is replaced by the mask path and "{inputs}" expands to
		// the first-echo images.
		Command []string `yaml:"command"`

		// SaveQC writes a JPEG of the middle axial slice of the combined mask
		SaveQC bool `yaml:"saveQC"`
	} `yaml:"mask"`

	// TE-dependent analysis parameters
	Tedana struct {
		// Executable is the tedana program, looked up in PATH
		Executable string `yaml:"executable"`

		// EchoTimes are the echo times in milliseconds, one per echo
		EchoTimes []float64 `yaml:"echoTimes"`

		// MaxIterations is passed as --maxit
		MaxIterations int `yaml:"maxIterations"`

		// MaxRestarts is passed as --maxrestart
		MaxRestarts int `yaml:"maxRestarts"`

		// PNG asks tedana for diagnostic figures
		PNG bool `yaml:"png"`

		// ExtraArgs are appended verbatim to every call
		ExtraArgs []string `yaml:"extraArgs"`

		// SkipCompleted skips cohorts whose output folder already holds a
		// denoised optimal combination
		SkipCompleted bool `yaml:"skipCompleted"`
	} `yaml:"tedana"`

	// Reorganisation of tedana outputs
	Reorder struct {
		// SizeThresholdMB is the size, in decimal megabytes, above which an
		// image is narrowed to int16
		SizeThresholdMB float64 `yaml:"sizeThresholdMB"`

		// Workers is the number of images narrowed at once
		Workers int `yaml:"workers"`

		// Outputs lists the tedana files copied next to the echo images
		Outputs []Output `yaml:"outputs"`
	} `yaml:"reorder"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultMaskCommand computes the EPI mask with nilearn.
var DefaultMaskCommand = []string{
	"python3", "-c",
	"import sys; from nilearn.masking import compute_epi_mask; " +
		"compute_epi_mask(sys.argv[2:], verbose=1).to_filename(sys.argv[1])",
	"{output}", "{inputs}",
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.RPrefix = "r"
	cfg.SPrefix = "a"
	cfg.Subjects.Mode = ModeAll

	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default

	cfg.Mask.Command = append([]string(nil), DefaultMaskCommand...)
	cfg.Mask.SaveQC = true

	// tedana converges fast but is sensitive to starting values, hence few
	// iterations and many restarts
	cfg.Tedana.Executable = "tedana"
	cfg.Tedana.MaxIterations = 500
	cfg.Tedana.MaxRestarts = 15
	cfg.Tedana.PNG = true

	cfg.Reorder.SizeThresholdMB = 100
	cfg.Reorder.Workers = 1
	cfg.Reorder.Outputs = []Output{
		{Source: "ts_OC.nii", EchoLabel: "echo-oc"},
		{Source: "dn_ts_OC.nii", EchoLabel: "echo-dnoc"},
	}

	cfg.Output.Verbose = false

	return cfg
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

// Prefix is the combined image prefix, e.g. "ra" for "rasub-01_...".
func (c *Config) Prefix() string {
	return c.RPrefix + c.SPrefix
}

// Validate checks the settings needed by the given stages. With no stages,
// only the shared settings are checked.
func (c *Config) Validate(stages ...string) error {
	var errs []error

	if c.WorkPath == "" {
		errs = append(errs, errors.New("workPath is empty"))
	}

	switch c.Subjects.Mode {
	case ModeAll:
	case ModeSubset:
		if len(c.Subjects.List) == 0 {
			errs = append(errs, errors.New("subjects.mode is subset but subjects.list is empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown subjects.mode %q (must be %s or %s)", c.Subjects.Mode, ModeAll, ModeSubset))
	}

	if c.Processing.NumCores < 1 {
		errs = append(errs, fmt.Errorf("processing.numCores must be at least 1, got %d", c.Processing.NumCores))
	}

	for _, stage := range stages {
		switch stage {
		case StageMask:
			if len(c.Mask.Command) == 0 {
				errs = append(errs, errors.New("mask.command is empty"))
			}
		case StageTedana:
			if c.Tedana.Executable == "" {
				errs = append(errs, errors.New("tedana.executable is empty"))
			}
			if len(c.Tedana.EchoTimes) == 0 {
				errs = append(errs, errors.New("tedana.echoTimes is empty"))
			}
		case StageReorder:
			if c.Reorder.Workers < 1 {
				errs = append(errs, fmt.Errorf("reorder.workers must be at least 1, got %d", c.Reorder.Workers))
			}
			for _, out := range c.Reorder.Outputs {
				if out.Source == "" || out.EchoLabel == "" {
					errs = append(errs, fmt.Errorf("reorder.outputs entry %+v needs both source and echoLabel", out))
				}
			}
		default:
			errs = append(errs, fmt.Errorf("unknown stage %q", stage))
		}
	}

	return errors.Join(errs...)
}
