package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RunConfig is the full description of a training run: data paths,
// experiment identity, model architecture, and training schedule. Values
// start at the defaults, a YAML file overlays them, and command-line flags
// have the final word.
type RunConfig struct {
	ExptDir  string `yaml:"expt_dir"`
	ExptName string `yaml:"expt_name"`
	RunName  string `yaml:"run_name"`

	TrainRecords string `yaml:"train_records"`
	ValRecords   string `yaml:"val_records"`
	VocabFile    string `yaml:"vocab_file"`
	TrainImages  string `yaml:"train_images"`
	ValImages    string `yaml:"val_images"`

	// CNNWeights optionally points at a pretrained backbone dump; empty
	// means random initialization.
	CNNWeights string `yaml:"cnn_weights"`

	// MetricsAddr enables the Prometheus endpoint when non-empty,
	// e.g. ":9090".
	MetricsAddr string `yaml:"metrics_addr"`

	Checkpoint string `yaml:"checkpoint"` // resume point, empty for fresh

	Model    ModelConfig     `yaml:"model"`
	Training *TrainingConfig `yaml:"training"`
}

// DefaultRunConfig returns a config with every default filled in.
func DefaultRunConfig() *RunConfig {
	return &RunConfig{
		ExptDir:  "experiments",
		ExptName: "vqa",
		RunName:  "run1",
		Model:    DefaultModelConfig(KindBaseline),
		Training: DefaultTrainingConfig(),
	}
}

// LoadRunConfig overlays a YAML file onto the defaults. An empty path
// returns the defaults untouched.
func LoadRunConfig(path string) (*RunConfig, error) {
	cfg := DefaultRunConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks everything that can be checked before touching data.
// Model dimensions are validated later, once the vocabulary has filled in
// the vocab and class sizes.
func (c *RunConfig) Validate() error {
	if c.TrainRecords == "" || c.VocabFile == "" || c.TrainImages == "" {
		return fmt.Errorf("config: train records, vocabulary, and image directory are required")
	}
	if (c.ValRecords == "") != (c.ValImages == "") {
		return fmt.Errorf("config: validation records and image directory must be set together")
	}
	if c.ExptDir == "" || c.ExptName == "" || c.RunName == "" {
		return fmt.Errorf("config: experiment directory, name, and run name are required")
	}
	return c.Training.Validate()
}
