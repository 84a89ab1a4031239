// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package deeplab

import (
	"os"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Name of the model, also used as the root scope of its variables.
const Name = "deeplabv3plus"

// Weights options for Config.Weights.
const (
	WeightsPascalVOC = "pascal_voc"
	WeightsNone      = "none"
)

// Context hyperparameters read by the Builder, if not set explicitly.
const (
	// ParamOutputStride is the ratio of input resolution to the backbone's final feature-map resolution.
	// Either 8 or 16.
	ParamOutputStride = "deeplab_output_stride"

	// ParamClasses is the number of output classes.
	ParamClasses = "deeplab_classes"

	// ParamDropout is the dropout rate applied after the ASPP projection, during training only.
	ParamDropout = "deeplab_dropout"
)

// PascalVOCClasses are the 21 class names the released checkpoint was trained on, in logits order.
var PascalVOCClasses = []string{
	"background", "aeroplane", "bicycle", "bird", "boat", "bottle", "bus", "car", "cat", "chair", "cow",
	"diningtable", "dog", "horse", "motorbike", "person", "pottedplant", "sheep", "sofa", "train", "tvmonitor",
}

var (
	// ErrInvalidOutputStride is returned (or panicked) when the output stride is not 8 or 16.
	ErrInvalidOutputStride = errors.New("invalid output stride, only 8 and 16 are supported")

	// ErrInvalidConfig is the base error for any other invalid configuration.
	ErrInvalidConfig = errors.New("invalid DeepLab configuration")
)

// StrideSchedule holds the strides and atrous rates that depend on the output stride.
type StrideSchedule struct {
	OutputStride      int
	EntryBlock3Stride int
	MiddleRate        int
	ExitRates         [2]int
	ASPPRates         [3]int
}

// StrideScheduleFor returns the schedule for outputStride, or ErrInvalidOutputStride.
func StrideScheduleFor(outputStride int) (StrideSchedule, error) {
	switch outputStride {
	case 8:
		return StrideSchedule{
			OutputStride:      8,
			EntryBlock3Stride: 1,
			MiddleRate:        2,
			ExitRates:         [2]int{2, 4},
			ASPPRates:         [3]int{12, 24, 36},
		}, nil
	case 16:
		return StrideSchedule{
			OutputStride:      16,
			EntryBlock3Stride: 2,
			MiddleRate:        1,
			ExitRates:         [2]int{1, 2},
			ASPPRates:         [3]int{6, 12, 18},
		}, nil
	}
	return StrideSchedule{}, errors.Wrapf(ErrInvalidOutputStride, "got %d", outputStride)
}

// Config describes one DeepLabv3+ model instance: what NewModel builds and which weights it loads.
type Config struct {
	// Weights is either WeightsPascalVOC or WeightsNone.
	Weights string `yaml:"weights"`

	// InputShape is (height, width, channels) of the images fed to the model.
	InputShape [3]int `yaml:"input_shape"`

	// Classes is the number of output classes. If different from 21, the classifier
	// layer is named "custom_logits_semantic" and is not loaded from the pretrained weights.
	Classes int `yaml:"classes"`

	// OutputStride is either 8 or 16.
	OutputStride int `yaml:"output_stride"`

	// WeightsPath is a directory holding either a GoMLX checkpoint or the downloaded Keras weights.
	// If empty, DefaultWeightsDir is used.
	WeightsPath string `yaml:"weights_path"`

	// DType of the model, defaults to "float32".
	DType string `yaml:"dtype"`
}

// DefaultConfig matches the released PASCAL VOC model.
func DefaultConfig() *Config {
	return &Config{
		Weights:      WeightsPascalVOC,
		InputShape:   [3]int{512, 512, 3},
		Classes:      21,
		OutputStride: 16,
		DType:        "float32",
	}
}

// LoadConfig reads a YAML configuration from filePath. Fields missing in the file keep DefaultConfig values.
func LoadConfig(filePath string) (*Config, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read DeepLab configuration from %q", filePath)
	}
	cfg := DefaultConfig()
	if err = yaml.Unmarshal(contents, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse DeepLab configuration in %q", filePath)
	}
	if err = cfg.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "configuration in %q", filePath)
	}
	return cfg, nil
}

// Save writes the configuration as YAML to filePath.
func (cfg *Config) Save(filePath string) error {
	contents, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to serialize DeepLab configuration")
	}
	if err = os.WriteFile(filePath, contents, 0644); err != nil {
		return errors.Wrapf(err, "failed to write DeepLab configuration to %q", filePath)
	}
	return nil
}

// Validate checks the configuration, returning an error wrapping ErrInvalidOutputStride or ErrInvalidConfig.
func (cfg *Config) Validate() error {
	if _, err := StrideScheduleFor(cfg.OutputStride); err != nil {
		return err
	}
	if cfg.Classes <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "classes must be > 0, got %d", cfg.Classes)
	}
	if cfg.InputShape[0] <= 0 || cfg.InputShape[1] <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "input shape must have positive height and width, got %v", cfg.InputShape)
	}
	if cfg.InputShape[2] != 3 {
		return errors.Wrapf(ErrInvalidConfig, "input shape must have 3 channels (RGB), got %v", cfg.InputShape)
	}
	switch cfg.Weights {
	case WeightsPascalVOC, WeightsNone, "":
	default:
		return errors.Wrapf(ErrInvalidConfig, "weights must be %q or %q, got %q",
			WeightsPascalVOC, WeightsNone, cfg.Weights)
	}
	if _, err := cfg.ModelDType(); err != nil {
		return err
	}
	return nil
}

// ModelDType returns the DType of the model variables, Float32 if DType is empty.
func (cfg *Config) ModelDType() (dtypes.DType, error) {
	if cfg.DType == "" {
		return dtypes.Float32, nil
	}
	dtype, found := dtypes.MapOfNames[cfg.DType]
	if !found || !dtype.IsFloat() {
		return dtypes.InvalidDType, errors.Wrapf(ErrInvalidConfig, "dtype must be a float type, got %q", cfg.DType)
	}
	return dtype, nil
}

// SetParams stores the configuration hyperparameters in the context, so they are saved along with checkpoints.
func (cfg *Config) SetParams(ctx *context.Context) {
	ctx.SetParam(ParamOutputStride, cfg.OutputStride)
	ctx.SetParam(ParamClasses, cfg.Classes)
}

// LogitsLayerName returns the name of the final classifier layer for the number of classes.
// Only the 21-classes layer shares the name with the released checkpoint.
func LogitsLayerName(classes int) string {
	if classes == 21 {
		return "logits_semantic"
	}
	return "custom_logits_semantic"
}
