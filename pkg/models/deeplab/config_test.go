// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package deeplab

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, WeightsPascalVOC, cfg.Weights)
	assert.Equal(t, [3]int{512, 512, 3}, cfg.InputShape)
	assert.Equal(t, 21, cfg.Classes)
	assert.Equal(t, 16, cfg.OutputStride)
	assert.Len(t, PascalVOCClasses, cfg.Classes)
	dtype, err := cfg.ModelDType()
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float32, dtype)
}

func TestConfigValidate(t *testing.T) {
	for name, tc := range map[string]struct {
		modify func(cfg *Config)
		want   error
	}{
		"output_stride": {func(cfg *Config) { cfg.OutputStride = 32 }, ErrInvalidOutputStride},
		"classes":       {func(cfg *Config) { cfg.Classes = 0 }, ErrInvalidConfig},
		"height":        {func(cfg *Config) { cfg.InputShape[0] = 0 }, ErrInvalidConfig},
		"channels":      {func(cfg *Config) { cfg.InputShape[2] = 1 }, ErrInvalidConfig},
		"weights":       {func(cfg *Config) { cfg.Weights = "imagenet" }, ErrInvalidConfig},
		"dtype":         {func(cfg *Config) { cfg.DType = "int32" }, ErrInvalidConfig},
	} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.modify(cfg)
			assert.ErrorIs(t, cfg.Validate(), tc.want)
		})
	}
}

func TestConfigYAML(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "deeplab.yaml")
	cfg := DefaultConfig()
	cfg.Classes = 5
	cfg.OutputStride = 8
	cfg.InputShape = [3]int{256, 320, 3}
	cfg.DType = "float16"
	require.NoError(t, cfg.Save(filePath))

	loaded, err := LoadConfig(filePath)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	// Missing fields keep their default values.
	require.NoError(t, os.WriteFile(filePath, []byte("classes: 3\nweights: none\n"), 0644))
	loaded, err = LoadConfig(filePath)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Classes)
	assert.Equal(t, WeightsNone, loaded.Weights)
	assert.Equal(t, 16, loaded.OutputStride)
	assert.Equal(t, [3]int{512, 512, 3}, loaded.InputShape)

	require.NoError(t, os.WriteFile(filePath, []byte("output_stride: 4\n"), 0644))
	_, err = LoadConfig(filePath)
	assert.ErrorIs(t, err, ErrInvalidOutputStride)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestConfigSetParams(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OutputStride = 8
	cfg.Classes = 7
	ctx := context.New()
	cfg.SetParams(ctx)
	assert.Equal(t, 8, context.GetParamOr(ctx, ParamOutputStride, 0))
	assert.Equal(t, 7, context.GetParamOr(ctx.In(Name), ParamClasses, 0))
}
