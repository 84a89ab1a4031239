// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"testing"

	"github.com/gomlx/deeplab/pkg/models/deeplab"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsComputer(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	stats, err := newStatsComputer(backend)
	require.NoError(t, err)

	s, err := stats.Compute(tensors.FromValue([]float32{-3, 1, 1, 1}))
	require.NoError(t, err)
	assert.InDelta(t, 1.5, s.MAV, 1e-6)
	assert.InDelta(t, 2.0, s.RMS, 1e-6)
	assert.InDelta(t, 3.0, s.MaxAV, 1e-6)

	// A different shape and dtype reuses the same computer.
	s, err = stats.Compute(tensors.FromValue([][]float64{{2, -2}, {2, -2}}))
	require.NoError(t, err)
	assert.InDelta(t, 2.0, s.MAV, 1e-6)
	assert.InDelta(t, 2.0, s.RMS, 1e-6)
	assert.InDelta(t, 2.0, s.MaxAV, 1e-6)
}

func TestConvertToCheckpoint(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := deeplab.DefaultConfig()
	cfg.Weights = deeplab.WeightsNone
	cfg.InputShape = [3]int{32, 32, 3}
	cfg.Classes = 4

	// Weights of a freshly initialized model.
	srcCtx := context.New()
	_, err := deeplab.LoadWeights(backend, srcCtx.In(deeplab.Name), cfg, nil)
	require.NoError(t, err)
	weights, err := deeplab.WeightsFromContext(srcCtx, context.RootScope+deeplab.Name)
	require.NoError(t, err)
	numWeights := len(weights)

	dir := t.TempDir()
	report, err := ConvertToCheckpoint(backend, cfg, weights, dir)
	require.NoError(t, err)
	assert.Len(t, report.Loaded, numWeights)
	assert.Empty(t, report.Missing)
	assert.Empty(t, report.Skipped)
	assert.True(t, deeplab.IsCheckpointDir(dir))

	loaded, err := deeplab.LoadCheckpointWeights(dir, context.RootScope+deeplab.Name)
	require.NoError(t, err)
	assert.Equal(t, weights.Keys(), loaded.Keys())

	// Hyperparameters are saved along with the variables.
	ctx := context.New()
	_, err = checkpoints.Build(ctx).Dir(dir).Immediate().Done()
	require.NoError(t, err)
	assert.Equal(t, 4, context.GetParamOr(ctx, deeplab.ParamClasses, 0))
	assert.Equal(t, 16, context.GetParamOr(ctx, deeplab.ParamOutputStride, 0))

	// Existing checkpoints are not overwritten.
	_, err = ConvertToCheckpoint(backend, cfg, weights, dir)
	require.Error(t, err)

	// Retargeting the checkpoint to a different number of classes.
	cfg.Classes = 21
	require.NoError(t, LoadReport(backend, cfg, loaded))
}

func TestSetColorProfile(t *testing.T) {
	for _, name := range []string{"auto", "truecolor", "ansi256", "ansi", "none"} {
		require.NoError(t, setColorProfile(name))
	}
	require.Error(t, setColorProfile("sepia"))
	require.NoError(t, setColorProfile("none"))
}
