// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package deeplab

import (
	"fmt"
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// randomImages returns preprocessed-like images with values in [-1, 1).
func randomImages(batch, height, width int) *tensors.Tensor {
	values := make([]float32, batch*height*width*3)
	for ii := range values {
		values[ii] = float32(math.Sin(float64(ii)*0.37)) * 0.99
	}
	return tensors.FromFlatDataAndDimensions(values, batch, height, width, 3)
}

func TestModel(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const classes = 3
	model, err := NewModel(backend, smallConfig(classes))
	require.NoError(t, err)
	assert.Equal(t, "deeplabv3plus", model.Name())
	assert.Equal(t, classes, model.Config().Classes)
	assert.NotEmpty(t, model.LoadReport().Missing)
	assert.Empty(t, model.LoadReport().Loaded)

	images := randomImages(2, 32, 32)
	probabilities, err := model.Predict(images)
	require.NoError(t, err)
	require.NoError(t, probabilities.Shape().Check(dtypes.Float32, 2, 32, 32, classes))
	probs := tensors.MustCopyFlatData[float32](probabilities)
	for pixel := 0; pixel < len(probs); pixel += classes {
		var sum float32
		for _, p := range probs[pixel : pixel+classes] {
			require.GreaterOrEqual(t, p, float32(0))
			sum += p
		}
		require.InDelta(t, 1.0, sum, 1e-4, "pixel %d", pixel/classes)
	}

	// Segment returns the most likely class of each pixel.
	segmentation, err := model.Segment(images)
	require.NoError(t, err)
	require.NoError(t, segmentation.Shape().Check(dtypes.Int32, 2, 32, 32))
	segments := tensors.MustCopyFlatData[int32](segmentation)
	for ii, class := range segments {
		pixelProbs := probs[ii*classes : (ii+1)*classes]
		for _, p := range pixelProbs {
			require.GreaterOrEqual(t, pixelProbs[class], p-1e-6, "pixel %d", ii)
		}
	}

	// Training returns logits: no softmax applied.
	logits, err := model.Call(images, true)
	require.NoError(t, err)
	require.NoError(t, logits.Shape().Check(dtypes.Float32, 2, 32, 32, classes))
	allNormalized := true
	flatLogits := tensors.MustCopyFlatData[float32](logits)
	for pixel := 0; pixel < len(flatLogits); pixel += classes {
		var sum float32
		for _, l := range flatLogits[pixel : pixel+classes] {
			sum += l
		}
		if math.Abs(float64(sum)-1) > 1e-3 {
			allNormalized = false
			break
		}
	}
	assert.False(t, allNormalized, "training output should be logits, not probabilities")

	// A different input size triggers a new graph, with the same variables.
	probabilities, err = model.Predict(randomImages(1, 24, 40))
	require.NoError(t, err)
	require.NoError(t, probabilities.Shape().Check(dtypes.Float32, 1, 24, 40, classes))

	// Invalid images.
	_, err = model.Predict(tensors.FromShape(shapes.Make(dtypes.Float32, 1, 32, 32, 1)))
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestModelCheckpoint(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model, err := NewModel(backend, smallConfig(21))
	require.NoError(t, err)
	images := randomImages(1, 32, 32)
	want, err := model.Predict(images)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, model.SaveCheckpoint(dir))
	assert.True(t, IsCheckpointDir(dir))

	cfg := smallConfig(21)
	cfg.Weights = WeightsPascalVOC
	cfg.WeightsPath = dir
	reloaded, err := NewModel(backend, cfg)
	require.NoError(t, err)
	assert.Empty(t, reloaded.LoadReport().Missing)
	assert.Empty(t, reloaded.LoadReport().Skipped)
	got, err := reloaded.Predict(images)
	require.NoError(t, err)
	assert.InDeltaSlice(t, tensors.MustCopyFlatData[float32](want), tensors.MustCopyFlatData[float32](got), 1e-5)
}

// TestEndToEnd runs the model at the resolution of the released checkpoint.
func TestEndToEnd(t *testing.T) {
	if testing.Short() {
		fmt.Println("- deeplab: TestEndToEnd disabled for go test --short because of its compute cost.")
		return
	}
	backend := graphtest.BuildTestBackend()
	cfg := DefaultConfig()
	cfg.Weights = WeightsNone
	model, err := NewModel(backend, cfg)
	require.NoError(t, err)
	images := tensors.FromShape(shapes.Make(dtypes.Float32, 1, 512, 512, 3))
	probabilities, err := model.Predict(images)
	require.NoError(t, err)
	require.NoError(t, probabilities.Shape().Check(dtypes.Float32, 1, 512, 512, 21))
}
