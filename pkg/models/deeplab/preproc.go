// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package deeplab

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// MaxPixelValue is the value of a saturated channel in the images accepted by Preprocess.
const MaxPixelValue = 255.0

// Preprocess scales images with channel values from 0 to 255 to values from -1 to 1, the range
// the pretrained weights expect. Integer images are converted to Float32 first.
//
// It is not called by the model itself: call it on the images before feeding them to New or Model.Predict.
func Preprocess(images *Node) *Node {
	if !images.DType().IsFloat() {
		images = ConvertDType(images, dtypes.Float32)
	}
	images = MulScalar(images, 2.0/MaxPixelValue)
	return AddScalar(images, -1.0)
}

// PreprocessTensor runs Preprocess on a tensor of images, on the given backend.
func PreprocessTensor(backend backends.Backend, images *tensors.Tensor) (*tensors.Tensor, error) {
	return ExecOnce(backend, Preprocess, images)
}
