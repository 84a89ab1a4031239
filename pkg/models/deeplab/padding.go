// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package deeplab

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// EffectiveKernelSize is the span of a kernel of the given size when dilated by rate.
func EffectiveKernelSize(kernel, rate int) int {
	return kernel + (kernel-1)*(rate-1)
}

// ExplicitPadding returns the padding applied before strided convolutions: it pads the
// effective kernel size minus one, the extra element (if odd) going to the end.
//
// It doesn't depend on the input size, so all strided convolutions of the network are aligned the
// same way, which is what the released weights were trained with.
func ExplicitPadding(kernel, rate int) (before, after int) {
	total := EffectiveKernelSize(kernel, rate) - 1
	before = total / 2
	after = total - before
	return
}

// SamePadding returns the padding TensorFlow uses for "same" convolutions on an axis of
// size inputSize: the output has ceil(inputSize/stride) elements, and the extra padding
// element (if odd) goes to the end.
//
// Unlike ExplicitPadding it depends on the input size: e.g. for kernel=3, stride=2 on an even
// input it returns (0, 1).
func SamePadding(inputSize, kernel, stride, rate int) (before, after int) {
	outputSize := (inputSize + stride - 1) / stride
	total := (outputSize-1)*stride + EffectiveKernelSize(kernel, rate) - inputSize
	if total < 0 {
		total = 0
	}
	before = total / 2
	after = total - before
	return
}

// padSpatial zero-pads the height and width axes of the channels-last x.
func padSpatial(x *Node, height, width [2]int) *Node {
	if height == [2]int{} && width == [2]int{} {
		return x
	}
	padding := make([]PadAxis, x.Rank())
	padding[1] = PadAxis{Start: height[0], End: height[1]}
	padding[2] = PadAxis{Start: width[0], End: width[1]}
	return Pad(x, ScalarZero(x.Graph(), x.DType()), padding...)
}
