// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package deeplab

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// ResizeBilinear resizes the spatial axes of x, shaped [batch, height, width, channels], to (height, width)
// using bilinear interpolation with aligned corners: the corner pixels of input and output coincide.
//
// The released weights were trained with aligned corners, half-pixel centers give different pixel values.
//
// If x already has the requested size it is returned unchanged.
func ResizeBilinear(x *Node, height, width int) *Node {
	if x.Rank() != 4 {
		Panicf("ResizeBilinear requires input shaped [batch, height, width, channels], got %s", x.Shape())
	}
	if height <= 0 || width <= 0 {
		Panicf("ResizeBilinear requires positive output sizes, got (%d, %d)", height, width)
	}
	dims := x.Shape().Dimensions
	if dims[1] == height && dims[2] == width {
		return x
	}
	return Interpolate(x, NoInterpolation, height, width, NoInterpolation).
		Bilinear().
		HalfPixelCenters(false).
		AlignCorner(true).
		Done()
}

// UpsampleBilinear resizes the spatial axes of x by the integer ratios, see ResizeBilinear.
func UpsampleBilinear(x *Node, ratioHeight, ratioWidth int) *Node {
	if x.Rank() != 4 {
		Panicf("UpsampleBilinear requires input shaped [batch, height, width, channels], got %s", x.Shape())
	}
	if ratioHeight <= 0 || ratioWidth <= 0 {
		Panicf("UpsampleBilinear requires positive ratios, got (%d, %d)", ratioHeight, ratioWidth)
	}
	dims := x.Shape().Dimensions
	return ResizeBilinear(x, dims[1]*ratioHeight, dims[2]*ratioWidth)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
