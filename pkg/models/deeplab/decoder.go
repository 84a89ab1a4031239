// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package deeplab

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// LowLevelFilters is the number of channels the low-level (entry flow) features are projected to.
const LowLevelFilters = 48

// Decoder upsamples the ASPP output x to a quarter of the input resolution (inputHeight, inputWidth),
// merges it with the projected low-level features lowLevel, refines with two separable convolutions,
// classifies each pixel into classes logits and resizes them to the input resolution.
func Decoder(ctx *context.Context, x, lowLevel *Node, inputHeight, inputWidth, classes int) *Node {
	x = ResizeBilinear(x, ceilDiv(inputHeight, 4), ceilDiv(inputWidth, 4))
	lowLevel = convBNRelu(ctx, lowLevel, "feature_projection0", LowLevelFilters, 1, HeadEpsilon)
	x = Concatenate([]*Node{x, lowLevel}, 3)
	for _, name := range []string{"decoder_conv0", "decoder_conv1"} {
		x = SepConvBN(ctx, x, SepConvConfig{
			Prefix:          name,
			Filters:         ASPPFilters,
			DepthActivation: true,
			Epsilon:         HeadEpsilon,
		})
	}
	x = convolution(ctx.In(LogitsLayerName(classes)), x, convConfig{
		filters: classes,
		kernel:  1,
		stride:  1,
		rate:    1,
		useBias: true,
	})
	return ResizeBilinear(x, inputHeight, inputWidth)
}
