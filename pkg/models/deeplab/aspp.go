// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package deeplab

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// ASPPFilters is the number of channels of each ASPP branch and of its projection.
const ASPPFilters = 256

// ImagePooling is the image-level feature branch of the ASPP: global average pooling, a 1x1 convolution
// with batch normalization and ReLU, resized back to the spatial size of x.
func ImagePooling(ctx *context.Context, x *Node) *Node {
	dims := x.Shape().Dimensions
	pooled := ReduceAndKeep(x, ReduceMean, 1, 2)
	pooled = convBNRelu(ctx, pooled, "image_pooling", ASPPFilters, 1, HeadEpsilon)
	return ResizeBilinear(pooled, dims[1], dims[2])
}

// ASPP (Atrous Spatial Pyramid Pooling) builds five parallel branches over the backbone features x:
// image pooling, a 1x1 convolution, and three atrous separable convolutions at the given rates.
// They are concatenated, projected to ASPPFilters channels, and dropout (training only) is applied.
func ASPP(ctx *context.Context, x *Node, rates [3]int, dropoutRate float64) *Node {
	b4 := ImagePooling(ctx, x)
	b0 := convBNRelu(ctx, x, "aspp0", ASPPFilters, 1, HeadEpsilon)
	branches := []*Node{b4, b0}
	for ii, rate := range rates {
		branches = append(branches, SepConvBN(ctx, x, SepConvConfig{
			Prefix:          fmt.Sprintf("aspp%d", ii+1),
			Filters:         ASPPFilters,
			Rate:            rate,
			DepthActivation: true,
			Epsilon:         HeadEpsilon,
		}))
	}
	x = Concatenate(branches, 3)
	x = convBNRelu(ctx, x, "concat_projection", ASPPFilters, 1, HeadEpsilon)
	if dropoutRate > 0 {
		x = layers.Dropout(ctx.In("aspp_dropout"), x, Scalar(x.Graph(), x.DType(), dropoutRate))
	}
	return x
}
