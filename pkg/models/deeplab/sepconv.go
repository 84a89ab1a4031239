// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package deeplab

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

const (
	// DefaultEpsilon of batch normalization layers, the Keras default.
	DefaultEpsilon = 1e-3

	// HeadEpsilon is the batch normalization epsilon used by the ASPP and the decoder.
	HeadEpsilon = 1e-5
)

// SepConvConfig configures a depthwise-separable convolution with batch normalization, see SepConvBN.
//
// Zero values of Stride, KernelSize, Rate and Epsilon are replaced by the defaults 1, 3, 1 and DefaultEpsilon.
type SepConvConfig struct {
	// Prefix of the scopes of the layers: <Prefix>_depthwise, <Prefix>_depthwise_BN,
	// <Prefix>_pointwise and <Prefix>_pointwise_BN.
	Prefix string

	// Filters is the number of output channels of the pointwise convolution.
	Filters int

	// Stride and Rate (atrous/dilation) of the depthwise convolution. Only one of them can be > 1.
	Stride, Rate int

	// KernelSize of the depthwise convolution.
	KernelSize int

	// DepthActivation selects the placement of the ReLU: if false, a ReLU is applied before the
	// depthwise convolution only; if true, a ReLU follows each of the two batch normalizations.
	DepthActivation bool

	// Epsilon of both batch normalizations.
	Epsilon float64
}

func (cfg SepConvConfig) withDefaults() SepConvConfig {
	if cfg.Stride == 0 {
		cfg.Stride = 1
	}
	if cfg.Rate == 0 {
		cfg.Rate = 1
	}
	if cfg.KernelSize == 0 {
		cfg.KernelSize = 3
	}
	if cfg.Epsilon == 0 {
		cfg.Epsilon = DefaultEpsilon
	}
	return cfg
}

// SepConvBN builds a depthwise convolution followed by batch normalization, a pointwise (1x1) convolution
// and another batch normalization.
//
// The depthwise kernel is shaped [kernel, kernel, 1, channels].
// With stride 1 it uses "same" padding. With stride > 1 it explicitly pads the input with ExplicitPadding
// and then uses a "valid" convolution.
//
// It panics if x is not rank 4 (channels-last) or if both stride and rate are > 1.
func SepConvBN(ctx *context.Context, x *Node, cfg SepConvConfig) *Node {
	cfg = cfg.withDefaults()
	if x.Rank() != 4 {
		Panicf("SepConvBN(%q) requires input shaped [batch, height, width, channels], got %s", cfg.Prefix, x.Shape())
	}
	if cfg.Filters <= 0 {
		Panicf("SepConvBN(%q) requires Filters > 0, got %d", cfg.Prefix, cfg.Filters)
	}
	if !cfg.DepthActivation {
		x = activations.Relu(x)
	}
	x = convolution(ctx.In(cfg.Prefix+"_depthwise"), x, convConfig{
		filters:   x.Shape().Dim(-1),
		kernel:    cfg.KernelSize,
		stride:    cfg.Stride,
		rate:      cfg.Rate,
		depthwise: true,
	})
	x = batchNorm(ctx, x, cfg.Prefix+"_depthwise_BN", cfg.Epsilon)
	if cfg.DepthActivation {
		x = activations.Relu(x)
	}
	x = convolution(ctx.In(cfg.Prefix+"_pointwise"), x, convConfig{filters: cfg.Filters, kernel: 1, stride: 1, rate: 1})
	x = batchNorm(ctx, x, cfg.Prefix+"_pointwise_BN", cfg.Epsilon)
	if cfg.DepthActivation {
		x = activations.Relu(x)
	}
	return x
}

// Conv2DSame builds a convolution without bias, in scope prefix, with the same padding policy as SepConvBN:
// "same" padding for stride 1, explicit padding followed by a "valid" convolution for stride > 1.
func Conv2DSame(ctx *context.Context, x *Node, filters int, prefix string, stride, kernelSize, rate int) *Node {
	if x.Rank() != 4 {
		Panicf("Conv2DSame(%q) requires input shaped [batch, height, width, channels], got %s", prefix, x.Shape())
	}
	return convolution(ctx.In(prefix), x, convConfig{filters: filters, kernel: kernelSize, stride: stride, rate: rate})
}

type convConfig struct {
	filters, kernel, stride, rate int
	useBias                       bool

	// depthwise convolves each channel independently: filters must equal the input channels.
	depthwise bool

	// prePadded disables the explicit padding of strided convolutions: the caller already padded x.
	prePadded bool
}

// convolution creates the convolution variables directly in ctx's scope.
func convolution(ctx *context.Context, x *Node, cfg convConfig) *Node {
	if cfg.stride > 1 && cfg.rate > 1 {
		Panicf("convolution in scope %q: stride (%d) and atrous rate (%d) cannot both be > 1",
			ctx.Scope(), cfg.stride, cfg.rate)
	}
	if cfg.stride > 1 && !cfg.prePadded {
		before, after := ExplicitPadding(cfg.kernel, cfg.rate)
		x = padSpatial(x, [2]int{before, after}, [2]int{before, after})
	}
	if cfg.depthwise {
		return depthwiseConvolution(ctx, x, cfg)
	}
	conv := layers.Convolution(ctx, x).CurrentScope().
		Channels(cfg.filters).
		KernelSize(cfg.kernel).
		UseBias(cfg.useBias)
	if cfg.stride > 1 {
		conv = conv.NoPadding().Strides(cfg.stride)
	} else {
		conv = conv.PadSame()
		if cfg.rate > 1 {
			conv = conv.Dilations(cfg.rate)
		}
	}
	return conv.Done()
}

// depthwiseConvolution creates the kernel variable "weights" shaped [kernel, kernel, 1, channels] and convolves
// each channel of x with its own filter, as a convolution with one channel group per input channel.
//
// The padding of x (for strides > 1) is handled by convolution.
func depthwiseConvolution(ctx *context.Context, x *Node, cfg convConfig) *Node {
	channels := x.Shape().Dim(-1)
	if cfg.filters != channels {
		Panicf("depthwise convolution in scope %q: filters (%d) must equal the input channels (%d)",
			ctx.Scope(), cfg.filters, channels)
	}
	kernelShape := shapes.Make(x.DType(), cfg.kernel, cfg.kernel, 1, channels)
	kernel := ctx.VariableWithShape("weights", kernelShape).ValueGraph(x.Graph())
	conv := Convolve(x, kernel).
		ChannelsAxis(images.ChannelsLast).
		ChannelGroupCount(channels)
	if cfg.stride > 1 {
		conv = conv.NoPadding().Strides(cfg.stride)
	} else {
		conv = conv.PadSame()
		if cfg.rate > 1 {
			conv = conv.Dilations(cfg.rate)
		}
	}
	output := conv.Done()
	if cfg.useBias {
		bias := ctx.VariableWithShape("biases", shapes.Make(x.DType(), channels)).ValueGraph(x.Graph())
		output = Add(output, Reshape(bias, 1, 1, 1, channels))
	}
	return output
}

// batchNorm creates a batch normalization in scope name (under ctx), normalizing the last axis.
func batchNorm(ctx *context.Context, x *Node, name string, epsilon float64) *Node {
	return batchnorm.New(ctx.In(name), x, -1).CurrentScope().Epsilon(epsilon).Done()
}

// convBNRelu is the 1x1 (or kxk, stride 1) convolution + batch normalization + ReLU used by the stem, the
// ASPP and the decoder.
func convBNRelu(ctx *context.Context, x *Node, name string, filters, kernelSize int, epsilon float64) *Node {
	x = Conv2DSame(ctx, x, filters, name, 1, kernelSize, 1)
	x = batchNorm(ctx, x, name+"_BN", epsilon)
	return activations.Relu(x)
}
