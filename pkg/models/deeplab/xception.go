// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package deeplab

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// SkipMode selects how an Xception block combines its input with the output of its separable convolutions.
type SkipMode int

const (
	// SkipConv projects the input with a 1x1 convolution (with the block's stride) and batch normalization,
	// and adds it to the output.
	SkipConv SkipMode = iota

	// SkipSum adds the input as is. Input and output shapes must match.
	SkipSum

	// SkipNone returns the output of the separable convolutions unchanged.
	SkipNone
)

// ErrShapeMismatch is panicked by XceptionBlock when SkipSum is used with incompatible shapes.
var ErrShapeMismatch = errors.New("residual sum requires matching input and output shapes")

// String implements fmt.Stringer.
func (m SkipMode) String() string {
	switch m {
	case SkipConv:
		return "conv"
	case SkipSum:
		return "sum"
	case SkipNone:
		return "none"
	}
	return fmt.Sprintf("SkipMode(%d)", int(m))
}

// ParseSkipMode converts "conv", "sum" or "none" to the corresponding SkipMode.
func ParseSkipMode(s string) (SkipMode, error) {
	switch s {
	case "conv":
		return SkipConv, nil
	case "sum":
		return SkipSum, nil
	case "none":
		return SkipNone, nil
	}
	return SkipNone, errors.Wrapf(ErrInvalidConfig, "unknown skip connection type %q, valid values are conv, sum or none", s)
}

// XceptionConfig configures one block of the modified Xception backbone, see XceptionBlock.
type XceptionConfig struct {
	// Prefix of the scopes: <Prefix>_separable_conv{1,2,3} and, for SkipConv, <Prefix>_shortcut{,_BN}.
	Prefix string

	// Depths are the output channels of the three separable convolutions.
	Depths [3]int

	Skip SkipMode

	// Stride applied to the third separable convolution (and to the shortcut projection). Defaults to 1.
	Stride int

	// Rate (atrous/dilation) shared by the three separable convolutions. Defaults to 1.
	Rate int

	// DepthActivation is passed to the separable convolutions, see SepConvConfig.
	DepthActivation bool

	// ReturnSkip makes XceptionBlock also return the output of the second separable convolution.
	ReturnSkip bool
}

// XceptionBlock builds three chained SepConvBN (stride only at the last one) and combines them with the
// input according to cfg.Skip.
//
// If cfg.ReturnSkip is set, skip is the output of the second separable convolution, otherwise it is nil.
//
// It panics with ErrShapeMismatch if cfg.Skip is SkipSum and the input and output shapes differ.
func XceptionBlock(ctx *context.Context, inputs *Node, cfg XceptionConfig) (outputs, skip *Node) {
	stride := max(cfg.Stride, 1)
	rate := max(cfg.Rate, 1)
	residual := inputs
	for ii, depth := range cfg.Depths {
		sepStride := 1
		if ii == 2 {
			sepStride = stride
		}
		residual = SepConvBN(ctx, residual, SepConvConfig{
			Prefix:          fmt.Sprintf("%s_separable_conv%d", cfg.Prefix, ii+1),
			Filters:         depth,
			Stride:          sepStride,
			Rate:            rate,
			DepthActivation: cfg.DepthActivation,
		})
		if ii == 1 && cfg.ReturnSkip {
			skip = residual
		}
	}

	switch cfg.Skip {
	case SkipConv:
		shortcut := Conv2DSame(ctx, inputs, cfg.Depths[2], cfg.Prefix+"_shortcut", stride, 1, 1)
		shortcut = batchNorm(ctx, shortcut, cfg.Prefix+"_shortcut_BN", DefaultEpsilon)
		outputs = Add(residual, shortcut)
	case SkipSum:
		if !inputs.Shape().Equal(residual.Shape()) {
			panic(errors.Wrapf(ErrShapeMismatch, "xception block %q: input shape %s, output shape %s",
				cfg.Prefix, inputs.Shape(), residual.Shape()))
		}
		outputs = Add(residual, inputs)
	case SkipNone:
		outputs = residual
	default:
		Panicf("xception block %q: invalid skip mode %s", cfg.Prefix, cfg.Skip)
	}
	return
}
