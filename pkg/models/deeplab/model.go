// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package deeplab builds the DeepLabv3+ semantic segmentation model, with a modified Xception backbone,
// as described in "Encoder-Decoder with Atrous Separable Convolution for Semantic Image Segmentation",
// https://arxiv.org/abs/1802.02611.
//
// Layers are created in context scopes named after the layers of the Keras model released with PASCAL VOC
// weights, so those weights can be loaded by name (see LoadWeights and KerasWeights).
//
// Example of building the logits in a graph function:
//
//	logits := deeplab.New(ctx, images).OutputStride(16).Classes(21).Done()
//
// And for inference, with pretrained weights:
//
//	model := must.M1(deeplab.NewModel(backend, deeplab.DefaultConfig()))
//	probabilities := must.M1(model.Predict(imagesTensor))
package deeplab

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// MiddleFlowUnits is the number of residual blocks in the middle flow of the backbone.
const MiddleFlowUnits = 16

// Builder for the DeepLabv3+ graph. Create it with New, configure, and call Done or DoneWithEndpoints.
type Builder struct {
	ctx          *context.Context
	images       *Node
	outputStride int
	classes      int
	dropoutRate  float64
}

// Endpoints are intermediary and final outputs of the model.
type Endpoints struct {
	// Logits shaped [batch, height, width, classes].
	Logits *Node

	// Backbone is the output of the exit flow, with 2048 channels at 1/OutputStride of the input resolution.
	Backbone *Node

	// LowLevel are the entry flow features, captured in the second block, at 1/4 of the input resolution.
	LowLevel *Node

	// ASPP is the projected output of the atrous spatial pyramid pooling.
	ASPP *Node
}

// New creates a Builder for DeepLabv3+ on images, shaped [batch, height, width, 3] and preprocessed with Preprocess.
//
// Variables are created under ctx's current scope. Defaults are read from the context hyperparameters
// ParamOutputStride (16), ParamClasses (21) and ParamDropout (0.1).
func New(ctx *context.Context, images *Node) *Builder {
	return &Builder{
		ctx:          ctx,
		images:       images,
		outputStride: context.GetParamOr(ctx, ParamOutputStride, 16),
		classes:      context.GetParamOr(ctx, ParamClasses, 21),
		dropoutRate:  context.GetParamOr(ctx, ParamDropout, 0.1),
	}
}

// OutputStride sets the ratio of the input resolution to the backbone output resolution: 8 or 16.
// Done panics if any other value is given.
func (b *Builder) OutputStride(outputStride int) *Builder {
	b.outputStride = outputStride
	return b
}

// Classes sets the number of output classes.
func (b *Builder) Classes(classes int) *Builder {
	b.classes = classes
	return b
}

// Dropout sets the dropout rate after the ASPP projection. Set to 0 to disable.
func (b *Builder) Dropout(rate float64) *Builder {
	b.dropoutRate = rate
	return b
}

// Done builds the model and returns the logits, shaped [batch, height, width, classes].
func (b *Builder) Done() *Node {
	return b.DoneWithEndpoints().Logits
}

// DoneWithEndpoints builds the model and returns its logits along with intermediary endpoints.
func (b *Builder) DoneWithEndpoints() *Endpoints {
	schedule, err := StrideScheduleFor(b.outputStride)
	if err != nil {
		panic(err)
	}
	if b.classes <= 0 {
		Panicf("DeepLab requires classes > 0, got %d", b.classes)
	}
	images := b.images
	if images.Rank() != 4 {
		Panicf("DeepLab requires images shaped [batch, height, width, channels], got %s", images.Shape())
	}
	height, width := images.Shape().Dim(1), images.Shape().Dim(2)

	ep := &Endpoints{}
	ep.Backbone, ep.LowLevel = Backbone(b.ctx, images, schedule)
	ep.ASPP = ASPP(b.ctx, ep.Backbone, schedule.ASPPRates, b.dropoutRate)
	ep.Logits = Decoder(b.ctx, ep.ASPP, ep.LowLevel, height, width, b.classes)
	return ep
}

// Backbone builds the modified Xception feature extractor: the stem, entry, middle and exit flows.
//
// It returns the exit flow features and the low-level features used by the decoder.
func Backbone(ctx *context.Context, images *Node, schedule StrideSchedule) (features, lowLevel *Node) {
	x := stem(ctx, images)

	x, _ = XceptionBlock(ctx, x, XceptionConfig{
		Prefix: "entry_flow_block1", Depths: [3]int{128, 128, 128}, Skip: SkipConv, Stride: 2})
	x, lowLevel = XceptionBlock(ctx, x, XceptionConfig{
		Prefix: "entry_flow_block2", Depths: [3]int{256, 256, 256}, Skip: SkipConv, Stride: 2, ReturnSkip: true})
	x, _ = XceptionBlock(ctx, x, XceptionConfig{
		Prefix: "entry_flow_block3", Depths: [3]int{728, 728, 728}, Skip: SkipConv, Stride: schedule.EntryBlock3Stride})

	for ii := range MiddleFlowUnits {
		x, _ = XceptionBlock(ctx, x, XceptionConfig{
			Prefix: fmt.Sprintf("middle_flow_unit_%d", ii+1),
			Depths: [3]int{728, 728, 728},
			Skip:   SkipSum,
			Rate:   schedule.MiddleRate,
		})
	}

	x, _ = XceptionBlock(ctx, x, XceptionConfig{
		Prefix: "exit_flow_block1", Depths: [3]int{728, 1024, 1024}, Skip: SkipConv, Rate: schedule.ExitRates[0]})
	features, _ = XceptionBlock(ctx, x, XceptionConfig{
		Prefix:          "exit_flow_block2",
		Depths:          [3]int{1536, 1536, 2048},
		Skip:            SkipNone,
		Rate:            schedule.ExitRates[1],
		DepthActivation: true,
	})
	return
}

// stem is the first two convolutions of the backbone. The first one follows TensorFlow's "same" padding
// (asymmetric for stride 2), since that is how the released model was built.
func stem(ctx *context.Context, images *Node) *Node {
	dims := images.Shape().Dimensions
	padHeight0, padHeight1 := SamePadding(dims[1], 3, 2, 1)
	padWidth0, padWidth1 := SamePadding(dims[2], 3, 2, 1)
	x := padSpatial(images, [2]int{padHeight0, padHeight1}, [2]int{padWidth0, padWidth1})
	x = convolution(ctx.In("entry_flow_conv1_1"), x, convConfig{filters: 32, kernel: 3, stride: 2, rate: 1, prePadded: true})
	x = batchNorm(ctx, x, "entry_flow_conv1_1_BN", DefaultEpsilon)
	x = activations.Relu(x)
	return convBNRelu(ctx, x, "entry_flow_conv1_2", 64, 3, DefaultEpsilon)
}
