// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package deeplab

import (
	"fmt"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// buildGraph creates a graph with an images parameter, and calls buildFn on it. The graph is never compiled.
func buildGraph(t *testing.T, imagesShape shapes.Shape, buildFn func(g *Graph, images *Node)) {
	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, t.Name())
	defer g.Finalize()
	images := Parameter(g, "images", imagesShape)
	buildFn(g, images)
}

func TestPadding(t *testing.T) {
	before, after := ExplicitPadding(3, 1)
	assert.Equal(t, [2]int{1, 1}, [2]int{before, after})
	before, after = ExplicitPadding(3, 2)
	assert.Equal(t, [2]int{2, 2}, [2]int{before, after})
	before, after = ExplicitPadding(1, 1)
	assert.Equal(t, [2]int{0, 0}, [2]int{before, after})
	assert.Equal(t, 5, EffectiveKernelSize(3, 2))
	assert.Equal(t, 13, EffectiveKernelSize(3, 6))

	// TensorFlow "same" padding.
	before, after = SamePadding(512, 3, 2, 1)
	assert.Equal(t, [2]int{0, 1}, [2]int{before, after})
	before, after = SamePadding(511, 3, 2, 1)
	assert.Equal(t, [2]int{1, 1}, [2]int{before, after})
	before, after = SamePadding(64, 3, 1, 2)
	assert.Equal(t, [2]int{2, 2}, [2]int{before, after})
}

func TestStrideSchedule(t *testing.T) {
	schedule, err := StrideScheduleFor(8)
	require.NoError(t, err)
	assert.Equal(t, 1, schedule.EntryBlock3Stride)
	assert.Equal(t, 2, schedule.MiddleRate)
	assert.Equal(t, [2]int{2, 4}, schedule.ExitRates)
	assert.Equal(t, [3]int{12, 24, 36}, schedule.ASPPRates)

	schedule, err = StrideScheduleFor(16)
	require.NoError(t, err)
	assert.Equal(t, 2, schedule.EntryBlock3Stride)
	assert.Equal(t, 1, schedule.MiddleRate)
	assert.Equal(t, [2]int{1, 2}, schedule.ExitRates)
	assert.Equal(t, [3]int{6, 12, 18}, schedule.ASPPRates)

	for _, os := range []int{0, 4, 32} {
		_, err = StrideScheduleFor(os)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidOutputStride), "output stride %d: %v", os, err)
	}
}

func TestInvalidOutputStridePanics(t *testing.T) {
	buildGraph(t, shapes.Make(dtypes.Float32, 1, 32, 32, 3), func(_ *Graph, images *Node) {
		require.Panics(t, func() {
			_ = New(context.New(), images).OutputStride(32).Done()
		})
	})
}

func TestOutputShapes(t *testing.T) {
	const classes = 5
	for _, outputStride := range []int{8, 16} {
		for _, size := range [][2]int{{64, 64}, {48, 80}, {33, 47}} {
			height, width := size[0], size[1]
			t.Run(fmt.Sprintf("os=%d-%dx%d", outputStride, height, width), func(t *testing.T) {
				buildGraph(t, shapes.Make(dtypes.Float32, 2, height, width, 3), func(_ *Graph, images *Node) {
					ctx := context.New()
					ep := New(ctx, images).OutputStride(outputStride).Classes(classes).DoneWithEndpoints()
					assert.NoError(t, ep.Logits.Shape().Check(dtypes.Float32, 2, height, width, classes))
					assert.NoError(t, ep.LowLevel.Shape().Check(dtypes.Float32, 2, ceilDiv(height, 4), ceilDiv(width, 4), 256))

					featuresHeight, featuresWidth := height, width
					for range 3 {
						featuresHeight, featuresWidth = ceilDiv(featuresHeight, 2), ceilDiv(featuresWidth, 2)
					}
					if outputStride == 16 {
						featuresHeight, featuresWidth = ceilDiv(featuresHeight, 2), ceilDiv(featuresWidth, 2)
					}
					assert.NoError(t, ep.Backbone.Shape().Check(dtypes.Float32, 2, featuresHeight, featuresWidth, 2048))
					assert.NoError(t, ep.ASPP.Shape().Check(dtypes.Float32, 2, featuresHeight, featuresWidth, ASPPFilters))
				})
			})
		}
	}
}

func TestVariableScopes(t *testing.T) {
	buildGraph(t, shapes.Make(dtypes.Float32, 1, 32, 32, 3), func(_ *Graph, images *Node) {
		ctx := context.New()
		_ = New(ctx.In(Name), images).Classes(21).Done()

		for _, want := range []struct {
			scope, name string
			dims        []int
		}{
			{"entry_flow_conv1_1", "weights", []int{3, 3, 3, 32}},
			{"entry_flow_conv1_1_BN", "mean", []int{32}},
			{"entry_flow_block1_separable_conv1_depthwise", "weights", []int{3, 3, 1, 64}},
			{"entry_flow_block1_separable_conv1_pointwise", "weights", []int{1, 1, 64, 128}},
			{"entry_flow_block1_shortcut", "weights", []int{1, 1, 64, 128}},
			{"middle_flow_unit_16_separable_conv3_pointwise_BN", "variance", []int{728}},
			{"exit_flow_block2_separable_conv3_pointwise", "weights", []int{1, 1, 1536, 2048}},
			{"aspp0", "weights", []int{1, 1, 2048, 256}},
			{"image_pooling_BN", "scale", []int{256}},
			{"concat_projection", "weights", []int{1, 1, 1280, 256}},
			{"feature_projection0", "weights", []int{1, 1, 256, 48}},
			{"decoder_conv0_depthwise", "weights", []int{3, 3, 1, 304}},
			{"logits_semantic", "weights", []int{1, 1, 256, 21}},
			{"logits_semantic", "biases", []int{21}},
		} {
			v := ctx.GetVariableByScopeAndName(context.RootScope+Name+context.ScopeSeparator+want.scope, want.name)
			require.NotNilf(t, v, "variable %s/%s not found", want.scope, want.name)
			assert.NoErrorf(t, v.Shape().Check(dtypes.Float32, want.dims...), "variable %s/%s", want.scope, want.name)
		}

		// No bias in convolutions followed by batch normalization.
		assert.Nil(t, ctx.GetVariableByScopeAndName("/"+Name+"/aspp0", "biases"))
	})
}

func TestCustomClassesLogitsName(t *testing.T) {
	assert.Equal(t, "logits_semantic", LogitsLayerName(21))
	assert.Equal(t, "custom_logits_semantic", LogitsLayerName(5))

	buildGraph(t, shapes.Make(dtypes.Float32, 1, 32, 32, 3), func(_ *Graph, images *Node) {
		ctx := context.New()
		_ = New(ctx, images).Classes(5).Done()
		assert.NotNil(t, ctx.GetVariableByScopeAndName("/custom_logits_semantic", "weights"))
		assert.Nil(t, ctx.GetVariableByScopeAndName("/logits_semantic", "weights"))
	})
}

func TestParamsDefaults(t *testing.T) {
	buildGraph(t, shapes.Make(dtypes.Float32, 1, 32, 32, 3), func(_ *Graph, images *Node) {
		ctx := context.New()
		ctx.SetParam(ParamClasses, 3)
		ctx.SetParam(ParamOutputStride, 8)
		ep := New(ctx, images).DoneWithEndpoints()
		assert.NoError(t, ep.Logits.Shape().Check(dtypes.Float32, 1, 32, 32, 3))
		assert.Equal(t, []int{1, 4, 4, 2048}, ep.Backbone.Shape().Dimensions)
	})
}

func TestXceptionBlock(t *testing.T) {
	buildGraph(t, shapes.Make(dtypes.Float32, 1, 9, 9, 8), func(_ *Graph, x *Node) {
		ctx := context.New()
		out, skip := XceptionBlock(ctx, x, XceptionConfig{
			Prefix: "conv", Depths: [3]int{16, 16, 32}, Skip: SkipConv, Stride: 2, ReturnSkip: true})
		assert.Equal(t, []int{1, 5, 5, 32}, out.Shape().Dimensions)
		assert.Equal(t, []int{1, 9, 9, 16}, skip.Shape().Dimensions)

		out, skip = XceptionBlock(ctx, x, XceptionConfig{
			Prefix: "sum", Depths: [3]int{8, 8, 8}, Skip: SkipSum, Rate: 2})
		assert.Equal(t, []int{1, 9, 9, 8}, out.Shape().Dimensions)
		assert.Nil(t, skip)

		out, _ = XceptionBlock(ctx, x, XceptionConfig{
			Prefix: "none", Depths: [3]int{8, 8, 12}, Skip: SkipNone, DepthActivation: true})
		assert.Equal(t, []int{1, 9, 9, 12}, out.Shape().Dimensions)
		assert.Nil(t, ctx.GetVariableByScopeAndName("/none_shortcut", "weights"))
	})
}

func TestXceptionBlockSumMismatch(t *testing.T) {
	buildGraph(t, shapes.Make(dtypes.Float32, 1, 8, 8, 4), func(_ *Graph, x *Node) {
		var recovered any
		func() {
			defer func() { recovered = recover() }()
			_, _ = XceptionBlock(context.New(), x, XceptionConfig{
				Prefix: "mismatch", Depths: [3]int{8, 8, 8}, Skip: SkipSum})
		}()
		require.NotNil(t, recovered, "sum skip with different shapes should panic")
		err, ok := recovered.(error)
		require.True(t, ok, "expected an error, got %v", recovered)
		assert.True(t, errors.Is(err, ErrShapeMismatch))
	})
}

func TestStridedAtrousPanics(t *testing.T) {
	buildGraph(t, shapes.Make(dtypes.Float32, 1, 8, 8, 4), func(_ *Graph, x *Node) {
		require.Panics(t, func() {
			_ = SepConvBN(context.New(), x, SepConvConfig{Prefix: "bad", Filters: 8, Stride: 2, Rate: 2})
		})
	})
}

func TestSkipMode(t *testing.T) {
	for _, mode := range []SkipMode{SkipConv, SkipSum, SkipNone} {
		parsed, err := ParseSkipMode(mode.String())
		require.NoError(t, err)
		assert.Equal(t, mode, parsed)
	}
	_, err := ParseSkipMode("xyz")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestImagePoolingShape(t *testing.T) {
	for _, size := range [][2]int{{4, 4}, {3, 5}, {5, 2}, {1, 1}} {
		buildGraph(t, shapes.Make(dtypes.Float32, 2, size[0], size[1], 16), func(_ *Graph, x *Node) {
			ctx := context.New()
			pooled := ImagePooling(ctx, x)
			assert.Equal(t, []int{2, size[0], size[1], ASPPFilters}, pooled.Shape().Dimensions)
			aspp := ASPP(ctx, x, [3]int{6, 12, 18}, 0.1)
			assert.Equal(t, []int{2, size[0], size[1], ASPPFilters}, aspp.Shape().Dimensions)
		})
	}
}

func TestResize(t *testing.T) {
	buildGraph(t, shapes.Make(dtypes.Float32, 1, 4, 6, 2), func(_ *Graph, x *Node) {
		assert.Same(t, x, ResizeBilinear(x, 4, 6))
		assert.Equal(t, []int{1, 8, 18, 2}, UpsampleBilinear(x, 2, 3).Shape().Dimensions)
		assert.Equal(t, []int{1, 3, 5, 2}, ResizeBilinear(x, 3, 5).Shape().Dimensions)
		require.Panics(t, func() { _ = ResizeBilinear(x, 0, 5) })
	})
}

func TestResizeAlignedCorners(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	got := context.MustExecOnce(backend, context.New(), func(_ *context.Context, g *Graph) *Node {
		x := Const(g, [][][][]float32{{{{0}, {3}}}}) // Shape [1, 1, 2, 1].
		return ResizeBilinear(x, 1, 4)
	})
	// With aligned corners the end points are kept and the middle points evenly spaced.
	assert.InDeltaSlice(t, []float32{0, 1, 2, 3}, flatten(got.Value()), 1e-5)
}

func TestPreprocess(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	got := context.MustExecOnce(backend, context.New(), func(_ *context.Context, g *Graph) *Node {
		return Preprocess(Const(g, []uint8{0, 51, 255}))
	})
	assert.Equal(t, dtypes.Float32, got.DType())
	assert.InDeltaSlice(t, []float32{-1, -0.6, 1}, got.Value(), 1e-5)
}

func flatten(value any) []float32 {
	switch v := value.(type) {
	case float32:
		return []float32{v}
	case []float32:
		return v
	case [][]float32:
		var all []float32
		for _, row := range v {
			all = append(all, row...)
		}
		return all
	case [][][]float32:
		var all []float32
		for _, sub := range v {
			all = append(all, flatten(sub)...)
		}
		return all
	case [][][][]float32:
		var all []float32
		for _, sub := range v {
			all = append(all, flatten(sub)...)
		}
		return all
	}
	panic(fmt.Sprintf("flatten: unsupported type %T", value))
}
