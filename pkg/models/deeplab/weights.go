// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package deeplab

import (
	"slices"
	"strings"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Weights of a model, indexed by the variable scope (relative to the model scope) joined with the
// variable name, e.g. "entry_flow_conv1_1_BN/mean".
type Weights map[string]*tensors.Tensor

// WeightKey returns the key used in Weights for a variable in the given scope (relative to the model scope)
// and with the given name.
func WeightKey(scope, name string) string {
	return context.JoinScope(strings.Trim(scope, context.ScopeSeparator), name)
}

// Set the value for the variable with the given relative scope and name.
func (w Weights) Set(scope, name string, value *tensors.Tensor) {
	w[WeightKey(scope, name)] = value
}

// Keys returns the sorted keys.
func (w Weights) Keys() []string {
	keys := make([]string, 0, len(w))
	for key := range w {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// ConvertDType converts all float tensors of a different dtype to dtype, on the given backend.
func (w Weights) ConvertDType(backend backends.Backend, dtype dtypes.DType) error {
	for key, value := range w {
		if !value.DType().IsFloat() || value.DType() == dtype {
			continue
		}
		converted, err := ExecOnce(backend, func(x *Node) *Node { return ConvertDType(x, dtype) }, value)
		if err != nil {
			return errors.WithMessagef(err, "converting weights %q to %s", key, dtype)
		}
		w[key] = converted
	}
	return nil
}

// WeightsFromContext collects the values of all variables under the given model scope of ctx.
//
// It is used to read the weights of a GoMLX checkpoint: loading a checkpoint directly into the model's
// context would fail on variables with different shapes, so it is first loaded into a separate context.
func WeightsFromContext(ctx *context.Context, modelScope string) (Weights, error) {
	w := make(Weights)
	for v := range ctx.InAbsPath(modelScope).IterVariablesInScope() {
		key, ok := relativeKey(modelScope, v)
		if !ok {
			continue
		}
		value, err := v.Value()
		if err != nil {
			return nil, errors.WithMessagef(err, "reading variable %q", v.ScopeAndName())
		}
		w[key] = value
	}
	return w, nil
}

// LoadCheckpointWeights reads the weights saved in a GoMLX checkpoint directory, for a model saved under
// modelScope.
func LoadCheckpointWeights(checkpointDir, modelScope string) (Weights, error) {
	ckptCtx := context.New()
	_, err := checkpoints.Load(ckptCtx).Dir(checkpointDir).Immediate().Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "loading checkpoint from %q", checkpointDir)
	}
	return WeightsFromContext(ckptCtx, modelScope)
}

// relativeKey returns the Weights key of v, relative to modelScope.
func relativeKey(modelScope string, v *context.Variable) (string, bool) {
	prefix := modelScope
	if !strings.HasSuffix(prefix, context.ScopeSeparator) {
		prefix += context.ScopeSeparator
	}
	scope := v.Scope() + context.ScopeSeparator
	if !strings.HasPrefix(scope, prefix) {
		return "", false
	}
	return WeightKey(scope[len(prefix):], v.Name()), true
}

// SkippedWeight is a weight whose shape didn't match the model's variable.
type SkippedWeight struct {
	Key              string
	Model, Available shapes.Shape
}

// LoadReport lists what happened to each weight during LoadWeights.
type LoadReport struct {
	// Loaded are the keys of the variables set from the weights.
	Loaded []string

	// Skipped are weights available with a different shape than the model's variable: e.g.: the
	// classifier layer of a model with a different number of classes. These variables are
	// initialized fresh.
	Skipped []SkippedWeight

	// Missing are the keys of model variables without weights, initialized fresh.
	Missing []string

	// Unused are keys in the weights that don't correspond to any model variable.
	Unused []string
}

// MaterializeVariables creates the model variables in ctx, with the shapes given by cfg, without values.
//
// It builds (but doesn't compile or execute) the model graph.
func MaterializeVariables(backend backends.Backend, ctx *context.Context, cfg *Config) (err error) {
	if err = cfg.Validate(); err != nil {
		return err
	}
	dtype, _ := cfg.ModelDType()
	err = TryCatch[error](func() {
		g := NewGraph(backend, "deeplab_variables")
		defer g.Finalize()
		images := Parameter(g, "images", shapes.Make(dtype, 1, cfg.InputShape[0], cfg.InputShape[1], cfg.InputShape[2]))
		_ = New(ctx.Checked(false), images).OutputStride(cfg.OutputStride).Classes(cfg.Classes).Done()
	})
	if err != nil {
		return errors.WithMessagef(err, "failed to create DeepLab variables")
	}
	return nil
}

// LoadWeights creates the variables of the model described by cfg under ctx's current scope, and sets their values
// from weights, matching by scope and name.
//
// Weights with a shape different from the model's variable are skipped, and the variable is initialized
// fresh, like variables with no corresponding weights. This allows reusing the pretrained backbone
// in a model with a different number of classes. The returned LoadReport lists each case.
//
// The ownership of the loaded tensors moves to the context.
func LoadWeights(backend backends.Backend, ctx *context.Context, cfg *Config, weights Weights) (*LoadReport, error) {
	if err := MaterializeVariables(backend, ctx, cfg); err != nil {
		return nil, err
	}
	modelScope := ctx.Scope()
	report := &LoadReport{}
	used := make(map[string]bool, len(weights))
	loaded := make(map[string]bool, len(weights))
	var avgWeights []*context.Variable
	for v := range ctx.IterVariablesInScope() {
		key, ok := relativeKey(modelScope, v)
		if !ok {
			continue
		}
		value, found := weights[key]
		if !found {
			if v.Name() == batchNormAvgWeightName {
				avgWeights = append(avgWeights, v)
				continue
			}
			report.Missing = append(report.Missing, key)
			continue
		}
		used[key] = true
		if !value.Shape().Equal(v.Shape()) {
			report.Skipped = append(report.Skipped, SkippedWeight{Key: key, Model: v.Shape(), Available: value.Shape()})
			klog.V(1).Infof("DeepLab weights: skipping %q, model shape %s, available %s", key, v.Shape(), value.Shape())
			continue
		}
		if err := v.SetValue(value); err != nil {
			return nil, errors.WithMessagef(err, "setting value of variable %q", v.ScopeAndName())
		}
		report.Loaded = append(report.Loaded, key)
		loaded[key] = true
	}
	if err := setLoadedAveragesWeight(backend, modelScope, avgWeights, loaded); err != nil {
		return nil, err
	}
	for key := range weights {
		if !used[key] {
			report.Unused = append(report.Unused, key)
		}
	}
	slices.Sort(report.Loaded)
	slices.Sort(report.Missing)
	slices.Sort(report.Unused)
	slices.SortFunc(report.Skipped, func(a, b SkippedWeight) int { return strings.Compare(a.Key, b.Key) })

	if err := ctx.InitializeVariables(backend, nil); err != nil {
		return nil, errors.WithMessagef(err, "initializing DeepLab variables not loaded")
	}
	klog.Infof("DeepLab weights: %d loaded, %d skipped (shape mismatch), %d missing, %d unused",
		len(report.Loaded), len(report.Skipped), len(report.Missing), len(report.Unused))
	return report, nil
}

// batchNormAvgWeightName is the batch normalization variable counting the batches averaged into its mean and
// variance. Keras has no equivalent, so it is never reported as missing.
const batchNormAvgWeightName = "avg_weight"

// LoadedAveragesWeight is the value given to the batch normalization "avg_weight" of layers whose mean and
// variance were loaded without it. Training steps then move the loaded averages by the regular momentum,
// instead of replacing them with the statistics of the first batch.
const LoadedAveragesWeight = 1000.0

// setLoadedAveragesWeight sets LoadedAveragesWeight to the avg_weight variables (not present in the weights)
// of the batch normalizations whose mean was loaded. The others are left to be initialized with zero.
func setLoadedAveragesWeight(backend backends.Backend, modelScope string, avgWeights []*context.Variable,
	loaded map[string]bool) error {
	for _, v := range avgWeights {
		scopeKey, _ := relativeKey(modelScope, v)
		scope := strings.TrimSuffix(scopeKey, context.ScopeSeparator+v.Name())
		if !loaded[WeightKey(scope, "mean")] || !loaded[WeightKey(scope, "variance")] {
			continue
		}
		shape := v.Shape()
		value, err := ExecOnce(backend, func(g *Graph) *Node {
			return MulScalar(Ones(g, shape), LoadedAveragesWeight)
		})
		if err != nil {
			return errors.WithMessagef(err, "creating value for %q", v.ScopeAndName())
		}
		if err = v.SetValue(value); err != nil {
			return errors.WithMessagef(err, "setting value of variable %q", v.ScopeAndName())
		}
		klog.V(2).Infof("DeepLab weights: %q set to %g", v.ScopeAndName(), LoadedAveragesWeight)
	}
	return nil
}
