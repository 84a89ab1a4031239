// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package deeplab

import (
	"os"
	"path/filepath"
	"strings"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Model is a DeepLabv3+ instance ready for inference: a context with its variables loaded and the
// compiled computations.
//
// It is safe for concurrent use. Each new input shape triggers a new compilation.
type Model struct {
	backend backends.Backend
	ctx     *context.Context
	cfg     Config
	report  *LoadReport

	predictExec, trainingExec, segmentExec *context.Exec
}

// NewModel creates a Model described by cfg, with weights loaded according to cfg.Weights:
//
//   - WeightsPascalVOC: cfg.WeightsPath may point to a GoMLX checkpoint directory, to a Keras ".h5" file, or to
//     a directory where the released weights are downloaded (if not yet there) and unpacked. If empty,
//     DefaultWeightsDir is used.
//   - WeightsNone: all variables are freshly initialized.
//
// Variables whose shapes don't match the weights (e.g., the classifier for cfg.Classes != 21) are freshly
// initialized, see LoadWeights.
func NewModel(backend backends.Backend, cfg *Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Model{
		backend: backend,
		ctx:     context.New(),
		cfg:     *cfg,
	}
	cfg.SetParams(m.ctx)
	modelCtx := m.ctx.In(Name)

	var weights Weights
	if cfg.Weights == WeightsPascalVOC {
		var err error
		weights, err = PretrainedWeights(cfg.WeightsPath)
		if err != nil {
			return nil, err
		}
		dtype, _ := cfg.ModelDType()
		if err = weights.ConvertDType(backend, dtype); err != nil {
			return nil, err
		}
	}
	report, err := LoadWeights(backend, modelCtx, cfg, weights)
	if err != nil {
		return nil, err
	}
	m.report = report

	// Variables already exist, so graphs are built reusing them.
	reuseCtx := modelCtx.Checked(false)
	m.predictExec, err = context.NewExec(backend, reuseCtx, m.callGraphFn(false))
	if err == nil {
		m.trainingExec, err = context.NewExec(backend, reuseCtx, m.callGraphFn(true))
	}
	if err == nil {
		m.segmentExec, err = context.NewExec(backend, reuseCtx, m.segmentGraphFn)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create DeepLab executors")
	}
	return m, nil
}

// PretrainedWeights reads the PASCAL VOC weights from weightsPath, which can be a GoMLX checkpoint directory,
// a Keras ".h5" file, or a directory where to download and unpack the released weights.
// If weightsPath is empty, DefaultWeightsDir is used.
func PretrainedWeights(weightsPath string) (Weights, error) {
	if weightsPath == "" {
		weightsPath = DefaultWeightsDir
	}
	weightsPath = fsutil.MustReplaceTildeInDir(weightsPath)
	if strings.HasSuffix(weightsPath, ".h5") {
		klog.V(1).Infof("DeepLab: loading Keras weights from %q", weightsPath)
		return LoadKerasFile(weightsPath)
	}
	if IsCheckpointDir(weightsPath) {
		klog.V(1).Infof("DeepLab: loading GoMLX checkpoint from %q", weightsPath)
		return LoadCheckpointWeights(weightsPath, context.RootScope+Name)
	}
	unpackedDir, err := DownloadWeights(weightsPath)
	if err != nil {
		return nil, err
	}
	return LoadUnpackedWeights(unpackedDir)
}

// IsCheckpointDir returns whether dir holds a GoMLX checkpoint.
func IsCheckpointDir(dir string) bool {
	matches, err := filepath.Glob(filepath.Join(dir, "checkpoint-*"+checkpoints.JsonNameSuffix))
	return err == nil && len(matches) > 0
}

func (m *Model) callGraphFn(training bool) func(ctx *context.Context, images *Node) *Node {
	return func(ctx *context.Context, images *Node) *Node {
		ctx.SetTraining(images.Graph(), training)
		logits := New(ctx, images).OutputStride(m.cfg.OutputStride).Classes(m.cfg.Classes).Done()
		if training {
			return logits
		}
		return Softmax(logits, -1)
	}
}

func (m *Model) segmentGraphFn(ctx *context.Context, images *Node) *Node {
	ctx.SetTraining(images.Graph(), false)
	logits := New(ctx, images).OutputStride(m.cfg.OutputStride).Classes(m.cfg.Classes).Done()
	return ArgMax(logits, -1, dtypes.Int32)
}

// Call executes the model on a batch of preprocessed images (see Preprocess), shaped [batch, height, width, 3].
//
// If training is false it returns the probabilities (softmax over the classes), shaped
// [batch, height, width, classes]. If training is true, it returns the logits, with dropout active and batch
// normalization using (and updating) batch statistics.
func (m *Model) Call(images *tensors.Tensor, training bool) (output *tensors.Tensor, err error) {
	if err = m.checkImages(images); err != nil {
		return nil, err
	}
	exec := m.predictExec
	if training {
		exec = m.trainingExec
	}
	err = TryCatch[error](func() { output, err = exec.Exec1(images) })
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to execute DeepLab on images shaped %s", images.Shape())
	}
	return output, nil
}

// Predict returns the per-pixel class probabilities. It is the same as Call(images, false).
func (m *Model) Predict(images *tensors.Tensor) (*tensors.Tensor, error) {
	return m.Call(images, false)
}

// Segment returns the most likely class of each pixel, shaped [batch, height, width] with dtype Int32.
func (m *Model) Segment(images *tensors.Tensor) (classes *tensors.Tensor, err error) {
	if err = m.checkImages(images); err != nil {
		return nil, err
	}
	err = TryCatch[error](func() { classes, err = m.segmentExec.Exec1(images) })
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to segment images shaped %s", images.Shape())
	}
	return classes, nil
}

func (m *Model) checkImages(images *tensors.Tensor) error {
	shape := images.Shape()
	if shape.Rank() != 4 || shape.Dim(-1) != m.cfg.InputShape[2] {
		return errors.Wrapf(ErrInvalidConfig, "images must be shaped [batch, height, width, %d], got %s",
			m.cfg.InputShape[2], shape)
	}
	return nil
}

// SaveCheckpoint saves the model variables and hyperparameters as a GoMLX checkpoint in dir.
// It can be loaded back with NewModel, using dir as Config.WeightsPath.
func (m *Model) SaveCheckpoint(dir string) error {
	dir = fsutil.MustReplaceTildeInDir(dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create checkpoint directory %q", dir)
	}
	handler, err := checkpoints.Build(m.ctx).Dir(dir).Immediate().Keep(1).Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to create checkpoint in %q", dir)
	}
	return handler.Save()
}

// Config returns a copy of the configuration the model was created with.
func (m *Model) Config() Config {
	return m.cfg
}

// Name of the model, also the scope of its variables.
func (m *Model) Name() string {
	return Name
}

// Context holding the model variables, under scope Name.
func (m *Model) Context() *context.Context {
	return m.ctx
}

// LoadReport returns what happened to the weights when the model was created.
func (m *Model) LoadReport() *LoadReport {
	return m.report
}

// Backend used by the model.
func (m *Model) Backend() backends.Backend {
	return m.backend
}
