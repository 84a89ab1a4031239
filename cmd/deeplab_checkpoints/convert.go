// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/gomlx/deeplab/pkg/models/deeplab"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ConvertToCheckpoint loads the weights into a model built from cfg and saves it as a GoMLX checkpoint
// in checkpointDir, which must not hold a checkpoint yet.
//
// It returns the report of the load: variables not loaded are saved with their fresh initialization.
func ConvertToCheckpoint(backend backends.Backend, cfg *deeplab.Config, weights deeplab.Weights,
	checkpointDir string) (*deeplab.LoadReport, error) {
	checkpointDir = fsutil.MustReplaceTildeInDir(checkpointDir)
	if deeplab.IsCheckpointDir(checkpointDir) {
		return nil, errors.Errorf("%q already holds a checkpoint, not overwriting it", checkpointDir)
	}
	dtype, err := cfg.ModelDType()
	if err != nil {
		return nil, err
	}
	if err = weights.ConvertDType(backend, dtype); err != nil {
		return nil, err
	}

	ctx := context.New()
	cfg.SetParams(ctx)
	report, err := deeplab.LoadWeights(backend, ctx.In(deeplab.Name), cfg, weights)
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(checkpointDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating checkpoint directory %q", checkpointDir)
	}
	handler, err := checkpoints.Build(ctx).Dir(checkpointDir).Immediate().Keep(1).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "creating checkpoint in %q", checkpointDir)
	}
	if err = handler.Save(); err != nil {
		return nil, errors.WithMessagef(err, "saving checkpoint in %q", checkpointDir)
	}
	klog.Infof("DeepLab checkpoint saved to %q", checkpointDir)
	return report, nil
}
