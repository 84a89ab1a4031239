// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// deeplab_checkpoints inspects DeepLabv3+ checkpoints and converts the released Keras weights to GoMLX checkpoints.
//
// Usage:
//
//	deeplab_checkpoints [flags] <checkpoint_dir>
//
// Examples:
//
//	# Download the PASCAL VOC weights (if needed) and save them as a checkpoint.
//	deeplab_checkpoints -convert=~/.cache/gomlx/deeplab ~/work/deeplab_voc
//
//	# Retarget to 5 classes and list what is not loaded.
//	deeplab_checkpoints -report -classes=5 ~/work/deeplab_voc
//
//	# Inspect a checkpoint.
//	deeplab_checkpoints -summary -params -vars ~/work/deeplab_voc
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gomlx/deeplab/pkg/models/deeplab"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagScope = flag.String("scope", context.RootScope+deeplab.Name,
		"The scope of the checkpoint considered by -summary and -vars.")
	flagSummary = flag.Bool("summary", false, "Display a summary of the model configuration and sizes.")
	flagParams  = flag.Bool("params", false, "Lists the hyperparameters.")
	flagVars    = flag.Bool("vars", false, "Lists the variables under -scope, with their statistics.")
	flagColor   = flag.String("color", "auto", "Color profile: auto, truecolor, ansi256, ansi or none.")

	flagConvert = flag.String("convert", "",
		"Converts the given weights to a GoMLX checkpoint saved in <checkpoint_dir>. "+
			"It can be a Keras \".h5\" file, a directory with the unpacked weights, or a directory where to download "+
			"the released PASCAL VOC weights.")
	flagReport = flag.Bool("report", false,
		"Loads the weights of <checkpoint_dir> into a model built with -config, -classes and -output_stride, "+
			"and reports the weights loaded, skipped, missing or unused.")

	flagConfig       = flag.String("config", "", "YAML file with the model configuration used by -convert and -report.")
	flagClasses      = flag.Int("classes", 0, "If > 0, overrides the number of classes of the configuration.")
	flagOutputStride = flag.Int("output_stride", 0, "If > 0, overrides the output stride (8 or 16) of the configuration.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		klog.Errorf("Expected exactly one checkpoint directory, got %d arguments. See 'deeplab_checkpoints -help'.", len(args))
		os.Exit(1)
	}
	must.M(setColorProfile(*flagColor))
	checkpointDir := fsutil.MustReplaceTildeInDir(args[0])
	backend := must.M1(backends.New())

	if *flagConvert != "" {
		cfg := must.M1(modelConfig())
		weights := must.M1(readWeights(*flagConvert))
		report := must.M1(ConvertToCheckpoint(backend, cfg, weights, checkpointDir))
		printLoadReport(cfg, report)
	}
	if *flagReport {
		cfg := must.M1(modelConfig())
		weights := must.M1(deeplab.LoadCheckpointWeights(checkpointDir, context.RootScope+deeplab.Name))
		must.M(LoadReport(backend, cfg, weights))
	}

	if !*flagSummary && !*flagParams && !*flagVars {
		return
	}
	ctx := context.New()
	_ = must.M1(checkpoints.Build(ctx).Dir(checkpointDir).Immediate().Done())
	scopedCtx := ctx
	if *flagScope != "" {
		scopedCtx = ctx.InAbsPath(*flagScope)
	}
	if *flagSummary {
		Summary(ctx, scopedCtx, checkpointDir)
	}
	if *flagParams {
		Params(ctx)
	}
	if *flagVars {
		must.M(ListVariables(backend, scopedCtx))
	}
}

// modelConfig returns the configuration from -config, with the -classes and -output_stride overrides.
func modelConfig() (cfg *deeplab.Config, err error) {
	cfg = deeplab.DefaultConfig()
	if *flagConfig != "" {
		cfg, err = deeplab.LoadConfig(*flagConfig)
		if err != nil {
			return nil, err
		}
	}
	if *flagClasses > 0 {
		cfg.Classes = *flagClasses
	}
	if *flagOutputStride > 0 {
		cfg.OutputStride = *flagOutputStride
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	fmt.Printf("Model: output stride %d, %d classes, input shape %v\n", cfg.OutputStride, cfg.Classes, cfg.InputShape)
	return cfg, nil
}

// readWeights reads weights from a Keras file, a directory of unpacked weights, or downloads them.
func readWeights(weightsPath string) (deeplab.Weights, error) {
	weightsPath = fsutil.MustReplaceTildeInDir(weightsPath)
	entries, err := os.ReadDir(weightsPath)
	isUnpacked := err == nil && len(entries) > 0 &&
		!deeplab.IsCheckpointDir(weightsPath) &&
		!fsutil.MustFileExists(filepath.Join(weightsPath, deeplab.UnpackedWeightsName)) &&
		!fsutil.MustFileExists(filepath.Join(weightsPath, deeplab.WeightsH5Name))
	if isUnpacked {
		return deeplab.LoadUnpackedWeights(weightsPath)
	}
	return deeplab.PretrainedWeights(weightsPath)
}
