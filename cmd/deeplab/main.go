// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// deeplab segments images with DeepLabv3+ and saves the segmentation masks as PNG files.
//
// Usage:
//
//	deeplab [flags] <image_file>...
//
// By default, it uses the released PASCAL VOC weights, downloaded on first use to ~/.cache/gomlx/deeplab.
// Unpacking the Keras weights requires the `h5dump` tool, part of the HDF5 tools.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gomlx/deeplab/pkg/models/deeplab"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagConfig       = flag.String("config", "", "YAML file with the model configuration. Defaults to the PASCAL VOC model.")
	flagWeights      = flag.String("weights", "", "Weights path: a GoMLX checkpoint, a Keras \".h5\" file or a download directory. Overrides the configuration.")
	flagOutputStride = flag.Int("output_stride", 0, "If > 0, overrides the output stride (8 or 16) of the configuration.")
	flagOutputDir    = flag.String("output", ".", "Directory where to save the segmentation masks.")
	flagOverlay      = flag.Float64("overlay", 0.5, "Opacity of the mask blended over the image. If 0, only the mask is saved.")
	flagBatchSize    = flag.Int("batch", 4, "Number of images segmented at once.")
	flagBackend      = flag.String("backend", "", "Backend to use (default: auto-detect).")
	flagSaveConfig   = flag.String("save_config", "", "If set, saves the model configuration as YAML to the given file.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	imagePaths := flag.Args()
	if len(imagePaths) == 0 && *flagSaveConfig == "" {
		klog.Errorf("No images given. See 'deeplab -help'.")
		os.Exit(1)
	}

	cfg := must.M1(modelConfig())
	if *flagSaveConfig != "" {
		must.M(cfg.Save(*flagSaveConfig))
		fmt.Printf("Configuration saved to %s\n", *flagSaveConfig)
	}
	if len(imagePaths) == 0 {
		return
	}

	if *flagBackend != "" {
		must.M(os.Setenv("GOMLX_BACKEND", *flagBackend))
	}
	backend := must.M1(backends.New())
	klog.V(1).Infof("Backend: %s", backend)
	batches := must.M1(splitBatches(imagePaths, *flagBatchSize))
	model := must.M1(deeplab.NewModel(backend, cfg))
	must.M(os.MkdirAll(*flagOutputDir, 0755))
	for _, batchPaths := range batches {
		must.M(segmentBatch(model, batchPaths))
	}
}

// splitBatches splits the paths into consecutive batches of at most batchSize paths.
func splitBatches(paths []string, batchSize int) ([][]string, error) {
	if batchSize < 1 {
		return nil, errors.Errorf("batch size must be >= 1, got %d", batchSize)
	}
	var batches [][]string
	for start := 0; start < len(paths); start += batchSize {
		batches = append(batches, paths[start:min(start+batchSize, len(paths))])
	}
	return batches, nil
}

// modelConfig returns the configuration from -config, with the command-line overrides.
func modelConfig() (cfg *deeplab.Config, err error) {
	cfg = deeplab.DefaultConfig()
	if *flagConfig != "" {
		cfg, err = deeplab.LoadConfig(*flagConfig)
		if err != nil {
			return nil, err
		}
	}
	if *flagWeights != "" {
		cfg.Weights = deeplab.WeightsPascalVOC
		cfg.WeightsPath = *flagWeights
	}
	if *flagOutputStride > 0 {
		cfg.OutputStride = *flagOutputStride
	}
	return cfg, cfg.Validate()
}

// classNames returns the names of the classes of the model: PASCAL VOC names if there are 21 classes.
func classNames(numClasses int) []string {
	if numClasses == len(deeplab.PascalVOCClasses) {
		return deeplab.PascalVOCClasses
	}
	names := make([]string, numClasses)
	for ii := range names {
		names[ii] = fmt.Sprintf("class_%d", ii)
	}
	return names
}

func maskPath(outputDir, imagePath string) string {
	base := strings.TrimSuffix(filepath.Base(imagePath), filepath.Ext(imagePath))
	return filepath.Join(outputDir, base+"_mask.png")
}

func segmentBatch(model *deeplab.Model, imagePaths []string) error {
	cfg := model.Config()
	originals, resized, err := loadImages(imagePaths, cfg.InputShape[0], cfg.InputShape[1])
	if err != nil {
		return err
	}
	dtype, err := cfg.ModelDType()
	if err != nil {
		return err
	}
	batch, err := deeplab.PreprocessTensor(model.Backend(), imagesToTensor(resized, dtype))
	if err != nil {
		return errors.WithMessage(err, "preprocessing images")
	}
	segmentation, err := model.Segment(batch)
	if err != nil {
		return err
	}
	masks, err := segmentationMasks(segmentation, classPalette(cfg.Classes))
	if err != nil {
		return err
	}

	names := classNames(cfg.Classes)
	for ii, mask := range masks {
		outputPath := maskPath(*flagOutputDir, imagePaths[ii])
		if err = imaging.Save(renderMask(mask, originals[ii], *flagOverlay), outputPath); err != nil {
			return errors.Wrapf(err, "saving segmentation of %q", imagePaths[ii])
		}
		var parts []string
		for _, share := range classShares(mask) {
			parts = append(parts, fmt.Sprintf("%s %.1f%%", names[share.Class], 100*share.Share))
		}
		fmt.Printf("%s -> %s: %s\n", imagePaths[ii], outputPath, strings.Join(parts, ", "))
	}
	return nil
}
