// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package deeplab

import (
	"fmt"
	"path"

	"github.com/gomlx/deeplab/pkg/data/downloader"
	"github.com/gomlx/deeplab/pkg/data/hdf5"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
)

const (
	// WeightsURL of the Keras model trained on PASCAL VOC, with 21 classes and output stride 16.
	WeightsURL = "https://github.com/bonlime/keras-deeplab-v3-plus/releases/download/1.1/DeepLab3_xception_tf_dim_ordering_tf_kernels.h5"

	// WeightsH5Checksum is the SHA256 checksum of the file at WeightsURL. If empty, it is not verified.
	WeightsH5Checksum = ""

	// WeightsH5Name is the name of the local ".h5" file with the weights.
	WeightsH5Name = "deeplabv3plus_xception_pascal_voc.h5"

	// UnpackedWeightsName is the name of the subdirectory that holds the unpacked weights.
	UnpackedWeightsName = "gomlx_weights"

	// DefaultWeightsDir is used when Config.WeightsPath is empty.
	DefaultWeightsDir = "~/.cache/gomlx/deeplab"
)

// DownloadWeights downloads the PASCAL VOC weights to baseDir and unpacks them, if not there yet.
// It returns the path to the unpacked weights, to be used with LoadUnpackedWeights.
//
// It requires `h5dump` to unpack the weights. It is verbose and displays progress bars if downloading or
// unpacking, and quiet if there is nothing to do.
func DownloadWeights(baseDir string) (unpackedDir string, err error) {
	return downloadWeightsImpl(baseDir, WeightsURL, WeightsH5Checksum)
}

func downloadWeightsImpl(baseDir, url, checksum string) (unpackedDir string, err error) {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	unpackedDir = path.Join(baseDir, UnpackedWeightsName)
	if fsutil.MustFileExists(unpackedDir) {
		return unpackedDir, nil
	}
	h5Path := path.Join(baseDir, WeightsH5Name)
	if err = downloader.DownloadIfMissing(url, h5Path, checksum); err != nil {
		return "", err
	}
	fmt.Printf("Unpacking weights to %s:\n", unpackedDir)
	if err = hdf5.UnpackToTensors(unpackedDir, h5Path).ProgressBar().Done(); err != nil {
		return "", err
	}
	return unpackedDir, nil
}
