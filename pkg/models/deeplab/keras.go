// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package deeplab

import (
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/gomlx/compute/dtypes/float16"
	"github.com/gomlx/deeplab/pkg/data/hdf5"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// kerasToVariableName maps the Keras weight names to the variable names used by GoMLX layers.
var kerasToVariableName = map[string]string{
	"kernel":           "weights",
	"depthwise_kernel": "weights",
	"bias":             "biases",
	"gamma":            "scale",
	"beta":             "offset",
	"moving_mean":      "mean",
	"moving_variance":  "variance",
}

// KerasVariable maps the path of a dataset in a Keras weights file to the scope and name of the corresponding
// variable, relative to the model scope.
//
// Keras paths are shaped like "/<layer>/<layer>/<weight>:0", e.g. "/aspp0_BN/aspp0_BN/moving_mean:0" is mapped
// to scope "aspp0_BN" and name "mean". It returns ok=false for paths that don't hold a known weight.
func KerasVariable(datasetPath string) (scope, name string, ok bool) {
	parts := strings.Split(strings.Trim(filepath.ToSlash(datasetPath), "/"), "/")
	if parts[0] == "model_weights" {
		// Files saved with the whole model, and not only the weights.
		parts = parts[1:]
	}
	if len(parts) < 2 {
		return "", "", false
	}
	weightName, _, _ := strings.Cut(parts[len(parts)-1], ":")
	name, ok = kerasToVariableName[weightName]
	if !ok {
		return "", "", false
	}
	return parts[0], name, true
}

// isDepthwiseKernel returns whether the dataset holds a depthwise kernel, whose layout differs from GoMLX.
func isDepthwiseKernel(datasetPath string) bool {
	base := filepath.Base(filepath.ToSlash(datasetPath))
	return strings.HasPrefix(base, "depthwise_kernel")
}

// KerasTensor converts the value of a Keras weight to the layout and dtype used by the GoMLX variable:
//
//   - Depthwise kernels are reshaped from [k, k, channels, 1] to the grouped convolution kernel [k, k, 1, channels].
//     The memory layout is the same, so only the shape changes.
//   - Float16 values are widened to Float32.
func KerasTensor(datasetPath string, value *tensors.Tensor) (*tensors.Tensor, error) {
	if value.DType() == dtypes.Float16 {
		widened, err := widenFloat16(value)
		if err != nil {
			return nil, errors.WithMessagef(err, "dataset %q", datasetPath)
		}
		value = widened
	}
	if !isDepthwiseKernel(datasetPath) {
		return value, nil
	}
	shape := value.Shape()
	if shape.Rank() != 4 || shape.Dim(3) != 1 {
		return nil, errors.Errorf("depthwise kernel %q should be shaped [k, k, channels, 1], got %s", datasetPath, shape)
	}
	newShape := shapes.Make(shape.DType, shape.Dim(0), shape.Dim(1), 1, shape.Dim(2))
	reshaped := tensors.FromShape(newShape)
	var copyErr error
	err := value.ConstBytes(func(from []byte) {
		copyErr = reshaped.MutableBytes(func(to []byte) {
			copy(to, from)
		})
	})
	if err == nil {
		err = copyErr
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "reshaping depthwise kernel %q", datasetPath)
	}
	return reshaped, nil
}

func widenFloat16(value *tensors.Tensor) (*tensors.Tensor, error) {
	var widened *tensors.Tensor
	err := tensors.ConstFlatData(value, func(flat []float16.Float16) {
		values := make([]float32, len(flat))
		for ii, v := range flat {
			values[ii] = v.Float32()
		}
		widened = tensors.FromFlatDataAndDimensions(values, value.Shape().Dimensions...)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "widening float16 weights to float32")
	}
	return widened, nil
}

// KerasWeights reads the weights of the parsed Keras HDF5 file, mapped with KerasVariable and KerasTensor.
// Datasets that don't map to a variable are ignored.
func KerasWeights(contents hdf5.Contents) (Weights, error) {
	weights := make(Weights, len(contents))
	for datasetPath, ds := range contents {
		scope, name, ok := KerasVariable(datasetPath)
		if !ok {
			klog.V(2).Infof("Keras weights: ignoring dataset %q", datasetPath)
			continue
		}
		value, err := ds.ToTensor()
		if err != nil {
			return nil, errors.WithMessagef(err, "reading Keras dataset %q", datasetPath)
		}
		value, err = KerasTensor(datasetPath, value)
		if err != nil {
			return nil, err
		}
		weights.Set(scope, name, value)
	}
	return weights, nil
}

// LoadKerasFile parses the Keras HDF5 weights file (it requires `h5dump`) and returns its Weights.
func LoadKerasFile(h5Path string) (Weights, error) {
	contents, err := hdf5.ParseFile(h5Path)
	if err != nil {
		return nil, err
	}
	return KerasWeights(contents)
}

// LoadUnpackedWeights reads the Keras weights unpacked by DownloadWeights (see hdf5.UnpackToTensors): one tensor
// file per dataset, under dir.
func LoadUnpackedWeights(dir string) (Weights, error) {
	weights := make(Weights)
	err := filepath.WalkDir(dir, func(filePath string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return err
		}
		datasetPath, err := filepath.Rel(dir, filePath)
		if err != nil {
			return errors.Wrapf(err, "unpacked weights file %q", filePath)
		}
		scope, name, ok := KerasVariable(datasetPath)
		if !ok {
			return nil
		}
		value, err := tensors.Load(filePath)
		if err != nil {
			return err
		}
		value, err = KerasTensor(datasetPath, value)
		if err != nil {
			return err
		}
		weights.Set(scope, name, value)
		return nil
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "loading unpacked Keras weights from %q", dir)
	}
	if len(weights) == 0 {
		return nil, errors.Errorf("no Keras weights found in %q", dir)
	}
	return weights, nil
}
