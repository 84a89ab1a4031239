// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hdf5 provides a trivial API to access the contents of HDF5 files, like the Keras ".h5" weights.
//
// It requires the `hdf5-tools` (a deb package) installed in the system, more specifically the
// `h5dump` binary.
//
// It is basic, but it lists the contents and extracts the binary contents of the datasets as tensors.
package hdf5

import (
	"bytes"
	"os"
	"os/exec"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Contents maps the path of each dataset in the HDF5 file to its metadata. The path is the concatenation
// of the "groups" (how HDF5 calls directories) with the dataset name, separated by "/".
type Contents map[string]*Dataset

// Dataset has (some of) the metadata about a dataset (but not the data itself). The
// dataset "DATATYPE" and "DATASPACE" fields are converted to the equivalent GoMLX shapes.Shape.
//
// If the datatype or dataspace is not supported, Shape is left invalid.
type Dataset struct {
	FilePath, GroupPath, RawHeader string
	DType                          dtypes.DType
	Shape                          shapes.Shape
}

// H5DumpBinary is the name of the binary used to read HDF5 files.
const H5DumpBinary = "h5dump"

// Paths returns the sorted dataset paths.
func (c Contents) Paths() []string {
	paths := make([]string, 0, len(c))
	for p := range c {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return paths
}

// ParseFile in filePath as an HDF5 file and returns map of contents.
//
// It requires the `hdf5-tools` (a deb package) installed in the system, more specifically the
// `h5dump` binary.
func ParseFile(filePath string) (Contents, error) {
	if _, err := os.Stat(filePath); err != nil {
		return nil, errors.Wrapf(err, "cannot access HDF5 file in path %q", filePath)
	}
	listing, err := execH5Dump("--contents", filePath)
	if err != nil {
		return nil, err
	}
	contents, err := ParseContents(filePath, string(listing))
	if err != nil {
		return nil, err
	}
	if len(contents) == 0 {
		return contents, nil
	}

	headerArgs := make([]string, 0, len(contents)+2)
	headerArgs = append(headerArgs, "--header")
	for key := range contents {
		headerArgs = append(headerArgs, "--dataset="+key)
	}
	headerArgs = append(headerArgs, filePath)
	headers, err := execH5Dump(headerArgs...)
	if err != nil {
		return nil, err
	}
	if err = contents.ParseHeaders(string(headers)); err != nil {
		return nil, errors.WithMessagef(err, "HDF5 file %q", filePath)
	}
	return contents, nil
}

// ParseContents parses the output of `h5dump --contents` for the file in filePath, and returns the datasets
// listed, without the headers.
func ParseContents(filePath, listing string) (Contents, error) {
	matches := regexpH5Datasets.FindAllStringSubmatch(listing, -1)
	contents := make(Contents, len(matches))
	for _, match := range matches {
		groupPath := match[1]
		// Dataset names are passed as arguments to h5dump.
		if strings.HasPrefix(groupPath, "-") {
			return nil, errors.Errorf("invalid dataset name starting with '-': %q", groupPath)
		}
		contents[groupPath] = &Dataset{
			FilePath:  filePath,
			GroupPath: groupPath,
		}
	}
	return contents, nil
}

// ParseHeaders parses the output of `h5dump --header` for all the datasets in contents, and fills their
// DType and Shape.
//
// Datasets with unsupported datatypes or dataspaces are left with an invalid shape.
func (c Contents) ParseHeaders(headers string) error {
	rawDatasetHeaders := strings.Split(headers, "DATASET")
	if len(rawDatasetHeaders)-1 != len(c) {
		return errors.Errorf("failed to parse dataset headers: expected %d DATASET, got %d",
			len(c), len(rawDatasetHeaders)-1)
	}
	for _, part := range rawDatasetHeaders[1:] {
		matches := regexpH5DatasetHeaderName.FindStringSubmatch(part)
		if len(matches) != 2 {
			return errors.Errorf("failed to parse dataset header name: got %q", part)
		}
		key := matches[1]
		ds, found := c[key]
		if !found {
			return errors.Errorf("unknown dataset %q in headers", key)
		}
		ds.RawHeader = "DATASET" + part
		ds.parseHeader(part)
	}
	return nil
}

// parseHeader parses the DATATYPE and DATASPACE of the dataset header.
func (ds *Dataset) parseHeader(header string) {
	matches := regexpH5DatasetHeaderDataType.FindStringSubmatch(header)
	if len(matches) != 2 {
		klog.V(1).Infof("hdf5: DATATYPE not parsed for %q", ds.GroupPath)
		return
	}
	ds.DType = DTypeForH5T(matches[1])
	if ds.DType == dtypes.InvalidDType {
		klog.V(1).Infof("hdf5: DATATYPE %q not supported for %q", matches[1], ds.GroupPath)
		return
	}

	matches = regexpH5DatasetHeaderDataSpace.FindStringSubmatch(header)
	if len(matches) != 4 {
		klog.V(1).Infof("hdf5: DATASPACE not parsed for %q", ds.GroupPath)
		return
	}
	switch matches[1] {
	case "SCALAR":
		ds.Shape = shapes.Make(ds.DType)
	case "SIMPLE":
		dimsParts := strings.Split(matches[3], ",")
		dims := make([]int, 0, len(dimsParts))
		for _, dimStr := range dimsParts {
			dim, err := strconv.Atoi(strings.TrimSpace(dimStr))
			if err != nil {
				klog.V(1).Infof("hdf5: failed to parse dimension %q in DATASPACE of %q", dimStr, ds.GroupPath)
				return
			}
			dims = append(dims, dim)
		}
		ds.Shape = shapes.Make(ds.DType, dims...)
	default:
		klog.V(1).Infof("hdf5: DATASPACE type %q not supported for %q", matches[1], ds.GroupPath)
	}
}

var (
	regexpH5Datasets               = regexp.MustCompile(`\s+dataset\s+(\S.*)\n`)
	regexpH5DatasetHeaderName      = regexp.MustCompile(`\s+"(.*?)" \{\n`)
	regexpH5DatasetHeaderDataType  = regexp.MustCompile(`\s+DATATYPE\s+(\w.*?)\n`)
	regexpH5DatasetHeaderDataSpace = regexp.MustCompile(`\s+DATASPACE\s+(\w+)(\s+\{\s+\((.*?)\).*?)?\n`)
)

// DTypeForH5T returns the DType corresponding to known HDF5 types. If not known or supported, it returns
// dtypes.InvalidDType.
//
// Big-endian types are accepted because h5dump converts the data to the native format when extracting.
func DTypeForH5T(h5type string) dtypes.DType {
	switch h5type {
	case "H5T_IEEE_F16LE", "H5T_IEEE_F16BE":
		return dtypes.Float16
	case "H5T_IEEE_F32LE", "H5T_IEEE_F32BE":
		return dtypes.Float32
	case "H5T_IEEE_F64LE", "H5T_IEEE_F64BE":
		return dtypes.Float64
	case "H5T_STD_I32LE", "H5T_STD_I32BE":
		return dtypes.Int32
	case "H5T_STD_I64LE", "H5T_STD_I64BE":
		return dtypes.Int64
	}
	return dtypes.InvalidDType
}

// execH5Dump executes `h5dump`, and handles errors.
func execH5Dump(args ...string) ([]byte, error) {
	binPath, err := findBinPath()
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(binPath, args...)
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdoutBuf, &stderrBuf
	if err = cmd.Run(); err != nil {
		err = errors.Wrapf(err, "failed executing %q to access HDF5 file", cmd)
		return nil, errors.WithMessagef(err, "STDERR captured:\n%s\n", stderrBuf.String())
	}
	return stdoutBuf.Bytes(), nil
}

// Available returns whether the h5dump binary is available.
func Available() bool {
	_, err := exec.LookPath(H5DumpBinary)
	return err == nil
}

func findBinPath() (string, error) {
	binPath, err := exec.LookPath(H5DumpBinary)
	if err != nil {
		return "", errors.Wrapf(err, "cannot find `h5dump` binary in PATH, needed to parse HDF5 "+
			"format files (extension \".h5\"): please install package hdf5-tools, which usually "+
			"holds `h5dump`")
	}
	klog.V(2).Infof("using h5dump from %q", binPath)
	return binPath, nil
}

// Load the raw contents of the dataset, in the native byte order.
func (ds *Dataset) Load() ([]byte, error) {
	tmpFile, err := os.CreateTemp("", "hdf5_dataset")
	if err == nil {
		err = tmpFile.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create temporary file to extract HDF5 dataset")
	}
	defer func() {
		if newErr := os.Remove(tmpFile.Name()); newErr != nil {
			klog.Warningf("Failed to remove temporary file %q used to extract HDF5 dataset: %+v", tmpFile.Name(), newErr)
		}
	}()
	_, err = execH5Dump("--dataset="+ds.GroupPath, "--binary=NATIVE", "--output="+tmpFile.Name(), ds.FilePath)
	if err != nil {
		return nil, err
	}
	rawContent, err := os.ReadFile(tmpFile.Name())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read from temporary file %q to extract HDF5 dataset", tmpFile.Name())
	}
	return rawContent, nil
}

// ToTensor reads the HDF5 dataset into a tensors.Tensor.
func (ds *Dataset) ToTensor() (*tensors.Tensor, error) {
	if !ds.Shape.Ok() {
		return nil, errors.Errorf("no shape information from HDF5 dataset %q, can't convert to tensor", ds.GroupPath)
	}
	loadedData, err := ds.Load()
	if err != nil {
		return nil, err
	}
	return BytesToTensor(ds.Shape, loadedData)
}

// BytesToTensor creates a tensor with the given shape from its raw data, in the native byte order.
func BytesToTensor(shape shapes.Shape, data []byte) (*tensors.Tensor, error) {
	tensor := tensors.FromShape(shape)
	var err error
	accessErr := tensor.MutableBytes(func(localData []byte) {
		if len(data) != len(localData) {
			err = errors.Errorf("for shape %s: loaded %d bytes, but tensor uses %d bytes", shape, len(data), len(localData))
			return
		}
		copy(localData, data)
	})
	if accessErr != nil {
		return nil, accessErr
	}
	if err != nil {
		return nil, err
	}
	return tensor, nil
}

// UnpackToTensorsConfig holds the configuration created by UnpackToTensors, to unpack HDF5 files into a directory
// structure with the individual tensors saved in GoMLX format.
//
// The targetDir must not yet exist.
type UnpackToTensorsConfig struct {
	h5Path, targetDir string
	showProgressBar   bool
	dirPermissions    os.FileMode
	keepTemporary     bool
}

// UnpackToTensors unpacks tensors from an HDF5 file (typically with an '.h5' extension). It will generate
// one file per tensor, in subdirectories under targetDir mimicking the groups structure within the HDF5 file.
//
// UnpackToTensors returns a configuration structure, that can be further configured. Once done configuring, call
// Done, and it will do the unpacking.
//
// Tensors are serialized using tensors.Tensor.Save, and can be read with tensors.Load.
//
// Example: unpack `weights.h5` file into `/my/target/directory`.
//
//	err := UnpackToTensors("/my/target/directory", "weights.h5").ProgressBar().Done()
func UnpackToTensors(targetDir, h5Path string) *UnpackToTensorsConfig {
	return &UnpackToTensorsConfig{
		h5Path:         h5Path,
		targetDir:      targetDir,
		dirPermissions: 0755,
	}
}

// ProgressBar configures a progressbar to be displayed during the unpacking.
func (c *UnpackToTensorsConfig) ProgressBar() *UnpackToTensorsConfig {
	c.showProgressBar = true
	return c
}

// FilePermissions configures the permissions used for the creation of the directories.
// Default is `os.FileMode(0755)`.
func (c *UnpackToTensorsConfig) FilePermissions(perm os.FileMode) *UnpackToTensorsConfig {
	c.dirPermissions = perm
	return c
}

// KeepTemporary configures unpacking to keep the temporary directory with
// (potentially partially) unpacked files, if an error occurs.
func (c *UnpackToTensorsConfig) KeepTemporary() *UnpackToTensorsConfig {
	c.keepTemporary = true
	return c
}

// Done does the unpacking according to the configuration.
//
// It unpacks first to a temporary directory and renames it at the very end if the unpacking was
// successful.
func (c *UnpackToTensorsConfig) Done() (err error) {
	if fsutil.MustFileExists(c.targetDir) {
		return errors.Errorf("target directory %q already exists: remove it or move it away first", c.targetDir)
	}
	h5, err := ParseFile(c.h5Path)
	if err != nil {
		return err
	}

	baseDir := path.Dir(c.targetDir)
	if err = os.MkdirAll(baseDir, c.dirPermissions); err != nil {
		return errors.Wrapf(err, "can't create base directory %q where to unpack the HDF5 file to", baseDir)
	}
	tmpDir, err := os.MkdirTemp(baseDir, path.Base(c.targetDir)+".")
	if err != nil {
		return errors.Wrapf(err, "can't create temporary directory under %q to unpack the HDF5 file to", baseDir)
	}

	var bar *progressbar.ProgressBar
	if c.showProgressBar {
		var totalSize uintptr
		for _, ds := range h5 {
			if ds.Shape.Ok() {
				totalSize += ds.Shape.Memory()
			}
		}
		bar = progressbar.DefaultBytes(int64(totalSize), "unpacking")
	}

	defer func() {
		if bar != nil {
			_ = bar.Finish()
		}
		if tmpDir == "" || c.keepTemporary {
			return
		}
		if newErr := os.RemoveAll(tmpDir); newErr != nil {
			klog.Errorf("UnpackToTensors(%q, %q): error while cleaning up temporary directory %q: %v",
				c.targetDir, c.h5Path, tmpDir, newErr)
		}
	}()

	for _, key := range h5.Paths() {
		ds := h5[key]
		if !ds.Shape.Ok() {
			klog.Infof("UnpackToTensors(%q, %q): skipping dataset %q not parsed as tensor", c.targetDir, c.h5Path, key)
			continue
		}
		tensor, newErr := ds.ToTensor()
		if newErr != nil {
			return newErr
		}
		dsPath := path.Join(tmpDir, key)
		dsDir := path.Dir(dsPath)
		if err = os.MkdirAll(dsDir, c.dirPermissions); err != nil {
			return errors.Wrapf(err, "UnpackToTensors(%q, %q): can't create sub-directory %q",
				c.targetDir, c.h5Path, dsDir)
		}
		if err = tensor.Save(dsPath); err != nil {
			return errors.WithMessagef(err, "UnpackToTensors(%q, %q)", c.targetDir, c.h5Path)
		}
		if bar != nil {
			_ = bar.Add64(int64(ds.Shape.Memory()))
		}
	}

	if err = os.Rename(tmpDir, c.targetDir); err != nil {
		return errors.Wrapf(err, "UnpackToTensors(%q, %q): failed to rename temporary dir %q with unpacked tensors",
			c.targetDir, c.h5Path, tmpDir)
	}
	tmpDir = ""
	return nil
}
