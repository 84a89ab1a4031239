// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package downloader downloads files over HTTP, with an optional progress bar and checksum validation.
//
// Downloads are written to a uniquely named partial file, renamed to the final path only once complete,
// so an interrupted download never leaves a truncated file behind.
package downloader

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// PartialSuffix is appended (along with a unique id) to the name of files being downloaded.
const PartialSuffix = ".partial"

// copyBytesBar copies bytes to an io.Writer while displaying a progressbar.
// It requires knowing the contentLength.
type copyBytesBar struct {
	w                             io.Writer
	bar                           *progressbar.ProgressBar
	amountWritten                 int64
	barUnit, numUnits, addedUnits int64
}

func newCopyBytesBar(w io.Writer, contentLength int64) *copyBytesBar {
	bar := &copyBytesBar{w: w}
	bar.barUnit = 1
	for contentLength > bar.barUnit*1024*1024 {
		bar.barUnit *= 1024
	}
	bar.numUnits = (contentLength + bar.barUnit - 1) / bar.barUnit
	bar.bar = progressbar.NewOptions(int(bar.numUnits),
		progressbar.OptionSetDescription(humanize.IBytes(uint64(contentLength))),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	return bar
}

// Write implements io.Writer, while updating the progress bar.
func (bar *copyBytesBar) Write(p []byte) (n int, err error) {
	n, err = bar.w.Write(p)
	bar.amountWritten += int64(n)
	toUnits := bar.amountWritten / bar.barUnit
	if toUnits > bar.addedUnits {
		_ = bar.bar.Add(int(toUnits - bar.addedUnits))
		bar.addedUnits = toUnits
	}
	return
}

// CopyWithProgressBar is similar to io.Copy, but updates a progress bar with the amount of data copied.
//
// If contentLength is not known (<= 0), it uses a spinner progress bar.
func CopyWithProgressBar(dst io.Writer, src io.Reader, contentLength int64) (n int64, err error) {
	if contentLength <= 0 {
		spinner := progressbar.DefaultBytes(-1, "downloading")
		n, err = io.Copy(io.MultiWriter(dst, spinner), src)
		_ = spinner.Finish()
		fmt.Println()
		return
	}
	bar := newCopyBytesBar(dst, contentLength)
	n, err = io.Copy(bar, src)
	if bar.addedUnits < bar.numUnits {
		_ = bar.bar.Add(int(bar.numUnits - bar.addedUnits))
	}
	_ = bar.bar.Close()
	fmt.Println()
	return
}

// Download file from url and save it at the given path.
// It attempts to create the directory if it doesn't yet exist.
//
// The contents are first written to a partial file in the same directory, and renamed to filePath
// only after the download completes.
func Download(url, filePath string, showProgressBar bool) (size int64, err error) {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	dir := filepath.Dir(filePath)
	if err = os.MkdirAll(dir, 0777); err != nil {
		return 0, errors.Wrapf(err, "failed to create the directory for the path %q", dir)
	}

	resp, err := http.Get(url)
	if err != nil {
		return 0, errors.Wrapf(err, "failed downloading %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("failed downloading %q: HTTP status %q", url, resp.Status)
	}

	partialPath := fmt.Sprintf("%s.%s%s", filePath, uuid.NewString(), PartialSuffix)
	file, err := os.Create(partialPath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed creating file %q", partialPath)
	}
	defer func() {
		if err == nil {
			return
		}
		_ = file.Close()
		if rmErr := os.Remove(partialPath); rmErr != nil && !os.IsNotExist(rmErr) {
			klog.Warningf("Failed to remove partial download %q: %v", partialPath, rmErr)
		}
	}()

	if showProgressBar {
		size, err = CopyWithProgressBar(file, resp.Body, resp.ContentLength)
	} else {
		size, err = io.Copy(file, resp.Body)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "downloading %q to %q", url, partialPath)
	}
	if resp.ContentLength > 0 && size != resp.ContentLength {
		err = errors.Errorf("downloading %q: got %d bytes, expected %d", url, size, resp.ContentLength)
		return 0, err
	}
	if err = file.Close(); err != nil {
		return 0, errors.Wrapf(err, "failed closing %q", partialPath)
	}
	if err = os.Rename(partialPath, filePath); err != nil {
		return 0, errors.Wrapf(err, "failed to rename downloaded file %q to %q", partialPath, filePath)
	}
	klog.V(1).Infof("downloaded %s from %q to %q", humanize.IBytes(uint64(size)), url, filePath)
	return size, nil
}

// DownloadIfMissing checks if the path exists already, and if not it downloads the file
// from the given URL.
//
// If checkHash is provided, it checks that the file has the SHA256 hash, or removes the file and fails.
func DownloadIfMissing(url, filePath, checkHash string) error {
	return downloadIfMissing(url, filePath, checkHash, true)
}

func downloadIfMissing(url, filePath, checkHash string, showProgressBar bool) error {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	if !fsutil.MustFileExists(filePath) {
		if showProgressBar {
			fmt.Printf("Downloading %s ...\n", url)
		}
		if _, err := Download(url, filePath, showProgressBar); err != nil {
			return err
		}
	}
	if checkHash == "" {
		return nil
	}
	return ValidateChecksum(filePath, checkHash)
}

// FileChecksum returns the hex encoded SHA256 hash of the file.
func FileChecksum(filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", errors.Wrapf(err, "failed to open %q to compute checksum", filePath)
	}
	defer func() { _ = f.Close() }()
	hasher := sha256.New()
	if _, err = io.Copy(hasher, f); err != nil {
		return "", errors.Wrapf(err, "failed to read %q to compute checksum", filePath)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// ValidateChecksum verifies that the file has the given SHA256 hash (hex encoded). If not, the file is removed
// and an error is returned.
func ValidateChecksum(filePath, checkHash string) error {
	fileHash, err := FileChecksum(filePath)
	if err != nil {
		return err
	}
	if fileHash == strings.ToLower(checkHash) {
		return nil
	}
	err = errors.Errorf("file %q sha256 hash is %q, but expected %q, deleting file", filePath, fileHash, checkHash)
	if rmErr := os.Remove(filePath); rmErr != nil {
		klog.Errorf("Failed to remove %q, which failed the checksum test, please remove it: %+v", filePath, rmErr)
	}
	return err
}
