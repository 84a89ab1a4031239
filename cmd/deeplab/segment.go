// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"image"
	"image/color"
	"slices"

	"github.com/disintegration/imaging"
	"github.com/gomlx/deeplab/pkg/models/deeplab"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/pkg/errors"
)

// classPalette returns the PASCAL VOC color map for numClasses: class i is colored by spreading the bits of i
// over the R, G and B channels, most significant bits first. Class 0 (background) is black.
func classPalette(numClasses int) color.Palette {
	palette := make(color.Palette, numClasses)
	for class := range numClasses {
		var r, g, b uint8
		c := class
		for bit := 7; bit >= 0; bit-- {
			r |= uint8(c&1) << bit
			g |= uint8((c>>1)&1) << bit
			b |= uint8((c>>2)&1) << bit
			c >>= 3
		}
		palette[class] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return palette
}

// loadImages opens the image files and resizes them to the model input size.
func loadImages(paths []string, height, width int) (originals, resized []image.Image, err error) {
	for _, imgPath := range paths {
		img, err := imaging.Open(imgPath, imaging.AutoOrientation(true))
		if err != nil {
			return nil, nil, errors.Wrapf(err, "failed to open image %q", imgPath)
		}
		originals = append(originals, img)
		resized = append(resized, imaging.Resize(img, width, height, imaging.Linear))
	}
	return
}

// imagesToTensor converts the images to a batch of the given float dtype, with channel values from 0 to 255,
// as expected by deeplab.Preprocess.
func imagesToTensor(imgs []image.Image, dtype dtypes.DType) *tensors.Tensor {
	return images.ToTensor(dtype).MaxValue(deeplab.MaxPixelValue).Batch(imgs)
}

// segmentationMasks converts the classes predicted for a batch, shaped [batch, height, width], to paletted images.
func segmentationMasks(classes *tensors.Tensor, palette color.Palette) ([]*image.Paletted, error) {
	if classes.Rank() != 3 {
		return nil, errors.Errorf("expected segmentation shaped [batch, height, width], got %s", classes.Shape())
	}
	batchSize, height, width := classes.Shape().Dim(0), classes.Shape().Dim(1), classes.Shape().Dim(2)
	masks := make([]*image.Paletted, batchSize)
	var err error
	flatErr := tensors.ConstFlatData(classes, func(flat []int32) {
		pixelsPerImage := height * width
		for ii := range masks {
			mask := image.NewPaletted(image.Rect(0, 0, width, height), palette)
			for pixel, class := range flat[ii*pixelsPerImage : (ii+1)*pixelsPerImage] {
				if int(class) >= len(palette) || class < 0 {
					err = errors.Errorf("class %d out of range for a palette of %d colors", class, len(palette))
					return
				}
				mask.Pix[pixel] = uint8(class)
			}
			masks[ii] = mask
		}
	})
	if flatErr != nil {
		return nil, errors.WithMessage(flatErr, "reading segmentation classes")
	}
	if err != nil {
		return nil, err
	}
	return masks, nil
}

// ClassShare is the fraction of the pixels of an image assigned to a class.
type ClassShare struct {
	Class int
	Share float64
}

// classShares returns the classes present in the mask, from the most to the least frequent.
func classShares(mask *image.Paletted) []ClassShare {
	counts := make([]int, len(mask.Palette))
	for _, class := range mask.Pix {
		counts[class]++
	}
	var shares []ClassShare
	for class, count := range counts {
		if count > 0 {
			shares = append(shares, ClassShare{Class: class, Share: float64(count) / float64(len(mask.Pix))})
		}
	}
	slices.SortStableFunc(shares, func(a, b ClassShare) int {
		switch {
		case a.Share > b.Share:
			return -1
		case a.Share < b.Share:
			return 1
		}
		return 0
	})
	return shares
}

// renderMask resizes the mask to the size of the original image. If opacity > 0, the mask is blended
// over the original image.
func renderMask(mask *image.Paletted, original image.Image, opacity float64) image.Image {
	bounds := original.Bounds()
	rendered := imaging.Resize(mask, bounds.Dx(), bounds.Dy(), imaging.NearestNeighbor)
	if opacity <= 0 {
		return rendered
	}
	return imaging.Overlay(imaging.Clone(original), rendered, image.Pt(0, 0), opacity)
}
