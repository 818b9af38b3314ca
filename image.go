package main

import (
	"fmt"
	"image"
	"os"

	// Register the decoders for the two formats the VQA corpora use.
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
)

// ImageNet channel statistics, applied after scaling pixels to [0, 1].
// Using the conventional statistics keeps pretrained backbone weights usable.
var (
	imageNetMean = [3]float64{0.485, 0.456, 0.406}
	imageNetStd  = [3]float64{0.229, 0.224, 0.225}
)

// LoadImage decodes an image file, resizes it to size x size with bilinear
// resampling, and returns a (3, size, size) CHW tensor normalized with the
// ImageNet mean and standard deviation.
//
// A missing or undecodable file is an error; a silently corrupted sample
// must never make it into a batch.
func LoadImage(path string, size int) (*Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("image: failed to open %s: %w", path, err)
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("image: failed to decode %s: %w", path, err)
	}

	resized := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(resized, resized.Bounds(), src, src.Bounds(), draw.Src, nil)

	return normalizeRGBA(resized, size), nil
}

// normalizeRGBA converts an RGBA image to a normalized CHW float tensor.
func normalizeRGBA(img *image.RGBA, size int) *Tensor {
	t := NewTensor(3, size, size)
	plane := size * size

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			off := img.PixOffset(x, y)
			for c := 0; c < 3; c++ {
				v := float64(img.Pix[off+c]) / 255.0
				t.data[c*plane+y*size+x] = (v - imageNetMean[c]) / imageNetStd[c]
			}
		}
	}

	return t
}
