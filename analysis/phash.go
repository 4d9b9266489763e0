package analysis

import (
	"fmt"
	"image"
	"math/bits"
	"os"
	"strconv"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
)

const (
	hashWidth  = 9
	hashHeight = 8

	// SimilarityThreshold is the largest Hamming distance at which two
	// perceptual hashes are considered the same picture.
	SimilarityThreshold = 10
)

// PerceptualHash computes a 64-bit difference hash of the image at path.
// Each bit records whether a pixel is brighter than its right neighbour in a
// 9x8 grayscale reduction, so re-encoding or resizing barely moves it.
func PerceptualHash(path, mimeType string) (string, error) {
	img, err := decodeImage(path, mimeType)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", differenceHash(img)), nil
}

func differenceHash(img image.Image) uint64 {
	small := imaging.Resize(imaging.Grayscale(img), hashWidth, hashHeight, imaging.Linear)

	var h uint64
	for y := 0; y < hashHeight; y++ {
		row := small.Pix[y*small.Stride:]
		for x := 0; x < hashWidth-1; x++ {
			h <<= 1
			if row[x*4] > row[(x+1)*4] {
				h |= 1
			}
		}
	}
	return h
}

// HammingDistance returns the number of differing bits between two hashes.
func HammingDistance(a, b string) (int, error) {
	x, err := strconv.ParseUint(a, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse hash %q: %w", a, err)
	}
	y, err := strconv.ParseUint(b, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse hash %q: %w", b, err)
	}
	return bits.OnesCount64(x ^ y), nil
}

// Similar reports whether two perceptual hashes are within SimilarityThreshold.
func Similar(a, b string) bool {
	d, err := HammingDistance(a, b)
	return err == nil && d <= SimilarityThreshold
}

func decodeImage(path, mimeType string) (image.Image, error) {
	if mimeType == "image/webp" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %v", ErrUnavailable, path, err)
		}
		defer func() { _ = f.Close() }()
		img, err := webp.Decode(f)
		if err != nil {
			return nil, fmt.Errorf("%w: decode webp %s: %v", ErrUnavailable, path, err)
		}
		return img, nil
	}

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrUnavailable, path, err)
	}
	return img, nil
}
