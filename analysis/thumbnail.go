package analysis

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"github.com/disintegration/imaging"
)

// DefaultThumbnailWidth is the width used when a caller does not ask for one.
const DefaultThumbnailWidth = 100

// Thumbnail is a small JPEG preview encoded as a data URL.
type Thumbnail struct {
	DataURL string `json:"data_url"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
}

// MakeThumbnail scales the image at path down to width pixels wide, keeping
// its aspect ratio. Images narrower than width are not enlarged.
func MakeThumbnail(path, mimeType string, width int) (Thumbnail, error) {
	if width <= 0 {
		width = DefaultThumbnailWidth
	}
	img, err := decodeImage(path, mimeType)
	if err != nil {
		return Thumbnail{}, err
	}
	if img.Bounds().Dx() > width {
		img = imaging.Resize(img, width, 0, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		return Thumbnail{}, fmt.Errorf("%w: encode thumbnail %s: %v", ErrUnavailable, path, err)
	}
	b := img.Bounds()
	return Thumbnail{
		DataURL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()),
		Width:   b.Dx(),
		Height:  b.Dy(),
	}, nil
}
