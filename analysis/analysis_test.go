package analysis

import (
	"encoding/base64"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mordilloSan/diskexplorer/indexing/testhelpers"
)

// barsImage draws nine alternating white and black vertical bars.
func barsImage(w, h int, invert bool) image.Image {
	img := imaging.New(w, h, color.Black)
	barWidth := w / 9
	for x := 0; x < w; x++ {
		white := (x/barWidth)%2 == 0
		if invert {
			white = !white
		}
		if !white {
			continue
		}
		for y := 0; y < h; y++ {
			img.Set(x, y, color.White)
		}
	}
	return img
}

func TestClassify(t *testing.T) {
	mock := testhelpers.NewMockFileSystem(t)
	mock.CreateFile("notes.txt", "plain text content\n")
	mock.CreateVideoFile("clip.bin", 4096)
	mock.CreateVideoFile("movie.MP4", 4096)
	mock.CreateFile("noext", "hello world\n")
	require.NoError(t, imaging.Save(barsImage(90, 60, false), mock.Path("pic.png")))

	tests := []struct {
		file     string
		fileType string
		mimeType string
	}{
		{file: "notes.txt", fileType: ".txt", mimeType: "text/plain"},
		{file: "clip.bin", fileType: ".bin", mimeType: "video/mp4"},
		{file: "movie.MP4", fileType: ".mp4", mimeType: "video/mp4"},
		{file: "pic.png", fileType: ".png", mimeType: "image/png"},
		{file: "noext", fileType: "", mimeType: "text/plain"},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			fileType, mimeType := Classify(mock.Path(tt.file))
			assert.Equal(t, tt.fileType, fileType)
			assert.Equal(t, tt.mimeType, mimeType)
		})
	}
}

func TestClassifyFallsBackToExtension(t *testing.T) {
	mock := testhelpers.NewMockFileSystem(t)
	mock.CreateSizedFile("broken.mkv", 128)

	_, mimeType := Classify(mock.Path("broken.mkv"))
	assert.Equal(t, "video/x-matroska", mimeType)

	_, missing := Classify(mock.Path("gone.mp4"))
	assert.Equal(t, "video/mp4", missing)
}

func TestContentHash(t *testing.T) {
	mock := testhelpers.NewMockFileSystem(t)
	mock.CreateFile("a.txt", "same content")
	mock.CreateFile("b.txt", "same content")
	mock.CreateFile("c.txt", "other content")

	a, err := ContentHash(mock.Path("a.txt"))
	require.NoError(t, err)
	b, err := ContentHash(mock.Path("b.txt"))
	require.NoError(t, err)
	c, err := ContentHash(mock.Path("c.txt"))
	require.NoError(t, err)

	assert.Len(t, a, 16)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	_, err = ContentHash(mock.Path("missing.txt"))
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestPerceptualHashSurvivesResizeAndRecompression(t *testing.T) {
	dir := t.TempDir()
	original := filepath.Join(dir, "original.png")
	resized := filepath.Join(dir, "resized.jpg")
	inverted := filepath.Join(dir, "inverted.png")

	src := barsImage(270, 180, false)
	require.NoError(t, imaging.Save(src, original))
	require.NoError(t, imaging.Save(imaging.Resize(src, 90, 60, imaging.Lanczos), resized, imaging.JPEGQuality(75)))
	require.NoError(t, imaging.Save(barsImage(270, 180, true), inverted))

	hOriginal, err := PerceptualHash(original, "image/png")
	require.NoError(t, err)
	hResized, err := PerceptualHash(resized, "image/jpeg")
	require.NoError(t, err)
	hInverted, err := PerceptualHash(inverted, "image/png")
	require.NoError(t, err)

	near, err := HammingDistance(hOriginal, hResized)
	require.NoError(t, err)
	assert.LessOrEqual(t, near, SimilarityThreshold)
	assert.True(t, Similar(hOriginal, hResized))

	far, err := HammingDistance(hOriginal, hInverted)
	require.NoError(t, err)
	assert.Greater(t, far, SimilarityThreshold)
	assert.False(t, Similar(hOriginal, hInverted))
}

func TestPerceptualHashRejectsNonImages(t *testing.T) {
	mock := testhelpers.NewMockFileSystem(t)
	mock.CreateFile("fake.png", "not really a png")

	_, err := PerceptualHash(mock.Path("fake.png"), "image/png")
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = PerceptualHash(mock.Path("fake.png"), "image/webp")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestHammingDistance(t *testing.T) {
	d, err := HammingDistance("0000000000000000", "ffffffffffffffff")
	require.NoError(t, err)
	assert.Equal(t, 64, d)

	d, err = HammingDistance("00000000000000ff", "000000000000000f")
	require.NoError(t, err)
	assert.Equal(t, 4, d)

	_, err = HammingDistance("zz", "00")
	assert.Error(t, err)
	assert.False(t, Similar("zz", "00"))
}

func TestMakeThumbnail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wide.png")
	require.NoError(t, imaging.Save(barsImage(270, 180, false), path))

	thumb, err := MakeThumbnail(path, "image/png", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultThumbnailWidth, thumb.Width)
	assert.Equal(t, 67, thumb.Height)
	require.True(t, strings.HasPrefix(thumb.DataURL, "data:image/jpeg;base64,"))

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(thumb.DataURL, "data:image/jpeg;base64,"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8}, raw[:2])

	small := filepath.Join(dir, "small.png")
	require.NoError(t, imaging.Save(barsImage(45, 30, false), small))
	thumb, err = MakeThumbnail(small, "image/png", 100)
	require.NoError(t, err)
	assert.Equal(t, 45, thumb.Width)

	_, err = MakeThumbnail(filepath.Join(dir, "missing.png"), "image/png", 100)
	assert.ErrorIs(t, err, ErrUnavailable)
	_, statErr := os.Stat(filepath.Join(dir, "missing.png"))
	assert.True(t, os.IsNotExist(statErr))
}
