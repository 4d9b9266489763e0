package video

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sony/gobreaker"
)

// Grabber extracts a single frame from a video.
type Grabber interface {
	Grab(ctx context.Context, path string, at float64, out string) error
}

// FFmpegGrabber writes frames with ffmpeg.
type FFmpegGrabber struct {
	Binary  string
	Timeout time.Duration

	run     commandRunner
	breaker *gobreaker.CircuitBreaker
}

// NewFFmpegGrabber creates a grabber for the given ffmpeg binary.
func NewFFmpegGrabber(binary string, timeout time.Duration) *FFmpegGrabber {
	if binary == "" {
		binary = "ffmpeg"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &FFmpegGrabber{
		Binary:  binary,
		Timeout: timeout,
		run:     execCommand,
		breaker: newToolBreaker("ffmpeg"),
	}
}

// Grab writes the frame at the given offset (seconds) to out as a JPEG.
func (g *FFmpegGrabber) Grab(ctx context.Context, path string, at float64, out string) error {
	ctx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()

	_, err := g.breaker.Execute(func() (any, error) {
		return g.run(ctx, g.Binary,
			"-v", "error",
			"-ss", strconv.FormatFloat(at, 'f', 3, 64),
			"-i", path,
			"-frames:v", "1",
			"-q:v", "2",
			"-y", out)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %v", ErrToolUnavailable, err)
		}
		return fmt.Errorf("ffmpeg frame %s@%.3f: %w", path, at, err)
	}
	if _, err := os.Stat(out); err != nil {
		return fmt.Errorf("ffmpeg produced no frame for %s@%.3f: %w", path, at, err)
	}
	return nil
}

// screenshotTimes returns n timestamps evenly spaced inside (0, duration).
func screenshotTimes(duration float64, n int) []float64 {
	if duration <= 0 || n <= 0 {
		return nil
	}
	times := make([]float64, n)
	for i := range n {
		times[i] = duration * float64(i+1) / float64(n+1)
	}
	return times
}

// screenshotPath names frames after the xxhash of the video path so repeated
// scans overwrite instead of accumulating files.
func screenshotPath(dir, videoPath string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("%016x_%d.jpg", xxhash.Sum64String(videoPath), index))
}
