package video

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/sony/gobreaker"

	"github.com/mordilloSan/go_logger/logger"
)

var (
	// ErrNoVideoStream is returned when a container holds no video stream.
	ErrNoVideoStream = errors.New("no video stream found")
	// ErrToolUnavailable is returned while the probe tool keeps failing to run.
	ErrToolUnavailable = errors.New("video tool unavailable")
)

// ffprobeOutput represents the JSON output from ffprobe
type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeFormat struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

type ffprobeStream struct {
	Index        int    `json:"index"`
	CodecName    string `json:"codec_name"`
	CodecType    string `json:"codec_type"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	RFrameRate   string `json:"r_frame_rate"`
	AvgFrameRate string `json:"avg_frame_rate"`
	Duration     string `json:"duration"`
	BitRate      string `json:"bit_rate"`
}

// ProbeResult is the technical description of the first video stream.
type ProbeResult struct {
	Width    int
	Height   int
	Duration float64
	Bitrate  int64
	Codec    string
	FPS      float64
	Size     int64
}

// Prober inspects a video file.
type Prober interface {
	Probe(ctx context.Context, path string) (ProbeResult, error)
}

// commandRunner executes an external tool and returns its stdout.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// FFProbe runs ffprobe with a per-file timeout. Repeated failures to run the
// tool open a circuit breaker so a missing binary does not cost one timeout
// per file.
type FFProbe struct {
	Binary  string
	Timeout time.Duration

	run     commandRunner
	breaker *gobreaker.CircuitBreaker
}

// NewFFProbe creates a prober for the given ffprobe binary.
func NewFFProbe(binary string, timeout time.Duration) *FFProbe {
	if binary == "" {
		binary = "ffprobe"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &FFProbe{
		Binary:  binary,
		Timeout: timeout,
		run:     execCommand,
		breaker: newToolBreaker("ffprobe"),
	}
}

func newToolBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A tool that ran and rejected the file is healthy.
		IsSuccessful: func(err error) bool {
			var exitErr *exec.ExitError
			return err == nil || errors.As(err, &exitErr)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnf("%s circuit %s -> %s", name, from, to)
		},
	})
}

// Probe runs ffprobe on path and extracts the first video stream.
func (p *FFProbe) Probe(ctx context.Context, path string) (ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	out, err := p.breaker.Execute(func() (any, error) {
		return p.run(ctx, p.Binary,
			"-v", "quiet",
			"-print_format", "json",
			"-show_format",
			"-show_streams",
			path)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return ProbeResult{}, fmt.Errorf("%w: %v", ErrToolUnavailable, err)
		}
		if ctx.Err() == context.DeadlineExceeded {
			return ProbeResult{}, fmt.Errorf("ffprobe %s: timed out after %s", path, p.Timeout)
		}
		return ProbeResult{}, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	return parseProbeOutput(out.([]byte))
}

func parseProbeOutput(data []byte) (ProbeResult, error) {
	var probe ffprobeOutput
	if err := sonic.Unmarshal(data, &probe); err != nil {
		return ProbeResult{}, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	var stream *ffprobeStream
	for i := range probe.Streams {
		if probe.Streams[i].CodecType == "video" {
			stream = &probe.Streams[i]
			break
		}
	}
	if stream == nil {
		return ProbeResult{}, ErrNoVideoStream
	}
	if stream.Width <= 0 || stream.Height <= 0 {
		return ProbeResult{}, fmt.Errorf("video stream has no dimensions (%dx%d)", stream.Width, stream.Height)
	}

	res := ProbeResult{
		Width:  stream.Width,
		Height: stream.Height,
		Codec:  stream.CodecName,
	}
	res.Duration = firstFloat(probe.Format.Duration, stream.Duration)
	res.Size = int64(firstFloat(probe.Format.Size))
	res.Bitrate = int64(firstFloat(probe.Format.BitRate, stream.BitRate))
	if res.Bitrate <= 0 && res.Size > 0 && res.Duration > 0 {
		res.Bitrate = int64(float64(res.Size*8) / res.Duration)
	}
	res.FPS = parseRate(stream.AvgFrameRate)
	if res.FPS <= 0 {
		res.FPS = parseRate(stream.RFrameRate)
	}
	return res, nil
}

func firstFloat(values ...string) float64 {
	for _, v := range values {
		if v == "" || v == "N/A" {
			continue
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return f
		}
	}
	return 0
}

// parseRate parses ffprobe rationals such as "30000/1001".
func parseRate(v string) float64 {
	num, den, found := strings.Cut(v, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}
