// Package video inspects video files with ffprobe, grabs preview frames with
// ffmpeg and classifies their technical quality.
package video

import (
	"context"
	"os"

	"github.com/mordilloSan/go_logger/logger"

	"github.com/mordilloSan/diskexplorer/indexing/iteminfo"
)

// Config holds the analyzer settings.
type Config struct {
	ScreenshotDir   string
	ScreenshotCount int
}

// Analyzer turns a video path into VideoMetadata.
type Analyzer struct {
	prober     Prober
	grabber    Grabber
	classifier *Classifier
	cfg        Config
}

// NewAnalyzer wires the analysis pipeline. grabber may be nil to disable screenshots.
func NewAnalyzer(prober Prober, grabber Grabber, classifier *Classifier, cfg Config) *Analyzer {
	if classifier == nil {
		classifier = NewClassifier(DefaultThresholds())
	}
	return &Analyzer{
		prober:     prober,
		grabber:    grabber,
		classifier: classifier,
		cfg:        cfg,
	}
}

// Analyze probes path and classifies it. Screenshots are best effort: any
// failure leaves the list empty without failing the analysis.
func (a *Analyzer) Analyze(ctx context.Context, path string, withScreenshots bool) (*iteminfo.VideoMetadata, error) {
	probe, err := a.prober.Probe(ctx, path)
	if err != nil {
		return nil, err
	}
	if probe.Size <= 0 {
		if info, statErr := os.Stat(path); statErr == nil {
			probe.Size = info.Size()
			if probe.Bitrate <= 0 && probe.Duration > 0 {
				probe.Bitrate = int64(float64(probe.Size*8) / probe.Duration)
			}
		}
	}

	low, category := a.classifier.Classify(probe.Height, probe.Bitrate, probe.FPS)
	meta := &iteminfo.VideoMetadata{
		Width:           probe.Width,
		Height:          probe.Height,
		Duration:        probe.Duration,
		Bitrate:         probe.Bitrate,
		Codec:           probe.Codec,
		FPS:             probe.FPS,
		FileSize:        probe.Size,
		IsLowQuality:    low,
		QualityCategory: category,
		Screenshots:     []string{},
	}

	if withScreenshots {
		meta.Screenshots = a.screenshots(ctx, path, probe.Duration)
	}
	return meta, nil
}

func (a *Analyzer) screenshots(ctx context.Context, path string, duration float64) []string {
	times := screenshotTimes(duration, a.cfg.ScreenshotCount)
	if a.grabber == nil || a.cfg.ScreenshotDir == "" || len(times) == 0 {
		return []string{}
	}
	if err := os.MkdirAll(a.cfg.ScreenshotDir, 0o755); err != nil {
		logger.Warnf("screenshot dir %s unavailable: %v", a.cfg.ScreenshotDir, err)
		return []string{}
	}

	shots := make([]string, 0, len(times))
	for i, at := range times {
		out := screenshotPath(a.cfg.ScreenshotDir, path, i)
		if err := a.grabber.Grab(ctx, path, at, out); err != nil {
			logger.Debugf("screenshot failed path=%s at=%.3f err=%v", path, at, err)
			for _, s := range shots {
				_ = os.Remove(s)
			}
			return []string{}
		}
		shots = append(shots, out)
	}
	return shots
}
