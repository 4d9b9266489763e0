package scanner

import (
	"math"
	"sync"
	"time"
)

const (
	maxRateSamples    = 10
	smoothingFactor   = 0.3
	minSampleInterval = 100 * time.Millisecond
)

type rateSample struct {
	timestamp time.Time
	files     int64
}

// progressEstimator tracks throughput over a sliding window of samples,
// smoothed exponentially so single slow files do not make the ETA jump.
type progressEstimator struct {
	mu          sync.RWMutex
	startTime   time.Time
	samples     []rateSample
	currentRate float64
	now         func() time.Time
}

func newProgressEstimator(now func() time.Time) *progressEstimator {
	if now == nil {
		now = time.Now
	}
	return &progressEstimator{
		startTime: now(),
		samples:   make([]rateSample, 0, maxRateSamples),
		now:       now,
	}
}

func (pe *progressEstimator) reset() {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	pe.startTime = pe.now()
	pe.samples = pe.samples[:0]
	pe.currentRate = 0
}

// update records the processed count. Samples closer together than
// minSampleInterval replace the newest one instead of growing the window.
func (pe *progressEstimator) update(processed int64) {
	pe.mu.Lock()
	defer pe.mu.Unlock()

	sample := rateSample{timestamp: pe.now(), files: processed}
	if n := len(pe.samples); n > 1 && sample.timestamp.Sub(pe.samples[n-2].timestamp) < minSampleInterval {
		pe.samples[n-1] = sample
		return
	}
	pe.samples = append(pe.samples, sample)
	if len(pe.samples) > maxRateSamples {
		pe.samples = pe.samples[len(pe.samples)-maxRateSamples:]
	}
	pe.calculateRate()
}

func (pe *progressEstimator) calculateRate() {
	if len(pe.samples) < 2 {
		return
	}
	oldest := pe.samples[0]
	newest := pe.samples[len(pe.samples)-1]
	duration := newest.timestamp.Sub(oldest.timestamp).Seconds()
	if duration <= 0 {
		return
	}

	filesPerSecond := float64(newest.files-oldest.files) / duration
	if pe.currentRate == 0 {
		pe.currentRate = filesPerSecond
	} else {
		pe.currentRate = smoothingFactor*filesPerSecond + (1-smoothingFactor)*pe.currentRate
	}
}

// rate returns files per second. Until the window holds two samples the
// average over the whole run is used.
func (pe *progressEstimator) rate(processed int64, elapsed time.Duration) float64 {
	pe.mu.RLock()
	defer pe.mu.RUnlock()
	if len(pe.samples) >= 2 && pe.currentRate > 0 {
		return pe.currentRate
	}
	if elapsed <= 0 || processed <= 0 {
		return 0
	}
	return float64(processed) / elapsed.Seconds()
}

// percentage returns processed/total as a percentage clamped to [0, 100]
// and rounded to two decimals.
func percentage(processed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(processed) / float64(total) * 100
	p = math.Max(0, math.Min(100, p))
	return math.Round(p*100) / 100
}

// eta returns the estimated seconds left, or 0 when unknown.
func eta(processed, total int64, rate float64) float64 {
	remaining := total - processed
	if remaining <= 0 || rate <= 0 {
		return 0
	}
	return math.Round(float64(remaining)/rate*100) / 100
}
