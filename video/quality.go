package video

import (
	"slices"
	"sync/atomic"
)

// LowCategory is assigned when no tier's floors are met.
const LowCategory = "Low"

// Tier is a named resolution class with the minimum bitrate expected at it.
type Tier struct {
	Name       string `mapstructure:"name" json:"name" validate:"required"`
	MinHeight  int    `mapstructure:"min_height" json:"min_height" validate:"gt=0"`
	MinBitrate int64  `mapstructure:"min_bitrate" json:"min_bitrate" validate:"gte=0"`
}

// Thresholds configures quality classification.
type Thresholds struct {
	MinHeight int     `mapstructure:"min_height" json:"min_height" validate:"gte=0"`
	MinFPS    float64 `mapstructure:"min_fps" json:"min_fps" validate:"gte=0"`
	Tiers     []Tier  `mapstructure:"tiers" json:"tiers" validate:"dive"`
}

// DefaultThresholds returns the built-in quality floors.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinHeight: 720,
		MinFPS:    24,
		Tiers: []Tier{
			{Name: "Ultra HD", MinHeight: 2160, MinBitrate: 8_000_000},
			{Name: "Full HD", MinHeight: 1080, MinBitrate: 3_000_000},
			{Name: "HD", MinHeight: 720, MinBitrate: 1_500_000},
			{Name: "SD", MinHeight: 480, MinBitrate: 500_000},
		},
	}
}

// Classifier applies thresholds that may be swapped at runtime.
type Classifier struct {
	th atomic.Pointer[Thresholds]
}

// NewClassifier creates a classifier using th.
func NewClassifier(th Thresholds) *Classifier {
	c := &Classifier{}
	c.Update(th)
	return c
}

// Update replaces the thresholds. Tiers are kept ordered from highest to lowest.
func (c *Classifier) Update(th Thresholds) {
	th.Tiers = slices.Clone(th.Tiers)
	slices.SortStableFunc(th.Tiers, func(a, b Tier) int { return b.MinHeight - a.MinHeight })
	c.th.Store(&th)
}

// Thresholds returns the thresholds in effect.
func (c *Classifier) Thresholds() Thresholds {
	return *c.th.Load()
}

// Classify reports whether a stream is low quality and its quality category.
// A zero bitrate or fps means unknown and does not count against the stream.
func (c *Classifier) Classify(height int, bitrate int64, fps float64) (lowQuality bool, category string) {
	th := c.th.Load()

	lowQuality = height < th.MinHeight
	if fps > 0 && fps < th.MinFPS {
		lowQuality = true
	}
	for _, tier := range th.Tiers {
		if height >= tier.MinHeight {
			if bitrate > 0 && bitrate < tier.MinBitrate {
				lowQuality = true
			}
			break
		}
	}

	category = LowCategory
	for _, tier := range th.Tiers {
		if height >= tier.MinHeight && (bitrate <= 0 || bitrate >= tier.MinBitrate) {
			category = tier.Name
			break
		}
	}
	return lowQuality, category
}
