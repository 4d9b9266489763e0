package iteminfo

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ErrInvalidFilter is returned when a search parameter cannot be parsed.
var ErrInvalidFilter = errors.New("invalid filter")

// Filters holds the search criteria applied to scanned records.
// All criteria are optional and combined with AND.
type Filters struct {
	MinSize              *int64     `json:"min_size,omitempty"`
	MaxSize              *int64     `json:"max_size,omitempty"`
	FileTypes            []string   `json:"file_types,omitempty"` // extensions (".mp4") or MIME patterns ("video/*")
	CreatedBefore        *time.Time `json:"created_before,omitempty"`
	ModifiedBefore       *time.Time `json:"modified_before,omitempty"`
	LowQualityVideosOnly bool       `json:"low_quality_videos,omitempty"`
	TopN                 int        `json:"top_n,omitempty"`           // keep the N largest matches
	DuplicatesOnly       bool       `json:"duplicates_only,omitempty"` // keep records whose hash appears more than once
	PreviewImage         bool       `json:"preview_image"`             // extract screenshots for videos
}

// DefaultFilters returns an empty filter set with screenshots enabled.
func DefaultFilters() Filters {
	return Filters{PreviewImage: true}
}

// ParseFilters parses search query parameters.
// Supported:
// - min_size, max_size: bytes or humanized sizes ("1MB", "512KiB")
// - file_types: comma separated and/or repeated; ".mp4", "mp4", "video/*", "image/png"
// - created_before, modified_before: RFC3339, YYYY-MM-DD or unix seconds
// - low_quality_videos, duplicates_only, preview_image: booleans
// - top_n: non-negative integer
func ParseFilters(q url.Values) (Filters, error) {
	f := DefaultFilters()

	var err error
	if f.MinSize, err = parseSize(q, "min_size"); err != nil {
		return f, err
	}
	if f.MaxSize, err = parseSize(q, "max_size"); err != nil {
		return f, err
	}
	if f.MinSize != nil && f.MaxSize != nil && *f.MinSize > *f.MaxSize {
		return f, fmt.Errorf("%w: min_size %d greater than max_size %d", ErrInvalidFilter, *f.MinSize, *f.MaxSize)
	}

	for _, raw := range q["file_types"] {
		for _, part := range strings.Split(raw, ",") {
			if t := NormalizeFileType(part); t != "" && !slices.Contains(f.FileTypes, t) {
				f.FileTypes = append(f.FileTypes, t)
			}
		}
	}

	if f.CreatedBefore, err = parseTimeParam(q, "created_before"); err != nil {
		return f, err
	}
	if f.ModifiedBefore, err = parseTimeParam(q, "modified_before"); err != nil {
		return f, err
	}

	if f.LowQualityVideosOnly, err = parseBool(q, "low_quality_videos", false); err != nil {
		return f, err
	}
	if f.DuplicatesOnly, err = parseBool(q, "duplicates_only", false); err != nil {
		return f, err
	}
	if f.PreviewImage, err = parseBool(q, "preview_image", true); err != nil {
		return f, err
	}

	if v := strings.TrimSpace(q.Get("top_n")); v != "" {
		n, convErr := strconv.Atoi(v)
		if convErr != nil || n < 0 {
			return f, fmt.Errorf("%w: top_n %q", ErrInvalidFilter, v)
		}
		f.TopN = n
	}
	return f, nil
}

// NormalizeFileType turns user input into a lower-case extension with a leading
// dot, or leaves MIME patterns (containing "/") lower-cased as they are.
func NormalizeFileType(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "." {
		return ""
	}
	if strings.Contains(s, "/") {
		return s
	}
	if !strings.HasPrefix(s, ".") {
		s = "." + s
	}
	return s
}

// Active reports whether any criterion restricts the result set.
func (f Filters) Active() bool {
	return f.MinSize != nil || f.MaxSize != nil || len(f.FileTypes) > 0 ||
		f.CreatedBefore != nil || f.ModifiedBefore != nil ||
		f.LowQualityVideosOnly || f.TopN > 0 || f.DuplicatesOnly
}

// Match reports whether a record passes every per-record criterion.
// TopN and DuplicatesOnly need the whole result set and are applied by Finalize.
func (f Filters) Match(r FileRecord) bool {
	if !f.Active() {
		return true
	}
	if r.IsDirectory {
		return false
	}
	if f.MinSize != nil && r.Size < *f.MinSize {
		return false
	}
	if f.MaxSize != nil && r.Size > *f.MaxSize {
		return false
	}
	if len(f.FileTypes) > 0 && !f.matchesType(r) {
		return false
	}
	if f.CreatedBefore != nil && r.CreatedTime.After(*f.CreatedBefore) {
		return false
	}
	if f.ModifiedBefore != nil && r.ModifiedTime.After(*f.ModifiedBefore) {
		return false
	}
	if f.LowQualityVideosOnly && (r.VideoMetadata == nil || !r.VideoMetadata.IsLowQuality) {
		return false
	}
	return true
}

func (f Filters) matchesType(r FileRecord) bool {
	for _, t := range f.FileTypes {
		if !strings.Contains(t, "/") {
			if r.FileType == t {
				return true
			}
			continue
		}
		if prefix, ok := strings.CutSuffix(t, "*"); ok {
			if strings.HasPrefix(r.MimeType, prefix) {
				return true
			}
			continue
		}
		if r.MimeType == t {
			return true
		}
	}
	return false
}

// Finalize applies the set-level criteria to records that already passed Match.
func (f Filters) Finalize(records []FileRecord) []FileRecord {
	if f.DuplicatesOnly {
		counts := make(map[string]int, len(records))
		for _, r := range records {
			if r.Hash != "" {
				counts[r.Hash]++
			}
		}
		kept := records[:0:0]
		for _, r := range records {
			if r.Hash != "" && counts[r.Hash] > 1 {
				kept = append(kept, r)
			}
		}
		records = kept
	}
	if f.TopN > 0 {
		SortBySizeDesc(records)
		if len(records) > f.TopN {
			records = records[:f.TopN]
		}
	}
	return records
}

// Key returns a canonical representation used to decide whether two
// requests ask for the same work.
func (f Filters) Key() string {
	var b strings.Builder
	writeInt := func(name string, v *int64) {
		if v != nil {
			fmt.Fprintf(&b, "%s=%d;", name, *v)
		}
	}
	writeTime := func(name string, v *time.Time) {
		if v != nil {
			fmt.Fprintf(&b, "%s=%d;", name, v.Unix())
		}
	}
	writeInt("min", f.MinSize)
	writeInt("max", f.MaxSize)
	types := slices.Clone(f.FileTypes)
	slices.Sort(types)
	fmt.Fprintf(&b, "types=%s;", strings.Join(types, ","))
	writeTime("created", f.CreatedBefore)
	writeTime("modified", f.ModifiedBefore)
	fmt.Fprintf(&b, "lq=%t;top=%d;dup=%t;preview=%t", f.LowQualityVideosOnly, f.TopN, f.DuplicatesOnly, f.PreviewImage)
	return b.String()
}

func parseSize(q url.Values, name string) (*int64, error) {
	v := strings.TrimSpace(q.Get(name))
	if v == "" {
		return nil, nil
	}
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %q: %v", ErrInvalidFilter, name, v, err)
	}
	size := int64(n)
	return &size, nil
}

func parseTimeParam(q url.Values, name string) (*time.Time, error) {
	v := strings.TrimSpace(q.Get(name))
	if v == "" {
		return nil, nil
	}
	t, err := ParseTime(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %q", ErrInvalidFilter, name, v)
	}
	return &t, nil
}

// ParseTime accepts RFC3339, a calendar date or unix seconds.
func ParseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, v, time.Local); err == nil {
		return t, nil
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0), nil
}

func parseBool(q url.Values, name string, def bool) (bool, error) {
	v := strings.TrimSpace(q.Get(name))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%w: %s %q", ErrInvalidFilter, name, v)
	}
	return b, nil
}
