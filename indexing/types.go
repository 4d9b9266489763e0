package indexing

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrInvalidRoot is returned when a root path is empty or not absolute.
	ErrInvalidRoot = errors.New("invalid root path")
)

// Entry is one filesystem entry discovered by the walker.
type Entry struct {
	Path        string
	Name        string
	Size        int64 // aggregate of regular files below for directories
	ModTime     time.Time
	CreatedTime time.Time
	IsDir       bool
}

// Warning describes a non-fatal problem with a single entry.
type Warning struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Signature is the cheap fingerprint of a folder used for change detection.
type Signature struct {
	TotalSize  int64 `json:"total_size"`
	EntryCount int64 `json:"entry_count"`
}

func (s Signature) String() string {
	return fmt.Sprintf("size=%d entries=%d", s.TotalSize, s.EntryCount)
}

// Options controls which entries the walker visits.
type Options struct {
	IncludeHidden   bool
	FollowSymlinks  bool
	ExcludeDirs     []string // directory names skipped entirely
	ExcludePatterns []string // glob patterns matched against file names
	SkipSystemPaths bool     // skip /proc, /dev and network mounts on Linux
}

// DefaultOptions returns the exclusion set used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		IncludeHidden:   true,
		ExcludeDirs:     []string{".git", "node_modules", "__pycache__"},
		ExcludePatterns: []string{".DS_Store", "*.tmp", "*.log"},
		SkipSystemPaths: true,
	}
}

// NormalizeRoot cleans a user supplied root path. Windows style paths that
// arrive with a leading slash ("/C:/Users") lose the slash.
func NormalizeRoot(p string) (string, error) {
	p = strings.TrimSpace(p)
	if len(p) >= 3 && p[0] == '/' && p[2] == ':' {
		p = p[1:]
	}
	if p == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRoot)
	}
	cleaned := filepath.Clean(p)
	if !filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("%w: %q is not absolute", ErrInvalidRoot, p)
	}
	return cleaned, nil
}
