package indexing

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/mordilloSan/go_logger/logger"
)

// WalkFunc receives every entry below the root exactly once.
type WalkFunc func(Entry) error

// Walker enumerates a directory tree.
type Walker struct {
	Root string
	opts Options

	onWarning func(Warning)
	mounts    mountTable

	mu        sync.Mutex
	signature Signature
	visited   map[fileKey]struct{}
	warnings  int
}

// NewWalker creates a walker for root with the given options.
func NewWalker(root string, opts Options) *Walker {
	w := &Walker{
		Root: root,
		opts: opts,
	}
	if opts.SkipSystemPaths {
		w.mounts = externalMounts()
	}
	return w
}

// OnWarning registers a callback for per-entry problems.
func (w *Walker) OnWarning(fn func(Warning)) {
	w.onWarning = fn
}

// Walk visits every entry below the root. The root itself is not emitted and
// directories are emitted after their children so they carry aggregate sizes.
// A failure to open the root is returned; failures below it become warnings.
func (w *Walker) Walk(ctx context.Context, fn WalkFunc) error {
	info, err := os.Stat(w.Root)
	if err != nil {
		return fmt.Errorf("open root %s: %w", w.Root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrInvalidRoot, w.Root)
	}

	w.mu.Lock()
	w.signature = Signature{}
	w.visited = make(map[fileKey]struct{})
	w.warnings = 0
	w.mu.Unlock()

	if key, ok := keyFromInfo(w.Root, info); ok {
		w.visited[key] = struct{}{}
	}

	logger.Debugf("walk started root=%s hidden=%t follow=%t", w.Root, w.opts.IncludeHidden, w.opts.FollowSymlinks)
	if _, err := w.walkDir(ctx, w.Root, true, fn); err != nil {
		if fe, ok := err.(fnError); ok {
			return fe.err
		}
		return err
	}

	sig := w.Signature()
	logger.Debugf("walk finished root=%s %s warnings=%d", w.Root, sig, w.warnings)
	return nil
}

// Signature returns the totals accumulated by the last Walk.
func (w *Walker) Signature() Signature {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.signature
}

// ComputeSignature walks root without emitting entries and returns its signature.
func ComputeSignature(ctx context.Context, root string, opts Options) (Signature, error) {
	w := NewWalker(root, opts)
	if err := w.Walk(ctx, func(Entry) error { return nil }); err != nil {
		return Signature{}, err
	}
	return w.Signature(), nil
}

func (w *Walker) warn(path string, err error) {
	w.mu.Lock()
	w.warnings++
	w.mu.Unlock()
	logger.Debugf("skipping path=%s err=%v", path, err)
	if w.onWarning != nil {
		w.onWarning(Warning{Path: path, Message: err.Error()})
	}
}

func (w *Walker) count(fileSize int64, isFile bool) {
	w.mu.Lock()
	w.signature.EntryCount++
	if isFile {
		w.signature.TotalSize += fileSize
	}
	w.mu.Unlock()
}
