package indexing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// walkDir recursively visits dirPath and returns the aggregate size of the
// regular files below it.
func (w *Walker) walkDir(ctx context.Context, dirPath string, isRoot bool, fn WalkFunc) (int64, error) {
	dir, err := os.Open(dirPath)
	if err != nil {
		if isRoot {
			return 0, fmt.Errorf("open root %s: %w", dirPath, err)
		}
		return 0, err
	}
	defer func() { _ = dir.Close() }()

	children, err := dir.Readdir(-1)
	if err != nil {
		if isRoot && len(children) == 0 {
			return 0, fmt.Errorf("read root %s: %w", dirPath, err)
		}
		// keep whatever was listed before the failure
		w.warn(dirPath, err)
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Name() < children[j].Name() })

	var totalSize int64
	for _, child := range children {
		if err := ctx.Err(); err != nil {
			return totalSize, err
		}

		name := child.Name()
		fullPath := filepath.Join(dirPath, name)
		hidden := isHidden(child)

		info := child
		if child.Mode()&os.ModeSymlink != 0 {
			if !w.opts.FollowSymlinks {
				continue
			}
			target, statErr := os.Stat(fullPath)
			if statErr != nil {
				w.warn(fullPath, statErr)
				continue
			}
			info = target
		}

		if w.shouldSkip(info.IsDir(), hidden, name, fullPath) {
			continue
		}

		switch {
		case info.IsDir():
			if !w.markVisited(fullPath, info) {
				continue
			}
			size, err := w.walkDir(ctx, fullPath, false, fn)
			if err != nil {
				if ctx.Err() != nil {
					return totalSize, ctx.Err()
				}
				if isFnError(err) {
					return totalSize, err
				}
				w.warn(fullPath, err)
				continue
			}
			totalSize += size
			w.count(0, false)
			if err := w.emit(fn, newEntry(fullPath, info, size)); err != nil {
				return totalSize, err
			}
		case info.Mode().IsRegular():
			size := info.Size()
			totalSize += size
			w.count(size, true)
			if err := w.emit(fn, newEntry(fullPath, info, size)); err != nil {
				return totalSize, err
			}
		default:
			// devices, sockets, pipes
		}
	}
	return totalSize, nil
}

// fnError marks errors returned by the caller's WalkFunc so they abort the walk
// instead of being reported as warnings.
type fnError struct{ err error }

func (e fnError) Error() string { return e.err.Error() }
func (e fnError) Unwrap() error { return e.err }

func isFnError(err error) bool {
	_, ok := err.(fnError)
	return ok
}

func (w *Walker) emit(fn WalkFunc, e Entry) error {
	if err := fn(e); err != nil {
		return fnError{err: err}
	}
	return nil
}

// markVisited records a directory and reports whether it was seen for the first time.
func (w *Walker) markVisited(path string, info os.FileInfo) bool {
	key, ok := keyFromInfo(path, info)
	if !ok {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, seen := w.visited[key]; seen {
		return false
	}
	w.visited[key] = struct{}{}
	return true
}

func isHidden(file os.FileInfo) bool {
	// Check if the file starts with a dot (Linux hidden files)
	name := file.Name()
	return len(name) > 0 && name[0] == '.'
}

func (w *Walker) shouldSkip(isDir bool, isHidden bool, name, fullPath string) bool {
	if isHidden && !w.opts.IncludeHidden {
		return true
	}

	if isDir {
		for _, excluded := range w.opts.ExcludeDirs {
			if name == excluded {
				return true
			}
		}
		if w.opts.SkipSystemPaths && runtime.GOOS == "linux" {
			if isLinuxSystemPath(fullPath) || w.mounts.contains(fullPath) {
				return true
			}
		}
		return false
	}

	for _, pattern := range w.opts.ExcludePatterns {
		if matched, _ := filepath.Match(pattern, name); matched {
			return true
		}
		if strings.EqualFold(pattern, name) {
			return true
		}
	}
	return false
}
