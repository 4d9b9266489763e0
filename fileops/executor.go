// Package fileops deletes, moves and renames files on behalf of API clients.
// Batch operations never stop at the first failure: every input path gets an
// outcome, and every call is written to the audit log.
package fileops

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/mordilloSan/go_logger/logger"

	"github.com/mordilloSan/diskexplorer/storage"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrNotAFile    = errors.New("not a file")
	ErrExists      = errors.New("destination already exists")
	ErrInvalidName = errors.New("invalid file name")
)

// Outcomes reported by Delete. Any other failure is "error: <message>".
const (
	OutcomeDeleted  = "deleted"
	OutcomeNotFound = "not found"
	OutcomeNotAFile = "not a file"
)

const (
	KindDelete = "delete"
	KindMove   = "move"
	KindRename = "rename"
)

// AuditLog receives one record per operation.
type AuditLog interface {
	AppendAudit(ctx context.Context, record storage.AuditRecord) error
}

// Options configure the executor.
type Options struct {
	// UseTrash sends deletions to the platform trash when one exists.
	UseTrash bool
	// TrashDir overrides the freedesktop trash location.
	TrashDir string
}

// Executor performs file operations and records them in the audit log.
type Executor struct {
	audit    AuditLog
	trash    trashCan
	onChange func(ctx context.Context, paths []string)
}

// NewExecutor creates an executor. audit may be nil.
func NewExecutor(audit AuditLog, opts Options) *Executor {
	e := &Executor{audit: audit}
	if opts.UseTrash {
		e.trash = newTrashCan(opts.TrashDir)
	}
	return e
}

// OnChange registers a callback invoked with every path an operation
// removed or created.
func (e *Executor) OnChange(fn func(ctx context.Context, paths []string)) {
	e.onChange = fn
}

// TrashEnabled reports whether deletions go to the trash by default.
func (e *Executor) TrashEnabled() bool {
	return e.trash != nil
}

// Delete removes every path and returns one outcome per distinct input path.
// Files go to the trash unless permanent is set or no trash is available.
func (e *Executor) Delete(ctx context.Context, paths []string, permanent bool) map[string]string {
	method := "permanent"
	if !permanent && e.trash != nil {
		method = "trash"
	}

	results := make(map[string]string, len(paths))
	var touched []string
	for _, path := range uniquePaths(paths) {
		if err := ctx.Err(); err != nil {
			results[path] = errorOutcome(err)
			continue
		}
		err := e.deleteOne(path, method == "trash")
		switch {
		case err == nil:
			results[path] = OutcomeDeleted
			touched = append(touched, path)
		case errors.Is(err, ErrNotFound):
			results[path] = OutcomeNotFound
		case errors.Is(err, ErrNotAFile):
			results[path] = OutcomeNotAFile
		default:
			results[path] = errorOutcome(err)
		}
		logger.Debugf("delete path=%s method=%s outcome=%s", path, method, results[path])
	}

	e.record(ctx, storage.AuditRecord{
		Kind:    KindDelete,
		Targets: paths,
		Method:  method,
		Result:  results,
	})
	e.changed(ctx, touched)
	return results
}

func (e *Executor) deleteOne(path string, toTrash bool) error {
	info, err := os.Lstat(path)
	if err != nil {
		return classifyStatError(err)
	}
	if !info.Mode().IsRegular() {
		return ErrNotAFile
	}
	if toTrash {
		return e.trash.Trash(path)
	}
	if err := os.Remove(path); err != nil {
		return classifyStatError(err)
	}
	return nil
}

// Move moves every regular file in paths into targetDir, creating it when
// missing. The result maps each input path to its new location or to an
// outcome string describing the failure.
func (e *Executor) Move(ctx context.Context, paths []string, targetDir string) map[string]string {
	targetDir = filepath.Clean(targetDir)
	results := make(map[string]string, len(paths))
	unique := uniquePaths(paths)

	var touched []string
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		for _, path := range unique {
			results[path] = errorOutcome(fmt.Errorf("create target directory: %w", err))
		}
	} else {
		for _, path := range unique {
			if err := ctx.Err(); err != nil {
				results[path] = errorOutcome(err)
				continue
			}
			dst, err := moveIntoDir(path, targetDir)
			switch {
			case err == nil:
				results[path] = dst
				if dst != filepath.Clean(path) {
					touched = append(touched, path, dst)
				}
			case errors.Is(err, ErrNotFound):
				results[path] = OutcomeNotFound
			case errors.Is(err, ErrNotAFile):
				results[path] = OutcomeNotAFile
			default:
				results[path] = errorOutcome(err)
			}
			logger.Debugf("move path=%s target=%s outcome=%s", path, targetDir, results[path])
		}
	}

	e.record(ctx, storage.AuditRecord{
		Kind:        KindMove,
		Targets:     paths,
		Destination: targetDir,
		Result:      results,
	})
	e.changed(ctx, touched)
	return results
}

func moveIntoDir(path, targetDir string) (string, error) {
	src := filepath.Clean(path)
	info, err := os.Lstat(src)
	if err != nil {
		return "", classifyStatError(err)
	}
	if !info.Mode().IsRegular() {
		return "", ErrNotAFile
	}
	dst := filepath.Join(targetDir, filepath.Base(src))
	if dst == src {
		return dst, nil
	}
	if _, err := os.Lstat(dst); err == nil {
		return "", fmt.Errorf("%w: %s", ErrExists, dst)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	if err := moveFile(src, dst, info); err != nil {
		return "", err
	}
	return dst, nil
}

// Rename gives path a new base name within the same directory.
func (e *Executor) Rename(ctx context.Context, path, newName string) (newPath string, err error) {
	src := filepath.Clean(path)
	defer func() {
		result := map[string]string{path: newPath}
		if err != nil {
			result[path] = errorOutcome(err)
		}
		e.record(ctx, storage.AuditRecord{
			Kind:        KindRename,
			Targets:     []string{path},
			Destination: newPath,
			Result:      result,
		})
	}()

	if err := ValidateName(newName); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	srcInfo, err := os.Lstat(src)
	if err != nil {
		return "", classifyStatError(err)
	}
	dst := filepath.Join(filepath.Dir(src), newName)
	if dst == src {
		return dst, nil
	}
	if dstInfo, err := os.Lstat(dst); err == nil {
		// Case-only renames on case-insensitive filesystems resolve to the same file.
		if !os.SameFile(srcInfo, dstInfo) {
			return "", fmt.Errorf("%w: %s", ErrExists, dst)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}

	if err := renameFunc(src, dst); err != nil {
		return "", fmt.Errorf("rename %s: %w", src, err)
	}
	logger.Debugf("rename path=%s new_path=%s", src, dst)
	e.changed(ctx, []string{src, dst})
	return dst, nil
}

// ValidateName rejects names that are empty, contain a path separator or
// refer to the current or parent directory.
func ValidateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/`+string(os.PathSeparator)+"\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	}
	return nil
}

func (e *Executor) record(ctx context.Context, rec storage.AuditRecord) {
	if e.audit == nil {
		return
	}
	if err := e.audit.AppendAudit(context.WithoutCancel(ctx), rec); err != nil {
		logger.Warnf("Failed to append audit record kind=%s: %v", rec.Kind, err)
	}
}

func (e *Executor) changed(ctx context.Context, paths []string) {
	if e.onChange == nil || len(paths) == 0 {
		return
	}
	e.onChange(ctx, paths)
}

func uniquePaths(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func classifyStatError(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

func errorOutcome(err error) string {
	return "error: " + err.Error()
}
