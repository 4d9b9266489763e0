package indexing

import (
	"os"
	"path/filepath"
)

// fileKey identifies a directory for cycle detection: device and inode when the
// platform exposes them, the resolved real path otherwise.
type fileKey struct {
	dev  uint64
	ino  uint64
	path string
}

func keyFromInfo(path string, info os.FileInfo) (fileKey, bool) {
	if dev, ino, ok := deviceInode(info); ok {
		return fileKey{dev: dev, ino: ino}, true
	}
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		return fileKey{}, false
	}
	return fileKey{path: real}, true
}

func newEntry(path string, info os.FileInfo, size int64) Entry {
	return Entry{
		Path:        path,
		Name:        filepath.Base(path),
		Size:        size,
		ModTime:     info.ModTime(),
		CreatedTime: createdTime(info),
		IsDir:       info.IsDir(),
	}
}
