//go:build !linux && !darwin

package indexing

import (
	"os"
	"time"
)

func createdTime(info os.FileInfo) time.Time {
	return info.ModTime()
}

func deviceInode(os.FileInfo) (dev, ino uint64, ok bool) {
	return 0, 0, false
}
