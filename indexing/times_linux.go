package indexing

import (
	"os"
	"syscall"
	"time"
)

// createdTime falls back to the inode change time; Stat_t carries no birth time on Linux.
func createdTime(info os.FileInfo) time.Time {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return time.Unix(int64(st.Ctim.Sec), int64(st.Ctim.Nsec))
	}
	return info.ModTime()
}

func deviceInode(info os.FileInfo) (dev, ino uint64, ok bool) {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return uint64(st.Dev), st.Ino, true
	}
	return 0, 0, false
}
