//go:build !linux && !darwin && !windows

package fileops

// No trash on this platform; deletions are permanent.
func newTrashCan(string) trashCan { return nil }
