//go:build darwin || windows

package fileops

import "github.com/Bios-Marcel/wastebasket/v2"

type systemTrash struct{}

func (systemTrash) Trash(path string) error {
	return wastebasket.Trash(path)
}

// The system trash location is fixed; dir only applies to the freedesktop trash.
func newTrashCan(string) trashCan { return systemTrash{} }
