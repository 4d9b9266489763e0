package fileops

// trashCan moves a file into the platform trash.
type trashCan interface {
	Trash(path string) error
}
