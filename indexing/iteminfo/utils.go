package iteminfo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// SortByName orders records by path using natural (numeric-aware) ordering of names.
func SortByName(records []FileRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		di, dj := filepath.Dir(records[i].Path), filepath.Dir(records[j].Path)
		if di != dj {
			return di < dj
		}
		return naturalSortLess(records[i].Name, records[j].Name)
	})
}

// SortBySizeDesc orders records largest first, ties broken by path.
func SortBySizeDesc(records []FileRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Size != records[j].Size {
			return records[i].Size > records[j].Size
		}
		return records[i].Path < records[j].Path
	})
}

// SortByModifiedAsc orders records oldest first.
func SortByModifiedAsc(records []FileRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].ModifiedTime.Equal(records[j].ModifiedTime) {
			return records[i].ModifiedTime.Before(records[j].ModifiedTime)
		}
		return records[i].Path < records[j].Path
	})
}

// Sort keys accepted by SortRecords.
const (
	SortName     = "name"
	SortSize     = "size"
	SortModified = "modified"
)

// ErrInvalidSort is returned by SortRecords for an unknown key.
var ErrInvalidSort = errors.New("invalid sort key")

// SortRecords orders records by key. An empty key keeps discovery order.
func SortRecords(records []FileRecord, key string) error {
	switch key {
	case "":
	case SortName:
		SortByName(records)
	case SortSize:
		SortBySizeDesc(records)
	case SortModified:
		SortByModifiedAsc(records)
	default:
		return fmt.Errorf("%w: %q (want name, size or modified)", ErrInvalidSort, key)
	}
	return nil
}

// naturalSortLess compares two names with natural (numeric-aware) sorting
func naturalSortLess(a, b string) bool {
	baseA := strings.Split(a, ".")[0]
	baseB := strings.Split(b, ".")[0]

	numA, errA := strconv.Atoi(baseA)
	numB, errB := strconv.Atoi(baseB)

	if errA == nil && errB == nil {
		return numA < numB
	}
	return strings.ToLower(a) < strings.ToLower(b)
}

// IsWithin reports whether path equals root or lies below it.
func IsWithin(root, path string) bool {
	root = filepath.Clean(root)
	path = filepath.Clean(path)
	if root == path {
		return true
	}
	if root == string(os.PathSeparator) {
		return strings.HasPrefix(path, root)
	}
	return strings.HasPrefix(path, root+string(os.PathSeparator))
}
