package iteminfo

import (
	"errors"
	"testing"
	"time"
)

func TestSortByName(t *testing.T) {
	t.Run("numeric sorting", func(t *testing.T) {
		records := []FileRecord{
			{Path: "/r/100.txt", Name: "100.txt"},
			{Path: "/r/2.txt", Name: "2.txt"},
			{Path: "/r/10.txt", Name: "10.txt"},
			{Path: "/r/1.txt", Name: "1.txt"},
			{Path: "/r/20.txt", Name: "20.txt"},
		}

		SortByName(records)

		expected := []string{"1.txt", "2.txt", "10.txt", "20.txt", "100.txt"}
		for i, expectedName := range expected {
			if records[i].Name != expectedName {
				t.Errorf("Expected records[%d]=%s, got %s", i, expectedName, records[i].Name)
			}
		}
	})

	t.Run("alphabetic sorting", func(t *testing.T) {
		records := []FileRecord{
			{Path: "/r/zebra", Name: "zebra"},
			{Path: "/r/apple", Name: "apple"},
			{Path: "/r/banana", Name: "banana"},
			{Path: "/r/Cherry", Name: "Cherry"},
		}

		SortByName(records)

		expected := []string{"apple", "banana", "Cherry", "zebra"}
		for i, expectedName := range expected {
			if records[i].Name != expectedName {
				t.Errorf("Expected records[%d]=%s, got %s", i, expectedName, records[i].Name)
			}
		}
	})

	t.Run("groups by parent directory", func(t *testing.T) {
		records := []FileRecord{
			{Path: "/r/b/a.txt", Name: "a.txt"},
			{Path: "/r/a/z.txt", Name: "z.txt"},
		}

		SortByName(records)

		if records[0].Path != "/r/a/z.txt" {
			t.Errorf("Expected /r/a/z.txt first, got %s", records[0].Path)
		}
	})
}

func TestSortBySizeDesc(t *testing.T) {
	records := []FileRecord{
		{Path: "/b", Size: 10},
		{Path: "/a", Size: 10},
		{Path: "/c", Size: 300},
		{Path: "/d", Size: 1},
	}

	SortBySizeDesc(records)

	expected := []string{"/c", "/a", "/b", "/d"}
	for i, p := range expected {
		if records[i].Path != p {
			t.Errorf("Expected records[%d]=%s, got %s", i, p, records[i].Path)
		}
	}
}

func TestSortByModifiedAsc(t *testing.T) {
	now := time.Now()
	records := []FileRecord{
		{Path: "/new", ModifiedTime: now},
		{Path: "/old", ModifiedTime: now.Add(-48 * time.Hour)},
		{Path: "/mid", ModifiedTime: now.Add(-time.Hour)},
	}

	SortByModifiedAsc(records)

	expected := []string{"/old", "/mid", "/new"}
	for i, p := range expected {
		if records[i].Path != p {
			t.Errorf("Expected records[%d]=%s, got %s", i, p, records[i].Path)
		}
	}
}

func TestSortRecords(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fresh := func() []FileRecord {
		return []FileRecord{
			{Path: "/r/b.txt", Name: "b.txt", Size: 1, ModifiedTime: base.Add(time.Hour)},
			{Path: "/r/a.txt", Name: "a.txt", Size: 5, ModifiedTime: base.Add(2 * time.Hour)},
			{Path: "/r/c.txt", Name: "c.txt", Size: 3, ModifiedTime: base},
		}
	}

	tests := []struct {
		key  string
		want []string
	}{
		{key: "", want: []string{"b.txt", "a.txt", "c.txt"}},
		{key: SortName, want: []string{"a.txt", "b.txt", "c.txt"}},
		{key: SortSize, want: []string{"a.txt", "c.txt", "b.txt"}},
		{key: SortModified, want: []string{"c.txt", "b.txt", "a.txt"}},
	}
	for _, tt := range tests {
		records := fresh()
		if err := SortRecords(records, tt.key); err != nil {
			t.Fatalf("SortRecords(%q): %v", tt.key, err)
		}
		for i, name := range tt.want {
			if records[i].Name != name {
				t.Errorf("SortRecords(%q)[%d] = %s, want %s", tt.key, i, records[i].Name, name)
			}
		}
	}

	if err := SortRecords(fresh(), "color"); !errors.Is(err, ErrInvalidSort) {
		t.Errorf("unknown key error = %v, want ErrInvalidSort", err)
	}
}

func TestIsWithin(t *testing.T) {
	tests := []struct {
		name     string
		root     string
		path     string
		expected bool
	}{
		{name: "same path", root: "/data", path: "/data", expected: true},
		{name: "child", root: "/data", path: "/data/a/b.txt", expected: true},
		{name: "sibling with shared prefix", root: "/data", path: "/database/x", expected: false},
		{name: "parent", root: "/data/a", path: "/data", expected: false},
		{name: "filesystem root", root: "/", path: "/etc/hosts", expected: true},
		{name: "trailing slash", root: "/data/", path: "/data/x", expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsWithin(tt.root, tt.path); got != tt.expected {
				t.Errorf("IsWithin(%q, %q) = %v, expected %v", tt.root, tt.path, got, tt.expected)
			}
		})
	}
}

func TestRecordKinds(t *testing.T) {
	tests := []struct {
		name    string
		record  FileRecord
		isVideo bool
		isImage bool
	}{
		{name: "mp4 by mime", record: FileRecord{MimeType: "video/mp4", FileType: ".bin"}, isVideo: true},
		{name: "mkv by extension", record: FileRecord{MimeType: "application/octet-stream", FileType: ".mkv"}, isVideo: true},
		{name: "jpeg", record: FileRecord{MimeType: "image/jpeg", FileType: ".jpg"}, isImage: true},
		{name: "svg is not hashable", record: FileRecord{MimeType: "image/svg+xml", FileType: ".svg"}},
		{name: "directory", record: FileRecord{IsDirectory: true, FileType: ".mp4", MimeType: DirectoryMimeType}},
		{name: "text", record: FileRecord{MimeType: "text/plain", FileType: ".txt"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.record.IsVideo(); got != tt.isVideo {
				t.Errorf("IsVideo() = %v, expected %v", got, tt.isVideo)
			}
			if got := tt.record.IsImage(); got != tt.isImage {
				t.Errorf("IsImage() = %v, expected %v", got, tt.isImage)
			}
		})
	}
}
