package testhelpers

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// MockFileSystem creates a temporary directory structure for testing
type MockFileSystem struct {
	Root string
	t    *testing.T
}

// NewMockFileSystem creates a new mock filesystem in a temp directory
func NewMockFileSystem(t *testing.T) *MockFileSystem {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to resolve temp dir: %v", err)
	}
	return &MockFileSystem{
		Root: root,
		t:    t,
	}
}

// Path returns the absolute path of a mock filesystem entry
func (m *MockFileSystem) Path(rel string) string {
	return filepath.Join(m.Root, rel)
}

// CreateDir creates a directory in the mock filesystem
func (m *MockFileSystem) CreateDir(path string) {
	fullPath := filepath.Join(m.Root, path)
	if err := os.MkdirAll(fullPath, 0755); err != nil {
		m.t.Fatalf("Failed to create directory %s: %v", path, err)
	}
}

// CreateFile creates a file with the given content
func (m *MockFileSystem) CreateFile(path string, content string) {
	m.writeBytes(path, []byte(content))
}

// CreateSizedFile creates a file of exactly size bytes filled with a repeating pattern
func (m *MockFileSystem) CreateSizedFile(path string, size int) {
	pattern := []byte(filepath.Base(path))
	if len(pattern) == 0 {
		pattern = []byte("x")
	}
	data := bytes.Repeat(pattern, size/len(pattern)+1)[:size]
	m.writeBytes(path, data)
}

// CreateVideoFile creates a file of size bytes that starts with an ISO BMFF
// ftyp box, so content sniffing reports video/mp4.
func (m *MockFileSystem) CreateVideoFile(path string, size int) {
	header := make([]byte, 0, 32)
	box := make([]byte, 4)
	binary.BigEndian.PutUint32(box, 24)
	header = append(header, box...)
	header = append(header, []byte("ftypisom")...)
	header = append(header, 0, 0, 2, 0)
	header = append(header, []byte("isomiso2")...)
	if size < len(header) {
		size = len(header)
	}
	data := make([]byte, size)
	copy(data, header)
	m.writeBytes(path, data)
}

// SetModTime sets both access and modification time of an entry
func (m *MockFileSystem) SetModTime(path string, ts time.Time) {
	if err := os.Chtimes(filepath.Join(m.Root, path), ts, ts); err != nil {
		m.t.Fatalf("Failed to set times on %s: %v", path, err)
	}
}

// CreateSymlink creates a symbolic link
func (m *MockFileSystem) CreateSymlink(target, linkPath string) {
	fullTarget := filepath.Join(m.Root, target)
	fullLink := filepath.Join(m.Root, linkPath)

	// Ensure parent directory exists
	parentDir := filepath.Dir(fullLink)
	if err := os.MkdirAll(parentDir, 0755); err != nil {
		m.t.Fatalf("Failed to create parent dir for symlink %s: %v", linkPath, err)
	}

	if err := os.Symlink(fullTarget, fullLink); err != nil {
		m.t.Fatalf("Failed to create symlink %s -> %s: %v", linkPath, target, err)
	}
}

// CreateStandardTestStructure creates a standard test directory structure
func (m *MockFileSystem) CreateStandardTestStructure() {
	m.CreateDir("documents")
	m.CreateFile("documents/readme.txt", "This is a readme file")
	m.CreateFile("documents/notes.txt", "These are notes")
	m.CreateFile("documents/Report.pdf", "PDF content")

	m.CreateDir("photos")
	m.CreateFile("photos/image1.jpg", "JPEG data")
	m.CreateFile("photos/image2.png", "PNG data")

	m.CreateDir("documents/archive/2023")
	m.CreateFile("documents/archive/old.txt", "Old document")
	m.CreateFile("documents/archive/2023/jan.txt", "January data")

	// Hidden files
	m.CreateFile(".config", "config data")
	m.CreateFile("documents/.hidden_file", "secret content")

	// Excluded by default
	m.CreateFile(".git/HEAD", "ref: refs/heads/main")
	m.CreateFile("node_modules/pkg/index.js", "module.exports = {}")
	m.CreateFile("documents/scratch.tmp", "temp")
	m.CreateFile("server.log", "log line")
	m.CreateFile(".DS_Store", "finder")
}

// GetFileSize returns the size of a file in the mock filesystem
func (m *MockFileSystem) GetFileSize(path string) int64 {
	fullPath := filepath.Join(m.Root, path)
	info, err := os.Stat(fullPath)
	if err != nil {
		m.t.Fatalf("Failed to stat file %s: %v", path, err)
	}
	return info.Size()
}

func (m *MockFileSystem) writeBytes(path string, data []byte) {
	fullPath := filepath.Join(m.Root, path)

	// Ensure parent directory exists
	parentDir := filepath.Dir(fullPath)
	if err := os.MkdirAll(parentDir, 0755); err != nil {
		m.t.Fatalf("Failed to create parent dir for %s: %v", path, err)
	}

	if err := os.WriteFile(fullPath, data, 0644); err != nil {
		m.t.Fatalf("Failed to create file %s: %v", path, err)
	}
}
