package fileops

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/mordilloSan/diskexplorer/indexing/testhelpers"
)

// fakeMount reports every path under mount as living on its own device.
func fakeMount(t *testing.T, mount string) {
	t.Helper()
	old := deviceOf
	deviceOf = func(path string) (uint64, error) {
		if path == mount || strings.HasPrefix(path, mount+string(filepath.Separator)) {
			return 2, nil
		}
		return 1, nil
	}
	t.Cleanup(func() { deviceOf = old })
}

func TestDeleteToTrash(t *testing.T) {
	mock := testhelpers.NewMockFileSystem(t)
	mock.CreateFile("keep/a.txt", "first")
	mock.CreateFile("other/a.txt", "second")
	trashDir := mock.Path("Trash")

	exec := NewExecutor(nil, Options{UseTrash: true, TrashDir: trashDir})
	if !exec.TrashEnabled() {
		t.Fatal("trash should be enabled")
	}
	results := exec.Delete(context.Background(), []string{mock.Path("keep/a.txt"), mock.Path("other/a.txt")}, false)
	for path, outcome := range results {
		if outcome != OutcomeDeleted {
			t.Fatalf("%s: %q", path, outcome)
		}
	}

	for _, name := range []string{"a.txt", "a.2.txt"} {
		if _, err := os.Stat(filepath.Join(trashDir, "files", name)); err != nil {
			t.Errorf("trashed file %s missing: %v", name, err)
		}
		info, err := os.ReadFile(filepath.Join(trashDir, "info", name+".trashinfo"))
		if err != nil {
			t.Fatalf("trashinfo %s: %v", name, err)
		}
		if !strings.HasPrefix(string(info), "[Trash Info]\nPath=/") || !strings.Contains(string(info), "DeletionDate=") {
			t.Errorf("unexpected trashinfo:\n%s", info)
		}
	}
}

func TestTrashDeleteTwiceReportsNotFound(t *testing.T) {
	mock := testhelpers.NewMockFileSystem(t)
	mock.CreateSizedFile("small.bin", 10*1024)
	audit := &recordingAudit{}
	exec := NewExecutor(audit, Options{UseTrash: true, TrashDir: mock.Path("Trash")})

	path := mock.Path("small.bin")
	if got := exec.Delete(context.Background(), []string{path}, false)[path]; got != OutcomeDeleted {
		t.Fatalf("first delete = %q, want %q", got, OutcomeDeleted)
	}
	if got := exec.Delete(context.Background(), []string{path}, false)[path]; got != OutcomeNotFound {
		t.Fatalf("second delete = %q, want %q", got, OutcomeNotFound)
	}
	if rec := audit.last(t); rec.Method != "trash" {
		t.Errorf("audit method = %q, want trash", rec.Method)
	}
}

func TestTrashOnOtherMountUsesTopdirTrash(t *testing.T) {
	mock := testhelpers.NewMockFileSystem(t)
	mock.CreateFile("ext/videos/a.mp4", "frames")
	home := mock.Path("Trash")
	fakeMount(t, mock.Path("ext"))

	exec := NewExecutor(nil, Options{UseTrash: true, TrashDir: home})
	path := mock.Path("ext/videos/a.mp4")
	if got := exec.Delete(context.Background(), []string{path}, false)[path]; got != OutcomeDeleted {
		t.Fatalf("delete = %q, want %q", got, OutcomeDeleted)
	}

	topdir := mock.Path("ext/.Trash-" + strconv.Itoa(os.Getuid()))
	if _, err := os.Stat(filepath.Join(topdir, "files", "a.mp4")); err != nil {
		t.Fatalf("file not in mount trash: %v", err)
	}
	if _, err := os.Stat(filepath.Join(topdir, "info", "a.mp4.trashinfo")); err != nil {
		t.Fatalf("trashinfo missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(home, "files", "a.mp4")); !os.IsNotExist(err) {
		t.Errorf("file should not reach the home trash, stat err = %v", err)
	}
}

func TestTrashOnOtherMountPrefersStickySharedTrash(t *testing.T) {
	mock := testhelpers.NewMockFileSystem(t)
	mock.CreateFile("ext/a.txt", "a")
	mock.CreateDir("ext/.Trash")
	if err := os.Chmod(mock.Path("ext/.Trash"), 0o777|os.ModeSticky); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	fakeMount(t, mock.Path("ext"))

	exec := NewExecutor(nil, Options{UseTrash: true, TrashDir: mock.Path("Trash")})
	path := mock.Path("ext/a.txt")
	if got := exec.Delete(context.Background(), []string{path}, false)[path]; got != OutcomeDeleted {
		t.Fatalf("delete = %q", got)
	}
	shared := filepath.Join(mock.Path("ext/.Trash"), strconv.Itoa(os.Getuid()), "files", "a.txt")
	if _, err := os.Stat(shared); err != nil {
		t.Fatalf("file not in shared trash: %v", err)
	}
}

func TestTrashFallsBackToHomeCopyAcrossDevices(t *testing.T) {
	mock := testhelpers.NewMockFileSystem(t)
	mock.CreateSizedFile("ext/big.bin", 64*1024)
	// A file where the per-user trash would go makes the mount trash unusable.
	mock.CreateFile("ext/.Trash-"+strconv.Itoa(os.Getuid()), "")
	home := mock.Path("Trash")
	fakeMount(t, mock.Path("ext"))

	old := renameFunc
	renameFunc = func(oldpath, newpath string) error {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: syscall.EXDEV}
	}
	defer func() { renameFunc = old }()

	exec := NewExecutor(nil, Options{UseTrash: true, TrashDir: home})
	path := mock.Path("ext/big.bin")
	if got := exec.Delete(context.Background(), []string{path}, false)[path]; got != OutcomeDeleted {
		t.Fatalf("delete = %q, want %q", got, OutcomeDeleted)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("source should be removed, stat err = %v", err)
	}
	info, err := os.Stat(filepath.Join(home, "files", "big.bin"))
	if err != nil {
		t.Fatalf("file not copied to home trash: %v", err)
	}
	if info.Size() != 64*1024 {
		t.Errorf("trashed size = %d", info.Size())
	}
	if got := exec.Delete(context.Background(), []string{path}, false)[path]; got != OutcomeNotFound {
		t.Fatalf("second delete = %q, want %q", got, OutcomeNotFound)
	}
}

// TestTrashFromTmpfs deletes a file living on /dev/shm while the trash sits
// on the filesystem of the test's temp directory.
func TestTrashFromTmpfs(t *testing.T) {
	home := filepath.Join(t.TempDir(), "Trash")
	shmDev, err := statDevice("/dev/shm")
	if err != nil {
		t.Skip("no /dev/shm")
	}
	if tmpDev, err := statDevice(filepath.Dir(home)); err != nil || tmpDev == shmDev {
		t.Skip("/dev/shm shares a device with the temp directory")
	}

	dir, err := os.MkdirTemp("/dev/shm", "diskexplorer-trash-")
	if err != nil {
		t.Skipf("cannot write to /dev/shm: %v", err)
	}
	name := filepath.Base(dir) + ".bin"
	mountTrash := filepath.Join("/dev/shm", ".Trash-"+strconv.Itoa(os.Getuid()))
	t.Cleanup(func() {
		_ = os.RemoveAll(dir)
		_ = os.Remove(filepath.Join(mountTrash, "files", name))
		_ = os.Remove(filepath.Join(mountTrash, "info", name+".trashinfo"))
	})
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, make([]byte, 10*1024), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	exec := NewExecutor(nil, Options{UseTrash: true, TrashDir: home})
	if got := exec.Delete(context.Background(), []string{path}, false)[path]; got != OutcomeDeleted {
		t.Fatalf("first delete = %q, want %q", got, OutcomeDeleted)
	}
	if got := exec.Delete(context.Background(), []string{path}, false)[path]; got != OutcomeNotFound {
		t.Fatalf("second delete = %q, want %q", got, OutcomeNotFound)
	}
}

func TestTrashInfoEscapesPath(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 30, 0, 0, time.Local)
	got := trashInfo("/data/my file#1.txt", at)
	want := "[Trash Info]\nPath=/data/my%20file%231.txt\nDeletionDate=2024-03-01T09:30:00\n"
	if got != want {
		t.Errorf("trashInfo = %q, want %q", got, want)
	}
}
