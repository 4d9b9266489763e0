package fileops

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mordilloSan/go_logger/logger"
)

func newTrashCan(dir string) trashCan {
	if dir == "" {
		var err error
		if dir, err = homeTrashDir(); err != nil {
			logger.Warnf("No trash directory, deletions will be permanent: %v", err)
			return nil
		}
	}
	return newFreedesktopTrash(dir)
}

// deviceOf is swapped in tests to simulate mount points.
var deviceOf = statDevice

func statDevice(path string) (uint64, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return 0, err
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fmt.Errorf("no device for %s", path)
	}
	return uint64(st.Dev), nil
}

// freedesktopTrash implements the freedesktop.org trash specification.
// Files on the filesystem of the home trash go there; files on other
// mounts go to $topdir/.Trash/$uid or $topdir/.Trash-$uid, and are copied
// into the home trash when neither can be used.
type freedesktopTrash struct {
	home string
	uid  int
	now  func() time.Time
}

func newFreedesktopTrash(home string) *freedesktopTrash {
	return &freedesktopTrash{home: home, uid: os.Getuid(), now: time.Now}
}

// homeTrashDir returns $XDG_DATA_HOME/Trash, defaulting to ~/.local/share/Trash.
func homeTrashDir() (string, error) {
	if dataHome := os.Getenv("XDG_DATA_HOME"); filepath.IsAbs(dataHome) {
		return filepath.Join(dataHome, "Trash"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", "Trash"), nil
}

func (t *freedesktopTrash) Trash(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	info, err := os.Lstat(abs)
	if err != nil {
		return err
	}

	dev, err := deviceOf(abs)
	if err != nil {
		return err
	}
	if homeDev, err := deviceOf(existingAncestor(t.home)); err == nil && homeDev == dev {
		return t.trashInto(t.home, abs, info)
	}

	top := mountTop(abs, dev)
	dir, err := t.topdirTrash(top)
	if err == nil {
		if err = t.trashInto(dir, abs, info); err == nil {
			return nil
		}
	}
	logger.Debugf("trash on %s unusable, copying %s to %s: %v", top, abs, t.home, err)
	return t.trashInto(t.home, abs, info)
}

// topdirTrash returns the trash directory of the mount rooted at top,
// preferring an administrator created sticky $top/.Trash.
func (t *freedesktopTrash) topdirTrash(top string) (string, error) {
	uid := strconv.Itoa(t.uid)
	shared := filepath.Join(top, ".Trash")
	if info, err := os.Lstat(shared); err == nil && info.IsDir() && info.Mode()&os.ModeSticky != 0 {
		dir := filepath.Join(shared, uid)
		if err := os.MkdirAll(dir, 0o700); err == nil {
			return dir, nil
		}
	}
	dir := filepath.Join(top, ".Trash-"+uid)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	info, err := os.Lstat(dir)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", dir)
	}
	return dir, nil
}

func (t *freedesktopTrash) trashInto(dir, abs string, info os.FileInfo) error {
	filesDir := filepath.Join(dir, "files")
	infoDir := filepath.Join(dir, "info")
	for _, d := range []string{filesDir, infoDir} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return fmt.Errorf("create trash: %w", err)
		}
	}

	name, infoPath, err := t.reserve(infoDir, filepath.Base(abs), abs)
	if err != nil {
		return err
	}
	if err := moveFile(abs, filepath.Join(filesDir, name), info); err != nil {
		_ = os.Remove(infoPath)
		return fmt.Errorf("move to trash: %w", err)
	}
	return nil
}

// reserve claims a unique name by creating its .trashinfo exclusively.
func (t *freedesktopTrash) reserve(infoDir, base, original string) (string, string, error) {
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	body := trashInfo(original, t.now())

	for i := 1; i < 10000; i++ {
		name := base
		if i > 1 {
			name = stem + "." + strconv.Itoa(i) + ext
		}
		infoPath := filepath.Join(infoDir, name+".trashinfo")
		f, err := os.OpenFile(infoPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", "", err
		}
		_, werr := f.WriteString(body)
		cerr := f.Close()
		if werr != nil || cerr != nil {
			_ = os.Remove(infoPath)
			return "", "", errors.Join(werr, cerr)
		}
		return name, infoPath, nil
	}
	return "", "", fmt.Errorf("no free trash name for %s", base)
}

// mountTop walks up from path while the parent stays on device dev.
func mountTop(path string, dev uint64) string {
	top := filepath.Dir(path)
	for {
		parent := filepath.Dir(top)
		if parent == top {
			return top
		}
		if d, err := deviceOf(parent); err != nil || d != dev {
			return top
		}
		top = parent
	}
}

// existingAncestor returns path or its closest existing parent.
func existingAncestor(path string) string {
	for {
		if _, err := os.Lstat(path); err == nil {
			return path
		}
		parent := filepath.Dir(path)
		if parent == path {
			return path
		}
		path = parent
	}
}

func trashInfo(original string, at time.Time) string {
	escaped := (&url.URL{Path: original}).EscapedPath()
	return "[Trash Info]\nPath=" + escaped + "\nDeletionDate=" + at.Format("2006-01-02T15:04:05") + "\n"
}
