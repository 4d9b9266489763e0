package indexing

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/mordilloSan/go_logger/logger"
)

var (
	linuxSystemPaths = []string{"/proc", "/dev"}
	externalFSTypes  = map[string]struct{}{
		"nfs":        {},
		"nfs4":       {},
		"cifs":       {},
		"smbfs":      {},
		"smb2":       {},
		"smb3":       {},
		"fuse.cifs":  {},
		"fuse.smb":   {},
		"fuse.smb3":  {},
		"fuse.nfs":   {},
		"fuse.ceph":  {},
		"fuse.sshfs": {},
		"fuse.iscsi": {},
	}
	externalMountsOnce sync.Once
	externalMountTable mountTable
)

// mountTable maps network mount points to their filesystem type.
type mountTable map[string]string

func (m mountTable) contains(path string) bool {
	if len(m) == 0 {
		return false
	}
	path = filepath.Clean(path)
	for mountPoint := range m {
		if mountPoint == "" || mountPoint == "/" {
			continue
		}
		if path == mountPoint || strings.HasPrefix(path, mountPoint+string(os.PathSeparator)) {
			return true
		}
	}
	return false
}

func isLinuxSystemPath(path string) bool {
	path = filepath.Clean(path)
	for _, protectedPath := range linuxSystemPaths {
		if path == protectedPath || strings.HasPrefix(path, protectedPath+string(os.PathSeparator)) {
			return true
		}
	}
	return false
}

func externalMounts() mountTable {
	externalMountsOnce.Do(func() {
		externalMountTable = loadExternalMounts()
	})
	return externalMountTable
}

func loadExternalMounts() mountTable {
	if runtime.GOOS != "linux" {
		return mountTable{}
	}

	file, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		logger.Warnf("unable to read mountinfo: %v", err)
		return mountTable{}
	}
	defer func() { _ = file.Close() }()

	return parseMountTable(file)
}

func parseMountTable(r io.Reader) mountTable {
	mounts := mountTable{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		mountPoint, fsType, source, ok := parseMountInfo(scanner.Text())
		if !ok {
			continue
		}
		if isExternalFilesystem(fsType, source) {
			mounts[mountPoint] = fsType
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warnf("error while scanning mountinfo: %v", err)
	}
	return mounts
}

func parseMountInfo(line string) (mountPoint, fsType, source string, ok bool) {
	parts := strings.Split(line, " - ")
	if len(parts) != 2 {
		return "", "", "", false
	}

	pre := strings.Fields(parts[0])
	post := strings.Fields(parts[1])
	if len(pre) < 5 || len(post) < 2 {
		return "", "", "", false
	}

	mountPoint = filepath.Clean(decodeMountPath(pre[4]))
	fsType = strings.ToLower(post[0])
	source = strings.ToLower(post[1])
	return mountPoint, fsType, source, true
}

func decodeMountPath(raw string) string {
	return strings.NewReplacer(`\040`, " ", `\011`, "\t", `\012`, "\n", `\134`, `\`).Replace(raw)
}

func isExternalFilesystem(fsType, source string) bool {
	if _, ok := externalFSTypes[fsType]; ok {
		return true
	}
	if strings.Contains(fsType, "iscsi") || strings.Contains(source, "iscsi") {
		return true
	}
	return strings.HasPrefix(source, "//")
}
