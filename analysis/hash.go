package analysis

import (
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

const hashBufferSize = 256 * 1024

// ContentHash streams the file through xxhash64 and returns the hex digest.
func ContentHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: hash %s: %v", ErrUnavailable, path, err)
	}
	defer func() { _ = f.Close() }()

	d := xxhash.New()
	buf := make([]byte, hashBufferSize)
	if _, err := io.CopyBuffer(d, f, buf); err != nil {
		return "", fmt.Errorf("%w: hash %s: %v", ErrUnavailable, path, err)
	}
	return fmt.Sprintf("%016x", d.Sum64()), nil
}
