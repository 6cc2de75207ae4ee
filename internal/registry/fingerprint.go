package registry

import (
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

// fingerprintHead is how much of the file feeds the hash; the header and first
// tensors change whenever weights or quantization change.
const fingerprintHead = 8 << 20

// Fingerprint identifies a weights file cheaply: xxh64 of the first 8 MiB plus the size.
func Fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return "", err
	}
	h := xxhash.New()
	if _, err := io.Copy(h, io.LimitReader(f, fingerprintHead)); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return fmt.Sprintf("xxh64:%016x-%d", h.Sum64(), fi.Size()), nil
}
