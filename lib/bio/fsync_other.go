//go:build !linux

package bio

import "os"

// Fdatasync falls back to a full fsync on platforms without fdatasync
func Fdatasync(f *os.File) error {
	return f.Sync()
}
