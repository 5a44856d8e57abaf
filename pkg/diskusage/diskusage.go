// Package diskusage measures directory sizes and free space.
package diskusage

import (
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/shirou/gopsutil/disk"
)

// Size returns the total size of the regular files below path.
func Size(path string) (int64, error) {
	var size int64
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measuring %s: %w", path, err)
	}
	return size, nil
}

// Free returns the bytes available to unprivileged users on the file system
// holding path.
func Free(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("reading disk usage of %s: %w", path, err)
	}
	return usage.Free, nil
}
