package limits

import (
	"io/fs"
	"os"
	"path/filepath"
)

// dirSizeMB walks dir recursively and sums regular file sizes, returned in
// megabytes. Used by the disk monitor from the host side of a workspace
// bind mount.
func dirSizeMB(dir string) (int64, error) {
	var totalBytes int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		totalBytes += info.Size()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return totalBytes / (1024 * 1024), nil
}
