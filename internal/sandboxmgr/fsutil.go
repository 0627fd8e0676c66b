package sandboxmgr

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kandev/ash/internal/common/errors"
	"github.com/kandev/ash/pkg/apiv1"
)

// validateRelPath rejects absolute paths and any ".." segment.
func validateRelPath(path string) error {
	if filepath.IsAbs(path) {
		return errors.BadRequest("path must be relative")
	}
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if seg == ".." {
			return errors.BadRequest("path must not contain .. segments")
		}
	}
	return nil
}

func listDir(dir string) ([]apiv1.FileEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.NotFound("directory", dir)
	}
	out := make([]apiv1.FileEntry, 0, len(entries))
	for _, e := range entries {
		// Same exclusions as the snapshot store's copy.
		name := e.Name()
		if e.IsDir() && (name == "node_modules" || name == ".git" || name == "venv" || name == ".venv" || name == "__pycache__") {
			continue
		}
		if !e.IsDir() && (strings.HasSuffix(name, ".sock") || strings.HasSuffix(name, ".lock") || strings.HasSuffix(name, ".pid") || strings.HasSuffix(name, ".tmp")) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, apiv1.FileEntry{
			Path:  e.Name(),
			IsDir: e.IsDir(),
			Size:  info.Size(),
		})
	}
	return out, nil
}

func readFileCapped(path string, maxBytes int64) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.NotFound("file", path)
	}
	if info.IsDir() {
		return nil, errors.BadRequest("path is a directory")
	}
	if info.Size() > maxBytes {
		return nil, errors.BadRequest(fmt.Sprintf("file exceeds %d byte cap", maxBytes))
	}
	return os.ReadFile(path)
}
