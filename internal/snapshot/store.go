// Package snapshot persists whole sandbox workspaces to disk, keyed by
// session id, with an optional cloud mirror used as a durability tier.
package snapshot

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/ash/internal/common/logger"
	"github.com/kandev/ash/pkg/apiv1"
)

// excludedDirs are well-known regeneratable directories never copied into
// or out of a snapshot.
var excludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"venv":         true,
	".venv":        true,
	"__pycache__":  true,
}

var excludedFilePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\.sock$`),
	regexp.MustCompile(`\.lock$`),
	regexp.MustCompile(`\.pid$`),
	regexp.MustCompile(`\.tmp$`),
}

// Metadata is the sidecar written next to every persisted snapshot.
type Metadata struct {
	SessionID   string    `json:"sessionId"`
	AgentName   string    `json:"agentName"`
	PersistedAt time.Time `json:"persistedAt"`
}

// CloudMirror is the optional durability tier: a snapshot is tarred and
// gzipped before being handed to the mirror, which the local store treats
// as opaque.
type CloudMirror interface {
	Upload(sessionID string, tarGzPath string) error
	Download(sessionID string, destTarGzPath string) (bool, error)
	Delete(sessionID string) error
}

// Store persists workspaces under baseDir/<sessionID>/.
type Store struct {
	baseDir string
	logger  *logger.Logger
	mirror  CloudMirror // nil when no cloud mirror is configured
}

// New returns a local snapshot store rooted at baseDir. mirror may be nil.
func New(baseDir string, log *logger.Logger, mirror CloudMirror) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: create base dir: %w", err)
	}
	return &Store{baseDir: baseDir, logger: log, mirror: mirror}, nil
}

func (s *Store) dir(sessionID string) string {
	return filepath.Join(s.baseDir, sessionID)
}

func (s *Store) metaPath(sessionID string) string {
	return filepath.Join(s.baseDir, sessionID+".meta.json")
}

// Persist recursively copies workspaceDir into the snapshot directory for
// sessionID, excluding regeneratable and ephemeral paths, and writes the
// metadata sidecar. Best-effort: errors are logged and false is returned,
// never propagated as a lifecycle failure.
func (s *Store) Persist(sessionID, workspaceDir, agentName string) bool {
	dst := s.dir(sessionID)
	if err := os.RemoveAll(dst); err != nil {
		s.logger.Warn("snapshot: clear previous snapshot failed", zap.Error(err))
		return false
	}
	if err := copyTree(workspaceDir, dst); err != nil {
		s.logger.Warn("snapshot: persist copy failed", zap.Error(err))
		return false
	}

	meta := Metadata{SessionID: sessionID, AgentName: agentName, PersistedAt: time.Now()}
	data, err := json.Marshal(meta)
	if err != nil {
		s.logger.Warn("snapshot: marshal metadata failed", zap.Error(err))
		return false
	}
	if err := os.WriteFile(s.metaPath(sessionID), data, 0o644); err != nil {
		s.logger.Warn("snapshot: write metadata failed", zap.Error(err))
		return false
	}

	if s.mirror != nil {
		s.mirrorUpload(sessionID)
	}
	return true
}

// Restore recursively copies the snapshot directory for sessionID into
// targetDir. Returns false if no local snapshot exists; when a cloud
// mirror is configured, it is consulted as a fallback before giving up.
func (s *Store) Restore(sessionID, targetDir string) bool {
	src := s.dir(sessionID)
	if !dirExists(src) {
		if s.mirror == nil || !s.mirrorDownload(sessionID) {
			return false
		}
	}
	if err := copyTree(src, targetDir); err != nil {
		s.logger.Warn("snapshot: restore copy failed", zap.Error(err))
		return false
	}
	return true
}

// Has reports whether a local snapshot exists for sessionID.
func (s *Store) Has(sessionID string) bool {
	return dirExists(s.dir(sessionID))
}

// Delete removes the local snapshot (and mirrored copy, if configured) for
// sessionID.
func (s *Store) Delete(sessionID string) bool {
	ok := true
	if err := os.RemoveAll(s.dir(sessionID)); err != nil {
		s.logger.Warn("snapshot: delete failed", zap.Error(err))
		ok = false
	}
	_ = os.Remove(s.metaPath(sessionID))
	if s.mirror != nil {
		if err := s.mirror.Delete(sessionID); err != nil {
			s.logger.Warn("snapshot: mirror delete failed", zap.Error(err))
		}
	}
	return ok
}

// ListDir lists a directory inside a persisted snapshot. path is relative
// to the snapshot root.
func (s *Store) ListDir(sessionID, path string) ([]apiv1.FileEntry, error) {
	dir := filepath.Join(s.dir(sessionID), path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list dir: %w", err)
	}
	out := make([]apiv1.FileEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, apiv1.FileEntry{Path: e.Name(), IsDir: e.IsDir(), Size: info.Size()})
	}
	return out, nil
}

// ReadFile reads a single file out of a persisted snapshot, capped at
// maxBytes. path is relative to the snapshot root.
func (s *Store) ReadFile(sessionID, path string, maxBytes int64) ([]byte, error) {
	full := filepath.Join(s.dir(sessionID), path)
	info, err := os.Stat(full)
	if err != nil {
		return nil, fmt.Errorf("snapshot: stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("snapshot: %q is a directory", path)
	}
	if info.Size() > maxBytes {
		return nil, fmt.Errorf("snapshot: %q exceeds %d byte cap", path, maxBytes)
	}
	return os.ReadFile(full)
}

func (s *Store) mirrorUpload(sessionID string) {
	tmp, err := os.CreateTemp("", "ash-snapshot-*.tar.gz")
	if err != nil {
		s.logger.Warn("snapshot: mirror tmp file failed", zap.Error(err))
		return
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := tarGzDir(s.dir(sessionID), tmpPath); err != nil {
		s.logger.Warn("snapshot: mirror tar failed", zap.Error(err))
		return
	}
	if err := s.mirror.Upload(sessionID, tmpPath); err != nil {
		s.logger.Warn("snapshot: mirror upload failed", zap.Error(err))
	}
}

func (s *Store) mirrorDownload(sessionID string) bool {
	tmp, err := os.CreateTemp("", "ash-snapshot-dl-*.tar.gz")
	if err != nil {
		return false
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	ok, err := s.mirror.Download(sessionID, tmpPath)
	if err != nil || !ok {
		return false
	}
	if err := untarGz(tmpPath, s.dir(sessionID)); err != nil {
		s.logger.Warn("snapshot: mirror untar failed", zap.Error(err))
		return false
	}
	return true
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func shouldExclude(name string, isDir bool) bool {
	if isDir {
		return excludedDirs[name]
	}
	for _, re := range excludedFilePatterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// CopyTree recursively copies src into dst, excluding the same
// regeneratable/ephemeral paths as Persist/Restore. Exported for the
// sandbox manager's agent-directory-to-workspace copy.
func CopyTree(src, dst string) error { return copyTree(src, dst) }

func copyTree(src, dst string) error {
	if !dirExists(src) {
		return fmt.Errorf("snapshot: source %q does not exist", src)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if shouldExclude(d.Name(), d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// trimSlash is used by the tar writer to normalize archive entry names.
func trimSlash(p string) string { return strings.TrimPrefix(p, "/") }
