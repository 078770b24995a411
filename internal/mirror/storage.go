package mirror

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

// validatePath validates that a path is safe for use within the storage
// directory.  It rejects parent directory references and absolute paths.
func validatePath(path string) error {
	cleanPath := filepath.Clean(path)

	if strings.Contains(cleanPath, "..") {
		return errors.New("unsafe path (contains directory traversal): " + path)
	}
	if filepath.IsAbs(cleanPath) {
		return errors.New("unsafe path (absolute path not allowed): " + path)
	}

	return nil
}

// Storage manages the local directory tree that mirrors one remote
// repository.  Remote files are addressed by their path relative to the
// repository base URL; the same relative path is used under dir.
//
// There is no separate persisted index: the tree itself is the sync
// state, and the mirrored repodata/repomd.xml is the last-synced marker.
type Storage struct {
	dir string
}

// NewStorage constructs Storage rooted at dir, creating it if needed.
// dir must be an absolute path.
func NewStorage(dir string) (*Storage, error) {
	if !filepath.IsAbs(dir) {
		return nil, errors.New("not absolute: " + dir)
	}

	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, errors.Mark(err, ErrLocalIO)
	}
	return &Storage{dir: dir}, nil
}

// Dir returns the directory of the Storage.
func (s *Storage) Dir() string {
	return s.dir
}

// FilePath maps a repository-relative path to its location under dir.
func (s *Storage) FilePath(rel string) (string, error) {
	if err := validatePath(rel); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, filepath.Clean(rel)), nil
}

// Exists reports whether the mirrored file is present.
func (s *Storage) Exists(rel string) bool {
	fp, err := s.FilePath(rel)
	if err != nil {
		return false
	}
	st, err := os.Stat(fp)
	return err == nil && st.Mode().IsRegular()
}

// Size returns the byte size of a mirrored file.
func (s *Storage) Size(rel string) (int64, error) {
	fp, err := s.FilePath(rel)
	if err != nil {
		return 0, err
	}
	st, err := os.Stat(fp)
	if err != nil {
		return 0, errors.Mark(err, ErrLocalIO)
	}
	return st.Size(), nil
}

// SHA256 computes the hex SHA-256 of a mirrored file.
func (s *Storage) SHA256(rel string) (string, error) {
	fp, err := s.FilePath(rel)
	if err != nil {
		return "", err
	}

	f, err := os.Open(fp) // #nosec G304 - fp is validated by FilePath
	if err != nil {
		return "", errors.Mark(err, ErrLocalIO)
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Warn("failed to close file", "path", fp, "error", err)
		}
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Mark(errors.Wrap(err, "hash "+rel), ErrLocalIO)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Store writes r to the mirrored path as a whole-file replacement.  The
// content lands in a temporary file first and is renamed into place, so a
// crashed run never leaves a half-written file at the final path.
// Intermediate directories are created on demand.
func (s *Storage) Store(rel string, r io.Reader) (int64, error) {
	fp, err := s.FilePath(rel)
	if err != nil {
		return 0, err
	}

	d := filepath.Dir(fp)
	if err := os.MkdirAll(d, 0750); err != nil {
		return 0, errors.Mark(errors.Wrap(err, "Store: "+rel), ErrLocalIO)
	}

	tmp, err := os.CreateTemp(d, "_tmp")
	if err != nil {
		return 0, errors.Mark(errors.Wrap(err, "Store: "+rel), ErrLocalIO)
	}
	tmpName := tmp.Name()
	defer func() {
		// no-op when the rename below succeeded
		if err := os.Remove(tmpName); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove temp file", "file", tmpName, "error", err)
		}
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		closeFile(tmp)
		return 0, errors.Mark(errors.Wrap(err, "Store: "+rel), ErrNetwork)
	}
	if err := tmp.Sync(); err != nil {
		closeFile(tmp)
		return 0, errors.Mark(errors.Wrap(err, "Store: "+rel), ErrLocalIO)
	}
	if err := tmp.Close(); err != nil {
		return 0, errors.Mark(errors.Wrap(err, "Store: "+rel), ErrLocalIO)
	}
	if err := os.Chmod(tmpName, 0644); err != nil { // #nosec G302 - mirrored files are world-readable
		return 0, errors.Mark(errors.Wrap(err, "Store: "+rel), ErrLocalIO)
	}

	if err := os.Rename(tmpName, fp); err != nil {
		return 0, errors.Mark(errors.Wrap(err, "Store: "+rel), ErrLocalIO)
	}
	if err := DirSync(d); err != nil {
		return 0, errors.Mark(errors.Wrap(err, "Store: "+rel), ErrLocalIO)
	}
	return n, nil
}

// Open opens a mirrored file for reading.
func (s *Storage) Open(rel string) (*os.File, error) {
	fp, err := s.FilePath(rel)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(fp) // #nosec G304 - fp is validated by FilePath
	if err != nil {
		return nil, errors.Mark(err, ErrLocalIO)
	}
	return f, nil
}

// TotalSize walks the mirror tree and returns its total byte size and
// file count, used for the end-of-run summary.
func (s *Storage) TotalSize() (uint64, int, error) {
	var total uint64
	var count int

	err := filepath.WalkDir(s.dir, func(_ string, d fs.DirEntry, err error) error {
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
		total += uint64(info.Size())
		count++
		return nil
	})
	if err != nil {
		return 0, 0, errors.Mark(err, ErrLocalIO)
	}
	return total, count, nil
}

func closeFile(f *os.File) {
	if err := f.Close(); err != nil {
		slog.Warn("failed to close file", "file", f.Name(), "error", err)
	}
}
