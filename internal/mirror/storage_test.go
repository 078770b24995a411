package mirror

import (
	"crypto/sha256"
	"encoding/hex"
	"github.com/cockroachdb/errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStoragePathMapping(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := NewStorage(dir)
	if err != nil {
		t.Fatal("NewStorage failed:", err)
	}

	fp, err := s.FilePath("packages/a/foo-1.0-1.el9.x86_64.rpm")
	if err != nil {
		t.Fatal("FilePath failed:", err)
	}
	want := filepath.Join(dir, "packages", "a", "foo-1.0-1.el9.x86_64.rpm")
	if fp != want {
		t.Errorf("expected %s, got %s", want, fp)
	}

	// traversal and absolute paths are rejected
	if _, err := s.FilePath("../escape"); err == nil {
		t.Error("FilePath should reject directory traversal")
	}
	if _, err := s.FilePath("/etc/passwd"); err == nil {
		t.Error("FilePath should reject absolute paths")
	}
}

func TestStorageRequiresAbsoluteDir(t *testing.T) {
	t.Parallel()

	if _, err := NewStorage("relative/dir"); err == nil {
		t.Error("NewStorage should reject relative directories")
	}
}

func TestStorageStoreAndHash(t *testing.T) {
	t.Parallel()

	s, err := NewStorage(t.TempDir())
	if err != nil {
		t.Fatal("NewStorage failed:", err)
	}

	content := "hello repository"
	rel := "packages/h/hello-1.0-1.el9.noarch.rpm"

	if s.Exists(rel) {
		t.Error("file should not exist before Store")
	}

	n, err := s.Store(rel, strings.NewReader(content))
	if err != nil {
		t.Fatal("Store failed:", err)
	}
	if n != int64(len(content)) {
		t.Errorf("expected %d bytes written, got %d", len(content), n)
	}

	if !s.Exists(rel) {
		t.Error("file should exist after Store")
	}

	size, err := s.Size(rel)
	if err != nil {
		t.Fatal("Size failed:", err)
	}
	if size != int64(len(content)) {
		t.Errorf("expected size %d, got %d", len(content), size)
	}

	sum := sha256.Sum256([]byte(content))
	got, err := s.SHA256(rel)
	if err != nil {
		t.Fatal("SHA256 failed:", err)
	}
	if got != hex.EncodeToString(sum[:]) {
		t.Errorf("checksum mismatch: got %s", got)
	}

	// whole-file overwrite replaces the previous content
	if _, err := s.Store(rel, strings.NewReader("v2")); err != nil {
		t.Fatal("Store overwrite failed:", err)
	}
	size, err = s.Size(rel)
	if err != nil {
		t.Fatal("Size failed:", err)
	}
	if size != 2 {
		t.Errorf("expected overwritten size 2, got %d", size)
	}
}

func TestStorageStoreLeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := NewStorage(dir)
	if err != nil {
		t.Fatal("NewStorage failed:", err)
	}

	if _, err := s.Store("repodata/repomd.xml", strings.NewReader("<repomd/>")); err != nil {
		t.Fatal("Store failed:", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "repodata"))
	if err != nil {
		t.Fatal("ReadDir failed:", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "_tmp") {
			t.Errorf("temporary file left behind: %s", e.Name())
		}
	}
}

func TestStorageSHA256Missing(t *testing.T) {
	t.Parallel()

	s, err := NewStorage(t.TempDir())
	if err != nil {
		t.Fatal("NewStorage failed:", err)
	}

	_, err = s.SHA256("no/such/file.rpm")
	if err == nil {
		t.Fatal("SHA256 should fail for a missing file")
	}
	if !errors.Is(err, ErrLocalIO) {
		t.Errorf("expected ErrLocalIO, got %v", err)
	}
}

func TestStorageTotalSize(t *testing.T) {
	t.Parallel()

	s, err := NewStorage(t.TempDir())
	if err != nil {
		t.Fatal("NewStorage failed:", err)
	}

	if _, err := s.Store("a/one", strings.NewReader("12345")); err != nil {
		t.Fatal("Store failed:", err)
	}
	if _, err := s.Store("b/two", strings.NewReader("123")); err != nil {
		t.Fatal("Store failed:", err)
	}

	total, files, err := s.TotalSize()
	if err != nil {
		t.Fatal("TotalSize failed:", err)
	}
	if total != 8 {
		t.Errorf("expected total 8 bytes, got %d", total)
	}
	if files != 2 {
		t.Errorf("expected 2 files, got %d", files)
	}
}
