package mirror

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// mockRepo serves a minimal but complete RPM repository: a manifest, a
// gzip-compressed primary index, one auxiliary metadata file, and package
// payloads.
type mockRepo struct {
	mu       sync.Mutex
	revision string
	packages map[string]string // location -> content
	sums     map[string]string // location -> sha256 hex, "" for none
	gets     map[string]int
}

func newMockRepo(revision string) *mockRepo {
	return &mockRepo{
		revision: revision,
		packages: make(map[string]string),
		sums:     make(map[string]string),
		gets:     make(map[string]int),
	}
}

func (m *mockRepo) addPackage(location, content string, withChecksum bool) {
	m.packages[location] = content
	if withChecksum {
		m.sums[location] = sha256Hex(content)
	} else {
		m.sums[location] = ""
	}
}

func (m *mockRepo) manifest() string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<repomd xmlns="http://linux.duke.edu/metadata/repo">
  <revision>%s</revision>
  <data type="primary">
    <checksum type="sha256">unused</checksum>
    <location href="repodata/primary.xml.gz"/>
  </data>
  <data type="filelists">
    <location href="repodata/filelists.xml.gz"/>
  </data>
</repomd>`, m.revision)
}

func (m *mockRepo) primary() string {
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<metadata xmlns="http://linux.duke.edu/metadata/common" packages="` + fmt.Sprint(len(m.packages)) + `">`
	for location, content := range m.packages {
		doc += "\n  <package type=\"rpm\">\n"
		doc += fmt.Sprintf("    <location href=%q/>\n", location)
		if sum := m.sums[location]; sum != "" {
			doc += fmt.Sprintf("    <checksum type=\"sha256\" pkgid=\"YES\">%s</checksum>\n", sum)
		}
		doc += fmt.Sprintf("    <size package=\"%d\"/>\n", len(content))
		doc += "  </package>"
	}
	doc += "\n</metadata>\n"
	return doc
}

func (m *mockRepo) server(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		defer m.mu.Unlock()

		path := r.URL.Path
		if r.Method == http.MethodGet {
			m.gets[path]++
		}

		switch path {
		case "/repodata/repomd.xml":
			_, _ = w.Write([]byte(m.manifest()))
		case "/repodata/primary.xml.gz":
			_, _ = w.Write(gzipBytes(t, []byte(m.primary())))
		case "/repodata/filelists.xml.gz":
			_, _ = w.Write(gzipBytes(t, []byte("<filelists/>")))
		default:
			content, ok := m.packages[path[1:]]
			if !ok {
				http.NotFound(w, r)
				return
			}
			_, _ = w.Write([]byte(content))
		}
	}))
}

func (m *mockRepo) getCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets[path]
}

func (m *mockRepo) setRevision(rev string) {
	m.mu.Lock()
	m.revision = rev
	m.mu.Unlock()
}

func newTestMirror(t *testing.T, baseURL, dir string, force bool) *Mirror {
	t.Helper()

	config := NewConfig()
	config.Dir = dir
	config.Repos = map[string]*RepoConfig{
		"testrepo": {URL: mustParseURL(t, baseURL)},
	}

	m, err := NewMirror("testrepo", config, force, true, false)
	if err != nil {
		t.Fatal("NewMirror failed:", err)
	}
	return m
}

func TestMirrorEndToEnd(t *testing.T) {
	t.Parallel()

	repo := newMockRepo("R1")
	repo.addPackage("packages/a/foo-1.0-1.el9.x86_64.rpm", "foo content", true)
	repo.addPackage("packages/b/bar-2.0-1.el9.noarch.rpm", "bar content, no checksum", false)
	server := repo.server(t)
	defer server.Close()

	dir := t.TempDir()
	m := newTestMirror(t, server.URL+"/", dir, false)

	stats, err := m.update(context.Background())
	if err != nil {
		t.Fatal("update failed:", err)
	}
	if stats.Downloaded != 2 {
		t.Errorf("expected 2 downloads on the first run, got %d", stats.Downloaded)
	}

	for _, rel := range []string{
		"packages/a/foo-1.0-1.el9.x86_64.rpm",
		"packages/b/bar-2.0-1.el9.noarch.rpm",
		"repodata/repomd.xml",
		"repodata/primary.xml",
		"repodata/primary.xml.gz",
		"repodata/filelists.xml.gz",
	} {
		if !m.storage.Exists(rel) {
			t.Errorf("expected %s in the mirror", rel)
		}
	}

	// Idempotence: a second run against an unchanged remote downloads no
	// packages.
	m2 := newTestMirror(t, server.URL+"/", dir, false)
	stats, err = m2.update(context.Background())
	if err != nil {
		t.Fatal("second update failed:", err)
	}
	if stats.Downloaded != 0 {
		t.Errorf("expected 0 downloads on the second run, got %d", stats.Downloaded)
	}
	if stats.Skipped != 2 {
		t.Errorf("expected 2 skips on the second run, got %d", stats.Skipped)
	}

	if n := repo.getCount("/packages/a/foo-1.0-1.el9.x86_64.rpm"); n != 1 {
		t.Errorf("foo fetched %d times, expected once", n)
	}
	if n := repo.getCount("/packages/b/bar-2.0-1.el9.noarch.rpm"); n != 1 {
		t.Errorf("bar fetched %d times, expected once", n)
	}
}

func TestMirrorForceRedownloads(t *testing.T) {
	t.Parallel()

	repo := newMockRepo("R1")
	repo.addPackage("packages/a/foo-1.0-1.el9.x86_64.rpm", "foo content", true)
	server := repo.server(t)
	defer server.Close()

	dir := t.TempDir()

	m := newTestMirror(t, server.URL+"/", dir, false)
	if err := m.Update(context.Background()); err != nil {
		t.Fatal("Update failed:", err)
	}
	if m.status.State() != StateDone {
		t.Errorf("expected final state %q, got %q", StateDone, m.status.State())
	}

	forced := newTestMirror(t, server.URL+"/", dir, true)
	stats, err := forced.update(context.Background())
	if err != nil {
		t.Fatal("forced update failed:", err)
	}
	if stats.Downloaded != 1 {
		t.Errorf("force must re-download even matching content, got %d downloads", stats.Downloaded)
	}
}

func TestMirrorStaleLocalContent(t *testing.T) {
	t.Parallel()

	repo := newMockRepo("R1")
	repo.addPackage("packages/a/foo-1.0-1.el9.x86_64.rpm", "new upstream content", true)
	server := repo.server(t)
	defer server.Close()

	dir := t.TempDir()
	m := newTestMirror(t, server.URL+"/", dir, false)

	// simulate a crashed earlier run: same size, different content
	if _, err := m.storage.Store("packages/a/foo-1.0-1.el9.x86_64.rpm", strings.NewReader("old corrupted stuff!")); err != nil {
		t.Fatal("Store failed:", err)
	}

	stats, err := m.update(context.Background())
	if err != nil {
		t.Fatal("update failed:", err)
	}
	if stats.Downloaded != 1 {
		t.Errorf("stale local content must be re-downloaded, got %d downloads", stats.Downloaded)
	}

	got, err := m.storage.SHA256("packages/a/foo-1.0-1.el9.x86_64.rpm")
	if err != nil {
		t.Fatal("SHA256 failed:", err)
	}
	if got != sha256Hex("new upstream content") {
		t.Error("local file was not replaced with upstream content")
	}
}

func TestMirrorFatalWithoutPrimary(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repodata/repomd.xml" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`<repomd><revision>r</revision>
<data type="filelists"><location href="repodata/filelists.xml.gz"/></data></repomd>`))
	}))
	defer server.Close()

	m := newTestMirror(t, server.URL+"/", t.TempDir(), false)
	if err := m.Update(context.Background()); err == nil {
		t.Fatal("Update should fail when the manifest has no primary entry")
	}
	if m.status.State() != StateFailed {
		t.Errorf("expected state %q, got %q", StateFailed, m.status.State())
	}
}

func TestMirrorFatalOnManifestFetch(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	m := newTestMirror(t, server.URL+"/", t.TempDir(), false)
	if err := m.Update(context.Background()); err == nil {
		t.Fatal("Update should fail when the manifest cannot be fetched")
	}
	if m.status.State() != StateFailed {
		t.Errorf("expected state %q, got %q", StateFailed, m.status.State())
	}
}

func TestMirrorCheck(t *testing.T) {
	t.Parallel()

	repo := newMockRepo("R1")
	repo.addPackage("packages/a/foo-1.0-1.el9.x86_64.rpm", "foo content", true)
	server := repo.server(t)
	defer server.Close()

	dir := t.TempDir()

	// no local manifest yet: Check performs a full sync
	m := newTestMirror(t, server.URL+"/", dir, false)
	updates, err := m.Check(context.Background())
	if err != nil {
		t.Fatal("Check failed:", err)
	}
	if !updates {
		t.Error("first Check should report updates (fresh mirror)")
	}
	if !m.storage.Exists("packages/a/foo-1.0-1.el9.x86_64.rpm") {
		t.Error("first Check should have mirrored the repository")
	}

	// same revision: no updates
	m2 := newTestMirror(t, server.URL+"/", dir, false)
	updates, err = m2.Check(context.Background())
	if err != nil {
		t.Fatal("Check failed:", err)
	}
	if updates {
		t.Error("Check should report no updates for an unchanged revision")
	}

	// bumped revision: updates available, local state untouched
	repo.setRevision("R2")
	updates, err = m2.Check(context.Background())
	if err != nil {
		t.Fatal("Check failed:", err)
	}
	if !updates {
		t.Error("Check should report updates after a revision bump")
	}

	f, err := m2.storage.Open(ManifestPath)
	if err != nil {
		t.Fatal("Open failed:", err)
	}
	defer f.Close()
	local, err := io.ReadAll(f)
	if err != nil {
		t.Fatal("read failed:", err)
	}
	if !strings.Contains(string(local), "<revision>R1</revision>") {
		t.Error("Check must not mutate the local manifest")
	}
}
