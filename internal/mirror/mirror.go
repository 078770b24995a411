package mirror

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/BadgerOps/offline-sync/internal/repomd"
)

const (
	// ManifestPath is the repository-relative location of the manifest.
	// The mirrored copy doubles as the last-synced marker.
	ManifestPath = "repodata/repomd.xml"

	// PrimaryLocalPath is where the decompressed primary index is kept
	// in the local mirror.
	PrimaryLocalPath = "repodata/primary.xml"
)

var validID = regexp.MustCompile(`^[a-z0-9_.-]+$`)

// IsValidID checks if the given ID is valid.
func IsValidID(id string) bool {
	return validID.MatchString(id)
}

// Mirror drives one repository sync run: fetch manifest, parse, mirror
// auxiliary metadata, fetch and parse the primary index, plan, schedule
// downloads, report a summary.  The pass is strictly linear; a fatal
// error (manifest or primary index unavailable or malformed) aborts it.
type Mirror struct {
	id      string
	rc      *RepoConfig
	storage *Storage
	client  *HTTPClient
	status  *StatusTracker
	workers int
	force   bool
	quiet   bool
	dryRun  bool
}

// NewMirror constructs a Mirror for the given repository id.
func NewMirror(repoID string, config *Config, force, quiet, dryRun bool) (*Mirror, error) {
	rc, ok := config.Repos[repoID]
	if !ok {
		return nil, errors.New("no such repo: " + repoID)
	}

	if !IsValidID(repoID) {
		return nil, errors.New("invalid id: " + repoID)
	}
	if err := rc.Check(); err != nil {
		return nil, errors.Wrap(err, repoID)
	}

	storage, err := NewStorage(filepath.Join(filepath.Clean(config.Dir), repoID))
	if err != nil {
		return nil, errors.Wrap(err, repoID)
	}

	return &Mirror{
		id:      repoID,
		rc:      rc,
		storage: storage,
		client:  NewHTTPClient(config.Workers, repoID),
		status:  NewStatusTracker(),
		workers: config.Workers,
		force:   force,
		quiet:   quiet,
		dryRun:  dryRun,
	}, nil
}

// Status returns the run's status tracker for polling by an observer.
func (m *Mirror) Status() *StatusTracker {
	return m.status
}

// Update performs one full sync run.
func (m *Mirror) Update(ctx context.Context) error {
	start := time.Now()
	m.status.SetState(StateInit)

	stats, err := m.update(ctx)
	if err != nil {
		m.status.SetState(StateFailed)
		return errors.Wrap(err, m.id)
	}
	m.status.SetState(StateDone)

	elapsed := time.Since(start)
	total, files, err := m.storage.TotalSize()
	if err != nil {
		return errors.Wrap(err, m.id)
	}

	slog.Info("sync complete", "repo", m.id,
		"elapsed", elapsed.Round(time.Millisecond).String(),
		"downloaded", stats.Downloaded, "skipped", stats.Skipped, "failed", stats.Failed,
		"fetched", formatBytes(uint64(stats.Bytes)),
		"mirror_size", formatBytes(total), "files", files)
	return nil
}

func (m *Mirror) update(ctx context.Context) (*SyncStats, error) {
	manifest, raw, err := m.fetchManifest(ctx)
	if err != nil {
		return nil, err
	}
	m.status.SetState(StateManifestFetched)

	primary, err := manifest.Primary()
	if err != nil {
		return nil, err
	}

	pkgs, err := m.fetchPrimary(ctx, primary)
	if err != nil {
		return nil, err
	}
	m.status.SetState(StateIndexParsed)

	// Mirror every auxiliary metadata file the manifest references.
	// These carry no usable checksum mapping for skip logic and are
	// always re-downloaded; a failure on one of them is not fatal.
	m.mirrorMetadata(ctx, manifest)

	pkgs = ApplyFilters(pkgs, m.rc.Filters, m.id)

	plan := NewPlan(pkgs)
	planner := NewPlanner(m.storage, m.client, m.rc, m.id, pkgs, m.force)
	m.status.SetState(StatePlanned)

	slog.Info("starting downloads", "repo", m.id,
		"packages", plan.Total(), "partitions", len(plan.Keys()), "workers", m.workers)
	m.status.SetState(StateDownloading)

	scheduler := NewScheduler(planner, m.client, m.storage, m.rc, m.status, m.id, m.workers, m.quiet, m.dryRun)
	stats, err := scheduler.Run(ctx, plan)
	if err != nil {
		return nil, err
	}

	// Store the manifest last: it is the marker that this revision has
	// been mirrored, so it must not land before the files it describes.
	if !m.dryRun {
		if _, err := m.storage.Store(ManifestPath, bytes.NewReader(raw)); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

// fetchManifest fetches and parses the remote manifest.  Failure here is
// fatal: without a manifest no plan can be built.
func (m *Mirror) fetchManifest(ctx context.Context) (*repomd.Manifest, []byte, error) {
	u := m.rc.Resolve(ManifestPath)
	slog.Info("fetching manifest", "repo", m.id, "url", u.String())

	raw, err := m.client.FetchBytes(ctx, u)
	if err != nil {
		return nil, nil, err
	}
	manifest, err := repomd.ParseManifest(raw)
	if err != nil {
		return nil, nil, err
	}
	slog.Debug("manifest parsed", "repo", m.id, "revision", manifest.Revision, "entries", len(manifest.Data))
	return manifest, raw, nil
}

// fetchPrimary downloads the compressed primary index, stores a
// decompressed copy, and parses it into package records.  Failure here is
// fatal.
func (m *Mirror) fetchPrimary(ctx context.Context, primary *repomd.DataEntry) ([]repomd.Package, error) {
	u := m.rc.Resolve(primary.Location.Href)
	slog.Info("fetching primary index", "repo", m.id, "url", u.String())

	body, err := m.client.FetchDecompressed(ctx, u)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := body.Close(); err != nil {
			slog.Warn("failed to close response body", "repo", m.id, "error", err)
		}
	}()

	if !m.dryRun {
		if _, err := m.storage.Store(PrimaryLocalPath, body); err != nil {
			return nil, err
		}
		f, err := m.storage.Open(PrimaryLocalPath)
		if err != nil {
			return nil, err
		}
		defer closeFile(f)
		return m.parsePrimary(f)
	}

	return m.parsePrimary(body)
}

func (m *Mirror) parsePrimary(r io.Reader) ([]repomd.Package, error) {
	pkgs, skipped, err := repomd.ParsePrimary(r)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		slog.Warn("primary index entries without location skipped", "repo", m.id, "skipped", skipped)
	}
	slog.Debug("primary index parsed", "repo", m.id, "packages", len(pkgs))
	return pkgs, nil
}

// mirrorMetadata downloads every metadata file the manifest references,
// compressed form included, so the local repodata directory is usable by
// yum/dnf clients.  Per-file failures are logged and skipped.
func (m *Mirror) mirrorMetadata(ctx context.Context, manifest *repomd.Manifest) {
	if m.dryRun {
		return
	}

	for _, entry := range manifest.Data {
		if entry.Location.Href == "" {
			slog.Warn("manifest entry without location, skipping", "repo", m.id, "type", entry.Type)
			continue
		}

		body, err := m.client.Fetch(ctx, m.rc.Resolve(entry.Location.Href))
		if err != nil {
			slog.Warn("failed to fetch metadata file", "repo", m.id, "type", entry.Type,
				"path", entry.Location.Href, "error", err)
			continue
		}
		_, err = m.storage.Store(entry.Location.Href, body)
		if closeErr := body.Close(); closeErr != nil {
			slog.Warn("failed to close response body", "repo", m.id, "error", closeErr)
		}
		if err != nil {
			slog.Warn("failed to store metadata file", "repo", m.id, "type", entry.Type,
				"path", entry.Location.Href, "error", err)
			continue
		}
		slog.Debug("mirrored metadata file", "repo", m.id, "type", entry.Type, "path", entry.Location.Href)
	}
}

// Check compares the local manifest revision against the remote one and
// reports whether updates are available, without mutating local state.
// When no local manifest exists yet, it performs a full Update instead.
func (m *Mirror) Check(ctx context.Context) (bool, error) {
	localPath, err := m.storage.FilePath(ManifestPath)
	if err != nil {
		return false, errors.Wrap(err, m.id)
	}

	localRaw, err := os.ReadFile(localPath) // #nosec G304 - path validated by FilePath
	if os.IsNotExist(err) {
		slog.Info("no local manifest, running a full sync", "repo", m.id)
		return true, m.Update(ctx)
	}
	if err != nil {
		return false, errors.Wrap(errors.Mark(err, ErrLocalIO), m.id)
	}

	local, err := repomd.ParseManifest(localRaw)
	if err != nil {
		return false, errors.Wrap(err, m.id)
	}

	remote, _, err := m.fetchManifest(ctx)
	if err != nil {
		return false, errors.Wrap(err, m.id)
	}

	if local.Revision != remote.Revision {
		slog.Info("updates available", "repo", m.id,
			"local_revision", local.Revision, "remote_revision", remote.Revision)
		return true, nil
	}
	slog.Info("mirror is up to date", "repo", m.id, "revision", local.Revision)
	return false, nil
}

// formatBytes formats a byte count as a human-readable string
func formatBytes(bytes uint64) string {
	if bytes == 0 {
		return "0 B"
	}

	units := []string{"B", "KiB", "MiB", "GiB", "TiB"}
	size := float64(bytes)
	unitIndex := 0

	for size >= 1024 && unitIndex < len(units)-1 {
		size /= 1024
		unitIndex++
	}

	if unitIndex == 0 {
		return fmt.Sprintf("%.0f %s", size, units[unitIndex])
	}
	return fmt.Sprintf("%.2f %s", size, units[unitIndex])
}
