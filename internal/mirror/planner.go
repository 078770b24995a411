package mirror

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/BadgerOps/offline-sync/internal/repomd"
)

// Plan partitions the package list for the download workers.  It is built
// once per run and read-only afterwards, so workers share it without
// synchronization.  Partitions are disjoint by construction: a record
// belongs to exactly one partition, keyed by its location.
type Plan struct {
	partitions map[string][]repomd.Package
	keys       []string
	total      int
}

// PartitionKey derives the partition for a package location.
//
// Repositories following the Packages/<bucket>/<rpm> layout partition on
// the bucket directory; locations with fewer segments fall back to the
// first segment.  This is a load-balancing heuristic only, not a semantic
// grouping: any deterministic mapping (hash-based included) would be
// equally correct.
func PartitionKey(location string) string {
	parts := strings.Split(strings.TrimPrefix(location, "/"), "/")
	if len(parts) > 1 {
		return parts[1]
	}
	return parts[0]
}

// NewPlan groups packages into partitions, preserving index order within
// each partition.
func NewPlan(pkgs []repomd.Package) *Plan {
	partitions := make(map[string][]repomd.Package)
	for _, pkg := range pkgs {
		key := PartitionKey(pkg.Location.Href)
		partitions[key] = append(partitions[key], pkg)
	}

	keys := make([]string, 0, len(partitions))
	for key := range partitions {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	return &Plan{
		partitions: partitions,
		keys:       keys,
		total:      len(pkgs),
	}
}

// Keys returns the partition keys in deterministic order.
func (p *Plan) Keys() []string {
	return p.keys
}

// Partition returns the ordered records of one partition.
func (p *Plan) Partition(key string) []repomd.Package {
	return p.partitions[key]
}

// Total returns the number of planned records across all partitions.
func (p *Plan) Total() int {
	return p.total
}

// Planner decides, per package record, whether a download is required.
// The checksum lookup is built once before scheduling and read-only
// during execution.
type Planner struct {
	storage   *Storage
	client    *HTTPClient
	repo      *RepoConfig
	repoID    string
	checksums map[string]string
	force     bool
}

// NewPlanner builds a planner and its location-to-checksum lookup.
func NewPlanner(storage *Storage, client *HTTPClient, repo *RepoConfig, repoID string, pkgs []repomd.Package, force bool) *Planner {
	checksums := make(map[string]string, len(pkgs))
	for i := range pkgs {
		if sum := pkgs[i].SHA256(); sum != "" {
			checksums[pkgs[i].Location.Href] = sum
		}
	}

	return &Planner{
		storage:   storage,
		client:    client,
		repo:      repo,
		repoID:    repoID,
		checksums: checksums,
		force:     force,
	}
}

// NeedsDownload reports whether the record must be fetched.  Policy, in
// order: force mode always downloads; a missing local file always
// downloads; a known remote checksum is authoritative (a matching size
// never excuses a differing hash); otherwise a HEAD size comparison acts
// as the fallback for records without a checksum.
func (pl *Planner) NeedsDownload(ctx context.Context, pkg repomd.Package) (bool, error) {
	loc := pkg.Location.Href

	if pl.force {
		return true, nil
	}

	if !pl.storage.Exists(loc) {
		return true, nil
	}

	if want, ok := pl.checksums[loc]; ok {
		got, err := pl.storage.SHA256(loc)
		if err != nil {
			return false, err
		}
		if got != want {
			slog.Debug("local checksum differs, re-downloading", "repo", pl.repoID, "path", loc)
			return true, nil
		}
		slog.Debug("local checksum matches, skipping", "repo", pl.repoID, "path", loc)
		return false, nil
	}

	// No checksum in the index for this entry; compare sizes.
	remoteSize := pkg.Size.Package
	if remoteSize <= 0 {
		var err error
		remoteSize, err = pl.client.ContentLength(ctx, pl.repo.Resolve(loc))
		if err != nil {
			return false, err
		}
	}
	localSize, err := pl.storage.Size(loc)
	if err != nil {
		return false, err
	}
	if remoteSize >= 0 && localSize != remoteSize {
		slog.Debug("local size differs, re-downloading", "repo", pl.repoID, "path", loc,
			"local", localSize, "remote", remoteSize)
		return true, nil
	}
	return false, nil
}
