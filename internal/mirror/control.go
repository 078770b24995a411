package mirror

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

const (
	lockFilename = ".lock"
)

// Run synchronizes the named repositories, or all configured ones when
// repos is empty.  Repositories are updated concurrently; within one
// repository the download concurrency is bounded by config.Workers.
//
// A flock on config.Dir/.lock prevents two processes from mirroring into
// the same tree at once.
func Run(ctx context.Context, config *Config, repos []string, force, quiet, dryRun bool) error {
	if err := os.MkdirAll(config.Dir, 0750); err != nil {
		return errors.Mark(err, ErrLocalIO)
	}

	lockFile := filepath.Join(config.Dir, lockFilename)
	file, err := os.OpenFile(lockFile, os.O_WRONLY|os.O_CREATE, 0644) // #nosec G304,G302 - path is rooted at validated config.Dir
	if err != nil {
		return err
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close lock file", "error", err)
		}
		if err := os.Remove(lockFile); err != nil {
			slog.Warn("failed to remove lock file", "error", err, "path", lockFile)
		}
	}()

	fileLock := Flock{file}
	if err := fileLock.Lock(); err != nil {
		return err
	}
	defer func() {
		if err := fileLock.Unlock(); err != nil {
			slog.Warn("failed to unlock file", "error", err)
		}
	}()

	if len(repos) == 0 {
		for repoID := range config.Repos {
			repos = append(repos, repoID)
		}
		sort.Strings(repos)
	}

	mirrors := make([]*Mirror, 0, len(repos))
	for _, repoID := range repos {
		m, err := NewMirror(repoID, config, force, quiet, dryRun)
		if err != nil {
			return err
		}
		mirrors = append(mirrors, m)
	}

	if dryRun {
		slog.Info("dry-run mode: reporting stale files without downloading")
	} else {
		slog.Info("sync starts", "repos", len(mirrors))
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, m := range mirrors {
		m := m
		g.Go(func() error {
			return m.Update(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("sync ends")
	return nil
}

// CheckAll runs the revision comparison for the named repositories (all
// when repos is empty) and returns the IDs with updates available.
func CheckAll(ctx context.Context, config *Config, repos []string) ([]string, error) {
	if len(repos) == 0 {
		for repoID := range config.Repos {
			repos = append(repos, repoID)
		}
		sort.Strings(repos)
	}

	var stale []string
	for _, repoID := range repos {
		m, err := NewMirror(repoID, config, false, true, false)
		if err != nil {
			return nil, err
		}
		updates, err := m.Check(ctx)
		if err != nil {
			return nil, err
		}
		if updates {
			stale = append(stale, repoID)
		}
	}
	return stale, nil
}
