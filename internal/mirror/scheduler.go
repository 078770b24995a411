package mirror

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cheggaaa/pb/v3"
	"golang.org/x/sync/errgroup"

	"github.com/BadgerOps/offline-sync/internal/repomd"
)

// SyncStats is the collected outcome of one scheduled run.  Failures are
// per-record and never abort the run; they are surfaced here and in logs.
type SyncStats struct {
	Downloaded int
	Skipped    int
	Failed     int
	Bytes      int64
}

func (s *SyncStats) add(o SyncStats) {
	s.Downloaded += o.Downloaded
	s.Skipped += o.Skipped
	s.Failed += o.Failed
	s.Bytes += o.Bytes
}

// Scheduler executes a Plan with a fixed number of workers.  Concurrency
// is across partitions: each partition is claimed by exactly one worker
// and its records are fetched sequentially, in index order.  Workers
// never write the same path because partitions are disjoint, so no
// file-level locking is needed.
type Scheduler struct {
	planner *Planner
	client  *HTTPClient
	storage *Storage
	repo    *RepoConfig
	status  *StatusTracker
	repoID  string
	workers int
	quiet   bool
	dryRun  bool
}

// NewScheduler constructs a scheduler over the given collaborators.
func NewScheduler(planner *Planner, client *HTTPClient, storage *Storage, repo *RepoConfig,
	status *StatusTracker, repoID string, workers int, quiet, dryRun bool) *Scheduler {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Scheduler{
		planner: planner,
		client:  client,
		storage: storage,
		repo:    repo,
		status:  status,
		repoID:  repoID,
		workers: workers,
		quiet:   quiet,
		dryRun:  dryRun,
	}
}

// Run processes every partition of the plan and returns the collected
// stats.  The only error it returns is context cancellation; per-record
// failures are logged, counted, and skipped (a partial mirror is
// preferable to an aborted one).
func (sc *Scheduler) Run(ctx context.Context, plan *Plan) (*SyncStats, error) {
	jobs := make(chan string)

	var bar *pb.ProgressBar
	if !sc.quiet && !sc.dryRun && plan.Total() > 0 {
		bar = pb.StartNew(plan.Total())
		defer bar.Finish()
	}

	var mu sync.Mutex
	total := &SyncStats{}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < sc.workers; i++ {
		worker := i
		g.Go(func() error {
			for key := range jobs {
				stats, err := sc.runPartition(ctx, worker, key, plan.Partition(key), bar)
				mu.Lock()
				total.add(stats)
				mu.Unlock()
				if err != nil {
					return err
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(jobs)
		for _, key := range plan.Keys() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case jobs <- key:
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return total, err
	}
	return total, nil
}

// runPartition fetches one partition's records sequentially.
func (sc *Scheduler) runPartition(ctx context.Context, worker int, key string,
	pkgs []repomd.Package, bar *pb.ProgressBar) (SyncStats, error) {
	var stats SyncStats

	slog.Debug("worker claimed partition", "repo", sc.repoID, "worker", worker, "partition", key, "records", len(pkgs))

	for _, pkg := range pkgs {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}

		loc := pkg.Location.Href
		sc.status.SetWorker(worker, "checking", loc)

		need, err := sc.planner.NeedsDownload(ctx, pkg)
		if err != nil {
			slog.Warn("staleness check failed, skipping record", "repo", sc.repoID, "path", loc, "error", err)
			stats.Failed++
			if bar != nil {
				bar.Increment()
			}
			continue
		}
		if !need {
			stats.Skipped++
			if bar != nil {
				bar.Increment()
			}
			continue
		}

		if sc.dryRun {
			slog.Info("would download", "repo", sc.repoID, "path", loc)
			stats.Downloaded++
			continue
		}

		sc.status.SetWorker(worker, "downloading", loc)
		n, err := sc.fetchOne(ctx, loc)
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			slog.Warn("download failed, skipping record", "repo", sc.repoID, "path", loc, "error", err)
			stats.Failed++
		} else {
			stats.Downloaded++
			stats.Bytes += n
		}
		if bar != nil {
			bar.Increment()
		}
	}

	sc.status.SetWorker(worker, "idle", "")
	return stats, nil
}

func (sc *Scheduler) fetchOne(ctx context.Context, loc string) (int64, error) {
	body, err := sc.client.Fetch(ctx, sc.repo.Resolve(loc))
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := body.Close(); err != nil {
			slog.Warn("failed to close response body", "repo", sc.repoID, "path", loc, "error", err)
		}
	}()

	return sc.storage.Store(loc, body)
}
