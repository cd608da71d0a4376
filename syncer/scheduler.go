package syncer

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ghingest/db"
	"ghingest/logger"
	"ghingest/models"
)

// Job is one sync trigger.
type Job struct {
	RepoID int64
	Mode   models.SyncMode
}

// Runner executes a sync run. Implemented by the Orchestrator.
type Runner interface {
	Run(ctx context.Context, repoID int64, mode models.SyncMode) error
}

// Lister enumerates tracked repositories for the periodic trigger.
type Lister interface {
	ListActive(ctx context.Context) ([]models.Repository, error)
}

// Scheduler feeds sync jobs to a bounded worker pool. Duplicate-run
// protection is the orchestrator's single-flight guard, not the queue: a
// duplicate job costs one rejected BeginSync and nothing more.
type Scheduler struct {
	jobs    chan Job
	runner  Runner
	workers int
}

// NewScheduler creates a scheduler with the given worker count and queue
// capacity.
func NewScheduler(runner Runner, workers, queueSize int) *Scheduler {
	return &Scheduler{
		jobs:    make(chan Job, queueSize),
		runner:  runner,
		workers: workers,
	}
}

// Start runs the worker pool until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case job := <-s.jobs:
					s.runJob(ctx, job)
				}
			}
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	err := s.runner.Run(ctx, job.RepoID, job.Mode)
	switch {
	case err == nil:
	case errors.Is(err, db.ErrSyncInFlight):
		// Expected under races between toggles, webhooks and the poller.
	default:
		logger.Error("sync run failed",
			zap.Int64("repository_id", job.RepoID),
			zap.String("mode", string(job.Mode)),
			zap.Error(err))
	}
}

// Enqueue schedules a sync. Non-blocking: returns false if the queue is
// full.
func (s *Scheduler) Enqueue(repoID int64, mode models.SyncMode) bool {
	select {
	case s.jobs <- Job{RepoID: repoID, Mode: mode}:
		return true
	default:
		logger.Warn("sync queue full, dropping trigger",
			zap.Int64("repository_id", repoID),
			zap.String("mode", string(mode)))
		return false
	}
}

// EnqueueAfter schedules a sync in the future, used for rate-limit
// resumption. The delay timer holds no worker.
func (s *Scheduler) EnqueueAfter(delay time.Duration, repoID int64, mode models.SyncMode) {
	time.AfterFunc(delay, func() {
		s.Enqueue(repoID, mode)
	})
}

// Poll periodically enqueues a sync for every active repository until the
// context is cancelled.
func (s *Scheduler) Poll(ctx context.Context, interval time.Duration, lister Lister) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				repos, err := lister.ListActive(ctx)
				if err != nil {
					logger.Error("failed to list repositories for polling", zap.Error(err))
					continue
				}
				for _, repo := range repos {
					s.Enqueue(repo.ID, models.ModeAuto)
				}
			}
		}
	}()
}
