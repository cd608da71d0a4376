// Package syncer drives sync runs: the orchestrator owns one repository's
// state machine for the duration of a run, the scheduler owns the worker pool
// and trigger surface.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ghingest/db"
	"ghingest/fetcher"
	"ghingest/github"
	"ghingest/logger"
	"ghingest/models"
)

// resumeJitterMax spreads rate-limit resumptions so a fleet of paused syncs
// doesn't thundering-herd the freshly reset quota.
const resumeJitterMax = 30 * time.Second

// Store is the persistence surface the orchestrator needs.
type Store interface {
	GetRepository(ctx context.Context, id int64) (*models.Repository, error)
	BeginSync(ctx context.Context, id int64, startedAt time.Time) error
	MarkComplete(ctx context.Context, id int64, completedAt time.Time) error
	MarkFailed(ctx context.Context, id int64, reason string) error
	MarkRateLimited(ctx context.Context, id int64, resetAt time.Time) error
	ResetToPending(ctx context.Context, id int64) error
	UpdateProgress(ctx context.Context, id int64, progress, total, completed int) error
	UpdateRateLimit(ctx context.Context, id int64, remaining int, resetAt time.Time) error
	ClearCheckpoints(ctx context.Context, repoID int64) error
	ListPullRefs(ctx context.Context, repoID int64, since time.Time) ([]models.PullRef, error)
	HasAny(ctx context.Context, repoID int64, kind models.EntityKind) (bool, error)
}

// CompletionHook is invoked after a successful sync with per-kind record
// counts. The engine does not wait for or depend on its result.
type CompletionHook func(repoID int64, counts map[models.EntityKind]int)

// Orchestrator runs one sync at a time per repository, sequencing entity
// fetchers and finalizing the repository's sync state.
type Orchestrator struct {
	store         Store
	fetchers      []fetcher.Fetcher
	pool          *github.Pool
	budget        time.Duration
	bootstrapDays int
	hook          CompletionHook
	resume        func(delay time.Duration, repoID int64, mode models.SyncMode)
	now           func() time.Time
	jitter        func() time.Duration
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithCompletionHook sets the downstream aggregation trigger.
func WithCompletionHook(hook CompletionHook) Option {
	return func(o *Orchestrator) { o.hook = hook }
}

// WithResume sets the callback used to schedule resumption after a
// rate-limit pause (typically Scheduler.EnqueueAfter).
func WithResume(resume func(delay time.Duration, repoID int64, mode models.SyncMode)) Option {
	return func(o *Orchestrator) { o.resume = resume }
}

// WithBudget caps a run's wall-clock time; on expiry the run fails with its
// checkpoint preserved so a retry resumes rather than restarts.
func WithBudget(budget time.Duration) Option {
	return func(o *Orchestrator) { o.budget = budget }
}

// WithBootstrapWindowDays sets how far back a first sync reaches (0 = full
// history).
func WithBootstrapWindowDays(days int) Option {
	return func(o *Orchestrator) { o.bootstrapDays = days }
}

// New creates an Orchestrator over the given store, fetchers and pool.
func New(store Store, fetchers []fetcher.Fetcher, pool *github.Pool, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:         store,
		fetchers:      fetchers,
		pool:          pool,
		budget:        30 * time.Minute,
		bootstrapDays: 30,
		now:           time.Now,
		jitter: func() time.Duration {
			return time.Duration(rand.Int63n(int64(resumeJitterMax)))
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes one sync for the repository. Duplicate triggers are rejected
// by the single-flight guard with db.ErrSyncInFlight.
func (o *Orchestrator) Run(ctx context.Context, repoID int64, mode models.SyncMode) error {
	runID := uuid.NewString()

	repo, err := o.store.GetRepository(ctx, repoID)
	if err != nil {
		return err
	}
	if !repo.Active {
		logger.Info("skipping sync for inactive repository",
			zap.Int64("repository_id", repoID), zap.String("run_id", runID))
		return nil
	}

	if err := o.store.BeginSync(ctx, repoID, o.now()); err != nil {
		if errors.Is(err, db.ErrSyncInFlight) {
			logger.Warn("duplicate sync trigger rejected",
				zap.Int64("repository_id", repoID), zap.String("run_id", runID))
		}
		return err
	}

	window := o.resolveWindow(repo, mode)
	logger.Info("sync started",
		zap.String("run_id", runID),
		zap.Int64("repository_id", repoID),
		zap.String("owner", repo.Owner),
		zap.String("name", repo.Name),
		zap.String("mode", string(window.Mode)),
		zap.Time("since", window.Since))

	runCtx, cancel := context.WithTimeout(ctx, o.budget)
	defer cancel()

	counts := make(map[models.EntityKind]int, len(o.fetchers))
	totalRecords := 0
	var pulls []models.PullRef

	for i, f := range o.fetchers {
		// Cooperative cancellation checkpoint: tracking disabled mid-run
		// means exit early without marking COMPLETE.
		cur, err := o.store.GetRepository(runCtx, repoID)
		if err != nil {
			return o.fail(repoID, runID, fmt.Sprintf("failed to reload repository: %v", err))
		}
		if !cur.Active {
			logger.Info("tracking disabled mid-sync, stopping",
				zap.String("run_id", runID), zap.Int64("repository_id", repoID))
			return o.finalize(func(fctx context.Context) error {
				return o.store.ResetToPending(fctx, repoID)
			})
		}

		scope := fetcher.Scope{Repo: repo, Window: window, Pulls: pulls}
		res, err := f.Sync(runCtx, scope)
		totalRecords += res.Count
		if err != nil {
			return o.handleFetchError(runCtx, repoID, runID, window.Mode, err)
		}

		if len(res.Errors) > 0 {
			logger.Warn("fetcher finished with partial errors",
				zap.String("run_id", runID),
				zap.String("kind", string(f.Kind())),
				zap.Int("skipped", res.Skipped),
				zap.Strings("errors", res.Errors))
		}
		if res.Count == 0 && len(res.Errors) == 0 {
			if has, checkErr := o.store.HasAny(runCtx, repoID, f.Kind()); checkErr == nil && has {
				logger.Warn("empty fetch for historically populated entity kind, possible permission loss",
					zap.String("run_id", runID),
					zap.Int64("repository_id", repoID),
					zap.String("kind", string(f.Kind())))
			}
		}

		// Progress counts entity kinds: completed advances per finished
		// fetcher against the fixed total for the run.
		counts[f.Kind()] = res.Count
		progress := (i + 1) * 100 / len(o.fetchers)
		if err := o.store.UpdateProgress(runCtx, repoID, progress, len(o.fetchers), i+1); err != nil {
			logger.Error("failed to update progress", zap.String("run_id", runID), zap.Error(err))
		}
		o.mirrorQuota(runCtx, repoID)

		// Child fetchers need the parent pull set; in incremental mode this
		// is exactly the cascade: only pulls updated inside the window.
		if f.Kind() == models.KindPullRequests {
			pulls, err = o.store.ListPullRefs(runCtx, repoID, window.Since)
			if err != nil {
				return o.fail(repoID, runID, fmt.Sprintf("failed to list pull refs: %v", err))
			}
		}
	}

	if err := o.finalize(func(fctx context.Context) error {
		if err := o.store.MarkComplete(fctx, repoID, o.now()); err != nil {
			return err
		}
		return o.store.ClearCheckpoints(fctx, repoID)
	}); err != nil {
		return err
	}

	logger.Info("sync complete",
		zap.String("run_id", runID),
		zap.Int64("repository_id", repoID),
		zap.Int("records", totalRecords))

	if o.hook != nil {
		go o.hook(repoID, counts)
	}
	return nil
}

// resolveWindow picks the sync mode and window for this run.
func (o *Orchestrator) resolveWindow(repo *models.Repository, mode models.SyncMode) models.Window {
	bootstrap := repo.LastSyncedAt == nil
	switch mode {
	case models.ModeBootstrap:
		bootstrap = true
	case models.ModeIncremental:
		bootstrap = repo.LastSyncedAt == nil // can't go incremental without a baseline
	}
	if bootstrap {
		return models.BootstrapWindow(o.now(), o.bootstrapDays)
	}
	return models.IncrementalWindow(*repo.LastSyncedAt)
}

// handleFetchError maps a fetcher error onto the state machine.
func (o *Orchestrator) handleFetchError(ctx context.Context, repoID int64, runID string, mode models.SyncMode, err error) error {
	var rateLimited *github.RateLimitedError
	var exhausted *github.QuotaExhaustedError

	resetAt := time.Time{}
	switch {
	case errors.As(err, &rateLimited):
		resetAt = rateLimited.ResetAt
	case errors.As(err, &exhausted):
		resetAt = exhausted.ResetAt
	}
	if !resetAt.IsZero() {
		// Not a failure: pause with checkpoint preserved and schedule the
		// resumption past the quota reset.
		delay := time.Until(resetAt) + o.jitter()
		if delay < 0 {
			delay = o.jitter()
		}
		logger.Info("sync rate limited, scheduling resume",
			zap.String("run_id", runID),
			zap.Int64("repository_id", repoID),
			zap.Time("reset_at", resetAt),
			zap.Duration("delay", delay))
		finErr := o.finalize(func(fctx context.Context) error {
			o.mirrorQuota(fctx, repoID)
			return o.store.MarkRateLimited(fctx, repoID, resetAt)
		})
		if finErr != nil {
			return finErr
		}
		if o.resume != nil {
			o.resume(delay, repoID, mode)
		}
		return nil
	}

	reason := err.Error()
	switch {
	case errors.Is(err, github.ErrUnauthorized):
		reason = fmt.Sprintf("credential unauthorized or access revoked: %v", err)
	case errors.Is(err, github.ErrNotFound):
		reason = fmt.Sprintf("repository no longer accessible: %v", err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		reason = "sync exceeded wall-clock budget"
	}
	if failErr := o.fail(repoID, runID, reason); failErr != nil {
		return failErr
	}
	return err
}

// fail transitions the repository to FAILED with a human-readable reason.
func (o *Orchestrator) fail(repoID int64, runID, reason string) error {
	logger.Error("sync failed",
		zap.String("run_id", runID),
		zap.Int64("repository_id", repoID),
		zap.String("reason", reason))
	return o.finalize(func(fctx context.Context) error {
		return o.store.MarkFailed(fctx, repoID, reason)
	})
}

// mirrorQuota copies the pool's latest snapshot onto the repository row.
func (o *Orchestrator) mirrorQuota(ctx context.Context, repoID int64) {
	remaining, resetAt := o.pool.Snapshot()
	if err := o.store.UpdateRateLimit(ctx, repoID, remaining, resetAt); err != nil {
		logger.Error("failed to mirror rate limit snapshot",
			zap.Int64("repository_id", repoID), zap.Error(err))
	}
}

// finalize runs a state-machine write on a fresh context, so a run whose
// context already expired can still record its terminal state.
func (o *Orchestrator) finalize(fn func(ctx context.Context) error) error {
	fctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return fn(fctx)
}
