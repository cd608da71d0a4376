package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ghingest/models"
)

const repoColumns = `id, tenant_id, external_id, owner, name, active,
	sync_status, sync_started_at, sync_progress, sync_error,
	entities_total, entities_completed, last_synced_at,
	rate_limit_remaining, rate_limit_reset_at, created_at, updated_at`

// EnableTracking registers a repository for syncing, or re-activates it if it
// was tracked before. History is never deleted on disable, so re-enabling
// picks up the previous sync state.
func (db *DB) EnableTracking(ctx context.Context, tenantID string, externalID int64, owner, name string) (*models.Repository, error) {
	if tenantID == "" || owner == "" || name == "" {
		return nil, fmt.Errorf("%w: tenant, owner and name are required", ErrInvalidInput)
	}

	query := `
		INSERT INTO repositories (tenant_id, external_id, owner, name, active, sync_status)
		VALUES ($1, $2, $3, $4, TRUE, 'PENDING')
		ON CONFLICT (tenant_id, external_id) DO UPDATE SET
			active = TRUE,
			owner = EXCLUDED.owner,
			name = EXCLUDED.name,
			updated_at = now()
		RETURNING ` + repoColumns

	var repo models.Repository
	if err := db.conn.GetContext(ctx, &repo, query, tenantID, externalID, owner, name); err != nil {
		return nil, fmt.Errorf("failed to enable tracking for %s/%s: %w", owner, name, err)
	}

	safeLogInfo("Tracking enabled",
		zap.String("owner", owner),
		zap.String("name", name),
		zap.Int64("repository_id", repo.ID))
	return &repo, nil
}

// DisableTracking marks a repository inactive. A running sync observes the
// flag at its next entity-kind boundary and exits early.
func (db *DB) DisableTracking(ctx context.Context, id int64) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE repositories SET active = FALSE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to disable tracking for repository %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: id %d", ErrRepositoryNotFound, id)
	}
	return nil
}

// GetRepository retrieves a tracked repository by id
func (db *DB) GetRepository(ctx context.Context, id int64) (*models.Repository, error) {
	var repo models.Repository
	query := `SELECT ` + repoColumns + ` FROM repositories WHERE id = $1`
	if err := db.conn.GetContext(ctx, &repo, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: id %d", ErrRepositoryNotFound, id)
		}
		return nil, fmt.Errorf("failed to get repository %d: %w", id, err)
	}
	return &repo, nil
}

// GetByFullName retrieves a tracked repository by owner and name
func (db *DB) GetByFullName(ctx context.Context, tenantID, owner, name string) (*models.Repository, error) {
	if owner == "" || name == "" {
		return nil, fmt.Errorf("%w: owner and name are required", ErrInvalidInput)
	}

	var repo models.Repository
	query := `SELECT ` + repoColumns + ` FROM repositories WHERE tenant_id = $1 AND owner = $2 AND name = $3`
	if err := db.conn.GetContext(ctx, &repo, query, tenantID, owner, name); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s/%s", ErrRepositoryNotFound, owner, name)
		}
		return nil, fmt.Errorf("failed to get repository %s/%s: %w", owner, name, err)
	}
	return &repo, nil
}

// ListActive returns all repositories with tracking enabled
func (db *DB) ListActive(ctx context.Context) ([]models.Repository, error) {
	var repos []models.Repository
	query := `SELECT ` + repoColumns + ` FROM repositories WHERE active = TRUE`
	if err := db.conn.SelectContext(ctx, &repos, query); err != nil {
		return nil, fmt.Errorf("failed to list active repositories: %w", err)
	}
	return repos, nil
}

// BeginSync is the single-flight guard: it transitions a repository to
// SYNCING only if no sync is currently in flight, as one atomic conditional
// update. A concurrent duplicate trigger gets ErrSyncInFlight and must be
// rejected, not queued.
func (db *DB) BeginSync(ctx context.Context, id int64, startedAt time.Time) error {
	query := `
		UPDATE repositories SET
			sync_status = 'SYNCING',
			sync_started_at = $2,
			sync_error = '',
			updated_at = now()
		WHERE id = $1 AND active = TRUE AND sync_status <> 'SYNCING'
	`
	res, err := db.conn.ExecContext(ctx, query, id, startedAt)
	if err != nil {
		return fmt.Errorf("failed to begin sync for repository %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to begin sync for repository %d: %w", id, err)
	}
	if n == 0 {
		// Either already SYNCING, inactive, or gone. Look once to tell apart.
		repo, getErr := db.GetRepository(ctx, id)
		if getErr != nil {
			return getErr
		}
		if !repo.SyncStatus.CanTransition(models.StatusSyncing) {
			return fmt.Errorf("%w: repository %d", ErrSyncInFlight, id)
		}
		return fmt.Errorf("%w: repository %d is not active", ErrInvalidInput, id)
	}
	return nil
}

// checkTransition rejects an illegal status move before the update is issued,
// naming both states in the error. The conditional UPDATE in each caller stays
// authoritative under concurrent writers.
func (db *DB) checkTransition(ctx context.Context, id int64, next models.SyncStatus) error {
	var cur models.SyncStatus
	if err := db.conn.GetContext(ctx, &cur,
		`SELECT sync_status FROM repositories WHERE id = $1`, id); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: id %d", ErrRepositoryNotFound, id)
		}
		return fmt.Errorf("failed to read sync status for repository %d: %w", id, err)
	}
	if !cur.Valid() || !cur.CanTransition(next) {
		return fmt.Errorf("%w: illegal sync transition %s -> %s for repository %d",
			ErrInvalidInput, cur, next, id)
	}
	return nil
}

// MarkComplete finalizes a successful sync: sets last_synced_at and clears
// the progress counters.
func (db *DB) MarkComplete(ctx context.Context, id int64, completedAt time.Time) error {
	if err := db.checkTransition(ctx, id, models.StatusComplete); err != nil {
		return err
	}
	query := `
		UPDATE repositories SET
			sync_status = 'COMPLETE',
			sync_progress = 0,
			entities_total = 0,
			entities_completed = 0,
			sync_started_at = NULL,
			last_synced_at = $2,
			updated_at = now()
		WHERE id = $1 AND sync_status = 'SYNCING'
	`
	res, err := db.conn.ExecContext(ctx, query, id, completedAt)
	if err != nil {
		return fmt.Errorf("failed to mark repository %d complete: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: repository %d is not SYNCING", ErrInvalidInput, id)
	}
	return nil
}

// MarkFailed records an unrecoverable failure with a human-readable reason.
func (db *DB) MarkFailed(ctx context.Context, id int64, reason string) error {
	if err := db.checkTransition(ctx, id, models.StatusFailed); err != nil {
		return err
	}
	query := `
		UPDATE repositories SET
			sync_status = 'FAILED',
			sync_error = $2,
			updated_at = now()
		WHERE id = $1 AND sync_status = 'SYNCING'
	`
	res, err := db.conn.ExecContext(ctx, query, id, reason)
	if err != nil {
		return fmt.Errorf("failed to mark repository %d failed: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: repository %d is not SYNCING", ErrInvalidInput, id)
	}
	return nil
}

// MarkRateLimited pauses a sync until quota resets. The checkpoint stays in
// place so resumption does not redo committed pages.
func (db *DB) MarkRateLimited(ctx context.Context, id int64, resetAt time.Time) error {
	if err := db.checkTransition(ctx, id, models.StatusRateLimited); err != nil {
		return err
	}
	query := `
		UPDATE repositories SET
			sync_status = 'RATE_LIMITED',
			rate_limit_reset_at = $2,
			updated_at = now()
		WHERE id = $1 AND sync_status = 'SYNCING'
	`
	res, err := db.conn.ExecContext(ctx, query, id, resetAt)
	if err != nil {
		return fmt.Errorf("failed to mark repository %d rate limited: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: repository %d is not SYNCING", ErrInvalidInput, id)
	}
	return nil
}

// ResetToPending returns a repository to PENDING, used when a run observes
// the tracking flag went inactive and exits without completing.
func (db *DB) ResetToPending(ctx context.Context, id int64) error {
	if err := db.checkTransition(ctx, id, models.StatusPending); err != nil {
		return err
	}
	query := `
		UPDATE repositories SET
			sync_status = 'PENDING',
			sync_started_at = NULL,
			updated_at = now()
		WHERE id = $1 AND sync_status = 'SYNCING'
	`
	if _, err := db.conn.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to reset repository %d to pending: %w", id, err)
	}
	return nil
}

// UpdateProgress advances the denormalized progress counters after an entity
// kind completes. total and completed count entity kinds for the current run,
// not individual records.
func (db *DB) UpdateProgress(ctx context.Context, id int64, progress, total, completed int) error {
	query := `
		UPDATE repositories SET
			sync_progress = $2,
			entities_total = $3,
			entities_completed = $4,
			updated_at = now()
		WHERE id = $1
	`
	if _, err := db.conn.ExecContext(ctx, query, id, progress, total, completed); err != nil {
		return fmt.Errorf("failed to update progress for repository %d: %w", id, err)
	}
	return nil
}

// UpdateRateLimit mirrors the pool's latest quota snapshot onto the
// repository row for observability.
func (db *DB) UpdateRateLimit(ctx context.Context, id int64, remaining int, resetAt time.Time) error {
	query := `
		UPDATE repositories SET
			rate_limit_remaining = $2,
			rate_limit_reset_at = $3,
			updated_at = now()
		WHERE id = $1
	`
	var reset any
	if !resetAt.IsZero() {
		reset = resetAt
	}
	if _, err := db.conn.ExecContext(ctx, query, id, remaining, reset); err != nil {
		return fmt.Errorf("failed to update rate limit for repository %d: %w", id, err)
	}
	return nil
}

// entityTables maps entity kinds to their table names.
var entityTables = map[models.EntityKind]string{
	models.KindPullRequests: "pull_requests",
	models.KindCommits:      "commits",
	models.KindReviews:      "reviews",
	models.KindCheckRuns:    "check_runs",
	models.KindFiles:        "changed_files",
	models.KindComments:     "comments",
	models.KindDeployments:  "deployments",
}

// HasAny reports whether any rows of the given kind exist for a repository.
// Used to flag suspicious empty fetch results on historically populated
// repositories.
func (db *DB) HasAny(ctx context.Context, repoID int64, kind models.EntityKind) (bool, error) {
	table, ok := entityTables[kind]
	if !ok {
		return false, fmt.Errorf("%w: unknown entity kind %q", ErrInvalidInput, kind)
	}
	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE repository_id = $1)`, table)
	if err := db.conn.GetContext(ctx, &exists, query, repoID); err != nil {
		return false, fmt.Errorf("failed to check %s for repository %d: %w", kind, repoID, err)
	}
	return exists, nil
}

// ListPullRefs returns parent references for child-entity fetchers: all pull
// requests of the repository updated at or after since (zero since means all).
// Ordered by number so resume cursors into the list stay stable.
func (db *DB) ListPullRefs(ctx context.Context, repoID int64, since time.Time) ([]models.PullRef, error) {
	var refs []models.PullRef
	query := `
		SELECT number, head_sha, updated_at
		FROM pull_requests
		WHERE repository_id = $1 AND ($2::timestamptz IS NULL OR updated_at >= $2)
		ORDER BY number
	`
	var cutoff any
	if !since.IsZero() {
		cutoff = since
	}
	if err := db.conn.SelectContext(ctx, &refs, query, repoID, cutoff); err != nil {
		return nil, fmt.Errorf("failed to list pull refs for repository %d: %w", repoID, err)
	}
	return refs, nil
}

// GetPullByNumber returns a stored pull request for one repository, used by
// the webhook ingester to resolve parent references.
func (db *DB) GetPullByNumber(ctx context.Context, repoID int64, number int) (*models.PullRequest, error) {
	var pull models.PullRequest
	query := `
		SELECT id, tenant_id, repository_id, external_id, number, title, state,
			author_login, head_sha, base_ref, additions, deletions, merged,
			merged_at, created_at, updated_at
		FROM pull_requests
		WHERE repository_id = $1 AND number = $2
	`
	if err := db.conn.GetContext(ctx, &pull, query, repoID, number); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: pull request %d", ErrRepositoryNotFound, number)
		}
		return nil, fmt.Errorf("failed to get pull request %d: %w", number, err)
	}
	return &pull, nil
}
