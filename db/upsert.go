package db

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"ghingest/models"
)

// Outcome reports what an upsert did to the stored row.
type Outcome int

const (
	Unchanged Outcome = iota
	Inserted
	Updated
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	default:
		return "unchanged"
	}
}

// UpsertCounts aggregates outcomes over a batch.
type UpsertCounts struct {
	Inserted  int
	Updated   int
	Unchanged int
}

func (c *UpsertCounts) add(o Outcome) {
	switch o {
	case Inserted:
		c.Inserted++
	case Updated:
		c.Updated++
	default:
		c.Unchanged++
	}
}

// Total returns the number of rows the batch touched, changed or not.
func (c UpsertCounts) Total() int {
	return c.Inserted + c.Updated + c.Unchanged
}

// maxBatch bounds rows per transaction to keep transaction size and failure
// blast radius small.
const maxBatch = 500

// Every upsert matches on (tenant_id, external_id) and only overwrites when
// the incoming source-reported timestamp is strictly newer, so re-syncs
// converge and a stale bulk write can never regress a fresher webhook write.
// RETURNING (xmax = 0) distinguishes insert from update; no row back at all
// means the guard rejected the write as not-newer.

const upsertPullQuery = `
	INSERT INTO pull_requests (tenant_id, repository_id, external_id, number,
		title, state, author_login, head_sha, base_ref, additions, deletions,
		merged, merged_at, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	ON CONFLICT (tenant_id, external_id) DO UPDATE SET
		number = EXCLUDED.number,
		title = EXCLUDED.title,
		state = EXCLUDED.state,
		author_login = EXCLUDED.author_login,
		head_sha = EXCLUDED.head_sha,
		base_ref = EXCLUDED.base_ref,
		additions = EXCLUDED.additions,
		deletions = EXCLUDED.deletions,
		merged = EXCLUDED.merged,
		merged_at = EXCLUDED.merged_at,
		updated_at = EXCLUDED.updated_at
	WHERE pull_requests.updated_at < EXCLUDED.updated_at
	RETURNING (xmax = 0)
`

func pullArgs(p models.PullRequest) []any {
	return []any{p.TenantID, p.RepositoryID, p.ExternalID, p.Number, p.Title,
		p.State, p.AuthorLogin, p.HeadSHA, p.BaseRef, p.Additions, p.Deletions,
		p.Merged, p.MergedAt, p.CreatedAt, p.UpdatedAt}
}

// Commits are immutable, so their author date doubles as updated_at and a
// re-fetch of the same commit carries an identical timestamp. The strict
// newest-wins guard would then reject a per-pull fetch trying to set the
// parent reference on a row first seen through the repository log
// (pull_number 0), so an equal-timestamp write is allowed for exactly that
// backfill. A repository-log write can never clear an existing reference.
const upsertCommitQuery = `
	INSERT INTO commits (tenant_id, repository_id, external_id, pull_number,
		message, author_name, author_email, committed_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (tenant_id, external_id) DO UPDATE SET
		pull_number = EXCLUDED.pull_number,
		message = EXCLUDED.message,
		author_name = EXCLUDED.author_name,
		author_email = EXCLUDED.author_email,
		committed_at = EXCLUDED.committed_at,
		updated_at = EXCLUDED.updated_at
	WHERE commits.updated_at < EXCLUDED.updated_at
		OR (commits.updated_at = EXCLUDED.updated_at
			AND commits.pull_number = 0 AND EXCLUDED.pull_number <> 0)
	RETURNING (xmax = 0)
`

func commitArgs(c models.Commit) []any {
	return []any{c.TenantID, c.RepositoryID, c.ExternalID, c.PullNumber,
		c.Message, c.AuthorName, c.AuthorEmail, c.CommittedAt, c.UpdatedAt}
}

const upsertReviewQuery = `
	INSERT INTO reviews (tenant_id, repository_id, external_id, pull_number,
		author_login, state, submitted_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (tenant_id, external_id) DO UPDATE SET
		pull_number = EXCLUDED.pull_number,
		author_login = EXCLUDED.author_login,
		state = EXCLUDED.state,
		submitted_at = EXCLUDED.submitted_at,
		updated_at = EXCLUDED.updated_at
	WHERE reviews.updated_at < EXCLUDED.updated_at
	RETURNING (xmax = 0)
`

func reviewArgs(r models.Review) []any {
	return []any{r.TenantID, r.RepositoryID, r.ExternalID, r.PullNumber,
		r.AuthorLogin, r.State, r.SubmittedAt, r.UpdatedAt}
}

const upsertCheckRunQuery = `
	INSERT INTO check_runs (tenant_id, repository_id, external_id, head_sha,
		name, status, conclusion, started_at, completed_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (tenant_id, external_id) DO UPDATE SET
		head_sha = EXCLUDED.head_sha,
		name = EXCLUDED.name,
		status = EXCLUDED.status,
		conclusion = EXCLUDED.conclusion,
		started_at = EXCLUDED.started_at,
		completed_at = EXCLUDED.completed_at,
		updated_at = EXCLUDED.updated_at
	WHERE check_runs.updated_at < EXCLUDED.updated_at
	RETURNING (xmax = 0)
`

func checkRunArgs(c models.CheckRun) []any {
	return []any{c.TenantID, c.RepositoryID, c.ExternalID, c.HeadSHA, c.Name,
		c.Status, c.Conclusion, c.StartedAt, c.CompletedAt, c.UpdatedAt}
}

const upsertFileQuery = `
	INSERT INTO changed_files (tenant_id, repository_id, external_id,
		pull_number, filename, status, additions, deletions, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (tenant_id, external_id) DO UPDATE SET
		pull_number = EXCLUDED.pull_number,
		filename = EXCLUDED.filename,
		status = EXCLUDED.status,
		additions = EXCLUDED.additions,
		deletions = EXCLUDED.deletions,
		updated_at = EXCLUDED.updated_at
	WHERE changed_files.updated_at < EXCLUDED.updated_at
	RETURNING (xmax = 0)
`

func fileArgs(f models.ChangedFile) []any {
	return []any{f.TenantID, f.RepositoryID, f.ExternalID, f.PullNumber,
		f.Filename, f.Status, f.Additions, f.Deletions, f.UpdatedAt}
}

const upsertCommentQuery = `
	INSERT INTO comments (tenant_id, repository_id, external_id, pull_number,
		author_login, body, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (tenant_id, external_id) DO UPDATE SET
		pull_number = EXCLUDED.pull_number,
		author_login = EXCLUDED.author_login,
		body = EXCLUDED.body,
		updated_at = EXCLUDED.updated_at
	WHERE comments.updated_at < EXCLUDED.updated_at
	RETURNING (xmax = 0)
`

func commentArgs(c models.Comment) []any {
	return []any{c.TenantID, c.RepositoryID, c.ExternalID, c.PullNumber,
		c.AuthorLogin, c.Body, c.CreatedAt, c.UpdatedAt}
}

const upsertDeploymentQuery = `
	INSERT INTO deployments (tenant_id, repository_id, external_id, sha, ref,
		environment, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (tenant_id, external_id) DO UPDATE SET
		sha = EXCLUDED.sha,
		ref = EXCLUDED.ref,
		environment = EXCLUDED.environment,
		updated_at = EXCLUDED.updated_at
	WHERE deployments.updated_at < EXCLUDED.updated_at
	RETURNING (xmax = 0)
`

func deploymentArgs(d models.Deployment) []any {
	return []any{d.TenantID, d.RepositoryID, d.ExternalID, d.SHA, d.Ref,
		d.Environment, d.CreatedAt, d.UpdatedAt}
}

// upsertRow executes one upsert through the prepared-statement cache and maps
// the result to an Outcome.
func (db *DB) upsertRow(ctx context.Context, query string, args []any) (Outcome, error) {
	stmt, err := db.getStmt(ctx, query)
	if err != nil {
		return Unchanged, err
	}
	var inserted bool
	if err := stmt.QueryRowContext(ctx, args...).Scan(&inserted); err != nil {
		if err == sql.ErrNoRows {
			// Not-newer guard rejected the write.
			return Unchanged, nil
		}
		return Unchanged, fmt.Errorf("upsert failed: %w", err)
	}
	if inserted {
		return Inserted, nil
	}
	return Updated, nil
}

// upsertBatch writes rows in bounded chunks, each chunk in its own
// transaction, and aggregates outcomes.
func upsertBatch(ctx context.Context, db *DB, query string, rows [][]any) (UpsertCounts, error) {
	var counts UpsertCounts
	for start := 0; start < len(rows); start += maxBatch {
		end := min(start+maxBatch, len(rows))

		tx, err := db.conn.BeginTxx(ctx, nil)
		if err != nil {
			return counts, fmt.Errorf("%w: %v", ErrTransactionFailed, err)
		}
		stmt, err := tx.PreparexContext(ctx, query)
		if err != nil {
			tx.Rollback()
			return counts, fmt.Errorf("failed to prepare upsert statement: %w", err)
		}
		for _, args := range rows[start:end] {
			var inserted bool
			err := stmt.QueryRowContext(ctx, args...).Scan(&inserted)
			switch {
			case err == sql.ErrNoRows:
				counts.Unchanged++
			case err != nil:
				stmt.Close()
				tx.Rollback()
				return counts, fmt.Errorf("upsert failed: %w", err)
			case inserted:
				counts.Inserted++
			default:
				counts.Updated++
			}
		}
		stmt.Close()
		if err := tx.Commit(); err != nil {
			return counts, fmt.Errorf("%w: %v", ErrTransactionFailed, err)
		}
	}
	return counts, nil
}

// UpsertPull inserts or updates a single pull request.
func (db *DB) UpsertPull(ctx context.Context, p models.PullRequest) (Outcome, error) {
	return db.upsertRow(ctx, upsertPullQuery, pullArgs(p))
}

// UpsertCommit inserts or updates a single commit.
func (db *DB) UpsertCommit(ctx context.Context, c models.Commit) (Outcome, error) {
	return db.upsertRow(ctx, upsertCommitQuery, commitArgs(c))
}

// UpsertReview inserts or updates a single review.
func (db *DB) UpsertReview(ctx context.Context, r models.Review) (Outcome, error) {
	return db.upsertRow(ctx, upsertReviewQuery, reviewArgs(r))
}

// UpsertCheckRun inserts or updates a single check run.
func (db *DB) UpsertCheckRun(ctx context.Context, c models.CheckRun) (Outcome, error) {
	return db.upsertRow(ctx, upsertCheckRunQuery, checkRunArgs(c))
}

// UpsertFile inserts or updates a single changed file.
func (db *DB) UpsertFile(ctx context.Context, f models.ChangedFile) (Outcome, error) {
	return db.upsertRow(ctx, upsertFileQuery, fileArgs(f))
}

// UpsertComment inserts or updates a single comment.
func (db *DB) UpsertComment(ctx context.Context, c models.Comment) (Outcome, error) {
	return db.upsertRow(ctx, upsertCommentQuery, commentArgs(c))
}

// UpsertDeployment inserts or updates a single deployment.
func (db *DB) UpsertDeployment(ctx context.Context, d models.Deployment) (Outcome, error) {
	return db.upsertRow(ctx, upsertDeploymentQuery, deploymentArgs(d))
}

// BatchUpsertPulls writes a page of pull requests.
func (db *DB) BatchUpsertPulls(ctx context.Context, pulls []models.PullRequest) (UpsertCounts, error) {
	rows := make([][]any, len(pulls))
	for i, p := range pulls {
		rows[i] = pullArgs(p)
	}
	counts, err := upsertBatch(ctx, db, upsertPullQuery, rows)
	if err == nil && len(pulls) > 0 {
		safeLogInfo("Upserted pull requests",
			zap.Int("inserted", counts.Inserted),
			zap.Int("updated", counts.Updated),
			zap.Int("unchanged", counts.Unchanged))
	}
	return counts, err
}

// BatchUpsertCommits writes a page of commits.
func (db *DB) BatchUpsertCommits(ctx context.Context, commits []models.Commit) (UpsertCounts, error) {
	rows := make([][]any, len(commits))
	for i, c := range commits {
		rows[i] = commitArgs(c)
	}
	return upsertBatch(ctx, db, upsertCommitQuery, rows)
}

// BatchUpsertReviews writes a page of reviews.
func (db *DB) BatchUpsertReviews(ctx context.Context, reviews []models.Review) (UpsertCounts, error) {
	rows := make([][]any, len(reviews))
	for i, r := range reviews {
		rows[i] = reviewArgs(r)
	}
	return upsertBatch(ctx, db, upsertReviewQuery, rows)
}

// BatchUpsertCheckRuns writes a page of check runs.
func (db *DB) BatchUpsertCheckRuns(ctx context.Context, runs []models.CheckRun) (UpsertCounts, error) {
	rows := make([][]any, len(runs))
	for i, c := range runs {
		rows[i] = checkRunArgs(c)
	}
	return upsertBatch(ctx, db, upsertCheckRunQuery, rows)
}

// BatchUpsertFiles writes a page of changed files.
func (db *DB) BatchUpsertFiles(ctx context.Context, files []models.ChangedFile) (UpsertCounts, error) {
	rows := make([][]any, len(files))
	for i, f := range files {
		rows[i] = fileArgs(f)
	}
	return upsertBatch(ctx, db, upsertFileQuery, rows)
}

// BatchUpsertComments writes a page of comments.
func (db *DB) BatchUpsertComments(ctx context.Context, comments []models.Comment) (UpsertCounts, error) {
	rows := make([][]any, len(comments))
	for i, c := range comments {
		rows[i] = commentArgs(c)
	}
	return upsertBatch(ctx, db, upsertCommentQuery, rows)
}

// BatchUpsertDeployments writes a page of deployments.
func (db *DB) BatchUpsertDeployments(ctx context.Context, deployments []models.Deployment) (UpsertCounts, error) {
	rows := make([][]any, len(deployments))
	for i, d := range deployments {
		rows[i] = deploymentArgs(d)
	}
	return upsertBatch(ctx, db, upsertDeploymentQuery, rows)
}
