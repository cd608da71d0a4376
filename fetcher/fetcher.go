// Package fetcher holds one entity fetcher per syncable kind. Each fetcher
// knows its source query shape, maps raw records to canonical entities, and
// commits page by page: map, batch-upsert, checkpoint, next page.
package fetcher

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"ghingest/db"
	"ghingest/github"
	"ghingest/logger"
	"ghingest/models"
)

// doneCursor marks a kind as fully fetched within the current run, so a
// resume after a rate-limit pause skips it instead of re-fetching.
const doneCursor = "done"

// Store is the persistence surface fetchers need.
type Store interface {
	BatchUpsertPulls(ctx context.Context, pulls []models.PullRequest) (db.UpsertCounts, error)
	BatchUpsertCommits(ctx context.Context, commits []models.Commit) (db.UpsertCounts, error)
	BatchUpsertReviews(ctx context.Context, reviews []models.Review) (db.UpsertCounts, error)
	BatchUpsertCheckRuns(ctx context.Context, runs []models.CheckRun) (db.UpsertCounts, error)
	BatchUpsertFiles(ctx context.Context, files []models.ChangedFile) (db.UpsertCounts, error)
	BatchUpsertComments(ctx context.Context, comments []models.Comment) (db.UpsertCounts, error)
	BatchUpsertDeployments(ctx context.Context, deployments []models.Deployment) (db.UpsertCounts, error)
	GetCheckpoint(ctx context.Context, repoID int64, kind models.EntityKind) (string, error)
	SetCheckpoint(ctx context.Context, repoID int64, kind models.EntityKind, cursor string) error
}

// Deps bundles the collaborators shared by all fetchers.
type Deps struct {
	Client *github.Client
	Guard  *github.Guard
	Store  Store
}

// Scope parameterizes one fetcher run: the tracked repository, the sync
// window, and the parent pull requests for child-entity kinds.
type Scope struct {
	Repo   *models.Repository
	Window models.Window
	Pulls  []models.PullRef
}

// Fetcher syncs one entity kind for one repository scope.
type Fetcher interface {
	Kind() models.EntityKind
	Sync(ctx context.Context, scope Scope) (models.SyncResult, error)
}

// All returns the fetchers in fixed dependency order: pull requests first so
// child fetchers always have valid parent references.
func All(deps Deps) []Fetcher {
	return []Fetcher{
		&pullRequestFetcher{deps},
		&commitFetcher{deps},
		&reviewFetcher{deps},
		&checkRunFetcher{deps},
		&fileFetcher{deps},
		&commentFetcher{deps},
		&deploymentFetcher{deps},
	}
}

// checkGuard converts a pause decision into the rate-limited error fetchers
// propagate. Consulted before every page fetch.
func checkGuard(g *github.Guard) error {
	d := g.Check()
	if !d.Proceed {
		return &github.RateLimitedError{ResetAt: d.ResumeAt}
	}
	return nil
}

// applyCounts folds one page's upsert outcomes into the running result.
func applyCounts(res *models.SyncResult, c db.UpsertCounts) {
	res.Merge(models.SyncResult{
		Count:     c.Total(),
		Inserted:  c.Inserted,
		Updated:   c.Updated,
		Unchanged: c.Unchanged,
	})
}

// recordSkip counts a record dropped for missing required fields.
func recordSkip(res *models.SyncResult, repo *models.Repository, err error) {
	res.Skipped++
	res.Errors = append(res.Errors, err.Error())
	logger.Warn("skipping record with missing required fields",
		zap.String("kind", string(res.Kind)),
		zap.String("owner", repo.Owner),
		zap.String("name", repo.Name),
		zap.Error(err))
}

func (r *pullChildCursor) String() string {
	return strconv.Itoa(r.index)
}

// pullChildCursor is the checkpoint for per-pull child fetchers: the count of
// parent pull requests whose records are fully committed.
type pullChildCursor struct {
	index int
}

func parsePullChildCursor(cursor string) (pullChildCursor, bool, error) {
	if cursor == "" {
		return pullChildCursor{}, false, nil
	}
	if cursor == doneCursor {
		return pullChildCursor{}, true, nil
	}
	n, err := strconv.Atoi(cursor)
	if err != nil || n < 0 {
		return pullChildCursor{}, false, errInvalidCursor(cursor)
	}
	return pullChildCursor{index: n}, false, nil
}

type cursorError string

func (e cursorError) Error() string { return "invalid checkpoint cursor " + strconv.Quote(string(e)) }

func errInvalidCursor(cursor string) error { return cursorError(cursor) }
