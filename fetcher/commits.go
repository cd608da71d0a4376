package fetcher

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"ghingest/github"
	"ghingest/models"
)

// commitFetcher syncs commits. Bootstrap walks the repository commit log
// within the window; incremental re-fetches only the commits of the pull
// requests that changed since the last sync.
type commitFetcher struct {
	deps Deps
}

func (f *commitFetcher) Kind() models.EntityKind { return models.KindCommits }

func (f *commitFetcher) Sync(ctx context.Context, scope Scope) (models.SyncResult, error) {
	res := models.SyncResult{Kind: f.Kind()}

	if scope.Window.Mode == models.ModeIncremental {
		err := syncPerPull(ctx, f.deps, scope, &res,
			func(pull models.PullRef) string {
				return fmt.Sprintf("/repos/%s/%s/pulls/%d/commits", scope.Repo.Owner, scope.Repo.Name, pull.Number)
			},
			func(ctx context.Context, path, cursor string) (github.Page[github.CommitResponse], error) {
				return github.FetchPage[github.CommitResponse](ctx, f.deps.Client, path, nil, cursor)
			},
			func(pull models.PullRef, raw github.CommitResponse) (models.Commit, error) {
				return MapCommit(scope.Repo.TenantID, scope.Repo.ID, pull.Number, raw)
			},
			f.deps.Store.BatchUpsertCommits,
		)
		return res, err
	}

	return res, f.syncRepoLog(ctx, scope, &res)
}

// syncRepoLog pages through /commits with a since bound for bootstrap runs.
func (f *commitFetcher) syncRepoLog(ctx context.Context, scope Scope, res *models.SyncResult) error {
	repo := scope.Repo

	cursor, err := f.deps.Store.GetCheckpoint(ctx, repo.ID, f.Kind())
	if err != nil {
		return err
	}
	if cursor == doneCursor {
		return nil
	}

	path := fmt.Sprintf("/repos/%s/%s/commits", repo.Owner, repo.Name)
	query := url.Values{}
	if !scope.Window.Since.IsZero() {
		query.Set("since", scope.Window.Since.Format(time.RFC3339))
	}

	for {
		if err := checkGuard(f.deps.Guard); err != nil {
			return err
		}
		page, err := github.FetchPage[github.CommitResponse](ctx, f.deps.Client, path, query, cursor)
		if err != nil {
			return err
		}

		batch := make([]models.Commit, 0, len(page.Records))
		for _, raw := range page.Records {
			commit, err := MapCommit(repo.TenantID, repo.ID, 0, raw)
			if err != nil {
				recordSkip(res, repo, err)
				continue
			}
			batch = append(batch, commit)
		}

		counts, err := f.deps.Store.BatchUpsertCommits(ctx, batch)
		if err != nil {
			return err
		}
		applyCounts(res, counts)

		if !page.HasMore {
			break
		}
		if err := f.deps.Store.SetCheckpoint(ctx, repo.ID, f.Kind(), page.NextCursor); err != nil {
			return err
		}
		cursor = page.NextCursor
	}

	return f.deps.Store.SetCheckpoint(ctx, repo.ID, f.Kind(), doneCursor)
}
