package fetcher

import (
	"context"
	"fmt"
	"net/url"

	"ghingest/github"
	"ghingest/models"
)

// pullRequestFetcher syncs pull requests, the root of the entity dependency
// order. It lists by descending update time so the window boundary doubles as
// a stop condition.
type pullRequestFetcher struct {
	deps Deps
}

func (f *pullRequestFetcher) Kind() models.EntityKind { return models.KindPullRequests }

func (f *pullRequestFetcher) Sync(ctx context.Context, scope Scope) (models.SyncResult, error) {
	res := models.SyncResult{Kind: f.Kind()}
	repo := scope.Repo

	cursor, err := f.deps.Store.GetCheckpoint(ctx, repo.ID, f.Kind())
	if err != nil {
		return res, err
	}
	if cursor == doneCursor {
		return res, nil
	}

	path := fmt.Sprintf("/repos/%s/%s/pulls", repo.Owner, repo.Name)
	query := url.Values{
		"state":     {"all"},
		"sort":      {"updated"},
		"direction": {"desc"},
	}

	for {
		if err := checkGuard(f.deps.Guard); err != nil {
			return res, err
		}
		page, err := github.FetchPage[github.PullResponse](ctx, f.deps.Client, path, query, cursor)
		if err != nil {
			return res, err
		}

		batch := make([]models.PullRequest, 0, len(page.Records))
		pastWindow := false
		for _, raw := range page.Records {
			if !scope.Window.Contains(raw.UpdatedAt) {
				// Descending order: everything after this is older still.
				pastWindow = true
				break
			}
			pull, err := MapPull(repo.TenantID, repo.ID, raw)
			if err != nil {
				recordSkip(&res, repo, err)
				continue
			}
			batch = append(batch, pull)
		}

		counts, err := f.deps.Store.BatchUpsertPulls(ctx, batch)
		if err != nil {
			return res, err
		}
		applyCounts(&res, counts)

		if pastWindow || !page.HasMore {
			break
		}
		if err := f.deps.Store.SetCheckpoint(ctx, repo.ID, f.Kind(), page.NextCursor); err != nil {
			return res, err
		}
		cursor = page.NextCursor
	}

	return res, f.deps.Store.SetCheckpoint(ctx, repo.ID, f.Kind(), doneCursor)
}
