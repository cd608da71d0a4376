package fetcher

import (
	"context"
	"fmt"

	"ghingest/github"
	"ghingest/models"
)

// checkRunFetcher syncs check runs via each pull request's head commit.
type checkRunFetcher struct {
	deps Deps
}

func (f *checkRunFetcher) Kind() models.EntityKind { return models.KindCheckRuns }

func (f *checkRunFetcher) Sync(ctx context.Context, scope Scope) (models.SyncResult, error) {
	res := models.SyncResult{Kind: f.Kind()}

	// Pulls with no head sha recorded can't be queried; they were skipped at
	// mapping time already.
	pulls := make([]models.PullRef, 0, len(scope.Pulls))
	for _, p := range scope.Pulls {
		if p.HeadSHA != "" {
			pulls = append(pulls, p)
		}
	}
	scoped := scope
	scoped.Pulls = pulls

	err := syncPerPull(ctx, f.deps, scoped, &res,
		func(pull models.PullRef) string {
			return fmt.Sprintf("/repos/%s/%s/commits/%s/check-runs", scope.Repo.Owner, scope.Repo.Name, pull.HeadSHA)
		},
		func(ctx context.Context, path, cursor string) (github.Page[github.CheckRunResponse], error) {
			return github.FetchEnvelopePage(ctx, f.deps.Client, path, nil, cursor,
				func(e github.CheckRunsResponse) []github.CheckRunResponse { return e.CheckRuns })
		},
		func(pull models.PullRef, raw github.CheckRunResponse) (models.CheckRun, error) {
			return MapCheckRun(scope.Repo.TenantID, scope.Repo.ID, raw)
		},
		f.deps.Store.BatchUpsertCheckRuns,
	)
	return res, err
}
