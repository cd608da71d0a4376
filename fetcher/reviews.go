package fetcher

import (
	"context"
	"fmt"

	"ghingest/github"
	"ghingest/models"
)

// reviewFetcher syncs pull request reviews for the parent pull set.
type reviewFetcher struct {
	deps Deps
}

func (f *reviewFetcher) Kind() models.EntityKind { return models.KindReviews }

func (f *reviewFetcher) Sync(ctx context.Context, scope Scope) (models.SyncResult, error) {
	res := models.SyncResult{Kind: f.Kind()}
	err := syncPerPull(ctx, f.deps, scope, &res,
		func(pull models.PullRef) string {
			return fmt.Sprintf("/repos/%s/%s/pulls/%d/reviews", scope.Repo.Owner, scope.Repo.Name, pull.Number)
		},
		func(ctx context.Context, path, cursor string) (github.Page[github.ReviewResponse], error) {
			return github.FetchPage[github.ReviewResponse](ctx, f.deps.Client, path, nil, cursor)
		},
		func(pull models.PullRef, raw github.ReviewResponse) (models.Review, error) {
			return MapReview(scope.Repo.TenantID, scope.Repo.ID, pull.Number, raw)
		},
		f.deps.Store.BatchUpsertReviews,
	)
	return res, err
}
