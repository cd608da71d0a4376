package fetcher

import (
	"context"
	"fmt"

	"ghingest/github"
	"ghingest/models"
)

// commentFetcher syncs issue comments on each parent pull request.
type commentFetcher struct {
	deps Deps
}

func (f *commentFetcher) Kind() models.EntityKind { return models.KindComments }

func (f *commentFetcher) Sync(ctx context.Context, scope Scope) (models.SyncResult, error) {
	res := models.SyncResult{Kind: f.Kind()}
	err := syncPerPull(ctx, f.deps, scope, &res,
		func(pull models.PullRef) string {
			return fmt.Sprintf("/repos/%s/%s/issues/%d/comments", scope.Repo.Owner, scope.Repo.Name, pull.Number)
		},
		func(ctx context.Context, path, cursor string) (github.Page[github.CommentResponse], error) {
			return github.FetchPage[github.CommentResponse](ctx, f.deps.Client, path, nil, cursor)
		},
		func(pull models.PullRef, raw github.CommentResponse) (models.Comment, error) {
			return MapComment(scope.Repo.TenantID, scope.Repo.ID, pull.Number, raw)
		},
		f.deps.Store.BatchUpsertComments,
	)
	return res, err
}
