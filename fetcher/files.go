package fetcher

import (
	"context"
	"fmt"

	"ghingest/github"
	"ghingest/models"
)

// fileFetcher syncs the files changed by each parent pull request.
type fileFetcher struct {
	deps Deps
}

func (f *fileFetcher) Kind() models.EntityKind { return models.KindFiles }

func (f *fileFetcher) Sync(ctx context.Context, scope Scope) (models.SyncResult, error) {
	res := models.SyncResult{Kind: f.Kind()}
	err := syncPerPull(ctx, f.deps, scope, &res,
		func(pull models.PullRef) string {
			return fmt.Sprintf("/repos/%s/%s/pulls/%d/files", scope.Repo.Owner, scope.Repo.Name, pull.Number)
		},
		func(ctx context.Context, path, cursor string) (github.Page[github.FileResponse], error) {
			return github.FetchPage[github.FileResponse](ctx, f.deps.Client, path, nil, cursor)
		},
		func(pull models.PullRef, raw github.FileResponse) (models.ChangedFile, error) {
			return MapFile(scope.Repo.TenantID, scope.Repo.ID, pull, raw)
		},
		f.deps.Store.BatchUpsertFiles,
	)
	return res, err
}
