package fetcher

import (
	"context"
	"fmt"

	"ghingest/github"
	"ghingest/models"
)

// deploymentFetcher syncs deployments. The endpoint has no since parameter
// and lists newest first, so the window bound is applied client-side with an
// early stop.
type deploymentFetcher struct {
	deps Deps
}

func (f *deploymentFetcher) Kind() models.EntityKind { return models.KindDeployments }

func (f *deploymentFetcher) Sync(ctx context.Context, scope Scope) (models.SyncResult, error) {
	res := models.SyncResult{Kind: f.Kind()}
	repo := scope.Repo

	cursor, err := f.deps.Store.GetCheckpoint(ctx, repo.ID, f.Kind())
	if err != nil {
		return res, err
	}
	if cursor == doneCursor {
		return res, nil
	}

	path := fmt.Sprintf("/repos/%s/%s/deployments", repo.Owner, repo.Name)

	for {
		if err := checkGuard(f.deps.Guard); err != nil {
			return res, err
		}
		page, err := github.FetchPage[github.DeploymentResponse](ctx, f.deps.Client, path, nil, cursor)
		if err != nil {
			return res, err
		}

		batch := make([]models.Deployment, 0, len(page.Records))
		pastWindow := false
		for _, raw := range page.Records {
			if !raw.CreatedAt.IsZero() && !scope.Window.Contains(raw.CreatedAt) {
				pastWindow = true
				break
			}
			d, err := MapDeployment(repo.TenantID, repo.ID, raw)
			if err != nil {
				recordSkip(&res, repo, err)
				continue
			}
			batch = append(batch, d)
		}

		counts, err := f.deps.Store.BatchUpsertDeployments(ctx, batch)
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
