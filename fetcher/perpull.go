package fetcher

import (
	"context"
	"strconv"

	"ghingest/db"
	"ghingest/github"
	"ghingest/models"
)

// syncPerPull drives the page loop for child-entity kinds that are fetched
// per parent pull request (commits, reviews, check runs, files, comments in
// the incremental cascade). The checkpoint cursor counts parent pulls fully
// committed, so a resume continues at the first unfinished pull.
func syncPerPull[R any, M any](
	ctx context.Context,
	d Deps,
	scope Scope,
	res *models.SyncResult,
	pathFor func(models.PullRef) string,
	fetch func(ctx context.Context, path, cursor string) (github.Page[R], error),
	mapFn func(pull models.PullRef, raw R) (M, error),
	upsert func(ctx context.Context, batch []M) (db.UpsertCounts, error),
) error {
	repo := scope.Repo

	raw, err := d.Store.GetCheckpoint(ctx, repo.ID, res.Kind)
	if err != nil {
		return err
	}
	cur, done, err := parsePullChildCursor(raw)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	for i := cur.index; i < len(scope.Pulls); i++ {
		pull := scope.Pulls[i]
		pageCursor := ""
		for {
			if err := checkGuard(d.Guard); err != nil {
				return err
			}
			page, err := fetch(ctx, pathFor(pull), pageCursor)
			if err != nil {
				return err
			}

			batch := make([]M, 0, len(page.Records))
			for _, rec := range page.Records {
				m, err := mapFn(pull, rec)
				if err != nil {
					recordSkip(res, repo, err)
					continue
				}
				batch = append(batch, m)
			}
			counts, err := upsert(ctx, batch)
			if err != nil {
				return err
			}
			applyCounts(res, counts)

			if !page.HasMore {
				break
			}
			pageCursor = page.NextCursor
		}
		// All pages of this pull are committed; advance the parent cursor.
		if err := d.Store.SetCheckpoint(ctx, repo.ID, res.Kind, strconv.Itoa(i+1)); err != nil {
			return err
		}
	}
	return d.Store.SetCheckpoint(ctx, repo.ID, res.Kind, doneCursor)
}
