package db

import (
	"context"
	"database/sql"
	"fmt"

	"ghingest/models"
)

// GetCheckpoint returns the last durably committed cursor for one entity kind
// of one repository. An empty string means start from the beginning.
func (db *DB) GetCheckpoint(ctx context.Context, repoID int64, kind models.EntityKind) (string, error) {
	var cursor string
	query := `SELECT cursor FROM sync_checkpoints WHERE repository_id = $1 AND entity_kind = $2`
	if err := db.conn.GetContext(ctx, &cursor, query, repoID, kind); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("failed to get checkpoint for repository %d kind %s: %w", repoID, kind, err)
	}
	return cursor, nil
}

// SetCheckpoint records the cursor after a page has been committed. Called
// once per page, after the upsert transaction succeeds and never before.
func (db *DB) SetCheckpoint(ctx context.Context, repoID int64, kind models.EntityKind, cursor string) error {
	query := `
		INSERT INTO sync_checkpoints (repository_id, entity_kind, cursor, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (repository_id, entity_kind) DO UPDATE SET
			cursor = EXCLUDED.cursor,
			updated_at = now()
	`
	if _, err := db.conn.ExecContext(ctx, query, repoID, kind, cursor); err != nil {
		return fmt.Errorf("failed to set checkpoint for repository %d kind %s: %w", repoID, kind, err)
	}
	return nil
}

// ClearCheckpoints removes all cursors for a repository after a sync
// completes, so the next run starts fresh.
func (db *DB) ClearCheckpoints(ctx context.Context, repoID int64) error {
	if _, err := db.conn.ExecContext(ctx,
		`DELETE FROM sync_checkpoints WHERE repository_id = $1`, repoID); err != nil {
		return fmt.Errorf("failed to clear checkpoints for repository %d: %w", repoID, err)
	}
	return nil
}
