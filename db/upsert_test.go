package db

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghingest/logger"
	"ghingest/models"
)

func init() {
	// Initialize logger for tests
	_ = logger.Initialize("debug")
}

// setupTestDB creates a new test database connection with a mock
func setupTestDB(t *testing.T) (*DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	sqlxDB := sqlx.NewDb(db, "sqlmock")
	database := &DB{conn: sqlxDB}
	database.stmtCache.statements = make(map[string]*sqlx.Stmt)

	cleanup := func() {
		database.Close()
		db.Close()
	}

	return database, mock, cleanup
}

func testPull(updatedAt time.Time) models.PullRequest {
	return models.PullRequest{
		TenantID:     "default",
		RepositoryID: 1,
		ExternalID:   9001,
		Number:       42,
		Title:        "add retry budget",
		State:        "open",
		AuthorLogin:  "octocat",
		HeadSHA:      "abc123",
		BaseRef:      "main",
		CreatedAt:    updatedAt.Add(-time.Hour),
		UpdatedAt:    updatedAt,
	}
}

func TestUpsertPullOutcomes(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name      string
		mockSetup func(sqlmock.Sqlmock)
		expected  Outcome
		wantErr   bool
	}{
		{
			name: "fresh row inserted",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectPrepare("INSERT INTO pull_requests").
					ExpectQuery().
					WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(true))
			},
			expected: Inserted,
		},
		{
			name: "existing row updated",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectPrepare("INSERT INTO pull_requests").
					ExpectQuery().
					WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(false))
			},
			expected: Updated,
		},
		{
			name: "stale write rejected as unchanged",
			mockSetup: func(mock sqlmock.Sqlmock) {
				// The not-newer guard filters the update, so no row comes back.
				mock.ExpectPrepare("INSERT INTO pull_requests").
					ExpectQuery().
					WillReturnError(sql.ErrNoRows)
			},
			expected: Unchanged,
		},
		{
			name: "query failure surfaces",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectPrepare("INSERT INTO pull_requests").
					ExpectQuery().
					WillReturnError(sql.ErrConnDone)
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, cleanup := setupTestDB(t)
			defer cleanup()
			tt.mockSetup(mock)

			outcome, err := db.UpsertPull(context.Background(), testPull(now))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.expected, outcome)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestUpsertCommitBackfillsParentReference(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	// A repository-log walk stored this commit without a parent pull. The
	// per-pull fetch of the same commit carries an identical immutable
	// timestamp and must still attach the pull number, so the statement has
	// to pass the equal-timestamp backfill branch of the guard.
	now := time.Now()
	mock.ExpectPrepare(`commits.pull_number = 0 AND EXCLUDED.pull_number <> 0`).
		ExpectQuery().
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(false))

	outcome, err := db.UpsertCommit(context.Background(), models.Commit{
		TenantID:     "default",
		RepositoryID: 1,
		ExternalID:   "sha-1",
		PullNumber:   42,
		Message:      "fix pagination cursor",
		CommittedAt:  now,
		UpdatedAt:    now,
	})
	require.NoError(t, err)
	assert.Equal(t, Updated, outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchUpsertPullsAggregatesCounts(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now()
	pulls := []models.PullRequest{testPull(now), testPull(now), testPull(now)}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO pull_requests")
	prep.ExpectQuery().WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(true))
	prep.ExpectQuery().WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(false))
	prep.ExpectQuery().WillReturnError(sql.ErrNoRows)
	mock.ExpectCommit()

	counts, err := db.BatchUpsertPulls(context.Background(), pulls)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Inserted)
	assert.Equal(t, 1, counts.Updated)
	assert.Equal(t, 1, counts.Unchanged)
	assert.Equal(t, 3, counts.Total())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchUpsertRollsBackOnFailure(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now()
	commits := []models.Commit{
		{TenantID: "default", RepositoryID: 1, ExternalID: "sha-1", CommittedAt: now, UpdatedAt: now},
		{TenantID: "default", RepositoryID: 1, ExternalID: "sha-2", CommittedAt: now, UpdatedAt: now},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO commits")
	prep.ExpectQuery().WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(true))
	prep.ExpectQuery().WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	_, err := db.BatchUpsertCommits(context.Background(), commits)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchUpsertEmptySliceIsNoop(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	counts, err := db.BatchUpsertReviews(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Total())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "inserted", Inserted.String())
	assert.Equal(t, "updated", Updated.String())
	assert.Equal(t, "unchanged", Unchanged.String())
}
