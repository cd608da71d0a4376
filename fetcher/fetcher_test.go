package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghingest/db"
	"ghingest/github"
	"ghingest/models"
)

// fakeStore is an in-memory Store that records checkpoint writes in order.
type fakeStore struct {
	mu          sync.Mutex
	checkpoints map[models.EntityKind]string
	cursorLog   []string
	upserted    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{checkpoints: make(map[models.EntityKind]string)}
}

func (s *fakeStore) record(n int) db.UpsertCounts {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserted += n
	return db.UpsertCounts{Inserted: n}
}

func (s *fakeStore) BatchUpsertPulls(_ context.Context, pulls []models.PullRequest) (db.UpsertCounts, error) {
	return s.record(len(pulls)), nil
}
func (s *fakeStore) BatchUpsertCommits(_ context.Context, commits []models.Commit) (db.UpsertCounts, error) {
	return s.record(len(commits)), nil
}
func (s *fakeStore) BatchUpsertReviews(_ context.Context, reviews []models.Review) (db.UpsertCounts, error) {
	return s.record(len(reviews)), nil
}
func (s *fakeStore) BatchUpsertCheckRuns(_ context.Context, runs []models.CheckRun) (db.UpsertCounts, error) {
	return s.record(len(runs)), nil
}
func (s *fakeStore) BatchUpsertFiles(_ context.Context, files []models.ChangedFile) (db.UpsertCounts, error) {
	return s.record(len(files)), nil
}
func (s *fakeStore) BatchUpsertComments(_ context.Context, comments []models.Comment) (db.UpsertCounts, error) {
	return s.record(len(comments)), nil
}
func (s *fakeStore) BatchUpsertDeployments(_ context.Context, deployments []models.Deployment) (db.UpsertCounts, error) {
	return s.record(len(deployments)), nil
}

func (s *fakeStore) GetCheckpoint(_ context.Context, _ int64, kind models.EntityKind) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoints[kind], nil
}

func (s *fakeStore) SetCheckpoint(_ context.Context, _ int64, kind models.EntityKind, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[kind] = cursor
	s.cursorLog = append(s.cursorLog, cursor)
	return nil
}

func testDeps(t *testing.T, handler http.Handler) (Deps, *fakeStore, func()) {
	t.Helper()
	server := httptest.NewServer(handler)

	pool := github.NewPool([]string{"tok-a"}, 100)
	client := github.NewClient(pool,
		github.WithBaseURL(server.URL),
		github.WithRequestsPerSecond(1000),
		github.WithBackoff(github.BackoffPolicy{Base: time.Millisecond, Cap: time.Millisecond, MaxRetries: 1}),
	)
	store := newFakeStore()
	deps := Deps{Client: client, Guard: github.NewGuard(pool), Store: store}
	return deps, store, server.Close
}

func testScope(pulls ...models.PullRef) Scope {
	return Scope{
		Repo:   &models.Repository{ID: 1, TenantID: "default", Owner: "acme", Name: "widgets", Active: true},
		Window: models.Window{Mode: models.ModeBootstrap},
		Pulls:  pulls,
	}
}

func pullJSON(id int64, number int, updatedAt time.Time) github.PullResponse {
	p := github.PullResponse{ID: id, Number: number, Title: "t", State: "open",
		CreatedAt: updatedAt.Add(-time.Hour), UpdatedAt: updatedAt}
	p.Head.SHA = fmt.Sprintf("sha-%d", number)
	return p
}

func TestPullRequestFetcherPaginatesAndCheckpoints(t *testing.T) {
	now := time.Now()
	var pagesServed []string

	deps, store, closeFn := testDeps(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		pagesServed = append(pagesServed, page)
		switch page {
		case "1":
			w.Header().Set("Link", `<next>; rel="next"`)
			json.NewEncoder(w).Encode([]github.PullResponse{
				pullJSON(1, 10, now), pullJSON(2, 9, now.Add(-time.Minute)),
			})
		case "2":
			json.NewEncoder(w).Encode([]github.PullResponse{pullJSON(3, 8, now.Add(-2 * time.Minute))})
		default:
			t.Errorf("unexpected page %q", page)
		}
	}))
	defer closeFn()

	f := &pullRequestFetcher{deps}
	res, err := f.Sync(context.Background(), testScope())
	require.NoError(t, err)

	assert.Equal(t, 3, res.Count)
	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, []string{"1", "2"}, pagesServed)
	// One checkpoint per committed page, then the terminal marker.
	assert.Equal(t, []string{"2", "done"}, store.cursorLog)
}

func TestPullRequestFetcherSkipsWhenAlreadyDone(t *testing.T) {
	var calls int
	deps, store, closeFn := testDeps(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer closeFn()
	store.checkpoints[models.KindPullRequests] = "done"

	f := &pullRequestFetcher{deps}
	res, err := f.Sync(context.Background(), testScope())
	require.NoError(t, err)
	assert.Zero(t, res.Count)
	assert.Zero(t, calls, "a finished kind must not refetch on resume")
}

func TestPullRequestFetcherStopsAtWindowBoundary(t *testing.T) {
	now := time.Now()
	var pagesServed int

	deps, store, closeFn := testDeps(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pagesServed++
		// Second record is older than the window; everything after it is too.
		w.Header().Set("Link", `<next>; rel="next"`)
		json.NewEncoder(w).Encode([]github.PullResponse{
			pullJSON(1, 10, now), pullJSON(2, 9, now.Add(-48 * time.Hour)),
		})
	}))
	defer closeFn()

	f := &pullRequestFetcher{deps}
	scope := testScope()
	scope.Window = models.Window{Since: now.Add(-24 * time.Hour), Mode: models.ModeIncremental}

	res, err := f.Sync(context.Background(), scope)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)
	assert.Equal(t, 1, pagesServed, "descending order makes the boundary a stop condition")
	assert.Equal(t, doneCursor, store.checkpoints[models.KindPullRequests])
}

func TestPullRequestFetcherSkipsMalformedRecords(t *testing.T) {
	now := time.Now()
	deps, _, closeFn := testDeps(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]github.PullResponse{
			pullJSON(1, 10, now),
			{Number: 11, UpdatedAt: now}, // missing id
		})
	}))
	defer closeFn()

	f := &pullRequestFetcher{deps}
	res, err := f.Sync(context.Background(), testScope())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "missing id")
}

func TestReviewFetcherResumesFromParentCursor(t *testing.T) {
	submitted := time.Now()
	var pathsServed []string

	deps, store, closeFn := testDeps(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pathsServed = append(pathsServed, r.URL.Path)
		json.NewEncoder(w).Encode([]github.ReviewResponse{
			{ID: 1, State: "APPROVED", SubmittedAt: submitted},
		})
	}))
	defer closeFn()

	// Pull #7 was fully committed before the pause; resume starts at #9.
	store.checkpoints[models.KindReviews] = "1"

	f := &reviewFetcher{deps}
	scope := testScope(
		models.PullRef{Number: 7, UpdatedAt: submitted},
		models.PullRef{Number: 9, UpdatedAt: submitted},
	)
	res, err := f.Sync(context.Background(), scope)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Count)
	assert.Equal(t, []string{"/repos/acme/widgets/pulls/9/reviews"}, pathsServed)
	assert.Equal(t, doneCursor, store.checkpoints[models.KindReviews])
}

func TestSyncPerPullAdvancesCursorPerParent(t *testing.T) {
	submitted := time.Now()
	deps, store, closeFn := testDeps(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]github.ReviewResponse{
			{ID: 1, State: "APPROVED", SubmittedAt: submitted},
		})
	}))
	defer closeFn()

	f := &reviewFetcher{deps}
	scope := testScope(
		models.PullRef{Number: 7, UpdatedAt: submitted},
		models.PullRef{Number: 9, UpdatedAt: submitted},
	)
	_, err := f.Sync(context.Background(), scope)
	require.NoError(t, err)

	// One parent-index checkpoint per pull, then the terminal marker.
	assert.Equal(t, []string{"1", "2", "done"}, store.cursorLog)
}

func TestFetcherPausesWhenQuotaExhausted(t *testing.T) {
	deps, _, closeFn := testDeps(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should be spent on a call certain to fail")
	}))
	defer closeFn()

	// Drain the only credential below the floor.
	resetAt := time.Now().Add(30 * time.Minute)
	deps.Client = nil // the guard must stop the run before any fetch
	pool := github.NewPool([]string{"tok-a"}, 100)
	pool.Observe("tok-a", 10, resetAt)
	deps.Guard = github.NewGuard(pool)

	f := &pullRequestFetcher{deps}
	_, err := f.Sync(context.Background(), testScope())
	require.Error(t, err)

	var rateLimited *github.RateLimitedError
	require.ErrorAs(t, err, &rateLimited)
	assert.Equal(t, resetAt, rateLimited.ResetAt)
}

func TestParsePullChildCursor(t *testing.T) {
	cur, done, err := parsePullChildCursor("")
	require.NoError(t, err)
	assert.False(t, done)
	assert.Zero(t, cur.index)

	cur, done, err = parsePullChildCursor("5")
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 5, cur.index)

	_, done, err = parsePullChildCursor(doneCursor)
	require.NoError(t, err)
	assert.True(t, done)

	_, _, err = parsePullChildCursor("garbage")
	assert.Error(t, err)
}
