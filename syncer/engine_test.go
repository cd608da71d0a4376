package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghingest/db"
	"ghingest/fetcher"
	"ghingest/github"
	"ghingest/models"
)

// engineStore is an in-memory store backing both the orchestrator and the
// fetchers, so a run can be driven end to end without a database.
type engineStore struct {
	mu sync.Mutex

	repo        models.Repository
	pulls       map[int64]models.PullRequest // keyed by external id
	commits     map[string]models.Commit
	checkpoints map[models.EntityKind]string
	cleared     bool
	progress    [][3]int
}

func newEngineStore(repo models.Repository) *engineStore {
	return &engineStore{
		repo:        repo,
		pulls:       make(map[int64]models.PullRequest),
		commits:     make(map[string]models.Commit),
		checkpoints: make(map[models.EntityKind]string),
	}
}

func (s *engineStore) GetRepository(_ context.Context, id int64) (*models.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	repo := s.repo
	return &repo, nil
}

func (s *engineStore) BeginSync(_ context.Context, id int64, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.repo.SyncStatus == models.StatusSyncing {
		return fmt.Errorf("%w: repository %d", db.ErrSyncInFlight, id)
	}
	s.repo.SyncStatus = models.StatusSyncing
	s.repo.SyncStartedAt = &startedAt
	return nil
}

func (s *engineStore) MarkComplete(_ context.Context, id int64, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repo.SyncStatus = models.StatusComplete
	s.repo.LastSyncedAt = &completedAt
	return nil
}

func (s *engineStore) MarkFailed(_ context.Context, id int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repo.SyncStatus = models.StatusFailed
	s.repo.SyncError = reason
	return nil
}

func (s *engineStore) MarkRateLimited(_ context.Context, id int64, resetAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repo.SyncStatus = models.StatusRateLimited
	return nil
}

func (s *engineStore) ResetToPending(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repo.SyncStatus = models.StatusPending
	return nil
}

func (s *engineStore) UpdateProgress(_ context.Context, id int64, progress, total, completed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, [3]int{progress, total, completed})
	return nil
}

func (s *engineStore) UpdateRateLimit(_ context.Context, id int64, remaining int, resetAt time.Time) error {
	return nil
}

func (s *engineStore) ClearCheckpoints(_ context.Context, repoID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints = make(map[models.EntityKind]string)
	s.cleared = true
	return nil
}

func (s *engineStore) ListPullRefs(_ context.Context, repoID int64, since time.Time) ([]models.PullRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	refs := make([]models.PullRef, 0, len(s.pulls))
	for _, p := range s.pulls {
		if since.IsZero() || !p.UpdatedAt.Before(since) {
			refs = append(refs, models.PullRef{Number: p.Number, HeadSHA: p.HeadSHA, UpdatedAt: p.UpdatedAt})
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Number < refs[j].Number })
	return refs, nil
}

func (s *engineStore) HasAny(_ context.Context, repoID int64, kind models.EntityKind) (bool, error) {
	return false, nil
}

func (s *engineStore) BatchUpsertPulls(_ context.Context, pulls []models.PullRequest) (db.UpsertCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var counts db.UpsertCounts
	for _, p := range pulls {
		if _, seen := s.pulls[p.ExternalID]; seen {
			counts.Updated++
		} else {
			counts.Inserted++
		}
		s.pulls[p.ExternalID] = p
	}
	return counts, nil
}

func (s *engineStore) BatchUpsertCommits(_ context.Context, commits []models.Commit) (db.UpsertCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var counts db.UpsertCounts
	for _, c := range commits {
		if _, seen := s.commits[c.ExternalID]; seen {
			counts.Updated++
		} else {
			counts.Inserted++
		}
		s.commits[c.ExternalID] = c
	}
	return counts, nil
}

func (s *engineStore) BatchUpsertReviews(_ context.Context, reviews []models.Review) (db.UpsertCounts, error) {
	return db.UpsertCounts{Inserted: len(reviews)}, nil
}

func (s *engineStore) BatchUpsertCheckRuns(_ context.Context, runs []models.CheckRun) (db.UpsertCounts, error) {
	return db.UpsertCounts{Inserted: len(runs)}, nil
}

func (s *engineStore) BatchUpsertFiles(_ context.Context, files []models.ChangedFile) (db.UpsertCounts, error) {
	return db.UpsertCounts{Inserted: len(files)}, nil
}

func (s *engineStore) BatchUpsertComments(_ context.Context, comments []models.Comment) (db.UpsertCounts, error) {
	return db.UpsertCounts{Inserted: len(comments)}, nil
}

func (s *engineStore) BatchUpsertDeployments(_ context.Context, deployments []models.Deployment) (db.UpsertCounts, error) {
	return db.UpsertCounts{Inserted: len(deployments)}, nil
}

func (s *engineStore) GetCheckpoint(_ context.Context, _ int64, kind models.EntityKind) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoints[kind], nil
}

func (s *engineStore) SetCheckpoint(_ context.Context, _ int64, kind models.EntityKind, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[kind] = cursor
	return nil
}

func enginePull(id int64, number int, updatedAt time.Time) github.PullResponse {
	p := github.PullResponse{ID: id, Number: number, Title: "t", State: "open",
		CreatedAt: updatedAt.Add(-time.Hour), UpdatedAt: updatedAt}
	p.Head.SHA = fmt.Sprintf("sha-%d", number)
	return p
}

// TestEngineBootstrapEndToEnd drives a first sync through the real fetchers
// against a fake API: three pages of pull requests plus a commit log, then
// empty child listings. The run must land in COMPLETE with every distinct
// pull stored and its checkpoints cleared.
func TestEngineBootstrapEndToEnd(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)

	var mu sync.Mutex
	var pathsServed []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		pathsServed = append(pathsServed, r.URL.Path)
		mu.Unlock()

		switch {
		case r.URL.Path == "/repos/acme/widgets/pulls":
			switch r.URL.Query().Get("page") {
			case "1":
				w.Header().Set("Link", `<next>; rel="next"`)
				json.NewEncoder(w).Encode([]github.PullResponse{
					enginePull(101, 10, now), enginePull(102, 9, now.Add(-time.Minute)),
				})
			case "2":
				w.Header().Set("Link", `<next>; rel="next"`)
				json.NewEncoder(w).Encode([]github.PullResponse{
					enginePull(103, 8, now.Add(-2 * time.Minute)), enginePull(104, 7, now.Add(-3 * time.Minute)),
				})
			default:
				json.NewEncoder(w).Encode([]github.PullResponse{
					enginePull(105, 6, now.Add(-4 * time.Minute)),
				})
			}
		case r.URL.Path == "/repos/acme/widgets/commits":
			commit := github.CommitResponse{SHA: "c-1"}
			commit.Commit.Message = "wire the breaker"
			commit.Commit.Author.Name = "octocat"
			commit.Commit.Author.Date = now
			json.NewEncoder(w).Encode([]github.CommitResponse{commit})
		case strings.HasSuffix(r.URL.Path, "/check-runs"):
			json.NewEncoder(w).Encode(github.CheckRunsResponse{})
		default:
			// reviews, files, comments, deployments
			w.Write([]byte("[]"))
		}
	}))
	defer server.Close()

	pool := github.NewPool([]string{"tok-a"}, 100)
	client := github.NewClient(pool,
		github.WithBaseURL(server.URL),
		github.WithRequestsPerSecond(1000),
		github.WithBackoff(github.BackoffPolicy{Base: time.Millisecond, Cap: time.Millisecond, MaxRetries: 1}),
	)
	store := newEngineStore(models.Repository{
		ID: 1, TenantID: "default", Owner: "acme", Name: "widgets",
		Active: true, SyncStatus: models.StatusPending,
	})
	deps := fetcher.Deps{Client: client, Guard: github.NewGuard(pool), Store: store}

	o := New(store, fetcher.All(deps), pool, WithBootstrapWindowDays(30))
	require.NoError(t, o.Run(context.Background(), 1, models.ModeAuto))

	assert.Equal(t, models.StatusComplete, store.repo.SyncStatus)
	require.NotNil(t, store.repo.LastSyncedAt)

	require.Len(t, store.pulls, 5)
	refs, err := store.ListPullRefs(context.Background(), 1, time.Time{})
	require.NoError(t, err)
	numbers := make([]int, len(refs))
	for i, ref := range refs {
		numbers[i] = ref.Number
	}
	assert.Equal(t, []int{6, 7, 8, 9, 10}, numbers)

	assert.Len(t, store.commits, 1)
	assert.True(t, store.cleared, "checkpoints must be cleared after completion")

	// Every kind reports, completed advancing to the full kind total.
	require.Len(t, store.progress, 7)
	assert.Equal(t, [3]int{100, 7, 7}, store.progress[6])

	// Child fetchers walked the stored parents, not the raw pages.
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, pathsServed, "/repos/acme/widgets/pulls/6/reviews")
	assert.Contains(t, pathsServed, "/repos/acme/widgets/pulls/10/files")
	assert.Contains(t, pathsServed, "/repos/acme/widgets/commits/sha-10/check-runs")
	assert.Contains(t, pathsServed, "/repos/acme/widgets/issues/7/comments")
	assert.Contains(t, pathsServed, "/repos/acme/widgets/deployments")
}
