// Package webhook applies single-event push notifications straight through
// the upsert store, bypassing the orchestrator for low-latency freshness.
// Racing a concurrent bulk sync is safe because upserts are gated on the
// source-reported update timestamp.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"ghingest/db"
	"ghingest/fetcher"
	"ghingest/github"
	"ghingest/logger"
	"ghingest/models"
)

// Result classifies what happened to a delivery.
type Result int

const (
	// Ignored: event type or repository this engine doesn't track.
	Ignored Result = iota
	// Applied: the entity delta was written.
	Applied
	// Deferred: the event referenced a parent entity not yet synced; a full
	// sync will pick it up.
	Deferred
)

func (r Result) String() string {
	switch r {
	case Applied:
		return "applied"
	case Deferred:
		return "deferred"
	default:
		return "ignored"
	}
}

// Store is the persistence surface the ingester needs.
type Store interface {
	GetByFullName(ctx context.Context, tenantID, owner, name string) (*models.Repository, error)
	GetPullByNumber(ctx context.Context, repoID int64, number int) (*models.PullRequest, error)
	UpsertPull(ctx context.Context, p models.PullRequest) (db.Outcome, error)
	UpsertCommit(ctx context.Context, c models.Commit) (db.Outcome, error)
	UpsertReview(ctx context.Context, r models.Review) (db.Outcome, error)
	UpsertCheckRun(ctx context.Context, c models.CheckRun) (db.Outcome, error)
	UpsertComment(ctx context.Context, c models.Comment) (db.Outcome, error)
	UpsertDeployment(ctx context.Context, d models.Deployment) (db.Outcome, error)
}

// Ingester validates and applies webhook deliveries.
type Ingester struct {
	store          Store
	tenant         string
	secret         []byte
	enqueue        func(repoID int64, mode models.SyncMode) bool
	driftThreshold int

	mu       sync.Mutex
	unusable map[int64]int // consecutive ignored/deferred events per repo
}

// NewIngester creates a webhook ingester. enqueue is called when a repository
// accumulates enough consecutive unapplied events to suggest it has drifted
// from the remote.
func NewIngester(store Store, tenant, secret string, driftThreshold int, enqueue func(repoID int64, mode models.SyncMode) bool) *Ingester {
	return &Ingester{
		store:          store,
		tenant:         tenant,
		secret:         []byte(secret),
		enqueue:        enqueue,
		driftThreshold: driftThreshold,
		unusable:       make(map[int64]int),
	}
}

// VerifySignature checks GitHub's X-Hub-Signature-256 header against the raw
// body. Failed verification must be rejected and logged, never silently
// dropped.
func (i *Ingester) VerifySignature(signature string, body []byte) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(signature, prefix) {
		return false
	}
	mac := hmac.New(sha256.New, i.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, prefix)))
}

// Event payload shapes. Inner objects reuse the API response types so the
// fetcher package's pure mappers apply unchanged.

type repoRef struct {
	Name  string `json:"name"`
	Owner struct {
		Login string `json:"login"`
	} `json:"owner"`
}

type pullRequestEvent struct {
	Action      string              `json:"action"`
	Repository  repoRef             `json:"repository"`
	PullRequest github.PullResponse `json:"pull_request"`
}

type pushEvent struct {
	Repository repoRef      `json:"repository"`
	Commits    []pushCommit `json:"commits"`
}

type pushCommit struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Author    struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	} `json:"author"`
}

type reviewEvent struct {
	Repository  repoRef               `json:"repository"`
	PullRequest github.PullResponse   `json:"pull_request"`
	Review      github.ReviewResponse `json:"review"`
}

type checkRunEvent struct {
	Repository repoRef `json:"repository"`
	CheckRun   struct {
		github.CheckRunResponse
		PullRequests []struct {
			Number int `json:"number"`
		} `json:"pull_requests"`
	} `json:"check_run"`
}

type issueCommentEvent struct {
	Repository repoRef `json:"repository"`
	Issue      struct {
		Number      int              `json:"number"`
		PullRequest *json.RawMessage `json:"pull_request"`
	} `json:"issue"`
	Comment github.CommentResponse `json:"comment"`
}

type reviewCommentEvent struct {
	Repository  repoRef                `json:"repository"`
	PullRequest github.PullResponse    `json:"pull_request"`
	Comment     github.CommentResponse `json:"comment"`
}

type deploymentEvent struct {
	Repository repoRef                   `json:"repository"`
	Deployment github.DeploymentResponse `json:"deployment"`
}

// Handle applies one verified delivery. Unknown event types and untracked
// repositories are Ignored; events whose parent entity is not yet stored are
// Deferred for the next full sync.
func (i *Ingester) Handle(ctx context.Context, eventType, deliveryID string, payload []byte) (Result, error) {
	var (
		res  Result
		repo *models.Repository
		err  error
	)

	switch eventType {
	case "pull_request":
		repo, res, err = i.handlePullRequest(ctx, payload)
	case "push":
		repo, res, err = i.handlePush(ctx, payload)
	case "pull_request_review":
		repo, res, err = i.handleReview(ctx, payload)
	case "check_run":
		repo, res, err = i.handleCheckRun(ctx, payload)
	case "issue_comment":
		repo, res, err = i.handleIssueComment(ctx, payload)
	case "pull_request_review_comment":
		repo, res, err = i.handleReviewComment(ctx, payload)
	case "deployment":
		repo, res, err = i.handleDeployment(ctx, payload)
	default:
		logger.Debug("ignoring webhook event type",
			zap.String("event", eventType), zap.String("delivery_id", deliveryID))
		return Ignored, nil
	}
	if err != nil {
		return res, fmt.Errorf("webhook %s delivery %s: %w", eventType, deliveryID, err)
	}

	logger.Info("webhook delivery handled",
		zap.String("event", eventType),
		zap.String("delivery_id", deliveryID),
		zap.String("result", res.String()))

	if repo != nil {
		i.trackDrift(repo.ID, res)
	}
	return res, nil
}

// trackDrift counts consecutive non-applied events per repository and
// enqueues an incremental sync when the streak crosses the threshold.
func (i *Ingester) trackDrift(repoID int64, res Result) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if res == Applied {
		delete(i.unusable, repoID)
		return
	}
	i.unusable[repoID]++
	if i.unusable[repoID] >= i.driftThreshold {
		logger.Warn("repository drifted from remote, enqueuing sync",
			zap.Int64("repository_id", repoID),
			zap.Int("consecutive_unapplied", i.unusable[repoID]))
		delete(i.unusable, repoID)
		if i.enqueue != nil {
			i.enqueue(repoID, models.ModeIncremental)
		}
	}
}

// lookupRepo resolves the tracked repository for an event, or nil when the
// event targets something this engine doesn't track.
func (i *Ingester) lookupRepo(ctx context.Context, ref repoRef) (*models.Repository, error) {
	repo, err := i.store.GetByFullName(ctx, i.tenant, ref.Owner.Login, ref.Name)
	if err != nil {
		if errors.Is(err, db.ErrRepositoryNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !repo.Active {
		return nil, nil
	}
	return repo, nil
}

func (i *Ingester) handlePullRequest(ctx context.Context, payload []byte) (*models.Repository, Result, error) {
	var event pullRequestEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, Ignored, fmt.Errorf("malformed payload: %w", err)
	}
	repo, err := i.lookupRepo(ctx, event.Repository)
	if err != nil || repo == nil {
		return nil, Ignored, err
	}
	pull, err := fetcher.MapPull(repo.TenantID, repo.ID, event.PullRequest)
	if err != nil {
		return repo, Ignored, fmt.Errorf("unmappable pull request: %w", err)
	}
	if _, err := i.store.UpsertPull(ctx, pull); err != nil {
		return repo, Ignored, err
	}
	return repo, Applied, nil
}

func (i *Ingester) handlePush(ctx context.Context, payload []byte) (*models.Repository, Result, error) {
	var event pushEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, Ignored, fmt.Errorf("malformed payload: %w", err)
	}
	repo, err := i.lookupRepo(ctx, event.Repository)
	if err != nil || repo == nil {
		return nil, Ignored, err
	}
	applied := 0
	for _, raw := range event.Commits {
		if raw.ID == "" || raw.Timestamp.IsZero() {
			continue
		}
		commit := models.Commit{
			TenantID:     repo.TenantID,
			RepositoryID: repo.ID,
			ExternalID:   raw.ID,
			Message:      raw.Message,
			AuthorName:   raw.Author.Name,
			AuthorEmail:  raw.Author.Email,
			CommittedAt:  raw.Timestamp,
			UpdatedAt:    raw.Timestamp,
		}
		if _, err := i.store.UpsertCommit(ctx, commit); err != nil {
			return repo, Ignored, err
		}
		applied++
	}
	if applied == 0 {
		return repo, Ignored, nil
	}
	return repo, Applied, nil
}

func (i *Ingester) handleReview(ctx context.Context, payload []byte) (*models.Repository, Result, error) {
	var event reviewEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, Ignored, fmt.Errorf("malformed payload: %w", err)
	}
	repo, err := i.lookupRepo(ctx, event.Repository)
	if err != nil || repo == nil {
		return nil, Ignored, err
	}
	if _, err := i.store.GetPullByNumber(ctx, repo.ID, event.PullRequest.Number); err != nil {
		// Parent pull not synced yet; the next full sync picks this up.
		return repo, Deferred, nil
	}
	review, err := fetcher.MapReview(repo.TenantID, repo.ID, event.PullRequest.Number, event.Review)
	if err != nil {
		return repo, Ignored, fmt.Errorf("unmappable review: %w", err)
	}
	if _, err := i.store.UpsertReview(ctx, review); err != nil {
		return repo, Ignored, err
	}
	return repo, Applied, nil
}

func (i *Ingester) handleCheckRun(ctx context.Context, payload []byte) (*models.Repository, Result, error) {
	var event checkRunEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, Ignored, fmt.Errorf("malformed payload: %w", err)
	}
	repo, err := i.lookupRepo(ctx, event.Repository)
	if err != nil || repo == nil {
		return nil, Ignored, err
	}
	if len(event.CheckRun.PullRequests) > 0 {
		number := event.CheckRun.PullRequests[0].Number
		if _, err := i.store.GetPullByNumber(ctx, repo.ID, number); err != nil {
			return repo, Deferred, nil
		}
	}
	run, err := fetcher.MapCheckRun(repo.TenantID, repo.ID, event.CheckRun.CheckRunResponse)
	if err != nil {
		return repo, Ignored, fmt.Errorf("unmappable check run: %w", err)
	}
	if _, err := i.store.UpsertCheckRun(ctx, run); err != nil {
		return repo, Ignored, err
	}
	return repo, Applied, nil
}

func (i *Ingester) handleIssueComment(ctx context.Context, payload []byte) (*models.Repository, Result, error) {
	var event issueCommentEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, Ignored, fmt.Errorf("malformed payload: %w", err)
	}
	if event.Issue.PullRequest == nil {
		// Plain issue comments are not synced.
		return nil, Ignored, nil
	}
	repo, err := i.lookupRepo(ctx, event.Repository)
	if err != nil || repo == nil {
		return nil, Ignored, err
	}
	if _, err := i.store.GetPullByNumber(ctx, repo.ID, event.Issue.Number); err != nil {
		return repo, Deferred, nil
	}
	comment, err := fetcher.MapComment(repo.TenantID, repo.ID, event.Issue.Number, event.Comment)
	if err != nil {
		return repo, Ignored, fmt.Errorf("unmappable comment: %w", err)
	}
	if _, err := i.store.UpsertComment(ctx, comment); err != nil {
		return repo, Ignored, err
	}
	return repo, Applied, nil
}

func (i *Ingester) handleReviewComment(ctx context.Context, payload []byte) (*models.Repository, Result, error) {
	var event reviewCommentEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, Ignored, fmt.Errorf("malformed payload: %w", err)
	}
	repo, err := i.lookupRepo(ctx, event.Repository)
	if err != nil || repo == nil {
		return nil, Ignored, err
	}
	if _, err := i.store.GetPullByNumber(ctx, repo.ID, event.PullRequest.Number); err != nil {
		return repo, Deferred, nil
	}
	comment, err := fetcher.MapComment(repo.TenantID, repo.ID, event.PullRequest.Number, event.Comment)
	if err != nil {
		return repo, Ignored, fmt.Errorf("unmappable comment: %w", err)
	}
	if _, err := i.store.UpsertComment(ctx, comment); err != nil {
		return repo, Ignored, err
	}
	return repo, Applied, nil
}

func (i *Ingester) handleDeployment(ctx context.Context, payload []byte) (*models.Repository, Result, error) {
	var event deploymentEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, Ignored, fmt.Errorf("malformed payload: %w", err)
	}
	repo, err := i.lookupRepo(ctx, event.Repository)
	if err != nil || repo == nil {
		return nil, Ignored, err
	}
	deployment, err := fetcher.MapDeployment(repo.TenantID, repo.ID, event.Deployment)
	if err != nil {
		return repo, Ignored, fmt.Errorf("unmappable deployment: %w", err)
	}
	if _, err := i.store.UpsertDeployment(ctx, deployment); err != nil {
		return repo, Ignored, err
	}
	return repo, Applied, nil
}
