// Package models defines the core data structures used throughout the engine.
package models

import "time"

// Repository is a tracked GitHub repository. Its sync_* columns are the
// durable progress contract read by external consumers; they are written only
// by the orchestrator and the webhook ingester.
type Repository struct {
	ID                 int64      `db:"id" json:"id"`
	TenantID           string     `db:"tenant_id" json:"tenant_id"`
	ExternalID         int64      `db:"external_id" json:"external_id"`
	Owner              string     `db:"owner" json:"owner"`
	Name               string     `db:"name" json:"name"`
	Active             bool       `db:"active" json:"active"`
	SyncStatus         SyncStatus `db:"sync_status" json:"sync_status"`
	SyncStartedAt      *time.Time `db:"sync_started_at" json:"sync_started_at,omitempty"`
	SyncProgress       int        `db:"sync_progress" json:"sync_progress"`
	SyncError          string     `db:"sync_error" json:"sync_error,omitempty"`
	EntitiesTotal      int        `db:"entities_total" json:"entities_total"`
	EntitiesCompleted  int        `db:"entities_completed" json:"entities_completed"`
	LastSyncedAt       *time.Time `db:"last_synced_at" json:"last_synced_at,omitempty"`
	RateLimitRemaining int        `db:"rate_limit_remaining" json:"rate_limit_remaining"`
	RateLimitResetAt   *time.Time `db:"rate_limit_reset_at" json:"rate_limit_reset_at,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}

// PullRequest represents a GitHub pull request
type PullRequest struct {
	ID           int64      `db:"id" json:"id"`
	TenantID     string     `db:"tenant_id" json:"tenant_id"`
	RepositoryID int64      `db:"repository_id" json:"repository_id"`
	ExternalID   int64      `db:"external_id" json:"external_id"`
	Number       int        `db:"number" json:"number"`
	Title        string     `db:"title" json:"title"`
	State        string     `db:"state" json:"state"`
	AuthorLogin  string     `db:"author_login" json:"author_login"`
	HeadSHA      string     `db:"head_sha" json:"head_sha"`
	BaseRef      string     `db:"base_ref" json:"base_ref"`
	Additions    int        `db:"additions" json:"additions"`
	Deletions    int        `db:"deletions" json:"deletions"`
	Merged       bool       `db:"merged" json:"merged"`
	MergedAt     *time.Time `db:"merged_at" json:"merged_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// Commit represents a GitHub commit
type Commit struct {
	ID           int64     `db:"id" json:"id"`
	TenantID     string    `db:"tenant_id" json:"tenant_id"`
	RepositoryID int64     `db:"repository_id" json:"repository_id"`
	ExternalID   string    `db:"external_id" json:"external_id"` // commit SHA
	PullNumber   int       `db:"pull_number" json:"pull_number"`
	Message      string    `db:"message" json:"message"`
	AuthorName   string    `db:"author_name" json:"author_name"`
	AuthorEmail  string    `db:"author_email" json:"author_email"`
	CommittedAt  time.Time `db:"committed_at" json:"committed_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Review represents a pull request review
type Review struct {
	ID           int64     `db:"id" json:"id"`
	TenantID     string    `db:"tenant_id" json:"tenant_id"`
	RepositoryID int64     `db:"repository_id" json:"repository_id"`
	ExternalID   int64     `db:"external_id" json:"external_id"`
	PullNumber   int       `db:"pull_number" json:"pull_number"`
	AuthorLogin  string    `db:"author_login" json:"author_login"`
	State        string    `db:"state" json:"state"`
	SubmittedAt  time.Time `db:"submitted_at" json:"submitted_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// CheckRun represents a check run on a pull request's head commit
type CheckRun struct {
	ID           int64      `db:"id" json:"id"`
	TenantID     string     `db:"tenant_id" json:"tenant_id"`
	RepositoryID int64      `db:"repository_id" json:"repository_id"`
	ExternalID   int64      `db:"external_id" json:"external_id"`
	HeadSHA      string     `db:"head_sha" json:"head_sha"`
	Name         string     `db:"name" json:"name"`
	Status       string     `db:"status" json:"status"`
	Conclusion   string     `db:"conclusion" json:"conclusion"`
	StartedAt    *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// ChangedFile represents one file touched by a pull request. GitHub assigns
// no id to file entries, so the external id is "<pull number>:<filename>" and
// the newest-wins timestamp is inherited from the pull request.
type ChangedFile struct {
	ID           int64     `db:"id" json:"id"`
	TenantID     string    `db:"tenant_id" json:"tenant_id"`
	RepositoryID int64     `db:"repository_id" json:"repository_id"`
	ExternalID   string    `db:"external_id" json:"external_id"`
	PullNumber   int       `db:"pull_number" json:"pull_number"`
	Filename     string    `db:"filename" json:"filename"`
	Status       string    `db:"status" json:"status"`
	Additions    int       `db:"additions" json:"additions"`
	Deletions    int       `db:"deletions" json:"deletions"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Comment represents an issue or review comment on a pull request
type Comment struct {
	ID           int64     `db:"id" json:"id"`
	TenantID     string    `db:"tenant_id" json:"tenant_id"`
	RepositoryID int64     `db:"repository_id" json:"repository_id"`
	ExternalID   int64     `db:"external_id" json:"external_id"`
	PullNumber   int       `db:"pull_number" json:"pull_number"`
	AuthorLogin  string    `db:"author_login" json:"author_login"`
	Body         string    `db:"body" json:"body"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Deployment represents a GitHub deployment
type Deployment struct {
	ID           int64     `db:"id" json:"id"`
	TenantID     string    `db:"tenant_id" json:"tenant_id"`
	RepositoryID int64     `db:"repository_id" json:"repository_id"`
	ExternalID   int64     `db:"external_id" json:"external_id"`
	SHA          string    `db:"sha" json:"sha"`
	Ref          string    `db:"ref" json:"ref"`
	Environment  string    `db:"environment" json:"environment"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Checkpoint is the last durably committed pagination cursor for one entity
// kind of one repository.
type Checkpoint struct {
	RepositoryID int64      `db:"repository_id" json:"repository_id"`
	Kind         EntityKind `db:"entity_kind" json:"entity_kind"`
	Cursor       string     `db:"cursor" json:"cursor"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}
