package models

import "time"

// SyncStatus is the sync state of a tracked repository.
type SyncStatus string

const (
	StatusPending     SyncStatus = "PENDING"
	StatusSyncing     SyncStatus = "SYNCING"
	StatusComplete    SyncStatus = "COMPLETE"
	StatusFailed      SyncStatus = "FAILED"
	StatusRateLimited SyncStatus = "RATE_LIMITED"
)

// legalTransitions enumerates the only allowed status changes. Anything not
// listed here is an invariant violation.
var legalTransitions = map[SyncStatus][]SyncStatus{
	StatusPending:     {StatusSyncing},
	StatusSyncing:     {StatusComplete, StatusFailed, StatusRateLimited, StatusPending},
	StatusComplete:    {StatusSyncing},
	StatusFailed:      {StatusSyncing},
	StatusRateLimited: {StatusSyncing},
}

// CanTransition reports whether moving from s to next is a legal transition.
func (s SyncStatus) CanTransition(next SyncStatus) bool {
	for _, t := range legalTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status value.
func (s SyncStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusComplete, StatusFailed, StatusRateLimited:
		return true
	}
	return false
}

// SyncMode selects bootstrap vs incremental behavior for a run.
type SyncMode string

const (
	// ModeAuto picks bootstrap when the repository has never completed a
	// sync, incremental otherwise.
	ModeAuto        SyncMode = "AUTO"
	ModeBootstrap   SyncMode = "BOOTSTRAP"
	ModeIncremental SyncMode = "INCREMENTAL"
)

// EntityKind identifies one syncable entity type.
type EntityKind string

const (
	KindPullRequests EntityKind = "pull_requests"
	KindCommits      EntityKind = "commits"
	KindReviews      EntityKind = "reviews"
	KindCheckRuns    EntityKind = "check_runs"
	KindFiles        EntityKind = "files"
	KindComments     EntityKind = "comments"
	KindDeployments  EntityKind = "deployments"
)

// EntityKinds lists all kinds in dependency order: pull requests first so
// that child fetchers always have valid parent references.
var EntityKinds = []EntityKind{
	KindPullRequests,
	KindCommits,
	KindReviews,
	KindCheckRuns,
	KindFiles,
	KindComments,
	KindDeployments,
}

// Window bounds a sync run. A zero Since means full history.
type Window struct {
	Since time.Time
	Mode  SyncMode
}

// BootstrapWindow returns the window for a first sync reaching back the given
// number of days. days == 0 requests full history.
func BootstrapWindow(now time.Time, days int) Window {
	w := Window{Mode: ModeBootstrap}
	if days > 0 {
		w.Since = now.AddDate(0, 0, -days)
	}
	return w
}

// IncrementalWindow returns the window for a sync since the last successful
// run.
func IncrementalWindow(lastSyncedAt time.Time) Window {
	return Window{Since: lastSyncedAt, Mode: ModeIncremental}
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return w.Since.IsZero() || !t.Before(w.Since)
}

// PullRef is the parent reference handed to child-entity fetchers. UpdatedAt
// is the pull request's source-reported timestamp, inherited by child records
// that carry none of their own.
type PullRef struct {
	Number    int       `db:"number"`
	HeadSHA   string    `db:"head_sha"`
	UpdatedAt time.Time `db:"updated_at"`
}

// SyncResult is the outcome of one entity fetcher run.
type SyncResult struct {
	Kind      EntityKind
	Count     int // records successfully mapped and written
	Inserted  int
	Updated   int
	Unchanged int
	Skipped   int      // records dropped for missing required fields
	Errors    []string // non-fatal per-record errors
}

// Merge folds counts from another result for the same kind.
func (r *SyncResult) Merge(other SyncResult) {
	r.Count += other.Count
	r.Inserted += other.Inserted
	r.Updated += other.Updated
	r.Unchanged += other.Unchanged
	r.Skipped += other.Skipped
	r.Errors = append(r.Errors, other.Errors...)
}

// Progress is the read model polled by external consumers. EntitiesTotal and
// EntitiesCompleted count entity kinds in the active run.
type Progress struct {
	Status            SyncStatus `json:"status"`
	ProgressPercent   int        `json:"progress_percent"`
	EntitiesTotal     int        `json:"entities_total"`
	EntitiesCompleted int        `json:"entities_completed"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	LastSyncedAt      *time.Time `json:"last_synced_at,omitempty"`
	Error             string     `json:"error,omitempty"`
}
