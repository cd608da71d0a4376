package fetcher

import (
	"fmt"

	"ghingest/github"
	"ghingest/models"
)

// Mapping from raw source records to canonical entities. Every function here
// is pure and deterministic; records missing required fields return an error
// and are skipped by the caller rather than aborting the fetch.

// MapPull converts a raw pull request.
func MapPull(tenant string, repoID int64, raw github.PullResponse) (models.PullRequest, error) {
	if raw.ID == 0 || raw.Number == 0 {
		return models.PullRequest{}, fmt.Errorf("pull request missing id or number")
	}
	if raw.UpdatedAt.IsZero() {
		return models.PullRequest{}, fmt.Errorf("pull request #%d missing updated_at", raw.Number)
	}
	return models.PullRequest{
		TenantID:     tenant,
		RepositoryID: repoID,
		ExternalID:   raw.ID,
		Number:       raw.Number,
		Title:        raw.Title,
		State:        raw.State,
		AuthorLogin:  raw.User.Login,
		HeadSHA:      raw.Head.SHA,
		BaseRef:      raw.Base.Ref,
		Additions:    raw.Additions,
		Deletions:    raw.Deletions,
		Merged:       raw.Merged || raw.MergedAt != nil,
		MergedAt:     raw.MergedAt,
		CreatedAt:    raw.CreatedAt,
		UpdatedAt:    raw.UpdatedAt,
	}, nil
}

// MapCommit converts a raw commit. Commits are immutable, so the author date
// doubles as the newest-wins timestamp. pullNumber is zero for repo-level
// fetches.
func MapCommit(tenant string, repoID int64, pullNumber int, raw github.CommitResponse) (models.Commit, error) {
	if raw.SHA == "" {
		return models.Commit{}, fmt.Errorf("commit missing sha")
	}
	if raw.Commit.Author.Date.IsZero() {
		return models.Commit{}, fmt.Errorf("commit %s missing author date", raw.SHA)
	}
	return models.Commit{
		TenantID:     tenant,
		RepositoryID: repoID,
		ExternalID:   raw.SHA,
		PullNumber:   pullNumber,
		Message:      raw.Commit.Message,
		AuthorName:   raw.Commit.Author.Name,
		AuthorEmail:  raw.Commit.Author.Email,
		CommittedAt:  raw.Commit.Author.Date,
		UpdatedAt:    raw.Commit.Author.Date,
	}, nil
}

// MapReview converts a raw pull request review.
func MapReview(tenant string, repoID int64, pullNumber int, raw github.ReviewResponse) (models.Review, error) {
	if raw.ID == 0 {
		return models.Review{}, fmt.Errorf("review missing id")
	}
	if raw.SubmittedAt.IsZero() {
		return models.Review{}, fmt.Errorf("review %d missing submitted_at", raw.ID)
	}
	return models.Review{
		TenantID:     tenant,
		RepositoryID: repoID,
		ExternalID:   raw.ID,
		PullNumber:   pullNumber,
		AuthorLogin:  raw.User.Login,
		State:        raw.State,
		SubmittedAt:  raw.SubmittedAt,
		UpdatedAt:    raw.SubmittedAt,
	}, nil
}

// MapCheckRun converts a raw check run. The freshest of completed_at and
// started_at serves as the newest-wins timestamp.
func MapCheckRun(tenant string, repoID int64, raw github.CheckRunResponse) (models.CheckRun, error) {
	if raw.ID == 0 || raw.HeadSHA == "" {
		return models.CheckRun{}, fmt.Errorf("check run missing id or head sha")
	}
	run := models.CheckRun{
		TenantID:     tenant,
		RepositoryID: repoID,
		ExternalID:   raw.ID,
		HeadSHA:      raw.HeadSHA,
		Name:         raw.Name,
		Status:       raw.Status,
		Conclusion:   raw.Conclusion,
		StartedAt:    raw.StartedAt,
		CompletedAt:  raw.CompletedAt,
	}
	switch {
	case raw.CompletedAt != nil:
		run.UpdatedAt = *raw.CompletedAt
	case raw.StartedAt != nil:
		run.UpdatedAt = *raw.StartedAt
	default:
		return models.CheckRun{}, fmt.Errorf("check run %d missing timestamps", raw.ID)
	}
	return run, nil
}

// MapFile converts a raw changed-file entry. Files carry no id or timestamp
// of their own: the external id is derived from the parent pull request and
// filename, and the timestamp is inherited from the pull request.
func MapFile(tenant string, repoID int64, pull models.PullRef, raw github.FileResponse) (models.ChangedFile, error) {
	if raw.Filename == "" {
		return models.ChangedFile{}, fmt.Errorf("changed file missing filename")
	}
	return models.ChangedFile{
		TenantID:     tenant,
		RepositoryID: repoID,
		ExternalID:   fmt.Sprintf("%d:%s", pull.Number, raw.Filename),
		PullNumber:   pull.Number,
		Filename:     raw.Filename,
		Status:       raw.Status,
		Additions:    raw.Additions,
		Deletions:    raw.Deletions,
		UpdatedAt:    pull.UpdatedAt,
	}, nil
}

// MapComment converts a raw comment.
func MapComment(tenant string, repoID int64, pullNumber int, raw github.CommentResponse) (models.Comment, error) {
	if raw.ID == 0 {
		return models.Comment{}, fmt.Errorf("comment missing id")
	}
	if raw.UpdatedAt.IsZero() {
		return models.Comment{}, fmt.Errorf("comment %d missing updated_at", raw.ID)
	}
	return models.Comment{
		TenantID:     tenant,
		RepositoryID: repoID,
		ExternalID:   raw.ID,
		PullNumber:   pullNumber,
		AuthorLogin:  raw.User.Login,
		Body:         raw.Body,
		CreatedAt:    raw.CreatedAt,
		UpdatedAt:    raw.UpdatedAt,
	}, nil
}

// MapDeployment converts a raw deployment.
func MapDeployment(tenant string, repoID int64, raw github.DeploymentResponse) (models.Deployment, error) {
	if raw.ID == 0 {
		return models.Deployment{}, fmt.Errorf("deployment missing id")
	}
	if raw.CreatedAt.IsZero() {
		return models.Deployment{}, fmt.Errorf("deployment %d missing created_at", raw.ID)
	}
	d := models.Deployment{
		TenantID:     tenant,
		RepositoryID: repoID,
		ExternalID:   raw.ID,
		SHA:          raw.SHA,
		Ref:          raw.Ref,
		Environment:  raw.Environment,
		CreatedAt:    raw.CreatedAt,
		UpdatedAt:    raw.UpdatedAt,
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = raw.CreatedAt
	}
	return d, nil
}
