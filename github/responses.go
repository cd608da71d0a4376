package github

import "time"

// Raw GitHub API response shapes. Mapping to canonical models happens in the
// fetcher package and stays pure.

type RepoResponse struct {
	ID       int64  `json:"id"`
	FullName string `json:"full_name"`
	Name     string `json:"name"`
	Owner    struct {
		Login string `json:"login"`
	} `json:"owner"`
	Private   bool      `json:"private"`
	HTMLURL   string    `json:"html_url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type UserResponse struct {
	Login string `json:"login"`
	ID    int64  `json:"id"`
}

type PullResponse struct {
	ID     int64        `json:"id"`
	Number int          `json:"number"`
	Title  string       `json:"title"`
	State  string       `json:"state"`
	User   UserResponse `json:"user"`
	Head   struct {
		SHA string `json:"sha"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
	Additions int        `json:"additions"`
	Deletions int        `json:"deletions"`
	Merged    bool       `json:"merged"`
	MergedAt  *time.Time `json:"merged_at"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type CommitResponse struct {
	SHA    string `json:"sha"`
	Commit struct {
		Message string `json:"message"`
		Author  struct {
			Name  string    `json:"name"`
			Email string    `json:"email"`
			Date  time.Time `json:"date"`
		} `json:"author"`
	} `json:"commit"`
	HTMLURL string `json:"html_url"`
}

type ReviewResponse struct {
	ID          int64        `json:"id"`
	User        UserResponse `json:"user"`
	State       string       `json:"state"`
	SubmittedAt time.Time    `json:"submitted_at"`
}

type CheckRunResponse struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	HeadSHA     string     `json:"head_sha"`
	Status      string     `json:"status"`
	Conclusion  string     `json:"conclusion"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// CheckRunsResponse is the envelope GitHub wraps check run listings in.
type CheckRunsResponse struct {
	TotalCount int                `json:"total_count"`
	CheckRuns  []CheckRunResponse `json:"check_runs"`
}

type FileResponse struct {
	Filename  string `json:"filename"`
	Status    string `json:"status"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

type CommentResponse struct {
	ID        int64        `json:"id"`
	User      UserResponse `json:"user"`
	Body      string       `json:"body"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

type DeploymentResponse struct {
	ID          int64     `json:"id"`
	SHA         string    `json:"sha"`
	Ref         string    `json:"ref"`
	Environment string    `json:"environment"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
