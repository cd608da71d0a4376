package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"ghingest/logger"
)

// BackoffPolicy controls retry behavior for transient failures.
type BackoffPolicy struct {
	Base       time.Duration
	Cap        time.Duration
	MaxRetries int
	Jitter     float64 // fraction of the delay randomized in both directions
}

// Delay computes the jittered exponential delay for the given attempt.
func (b BackoffPolicy) Delay(attempt int) time.Duration {
	d := b.Base << attempt
	if d > b.Cap || d <= 0 {
		d = b.Cap
	}
	if b.Jitter > 0 {
		spread := float64(d) * b.Jitter
		d = time.Duration(float64(d) + (rand.Float64()*2-1)*spread)
	}
	return d
}

// Client issues authenticated requests against the GitHub API through the
// credential pool. Every response refreshes the issuing credential's quota
// snapshot from headers.
type Client struct {
	pool       *Pool
	httpClient *http.Client
	baseURL    *url.URL
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[*http.Response]
	backoff    BackoffPolicy
	pageSize   int
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the API base URL (used by tests).
func WithBaseURL(raw string) ClientOption {
	return func(c *Client) {
		if u, err := url.Parse(raw); err == nil {
			c.baseURL = u
		}
	}
}

// WithBackoff sets the transient-retry policy.
func WithBackoff(b BackoffPolicy) ClientOption {
	return func(c *Client) { c.backoff = b }
}

// WithRequestsPerSecond paces outbound requests.
func WithRequestsPerSecond(rps float64) ClientOption {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), 1) }
}

// WithPageSize bounds per_page on list requests (capped at 100 by the API).
func WithPageSize(n int) ClientOption {
	return func(c *Client) {
		if n > 0 && n <= 100 {
			c.pageSize = n
		}
	}
}

// NewClient creates a GitHub API client backed by the credential pool.
func NewClient(pool *Pool, opts ...ClientOption) *Client {
	baseURL, _ := url.Parse("https://api.github.com")
	c := &Client{
		pool: pool,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL:  baseURL,
		limiter:  rate.NewLimiter(rate.Limit(5), 1),
		backoff:  BackoffPolicy{Base: 500 * time.Millisecond, Cap: 30 * time.Second, MaxRetries: 4, Jitter: 0.2},
		pageSize: 100,
	}
	c.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name: "github",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 8
		},
		Timeout: 30 * time.Second,
	})
	for _, opt := range opts {
		opt(c)
	}
	logger.Info("initializing GitHub client",
		zap.String("base_url", c.baseURL.String()),
		zap.Int("credentials", pool.Size()))
	return c
}

// get performs one GET with pool-managed auth, pacing, breaker protection and
// bounded transient retries. The caller owns the response body on success.
func (c *Client) get(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	reqURL := c.baseURL.ResolveReference(&url.URL{Path: path})
	if query != nil {
		reqURL.RawQuery = query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= c.backoff.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff.Delay(attempt - 1)
			logger.Debug("retrying request",
				zap.String("url", reqURL.String()),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		cred, err := c.pool.Acquire()
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", fmt.Sprintf("token %s", cred.Token))
		req.Header.Set("Accept", "application/vnd.github.v3+json")

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			return c.httpClient.Do(req)
		})
		if err != nil {
			// Transport failure or open breaker: transient.
			lastErr = err
			continue
		}

		remaining, resetAt, hasQuota := parseQuotaHeaders(resp)
		if hasQuota {
			c.pool.Observe(cred.Token, remaining, resetAt)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return resp, nil
		case (resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests) && hasQuota && remaining == 0:
			// Out-of-band quota loss: force the credential empty and surface
			// the reset so the orchestrator can pause.
			drainAndClose(resp)
			c.pool.Observe(cred.Token, 0, resetAt)
			return nil, &RateLimitedError{ResetAt: resetAt}
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			drainAndClose(resp)
			return nil, fmt.Errorf("%w: status %d for %s", ErrUnauthorized, resp.StatusCode, path)
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			drainAndClose(resp)
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		case resp.StatusCode >= 500:
			drainAndClose(resp)
			lastErr = fmt.Errorf("server error: status %d for %s", resp.StatusCode, path)
			continue
		default:
			drainAndClose(resp)
			return nil, fmt.Errorf("unexpected status %d for %s", resp.StatusCode, path)
		}
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", c.backoff.MaxRetries+1, lastErr)
}

// getJSON decodes a single-object response.
func getJSON(ctx context.Context, c *Client, path string, query url.Values, out any) error {
	resp, err := c.get(ctx, path, query)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response for %s: %w", path, err)
	}
	return nil
}

// FetchRepo fetches repository metadata, primarily to resolve the external id
// when tracking is enabled.
func (c *Client) FetchRepo(ctx context.Context, owner, name string) (*RepoResponse, error) {
	var repo RepoResponse
	path := fmt.Sprintf("/repos/%s/%s", owner, name)
	if err := getJSON(ctx, c, path, nil, &repo); err != nil {
		return nil, err
	}
	return &repo, nil
}

// FetchPull fetches a single pull request with full detail (list responses
// omit additions/deletions).
func (c *Client) FetchPull(ctx context.Context, owner, name string, number int) (*PullResponse, error) {
	var pull PullResponse
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, name, number)
	if err := getJSON(ctx, c, path, nil, &pull); err != nil {
		return nil, err
	}
	return &pull, nil
}

// parseQuotaHeaders extracts rate limit metadata from a response.
func parseQuotaHeaders(resp *http.Response) (remaining int, resetAt time.Time, ok bool) {
	rem := resp.Header.Get("X-RateLimit-Remaining")
	if rem == "" {
		return 0, time.Time{}, false
	}
	remaining, err := strconv.Atoi(rem)
	if err != nil {
		return 0, time.Time{}, false
	}
	reset, _ := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64)
	return remaining, time.Unix(reset, 0), true
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
