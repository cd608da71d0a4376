package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Page is one page of raw records plus the cursor for the next fetch. The
// cursor is an opaque string callers persist after the page is durably
// committed, so a restart resumes from the last committed page rather than
// the start.
type Page[T any] struct {
	Records    []T
	NextCursor string
	HasMore    bool
}

// FetchPage fetches one page of a list endpoint. An empty cursor starts from
// the first page. Page size is bounded by the client's configured per_page.
func FetchPage[T any](ctx context.Context, c *Client, path string, query url.Values, cursor string) (Page[T], error) {
	var records []T
	resp, page, err := fetchPage(ctx, c, path, query, cursor, &records)
	if err != nil {
		return Page[T]{}, err
	}
	return assemblePage(records, resp.Header.Get("Link"), page), nil
}

// FetchEnvelopePage is FetchPage for endpoints that wrap the list in an
// envelope object (check runs). unwrap extracts the records.
func FetchEnvelopePage[E any, T any](ctx context.Context, c *Client, path string, query url.Values, cursor string, unwrap func(E) []T) (Page[T], error) {
	var envelope E
	resp, page, err := fetchPage(ctx, c, path, query, cursor, &envelope)
	if err != nil {
		return Page[T]{}, err
	}
	return assemblePage(unwrap(envelope), resp.Header.Get("Link"), page), nil
}

// fetchPage resolves the cursor, performs the request and decodes the body
// into out, reporting the page number it fetched.
func fetchPage(ctx context.Context, c *Client, path string, query url.Values, cursor string, out any) (*http.Response, int, error) {
	page := 1
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 1 {
			return nil, 0, fmt.Errorf("invalid page cursor %q", cursor)
		}
		page = n
	}

	q := url.Values{}
	for k, vs := range query {
		q[k] = vs
	}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(c.pageSize))

	resp, err := c.get(ctx, path, q)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nil, 0, fmt.Errorf("failed to decode page for %s: %w", path, err)
	}
	return resp, page, nil
}

// assemblePage derives the next cursor from the Link header. An empty page
// never advertises more, even if the header does.
func assemblePage[T any](records []T, linkHeader string, page int) Page[T] {
	hasMore := hasNextPage(linkHeader) && len(records) > 0
	p := Page[T]{Records: records, HasMore: hasMore}
	if hasMore {
		p.NextCursor = strconv.Itoa(page + 1)
	}
	return p
}

// hasNextPage reports whether a Link header advertises a next page.
func hasNextPage(linkHeader string) bool {
	return strings.Contains(linkHeader, `rel="next"`)
}
