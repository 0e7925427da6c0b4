// Package ingest pulls board items from an external, rate-limited search API.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"golang.org/x/oauth2"

	"prism-pipeline/domain"
	"prism-pipeline/retry"
)

const (
	DefaultPageSize   = 100
	DefaultAPITimeout = 30 * time.Second
	maxPageBytes      = 8 << 20
)

// Page is one page of search results. NextPage is zero on the last page.
type Page struct {
	Items    []domain.WorkflowItem `json:"items"`
	NextPage int                   `json:"nextPage"`
}

type Config struct {
	BaseURL  string
	PageSize int
	Timeout  time.Duration
	// TokenSource authenticates requests when set.
	TokenSource oauth2.TokenSource
	// HTTPClient is the underlying transport, http.DefaultClient when nil.
	HTTPClient *http.Client
}

// SearchClient pages through the upstream search endpoint.
type SearchClient struct {
	base     *url.URL
	pageSize int
	timeout  time.Duration
	http     *http.Client
}

func NewSearchClient(ctx context.Context, cfg Config) (*SearchClient, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ingest url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid ingest url %q", cfg.BaseURL)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cfg.TokenSource != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
		httpClient = oauth2.NewClient(ctx, cfg.TokenSource)
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultAPITimeout
	}
	return &SearchClient{base: base, pageSize: pageSize, timeout: timeout, http: httpClient}, nil
}

// FetchPage requests a single page. Rate limiting surfaces as *domain.RateLimitError with
// the server's Retry-After hint; 5xx and transport failures as *domain.TransientError.
func (c *SearchClient) FetchPage(ctx context.Context, page int) (Page, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := *c.base
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(c.pageSize))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Page{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		switch {
		case errors.As(err, &retrieveErr):
			return Page{}, fmt.Errorf("ingest token: %w", err)
		case errors.Is(err, context.Canceled):
			return Page{}, err
		}
		return Page{}, domain.Transient(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Page{}, &domain.RateLimitError{RetryAfter: retry.RetryAfterFromResponse(resp)}
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
		return Page{}, domain.Transient(fmt.Errorf("upstream status %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Page{}, fmt.Errorf("upstream status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return Page{}, domain.Transient(err)
	}
	var p Page
	if err := sonic.Unmarshal(body, &p); err != nil {
		return Page{}, fmt.Errorf("decode page %d: %w", page, err)
	}
	return p, nil
}
