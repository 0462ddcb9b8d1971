// Package notion wraps the Notion API for the run-log database.
package notion

import (
	"context"
	"errors"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/metrics-cli/internal/resilience"
)

// Client is the subset of the Notion API the run log uses.
type Client interface {
	QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error)
	CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error)
}

// ClientOption configures the client returned by NewClient.
type ClientOption func(*apiClient)

// WithRateLimit overrides the default 3 req/s throttle. rps <= 0 disables it.
func WithRateLimit(rps float64) ClientOption {
	return func(c *apiClient) {
		c.limiter = nil
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		}
	}
}

type apiClient struct {
	db      notionapi.DatabaseService
	pages   notionapi.PageService
	limiter *rate.Limiter
}

// NewClient creates a throttled client for the given integration token. Throttling and
// server errors returned by the API are marked retryable for resilience.Do.
func NewClient(token string, opts ...ClientOption) Client {
	inner := notionapi.NewClient(notionapi.Token(token))
	c := &apiClient{
		db:      inner.Database,
		pages:   inner.Page,
		limiter: rate.NewLimiter(3, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *apiClient) QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	return call(ctx, c.limiter, "query database "+dbID, func() (*notionapi.DatabaseQueryResponse, error) {
		return c.db.Query(ctx, notionapi.DatabaseID(dbID), req)
	})
}

func (c *apiClient) CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error) {
	return call(ctx, c.limiter, "create page", func() (*notionapi.Page, error) {
		return c.pages.Create(ctx, req)
	})
}

func call[T any](ctx context.Context, limiter *rate.Limiter, op string, fn func() (T, error)) (T, error) {
	var zero T
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return zero, eris.Wrap(err, "notion: rate limit")
		}
	}
	v, err := fn()
	if err != nil {
		return zero, eris.Wrap(markTransient(err), "notion: "+op)
	}
	return v, nil
}

// markTransient flags API errors whose status is worth retrying.
func markTransient(err error) error {
	var apiErr *notionapi.Error
	if errors.As(err, &apiErr) && resilience.TransientStatus(apiErr.Status) {
		return resilience.Transient(err, apiErr.Status)
	}
	return err
}
