// rest.go is the shared HTTP scaffold concrete venues are built on.
//
// Every venue request goes through one resty client per venue with a common
// timeout, retry-on-5xx at the transport level, and context propagation.
// Responses are classified into the engine error taxonomy here, so venue
// code never inspects status codes:
//   - 418/429                                          -> DDoSProtection
//   - 5xx, transport errors, timeouts                  -> TemporaryError
//   - remaining 4xx                                    -> ExchangeError
package venue

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"exchange-engine/internal/exerr"
	"exchange-engine/internal/metrics"
)

const (
	restTimeout      = 10 * time.Second
	restRetryCount   = 3
	restRetryWait    = 500 * time.Millisecond
	restRetryMaxWait = 5 * time.Second
)

// RESTClient wraps resty with rate limiting and taxonomy classification.
// One instance is shared by all operations of a venue.
type RESTClient struct {
	http  *resty.Client
	rl    *RateLimiter
	venue string
}

// NewRESTClient creates the venue's HTTP client.
func NewRESTClient(venueName, baseURL string, limits RateLimits) *RESTClient {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(restTimeout).
		SetRetryCount(restRetryCount).
		SetRetryWaitTime(restRetryWait).
		SetRetryMaxWaitTime(restRetryMaxWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &RESTClient{
		http:  httpClient,
		rl:    NewRateLimiter(limits),
		venue: venueName,
	}
}

// Limiter exposes the per-category buckets to venue code that needs to pace
// work outside a plain request (for example multi-call pagination).
func (c *RESTClient) Limiter() *RateLimiter { return c.rl }

// Get performs a rate-limited GET and decodes the JSON body into out.
func (c *RESTClient) Get(ctx context.Context, bucket *TokenBucket, path string, query map[string]string, out any) error {
	return c.do(ctx, bucket, http.MethodGet, path, query, nil, out)
}

// Post performs a rate-limited POST with a JSON body.
func (c *RESTClient) Post(ctx context.Context, bucket *TokenBucket, path string, body, out any) error {
	return c.do(ctx, bucket, http.MethodPost, path, nil, body, out)
}

// Delete performs a rate-limited DELETE with an optional JSON body.
func (c *RESTClient) Delete(ctx context.Context, bucket *TokenBucket, path string, body, out any) error {
	return c.do(ctx, bucket, http.MethodDelete, path, nil, body, out)
}

func (c *RESTClient) do(ctx context.Context, bucket *TokenBucket, method, path string, query map[string]string, body, out any) error {
	if bucket != nil {
		if err := bucket.Wait(ctx); err != nil {
			return exerr.Wrap(exerr.KindTemporary, err, "rate limit wait")
		}
	}

	req := c.http.R().SetContext(ctx)
	if query != nil {
		req.SetQueryParams(query)
	}
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}

	start := time.Now()
	resp, err := req.Execute(method, path)
	metrics.ObserveRESTCall(c.venue, method, time.Since(start), err == nil && resp.StatusCode() < 400)

	if err != nil {
		return exerr.Wrap(exerr.KindTemporary, err, "%s %s", method, path)
	}
	return c.classify(resp, method, path)
}

func (c *RESTClient) classify(resp *resty.Response, method, path string) error {
	code := resp.StatusCode()
	switch {
	case code < 400:
		return nil
	case code == http.StatusTooManyRequests || code == http.StatusTeapot:
		return exerr.New(exerr.KindDDoSProtection, "%s %s: status %d: %s", method, path, code, resp.String())
	case code >= 500:
		return exerr.New(exerr.KindTemporary, "%s %s: status %d: %s", method, path, code, resp.String())
	default:
		return exerr.New(exerr.KindExchange, "%s %s: status %d: %s", method, path, code, resp.String())
	}
}

// Close releases idle connections. Safe to call more than once.
func (c *RESTClient) Close() {
	c.http.GetClient().CloseIdleConnections()
}

// FormatQueryInt renders an integer query value the way venue APIs expect.
func FormatQueryInt(v int64) string { return fmt.Sprintf("%d", v) }
