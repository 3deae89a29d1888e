// Package restclient is the shared HTTP/JSON plumbing of the Primary and
// Board adapters: bearer auth, a token-bucket rate limiter, and the mapping
// from transport/HTTP failures onto syncerr kinds.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/jra3/tracker-sync/internal/syncerr"
)

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// New builds a client for one backend. Requests are rate-limited to 5 per
// second with a burst of 50, so a cold store can start without waiting.
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(5), 50),
	}
}

// Get performs a GET and decodes the JSON response into result.
func (c *Client) Get(ctx context.Context, op, path string, query url.Values, result any) error {
	return c.Do(ctx, op, http.MethodGet, path, query, nil, result)
}

// Do performs one request. op names the adapter operation for error
// reporting ("board.CreateTask"). body and result may be nil.
func (c *Client) Do(ctx context.Context, op, method, path string, query url.Values, body, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return syncerr.E(syncerr.KindTransient, op, fmt.Errorf("rate limit wait cancelled: %w", err))
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return syncerr.E(syncerr.KindMalformed, op, fmt.Errorf("marshal request: %w", err))
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return syncerr.E(syncerr.KindMalformed, op, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return syncerr.E(syncerr.KindTransient, op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return syncerr.E(syncerr.KindTransient, op, fmt.Errorf("read response: %w", err))
	}

	if kind, failed := classifyStatus(resp.StatusCode); failed {
		return syncerr.E(kind, op, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(respBody)))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return syncerr.E(syncerr.KindMalformed, op, fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

// classifyStatus maps an HTTP status to an error kind; failed is false for
// success statuses.
func classifyStatus(code int) (kind syncerr.Kind, failed bool) {
	switch {
	case code >= 200 && code < 300:
		return 0, false
	case code == http.StatusNotFound:
		return syncerr.KindNotFound, true
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return syncerr.KindForbidden, true
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return syncerr.KindTransient, true
	default:
		return syncerr.KindMalformed, true
	}
}

func truncate(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
