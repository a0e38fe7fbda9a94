// Package aggregate talks to the service that owns the derived per-user
// post count.
//
// [Client] is the caller side of the set-count RPC and implements
// store.AggregateSetter. [NewHandler] is the serving side, backed by any
// store.AggregateSetter; postsync runs it with the aggregate-server command.
//
// The RPC is
//
//	PUT {base}/internal/users/{ownerID}/post-count
//	{"count": 7}
//
// and succeeds with a 2xx status and the body {"ok": true}.
package aggregate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/surrealdb/postsync/pkg/store"
)

// ErrMalformedResponse is returned when a 2xx response body is not {"ok": true}.
var ErrMalformedResponse = errors.New("malformed aggregate response")

const maxErrorBody = 1 << 10

// SetCountRequest is the body of the set-count RPC.
type SetCountRequest struct {
	Count int64 `json:"count"`
}

// SetCountResponse is the body of a successful set-count RPC.
type SetCountResponse struct {
	OK bool `json:"ok"`
}

// RPCError is a non-2xx answer from the aggregate service.
type RPCError struct {
	StatusCode int
	Body       string
	Retryable  bool
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("aggregate API error: status=%d, body=%s", e.StatusCode, e.Body)
}

// retryableStatus reports whether a failed status is worth another attempt.
func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

// Client calls the aggregate service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	authToken  string
}

// NewClient returns a client for the service at baseURL.
// Callers bound each call with a context deadline; the client timeout is a backstop.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetAuthToken sets the bearer token sent with every request.
func (c *Client) SetAuthToken(token string) {
	c.authToken = token
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	return c.httpClient.Do(req)
}

// decodeResponse classifies the status and decodes a success body into target.
func decodeResponse(resp *http.Response, target any) error {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		rpcErr := &RPCError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			Retryable:  retryableStatus(resp.StatusCode),
		}
		if !rpcErr.Retryable {
			return store.Permanent(rpcErr)
		}
		return rpcErr
	}

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

// SetCount overwrites the post count of ownerID.
//
// Network errors, timeouts, 5xx, 408 and 429 answers and malformed bodies are
// retryable. Other 4xx answers are marked with store.Permanent.
func (c *Client) SetCount(ctx context.Context, ownerID string, value int64) error {
	path := "/internal/users/" + url.PathEscape(ownerID) + "/post-count"

	resp, err := c.doRequest(ctx, http.MethodPut, path, SetCountRequest{Count: value})
	if err != nil {
		return fmt.Errorf("set post count request failed: %w", err)
	}

	var result SetCountResponse
	if err := decodeResponse(resp, &result); err != nil {
		return fmt.Errorf("set post count of %s: %w", ownerID, err)
	}
	if !result.OK {
		return fmt.Errorf("set post count of %s: %w: ok=false", ownerID, ErrMalformedResponse)
	}
	return nil
}
