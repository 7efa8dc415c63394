package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tasksync/tasksync/internal/schema"
)

// HTTPError is a non-success response that is not a conflict.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Permanent reports whether retrying the request cannot help.
func (e *HTTPError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 &&
		e.StatusCode != http.StatusRequestTimeout && e.StatusCode != http.StatusTooManyRequests
}

// HTTPClient is a Store backed by a remote Handler.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	now        func() time.Time

	mu    sync.RWMutex
	token string
}

// NewHTTPClient creates a client for baseURL authenticating with token.
func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:7420"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
		now:        time.Now,
	}
}

// SetToken replaces the bearer token after the user signs in again.
func (c *HTTPClient) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = strings.TrimSpace(token)
}

// SessionExpired reports whether the bearer token carries an exp claim in
// the past.
func (c *HTTPClient) SessionExpired() bool {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token == "" {
		return false
	}
	exp, ok := tokenExpiry(token)
	return ok && !c.now().Before(exp)
}

func (c *HTTPClient) Head(ctx context.Context, id string) (Head, error) {
	var head Head
	err := c.doJSON(ctx, http.MethodGet, "/v1/projects/"+url.PathEscape(id)+"/head", nil, nil, &head)
	return head, err
}

func (c *HTTPClient) Get(ctx context.Context, id string) (schema.Project, error) {
	var p schema.Project
	err := c.doJSON(ctx, http.MethodGet, "/v1/projects/"+url.PathEscape(id), nil, nil, &p)
	return p, err
}

func (c *HTTPClient) Put(ctx context.Context, p schema.Project, expected int64) (schema.Project, error) {
	headers := map[string]string{"If-Match": strconv.FormatInt(expected, 10)}
	var stored schema.Project
	err := c.doJSON(ctx, http.MethodPut, "/v1/projects/"+url.PathEscape(p.ID), headers, p, &stored)
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			conflict.ProjectID = p.ID
			conflict.Expected = expected
		}
	}
	return stored, err
}

func (c *HTTPClient) List(ctx context.Context) ([]Head, error) {
	var heads []Head
	err := c.doJSON(ctx, http.MethodGet, "/v1/projects", nil, nil, &heads)
	return heads, err
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, headers map[string]string, body, out any) error {
	if c.SessionExpired() {
		return ErrSessionExpired
	}

	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()

	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return fmt.Errorf("network error: %w", err)
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("network error: %w", readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Actual  int64  `json:"actual"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", ErrSessionExpired, errPayload.Message)
		case http.StatusNotFound:
			return ErrNotFound
		case http.StatusConflict:
			return &ConflictError{Actual: errPayload.Actual}
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
