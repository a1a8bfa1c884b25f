package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lazypower/forgettable/internal/engine"
)

const (
	defaultServerURL = "http://127.0.0.1:6666"
	httpTimeout      = 5 * time.Second
)

// Client talks to a forgettable server.
type Client struct {
	http      *http.Client
	serverURL string
}

// New creates a client for serverURL. An empty serverURL respects the
// FORGETTABLE_URL env var and falls back to http://127.0.0.1:6666.
func New(serverURL string) *Client {
	if serverURL == "" {
		serverURL = os.Getenv("FORGETTABLE_URL")
	}
	if serverURL == "" {
		serverURL = defaultServerURL
	}
	return &Client{
		http:      &http.Client{Timeout: httpTimeout},
		serverURL: strings.TrimRight(serverURL, "/"),
	}
}

// URL returns the server base URL.
func (c *Client) URL() string { return c.serverURL }

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Message)
}

// Unwrap maps the server's error messages back onto engine sentinels.
func (e *StatusError) Unwrap() error {
	switch {
	case e.Code == http.StatusNotFound && e.Message == "bin not found":
		return engine.ErrBinNotFound
	case e.Code == http.StatusNotFound:
		return engine.ErrNotFound
	case e.Code == http.StatusBadRequest:
		return engine.ErrInvalidInput
	case e.Code == http.StatusConflict:
		return engine.ErrConflict
	case e.Code == http.StatusServiceUnavailable:
		return engine.ErrStoreUnavailable
	}
	return nil
}

type envelope struct {
	Status int                  `json:"status"`
	Data   []engine.Probability `json:"data"`
	Error  string               `json:"error"`
}

// Increment adds n to each bin under key.
func (c *Client) Increment(ctx context.Context, key string, n int64, bins ...string) error {
	q := url.Values{"key": {key}, "bin": bins}
	if n != 1 {
		q.Set("n", strconv.FormatInt(n, 10))
	}
	_, err := c.do(ctx, http.MethodPost, "/incr", q)
	return err
}

// Distribution fetches every bin's probability for key.
func (c *Client) Distribution(ctx context.Context, key string) ([]engine.Probability, error) {
	return c.do(ctx, http.MethodGet, "/dist", url.Values{"key": {key}})
}

// MostProbable fetches the n most probable bins for key.
func (c *Client) MostProbable(ctx context.Context, key string, n int) ([]engine.Probability, error) {
	return c.do(ctx, http.MethodGet, "/nmostprobable", url.Values{"key": {key}, "n": {strconv.Itoa(n)}})
}

// Bin fetches one bin's probability.
func (c *Client) Bin(ctx context.Context, key, bin string) (engine.Probability, error) {
	data, err := c.do(ctx, http.MethodGet, "/get", url.Values{"key": {key}, "bin": {bin}})
	if err != nil {
		return engine.Probability{}, err
	}
	if len(data) != 1 {
		return engine.Probability{}, fmt.Errorf("GET /get: expected one bin, got %d", len(data))
	}
	return data[0], nil
}

// Healthy checks if the server is reachable.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL+"/api/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values) ([]engine.Probability, error) {
	var (
		req *http.Request
		err error
	)
	if method == http.MethodPost {
		req, err = http.NewRequestWithContext(ctx, method, c.serverURL+path, strings.NewReader(q.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.serverURL+path+"?"+q.Encode(), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("%s %s: %w", method, path, &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(data))})
		}
		return nil, fmt.Errorf("decode response %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s %s: %w", method, path, &StatusError{Code: resp.StatusCode, Message: env.Error})
	}
	return env.Data, nil
}
