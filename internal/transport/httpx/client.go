// Package httpx is the authenticated request/response client for the
// control plane. Transient failures (network errors, 408, 429, 5xx) are
// retried with exponential backoff; a per-endpoint circuit breaker opens
// after repeated transient failures so a dead control plane is probed,
// not hammered. 401 is never retried here; it surfaces to the
// orchestrator, which owns the refresh decision.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sony/gobreaker/v2"

	"github.com/cmsuite/cms-agent/internal/logging"
	"github.com/cmsuite/cms-agent/internal/protocol"
)

// ErrUnauthorized is returned on 401 from an authenticated endpoint.
// The orchestrator reacts by refreshing the token and retrying once.
var ErrUnauthorized = errors.New("unauthorized")

// ErrCircuitOpen is returned while an endpoint's breaker is open.
var ErrCircuitOpen = errors.New("circuit open")

// StatusError is a non-2xx response that is not retried.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

const (
	retryAttempts   = 3
	breakerFailures = 5
	breakerOpenFor  = 30 * time.Second
)

// Client issues authenticated calls against the control plane.
type Client struct {
	base *url.URL
	http *retryablehttp.Client
	log  *logging.Logger

	mu      sync.RWMutex
	agentID string
	token   string

	breakerMu sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker[*response]
}

type response struct {
	status int
	body   []byte
}

// New creates a Client for the given base URL. timeout bounds each
// individual request; retryWait seeds the backoff between retries.
func New(baseURL string, timeout, retryWait time.Duration, log *logging.Logger) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = retryAttempts - 1
	rc.RetryWaitMin = retryWait
	rc.RetryWaitMax = 30 * time.Second
	rc.HTTPClient.Timeout = timeout
	rc.Logger = nil
	rc.CheckRetry = checkRetry

	return &Client{
		base:     base,
		http:     rc,
		log:      log,
		breakers: make(map[string]*gobreaker.CircuitBreaker[*response]),
	}, nil
}

// SetCredentials installs the agent id and bearer token used on every
// authenticated call. Called at startup and after each token rotation.
func (c *Client) SetCredentials(agentID, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agentID = agentID
	c.token = token
}

// checkRetry retries network errors and transient statuses only. 401 and
// the other client errors surface immediately.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return true, nil
	}
	return false, nil
}

// breaker returns the circuit breaker for a logical endpoint, creating
// it on first use. Non-transient responses count as successes so a
// misbehaving request cannot open the circuit for everyone else.
func (c *Client) breaker(endpoint string) *gobreaker.CircuitBreaker[*response] {
	c.breakerMu.Lock()
	defer c.breakerMu.Unlock()

	if cb, ok := c.breakers[endpoint]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[*response](gobreaker.Settings{
		Name:        endpoint,
		MaxRequests: 1, // half-open: single trial call
		Timeout:     breakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var se *StatusError
			return errors.As(err, &se) || errors.Is(err, ErrUnauthorized)
		},
	})
	c.breakers[endpoint] = cb
	return cb
}

// do performs one JSON call through the endpoint's breaker and retry
// policy, returning the response body for 2xx statuses.
func (c *Client) do(ctx context.Context, endpoint, method, path string, body any, authenticated bool) (*response, error) {
	resp, err := c.breaker(endpoint).Execute(func() (*response, error) {
		return c.roundTrip(ctx, method, path, body, authenticated)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, endpoint)
	}
	return resp, err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body any, authenticated bool) (*response, error) {
	u := c.base.JoinPath(path)

	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, u.String(), payload)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authenticated {
		c.mu.RLock()
		req.Header.Set("X-Client-Type", protocol.ClientType)
		req.Header.Set("X-Agent-ID", c.agentID)
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		c.mu.RUnlock()
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
	case resp.StatusCode >= 300:
		return &response{status: resp.StatusCode, body: data},
			&StatusError{Code: resp.StatusCode, Body: truncate(string(data), 256)}
	}
	return &response{status: resp.StatusCode, body: data}, nil
}

// Identify asks the control plane to recognise this agent, optionally
// forcing a token renewal. A 409 position conflict decodes into the
// position_error branch rather than failing.
func (c *Client) Identify(ctx context.Context, req protocol.IdentifyRequest) (*protocol.IdentifyOutcome, error) {
	resp, err := c.do(ctx, "identify", http.MethodPost, "api/agent/identify", req, true)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusConflict {
			out := &protocol.IdentifyOutcome{PositionError: true}
			_ = json.Unmarshal(resp.body, out)
			return out, nil
		}
		return nil, err
	}

	var out protocol.IdentifyOutcome
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return nil, fmt.Errorf("decode identify response: %w", err)
	}
	return &out, nil
}

// VerifyMFA exchanges a one-time code for a token during configuration.
func (c *Client) VerifyMFA(ctx context.Context, req protocol.VerifyMFARequest) (*protocol.VerifyMFAResponse, error) {
	resp, err := c.do(ctx, "identify", http.MethodPost, "api/agent/verify-mfa", req, true)
	if err != nil {
		return nil, err
	}

	var out protocol.VerifyMFAResponse
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return nil, fmt.Errorf("decode verify-mfa response: %w", err)
	}
	return &out, nil
}

// SubmitHardwareInventory posts the one-shot host description.
func (c *Client) SubmitHardwareInventory(ctx context.Context, inv protocol.HardwareInventory) error {
	_, err := c.do(ctx, "hardware", http.MethodPost, "api/agent/hardware", inv, true)
	return err
}

// CheckUpdate asks whether a newer agent version exists. A 204 means the
// current version is the latest and returns (nil, nil).
func (c *Client) CheckUpdate(ctx context.Context, currentVersion string) (*protocol.UpdateDescriptor, error) {
	path := "api/agent/update/check?current_version=" + url.QueryEscape(currentVersion)
	resp, err := c.do(ctx, "update_check", http.MethodGet, path, nil, true)
	if err != nil {
		return nil, err
	}
	if resp.status == http.StatusNoContent || len(resp.body) == 0 {
		return nil, nil
	}

	var desc protocol.UpdateDescriptor
	if err := json.Unmarshal(resp.body, &desc); err != nil {
		return nil, fmt.Errorf("decode update descriptor: %w", err)
	}
	return &desc, nil
}

// ReportError delivers one error record. Best-effort: callers enqueue
// offline on failure, they do not retry here beyond the standard policy.
func (c *Client) ReportError(ctx context.Context, report protocol.ErrorReport) error {
	_, err := c.do(ctx, "report_error", http.MethodPost, "api/agent/errors", report, true)
	return err
}

// DownloadPackage streams an update package to destPath. The descriptor
// URL may be absolute (a CDN) or relative to the control plane.
func (c *Client) DownloadPackage(ctx context.Context, rawURL, destPath string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse download url: %w", err)
	}
	if !u.IsAbs() {
		u = c.base.ResolveReference(u)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}
	c.mu.RLock()
	req.Header.Set("X-Client-Type", protocol.ClientType)
	req.Header.Set("X-Agent-ID", c.agentID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.RUnlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode, Body: "download failed"}
	}

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", destPath, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(destPath)
		return fmt.Errorf("write %s: %w", destPath, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(destPath)
		return fmt.Errorf("close %s: %w", destPath, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
