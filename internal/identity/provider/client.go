// Package provider talks to the external identity provider used by federated worlds.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"worldgate/internal/identity/models"
	"worldgate/pkg/platform/sentinel"
)

const (
	mePath = "/users/@me"

	defaultTimeout       = 5 * time.Second
	defaultMaxConcurrent = 64
	maxBodyBytes         = 1 << 20
)

// Client fetches the caller's profile from the identity provider. The bearer token is
// forwarded as-is; the provider is trusted to validate it.
type Client struct {
	meURL   string
	http    *http.Client
	timeout time.Duration
	slots   *semaphore.Weighted
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the transport.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithTimeout bounds each profile request, including the wait for a call slot.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.timeout = d
		}
	}
}

// WithMaxConcurrent bounds in-flight requests. Callers beyond the limit queue until
// a slot frees up or their context ends.
func WithMaxConcurrent(n int) Option {
	return func(cl *Client) {
		if n > 0 {
			cl.slots = semaphore.NewWeighted(int64(n))
		}
	}
}

// New builds a client for the provider rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("identity provider base url %q is invalid: %w", baseURL, sentinel.ErrInvalidState)
	}
	c := &Client{
		meURL:   base.String() + mePath,
		timeout: defaultTimeout,
		slots:   semaphore.NewWeighted(defaultMaxConcurrent),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: c.timeout}
	}
	return c, nil
}

// Me returns the validated profile for the bearer token. Only a 200 response with a
// body matching the profile schema is a success.
func (c *Client) Me(ctx context.Context, bearer string) (*models.UserProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.slots.Acquire(ctx, 1); err != nil {
		return nil, newError(ErrorTimeout, 0, fmt.Errorf("wait for provider slot: %w", err))
	}
	defer c.slots.Release(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.meURL, nil)
	if err != nil {
		return nil, newError(ErrorOutage, 0, err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, newError(ErrorTimeout, 0, err)
		}
		return nil, newError(ErrorOutage, 0, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, newError(ErrorRejected, resp.StatusCode, nil)
	case resp.StatusCode == http.StatusNotFound:
		return nil, newError(ErrorNotFound, resp.StatusCode, nil)
	default:
		return nil, newError(ErrorOutage, resp.StatusCode, nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, newError(ErrorOutage, resp.StatusCode, fmt.Errorf("read body: %w", err))
	}
	profile, err := models.ParseUserProfile(body)
	if err != nil {
		return nil, newError(ErrorBadData, resp.StatusCode, err)
	}
	return profile, nil
}
