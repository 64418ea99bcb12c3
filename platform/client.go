package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	perrors "github.com/vinayprograms/postflow/errors"
	"github.com/vinayprograms/postflow/logging"
	"github.com/vinayprograms/postflow/ratelimit"
	"github.com/vinayprograms/postflow/telemetry"
)

// resourcePosts is the rate limiter key for CreatePost.
const resourcePosts = "platform.create_post"

// Client calls the business profile API.
type Client struct {
	cfg     Config
	tokens  oauth2.TokenSource
	http    *http.Client
	limiter ratelimit.RateLimiter
	logger  *logging.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the transport client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithLimiter shares a limiter between clients.
func WithLimiter(l ratelimit.RateLimiter) Option {
	return func(c *Client) {
		c.limiter = l
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient creates a client that authorizes with tokens.
func NewClient(tokens oauth2.TokenSource, cfg Config, opts ...Option) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:    cfg,
		tokens: tokens,
		http:   &http.Client{},
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.limiter == nil {
		c.limiter = ratelimit.NewMemoryLimiter()
	}
	c.limiter.SetCapacity(resourcePosts, cfg.PostsPerMinute, time.Minute)
	c.logger = c.logger.WithComponent("platform")
	return c
}

// Config returns the effective configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// Token fetches a valid access token, refreshing if needed.
func (c *Client) Token() (*oauth2.Token, error) {
	tok, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("oauth token: %w", err)
	}
	return tok, nil
}

// CreatePost publishes summary with the image at imageURL and returns the
// created post's resource name.
//
// Non-200 answers come back as *APIError. Transport failures and timeouts
// are returned as they are and classify as retryable.
func (c *Client) CreatePost(ctx context.Context, summary, imageURL string) (string, error) {
	if problems := ValidateConfig(c.cfg); len(problems) > 0 {
		return "", perrors.New(perrors.ErrCodeConfig,
			"config errors: "+strings.Join(problems, "; "), perrors.WithRetryable(false))
	}
	if err := c.limiter.Acquire(ctx, resourcePosts); err != nil {
		return "", perrors.Wrap(err, "platform rate limit")
	}

	body, err := json.Marshal(NewLocalPost(summary, imageURL, c.cfg.CTAURL))
	if err != nil {
		return "", err
	}

	ctx, span := telemetry.GetTracer().StartPlatformSpan(ctx, "create_post")
	status, respBody, err := c.do(ctx, c.cfg.Timeout, http.MethodPost, c.cfg.BaseURL+"/"+c.cfg.LocationID+"/localPosts", body)
	if err == nil && status != http.StatusOK {
		err = c.apiError(status, respBody)
	}
	telemetry.GetTracer().EndPlatformSpan(span, status, err)
	if err != nil {
		return "", err
	}

	var created struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(respBody, &created); err != nil || created.Name == "" {
		created.Name = "unknown"
	}
	c.logger.Info("post created", map[string]interface{}{"post": created.Name})
	return created.Name, nil
}

// VerifyLocation fetches the listing and returns its display name.
func (c *Client) VerifyLocation(ctx context.Context) (string, error) {
	if problems := ValidateConfig(c.cfg); len(problems) > 0 {
		return "", perrors.New(perrors.ErrCodeConfig,
			"config errors: "+strings.Join(problems, "; "), perrors.WithRetryable(false))
	}

	ctx, span := telemetry.GetTracer().StartPlatformSpan(ctx, "verify_location")
	status, respBody, err := c.do(ctx, c.cfg.VerifyTimeout, http.MethodGet, c.cfg.BaseURL+"/"+c.cfg.LocationID, nil)
	if err == nil && status != http.StatusOK {
		err = c.apiError(status, respBody)
	}
	telemetry.GetTracer().EndPlatformSpan(span, status, err)
	if err != nil {
		return "", err
	}

	var loc struct {
		LocationName string `json:"locationName"`
	}
	_ = json.Unmarshal(respBody, &loc)
	if loc.LocationName == "" {
		loc.LocationName = c.cfg.LocationID
	}
	c.logger.Info("verified location", map[string]interface{}{"location": loc.LocationName})
	return loc.LocationName, nil
}

func (c *Client) do(ctx context.Context, timeout time.Duration, method, url string, body []byte) (int, []byte, error) {
	tok, err := c.Token()
	if err != nil {
		return 0, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	tok.SetAuthHeader(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("platform request", map[string]interface{}{"method": method, "url": url})
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("platform %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read platform response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// apiError builds the error for a non-200 answer and logs operator hints.
func (c *Client) apiError(status int, body []byte) *APIError {
	text := string(body)
	if len(text) > maxErrorBody {
		text = text[:maxErrorBody]
	}
	e := &APIError{Status: status, Body: text}

	c.logger.Error("platform API error", map[string]interface{}{
		"status":    status,
		"retryable": e.Retryable(),
		"body":      text,
	})
	switch status {
	case http.StatusUnauthorized:
		c.logger.Error("401 Unauthorized: the OAuth token may be revoked; re-run the consent flow and update the token file")
	case http.StatusForbidden:
		c.logger.Error("403 Forbidden: check that the API is enabled, the token has the business.manage scope and the user manages this location")
	case http.StatusNotFound:
		c.logger.Error("404 Not Found: the location id may be wrong", map[string]interface{}{"location": c.cfg.LocationID})
	case http.StatusTooManyRequests:
		c.limiter.AnnounceReduced(resourcePosts, "received 429")
	}
	return e
}
