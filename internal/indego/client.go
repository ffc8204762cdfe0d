// Package indego is the HTTP transport for the Bosch Indego cloud API. It
// issues single requests and classifies failures; retries, rate limiting and
// caching live in the layers above.
package indego

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultBaseURL   = "https://api.indego-cloud.iot.bosch-si.com/api/v1/"
	DefaultUserAgent = "HA/Indego"

	defaultTimeout       = 30 * time.Second
	defaultLongPollGrace = 30 * time.Second
	maxBodyBytes         = 16 << 20
	maxErrorBodyBytes    = 256
)

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type Config struct {
	BaseURL   string
	UserAgent string
	// Timeout bounds ordinary requests.
	Timeout time.Duration
	// LongPollGrace is added to the server side long-poll timeout.
	LongPollGrace time.Duration
}

type Client struct {
	baseURL    *url.URL
	userAgent  string
	timeout    time.Duration
	grace      time.Duration
	httpClient *http.Client
	tokens     TokenSource
	logger     *slog.Logger
	now        func() time.Time
}

func NewClient(cfg Config, tokens TokenSource, logger *slog.Logger) (*Client, error) {
	return NewClientWithHTTPClient(cfg, tokens, &http.Client{}, logger)
}

// NewClientWithHTTPClient uses httpClient as is. Its Timeout should be zero;
// per-request deadlines are applied through the request context.
func NewClientWithHTTPClient(cfg Config, tokens TokenSource, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		raw = DefaultBaseURL
	}
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("parse base url: %q is not absolute", raw)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Client{
		baseURL:    base,
		userAgent:  strings.TrimSpace(cfg.UserAgent),
		timeout:    cfg.Timeout,
		grace:      cfg.LongPollGrace,
		httpClient: httpClient,
		tokens:     tokens,
		logger:     logger,
		now:        time.Now,
	}
	if c.userAgent == "" {
		c.userAgent = DefaultUserAgent
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.grace <= 0 {
		c.grace = defaultLongPollGrace
	}
	return c, nil
}

// Close releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

type request struct {
	method  string
	path    string
	query   url.Values
	body    any
	timeout time.Duration
}

type response struct {
	status      int
	contentType string
	body        []byte
}

func (c *Client) do(ctx context.Context, r request) (*response, error) {
	timeout := r.timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := c.baseURL.ResolveReference(&url.URL{Path: r.path, RawQuery: r.query.Encode()})
	var payload io.Reader
	if r.body != nil {
		encoded, err := json.Marshal(r.body)
		if err != nil {
			return nil, &APIError{Kind: KindRequest, Method: r.method, Path: r.path, Err: err}
		}
		payload = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(reqCtx, r.method, endpoint.String(), payload)
	if err != nil {
		return nil, &APIError{Kind: KindRequest, Method: r.method, Path: r.path, Err: err}
	}
	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", requestID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &APIError{Kind: KindAuth, Method: r.method, Path: r.path, RequestID: requestID, Err: err}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	started := c.now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &APIError{Kind: classifyTransportError(err), Method: r.method, Path: r.path, RequestID: requestID, Err: err}
	}
	defer resp.Body.Close()

	c.logger.Debug("indego request",
		"method", r.method,
		"path", r.path,
		"status", resp.StatusCode,
		"request_id", requestID,
		"duration", c.now().Sub(started),
	)

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		apiErr := &APIError{
			Kind:      kindForStatus(resp.StatusCode),
			Method:    r.method,
			Path:      r.path,
			Status:    resp.StatusCode,
			Message:   strings.TrimSpace(string(body)),
			RequestID: requestID,
		}
		if d, ok := ParseRetryAfter(resp.Header.Get("Retry-After"), c.now()); ok {
			apiErr.RetryAfter = d
		}
		return nil, apiErr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &APIError{Kind: classifyTransportError(err), Method: r.method, Path: r.path, Status: resp.StatusCode, RequestID: requestID, Err: err}
	}
	return &response{status: resp.StatusCode, contentType: resp.Header.Get("Content-Type"), body: body}, nil
}

func decodeError(method, path string, err error) error {
	return &APIError{Kind: KindDecode, Method: method, Path: path, Err: err}
}
