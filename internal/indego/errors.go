package indego

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind classifies a failed cloud request.
type Kind string

const (
	KindNetwork   Kind = "network"
	KindTimeout   Kind = "timeout"
	KindAuth      Kind = "authentication"
	KindRateLimit Kind = "rate_limited"
	KindRequest   Kind = "request"
	KindServer    Kind = "server"
	KindDecode    Kind = "decode"
)

var (
	ErrAuthentication = errors.New("indego: authentication failed")
	ErrRateLimited    = errors.New("indego: rate limited")
	ErrRequest        = errors.New("indego: request rejected")
	ErrServer         = errors.New("indego: server error")
	ErrNetwork        = errors.New("indego: network error")
	ErrTimeout        = errors.New("indego: request timed out")
)

var kindSentinels = map[Kind]error{
	KindAuth:      ErrAuthentication,
	KindRateLimit: ErrRateLimited,
	KindRequest:   ErrRequest,
	KindServer:    ErrServer,
	KindNetwork:   ErrNetwork,
	KindTimeout:   ErrTimeout,
}

// APIError describes a failed request against the cloud API.
type APIError struct {
	Kind       Kind
	Method     string
	Path       string
	Status     int
	Message    string
	RetryAfter time.Duration
	RequestID  string
	Err        error
}

func (e *APIError) Error() string {
	if e == nil {
		return "indego request failed"
	}
	target := strings.TrimSpace(e.Method + " " + e.Path)
	switch {
	case e.Status != 0 && e.Message != "":
		return fmt.Sprintf("indego %s: %s: status %d: %s", e.Kind, target, e.Status, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("indego %s: %s: status %d", e.Kind, target, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("indego %s: %s: %v", e.Kind, target, e.Err)
	default:
		return fmt.Sprintf("indego %s: %s", e.Kind, target)
	}
}

func (e *APIError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *APIError) Is(target error) bool {
	if e == nil {
		return false
	}
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

// KindOf extracts the classification of err, or "" when err is not an API error.
func KindOf(err error) Kind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

// RetryAfterOf returns the server cooldown hint carried by err.
func RetryAfterOf(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status >= 500:
		return KindServer
	default:
		return KindRequest
	}
}

func classifyTransportError(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return KindNetwork
	}
	message := strings.ToLower(err.Error())
	if strings.Contains(message, "timeout") {
		return KindTimeout
	}
	return KindNetwork
}

// ParseRetryAfter reads a Retry-After header given either as delta seconds
// or as an HTTP date. Missing or unparsable values report false.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	at, err := http.ParseTime(value)
	if err != nil {
		return 0, false
	}
	d := at.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}
