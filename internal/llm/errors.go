package llm

import (
	"errors"
	"fmt"
	"net"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ErrorKind classifies an LLM failure for retry decisions and event frames.
type ErrorKind string

const (
	KindRateLimit  ErrorKind = "rate_limit"
	KindTransport  ErrorKind = "transport"
	KindServer     ErrorKind = "server"
	KindBadRequest ErrorKind = "bad_request"
	KindParse      ErrorKind = "parse"
	KindExhausted  ErrorKind = "budget_exhausted"
)

// Error is a classified LLM failure.
type Error struct {
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("llm %s (HTTP %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("llm %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the classification of err, or "" for non-LLM errors.
func KindOf(err error) ErrorKind {
	var lerr *Error
	if errors.As(err, &lerr) {
		return lerr.Kind
	}
	return ""
}

// classify maps transport- and API-level failures onto the error taxonomy.
func classify(err error) *Error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		kind := KindBadRequest
		switch {
		case apiErr.HTTPStatusCode == 429 || isRateLimitCode(apiErr.Code):
			kind = KindRateLimit
		case apiErr.HTTPStatusCode >= 500:
			kind = KindServer
		}
		return &Error{Kind: kind, Status: apiErr.HTTPStatusCode, Message: apiErr.Message, Err: err}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		kind := KindTransport
		switch {
		case reqErr.HTTPStatusCode == 429:
			kind = KindRateLimit
		case reqErr.HTTPStatusCode >= 500:
			kind = KindServer
		case reqErr.HTTPStatusCode >= 400:
			kind = KindBadRequest
		}
		return &Error{Kind: kind, Status: reqErr.HTTPStatusCode, Message: reqErr.Error(), Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &Error{Kind: KindTransport, Message: netErr.Error(), Err: err}
	}
	return &Error{Kind: KindTransport, Message: err.Error(), Err: err}
}

// isRateLimitCode recognizes rate-limit markers in the error body, e.g.
// {"error":{"code":"RATE_LIMIT"}}.
func isRateLimitCode(code any) bool {
	s, ok := code.(string)
	if !ok {
		return false
	}
	s = strings.ToUpper(s)
	return s == "RATE_LIMIT" || s == "RATE_LIMIT_EXCEEDED" || s == "RATE_LIMITED"
}

// isRefused reports whether err looks like an unreachable endpoint, which
// triggers the one-shot endpoint fallback.
func isRefused(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host")
}
