package llm

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"
)

// Error classification codes surfaced on session:error.
const (
	CodeContextTooLong = "CONTEXT_TOO_LONG"
	CodeNetworkError   = "NETWORK_ERROR"
	CodeAuthError      = "AUTH_ERROR"
	CodeRateLimit      = "RATE_LIMIT"
)

// APIError is a classified adapter failure. User cancellation is never
// wrapped in an APIError; cancelled streams return partial messages instead.
type APIError struct {
	Code    string
	Message string
	Status  int
	cause   error
}

// Error implements error.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause.
func (e *APIError) Unwrap() error { return e.cause }

// classify maps a wire failure into the engine's error taxonomy:
// HTTP status -> API_ERROR_{code}; context/token overflow strings ->
// CONTEXT_TOO_LONG; 401 -> AUTH_ERROR; 429 -> RATE_LIMIT; transport
// failures -> NETWORK_ERROR.
func classify(err error) *APIError {
	if err == nil {
		return nil
	}

	status := 0
	var anthErr *anthropic.Error
	if errors.As(err, &anthErr) {
		status = anthErr.StatusCode
	}
	var oaiErr *openai.APIError
	if errors.As(err, &oaiErr) {
		status = oaiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		status = reqErr.HTTPStatusCode
	}

	msg := err.Error()
	lower := strings.ToLower(msg)

	switch {
	case isContextOverflow(lower):
		return &APIError{Code: CodeContextTooLong, Message: msg, Status: status, cause: err}
	case status == 401 || strings.Contains(lower, "authentication") || strings.Contains(lower, "invalid api key"):
		return &APIError{Code: CodeAuthError, Message: msg, Status: status, cause: err}
	case status == 429 || strings.Contains(lower, "rate limit"):
		return &APIError{Code: CodeRateLimit, Message: msg, Status: status, cause: err}
	case status > 0:
		return &APIError{Code: fmt.Sprintf("API_ERROR_%d", status), Message: msg, Status: status, cause: err}
	case isNetworkError(err, lower):
		return &APIError{Code: CodeNetworkError, Message: msg, cause: err}
	default:
		return &APIError{Code: CodeNetworkError, Message: msg, cause: err}
	}
}

func isContextOverflow(lower string) bool {
	return strings.Contains(lower, "context length") ||
		strings.Contains(lower, "context_length") ||
		strings.Contains(lower, "maximum context") ||
		strings.Contains(lower, "prompt is too long") ||
		strings.Contains(lower, "too many tokens")
}

func isNetworkError(err error, lower string) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "no such host") ||
		strings.Contains(lower, "dial tcp") ||
		strings.Contains(lower, "eof")
}
