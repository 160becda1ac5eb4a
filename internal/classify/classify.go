// Package classify maps raw transport and HTTP failures into a closed
// taxonomy with a retryability verdict. Every failure that reaches the
// retry layer goes through here; nothing escapes unclassified.
package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"os"
	"strconv"
	"syscall"
	"time"
)

// Category is the failure class of a ClassifiedError.
type Category string

const (
	CategoryAuth            Category = "auth"
	CategoryPermission      Category = "permission"
	CategoryRateLimit       Category = "rate_limit"
	CategoryServer          Category = "server"
	CategoryTimeout         Category = "timeout"
	CategoryConnection      Category = "connection"
	CategoryParse           Category = "parse"
	CategoryInvalidResponse Category = "invalid_response"
	CategoryClient          Category = "client"
	CategorySystem          Category = "system"
)

// ClassifiedError is a failure tagged with a category from the closed set.
// StatusCode is 0 for non-HTTP failures and RetryAfter is 0 when the server
// gave no hint.
type ClassifiedError struct {
	Category   Category
	Message    string
	StatusCode int
	RetryAfter time.Duration
	// ResumeReset signals that the current resume offset is invalid and the
	// next attempt must start from byte zero (416, or a full-content reply
	// to a ranged request).
	ResumeReset bool
	Err         error
}

func (e *ClassifiedError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Category, e.Message, e.StatusCode)
	}

	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure class is worth retrying.
func (e *ClassifiedError) Retryable() bool {
	switch e.Category {
	case CategoryRateLimit, CategoryServer, CategoryTimeout, CategoryConnection:
		return true
	default:
		return false
	}
}

// FromResponse classifies a non-2xx HTTP response. The body is not consumed.
func FromResponse(operation string, resp *http.Response) *ClassifiedError {
	return FromStatus(operation, resp.StatusCode, resp.Header)
}

// FromStatus classifies an HTTP status code. First match wins.
func FromStatus(operation string, status int, header http.Header) *ClassifiedError {
	switch {
	case status == http.StatusUnauthorized:
		return &ClassifiedError{
			Category:   CategoryAuth,
			Message:    operation + " rejected: token is missing, expired or invalid",
			StatusCode: status,
		}
	case status == http.StatusForbidden:
		return &ClassifiedError{
			Category:   CategoryPermission,
			Message:    operation + " rejected: account lacks access to this resource",
			StatusCode: status,
		}
	case status == http.StatusTooManyRequests:
		return &ClassifiedError{
			Category:   CategoryRateLimit,
			Message:    operation + " throttled by the API",
			StatusCode: status,
			RetryAfter: retryAfterHint(header),
		}
	case status == http.StatusRequestedRangeNotSatisfiable:
		return &ClassifiedError{
			Category:    CategoryServer,
			Message:     operation + " range no longer satisfiable",
			StatusCode:  status,
			ResumeReset: true,
		}
	case status >= http.StatusInternalServerError:
		return &ClassifiedError{
			Category:   CategoryServer,
			Message:    operation + " failed on the server side",
			StatusCode: status,
		}
	case status >= http.StatusBadRequest:
		return &ClassifiedError{
			Category:   CategoryClient,
			Message:    operation + " rejected by the API",
			StatusCode: status,
		}
	default:
		return &ClassifiedError{
			Category:   CategoryInvalidResponse,
			Message:    fmt.Sprintf("%s returned unexpected status", operation),
			StatusCode: status,
		}
	}
}

// FromError classifies a transport, parsing or filesystem error. An error
// that is already classified passes through unchanged.
func FromError(operation string, err error) *ClassifiedError {
	var cerr *ClassifiedError
	if errors.As(err, &cerr) {
		return cerr
	}

	switch {
	case isTimeout(err):
		return &ClassifiedError{
			Category: CategoryTimeout,
			Message:  operation + " timed out",
			Err:      err,
		}
	case isParse(err):
		return &ClassifiedError{
			Category: CategoryParse,
			Message:  operation + " returned a malformed payload",
			Err:      err,
		}
	case isConnection(err):
		return &ClassifiedError{
			Category: CategoryConnection,
			Message:  operation + " connection failed",
			Err:      err,
		}
	case isFilesystem(err):
		return &ClassifiedError{
			Category: CategorySystem,
			Message:  operation + " filesystem error; check disk space and directory permissions",
			Err:      err,
		}
	default:
		return &ClassifiedError{
			Category: CategorySystem,
			Message:  operation + " failed: " + err.Error(),
			Err:      err,
		}
	}
}

// Parse parses the failure of decoding a response body.
func Parse(operation string, err error) *ClassifiedError {
	return &ClassifiedError{
		Category: CategoryParse,
		Message:  operation + " returned a malformed payload",
		Err:      err,
	}
}

// InvalidResponse flags a structurally valid but semantically unusable payload.
func InvalidResponse(operation, reason string) *ClassifiedError {
	return &ClassifiedError{
		Category: CategoryInvalidResponse,
		Message:  operation + ": " + reason,
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}

	return os.IsTimeout(err)
}

func isConnection(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	// A stream cut short mid-body behaves like a dropped connection and is
	// recoverable via a ranged retry.
	return errors.Is(err, io.ErrUnexpectedEOF)
}

func isParse(err error) bool {
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return true
	}

	var typeErr *json.UnmarshalTypeError

	return errors.As(err, &typeErr)
}

func isFilesystem(err error) bool {
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return true
	}

	return errors.Is(err, syscall.ENOSPC) || errors.Is(err, fs.ErrPermission)
}

func retryAfterHint(header http.Header) time.Duration {
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}

	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}

	return time.Duration(secs) * time.Second
}
