package resolver

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAllRetriesExhausted is returned when no attempt found both the username and room id tokens.
// Callers log it and move on; it is never fatal to the process.
var ErrAllRetriesExhausted = errors.New("all retries exhausted")

// StatusError reports a non-success HTTP status from a remote endpoint.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string { return fmt.Sprintf("unexpected status %d from %s", e.Code, e.URL) }

// ErrorClass represents whether a resolution error should be retried or not.
type ErrorClass int

const (
	// ErrorClassRetryable indicates a transient failure (network, proxy, rate limit).
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal indicates retrying the same request cannot succeed.
	ErrorClassFatal
	// ErrorClassUnknown indicates the error type cannot be determined.
	ErrorClassUnknown
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify sorts resolution errors into retryable vs fatal.
//
// Fatal (stop retrying this identity for the cycle):
//   - malformed target URLs / unsupported schemes
//   - 404 / 410 from the live page (the handle does not exist)
//
// Retryable: everything else, in particular proxy failures, timeouts, resets, 403/429 (rate limit
// symptoms behind rotating proxies) and 5xx. Unknown errors are treated as retryable so a flaky
// proxy never silently drops an identity.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case 404, 410:
			return ErrorClassFatal
		default:
			return ErrorClassRetryable
		}
	}

	lower := strings.ToLower(err.Error())
	fatalPatterns := []string{
		"unsupported protocol scheme",
		"missing protocol scheme",
		"invalid url",
		"invalid control character in url",
		"no host in request url",
	}
	for _, p := range fatalPatterns {
		if strings.Contains(lower, p) {
			return ErrorClassFatal
		}
	}
	return ErrorClassRetryable
}

// IsRetryable checks if an error should trigger another attempt.
func IsRetryable(err error) bool {
	return Classify(err) == ErrorClassRetryable
}
