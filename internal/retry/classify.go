package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Class buckets upstream failures for retry and alerting decisions.
type Class int

const (
	ClassUnknown Class = iota
	ClassRateLimit
	ClassClientError
	ClassServerError
	ClassNotAvailable
	ClassTimeout
	ClassParsing
	ClassValidation
)

// String returns the string representation of the class
func (c Class) String() string {
	switch c {
	case ClassRateLimit:
		return "rate-limit"
	case ClassClientError:
		return "client-error"
	case ClassServerError:
		return "server-error"
	case ClassNotAvailable:
		return "not-available"
	case ClassTimeout:
		return "timeout"
	case ClassParsing:
		return "parsing"
	case ClassValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failure of this class is worth another attempt.
// Client errors, missing resources and malformed payloads will not improve
// on retry.
func (c Class) Retryable() bool {
	switch c {
	case ClassRateLimit, ClassServerError, ClassTimeout:
		return true
	default:
		return false
	}
}

// StatusError represents an HTTP-level failure from the upstream API.
type StatusError struct {
	StatusCode int
	Status     string
	// RetryAfter is the wait suggested by the upstream, zero if absent.
	RetryAfter time.Duration
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: %s", e.Status, e.Body)
	}
	return e.Status
}

// ValidationError marks malformed input detected before an upstream call.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// ParseError wraps a payload that could not be decoded.
type ParseError struct {
	Op  string
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse %s: %v", e.Op, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// rateLimitPhrases are in-band markers some upstream endpoints use instead
// of a 429 status.
var rateLimitPhrases = []string{"rate limit", "too many requests"}

// Classify maps an arbitrary error onto the failure taxonomy.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	var ve *ValidationError
	if errors.As(err, &ve) {
		return ClassValidation
	}

	var pe *ParseError
	if errors.As(err, &pe) {
		return ClassParsing
	}
	var jse *json.SyntaxError
	var jte *json.UnmarshalTypeError
	if errors.As(err, &jse) || errors.As(err, &jte) {
		return ClassParsing
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusTooManyRequests:
			return ClassRateLimit
		case se.StatusCode == http.StatusNotFound:
			return ClassNotAvailable
		case se.StatusCode == http.StatusRequestTimeout:
			return ClassTimeout
		case se.StatusCode >= 400 && se.StatusCode < 500:
			return ClassClientError
		case se.StatusCode >= 500:
			return ClassServerError
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTimeout
	}

	msg := strings.ToLower(err.Error())
	for _, p := range rateLimitPhrases {
		if strings.Contains(msg, p) {
			return ClassRateLimit
		}
	}

	return ClassUnknown
}

// APIError is the typed error returned by the retry wrapper. It carries the
// operation name and the classification of the final failure.
type APIError struct {
	Op    string
	Class Class
	Err   error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// ClassOf extracts the classification from an error, classifying raw errors
// on the fly.
func ClassOf(err error) Class {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Class
	}
	return Classify(err)
}

// IsNotAvailable reports whether err is a 404-style soft miss. Those signal
// "feature not supported for this resource" and are never counted as
// failures.
func IsNotAvailable(err error) bool {
	return ClassOf(err) == ClassNotAvailable
}
