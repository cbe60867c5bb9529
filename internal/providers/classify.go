package providers

import (
	"errors"
	"net/http"
	"strings"
	"time"
)

// FailureKind is the dispatcher-relevant class of an upstream failure.
type FailureKind int

const (
	// Transient failures are retried without penalizing the credential.
	Transient FailureKind = iota

	// RateLimit failures cool the credential down for a bounded time.
	RateLimit

	// AccessDenied failures exclude the credential; waiting does not help.
	AccessDenied
)

func (k FailureKind) String() string {
	switch k {
	case RateLimit:
		return "rate_limit"
	case AccessDenied:
		return "access_denied"
	default:
		return "transient"
	}
}

var rateLimitMarkers = []string{
	"quota",
	"rate limit",
	"rate-limit",
	"ratelimit",
	"too many requests",
	"resource_exhausted",
	"resource has been exhausted",
}

var accessDeniedMarkers = []string{
	"service_disabled",
	"service disabled",
	"has not been used in project",
	"is disabled",
	"not enabled",
	"permission_denied",
	"api key not valid",
	"api_key_invalid",
}

// Classify maps an upstream error to a failure kind. It is a pure function
// of the error value.
func Classify(err error) FailureKind {
	if err == nil {
		return Transient
	}

	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		switch upErr.StatusCode {
		case http.StatusTooManyRequests:
			return RateLimit
		case http.StatusForbidden, http.StatusUnauthorized:
			return AccessDenied
		}
		switch strings.ToUpper(upErr.Code) {
		case "RATE_LIMIT_EXCEEDED", "RESOURCE_EXHAUSTED":
			return RateLimit
		case "SERVICE_DISABLED", "PERMISSION_DENIED", "API_KEY_INVALID":
			return AccessDenied
		}
		switch strings.ToUpper(upErr.Status) {
		case "RESOURCE_EXHAUSTED":
			return RateLimit
		case "PERMISSION_DENIED", "UNAUTHENTICATED":
			return AccessDenied
		}
	}

	msg := strings.ToLower(err.Error())
	if containsAny(msg, rateLimitMarkers) {
		return RateLimit
	}
	if containsAny(msg, accessDeniedMarkers) {
		return AccessDenied
	}
	return Transient
}

// RetryAfter returns the upstream retry hint carried by err, or zero.
func RetryAfter(err error) time.Duration {
	var upErr *UpstreamError
	if errors.As(err, &upErr) && upErr.RetryAfter > 0 {
		return upErr.RetryAfter
	}
	return 0
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
