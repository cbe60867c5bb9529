package providers

import (
	"fmt"
	"time"
)

// UpstreamError is the normalized form of a failed upstream call.
type UpstreamError struct {
	StatusCode int
	Status     string // provider status, e.g. RESOURCE_EXHAUSTED
	Code       string // provider error code, e.g. RATE_LIMIT_EXCEEDED
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *UpstreamError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != "" {
		return fmt.Sprintf("upstream error %d %s: %s", e.StatusCode, e.Status, msg)
	}
	return fmt.Sprintf("upstream error %d: %s", e.StatusCode, msg)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
