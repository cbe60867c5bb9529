package dispatch

import "time"

// EventType distinguishes streamed fragments from the terminal events.
type EventType int

const (
	EventFragment EventType = iota
	EventDone
	EventFailed
)

// Event is one item of a dispatch stream. Exactly one EventDone or
// EventFailed is emitted per request and it is always the last event.
type Event struct {
	Type    EventType
	Content string
	Failure *Failure
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Type != EventFragment
}

// Emitter receives dispatch events in order. An error from a fragment
// emission aborts the dispatch. Errors from terminal emissions are ignored.
type Emitter interface {
	Emit(Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event) error

func (f EmitterFunc) Emit(e Event) error {
	return f(e)
}

// Reason is the terminal failure category handed to the caller.
type Reason string

const (
	ReasonExhausted    Reason = "exhausted"
	ReasonRateLimit    Reason = "rate_limit"
	ReasonAccessDenied Reason = "access_denied"
	ReasonTransient    Reason = "transient"
	ReasonInterrupted  Reason = "interrupted"
	ReasonCancelled    Reason = "cancelled"
)

// Failure describes why a dispatch ended without a complete answer.
// PoolExhausted is computed from the pool snapshot at the time of failure.
type Failure struct {
	Reason        Reason `json:"reason"`
	PoolExhausted bool   `json:"pool_exhausted"`
}

// Exhausted reports whether the failure is due to quota pressure rather
// than a one-off error.
func (f Failure) Exhausted() bool {
	return f.PoolExhausted || f.Reason == ReasonExhausted || f.Reason == ReasonRateLimit
}

// Result is the final result of a dispatch.
type Result string

const (
	ResultSuccess   Result = "success"
	ResultFailed    Result = "failed"
	ResultCancelled Result = "cancelled"
)

// Outcome summarizes one dispatch for logging, metrics and the ledger.
type Outcome struct {
	Attempts    int
	Escalations int
	Emergency   bool
	Tier        int
	Model       string
	Result      Result
	Failure     *Failure
	// Credential is the masked suffix of the last credential used.
	Credential string
	Fragments  int
	Duration   time.Duration
}
