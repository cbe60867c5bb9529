// Package ledger keeps one record per dispatched chat request and ships the
// records, in batches, to the configured sinks.
package ledger

import (
	"context"
	"time"

	"github.com/m-cnan/thankan.ayyo/internal/dispatch"
)

// Record is the ledger entry for one chat request. It never carries
// conversation text or raw credentials.
type Record struct {
	Timestamp     time.Time `json:"timestamp" db:"created_at"`
	RequestID     string    `json:"request_id" db:"request_id"`
	Mode          string    `json:"mode" db:"mode"`
	Tier          int       `json:"tier" db:"tier"`
	Model         string    `json:"model" db:"model"`
	Attempts      int       `json:"attempts" db:"attempts"`
	Escalations   int       `json:"escalations" db:"escalations"`
	Emergency     bool      `json:"emergency" db:"emergency"`
	Result        string    `json:"result" db:"result"`
	FailureReason string    `json:"failure_reason,omitempty" db:"failure_reason"`
	PoolExhausted bool      `json:"pool_exhausted" db:"pool_exhausted"`
	Credential    string    `json:"credential,omitempty" db:"credential"`
	Fragments     int       `json:"fragments" db:"fragments"`
	DurationMs    int64     `json:"duration_ms" db:"duration_ms"`
}

// NewRecord builds the ledger entry for a finished dispatch.
func NewRecord(requestID, mode string, out dispatch.Outcome) *Record {
	rec := &Record{
		Timestamp:   time.Now().UTC(),
		RequestID:   requestID,
		Mode:        mode,
		Tier:        out.Tier,
		Model:       out.Model,
		Attempts:    out.Attempts,
		Escalations: out.Escalations,
		Emergency:   out.Emergency,
		Result:      string(out.Result),
		Credential:  out.Credential,
		Fragments:   out.Fragments,
		DurationMs:  out.Duration.Milliseconds(),
	}
	if out.Failure != nil {
		rec.FailureReason = string(out.Failure.Reason)
		rec.PoolExhausted = out.Failure.PoolExhausted
	}
	return rec
}

// Sink persists batches of records.
type Sink interface {
	// Name identifies the sink in logs.
	Name() string
	// Write stores the whole batch or returns an error.
	Write(ctx context.Context, records []*Record) error
}
