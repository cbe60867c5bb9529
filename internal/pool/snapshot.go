package pool

import "time"

// Snapshot is a point-in-time view of pool pressure.
type Snapshot struct {
	Total       int `json:"total"`
	Available   int `json:"available"`
	RateLimited int `json:"rate_limited"`
	Disabled    int `json:"disabled"`
	Tier        int `json:"tier"`
	MaxTier     int `json:"max_tier"`
}

// Exhausted reports whether no configured credential can currently be used.
func (s Snapshot) Exhausted() bool {
	return s.Total > 0 && s.Available == 0
}

// CanEscalate reports whether a higher tier exists.
func (s Snapshot) CanEscalate() bool {
	return s.Tier < s.MaxTier
}

// CredentialStatus describes one credential for diagnostics.
type CredentialStatus struct {
	Index             int        `json:"index"`
	Suffix            string     `json:"suffix"`
	State             string     `json:"state"`
	Reason            string     `json:"reason,omitempty"`
	ResetAt           *time.Time `json:"reset_at,omitempty"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
}
