package resilience

import (
	"time"
)

// DLQEntry represents a batch row that exhausted its retries and can be
// replayed later.
type DLQEntry struct {
	ID           string    `json:"id"`
	CompanyName  string    `json:"company_name"`
	Website      string    `json:"website,omitempty"`
	Error        string    `json:"error"`
	ErrorKind    ErrorKind `json:"error_kind"`
	FailedPhase  string    `json:"failed_phase,omitempty"`
	RetryCount   int       `json:"retry_count"`
	MaxRetries   int       `json:"max_retries"`
	NextRetryAt  time.Time `json:"next_retry_at"`
	CreatedAt    time.Time `json:"created_at"`
	LastFailedAt time.Time `json:"last_failed_at"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	ErrorKind ErrorKind `json:"error_kind,omitempty"` // empty for all
	Limit     int       `json:"limit,omitempty"`
}

// CanRetry returns true if this entry hasn't exceeded its max retry count.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}
