package writeq

import (
	"errors"
	"time"
)

// Reasons an operation is dead-lettered.
const (
	DLQAttemptsExhausted = "attempts_exhausted"
	DLQPermanentFailure  = "permanent_failure"
	DLQInvalidPayload    = "invalid_payload"
)

// DeadLetterEntry is an Operation quarantined after exhausting its
// attempts or failing permanently. Entries are immutable once written.
type DeadLetterEntry struct {
	Operation
	DLQAt     time.Time `json:"dlq_at"`
	Permanent bool      `json:"permanent,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// deadLetterReason classifies the failure that moved an operation out of
// the live queue.
func deadLetterReason(err error, permanent bool) string {
	switch {
	case !permanent:
		return DLQAttemptsExhausted
	case errors.Is(err, ErrValidation):
		return DLQInvalidPayload
	default:
		return DLQPermanentFailure
	}
}
