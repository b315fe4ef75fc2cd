// Package writeq provides the durable write pipeline behind the invoice
// intake bot: backend routing, a persisted retry queue with a dead-letter
// store, and the idempotency index used to reject duplicate submissions.
package writeq

import "time"

// OpKind is the mutation an Operation replays.
type OpKind string

const (
	OpAppendRow  OpKind = "append_row"
	OpUpdateCell OpKind = "update_cell"
)

// BackendKind identifies one of the record stores an Operation targets.
type BackendKind string

const (
	BackendTabular BackendKind = "tabular"
	BackendREST    BackendKind = "rest"
)

// Valid reports whether k is one of the known backend kinds.
func (k BackendKind) Valid() bool {
	return k == BackendTabular || k == BackendREST
}

// ValueInputOption controls how the tabular store interprets appended values.
type ValueInputOption string

const (
	InputUserEntered ValueInputOption = "USER_ENTERED"
	InputRaw         ValueInputOption = "RAW"
)

// Defaults used when enqueueing from the router.
const (
	DefaultMaxAttempts  = 6
	DefaultInitialDelay = 30 * time.Second
	DefaultDrainLimit   = 5
)

// Payload carries everything needed to replay a mutation.
type Payload struct {
	Backend          BackendKind      `json:"backend"`
	UserID           int64            `json:"user_id"`
	RowNo            int              `json:"row_no,omitempty"`
	Col              int              `json:"col,omitempty"`
	Value            string           `json:"value,omitempty"`
	Values           []string         `json:"values,omitempty"`
	ValueInputOption ValueInputOption `json:"value_input_option,omitempty"`
}

// Operation is a pending mutation in the live retry queue.
type Operation struct {
	ID          string    `json:"id"`
	Kind        OpKind    `json:"operation"`
	Payload     Payload   `json:"payload"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	Error       string    `json:"error"`
	CreatedAt   time.Time `json:"created_at"`
	NextTryAt   time.Time `json:"next_try_at"`
}

// Due reports whether the operation may be attempted at now.
func (op Operation) Due(now time.Time) bool {
	return !op.NextTryAt.After(now)
}

// Stamp proves a write already happened for a content fingerprint.
type Stamp struct {
	RowNo    int       `json:"row_no"`
	FileLink string    `json:"file_link"`
	UserID   int64     `json:"user_id"`
	TS       time.Time `json:"ts"`
}

// QueueStats are the size counters exposed to collaborators.
type QueueStats struct {
	Queue int `json:"queue"`
	DLQ   int `json:"dlq"`
}

// ProcessResult summarizes one bounded processing run.
type ProcessResult struct {
	Processed  int `json:"processed"`
	OK         int `json:"ok"`
	Failed     int `json:"failed"`
	MovedToDLQ int `json:"moved_to_dlq"`

	// Deferred counts due operations left live because their backend is
	// not configured in this process.
	Deferred int `json:"deferred,omitempty"`
}
