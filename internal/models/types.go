package models

import (
	"encoding/json"
	"time"
)

// Transaction statuses. SUCCESS and FAILED are terminal; FAILED may follow
// any non-terminal status.
const (
	StatusPending   = "PENDING"
	StatusInitiated = "INITIATED"
	StatusSuccess   = "SUCCESS"
	StatusFailed    = "FAILED"
)

// TerminalStatus reports whether a transaction in this status may never
// transition again.
func TerminalStatus(status string) bool {
	return status == StatusSuccess || status == StatusFailed
}

// Transaction is one payment attempt, keyed by its external reference.
// Metadata is merge-only: every write merges fields into the stored document,
// never replacing it wholesale.
type Transaction struct {
	Reference string          `json:"reference"`
	Identity  string          `json:"identity"`
	Amount    int64           `json:"amount"`
	Status    string          `json:"status"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Balance is the accumulated credit for one identity, in minor currency units.
type Balance struct {
	Identity  string    `json:"identity"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot is the current balance plus recent transaction history for one
// identity, recomputed on demand.
type Snapshot struct {
	Identity     string        `json:"identity"`
	Balance      int64         `json:"balance"`
	Transactions []Transaction `json:"transactions"`
}

// Stream event types pushed to live subscribers.
const (
	EventSnapshot  = "snapshot"
	EventHeartbeat = "heartbeat"
)

// StreamEvent is one message on a live subscriber connection.
type StreamEvent struct {
	Type      string    `json:"type"`
	Status    string    `json:"status,omitempty"`
	Reference string    `json:"reference,omitempty"`
	Snapshot  *Snapshot `json:"snapshot,omitempty"`
}

// PayRequest is the payload from the client initiating a payment.
type PayRequest struct {
	Identity string `json:"identity"`
	Amount   int64  `json:"amount"`
}

// PayResponse is the canonical response for POST /pay.
type PayResponse struct {
	Accepted  bool   `json:"accepted"`
	Reference string `json:"reference,omitempty"`
	Message   string `json:"message"`
}

// OverrideRequest is the operator payload for a manual status transition.
type OverrideRequest struct {
	Status string `json:"status"`
}

// Callback acknowledgement results. The gateway only needs to know whether to
// stop retrying; the distinction is kept for audit and metrics.
const (
	AckProcessed    = "processed"
	AckIgnored      = "ignored"
	AckUnauthorized = "unauthorized"
)

// CallbackAck is the stable acknowledgement shape returned to the gateway.
type CallbackAck struct {
	Result  string `json:"result"`
	Message string `json:"message,omitempty"`
}
