package collab

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrConflictRejected  = errors.New("conflict rejected")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrInvalidInput      = errors.New("invalid input")
	ErrCoordinatorClosed = errors.New("coordinator closed")
)

// ConflictError reports a semantically irreconcilable operation together
// with the authoritative version the client must rebase against.
type ConflictError struct {
	SessionID      string
	CurrentVersion int64
	Reason         string
}

func (e *ConflictError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("conflict rejected at version %d", e.CurrentVersion)
	}
	return fmt.Sprintf("conflict rejected at version %d: %s", e.CurrentVersion, e.Reason)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflictRejected
}

// State is the materialized session state: an opaque serialized payload
// interpreted by the merge function registered for its type tag.
type State struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (s State) Clone() State {
	return State{Type: s.Type, Data: append(json.RawMessage(nil), s.Data...)}
}

// Operation is one client-submitted mutation. Seq is assigned by the
// operation log at append time and is strictly increasing, gap-free per
// session. Payload stored in the log is the effective (already rebased)
// form so that replay is a plain fold.
type Operation struct {
	SessionID     string          `json:"sessionId"`
	Seq           int64           `json:"seq"`
	ClientOpID    string          `json:"clientOpId"`
	ParticipantID string          `json:"participantId"`
	BaseVersion   int64           `json:"baseVersion"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	AppendedAt    time.Time       `json:"appendedAt"`
}

// Checkpoint is a durable snapshot of materialized state at a known
// sequence number.
type Checkpoint struct {
	SessionID string    `json:"sessionId"`
	State     State     `json:"state"`
	Seq       int64     `json:"seq"`
	TakenAt   time.Time `json:"takenAt"`
}

// PresenceInfo is the ephemeral per-participant attention record. It is
// never checkpointed.
type PresenceInfo struct {
	ParticipantID string          `json:"participantId"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	LastSeen      time.Time       `json:"lastSeen"`
}

// JoinResult is the snapshot handed to a (re)joining participant.
type JoinResult struct {
	State   State `json:"state"`
	Version int64 `json:"version"`
}

// SubmitResult reports a committed operation. Deduped is set when the
// result was replayed from a previous submission of the same client op id.
type SubmitResult struct {
	Seq     int64 `json:"seq"`
	Version int64 `json:"version"`
	Deduped bool  `json:"deduped"`
}
