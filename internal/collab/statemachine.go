package collab

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// MergeResult carries the state produced by applying one operation and the
// operation's effective payload: the payload as actually committed, after
// any rebasing against the conflict window. The log stores the effective
// payload, so replaying it with an empty window reproduces the same state.
type MergeResult struct {
	State            State
	EffectivePayload json.RawMessage
}

// MergeFunc applies one operation to the materialized state. window holds
// the committed operations the submitter had not seen (sequence numbers in
// (op.BaseVersion, current]); it is empty during log replay. The function
// must be pure: no I/O, no hidden state, deterministic for identical
// inputs. A non-mergeable overlap is reported as *ConflictError.
type MergeFunc func(state State, op Operation, window []Operation) (MergeResult, error)

type mergeHandler struct {
	apply   MergeFunc
	initial func() (json.RawMessage, error)
}

// StateMachine dispatches operations to per-type merge functions. New
// document/state types register a merge function and an initial-state
// constructor; the coordinator never inspects payloads itself.
type StateMachine struct {
	mu       sync.RWMutex
	handlers map[string]mergeHandler
}

// NewStateMachine returns a machine with the built-in operation types
// registered: text, kv, lock and automerge.
func NewStateMachine() *StateMachine {
	m := &StateMachine{handlers: map[string]mergeHandler{}}
	m.Register(OpTypeText, applyTextOperation, initialTextState)
	m.Register(OpTypeKV, applyKVOperation, initialKVState)
	m.Register(OpTypeLock, applyLockOperation, initialLockState)
	m.Register(OpTypeAutomerge, applyAutomergeOperation, initialAutomergeState)
	return m
}

func (m *StateMachine) Register(opType string, apply MergeFunc, initial func() (json.RawMessage, error)) {
	opType = normalizeOpType(opType)
	if opType == "" || apply == nil || initial == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[opType] = mergeHandler{apply: apply, initial: initial}
}

func (m *StateMachine) Supports(opType string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.handlers[normalizeOpType(opType)]
	return ok
}

// InitialState returns the empty materialized state for an operation type.
func (m *StateMachine) InitialState(opType string) (State, error) {
	opType = normalizeOpType(opType)
	m.mu.RLock()
	handler, ok := m.handlers[opType]
	m.mu.RUnlock()
	if !ok {
		return State{}, fmt.Errorf("%w: unknown operation type %q", ErrInvalidInput, opType)
	}
	data, err := handler.initial()
	if err != nil {
		return State{}, err
	}
	return State{Type: opType, Data: data}, nil
}

// Apply folds one operation into state. The state type must match the
// operation type; an empty state is initialized to the operation's type
// first, which is how a session adopts its document type on first write.
func (m *StateMachine) Apply(state State, op Operation, window []Operation) (MergeResult, error) {
	opType := normalizeOpType(op.Type)
	m.mu.RLock()
	handler, ok := m.handlers[opType]
	m.mu.RUnlock()
	if !ok {
		return MergeResult{}, fmt.Errorf("%w: unknown operation type %q", ErrInvalidInput, opType)
	}
	if state.Type == "" {
		data, err := handler.initial()
		if err != nil {
			return MergeResult{}, err
		}
		state = State{Type: opType, Data: data}
	}
	if state.Type != opType {
		return MergeResult{}, fmt.Errorf("%w: operation type %q against %q session", ErrInvalidInput, opType, state.Type)
	}
	return handler.apply(state, op, window)
}

// Replay folds committed operations, in sequence order, into state. The
// operations carry effective payloads, so each applies with an empty
// window; the result is identical to the live fold regardless of batching.
func (m *StateMachine) Replay(state State, ops []Operation) (State, error) {
	for _, op := range ops {
		result, err := m.Apply(state, op, nil)
		if err != nil {
			return State{}, fmt.Errorf("replay seq %d: %w", op.Seq, err)
		}
		state = result.State
	}
	return state, nil
}

func normalizeOpType(opType string) string {
	return strings.ToLower(strings.TrimSpace(opType))
}
