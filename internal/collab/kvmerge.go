package collab

import (
	"encoding/json"
	"fmt"
)

const OpTypeKV = "kv"

// kvPayload sets and clears fields of a flat JSON object. Concurrent
// writes to the same field resolve last-writer-wins in commit order, so
// applying in sequence order needs no transform.
type kvPayload struct {
	Set   map[string]json.RawMessage `json:"set,omitempty"`
	Clear []string                   `json:"clear,omitempty"`
}

func initialKVState() (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func applyKVOperation(state State, op Operation, _ []Operation) (MergeResult, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(state.Data, &fields); err != nil {
		return MergeResult{}, fmt.Errorf("corrupt kv state: %w", err)
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	var change kvPayload
	if err := json.Unmarshal(op.Payload, &change); err != nil {
		return MergeResult{}, fmt.Errorf("%w: malformed kv payload: %v", ErrInvalidInput, err)
	}
	if len(change.Set) == 0 && len(change.Clear) == 0 {
		return MergeResult{}, fmt.Errorf("%w: empty kv payload", ErrInvalidInput)
	}
	for key, value := range change.Set {
		fields[key] = value
	}
	for _, key := range change.Clear {
		delete(fields, key)
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return MergeResult{}, err
	}
	return MergeResult{
		State:            State{Type: OpTypeKV, Data: data},
		EffectivePayload: op.Payload,
	}, nil
}
