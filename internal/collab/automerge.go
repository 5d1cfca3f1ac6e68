package collab

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/automerge/automerge-go"
)

const OpTypeAutomerge = "automerge"

// automergePayload carries a saved automerge document (a fork of the
// session document with the submitter's changes). Merging is commutative,
// so the conflict window never matters and nothing is ever rejected.
type automergePayload struct {
	Doc string `json:"doc"`
}

func initialAutomergeState() (json.RawMessage, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(automerge.New().Save()))
}

func applyAutomergeOperation(state State, op Operation, _ []Operation) (MergeResult, error) {
	var encoded string
	if err := json.Unmarshal(state.Data, &encoded); err != nil {
		return MergeResult{}, fmt.Errorf("corrupt automerge state: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return MergeResult{}, fmt.Errorf("corrupt automerge state: %w", err)
	}
	doc, err := automerge.Load(raw)
	if err != nil {
		return MergeResult{}, fmt.Errorf("corrupt automerge state: %w", err)
	}

	var payload automergePayload
	if err := json.Unmarshal(op.Payload, &payload); err != nil {
		return MergeResult{}, fmt.Errorf("%w: malformed automerge payload: %v", ErrInvalidInput, err)
	}
	forkRaw, err := base64.StdEncoding.DecodeString(payload.Doc)
	if err != nil {
		return MergeResult{}, fmt.Errorf("%w: automerge payload is not base64: %v", ErrInvalidInput, err)
	}
	fork, err := automerge.Load(forkRaw)
	if err != nil {
		return MergeResult{}, fmt.Errorf("%w: automerge payload is not a document: %v", ErrInvalidInput, err)
	}

	if _, err := doc.Merge(fork); err != nil {
		return MergeResult{}, fmt.Errorf("automerge merge: %w", err)
	}
	data, err := json.Marshal(base64.StdEncoding.EncodeToString(doc.Save()))
	if err != nil {
		return MergeResult{}, err
	}
	return MergeResult{
		State:            State{Type: OpTypeAutomerge, Data: data},
		EffectivePayload: op.Payload,
	}, nil
}
