package collab

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/automerge/automerge-go"
)

func automergeStateDoc(t *testing.T, state State) *automerge.Doc {
	t.Helper()
	var encoded string
	if err := json.Unmarshal(state.Data, &encoded); err != nil {
		t.Fatalf("unmarshal automerge state: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("decode automerge state: %v", err)
	}
	doc, err := automerge.Load(raw)
	if err != nil {
		t.Fatalf("load automerge state: %v", err)
	}
	return doc
}

func automergeForkPayload(t *testing.T, base State, key, value string) json.RawMessage {
	t.Helper()
	fork := automergeStateDoc(t, base)
	if err := fork.Path(key).Set(value); err != nil {
		t.Fatalf("set %s: %v", key, err)
	}
	payload, err := json.Marshal(automergePayload{
		Doc: base64.StdEncoding.EncodeToString(fork.Save()),
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return payload
}

func TestAutomergeConcurrentForksConverge(t *testing.T) {
	m := NewStateMachine()
	base, err := m.InitialState(OpTypeAutomerge)
	if err != nil {
		t.Fatalf("initial state failed: %v", err)
	}

	// Two participants fork the same base and change different keys; both
	// merges commit and the final document carries both changes.
	opA := Operation{SessionID: "s1", ParticipantID: "p1", Type: OpTypeAutomerge, Payload: automergeForkPayload(t, base, "title", "draft")}
	opB := Operation{SessionID: "s1", ParticipantID: "p2", Type: OpTypeAutomerge, Payload: automergeForkPayload(t, base, "owner", "p2")}

	afterA, err := m.Apply(base, opA, nil)
	if err != nil {
		t.Fatalf("apply first fork failed: %v", err)
	}
	afterB, err := m.Apply(afterA.State, opB, nil)
	if err != nil {
		t.Fatalf("apply second fork failed: %v", err)
	}

	doc := automergeStateDoc(t, afterB.State)
	title, err := automerge.As[string](doc.Path("title").Get())
	if err != nil || title != "draft" {
		t.Fatalf("expected title draft, got %q err=%v", title, err)
	}
	owner, err := automerge.As[string](doc.Path("owner").Get())
	if err != nil || owner != "p2" {
		t.Fatalf("expected owner p2, got %q err=%v", owner, err)
	}
}

func TestAutomergeMergeOrderIndependentResult(t *testing.T) {
	m := NewStateMachine()
	base, err := m.InitialState(OpTypeAutomerge)
	if err != nil {
		t.Fatalf("initial state failed: %v", err)
	}
	payloadA := automergeForkPayload(t, base, "a", "1")
	payloadB := automergeForkPayload(t, base, "b", "2")

	applyBoth := func(first, second json.RawMessage) *automerge.Doc {
		state := base
		for i, payload := range []json.RawMessage{first, second} {
			result, err := m.Apply(state, Operation{
				SessionID:     "s1",
				ParticipantID: fmt.Sprintf("p%d", i+1),
				Type:          OpTypeAutomerge,
				Payload:       payload,
			}, nil)
			if err != nil {
				t.Fatalf("apply failed: %v", err)
			}
			state = result.State
		}
		return automergeStateDoc(t, state)
	}

	forward := applyBoth(payloadA, payloadB)
	reverse := applyBoth(payloadB, payloadA)
	for _, key := range []string{"a", "b"} {
		fwd, err := automerge.As[string](forward.Path(key).Get())
		if err != nil {
			t.Fatalf("read %s from forward doc: %v", key, err)
		}
		rev, err := automerge.As[string](reverse.Path(key).Get())
		if err != nil {
			t.Fatalf("read %s from reverse doc: %v", key, err)
		}
		if fwd != rev {
			t.Fatalf("order-dependent value for %s: %q vs %q", key, fwd, rev)
		}
	}
}

func TestAutomergeRejectsGarbagePayload(t *testing.T) {
	m := NewStateMachine()
	base, _ := m.InitialState(OpTypeAutomerge)
	cases := []string{
		`{"doc":"not base64!!"}`,
		`{"doc":"` + base64.StdEncoding.EncodeToString([]byte("not a document")) + `"}`,
		`42`,
	}
	for _, payload := range cases {
		op := Operation{SessionID: "s1", ParticipantID: "p1", Type: OpTypeAutomerge, Payload: json.RawMessage(payload)}
		if _, err := m.Apply(base, op, nil); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput for payload %s, got %v", payload, err)
		}
	}
}
