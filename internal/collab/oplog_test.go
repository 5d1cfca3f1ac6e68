package collab

import (
	"context"
	"encoding/json"
	"testing"
)

func TestMemoryLogAssignsSequentialSeqsPerSession(t *testing.T) {
	ctx := context.Background()
	logBackend := NewMemoryOperationLog()
	t.Cleanup(func() { _ = logBackend.Close() })

	for i := 1; i <= 3; i++ {
		seq, err := logBackend.Append(ctx, Operation{SessionID: "a", ClientOpID: "x", Payload: json.RawMessage(`{}`)})
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}
		if seq != int64(i) {
			t.Fatalf("expected seq %d, got %d", i, seq)
		}
	}
	// Sessions number independently.
	seq, err := logBackend.Append(ctx, Operation{SessionID: "b", ClientOpID: "y", Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if seq != 1 {
		t.Fatalf("expected seq 1 for new session, got %d", seq)
	}

	tail, err := logBackend.TailSeq(ctx, "a")
	if err != nil {
		t.Fatalf("tail seq failed: %v", err)
	}
	if tail != 3 {
		t.Fatalf("expected tail 3, got %d", tail)
	}
}

func TestMemoryLogReadFromPages(t *testing.T) {
	ctx := context.Background()
	logBackend := NewMemoryOperationLog()
	for i := 0; i < 5; i++ {
		if _, err := logBackend.Append(ctx, Operation{SessionID: "a", ClientOpID: "x", Payload: json.RawMessage(`{}`)}); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	page, err := logBackend.ReadFrom(ctx, "a", 2, 2)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(page) != 2 || page[0].Seq != 2 || page[1].Seq != 3 {
		t.Fatalf("unexpected page: %+v", page)
	}

	rest, err := logBackend.ReadFrom(ctx, "a", 4, 10)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(rest) != 2 || rest[0].Seq != 4 {
		t.Fatalf("unexpected tail page: %+v", rest)
	}

	empty, err := logBackend.ReadFrom(ctx, "a", 6, 10)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty page past tail, got %d ops", len(empty))
	}
}

func TestMemoryLogRejectsMissingSessionID(t *testing.T) {
	logBackend := NewMemoryOperationLog()
	if _, err := logBackend.Append(context.Background(), Operation{}); err == nil {
		t.Fatalf("expected error for missing session id")
	}
}

func TestMemoryCheckpointStoreUpsertsLatest(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCheckpointStore()
	t.Cleanup(func() { _ = store.Close() })

	if _, ok, err := store.LoadLatest(ctx, "a"); err != nil || ok {
		t.Fatalf("expected no checkpoint yet, ok=%v err=%v", ok, err)
	}
	for seq := int64(1); seq <= 3; seq++ {
		cp := Checkpoint{SessionID: "a", Seq: seq, State: State{Type: OpTypeKV, Data: json.RawMessage(`{}`)}}
		if err := store.Save(ctx, cp); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}
	cp, ok, err := store.LoadLatest(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("load failed, ok=%v err=%v", ok, err)
	}
	if cp.Seq != 3 {
		t.Fatalf("expected latest seq 3, got %d", cp.Seq)
	}
}
