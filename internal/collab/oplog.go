package collab

import (
	"context"
	"sync"
	"time"
)

// OperationLog is the append-only, per-session ordered record of committed
// operations and the single point of total ordering: Append assigns the
// next sequence number for the session, linearizably per session, and
// never reuses one. ReadFrom returns a bounded page starting at a sequence
// number inclusive; callers page with the last returned seq + 1.
type OperationLog interface {
	Append(ctx context.Context, op Operation) (int64, error)
	ReadFrom(ctx context.Context, sessionID string, seq int64, limit int) ([]Operation, error)
	TailSeq(ctx context.Context, sessionID string) (int64, error)
	Close() error
}

type memoryOperationLog struct {
	mu   sync.Mutex
	logs map[string][]Operation
}

// NewMemoryOperationLog returns a volatile in-process log, used by tests
// and single-node runs without a durable store.
func NewMemoryOperationLog() OperationLog {
	return &memoryOperationLog{logs: map[string][]Operation{}}
}

func (l *memoryOperationLog) Append(ctx context.Context, op Operation) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if op.SessionID == "" {
		return 0, ErrInvalidInput
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ops := l.logs[op.SessionID]
	op.Seq = int64(len(ops)) + 1
	if op.AppendedAt.IsZero() {
		op.AppendedAt = time.Now().UTC()
	}
	l.logs[op.SessionID] = append(ops, op)
	return op.Seq, nil
}

func (l *memoryOperationLog) ReadFrom(ctx context.Context, sessionID string, seq int64, limit int) ([]Operation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 256
	}
	if seq < 1 {
		seq = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ops := l.logs[sessionID]
	if seq > int64(len(ops)) {
		return nil, nil
	}
	end := seq - 1 + int64(limit)
	if end > int64(len(ops)) {
		end = int64(len(ops))
	}
	page := make([]Operation, end-(seq-1))
	copy(page, ops[seq-1:end])
	return page, nil
}

func (l *memoryOperationLog) TailSeq(ctx context.Context, sessionID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.logs[sessionID])), nil
}

func (l *memoryOperationLog) Close() error {
	return nil
}
