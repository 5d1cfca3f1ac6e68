package collab

import (
	"context"
	"sync"
)

// CheckpointStore persists the latest materialized state snapshot per
// session: single-row upsert on save, most recent row on load. A missing
// checkpoint is reported with ok == false, not an error.
type CheckpointStore interface {
	Save(ctx context.Context, cp Checkpoint) error
	LoadLatest(ctx context.Context, sessionID string) (Checkpoint, bool, error)
	Close() error
}

type memoryCheckpointStore struct {
	mu          sync.Mutex
	checkpoints map[string]Checkpoint
}

func NewMemoryCheckpointStore() CheckpointStore {
	return &memoryCheckpointStore{checkpoints: map[string]Checkpoint{}}
}

func (s *memoryCheckpointStore) Save(ctx context.Context, cp Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cp.SessionID == "" {
		return ErrInvalidInput
	}
	cp.State = cp.State.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.SessionID] = cp
	return nil
}

func (s *memoryCheckpointStore) LoadLatest(ctx context.Context, sessionID string) (Checkpoint, bool, error) {
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[sessionID]
	if !ok {
		return Checkpoint{}, false, nil
	}
	cp.State = cp.State.Clone()
	return cp, true, nil
}

func (s *memoryCheckpointStore) Close() error {
	return nil
}
