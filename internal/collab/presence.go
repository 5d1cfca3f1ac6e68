package collab

import (
	"encoding/json"
	"sync"
	"time"
)

// PresenceTracker holds ephemeral per-participant liveness and attention
// payloads. Entries expire after an inactivity window; expiry is advisory
// and never touches the operation log. Nothing here is checkpointed.
type PresenceTracker struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]map[string]PresenceInfo
}

func NewPresenceTracker(ttl time.Duration) *PresenceTracker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &PresenceTracker{
		ttl:     ttl,
		now:     time.Now,
		entries: map[string]map[string]PresenceInfo{},
	}
}

func (t *PresenceTracker) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ttl = ttl
}

func (t *PresenceTracker) Touch(sessionID, participantID string, payload json.RawMessage) {
	if sessionID == "" || participantID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	session := t.entries[sessionID]
	if session == nil {
		session = map[string]PresenceInfo{}
		t.entries[sessionID] = session
	}
	info := PresenceInfo{
		ParticipantID: participantID,
		LastSeen:      t.now().UTC(),
	}
	if len(payload) > 0 {
		info.Payload = append(json.RawMessage(nil), payload...)
	} else if existing, ok := session[participantID]; ok {
		info.Payload = existing.Payload
	}
	session[participantID] = info
}

// Snapshot returns the live entries for a session, dropping expired ones
// as a side effect.
func (t *PresenceTracker) Snapshot(sessionID string) map[string]PresenceInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	session := t.entries[sessionID]
	if len(session) == 0 {
		return map[string]PresenceInfo{}
	}
	cutoff := t.now().Add(-t.ttl)
	out := make(map[string]PresenceInfo, len(session))
	for participantID, info := range session {
		if info.LastSeen.Before(cutoff) {
			delete(session, participantID)
			continue
		}
		out[participantID] = info
	}
	if len(session) == 0 {
		delete(t.entries, sessionID)
	}
	return out
}

func (t *PresenceTracker) Forget(sessionID, participantID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if session, ok := t.entries[sessionID]; ok {
		delete(session, participantID)
		if len(session) == 0 {
			delete(t.entries, sessionID)
		}
	}
}

func (t *PresenceTracker) DropSession(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, sessionID)
}
