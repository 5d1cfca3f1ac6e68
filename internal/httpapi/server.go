package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/livinglibrary/collabd/internal/collab"
)

type ServerConfig struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// StreamPageSize bounds each catch-up page sent on the push stream.
	StreamPageSize int
}

// Server adapts the HTTP and websocket surface to coordinator calls. It
// carries no session logic of its own; participant identity arrives
// pre-established in the request body.
type Server struct {
	coord       *collab.Coordinator
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(coord *collab.Coordinator) *Server {
	return NewServerWithConfig(coord, ServerConfig{})
}

func NewServerWithConfig(coord *collab.Coordinator, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.StreamPageSize <= 0 {
		cfg.StreamPageSize = 256
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		coord:       coord,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         "ok",
			"activeSessions": s.coord.ActiveSessions(),
		})
		return
	}
	if r.URL.Path == "/v1/sessions" && r.Method == http.MethodPost {
		s.handleCreate(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) != 4 || parts[0] != "v1" || parts[1] != "sessions" || parts[2] == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	sessionID := parts[2]

	switch {
	case parts[3] == "join" && r.Method == http.MethodPost:
		s.handleJoin(w, r, sessionID)
	case parts[3] == "leave" && r.Method == http.MethodPost:
		s.handleLeave(w, r, sessionID)
	case parts[3] == "operations" && r.Method == http.MethodPost:
		s.handleSubmit(w, r, sessionID)
	case parts[3] == "operations" && r.Method == http.MethodGet:
		s.handleReadOperations(w, r, sessionID)
	case parts[3] == "presence" && r.Method == http.MethodPut:
		s.handleTouchPresence(w, r, sessionID)
	case parts[3] == "presence" && r.Method == http.MethodGet:
		s.handlePresenceSnapshot(w, r, sessionID)
	case parts[3] == "stream" && r.Method == http.MethodGet:
		s.handleStream(w, r, sessionID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	}
}

type createRequest struct {
	SessionID string `json:"sessionId"`
	StateType string `json:"stateType"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	correlationID := ensureCorrelationID(r)
	var req createRequest
	if !s.decodeBody(w, r, &req, correlationID) {
		return
	}
	if req.SessionID == "" {
		req.SessionID = "s_" + strings.ToLower(ulid.Make().String())
	}
	if err := s.coord.Create(r.Context(), req.SessionID, req.StateType); err != nil {
		s.writeCoordinatorError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"sessionId":     req.SessionID,
		"correlationId": correlationID,
	})
}

type joinRequest struct {
	ParticipantID string `json:"participantId"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request, sessionID string) {
	correlationID := ensureCorrelationID(r)
	var req joinRequest
	if !s.decodeBody(w, r, &req, correlationID) {
		return
	}
	if req.ParticipantID == "" {
		req.ParticipantID = "p_" + strings.ToLower(ulid.Make().String())
	}
	result, err := s.coord.Join(r.Context(), sessionID, req.ParticipantID)
	if err != nil {
		s.writeCoordinatorError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"participantId": req.ParticipantID,
		"state":         result.State,
		"version":       result.Version,
		"correlationId": correlationID,
	})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request, sessionID string) {
	correlationID := ensureCorrelationID(r)
	var req joinRequest
	if !s.decodeBody(w, r, &req, correlationID) {
		return
	}
	if req.ParticipantID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "participantId is required", correlationID)
		return
	}
	s.coord.Leave(sessionID, req.ParticipantID)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "left",
		"correlationId": correlationID,
	})
}

type submitRequest struct {
	ParticipantID string          `json:"participantId"`
	ClientOpID    string          `json:"clientOpId"`
	BaseVersion   int64           `json:"baseVersion"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, sessionID string) {
	correlationID := ensureCorrelationID(r)
	body, ok := s.readBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := validateSubmitBody(body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), correlationID)
		return
	}
	var req submitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "malformed JSON body", correlationID)
		return
	}
	if s.rateLimiter != nil {
		key := sessionID + "|" + req.ParticipantID
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}
	result, err := s.coord.Submit(r.Context(), sessionID, req.ParticipantID, collab.Operation{
		ClientOpID:  req.ClientOpID,
		BaseVersion: req.BaseVersion,
		Type:        req.Type,
		Payload:     req.Payload,
	})
	if err != nil {
		s.writeCoordinatorError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"seq":           result.Seq,
		"version":       result.Version,
		"deduped":       result.Deduped,
		"correlationId": correlationID,
	})
}

func (s *Server) handleReadOperations(w http.ResponseWriter, r *http.Request, sessionID string) {
	correlationID := ensureCorrelationID(r)
	from := int64(1)
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "invalid_input", "from must be a positive integer", correlationID)
			return
		}
		from = parsed
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "invalid_input", "limit must be a positive integer", correlationID)
			return
		}
		limit = parsed
	}
	ops, err := s.coord.ReadOperations(r.Context(), sessionID, from, limit)
	if err != nil {
		s.writeCoordinatorError(w, err, correlationID)
		return
	}
	var nextFrom *int64
	if len(ops) > 0 {
		next := ops[len(ops)-1].Seq + 1
		nextFrom = &next
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"operations":    ops,
		"nextFrom":      nextFrom,
		"correlationId": correlationID,
	})
}

type presenceRequest struct {
	ParticipantID string          `json:"participantId"`
	Payload       json.RawMessage `json:"payload"`
}

func (s *Server) handleTouchPresence(w http.ResponseWriter, r *http.Request, sessionID string) {
	correlationID := ensureCorrelationID(r)
	var req presenceRequest
	if !s.decodeBody(w, r, &req, correlationID) {
		return
	}
	if req.ParticipantID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "participantId is required", correlationID)
		return
	}
	s.coord.TouchPresence(sessionID, req.ParticipantID, req.Payload)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"correlationId": correlationID,
	})
}

func (s *Server) handlePresenceSnapshot(w http.ResponseWriter, r *http.Request, sessionID string) {
	correlationID := ensureCorrelationID(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"participants":  s.coord.PresenceSnapshot(sessionID),
		"correlationId": correlationID,
	})
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, out any, correlationID string) bool {
	body, ok := s.readBody(w, r, correlationID)
	if !ok {
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "malformed JSON body", correlationID)
		return false
	}
	return true
}

func (s *Server) writeCoordinatorError(w http.ResponseWriter, err error, correlationID string) {
	var conflict *collab.ConflictError
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":           "conflict_rejected",
			"message":        conflict.Error(),
			"currentVersion": conflict.CurrentVersion,
			"correlationId":  correlationID,
		})
	case errors.Is(err, collab.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session_not_found", err.Error(), correlationID)
	case errors.Is(err, collab.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), correlationID)
	case errors.Is(err, collab.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "durable store temporarily unavailable, retry", correlationID)
	case errors.Is(err, collab.ErrBrokerUnavailable):
		writeError(w, http.StatusServiceUnavailable, "broker_unavailable", "broker temporarily unavailable, retry", correlationID)
	case errors.Is(err, collab.ErrCoordinatorClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", "server shutting down", correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func ensureCorrelationID(r *http.Request) string {
	if id := getCorrelationID(r); id != "" {
		return id
	}
	return ulid.Make().String()
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(l.window),
		}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}
