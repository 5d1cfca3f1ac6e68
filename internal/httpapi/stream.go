package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// handleStream upgrades to a websocket and pushes committed operations for
// one session. The subscription is opened before catch-up so nothing
// committed in between is lost; operations already sent during catch-up
// are dropped by seq on the live path.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, sessionID string) {
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

	sub, err := s.coord.Subscribe(r.Context(), sessionID)
	if err != nil {
		s.writeCoordinatorError(w, err, correlationID)
		return
	}
	defer sub.Close()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	// Reads are discarded; the returned context ends when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	lastSent, err := s.streamCatchUp(ctx, conn, sessionID, from)
	if err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case op, ok := <-sub.C():
			if !ok {
				conn.Close(websocket.StatusGoingAway, "session closed")
				return
			}
			if op.Seq <= lastSent {
				continue
			}
			if op.Seq > lastSent+1 {
				// The bus dropped something; refill from the log.
				caught, err := s.streamCatchUp(ctx, conn, sessionID, lastSent+1)
				if err != nil {
					return
				}
				lastSent = caught
				if op.Seq <= lastSent {
					continue
				}
			}
			if err := wsjson.Write(ctx, conn, op); err != nil {
				return
			}
			lastSent = op.Seq
		}
	}
}

func (s *Server) streamCatchUp(ctx context.Context, conn *websocket.Conn, sessionID string, from int64) (int64, error) {
	lastSent := from - 1
	for {
		ops, err := s.coord.ReadOperations(ctx, sessionID, lastSent+1, s.cfg.StreamPageSize)
		if err != nil {
			return lastSent, err
		}
		for _, op := range ops {
			if err := wsjson.Write(ctx, conn, op); err != nil {
				return lastSent, err
			}
			lastSent = op.Seq
		}
		if len(ops) < s.cfg.StreamPageSize {
			return lastSent, nil
		}
	}
}
