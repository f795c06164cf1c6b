package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/agentq/internal/bus"
)

const wsWriteTimeout = 5 * time.Second

// streamEvent is one frame on /ws.
type streamEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
	At      string `json:"at"`
}

// handleWS streams bus events to approval UIs. Query parameters:
// session limits frames to one session; topic is a topic prefix
// (default "session.").
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	b := s.engine.Bus()
	if b == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "event stream unavailable"})
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("ws: accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	sessionFilter := r.URL.Query().Get("session")
	prefix := r.URL.Query().Get("topic")
	if prefix == "" {
		prefix = bus.TopicSessionPrefix
	}
	sub := b.Subscribe(prefix)
	defer b.Unsubscribe(sub)

	// Reads are discarded; CloseRead cancels ctx when the client goes away.
	ctx := conn.CloseRead(r.Context())
	s.logger.Info("ws: client connected", "session", sessionFilter, "topic", prefix)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ws: client disconnected")
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "bus closed")
				return
			}
			if sessionFilter != "" && eventSession(ev.Payload) != sessionFilter {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(wctx, conn, streamEvent{
				Topic:   ev.Topic,
				Payload: ev.Payload,
				At:      time.Now().UTC().Format(time.RFC3339Nano),
			})
			cancel()
			if err != nil {
				s.logger.Debug("ws: write failed, closing", "error", err)
				return
			}
		}
	}
}

func eventSession(payload any) string {
	switch p := payload.(type) {
	case bus.SessionEvent:
		return p.SessionID
	case bus.UsageEvent:
		return p.SessionID
	case bus.WakeupEvent:
		return p.SessionID
	}
	return ""
}
