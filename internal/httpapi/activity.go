package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/commitsync/internal/commitsync"
)

const (
	activityBuffer       = 64
	activityWriteTimeout = 5 * time.Second
)

// Hub fans sync outcomes out to activity subscribers. A subscriber that
// falls behind loses messages instead of blocking the engine.
type Hub struct {
	mu      sync.Mutex
	subs    map[chan commitsync.Result]struct{}
	dropped uint64
}

func NewHub() *Hub {
	return &Hub{subs: map[chan commitsync.Result]struct{}{}}
}

// Publish has the commitsync.Observer signature.
func (h *Hub) Publish(res commitsync.Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- res:
		default:
			h.dropped++
		}
	}
}

func (h *Hub) Subscribe() (<-chan commitsync.Result, func()) {
	ch := make(chan commitsync.Result, activityBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
		})
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("access_token")
	var authErr *authError
	if token != "" {
		_, authErr = authorizeToken(token, s.cfg.JWTSecret, "activity:read", s.now())
	} else {
		_, authErr = authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, "activity:read", s.now())
	}
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	if s.deps.Activity == nil {
		writeError(w, http.StatusNotFound, "not_found", "activity stream is not enabled", getCorrelationID(r))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.ActivityOrigins})
	if err != nil {
		s.logger.Warn("activity upgrade failed", "error", err)
		return
	}
	defer conn.CloseNow()

	events, cancel := s.deps.Activity.Subscribe()
	defer cancel()

	// Clients never send; CloseRead handles control frames and ends ctx
	// once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case res := <-events:
			if err := writeActivity(ctx, conn, res); err != nil {
				s.logger.Debug("activity subscriber gone", "error", err)
				return
			}
		}
	}
}

func writeActivity(ctx context.Context, conn *websocket.Conn, res commitsync.Result) error {
	ctx, cancel := context.WithTimeout(ctx, activityWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, res)
}
