// SSE is implemented with a small custom writer rather than a
// third-party SSE package, since this boundary only ever forwards one
// relay-wide watermill subscription per connection and needs no
// client-side reconnect bookkeeping of its own.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opencode-ai/relay/internal/upstream"
)

const heartbeatInterval = 30 * time.Second

type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("httpapi: streaming not supported")
	}
	return &sseWriter{w: w, flusher: flusher, rc: http.NewResponseController(w)}, nil
}

func (s *sseWriter) writeEvent(eventType string, data []byte) error {
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, data); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *sseWriter) writeHeartbeat() {
	fmt.Fprint(s.w, ": heartbeat\n\n")
	s.flusher.Flush()
}

// handleEvents streams every upstream event relayed to userID's hub topic:
// session.opened/closed, per-session updates, and the full message-level
// event stream of every session that user has open.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeStorageError, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	// Spawning the relay before subscribing (rather than only on open)
	// means a client can hold its SSE connection open across the first
	// open call and never race the subscription against session.opened.
	s.reg.Get(runCtx(r), userID)

	ctx := r.Context()
	sub, err := s.reg.Upstream().SubscribeUser(ctx, userID)
	if err != nil {
		return
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub:
			if !ok {
				return
			}
			evt, err := upstream.Decode(msg)
			msg.Ack()
			if err != nil {
				continue
			}
			body, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if err := sse.writeEvent(string(evt.Type), body); err != nil {
				return
			}
		case <-ticker.C:
			sse.writeHeartbeat()
		}
	}
}
