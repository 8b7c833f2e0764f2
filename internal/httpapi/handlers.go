package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/relay/internal/relay"
)

type openRequest struct {
	SessionID  string `json:"session_id"`
	StartToken string `json:"start_token"`
}

type messageRequest struct {
	SessionID string   `json:"session_id"`
	Text      string   `json:"text"`
	FileUUIDs []string `json:"file_uuids,omitempty"`
}

type commandRequest struct {
	SessionID string         `json:"session_id"`
	Command   string         `json:"command"`
	Data      map[string]any `json:"data,omitempty"`
}

type closeRequest struct {
	SessionID string `json:"session_id"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil && err.Error() != "EOF" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidJSON, err.Error())
		return false
	}
	return true
}

func newRequestID() string { return ulid.Make().String() }

// handleOpen enqueues a Relay "open": an existing session id
// resumes/reconnects; a start_token seeds a brand-new one.
func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req openRequest
	if !decodeBody(w, r, &req) {
		return
	}

	rid := newRequestID()
	rl := s.reg.Get(runCtx(r), userID)
	rl.Inbox() <- relay.Envelope{
		Topic:      relay.TopicOpen,
		SessionID:  req.SessionID,
		StartToken: req.StartToken,
		RequestID:  rid,
		ConnPID:    r.RemoteAddr,
	}
	accepted(w, rid, req.SessionID)
}

// handleClose enqueues a Relay "close".
func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req closeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidSessionID, "session_id required")
		return
	}

	rid := newRequestID()
	rl := s.reg.Get(runCtx(r), userID)
	rl.Inbox() <- relay.Envelope{Topic: relay.TopicClose, SessionID: req.SessionID, RequestID: rid, ConnPID: r.RemoteAddr}
	accepted(w, rid, req.SessionID)
}

// handleMessage enqueues a Relay "message": the target session
// is resolved by the Relay itself when SessionID is empty (most recently
// active, else spawn fresh).
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req messageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidMessage, "text required")
		return
	}

	data := map[string]any{"text": req.Text}
	if len(req.FileUUIDs) > 0 {
		data["file_uuids"] = req.FileUUIDs
	}

	rid := newRequestID()
	rl := s.reg.Get(runCtx(r), userID)
	rl.Inbox() <- relay.Envelope{
		Topic: relay.TopicMessage, SessionID: req.SessionID, Data: data, RequestID: rid, ConnPID: r.RemoteAddr,
	}
	accepted(w, rid, req.SessionID)
}

// handleCommand enqueues a Relay "command" (stop/agent/model/artifact/
// context).
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req commandRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidJSON, "command required")
		return
	}

	data := map[string]any{"command": req.Command}
	for k, v := range req.Data {
		data[k] = v
	}

	rid := newRequestID()
	rl := s.reg.Get(runCtx(r), userID)
	rl.Inbox() <- relay.Envelope{
		Topic: relay.TopicCommand, SessionID: req.SessionID, Data: data, RequestID: rid, ConnPID: r.RemoteAddr,
	}
	accepted(w, rid, req.SessionID)
}
