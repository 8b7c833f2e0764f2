package sessionio

import (
	"context"
	"fmt"

	"github.com/oklog/ulid/v2"
	"github.com/opencode-ai/relay/internal/persistence"
	"github.com/opencode-ai/relay/pkg/types"
)

// Writer is the authoritative mutator for one session. It is always opened
// by an actor that already holds write capability on the session; the
// authorization check itself is the out-of-scope security collaborator's
// job, so Writer trusts its caller.
type Writer struct {
	ports     persistence.Ports
	sessionID string
}

func OpenWriter(ports persistence.Ports, sessionID string) *Writer {
	return &Writer{ports: ports, sessionID: sessionID}
}

func (w *Writer) UpdateMeta(ctx context.Context, patch types.MetaPatch) (*types.Session, error) {
	return w.ports.Sessions.Patch(ctx, w.sessionID, patch)
}

func (w *Writer) UpdateTitle(ctx context.Context, title string) (*types.Session, error) {
	return w.ports.Sessions.Patch(ctx, w.sessionID, types.MetaPatch{Title: &title})
}

// UpdateStatus transitions the session's status, merging errMsg into
// meta.error when non-empty. The transition is validated against
// Status.CanTransitionTo before it is persisted.
func (w *Writer) UpdateStatus(ctx context.Context, status types.Status, errMsg string) (*types.Session, error) {
	sess, err := w.ports.Sessions.Get(ctx, w.sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Status.CanTransitionTo(status) {
		return nil, fmt.Errorf("sessionio: invalid status transition %s -> %s", sess.Status, status)
	}

	meta := sess.Meta
	if errMsg != "" {
		meta.Error = errMsg
	}
	return w.ports.Sessions.Patch(ctx, w.sessionID, types.MetaPatch{Status: &status, Meta: &meta})
}

// AddMessage generates a time-ordered message ID (unless metadata supplies
// one, to support replay/import) and stamps the session's
// last_message_date in the same transactional call.
func (w *Writer) AddMessage(ctx context.Context, typ types.MessageType, data []byte, metadata map[string]any) (*types.Message, error) {
	id := ""
	if v, ok := metadata["message_id"]; ok {
		if s, ok := v.(string); ok {
			id = s
			delete(metadata, "message_id")
		}
	}

	msg := &types.Message{
		ID:        id,
		SessionID: w.sessionID,
		Type:      typ,
		Data:      data,
		Metadata:  metadata,
	}
	stored, err := w.ports.Messages.Append(ctx, msg)
	if err != nil {
		return nil, err
	}
	msg.Date = timestampFromULID(stored.ID)
	stored.Date = msg.Date

	lastDate := stored.Date
	if _, err := w.ports.Sessions.Patch(ctx, w.sessionID, types.MetaPatch{LastMessageDate: &lastDate}); err != nil {
		return nil, err
	}
	return stored, nil
}

func (w *Writer) UpdateMessageMeta(ctx context.Context, id string, metadata map[string]any) error {
	return w.ports.Messages.UpdateMetadata(ctx, w.sessionID, id, metadata)
}

// AddFunctionCall is the typed helper for a pending tool invocation: args
// is stored as JSON text, status starts pending.
func (w *Writer) AddFunctionCall(ctx context.Context, callID, name, argsJSON string) (*types.Message, error) {
	fc := types.FunctionCallMetadata{
		CallID: callID,
		Name:   name,
		Args:   argsJSON,
		Status: types.FunctionPending,
	}
	return w.AddMessage(ctx, types.MessageFunction, nil, map[string]any{
		"call_id": fc.CallID,
		"name":    fc.Name,
		"args":    fc.Args,
		"status":  string(fc.Status),
	})
}

// UpdateFunctionResult merges a result into an existing function-call
// message's metadata, setting status to ok or error.
func (w *Writer) UpdateFunctionResult(ctx context.Context, messageID string, result string, ok bool, extra map[string]any) error {
	msg, err := w.ports.Messages.Get(ctx, w.sessionID, messageID)
	if err != nil {
		return err
	}
	metadata := msg.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	status := types.FunctionOK
	if !ok {
		status = types.FunctionError
	}
	metadata["status"] = string(status)
	metadata["result"] = result
	for k, v := range extra {
		metadata[k] = v
	}
	return w.ports.Messages.UpdateMetadata(ctx, w.sessionID, messageID, metadata)
}

func (w *Writer) CreateArtifact(ctx context.Context, a *types.Artifact) error {
	a.SessionID = w.sessionID
	return w.ports.Artifacts.Create(ctx, a)
}

// UpdateArtifact verifies the artifact already belongs to this session
// before overwriting it.
func (w *Writer) UpdateArtifact(ctx context.Context, a *types.Artifact) error {
	existing, err := w.ports.Artifacts.Get(ctx, a.ID)
	if err != nil {
		return err
	}
	if existing.SessionID != w.sessionID {
		return &persistence.ValidationFailed{Field: "session_id", Reason: "artifact does not belong to this session"}
	}
	a.SessionID = w.sessionID
	return w.ports.Artifacts.Update(ctx, a)
}

func (w *Writer) SetContext(ctx context.Context, key string, value any) error {
	_, err := w.ports.Contexts.Mutate(ctx, w.sessionID, func(pc *types.PrimaryContext) error {
		pc.Set(key, value)
		return nil
	})
	return err
}

func (w *Writer) DeleteContext(ctx context.Context, key string) error {
	_, err := w.ports.Contexts.Mutate(ctx, w.sessionID, func(pc *types.PrimaryContext) error {
		pc.Delete(key)
		return nil
	})
	return err
}

func (w *Writer) AddSessionContext(ctx context.Context, typ, text string, at int64) (*types.SessionContext, error) {
	return w.ports.SessionContexts.Add(ctx, &types.SessionContext{
		SessionID: w.sessionID,
		Type:      typ,
		Text:      text,
		Time:      at,
	})
}

func (w *Writer) DeleteSessionContext(ctx context.Context, id string) error {
	return w.ports.SessionContexts.Delete(ctx, w.sessionID, id)
}

func (w *Writer) DeleteSessionContextsByType(ctx context.Context, typ string) error {
	return w.ports.SessionContexts.DeleteByType(ctx, w.sessionID, typ)
}

// Fork creates a new session sharing this one's history up to forkAt. The
// new session's messages are the source's history up to and including
// forkAt; forked_from is recorded in its meta.
func (w *Writer) Fork(ctx context.Context, forkAt string) (*types.Session, error) {
	source, err := w.ports.Sessions.Get(ctx, w.sessionID)
	if err != nil {
		return nil, err
	}

	newID := ulid.Make().String()
	forked := &types.Session{
		ID:               newID,
		UserID:           source.UserID,
		PrimaryContextID: newID,
		Status:           types.StatusIdle,
		Title:            source.Title + " (fork)",
		Kind:             source.Kind,
		Config:           source.Config,
		Meta:             types.SessionMeta{ForkedFrom: w.sessionID},
		StartDate:        source.LastMessageDate,
	}
	if err := w.ports.Sessions.Create(ctx, forked); err != nil {
		return nil, err
	}

	page, err := w.ports.Messages.List(ctx, w.sessionID, "", types.DirectionAfter, 0)
	if err != nil {
		return nil, err
	}
	target := OpenWriter(w.ports, newID)
	for _, msg := range page.Messages {
		if _, err := target.AddMessage(ctx, msg.Type, msg.Data, cloneMetadata(msg.Metadata)); err != nil {
			return nil, err
		}
		if msg.ID == forkAt {
			break
		}
	}

	return w.ports.Sessions.Get(ctx, newID)
}

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// timestampFromULID extracts the millisecond timestamp encoded in a ULID's
// first 10 bytes, giving Message.Date without a second generator call.
func timestampFromULID(id string) int64 {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return 0
	}
	return int64(parsed.Time())
}
