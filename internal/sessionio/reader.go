// Package sessionio implements SessionReader and SessionWriter:
// the cached read view and authoritative mutator for a single session,
// built atop internal/persistence.
package sessionio

import (
	"context"

	"github.com/opencode-ai/relay/internal/persistence"
	"github.com/opencode-ai/relay/pkg/types"
)

// Reader is a cached, read-only view of one session. It is opened once per
// actor lifetime and reset() whenever a Writer mutation invalidates the
// cache, so state is re-read fresh after any mutating call.
type Reader struct {
	ports     persistence.Ports
	sessionID string

	sess *types.Session
	pctx *types.PrimaryContext
}

// OpenReader loads and caches the session row and primary context.
func OpenReader(ctx context.Context, ports persistence.Ports, sessionID string) (*Reader, error) {
	r := &Reader{ports: ports, sessionID: sessionID}
	if err := r.load(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) load(ctx context.Context) error {
	sess, err := r.ports.Sessions.Get(ctx, r.sessionID)
	if err != nil {
		return err
	}
	r.sess = sess

	pctx, err := r.ports.Contexts.Get(ctx, r.sessionID)
	if err != nil {
		if !persistence.IsNotFound(err) {
			return err
		}
		pctx = &types.PrimaryContext{ID: r.sessionID, SessionID: r.sessionID, Data: map[string]any{}}
	}
	r.pctx = pctx
	return nil
}

// State returns a snapshot copy of the cached session row.
func (r *Reader) State() types.Session {
	return *r.sess
}

// PrimaryContext returns a snapshot copy of the cached primary context.
func (r *Reader) PrimaryContext() types.PrimaryContext {
	return *r.pctx
}

// Reset forces the next read to re-fetch from the store. Called by the
// owning actor after a Writer mutation the Reader's cache depends on.
func (r *Reader) Reset(ctx context.Context) error {
	return r.load(ctx)
}

// Messages starts a fluent query over this session's message log.
func (r *Reader) Messages() *MessageQuery {
	return &MessageQuery{reader: r}
}

// Artifacts starts a fluent query over this session's artifacts.
func (r *Reader) Artifacts() *ArtifactQuery {
	return &ArtifactQuery{reader: r}
}

// Contexts starts a fluent query over this session's long-lived
// SessionContext memories.
func (r *Reader) Contexts() *SessionContextQuery {
	return &SessionContextQuery{reader: r}
}

// MessageQuery is the fluent builder for messages(): last/offset/after/
// from_checkpoint modifiers and all/one/count terminators. Modifiers are
// mutually exclusive except Offset, which always applies after whichever
// base selection was chosen.
type MessageQuery struct {
	reader *Reader

	useAfter       bool
	afterID        string
	useLast        bool
	lastN          int
	fromCheckpoint bool
	offsetN        int
}

func (q *MessageQuery) Last(n int) *MessageQuery {
	q.useLast = true
	q.lastN = n
	return q
}

func (q *MessageQuery) Offset(k int) *MessageQuery {
	q.offsetN = k
	return q
}

func (q *MessageQuery) After(messageID string) *MessageQuery {
	q.useAfter = true
	q.afterID = messageID
	return q
}

// FromCheckpoint resolves current_checkpoint_id from the primary context
// and defers to the same path as After.
func (q *MessageQuery) FromCheckpoint() *MessageQuery {
	q.fromCheckpoint = true
	return q
}

func (q *MessageQuery) resolve(ctx context.Context) ([]*types.Message, error) {
	if q.fromCheckpoint {
		cursor := ""
		if v, ok := q.reader.pctx.Get(types.CurrentCheckpointKey); ok {
			if s, ok := v.(string); ok {
				cursor = s
			}
		}
		q.useAfter = true
		q.afterID = cursor
	}

	var msgs []*types.Message
	switch {
	case q.useAfter:
		all, err := q.reader.ports.Messages.After(ctx, q.reader.sessionID, q.afterID)
		if err != nil {
			return nil, err
		}
		msgs = all
	case q.useLast:
		page, err := q.reader.ports.Messages.List(ctx, q.reader.sessionID, "", types.DirectionBefore, q.lastN)
		if err != nil {
			return nil, err
		}
		msgs = page.Messages
	default:
		page, err := q.reader.ports.Messages.List(ctx, q.reader.sessionID, "", types.DirectionAfter, 0)
		if err != nil {
			return nil, err
		}
		msgs = page.Messages
	}

	if q.offsetN > 0 {
		if q.offsetN >= len(msgs) {
			msgs = nil
		} else {
			msgs = msgs[q.offsetN:]
		}
	}
	return msgs, nil
}

func (q *MessageQuery) All(ctx context.Context) ([]*types.Message, error) {
	return q.resolve(ctx)
}

func (q *MessageQuery) One(ctx context.Context) (*types.Message, error) {
	msgs, err := q.resolve(ctx)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, &persistence.NotFound{Kind: "message", ID: "<query>"}
	}
	return msgs[0], nil
}

func (q *MessageQuery) Count(ctx context.Context) (int, error) {
	msgs, err := q.resolve(ctx)
	return len(msgs), err
}

// ArtifactQuery is the fluent builder for artifacts(), filterable by kind.
type ArtifactQuery struct {
	reader *Reader
	kind   types.ArtifactKind
	filter bool
}

func (q *ArtifactQuery) Kind(k types.ArtifactKind) *ArtifactQuery {
	q.kind = k
	q.filter = true
	return q
}

func (q *ArtifactQuery) All(ctx context.Context) ([]*types.Artifact, error) {
	all, err := q.reader.ports.Artifacts.ListBySession(ctx, q.reader.sessionID)
	if err != nil {
		return nil, err
	}
	if !q.filter {
		return all, nil
	}
	var out []*types.Artifact
	for _, a := range all {
		if a.Kind == q.kind {
			out = append(out, a)
		}
	}
	return out, nil
}

func (q *ArtifactQuery) One(ctx context.Context) (*types.Artifact, error) {
	all, err := q.All(ctx)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, &persistence.NotFound{Kind: "artifact", ID: "<query>"}
	}
	return all[0], nil
}

func (q *ArtifactQuery) Count(ctx context.Context) (int, error) {
	all, err := q.All(ctx)
	return len(all), err
}

// SessionContextQuery is the fluent builder for contexts(), filterable by
// type.
type SessionContextQuery struct {
	reader *Reader
	typ    string
	filter bool
}

func (q *SessionContextQuery) Type(t string) *SessionContextQuery {
	q.typ = t
	q.filter = true
	return q
}

func (q *SessionContextQuery) All(ctx context.Context) ([]*types.SessionContext, error) {
	all, err := q.reader.ports.SessionContexts.ListBySession(ctx, q.reader.sessionID)
	if err != nil {
		return nil, err
	}
	if !q.filter {
		return all, nil
	}
	var out []*types.SessionContext
	for _, sc := range all {
		if sc.Type == q.typ {
			out = append(out, sc)
		}
	}
	return out, nil
}

func (q *SessionContextQuery) One(ctx context.Context) (*types.SessionContext, error) {
	all, err := q.All(ctx)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, &persistence.NotFound{Kind: "session_context", ID: "<query>"}
	}
	return all[0], nil
}

func (q *SessionContextQuery) Count(ctx context.Context) (int, error) {
	all, err := q.All(ctx)
	return len(all), err
}
