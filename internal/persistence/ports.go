// Package persistence defines the storage-agnostic ports SessionReader and
// SessionWriter are built on. Concrete
// backends live in sub-packages such as persistence/filestore; the core
// never imports a concrete backend directly.
package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/opencode-ai/relay/pkg/types"
)

// NotFound is returned when a lookup by ID finds nothing.
type NotFound struct {
	Kind string
	ID   string
}

func (e *NotFound) Error() string { return fmt.Sprintf("%s not found: %s", e.Kind, e.ID) }

// Conflict is returned when a write loses a compare-and-swap race, e.g. two
// writers racing to append a message or mutate session meta.
type Conflict struct {
	Kind string
	ID   string
}

func (e *Conflict) Error() string { return fmt.Sprintf("%s conflict: %s", e.Kind, e.ID) }

// ValidationFailed is returned when a caller-supplied value fails a port's
// own invariants (e.g. an empty session ID).
type ValidationFailed struct {
	Field  string
	Reason string
}

func (e *ValidationFailed) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
}

// ErrBackendUnavailable signals the storage backend itself could not be
// reached (disk full, connection refused); distinct from NotFound, which
// means the backend answered and the row does not exist.
var ErrBackendUnavailable = errors.New("persistence: backend unavailable")

// IsNotFound reports whether err is (or wraps) a NotFound.
func IsNotFound(err error) bool {
	var nf *NotFound
	return errors.As(err, &nf)
}

// SessionStore persists Session rows.
type SessionStore interface {
	Get(ctx context.Context, id string) (*types.Session, error)
	Create(ctx context.Context, s *types.Session) error
	// Patch applies a partial update and returns the resulting session.
	// Implementations must perform the read-modify-write atomically with
	// respect to other Patch calls on the same ID.
	Patch(ctx context.Context, id string, patch types.MetaPatch) (*types.Session, error)
	ListByUser(ctx context.Context, userID string) ([]*types.Session, error)
	Delete(ctx context.Context, id string) error
}

// MessageStore persists the append-only per-session message log.
type MessageStore interface {
	// Append assigns a monotonic ID if msg.ID is empty, stores the
	// message, and returns the stored copy.
	Append(ctx context.Context, msg *types.Message) (*types.Message, error)
	Get(ctx context.Context, sessionID, messageID string) (*types.Message, error)
	UpdateMetadata(ctx context.Context, sessionID, messageID string, metadata map[string]any) error
	// List returns up to limit messages from sessionID, scanning in dir
	// relative to cursor (empty cursor means "from the start" for
	// DirectionAfter or "from the end" for DirectionBefore).
	List(ctx context.Context, sessionID string, cursor string, dir types.Direction, limit int) (types.Page, error)
	// After returns all messages with ID strictly greater than afterID,
	// ordered ascending; used for from_checkpoint() queries.
	After(ctx context.Context, sessionID, afterID string) ([]*types.Message, error)
}

// ContextStore persists the one-to-one PrimaryContext sidecar.
type ContextStore interface {
	Get(ctx context.Context, sessionID string) (*types.PrimaryContext, error)
	// Mutate loads the context (creating an empty one if absent), applies
	// fn, and stores the result atomically with respect to other Mutate
	// calls on the same sessionID.
	Mutate(ctx context.Context, sessionID string, fn func(*types.PrimaryContext) error) (*types.PrimaryContext, error)
	Delete(ctx context.Context, sessionID string) error
}

// SessionContextStore persists the unbounded, typed long-lived memory list.
type SessionContextStore interface {
	Add(ctx context.Context, sc *types.SessionContext) (*types.SessionContext, error)
	ListBySession(ctx context.Context, sessionID string) ([]*types.SessionContext, error)
	Delete(ctx context.Context, sessionID, id string) error
	DeleteByType(ctx context.Context, sessionID, typ string) error
}

// ArtifactStore persists Artifacts, optionally scoped to a session.
type ArtifactStore interface {
	Get(ctx context.Context, id string) (*types.Artifact, error)
	Create(ctx context.Context, a *types.Artifact) error
	Update(ctx context.Context, a *types.Artifact) error
	ListBySession(ctx context.Context, sessionID string) ([]*types.Artifact, error)
}

// Ports bundles every store a SessionReader/SessionWriter pair needs, so
// callers thread one struct through constructors rather than five
// separate interfaces.
type Ports struct {
	Sessions        SessionStore
	Messages        MessageStore
	Contexts        ContextStore
	SessionContexts SessionContextStore
	Artifacts       ArtifactStore
}
