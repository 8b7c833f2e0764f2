// Package httpapi is the thin HTTP boundary demonstrating that the core
// (Relay + SessionActor + CommandBus) is reachable and testable
// end-to-end. The full HTTP CRUD surface (list/get/delete of sessions,
// messages, artifacts) is an out-of-scope collaborator; this package is
// deliberately not that surface — it exposes only the operations needed
// to drive a Relay (open, message, command, close) plus an SSE stream of
// the relay-forwarded upstream events.
package httpapi

import (
	"context"
	"sync"

	"github.com/opencode-ai/relay/internal/logging"
	"github.com/opencode-ai/relay/internal/persistence"
	"github.com/opencode-ai/relay/internal/relay"
	"github.com/opencode-ai/relay/internal/upstream"
	"github.com/opencode-ai/relay/pkg/types"
)

// Registry lazily spawns and tracks one Relay per user, the way a real
// host application's connection layer would: one relay per authenticated
// user, fed through its inbox.
type Registry struct {
	mu     sync.Mutex
	ports  persistence.Ports
	up     *upstream.Upstream
	collab relay.Collaborators
	cfg    types.Config

	relays map[string]*relay.Relay
}

// NewRegistry constructs a Registry. collab is shared read-mostly state
// (agent registry, tool registry, function registry) wired once at
// startup and handed to every per-user Relay.
func NewRegistry(ports persistence.Ports, up *upstream.Upstream, collab relay.Collaborators, cfg types.Config) *Registry {
	return &Registry{
		ports:  ports,
		up:     up,
		collab: collab,
		cfg:    cfg,
		relays: make(map[string]*relay.Relay),
	}
}

// Upstream returns the shared Upstream hub every Relay this Registry
// spawns publishes through.
func (reg *Registry) Upstream() *upstream.Upstream { return reg.up }

// Get returns userID's Relay, spawning and running it in a background
// goroutine on first access.
func (reg *Registry) Get(ctx context.Context, userID string) *relay.Relay {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if r, ok := reg.relays[userID]; ok {
		return r
	}

	r := relay.New(userID, reg.ports, reg.up, reg.collab, reg.cfg)
	reg.relays[userID] = r
	go func() {
		r.Run(ctx)
		reg.mu.Lock()
		delete(reg.relays, userID)
		reg.mu.Unlock()
		logging.Info().Str("user_id", userID).Msg("httpapi: relay exited")
	}()
	return r
}
