// Package relay implements the per-user supervisor: it
// multiplexes client traffic across the live SessionActors it spawns,
// enforces the per-user session-count limit, recovers sessions whose
// actor died while their row was left "running", and reconciles persisted
// status when an actor exits. The actor-table/eviction/GC loop follows
// the same goroutine+select idiom as internal/sessionactor.
package relay

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/relay/internal/logging"
	"github.com/opencode-ai/relay/internal/persistence"
	"github.com/opencode-ai/relay/internal/sessionactor"
	"github.com/opencode-ai/relay/internal/upstream"
	"github.com/opencode-ai/relay/pkg/starttoken"
	"github.com/opencode-ai/relay/pkg/types"
)

// decodeKey hex-decodes the configured encryption key and checks it is a
// valid AES key length: the caller must produce a correctly hex-encoded
// 16/24/32-byte key.
func decodeKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("relay: decode encryption key: %w", err)
	}
	switch len(key) {
	case 16, 24, 32:
		return key, nil
	default:
		return nil, fmt.Errorf("relay: encryption key must be 16, 24, or 32 bytes, got %d", len(key))
	}
}

// entry is one live session's bookkeeping in the relay's active-sessions
// map.
type entry struct {
	actor        *sessionactor.Actor
	createdAt    time.Time
	lastActivity time.Time
	stopForward  context.CancelFunc
}

// Relay is one user's long-lived supervisor.
type Relay struct {
	userID string
	ports  persistence.Ports
	up     *upstream.Upstream
	collab Collaborators
	cfg    types.Config

	inbox   chan Envelope
	exited  chan sessionactor.ExitResult
	stopped chan struct{}

	sessions map[string]*entry

	shuttingDown  bool
	shutdownTimer *time.Timer
}

// New constructs a Relay. It does not start its Run loop.
func New(userID string, ports persistence.Ports, up *upstream.Upstream, collab Collaborators, cfg types.Config) *Relay {
	return &Relay{
		userID:   userID,
		ports:    ports,
		up:       up,
		collab:   collab,
		cfg:      cfg,
		inbox:    make(chan Envelope, 64),
		exited:   make(chan sessionactor.ExitResult, 16),
		stopped:  make(chan struct{}),
		sessions: make(map[string]*entry),
	}
}

// Inbox returns the channel a host (e.g. the HTTP layer) sends client
// traffic on.
func (r *Relay) Inbox() chan<- Envelope { return r.inbox }

// Stopped is closed once Run returns (session_count reached zero with no
// pending shutdown, or ctx was cancelled).
func (r *Relay) Stopped() <-chan struct{} { return r.stopped }

// Run is the relay's select loop: inbox traffic, actor exits, and the GC
// ticker, until it decides to exit or ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	defer close(r.stopped)

	interval := r.cfg.GCInterval
	if interval <= 0 {
		interval = types.Defaults().GCInterval
	}
	gc := time.NewTicker(interval)
	defer gc.Stop()

	for {
		select {
		case env := <-r.inbox:
			r.handle(ctx, env)

		case res := <-r.exited:
			r.handleExit(res)
			if r.maybeExit() {
				return
			}

		case <-gc.C:
			r.runGC(ctx)

		case <-r.shutdownFired():
			r.cancelAll()
			return

		case <-ctx.Done():
			r.cancelAll()
			return
		}
	}
}

// shutdownFired returns the armed shutdown timer's channel, or a channel
// that never fires if none is armed.
func (r *Relay) shutdownFired() <-chan time.Time {
	if r.shutdownTimer == nil {
		return nil
	}
	return r.shutdownTimer.C
}

func (r *Relay) handle(ctx context.Context, env Envelope) {
	switch env.Topic {
	case TopicOpen:
		r.handleOpen(ctx, env)
	case TopicClose:
		r.handleClose(env)
	case TopicMessage:
		r.handleToSession(ctx, env, sessionactor.Inbox{
			Topic: sessionactor.TopicMessage, Payload: env.Data, RequestID: env.RequestID, ConnPID: env.ConnPID,
		})
	case TopicCommand:
		r.handleToSession(ctx, env, sessionactor.Inbox{
			Topic: sessionactor.TopicCommand, Payload: env.Data, RequestID: env.RequestID, ConnPID: env.ConnPID,
		})
	case TopicShutdown:
		r.armShutdown()
	case TopicResume:
		r.cancelShutdown()
	default:
		logging.Warn().Str("topic", string(env.Topic)).Msg("relay: unknown inbox topic")
	}
}

// handleOpen implements the open contract.
func (r *Relay) handleOpen(ctx context.Context, env Envelope) {
	r.cancelShutdown()
	r.evictIfAtCapacity()

	sessionID := env.SessionID
	var sess *types.Session
	isNew := false

	if sessionID != "" {
		if e, live := r.sessions[sessionID]; live {
			e.lastActivity = time.Now()
			r.emitOpened(sessionID)
			return
		}
		var err error
		sess, err = r.ports.Sessions.Get(ctx, sessionID)
		if err != nil && !persistence.IsNotFound(err) {
			r.emitSessionError(env, "storage_error", err.Error())
			return
		}
	}

	var hooks *sessionactor.NewSessionHooks
	if sess == nil {
		if env.StartToken == "" {
			r.emitSessionError(env, "token_invalid", "no session id and no start token")
			return
		}
		key, err := decodeKey(r.cfg.EncryptionKey)
		if err != nil {
			r.emitSessionError(env, "token_invalid", err.Error())
			return
		}
		params, err := starttoken.Unpack(env.StartToken, key)
		if err != nil {
			r.emitSessionError(env, "token_invalid", err.Error())
			return
		}

		newID := sessionID
		if newID == "" {
			newID = ulid.Make().String()
		}
		now := time.Now().Unix()
		sess = &types.Session{
			ID:               newID,
			UserID:           r.userID,
			PrimaryContextID: newID,
			Status:           types.StatusIdle,
			Kind:             params.Kind,
			Config:           mergeConfig(params.Context, params.StartParams),
			StartDate:        now,
			LastMessageDate:  now,
		}
		if err := r.ports.Sessions.Create(ctx, sess); err != nil {
			r.emitSessionError(env, "session_id_gen_error", err.Error())
			return
		}
		sessionID = newID
		isNew = true
		hooks = &sessionactor.NewSessionHooks{Agent: params.Agent, Model: params.Model, InitFuncID: params.StartFunc}
	} else {
		sessionID = sess.ID
	}

	if !isNew && sess.Status != types.StatusIdle {
		r.recoverRow(ctx, sessionID)
	}

	if err := r.spawn(ctx, sessionID, hooks); err != nil {
		r.emitSessionError(env, "session_spawn_error", err.Error())
		return
	}

	r.emitOpened(sessionID)
}

// handleClose only closes a session if more than one is active, keeping
// the last session alive for reconnect.
func (r *Relay) handleClose(env Envelope) {
	if len(r.sessions) <= 1 {
		return
	}
	if e, ok := r.sessions[env.SessionID]; ok {
		e.actor.Cancel()
	}
}

// handleToSession resolves the target session (explicit, else
// most-recently-active, else spawn fresh) and forwards the translated
// inbox message.
func (r *Relay) handleToSession(ctx context.Context, env Envelope, msg sessionactor.Inbox) {
	sessionID := env.SessionID
	if sessionID == "" {
		sessionID = r.mostRecentlyActive()
	}
	if sessionID == "" {
		r.handleOpen(ctx, Envelope{Topic: TopicOpen, StartToken: env.StartToken, RequestID: env.RequestID, ConnPID: env.ConnPID})
		sessionID = r.mostRecentlyActive()
		if sessionID == "" {
			return
		}
	}

	e, live := r.sessions[sessionID]
	if !live {
		r.recoverAndSpawn(ctx, sessionID, env)
		e, live = r.sessions[sessionID]
		if !live {
			return
		}
	}
	e.lastActivity = time.Now()
	e.actor.Inbox() <- msg
}

func (r *Relay) recoverAndSpawn(ctx context.Context, sessionID string, env Envelope) {
	sess, err := r.ports.Sessions.Get(ctx, sessionID)
	if err != nil {
		r.emitSessionError(env, "session_not_found", err.Error())
		return
	}
	if sess.Status != types.StatusIdle {
		r.recoverRow(ctx, sessionID)
	}
	if err := r.spawn(ctx, sessionID, nil); err != nil {
		r.emitSessionError(env, "session_spawn_error", err.Error())
	}
}

// recoverRow resets a session row left "running" (or "failed") by a dead
// actor back to idle.
func (r *Relay) recoverRow(ctx context.Context, sessionID string) {
	idle := types.StatusIdle
	if _, err := r.ports.Sessions.Patch(ctx, sessionID, types.MetaPatch{Status: &idle}); err != nil {
		logging.Warn().Err(err).Str("session_id", sessionID).Msg("relay: crash recovery patch failed")
		return
	}
	r.up.EmitSession(sessionID, upstream.Update, map[string]any{"status": string(types.StatusIdle)})
}

func (r *Relay) spawn(ctx context.Context, sessionID string, hooks *sessionactor.NewSessionHooks) error {
	deps := r.collab.deps(r.cfg, r.up)
	if hooks != nil {
		if err := deps.Agent.LoadAgent(orDefault(hooks.Agent, "build"), hooks.Model); err != nil {
			return fmt.Errorf("relay: load initial agent: %w", err)
		}
	} else {
		// Resuming an existing session with no fresh start params still
		// needs a loaded agent/model; fall back to whatever the row has
		// recorded from its last selection (persistAgentModelSelection
		// writes these into Config).
		sess, err := r.ports.Sessions.Get(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("relay: load session for agent resume: %w", err)
		}
		agentName, _ := sess.Config["agent"].(string)
		model, _ := sess.Config["model"].(string)
		if err := deps.Agent.LoadAgent(orDefault(agentName, "build"), model); err != nil {
			return fmt.Errorf("relay: load resumed agent: %w", err)
		}
	}

	// Subscribe before starting the actor: Start emits the session's
	// initial status update synchronously, and the underlying pub/sub
	// transport drops a publish with no current subscriber rather than
	// buffering it.
	fwdCtx, stopForward := context.WithCancel(context.Background())
	sub, err := r.up.SubscribeSession(fwdCtx, sessionID)
	if err != nil {
		stopForward()
		return fmt.Errorf("relay: subscribe session for forwarding: %w", err)
	}

	actor, err := sessionactor.Start(ctx, sessionID, sessionactor.Config{Ports: r.ports, Deps: deps, New: hooks})
	if err != nil {
		stopForward()
		return err
	}

	now := time.Now()
	r.sessions[sessionID] = &entry{actor: actor, createdAt: now, lastActivity: now, stopForward: stopForward}
	go r.watchExit(actor)
	go r.forwardSessionEvents(fwdCtx, sessionID, sub)
	return nil
}

// forwardSessionEvents relays every event published on one session's
// topic onto the user's hub topic verbatim, so a client holding one SSE
// subscription to its user topic sees every session it owns without
// subscribing to each individually. sub must already be subscribed
// before the session actor starts emitting, so the initial status
// update is never published to zero subscribers.
func (r *Relay) forwardSessionEvents(ctx context.Context, sessionID string, sub <-chan *message.Message) {
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
			payload := make(map[string]any, len(evt.Payload)+2)
			for k, v := range evt.Payload {
				payload[k] = v
			}
			payload["session_id"] = evt.SessionID
			if evt.MessageID != "" {
				payload["message_id"] = evt.MessageID
			}
			r.up.EmitUser(r.userID, evt.Type, payload)
		}
	}
}

// watchExit forwards one actor's ExitResult onto the relay's fan-in
// channel; it is the relay's only reader of that actor's Done().
func (r *Relay) watchExit(a *sessionactor.Actor) {
	res := <-a.Done()
	r.exited <- res
}

// handleExit implements the "Session termination" bullet.
func (r *Relay) handleExit(res sessionactor.ExitResult) {
	if e, ok := r.sessions[res.SessionID]; ok && e.stopForward != nil {
		e.stopForward()
	}
	delete(r.sessions, res.SessionID)

	ctx := context.Background()
	status := types.StatusIdle
	if res.Err != nil {
		status = types.StatusFailed
	}
	if _, err := r.ports.Sessions.Patch(ctx, res.SessionID, types.MetaPatch{Status: &status}); err != nil {
		logging.Warn().Err(err).Str("session_id", res.SessionID).Msg("relay: status reconcile on exit failed")
	}
	r.up.EmitSession(res.SessionID, upstream.Update, map[string]any{"status": string(status)})
	r.up.EmitUser(r.userID, upstream.SessionClosed, map[string]any{"session_id": res.SessionID})
}

// maybeExit reports whether the relay should stop its Run loop: no
// sessions left and no shutdown pending means there's nothing left to
// supervise.
func (r *Relay) maybeExit() bool {
	return len(r.sessions) == 0 && !r.shuttingDown
}

func (r *Relay) armShutdown() {
	r.shuttingDown = true
	grace := r.cfg.ShutdownGrace
	if grace <= 0 {
		grace = types.Defaults().ShutdownGrace
	}
	if r.shutdownTimer != nil {
		r.shutdownTimer.Stop()
	}
	r.shutdownTimer = time.NewTimer(grace)
}

func (r *Relay) cancelShutdown() {
	if !r.shuttingDown {
		return
	}
	r.shuttingDown = false
	if r.shutdownTimer != nil {
		r.shutdownTimer.Stop()
		r.shutdownTimer = nil
	}
}

func (r *Relay) cancelAll() {
	for _, e := range r.sessions {
		e.actor.Cancel()
	}
}

// evictIfAtCapacity drops the session with the oldest last_activity until
// there is room for one more, enforcing the per-user session-count limit.
func (r *Relay) evictIfAtCapacity() {
	limit := r.cfg.MaxSessionsPerUser
	if limit <= 0 {
		limit = types.Defaults().MaxSessionsPerUser
	}
	for len(r.sessions) >= limit {
		oldestID := ""
		var oldest time.Time
		for id, e := range r.sessions {
			if oldestID == "" || e.lastActivity.Before(oldest) {
				oldestID, oldest = id, e.lastActivity
			}
		}
		if oldestID == "" {
			return
		}
		r.sessions[oldestID].actor.Cancel()
		delete(r.sessions, oldestID)
	}
}

// runGC evicts any session whose last_activity is older than
// session_inactivity.
func (r *Relay) runGC(ctx context.Context) {
	_ = ctx
	inactivity := r.cfg.SessionInactivity
	if inactivity <= 0 {
		inactivity = types.Defaults().SessionInactivity
	}
	now := time.Now()
	for id, e := range r.sessions {
		if now.Sub(e.lastActivity) > inactivity {
			e.actor.Cancel()
		}
	}
}

// mostRecentlyActive returns the live session id with the newest
// last_activity, or "" if none are live.
func (r *Relay) mostRecentlyActive() string {
	bestID := ""
	var best time.Time
	for id, e := range r.sessions {
		if bestID == "" || e.lastActivity.After(best) {
			bestID, best = id, e.lastActivity
		}
	}
	return bestID
}

// activeSessionIDs returns the live session ids sorted for deterministic
// session.opened emits of the current active-session-id list.
func (r *Relay) activeSessionIDs() []string {
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Relay) emitOpened(sessionID string) {
	r.up.EmitUser(r.userID, upstream.SessionOpened, map[string]any{
		"session_id": sessionID, "active_session_ids": r.activeSessionIDs(),
	})
}

func (r *Relay) emitSessionError(env Envelope, code, message string) {
	payload := map[string]any{"code": code, "message": message}
	if env.SessionID == "" {
		r.up.EmitUser(r.userID, upstream.Error, payload)
		return
	}
	r.up.EmitSession(env.SessionID, upstream.Error, payload)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// mergeConfig layers the token's embedded context and explicit start
// params into one session config map; start params win over context on
// key collision.
func mergeConfig(context, startParams map[string]any) map[string]any {
	out := make(map[string]any, len(context)+len(startParams))
	for k, v := range context {
		out[k] = v
	}
	for k, v := range startParams {
		out[k] = v
	}
	return out
}
