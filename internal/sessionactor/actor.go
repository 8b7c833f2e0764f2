// Package sessionactor implements SessionActor: the single
// live task that may mutate a session. It owns a Reader, Writer,
// Upstream, AgentContext, and one CommandBus, and translates the relay's
// inbox topics (message/command/stop/continue/finish_and_exit) into bus
// operations, running a goroutine selecting on the inbox, bus completion
// and context cancellation.
package sessionactor

import (
	"context"
	"fmt"

	"github.com/opencode-ai/relay/internal/bus"
	"github.com/opencode-ai/relay/internal/bus/handlers"
	"github.com/opencode-ai/relay/internal/logging"
	"github.com/opencode-ai/relay/internal/persistence"
	"github.com/opencode-ai/relay/internal/sessionio"
	"github.com/opencode-ai/relay/internal/upstream"
	"github.com/opencode-ai/relay/pkg/types"
)

// InboxTopic is the closed set of topics a SessionActor's inbox accepts.
type InboxTopic string

const (
	TopicMessage       InboxTopic = "message"
	TopicCommand       InboxTopic = "command"
	TopicStop          InboxTopic = "stop"
	TopicContinue      InboxTopic = "continue"
	TopicFinishAndExit InboxTopic = "finish_and_exit"
)

// Inbox is one message delivered to a SessionActor by its owning Relay.
type Inbox struct {
	Topic     InboxTopic
	Payload   map[string]any
	RequestID string
	ConnPID   string
}

// ExitResult is sent on Done() exactly once, when the actor's run loop
// returns. Err is nil for a clean exit (finish_and_exit drained, or the
// relay cancelled it); non-nil means the bus tore down on a fatal error.
// Reconciling persisted status on this observation is the Relay's job;
// the actor itself does not write a final status here.
type ExitResult struct {
	SessionID string
	Err       error
}

// NewSessionHooks are the operations an actor enqueues once, right after
// Start, only when the relay created the session this turn.
type NewSessionHooks struct {
	Agent      string
	Model      string
	InitFuncID string
}

// Actor is one live SessionActor.
type Actor struct {
	sessionID string
	ports     persistence.Ports
	reader    *sessionio.Reader
	writer    *sessionio.Writer
	upstream  *upstream.Upstream
	deps      *handlers.Deps
	bus       *bus.Bus

	inbox chan Inbox
	exit  chan ExitResult

	finishing bool
}

// Config bundles everything Start needs beyond the session id: the
// persistence ports and the pre-wired handler dependencies (Upstream,
// AgentContext, ToolCaller, PromptBuilder uploads, FunctionRegistry).
// Deps.SessionID/Reader/Writer are filled in by Start.
type Config struct {
	Ports persistence.Ports
	Deps  *handlers.Deps
	// New, when non-nil, marks this session as freshly created this turn;
	// its fields seed the initial agent_change/model_change/
	// execute_function(init) ops.
	New *NewSessionHooks
}

// Start opens the session, wires the bus, and returns a running Actor.
// It fails fast if the session's persisted status is "failed".
func Start(ctx context.Context, sessionID string, cfg Config) (*Actor, error) {
	reader, err := sessionio.OpenReader(ctx, cfg.Ports, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sessionactor: open reader: %w", err)
	}
	if reader.State().Status == types.StatusFailed {
		return nil, fmt.Errorf("sessionactor: %w: session %s", bus.ErrSessionFailed, sessionID)
	}

	writer := sessionio.OpenWriter(cfg.Ports, sessionID)

	a := &Actor{
		sessionID: sessionID,
		ports:     cfg.Ports,
		reader:    reader,
		writer:    writer,
		upstream:  cfg.Deps.Upstream,
		deps:      cfg.Deps,
		inbox:     make(chan Inbox, 64),
		exit:      make(chan ExitResult, 1),
	}
	a.deps.SessionID = sessionID
	a.deps.Reader = reader
	a.deps.Writer = writer

	a.bus = bus.New(bus.DefaultCapacity)
	a.bus.SetNotifier(a)
	a.bus.OnQueueEmpty(a.onQueueEmpty)
	handlers.Register(a.bus, a.deps)

	if cfg.New != nil {
		var initial []bus.Op
		if cfg.New.Agent != "" {
			initial = append(initial, bus.Op{Type: bus.OpAgentChange, Internal: true, Args: map[string]any{"agent": cfg.New.Agent}})
		}
		if cfg.New.Model != "" {
			initial = append(initial, bus.Op{Type: bus.OpModelChange, Internal: true, Args: map[string]any{"model": cfg.New.Model}})
		}
		if cfg.New.InitFuncID != "" {
			initial = append(initial, bus.Op{Type: bus.OpExecuteFunction, Internal: true, Args: map[string]any{"func_id": cfg.New.InitFuncID}})
		}
		for _, op := range initial {
			if err := a.bus.Enqueue(op); err != nil {
				logging.Warn().Err(err).Msg("sessionactor: failed to enqueue initial op")
			}
		}
	}

	a.upstream.EmitSession(a.sessionID, upstream.Update, map[string]any{"status": string(reader.State().Status)})

	go a.bus.Run(ctx)
	go a.run(ctx)

	return a, nil
}

// Inbox returns the channel the owning Relay sends client traffic on.
func (a *Actor) Inbox() chan<- Inbox { return a.inbox }

// Done returns the channel that receives exactly one ExitResult when the
// actor's run loop terminates.
func (a *Actor) Done() <-chan ExitResult { return a.exit }

// Cancel requests cooperative termination, translated into bus.Stop: the
// session actor translates cancel into a bus stop.
func (a *Actor) Cancel() {
	a.bus.Stop()
}

func (a *Actor) run(ctx context.Context) {
	var result ExitResult
	result.SessionID = a.sessionID

	for {
		select {
		case msg, ok := <-a.inbox:
			if !ok {
				a.bus.Stop()
				<-a.bus.Done()
				a.exit <- result
				return
			}
			a.handleInbox(ctx, msg)

		case <-a.bus.Done():
			if !a.finishing {
				result.Err = fmt.Errorf("sessionactor: bus stopped unexpectedly")
			}
			a.exit <- result
			return

		case <-ctx.Done():
			a.bus.Stop()
			<-a.bus.Done()
			a.exit <- result
			return
		}
	}
}

func (a *Actor) handleInbox(ctx context.Context, msg Inbox) {
	switch msg.Topic {
	case TopicMessage:
		if a.finishing {
			a.upstream.EmitSession(a.sessionID, upstream.Error, map[string]any{
				"code": "session_finishing", "message": "session is finishing and rejects new messages",
			})
			return
		}
		if _, err := a.writer.UpdateStatus(ctx, types.StatusRunning, ""); err != nil {
			logging.Warn().Err(err).Msg("sessionactor: update status running")
		}
		_ = a.reader.Reset(ctx)
		op := bus.Op{Type: bus.OpHandleMessage, RequestID: msg.RequestID, Args: map[string]any{
			"text": msg.Payload["text"], "file_uuids": msg.Payload["file_uuids"],
		}}
		if err := a.bus.Enqueue(op); err != nil {
			a.upstream.EmitSession(a.sessionID, upstream.Error, map[string]any{"code": "storage_error", "message": err.Error()})
		}

	case TopicCommand:
		a.handleCommand(ctx, msg)

	case TopicStop:
		a.bus.Intercept(func(context.Context, bus.Op) (*bus.Result, error) {
			return &bus.Result{}, nil
		})

	case TopicFinishAndExit:
		a.finishing = true
		a.bus.Finish()

	case TopicContinue:
		// advisory; no bus action required.

	default:
		logging.Warn().Str("topic", string(msg.Topic)).Msg("sessionactor: unknown inbox topic")
	}
}

func (a *Actor) handleCommand(ctx context.Context, msg Inbox) {
	command, _ := msg.Payload["command"].(string)
	switch command {
	case "stop":
		a.handleInbox(ctx, Inbox{Topic: TopicStop})
		a.upstream.EmitSession(a.sessionID, upstream.CommandResponse, map[string]any{"request_id": msg.RequestID, "success": true})

	case "agent":
		name, _ := msg.Payload["name"].(string)
		a.enqueueCommand(bus.Op{Type: bus.OpAgentChange, RequestID: msg.RequestID, Args: map[string]any{"agent": name}})

	case "model":
		name, _ := msg.Payload["name"].(string)
		a.enqueueCommand(bus.Op{Type: bus.OpModelChange, RequestID: msg.RequestID, Args: map[string]any{"model": name}})

	case "artifact":
		a.enqueueCommand(bus.Op{Type: bus.OpControlArtifacts, RequestID: msg.RequestID, Args: map[string]any{
			"artifacts": msg.Payload["artifacts"],
		}})

	case "context":
		action, _ := msg.Payload["action"].(string)
		key, _ := msg.Payload["key"].(string)
		a.enqueueCommand(bus.Op{Type: bus.OpHandleContextCommand, RequestID: msg.RequestID, Args: map[string]any{
			"action": action, "key": key, "data": msg.Payload["data"],
		}})

	default:
		a.upstream.EmitSession(a.sessionID, upstream.CommandResponse, map[string]any{
			"request_id": msg.RequestID, "success": false, "code": "invalid_json", "message": "unknown command",
		})
	}
}

func (a *Actor) enqueueCommand(op bus.Op) {
	if err := a.bus.Enqueue(op); err != nil {
		a.upstream.EmitSession(a.sessionID, upstream.CommandResponse, map[string]any{
			"request_id": op.RequestID, "success": false, "code": "storage_error", "message": err.Error(),
		})
	}
}

// onQueueEmpty is the sole authority for the idle transition: no
// operation handler flips status to idle itself.
func (a *Actor) onQueueEmpty() {
	ctx := context.Background()
	if err := a.reader.Reset(ctx); err != nil {
		logging.Warn().Err(err).Msg("sessionactor: reload on queue-empty")
		return
	}
	if a.reader.State().Status != types.StatusRunning {
		return
	}
	if _, err := a.writer.UpdateStatus(ctx, types.StatusIdle, ""); err != nil {
		logging.Warn().Err(err).Msg("sessionactor: transition to idle")
		return
	}
	a.upstream.EmitSession(a.sessionID, upstream.Update, map[string]any{"status": string(types.StatusIdle)})
}

// CommandResponse implements bus.Notifier, relaying the bus's verdict on
// request_id-bearing operations to the session topic.
func (a *Actor) CommandResponse(requestID string, success bool, code, message string) {
	if requestID == "" {
		// A fatal error with no request_id (e.g. a background op's handler
		// tearing the bus down) still needs to reach the user as a
		// session-level error.
		if !success {
			a.upstream.EmitSession(a.sessionID, upstream.Error, map[string]any{"code": code, "message": message})
		}
		return
	}
	payload := map[string]any{"request_id": requestID, "success": success}
	if code != "" {
		payload["code"] = code
	}
	if message != "" {
		payload["message"] = message
	}
	a.upstream.EmitSession(a.sessionID, upstream.CommandResponse, payload)
}
