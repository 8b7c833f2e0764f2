// Package handlers implements OperationHandlers (the operation
// table): one handler function per registered bus.OpType, closing over
// the SessionReader/SessionWriter/Upstream/AgentContext/ToolCaller/
// PromptBuilder a SessionActor owns.
//
// The handlers cover the step -> tool-call -> continuation cycle, tool
// dispatch with doom-loop detection, title generation, and checkpoint
// compaction, each registered against its own operation type.
package handlers

import (
	"context"
	"time"

	"github.com/opencode-ai/relay/internal/agentctx"
	"github.com/opencode-ai/relay/internal/promptbuilder"
	"github.com/opencode-ai/relay/internal/sessionio"
	"github.com/opencode-ai/relay/internal/toolcaller"
	"github.com/opencode-ai/relay/internal/upstream"
	"github.com/opencode-ai/relay/pkg/types"
)

// FunctionRegistry is the out-of-scope "function registry" collaborator:
// checkpoint/title/init/delegate and programmatic functions are
// all invoked through this one narrow seam. A function's result may carry
// a "_control" key: ParseControl strips and interprets it.
type FunctionRegistry interface {
	Call(ctx context.Context, funcID string, args map[string]any, sessionContext map[string]any) (map[string]any, error)
}

// Deps bundles everything an operation handler needs. One Deps is built
// per SessionActor and shared by every registered handler closure.
type Deps struct {
	SessionID string

	Reader   *sessionio.Reader
	Writer   *sessionio.Writer
	Upstream *upstream.Upstream
	Agent    *agentctx.AgentContext

	ToolRegistry toolcaller.Registry
	ToolExecutor toolcaller.Executor
	DoomLoop     *toolcaller.DoomLoopGuard

	Uploads   promptbuilder.UploadResolver
	Functions FunctionRegistry

	CheckpointFuncID string
	TitleFuncID      string

	TokenCheckpointThreshold int
	MaxMessageLimit          int

	// Now is injected for deterministic tests; defaults to time.Now.
	Now func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// sessionContextMap is the generic "session context" map passed to tool
// executors and function-registry calls, giving them the session id and
// current agent/model without exposing the full Reader/Writer surface.
func (d *Deps) sessionContextMap() map[string]any {
	m := map[string]any{"session_id": d.SessionID}
	if a := d.Agent.CurrentAgent(); a != nil {
		m["agent"] = a.Name
	}
	m["model"] = d.Agent.CurrentModel()
	return m
}

// mergeSessionMeta returns a copy of the session's current meta, for
// handlers that need to patch one field (tokens, checkpoints) without
// clobbering the rest.
func (d *Deps) mergeSessionMeta(ctx context.Context) (types.SessionMeta, error) {
	if err := d.Reader.Reset(ctx); err != nil {
		return types.SessionMeta{}, err
	}
	return d.Reader.State().Meta, nil
}

// mergedConfig returns a copy of the session's config map, so handlers
// can set one key (agent, model) without dropping the rest.
func (d *Deps) mergedConfig(ctx context.Context) (map[string]any, error) {
	if err := d.Reader.Reset(ctx); err != nil {
		return nil, err
	}
	cfg := d.Reader.State().Config
	out := make(map[string]any, len(cfg)+2)
	for k, v := range cfg {
		out[k] = v
	}
	return out, nil
}

// mergedPublicMeta mirrors mergedConfig for public_meta.
func (d *Deps) mergedPublicMeta(ctx context.Context) (map[string]any, error) {
	if err := d.Reader.Reset(ctx); err != nil {
		return nil, err
	}
	pm := d.Reader.State().PublicMeta
	out := make(map[string]any, len(pm)+2)
	for k, v := range pm {
		out[k] = v
	}
	return out, nil
}
