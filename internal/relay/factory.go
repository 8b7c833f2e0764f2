package relay

import (
	"time"

	"github.com/opencode-ai/relay/internal/agentctx"
	"github.com/opencode-ai/relay/internal/bus/handlers"
	"github.com/opencode-ai/relay/internal/promptbuilder"
	"github.com/opencode-ai/relay/internal/toolcaller"
	"github.com/opencode-ai/relay/internal/upstream"
	"github.com/opencode-ai/relay/pkg/types"
)

// Collaborators bundles the out-of-scope seams a relay wires
// once per user and hands to every SessionActor it spawns: the agent
// runtime, the tool and function registries, and the upload resolver.
// These are shared, read-mostly objects; only AgentContext's current
// agent/model cursor is per-session, so deps() allocates a fresh
// AgentContext per actor while reusing the rest.
type Collaborators struct {
	AgentRegistry *agentctx.Registry
	Runtime       agentctx.Runtime
	ToolRegistry  toolcaller.Registry
	ToolExecutor  toolcaller.Executor
	Functions     handlers.FunctionRegistry
	Uploads       promptbuilder.UploadResolver

	DelegationFuncID string
}

// deps builds a fresh handlers.Deps for one SessionActor, sharing the
// collaborators but giving the session its own AgentContext and
// doom-loop guard.
func (c Collaborators) deps(cfg types.Config, up *upstream.Upstream) *handlers.Deps {
	ac := agentctx.New(c.AgentRegistry, c.Runtime)
	if c.DelegationFuncID != "" {
		ac.RegisterDelegation(c.DelegationFuncID)
	}
	return &handlers.Deps{
		Upstream:     up,
		Agent:        ac,
		ToolRegistry: c.ToolRegistry,
		ToolExecutor: c.ToolExecutor,
		DoomLoop:     toolcaller.NewDoomLoopGuard(),
		Uploads:      c.Uploads,
		Functions:    c.Functions,

		CheckpointFuncID: cfg.CheckpointFunctionID,
		TitleFuncID:      cfg.TitleFunctionID,

		TokenCheckpointThreshold: cfg.TokenCheckpointThreshold,
		MaxMessageLimit:          cfg.MaxMessageLimit,

		Now: time.Now,
	}
}
