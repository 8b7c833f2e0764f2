package commands

import (
	"context"

	"github.com/cloudwego/eino/schema"

	"github.com/opencode-ai/relay/internal/agentctx"
	"github.com/opencode-ai/relay/internal/toolcaller"
)

// The agent runtime, tool registry, tool executor, and function registry
// are out-of-scope collaborators: production wiring supplies
// concrete implementations backed by whatever model client, tool
// registry, and function registry the host application chooses. Since
// the CLI entrypoint still needs *something* to hand the core so
// `relay serve` is runnable and its HTTP boundary is reachable
// end-to-end, these are deliberately minimal stand-ins, not a reference
// agent runtime.

// echoRuntime answers every step with a fixed assistant reply, taking no
// tool calls. It exists only so a freshly opened session has something to
// talk to.
type echoRuntime struct{}

func (echoRuntime) Step(ctx context.Context, agent *agentctx.Agent, model string, req agentctx.StepRequest) (agentctx.StepResult, error) {
	return agentctx.StepResult{
		Result: &schema.Message{Role: schema.Assistant, Content: "This is the relay demo agent. No tool registry is wired; configure a real agent runtime for production use."},
	}, nil
}

// emptyToolRegistry resolves no tools, so ToolCaller.Validate always sees
// an empty batch.
type emptyToolRegistry struct{}

func (emptyToolRegistry) Resolve(name string) (toolcaller.ToolMeta, bool) {
	return toolcaller.ToolMeta{}, false
}

// noopToolExecutor is never reached (emptyToolRegistry resolves nothing),
// but ToolCaller.Execute requires an Executor to construct.
type noopToolExecutor struct{}

func (noopToolExecutor) Execute(ctx context.Context, call toolcaller.Call, args any, sessionContext map[string]any) (string, error) {
	return "{}", nil
}

// staticFunctions answers the title/checkpoint function-registry calls
// with fixed results, so generate_title/create_checkpoint have something
// to persist in the demo boundary.
type staticFunctions struct{}

func (staticFunctions) Call(ctx context.Context, funcID string, args map[string]any, sessionContext map[string]any) (map[string]any, error) {
	switch funcID {
	case "title":
		return map[string]any{"title": "Untitled conversation"}, nil
	case "checkpoint":
		return map[string]any{"summary": ""}, nil
	default:
		return map[string]any{}, nil
	}
}
