package agentctx

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/schema"
)

// StepRequest is what AgentContext hands the out-of-scope agent runtime.
type StepRequest struct {
	Prompt  []*schema.Message
	Options map[string]any
}

// StepResult is the runtime's answer to one AgentContext.Step call.
type StepResult struct {
	Result        *schema.Message
	ToolCalls     []schema.ToolCall
	DelegateCalls []schema.ToolCall
	Tokens        int
	Metadata      map[string]any
	MemoryRecall  string
	MemoryPrompt  string
}

// Runtime is the agent-runtime collaborator's input/output contract.
// It is out of scope here; production wiring supplies a concrete
// implementation backed by whatever model client the host application
// chooses.
type Runtime interface {
	Step(ctx context.Context, agent *Agent, model string, req StepRequest) (StepResult, error)
}

// AgentContext wraps a Registry, caches the current agent/model per actor,
// and exposes step(). One instance lives for the lifetime of a
// SessionActor.
type AgentContext struct {
	registry *Registry
	runtime  Runtime

	currentAgent *Agent
	currentModel string

	delegateFuncID string
}

func New(registry *Registry, runtime Runtime) *AgentContext {
	return &AgentContext{registry: registry, runtime: runtime}
}

// LoadAgent sets the initial agent/model for a freshly opened session.
func (a *AgentContext) LoadAgent(id string, model string) error {
	agent, err := a.registry.Get(id)
	if err != nil {
		return err
	}
	a.currentAgent = agent
	a.currentModel = resolveModel(agent, model)
	return nil
}

// SwitchToAgent changes the active agent. A non-empty model becomes the
// active model; an empty model selects the new agent's default model.
func (a *AgentContext) SwitchToAgent(id string, model string) error {
	agent, err := a.registry.Get(id)
	if err != nil {
		return err
	}
	a.currentAgent = agent
	if model != "" {
		a.currentModel = model
	} else {
		a.currentModel = resolveModel(agent, "")
	}
	return nil
}

// SwitchToModel changes the active model, keeping the current agent.
func (a *AgentContext) SwitchToModel(model string) error {
	if a.currentAgent == nil {
		return fmt.Errorf("agentctx: no agent loaded")
	}
	a.currentModel = model
	return nil
}

func resolveModel(agent *Agent, requested string) string {
	if requested != "" {
		return requested
	}
	if agent.Model != nil {
		return agent.Model.ModelID
	}
	return ""
}

// CurrentAgent and CurrentModel expose the cached selection, read by
// OperationHandlers and PromptBuilder.
func (a *AgentContext) CurrentAgent() *Agent  { return a.currentAgent }
func (a *AgentContext) CurrentModel() string  { return a.currentModel }

// RegisterDelegation names the function id that the normal tool path
// should dispatch delegate_calls through.
func (a *AgentContext) RegisterDelegation(funcID string) {
	a.delegateFuncID = funcID
}

// Step invokes the runtime for the current agent/model.
func (a *AgentContext) Step(ctx context.Context, prompt []*schema.Message, options map[string]any) (StepResult, error) {
	if a.currentAgent == nil {
		return StepResult{}, fmt.Errorf("agentctx: no agent loaded")
	}
	return a.runtime.Step(ctx, a.currentAgent, a.currentModel, StepRequest{Prompt: prompt, Options: options})
}

// RouteDelegateCalls converts a step's delegate_calls into ordinary tool
// calls tagged with the registered delegation function id, so they can be
// fed through ToolCaller like any other tool invocation.
func (a *AgentContext) RouteDelegateCalls(result StepResult) []schema.ToolCall {
	if a.delegateFuncID == "" || len(result.DelegateCalls) == 0 {
		return nil
	}
	routed := make([]schema.ToolCall, 0, len(result.DelegateCalls))
	for _, dc := range result.DelegateCalls {
		routed = append(routed, schema.ToolCall{
			ID:       dc.ID,
			Function: schema.FunctionCall{Name: a.delegateFuncID, Arguments: dc.Function.Arguments},
		})
	}
	return routed
}
