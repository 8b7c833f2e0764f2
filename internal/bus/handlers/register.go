package handlers

import "github.com/opencode-ai/relay/internal/bus"

// Register installs every operation-type handler onto b. No operation
// type is merged or dropped.
func Register(b *bus.Bus, d *Deps) {
	b.RegisterHandler(bus.OpHandleMessage, HandleMessage(d))
	b.RegisterHandler(bus.OpAgentStep, AgentStep(d))
	b.RegisterHandler(bus.OpProcessTools, ProcessTools(d))
	b.RegisterHandler(bus.OpAgentContinue, AgentContinue(d))
	b.RegisterHandler(bus.OpControlArtifacts, ControlArtifacts(d))
	b.RegisterHandler(bus.OpControlContext, ControlContext(d))
	b.RegisterHandler(bus.OpControlMemory, ControlMemory(d))
	b.RegisterHandler(bus.OpControlConfig, ControlConfig(d))
	b.RegisterHandler(bus.OpAgentChange, AgentChange(d))
	b.RegisterHandler(bus.OpModelChange, ModelChange(d))
	b.RegisterHandler(bus.OpGenerateTitle, GenerateTitle(d))
	b.RegisterHandler(bus.OpCreateCheckpoint, CreateCheckpoint(d))
	b.RegisterHandler(bus.OpCheckBackgroundTriggers, CheckBackgroundTriggers(d))
	b.RegisterHandler(bus.OpExecuteFunction, ExecuteFunction(d))
	b.RegisterHandler(bus.OpHandleContextCommand, HandleContextCommand(d))
}
