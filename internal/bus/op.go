// Package bus implements the CommandBus: the single-consumer,
// FIFO operation queue and handler dispatcher at the heart of a session.
//
// Rather than one hardcoded agentic loop, operations are dispatched
// through a registered operation-type -> handler table, so background
// and control operations are first-class, independently testable
// handlers alongside the core step/tool-result/continuation cycle.
package bus

import "context"

// OpType is the closed set of operation types a bus can dispatch. Unknown
// types are fatal by design.
type OpType string

const (
	OpHandleMessage           OpType = "handle_message"
	OpAgentStep               OpType = "agent_step"
	OpProcessTools            OpType = "process_tools"
	OpAgentContinue           OpType = "agent_continue"
	OpControlArtifacts        OpType = "control_artifacts"
	OpControlContext          OpType = "control_context"
	OpControlMemory           OpType = "control_memory"
	OpControlConfig           OpType = "control_config"
	OpAgentChange             OpType = "agent_change"
	OpModelChange             OpType = "model_change"
	OpGenerateTitle           OpType = "generate_title"
	OpCreateCheckpoint        OpType = "create_checkpoint"
	OpCheckBackgroundTriggers OpType = "check_background_triggers"
	OpExecuteFunction         OpType = "execute_function"
	OpHandleContextCommand    OpType = "handle_context_command"
)

// Op is one enqueued unit of work. Args carries the operation's
// type-specific payload; handlers type-assert the keys they expect.
type Op struct {
	Type      OpType
	RequestID string
	Internal  bool
	Args      map[string]any
}

// Result is what a Handler returns on success. NextOps is appended to the
// queue's tail (or diverted to a one-shot interceptor, see Bus.Intercept);
// Completed has no scheduling effect; the bus does not read it.
type Result struct {
	NextOps   []Op
	Completed bool
}

// Handler processes one operation.
type Handler func(ctx context.Context, op Op) (*Result, error)
