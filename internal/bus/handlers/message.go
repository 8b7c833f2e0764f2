package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/schema"
	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/relay/internal/agentctx"
	"github.com/opencode-ai/relay/internal/bus"
	"github.com/opencode-ai/relay/internal/logging"
	"github.com/opencode-ai/relay/internal/promptbuilder"
	"github.com/opencode-ai/relay/internal/toolcaller"
	"github.com/opencode-ai/relay/internal/upstream"
	"github.com/opencode-ai/relay/pkg/types"
)

// HandleMessage implements the handle_message operation:
// persist the user message, emit received, enqueue agent_step{from_user}.
func HandleMessage(d *Deps) bus.Handler {
	return func(ctx context.Context, op bus.Op) (*bus.Result, error) {
		text, _ := op.Args["text"].(string)
		metadata := map[string]any{}
		if fu, ok := op.Args["file_uuids"]; ok {
			metadata["file_uuids"] = fu
		}

		msg, err := d.Writer.AddMessage(ctx, types.MessageUser, []byte(text), metadata)
		if err != nil {
			return nil, fmt.Errorf("handle_message: %w", err)
		}
		d.Upstream.EmitMessage(d.SessionID, msg.ID, upstream.Received, nil)

		return &bus.Result{NextOps: []bus.Op{{Type: bus.OpAgentStep, Args: map[string]any{"from_user": true}}}}, nil
	}
}

// AgentStep implements agent_step; AgentContinue (from_user=false) shares
// the same core.
func AgentStep(d *Deps) bus.Handler {
	return func(ctx context.Context, op bus.Op) (*bus.Result, error) {
		return runAgentStep(ctx, d)
	}
}

func AgentContinue(d *Deps) bus.Handler {
	return func(ctx context.Context, op bus.Op) (*bus.Result, error) {
		return runAgentStep(ctx, d)
	}
}

func runAgentStep(ctx context.Context, d *Deps) (*bus.Result, error) {
	if err := d.Reader.Reset(ctx); err != nil {
		return nil, bus.Fatal(bus.OpAgentStep, fmt.Errorf("agent_step: reload session: %w", err))
	}

	messages, err := d.Reader.Messages().FromCheckpoint().All(ctx)
	if err != nil {
		return nil, fmt.Errorf("agent_step: load messages: %w", err)
	}
	sessionContexts, err := d.Reader.Contexts().All(ctx)
	if err != nil {
		return nil, fmt.Errorf("agent_step: load contexts: %w", err)
	}

	prompt, err := promptbuilder.Build(ctx, messages, sessionContexts, d.Uploads, d.now())
	if err != nil {
		return nil, fmt.Errorf("agent_step: build prompt: %w", err)
	}

	responseID := ulid.Make().String()
	d.Upstream.EmitMessage(d.SessionID, responseID, upstream.ResponseStarted, nil)

	var result agentctx.StepResult
	stepErr := backoff.Retry(func() error {
		r, err := d.Agent.Step(ctx, prompt, nil)
		if err != nil {
			return err
		}
		result = r
		return nil
	}, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2))

	if stepErr != nil {
		// AgentError: surfaced on the pending response, session status is
		// left for the bus queue-empty callback to settle.
		logging.Warn().Str("session_id", d.SessionID).Err(stepErr).Msg("agent_step: runtime error")
		d.Upstream.EmitMessage(d.SessionID, responseID, upstream.Error, map[string]any{
			"code": "agent_error", "message": stepErr.Error(),
		})
		return &bus.Result{}, nil
	}

	assistantMeta := map[string]any{"message_id": responseID}
	if a := d.Agent.CurrentAgent(); a != nil {
		assistantMeta["agent"] = a.Name
	}
	assistantMeta["model"] = d.Agent.CurrentModel()

	content := ""
	if result.Result != nil {
		content = result.Result.Content
	}
	if _, err := d.Writer.AddMessage(ctx, types.MessageAssistant, []byte(content), assistantMeta); err != nil {
		return nil, fmt.Errorf("agent_step: persist assistant message: %w", err)
	}
	d.Upstream.EmitMessage(d.SessionID, responseID, upstream.Content, map[string]any{"content": content})

	if result.MemoryPrompt != "" {
		if _, err := d.Writer.AddSessionContext(ctx, "recall", result.MemoryPrompt, d.now().Unix()); err != nil {
			logging.Warn().Err(err).Msg("agent_step: persist memory recall")
		}
	}

	if result.Tokens > 0 {
		meta, err := d.mergeSessionMeta(ctx)
		if err == nil {
			meta.Tokens += result.Tokens
			if _, err := d.Writer.UpdateMeta(ctx, types.MetaPatch{Meta: &meta}); err != nil {
				logging.Warn().Err(err).Msg("agent_step: update token meta")
			}
		}
	}

	allCalls := append([]schema.ToolCall{}, result.ToolCalls...)
	allCalls = append(allCalls, d.Agent.RouteDelegateCalls(result)...)

	if len(allCalls) > 0 {
		return &bus.Result{NextOps: []bus.Op{{
			Type: bus.OpProcessTools,
			Args: map[string]any{"tool_calls": allCalls, "response_id": responseID},
		}}}, nil
	}

	return &bus.Result{NextOps: []bus.Op{{Type: bus.OpCheckBackgroundTriggers}}}, nil
}

// ProcessTools implements process_tools: validate + execute a tool batch,
// persist per-call results, split out control ops, and enqueue
// agent_continue if any tool actually ran.
func ProcessTools(d *Deps) bus.Handler {
	return func(ctx context.Context, op bus.Op) (*bus.Result, error) {
		rawCalls, _ := op.Args["tool_calls"].([]schema.ToolCall)
		if len(rawCalls) == 0 {
			return &bus.Result{NextOps: []bus.Op{{Type: bus.OpCheckBackgroundTriggers}}}, nil
		}

		validated, err := toolcaller.Validate(d.ToolRegistry, rawCalls)
		if err != nil {
			// More than one exclusive call fails the whole batch. This is a
			// ToolError, recoverable at the bus level.
			return nil, fmt.Errorf("process_tools: validate: %w", err)
		}
		for _, skipped := range validated.Skipped {
			logging.Info().Str("tool", skipped.Call.Name).Str("reason", skipped.Reason).
				Msg("process_tools: tool call skipped")
		}

		callMsgIDs := make(map[string]string, len(validated.Calls))
		runnable := make([]toolcaller.Call, 0, len(validated.Calls))
		for _, c := range validated.Calls {
			if err := d.DoomLoop.Check(c.Name, c.Args); err != nil {
				msg, werr := d.Writer.AddFunctionCall(ctx, c.CallID, c.Name, c.Args)
				if werr == nil {
					_ = d.Writer.UpdateFunctionResult(ctx, msg.ID, err.Error(), false, map[string]any{"code": "doom_loop_detected"})
					d.Upstream.EmitMessage(d.SessionID, msg.ID, upstream.FunctionError, map[string]any{
						"call_id": c.CallID, "code": "doom_loop_detected", "message": err.Error(),
					})
				}
				continue
			}
			msg, werr := d.Writer.AddFunctionCall(ctx, c.CallID, c.Name, c.Args)
			if werr != nil {
				logging.Warn().Err(werr).Msg("process_tools: persist pending function call")
				continue
			}
			callMsgIDs[c.CallID] = msg.ID
			d.Upstream.EmitMessage(d.SessionID, msg.ID, upstream.FunctionCall, map[string]any{
				"call_id": c.CallID, "name": c.Name, "args": c.Args,
			})
			runnable = append(runnable, c)
		}

		if len(runnable) == 0 {
			return &bus.Result{NextOps: []bus.Op{{Type: bus.OpCheckBackgroundTriggers}}}, nil
		}

		outcomes := toolcaller.Execute(ctx, d.ToolExecutor, runnable, d.sessionContextMap(), toolcaller.Parallel)

		var controlOps []bus.Op
		for _, outcome := range outcomes {
			msgID := callMsgIDs[outcome.Call.CallID]
			if outcome.Err != nil {
				_ = d.Writer.UpdateFunctionResult(ctx, msgID, outcome.Err.Error(), false, nil)
				d.Upstream.EmitMessage(d.SessionID, msgID, upstream.FunctionError, map[string]any{
					"call_id": outcome.Call.CallID, "message": outcome.Err.Error(),
				})
				continue
			}

			clean, ops := parseResultControl(outcome.Result)
			controlOps = append(controlOps, ops...)

			cleanJSON, err := json.Marshal(clean)
			if err != nil {
				cleanJSON = []byte(outcome.Result)
			}
			_ = d.Writer.UpdateFunctionResult(ctx, msgID, string(cleanJSON), true, nil)
			d.Upstream.EmitMessage(d.SessionID, msgID, upstream.FunctionSuccess, map[string]any{
				"call_id": outcome.Call.CallID, "result": string(cleanJSON),
			})
			d.DoomLoop.RecordCompletion(outcome.Call.Name, outcome.Call.Args)
		}

		nextOps := append(controlOps, bus.Op{Type: bus.OpAgentContinue})
		return &bus.Result{NextOps: nextOps}, nil
	}
}

// parseResultControl decodes a tool result string as JSON and runs it
// through ParseControl; non-object results pass through untouched.
func parseResultControl(resultJSON string) (map[string]any, []bus.Op) {
	var decoded map[string]any
	if err := json.Unmarshal([]byte(resultJSON), &decoded); err != nil {
		return map[string]any{"result": resultJSON}, nil
	}
	return ParseControl(decoded)
}
