package handlers

import (
	"context"
	"fmt"

	"github.com/opencode-ai/relay/internal/bus"
	"github.com/opencode-ai/relay/internal/upstream"
)

// ExecuteFunction implements execute_function: invoke an arbitrary
// registry function (used for session init and programmatic calls) and
// surface its _control directives as follow-up ops.
func ExecuteFunction(d *Deps) bus.Handler {
	return func(ctx context.Context, op bus.Op) (*bus.Result, error) {
		funcID, _ := op.Args["func_id"].(string)
		if funcID == "" {
			return nil, fmt.Errorf("%w: execute_function requires \"func_id\"", bus.ErrMissingArgs)
		}
		args, _ := op.Args["args"].(map[string]any)

		result, err := d.Functions.Call(ctx, funcID, args, d.sessionContextMap())
		if err != nil {
			return nil, fmt.Errorf("execute_function %s: %w", funcID, err)
		}
		_, controlOps := ParseControl(result)
		return &bus.Result{NextOps: controlOps, Completed: true}, nil
	}
}

// HandleContextCommand implements handle_context_command: an external
// request/response primary-context read/write/delete, correlated via
// request_id. The bus's own command_response matches success/failure;
// "read" additionally emits the fetched value as a session-level content
// notification, since command_response carries no payload field.
func HandleContextCommand(d *Deps) bus.Handler {
	return func(ctx context.Context, op bus.Op) (*bus.Result, error) {
		action, _ := op.Args["action"].(string)
		key, _ := op.Args["key"].(string)
		if action == "" || key == "" {
			return nil, fmt.Errorf("%w: handle_context_command requires \"action\" and \"key\"", bus.ErrMissingArgs)
		}

		switch action {
		case "write":
			value := op.Args["data"]
			if err := d.Writer.SetContext(ctx, key, value); err != nil {
				return nil, fmt.Errorf("handle_context_command: write: %w", err)
			}
		case "delete":
			if err := d.Writer.DeleteContext(ctx, key); err != nil {
				return nil, fmt.Errorf("handle_context_command: delete: %w", err)
			}
		case "read":
			if err := d.Reader.Reset(ctx); err != nil {
				return nil, fmt.Errorf("handle_context_command: read: %w", err)
			}
			value, _ := d.Reader.PrimaryContext().Get(key)
			d.Upstream.EmitSession(d.SessionID, upstream.Content, map[string]any{"key": key, "value": value})
		default:
			return nil, fmt.Errorf("handle_context_command: unknown action %q", action)
		}
		return &bus.Result{Completed: true}, nil
	}
}
