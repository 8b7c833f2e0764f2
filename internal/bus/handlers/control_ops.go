package handlers

import (
	"context"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/relay/internal/bus"
	"github.com/opencode-ai/relay/internal/upstream"
	"github.com/opencode-ai/relay/pkg/types"
)

// ControlArtifacts implements control_artifacts: apply artifact creations/
// updates, then append a developer instruction message with insertion
// tags.
func ControlArtifacts(d *Deps) bus.Handler {
	return func(ctx context.Context, op bus.Op) (*bus.Result, error) {
		directives, _ := op.Args["artifacts"].([]ArtifactDirective)
		if len(directives) == 0 {
			return &bus.Result{}, nil
		}

		var tags string
		for _, directive := range directives {
			a := &types.Artifact{
				ID:      directive.ArtifactID,
				UserID:  "", // stamped by the out-of-scope security context upstream of this handler
				Kind:    types.ArtifactKind(directive.Type),
				Title:   directive.Title,
				Content: []byte(directive.Content),
				Meta:    directive.Meta,
			}
			if a.Kind == "" {
				a.Kind = types.ArtifactInline
			}
			if a.ID == "" {
				a.ID = ulid.Make().String()
				if err := d.Writer.CreateArtifact(ctx, a); err != nil {
					return nil, fmt.Errorf("control_artifacts: create: %w", err)
				}
			} else if err := d.Writer.UpdateArtifact(ctx, a); err != nil {
				return nil, fmt.Errorf("control_artifacts: update: %w", err)
			}

			d.Upstream.EmitSession(d.SessionID, upstream.Update, map[string]any{"artifact_added": a.ID})
			tags += fmt.Sprintf(`<artifact id="%s"/>`, a.ID)
		}

		if tags != "" {
			if _, err := d.Writer.AddMessage(ctx, types.MessageDeveloper, []byte(tags), nil); err != nil {
				return nil, fmt.Errorf("control_artifacts: append instruction message: %w", err)
			}
		}
		return &bus.Result{}, nil
	}
}

// ControlContext implements control_context: apply public_meta set/clear/
// delete and primary-context set/delete.
func ControlContext(d *Deps) bus.Handler {
	return func(ctx context.Context, op bus.Op) (*bus.Result, error) {
		directive, _ := op.Args["directive"].(*ContextDirective)
		if directive == nil {
			return &bus.Result{}, nil
		}

		if len(directive.PublicMetaSet) > 0 || len(directive.PublicMetaDelete) > 0 {
			merged, err := d.mergedPublicMeta(ctx)
			if err != nil {
				return nil, fmt.Errorf("control_context: load public_meta: %w", err)
			}
			for k, v := range directive.PublicMetaSet {
				merged[k] = v
			}
			for _, k := range directive.PublicMetaDelete {
				delete(merged, k)
			}
			if _, err := d.Writer.UpdateMeta(ctx, types.MetaPatch{PublicMeta: merged}); err != nil {
				return nil, fmt.Errorf("control_context: persist public_meta: %w", err)
			}
			d.Upstream.EmitSession(d.SessionID, upstream.Update, map[string]any{"public_meta": merged})
		}

		for k, v := range directive.ContextSet {
			if err := d.Writer.SetContext(ctx, k, v); err != nil {
				return nil, fmt.Errorf("control_context: set %s: %w", k, err)
			}
		}
		for _, k := range directive.ContextDelete {
			if err := d.Writer.DeleteContext(ctx, k); err != nil {
				return nil, fmt.Errorf("control_context: delete %s: %w", k, err)
			}
		}
		return &bus.Result{}, nil
	}
}

// ControlMemory implements control_memory: apply session-context add/
// delete/clear-by-type.
func ControlMemory(d *Deps) bus.Handler {
	return func(ctx context.Context, op bus.Op) (*bus.Result, error) {
		directive, _ := op.Args["directive"].(*MemoryDirective)
		if directive == nil {
			return &bus.Result{}, nil
		}

		for _, add := range directive.Add {
			at := add.Time
			if at == 0 {
				at = d.now().Unix()
			}
			if _, err := d.Writer.AddSessionContext(ctx, add.Type, add.Text, at); err != nil {
				return nil, fmt.Errorf("control_memory: add: %w", err)
			}
		}
		for _, id := range directive.Delete {
			if err := d.Writer.DeleteSessionContext(ctx, id); err != nil {
				return nil, fmt.Errorf("control_memory: delete %s: %w", id, err)
			}
		}
		for _, typ := range directive.ClearByType {
			if err := d.Writer.DeleteSessionContextsByType(ctx, typ); err != nil {
				return nil, fmt.Errorf("control_memory: clear by type %s: %w", typ, err)
			}
		}
		return &bus.Result{}, nil
	}
}

// ControlConfig implements control_config: apply agent/model changes via
// AgentContext, persist the selection into Session.Config, emit a session
// update.
func ControlConfig(d *Deps) bus.Handler {
	return func(ctx context.Context, op bus.Op) (*bus.Result, error) {
		directive, _ := op.Args["directive"].(*ConfigDirective)
		if directive == nil {
			return &bus.Result{}, nil
		}
		if directive.Agent != "" {
			if err := d.Agent.SwitchToAgent(directive.Agent, directive.Model); err != nil {
				return nil, fmt.Errorf("control_config: switch agent: %w", err)
			}
		} else if directive.Model != "" {
			if err := d.Agent.SwitchToModel(directive.Model); err != nil {
				return nil, fmt.Errorf("control_config: switch model: %w", err)
			}
		}
		return persistAgentModelSelection(ctx, d)
	}
}

// AgentChange implements agent_change: same as control_config but
// agent-only, defaulting to the new agent's own default model.
func AgentChange(d *Deps) bus.Handler {
	return func(ctx context.Context, op bus.Op) (*bus.Result, error) {
		agentID, _ := op.Args["agent"].(string)
		if agentID == "" {
			return nil, fmt.Errorf("%w: agent_change requires \"agent\"", bus.ErrMissingArgs)
		}
		if err := d.Agent.SwitchToAgent(agentID, ""); err != nil {
			return nil, fmt.Errorf("agent_change: %w", err)
		}
		return persistAgentModelSelection(ctx, d)
	}
}

// ModelChange implements model_change: same, model-only.
func ModelChange(d *Deps) bus.Handler {
	return func(ctx context.Context, op bus.Op) (*bus.Result, error) {
		model, _ := op.Args["model"].(string)
		if model == "" {
			return nil, fmt.Errorf("%w: model_change requires \"model\"", bus.ErrMissingArgs)
		}
		if err := d.Agent.SwitchToModel(model); err != nil {
			return nil, fmt.Errorf("model_change: %w", err)
		}
		return persistAgentModelSelection(ctx, d)
	}
}

func persistAgentModelSelection(ctx context.Context, d *Deps) (*bus.Result, error) {
	cfg, err := d.mergedConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("persist agent/model selection: load config: %w", err)
	}
	agentName := ""
	if a := d.Agent.CurrentAgent(); a != nil {
		agentName = a.Name
	}
	cfg["agent"] = agentName
	cfg["model"] = d.Agent.CurrentModel()
	if _, err := d.Writer.UpdateMeta(ctx, types.MetaPatch{Config: cfg}); err != nil {
		return nil, fmt.Errorf("persist agent/model selection: %w", err)
	}
	d.Upstream.EmitSession(d.SessionID, upstream.Update, map[string]any{"agent": agentName, "model": cfg["model"]})
	return &bus.Result{}, nil
}
