package handlers

import (
	"context"
	"fmt"

	"github.com/opencode-ai/relay/internal/bus"
	"github.com/opencode-ai/relay/internal/upstream"
	"github.com/opencode-ai/relay/pkg/types"
)

// GenerateTitle implements generate_title: invoke the configured title
// function and persist its result.
func GenerateTitle(d *Deps) bus.Handler {
	return func(ctx context.Context, op bus.Op) (*bus.Result, error) {
		if d.TitleFuncID == "" {
			return &bus.Result{}, nil
		}
		result, err := d.Functions.Call(ctx, d.TitleFuncID, nil, d.sessionContextMap())
		if err != nil {
			return nil, fmt.Errorf("generate_title: %w", err)
		}
		title, _ := result["title"].(string)
		if title == "" {
			return &bus.Result{}, nil
		}
		if _, err := d.Writer.UpdateTitle(ctx, title); err != nil {
			return nil, fmt.Errorf("generate_title: persist: %w", err)
		}
		d.Upstream.EmitSession(d.SessionID, upstream.Update, map[string]any{"title": title})
		return &bus.Result{}, nil
	}
}

// CreateCheckpoint implements create_checkpoint: invoke the summary
// function, anchor current_checkpoint_id in the primary context, append a
// conversation-summary session-context, enqueue generate_title if the
// session is still untitled.
func CreateCheckpoint(d *Deps) bus.Handler {
	return func(ctx context.Context, op bus.Op) (*bus.Result, error) {
		if d.CheckpointFuncID == "" {
			return &bus.Result{}, nil
		}

		anchor, err := d.Reader.Messages().Last(1).One(ctx)
		if err != nil {
			// Nothing to checkpoint yet.
			return &bus.Result{}, nil
		}

		result, err := d.Functions.Call(ctx, d.CheckpointFuncID, map[string]any{"up_to": anchor.ID}, d.sessionContextMap())
		if err != nil {
			return nil, fmt.Errorf("create_checkpoint: %w", err)
		}
		summary, _ := result["summary"].(string)

		if err := d.Writer.SetContext(ctx, types.CurrentCheckpointKey, anchor.ID); err != nil {
			return nil, fmt.Errorf("create_checkpoint: set anchor: %w", err)
		}
		anchorMeta := make(map[string]any, len(anchor.Metadata)+1)
		for k, v := range anchor.Metadata {
			anchorMeta[k] = v
		}
		anchorMeta["checkpoint"] = true
		if err := d.Writer.UpdateMessageMeta(ctx, anchor.ID, anchorMeta); err != nil {
			return nil, fmt.Errorf("create_checkpoint: mark anchor message: %w", err)
		}
		if summary != "" {
			if _, err := d.Writer.AddSessionContext(ctx, "conversation_summary", summary, d.now().Unix()); err != nil {
				return nil, fmt.Errorf("create_checkpoint: persist summary: %w", err)
			}
		}

		meta, err := d.mergeSessionMeta(ctx)
		if err != nil {
			return nil, fmt.Errorf("create_checkpoint: load meta: %w", err)
		}
		meta.Checkpoints = append(meta.Checkpoints, types.Checkpoint{MessageID: anchor.ID, CreatedAt: d.now().Unix()})
		if _, err := d.Writer.UpdateMeta(ctx, types.MetaPatch{Meta: &meta}); err != nil {
			return nil, fmt.Errorf("create_checkpoint: persist checkpoint list: %w", err)
		}

		d.DoomLoop.Reset()

		if err := d.Reader.Reset(ctx); err != nil {
			return nil, fmt.Errorf("create_checkpoint: reset reader: %w", err)
		}
		if d.Reader.State().Title == "" {
			return &bus.Result{NextOps: []bus.Op{{Type: bus.OpGenerateTitle}}}, nil
		}
		return &bus.Result{}, nil
	}
}

// CheckBackgroundTriggers implements check_background_triggers: compares
// tokens/message count against configured thresholds, deciding whether to
// enqueue create_checkpoint and/or generate_title.
func CheckBackgroundTriggers(d *Deps) bus.Handler {
	return func(ctx context.Context, op bus.Op) (*bus.Result, error) {
		if err := d.Reader.Reset(ctx); err != nil {
			return nil, fmt.Errorf("check_background_triggers: %w", err)
		}
		sess := d.Reader.State()

		var next []bus.Op
		if d.TokenCheckpointThreshold > 0 && sess.Meta.Tokens >= d.TokenCheckpointThreshold {
			next = append(next, bus.Op{Type: bus.OpCreateCheckpoint})
		} else if d.MaxMessageLimit > 0 {
			count, err := d.Reader.Messages().Count(ctx)
			if err == nil && count >= d.MaxMessageLimit {
				next = append(next, bus.Op{Type: bus.OpCreateCheckpoint})
			}
		}
		if sess.Title == "" {
			titleThreshold := 2 // generate a title once the session has at least one full exchange
			count, err := d.Reader.Messages().Count(ctx)
			if err == nil && count >= titleThreshold {
				next = append(next, bus.Op{Type: bus.OpGenerateTitle})
			}
		}
		return &bus.Result{NextOps: next, Completed: true}, nil
	}
}
