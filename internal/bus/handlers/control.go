package handlers

import "github.com/opencode-ai/relay/internal/bus"

// ArtifactDirective is one entry of a tool/function result's
// _control.artifacts list.
type ArtifactDirective struct {
	ArtifactID string
	Title      string
	Content    string
	Type       string
	Meta       map[string]any
}

// ContextDirective is a _control.context directive: set/delete against
// public_meta and the primary-context KV, both routed through
// control_context.
type ContextDirective struct {
	PublicMetaSet    map[string]any
	PublicMetaDelete []string
	ContextSet       map[string]any
	ContextDelete    []string
}

// MemoryAdd is one _control.memory.add entry.
type MemoryAdd struct {
	Type string
	Text string
	Time int64
}

// MemoryDirective is a _control.memory directive, routed through
// control_memory.
type MemoryDirective struct {
	Add         []MemoryAdd
	Delete      []string
	ClearByType []string
}

// ConfigDirective is a _control.config directive, routed through
// control_config.
type ConfigDirective struct {
	Agent string
	Model string
}

// ControlEnvelope is the parsed "_control" field a tool or function result
// may carry. A single parser yields the list of control_* operations to
// enqueue and strips _control from the persisted result.
type ControlEnvelope struct {
	Artifacts []ArtifactDirective
	Context   *ContextDirective
	Memory    *MemoryDirective
	Config    *ConfigDirective
}

// ParseControl strips "_control" from result (returning the cleaned copy)
// and converts it into the ordered list of control_* ops it names. Ops are
// internal: they are follow-ups enqueued by the handler that found them,
// never external client submissions.
func ParseControl(result map[string]any) (clean map[string]any, ops []bus.Op) {
	clean = make(map[string]any, len(result))
	for k, v := range result {
		if k == "_control" {
			continue
		}
		clean[k] = v
	}

	raw, ok := result["_control"]
	if !ok {
		return clean, nil
	}
	ctrl, ok := raw.(map[string]any)
	if !ok {
		return clean, nil
	}

	if rawArtifacts, ok := ctrl["artifacts"].([]any); ok && len(rawArtifacts) > 0 {
		var directives []ArtifactDirective
		for _, ra := range rawArtifacts {
			m, ok := ra.(map[string]any)
			if !ok {
				continue
			}
			directives = append(directives, ArtifactDirective{
				ArtifactID: asString(m["artifact_id"]),
				Title:      asString(m["title"]),
				Content:    asString(m["content"]),
				Type:       asString(m["type"]),
				Meta:       asMap(m["meta"]),
			})
		}
		if len(directives) > 0 {
			ops = append(ops, bus.Op{Type: bus.OpControlArtifacts, Args: map[string]any{"artifacts": directives}})
		}
	}

	if rawCtx, ok := ctrl["context"].(map[string]any); ok {
		cd := &ContextDirective{
			PublicMetaSet:    asMap(rawCtx["public_meta_set"]),
			PublicMetaDelete: asStringSlice(rawCtx["public_meta_delete"]),
			ContextSet:       asMap(rawCtx["context_set"]),
			ContextDelete:    asStringSlice(rawCtx["context_delete"]),
		}
		ops = append(ops, bus.Op{Type: bus.OpControlContext, Args: map[string]any{"directive": cd}})
	}

	if rawMem, ok := ctrl["memory"].(map[string]any); ok {
		md := &MemoryDirective{
			Delete:      asStringSlice(rawMem["delete"]),
			ClearByType: asStringSlice(rawMem["clear_by_type"]),
		}
		if adds, ok := rawMem["add"].([]any); ok {
			for _, ra := range adds {
				m, ok := ra.(map[string]any)
				if !ok {
					continue
				}
				md.Add = append(md.Add, MemoryAdd{Type: asString(m["type"]), Text: asString(m["text"]), Time: asInt64(m["time"])})
			}
		}
		ops = append(ops, bus.Op{Type: bus.OpControlMemory, Args: map[string]any{"directive": md}})
	}

	if rawCfg, ok := ctrl["config"].(map[string]any); ok {
		cfg := &ConfigDirective{Agent: asString(rawCfg["agent"]), Model: asString(rawCfg["model"])}
		ops = append(ops, bus.Op{Type: bus.OpControlConfig, Args: map[string]any{"directive": cfg}})
	}

	return clean, ops
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asStringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
