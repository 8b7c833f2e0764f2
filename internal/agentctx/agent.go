// Package agentctx implements AgentContext: the per-actor
// wrapper around an agent registry that loads/switches agents and models
// and exposes step(). It carries an Agent/Registry with wildcard
// tool-enablement matching; permission-checking is dropped (out-of-scope
// security/authentication collaborator), and a Runtime seam stands in for
// concrete provider clients, since the agent runtime itself is an
// out-of-scope collaborator here.
package agentctx

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Mode is the set of roles an Agent can play.
type Mode string

const (
	ModePrimary  Mode = "primary"
	ModeSubagent Mode = "subagent"
	ModeAll      Mode = "all"
)

// ModelRef names a specific model for an agent.
type ModelRef struct {
	ProviderID string `json:"provider_id"`
	ModelID    string `json:"model_id"`
}

// Agent is one configured agent persona.
type Agent struct {
	Name        string
	Description string
	Mode        Mode
	BuiltIn     bool
	Tools       map[string]bool
	Options     map[string]any
	Temperature float64
	TopP        float64
	Model       *ModelRef
	Prompt      string
	Color       string
}

// ToolEnabled reports whether toolID is enabled for this agent: exact
// match first, then wildcard patterns, defaulting to enabled.
func (a *Agent) ToolEnabled(toolID string) bool {
	if enabled, ok := a.Tools[toolID]; ok {
		return enabled
	}
	for pattern, enabled := range a.Tools {
		if matchWildcard(pattern, toolID) {
			return enabled
		}
	}
	return true
}

func (a *Agent) IsPrimary() bool  { return a.Mode == ModePrimary || a.Mode == ModeAll }
func (a *Agent) IsSubagent() bool { return a.Mode == ModeSubagent || a.Mode == ModeAll }

// Clone returns a deep copy so registry overrides never mutate a shared
// built-in definition.
func (a *Agent) Clone() *Agent {
	clone := &Agent{
		Name:        a.Name,
		Description: a.Description,
		Mode:        a.Mode,
		BuiltIn:     a.BuiltIn,
		Temperature: a.Temperature,
		TopP:        a.TopP,
		Prompt:      a.Prompt,
		Color:       a.Color,
	}
	if a.Tools != nil {
		clone.Tools = make(map[string]bool, len(a.Tools))
		for k, v := range a.Tools {
			clone.Tools[k] = v
		}
	}
	if a.Options != nil {
		clone.Options = make(map[string]any, len(a.Options))
		for k, v := range a.Options {
			clone.Options[k] = v
		}
	}
	if a.Model != nil {
		m := *a.Model
		clone.Model = &m
	}
	return clone
}

// matchWildcard matches simple prefix/suffix globs directly and defers to
// doublestar for anything containing "**" or an interior "*".
func matchWildcard(pattern, s string) bool {
	if pattern == "*" {
		return true
	}
	if strings.Contains(pattern, "**") {
		matched, _ := doublestar.Match(pattern, s)
		return matched
	}
	if strings.HasSuffix(pattern, "*") && !strings.HasPrefix(pattern, "*") {
		return strings.HasPrefix(s, strings.TrimSuffix(pattern, "*"))
	}
	if strings.HasPrefix(pattern, "*") && !strings.HasSuffix(pattern, "*") {
		return strings.HasSuffix(s, strings.TrimPrefix(pattern, "*"))
	}
	if strings.Contains(pattern, "*") {
		matched, _ := doublestar.Match(pattern, s)
		return matched
	}
	return pattern == s
}

// BuiltInAgents returns the default agent set shipped with every registry.
func BuiltInAgents() map[string]*Agent {
	return map[string]*Agent{
		"build": {
			Name:        "build",
			Description: "Primary agent for executing tasks and making changes",
			Mode:        ModePrimary,
			BuiltIn:     true,
			Tools:       map[string]bool{"*": true},
		},
		"plan": {
			Name:        "plan",
			Description: "Planning agent for analysis and exploration without making changes",
			Mode:        ModePrimary,
			BuiltIn:     true,
			Tools: map[string]bool{
				"read": true, "glob": true, "grep": true, "ls": true,
				"edit": false, "write": false,
			},
		},
		"general": {
			Name:        "general",
			Description: "General-purpose subagent for searches and exploration",
			Mode:        ModeSubagent,
			BuiltIn:     true,
			Tools: map[string]bool{
				"read": true, "glob": true, "grep": true, "webfetch": true,
				"edit": false, "write": false,
			},
		},
		"explore": {
			Name:        "explore",
			Description: "Fast agent specialized for codebase exploration",
			Mode:        ModeSubagent,
			BuiltIn:     true,
			Tools: map[string]bool{
				"read": true, "glob": true, "grep": true, "ls": true,
				"edit": false,
			},
		},
	}
}
