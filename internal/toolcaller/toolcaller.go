// Package toolcaller implements ToolCaller: two-phase
// validate-then-execute dispatch of a batch of tool invocations, with
// exclusivity/deduplication semantics and a doom-loop guard. The concrete
// tool registry and permission system are narrow ports, since both are
// out-of-scope collaborators here.
package toolcaller

import (
	"fmt"

	"github.com/cloudwego/eino/schema"
	"github.com/oklog/ulid/v2"
)

// ToolMeta is what the (out-of-scope) tool registry reports about a tool
// when ToolCaller resolves a call against it.
type ToolMeta struct {
	Exclusive bool
	Private   bool
}

// Registry resolves a tool name to its metadata. The concrete tool
// registry (bash, edit, grep, ...) is an out-of-scope collaborator;
// ToolCaller only needs this narrow lookup.
type Registry interface {
	Resolve(name string) (ToolMeta, bool)
}

// Call is one validated, call-id-minted tool invocation.
type Call struct {
	CallID    string
	Name      string
	Args      string // JSON-encoded, as received
	Exclusive bool
	Private   bool
}

// Skipped records a call dropped during validation, and why.
type Skipped struct {
	Call   Call
	Reason string
}

// ValidationResult is the output of Validate.
type ValidationResult struct {
	Calls   []Call
	Skipped []Skipped
}

// Validate resolves each raw tool call against the registry, mints a
// call_id, and applies exclusivity rules: more than one exclusive call in
// the batch fails the whole batch; exactly one exclusive call alongside
// others keeps only the exclusive call and reports the rest as skipped.
func Validate(registry Registry, raw []schema.ToolCall) (ValidationResult, error) {
	calls := make([]Call, 0, len(raw))
	var skipped []Skipped
	exclusiveCount := 0

	for _, rc := range raw {
		meta, ok := registry.Resolve(rc.Function.Name)
		if !ok {
			skipped = append(skipped, Skipped{
				Call:   Call{CallID: ulid.Make().String(), Name: rc.Function.Name, Args: rc.Function.Arguments},
				Reason: "unknown tool",
			})
			continue
		}
		c := Call{
			CallID:    ulid.Make().String(),
			Name:      rc.Function.Name,
			Args:      rc.Function.Arguments,
			Exclusive: meta.Exclusive,
			Private:   meta.Private,
		}
		calls = append(calls, c)
		if c.Exclusive {
			exclusiveCount++
		}
	}

	if exclusiveCount > 1 {
		return ValidationResult{}, fmt.Errorf("toolcaller: batch has %d exclusive calls, want at most 1", exclusiveCount)
	}

	if exclusiveCount == 1 && len(calls) > 1 {
		var kept Call
		var rest []Skipped
		for _, c := range calls {
			if c.Exclusive {
				kept = c
				continue
			}
			rest = append(rest, Skipped{Call: c, Reason: "exclusive call present in batch"})
		}
		return ValidationResult{Calls: []Call{kept}, Skipped: append(skipped, rest...)}, nil
	}

	return ValidationResult{Calls: calls, Skipped: skipped}, nil
}
