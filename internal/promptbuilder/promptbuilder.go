// Package promptbuilder implements PromptBuilder: it projects
// a session's persisted message stream into the neutral eino schema.Message
// sequence the out-of-scope agent runtime consumes. The system block is
// assembled from ordered string sections joined together; provider/model-
// specific headers and filesystem-probing sections (git branch, AGENTS.md,
// project-type detection) have no home here, since workdir/project
// context is outside this module's data model.
package promptbuilder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/opencode-ai/relay/pkg/types"
)

// RoleDeveloper extends eino's RoleType (a plain string) with the
// developer role, used alongside system/user/assistant.
const RoleDeveloper schema.RoleType = "developer"

// cacheControlKey is the Extra key PromptBuilder sets to mark a message as
// a cache boundary. The agent runtime collaborator interprets it however
// its provider's caching API
// requires.
const cacheControlKey = "cache_control"

// Upload is what the out-of-scope upload store resolves a file_uuid to.
type Upload struct {
	ID       string
	Filename string
	Type     string
	Size     int64
}

// UploadResolver is the out-of-scope upload store's contract.
type UploadResolver interface {
	Resolve(ctx context.Context, fileUUIDs []string) ([]Upload, error)
}

// Build projects messages (optionally already filtered from a checkpoint
// forward by the caller via Reader.Messages().FromCheckpoint()) and the
// session's long-lived contexts into a prompt.
func Build(ctx context.Context, messages []*types.Message, sessionContexts []*types.SessionContext, uploads UploadResolver, now time.Time) ([]*schema.Message, error) {
	var out []*schema.Message

	out = append(out, &schema.Message{
		Role:    schema.System,
		Content: fmt.Sprintf("Current date: %s", now.Format("2006-01-02")),
	})

	if len(sessionContexts) > 0 {
		out = append(out, contextBlock(sessionContexts))
	}

	for _, msg := range messages {
		projected, err := projectMessage(ctx, msg, uploads)
		if err != nil {
			return nil, err
		}
		out = append(out, projected...)
	}

	return out, nil
}

// contextBlock collates SessionContext rows by type into a single system
// message, cache-marked since it is stable across steps within a session.
func contextBlock(contexts []*types.SessionContext) *schema.Message {
	order := make([]string, 0)
	byType := make(map[string][]string)
	for _, c := range contexts {
		if _, ok := byType[c.Type]; !ok {
			order = append(order, c.Type)
		}
		byType[c.Type] = append(byType[c.Type], c.Text)
	}

	var b strings.Builder
	b.WriteString("# Session Context\n")
	for _, typ := range order {
		b.WriteString(fmt.Sprintf("\n## %s\n", typ))
		for _, text := range byType[typ] {
			b.WriteString("- " + text + "\n")
		}
	}

	msg := &schema.Message{Role: schema.System, Content: b.String()}
	markCacheBoundary(msg)
	return msg
}

func projectMessage(ctx context.Context, msg *types.Message, uploads UploadResolver) ([]*schema.Message, error) {
	switch msg.Type {
	case types.MessageSystem:
		return []*schema.Message{{Role: schema.System, Content: string(msg.Data)}}, nil

	case types.MessageDeveloper:
		return []*schema.Message{{Role: RoleDeveloper, Content: string(msg.Data)}}, nil

	case types.MessageUser:
		out := []*schema.Message{{Role: schema.User, Content: string(msg.Data)}}
		if dev, err := fileUploadsBlock(ctx, msg, uploads); err != nil {
			return nil, err
		} else if dev != nil {
			out = append(out, dev)
		}
		return out, nil

	case types.MessageAssistant:
		am := &schema.Message{Role: schema.Assistant, Content: string(msg.Data)}
		if isCheckpoint(msg) {
			markCacheBoundary(am)
		}
		return []*schema.Message{am}, nil

	case types.MessageFunction, types.MessagePrivateFunction, types.MessageDelegation:
		return functionCallPair(msg), nil

	case types.MessageArtifact:
		title, _ := msg.Metadata["title"].(string)
		content := fmt.Sprintf("# Artifact: %s\n\n%s", title, string(msg.Data))
		return []*schema.Message{{Role: RoleDeveloper, Content: content}}, nil

	default:
		return nil, fmt.Errorf("promptbuilder: unknown message type %q", msg.Type)
	}
}

func fileUploadsBlock(ctx context.Context, msg *types.Message, uploads UploadResolver) (*schema.Message, error) {
	raw, ok := msg.Metadata["file_uuids"]
	if !ok || uploads == nil {
		return nil, nil
	}
	uuids := toStringSlice(raw)
	if len(uuids) == 0 {
		return nil, nil
	}
	resolved, err := uploads.Resolve(ctx, uuids)
	if err != nil {
		return nil, err
	}
	if len(resolved) == 0 {
		return nil, nil
	}

	var b strings.Builder
	b.WriteString("# Attached files\n")
	for _, u := range resolved {
		b.WriteString(fmt.Sprintf("- %s (%s, %d bytes, id=%s)\n", u.Filename, u.Type, u.Size, u.ID))
	}
	return &schema.Message{Role: RoleDeveloper, Content: b.String()}, nil
}

// functionCallPair re-expands a stored function/private_function/
// delegation message into the (assistant tool-call, tool result) pair the
// runtime's wire format expects, keyed by call_id (or message_id when the
// message predates call_id tracking).
func functionCallPair(msg *types.Message) []*schema.Message {
	callID, _ := msg.Metadata["call_id"].(string)
	if callID == "" {
		callID = msg.ID
	}
	name, _ := msg.Metadata["name"].(string)
	args, _ := msg.Metadata["args"].(string)
	status, _ := msg.Metadata["status"].(string)
	result, _ := msg.Metadata["result"].(string)

	if status == string(types.FunctionPending) {
		result = "incomplete"
	}

	callMsg := &schema.Message{
		Role:      schema.Assistant,
		ToolCalls: []schema.ToolCall{{ID: callID, Function: schema.FunctionCall{Name: name, Arguments: args}}},
	}
	if isCheckpoint(msg) {
		markCacheBoundary(callMsg)
	}
	resultMsg := &schema.Message{Role: schema.Tool, ToolCallID: callID, Content: result}
	return []*schema.Message{callMsg, resultMsg}
}

func isCheckpoint(msg *types.Message) bool {
	v, ok := msg.Metadata["checkpoint"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

func markCacheBoundary(msg *schema.Message) {
	if msg.Extra == nil {
		msg.Extra = make(map[string]any)
	}
	msg.Extra[cacheControlKey] = "ephemeral"
}

func toStringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
