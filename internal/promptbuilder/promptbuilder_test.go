package promptbuilder

import (
	"context"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/relay/pkg/types"
)

type stubUploads struct {
	uploads []Upload
}

func (s stubUploads) Resolve(ctx context.Context, fileUUIDs []string) ([]Upload, error) {
	return s.uploads, nil
}

func TestBuild_SystemDateBlockAlwaysFirst(t *testing.T) {
	now := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	out, err := Build(context.Background(), nil, nil, nil, now)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, schema.System, out[0].Role)
	assert.Contains(t, out[0].Content, "2026-01-15")
}

func TestBuild_CollatesSessionContextsByType(t *testing.T) {
	contexts := []*types.SessionContext{
		{Type: "memory", Text: "likes dark mode"},
		{Type: "memory", Text: "prefers Go"},
		{Type: "preference", Text: "terse replies"},
	}
	out, err := Build(context.Background(), nil, contexts, nil, time.Now())
	require.NoError(t, err)
	require.Len(t, out, 2)
	block := out[1]
	assert.Equal(t, schema.System, block.Role)
	assert.Contains(t, block.Content, "## memory")
	assert.Contains(t, block.Content, "likes dark mode")
	assert.Contains(t, block.Content, "## preference")
	assert.Equal(t, "ephemeral", block.Extra[cacheControlKey])
}

func TestBuild_UserMessageWithFileUUIDsAppendsDeveloperBlock(t *testing.T) {
	msg := &types.Message{
		Type: types.MessageUser,
		Data: []byte("check this out"),
		Metadata: map[string]any{
			"file_uuids": []string{"u1"},
		},
	}
	uploads := stubUploads{uploads: []Upload{{ID: "u1", Filename: "a.png", Type: "image/png", Size: 1024}}}

	out, err := Build(context.Background(), []*types.Message{msg}, nil, uploads, time.Now())
	require.NoError(t, err)
	require.Len(t, out, 3) // date block, user message, developer upload block
	assert.Equal(t, schema.User, out[1].Role)
	assert.Equal(t, RoleDeveloper, out[2].Role)
	assert.Contains(t, out[2].Content, "a.png")
	assert.Contains(t, out[2].Content, "u1")
}

func TestBuild_FunctionMessageEmitsCallResultPair(t *testing.T) {
	msg := &types.Message{
		ID:   "msg1",
		Type: types.MessageFunction,
		Metadata: map[string]any{
			"call_id": "call1",
			"name":    "search",
			"args":    `{"q":"go"}`,
			"status":  string(types.FunctionOK),
			"result":  `{"hits":3}`,
		},
	}
	out, err := Build(context.Background(), []*types.Message{msg}, nil, nil, time.Now())
	require.NoError(t, err)
	require.Len(t, out, 3) // date block, call, result
	call, result := out[1], out[2]
	assert.Equal(t, schema.Assistant, call.Role)
	require.Len(t, call.ToolCalls, 1)
	assert.Equal(t, "call1", call.ToolCalls[0].ID)
	assert.Equal(t, "search", call.ToolCalls[0].Function.Name)
	assert.Equal(t, schema.Tool, result.Role)
	assert.Equal(t, "call1", result.ToolCallID)
	assert.Equal(t, `{"hits":3}`, result.Content)
}

func TestBuild_PendingFunctionResultIsIncomplete(t *testing.T) {
	msg := &types.Message{
		ID:   "msg1",
		Type: types.MessagePrivateFunction,
		Metadata: map[string]any{
			"name":   "write_file",
			"args":   `{}`,
			"status": string(types.FunctionPending),
		},
	}
	out, err := Build(context.Background(), []*types.Message{msg}, nil, nil, time.Now())
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "incomplete", out[2].Content)
}

func TestBuild_CheckpointAssistantMessageMarksCacheBoundary(t *testing.T) {
	msg := &types.Message{
		Type:     types.MessageAssistant,
		Data:     []byte("here's your summary anchor"),
		Metadata: map[string]any{"checkpoint": true},
	}
	out, err := Build(context.Background(), []*types.Message{msg}, nil, nil, time.Now())
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "ephemeral", out[1].Extra[cacheControlKey])
}

func TestBuild_ArtifactMessageSurfacesAsDeveloperBlock(t *testing.T) {
	msg := &types.Message{
		Type:     types.MessageArtifact,
		Data:     []byte("# Notes\ncontent"),
		Metadata: map[string]any{"title": "Notes"},
	}
	out, err := Build(context.Background(), []*types.Message{msg}, nil, nil, time.Now())
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, RoleDeveloper, out[1].Role)
	assert.Contains(t, out[1].Content, "Notes")
}

func TestBuild_UnknownMessageTypeErrors(t *testing.T) {
	msg := &types.Message{Type: types.MessageType("bogus")}
	_, err := Build(context.Background(), []*types.Message{msg}, nil, nil, time.Now())
	assert.Error(t, err)
}
