package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/relay/internal/agentctx"
	"github.com/opencode-ai/relay/internal/bus"
	"github.com/opencode-ai/relay/internal/persistence/filestore"
	"github.com/opencode-ai/relay/internal/sessionio"
	"github.com/opencode-ai/relay/internal/toolcaller"
	"github.com/opencode-ai/relay/internal/upstream"
	"github.com/opencode-ai/relay/pkg/types"
)

type scriptedRuntime struct {
	steps []agentctx.StepResult
	i     int
}

func (r *scriptedRuntime) Step(ctx context.Context, agent *agentctx.Agent, model string, req agentctx.StepRequest) (agentctx.StepResult, error) {
	if r.i >= len(r.steps) {
		return agentctx.StepResult{Result: &schema.Message{Role: schema.Assistant, Content: "done"}}, nil
	}
	s := r.steps[r.i]
	r.i++
	return s, nil
}

type fakeToolRegistry struct {
	meta map[string]toolcaller.ToolMeta
}

func (f *fakeToolRegistry) Resolve(name string) (toolcaller.ToolMeta, bool) {
	m, ok := f.meta[name]
	return m, ok
}

type fakeExecutor struct {
	results map[string]string
}

func (f *fakeExecutor) Execute(ctx context.Context, call toolcaller.Call, args any, sessionContext map[string]any) (string, error) {
	if r, ok := f.results[call.Name]; ok {
		return r, nil
	}
	return `{"ok":true}`, nil
}

type fakeFunctions struct {
	results map[string]map[string]any
}

func (f *fakeFunctions) Call(ctx context.Context, funcID string, args map[string]any, sessionContext map[string]any) (map[string]any, error) {
	if r, ok := f.results[funcID]; ok {
		return r, nil
	}
	return map[string]any{}, nil
}

func newTestDeps(t *testing.T, runtime agentctx.Runtime) (*Deps, string) {
	t.Helper()
	ctx := context.Background()
	ports := filestore.NewPorts(t.TempDir())
	sessionID := "sess1"
	require.NoError(t, ports.Sessions.Create(ctx, &types.Session{ID: sessionID, UserID: "u1", Status: types.StatusIdle}))

	reader, err := sessionio.OpenReader(ctx, ports, sessionID)
	require.NoError(t, err)
	writer := sessionio.OpenWriter(ports, sessionID)

	registry := agentctx.NewRegistry()
	ac := agentctx.New(registry, runtime)
	require.NoError(t, ac.LoadAgent("build", "test-model"))

	d := &Deps{
		SessionID:    sessionID,
		Reader:       reader,
		Writer:       writer,
		Upstream:     upstream.New(),
		Agent:        ac,
		ToolRegistry: &fakeToolRegistry{meta: map[string]toolcaller.ToolMeta{}},
		ToolExecutor: &fakeExecutor{},
		DoomLoop:     toolcaller.NewDoomLoopGuard(),
		Functions:    &fakeFunctions{},
		Now:          func() time.Time { return time.Unix(1700000000, 0) },
	}
	return d, sessionID
}

func TestHandleMessage_PersistsAndEnqueuesAgentStep(t *testing.T) {
	d, sessionID := newTestDeps(t, &scriptedRuntime{})
	h := HandleMessage(d)

	result, err := h(context.Background(), bus.Op{Args: map[string]any{"text": "hi"}})
	require.NoError(t, err)
	require.Len(t, result.NextOps, 1)
	assert.Equal(t, bus.OpAgentStep, result.NextOps[0].Type)

	msgs, err := d.Reader.Messages().All(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, types.MessageUser, msgs[0].Type)
	assert.Equal(t, sessionID, msgs[0].SessionID)
}

func TestAgentStep_NoToolCallsEnqueuesBackgroundTriggers(t *testing.T) {
	d, _ := newTestDeps(t, &scriptedRuntime{
		steps: []agentctx.StepResult{{Result: &schema.Message{Role: schema.Assistant, Content: "hello"}}},
	})
	result, err := AgentStep(d)(context.Background(), bus.Op{})
	require.NoError(t, err)
	require.Len(t, result.NextOps, 1)
	assert.Equal(t, bus.OpCheckBackgroundTriggers, result.NextOps[0].Type)

	msgs, err := d.Reader.Messages().All(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, types.MessageAssistant, msgs[0].Type)
	assert.Equal(t, "hello", string(msgs[0].Data))
}

func TestAgentStep_ToolCallsEnqueueProcessTools(t *testing.T) {
	d, _ := newTestDeps(t, &scriptedRuntime{
		steps: []agentctx.StepResult{{
			Result:    &schema.Message{Role: schema.Assistant},
			ToolCalls: []schema.ToolCall{{ID: "c1", Function: schema.FunctionCall{Name: "search", Arguments: "{}"}}},
		}},
	})
	result, err := AgentStep(d)(context.Background(), bus.Op{})
	require.NoError(t, err)
	require.Len(t, result.NextOps, 1)
	assert.Equal(t, bus.OpProcessTools, result.NextOps[0].Type)
}

func TestProcessTools_ExclusiveCallKeepsOnlyExclusive(t *testing.T) {
	d, _ := newTestDeps(t, &scriptedRuntime{})
	d.ToolRegistry = &fakeToolRegistry{meta: map[string]toolcaller.ToolMeta{
		"read":      {},
		"overwrite": {Exclusive: true},
	}}
	d.ToolExecutor = &fakeExecutor{results: map[string]string{
		"read":      `{"ok":true}`,
		"overwrite": `{"ok":true}`,
	}}

	calls := []schema.ToolCall{
		{ID: "c1", Function: schema.FunctionCall{Name: "read", Arguments: "{}"}},
		{ID: "c2", Function: schema.FunctionCall{Name: "overwrite", Arguments: "{}"}},
	}
	result, err := ProcessTools(d)(context.Background(), bus.Op{Args: map[string]any{"tool_calls": calls}})
	require.NoError(t, err)
	require.Len(t, result.NextOps, 1)
	assert.Equal(t, bus.OpAgentContinue, result.NextOps[0].Type)

	msgs, err := d.Reader.Messages().All(context.Background())
	require.NoError(t, err)
	// Only the exclusive call's function message should have been persisted.
	require.Len(t, msgs, 1)
	assert.Equal(t, "overwrite", msgs[0].Metadata["name"])
}

func TestProcessTools_ControlArtifactsRoutedAsFollowUp(t *testing.T) {
	d, _ := newTestDeps(t, &scriptedRuntime{})
	d.ToolRegistry = &fakeToolRegistry{meta: map[string]toolcaller.ToolMeta{"make_doc": {}}}
	d.ToolExecutor = &fakeExecutor{results: map[string]string{
		"make_doc": `{"result":"ok","_control":{"artifacts":[{"title":"Notes","content":"# N","type":"inline"}]}}`,
	}}

	calls := []schema.ToolCall{{ID: "c1", Function: schema.FunctionCall{Name: "make_doc", Arguments: "{}"}}}
	result, err := ProcessTools(d)(context.Background(), bus.Op{Args: map[string]any{"tool_calls": calls}})
	require.NoError(t, err)
	require.Len(t, result.NextOps, 2)
	assert.Equal(t, bus.OpControlArtifacts, result.NextOps[0].Type)
	assert.Equal(t, bus.OpAgentContinue, result.NextOps[1].Type)

	directives := result.NextOps[0].Args["artifacts"].([]ArtifactDirective)
	require.Len(t, directives, 1)
	assert.Equal(t, "Notes", directives[0].Title)
}

func TestControlArtifacts_CreatesArtifactAndDeveloperMessage(t *testing.T) {
	d, _ := newTestDeps(t, &scriptedRuntime{})
	op := bus.Op{Args: map[string]any{"artifacts": []ArtifactDirective{{Title: "Notes", Content: "# N", Type: "inline"}}}}
	_, err := ControlArtifacts(d)(context.Background(), op)
	require.NoError(t, err)

	artifacts, err := d.Reader.Artifacts().All(context.Background())
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "Notes", artifacts[0].Title)

	msgs, err := d.Reader.Messages().All(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Contains(t, string(msgs[0].Data), `<artifact id="`+artifacts[0].ID)
}

func TestCreateCheckpoint_MarksAnchorMessageAsCheckpoint(t *testing.T) {
	d, _ := newTestDeps(t, &scriptedRuntime{})
	d.CheckpointFuncID = "checkpoint"
	d.Functions = &fakeFunctions{results: map[string]map[string]any{
		"checkpoint": {"summary": "the conversation so far"},
	}}

	anchor, err := d.Writer.AddMessage(context.Background(), types.MessageAssistant, []byte("anchor"), map[string]any{"agent": "build"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		d.DoomLoop.RecordCompletion("read", `{"path":"a.go"}`)
	}
	require.Error(t, d.DoomLoop.Check("read", `{"path":"a.go"}`))

	_, err = CreateCheckpoint(d)(context.Background(), bus.Op{})
	require.NoError(t, err)

	require.NoError(t, d.Reader.Reset(context.Background()))
	got, err := d.Reader.Messages().One(context.Background())
	require.NoError(t, err)
	assert.Equal(t, anchor.ID, got.ID)
	assert.Equal(t, true, got.Metadata["checkpoint"])
	// Pre-existing metadata must survive the merge.
	assert.Equal(t, "build", got.Metadata["agent"])

	// The checkpoint boundary resets doom-loop history.
	assert.NoError(t, d.DoomLoop.Check("read", `{"path":"a.go"}`))
}

func TestCheckBackgroundTriggers_TokenThresholdEnqueuesCheckpoint(t *testing.T) {
	d, sessionID := newTestDeps(t, &scriptedRuntime{})
	d.TokenCheckpointThreshold = 100
	d.CheckpointFuncID = "checkpoint"

	patch := types.MetaPatch{Meta: &types.SessionMeta{Tokens: 150}}
	_, werr := d.Writer.UpdateMeta(context.Background(), patch)
	require.NoError(t, werr)

	result, herr := CheckBackgroundTriggers(d)(context.Background(), bus.Op{})
	require.NoError(t, herr)
	require.Len(t, result.NextOps, 1)
	assert.Equal(t, bus.OpCreateCheckpoint, result.NextOps[0].Type)
	_ = sessionID
}
