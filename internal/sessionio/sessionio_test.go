package sessionio

import (
	"context"
	"testing"

	"github.com/opencode-ai/relay/internal/persistence/filestore"
	"github.com/opencode-ai/relay/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPorts(t *testing.T) (context.Context, *Writer, string) {
	t.Helper()
	ctx := context.Background()
	ports := filestore.NewPorts(t.TempDir())

	sessionID := "sess1"
	require.NoError(t, ports.Sessions.Create(ctx, &types.Session{
		ID:     sessionID,
		UserID: "u1",
		Status: types.StatusIdle,
	}))
	return ctx, OpenWriter(ports, sessionID), sessionID
}

func TestWriter_AddMessage_StampsLastMessageDate(t *testing.T) {
	ctx, w, sessionID := newTestPorts(t)

	msg, err := w.AddMessage(ctx, types.MessageUser, []byte("hello"), map[string]any{})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)

	sess, err := w.ports.Sessions.Get(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, msg.Date, sess.LastMessageDate)
}

func TestWriter_UpdateStatus_RejectsInvalidTransition(t *testing.T) {
	ctx, w, _ := newTestPorts(t)

	_, err := w.UpdateStatus(ctx, types.StatusCompleted, "")
	assert.Error(t, err, "idle -> completed is not a legal transition")
}

func TestWriter_UpdateStatus_MergesError(t *testing.T) {
	ctx, w, _ := newTestPorts(t)

	_, err := w.UpdateStatus(ctx, types.StatusRunning, "")
	require.NoError(t, err)

	sess, err := w.UpdateStatus(ctx, types.StatusFailed, "boom")
	require.NoError(t, err)
	assert.Equal(t, "boom", sess.Meta.Error)
}

func TestWriter_FunctionCallLifecycle(t *testing.T) {
	ctx, w, _ := newTestPorts(t)

	msg, err := w.AddFunctionCall(ctx, "call-1", "search", `{"q":"go"}`)
	require.NoError(t, err)
	assert.Equal(t, string(types.FunctionPending), msg.Metadata["status"])

	err = w.UpdateFunctionResult(ctx, msg.ID, "3 results", true, map[string]any{"took_ms": 12})
	require.NoError(t, err)

	updated, err := w.ports.Messages.Get(ctx, msg.SessionID, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.FunctionOK), updated.Metadata["status"])
	assert.Equal(t, "3 results", updated.Metadata["result"])
}

func TestWriter_SetAndDeleteContext(t *testing.T) {
	ctx, w, sessionID := newTestPorts(t)

	require.NoError(t, w.SetContext(ctx, types.CurrentCheckpointKey, "msg-1"))

	pctx, err := w.ports.Contexts.Get(ctx, sessionID)
	require.NoError(t, err)
	v, ok := pctx.Get(types.CurrentCheckpointKey)
	assert.True(t, ok)
	assert.Equal(t, "msg-1", v)

	require.NoError(t, w.DeleteContext(ctx, types.CurrentCheckpointKey))
	pctx, err = w.ports.Contexts.Get(ctx, sessionID)
	require.NoError(t, err)
	_, ok = pctx.Get(types.CurrentCheckpointKey)
	assert.False(t, ok)
}

func TestReader_MessagesFromCheckpoint(t *testing.T) {
	ctx, w, sessionID := newTestPorts(t)

	var ids []string
	for i := 0; i < 4; i++ {
		msg, err := w.AddMessage(ctx, types.MessageUser, nil, map[string]any{})
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}
	require.NoError(t, w.SetContext(ctx, types.CurrentCheckpointKey, ids[1]))

	reader, err := OpenReader(ctx, w.ports, sessionID)
	require.NoError(t, err)

	msgs, err := reader.Messages().FromCheckpoint().All(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, ids[2], msgs[0].ID)
	assert.Equal(t, ids[3], msgs[1].ID)
}

func TestReader_MessagesLastAndOffset(t *testing.T) {
	ctx, w, sessionID := newTestPorts(t)

	for i := 0; i < 5; i++ {
		_, err := w.AddMessage(ctx, types.MessageUser, nil, map[string]any{})
		require.NoError(t, err)
	}

	reader, err := OpenReader(ctx, w.ports, sessionID)
	require.NoError(t, err)

	msgs, err := reader.Messages().Last(3).Offset(1).All(ctx)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestReader_Reset(t *testing.T) {
	ctx, w, sessionID := newTestPorts(t)

	reader, err := OpenReader(ctx, w.ports, sessionID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusIdle, reader.State().Status)

	_, err = w.UpdateStatus(ctx, types.StatusRunning, "")
	require.NoError(t, err)

	// Cache is stale until Reset is called.
	assert.Equal(t, types.StatusIdle, reader.State().Status)
	require.NoError(t, reader.Reset(ctx))
	assert.Equal(t, types.StatusRunning, reader.State().Status)
}

func TestWriter_Fork(t *testing.T) {
	ctx, w, sessionID := newTestPorts(t)

	var last string
	for i := 0; i < 3; i++ {
		msg, err := w.AddMessage(ctx, types.MessageUser, []byte("m"), map[string]any{})
		require.NoError(t, err)
		last = msg.ID
	}

	forked, err := w.Fork(ctx, last)
	require.NoError(t, err)
	assert.Equal(t, sessionID, forked.Meta.ForkedFrom)

	reader, err := OpenReader(ctx, w.ports, forked.ID)
	require.NoError(t, err)
	msgs, err := reader.Messages().All(ctx)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}
