package upstream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitSession_DeliversToSubscriber(t *testing.T) {
	u := New()
	defer u.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := u.SubscribeSession(ctx, "sess1")
	require.NoError(t, err)

	u.EmitSession("sess1", Update, map[string]any{"status": "running"})

	select {
	case msg := <-ch:
		evt, err := Decode(msg)
		require.NoError(t, err)
		assert.Equal(t, Update, evt.Type)
		assert.Equal(t, "sess1", evt.SessionID)
		assert.Equal(t, "running", evt.Payload["status"])
		msg.Ack()
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for session event")
	}
}

func TestEmitMessage_DoesNotLeakToSessionTopic(t *testing.T) {
	u := New()
	defer u.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessionCh, err := u.SubscribeSession(ctx, "sess1")
	require.NoError(t, err)

	u.EmitMessage("sess1", "msg1", Content, map[string]any{"chunk": "hi"})

	select {
	case <-sessionCh:
		t.Fatal("message-level emit should not appear on the session topic")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSessionTopicAndMessageTopic_Schema(t *testing.T) {
	assert.Equal(t, "session:abc", SessionTopic("abc"))
	assert.Equal(t, "session:abc:message:def", MessageTopic("abc", "def"))
}
