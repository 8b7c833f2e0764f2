// Package upstream implements the Upstream notification port:
// typed, fire-and-forget emits on per-session and per-message topics,
// consumed by the relay and relayed on to the user's hub. It runs on
// watermill's gochannel pub/sub transport, behind a closed emit-type and
// topic-schema contract.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/opencode-ai/relay/internal/logging"
)

// EmitType is the closed set of notification kinds an Upstream emits.
type EmitType string

const (
	Update          EmitType = "update"
	Error           EmitType = "error"
	Received        EmitType = "received"
	ResponseStarted EmitType = "response_started"
	Invalidate      EmitType = "invalidate"
	CommandResponse EmitType = "command_response"
	Content         EmitType = "content"
	FunctionCall    EmitType = "function_call"
	FunctionSuccess EmitType = "function_success"
	FunctionError   EmitType = "function_error"

	// SessionOpened and SessionClosed are relay-level emits,
	// published on the per-user topic rather than a session topic: a
	// client subscribes to its user topic once and learns about every
	// session it owns opening and closing.
	SessionOpened EmitType = "session.opened"
	SessionClosed EmitType = "session.closed"
)

// Event is the payload carried on every topic kind. SessionID is set for
// session- and message-level emits and left empty for user-topic emits;
// MessageID is set only for message-level emits.
type Event struct {
	Type      EmitType       `json:"type"`
	SessionID string         `json:"session_id"`
	MessageID string         `json:"message_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// SessionTopic returns the per-session topic name.
func SessionTopic(sessionID string) string {
	return fmt.Sprintf("session:%s", sessionID)
}

// MessageTopic returns the per-message topic name.
func MessageTopic(sessionID, messageID string) string {
	return fmt.Sprintf("session:%s:message:%s", sessionID, messageID)
}

// UserTopic returns the per-user topic name a Relay publishes
// session.opened/session.closed notifications on.
func UserTopic(userID string) string {
	return fmt.Sprintf("user:%s", userID)
}

// Upstream is one relay-wide pub/sub hub. A SessionActor emits on it;
// the owning Relay subscribes per session and per message to forward
// notifications to the user's hub.
type Upstream struct {
	pubsub *gochannel.GoChannel
}

func New() *Upstream {
	return &Upstream{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 256, Persistent: false},
			watermill.NopLogger{},
		),
	}
}

// EmitSession publishes a session-level notification. Fire-and-forget: a
// publish error is logged, never returned to the caller's operation
// handler, since a missed notification must not fail the operation that
// triggered it.
func (u *Upstream) EmitSession(sessionID string, typ EmitType, payload map[string]any) {
	u.publish(SessionTopic(sessionID), Event{Type: typ, SessionID: sessionID, Payload: payload})
}

// EmitMessage publishes a message-level notification.
func (u *Upstream) EmitMessage(sessionID, messageID string, typ EmitType, payload map[string]any) {
	u.publish(MessageTopic(sessionID, messageID), Event{
		Type: typ, SessionID: sessionID, MessageID: messageID, Payload: payload,
	})
}

// EmitUser publishes a relay-level notification on userID's topic.
func (u *Upstream) EmitUser(userID string, typ EmitType, payload map[string]any) {
	u.publish(UserTopic(userID), Event{Type: typ, Payload: payload})
}

// SubscribeUser returns the channel of relay-level events for userID.
func (u *Upstream) SubscribeUser(ctx context.Context, userID string) (<-chan *message.Message, error) {
	return u.pubsub.Subscribe(ctx, UserTopic(userID))
}

func (u *Upstream) publish(topic string, evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		logging.Error().Err(err).Str("topic", topic).Msg("upstream: marshal event")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	if err := u.pubsub.Publish(topic, msg); err != nil {
		logging.Error().Err(err).Str("topic", topic).Msg("upstream: publish")
	}
}

// SubscribeSession returns the channel of session-level events for
// sessionID. Closing ctx unsubscribes.
func (u *Upstream) SubscribeSession(ctx context.Context, sessionID string) (<-chan *message.Message, error) {
	return u.pubsub.Subscribe(ctx, SessionTopic(sessionID))
}

// SubscribeMessage returns the channel of message-level events for one
// message.
func (u *Upstream) SubscribeMessage(ctx context.Context, sessionID, messageID string) (<-chan *message.Message, error) {
	return u.pubsub.Subscribe(ctx, MessageTopic(sessionID, messageID))
}

// Decode parses a transport message back into an Event.
func Decode(msg *message.Message) (Event, error) {
	var evt Event
	err := json.Unmarshal(msg.Payload, &evt)
	return evt, err
}

func (u *Upstream) Close() error {
	return u.pubsub.Close()
}
