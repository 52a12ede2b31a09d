// Package envelope builds and normalizes the JSON frames exchanged over the real-time
// transport.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mylg-studio/chatsync/internal/conversation"
	"github.com/mylg-studio/chatsync/internal/model"
)

// Action names the operation a frame carries.
type Action string

const (
	ActionSendMessage           Action = "sendMessage"
	ActionEditMessage           Action = "editMessage"
	ActionDeleteMessage         Action = "deleteMessage"
	ActionMarkRead              Action = "markRead"
	ActionSetActiveConversation Action = "setActiveConversation"
	ActionToggleReaction        Action = "toggleReaction"
)

// ErrMalformedFrame is returned when an inbound frame is not a JSON object.
var ErrMalformedFrame = errors.New("malformed frame")

// Envelope is a wire frame: {action, conversationType, conversationId, ...payload}.
type Envelope map[string]any

// Normalize guarantees v has an action field. A nil or non-map value becomes
// {action: defaultAction}. A map without an action key is shallow-copied and given
// defaultAction. A map that already has an action key, whatever its value, is
// returned unchanged.
func Normalize(v any, defaultAction Action) Envelope {
	var m map[string]any
	switch t := v.(type) {
	case Envelope:
		m = t
	case map[string]any:
		m = t
	}
	if m == nil {
		return Envelope{"action": string(defaultAction)}
	}
	if _, ok := m["action"]; ok {
		return Envelope(m)
	}
	out := make(Envelope, len(m)+1)
	for k, val := range m {
		out[k] = val
	}
	out["action"] = string(defaultAction)
	return out
}

// Action returns the frame's action, or "" when it is missing or not a string.
func (e Envelope) Action() Action {
	s, _ := e["action"].(string)
	return Action(s)
}

// String returns a string field, or "".
func (e Envelope) String(key string) string {
	s, _ := e[key].(string)
	return s
}

// ConversationID returns the canonical conversation id carried by the frame.
func (e Envelope) ConversationID() string {
	return conversation.Canonicalize(e.String("conversationId"))
}

// Encode marshals the envelope into a frame.
func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return data, nil
}

// Decode parses an inbound frame.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if e == nil {
		return nil, ErrMalformedFrame
	}
	return e, nil
}

// DecodeMessage reads the message carried by a sendMessage or editMessage frame. The
// frame fields sit at the top level next to action.
func (e Envelope) DecodeMessage() (model.Message, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return model.Message{}, fmt.Errorf("failed to re-encode frame: %w", err)
	}
	var m model.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return model.Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	m.ConversationID = conversation.Canonicalize(m.ConversationID)
	m.State = ""
	return m.WithInferredState(), nil
}

func base(action Action, conversationID string) Envelope {
	id := conversation.Canonicalize(conversationID)
	return Envelope{
		"action":           string(action),
		"conversationType": string(conversation.TypeOf(id)),
		"conversationId":   id,
	}
}

// SendMessage builds the frame for a new message.
func SendMessage(m model.Message) Envelope {
	e := base(ActionSendMessage, m.ConversationID)
	e["senderId"] = m.SenderID
	e["text"] = m.Text
	e["timestamp"] = m.Timestamp.UTC().Format(time.RFC3339Nano)
	e["optimisticId"] = m.OptimisticID
	if len(m.Attachments) > 0 {
		e["attachments"] = m.Attachments
	}
	return e
}

// EditMessage builds the frame for an edit of a confirmed message.
func EditMessage(conversationID, messageID, text string, editedAt time.Time) Envelope {
	e := base(ActionEditMessage, conversationID)
	e["messageId"] = messageID
	e["text"] = text
	e["editedAt"] = editedAt.UTC().Format(time.RFC3339Nano)
	return e
}

// DeleteMessage builds the frame for a delete.
func DeleteMessage(conversationID, messageID string) Envelope {
	e := base(ActionDeleteMessage, conversationID)
	e["messageId"] = messageID
	return e
}

// MarkRead builds the read receipt frame.
func MarkRead(conversationID, userID string, lastMsgTs time.Time) Envelope {
	e := base(ActionMarkRead, conversationID)
	e["userId"] = userID
	e["read"] = true
	e["lastMsgTs"] = lastMsgTs.UTC().Format(time.RFC3339Nano)
	return e
}

// SetActiveConversation builds the frame announcing which conversation is in view.
func SetActiveConversation(conversationID, userID string) Envelope {
	e := base(ActionSetActiveConversation, conversationID)
	e["userId"] = userID
	return e
}

// ToggleReaction builds the frame toggling a user's reaction on a message.
func ToggleReaction(conversationID, messageID, emoji, userID string) Envelope {
	e := base(ActionToggleReaction, conversationID)
	e["messageId"] = messageID
	e["emoji"] = emoji
	e["userId"] = userID
	return e
}
