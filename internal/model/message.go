// Package model defines data structures for the message sync engine.
package model

import (
	"encoding/json"
	"sort"
	"time"
)

// DeletionMarker replaces the text of a tombstoned message.
const DeletionMarker = "File deleted."

// State is the lifecycle variant of a message record.
type State string

const (
	// StatePending is a locally created message that has not been written yet,
	// or whose attachment upload is still running.
	StatePending State = "pending"
	// StateDelivered means the frame was written (or the upload resolved) but the
	// server has not confirmed the message.
	StateDelivered State = "delivered"
	// StateConfirmed means the server assigned a permanent message id.
	StateConfirmed State = "confirmed"
	// StateRolledBack marks an attachment message whose upload failed.
	StateRolledBack State = "rolled_back"
	// StateTombstoned marks a message whose content was replaced by DeletionMarker.
	StateTombstoned State = "tombstoned"
)

// Attachment is a file reference carried by a message.
type Attachment struct {
	FileName string `json:"fileName,omitempty"`
	URL      string `json:"url,omitempty"`
	Key      string `json:"key,omitempty"`
}

// Message is a chat message in a DM or project conversation.
type Message struct {
	// Identity
	MessageID    string `json:"messageId,omitempty"`
	OptimisticID string `json:"optimisticId,omitempty"`

	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId,omitempty"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`

	Attachments []Attachment `json:"attachments,omitempty"`
	Reactions   Reactions    `json:"reactions,omitempty"`

	Edited   bool       `json:"edited,omitempty"`
	EditedAt *time.Time `json:"editedAt,omitempty"`

	State State `json:"state,omitempty"`
}

// Key returns the identity key: the message id when known, else the optimistic id.
// An empty key means the message cannot be deduplicated.
func (m Message) Key() string {
	if m.MessageID != "" {
		return m.MessageID
	}
	return m.OptimisticID
}

// Optimistic reports whether the message is still only a local, unsent record.
func (m Message) Optimistic() bool {
	return m.State == StatePending
}

// HasID reports whether id matches either identifier of the message.
func (m Message) HasID(id string) bool {
	return id != "" && (m.MessageID == id || m.OptimisticID == id)
}

// References reports whether the message text or any attachment points at url.
func (m Message) References(url string) bool {
	if url == "" {
		return false
	}
	if m.Text == url {
		return true
	}
	for _, a := range m.Attachments {
		if a.URL == url || a.Key == url {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so store snapshots can be handed out safely.
func (m Message) Clone() Message {
	out := m
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.EditedAt != nil {
		at := *m.EditedAt
		out.EditedAt = &at
	}
	out.Reactions = m.Reactions.Clone()
	return out
}

// WithInferredState fills in State for messages decoded from the wire, which
// never carry one.
func (m Message) WithInferredState() Message {
	if m.State != "" {
		return m
	}
	switch {
	case m.Text == DeletionMarker && m.MessageID != "":
		m.State = StateTombstoned
	case m.MessageID != "":
		m.State = StateConfirmed
	default:
		m.State = StatePending
	}
	return m
}

// Reactions maps an emoji to the set of users who reacted with it.
type Reactions map[string]map[string]struct{}

// Toggle adds userID to the emoji set, or removes it when already present.
// It reports whether the user is now reacting.
func (r Reactions) Toggle(emoji, userID string) bool {
	users, ok := r[emoji]
	if !ok {
		users = make(map[string]struct{})
		r[emoji] = users
	}
	if _, reacted := users[userID]; reacted {
		delete(users, userID)
		return false
	}
	users[userID] = struct{}{}
	return true
}

// Users returns the sorted users for an emoji.
func (r Reactions) Users(emoji string) []string {
	users := make([]string, 0, len(r[emoji]))
	for u := range r[emoji] {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Clone returns a deep copy.
func (r Reactions) Clone() Reactions {
	if r == nil {
		return nil
	}
	out := make(Reactions, len(r))
	for emoji, users := range r {
		set := make(map[string]struct{}, len(users))
		for u := range users {
			set[u] = struct{}{}
		}
		out[emoji] = set
	}
	return out
}

// MarshalJSON encodes reactions in the wire form {emoji: [userId...]}.
func (r Reactions) MarshalJSON() ([]byte, error) {
	wire := make(map[string][]string, len(r))
	for emoji := range r {
		wire[emoji] = r.Users(emoji)
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes the wire form {emoji: [userId...]}.
func (r *Reactions) UnmarshalJSON(data []byte) error {
	var wire map[string][]string
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if wire == nil {
		*r = nil
		return nil
	}
	out := make(Reactions, len(wire))
	for emoji, users := range wire {
		set := make(map[string]struct{}, len(users))
		for _, u := range users {
			set[u] = struct{}{}
		}
		out[emoji] = set
	}
	*r = out
	return nil
}
