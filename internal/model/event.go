package model

// ChangeReason describes why a conversation's message list changed.
type ChangeReason string

const (
	ChangeMerged     ChangeReason = "merged"
	ChangeUpdated    ChangeReason = "updated"
	ChangeRemoved    ChangeReason = "removed"
	ChangeTombstoned ChangeReason = "tombstoned"
	ChangeLoaded     ChangeReason = "loaded"
)

// ChangeEvent is emitted by the message store after every mutation. Messages is
// the conversation after the change; Removed holds what a removal took out.
type ChangeEvent struct {
	ConversationID string       `json:"conversationId"`
	Reason         ChangeReason `json:"reason"`
	Messages       []Message    `json:"messages"`
	Removed        []Message    `json:"removed,omitempty"`
}
