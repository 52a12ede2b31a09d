package model

// ConversationSnapshot is what a caller sees when it opens a conversation.
type ConversationSnapshot struct {
	ConversationID   string    `json:"conversationId"`
	ConversationType string    `json:"conversationType"`
	Messages         []Message `json:"messages"`
	FromCache        bool      `json:"fromCache"`
}

// SendMessageRequest is the request to send a new message.
type SendMessageRequest struct {
	Text string `json:"text"`
}

// SendMessageResponse is returned after a send is accepted locally.
type SendMessageResponse struct {
	ConversationID string `json:"conversationId"`
	OptimisticID   string `json:"optimisticId"`
}

// UpdateProjectRequest is a partial project metadata write.
type UpdateProjectRequest map[string]any

// EditMessageRequest replaces a message's text.
type EditMessageRequest struct {
	Text string `json:"text"`
}

// ReactionRequest toggles the caller's reaction on a message.
type ReactionRequest struct {
	Emoji string `json:"emoji"`
}

// StripFilesRequest lists removed file URLs whose messages should be tombstoned.
type StripFilesRequest struct {
	URLs []string `json:"urls"`
}
