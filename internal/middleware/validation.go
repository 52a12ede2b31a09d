package middleware

import (
	"errors"
	"unicode/utf8"
)

const (
	maxMessageBytes = 100000
	maxIDLength     = 256
	maxEmojiBytes   = 64
	maxPayloadKeys  = 64
)

// ValidateMessageContent validates message text.
func ValidateMessageContent(content string) error {
	if len(content) == 0 {
		return errors.New("text cannot be empty")
	}
	if len(content) > maxMessageBytes {
		return errors.New("text exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("text must be valid UTF-8")
	}
	return nil
}

// ValidateConversationID validates a conversation id. Ids are opaque: a DM id that
// does not parse is still a valid id.
func ValidateConversationID(id string) error {
	if id == "" {
		return errors.New("conversation ID cannot be empty")
	}
	if len(id) > maxIDLength {
		return errors.New("conversation ID exceeds maximum length")
	}
	return nil
}

// ValidateMessageID validates a message or optimistic id.
func ValidateMessageID(id string) error {
	if id == "" {
		return errors.New("message ID cannot be empty")
	}
	if len(id) > maxIDLength {
		return errors.New("message ID exceeds maximum length")
	}
	return nil
}

// ValidateEmoji validates a reaction key.
func ValidateEmoji(emoji string) error {
	if emoji == "" || len(emoji) > maxEmojiBytes || !utf8.ValidString(emoji) {
		return errors.New("invalid emoji")
	}
	return nil
}

// ValidateProjectPayload validates a partial project update.
func ValidateProjectPayload(payload map[string]any) error {
	if len(payload) == 0 {
		return errors.New("payload cannot be empty")
	}
	if len(payload) > maxPayloadKeys {
		return errors.New("payload has too many fields")
	}
	return nil
}
