// Package upload stores chat attachments in object storage.
package upload

import (
	"context"
	"errors"
	"net/url"
	"path"
	"strings"

	"github.com/mylg-studio/chatsync/internal/conversation"
)

// ErrUpload marks a rejected upload.
var ErrUpload = errors.New("upload failed")

// Uploader puts attachment bytes under a key and resolves the key to a URL.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	ResolveURL(key string) string
}

// ObjectKey returns the storage key of an attachment. Project files live next to the
// project's other uploads; DM files are grouped per conversation.
func ObjectKey(conversationID, fileName string) string {
	name := path.Base("/" + strings.ReplaceAll(fileName, "\\", "/"))
	if pid, ok := conversation.ProjectID(conversationID); ok {
		return path.Join("projects", pid, "chat_uploads", name)
	}
	if a, b, ok := conversation.Participants(conversationID); ok {
		return path.Join("dms", a+"___"+b, name)
	}
	return path.Join("chat_uploads", url.PathEscape(conversationID), name)
}

// PlaceholderURL is shown while an upload is in flight.
func PlaceholderURL(optimisticID, fileName string) string {
	return "local://" + optimisticID + "/" + url.PathEscape(fileName)
}
