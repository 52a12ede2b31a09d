package upload

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "projects/p1/chat_uploads/plan.pdf", ObjectKey("project#p1", "plan.pdf"))
	assert.Equal(t, "dms/a___b/photo.png", ObjectKey("dm#b___a", "photo.png"))
	assert.Equal(t, "projects/p1/chat_uploads/passwd", ObjectKey("project#p1", "../../etc/passwd"))
}

func TestPlaceholderURL(t *testing.T) {
	assert.Equal(t, "local://1714-abc/my%20file.pdf", PlaceholderURL("1714-abc", "my file.pdf"))
}

func TestResolveURL(t *testing.T) {
	s := NewS3FromClient(nil, S3Config{Region: "us-west-2", Bucket: "chat"})
	assert.Equal(t, "https://chat.s3.us-west-2.amazonaws.com/projects/p1/chat_uploads/a%20b.png",
		s.ResolveURL("projects/p1/chat_uploads/a b.png"))

	custom := NewS3FromClient(nil, S3Config{Bucket: "chat", PublicURL: "https://cdn.example.com/"})
	assert.Equal(t, "https://cdn.example.com/dms/a___b/x.png", custom.ResolveURL("dms/a___b/x.png"))
}
