package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalizeIsSymmetric(t *testing.T) {
	assert.Equal(t, "dm#a___b", Canonicalize("dm#b___a"))
	assert.Equal(t, "dm#a___b", Canonicalize("dm#a___b"))
	assert.Equal(t, DM("u2", "u1"), DM("u1", "u2"))
}

func TestCanonicalizePassThrough(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"project", "project#xyz"},
		{"three parts", "dm#a___b___c"},
		{"one part", "dm#alone"},
		{"empty part", "dm#___b"},
		{"no prefix", "a___b"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.in, Canonicalize(tt.in))
		})
	}
}

func TestTypeOf(t *testing.T) {
	assert.Equal(t, TypeDM, TypeOf("dm#a___b"))
	assert.Equal(t, TypeProject, TypeOf(Project("p1")))
	assert.Equal(t, TypeUnknown, TypeOf("room-7"))
}

func TestProjectID(t *testing.T) {
	pid, ok := ProjectID("project#p1")
	assert.True(t, ok)
	assert.Equal(t, "p1", pid)

	_, ok = ProjectID("dm#a___b")
	assert.False(t, ok)
}

func TestPeer(t *testing.T) {
	peer, ok := Peer("dm#zed___amy", "zed")
	assert.True(t, ok)
	assert.Equal(t, "amy", peer)

	_, ok = Peer("dm#zed___amy", "bob")
	assert.False(t, ok)

	_, ok = Peer("dm#broken", "zed")
	assert.False(t, ok)
}
