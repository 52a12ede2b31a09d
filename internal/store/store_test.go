package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mylg-studio/chatsync/internal/cache"
	"github.com/mylg-studio/chatsync/internal/clock"
	"github.com/mylg-studio/chatsync/internal/model"
	"github.com/mylg-studio/chatsync/pkg/logger"
)

const conv = "dm#a___b"

func newStore(t *testing.T) (*Store, *cache.Memory) {
	t.Helper()
	mem := cache.NewMemory(clock.NewFake(time.Unix(0, 0)))
	return New(mem, time.Hour, logger.NewNop()), mem
}

func TestMergeReconcilesAndPersists(t *testing.T) {
	ctx := context.Background()
	s, mem := newStore(t)

	s.Merge(ctx, "dm#b___a", model.Message{OptimisticID: "o1", ConversationID: conv, Text: "hi", State: model.StatePending})
	out := s.Merge(ctx, conv, model.Message{MessageID: "m1", OptimisticID: "o1", ConversationID: conv, Text: "hi"})

	require.Len(t, out, 1)
	assert.Equal(t, model.StateConfirmed, out[0].State)

	var cached []model.Message
	ok, err := cache.GetJSON(ctx, mem, cache.MessagesKey(conv), &cached)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, cached, 1)
	assert.Equal(t, "m1", cached[0].MessageID)
}

func TestDeletedIdsAreNotResurrected(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	s.Merge(ctx, conv, model.Message{MessageID: "m1", ConversationID: conv, Text: "x"})
	_, ok := s.Remove(ctx, conv, "m1")
	require.True(t, ok)
	s.MarkDeleted("m1")

	out := s.Merge(ctx, conv, model.Message{MessageID: "m1", ConversationID: conv, Text: "x"})
	assert.Empty(t, out)
	assert.True(t, s.IsDeleted("m1"))
}

func TestUpdateByOptimisticID(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	s.Merge(ctx, conv, model.Message{OptimisticID: "o1", ConversationID: conv, State: model.StatePending})

	updated, err := s.Update(ctx, conv, "o1", func(m *model.Message) { m.State = model.StateDelivered })
	require.NoError(t, err)
	assert.Equal(t, model.StateDelivered, updated.State)

	_, err = s.Update(ctx, conv, "missing", func(*model.Message) {})
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestUpdateWhere(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	s.Merge(ctx, conv,
		model.Message{MessageID: "m1", Text: "https://cdn/x.png"},
		model.Message{MessageID: "m2", Text: "keep"},
	)

	updated := s.UpdateWhere(ctx, conv,
		func(m model.Message) bool { return m.References("https://cdn/x.png") },
		func(m *model.Message) { m.Text = model.DeletionMarker },
	)
	require.Len(t, updated, 1)
	assert.Equal(t, "m1", updated[0].MessageID)

	snap := s.Snapshot(conv)
	assert.Equal(t, model.DeletionMarker, snap[0].Text)
	assert.Equal(t, "keep", snap[1].Text)
}

func TestOnChange(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	var events []model.ChangeEvent
	remove := s.OnChange(func(ev model.ChangeEvent) { events = append(events, ev) })

	s.Merge(ctx, conv, model.Message{MessageID: "m1"})
	s.Remove(ctx, conv, "m1")
	remove()
	s.Merge(ctx, conv, model.Message{MessageID: "m2"})

	require.Len(t, events, 2)
	assert.Equal(t, model.ChangeMerged, events[0].Reason)
	assert.Equal(t, model.ChangeRemoved, events[1].Reason)
	assert.Empty(t, events[1].Messages)
	require.Len(t, events[1].Removed, 1)
	assert.Equal(t, "m1", events[1].Removed[0].MessageID)
	assert.Empty(t, events[0].Removed)
}

func TestLoadFromCache(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemory(nil)
	require.NoError(t, cache.SetJSON(ctx, mem, cache.MessagesKey(conv), []model.Message{
		{MessageID: "m1", ConversationID: conv, Text: "cached"},
		{MessageID: "m2", ConversationID: conv, Text: "gone"},
	}, time.Minute))

	s := New(mem, time.Hour, logger.NewNop())
	s.MarkDeleted("m2")

	ok, err := s.LoadFromCache(ctx, conv)
	require.NoError(t, err)
	assert.True(t, ok)

	snap := s.Snapshot(conv)
	require.Len(t, snap, 1)
	assert.Equal(t, "cached", snap[0].Text)

	ok, err = s.LoadFromCache(ctx, "dm#c___d")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSnapshotIsACopy(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	s.Merge(ctx, conv, model.Message{MessageID: "m1", Text: "original"})

	snap := s.Snapshot(conv)
	snap[0].Text = "mutated"

	assert.Equal(t, "original", s.Snapshot(conv)[0].Text)
}
