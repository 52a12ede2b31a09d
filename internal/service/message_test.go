package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mylg-studio/chatsync/internal/cache"
	"github.com/mylg-studio/chatsync/internal/clock"
	"github.com/mylg-studio/chatsync/internal/envelope"
	"github.com/mylg-studio/chatsync/internal/history"
	"github.com/mylg-studio/chatsync/internal/model"
	"github.com/mylg-studio/chatsync/internal/store"
	"github.com/mylg-studio/chatsync/internal/transport"
	"github.com/mylg-studio/chatsync/internal/transport/transporttest"
	"github.com/mylg-studio/chatsync/pkg/logger"
)

const dm = "dm#a___b"

type fakeUploader struct {
	mu   sync.Mutex
	err  error
	gate chan struct{}
	keys []string
}

func (u *fakeUploader) Upload(ctx context.Context, key string, _ []byte, _ string) error {
	if u.gate != nil {
		select {
		case <-u.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return u.err
	}
	u.keys = append(u.keys, key)
	return nil
}

func (u *fakeUploader) ResolveURL(key string) string {
	return "https://cdn.test/" + key
}

type harness struct {
	svc      *MessageService
	conn     *transporttest.Conn
	store    *store.Store
	clock    *clock.Fake
	cache    *cache.Memory
	uploader *fakeUploader
}

func newHarness(t *testing.T, state transport.ReadyState, fetch history.Fetcher) *harness {
	t.Helper()
	c := clock.NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	mem := cache.NewMemory(c)
	st := store.New(mem, time.Hour, logger.NewNop())
	conn := transporttest.NewConn(state)
	up := &fakeUploader{}

	svc := NewMessageService(Options{
		UserID:   "a",
		Conn:     conn,
		Store:    st,
		Uploader: up,
		History:  fetch,
		Clock:    c,
		Logger:   logger.NewNop(),
	})
	t.Cleanup(svc.Close)

	return &harness{svc: svc, conn: conn, store: st, clock: c, cache: mem, uploader: up}
}

func frames(t *testing.T, conn *transporttest.Conn) []envelope.Envelope {
	t.Helper()
	var out []envelope.Envelope
	for _, f := range conn.Sent() {
		env, err := envelope.Decode(f)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func broadcast(t *testing.T, fields envelope.Envelope) []byte {
	t.Helper()
	data, err := envelope.Normalize(fields, envelope.ActionSendMessage).Encode()
	require.NoError(t, err)
	return data
}

func TestSendGivesUpAfterFiveAttempts(t *testing.T) {
	h := newHarness(t, transport.Closed, nil)

	oid := h.svc.Send(dm, "hello")
	h.clock.Advance(10 * time.Second)

	assert.Equal(t, 5, h.conn.CloseCalls())
	assert.Empty(t, h.conn.Sent())
	assert.Equal(t, 0, h.svc.PendingDeliveries())

	msg, ok := h.store.Find(dm, oid)
	require.True(t, ok)
	assert.Equal(t, model.StatePending, msg.State)
}

func TestSendWhileConnectingDoesNotForceReconnect(t *testing.T) {
	h := newHarness(t, transport.Connecting, nil)

	h.svc.Send(dm, "hello")
	h.clock.Advance(10 * time.Second)

	assert.Equal(t, 0, h.conn.CloseCalls())
	assert.Empty(t, h.conn.Sent())
}

func TestOfflineSendReconcilesWithBroadcast(t *testing.T) {
	h := newHarness(t, transport.Closed, nil)

	oid := h.svc.Send("dm#b___a", "hi")

	snap := h.store.Snapshot(dm)
	require.Len(t, snap, 1)
	assert.Equal(t, oid, snap[0].OptimisticID)
	assert.True(t, snap[0].Optimistic())

	h.clock.Advance(1500 * time.Millisecond)
	assert.Equal(t, 2, h.conn.CloseCalls())
	h.conn.SetState(transport.Open)
	h.clock.Advance(500 * time.Millisecond)

	sent := frames(t, h.conn)
	require.Len(t, sent, 1)
	assert.Equal(t, envelope.ActionSendMessage, sent[0].Action())
	assert.Equal(t, dm, sent[0]["conversationId"])
	assert.Equal(t, "dm", sent[0]["conversationType"])
	assert.Equal(t, oid, sent[0]["optimisticId"])

	msg, ok := h.store.Find(dm, oid)
	require.True(t, ok)
	assert.Equal(t, model.StateDelivered, msg.State)

	h.conn.Deliver(broadcast(t, envelope.Envelope{
		"conversationId": dm,
		"messageId":      "srv-1",
		"optimisticId":   oid,
		"senderId":       "a",
		"text":           "hi",
		"timestamp":      "2024-05-01T12:00:00Z",
	}))

	snap = h.store.Snapshot(dm)
	require.Len(t, snap, 1)
	assert.Equal(t, "srv-1", snap[0].MessageID)
	assert.Equal(t, model.StateConfirmed, snap[0].State)

	h.clock.Advance(10 * time.Second)
	assert.Len(t, h.conn.Sent(), 1)
}

func TestAttachmentUploadThenDeliver(t *testing.T) {
	h := newHarness(t, transport.Open, nil)
	h.uploader.gate = make(chan struct{})

	oid := h.svc.SendAttachment("project#p1", "plan.pdf", []byte("%PDF"), "application/pdf")

	placeholder, ok := h.store.Find("project#p1", oid)
	require.True(t, ok)
	assert.Equal(t, "local://"+oid+"/plan.pdf", placeholder.Text)
	assert.Equal(t, model.StatePending, placeholder.State)
	assert.Empty(t, h.conn.Sent())

	close(h.uploader.gate)

	require.Eventually(t, func() bool { return len(h.conn.Sent()) == 1 }, time.Second, 5*time.Millisecond)

	msg, ok := h.store.Find("project#p1", oid)
	require.True(t, ok)
	assert.Equal(t, model.StateDelivered, msg.State)
	assert.Equal(t, "https://cdn.test/projects/p1/chat_uploads/plan.pdf", msg.Text)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "projects/p1/chat_uploads/plan.pdf", msg.Attachments[0].Key)

	sent := frames(t, h.conn)
	assert.Equal(t, "", sent[0]["text"])
	assert.Equal(t, "project", sent[0]["conversationType"])
	assert.NotNil(t, sent[0]["attachments"])
}

func TestAttachmentUploadFailureRollsBack(t *testing.T) {
	h := newHarness(t, transport.Open, nil)
	h.uploader.err = errors.New("access denied")

	oid := h.svc.SendAttachment(dm, "photo.png", []byte{1}, "image/png")

	require.Eventually(t, func() bool {
		_, ok := h.store.Find(dm, oid)
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.conn.Sent())
}

func TestEditAndDelete(t *testing.T) {
	h := newHarness(t, transport.Open, nil)
	h.conn.Deliver(broadcast(t, envelope.Envelope{"conversationId": dm, "messageId": "m1", "text": "first"}))

	require.NoError(t, h.svc.Edit(dm, "m1", "second"))
	msg, ok := h.store.Find(dm, "m1")
	require.True(t, ok)
	assert.Equal(t, "second", msg.Text)
	assert.True(t, msg.Edited)

	require.NoError(t, h.svc.Delete(dm, "m1"))
	assert.Empty(t, h.store.Snapshot(dm))

	sent := frames(t, h.conn)
	require.Len(t, sent, 2)
	assert.Equal(t, envelope.ActionEditMessage, sent[0].Action())
	assert.Equal(t, "second", sent[0]["text"])
	assert.Equal(t, envelope.ActionDeleteMessage, sent[1].Action())
	assert.Equal(t, "m1", sent[1]["messageId"])

	h.conn.Deliver(broadcast(t, envelope.Envelope{"conversationId": dm, "messageId": "m1", "text": "first"}))
	assert.Empty(t, h.store.Snapshot(dm))
}

func TestEditWhileOfflineStaysLocal(t *testing.T) {
	h := newHarness(t, transport.Closed, nil)
	h.store.Merge(context.Background(), dm, model.Message{MessageID: "m1", Text: "first"})

	err := h.svc.Edit(dm, "m1", "second")
	assert.ErrorIs(t, err, transport.ErrConnNotOpen)

	msg, _ := h.store.Find(dm, "m1")
	assert.Equal(t, "second", msg.Text)
	assert.Equal(t, 0, h.conn.CloseCalls())

	h.clock.Advance(10 * time.Second)
	assert.Empty(t, h.conn.Sent())
}

func TestEditBeforeConfirmationIsRefused(t *testing.T) {
	h := newHarness(t, transport.Open, nil)

	oid := h.svc.Send(dm, "helo")
	require.Len(t, h.conn.Sent(), 1)

	err := h.svc.Edit(dm, oid, "hello")
	assert.ErrorIs(t, err, ErrNotConfirmed)

	msg, ok := h.store.Find(dm, oid)
	require.True(t, ok)
	assert.Equal(t, "helo", msg.Text)
	assert.False(t, msg.Edited)
	assert.Len(t, h.conn.Sent(), 1)

	h.conn.Deliver(broadcast(t, envelope.Envelope{
		"conversationId": dm,
		"messageId":      "srv-1",
		"optimisticId":   oid,
		"senderId":       "a",
		"text":           "helo",
	}))

	require.NoError(t, h.svc.Edit(dm, oid, "hello"))
	msg, _ = h.store.Find(dm, "srv-1")
	assert.Equal(t, "hello", msg.Text)

	sent := frames(t, h.conn)
	require.Len(t, sent, 2)
	assert.Equal(t, envelope.ActionEditMessage, sent[1].Action())
	assert.Equal(t, "srv-1", sent[1]["messageId"])
}

func TestDeletePendingMessageStopsDelivery(t *testing.T) {
	h := newHarness(t, transport.Closed, nil)

	oid := h.svc.Send(dm, "oops")
	assert.Equal(t, 1, h.svc.PendingDeliveries())

	require.NoError(t, h.svc.Delete(dm, oid))
	assert.Empty(t, h.store.Snapshot(dm))
	assert.Equal(t, 0, h.svc.PendingDeliveries())

	h.conn.SetState(transport.Open)
	h.clock.Advance(10 * time.Second)

	for _, env := range frames(t, h.conn) {
		assert.NotEqual(t, envelope.ActionSendMessage, env.Action())
	}
	assert.Empty(t, h.store.Snapshot(dm))
}

func TestEditUnknownMessage(t *testing.T) {
	h := newHarness(t, transport.Open, nil)
	assert.ErrorIs(t, h.svc.Edit(dm, "nope", "x"), store.ErrUnknownMessage)
	assert.ErrorIs(t, h.svc.Delete(dm, "nope"), store.ErrUnknownMessage)
}

func TestInboundDeleteSuppressesHistory(t *testing.T) {
	fetch := history.FetcherFunc(func(context.Context, string) ([]model.Message, error) {
		return []model.Message{
			{MessageID: "m1", ConversationID: dm, Text: "deleted elsewhere"},
			{MessageID: "m2", ConversationID: dm, Text: "kept"},
		}, nil
	})
	h := newHarness(t, transport.Closed, fetch)

	h.conn.Deliver(broadcast(t, envelope.Envelope{"action": "deleteMessage", "conversationId": dm, "messageId": "m1"}))

	msgs, err := h.svc.SyncHistory(context.Background(), dm)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m2", msgs[0].MessageID)
}

func TestStripFileReferencesTombstones(t *testing.T) {
	const project = "project#p1"
	const url = "https://cdn.test/projects/p1/chat_uploads/x.png"
	h := newHarness(t, transport.Open, nil)
	h.store.Merge(context.Background(), project,
		model.Message{MessageID: "m1", Text: url, Attachments: []model.Attachment{{FileName: "x.png", URL: url}}},
		model.Message{MessageID: "m2", Text: "hello"},
		model.Message{OptimisticID: "o3", Text: url, State: model.StatePending},
	)

	n := h.svc.StripFileReferences(project, []string{url})
	assert.Equal(t, 2, n)

	snap := h.store.Snapshot(project)
	require.Len(t, snap, 3)
	assert.Equal(t, model.DeletionMarker, snap[0].Text)
	assert.Empty(t, snap[0].Attachments)
	assert.Equal(t, model.StateTombstoned, snap[0].State)
	assert.Equal(t, "hello", snap[1].Text)
	assert.Equal(t, model.DeletionMarker, snap[2].Text)

	sent := frames(t, h.conn)
	require.Len(t, sent, 1)
	assert.Equal(t, envelope.ActionEditMessage, sent[0].Action())
	assert.Equal(t, "m1", sent[0]["messageId"])
	assert.Equal(t, model.DeletionMarker, sent[0]["text"])

	h.conn.Deliver(broadcast(t, envelope.Envelope{"conversationId": project, "messageId": "m1", "text": url}))
	msg, _ := h.store.Find(project, "m1")
	assert.Equal(t, model.DeletionMarker, msg.Text)
}

func TestToggleReaction(t *testing.T) {
	h := newHarness(t, transport.Open, nil)
	h.store.Merge(context.Background(), dm, model.Message{MessageID: "m1", Text: "hi"})

	require.NoError(t, h.svc.ToggleReaction(dm, "m1", "👍"))
	msg, _ := h.store.Find(dm, "m1")
	assert.Equal(t, []string{"a"}, msg.Reactions.Users("👍"))

	require.NoError(t, h.svc.ToggleReaction(dm, "m1", "👍"))
	msg, _ = h.store.Find(dm, "m1")
	assert.Empty(t, msg.Reactions)

	sent := frames(t, h.conn)
	require.Len(t, sent, 2)
	assert.Equal(t, envelope.ActionToggleReaction, sent[0].Action())
	assert.Equal(t, "👍", sent[0]["emoji"])
	assert.Equal(t, "a", sent[0]["userId"])
}

func TestInboundReactionsReplaceLocalSet(t *testing.T) {
	h := newHarness(t, transport.Open, nil)
	h.store.Merge(context.Background(), dm, model.Message{MessageID: "m1", Text: "hi"})

	h.conn.Deliver(broadcast(t, envelope.Envelope{
		"action":         "toggleReaction",
		"conversationId": dm,
		"messageId":      "m1",
		"reactions":      map[string][]string{"🎉": {"b", "c"}},
	}))

	msg, _ := h.store.Find(dm, "m1")
	assert.Equal(t, []string{"b", "c"}, msg.Reactions.Users("🎉"))
}

func TestSetActiveConversationWaitsForOpen(t *testing.T) {
	h := newHarness(t, transport.Closed, nil)

	h.svc.SetActiveConversation("dm#b___a")
	assert.Empty(t, h.conn.Sent())

	h.conn.SetState(transport.Open)
	h.conn.SetState(transport.Closed)
	h.conn.SetState(transport.Open)

	sent := frames(t, h.conn)
	require.Len(t, sent, 1)
	assert.Equal(t, envelope.ActionSetActiveConversation, sent[0].Action())
	assert.Equal(t, dm, sent[0]["conversationId"])
}

// openingConn opens as soon as an open listener is registered, so the event fires
// before AddEventListener returns.
type openingConn struct {
	*transporttest.Conn
}

func (c openingConn) AddEventListener(ev transport.Event, l transport.Listener) func() {
	remove := c.Conn.AddEventListener(ev, l)
	if ev == transport.EventOpen {
		c.SetState(transport.Open)
	}
	return remove
}

func TestSetActiveConversationOpenDuringRegistration(t *testing.T) {
	conn := transporttest.NewConn(transport.Closed)
	svc := NewMessageService(Options{
		UserID: "a",
		Conn:   openingConn{conn},
		Store:  store.New(cache.NewMemory(clock.Real{}), time.Hour, logger.NewNop()),
		Logger: logger.NewNop(),
	})
	t.Cleanup(svc.Close)

	svc.SetActiveConversation(dm)
	require.Len(t, conn.Sent(), 1)

	conn.SetState(transport.Closed)
	conn.SetState(transport.Open)

	sent := frames(t, conn)
	require.Len(t, sent, 1)
	assert.Equal(t, envelope.ActionSetActiveConversation, sent[0].Action())
}

func TestSetActiveConversationLatestWins(t *testing.T) {
	h := newHarness(t, transport.Closed, nil)

	h.svc.SetActiveConversation("project#p1")
	h.svc.SetActiveConversation(dm)
	h.conn.SetState(transport.Open)

	sent := frames(t, h.conn)
	require.Len(t, sent, 1)
	assert.Equal(t, dm, sent[0]["conversationId"])
}

func TestMarkRead(t *testing.T) {
	h := newHarness(t, transport.Open, nil)
	ts := time.Date(2024, 4, 30, 8, 0, 0, 0, time.UTC)
	h.store.Merge(context.Background(), dm,
		model.Message{MessageID: "m1", Timestamp: ts.Add(-time.Hour)},
		model.Message{MessageID: "m2", Timestamp: ts},
	)

	require.NoError(t, h.svc.MarkRead(dm))

	sent := frames(t, h.conn)
	require.Len(t, sent, 1)
	assert.Equal(t, envelope.ActionMarkRead, sent[0].Action())
	assert.Equal(t, true, sent[0]["read"])
	assert.Equal(t, "a", sent[0]["userId"])
	assert.Equal(t, "2024-04-30T08:00:00Z", sent[0]["lastMsgTs"])
}

func TestOpenConversationReadsCacheThenHistory(t *testing.T) {
	fetch := history.FetcherFunc(func(context.Context, string) ([]model.Message, error) {
		return []model.Message{
			{MessageID: "m1", ConversationID: dm, Text: "cached"},
			{MessageID: "m2", ConversationID: dm, Text: "new"},
		}, nil
	})
	h := newHarness(t, transport.Open, fetch)
	require.NoError(t, cache.SetJSON(context.Background(), h.cache, cache.MessagesKey(dm),
		[]model.Message{{MessageID: "m1", ConversationID: dm, Text: "cached"}}, time.Hour))

	snap, err := h.svc.OpenConversation(context.Background(), "dm#b___a")
	require.NoError(t, err)
	assert.True(t, snap.FromCache)
	assert.Equal(t, "dm", snap.ConversationType)
	require.NotEmpty(t, snap.Messages)
	assert.Equal(t, "m1", snap.Messages[0].MessageID)

	require.Eventually(t, func() bool { return len(h.store.Snapshot(dm)) == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(h.conn.Sent()) == 2 }, time.Second, 5*time.Millisecond)

	sent := frames(t, h.conn)
	assert.Equal(t, envelope.ActionSetActiveConversation, sent[0].Action())
	assert.Equal(t, envelope.ActionMarkRead, sent[1].Action())
}

func TestCloseCancelsPendingDeliveries(t *testing.T) {
	h := newHarness(t, transport.Closed, nil)

	h.svc.Send(dm, "hello")
	require.Equal(t, 1, h.svc.PendingDeliveries())

	h.svc.Close()
	h.clock.Advance(10 * time.Second)

	assert.Equal(t, 1, h.conn.CloseCalls())
	assert.Equal(t, 0, h.svc.PendingDeliveries())
}

func TestSendsToDifferentConversationsAreIndependent(t *testing.T) {
	h := newHarness(t, transport.Closed, nil)

	h.svc.Send(dm, "one")
	h.svc.Send("project#p1", "two")
	h.clock.Advance(500 * time.Millisecond)
	h.conn.SetState(transport.Open)
	h.clock.Advance(time.Second)

	sent := frames(t, h.conn)
	require.Len(t, sent, 2)
	ids := []any{sent[0]["conversationId"], sent[1]["conversationId"]}
	assert.ElementsMatch(t, []any{dm, "project#p1"}, ids)
}
