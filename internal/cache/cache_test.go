package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mylg-studio/chatsync/internal/clock"
)

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	c := clock.NewFake(time.Unix(0, 0))
	m := NewMemory(c)

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 10*time.Millisecond))

	got, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), got)

	c.Advance(15 * time.Millisecond)

	got, ok, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
	assert.Equal(t, 0, m.Len())
}

func TestMemoryMissingKey(t *testing.T) {
	_, ok, err := NewMemory(nil).Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryDefaultTTL(t *testing.T) {
	ctx := context.Background()
	c := clock.NewFake(time.Unix(0, 0))
	m := NewMemory(c)

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 0))
	c.Advance(DefaultTTL - time.Second)
	_, ok, _ := m.Get(ctx, "k")
	assert.True(t, ok)

	c.Advance(time.Second)
	_, ok, _ = m.Get(ctx, "k")
	assert.False(t, ok)
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)

	type payload struct {
		Name string `json:"name"`
	}
	require.NoError(t, SetJSON(ctx, m, MessagesKey("dm#a___b"), payload{Name: "x"}, time.Minute))

	var got payload
	ok, err := GetJSON(ctx, m, "messages_dm#a___b", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "x", got.Name)
}

func TestRedisExpiry(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	r := NewRedis(client, "chatsync:")
	defer r.Close()

	require.NoError(t, r.Set(ctx, "k", []byte("v"), 10*time.Millisecond))
	assert.True(t, srv.Exists("chatsync:k"))

	got, ok, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), got)

	srv.FastForward(15 * time.Millisecond)

	_, ok, err = r.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConnectRedis(t *testing.T) {
	srv := miniredis.RunT(t)

	r, err := ConnectRedis(context.Background(), RedisOptions{Addr: srv.Addr()})
	require.NoError(t, err)
	require.NoError(t, r.Close())
}
