package history

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mylg-studio/chatsync/internal/model"
)

func TestTimedPassesThrough(t *testing.T) {
	want := []model.Message{{MessageID: "m1"}}
	f := Timed(FetcherFunc(func(_ context.Context, id string) ([]model.Message, error) {
		assert.Equal(t, "dm#a___b", id)
		return want, nil
	}))

	got, err := f.Fetch(context.Background(), "dm#a___b")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestTimedReturnsError(t *testing.T) {
	boom := errors.New("boom")
	f := Timed(FetcherFunc(func(context.Context, string) ([]model.Message, error) {
		return nil, boom
	}))

	_, err := f.Fetch(context.Background(), "project#p1")
	assert.ErrorIs(t, err, boom)
}
