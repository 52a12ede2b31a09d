package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mylg-studio/chatsync/internal/clock"
	"github.com/mylg-studio/chatsync/internal/coalesce"
	"github.com/mylg-studio/chatsync/pkg/logger"
)

func TestProjectUpdatesAreCoalesced(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	queue := coalesce.New(coalesce.WithClock(c), coalesce.WithLogger(logger.NewNop()))

	var writes []map[string]any
	svc := NewProjectService(queue, func(_ context.Context, projectID string, payload map[string]any) error {
		assert.Equal(t, "p1", projectID)
		writes = append(writes, payload)
		return nil
	}, logger.NewNop())

	first := svc.Update("p1", map[string]any{"status": "active"})
	second := svc.Update("p1", map[string]any{"color": "#fff"})
	c.Advance(time.Second)

	require.Len(t, writes, 1)
	assert.Equal(t, map[string]any{"status": "active", "color": "#fff"}, writes[0])
	<-first
	<-second
}
