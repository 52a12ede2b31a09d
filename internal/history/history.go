// Package history defines how past messages of a conversation are loaded.
package history

import (
	"context"
	"time"

	"github.com/mylg-studio/chatsync/internal/model"
	"github.com/mylg-studio/chatsync/pkg/metrics"
)

// Fetcher loads the stored messages of a conversation.
type Fetcher interface {
	Fetch(ctx context.Context, conversationID string) ([]model.Message, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, conversationID string) ([]model.Message, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, conversationID string) ([]model.Message, error) {
	return f(ctx, conversationID)
}

// Timed records fetch latency for next.
func Timed(next Fetcher) Fetcher {
	return FetcherFunc(func(ctx context.Context, conversationID string) ([]model.Message, error) {
		start := time.Now()
		msgs, err := next.Fetch(ctx, conversationID)
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.HistoryFetchDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
		return msgs, err
	})
}
