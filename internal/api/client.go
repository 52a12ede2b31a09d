// Package api is the HTTP client for the messages and projects services.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/mylg-studio/chatsync/internal/conversation"
	"github.com/mylg-studio/chatsync/internal/model"
	"github.com/mylg-studio/chatsync/pkg/logger"
	"github.com/mylg-studio/chatsync/pkg/tracing"
)

var (
	// ErrRateLimited is returned when the service keeps answering 429.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrCircuitOpen is returned while the breaker rejects calls.
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrUnsupportedConversation is returned for ids that are neither DM nor project.
	ErrUnsupportedConversation = errors.New("unsupported conversation id")
)

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Status, e.Body)
}

// Config configures the client.
type Config struct {
	MessagesURL string
	ProjectsURL string
	Token       string
	Timeout     time.Duration

	// RateLimitRetries bounds retries of a history fetch answered with 429.
	RateLimitRetries int
	// RateLimitBackoff is the first retry delay; it doubles on each retry.
	RateLimitBackoff time.Duration

	BreakerMaxFailures uint32
	BreakerTimeout     time.Duration
}

// Client talks to the messages and projects services.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *logger.Logger
}

// New creates a client.
func New(cfg Config, log *logger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RateLimitRetries <= 0 {
		cfg.RateLimitRetries = 5
	}
	if cfg.RateLimitBackoff <= 0 {
		cfg.RateLimitBackoff = time.Second
	}
	if cfg.BreakerMaxFailures == 0 {
		cfg.BreakerMaxFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	cfg.MessagesURL = strings.TrimSuffix(cfg.MessagesURL, "/")
	cfg.ProjectsURL = strings.TrimSuffix(cfg.ProjectsURL, "/")

	log = logger.OrGlobal(log).Named("api")
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "chatsync-api",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerMaxFailures
		},
		IsSuccessful: func(err error) bool {
			var se *StatusError
			return err == nil || (errors.As(err, &se) && se.Status < http.StatusInternalServerError)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("circuit breaker state",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		log:     log,
	}
}

// HistoryURL returns the endpoint holding a conversation's messages.
func (c *Client) HistoryURL(conversationID string) (string, error) {
	id := conversation.Canonicalize(conversationID)
	switch conversation.TypeOf(id) {
	case conversation.TypeProject:
		pid, _ := conversation.ProjectID(id)
		return c.cfg.MessagesURL + "/messages?projectId=" + url.QueryEscape(pid), nil
	case conversation.TypeDM:
		return c.cfg.MessagesURL + "/messages/threads/" + url.PathEscape(id) + "/messages", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedConversation, conversationID)
	}
}

// Fetch implements history.Fetcher.
func (c *Client) Fetch(ctx context.Context, conversationID string) ([]model.Message, error) {
	return c.FetchMessages(ctx, conversationID)
}

// FetchMessages loads a conversation's history. A 429 answer is retried with
// exponentially growing delays; any other failure is returned immediately.
func (c *Client) FetchMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	endpoint, err := c.HistoryURL(conversationID)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.Tracer("api").Start(ctx, "api.FetchMessages")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.id", conversationID))

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.RateLimitBackoff
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	var body []byte
	attempt := 0
	op := func() error {
		attempt++
		data, err := c.do(ctx, http.MethodGet, endpoint, nil)
		if err == nil {
			body = data
			return nil
		}
		var se *StatusError
		if errors.As(err, &se) && se.Status == http.StatusTooManyRequests {
			c.log.Warn("history fetch rate limited, backing off",
				zap.String("conversation_id", conversationID),
				zap.Int("attempt", attempt),
			)
			return fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
		return backoff.Permanent(err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.cfg.RateLimitRetries)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to fetch messages for %s: %w", conversationID, err)
	}

	msgs, err := decodeMessages(body)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	for i := range msgs {
		if msgs[i].ConversationID == "" {
			msgs[i].ConversationID = conversation.Canonicalize(conversationID)
		}
		msgs[i] = msgs[i].WithInferredState()
	}
	span.SetAttributes(attribute.Int("messages.count", len(msgs)))
	return msgs, nil
}

// UpdateProject sends a partial project update. Its signature matches
// coalesce.WriteFunc; callers go through the coalescing queue.
func (c *Client) UpdateProject(ctx context.Context, projectID string, payload map[string]any) error {
	ctx, span := tracing.Tracer("api").Start(ctx, "api.UpdateProject")
	defer span.End()
	span.SetAttributes(attribute.String("project.id", projectID))

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal project update: %w", err)
	}

	endpoint := c.cfg.ProjectsURL + "/projects/" + url.PathEscape(projectID)
	if _, err := c.do(ctx, http.MethodPatch, endpoint, data); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to update project %s: %w", projectID, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &StatusError{Method: method, URL: endpoint, Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
		}
		return data, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	}
	if err != nil {
		return nil, err
	}
	data, _ := out.([]byte)
	return data, nil
}

// decodeMessages accepts a bare array or an object wrapping it in messages, items or
// Items. Empty bodies and unknown shapes decode to no messages.
func decodeMessages(body []byte) ([]model.Message, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var msgs []model.Message
		if err := json.Unmarshal(trimmed, &msgs); err != nil {
			return nil, fmt.Errorf("failed to decode messages: %w", err)
		}
		return msgs, nil
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &wrapper); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	for _, key := range []string{"messages", "items", "Items"} {
		raw, ok := wrapper[key]
		if !ok || len(raw) == 0 || raw[0] != '[' {
			continue
		}
		var msgs []model.Message
		if err := json.Unmarshal(raw, &msgs); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", key, err)
		}
		return msgs, nil
	}
	return nil, nil
}
