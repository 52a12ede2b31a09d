package nats

import (
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/mylg-studio/chatsync/internal/transport"
)

// Conn carries envelope frames over core NATS. Outbound frames are published to
// <prefix>.frames.out; inbound frames arrive on <prefix>.inbox.<userID>.
type Conn struct {
	client *Client
	prefix string
	sub    *nats.Subscription
}

// NewConn subscribes to the user's inbox and returns the adapter.
func NewConn(client *Client, prefix, userID string) (*Conn, error) {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	c := &Conn{client: client, prefix: prefix}

	sub, err := client.conn.Subscribe(InboxSubject(prefix, userID), func(msg *nats.Msg) {
		client.events.Emit(transport.EventMessage, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to inbox: %w", err)
	}
	c.sub = sub
	return c, nil
}

// Send publishes one frame.
func (c *Conn) Send(frame []byte) error {
	if c.ReadyState() != transport.Open {
		return transport.ErrConnNotOpen
	}
	if err := c.client.conn.Publish(OutboundSubject(c.prefix), frame); err != nil {
		return fmt.Errorf("failed to publish frame: %w", err)
	}
	return nil
}

// ReadyState maps the NATS connection status.
func (c *Conn) ReadyState() transport.ReadyState {
	return readyState(c.client.conn.Status())
}

// Close forces the client to drop its server connection and reconnect.
func (c *Conn) Close() error {
	if err := c.client.conn.ForceReconnect(); err != nil {
		return fmt.Errorf("failed to force reconnect: %w", err)
	}
	return nil
}

// AddEventListener registers l for ev.
func (c *Conn) AddEventListener(ev transport.Event, l transport.Listener) func() {
	return c.client.events.Add(ev, l)
}

// Unsubscribe stops inbound delivery.
func (c *Conn) Unsubscribe() error {
	if c.sub == nil {
		return nil
	}
	return c.sub.Unsubscribe()
}

func readyState(status nats.Status) transport.ReadyState {
	switch status {
	case nats.CONNECTED:
		return transport.Open
	case nats.CONNECTING, nats.RECONNECTING:
		return transport.Connecting
	case nats.DRAINING_SUBS, nats.DRAINING_PUBS:
		return transport.Closing
	default:
		return transport.Closed
	}
}
