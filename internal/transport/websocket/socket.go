// Package websocket implements transport.Conn over a gorilla websocket with a redial
// loop acting as the connection manager.
package websocket

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mylg-studio/chatsync/internal/transport"
	"github.com/mylg-studio/chatsync/pkg/logger"
)

const (
	defaultReconnectWait = 2 * time.Second
	defaultWriteTimeout  = 10 * time.Second
	maxFrameSize         = 1 << 20
)

// Options configures a Socket.
type Options struct {
	Header        http.Header
	ReconnectWait time.Duration
	WriteTimeout  time.Duration
	Dialer        *websocket.Dialer
}

// Socket is a self-healing websocket connection.
type Socket struct {
	transport.Listeners

	url  string
	opts Options
	log  *logger.Logger

	mu    sync.Mutex
	conn  *websocket.Conn
	state transport.ReadyState

	writeMu sync.Mutex
	kick    chan struct{}
}

// New creates a socket for url. Call Run to start connecting.
func New(url string, opts Options, log *logger.Logger) *Socket {
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = defaultReconnectWait
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Socket{
		url:   url,
		opts:  opts,
		log:   logger.OrGlobal(log).Named("websocket"),
		state: transport.Connecting,
		kick:  make(chan struct{}, 1),
	}
}

// Run dials, pumps inbound frames and redials until ctx is done.
func (s *Socket) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			s.setState(transport.Closed)
			return ctx.Err()
		}

		s.setState(transport.Connecting)
		conn, _, err := s.opts.Dialer.DialContext(ctx, s.url, s.opts.Header)
		if err != nil {
			s.log.Warn("websocket dial failed", zap.String("url", s.url), zap.Error(err))
			s.setState(transport.Closed)
			if !s.wait(ctx) {
				return ctx.Err()
			}
			continue
		}
		conn.SetReadLimit(maxFrameSize)

		s.mu.Lock()
		s.conn = conn
		s.state = transport.Open
		s.mu.Unlock()
		s.log.Info("websocket connected", zap.String("url", s.url))
		s.Emit(transport.EventOpen, nil)

		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		err = s.readLoop(conn)
		stop()

		s.mu.Lock()
		s.conn = nil
		s.state = transport.Closed
		s.mu.Unlock()
		_ = conn.Close()
		s.Emit(transport.EventClose, nil)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn("websocket disconnected, reconnecting",
			zap.Duration("wait", s.opts.ReconnectWait),
			zap.Error(err),
		)
		if !s.wait(ctx) {
			return ctx.Err()
		}
	}
}

func (s *Socket) readLoop(conn *websocket.Conn) error {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		s.Emit(transport.EventMessage, data)
	}
}

// wait blocks for the reconnect delay, or less when Close asked for a reconnect.
func (s *Socket) wait(ctx context.Context) bool {
	t := time.NewTimer(s.opts.ReconnectWait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.kick:
		return true
	case <-t.C:
		return true
	}
}

// Send writes one text frame.
func (s *Socket) Send(frame []byte) error {
	s.mu.Lock()
	conn, state := s.conn, s.state
	s.mu.Unlock()
	if state != transport.Open || conn == nil {
		return transport.ErrConnNotOpen
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadyState returns the current state.
func (s *Socket) ReadyState() transport.ReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close drops the current connection; Run redials immediately.
func (s *Socket) Close() error {
	s.mu.Lock()
	conn := s.conn
	if conn != nil {
		s.state = transport.Closing
	}
	s.mu.Unlock()

	select {
	case s.kick <- struct{}{}:
	default:
	}
	if conn == nil {
		return nil
	}

	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "reconnecting"),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return conn.Close()
}

// AddEventListener registers l for ev.
func (s *Socket) AddEventListener(ev transport.Event, l transport.Listener) func() {
	return s.Add(ev, l)
}

func (s *Socket) setState(state transport.ReadyState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}
