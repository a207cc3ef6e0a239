// Package session runs one viewer connection against a dashboard channel.
//
// A session attaches to the dashboard's broadcast channel, greets the viewer
// with its current seq, forwards every published event in order from a
// single writer and answers get_state and sync requests with a snapshot
// stamped at the channel position.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jpalmerr/vidiboard/internal/broadcast"
	"github.com/jpalmerr/vidiboard/internal/protocol"
)

const (
	DefaultPingInterval = 25 * time.Second
	DefaultReadTimeout  = 60 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

// ErrConnection reports a transport failure that ended a session.
var ErrConnection = errors.New("connection lost")

// Hub is the session's view of the lifecycle service.
type Hub interface {
	// Attach subscribes to the dashboard's channel. It fails if the
	// dashboard does not exist.
	Attach(ctx context.Context, dashboardID string) (*broadcast.Subscription, error)

	// Detach releases everything Attach acquired.
	Detach(sub *broadcast.Subscription)

	// Resync enqueues a full snapshot for sub, stamped at the channel's
	// current seq.
	Resync(ctx context.Context, sub *broadcast.Subscription) error

	// Send enqueues a non-mutation message for sub alone.
	Send(sub *broadcast.Subscription, msg protocol.Message) error
}

// State is the lifecycle position of a session.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Config tunes keepalive and timeouts. Zero values select the defaults.
type Config struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// LastSeq is the position the viewer already holds, when reconnecting.
	// A non-nil LastSeq triggers an immediate snapshot after the greeting.
	LastSeq *uint64

	Logger *slog.Logger
}

// Session is one viewer connection.
type Session struct {
	id          string
	dashboardID string
	conn        Conn
	hub         Hub
	cfg         Config
	logger      *slog.Logger

	state     atomic.Int32
	resyncing atomic.Bool
}

// New creates a session in the Connecting state. Call Run to serve it.
func New(conn Conn, hub Hub, dashboardID string, cfg Config) *Session {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	id := uuid.NewString()
	return &Session{
		id:          id,
		dashboardID: dashboardID,
		conn:        conn,
		hub:         hub,
		cfg:         cfg,
		logger: cfg.Logger.With(
			"session_id", id,
			"dashboard_id", dashboardID,
		),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Resyncing reports whether a requested snapshot has not been written yet.
func (s *Session) Resyncing() bool { return s.resyncing.Load() }

// Run serves the session until the viewer leaves, the transport fails, the
// dashboard's channel closes or ctx is done. The connection is closed when
// Run returns. A nil error means an orderly close.
func (s *Session) Run(ctx context.Context) error {
	defer s.state.Store(int32(StateClosed))
	defer s.conn.Close()

	sub, err := s.hub.Attach(ctx, s.dashboardID)
	if err != nil {
		s.conn.WriteJSON(protocol.Error(0, err.Error()), s.cfg.WriteTimeout)
		s.conn.WriteClose(websocket.ClosePolicyViolation, "unknown dashboard", s.cfg.WriteTimeout)
		return err
	}
	defer func() {
		s.state.Store(int32(StateClosing))
		s.hub.Detach(sub)
	}()

	s.state.Store(int32(StateOpen))
	s.logger.Info("session opened", "remote_addr", s.conn.RemoteAddr(), "seq", sub.Attached())

	// nothing else writes before the forwarder starts
	if err := s.conn.WriteJSON(protocol.Connected(s.dashboardID, sub.Attached()), s.cfg.WriteTimeout); err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	if s.cfg.LastSeq != nil {
		s.logger.Debug("reconnect resync", "last_seq", *s.cfg.LastSeq)
		s.requestResync(ctx, sub)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErr := make(chan error, 1)
	go func() {
		readErr <- s.readLoop(ctx, sub)
		cancel()
	}()
	go s.pingLoop(ctx)

	err = s.forward(ctx, sub)

	select {
	case rerr := <-readErr:
		if err == nil || errors.Is(err, context.Canceled) {
			err = rerr
		}
	default:
	}

	s.logger.Info("session closed", "error", err)
	return err
}

// forward writes queued events until the subscription or ctx ends.
func (s *Session) forward(ctx context.Context, sub *broadcast.Subscription) error {
	for {
		msg, err := sub.Next(ctx)
		switch {
		case err == nil:
		case errors.Is(err, broadcast.ErrChannelClosed):
			s.conn.WriteClose(websocket.CloseNormalClosure, "dashboard deleted", s.cfg.WriteTimeout)
			return nil
		case errors.Is(err, broadcast.ErrSlowConsumer):
			s.conn.WriteJSON(protocol.Error(sub.Seq(), "subscriber too slow, reconnect to resync"), s.cfg.WriteTimeout)
			s.conn.WriteClose(websocket.CloseTryAgainLater, "too slow", s.cfg.WriteTimeout)
			return err
		case ctx.Err() != nil:
			s.conn.WriteClose(websocket.CloseGoingAway, "", s.cfg.WriteTimeout)
			return ctx.Err()
		default:
			return err
		}

		if err := s.conn.WriteJSON(msg, s.cfg.WriteTimeout); err != nil {
			return fmt.Errorf("%w: %v", ErrConnection, err)
		}
		if msg.Resync {
			s.resyncing.Store(false)
		}
	}
}

// readLoop handles client frames. It returns nil on a clean close.
func (s *Session) readLoop(ctx context.Context, sub *broadcast.Subscription) error {
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	for {
		data, err := s.conn.ReadMessage()
		if err != nil {
			if IsNormalClose(err) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrConnection, err)
		}
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.logger.Debug("invalid client message", "error", err)
			if sendErr := s.hub.Send(sub, protocol.Error(0, err.Error())); sendErr != nil {
				return nil
			}
			continue
		}

		switch msg.Type {
		case protocol.TypeGetState:
			s.requestResync(ctx, sub)
		case protocol.TypeSync:
			s.logger.Debug("sync requested", "last_seq", *msg.LastSeq)
			s.requestResync(ctx, sub)
		case protocol.TypeAck:
			s.logger.Debug("client ack", "seq", msg.Seq)
		}
	}
}

func (s *Session) requestResync(ctx context.Context, sub *broadcast.Subscription) {
	s.resyncing.Store(true)
	if err := s.hub.Resync(ctx, sub); err != nil {
		s.resyncing.Store(false)
		s.logger.Warn("resync failed", "error", err)
		s.hub.Send(sub, protocol.Error(0, "resync failed: "+err.Error()))
	}
}

func (s *Session) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.conn.WritePing(s.cfg.WriteTimeout); err != nil {
				s.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}
