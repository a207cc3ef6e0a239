package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/jpalmerr/vidiboard/internal/protocol"
	"github.com/jpalmerr/vidiboard/internal/session"
)

const (
	DefaultMaxAttempts = 5
	DefaultBackoff     = time.Second
)

// ErrDashboardClosed is returned by [Follower.Run] when the service ends
// the session because the dashboard is gone.
var ErrDashboardClosed = errors.New("dashboard closed by server")

// Follower keeps a viewer session open, reconnecting after transport
// failures.
//
// After a reconnect the follower presents the last seq it received, so the
// service answers with a full snapshot before resuming live events. Retries
// are capped; the delay before attempt n is Backoff*n.
type Follower struct {
	// URL is the session endpoint, see [Client.WebSocketURL].
	URL string

	// MaxAttempts caps consecutive failed connection attempts.
	MaxAttempts int
	Backoff     time.Duration

	// Handle receives every server message in order.
	Handle func(protocol.Message)

	Logger *slog.Logger

	lastSeq  uint64
	haveSeq  bool
	attempts int
}

// LastSeq returns the seq of the most recent message received.
func (f *Follower) LastSeq() (uint64, bool) { return f.lastSeq, f.haveSeq }

// Run follows until ctx is done, the dashboard is deleted or the retry
// budget is exhausted. Cancellation returns nil.
func (f *Follower) Run(ctx context.Context) error {
	maxAttempts := f.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	backoff := f.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}

	for {
		err := f.session(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrDashboardClosed):
			return err
		}

		f.attempts++
		if f.attempts >= maxAttempts {
			return fmt.Errorf("%w: giving up after %d attempts: %v", session.ErrConnection, f.attempts, err)
		}

		delay := backoff * time.Duration(f.attempts)
		logger.Warn("session lost, reconnecting",
			"attempt", f.attempts,
			"delay", delay.String(),
			"error", err,
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

var errServerClosed = errors.New("server closed the session")

// session runs one connection until it ends. It always returns an error.
func (f *Follower) session(ctx context.Context) error {
	target, err := f.target()
	if err != nil {
		return err
	}

	conn, _, err := session.Dial(ctx, target, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// unblock the read when ctx ends
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	greeted := false
	var lastError string
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if session.IsNormalClose(err) {
				if lastError != "" {
					return fmt.Errorf("%w: %s", ErrDashboardClosed, lastError)
				}
				return errServerClosed
			}
			return err
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("invalid server message: %w", err)
		}

		if !greeted {
			if msg.Type != protocol.TypeConnected {
				// the service refuses unknown dashboards before greeting
				return fmt.Errorf("%w: %s", ErrDashboardClosed, msg.Message)
			}
			greeted = true
			f.attempts = 0
		}

		if msg.Type == protocol.TypeError {
			lastError = msg.Message
		} else {
			f.lastSeq, f.haveSeq = msg.Seq, true
		}
		if f.Handle != nil {
			f.Handle(msg)
		}
	}
}

func (f *Follower) target() (string, error) {
	u, err := url.Parse(f.URL)
	if err != nil {
		return "", fmt.Errorf("invalid follow URL: %w", err)
	}
	if f.haveSeq {
		q := u.Query()
		q.Set("last_seq", strconv.FormatUint(f.lastSeq, 10))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
