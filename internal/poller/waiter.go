package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/jpalmerr/vidiboard/internal/compile"
)

const (
	DefaultPollInterval = time.Second
	DefaultMaxPolls     = 120
)

// Waiter blocks until a dashboard's artifact is ready by polling its
// compile status at a fixed interval, at most MaxPolls times.
type Waiter struct {
	client   *Client
	interval time.Duration
	maxPolls int

	// OnPoll, when set, observes every status read.
	OnPoll func(CompileStatus)
}

// NewWaiter creates a [Waiter]. Non-positive values select the defaults of
// one poll per second for at most 120 polls.
func NewWaiter(client *Client, interval time.Duration, maxPolls int) *Waiter {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if maxPolls <= 0 {
		maxPolls = DefaultMaxPolls
	}
	return &Waiter{client: client, interval: interval, maxPolls: maxPolls}
}

// Wait requests the artifact and polls until the build settles.
//
// A ready status is returned as is. A failed build returns an error wrapping
// compile.ErrCompilationFailed with the build's detail; running out of polls
// returns compile.ErrCompilationTimeout with the last status observed.
func (w *Waiter) Wait(ctx context.Context, id string) (CompileStatus, error) {
	status, err := w.client.RequestArtifact(ctx, id)
	if err != nil {
		return status, err
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for polls := 1; ; polls++ {
		if w.OnPoll != nil {
			w.OnPoll(status)
		}

		switch status.Status {
		case compile.StatusReady:
			return status, nil
		case compile.StatusFailed:
			return status, fmt.Errorf("%w: %s", compile.ErrCompilationFailed, status.Error)
		}

		if polls >= w.maxPolls {
			return status, fmt.Errorf("%w after %d polls (last status %s)", compile.ErrCompilationTimeout, polls, status.Status)
		}

		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}

		if status, err = w.client.CompileStatus(ctx, id); err != nil {
			return status, err
		}
	}
}
