// Package broadcast fans dashboard mutations out to attached viewers.
//
// Each dashboard id has a channel holding a sequence counter and the set of
// attached subscriptions. Publishing stamps the next seq and appends the
// message to every subscription's queue while the channel lock is held, so
// all subscribers observe the same order and no subscriber sees a gap.
//
// Subscription queues are unbounded up to a cap. A subscriber that falls
// further behind than the cap is terminated with [ErrSlowConsumer] rather
// than silently losing events.
package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/jpalmerr/vidiboard/internal/protocol"
)

const (
	// DefaultMaxPending is the per-subscription queue cap.
	DefaultMaxPending = 4096

	// maxRetired bounds the closed ids remembered for [Broadcaster.Reopen].
	maxRetired = 4096
)

var (
	// ErrChannelClosed is returned once a dashboard's channel has been torn
	// down, typically because the dashboard was deleted.
	ErrChannelClosed = errors.New("channel closed")

	// ErrSlowConsumer terminates a subscription whose queue overflowed.
	ErrSlowConsumer = errors.New("subscriber too slow")

	// ErrDetached is returned by a subscription after Detach.
	ErrDetached = errors.New("subscription detached")
)

// Broadcaster owns the per-dashboard channels.
//
// Channels are created on first use and retained, with their counters,
// after the last subscriber leaves. They are removed only by Close.
//
// A closed id stays closed: Publish returns [ErrChannelClosed] and Attach
// returns an ended subscription until [Broadcaster.Reopen] is called. A
// reopened channel resumes from the old counter. Only the most recent
// closed ids are remembered; an id that has aged out starts a new channel
// on its next use.
type Broadcaster struct {
	mu           sync.Mutex
	channels     map[string]*channel
	retired      map[string]retiredChannel
	retiredOrder []retiredKey
	generation   uint64
	maxPending   int
	logger       *slog.Logger
}

type retiredChannel struct {
	seq uint64
	gen uint64
}

type retiredKey struct {
	id  string
	gen uint64
}

type channel struct {
	mu     sync.Mutex
	id     string
	seq    uint64
	subs   map[*Subscription]struct{}
	closed bool
}

// New creates a Broadcaster. maxPending <= 0 selects [DefaultMaxPending].
func New(logger *slog.Logger, maxPending int) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Broadcaster{
		channels:   make(map[string]*channel),
		retired:    make(map[string]retiredChannel),
		maxPending: maxPending,
		logger:     logger,
	}
}

// channel returns the live channel for id, creating it if needed. A closed
// id yields ErrChannelClosed and its last seq.
func (b *Broadcaster) channel(id string) (*channel, uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.channels[id]; ok {
		return ch, 0, nil
	}
	if r, ok := b.retired[id]; ok {
		return nil, r.seq, ErrChannelClosed
	}
	ch := &channel{id: id, subs: make(map[*Subscription]struct{})}
	b.channels[id] = ch
	return ch, 0, nil
}

// Reopen makes a closed id usable again, resuming its counter. It is a
// no-op for an id that is open or unknown.
func (b *Broadcaster) Reopen(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.retired[id]
	if !ok {
		return
	}
	delete(b.retired, id)
	if _, live := b.channels[id]; !live {
		b.channels[id] = &channel{id: id, seq: r.seq, subs: make(map[*Subscription]struct{})}
	}
}

// retireLocked remembers id as closed at seq, forgetting the oldest
// closed ids beyond maxRetired.
func (b *Broadcaster) retireLocked(id string, seq uint64) {
	b.generation++
	b.retired[id] = retiredChannel{seq: seq, gen: b.generation}
	b.retiredOrder = append(b.retiredOrder, retiredKey{id: id, gen: b.generation})

	for len(b.retiredOrder) > maxRetired {
		oldest := b.retiredOrder[0]
		b.retiredOrder[0] = retiredKey{}
		b.retiredOrder = b.retiredOrder[1:]
		if r, ok := b.retired[oldest.id]; ok && r.gen == oldest.gen {
			delete(b.retired, oldest.id)
		}
	}
}

// Publish stamps msg with the next seq for id and enqueues it to every
// attached subscription. It returns the assigned seq.
//
// Publishing to a channel with no subscribers still consumes a seq.
// Publishing to a closed id returns [ErrChannelClosed].
func (b *Broadcaster) Publish(id string, msg protocol.Message) (uint64, error) {
	ch, _, err := b.channel(id)
	if err != nil {
		return 0, err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return 0, ErrChannelClosed
	}

	ch.seq++
	msg.Seq = ch.seq

	for sub := range ch.subs {
		if !sub.enqueue(msg, b.maxPending) {
			delete(ch.subs, sub)
			b.logger.Warn("dropping slow subscriber",
				"dashboard_id", id,
				"session_id", sub.id,
				"seq", msg.Seq,
			)
		}
	}
	return msg.Seq, nil
}

// Attach registers a new subscription on id's channel. Attaching never
// replays history: the subscription receives only events published after
// the seq reported by [Subscription.Attached].
//
// Attaching to a closed id returns a subscription that has already ended
// with [ErrChannelClosed].
func (b *Broadcaster) Attach(id string) *Subscription {
	for {
		ch, seq, err := b.channel(id)
		if err != nil {
			return b.endedSubscription(id, seq, err)
		}

		ch.mu.Lock()
		if ch.closed {
			// lost a race with Close; the next lookup sees the id retired
			ch.mu.Unlock()
			continue
		}
		sub := &Subscription{
			id:       uuid.NewString(),
			ch:       ch,
			attached: ch.seq,
			notify:   make(chan struct{}, 1),
		}
		ch.subs[sub] = struct{}{}
		ch.mu.Unlock()
		return sub
	}
}

func (b *Broadcaster) endedSubscription(id string, seq uint64, err error) *Subscription {
	return &Subscription{
		id:       uuid.NewString(),
		ch:       &channel{id: id, seq: seq, subs: make(map[*Subscription]struct{}), closed: true},
		attached: seq,
		err:      err,
		notify:   make(chan struct{}, 1),
	}
}

// Detach removes sub from its channel. Pending messages are discarded and
// further calls to Next return [ErrDetached]. Safe to call more than once.
func (b *Broadcaster) Detach(sub *Subscription) {
	ch := sub.ch

	ch.mu.Lock()
	delete(ch.subs, sub)
	ch.mu.Unlock()

	sub.terminate(ErrDetached, true)
}

// Resync enqueues a message for sub alone. build is called with the
// channel's current seq while the channel is locked, so no published event
// can interleave between the snapshot and the events that follow it.
func (b *Broadcaster) Resync(sub *Subscription, build func(seq uint64) (protocol.Message, error)) error {
	ch := sub.ch

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return ErrChannelClosed
	}
	if _, ok := ch.subs[sub]; !ok {
		if err := sub.Err(); err != nil {
			return err
		}
		return ErrDetached
	}

	msg, err := build(ch.seq)
	if err != nil {
		return err
	}
	if !sub.enqueue(msg, b.maxPending) {
		delete(ch.subs, sub)
		return ErrSlowConsumer
	}
	return nil
}

// Send enqueues a non-mutation message for sub, stamped with the channel's
// current seq.
func (b *Broadcaster) Send(sub *Subscription, msg protocol.Message) error {
	return b.Resync(sub, func(seq uint64) (protocol.Message, error) {
		msg.Seq = seq
		return msg, nil
	})
}

// Close tears down id's channel. Every subscription receives a terminal
// error event carrying reason and then ends with [ErrChannelClosed].
// Closing an id without a channel only marks it closed.
func (b *Broadcaster) Close(id, reason string) {
	b.mu.Lock()
	ch, ok := b.channels[id]
	if !ok {
		if _, closed := b.retired[id]; !closed {
			b.retireLocked(id, 0)
		}
		b.mu.Unlock()
		return
	}
	delete(b.channels, id)

	ch.mu.Lock()
	b.retireLocked(id, ch.seq)
	b.mu.Unlock()

	ch.closed = true
	subs := ch.subs
	ch.subs = make(map[*Subscription]struct{})
	seq := ch.seq
	ch.mu.Unlock()

	for sub := range subs {
		sub.enqueue(protocol.Error(seq, reason), 0)
		sub.terminate(ErrChannelClosed, false)
	}

	b.logger.Debug("channel closed",
		"dashboard_id", id,
		"sessions", len(subs),
		"seq", seq,
	)
}

// CloseAll closes every channel with the same reason.
func (b *Broadcaster) CloseAll(reason string) {
	b.mu.Lock()
	ids := make([]string, 0, len(b.channels))
	for id := range b.channels {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.Close(id, reason)
	}
}

// Sessions returns the number of subscriptions attached to id.
func (b *Broadcaster) Sessions(id string) int {
	b.mu.Lock()
	ch, ok := b.channels[id]
	b.mu.Unlock()
	if !ok {
		return 0
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.subs)
}

// Active reports whether id has at least one attached subscription.
func (b *Broadcaster) Active(id string) bool {
	return b.Sessions(id) > 0
}

// Seq returns the last seq published on id, or 0 if none.
func (b *Broadcaster) Seq(id string) uint64 {
	b.mu.Lock()
	ch, ok := b.channels[id]
	if !ok {
		seq := b.retired[id].seq
		b.mu.Unlock()
		return seq
	}
	b.mu.Unlock()

	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.seq
}

// Subscription is one consumer's ordered view of a channel.
type Subscription struct {
	id       string
	ch       *channel
	attached uint64

	mu     sync.Mutex
	queue  []protocol.Message
	err    error
	notify chan struct{}
}

// ID returns the subscription's unique id.
func (s *Subscription) ID() string { return s.id }

// DashboardID returns the id of the channel the subscription is attached to.
func (s *Subscription) DashboardID() string { return s.ch.id }

// Attached returns the channel's seq at the time of attachment.
func (s *Subscription) Attached() uint64 { return s.attached }

// Seq returns the last seq published on the subscription's channel.
func (s *Subscription) Seq() uint64 {
	s.ch.mu.Lock()
	defer s.ch.mu.Unlock()
	return s.ch.seq
}

// Err returns the terminal error, if any.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Pending returns the number of queued messages.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Next blocks until a message is available, the subscription terminates
// or ctx is done. Queued messages are delivered before a terminal error
// unless the subscription was detached or overflowed.
func (s *Subscription) Next(ctx context.Context) (protocol.Message, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			msg := s.queue[0]
			s.queue[0] = protocol.Message{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return msg, nil
		}
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return protocol.Message{}, err
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return protocol.Message{}, ctx.Err()
		}
	}
}

// enqueue appends msg and reports whether the subscription is still live.
// limit <= 0 disables the cap.
func (s *Subscription) enqueue(msg protocol.Message, limit int) bool {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return false
	}
	if limit > 0 && len(s.queue) >= limit {
		s.queue = nil
		s.err = ErrSlowConsumer
		s.mu.Unlock()
		s.wake()
		return false
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()
	s.wake()
	return true
}

func (s *Subscription) terminate(err error, discard bool) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	if discard {
		s.queue = nil
	}
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
