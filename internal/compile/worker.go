package compile

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/google/uuid"
)

// job is a dequeued build.
type job struct {
	key key
	rec *record
	ctx context.Context
	def []byte
}

// work runs one worker until ctx is done.
func (m *Manager) work(ctx context.Context) {
	for {
		j, ok := m.dequeue(ctx)
		if !ok {
			select {
			case <-m.wake:
				continue
			case <-ctx.Done():
				return
			}
		}

		// hand the wake-up on so an idle worker checks the rest of the queue
		m.signal()
		m.run(j)
	}
}

// dequeue takes the oldest runnable key off the queue and marks it
// compiling. Keys whose dashboard already has a compiling record stay
// queued in order; keys whose record is gone or no longer pending are
// dropped.
func (m *Manager) dequeue(ctx context.Context) (job, bool) {
	if ctx.Err() != nil {
		return job{}, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 0; i < len(m.queue); i++ {
		k := m.queue[i]

		d, ok := m.dashboards[k.id]
		var rec *record
		if ok {
			rec = d.builds[k.hash]
		}
		if rec == nil || rec.stale || rec.snap.Status != StatusPending {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			i--
			continue
		}
		if d.active != "" || d.purging > 0 {
			continue
		}

		m.queue = append(m.queue[:i], m.queue[i+1:]...)

		buildCtx, cancel := context.WithTimeout(ctx, m.cfg.BuildTimeout)
		rec.cancel = cancel
		rec.snap.Status = StatusCompiling
		rec.snap.UpdatedAt = m.clock.Now()
		d.active = k.hash
		m.notifyLocked(rec.snap)

		return job{key: k, rec: rec, ctx: buildCtx, def: rec.def}, true
	}
	return job{}, false
}

func (m *Manager) run(j job) {
	m.emit([]Snapshot{m.snapshotOf(j.rec)})

	m.logger.Info("compiling dashboard",
		"dashboard_id", j.key.id,
		"hash", j.key.hash,
	)

	art, err := m.safeBuild(j.ctx, BuildRequest{
		DashboardID: j.key.id,
		Hash:        j.key.hash,
		Definition:  j.def,
	})
	buildErr := j.ctx.Err()
	j.rec.cancel()

	m.mu.Lock()
	d, ok := m.dashboards[j.key.id]

	// superseded, invalidated or recompiled while running
	if !ok || j.rec.stale || d.builds[j.key.hash] != j.rec {
		m.mu.Unlock()
		m.logger.Info("discarding superseded build result",
			"dashboard_id", j.key.id,
			"hash", j.key.hash,
		)
		// the id stays busy until the result is gone, so a newer build of
		// the same hash cannot be writing the same artifact
		if err == nil && !art.Fallback {
			m.discard(j.key.id, []Artifact{art})
		}
		m.finish(j.key)
		return
	}
	if d.active == j.key.hash {
		d.active = ""
	}

	snap := &j.rec.snap
	snap.UpdatedAt = m.clock.Now()
	switch {
	case err == nil:
		snap.Status = StatusReady
		snap.Artifact = &art
		snap.Error = ""
	case errors.Is(err, ErrBuilderUnavailable) && m.cfg.Fallback != nil:
		fallback := *m.cfg.Fallback
		fallback.Fallback = true
		snap.Status = StatusReady
		snap.Artifact = &fallback
		snap.Error = ""
	case errors.Is(buildErr, context.DeadlineExceeded):
		snap.Status = StatusFailed
		snap.Artifact = nil
		snap.Error = fmt.Sprintf("build timed out after %s", m.cfg.BuildTimeout)
	default:
		snap.Status = StatusFailed
		snap.Artifact = nil
		snap.Error = err.Error()
	}
	j.rec.def = nil
	m.notifyLocked(*snap)
	result := *snap
	m.mu.Unlock()

	if result.Status == StatusFailed {
		m.logger.Warn("compilation failed",
			"dashboard_id", result.DashboardID,
			"hash", result.Hash,
			"error", result.Error,
		)
	} else {
		m.logger.Info("compilation finished",
			"dashboard_id", result.DashboardID,
			"hash", result.Hash,
			"ref", result.Artifact.Ref,
			"fallback", result.Artifact.Fallback,
		)
	}

	m.emit([]Snapshot{result})
	m.signal()
}

// safeBuild calls the builder with panic recovery.
// A panic is logged with its stack and a correlation id, and reported to
// the caller as a build error carrying that id.
func (m *Manager) safeBuild(ctx context.Context, req BuildRequest) (art Artifact, err error) {
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			m.logger.Error("builder panic",
				"correlation_id", correlationID,
				"dashboard_id", req.DashboardID,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
			art = Artifact{}
			err = fmt.Errorf("builder panic (correlation_id: %s)", correlationID)
		}
	}()
	return m.builder.Build(ctx, req)
}

// finish releases the id's build slot after a discarded result.
func (m *Manager) finish(k key) {
	m.mu.Lock()
	if d, ok := m.dashboards[k.id]; ok {
		if d.active == k.hash {
			d.active = ""
		}
		m.pruneLocked(k.id, d)
	}
	m.mu.Unlock()
	m.signal()
}

func (m *Manager) snapshotOf(rec *record) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return rec.snap
}

// notifyLocked offers snap to the dashboard's watchers. A full watcher
// loses its oldest pending snapshot.
func (m *Manager) notifyLocked(snap Snapshot) {
	for ch := range m.watchers[snap.DashboardID] {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// emit runs the transition hook with panic recovery.
func (m *Manager) emit(events []Snapshot) {
	if m.cfg.OnTransition == nil {
		return
	}
	for _, snap := range events {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("transition hook panic",
						"correlation_id", uuid.NewString(),
						"dashboard_id", snap.DashboardID,
						"panic", fmt.Sprintf("%v", r),
					)
				}
			}()
			m.cfg.OnTransition(snap)
		}()
	}
}

func (m *Manager) discard(id string, arts []Artifact) {
	if len(arts) == 0 {
		return
	}
	d, ok := m.builder.(Discarder)
	if !ok {
		return
	}
	for _, art := range arts {
		if err := d.Discard(context.Background(), id, art); err != nil {
			m.logger.Warn("failed to discard artifact",
				"dashboard_id", id,
				"ref", art.Ref,
				"error", err,
			)
		}
	}
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}
