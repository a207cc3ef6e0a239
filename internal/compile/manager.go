// Package compile drives dashboard definitions through an external build
// step and tracks the resulting artifacts.
//
// Compilation records are keyed by (dashboard id, definition hash) and move
// through pending, compiling and then ready or failed. The [Manager]
// guarantees single-flight per key, at most one compiling record per
// dashboard, and that results of superseded builds are discarded.
package compile

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jpalmerr/vidiboard/internal/clock"
)

const (
	// DefaultWorkers is the default size of the build pool.
	DefaultWorkers = 2

	// DefaultBuildTimeout bounds a single build.
	DefaultBuildTimeout = 10 * time.Minute

	watchBuffer = 16
)

// Config configures a [Manager].
type Config struct {
	// Workers is the number of concurrent builds. Defaults to DefaultWorkers.
	Workers int

	// BuildTimeout bounds each build. Defaults to DefaultBuildTimeout.
	BuildTimeout time.Duration

	// Fallback, when set, is served as a ready artifact if the builder
	// reports ErrBuilderUnavailable.
	Fallback *Artifact

	// OnTransition is called after every state change, outside the
	// manager's lock. It must not block for long.
	OnTransition func(Snapshot)

	Logger *slog.Logger
	Clock  clock.Clock
}

type key struct {
	id   string
	hash string
}

// record is one (id, hash) compilation.
type record struct {
	snap   Snapshot
	def    json.RawMessage
	cancel context.CancelFunc
	refs   int
	stale  bool
	gone   bool // artifact already handed to Discard
}

// dashboard groups the records of one id.
//
// After Invalidate the entry lingers with no records until the build still
// running for the old dashboard has returned and its artifacts are purged;
// no new build for the id starts before then.
type dashboard struct {
	current string
	active  string // hash of the compiling record, if any
	purging int
	builds  map[string]*record
}

// Manager schedules builds on a bounded worker pool.
//
// Requests made before Start are queued and run once workers start.
// All methods are safe for concurrent use.
type Manager struct {
	builder Builder
	source  Source
	cfg     Config
	logger  *slog.Logger
	clock   clock.Clock

	mu         sync.Mutex
	dashboards map[string]*dashboard
	queue      []key
	watchers   map[string]map[chan Snapshot]struct{}

	wake chan struct{}

	lifecycle sync.Mutex
	started   bool
	stopped   bool
	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
}

// NewManager creates a [Manager]. It does not start any workers.
func NewManager(builder Builder, source Source, cfg Config) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = DefaultBuildTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Manager{
		builder:    builder,
		source:     source,
		cfg:        cfg,
		logger:     cfg.Logger,
		clock:      cfg.Clock,
		dashboards: make(map[string]*dashboard),
		watchers:   make(map[string]map[chan Snapshot]struct{}),
		wake:       make(chan struct{}, 1),
	}
}

// Start launches the worker pool. It is non-blocking and idempotent; after
// Stop it is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.started || m.stopped {
		return
	}
	m.started = true

	if ctx == nil {
		ctx = context.Background()
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.group, _ = errgroup.WithContext(m.ctx)

	workerCtx := m.ctx
	for i := 0; i < m.cfg.Workers; i++ {
		m.group.Go(func() error {
			m.work(workerCtx)
			return nil
		})
	}
	m.signal()
}

// Stop cancels in-flight builds and waits for the workers to exit.
// Stop is idempotent and safe to call before Start.
func (m *Manager) Stop() {
	m.lifecycle.Lock()
	if m.stopped {
		m.lifecycle.Unlock()
		return
	}
	m.stopped = true
	if m.cancel != nil {
		m.cancel()
	}
	group := m.group
	m.lifecycle.Unlock()

	if group != nil {
		group.Wait()
	}
}

// Request returns the compilation state of the dashboard's current
// definition, scheduling a build when none is usable.
//
// A ready record is returned as is. A pending or compiling record is
// returned without scheduling a second build. A failed record, a fallback
// artifact, or no record at all results in a new pending build.
func (m *Manager) Request(ctx context.Context, id string) (Snapshot, error) {
	hash, def, err := m.source.Current(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}

	m.mu.Lock()
	d := m.dashboardLocked(id)
	discards := m.supersedeLocked(id, d, hash)

	rec := d.builds[hash]
	var events []Snapshot
	switch {
	case rec != nil && rec.snap.Status == StatusReady && !rec.snap.Artifact.Fallback:
	case rec != nil && (rec.snap.Status == StatusPending || rec.snap.Status == StatusCompiling):
	default:
		rec = m.scheduleLocked(id, d, hash, def)
		events = append(events, rec.snap)
	}
	snap := rec.snap
	m.mu.Unlock()

	m.discard(id, discards)
	m.emit(events)
	return snap, nil
}

// Status returns the state of the dashboard's current definition without
// scheduling anything. A hash that was never requested reports pending with
// Scheduled false.
func (m *Manager) Status(ctx context.Context, id string) (Snapshot, error) {
	hash, _, err := m.source.Current(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if d, ok := m.dashboards[id]; ok {
		if rec, ok := d.builds[hash]; ok {
			return rec.snap, nil
		}
	}
	return Snapshot{
		DashboardID: id,
		Hash:        hash,
		Status:      StatusPending,
		UpdatedAt:   m.clock.Now(),
	}, nil
}

// Recompile forces a new build of the current definition. If a build for
// that hash is already pending or compiling, it is returned instead.
func (m *Manager) Recompile(ctx context.Context, id string) (Snapshot, error) {
	hash, def, err := m.source.Current(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}

	m.mu.Lock()
	d := m.dashboardLocked(id)
	discards := m.supersedeLocked(id, d, hash)

	rec := d.builds[hash]
	var events []Snapshot
	if rec == nil || rec.snap.Status.Terminal() {
		rec = m.scheduleLocked(id, d, hash, def)
		events = append(events, rec.snap)
	}
	snap := rec.snap
	m.mu.Unlock()

	m.discard(id, discards)
	m.emit(events)
	return snap, nil
}

// MarkStale records currentHash as the dashboard's definition. Records of
// any other hash are superseded: a compiling build is cancelled and its
// result dropped, and ready artifacts are discarded once unreferenced.
func (m *Manager) MarkStale(id, currentHash string) {
	m.mu.Lock()
	d := m.dashboardLocked(id)
	discards := m.supersedeLocked(id, d, currentHash)
	m.mu.Unlock()

	m.discard(id, discards)
	m.signal()
}

// Invalidate forgets every record of the dashboard and cancels its
// in-flight build. Watchers of the dashboard are closed.
//
// A dashboard published again under the same id is not built until the
// cancelled build has returned and the old artifacts are gone.
func (m *Manager) Invalidate(id string) {
	m.mu.Lock()
	d := m.dashboardLocked(id)

	var discards []Artifact
	for _, rec := range d.builds {
		rec.stale = true
		if rec.cancel != nil {
			rec.cancel()
		}
		if rec.snap.Status == StatusReady && !rec.snap.Artifact.Fallback && !rec.gone {
			rec.gone = true
			discards = append(discards, *rec.snap.Artifact)
		}
	}
	d.builds = make(map[string]*record)
	d.current = ""
	d.purging++

	for ch := range m.watchers[id] {
		close(ch)
	}
	delete(m.watchers, id)
	m.mu.Unlock()

	m.discard(id, discards)
	if p, ok := m.builder.(Purger); ok {
		if err := p.Purge(context.Background(), id); err != nil {
			m.logger.Warn("failed to purge artifacts", "dashboard_id", id, "error", err)
		}
	}

	m.mu.Lock()
	d.purging--
	m.pruneLocked(id, d)
	m.mu.Unlock()
	m.signal()
}

// Retain marks a ready artifact as in use. A superseded artifact is kept
// until every holder has called the returned release func. Retaining a
// record that is not ready is a no-op.
func (m *Manager) Retain(id, hash string) (release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.dashboards[id]
	if !ok {
		return func() {}
	}
	rec, ok := d.builds[hash]
	if !ok || rec.snap.Status != StatusReady {
		return func() {}
	}
	rec.refs++

	var once sync.Once
	return func() {
		once.Do(func() { m.release(id, hash, rec) })
	}
}

func (m *Manager) release(id, hash string, rec *record) {
	m.mu.Lock()
	rec.refs--
	var discards []Artifact
	if rec.refs <= 0 && rec.stale {
		if d, ok := m.dashboards[id]; ok && d.builds[hash] == rec {
			delete(d.builds, hash)
		}
		if rec.snap.Artifact != nil && !rec.snap.Artifact.Fallback && !rec.gone {
			rec.gone = true
			discards = append(discards, *rec.snap.Artifact)
		}
	}
	m.mu.Unlock()

	m.discard(id, discards)
}

// Watch returns a channel of state transitions for the dashboard. Slow
// readers lose older snapshots, never the newest. The channel is closed by
// cancel or when the dashboard is invalidated.
func (m *Manager) Watch(id string) (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, watchBuffer)

	m.mu.Lock()
	if m.watchers[id] == nil {
		m.watchers[id] = make(map[chan Snapshot]struct{})
	}
	m.watchers[id][ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if _, ok := m.watchers[id][ch]; ok {
				delete(m.watchers[id], ch)
				if len(m.watchers[id]) == 0 {
					delete(m.watchers, id)
				}
				close(ch)
			}
		})
	}
	return ch, cancel
}

func (m *Manager) dashboardLocked(id string) *dashboard {
	d, ok := m.dashboards[id]
	if !ok {
		d = &dashboard{builds: make(map[string]*record)}
		m.dashboards[id] = d
	}
	return d
}

// pruneLocked drops an invalidated entry once nothing refers to it.
func (m *Manager) pruneLocked(id string, d *dashboard) {
	if d.active != "" || d.purging > 0 || d.current != "" || len(d.builds) > 0 {
		return
	}
	if m.dashboards[id] == d {
		delete(m.dashboards, id)
	}
}

// supersedeLocked makes hash the current definition of d and retires every
// other record. It returns artifacts that can be discarded now.
func (m *Manager) supersedeLocked(id string, d *dashboard, hash string) []Artifact {
	if d.current == hash {
		return nil
	}
	d.current = hash

	var discards []Artifact
	for h, rec := range d.builds {
		if h == hash {
			// a retained artifact can become current again
			rec.stale = false
			continue
		}
		rec.stale = true
		switch rec.snap.Status {
		case StatusCompiling:
			rec.cancel()
			delete(d.builds, h)
			m.logger.Info("cancelled superseded build", "dashboard_id", id, "hash", h)
		case StatusReady:
			if rec.refs > 0 {
				continue
			}
			delete(d.builds, h)
			if !rec.snap.Artifact.Fallback && !rec.gone {
				rec.gone = true
				discards = append(discards, *rec.snap.Artifact)
			}
		default:
			delete(d.builds, h)
		}
	}
	return discards
}

func (m *Manager) scheduleLocked(id string, d *dashboard, hash string, def json.RawMessage) *record {
	rec, ok := d.builds[hash]
	if !ok {
		rec = &record{}
		d.builds[hash] = rec
	}
	rec.snap = Snapshot{
		DashboardID: id,
		Hash:        hash,
		Status:      StatusPending,
		Scheduled:   true,
		UpdatedAt:   m.clock.Now(),
	}
	rec.def = def
	m.queue = append(m.queue, key{id: id, hash: hash})
	m.notifyLocked(rec.snap)
	m.signal()
	return rec
}
