package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

type RegistryConfig struct {
	// MaxSessions caps concurrently live sessions; 0 means unlimited.
	MaxSessions int
	// RetainTerminal is how long a finished session may stay held before
	// Sweep warns about it. Held sessions are never swept.
	RetainTerminal time.Duration
	SweepInterval  time.Duration
}

func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		MaxSessions:    32,
		RetainTerminal: 5 * time.Minute,
		SweepInterval:  30 * time.Second,
	}
}

type registryEntry struct {
	session    *StreamSession
	refs       int
	terminalAt time.Time
	slotHeld   bool
	warned     bool
}

// SessionHandle is a caller's strong reference to a session. Release it when
// the caller no longer needs Status on a finished session.
type SessionHandle struct {
	registry *SessionRegistry
	entry    *registryEntry
	created  bool
	once     sync.Once
}

func (h *SessionHandle) Session() *StreamSession { return h.entry.session }

// Created reports whether this call started the session.
func (h *SessionHandle) Created() bool { return h.created }

func (h *SessionHandle) Release() {
	h.once.Do(func() {
		h.registry.mu.Lock()
		h.entry.refs--
		h.registry.mu.Unlock()
	})
}

// SessionRegistry owns every live StreamSession, keyed by camera.
type SessionRegistry struct {
	mu      sync.Mutex
	active  map[domain.CameraID]*registryEntry
	retired map[*StreamSession]*registryEntry

	sem        *semaphore.Weighted
	factory    ports.SourceFactory
	processor  ports.FrameProcessor
	cfg        RegistryConfig
	sessionCfg SessionConfig
	opts       []SessionOption
	logger     *zap.SugaredLogger
}

func NewSessionRegistry(
	factory ports.SourceFactory,
	processor ports.FrameProcessor,
	cfg RegistryConfig,
	sessionCfg SessionConfig,
	logger *zap.SugaredLogger,
	opts ...SessionOption,
) *SessionRegistry {
	r := &SessionRegistry{
		active:     make(map[domain.CameraID]*registryEntry),
		retired:    make(map[*StreamSession]*registryEntry),
		factory:    factory,
		processor:  processor,
		cfg:        cfg,
		sessionCfg: sessionCfg,
		logger:     logger,
	}
	if cfg.MaxSessions > 0 {
		r.sem = semaphore.NewWeighted(int64(cfg.MaxSessions))
	}
	r.opts = append([]SessionOption{WithSessionLogger(logger)}, opts...)
	return r
}

// GetOrCreate returns the live session for id, or creates and starts one.
// sinkFactory runs only when a session is created and must not block.
func (r *SessionRegistry) GetOrCreate(
	id domain.CameraID,
	params domain.ConnectionParams,
	kind domain.SinkKind,
	sinkFactory ports.SinkFactory,
) (*SessionHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.active[id]; ok {
		if !entry.session.State().Terminal() {
			entry.refs++
			return &SessionHandle{registry: r, entry: entry}, nil
		}
		r.retireLocked(id, entry)
	}

	if r.sem != nil && !r.sem.TryAcquire(1) {
		return nil, fmt.Errorf("%w: %d sessions already running", domain.ErrResourceExhausted, r.cfg.MaxSessions)
	}

	sink, err := sinkFactory()
	if err != nil {
		if r.sem != nil {
			r.sem.Release(1)
		}
		return nil, fmt.Errorf("failed to create sink: %w", err)
	}

	entry := &registryEntry{refs: 1, slotHeld: r.sem != nil}
	opts := append(append([]SessionOption{}, r.opts...), withTerminalHook(func(*StreamSession) {
		r.onTerminal(entry)
	}))
	session := NewStreamSession(id, params, kind, r.factory, r.processor, sink, r.sessionCfg, opts...)
	entry.session = session
	r.active[id] = entry
	session.Start()

	r.logger.Infow("Session created",
		"camera_id", id,
		"session_id", session.ID(),
		"sink", kind,
		"protocol", params.Protocol,
	)

	return &SessionHandle{registry: r, entry: entry, created: true}, nil
}

// Stop closes the live session of id and waits for it to finish.
func (r *SessionRegistry) Stop(ctx context.Context, id domain.CameraID) error {
	session, ok := r.Lookup(id)
	if !ok {
		return domain.ErrSessionNotFound
	}
	return session.Stop(ctx)
}

func (r *SessionRegistry) Lookup(id domain.CameraID) (*StreamSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.active[id]
	if !ok {
		return nil, false
	}
	return entry.session, true
}

// Status reports the live session of id, or the most recent finished one
// that has not been swept yet.
func (r *SessionRegistry) Status(id domain.CameraID) (domain.SessionStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.active[id]; ok {
		return entry.session.Status(), nil
	}

	var latest *registryEntry
	for session, entry := range r.retired {
		if session.CameraID() != id {
			continue
		}
		if latest == nil || entry.terminalAt.After(latest.terminalAt) {
			latest = entry
		}
	}
	if latest == nil {
		return domain.SessionStatus{}, domain.ErrSessionNotFound
	}
	return latest.session.Status(), nil
}

// List returns the status of every live session ordered by camera.
func (r *SessionRegistry) List() []domain.SessionStatus {
	r.mu.Lock()
	statuses := make([]domain.SessionStatus, 0, len(r.active))
	for _, entry := range r.active {
		statuses = append(statuses, entry.session.Status())
	}
	r.mu.Unlock()

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].CameraID < statuses[j].CameraID
	})
	return statuses
}

func (r *SessionRegistry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Sweep drops finished sessions whose handles were all released. It returns
// how many were removed.
func (r *SessionRegistry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	removed := 0
	for session, entry := range r.retired {
		if entry.refs <= 0 {
			delete(r.retired, session)
			removed++
			continue
		}
		if !entry.warned && r.cfg.RetainTerminal > 0 && now.Sub(entry.terminalAt) > r.cfg.RetainTerminal {
			entry.warned = true
			r.logger.Warnw("Finished session still held",
				"camera_id", session.CameraID(),
				"session_id", session.ID(),
				"refs", entry.refs,
				"finished_for", now.Sub(entry.terminalAt),
			)
		}
	}
	if removed > 0 {
		r.logger.Debugw("Swept finished sessions", "removed", removed, "retained", len(r.retired))
	}
	return removed
}

// Run sweeps on every SweepInterval tick until ctx is done.
func (r *SessionRegistry) Run(ctx context.Context) error {
	interval := r.cfg.SweepInterval
	if interval <= 0 {
		interval = DefaultRegistryConfig().SweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Shutdown stops every live session in parallel.
func (r *SessionRegistry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	sessions := make([]*StreamSession, 0, len(r.active))
	for _, entry := range r.active {
		sessions = append(sessions, entry.session)
	}
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, session := range sessions {
		session := session
		g.Go(func() error {
			return session.Stop(gctx)
		})
	}
	return g.Wait()
}

// onTerminal runs on the session's goroutine once it released everything.
func (r *SessionRegistry) onTerminal(entry *registryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session := entry.session
	id := session.CameraID()
	if current, ok := r.active[id]; ok && current == entry {
		r.retireLocked(id, entry)
	}
	if entry.slotHeld {
		entry.slotHeld = false
		r.sem.Release(1)
	}

	r.logger.Infow("Session finished",
		"camera_id", id,
		"session_id", session.ID(),
		"state", session.State(),
	)
}

func (r *SessionRegistry) retireLocked(id domain.CameraID, entry *registryEntry) {
	delete(r.active, id)
	if entry.terminalAt.IsZero() {
		entry.terminalAt = time.Now()
	}
	r.retired[entry.session] = entry
}
