package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/deepdive-labs/deepdive/internal/metrics"
)

// Manager is a Store that keeps sessions in a local cache and writes them
// through to an optional durable Backend. Terminal transitions and result
// slot writes are flushed immediately; progress-only updates are buffered
// and written by the autosave loop.
type Manager struct {
	backend Backend
	cache   *cache.Cache
	logger  *zap.Logger
	opts    Options
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	dirty map[string]struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

var _ Store = (*Manager)(nil)

// NewManager creates a session manager backed by backend. A nil backend
// keeps every session in process memory only.
func NewManager(backend Backend, logger *zap.Logger, opts Options) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultOptions()
	if opts.AutosaveInterval <= 0 {
		opts.AutosaveInterval = def.AutosaveInterval
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = def.SweepInterval
	}
	if opts.Retention <= 0 {
		opts.Retention = def.Retention
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = def.CacheTTL
	}
	return &Manager{
		backend: backend,
		cache:   cache.New(cache.NoExpiration, opts.CacheTTL),
		logger:  logger,
		opts:    opts,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
		dirty:   make(map[string]struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// NewMemoryStore returns a Manager without a durable backend
func NewMemoryStore(logger *zap.Logger, opts Options) *Manager {
	return NewManager(nil, logger, opts)
}

// Create stores a new pending session
func (m *Manager) Create(ctx context.Context, question string, mode Mode) (*ResearchSession, error) {
	if strings.TrimSpace(question) == "" {
		return nil, fmt.Errorf("%w: empty question", ErrInvalidSession)
	}
	if mode == "" {
		mode = ModeNormal
	}
	now := m.now()
	s := &ResearchSession{
		ID:           uuid.New().String(),
		Question:     question,
		Mode:         mode,
		Status:       StatusPending,
		Progress:     0,
		CurrentPhase: string(StatusPending),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if m.backend != nil {
		if err := m.backend.Save(ctx, s); err != nil {
			metrics.SessionFlushes.WithLabelValues("create", "error").Inc()
			return nil, fmt.Errorf("failed to save session: %w", err)
		}
		metrics.SessionFlushes.WithLabelValues("create", "ok").Inc()
	}
	m.cache.Set(s.ID, s, cache.NoExpiration)
	metrics.SessionsCreated.Inc()
	metrics.SessionCacheSize.Set(float64(m.cache.ItemCount()))

	m.logger.Info("Created research session",
		zap.String("session_id", s.ID),
		zap.String("mode", string(mode)),
	)
	return s.Clone(), nil
}

// Get returns a copy of the session
func (m *Manager) Get(ctx context.Context, id string) (*ResearchSession, error) {
	s, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// Update runs fn against a copy of the session under the per-id lock. When
// fn returns an error nothing is stored. A backend write failure leaves the
// update in memory, keeps it queued for autosave and returns the session
// together with an error wrapping ErrNotPersisted.
func (m *Manager) Update(ctx context.Context, id string, fn func(*ResearchSession) error) (*ResearchSession, error) {
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()

	cur, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = m.now()

	immediate := next.Status != cur.Status || next.filledSlots() != cur.filledSlots()
	if m.backend == nil {
		m.cache.Set(id, next, cache.NoExpiration)
		return next.Clone(), nil
	}
	if !immediate {
		m.cache.Set(id, next, cache.NoExpiration)
		m.markDirty(id)
		return next.Clone(), nil
	}

	if err := m.backend.Save(ctx, next); err != nil {
		m.cache.Set(id, next, cache.NoExpiration)
		m.markDirty(id)
		metrics.SessionFlushes.WithLabelValues("immediate", "error").Inc()
		m.logger.Warn("Failed to persist session update",
			zap.String("session_id", id),
			zap.String("status", string(next.Status)),
			zap.Error(err),
		)
		return next.Clone(), fmt.Errorf("%w: %v", ErrNotPersisted, err)
	}
	metrics.SessionFlushes.WithLabelValues("immediate", "ok").Inc()
	m.clearDirty(id)
	m.cache.Set(id, next, m.cacheDuration(next))
	return next.Clone(), nil
}

// Delete removes the session from memory and the backend
func (m *Manager) Delete(ctx context.Context, id string) error {
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()

	if _, err := m.load(ctx, id); err != nil {
		return err
	}

	m.cache.Delete(id)
	m.clearDirty(id)
	m.mu.Lock()
	delete(m.locks, id)
	m.mu.Unlock()
	metrics.SessionCacheSize.Set(float64(m.cache.ItemCount()))

	if m.backend != nil {
		if err := m.backend.Delete(ctx, id); err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
	}

	m.logger.Info("Deleted research session", zap.String("session_id", id))
	return nil
}

// FindResumable looks for an unfinished session asking the same question
func (m *Manager) FindResumable(ctx context.Context, question string, since time.Time) (*ResearchSession, error) {
	q := strings.TrimSpace(question)
	all, err := m.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	var best *ResearchSession
	for _, s := range all {
		if s.Status.IsTerminal() || strings.TrimSpace(s.Question) != q {
			continue
		}
		if !s.CreatedAt.After(since) {
			continue
		}
		if best == nil || s.CreatedAt.After(best.CreatedAt) {
			best = s
		}
	}
	if best == nil {
		return nil, ErrSessionNotFound
	}
	return best.Clone(), nil
}

// Flush writes every buffered update to the backend
func (m *Manager) Flush(ctx context.Context) error {
	return m.flush(ctx, "manual")
}

func (m *Manager) flush(ctx context.Context, trigger string) error {
	if m.backend == nil {
		return nil
	}

	m.mu.Lock()
	ids := make([]string, 0, len(m.dirty))
	for id := range m.dirty {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := m.flushOne(ctx, id); err != nil {
			metrics.SessionFlushes.WithLabelValues(trigger, "error").Inc()
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.SessionFlushes.WithLabelValues(trigger, "ok").Inc()
	}
	if firstErr != nil {
		return fmt.Errorf("failed to flush sessions: %w", firstErr)
	}
	return nil
}

func (m *Manager) flushOne(ctx context.Context, id string) error {
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()

	x, ok := m.cache.Get(id)
	if !ok {
		m.clearDirty(id)
		return nil
	}
	s := x.(*ResearchSession)
	if err := m.backend.Save(ctx, s); err != nil {
		return err
	}
	m.clearDirty(id)
	m.cache.Set(id, s, m.cacheDuration(s))
	return nil
}

// Sweep removes terminal sessions last updated before cutoff
func (m *Manager) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	all, err := m.snapshot(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, s := range all {
		if !s.Status.IsTerminal() || !s.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := m.Delete(ctx, s.ID); err != nil {
			if !errors.Is(err, ErrSessionNotFound) {
				m.logger.Warn("Failed to sweep session", zap.String("session_id", s.ID), zap.Error(err))
			}
			continue
		}
		removed++
	}
	if removed > 0 {
		metrics.SessionsSwept.Add(float64(removed))
		m.logger.Info("Swept expired research sessions", zap.Int("count", removed))
	}
	return removed, nil
}

// Ping checks the backend
func (m *Manager) Ping(ctx context.Context) error {
	if m.backend == nil {
		return nil
	}
	return m.backend.Ping(ctx)
}

// Start launches autosave and retention sweeps. It is safe to call once.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		go m.loop(ctx)
	})
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.done)

	autosave := time.NewTicker(m.opts.AutosaveInterval)
	defer autosave.Stop()
	sweep := time.NewTicker(m.opts.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-autosave.C:
			if err := m.flush(ctx, "autosave"); err != nil {
				m.logger.Warn("Session autosave failed", zap.Error(err))
			}
		case <-sweep.C:
			if _, err := m.Sweep(ctx, m.now().Add(-m.opts.Retention)); err != nil {
				m.logger.Warn("Session sweep failed", zap.Error(err))
			}
		}
	}
}

// Close stops the background loop, flushes buffered updates and closes the backend
func (m *Manager) Close(ctx context.Context) error {
	first := false
	// Never started: mark the loop as finished so Start becomes a no-op
	m.startOnce.Do(func() { close(m.done) })
	m.stopOnce.Do(func() {
		close(m.stop)
		first = true
	})
	if first {
		select {
		case <-m.done:
		case <-ctx.Done():
		}
	}

	err := m.flush(ctx, "shutdown")
	if m.backend != nil {
		if cerr := m.backend.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// load returns the cached pointer, reading through to the backend on a miss.
// Cached values are replaced wholesale and never mutated in place.
func (m *Manager) load(ctx context.Context, id string) (*ResearchSession, error) {
	if x, ok := m.cache.Get(id); ok {
		return x.(*ResearchSession), nil
	}
	if m.backend == nil {
		return nil, ErrSessionNotFound
	}
	s, err := m.backend.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	m.cache.Set(id, s, m.cacheDuration(s))
	metrics.SessionCacheSize.Set(float64(m.cache.ItemCount()))
	return s, nil
}

// snapshot merges cached and durable sessions, preferring the cached copy
func (m *Manager) snapshot(ctx context.Context) ([]*ResearchSession, error) {
	byID := make(map[string]*ResearchSession)
	if m.backend != nil {
		stored, err := m.backend.LoadAll(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list sessions: %w", err)
		}
		for _, s := range stored {
			byID[s.ID] = s
		}
	}
	for id, item := range m.cache.Items() {
		byID[id] = item.Object.(*ResearchSession)
	}

	out := make([]*ResearchSession, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Manager) cacheDuration(s *ResearchSession) time.Duration {
	if m.backend != nil && s.Status.IsTerminal() {
		return m.opts.CacheTTL
	}
	return cache.NoExpiration
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

func (m *Manager) markDirty(id string) {
	m.mu.Lock()
	m.dirty[id] = struct{}{}
	m.mu.Unlock()
}

func (m *Manager) clearDirty(id string) {
	m.mu.Lock()
	delete(m.dirty, id)
	m.mu.Unlock()
}

// Pending reports how many sessions have buffered updates
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dirty)
}
