// Package session owns the lifecycle of conversation sessions: create,
// read, optimistically locked update, expiry sweeping, and restoration
// after an agent reconnects. It sits on top of a storage.Backend for
// durability and an eventlog.Log for announcing what happened.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/ballast-ai/ballast/pkg/conversation"
	"github.com/ballast-ai/ballast/pkg/eventlog"
	"github.com/ballast-ai/ballast/pkg/observability"
	"github.com/ballast-ai/ballast/pkg/storage"
)

// Expiry policies applied by the sweep once a session passes its
// deadline.
const (
	// PolicyDelete removes expired sessions from storage.
	PolicyDelete = "delete"
	// PolicyArchive keeps expired sessions read-only under StateArchived.
	PolicyArchive = "archive"
)

var (
	// ErrManagerClosed is returned when the manager no longer accepts work.
	ErrManagerClosed = errors.New("session manager is closed")
	// ErrSessionExpired is returned when an operation reaches a session
	// past its expiry deadline.
	ErrSessionExpired = errors.New("session has expired")
	// ErrSessionArchived is returned when a write reaches an archived
	// session, which is retained read-only.
	ErrSessionArchived = errors.New("session is archived")
)

// Config tunes a Manager.
type Config struct {
	// TTL is the lifetime of new sessions (default 24h).
	TTL time.Duration
	// MaxSessionBytes is the serialized byte budget per session,
	// enforced by trimming before every persist (default 10 MiB).
	MaxSessionBytes int
	// SweepSchedule is the cron spec for the expiry sweep (default
	// "@every 1m"; "-" disables it, leaving SweepExpired to be called
	// explicitly).
	SweepSchedule string
	// ExpiryPolicy is PolicyDelete or PolicyArchive (default delete).
	ExpiryPolicy string
	// CacheSize is the read-through cache capacity (default 256).
	CacheSize int
	// DrainTimeout bounds how long Drain waits for in-flight
	// operations (default 30s).
	DrainTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
	if c.MaxSessionBytes <= 0 {
		c.MaxSessionBytes = 10 * 1024 * 1024
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = "@every 1m"
	}
	if c.ExpiryPolicy == "" {
		c.ExpiryPolicy = PolicyDelete
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 256
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
}

// Mutator applies a caller's change to a loaded session. It runs on a
// private copy; returning an error abandons the update.
type Mutator func(*conversation.Session) error

// Manager coordinates session persistence. It serializes writers per
// session ID, enforces the byte budget, and surfaces version conflicts
// to the caller unchanged; a conflicted update is never retried here.
type Manager struct {
	backend storage.Backend
	codec   *conversation.Codec
	events  *eventlog.Log
	cfg     Config

	cache *lru.Cache[string, *conversation.Session]

	// locks serializes same-ID updates ahead of the backend's own
	// version check, so concurrent updates queue instead of conflicting.
	locks sync.Map // map[string]*sync.Mutex

	cron     *cron.Cron
	inflight sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewManager creates a Manager over the given backend and event log.
func NewManager(backend storage.Backend, events *eventlog.Log, cfg Config) (*Manager, error) {
	if backend == nil {
		return nil, fmt.Errorf("session manager requires a storage backend")
	}
	if events == nil {
		return nil, fmt.Errorf("session manager requires an event log")
	}
	cfg.applyDefaults()
	if cfg.ExpiryPolicy != PolicyDelete && cfg.ExpiryPolicy != PolicyArchive {
		return nil, fmt.Errorf("unknown expiry policy %q", cfg.ExpiryPolicy)
	}

	cache, err := lru.New[string, *conversation.Session](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}

	m := &Manager{
		backend: backend,
		codec:   conversation.NewCodec(),
		events:  events,
		cfg:     cfg,
		cache:   cache,
	}

	if cfg.SweepSchedule != "-" {
		m.cron = cron.New()
		if _, err := m.cron.AddFunc(cfg.SweepSchedule, func() {
			if _, err := m.SweepExpired(context.Background()); err != nil {
				log.Printf("[SessionManager] Expiry sweep failed: %v", err)
			}
		}); err != nil {
			return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.SweepSchedule, err)
		}
	}
	return m, nil
}

// Start begins the periodic expiry sweep.
func (m *Manager) Start() {
	if m.cron != nil {
		m.cron.Start()
	}
}

// begin registers one in-flight operation. Every public operation calls
// it so shutdown can drain outstanding work instead of cutting it off.
func (m *Manager) begin() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrManagerClosed
	}
	m.inflight.Add(1)
	return nil
}

func (m *Manager) end() {
	m.inflight.Done()
}

// lockID returns the mutex serializing writers for one session ID.
func (m *Manager) lockID(id string) *sync.Mutex {
	mu, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Create starts a new active session at version 1 for the given agents.
// initialContext seeds the shared context; nil is fine.
func (m *Manager) Create(ctx context.Context, agentIDs []string, initialContext map[string]any) (*conversation.Session, error) {
	if err := m.begin(); err != nil {
		return nil, err
	}
	defer m.end()

	if len(agentIDs) == 0 {
		return nil, fmt.Errorf("%w: at least one agent required", conversation.ErrInvalidSession)
	}

	s := conversation.NewSession(agentIDs, m.cfg.TTL)
	for k, v := range initialContext {
		s.SharedContext[k] = v
	}

	start := time.Now()
	if err := m.backend.SaveSession(ctx, s); err != nil {
		observability.RecordSessionSave("error", time.Since(start))
		return nil, fmt.Errorf("create session: %w", err)
	}
	observability.RecordSessionSave("ok", time.Since(start))

	m.cache.Add(s.ID, s.Clone())
	return s, nil
}

// Get returns a session by ID through the read cache. The backend stays
// authoritative; the cache is refreshed on every update. A session past
// its deadline that the sweep has not reached yet surfaces
// ErrSessionExpired rather than stale active state.
func (m *Manager) Get(ctx context.Context, id string) (*conversation.Session, error) {
	if err := m.begin(); err != nil {
		return nil, err
	}
	defer m.end()
	return m.get(ctx, id)
}

func (m *Manager) get(ctx context.Context, id string) (*conversation.Session, error) {
	start := time.Now()

	var s *conversation.Session
	if cached, ok := m.cache.Get(id); ok {
		s = cached.Clone()
	} else {
		loaded, err := m.backend.GetSession(ctx, id)
		if err != nil {
			status := "error"
			if errors.Is(err, storage.ErrSessionNotFound) {
				status = "miss"
			}
			observability.RecordSessionGet(status, time.Since(start))
			return nil, err
		}
		m.cache.Add(id, loaded.Clone())
		s = loaded
	}
	observability.RecordSessionGet("ok", time.Since(start))

	if s.IsExpired(time.Now().UTC()) && (s.State == conversation.StateActive || s.State == conversation.StatePaused) {
		return nil, fmt.Errorf("%w: %s", ErrSessionExpired, id)
	}
	return s, nil
}

// Update loads the session, applies the mutator to a private copy,
// bumps the version, trims to the byte budget, and persists. A version
// conflict surfaces as storage.ErrVersionConflict and is not retried;
// the caller re-reads and reapplies. On success a session-updated event
// is announced.
func (m *Manager) Update(ctx context.Context, id string, mutate Mutator) (*conversation.Session, error) {
	if err := m.begin(); err != nil {
		return nil, err
	}
	defer m.end()

	ctx, span := observability.StartSpan(ctx, "session.Update")
	defer span.End()

	mu := m.lockID(id)
	mu.Lock()
	defer mu.Unlock()

	current, err := m.backend.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.State == conversation.StateArchived {
		return nil, fmt.Errorf("%w: %s", ErrSessionArchived, id)
	}
	if current.IsExpired(time.Now().UTC()) && (current.State == conversation.StateActive || current.State == conversation.StatePaused) {
		return nil, fmt.Errorf("%w: %s", ErrSessionExpired, id)
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, fmt.Errorf("apply mutation: %w", err)
	}
	next.ID = current.ID // the mutator cannot move a session
	next.Version = current.Version + 1
	next.UpdatedAt = time.Now().UTC()

	trimmed, removed, err := m.codec.Trim(next, m.cfg.MaxSessionBytes)
	if err != nil {
		return nil, fmt.Errorf("trim session %s: %w", id, err)
	}
	if removed > 0 {
		observability.RecordTrimmedBytes(removed)
		log.Printf("[SessionManager] Trimmed %d bytes from session %s to meet the %d byte budget", removed, id, m.cfg.MaxSessionBytes)
	}

	start := time.Now()
	if err := m.backend.SaveSession(ctx, trimmed); err != nil {
		status := "error"
		if errors.Is(err, storage.ErrVersionConflict) {
			status = "conflict"
			m.cache.Remove(id)
		}
		observability.RecordSessionSave(status, time.Since(start))
		return nil, err
	}
	observability.RecordSessionSave("ok", time.Since(start))

	m.cache.Add(id, trimmed.Clone())
	m.announce(ctx, &eventlog.Event{
		SessionID: id,
		Type:      eventlog.TypeSessionUpdated,
		Priority:  eventlog.PriorityNormal,
		Data:      map[string]any{"version": trimmed.Version},
	})
	return trimmed, nil
}

// Delete removes a session, reporting whether it existed.
func (m *Manager) Delete(ctx context.Context, id string) (bool, error) {
	if err := m.begin(); err != nil {
		return false, err
	}
	defer m.end()

	mu := m.lockID(id)
	mu.Lock()
	defer mu.Unlock()

	m.cache.Remove(id)
	return m.backend.DeleteSession(ctx, id)
}

// List returns sessions matching the filter, straight from the backend.
func (m *Manager) List(ctx context.Context, filter storage.ListFilter) ([]*conversation.Session, error) {
	if err := m.begin(); err != nil {
		return nil, err
	}
	defer m.end()
	return m.backend.ListSessions(ctx, filter)
}

// announce publishes an event, logging rather than failing the calling
// operation: the state change it describes is already durable.
func (m *Manager) announce(ctx context.Context, e *eventlog.Event) {
	if err := m.events.Publish(ctx, e); err != nil {
		log.Printf("[SessionManager] Failed to announce %s for session %s: %v", e.Type, e.SessionID, err)
	}
}

// errgroup limit for RestoreMany. Restores are I/O bound; a small
// constant keeps a reconnect burst from hammering the backend.
const restoreConcurrency = 8

// Restore loads a session for an agent that reconnected, replaying
// critical events published since the session's last persisted update
// and folding them into the returned copy. Message events append the
// turns the persisted state is missing; other critical events are
// recorded under SharedContext["recovery"] for the orchestrator to act
// on. Nothing is persisted here; the next Update carries the
// reconciled state. A corrupted record fails closed with its decode
// error; a session is never partially reconstructed.
func (m *Manager) Restore(ctx context.Context, id string) (*conversation.Session, error) {
	if err := m.begin(); err != nil {
		return nil, err
	}
	defer m.end()

	ctx, span := observability.StartSpan(ctx, "session.Restore")
	defer span.End()

	s, err := m.backend.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.IsExpired(time.Now().UTC()) && s.State != conversation.StateArchived {
		return nil, fmt.Errorf("%w: %s", ErrSessionExpired, id)
	}

	events, err := m.events.Replay(ctx, id, eventlog.ReplayOptions{
		Since:        s.UpdatedAt,
		PriorityOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("replay events for %s: %w", id, err)
	}

	// Decode admits records with a null shared context; the recovery
	// entries need somewhere to land.
	if s.SharedContext == nil {
		s.SharedContext = map[string]any{}
	}

	for _, e := range events {
		if e.Type == eventlog.TypeMessage {
			if turn, ok := turnFromEvent(e); ok && turn.Sequence > lastSequence(s) {
				s.History = append(s.History, turn)
				continue
			}
		}
		recovery, _ := s.SharedContext["recovery"].([]any)
		s.SharedContext["recovery"] = append(recovery, map[string]any{
			"eventId":   e.ID,
			"type":      string(e.Type),
			"timestamp": e.Timestamp,
			"agentName": e.AgentName,
		})
	}

	m.cache.Add(id, s.Clone())
	return s, nil
}

// RestoreMany restores several sessions concurrently, stopping at the
// first failure.
func (m *Manager) RestoreMany(ctx context.Context, ids []string) ([]*conversation.Session, error) {
	out := make([]*conversation.Session, len(ids))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(restoreConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			s, err := m.Restore(ctx, id)
			if err != nil {
				return fmt.Errorf("restore %s: %w", id, err)
			}
			out[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func lastSequence(s *conversation.Session) int {
	if len(s.History) == 0 {
		return 0
	}
	return s.History[len(s.History)-1].Sequence
}

// turnFromEvent reconstructs a transcript turn from a message event's
// payload. Events without the expected fields are folded into the
// recovery context instead.
func turnFromEvent(e *eventlog.Event) (conversation.MessageTurn, bool) {
	seq, ok := e.Data["sequence"].(float64)
	if !ok {
		return conversation.MessageTurn{}, false
	}
	msg, _ := e.Data["userMessage"].(string)
	turn := conversation.MessageTurn{
		Sequence:    int(seq),
		Timestamp:   e.Timestamp,
		UserMessage: msg,
	}
	if e.AgentName != "" {
		if resp, ok := e.Data["response"].(string); ok {
			turn.AgentResponses = append(turn.AgentResponses, conversation.AgentResponse{
				AgentID:   e.AgentName,
				Response:  resp,
				Timestamp: e.Timestamp,
			})
		}
	}
	return turn, true
}

// CloseIntake stops accepting new operations. In-flight work continues;
// Drain waits for it.
func (m *Manager) CloseIntake() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

// Drain waits for in-flight operations, bounded by the configured drain
// timeout or the context deadline, whichever ends first.
func (m *Manager) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()

	timer := time.NewTimer(m.cfg.DrainTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("session drain exceeded %s: %w", m.cfg.DrainTimeout, context.DeadlineExceeded)
	case <-ctx.Done():
		return fmt.Errorf("session drain interrupted: %w", ctx.Err())
	}
}

// Close stops the sweep, closes intake, and drains in-flight work. The
// storage backend is left open; its owner closes it.
func (m *Manager) Close(ctx context.Context) error {
	if m.cron != nil {
		stopCtx := m.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}
	m.CloseIntake()
	return m.Drain(ctx)
}
