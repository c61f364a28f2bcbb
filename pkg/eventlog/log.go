package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/ballast-ai/ballast/pkg/observability"
)

const (
	defaultFlushEvents   = 16
	defaultFlushInterval = 50 * time.Millisecond
	defaultRetention     = 24 * time.Hour
	minRetention         = time.Hour
	maxRetention         = 30 * 24 * time.Hour
)

// Options configures a Log.
type Options struct {
	// Dir is where per-session log files live.
	Dir string
	// FlushEvents flushes the write buffer after this many events
	// (default 16).
	FlushEvents int
	// FlushInterval flushes the write buffer after this much time even
	// when the event threshold was not reached (default 50ms).
	FlushInterval time.Duration
	// Retention is how long events are kept before compaction drops
	// them. Clamped to [1h, 30d]; default 24h.
	Retention time.Duration
	// CompactionSchedule is the cron spec for the retention sweep
	// (default "@hourly"). Empty string uses the default; "-" disables
	// the sweep, leaving Compact to be called explicitly.
	CompactionSchedule string
}

func (o *Options) applyDefaults() {
	if o.FlushEvents <= 0 {
		o.FlushEvents = defaultFlushEvents
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = defaultFlushInterval
	}
	if o.Retention <= 0 {
		o.Retention = defaultRetention
	}
	if o.Retention < minRetention {
		o.Retention = minRetention
	}
	if o.Retention > maxRetention {
		o.Retention = maxRetention
	}
	if o.CompactionSchedule == "" {
		o.CompactionSchedule = "@hourly"
	}
}

// Log is a durable, per-session, append-only event log with in-process
// subscriptions. One Log instance owns its subscription registry;
// unsubscribing is done through the handle Subscribe returns.
type Log struct {
	opts Options

	mu      sync.Mutex
	streams map[string]*stream
	closed  bool

	subMu       sync.RWMutex
	nextSub     int
	sessionSubs map[string]map[int]Handler
	typeSubs    map[EventType]map[int]Handler

	cron *cron.Cron
}

// Open creates a Log rooted at opts.Dir and starts the retention sweep.
func Open(opts Options) (*Log, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("event log requires a directory")
	}
	opts.applyDefaults()
	if err := os.MkdirAll(opts.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create event log directory: %w", err)
	}

	l := &Log{
		opts:        opts,
		streams:     make(map[string]*stream),
		sessionSubs: make(map[string]map[int]Handler),
		typeSubs:    make(map[EventType]map[int]Handler),
	}

	if opts.CompactionSchedule != "-" {
		l.cron = cron.New()
		if _, err := l.cron.AddFunc(opts.CompactionSchedule, func() {
			if err := l.Compact(context.Background()); err != nil {
				log.Printf("[EventLog] Retention sweep failed: %v", err)
			}
		}); err != nil {
			return nil, fmt.Errorf("invalid compaction schedule %q: %w", opts.CompactionSchedule, err)
		}
		l.cron.Start()
	}
	return l, nil
}

func validateStreamID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty session ID", ErrInvalidEvent)
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("%w: session ID %q contains path separator or traversal sequence", ErrInvalidEvent, id)
	}
	return nil
}

// getStream returns the stream for a session, opening it on first use.
func (l *Log) getStream(sessionID string) (*stream, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrLogClosed
	}
	if s, ok := l.streams[sessionID]; ok {
		return s, nil
	}
	s, err := openStream(l.opts.Dir, sessionID)
	if err != nil {
		return nil, err
	}
	l.streams[sessionID] = s
	return s, nil
}

// Publish stamps the event with an ID, sequence, and timestamp, buffers
// it for its session's file, and delivers it synchronously to matching
// in-process subscribers. Delivery is best-effort: a panicking handler
// is logged and isolated, and subscribers that were not listening catch
// up through Replay.
func (l *Log) Publish(ctx context.Context, e *Event) error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if e.SessionID == "" {
		return fmt.Errorf("%w: missing session ID", ErrInvalidEvent)
	}
	if e.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidEvent)
	}
	if e.Priority == "" {
		e.Priority = PriorityNormal
	}
	e.ID = uuid.New().String()
	e.Timestamp = time.Now().UTC()

	s, err := l.getStream(e.SessionID)
	if err != nil {
		return err
	}

	start := time.Now()
	s.mu.Lock()
	buffered, err := s.append(e)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if buffered >= l.opts.FlushEvents {
		err = s.flushLocked()
	} else if s.timer == nil {
		s.timer = time.AfterFunc(l.opts.FlushInterval, func() {
			s.mu.Lock()
			s.timer = nil
			flushErr := s.flushLocked()
			s.mu.Unlock()
			if flushErr != nil {
				log.Printf("[EventLog] Interval flush failed for %s: %v", s.sessionID, flushErr)
			}
		})
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	observability.RecordEventAppend(string(e.Type), string(e.Priority), time.Since(start))

	l.deliver(e)
	return nil
}

// deliver invokes matching subscribers synchronously, isolating panics.
func (l *Log) deliver(e *Event) {
	l.subMu.RLock()
	handlers := make([]Handler, 0, 4)
	for _, h := range l.sessionSubs[e.SessionID] {
		handlers = append(handlers, h)
	}
	for _, h := range l.typeSubs[e.Type] {
		handlers = append(handlers, h)
	}
	l.subMu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[EventLog] Subscriber panicked on %s event %s: %v", e.Type, e.ID, r)
				}
			}()
			h(e)
		}()
	}
}

// Subscribe registers a handler for every event on one session and
// returns its unsubscribe handle. Calling the handle more than once is
// safe.
func (l *Log) Subscribe(sessionID string, h Handler) func() {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	l.nextSub++
	id := l.nextSub
	if l.sessionSubs[sessionID] == nil {
		l.sessionSubs[sessionID] = make(map[int]Handler)
	}
	l.sessionSubs[sessionID][id] = h
	return func() {
		l.subMu.Lock()
		defer l.subMu.Unlock()
		delete(l.sessionSubs[sessionID], id)
		if len(l.sessionSubs[sessionID]) == 0 {
			delete(l.sessionSubs, sessionID)
		}
	}
}

// SubscribeType registers a handler for one event type across all
// sessions and returns its unsubscribe handle.
func (l *Log) SubscribeType(t EventType, h Handler) func() {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	l.nextSub++
	id := l.nextSub
	if l.typeSubs[t] == nil {
		l.typeSubs[t] = make(map[int]Handler)
	}
	l.typeSubs[t][id] = h
	return func() {
		l.subMu.Lock()
		defer l.subMu.Unlock()
		delete(l.typeSubs[t], id)
		if len(l.typeSubs[t]) == 0 {
			delete(l.typeSubs, t)
		}
	}
}

// Replay returns a session's events in original append order, narrowed
// by the options. Candidates are selected from the in-memory index
// first; only the selected byte ranges are read from the file. The
// write buffer is flushed before selection so replay always sees every
// published event.
func (l *Log) Replay(ctx context.Context, sessionID string, opts ReplayOptions) ([]*Event, error) {
	_, span := observability.StartSpan(ctx, "eventlog.Replay")
	defer span.End()

	s, err := l.getStream(sessionID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	s.mu.Lock()
	if err := s.flushLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	selected := make([]indexEntry, 0, len(s.index))
	for _, entry := range s.index {
		if !opts.matchesEntry(entry) {
			continue
		}
		selected = append(selected, entry)
		if opts.Limit > 0 && len(selected) == opts.Limit {
			break
		}
	}
	events, err := s.readRange(selected)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	observability.RecordEventReplay(time.Since(start), len(events))
	return events, nil
}

// Flush forces out the write buffer of every open stream.
func (l *Log) Flush(ctx context.Context) error {
	l.mu.Lock()
	streams := make([]*stream, 0, len(l.streams))
	for _, s := range l.streams {
		streams = append(streams, s)
	}
	l.mu.Unlock()

	for _, s := range streams {
		s.mu.Lock()
		err := s.flushLocked()
		s.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// Compact drops events older than the retention window from every log
// file under the directory, including files for sessions this process
// never touched. Cron runs this on the configured schedule.
func (l *Log) Compact(ctx context.Context) error {
	entries, err := os.ReadDir(l.opts.Dir)
	if err != nil {
		return fmt.Errorf("read event log directory: %w", err)
	}

	cutoff := time.Now().UTC().Add(-l.opts.Retention)
	dropped := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		sessionID := strings.TrimSuffix(entry.Name(), ".jsonl")
		s, err := l.getStream(sessionID)
		if err != nil {
			if errors.Is(err, ErrLogClosed) {
				return err
			}
			log.Printf("[EventLog] Skipping uncompactable log %s: %v", sessionID, err)
			continue
		}
		n, err := s.compact(cutoff)
		if err != nil {
			return fmt.Errorf("compact %s: %w", sessionID, err)
		}
		dropped += n
	}
	if dropped > 0 {
		observability.RecordEventsCompacted(dropped)
		log.Printf("[EventLog] Retention sweep dropped %d events older than %s", dropped, l.opts.Retention)
	}
	return nil
}

// Sessions lists the session IDs with a log file on disk.
func (l *Log) Sessions() ([]string, error) {
	entries, err := os.ReadDir(l.opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("read event log directory: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(entry.Name(), ".jsonl"))
	}
	return ids, nil
}

// Close stops the retention sweep, flushes every buffer, and closes all
// files. The log refuses further work afterwards.
func (l *Log) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	streams := make([]*stream, 0, len(l.streams))
	for _, s := range l.streams {
		streams = append(streams, s)
	}
	l.streams = make(map[string]*stream)
	l.mu.Unlock()

	if l.cron != nil {
		stopCtx := l.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}

	var firstErr error
	for _, s := range streams {
		if err := s.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
