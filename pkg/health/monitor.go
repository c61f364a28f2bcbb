// Package health tracks the liveness of cooperating agent processes
// through heartbeats, drives bounded automatic recovery when an agent
// goes quiet, and reports aggregate health for operational tooling.
// Failures and recoveries are announced as critical events on the
// system health stream so disconnected consumers can replay them.
package health

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ballast-ai/ballast/pkg/conversation"
	"github.com/ballast-ai/ballast/pkg/eventlog"
	"github.com/ballast-ai/ballast/pkg/observability"
)

// State is an agent's liveness state.
type State string

const (
	// StateHealthy means heartbeats are arriving on time.
	StateHealthy State = "healthy"
	// StateDisconnected means the heartbeat deadline was missed.
	StateDisconnected State = "disconnected"
	// StateRecovering means a recovery probe succeeded and the monitor
	// is waiting for the agent's next heartbeat.
	StateRecovering State = "recovering"
	// StateFailed is terminal: recovery attempts were exhausted and
	// external remediation is required.
	StateFailed State = "failed"
)

var (
	// ErrAgentNotRegistered is returned for heartbeats from unknown agents.
	ErrAgentNotRegistered = errors.New("agent not registered")
	// ErrMonitorClosed is returned when operating on a closed monitor.
	ErrMonitorClosed = errors.New("health monitor is closed")
)

// AgentRecord is the monitor's view of one agent.
type AgentRecord struct {
	AgentID             string        `json:"agentId"`
	LastHeartbeat       time.Time     `json:"lastHeartbeat"`
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	RecoveryAttempts    int           `json:"recoveryAttempts"`
	HeartbeatInterval   time.Duration `json:"heartbeatInterval"`
	Timeout             time.Duration `json:"timeout"`
}

// RecoverFunc attempts to reconnect one agent. It must respect the
// context deadline; an error counts as a failed attempt, never a crash.
type RecoverFunc func(ctx context.Context, agentID string) error

// Restorer rebuilds session state after an agent reconnects. The
// session manager satisfies this.
type Restorer interface {
	Restore(ctx context.Context, sessionID string) (*conversation.Session, error)
}

// Options tunes a Monitor.
type Options struct {
	// TickInterval is the per-agent monitoring cadence (default 1s,
	// which detects a missed deadline well inside 5 seconds).
	TickInterval time.Duration
	// DefaultHeartbeatInterval is applied when RegisterOptions leaves
	// HeartbeatInterval unset (default 10s).
	DefaultHeartbeatInterval time.Duration
	// DefaultTimeout is applied when RegisterOptions leaves Timeout
	// unset (default 30s).
	DefaultTimeout time.Duration
	// MaxRecoveryAttempts bounds automatic recovery (default 3).
	MaxRecoveryAttempts int
	// RecoveryBackoff is the first retry delay; it doubles per attempt
	// (default 500ms).
	RecoveryBackoff time.Duration
	// RecoveryBackoffCap caps the growing delay (default 10s).
	RecoveryBackoffCap time.Duration
	// ProbeTimeout bounds each individual recovery probe (default 5s).
	ProbeTimeout time.Duration
	// RecoveryRate paces recovery probes across all agents, so a batch
	// of disconnects cannot stampede the backend (default 2/s).
	RecoveryRate rate.Limit
	// MemoryThresholdMB marks the process resource-pressured above
	// this allocation (default 1024).
	MemoryThresholdMB uint64
	// GoroutineThreshold marks the process resource-pressured above
	// this count (default 10000).
	GoroutineThreshold int
}

func (o *Options) applyDefaults() {
	if o.TickInterval <= 0 {
		o.TickInterval = time.Second
	}
	if o.DefaultHeartbeatInterval <= 0 {
		o.DefaultHeartbeatInterval = 10 * time.Second
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 30 * time.Second
	}
	if o.MaxRecoveryAttempts <= 0 {
		o.MaxRecoveryAttempts = 3
	}
	if o.RecoveryBackoff <= 0 {
		o.RecoveryBackoff = 500 * time.Millisecond
	}
	if o.RecoveryBackoffCap <= 0 {
		o.RecoveryBackoffCap = 10 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 5 * time.Second
	}
	if o.RecoveryRate <= 0 {
		o.RecoveryRate = 2
	}
	if o.MemoryThresholdMB == 0 {
		o.MemoryThresholdMB = 1024
	}
	if o.GoroutineThreshold <= 0 {
		o.GoroutineThreshold = 10000
	}
}

// RegisterOptions configures monitoring for one agent.
type RegisterOptions struct {
	// HeartbeatInterval is how often the agent promises to beat. Zero
	// falls back to the monitor's default. Informational; timeouts
	// drive the state machine.
	HeartbeatInterval time.Duration
	// Timeout is how long after the last heartbeat the agent counts as
	// disconnected. Zero falls back to the monitor's default.
	Timeout time.Duration
	// Sessions lists the session IDs to restore when the agent comes
	// back.
	Sessions []string
	// Recover reconnects the agent during automatic recovery. Nil
	// disables recovery; the agent then waits for its own heartbeat.
	Recover RecoverFunc
}

// Status is the aggregate health report.
type Status struct {
	Overall      observability.HealthStatus `json:"overall"`
	Agents       int                        `json:"agents"`
	Healthy      int                        `json:"healthy"`
	Disconnected int                        `json:"disconnected"`
	Recovering   int                        `json:"recovering"`
	Failed       int                        `json:"failed"`
	Degraded     bool                       `json:"declaredDegraded"`
	Records      []AgentRecord              `json:"records"`
}

type agentEntry struct {
	record     AgentRecord
	opts       RegisterOptions
	stop       chan struct{}
	recovering bool
}

// Monitor watches registered agents. One Monitor is constructed at
// process start and owned by the runtime core.
type Monitor struct {
	events   *eventlog.Log
	restorer Restorer
	opts     Options
	limiter  *rate.Limiter

	mu       sync.RWMutex
	agents   map[string]*agentEntry
	degraded bool
	closed   bool

	wg sync.WaitGroup
}

// NewMonitor creates a Monitor announcing through the given event log
// and restoring sessions through the given restorer. restorer may be
// nil; recovered agents then skip state restoration.
func NewMonitor(events *eventlog.Log, restorer Restorer, opts Options) (*Monitor, error) {
	if events == nil {
		return nil, fmt.Errorf("health monitor requires an event log")
	}
	opts.applyDefaults()
	return &Monitor{
		events:   events,
		restorer: restorer,
		opts:     opts,
		limiter:  rate.NewLimiter(opts.RecoveryRate, 1),
		agents:   make(map[string]*agentEntry),
	}, nil
}

// Register starts monitoring an agent. Re-registering an agent resets
// its record.
func (m *Monitor) Register(agentID string, opts RegisterOptions) error {
	if agentID == "" {
		return fmt.Errorf("agent ID cannot be empty")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = m.opts.DefaultHeartbeatInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = m.opts.DefaultTimeout
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMonitorClosed
	}
	if prev, ok := m.agents[agentID]; ok {
		close(prev.stop)
	}
	entry := &agentEntry{
		record: AgentRecord{
			AgentID:           agentID,
			LastHeartbeat:     time.Now().UTC(),
			State:             StateHealthy,
			HeartbeatInterval: opts.HeartbeatInterval,
			Timeout:           opts.Timeout,
		},
		opts: opts,
		stop: make(chan struct{}),
	}
	m.agents[agentID] = entry
	m.mu.Unlock()

	m.wg.Add(1)
	go m.monitorAgent(agentID, entry.stop)

	m.refreshGauges()
	return nil
}

// Deregister stops monitoring an agent and drops its record.
func (m *Monitor) Deregister(agentID string) {
	m.mu.Lock()
	entry, ok := m.agents[agentID]
	if ok {
		close(entry.stop)
		delete(m.agents, agentID)
	}
	m.mu.Unlock()
	if ok {
		m.refreshGauges()
	}
}

// Heartbeat records a liveness signal. A heartbeat from a disconnected
// or recovering agent transitions it back to healthy, announces a
// critical recovery event, and restores the agent's registered
// sessions.
func (m *Monitor) Heartbeat(agentID string) error {
	m.mu.Lock()
	entry, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotRegistered, agentID)
	}
	prev := entry.record.State
	if prev == StateFailed {
		// Terminal; external remediation re-registers the agent.
		m.mu.Unlock()
		return nil
	}
	entry.record.LastHeartbeat = time.Now().UTC()
	entry.record.ConsecutiveFailures = 0
	recovered := prev == StateDisconnected || prev == StateRecovering
	if recovered {
		entry.record.State = StateHealthy
	}
	sessions := entry.opts.Sessions
	m.mu.Unlock()

	if recovered {
		m.announce(agentID, eventlog.TypeAgentRecovered, map[string]any{
			"previousState": string(prev),
		})
		m.restoreSessions(agentID, sessions)
		m.refreshGauges()
	}
	return nil
}

// restoreSessions rebuilds the sessions a recovered agent participates
// in. Failures are logged; a session that cannot be restored needs the
// orchestrator's attention, not a crashed monitor.
func (m *Monitor) restoreSessions(agentID string, sessions []string) {
	if m.restorer == nil {
		return
	}
	for _, id := range sessions {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.ProbeTimeout)
		_, err := m.restorer.Restore(ctx, id)
		cancel()
		if err != nil {
			log.Printf("[HealthMonitor] Failed to restore session %s for recovered agent %s: %v", id, agentID, err)
		}
	}
}

// monitorAgent is the per-agent ticker loop.
func (m *Monitor) monitorAgent(agentID string, stop <-chan struct{}) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.checkAgent(agentID)
		}
	}
}

// checkAgent evaluates one agent's deadline and starts recovery when it
// was missed.
func (m *Monitor) checkAgent(agentID string) {
	m.mu.Lock()
	entry, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return
	}
	rec := &entry.record
	if rec.State == StateFailed || rec.State == StateDisconnected {
		m.mu.Unlock()
		return
	}
	if time.Since(rec.LastHeartbeat) <= rec.Timeout {
		m.mu.Unlock()
		return
	}

	prev := rec.State
	rec.State = StateDisconnected
	rec.ConsecutiveFailures++
	lastHeartbeat := rec.LastHeartbeat
	failures := rec.ConsecutiveFailures
	timeout := rec.Timeout
	startRecovery := entry.opts.Recover != nil && !entry.recovering
	if startRecovery {
		entry.recovering = true
	}
	m.mu.Unlock()

	log.Printf("[HealthMonitor] Agent %s missed its heartbeat deadline (%s), was %s", agentID, timeout, prev)
	m.announce(agentID, eventlog.TypeAgentFailure, map[string]any{
		"lastHeartbeat":       lastHeartbeat,
		"timeoutMs":           timeout.Milliseconds(),
		"consecutiveFailures": failures,
	})
	m.refreshGauges()

	if startRecovery {
		m.wg.Add(1)
		go m.runRecovery(agentID, entry.stop)
	}
}

// runRecovery retries reconnecting a disconnected agent a fixed number
// of times with doubling backoff. A probe error is an ordinary failed
// attempt. Success moves the agent to Recovering, healthy again only
// once its own heartbeat arrives. Exhaustion is terminal.
func (m *Monitor) runRecovery(agentID string, stop <-chan struct{}) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		if entry, ok := m.agents[agentID]; ok {
			entry.recovering = false
		}
		m.mu.Unlock()
	}()

	backoff := m.opts.RecoveryBackoff
	for attempt := 1; attempt <= m.opts.MaxRecoveryAttempts; attempt++ {
		select {
		case <-stop:
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > m.opts.RecoveryBackoffCap {
			backoff = m.opts.RecoveryBackoffCap
		}

		m.mu.Lock()
		entry, ok := m.agents[agentID]
		if !ok || entry.record.State != StateDisconnected {
			m.mu.Unlock()
			return // deregistered or healed by a heartbeat
		}
		entry.record.RecoveryAttempts++
		probe := entry.opts.Recover
		m.mu.Unlock()

		probeCtx, cancel := context.WithTimeout(context.Background(), m.opts.ProbeTimeout)
		err := m.limiter.Wait(probeCtx)
		if err == nil {
			err = probe(probeCtx, agentID)
		}
		cancel()

		if err != nil {
			observability.RecordRecoveryAttempt("error")
			log.Printf("[HealthMonitor] Recovery attempt %d/%d for agent %s failed: %v", attempt, m.opts.MaxRecoveryAttempts, agentID, err)
			continue
		}

		observability.RecordRecoveryAttempt("ok")
		m.mu.Lock()
		if entry, ok := m.agents[agentID]; ok && entry.record.State == StateDisconnected {
			entry.record.State = StateRecovering
			// Fresh deadline window for the agent's own heartbeat; without
			// it the next tick would re-disconnect immediately.
			entry.record.LastHeartbeat = time.Now().UTC()
		}
		m.mu.Unlock()
		m.refreshGauges()
		log.Printf("[HealthMonitor] Agent %s reconnected on attempt %d, awaiting heartbeat", agentID, attempt)
		return
	}

	m.mu.Lock()
	if entry, ok := m.agents[agentID]; ok && entry.record.State == StateDisconnected {
		entry.record.State = StateFailed
	}
	m.mu.Unlock()
	m.announce(agentID, eventlog.TypeAgentFailure, map[string]any{
		"terminal": true,
		"attempts": m.opts.MaxRecoveryAttempts,
	})
	m.refreshGauges()
	log.Printf("[HealthMonitor] Agent %s failed permanently after %d recovery attempts", agentID, m.opts.MaxRecoveryAttempts)
}

// announce publishes a critical event on the system health stream.
func (m *Monitor) announce(agentID string, t eventlog.EventType, data map[string]any) {
	err := m.events.Publish(context.Background(), &eventlog.Event{
		SessionID: eventlog.SystemStream,
		Type:      t,
		Priority:  eventlog.PriorityCritical,
		AgentName: agentID,
		Data:      data,
	})
	if err != nil {
		log.Printf("[HealthMonitor] Failed to announce %s for agent %s: %v", t, agentID, err)
	}
}

// SetDegraded declares or clears graceful-degradation mode. While
// declared, Health reports unhealthy regardless of agent states.
func (m *Monitor) SetDegraded(degraded bool) {
	m.mu.Lock()
	m.degraded = degraded
	m.mu.Unlock()
}

// Agent returns the current record for one agent.
func (m *Monitor) Agent(agentID string) (AgentRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.agents[agentID]
	if !ok {
		return AgentRecord{}, false
	}
	return entry.record, true
}

// Health reports aggregate health: healthy with no disconnected or
// failed agents and resources under threshold, degraded with one to
// three such agents or resource pressure, unhealthy beyond that or
// while degradation is declared.
func (m *Monitor) Health() Status {
	m.mu.RLock()
	st := Status{Degraded: m.degraded, Records: make([]AgentRecord, 0, len(m.agents))}
	for _, entry := range m.agents {
		st.Agents++
		st.Records = append(st.Records, entry.record)
		switch entry.record.State {
		case StateHealthy:
			st.Healthy++
		case StateDisconnected:
			st.Disconnected++
		case StateRecovering:
			st.Recovering++
		case StateFailed:
			st.Failed++
		}
	}
	m.mu.RUnlock()

	bad := st.Disconnected + st.Failed
	switch {
	case st.Degraded || bad > 3:
		st.Overall = observability.HealthStatusUnhealthy
	case bad > 0 || m.resourcePressure():
		st.Overall = observability.HealthStatusDegraded
	default:
		st.Overall = observability.HealthStatusHealthy
	}
	return st
}

func (m *Monitor) resourcePressure() bool {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	observability.SetMemoryUsage(mem.Alloc)
	observability.SetGoroutines(runtime.NumGoroutine())
	if mem.Alloc/1024/1024 > m.opts.MemoryThresholdMB {
		return true
	}
	return runtime.NumGoroutine() > m.opts.GoroutineThreshold
}

// refreshGauges pushes per-state agent counts to Prometheus.
func (m *Monitor) refreshGauges() {
	counts := map[State]int{StateHealthy: 0, StateDisconnected: 0, StateRecovering: 0, StateFailed: 0}
	m.mu.RLock()
	for _, entry := range m.agents {
		counts[entry.record.State]++
	}
	m.mu.RUnlock()
	for state, n := range counts {
		observability.SetAgentStateCount(string(state), n)
	}
}

// Close stops every per-agent ticker and any in-flight recovery loops,
// bounded by the context deadline.
func (m *Monitor) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, entry := range m.agents {
		close(entry.stop)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("health monitor shutdown interrupted: %w", ctx.Err())
	}
}
