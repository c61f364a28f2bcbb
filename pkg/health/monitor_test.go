package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ballast-ai/ballast/pkg/conversation"
	"github.com/ballast-ai/ballast/pkg/eventlog"
	"github.com/ballast-ai/ballast/pkg/observability"
)

func newTestEventLog(t *testing.T) *eventlog.Log {
	t.Helper()
	events, err := eventlog.Open(eventlog.Options{Dir: t.TempDir(), CompactionSchedule: "-"})
	if err != nil {
		t.Fatalf("eventlog.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = events.Close(context.Background()) })
	return events
}

func newTestMonitor(t *testing.T, restorer Restorer, opts Options) (*Monitor, *eventlog.Log) {
	t.Helper()
	if opts.TickInterval == 0 {
		opts.TickInterval = 10 * time.Millisecond
	}
	if opts.RecoveryBackoff == 0 {
		opts.RecoveryBackoff = 10 * time.Millisecond
	}
	if opts.RecoveryRate == 0 {
		opts.RecoveryRate = 1000
	}
	events := newTestEventLog(t)
	m, err := NewMonitor(events, restorer, opts)
	if err != nil {
		t.Fatalf("NewMonitor() error = %v", err)
	}
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m, events
}

// waitForState polls until the agent reaches the wanted state.
func waitForState(t *testing.T, m *Monitor, agentID string, want State) AgentRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, ok := m.Agent(agentID)
		if ok && rec.State == want {
			return rec
		}
		if time.Now().After(deadline) {
			t.Fatalf("agent %s never reached state %q (now %q)", agentID, want, rec.State)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type fakeRestorer struct {
	mu       sync.Mutex
	restored []string
}

func (r *fakeRestorer) Restore(ctx context.Context, sessionID string) (*conversation.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restored = append(r.restored, sessionID)
	return conversation.NewSession([]string{"agent"}, time.Hour), nil
}

func (r *fakeRestorer) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.restored...)
}

func TestRegisterAndHeartbeat(t *testing.T) {
	m, _ := newTestMonitor(t, nil, Options{})

	if err := m.Register("", RegisterOptions{}); err == nil {
		t.Error("Register() with empty ID should fail")
	}
	if err := m.Register("agent-1", RegisterOptions{}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	rec, ok := m.Agent("agent-1")
	if !ok {
		t.Fatal("Agent() should find the registered agent")
	}
	if rec.State != StateHealthy {
		t.Errorf("initial state = %q, want healthy", rec.State)
	}

	if err := m.Heartbeat("agent-1"); err != nil {
		t.Errorf("Heartbeat() error = %v", err)
	}
	if err := m.Heartbeat("stranger"); !errors.Is(err, ErrAgentNotRegistered) {
		t.Errorf("Heartbeat() for unknown agent error = %v, want ErrAgentNotRegistered", err)
	}
}

func TestRegisterUsesMonitorDefaults(t *testing.T) {
	m, _ := newTestMonitor(t, nil, Options{
		DefaultHeartbeatInterval: 7 * time.Second,
		DefaultTimeout:           42 * time.Second,
	})

	if err := m.Register("agent-1", RegisterOptions{}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	rec, _ := m.Agent("agent-1")
	if rec.HeartbeatInterval != 7*time.Second {
		t.Errorf("HeartbeatInterval = %v, want monitor default 7s", rec.HeartbeatInterval)
	}
	if rec.Timeout != 42*time.Second {
		t.Errorf("Timeout = %v, want monitor default 42s", rec.Timeout)
	}

	// Explicit options still win over the defaults.
	if err := m.Register("agent-2", RegisterOptions{Timeout: time.Minute}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	rec, _ = m.Agent("agent-2")
	if rec.Timeout != time.Minute {
		t.Errorf("Timeout = %v, want explicit 1m", rec.Timeout)
	}
}

func TestMissedDeadlineDisconnects(t *testing.T) {
	m, events := newTestMonitor(t, nil, Options{})
	ctx := context.Background()

	if err := m.Register("agent-1", RegisterOptions{Timeout: 30 * time.Millisecond}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	rec := waitForState(t, m, "agent-1", StateDisconnected)
	if rec.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", rec.ConsecutiveFailures)
	}

	replayed, err := events.Replay(ctx, eventlog.SystemStream, eventlog.ReplayOptions{
		Types: []eventlog.EventType{eventlog.TypeAgentFailure},
	})
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if len(replayed) != 1 {
		t.Fatalf("announced %d failure events, want 1", len(replayed))
	}
	e := replayed[0]
	if e.Priority != eventlog.PriorityCritical {
		t.Errorf("failure event priority = %q, want critical", e.Priority)
	}
	if e.AgentName != "agent-1" {
		t.Errorf("failure event agent = %q", e.AgentName)
	}
}

func TestRecoverySucceeds(t *testing.T) {
	restorer := &fakeRestorer{}
	m, events := newTestMonitor(t, restorer, Options{})
	ctx := context.Background()

	var probes int
	var probeMu sync.Mutex
	err := m.Register("agent-1", RegisterOptions{
		Timeout:  30 * time.Millisecond,
		Sessions: []string{"sess-1", "sess-2"},
		Recover: func(ctx context.Context, agentID string) error {
			probeMu.Lock()
			probes++
			probeMu.Unlock()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	waitForState(t, m, "agent-1", StateRecovering)
	probeMu.Lock()
	if probes == 0 {
		t.Error("recovery never probed the agent")
	}
	probeMu.Unlock()

	// The agent's own heartbeat completes recovery.
	if err := m.Heartbeat("agent-1"); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	rec := waitForState(t, m, "agent-1", StateHealthy)
	if rec.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures after recovery = %d, want 0", rec.ConsecutiveFailures)
	}

	restored := restorer.ids()
	if len(restored) != 2 {
		t.Fatalf("restored %d sessions, want 2", len(restored))
	}

	replayed, err := events.Replay(ctx, eventlog.SystemStream, eventlog.ReplayOptions{
		Types: []eventlog.EventType{eventlog.TypeAgentRecovered},
	})
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if len(replayed) != 1 {
		t.Fatalf("announced %d recovery events, want 1", len(replayed))
	}
	if replayed[0].Priority != eventlog.PriorityCritical {
		t.Error("recovery event should be critical")
	}
}

func TestRecoveryExhaustionIsTerminal(t *testing.T) {
	m, events := newTestMonitor(t, nil, Options{MaxRecoveryAttempts: 2})
	ctx := context.Background()

	err := m.Register("agent-1", RegisterOptions{
		Timeout: 30 * time.Millisecond,
		Recover: func(ctx context.Context, agentID string) error {
			return errors.New("unreachable")
		},
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	rec := waitForState(t, m, "agent-1", StateFailed)
	if rec.RecoveryAttempts != 2 {
		t.Errorf("RecoveryAttempts = %d, want 2", rec.RecoveryAttempts)
	}

	// Failed is terminal: a late heartbeat does not revive the agent.
	if err := m.Heartbeat("agent-1"); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	rec, _ = m.Agent("agent-1")
	if rec.State != StateFailed {
		t.Errorf("state after late heartbeat = %q, want failed", rec.State)
	}

	replayed, err := events.Replay(ctx, eventlog.SystemStream, eventlog.ReplayOptions{
		Types: []eventlog.EventType{eventlog.TypeAgentFailure},
	})
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	var terminal int
	for _, e := range replayed {
		if e.Data["terminal"] == true {
			terminal++
		}
	}
	if terminal != 1 {
		t.Errorf("announced %d terminal failure events, want 1", terminal)
	}

	// External remediation: re-registering resets the record.
	if err := m.Register("agent-1", RegisterOptions{Timeout: time.Hour}); err != nil {
		t.Fatalf("re-Register() error = %v", err)
	}
	rec, _ = m.Agent("agent-1")
	if rec.State != StateHealthy {
		t.Errorf("state after re-register = %q, want healthy", rec.State)
	}
}

func TestNoRecoverFuncWaitsForHeartbeat(t *testing.T) {
	m, _ := newTestMonitor(t, nil, Options{})

	if err := m.Register("agent-1", RegisterOptions{Timeout: 30 * time.Millisecond}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	waitForState(t, m, "agent-1", StateDisconnected)

	if err := m.Heartbeat("agent-1"); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	waitForState(t, m, "agent-1", StateHealthy)
}

func TestHealthAggregation(t *testing.T) {
	m, _ := newTestMonitor(t, nil, Options{})

	if err := m.Register("agent-1", RegisterOptions{Timeout: time.Hour}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	st := m.Health()
	if st.Overall != observability.HealthStatusHealthy {
		t.Errorf("Overall = %q, want healthy", st.Overall)
	}
	if st.Agents != 1 || st.Healthy != 1 {
		t.Errorf("counts = %+v", st)
	}

	if err := m.Register("agent-2", RegisterOptions{Timeout: 30 * time.Millisecond}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	waitForState(t, m, "agent-2", StateDisconnected)
	st = m.Health()
	if st.Overall != observability.HealthStatusDegraded {
		t.Errorf("Overall with one disconnected agent = %q, want degraded", st.Overall)
	}

	m.SetDegraded(true)
	st = m.Health()
	if st.Overall != observability.HealthStatusUnhealthy {
		t.Errorf("Overall while degraded declared = %q, want unhealthy", st.Overall)
	}
	if !st.Degraded {
		t.Error("status should carry the degraded declaration")
	}
	m.SetDegraded(false)
}

func TestDeregister(t *testing.T) {
	m, _ := newTestMonitor(t, nil, Options{})

	if err := m.Register("agent-1", RegisterOptions{Timeout: time.Hour}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	m.Deregister("agent-1")
	if _, ok := m.Agent("agent-1"); ok {
		t.Error("Agent() should not find a deregistered agent")
	}
	if err := m.Heartbeat("agent-1"); !errors.Is(err, ErrAgentNotRegistered) {
		t.Errorf("Heartbeat() after deregister error = %v, want ErrAgentNotRegistered", err)
	}
	m.Deregister("agent-1") // second deregister is a no-op
}

func TestCloseStopsMonitoring(t *testing.T) {
	m, _ := newTestMonitor(t, nil, Options{})

	if err := m.Register("agent-1", RegisterOptions{Timeout: time.Hour}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := m.Register("agent-2", RegisterOptions{}); !errors.Is(err, ErrMonitorClosed) {
		t.Errorf("Register() after close error = %v, want ErrMonitorClosed", err)
	}
	if err := m.Close(context.Background()); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
