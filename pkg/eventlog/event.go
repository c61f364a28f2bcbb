// Package eventlog provides the append-only, replayable event stream
// backing the conversation runtime. Every significant occurrence is
// published as an immutable Event, appended to a per-session JSONL file
// through a small write buffer, indexed in memory for fast filtered
// replay, and delivered synchronously to any in-process subscribers.
// Durability for consumers that were not listening comes from Replay,
// not from live delivery.
package eventlog

import (
	"errors"
	"time"
)

// SystemStream is the reserved stream ID for events that concern the
// runtime itself rather than one conversation, such as agent failure
// and recovery announcements.
const SystemStream = "system-health"

// Priority classifies how important an event is to replay consumers.
type Priority string

const (
	// PriorityNormal marks routine events.
	PriorityNormal Priority = "normal"
	// PriorityCritical marks events that must be examined when a
	// consumer reconciles state, such as failures and interrupts.
	PriorityCritical Priority = "critical"
)

// EventType names what happened. The set is open: consumers may publish
// their own types, and unknown types flow through untouched.
type EventType string

const (
	TypeMessage               EventType = "message"
	TypeHandoff               EventType = "handoff"
	TypePlanCreated           EventType = "plan-created"
	TypeStepStarted           EventType = "step-started"
	TypeStepCompleted         EventType = "step-completed"
	TypeUserInterrupt         EventType = "user-interrupt"
	TypeOrchestrationDecision EventType = "orchestration-decision"
	TypeSessionUpdated        EventType = "session-updated"
	TypeSessionExpired        EventType = "session-expired"
	TypeAgentFailure          EventType = "agent-failure"
	TypeAgentRecovered        EventType = "agent-recovered"
)

// Common errors for event log operations.
var (
	// ErrLogClosed is returned when operating on a closed log.
	ErrLogClosed = errors.New("event log is closed")
	// ErrInvalidEvent is returned when a published event is missing a
	// required field.
	ErrInvalidEvent = errors.New("invalid event")
)

// Event is one immutable, ordered fact about what happened in a
// session. Publish assigns ID, Sequence, and Timestamp; after that the
// event never changes and is only ever removed by retention compaction.
type Event struct {
	// ID is the unique event identifier (UUID v4), assigned on publish.
	ID string `json:"id"`
	// Sequence is the per-session append order, starting at 1.
	Sequence uint64 `json:"sequence"`
	// Timestamp is when the event was published (UTC).
	Timestamp time.Time `json:"timestamp"`
	// SessionID is the stream this event belongs to.
	SessionID string `json:"sessionId"`
	// Type names what happened.
	Type EventType `json:"type"`
	// Priority is critical or normal. Empty defaults to normal.
	Priority Priority `json:"priority"`
	// AgentName identifies the agent involved, when there is one.
	AgentName string `json:"agentName,omitempty"`
	// Data carries event-specific payload.
	Data map[string]any `json:"data,omitempty"`
}

// Handler receives events delivered to a subscription. Delivery is
// synchronous on the publishing goroutine; handlers must not block.
type Handler func(*Event)

// ReplayOptions narrows a Replay call.
type ReplayOptions struct {
	// Since keeps only events published strictly after this instant.
	Since time.Time
	// PriorityOnly keeps only critical events.
	PriorityOnly bool
	// Types keeps only events of these types. Empty means all.
	Types []EventType
	// Limit caps the number of returned events. Zero means no cap.
	Limit int
}

func (o ReplayOptions) matchesEntry(e indexEntry) bool {
	if !o.Since.IsZero() && !e.timestamp.After(o.Since) {
		return false
	}
	if o.PriorityOnly && e.priority != PriorityCritical {
		return false
	}
	if len(o.Types) > 0 {
		ok := false
		for _, t := range o.Types {
			if e.eventType == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// indexEntry is the in-memory record of one persisted event: enough to
// decide whether the event matches a replay filter and where its bytes
// live, without touching the file.
type indexEntry struct {
	id        string
	sequence  uint64
	timestamp time.Time
	priority  Priority
	eventType EventType
	offset    int64
	length    int
}
