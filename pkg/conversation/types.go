// Package conversation defines the durable state of a multi-agent
// conversation and the codec that moves that state to and from storage.
// A Session is the unit of persistence: everything the runtime needs to
// resume a conversation after a restart lives inside one Session value.
package conversation

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State describes where a session is in its lifecycle.
type State string

const (
	// StateActive means the session accepts reads and writes.
	StateActive State = "active"
	// StatePaused means the session is suspended but not expired.
	StatePaused State = "paused"
	// StateExpired means the session passed its expiry deadline.
	StateExpired State = "expired"
	// StateArchived means the session was retained read-only after expiry.
	StateArchived State = "archived"
)

// Valid reports whether s is one of the known lifecycle states.
func (s State) Valid() bool {
	switch s {
	case StateActive, StatePaused, StateExpired, StateArchived:
		return true
	}
	return false
}

// Session is the complete durable state of one multi-agent conversation.
// Version increments by exactly one on every successful persist; storage
// backends reject writes that do not carry the expected next version.
type Session struct {
	// ID is the unique session identifier (UUID v4).
	ID string `json:"id"`
	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt is when the session was last modified.
	UpdatedAt time.Time `json:"updatedAt"`
	// ExpiresAt is the expiry deadline. Always after CreatedAt.
	ExpiresAt time.Time `json:"expiresAt"`
	// State is the lifecycle state.
	State State `json:"state"`
	// AgentIDs lists the participating agents.
	AgentIDs []string `json:"agentIds"`
	// AgentStates holds per-agent private state, keyed by agent ID.
	AgentStates map[string]*AgentState `json:"agentStates"`
	// History is the cross-agent conversation transcript.
	History []MessageTurn `json:"conversationHistory"`
	// SharedContext is state visible to every participant.
	SharedContext map[string]any `json:"sharedContext"`
	// Metadata carries caller-defined annotations.
	Metadata map[string]any `json:"metadata,omitempty"`
	// Version is the optimistic concurrency counter, starting at 1.
	Version int `json:"version"`
}

// AgentState is the private durable state of a single agent within a
// session. MessageHistory is trimmed independently of the session-level
// transcript when the session exceeds its byte budget.
type AgentState struct {
	// Config is the agent configuration captured at session setup.
	Config map[string]any `json:"config,omitempty"`
	// Context is the agent's working memory.
	Context map[string]any `json:"context,omitempty"`
	// MessageHistory is the agent's view of the conversation, oldest first.
	MessageHistory []MessageTurn `json:"messageHistory"`
}

// MessageTurn is one user message and the responses it produced.
type MessageTurn struct {
	// Sequence orders turns within a history, starting at 1.
	Sequence int `json:"sequence"`
	// Timestamp is when the turn started.
	Timestamp time.Time `json:"timestamp"`
	// UserMessage is the user's message text.
	UserMessage string `json:"userMessage"`
	// AgentResponses holds each agent's reply to this turn.
	AgentResponses []AgentResponse `json:"agentResponses,omitempty"`
}

// AgentResponse is a single agent's reply within a turn.
type AgentResponse struct {
	// AgentID identifies the responding agent.
	AgentID string `json:"agentId"`
	// Response is the reply text.
	Response string `json:"response"`
	// Timestamp is when the reply was produced.
	Timestamp time.Time `json:"timestamp"`
}

// NewSession creates an active session for the given agents with version 1.
// Each agent starts with an empty state entry. All timestamps are UTC.
func NewSession(agentIDs []string, ttl time.Duration) *Session {
	now := time.Now().UTC()
	states := make(map[string]*AgentState, len(agentIDs))
	for _, id := range agentIDs {
		states[id] = &AgentState{
			Config:         map[string]any{},
			Context:        map[string]any{},
			MessageHistory: []MessageTurn{},
		}
	}
	return &Session{
		ID:            uuid.New().String(),
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		State:         StateActive,
		AgentIDs:      append([]string(nil), agentIDs...),
		AgentStates:   states,
		History:       []MessageTurn{},
		SharedContext: map[string]any{},
		Version:       1,
	}
}

// Validate checks the structural invariants a session must satisfy before
// it is persisted.
func (s *Session) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil session", ErrInvalidSession)
	}
	if s.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidSession)
	}
	if s.Version < 1 {
		return fmt.Errorf("%w: version %d below 1", ErrInvalidSession, s.Version)
	}
	if !s.State.Valid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidSession, s.State)
	}
	if !s.ExpiresAt.After(s.CreatedAt) {
		return fmt.Errorf("%w: expiresAt not after createdAt", ErrInvalidSession)
	}
	return nil
}

// IsExpired reports whether the session's expiry deadline has passed.
func (s *Session) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// NextSequence returns the sequence number the next transcript turn
// should carry.
func (s *Session) NextSequence() int {
	if len(s.History) == 0 {
		return 1
	}
	return s.History[len(s.History)-1].Sequence + 1
}

// Clone returns a deep copy. Mutating the copy never affects the original,
// including nested maps and slices.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.AgentIDs = append([]string(nil), s.AgentIDs...)
	out.History = cloneTurns(s.History)
	out.SharedContext = cloneValueMap(s.SharedContext)
	out.Metadata = cloneValueMap(s.Metadata)
	if s.AgentStates != nil {
		out.AgentStates = make(map[string]*AgentState, len(s.AgentStates))
		for id, st := range s.AgentStates {
			out.AgentStates[id] = st.clone()
		}
	}
	return &out
}

func (a *AgentState) clone() *AgentState {
	if a == nil {
		return nil
	}
	return &AgentState{
		Config:         cloneValueMap(a.Config),
		Context:        cloneValueMap(a.Context),
		MessageHistory: cloneTurns(a.MessageHistory),
	}
}

func cloneTurns(turns []MessageTurn) []MessageTurn {
	if turns == nil {
		return nil
	}
	out := make([]MessageTurn, len(turns))
	for i, t := range turns {
		out[i] = t
		out[i].AgentResponses = append([]AgentResponse(nil), t.AgentResponses...)
	}
	return out
}

func cloneValueMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneValueMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return val
	}
}
