package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrMalformed indicates a payload that cannot be decoded.
	ErrMalformed = errors.New("malformed session payload")
	// ErrInvalidSession indicates a session violating a structural invariant.
	ErrInvalidSession = errors.New("invalid session")
)

// Codec converts sessions to and from their persisted JSON form and
// enforces the per-session byte budget. Encoding is deterministic: the
// same session always produces the same bytes, so sizes are stable and
// backends can compare payloads.
type Codec struct{}

// NewCodec returns a Codec.
func NewCodec() *Codec {
	return &Codec{}
}

// Encode serializes a session to compact JSON. Timestamps keep their
// offsets, so decoding yields the same absolute instants.
func (c *Codec) Encode(s *Session) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil session", ErrInvalidSession)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	return data, nil
}

// Decode deserializes a session previously produced by Encode. Malformed
// input yields ErrMalformed. Decode does not validate field presence;
// callers that need structural guarantees run Validate on the result.
func (c *Codec) Decode(data []byte) (*Session, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	return &s, nil
}

// Size returns the exact number of bytes Encode would produce.
func (c *Codec) Size(s *Session) (int, error) {
	data, err := c.Encode(s)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// Trim reduces a session to at most maxBytes by discarding the oldest
// per-agent message-history entries, round-robin over agents in sorted ID
// order, recomputing the size after every removal. Each agent's most
// recent entry is never discarded, and the session-level transcript,
// shared context, and metadata are never touched. A session already
// within budget (or a non-positive budget) comes back unchanged with
// zero bytes removed. When nothing more can be discarded the closest
// achievable size is returned.
func (c *Codec) Trim(s *Session, maxBytes int) (*Session, int, error) {
	size, err := c.Size(s)
	if err != nil {
		return nil, 0, err
	}
	if maxBytes <= 0 || size <= maxBytes {
		return s, 0, nil
	}

	trimmed := s.Clone()
	agents := make([]string, 0, len(trimmed.AgentStates))
	for id := range trimmed.AgentStates {
		agents = append(agents, id)
	}
	sort.Strings(agents)

	cur := size
	for cur > maxBytes {
		dropped := false
		for _, id := range agents {
			st := trimmed.AgentStates[id]
			if st == nil || len(st.MessageHistory) <= 1 {
				continue
			}
			st.MessageHistory = st.MessageHistory[1:]
			dropped = true
			cur, err = c.Size(trimmed)
			if err != nil {
				return nil, 0, err
			}
			if cur <= maxBytes {
				break
			}
		}
		if !dropped {
			break
		}
	}
	return trimmed, size - cur, nil
}
