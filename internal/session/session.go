// Package session is the context store: bounded conversation history and a
// shared scratch area per session, an exclusive per-request lease, and an idle
// reaper that never touches a leased session.
package session

import (
	"encoding/json"
	"time"

	"github.com/normanking/agentcore/pkg/types"
)

// DefaultMaxTurns bounds the history kept per session.
const DefaultMaxTurns = 10

// Turn is one completed request/response exchange.
type Turn struct {
	RequestID       string          `json:"request_id"`
	IntentSummary   string          `json:"intent_summary"`
	ResponseSummary string          `json:"response_summary"`
	Domain          string          `json:"domain,omitempty"`
	Success         bool            `json:"success"`
	ErrorKind       types.ErrorKind `json:"error_kind,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Session is the conversational state of one user/channel.
type Session struct {
	ID           string                     `json:"session_id"`
	Turns        []Turn                     `json:"turns,omitempty"`
	Scratch      map[string]json.RawMessage `json:"scratch,omitempty"`
	CreatedAt    time.Time                  `json:"created_at"`
	LastActiveAt time.Time                  `json:"last_active_at"`
}

func newSession(id string, now time.Time) *Session {
	return &Session{
		ID:           id,
		Scratch:      make(map[string]json.RawMessage),
		CreatedAt:    now,
		LastActiveAt: now,
	}
}

// LastTurn returns the most recent turn.
func (s *Session) LastTurn() (Turn, bool) {
	if len(s.Turns) == 0 {
		return Turn{}, false
	}
	return s.Turns[len(s.Turns)-1], true
}

// LastDomain is the domain of the most recent turn, or "".
func (s *Session) LastDomain() string {
	t, _ := s.LastTurn()
	return t.Domain
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Turns != nil {
		c.Turns = append([]Turn(nil), s.Turns...)
	}
	c.Scratch = make(map[string]json.RawMessage, len(s.Scratch))
	for k, v := range s.Scratch {
		c.Scratch[k] = append(json.RawMessage(nil), v...)
	}
	return &c
}

// appendTurn adds t and evicts the oldest turns beyond max.
func (s *Session) appendTurn(t Turn, max int) {
	s.Turns = append(s.Turns, t)
	if max > 0 && len(s.Turns) > max {
		s.Turns = append([]Turn(nil), s.Turns[len(s.Turns)-max:]...)
	}
}
