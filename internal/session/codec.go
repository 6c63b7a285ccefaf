package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// recordVersion is bumped when the stored layout changes.
const recordVersion = 1

type record struct {
	Version int `json:"v"`
	*Session
}

// Encode serializes a session to its stored record.
func Encode(s *Session) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("encode: nil session")
	}
	c := s.Clone()
	c.CreatedAt = c.CreatedAt.UTC()
	c.LastActiveAt = c.LastActiveAt.UTC()
	for i := range c.Turns {
		c.Turns[i].Timestamp = c.Turns[i].Timestamp.UTC()
	}
	return json.Marshal(record{Version: recordVersion, Session: c})
}

// Decode parses a stored record. Decode(Encode(s)) equals s.
func Decode(data []byte) (*Session, error) {
	rec := record{Session: &Session{}}
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if rec.Version > recordVersion {
		return nil, fmt.Errorf("decode session: record version %d is newer than %d", rec.Version, recordVersion)
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("decode session: missing session_id")
	}
	if rec.Scratch == nil {
		rec.Scratch = make(map[string]json.RawMessage)
	}
	return rec.Session, nil
}

func utcNow() time.Time { return time.Now().UTC() }
