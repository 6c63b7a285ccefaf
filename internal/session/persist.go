package session

import (
	"context"

	"github.com/normanking/agentcore/internal/data"
)

// SQLPersister stores sessions in the sessions table.
type SQLPersister struct {
	store *data.Store
}

var _ Persister = (*SQLPersister)(nil)

// NewSQLPersister wraps a data store.
func NewSQLPersister(store *data.Store) *SQLPersister {
	return &SQLPersister{store: store}
}

// Save implements Persister.
func (p *SQLPersister) Save(ctx context.Context, s *Session) error {
	record, err := Encode(s)
	if err != nil {
		return err
	}
	return p.store.SaveSession(ctx, data.SessionRow{
		ID:           s.ID,
		Record:       record,
		TurnCount:    len(s.Turns),
		CreatedAt:    s.CreatedAt,
		LastActiveAt: s.LastActiveAt,
	})
}

// Load implements Persister.
func (p *SQLPersister) Load(ctx context.Context, id string) (*Session, bool, error) {
	row, found, err := p.store.LoadSession(ctx, id)
	if err != nil || !found {
		return nil, false, err
	}
	s, err := Decode(row.Record)
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

// Delete implements Persister.
func (p *SQLPersister) Delete(ctx context.Context, id string) error {
	return p.store.DeleteSession(ctx, id)
}
