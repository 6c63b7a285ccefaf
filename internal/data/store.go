package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/normanking/agentcore/internal/bus"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SESSION SNAPSHOTS
// ═══════════════════════════════════════════════════════════════════════════════

// SessionRow is a stored session snapshot.
type SessionRow struct {
	ID           string
	Record       []byte
	TurnCount    int
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// SaveSession upserts a session snapshot.
func (s *Store) SaveSession(ctx context.Context, row SessionRow) error {
	if row.ID == "" {
		return fmt.Errorf("session ID cannot be empty")
	}

	query := `
		INSERT INTO sessions (id, record, turn_count, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			record = excluded.record,
			turn_count = excluded.turn_count,
			last_active_at = excluded.last_active_at
	`
	s.log.SQL(query, row.ID)

	_, err := s.db.ExecContext(ctx, query,
		row.ID, string(row.Record), row.TurnCount,
		row.CreatedAt.UnixMilli(), row.LastActiveAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", row.ID, err)
	}
	return nil
}

// LoadSession returns the snapshot for id. found is false when none is stored.
func (s *Store) LoadSession(ctx context.Context, id string) (row SessionRow, found bool, err error) {
	query := `SELECT id, record, turn_count, created_at, last_active_at FROM sessions WHERE id = ?`
	s.log.SQL(query, id)

	var record string
	var created, active int64
	err = s.db.QueryRowContext(ctx, query, id).Scan(&row.ID, &record, &row.TurnCount, &created, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRow{}, false, nil
	}
	if err != nil {
		return SessionRow{}, false, fmt.Errorf("load session %s: %w", id, err)
	}

	row.Record = []byte(record)
	row.CreatedAt = time.UnixMilli(created).UTC()
	row.LastActiveAt = time.UnixMilli(active).UTC()
	return row, true, nil
}

// DeleteSession removes a snapshot. Deleting a missing session is not an error.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// ListSessions returns stored sessions, most recently active first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionRow, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, turn_count, created_at, last_active_at
		FROM sessions ORDER BY last_active_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		var created, active int64
		if err := rows.Scan(&r.ID, &r.TurnCount, &created, &active); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		r.CreatedAt = time.UnixMilli(created).UTC()
		r.LastActiveAt = time.UnixMilli(active).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// ═══════════════════════════════════════════════════════════════════════════════
// AUDIT LOG
// ═══════════════════════════════════════════════════════════════════════════════

// RecordEvent appends one bus event to the audit log. Re-recording an ID is ignored.
func (s *Store) RecordEvent(ctx context.Context, e bus.Event) error {
	query := `
		INSERT OR IGNORE INTO events (
			id, type, session_id, request_id, state, duration_ms, error_kind,
			provider, model, reason, plugin, details, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID, string(e.Type), nullString(e.SessionID), nullString(e.RequestID),
		nullString(e.State), e.DurationMs, nullString(e.ErrorKind),
		nullString(e.Provider), nullString(e.Model), nullString(e.Reason),
		nullString(e.Plugin), nullString(e.Details), e.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record event %s: %w", e.ID, err)
	}
	return nil
}

// EventFilter narrows RecentEvents.
type EventFilter struct {
	SessionID string
	RequestID string
	Type      bus.EventType
	Limit     int
}

// RecentEvents returns matching events, oldest first, capped at filter.Limit (default 100).
func (s *Store) RecentEvents(ctx context.Context, filter EventFilter) ([]bus.Event, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}

	query := `
		SELECT id, type, session_id, request_id, state, duration_ms, error_kind,
		       provider, model, reason, plugin, details, created_at
		FROM (
			SELECT * FROM events
			WHERE (? = '' OR session_id = ?)
			  AND (? = '' OR request_id = ?)
			  AND (? = '' OR type = ?)
			ORDER BY created_at DESC, rowid DESC
			LIMIT ?
		) ORDER BY created_at ASC
	`
	t := string(filter.Type)
	rows, err := s.db.QueryContext(ctx, query,
		filter.SessionID, filter.SessionID,
		filter.RequestID, filter.RequestID,
		t, t, filter.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []bus.Event
	for rows.Next() {
		var e bus.Event
		var typ string
		var sessionID, requestID, state, errorKind, provider, model, reason, plugin, details sql.NullString
		var created int64
		if err := rows.Scan(&e.ID, &typ, &sessionID, &requestID, &state, &e.DurationMs, &errorKind,
			&provider, &model, &reason, &plugin, &details, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = bus.EventType(typ)
		e.SessionID = sessionID.String
		e.RequestID = requestID.String
		e.State = state.String
		e.ErrorKind = errorKind.String
		e.Provider = provider.String
		e.Model = model.String
		e.Reason = reason.String
		e.Plugin = plugin.String
		e.Details = details.String
		e.Timestamp = time.UnixMilli(created).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneEvents deletes audit rows older than cutoff and returns how many were removed.
func (s *Store) PruneEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}

// AttachAudit subscribes the store to every bus event. Write failures are logged.
func (s *Store) AttachAudit(b *bus.Bus) bus.SubscriptionID {
	return b.Subscribe(bus.Filter{}, func(e bus.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.RecordEvent(ctx, e); err != nil {
			s.log.Warn("audit write failed: %v", err)
		}
	})
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
