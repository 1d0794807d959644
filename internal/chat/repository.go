package chat

import (
	"context"
	"database/sql"
)

// Repository stores session metadata in Postgres. Identifiers arrive already
// pseudonymized; message bodies never reach it.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) SaveStart(ctx context.Context, e SessionEvent) error {
	query := `
		INSERT INTO chat_sessions (room_ref, seeker_ref, listener_id, request_id, started_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (room_ref, started_at) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query, e.RoomID, e.SeekerID, e.ListenerID, e.RequestID, e.StartedAt)
	return err
}

func (r *Repository) SaveClose(ctx context.Context, e SessionEvent) error {
	query := `
		UPDATE chat_sessions
		SET ended_at = $1, end_reason = $2, ended_by_role = $3
		WHERE room_ref = $4 AND started_at = $5 AND ended_at IS NULL
	`
	_, err := r.db.ExecContext(ctx, query, e.At, string(e.Kind), string(e.EndedByRole), e.RoomID, e.StartedAt)
	return err
}

func (r *Repository) ListenerSessions(ctx context.Context, listenerID string, limit int) ([]SessionRecord, error) {
	query := `
		SELECT room_ref, seeker_ref, listener_id, started_at, ended_at, end_reason, ended_by_role
		FROM chat_sessions
		WHERE listener_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, listenerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(&rec.RoomRef, &rec.SeekerRef, &rec.ListenerID, &rec.StartedAt,
			&rec.EndedAt, &rec.EndReason, &rec.EndedByRole); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
