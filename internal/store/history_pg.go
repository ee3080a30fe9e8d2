package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/katakuxiko/ragchat/internal/model"
)

// PgSessions хранит ход диалога в JSONB, по строке на сессию.
type PgSessions struct {
	db *sql.DB
}

func NewPgSessions(db *sql.DB) *PgSessions {
	return &PgSessions{db: db}
}

func (p *PgSessions) Insert(ctx context.Context, s model.Session) error {
	turns, err := marshalTurns(s.Turns)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (session_id, created_at, updated_at, turns)
		VALUES ($1, $2, $3, $4)
	`, s.ID, s.CreatedAt, s.UpdatedAt, turns)
	return err
}

func (p *PgSessions) Load(ctx context.Context, id string) (model.Session, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT session_id, created_at, updated_at, turns
		FROM chat_sessions
		WHERE session_id = $1
	`, id)
	return scanSession(row, id)
}

// Update блокирует строку (FOR UPDATE) на время read-modify-write.
func (p *PgSessions) Update(ctx context.Context, id string, fn func(*model.Session) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT session_id, created_at, updated_at, turns
		FROM chat_sessions
		WHERE session_id = $1
		FOR UPDATE
	`, id)
	s, err := scanSession(row, id)
	if err != nil {
		return err
	}
	if err := fn(&s); err != nil {
		return err
	}
	turns, err := marshalTurns(s.Turns)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE chat_sessions SET turns = $2, updated_at = $3
		WHERE session_id = $1
	`, id, turns, s.UpdatedAt); err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	return tx.Commit()
}

func (p *PgSessions) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE session_id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(id)
	}
	return nil
}

func (p *PgSessions) List(ctx context.Context) ([]model.SessionSummary, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT session_id, created_at, updated_at, jsonb_array_length(turns), COALESCE(turns->0->>'query', '')
		FROM chat_sessions
		ORDER BY created_at DESC, session_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.SessionSummary{}
	for rows.Next() {
		var s model.SessionSummary
		if err := rows.Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt, &s.NumMessages, &s.FirstQuery); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSession(row *sql.Row, id string) (model.Session, error) {
	var (
		s   model.Session
		raw []byte
	)
	if err := row.Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt, &raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Session{}, notFound(id)
		}
		return model.Session{}, err
	}
	if err := json.Unmarshal(raw, &s.Turns); err != nil {
		return model.Session{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	if s.Turns == nil {
		s.Turns = []model.Turn{}
	}
	return s, nil
}

func marshalTurns(turns []model.Turn) ([]byte, error) {
	if turns == nil {
		turns = []model.Turn{}
	}
	return json.Marshal(turns)
}
