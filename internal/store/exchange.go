package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ExchangeStatus represents the lifecycle state of a recorded exchange.
type ExchangeStatus string

const (
	ExchangeStatusStreaming ExchangeStatus = "streaming"
	ExchangeStatusCompleted ExchangeStatus = "completed"
	ExchangeStatusFailed    ExchangeStatus = "failed"
)

// Exchange is one prompt and the response stream it produced.
type Exchange struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	Prompt      string         `json:"prompt"`
	Status      ExchangeStatus `json:"status"`
	UnitCount   int            `json:"unit_count"`
	Error       *string        `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// ExchangeStore provides operations on the exchanges table.
type ExchangeStore struct {
	db *sql.DB
}

// NewExchangeStore creates a new ExchangeStore.
func NewExchangeStore(db *sql.DB) *ExchangeStore {
	return &ExchangeStore{db: db}
}

// Create inserts a streaming exchange.
func (s *ExchangeStore) Create(ctx context.Context, sessionID, prompt string) (*Exchange, error) {
	now := time.Now().UTC()
	ex := &Exchange{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Prompt:    prompt,
		Status:    ExchangeStatusStreaming,
		StartedAt: now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exchanges (id, session_id, prompt, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		ex.ID, ex.SessionID, ex.Prompt, string(ex.Status), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert exchange: %w", err)
	}
	return ex, nil
}

// Finish moves an exchange to a terminal status.
func (s *ExchangeStore) Finish(ctx context.Context, id string, status ExchangeStatus, unitCount int, errMsg *string) error {
	if status != ExchangeStatusCompleted && status != ExchangeStatusFailed {
		return fmt.Errorf("finish exchange: %q is not a terminal status", status)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`UPDATE exchanges SET status = ?, unit_count = ?, error = COALESCE(?, error), completed_at = ?
		 WHERE id = ? AND status = ?`,
		string(status), unitCount, errMsg, now, id, string(ExchangeStatusStreaming),
	)
	if err != nil {
		return fmt.Errorf("finish exchange: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish exchange %s: not streaming", id)
	}
	return nil
}

const exchangeColumns = `id, session_id, prompt, status, unit_count, error, started_at, completed_at`

// GetByID retrieves an exchange. It returns sql.ErrNoRows when missing.
func (s *ExchangeStore) GetByID(ctx context.Context, id string) (*Exchange, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+exchangeColumns+` FROM exchanges WHERE id = ?`, id)
	return scanExchange(row)
}

// ListBySession returns a session's exchanges in insertion order.
func (s *ExchangeStore) ListBySession(ctx context.Context, sessionID string) ([]*Exchange, error) {
	return s.list(ctx,
		`SELECT `+exchangeColumns+` FROM exchanges WHERE session_id = ? ORDER BY rowid ASC`, sessionID)
}

// ListRecent returns the newest exchanges across sessions.
func (s *ExchangeStore) ListRecent(ctx context.Context, limit int) ([]*Exchange, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.list(ctx,
		`SELECT `+exchangeColumns+` FROM exchanges ORDER BY rowid DESC LIMIT ?`, limit)
}

func (s *ExchangeStore) list(ctx context.Context, query string, args ...any) ([]*Exchange, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list exchanges: %w", err)
	}
	defer rows.Close()

	var out []*Exchange
	for rows.Next() {
		ex, err := scanExchange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanExchange(s scanner) (*Exchange, error) {
	var ex Exchange
	var status string
	var errMsg sql.NullString
	var startedAt string
	var completedAt *string

	err := s.Scan(&ex.ID, &ex.SessionID, &ex.Prompt, &status, &ex.UnitCount, &errMsg, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan exchange: %w", err)
	}

	ex.Status = ExchangeStatus(status)
	if errMsg.Valid {
		v := errMsg.String
		ex.Error = &v
	}
	if t := parseTime(&startedAt); t != nil {
		ex.StartedAt = *t
	}
	ex.CompletedAt = parseTime(completedAt)
	return &ex, nil
}

func parseTime(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil
	}
	return &t
}
