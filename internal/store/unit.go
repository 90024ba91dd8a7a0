package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mattjoyce/studyplanner/internal/transcript"
)

// UnitStore provides operations on the units table. Units are the rendered
// entries of an exchange, kept in arrival order.
type UnitStore struct {
	db *sql.DB
}

// NewUnitStore creates a new UnitStore.
func NewUnitStore(db *sql.DB) *UnitStore {
	return &UnitStore{db: db}
}

// AppendAll stores units for an exchange in one transaction, numbering them
// after any units already stored.
func (s *UnitStore) AppendAll(ctx context.Context, exchangeID string, units []transcript.Unit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin units tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq) + 1, 0) FROM units WHERE exchange_id = ?`, exchangeID,
	).Scan(&next); err != nil {
		return fmt.Errorf("next unit seq: %w", err)
	}

	for i, u := range units {
		var payload any
		if len(u.Payload) > 0 {
			payload = string(u.Payload)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO units (exchange_id, seq, type, content, name, agent, info, payload)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			exchangeID, next+i, string(u.Type),
			nullable(u.Content), nullable(u.Name), nullable(u.Agent), nullable(u.Info), payload,
		)
		if err != nil {
			return fmt.Errorf("insert unit %d: %w", next+i, err)
		}
	}
	return tx.Commit()
}

// Transcript rebuilds the stored transcript of an exchange.
func (s *UnitStore) Transcript(ctx context.Context, exchangeID string) (*transcript.Transcript, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT type, content, name, agent, info, payload FROM units WHERE exchange_id = ? ORDER BY seq ASC`,
		exchangeID)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	defer rows.Close()

	t := transcript.New()
	for rows.Next() {
		var typ string
		var content, name, agent, info, payload sql.NullString
		if err := rows.Scan(&typ, &content, &name, &agent, &info, &payload); err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		u := transcript.Unit{
			Type:    transcript.UnitType(typ),
			Content: content.String,
			Name:    name.String,
			Agent:   agent.String,
			Info:    info.String,
		}
		if payload.Valid && payload.String != "" {
			u.Payload = json.RawMessage(payload.String)
		}
		t.Append(u)
	}
	return t, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
