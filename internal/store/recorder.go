package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mattjoyce/studyplanner/internal/transcript"
)

// Recorder writes each exchange and its transcript to the audit database.
// It is write-only from the client's point of view; nothing reads it back
// into a live session.
type Recorder struct {
	exchanges *ExchangeStore
	units     *UnitStore
}

// NewRecorder creates a Recorder over db.
func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{exchanges: NewExchangeStore(db), units: NewUnitStore(db)}
}

// Begin records a new exchange and returns its ID.
func (r *Recorder) Begin(ctx context.Context, sessionID, prompt string) (string, error) {
	ex, err := r.exchanges.Create(ctx, sessionID, prompt)
	if err != nil {
		return "", err
	}
	return ex.ID, nil
}

// Finish stores the transcript and closes the exchange.
func (r *Recorder) Finish(ctx context.Context, exchangeID string, failed bool, t *transcript.Transcript, errMsg string) error {
	if err := r.units.AppendAll(ctx, exchangeID, t.Messages); err != nil {
		return fmt.Errorf("record units: %w", err)
	}
	status := ExchangeStatusCompleted
	var msg *string
	if failed {
		status = ExchangeStatusFailed
		msg = &errMsg
	}
	return r.exchanges.Finish(ctx, exchangeID, status, t.Len(), msg)
}
