package stream

import (
	"log/slog"
	"strings"

	"github.com/mattjoyce/studyplanner/internal/render"
	"github.com/mattjoyce/studyplanner/internal/transcript"
)

// Accumulator coalesces consecutive message tokens into one text unit per
// uninterrupted run. The buffer is non-empty only between a token and the
// next Flush.
type Accumulator struct {
	placer    *render.Placer
	logger    *slog.Logger
	sessionID string

	buf     strings.Builder
	slot    render.Placement
	claimed bool
}

// NewAccumulator binds an accumulator to the placer of one rendered message.
func NewAccumulator(placer *render.Placer, sessionID string, logger *slog.Logger) *Accumulator {
	return &Accumulator{placer: placer, sessionID: sessionID, logger: logger}
}

// Append adds a token and redraws the claimed slot with the whole buffer.
// Empty tokens neither claim a slot nor redraw.
func (a *Accumulator) Append(token string) {
	if token == "" {
		return
	}
	if !a.claimed {
		a.slot = a.placer.Claim()
		a.claimed = true
	}
	a.buf.WriteString(token)
	if !a.slot.Inline {
		a.placer.Show(a.slot, transcript.Text(a.buf.String()))
	}
}

// Flush emits the buffered text as a completed unit. It reports false when
// there was nothing to flush.
func (a *Accumulator) Flush() (transcript.Unit, bool) {
	if a.buf.Len() == 0 {
		return transcript.Unit{}, false
	}
	u := transcript.Text(a.buf.String())
	// Inline units were never drawn while growing.
	if a.slot.Inline {
		a.placer.Show(a.slot, u)
	}
	a.logger.Info("assistant response", "session_id", a.sessionID, "slot", a.slot.Slot, "text", u.Content)

	a.buf.Reset()
	a.slot = render.Placement{}
	a.claimed = false
	return u, true
}

// Pending returns the buffered text not yet flushed.
func (a *Accumulator) Pending() string {
	return a.buf.String()
}
