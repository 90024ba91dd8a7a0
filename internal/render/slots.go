package render

import (
	"errors"
	"log/slog"

	"github.com/mattjoyce/studyplanner/internal/transcript"
)

// ErrSlotExhausted is returned once a sequence has handed out its capacity.
// It is never fatal: the unit is rendered inline instead.
var ErrSlotExhausted = errors.New("display slot capacity exhausted")

// Default capacities for the two slot contexts.
const (
	ChatCapacity     = 100
	TaskGridCapacity = 20
)

// Sequence hands out display slot indices in arrival order. Capacity is a
// soft bound; claims beyond it still get the next index but report
// ErrSlotExhausted so the caller degrades to inline rendering.
type Sequence struct {
	capacity int
	next     int
}

// NewSequence returns a sequence with the given soft capacity.
func NewSequence(capacity int) *Sequence {
	if capacity < 0 {
		capacity = 0
	}
	return &Sequence{capacity: capacity}
}

// ClaimNext returns the next index, starting at 0.
func (s *Sequence) ClaimNext() (int, error) {
	idx := s.next
	s.next++
	if idx >= s.capacity {
		return idx, ErrSlotExhausted
	}
	return idx, nil
}

// Claimed returns how many indices have been handed out.
func (s *Sequence) Claimed() int { return s.next }

// Capacity returns the soft bound.
func (s *Sequence) Capacity() int { return s.capacity }

// Placement is where a unit ended up.
type Placement struct {
	Slot   int
	Inline bool
}

// Placer binds a Sequence to a Display.
type Placer struct {
	seq     *Sequence
	display Display
	logger  *slog.Logger
}

// NewPlacer creates a Placer for one rendered message.
func NewPlacer(seq *Sequence, display Display, logger *slog.Logger) *Placer {
	return &Placer{seq: seq, display: display, logger: logger}
}

// Claim reserves the next position without rendering anything.
func (p *Placer) Claim() Placement {
	idx, err := p.seq.ClaimNext()
	if err != nil {
		p.logger.Warn("display slot capacity exceeded, rendering inline",
			"slot", idx,
			"capacity", p.seq.Capacity(),
		)
		return Placement{Slot: idx, Inline: true}
	}
	return Placement{Slot: idx}
}

// Show renders u at pl. Tool notices without a slot also raise a warning.
func (p *Placer) Show(pl Placement, u transcript.Unit) {
	if !pl.Inline {
		p.display.ShowSlot(pl.Slot, u)
		return
	}
	if u.Type == transcript.UnitTool {
		p.display.Warn("도구 표시 오류: " + u.Label())
	}
	p.display.ShowInline(u)
}

// Place claims the next position and renders u there.
func (p *Placer) Place(u transcript.Unit) Placement {
	pl := p.Claim()
	p.Show(pl, u)
	return pl
}
