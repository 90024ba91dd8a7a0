package render

import (
	"log/slog"

	"github.com/mattjoyce/studyplanner/internal/plan"
)

// GridCell is one day of the task grid and where it is drawn.
type GridCell struct {
	Placement
	Day plan.Day
}

// Grid is the laid-out task panel: one cell per day followed by the
// wrap-up control.
type Grid struct {
	Cells     []GridCell
	WrapUp    Placement
	Reflected int
	// WrapUpReady is true when every day has feedback.
	WrapUpReady bool
}

// LayoutTaskGrid assigns each day, in date order, to the next slot of a
// task-grid sequence. Days past capacity are marked inline.
func LayoutTaskGrid(tasks []plan.Task, feedback []plan.Feedback, capacity int, logger *slog.Logger) Grid {
	days := plan.GroupByDate(tasks, feedback)
	seq := NewSequence(capacity)
	claim := func() Placement {
		idx, err := seq.ClaimNext()
		if err != nil {
			logger.Warn("task grid capacity exceeded, rendering inline", "slot", idx, "capacity", capacity)
			return Placement{Slot: idx, Inline: true}
		}
		return Placement{Slot: idx}
	}

	g := Grid{Cells: make([]GridCell, 0, len(days))}
	for _, d := range days {
		g.Cells = append(g.Cells, GridCell{Placement: claim(), Day: d})
	}
	if len(days) > 0 {
		g.WrapUp = claim()
	}
	g.Reflected = plan.ReflectedCount(days)
	g.WrapUpReady = plan.AllReflected(days)
	return g
}

// Days returns the grid's days in order.
func (g Grid) Days() []plan.Day {
	out := make([]plan.Day, len(g.Cells))
	for i, c := range g.Cells {
		out[i] = c.Day
	}
	return out
}
