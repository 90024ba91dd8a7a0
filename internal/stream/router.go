package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/studyplanner/internal/event"
	"github.com/mattjoyce/studyplanner/internal/plan"
	"github.com/mattjoyce/studyplanner/internal/session"
)

// Outcome is what routing a structured update did to the session.
type Outcome int

const (
	// OutcomeUnchanged means the new list equals the current one.
	OutcomeUnchanged Outcome = iota
	// OutcomeRefreshNow means the state changed outside a stream and the
	// display should redraw immediately.
	OutcomeRefreshNow
	// OutcomeDeferred means the state changed mid-stream; the redraw is
	// owed until the stream finishes.
	OutcomeDeferred
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRefreshNow:
		return "refresh_now"
	case OutcomeDeferred:
		return "deferred"
	default:
		return "unchanged"
	}
}

// Router applies task and feedback snapshots to session state. Applying
// state is always safe; redrawing is only safe outside a stream, so while
// streaming it only records a deferred refresh.
type Router struct {
	state  *session.State
	logger *slog.Logger
	// onRefresh is invoked for OutcomeRefreshNow.
	onRefresh func()
}

// NewRouter creates a router for state. onRefresh may be nil.
func NewRouter(state *session.State, onRefresh func(), logger *slog.Logger) *Router {
	return &Router{state: state, onRefresh: onRefresh, logger: logger}
}

// Route handles a task_update or feedback_update event. Payload errors are
// logged and returned; the event is dropped and the stream continues.
func (r *Router) Route(ev event.Event) (Outcome, error) {
	var (
		out Outcome
		err error
	)
	switch ev.Type {
	case event.TypeTaskUpdate:
		out, err = r.routeTasks(ev.Payload)
	case event.TypeFeedbackUpdate:
		out, err = r.routeFeedback(ev.Payload)
	default:
		return OutcomeUnchanged, fmt.Errorf("route: unsupported event type %q", ev.Type)
	}
	if err != nil {
		r.logger.Error("structured update dropped",
			"session_id", r.state.ID,
			"type", string(ev.Type),
			"error", err,
		)
		return OutcomeUnchanged, err
	}
	r.settle(out, ev.Type)
	return out, nil
}

// ApplyTasks routes a raw task list. It satisfies render.StructuredSink so
// stored transcripts can replay their updates.
func (r *Router) ApplyTasks(raw json.RawMessage) error {
	_, err := r.Route(event.Event{Type: event.TypeTaskUpdate, Payload: raw})
	return err
}

// ApplyFeedback routes a raw feedback list.
func (r *Router) ApplyFeedback(raw json.RawMessage) error {
	_, err := r.Route(event.Event{Type: event.TypeFeedbackUpdate, Payload: raw})
	return err
}

func (r *Router) routeTasks(raw json.RawMessage) (Outcome, error) {
	tasks, err := plan.DecodeTasks(raw)
	if err != nil {
		return OutcomeUnchanged, err
	}
	if plan.TasksEqual(r.state.Tasks, tasks) {
		return OutcomeUnchanged, nil
	}
	r.state.Tasks = tasks
	return r.changed(), nil
}

func (r *Router) routeFeedback(raw json.RawMessage) (Outcome, error) {
	items, err := plan.DecodeFeedback(raw)
	if err != nil {
		return OutcomeUnchanged, err
	}
	if plan.FeedbackEqual(r.state.Feedback, items) {
		return OutcomeUnchanged, nil
	}
	r.state.Feedback = items
	return r.changed(), nil
}

func (r *Router) changed() Outcome {
	if r.state.Streaming {
		r.state.MarkRefreshOwed()
		return OutcomeDeferred
	}
	return OutcomeRefreshNow
}

func (r *Router) settle(out Outcome, t event.Type) {
	r.logger.Debug("structured update routed",
		"session_id", r.state.ID,
		"type", string(t),
		"outcome", out.String(),
	)
	if out == OutcomeRefreshNow && r.onRefresh != nil {
		r.onRefresh()
	}
}
