package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/studyplanner/internal/event"
	"github.com/mattjoyce/studyplanner/internal/render"
	"github.com/mattjoyce/studyplanner/internal/session"
	"github.com/mattjoyce/studyplanner/internal/transcript"
)

// ErrBusy is returned when an operation needs the session while a response
// is still streaming.
var ErrBusy = errors.New("a response is still streaming")

// TransportError is the only stream-fatal error: the connection failed,
// timed out, or closed before the end record.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "stream transport: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// RemoteError carries the text of an error record sent by the backend.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "backend error: " + e.Message
}

// Phase is the controller's lifecycle state.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseStreaming
	PhaseCompleted
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseStreaming:
		return "streaming"
	case PhaseCompleted:
		return "completed"
	case PhaseFailed:
		return "failed"
	default:
		return "idle"
	}
}

// SignalKind distinguishes controller notifications.
type SignalKind int

const (
	// SignalRefresh asks the display to redraw everything from Snapshot.
	SignalRefresh SignalKind = iota
	// SignalDone marks the end of an exchange; Phase holds the terminal phase.
	SignalDone
)

// Signal is published to subscribers. Snapshot is a detached copy.
type Signal struct {
	Kind     SignalKind
	Phase    Phase
	Snapshot session.Snapshot
	Err      error
}

// ChatStreamer opens the response stream for a prompt.
type ChatStreamer interface {
	StreamChat(ctx context.Context, prompt, sessionID string) (io.ReadCloser, error)
}

// TaskUpdater persists a task completion toggle.
type TaskUpdater interface {
	UpdateTask(ctx context.Context, sessionID, date string, taskNo int, completed bool) error
}

// Backend is what the controller needs from the server.
type Backend interface {
	ChatStreamer
	TaskUpdater
}

// Recorder keeps an audit trail of exchanges. It is optional.
type Recorder interface {
	Begin(ctx context.Context, sessionID, prompt string) (string, error)
	Finish(ctx context.Context, exchangeID string, failed bool, t *transcript.Transcript, errMsg string) error
}

// Options configures a Controller.
type Options struct {
	// ChatSlots is the soft slot capacity of one rendered message.
	ChatSlots int
	// Timeout bounds a whole exchange. Zero means no bound.
	Timeout  time.Duration
	Recorder Recorder
}

// Controller owns the request/response lifecycle of one session.
type Controller struct {
	state       *session.State
	backend     Backend
	display     render.Display
	opts        Options
	logger      *slog.Logger
	router      *Router
	phase       atomic.Int32
	subscribers []func(Signal)
}

// NewController creates a controller for state.
func NewController(state *session.State, backend Backend, display render.Display, opts Options, logger *slog.Logger) *Controller {
	if opts.ChatSlots <= 0 {
		opts.ChatSlots = render.ChatCapacity
	}
	c := &Controller{
		state:   state,
		backend: backend,
		display: display,
		opts:    opts,
		logger:  logger,
	}
	c.router = NewRouter(state, func() { c.publish(Signal{Kind: SignalRefresh}) }, logger)
	return c
}

// Subscribe registers fn for refresh and completion signals. Signals are
// delivered synchronously on the goroutine that produced them.
func (c *Controller) Subscribe(fn func(Signal)) {
	c.subscribers = append(c.subscribers, fn)
}

// Phase returns the current lifecycle phase.
func (c *Controller) Phase() Phase {
	return Phase(c.phase.Load())
}

// Router exposes the structured-update router for replay sinks.
func (c *Controller) Router() *Router {
	return c.router
}

// Snapshot copies the session state. Call it only between streams or from
// the consuming goroutine.
func (c *Controller) Snapshot() session.Snapshot {
	return c.state.Snapshot()
}

func (c *Controller) publish(sig Signal) {
	if sig.Phase == 0 {
		sig.Phase = c.Phase()
	}
	sig.Snapshot = c.state.Snapshot()
	for _, fn := range c.subscribers {
		fn(sig)
	}
}

// exchange is the per-stream rendering pipeline.
type exchange struct {
	id         string
	placer     *render.Placer
	acc        *Accumulator
	transcript *transcript.Transcript
}

func (x *exchange) flush() {
	if u, ok := x.acc.Flush(); ok {
		x.transcript.Append(u)
	}
}

func (x *exchange) place(u transcript.Unit) {
	x.placer.Place(u)
	x.transcript.Append(u)
}

// Submit sends prompt and consumes the response stream to its end. The
// returned transcript holds every unit rendered, including partial text and
// the error unit on failure. The error is a *TransportError or *RemoteError
// for failed exchanges, ErrBusy if a stream is already running.
func (c *Controller) Submit(ctx context.Context, prompt string) (*transcript.Transcript, error) {
	if c.state.Streaming {
		return nil, ErrBusy
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("prompt is empty")
	}

	c.state.Streaming = true
	c.phase.Store(int32(PhaseStreaming))
	c.state.AddMessage(session.Message{Role: session.RoleUser, Text: prompt})
	c.logger.Info("user prompt", "session_id", c.state.ID, "prompt", prompt)

	placer := render.NewPlacer(render.NewSequence(c.opts.ChatSlots), c.display, c.logger)
	x := &exchange{
		id:         c.begin(ctx, prompt),
		placer:     placer,
		acc:        NewAccumulator(placer, c.state.ID, c.logger),
		transcript: transcript.New(),
	}
	c.display.SetStatus(render.StatusRunning)

	streamCtx := ctx
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		streamCtx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}
	err := c.consume(streamCtx, prompt, x)
	return c.finish(context.WithoutCancel(ctx), x, err)
}

func (c *Controller) consume(ctx context.Context, prompt string, x *exchange) error {
	body, err := c.backend.StreamChat(ctx, prompt, c.state.ID)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer body.Close()

	sc := event.NewScanner(body)
	for {
		ev, err := sc.Next()
		if err != nil {
			var de *event.DecodeError
			if errors.As(err, &de) {
				c.logger.Error("skipping malformed stream line", "session_id", c.state.ID, "error", err)
				continue
			}
			if errors.Is(err, io.EOF) {
				return &TransportError{Err: fmt.Errorf("stream closed before end record: %w", io.ErrUnexpectedEOF)}
			}
			return &TransportError{Err: err}
		}

		switch ev.Type {
		case event.TypeMessage:
			x.acc.Append(ev.Text)
		case event.TypeTool:
			x.flush()
			x.place(transcript.Tool(ev.ToolName, ev.Text))
		case event.TypeTaskUpdate, event.TypeFeedbackUpdate:
			x.flush()
			_, _ = c.router.Route(ev)
		case event.TypeError:
			x.flush()
			return &RemoteError{Message: ev.Text}
		case event.TypeEnd:
			x.flush()
			x.transcript.Append(transcript.EndMarker())
			return nil
		default:
			c.logger.Debug("ignoring unknown stream record", "session_id", c.state.ID, "type", string(ev.Type))
		}
	}
}

func (c *Controller) finish(ctx context.Context, x *exchange, err error) (*transcript.Transcript, error) {
	x.flush()

	phase := PhaseCompleted
	if err != nil {
		phase = PhaseFailed
		x.place(transcript.Error(errorText(err)))
		c.display.SetStatus(render.StatusError)
		c.logger.Error("stream failed", "session_id", c.state.ID, "exchange_id", x.id, "error", err)
	} else {
		c.display.SetStatus(render.StatusComplete)
	}

	c.state.Streaming = false
	c.state.AddMessage(session.Message{Role: session.RoleAssistant, Transcript: x.transcript.Clone()})
	c.record(ctx, x, err)
	c.phase.Store(int32(phase))

	if c.state.TakeRefreshOwed() {
		c.publish(Signal{Kind: SignalRefresh, Phase: phase})
	}
	c.publish(Signal{Kind: SignalDone, Phase: phase, Err: err})
	c.phase.Store(int32(PhaseIdle))
	return x.transcript, err
}

func errorText(err error) string {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Message
	}
	var te *TransportError
	if errors.As(err, &te) {
		return "백엔드 연결 오류: " + te.Err.Error()
	}
	return "응답 처리 중 오류 발생: " + err.Error()
}

func (c *Controller) begin(ctx context.Context, prompt string) string {
	if c.opts.Recorder == nil {
		return ""
	}
	id, err := c.opts.Recorder.Begin(ctx, c.state.ID, prompt)
	if err != nil {
		c.logger.Error("audit begin failed", "session_id", c.state.ID, "error", err)
		return ""
	}
	return id
}

func (c *Controller) record(ctx context.Context, x *exchange, streamErr error) {
	if c.opts.Recorder == nil || x.id == "" {
		return
	}
	var msg string
	if streamErr != nil {
		msg = streamErr.Error()
	}
	if err := c.opts.Recorder.Finish(ctx, x.id, streamErr != nil, x.transcript, msg); err != nil {
		c.logger.Error("audit finish failed", "session_id", c.state.ID, "exchange_id", x.id, "error", err)
	}
}

// SubmitPending submits the queued prompt, if any.
func (c *Controller) SubmitPending(ctx context.Context) (*transcript.Transcript, bool, error) {
	if c.state.Streaming {
		return nil, false, ErrBusy
	}
	prompt, ok := c.state.TakePendingPrompt()
	if !ok {
		return nil, false, nil
	}
	t, err := c.Submit(ctx, prompt)
	return t, true, err
}

// QueuePrompt stores a prompt produced by a button for the next cycle.
func (c *Controller) QueuePrompt(prompt string) {
	c.state.QueuePrompt(prompt)
}

// ToggleTask marks a task done or not. The backend must accept the change
// before local state is touched.
func (c *Controller) ToggleTask(ctx context.Context, date string, taskNo int, completed bool) error {
	if c.state.Streaming {
		return ErrBusy
	}
	if err := c.backend.UpdateTask(ctx, c.state.ID, date, taskNo, completed); err != nil {
		c.logger.Error("task update rejected",
			"session_id", c.state.ID,
			"date", date,
			"task_no", taskNo,
			"error", err,
		)
		return fmt.Errorf("update task %s#%d: %w", date, taskNo, err)
	}
	if !c.state.SetTaskCompleted(date, taskNo, completed) {
		c.logger.Warn("task update accepted for unknown local task", "session_id", c.state.ID, "date", date, "task_no", taskNo)
		return nil
	}
	c.publish(Signal{Kind: SignalRefresh})
	return nil
}

// Reset clears the session, keeping only the viewport height.
func (c *Controller) Reset() error {
	if c.state.Streaming {
		return ErrBusy
	}
	old := c.state.ID
	c.state.Reset()
	c.logger.Info("session reset", "previous_session_id", old, "session_id", c.state.ID)
	c.publish(Signal{Kind: SignalRefresh})
	return nil
}

// SetViewportHeight records a measured display height.
func (c *Controller) SetViewportHeight(h int) {
	if c.state.SetViewportHeight(h) {
		c.publish(Signal{Kind: SignalRefresh})
	}
}

// Replay re-renders a stored history message on the historical path. Any
// task or feedback items it carries are routed like live updates.
func (c *Controller) Replay(m session.Message, d render.Display) {
	if m.Transcript != nil {
		render.Replay(m.Transcript, d, c.opts.ChatSlots, c.router, c.logger)
		return
	}
	render.ReplayContent(m.Text, d, c.opts.ChatSlots, c.router, c.logger)
}
