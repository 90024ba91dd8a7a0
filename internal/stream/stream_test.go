package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/studyplanner/internal/render"
	"github.com/mattjoyce/studyplanner/internal/session"
	"github.com/mattjoyce/studyplanner/internal/transcript"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ndjson(lines ...string) io.Reader {
	return strings.NewReader(strings.Join(lines, "\n") + "\n")
}

type taskUpdateCall struct {
	sessionID string
	date      string
	taskNo    int
	completed bool
}

type fakeBackend struct {
	body      func(ctx context.Context) io.Reader
	openErr   error
	updateErr error
	prompts   []string
	updates   []taskUpdateCall
}

func (f *fakeBackend) StreamChat(ctx context.Context, prompt, sessionID string) (io.ReadCloser, error) {
	f.prompts = append(f.prompts, prompt)
	if f.openErr != nil {
		return nil, f.openErr
	}
	return io.NopCloser(f.body(ctx)), nil
}

func (f *fakeBackend) UpdateTask(ctx context.Context, sessionID, date string, taskNo int, completed bool) error {
	f.updates = append(f.updates, taskUpdateCall{sessionID, date, taskNo, completed})
	return f.updateErr
}

func streamOf(lines ...string) *fakeBackend {
	return &fakeBackend{body: func(context.Context) io.Reader { return ndjson(lines...) }}
}

type signalLog struct {
	signals []Signal
}

func (l *signalLog) record(s Signal) { l.signals = append(l.signals, s) }

func (l *signalLog) count(kind SignalKind) int {
	n := 0
	for _, s := range l.signals {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

func newTestController(b Backend, opts Options) (*Controller, *session.State, *render.Buffer, *signalLog) {
	state := session.New(0)
	buf := render.NewBuffer()
	ctrl := NewController(state, b, buf, opts, testLogger())
	log := &signalLog{}
	ctrl.Subscribe(log.record)
	return ctrl, state, buf, log
}

func TestSubmitHelloToolEnd(t *testing.T) {
	b := streamOf(
		`{"type":"message","text":"Hel"}`,
		`{"type":"message","text":"lo"}`,
		`{"type":"tool","tool_name":"get_textbook_content","text":"p.12-14"}`,
		`{"type":"end"}`,
	)
	ctrl, state, buf, signals := newTestController(b, Options{})

	tr, err := ctrl.Submit(context.Background(), "수능특강 1단원 계획 짜줘")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	want := []transcript.Unit{
		transcript.Text("Hello"),
		transcript.Tool("get_textbook_content", "p.12-14"),
		transcript.EndMarker(),
	}
	if len(tr.Messages) != len(want) {
		t.Fatalf("transcript = %+v, want %+v", tr.Messages, want)
	}
	for i := range want {
		if tr.Messages[i].Type != want[i].Type || tr.Messages[i].Content != want[i].Content ||
			tr.Messages[i].Name != want[i].Name || tr.Messages[i].Info != want[i].Info {
			t.Fatalf("unit %d = %+v, want %+v", i, tr.Messages[i], want[i])
		}
	}
	if got := tr.Messages[1].Label(); got != "교재 내용 조회" {
		t.Fatalf("tool label = %q", got)
	}

	slot0, _ := buf.Slot(0)
	slot1, _ := buf.Slot(1)
	if slot0.Content != "Hello" || slot1.Type != transcript.UnitTool {
		t.Fatalf("slots = %+v / %+v", slot0, slot1)
	}
	if buf.Status() != render.StatusComplete {
		t.Fatalf("status = %v, want complete", buf.Status())
	}
	if state.Streaming || ctrl.Phase() != PhaseIdle {
		t.Fatalf("streaming=%v phase=%v after completion", state.Streaming, ctrl.Phase())
	}
	if len(state.Messages) != 2 || state.Messages[1].Role != session.RoleAssistant || state.Messages[1].Transcript.Len() != 3 {
		t.Fatalf("history = %+v", state.Messages)
	}
	if signals.count(SignalRefresh) != 0 || signals.count(SignalDone) != 1 {
		t.Fatalf("signals = %+v", signals.signals)
	}
	if signals.signals[0].Phase != PhaseCompleted {
		t.Fatalf("done phase = %v, want completed", signals.signals[0].Phase)
	}
}

func TestAccumulatorRedrawsFullBuffer(t *testing.T) {
	buf := render.NewBuffer()
	acc := NewAccumulator(render.NewPlacer(render.NewSequence(render.ChatCapacity), buf, testLogger()), "s", testLogger())

	var seen []string
	for _, tok := range []string{"안", "녕", "하세요"} {
		acc.Append(tok)
		u, _ := buf.Slot(0)
		seen = append(seen, u.Content)
	}
	want := []string{"안", "안녕", "안녕하세요"}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("redraw %d = %q, want %q", i, seen[i], want[i])
		}
	}
	u, ok := acc.Flush()
	if !ok || u.Content != "안녕하세요" {
		t.Fatalf("flush = %+v ok=%v", u, ok)
	}
	if acc.Pending() != "" {
		t.Fatalf("buffer not cleared after flush")
	}
	if _, ok := acc.Flush(); ok {
		t.Fatalf("second flush should be a no-op")
	}
	acc.Append("")
	if _, ok := acc.Flush(); ok {
		t.Fatalf("empty token must not produce a unit")
	}
}

func TestConsecutiveMessagesCoalesceIntoOneUnit(t *testing.T) {
	cases := [][]string{
		{"a"},
		{"a", "b", "c"},
		{"", "x", "", "y"},
		{"줄1\n", "줄2\n", "끝"},
	}
	for _, tokens := range cases {
		var lines []string
		for _, tok := range tokens {
			lines = append(lines, `{"type":"message","text":`+quote(tok)+`}`)
		}
		lines = append(lines, `{"type":"end"}`)
		ctrl, _, _, _ := newTestController(streamOf(lines...), Options{})

		tr, err := ctrl.Submit(context.Background(), "p")
		if err != nil {
			t.Fatalf("tokens %q: %v", tokens, err)
		}
		if tr.Len() != 2 || tr.Messages[0].Type != transcript.UnitText {
			t.Fatalf("tokens %q: transcript = %+v", tokens, tr.Messages)
		}
		if got, want := tr.Messages[0].Content, strings.Join(tokens, ""); got != want {
			t.Fatalf("tokens %q: text = %q, want %q", tokens, got, want)
		}
	}
}

func TestSlotOrderFollowsArrivalOrder(t *testing.T) {
	b := streamOf(
		`{"type":"message","text":"one"}`,
		`not json at all`,
		`{"type":"tool","tool_name":"update_task_list","text":""}`,
		`{"type":"heartbeat"}`,
		`{"text":"two"}`,
		`{"type":"task_update","text":"broken"}`,
		`{"type":"message","text":"three"}`,
		`{"type":"tool","tool_name":"update_feedback_list"}`,
		`{"type":"end"}`,
	)
	ctrl, _, buf, _ := newTestController(b, Options{})
	tr, err := ctrl.Submit(context.Background(), "p")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	entries := buf.Entries()
	// The end marker is not rendered.
	if len(entries) != tr.Len()-1 {
		t.Fatalf("rendered %d entries for %d units", len(entries), tr.Len())
	}
	for i, e := range entries {
		if e.Slot != i {
			t.Fatalf("entry %d in slot %d", i, e.Slot)
		}
		if !reflect.DeepEqual(e.Unit, tr.Messages[i]) {
			t.Fatalf("slot %d = %+v, transcript unit = %+v", i, e.Unit, tr.Messages[i])
		}
	}
	wantTexts := []string{"one", "", "two", "three", ""}
	for i, want := range wantTexts {
		if entries[i].Unit.Content != want {
			t.Fatalf("entry %d content = %q, want %q", i, entries[i].Unit.Content, want)
		}
	}
}

func TestTaskUpdateMidStreamDefersSingleRefresh(t *testing.T) {
	var (
		ctrl     *Controller
		signals  *signalLog
		midCheck = -1
	)
	b := &fakeBackend{body: func(context.Context) io.Reader {
		return io.MultiReader(
			ndjson(
				`{"type":"message","text":"계획을 세웠어요"}`,
				`{"type":"task_update","text":[{"date":"2025-06-01","task_no":1,"start_pg":1,"end_pg":10,"summary":"a","is_completed":false},{"date":"2025-06-01","task_no":2,"start_pg":11,"end_pg":20,"summary":"b","is_completed":false}]}`,
				`{"type":"feedback_update","text":"[{\"date\":\"2025-06-01\",\"feedback\":\"\"}]"}`,
			),
			readFunc(func() {
				midCheck = signals.count(SignalRefresh)
			}),
			ndjson(`{"type":"end"}`),
		)
	}}
	ctrl, state, _, signals := newTestController(b, Options{})

	if _, err := ctrl.Submit(context.Background(), "p"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if midCheck != 0 {
		t.Fatalf("refresh fired mid-stream (%d signals)", midCheck)
	}
	if got := signals.count(SignalRefresh); got != 1 {
		t.Fatalf("refresh signals = %d, want exactly 1", got)
	}
	refresh := signals.signals[0]
	if refresh.Kind != SignalRefresh || refresh.Snapshot.Streaming {
		t.Fatalf("first signal = %+v, want refresh after streaming cleared", refresh)
	}
	if len(refresh.Snapshot.Tasks) != 2 || len(refresh.Snapshot.Feedback) != 1 {
		t.Fatalf("refresh snapshot tasks=%d feedback=%d", len(refresh.Snapshot.Tasks), len(refresh.Snapshot.Feedback))
	}
	if len(state.Tasks) != 2 || state.Tasks[0].Date != "2025-06-01" || state.Tasks[1].TaskNo != 2 {
		t.Fatalf("tasks = %+v", state.Tasks)
	}
	if state.RefreshOwed() {
		t.Fatalf("refresh flag must be cleared after firing")
	}
}

func TestUnchangedUpdateOwesNoRefresh(t *testing.T) {
	tasks := `[{"date":"2025-06-01","task_no":1}]`
	ctrl, _, _, signals := newTestController(streamOf(
		`{"type":"task_update","text":`+tasks+`}`,
		`{"type":"end"}`,
	), Options{})
	if err := ctrl.Router().ApplyTasks([]byte(tasks)); err != nil {
		t.Fatalf("seed tasks: %v", err)
	}
	signals.signals = nil

	if _, err := ctrl.Submit(context.Background(), "p"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := signals.count(SignalRefresh); got != 0 {
		t.Fatalf("refresh signals = %d, want 0 for unchanged list", got)
	}
}

func TestDroppedConnectionKeepsPartialText(t *testing.T) {
	b := &fakeBackend{body: func(context.Context) io.Reader {
		return io.MultiReader(
			ndjson(`{"type":"message","text":"partial "}`, `{"type":"message","text":"answ"}`),
			errReader{errors.New("connection reset by peer")},
		)
	}}
	ctrl, state, buf, signals := newTestController(b, Options{})

	tr, err := ctrl.Submit(context.Background(), "p")
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if tr.Len() != 2 {
		t.Fatalf("transcript = %+v", tr.Messages)
	}
	if !reflect.DeepEqual(tr.Messages[0], transcript.Text("partial answ")) {
		t.Fatalf("first unit = %+v", tr.Messages[0])
	}
	if tr.Messages[1].Type != transcript.UnitError || !strings.HasPrefix(tr.Messages[1].Content, "백엔드 연결 오류: ") {
		t.Fatalf("second unit = %+v", tr.Messages[1])
	}
	if state.Streaming {
		t.Fatalf("streaming flag left set")
	}
	if buf.Status() != render.StatusError {
		t.Fatalf("status = %v, want error", buf.Status())
	}
	if signals.signals[len(signals.signals)-1].Phase != PhaseFailed {
		t.Fatalf("done phase = %v, want failed", signals.signals[len(signals.signals)-1].Phase)
	}
}

func TestEOFWithoutEndFails(t *testing.T) {
	ctrl, _, _, _ := newTestController(streamOf(`{"type":"message","text":"hi"}`), Options{})
	tr, err := ctrl.Submit(context.Background(), "p")
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected unexpected EOF, got %v", err)
	}
	if tr.Messages[0].Content != "hi" || tr.Ended() {
		t.Fatalf("transcript = %+v", tr.Messages)
	}
}

func TestErrorRecordFailsAfterFlush(t *testing.T) {
	ctrl, _, buf, _ := newTestController(streamOf(
		`{"type":"message","text":"찾아볼게요"}`,
		`{"type":"error","text":"교재를 찾을 수 없습니다"}`,
		`{"type":"message","text":"ignored"}`,
	), Options{})

	tr, err := ctrl.Submit(context.Background(), "p")
	var re *RemoteError
	if !errors.As(err, &re) || re.Message != "교재를 찾을 수 없습니다" {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if tr.Len() != 2 || !reflect.DeepEqual(tr.Messages[1], transcript.Error("교재를 찾을 수 없습니다")) {
		t.Fatalf("transcript = %+v", tr.Messages)
	}
	u, _ := buf.Slot(1)
	if u.Type != transcript.UnitError {
		t.Fatalf("error not rendered in slot 1: %+v", u)
	}
}

func TestOpenFailureRendersSingleError(t *testing.T) {
	b := &fakeBackend{openErr: errors.New("dial tcp 127.0.0.1:8000: connect: connection refused")}
	ctrl, state, _, _ := newTestController(b, Options{})

	tr, err := ctrl.Submit(context.Background(), "p")
	if err == nil {
		t.Fatalf("expected failure")
	}
	if tr.Len() != 1 || tr.Messages[0].Type != transcript.UnitError {
		t.Fatalf("transcript = %+v", tr.Messages)
	}
	if state.Streaming {
		t.Fatalf("streaming flag left set")
	}
}

func TestTimeoutSurfacesAsTransportError(t *testing.T) {
	b := &fakeBackend{body: func(ctx context.Context) io.Reader {
		return io.MultiReader(ndjson(`{"type":"message","text":"slow"}`), ctxReader{ctx})
	}}
	ctrl, _, _, _ := newTestController(b, Options{Timeout: 20 * time.Millisecond})

	_, err := ctrl.Submit(context.Background(), "p")
	var te *TransportError
	if !errors.As(err, &te) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline transport error, got %v", err)
	}
}

func TestSubmitRejectedWhileStreaming(t *testing.T) {
	ctrl, state, _, _ := newTestController(streamOf(`{"type":"end"}`), Options{})
	state.Streaming = true
	if _, err := ctrl.Submit(context.Background(), "p"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if err := ctrl.ToggleTask(context.Background(), "2025-06-01", 1, true); !errors.Is(err, ErrBusy) {
		t.Fatalf("toggle: expected ErrBusy, got %v", err)
	}
	if err := ctrl.Reset(); !errors.Is(err, ErrBusy) {
		t.Fatalf("reset: expected ErrBusy, got %v", err)
	}
}

func TestTaskGridCapacityOverflowRendersInline(t *testing.T) {
	var logOut bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logOut, nil))
	buf := render.NewBuffer()
	placer := render.NewPlacer(render.NewSequence(render.TaskGridCapacity), buf, logger)
	acc := NewAccumulator(placer, "s", logger)

	var units []transcript.Unit
	for i := 0; i < 25; i++ {
		acc.Append("day ")
		acc.Append(string(rune('A' + i)))
		u, ok := acc.Flush()
		if !ok {
			t.Fatalf("unit %d not emitted", i)
		}
		units = append(units, u)
	}

	entries := buf.Entries()
	if len(entries) != 25 {
		t.Fatalf("entries = %d, want 25", len(entries))
	}
	for i, e := range entries {
		if i < 20 && (e.Inline || e.Slot != i) {
			t.Fatalf("entry %d = %+v, want slot %d", i, e, i)
		}
		if i >= 20 && !e.Inline {
			t.Fatalf("entry %d should render inline", i)
		}
		if !reflect.DeepEqual(e.Unit, units[i]) {
			t.Fatalf("entry %d = %q, want %q", i, e.Unit.Content, units[i].Content)
		}
	}
	if !strings.Contains(logOut.String(), "display slot capacity exceeded") {
		t.Fatalf("expected capacity warning in log, got %q", logOut.String())
	}
}

func TestToolOverflowRaisesWarning(t *testing.T) {
	var lines []string
	for i := 0; i < 3; i++ {
		lines = append(lines, `{"type":"message","text":"t"}`, `{"type":"tool","tool_name":"get_textbook_content"}`)
	}
	lines = append(lines, `{"type":"end"}`)
	ctrl, _, buf, _ := newTestController(streamOf(lines...), Options{ChatSlots: 4})

	if _, err := ctrl.Submit(context.Background(), "p"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := len(buf.Entries()); got != 6 {
		t.Fatalf("entries = %d, want 6", got)
	}
	if w := buf.Warnings(); len(w) != 1 || w[0] != "도구 표시 오류: 교재 내용 조회" {
		t.Fatalf("warnings = %v", w)
	}
}

func TestToggleTaskRequiresBackendSuccess(t *testing.T) {
	b := streamOf(`{"type":"end"}`)
	b.updateErr = errors.New("status 500")
	ctrl, state, _, signals := newTestController(b, Options{})
	if err := ctrl.Router().ApplyTasks([]byte(`[{"date":"2025-06-01","task_no":1}]`)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	signals.signals = nil

	if err := ctrl.ToggleTask(context.Background(), "2025-06-01", 1, true); err == nil {
		t.Fatalf("expected rejection")
	}
	if state.Tasks[0].IsCompleted {
		t.Fatalf("local state changed despite rejection")
	}
	if len(signals.signals) != 0 {
		t.Fatalf("rejected toggle should not refresh")
	}

	b.updateErr = nil
	if err := ctrl.ToggleTask(context.Background(), "2025-06-01", 1, true); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if !state.Tasks[0].IsCompleted {
		t.Fatalf("local state not updated after success")
	}
	if signals.count(SignalRefresh) != 1 {
		t.Fatalf("expected one refresh after toggle")
	}
	if last := b.updates[len(b.updates)-1]; last.sessionID != state.ID || !last.completed {
		t.Fatalf("update call = %+v", last)
	}
}

func TestRouterOutcomes(t *testing.T) {
	state := session.New(0)
	refreshes := 0
	r := NewRouter(state, func() { refreshes++ }, testLogger())

	tasks := `[{"date":"2025-06-01","task_no":1}]`
	if err := r.ApplyTasks([]byte(tasks)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if refreshes != 1 || state.RefreshOwed() {
		t.Fatalf("idle change: refreshes=%d owed=%v", refreshes, state.RefreshOwed())
	}

	encoded := `"` + strings.ReplaceAll(tasks, `"`, `\"`) + `"`
	if err := r.ApplyTasks([]byte(encoded)); err != nil {
		t.Fatalf("apply encoded: %v", err)
	}
	if refreshes != 1 {
		t.Fatalf("double-encoded identical list should be unchanged")
	}

	state.Streaming = true
	if err := r.ApplyFeedback([]byte(`[{"date":"2025-06-01","feedback":"good"}]`)); err != nil {
		t.Fatalf("apply feedback: %v", err)
	}
	if refreshes != 1 || !state.RefreshOwed() {
		t.Fatalf("streaming change: refreshes=%d owed=%v", refreshes, state.RefreshOwed())
	}

	if err := r.ApplyTasks([]byte(`{"oops":true}`)); err == nil {
		t.Fatalf("malformed payload should error")
	}
	if len(state.Tasks) != 1 {
		t.Fatalf("malformed payload must not touch state")
	}
}

func TestReplayRoutesStoredUpdates(t *testing.T) {
	ctrl, state, _, signals := newTestController(streamOf(`{"type":"end"}`), Options{})
	tr := transcript.New()
	tr.Append(transcript.Text("저장된 답변"))
	tr.Append(transcript.Unit{Type: transcript.UnitTaskUpdate, Payload: []byte(`[{"date":"2025-06-03","task_no":1}]`)})

	buf := render.NewBuffer()
	ctrl.Replay(session.Message{Role: session.RoleAssistant, Transcript: tr}, buf)

	if u, _ := buf.Slot(0); u.Content != "저장된 답변" {
		t.Fatalf("slot 0 = %+v", u)
	}
	if len(state.Tasks) != 1 || signals.count(SignalRefresh) != 1 {
		t.Fatalf("tasks=%d refreshes=%d", len(state.Tasks), signals.count(SignalRefresh))
	}
}

type recorder struct {
	begun    []string
	finished []bool
	units    int
}

func (r *recorder) Begin(ctx context.Context, sessionID, prompt string) (string, error) {
	r.begun = append(r.begun, prompt)
	return "ex-1", nil
}

func (r *recorder) Finish(ctx context.Context, id string, failed bool, t *transcript.Transcript, errMsg string) error {
	r.finished = append(r.finished, failed)
	r.units = t.Len()
	return nil
}

func TestRecorderSeesWholeExchange(t *testing.T) {
	rec := &recorder{}
	ctrl, _, _, _ := newTestController(streamOf(`{"type":"message","text":"hi"}`, `{"type":"end"}`), Options{Recorder: rec})
	if _, err := ctrl.Submit(context.Background(), "p"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(rec.begun) != 1 || len(rec.finished) != 1 || rec.finished[0] || rec.units != 2 {
		t.Fatalf("recorder = %+v", rec)
	}
}

func quote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

type ctxReader struct{ ctx context.Context }

func (r ctxReader) Read([]byte) (int, error) {
	<-r.ctx.Done()
	return 0, r.ctx.Err()
}

// readFunc runs fn when the reader is first consumed, then reports EOF so
// io.MultiReader moves on.
type readFunc func()

func (f readFunc) Read([]byte) (int, error) {
	f()
	return 0, io.EOF
}

func TestFailedStreamDefersSingleRefresh(t *testing.T) {
	const update = `{"type":"task_update","text":[{"date":"2025-06-01","task_no":1,"start_pg":1,"end_pg":10,"summary":"a","is_completed":false}]}`
	cases := map[string]io.Reader{
		"error record":   ndjson(`{"type":"error","text":"모델 호출 실패"}`),
		"reader failure": errReader{errors.New("connection reset by peer")},
	}
	for name, tail := range cases {
		t.Run(name, func(t *testing.T) {
			var (
				signals  *signalLog
				midCheck = -1
			)
			b := &fakeBackend{body: func(context.Context) io.Reader {
				return io.MultiReader(
					ndjson(`{"type":"message","text":"계획을 세우는 중"}`, update),
					readFunc(func() { midCheck = signals.count(SignalRefresh) }),
					tail,
				)
			}}
			ctrl, state, _, log := newTestController(b, Options{})
			signals = log

			if _, err := ctrl.Submit(context.Background(), "p"); err == nil {
				t.Fatalf("expected submit to fail")
			}
			if midCheck != 0 {
				t.Fatalf("refresh fired mid-stream (%d signals)", midCheck)
			}
			if len(log.signals) != 2 {
				t.Fatalf("signals = %+v, want refresh then done", log.signals)
			}
			refresh, done := log.signals[0], log.signals[1]
			if refresh.Kind != SignalRefresh || done.Kind != SignalDone {
				t.Fatalf("signal order = %v, %v", refresh.Kind, done.Kind)
			}
			if done.Phase != PhaseFailed || refresh.Phase != PhaseFailed {
				t.Fatalf("phases = %v / %v, want failed", refresh.Phase, done.Phase)
			}
			if len(refresh.Snapshot.Tasks) != 1 || refresh.Snapshot.Streaming {
				t.Fatalf("refresh snapshot = %+v", refresh.Snapshot)
			}
			if len(state.Tasks) != 1 || state.RefreshOwed() {
				t.Fatalf("tasks=%d owed=%v", len(state.Tasks), state.RefreshOwed())
			}
		})
	}
}

func TestOversizedLineDoesNotAbortStream(t *testing.T) {
	long := strings.Repeat("x", 3*1024*1024)
	ctrl, _, _, _ := newTestController(streamOf(
		`{"type":"message","text":"before"}`,
		`{"type":"tool","tool_name":"get_textbook_content","text":"`+long+`"}`,
		`{"type":"message","text":"after"}`,
		`{"type":"end"}`,
	), Options{})

	tr, err := ctrl.Submit(context.Background(), "p")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if tr.Len() != 4 || tr.Messages[0].Content != "before" || tr.Messages[2].Content != "after" || !tr.Ended() {
		t.Fatalf("transcript types = %v", unitTypes(tr))
	}
	if tr.Messages[1].Type != transcript.UnitTool || len(tr.Messages[1].Content) != len(long) {
		t.Fatalf("tool unit type=%v len=%d", tr.Messages[1].Type, len(tr.Messages[1].Content))
	}
}

func TestFailedStreamPrintsErrorBeforeStatus(t *testing.T) {
	var out bytes.Buffer
	b := &fakeBackend{body: func(context.Context) io.Reader {
		return io.MultiReader(ndjson(`{"type":"message","text":"partial answ"}`), errReader{errors.New("connection reset by peer")})
	}}
	ctrl := NewController(session.New(0), b, render.NewWriter(&out), Options{}, testLogger())
	if _, err := ctrl.Submit(context.Background(), "p"); err == nil {
		t.Fatalf("expected failure")
	}

	text := out.String()
	unit := strings.Index(text, "[오류] 백엔드 연결 오류")
	footer := strings.Index(text, "-- 오류 발생 --")
	if unit < 0 || footer < 0 || unit > footer {
		t.Fatalf("output order wrong:\n%s", text)
	}
}

func unitTypes(tr *transcript.Transcript) []transcript.UnitType {
	out := make([]transcript.UnitType, 0, tr.Len())
	for _, u := range tr.Messages {
		out = append(out, u.Type)
	}
	return out
}
