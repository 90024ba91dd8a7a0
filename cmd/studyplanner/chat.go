package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/studyplanner/internal/backend"
	"github.com/mattjoyce/studyplanner/internal/config"
	"github.com/mattjoyce/studyplanner/internal/plan"
	"github.com/mattjoyce/studyplanner/internal/render"
	"github.com/mattjoyce/studyplanner/internal/session"
	"github.com/mattjoyce/studyplanner/internal/stream"
	"github.com/mattjoyce/studyplanner/internal/transcript"
)

// pixelsPerRow converts terminal rows to the pixel heights session state
// keeps.
const pixelsPerRow = 20

func runChat(args []string) error {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	apiBase := fs.String("api", "", "backend base URL (overrides backend.base_url)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *apiBase != "" {
		cfg.Backend.BaseURL = *apiBase
	}

	logFile, err := openLogFile(cfg.Service.LogFile)
	if err != nil {
		return err
	}
	defer logFile.Close()
	logger := newLogger(cfg.Service, logFile)
	logger.Info("starting chat", "version", version, "backend", cfg.Backend.BaseURL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec, closeRec, err := openRecorder(ctx, cfg.Audit.Path)
	if err != nil {
		return err
	}
	defer closeRec()

	client := newBackendClient(cfg, logger)
	state := session.New(cfg.Render.ViewportHeight)
	updates := make(chan tea.Msg, 256)
	display := newTeaDisplay(updates)
	ctrl := stream.NewController(state, client, display, controllerOptions(cfg, rec), logger)
	ctrl.Subscribe(forwardSignals(updates))

	m := newChatModel(ctx, chatDeps{
		ctrl:      ctrl,
		client:    client,
		display:   display,
		updates:   updates,
		logger:    logger,
		chatSlots: cfg.Render.ChatSlots,
		taskSlots: cfg.Render.TaskSlots,
	})
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err = p.Run()
	return err
}

type redrawMsg struct{}

type signalMsg struct {
	Signal stream.Signal
}

type submitDoneMsg struct {
	Err error
}

type actionDoneMsg struct {
	Notice    string
	Professor string
	Err       error
}

type settingsMsg struct {
	ProfessorType string
	Textbook      *backend.Textbook
	Err           error
}

// forwardSignals hands controller signals to the UI. Done must reach the
// model; refreshes may be dropped when the queue is full because the Done
// snapshot supersedes them.
func forwardSignals(out chan<- tea.Msg) func(stream.Signal) {
	return func(sig stream.Signal) {
		if sig.Kind == stream.SignalDone {
			out <- signalMsg{Signal: sig}
			return
		}
		select {
		case out <- signalMsg{Signal: sig}:
		default:
		}
	}
}

// teaDisplay records live output into a buffer and pings the UI to redraw.
type teaDisplay struct {
	mu  sync.Mutex
	buf *render.Buffer
	out chan<- tea.Msg
}

func newTeaDisplay(out chan<- tea.Msg) *teaDisplay {
	return &teaDisplay{buf: render.NewBuffer(), out: out}
}

// reset starts a fresh buffer for the next exchange.
func (d *teaDisplay) reset() *render.Buffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buf = render.NewBuffer()
	return d.buf
}

func (d *teaDisplay) current() *render.Buffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buf
}

func (d *teaDisplay) ping() {
	select {
	case d.out <- redrawMsg{}:
	default:
	}
}

func (d *teaDisplay) ShowSlot(slot int, u transcript.Unit) {
	d.current().ShowSlot(slot, u)
	d.ping()
}

func (d *teaDisplay) ShowInline(u transcript.Unit) {
	d.current().ShowInline(u)
	d.ping()
}

func (d *teaDisplay) Warn(msg string) {
	d.current().Warn(msg)
	d.ping()
}

func (d *teaDisplay) SetStatus(s render.Status) {
	d.current().SetStatus(s)
	d.ping()
}

type chatDeps struct {
	ctrl      *stream.Controller
	client    *backend.Client
	display   *teaDisplay
	updates   chan tea.Msg
	logger    *slog.Logger
	chatSlots int
	taskSlots int
}

type chatModel struct {
	ctx  context.Context
	deps chatDeps

	snap      session.Snapshot
	live      *render.Buffer
	inflight  string
	busy      bool
	status    render.Status
	notice    string
	errText   string
	cursor    int
	professor string
	textbook  *backend.Textbook

	input  textinput.Model
	chat   viewport.Model
	width  int
	height int
}

func newChatModel(ctx context.Context, deps chatDeps) chatModel {
	in := textinput.New()
	in.Placeholder = "학습 계획을 요청해 보세요 (/help)"
	in.CharLimit = 0
	in.Focus()

	m := chatModel{
		ctx:       ctx,
		deps:      deps,
		snap:      deps.ctrl.Snapshot(),
		professor: backend.ProfessorT,
		input:     in,
		chat:      viewport.New(80, 20),
	}
	m.refreshChat()
	return m
}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		waitForUpdateCmd(m.deps.updates),
		fetchSettingsCmd(m.ctx, m.deps.client, m.snap.ID),
	)
}

func waitForUpdateCmd(in <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-in
	}
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if !m.busy {
			m.deps.ctrl.SetViewportHeight(msg.Height * pixelsPerRow)
			m.snap = m.deps.ctrl.Snapshot()
		}
		m.layout()
		m.refreshChat()
		return m, nil
	case tea.KeyMsg:
		return m.handleKey(msg)
	case redrawMsg:
		m.refreshChat()
		return m, waitForUpdateCmd(m.deps.updates)
	case signalMsg:
		m.snap = msg.Signal.Snapshot
		if msg.Signal.Kind == stream.SignalDone {
			m.status = render.StatusComplete
			if msg.Signal.Phase == stream.PhaseFailed {
				m.status = render.StatusError
			}
		}
		m.clampCursor()
		m.refreshChat()
		return m, waitForUpdateCmd(m.deps.updates)
	case submitDoneMsg:
		m.busy = false
		m.live = nil
		m.inflight = ""
		if msg.Err != nil {
			m.errText = msg.Err.Error()
		}
		m.snap = m.deps.ctrl.Snapshot()
		m.refreshChat()
		return m, nil
	case actionDoneMsg:
		m.busy = false
		m.notice = msg.Notice
		m.errText = ""
		if msg.Professor != "" {
			m.professor = msg.Professor
		}
		if msg.Err != nil {
			m.errText = msg.Err.Error()
		}
		m.snap = m.deps.ctrl.Snapshot()
		m.clampCursor()
		m.refreshChat()
		return m, nil
	case settingsMsg:
		if msg.Err != nil {
			m.deps.logger.Warn("settings fetch failed", "session_id", m.snap.ID, "error", msg.Err)
		}
		if msg.ProfessorType != "" {
			m.professor = msg.ProfessorType
		}
		m.textbook = msg.Textbook
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m chatModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "esc":
		return m, tea.Quit
	case "pgup", "pgdown":
		var cmd tea.Cmd
		m.chat, cmd = m.chat.Update(msg)
		return m, cmd
	case "tab":
		m.cursor++
		m.clampCursor()
		return m, nil
	case "shift+tab":
		m.cursor--
		m.clampCursor()
		return m, nil
	}

	if m.busy {
		switch msg.String() {
		case "enter", "ctrl+t", "ctrl+d", "ctrl+w", "ctrl+r":
			m.notice = "응답이 끝난 뒤에 다시 시도해 주세요"
			return m, nil
		}
	} else {
		switch msg.String() {
		case "enter":
			text := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			if text == "" {
				return m, nil
			}
			if strings.HasPrefix(text, "/") {
				return m.runCommand(text)
			}
			return m.startSubmit(text)
		case "ctrl+t":
			return m.toggleSelected()
		case "ctrl+d":
			return m.completeSelectedDay()
		case "ctrl+w":
			return m.wrapUp()
		case "ctrl+r":
			if err := m.deps.ctrl.Reset(); err != nil {
				m.errText = err.Error()
				return m, nil
			}
			m.snap = m.deps.ctrl.Snapshot()
			m.cursor = 0
			m.notice = "새 세션을 시작했습니다"
			m.errText = ""
			m.refreshChat()
			return m, fetchSettingsCmd(m.ctx, m.deps.client, m.snap.ID)
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// startSubmit begins an exchange. The controller runs in the command's
// goroutine; the model only sees its output through the display buffer and
// signal snapshots until submitDoneMsg arrives.
func (m chatModel) startSubmit(prompt string) (tea.Model, tea.Cmd) {
	m.busy = true
	m.inflight = prompt
	m.notice = ""
	m.errText = ""
	m.status = render.StatusRunning
	m.live = m.deps.display.reset()
	m.refreshChat()
	ctrl, ctx := m.deps.ctrl, m.ctx
	return m, func() tea.Msg {
		_, err := ctrl.Submit(ctx, prompt)
		return submitDoneMsg{Err: err}
	}
}

// submitQueued sends a generated prompt through the pending queue.
func (m chatModel) submitQueued(prompt string) (tea.Model, tea.Cmd) {
	m.deps.ctrl.QueuePrompt(prompt)
	m.busy = true
	m.inflight = prompt
	m.notice = ""
	m.errText = ""
	m.status = render.StatusRunning
	m.live = m.deps.display.reset()
	m.refreshChat()
	ctrl, ctx := m.deps.ctrl, m.ctx
	return m, func() tea.Msg {
		_, _, err := ctrl.SubmitPending(ctx)
		return submitDoneMsg{Err: err}
	}
}

func (m chatModel) toggleSelected() (tea.Model, tea.Cmd) {
	task, _, ok := selectedTask(m.grid(), m.cursor)
	if !ok {
		m.notice = "선택된 할 일이 없습니다"
		return m, nil
	}
	m.busy = true
	ctrl, ctx := m.deps.ctrl, m.ctx
	return m, func() tea.Msg {
		err := ctrl.ToggleTask(ctx, task.Date, task.TaskNo, !task.IsCompleted)
		return actionDoneMsg{Notice: fmt.Sprintf("%s #%d 상태를 변경했습니다", task.Date, task.TaskNo), Err: err}
	}
}

func (m chatModel) completeSelectedDay() (tea.Model, tea.Cmd) {
	_, day, ok := selectedTask(m.grid(), m.cursor)
	if !ok {
		m.notice = "선택된 날짜가 없습니다"
		return m, nil
	}
	if day.Reflected() {
		m.notice = plan.DateHeading(day.Date) + ": 이미 성찰이 기록되었습니다"
		return m, nil
	}
	return m.submitQueued(plan.DayCompletePrompt(day))
}

func (m chatModel) wrapUp() (tea.Model, tea.Cmd) {
	g := m.grid()
	if !g.WrapUpReady {
		m.notice = fmt.Sprintf("모든 날짜의 성찰이 필요합니다 (%d/%d)", g.Reflected, len(g.Cells))
		return m, nil
	}
	prompt, ok := plan.WrapUpPrompt(g.Days())
	if !ok {
		return m, nil
	}
	return m.submitQueued(prompt)
}

// runCommand handles slash commands for settings and the textbook.
func (m chatModel) runCommand(text string) (tea.Model, tea.Cmd) {
	name, arg := parseCommand(text)
	client, ctx, id := m.deps.client, m.ctx, m.snap.ID
	switch name {
	case "help":
		m.notice = "enter 전송 · tab 할 일 선택 · ctrl+t 완료 전환 · ctrl+d 하루 마무리 · ctrl+w 주간 정리 · ctrl+r 새 세션 · /professor T형|F형 · /textbook · /upload <pdf>"
		return m, nil
	case "professor":
		if arg == "" {
			m.notice = "현재 교수자 타입: " + m.professor
			return m, nil
		}
		m.busy = true
		return m, func() tea.Msg {
			msg, err := client.SetProfessorType(ctx, id, arg)
			if err != nil {
				return actionDoneMsg{Err: err}
			}
			return actionDoneMsg{Notice: msg, Professor: arg}
		}
	case "textbook":
		return m, fetchSettingsCmd(ctx, client, id)
	case "upload":
		if arg == "" {
			m.notice = "사용법: /upload <pdf 경로>"
			return m, nil
		}
		m.busy = true
		m.notice = "교재 업로드 중..."
		return m, func() tea.Msg {
			f, err := os.Open(arg)
			if err != nil {
				return actionDoneMsg{Err: fmt.Errorf("open textbook: %w", err)}
			}
			defer f.Close()
			msg, err := client.UploadTextbook(ctx, id, filepath.Base(arg), f)
			return actionDoneMsg{Notice: msg, Err: err}
		}
	default:
		m.notice = "알 수 없는 명령: /" + name
		return m, nil
	}
}

func parseCommand(text string) (name, arg string) {
	text = strings.TrimPrefix(strings.TrimSpace(text), "/")
	name, arg, _ = strings.Cut(text, " ")
	return strings.ToLower(name), strings.TrimSpace(arg)
}

func fetchSettingsCmd(ctx context.Context, client *backend.Client, sessionID string) tea.Cmd {
	return func() tea.Msg {
		pt, err := client.ProfessorType(ctx, sessionID)
		tb, tbErr := client.Textbook(ctx, sessionID)
		if err == nil {
			err = tbErr
		}
		return settingsMsg{ProfessorType: pt, Textbook: tb, Err: err}
	}
}

func (m *chatModel) grid() render.Grid {
	return render.LayoutTaskGrid(m.snap.Tasks, m.snap.Feedback, m.deps.taskSlots, discardLogger())
}

func (m *chatModel) clampCursor() {
	n := len(m.snap.Tasks)
	if n == 0 {
		m.cursor = 0
		return
	}
	m.cursor = ((m.cursor % n) + n) % n
}

// selectedTask maps a flat cursor onto the grid's days in display order.
func selectedTask(g render.Grid, cursor int) (plan.Task, plan.Day, bool) {
	i := 0
	for _, c := range g.Cells {
		for _, t := range c.Day.Tasks {
			if i == cursor {
				return t, c.Day, true
			}
			i++
		}
	}
	return plan.Task{}, plan.Day{}, false
}

// taskLines is the task panel body: the grid plus, once a textbook is
// loaded, the preview link of the selected task's first page.
func (m *chatModel) taskLines(g render.Grid) []string {
	lines := gridLines(g, m.cursor)
	if m.textbook == nil {
		return lines
	}
	if p := previewLine(m.deps.client, m.snap.ID, g, m.cursor); p != "" {
		lines = append(lines, p)
	}
	return lines
}

// previewLine links the textbook thumbnail of the selected task's start page.
func previewLine(client *backend.Client, sessionID string, g render.Grid, cursor int) string {
	t, _, ok := selectedTask(g, cursor)
	if !ok {
		return ""
	}
	return fmt.Sprintf("p.%d 미리보기: %s", t.StartPage, client.ThumbnailURL(sessionID, t.StartPage))
}

// gridLines renders the task grid. selected is a flat task index, or -1.
func gridLines(g render.Grid, selected int) []string {
	if len(g.Cells) == 0 {
		return []string{"아직 학습 계획이 없습니다"}
	}
	var lines []string
	i := 0
	for _, c := range g.Cells {
		done, total, pct := c.Day.Progress()
		heading := fmt.Sprintf("%s  %d/%d (%d%%)", plan.DateHeading(c.Day.Date), done, total, pct)
		if c.Day.Reflected() {
			heading += "  ✎"
		}
		if c.Inline {
			heading = "+ " + heading
		}
		lines = append(lines, heading)
		for _, t := range c.Day.Tasks {
			mark := "[ ]"
			if t.IsCompleted {
				mark = "[x]"
			}
			cursor := "  "
			if i == selected {
				cursor = "> "
			}
			lines = append(lines, fmt.Sprintf("%s%s #%d p.%d-%d %s", cursor, mark, t.TaskNo, t.StartPage, t.EndPage, t.Summary))
			i++
		}
		if c.Day.Reflected() {
			lines = append(lines, "    성찰: "+c.Day.Feedback.Text)
		}
	}
	if g.WrapUpReady {
		lines = append(lines, "주간 정리 가능 (ctrl+w)")
	} else {
		lines = append(lines, fmt.Sprintf("성찰 %d/%d", g.Reflected, len(g.Cells)))
	}
	return lines
}

// historyText renders the conversation so far. Stored transcripts take the
// historical path and never re-apply their structured updates.
func historyText(msgs []session.Message, chatSlots int, logger *slog.Logger) string {
	var blocks []string
	for _, msg := range msgs {
		switch msg.Role {
		case session.RoleUser:
			blocks = append(blocks, userStyle.Render("> "+msg.Text))
		default:
			buf := render.NewBuffer()
			if msg.Transcript != nil {
				render.Replay(msg.Transcript, buf, chatSlots, nil, logger)
			} else {
				render.ReplayContent(msg.Text, buf, chatSlots, nil, logger)
			}
			blocks = append(blocks, buf.String())
		}
	}
	return strings.Join(blocks, "\n\n")
}

func (m *chatModel) refreshChat() {
	content := historyText(m.snap.Messages, m.deps.chatSlots, discardLogger())
	if m.busy {
		live := userStyle.Render("> " + m.inflight)
		if m.live != nil {
			if s := m.live.String(); s != "" {
				live += "\n\n" + s
			}
		}
		if content != "" {
			content += "\n\n"
		}
		content += live
	}
	m.chat.SetContent(lipgloss.NewStyle().Width(m.chat.Width).Render(content))
	m.chat.GotoBottom()
}

func (m *chatModel) layout() {
	w := bodyWidth(m.width)
	_, chatH := paneHeights(m.height, len(m.taskLines(m.grid())), m.snap.ViewportHeight)
	m.chat.Width = w - 4
	m.chat.Height = chatH
	m.input.Width = w - 4
}

// paneHeights splits the terminal between the task panel and the chat.
// The chat gets session.ChatHeight rows when the terminal has room.
func paneHeights(terminalHeight, taskLines, viewportHeight int) (tasks, chat int) {
	available := terminalHeight - 6
	if available < 10 {
		available = 10
	}
	tasks = taskLines + 1
	if maxTasks := available / 3; tasks > maxTasks {
		tasks = maxTasks
	}
	if tasks < 3 {
		tasks = 3
	}
	chat = available - tasks
	if want := session.ChatHeight(viewportHeight) / pixelsPerRow; chat > want {
		chat = want
	}
	if chat < 3 {
		chat = 3
	}
	return tasks, chat
}

var (
	accent    = lipgloss.Color("#2563EB")
	userStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#93C5FD"))
)

func (m chatModel) View() string {
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#F8FAFC")).
		Background(accent).
		Padding(0, 1).
		Render("Study Planner")

	statusStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#0F172A")).
		Background(lipgloss.Color("#93C5FD")).
		Padding(0, 1)
	switch m.status {
	case render.StatusRunning:
		statusStyle = statusStyle.Background(lipgloss.Color("#FBBF24"))
	case render.StatusError:
		statusStyle = statusStyle.Background(lipgloss.Color("#EF4444")).Foreground(lipgloss.Color("#FEF2F2"))
	}
	status := statusStyle.Render(m.status.Label())

	tb := "교재 없음"
	if m.textbook != nil {
		tb = fmt.Sprintf("%s (%dp)", m.textbook.Filename, m.textbook.PageCount)
	}
	meta := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#BFDBFE")).
		Render(fmt.Sprintf("session=%s  교수자=%s  교재=%s", m.snap.ID, m.professor, tb))

	width := bodyWidth(m.width)
	g := m.grid()
	lines := m.taskLines(g)
	taskH, _ := paneHeights(m.height, len(lines), m.snap.ViewportHeight)
	taskPanel := renderPanel("학습 계획", lines, width, taskH)
	chatPanel := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(accent).
		Width(width).
		Render(m.chat.View())

	footer := lipgloss.NewStyle().Foreground(lipgloss.Color("#BFDBFE")).Render("enter 전송 · tab 선택 · ctrl+t 완료 · ctrl+d 하루 마무리 · ctrl+w 주간 정리 · ctrl+r 새 세션 · esc 종료")
	if m.notice != "" {
		footer = lipgloss.NewStyle().Foreground(lipgloss.Color("#FDE68A")).Render(m.notice)
	}
	if m.errText != "" {
		footer = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")).Render("오류: " + m.errText)
	}

	return strings.Join([]string{title + " " + status, meta, taskPanel, chatPanel, m.input.View(), footer}, "\n")
}

// renderPanel draws a bordered panel, cutting overflowing lines at the bottom.
func renderPanel(title string, lines []string, width, height int) string {
	if height < 3 {
		height = 3
	}
	contentHeight := height - 1
	if len(lines) > contentHeight {
		lines = append(lines[:contentHeight-1:contentHeight-1], "...")
	}
	for len(lines) < contentHeight {
		lines = append(lines, "")
	}
	content := lipgloss.NewStyle().Bold(true).Foreground(accent).Render(title) + "\n" + strings.Join(lines, "\n")

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(accent).
		Width(width).
		Height(height).
		Padding(0, 1).
		Render(content)
}

func bodyWidth(terminalWidth int) int {
	if terminalWidth <= 0 {
		return 80
	}
	w := terminalWidth - 2
	if w < 40 {
		return 40
	}
	return w
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
