package session

import (
	"github.com/google/uuid"

	"github.com/mattjoyce/studyplanner/internal/plan"
	"github.com/mattjoyce/studyplanner/internal/transcript"
)

// DefaultViewportHeight is used until the display reports its size.
const DefaultViewportHeight = 800

// Role identifies the author of a history message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation history. Assistant messages
// carry the transcript of their stream; Text holds plain content otherwise.
type Message struct {
	Role       Role
	Text       string
	Transcript *transcript.Transcript
}

// State is the process-local state of one user session. It has a single
// writer at a time: the stream consumer while streaming, user handlers
// in between. Streaming is the mutual exclusion between the two.
type State struct {
	ID             string
	Messages       []Message
	Tasks          []plan.Task
	Feedback       []plan.Feedback
	Streaming      bool
	ViewportHeight int
	PendingPrompt  string

	refreshOwed bool
}

// New starts a session with a fresh ID.
func New(viewportHeight int) *State {
	if viewportHeight <= 0 {
		viewportHeight = DefaultViewportHeight
	}
	s := &State{ViewportHeight: viewportHeight}
	s.clear()
	return s
}

func newID() string {
	return "session_" + uuid.NewString()
}

func (s *State) clear() {
	s.ID = newID()
	s.Messages = []Message{}
	s.Tasks = []plan.Task{}
	s.Feedback = []plan.Feedback{}
	s.Streaming = false
	s.PendingPrompt = ""
	s.refreshOwed = false
}

// Reset drops everything except the viewport height and issues a new ID.
func (s *State) Reset() {
	s.clear()
}

// AddMessage appends to the history.
func (s *State) AddMessage(m Message) {
	s.Messages = append(s.Messages, m)
}

// MarkRefreshOwed records that a redraw is due once streaming ends.
func (s *State) MarkRefreshOwed() {
	s.refreshOwed = true
}

// TakeRefreshOwed reads and clears the deferred refresh flag.
func (s *State) TakeRefreshOwed() bool {
	owed := s.refreshOwed
	s.refreshOwed = false
	return owed
}

// RefreshOwed reports the flag without clearing it.
func (s *State) RefreshOwed() bool {
	return s.refreshOwed
}

// SetTaskCompleted flips the completion of the task keyed by (date, taskNo).
// It reports whether such a task exists.
func (s *State) SetTaskCompleted(date string, taskNo int, completed bool) bool {
	for i := range s.Tasks {
		if s.Tasks[i].Date == date && s.Tasks[i].TaskNo == taskNo {
			s.Tasks[i].IsCompleted = completed
			return true
		}
	}
	return false
}

// SetViewportHeight records a measured display height. Measurements taken
// while streaming are ignored.
func (s *State) SetViewportHeight(h int) bool {
	if s.Streaming || h <= 0 || h == s.ViewportHeight {
		return false
	}
	s.ViewportHeight = h
	return true
}

// QueuePrompt stores a prompt to submit on the next cycle.
func (s *State) QueuePrompt(p string) {
	s.PendingPrompt = p
}

// TakePendingPrompt returns and clears the queued prompt.
func (s *State) TakePendingPrompt() (string, bool) {
	p := s.PendingPrompt
	s.PendingPrompt = ""
	return p, p != ""
}

// ChatHeight derives the chat panel height from the viewport height.
func ChatHeight(viewportHeight int) int {
	return max(viewportHeight-250, 400)
}

// Snapshot is an immutable copy of State safe to hand to another goroutine.
type Snapshot struct {
	ID             string
	Messages       []Message
	Tasks          []plan.Task
	Feedback       []plan.Feedback
	Streaming      bool
	ViewportHeight int
}

// Snapshot copies the current state.
func (s *State) Snapshot() Snapshot {
	msgs := make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		m.Transcript = m.Transcript.Clone()
		msgs[i] = m
	}
	return Snapshot{
		ID:             s.ID,
		Messages:       msgs,
		Tasks:          append([]plan.Task{}, s.Tasks...),
		Feedback:       append([]plan.Feedback{}, s.Feedback...),
		Streaming:      s.Streaming,
		ViewportHeight: s.ViewportHeight,
	}
}
