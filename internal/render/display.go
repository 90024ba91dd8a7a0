package render

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/mattjoyce/studyplanner/internal/transcript"
)

// Status is the response indicator shown next to the chat.
type Status int

const (
	StatusIdle Status = iota
	StatusRunning
	StatusComplete
	StatusError
)

// Label returns the user-facing text of the status.
func (s Status) Label() string {
	switch s {
	case StatusRunning:
		return "AI 응답 중..."
	case StatusComplete:
		return "응답 완료"
	case StatusError:
		return "오류 발생"
	default:
		return "에이전트 응답 완료"
	}
}

// Display is the rendering surface the stream pipeline draws into.
// ShowSlot may be called repeatedly for the same slot with growing content.
type Display interface {
	ShowSlot(slot int, u transcript.Unit)
	ShowInline(u transcript.Unit)
	Warn(msg string)
	SetStatus(s Status)
}

// Entry is one rendered position in a Buffer.
type Entry struct {
	Slot   int
	Inline bool
	Unit   transcript.Unit
}

// Buffer is an in-memory Display. Slots keep their latest content; inline
// entries follow all slots in arrival order.
type Buffer struct {
	mu       sync.Mutex
	slots    map[int]transcript.Unit
	inline   []transcript.Unit
	warnings []string
	status   Status
	renders  int
}

// NewBuffer returns an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{slots: map[int]transcript.Unit{}}
}

func (b *Buffer) ShowSlot(slot int, u transcript.Unit) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots[slot] = u
	b.renders++
}

func (b *Buffer) ShowInline(u transcript.Unit) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inline = append(b.inline, u)
	b.renders++
}

func (b *Buffer) Warn(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.warnings = append(b.warnings, msg)
}

func (b *Buffer) SetStatus(s Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = s
}

// Entries returns slots in index order followed by inline units.
func (b *Buffer) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, 0, len(b.slots)+len(b.inline))
	for i := 0; len(out) < len(b.slots); i++ {
		if u, ok := b.slots[i]; ok {
			out = append(out, Entry{Slot: i, Unit: u})
		}
	}
	for _, u := range b.inline {
		out = append(out, Entry{Slot: -1, Inline: true, Unit: u})
	}
	return out
}

// Slot returns the current content of a slot.
func (b *Buffer) Slot(i int) (transcript.Unit, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.slots[i]
	return u, ok
}

// Warnings returns the warnings raised so far.
func (b *Buffer) Warnings() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.warnings...)
}

// Status returns the last status set.
func (b *Buffer) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Renders counts ShowSlot and ShowInline calls.
func (b *Buffer) Renders() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.renders
}

// String renders the buffer as plain text, one block per entry.
func (b *Buffer) String() string {
	var blocks []string
	for _, e := range b.Entries() {
		blocks = append(blocks, FormatUnit(e.Unit))
	}
	for _, w := range b.Warnings() {
		blocks = append(blocks, "! "+w)
	}
	return strings.Join(blocks, "\n\n")
}

// FormatUnit renders a unit as plain text.
func FormatUnit(u transcript.Unit) string {
	switch u.Type {
	case transcript.UnitTool:
		return fmt.Sprintf("[✓ %s]", u.Label())
	case transcript.UnitError:
		return "[오류] " + u.Content
	case transcript.UnitAgentChange:
		return fmt.Sprintf("[%s: %s]", u.Agent, u.Info)
	default:
		return u.Content
	}
}

// Writer is a Display for line-oriented terminals. Growing slot content is
// written as deltas so tokens appear as they arrive.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	started bool
	current int
	written int
}

// NewWriter returns a Display writing to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, current: -1}
}

func (d *Writer) ShowSlot(slot int, u transcript.Unit) {
	d.mu.Lock()
	defer d.mu.Unlock()
	text := FormatUnit(u)
	if d.started && slot == d.current && len(text) >= d.written {
		fmt.Fprint(d.w, text[d.written:])
		d.written = len(text)
		return
	}
	d.separate()
	d.current = slot
	fmt.Fprint(d.w, text)
	d.written = len(text)
}

func (d *Writer) ShowInline(u transcript.Unit) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.separate()
	fmt.Fprint(d.w, FormatUnit(u))
	d.current = -1
	d.written = 0
}

func (d *Writer) Warn(msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.separate()
	fmt.Fprintf(d.w, "! %s", msg)
	d.current = -1
	d.written = 0
}

func (d *Writer) SetStatus(s Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch s {
	case StatusComplete, StatusError:
		fmt.Fprintf(d.w, "\n\n-- %s --\n", s.Label())
		d.started = false
		d.current = -1
		d.written = 0
	}
}

func (d *Writer) separate() {
	if d.started {
		fmt.Fprint(d.w, "\n\n")
	}
	d.started = true
}
