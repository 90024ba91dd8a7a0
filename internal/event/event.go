package event

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Type identifies the kind of a stream record.
type Type string

const (
	TypeMessage        Type = "message"
	TypeTool           Type = "tool"
	TypeTaskUpdate     Type = "task_update"
	TypeFeedbackUpdate Type = "feedback_update"
	TypeError          Type = "error"
	TypeEnd            Type = "end"
)

// DefaultToolName is used when a tool record carries no tool_name.
const DefaultToolName = "도구"

// Known reports whether t is one of the recognized record types.
func (t Type) Known() bool {
	switch t {
	case TypeMessage, TypeTool, TypeTaskUpdate, TypeFeedbackUpdate, TypeError, TypeEnd:
		return true
	}
	return false
}

// Event is one decoded line of the chat stream.
type Event struct {
	Type     Type
	Text     string
	ToolName string
	// Payload is the raw "text" value. Structured updates decode it further.
	Payload json.RawMessage
}

// DecodeError reports a stream line that is not a valid record.
type DecodeError struct {
	Line []byte
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode stream line %q: %v", truncate(e.Line, 120), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DecodeLine decodes one line. Blank lines return ok=false and no error.
func DecodeLine(line []byte) (Event, bool, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return Event{}, false, nil
	}

	var raw struct {
		Type     *string         `json:"type"`
		Text     json.RawMessage `json:"text"`
		ToolName *string         `json:"tool_name"`
	}
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return Event{}, false, &DecodeError{Line: append([]byte(nil), trimmed...), Err: err}
	}

	ev := Event{Type: TypeMessage}
	if raw.Type != nil {
		ev.Type = Type(*raw.Type)
	}
	if len(raw.Text) > 0 && !bytes.Equal(raw.Text, []byte("null")) {
		ev.Payload = raw.Text
		var s string
		if err := json.Unmarshal(raw.Text, &s); err == nil {
			ev.Text = s
		} else {
			ev.Text = string(raw.Text)
		}
	}
	if ev.Type == TypeTool {
		ev.ToolName = DefaultToolName
		if raw.ToolName != nil && *raw.ToolName != "" {
			ev.ToolName = *raw.ToolName
		}
	}
	return ev, true, nil
}

// Scanner reads line-delimited records from a stream body. Lines have no
// length limit; a whole-plan task_update arrives as one line.
type Scanner struct {
	r   *bufio.Reader
	eof bool
}

// NewScanner wraps r.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next record. A *DecodeError leaves the scanner usable;
// io.EOF marks a clean end; any other error comes from the reader.
func (s *Scanner) Next() (Event, error) {
	for !s.eof {
		line, err := s.r.ReadBytes('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return Event{}, fmt.Errorf("read stream: %w", err)
			}
			s.eof = true
		}
		ev, ok, decErr := DecodeLine(line)
		if decErr != nil {
			return Event{}, decErr
		}
		if ok {
			return ev, nil
		}
	}
	return Event{}, io.EOF
}

func truncate(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max-3]) + "..."
}
