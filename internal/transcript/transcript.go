package transcript

import (
	"encoding/json"
	"strings"
)

// UnitType identifies a transcript entry.
type UnitType string

const (
	UnitText           UnitType = "text"
	UnitTool           UnitType = "tool"
	UnitAgentChange    UnitType = "agent_change"
	UnitError          UnitType = "error"
	UnitTaskUpdate     UnitType = "task_update"
	UnitFeedbackUpdate UnitType = "feedback_update"
)

// Unit is one renderable entry of an assistant message.
type Unit struct {
	Type    UnitType        `json:"type"`
	Content string          `json:"content,omitempty"`
	Name    string          `json:"name,omitempty"`
	Agent   string          `json:"agent,omitempty"`
	Info    string          `json:"info,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON writes content for text, tool and error units even when it is
// empty; other unit types omit it.
func (u Unit) MarshalJSON() ([]byte, error) {
	var content *string
	if u.Content != "" || u.Type == UnitText || u.Type == UnitTool || u.Type == UnitError {
		content = &u.Content
	}
	return json.Marshal(struct {
		Type    UnitType        `json:"type"`
		Content *string         `json:"content,omitempty"`
		Name    string          `json:"name,omitempty"`
		Agent   string          `json:"agent,omitempty"`
		Info    string          `json:"info,omitempty"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}{u.Type, content, u.Name, u.Agent, u.Info, u.Payload})
}

// Transcript is the ordered list of units produced by one stream. It is the
// stored form of an assistant message.
type Transcript struct {
	Messages []Unit `json:"messages"`
}

// New returns an empty transcript.
func New() *Transcript {
	return &Transcript{Messages: []Unit{}}
}

// Append adds u at the end.
func (t *Transcript) Append(u Unit) {
	t.Messages = append(t.Messages, u)
}

// Len returns the number of units.
func (t *Transcript) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Messages)
}

// Clone returns a deep copy.
func (t *Transcript) Clone() *Transcript {
	if t == nil {
		return nil
	}
	out := &Transcript{Messages: make([]Unit, len(t.Messages))}
	for i, u := range t.Messages {
		if u.Payload != nil {
			u.Payload = append(json.RawMessage(nil), u.Payload...)
		}
		out.Messages[i] = u
	}
	return out
}

// Text concatenates the text units, separated by blank lines.
func (t *Transcript) Text() string {
	var parts []string
	for _, u := range t.Messages {
		if u.Type == UnitText {
			parts = append(parts, u.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Ended reports whether the transcript carries the end-of-stream marker.
func (t *Transcript) Ended() bool {
	for _, u := range t.Messages {
		if u.Type == UnitAgentChange && u.Agent == "system" && u.Info == "end" {
			return true
		}
	}
	return false
}

// Parse decodes stored assistant content. It returns false when content is
// not a transcript document, in which case the caller shows it as plain text.
func Parse(content string) (*Transcript, bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}
	var doc struct {
		Messages *[]Unit `json:"messages"`
	}
	if err := json.Unmarshal([]byte(trimmed), &doc); err != nil || doc.Messages == nil {
		return nil, false
	}
	return &Transcript{Messages: *doc.Messages}, true
}

func Text(content string) Unit {
	return Unit{Type: UnitText, Content: content}
}

func Tool(name, content string) Unit {
	return Unit{Type: UnitTool, Name: name, Content: content}
}

func Error(msg string) Unit {
	return Unit{Type: UnitError, Content: msg}
}

// EndMarker is appended once a stream reaches its end record.
func EndMarker() Unit {
	return Unit{Type: UnitAgentChange, Agent: "system", Info: "end"}
}

var toolLabels = map[string]string{
	"get_textbook_content": "교재 내용 조회",
	"update_task_list":     "할 일 목록 업데이트",
	"update_feedback_list": "성찰록 업데이트",
}

// ToolLabel maps an internal tool name to the label shown to the user.
func ToolLabel(name string) string {
	if label, ok := toolLabels[name]; ok {
		return label
	}
	return name
}

// Label returns the display label of a tool unit, or its type otherwise.
func (u Unit) Label() string {
	if u.Type == UnitTool {
		return ToolLabel(u.Name)
	}
	return string(u.Type)
}
