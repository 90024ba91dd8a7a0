package mockapi

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/studyplanner/internal/event"
)

// Step is one scripted stream record. Raw, when set, is written verbatim so
// scenarios can exercise malformed lines. Drop closes the stream without an
// end record.
type Step struct {
	Type     string   `yaml:"type"`
	Text     string   `yaml:"text"`
	Tokens   []string `yaml:"tokens"`
	ToolName string   `yaml:"tool_name"`
	Payload  any      `yaml:"payload"`
	// Encoded sends the payload as a JSON string holding the list.
	Encoded bool   `yaml:"encoded"`
	Raw     string `yaml:"raw"`
	Drop    bool   `yaml:"drop"`
}

// Scenario is a scripted response selected by a substring of the prompt.
// An empty Match is the fallback.
type Scenario struct {
	Name  string `yaml:"name"`
	Match string `yaml:"match"`
	Steps []Step `yaml:"steps"`
}

// Library is the set of scenarios a server can play.
type Library struct {
	Scenarios []Scenario `yaml:"scenarios"`
}

// LoadLibrary reads scenarios from a YAML file. An empty path returns the
// built-in echo scenario.
func LoadLibrary(path string) (*Library, error) {
	if path == "" {
		return DefaultLibrary(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenarios: %w", err)
	}
	var lib Library
	if err := yaml.Unmarshal(data, &lib); err != nil {
		return nil, fmt.Errorf("parse scenarios: %w", err)
	}
	if err := lib.validate(); err != nil {
		return nil, fmt.Errorf("invalid scenarios: %w", err)
	}
	return &lib, nil
}

// DefaultLibrary echoes the prompt back.
func DefaultLibrary() *Library {
	return &Library{Scenarios: []Scenario{{
		Name: "echo",
		Steps: []Step{
			{Type: string(event.TypeMessage), Text: "받은 요청: {{prompt}}"},
			{Type: string(event.TypeEnd)},
		},
	}}}
}

func (l *Library) validate() error {
	if len(l.Scenarios) == 0 {
		return fmt.Errorf("no scenarios defined")
	}
	for i, sc := range l.Scenarios {
		if len(sc.Steps) == 0 {
			return fmt.Errorf("scenario %d (%s): no steps", i, sc.Name)
		}
		for j, st := range sc.Steps {
			if st.Raw != "" || st.Drop {
				continue
			}
			if st.Type == "" {
				return fmt.Errorf("scenario %d (%s) step %d: type is required", i, sc.Name, j)
			}
		}
	}
	return nil
}

// Select returns the first scenario whose Match occurs in prompt, or the
// first fallback scenario.
func (l *Library) Select(prompt string) (Scenario, bool) {
	var fallback *Scenario
	for i := range l.Scenarios {
		sc := &l.Scenarios[i]
		if sc.Match == "" {
			if fallback == nil {
				fallback = sc
			}
			continue
		}
		if strings.Contains(prompt, sc.Match) {
			return *sc, true
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return Scenario{}, false
}

// record is the wire shape of one stream line.
type record struct {
	Type     string `json:"type"`
	Text     any    `json:"text,omitempty"`
	ToolName string `json:"tool_name,omitempty"`
}

// lines renders a step as the NDJSON lines it produces, without trailing
// newlines. prompt replaces {{prompt}} in text.
func (st Step) lines(prompt string) ([][]byte, error) {
	if st.Raw != "" {
		return [][]byte{[]byte(st.Raw)}, nil
	}
	if st.Drop {
		return nil, nil
	}
	expand := func(s string) string { return strings.ReplaceAll(s, "{{prompt}}", prompt) }

	var recs []record
	switch event.Type(st.Type) {
	case event.TypeMessage:
		tokens := st.Tokens
		if len(tokens) == 0 {
			tokens = []string{st.Text}
		}
		for _, tok := range tokens {
			recs = append(recs, record{Type: st.Type, Text: expand(tok)})
		}
	case event.TypeTaskUpdate, event.TypeFeedbackUpdate:
		payload, err := json.Marshal(st.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", st.Type, err)
		}
		var text any = json.RawMessage(payload)
		if st.Encoded {
			text = string(payload)
		}
		recs = append(recs, record{Type: st.Type, Text: text})
	default:
		recs = append(recs, record{Type: st.Type, Text: expand(st.Text), ToolName: st.ToolName})
	}

	out := make([][]byte, 0, len(recs))
	for _, r := range recs {
		b, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("marshal %s record: %w", r.Type, err)
		}
		out = append(out, b)
	}
	return out, nil
}
