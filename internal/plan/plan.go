package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
)

// Task is one plannable unit of study for a given day.
// (Date, TaskNo) is the natural key.
type Task struct {
	Date        string `json:"date"`
	TaskNo      int    `json:"task_no"`
	StartPage   int    `json:"start_pg"`
	EndPage     int    `json:"end_pg"`
	Summary     string `json:"summary"`
	IsCompleted bool   `json:"is_completed"`
}

// UnmarshalJSON accepts start_page/end_page as aliases of start_pg/end_pg.
func (t *Task) UnmarshalJSON(data []byte) error {
	type wire Task
	var aux struct {
		wire
		StartPg        *int `json:"start_pg"`
		EndPg          *int `json:"end_pg"`
		StartPageAlias *int `json:"start_page"`
		EndPageAlias   *int `json:"end_page"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*t = Task(aux.wire)
	t.StartPage = firstInt(aux.StartPg, aux.StartPageAlias)
	t.EndPage = firstInt(aux.EndPg, aux.EndPageAlias)
	return nil
}

func firstInt(vals ...*int) int {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return 0
}

// Feedback is the reflection recorded for one study day.
type Feedback struct {
	Date string `json:"date"`
	Text string `json:"feedback"`
}

// UnmarshalJSON accepts feedback_text as an alias of feedback.
func (f *Feedback) UnmarshalJSON(data []byte) error {
	var aux struct {
		Date      string  `json:"date"`
		Text      *string `json:"feedback"`
		TextAlias *string `json:"feedback_text"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	f.Date = aux.Date
	f.Text = ""
	switch {
	case aux.Text != nil:
		f.Text = *aux.Text
	case aux.TextAlias != nil:
		f.Text = *aux.TextAlias
	}
	return nil
}

// PayloadError reports a task or feedback payload that could not be used.
type PayloadError struct {
	Kind string
	Err  error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("%s payload: %v", e.Kind, e.Err)
}

func (e *PayloadError) Unwrap() error { return e.Err }

// DecodeTasks decodes a full task list. The payload may be the array itself
// or a JSON string holding the encoded array. null yields an empty list.
func DecodeTasks(raw json.RawMessage) ([]Task, error) {
	var tasks []Task
	if err := decodeList(raw, &tasks); err != nil {
		return nil, &PayloadError{Kind: "task", Err: err}
	}
	seen := make(map[taskKey]struct{}, len(tasks))
	for _, t := range tasks {
		k := taskKey{t.Date, t.TaskNo}
		if _, dup := seen[k]; dup {
			return nil, &PayloadError{Kind: "task", Err: fmt.Errorf("duplicate task %s#%d", t.Date, t.TaskNo)}
		}
		seen[k] = struct{}{}
	}
	if tasks == nil {
		tasks = []Task{}
	}
	return tasks, nil
}

// DecodeFeedback decodes a full feedback list, with the same encoding rules
// as DecodeTasks.
func DecodeFeedback(raw json.RawMessage) ([]Feedback, error) {
	var items []Feedback
	if err := decodeList(raw, &items); err != nil {
		return nil, &PayloadError{Kind: "feedback", Err: err}
	}
	seen := make(map[string]struct{}, len(items))
	for _, f := range items {
		if _, dup := seen[f.Date]; dup {
			return nil, &PayloadError{Kind: "feedback", Err: fmt.Errorf("duplicate feedback for %s", f.Date)}
		}
		seen[f.Date] = struct{}{}
	}
	if items == nil {
		items = []Feedback{}
	}
	return items, nil
}

type taskKey struct {
	date string
	no   int
}

func decodeList(raw json.RawMessage, out any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return fmt.Errorf("decode string envelope: %w", err)
		}
		raw = bytes.TrimSpace([]byte(inner))
		if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
			return nil
		}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode list: %w", err)
	}
	return nil
}

// TasksEqual reports whole-list equality, order included.
func TasksEqual(a, b []Task) bool {
	return slices.Equal(a, b)
}

// FeedbackEqual reports whole-list equality, order included.
func FeedbackEqual(a, b []Feedback) bool {
	return slices.Equal(a, b)
}
