package event

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestDecodeLineDefaults(t *testing.T) {
	ev, ok, err := DecodeLine([]byte(`{}`))
	if err != nil || !ok {
		t.Fatalf("decode empty object: ok=%v err=%v", ok, err)
	}
	if ev.Type != TypeMessage {
		t.Fatalf("type = %q, want message", ev.Type)
	}
	if ev.Text != "" {
		t.Fatalf("text = %q, want empty", ev.Text)
	}
}

func TestDecodeLineShapes(t *testing.T) {
	cases := []struct {
		name     string
		line     string
		wantType Type
		wantText string
		wantTool string
	}{
		{"message", `{"type":"message","text":"Hel"}`, TypeMessage, "Hel", ""},
		{"tool", `{"type":"tool","tool_name":"get_textbook_content","text":"p.3"}`, TypeTool, "p.3", "get_textbook_content"},
		{"tool without name", `{"type":"tool","text":"x"}`, TypeTool, "x", DefaultToolName},
		{"error", `{"type":"error","text":"boom"}`, TypeError, "boom", ""},
		{"end", `{"type":"end"}`, TypeEnd, "", ""},
		{"task array", `{"type":"task_update","text":[{"date":"2025-06-01"}]}`, TypeTaskUpdate, `[{"date":"2025-06-01"}]`, ""},
		{"null text", `{"type":"message","text":null}`, TypeMessage, "", ""},
		{"unknown kind", `{"type":"heartbeat"}`, Type("heartbeat"), "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, ok, err := DecodeLine([]byte(tc.line))
			if err != nil || !ok {
				t.Fatalf("decode: ok=%v err=%v", ok, err)
			}
			if ev.Type != tc.wantType || ev.Text != tc.wantText || ev.ToolName != tc.wantTool {
				t.Fatalf("got %+v, want type=%q text=%q tool=%q", ev, tc.wantType, tc.wantText, tc.wantTool)
			}
		})
	}
}

func TestDecodeLineBlankIsSkipped(t *testing.T) {
	for _, line := range []string{"", "   ", "\t\r"} {
		_, ok, err := DecodeLine([]byte(line))
		if ok || err != nil {
			t.Fatalf("line %q: ok=%v err=%v, want skipped without error", line, ok, err)
		}
	}
}

func TestDecodeLineMalformed(t *testing.T) {
	for _, line := range []string{`{"type":`, `not json`, `{"type":5}`} {
		_, _, err := DecodeLine([]byte(line))
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Fatalf("line %q: expected DecodeError, got %v", line, err)
		}
	}
}

func TestScannerSkipsBadLinesAndContinues(t *testing.T) {
	body := strings.Join([]string{
		`{"type":"message","text":"a"}`,
		``,
		`garbage`,
		`{"type":"end"}`,
	}, "\n")
	sc := NewScanner(strings.NewReader(body))

	var types []Type
	var decodeErrs int
	for {
		ev, err := sc.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		var de *DecodeError
		if errors.As(err, &de) {
			decodeErrs++
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		types = append(types, ev.Type)
	}
	if decodeErrs != 1 {
		t.Fatalf("decode errors = %d, want 1", decodeErrs)
	}
	if len(types) != 2 || types[0] != TypeMessage || types[1] != TypeEnd {
		t.Fatalf("types = %v, want [message end]", types)
	}
}

func TestScannerReportsReadFailure(t *testing.T) {
	r := io.MultiReader(strings.NewReader(`{"text":"partial answ"}`+"\n"), failingReader{})
	sc := NewScanner(r)
	if _, err := sc.Next(); err != nil {
		t.Fatalf("first record: %v", err)
	}
	_, err := sc.Next()
	if err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("expected read failure, got %v", err)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset by peer") }

func TestScannerAcceptsVeryLongLines(t *testing.T) {
	long := strings.Repeat("가", 1024*1024) // 3 MiB of UTF-8
	body := strings.Join([]string{
		`{"type":"message","text":"before"}`,
		`{"type":"tool","tool_name":"get_textbook_content","text":"` + long + `"}`,
		`{"type":"message","text":"after"}`,
		`{"type":"end"}`,
	}, "\n")
	sc := NewScanner(strings.NewReader(body))

	var types []Type
	for {
		ev, err := sc.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ev.Type == TypeTool && len(ev.Text) != len(long) {
			t.Fatalf("tool text length = %d, want %d", len(ev.Text), len(long))
		}
		types = append(types, ev.Type)
	}
	want := []Type{TypeMessage, TypeTool, TypeMessage, TypeEnd}
	if len(types) != len(want) {
		t.Fatalf("types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("types = %v, want %v", types, want)
		}
	}
}
