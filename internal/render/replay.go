package render

import (
	"encoding/json"
	"log/slog"

	"github.com/mattjoyce/studyplanner/internal/transcript"
)

// StructuredSink receives task and feedback items found in a stored
// transcript. It is optional on replay.
type StructuredSink interface {
	ApplyTasks(raw json.RawMessage) error
	ApplyFeedback(raw json.RawMessage) error
}

// Replay re-renders a stored assistant message into a fresh slot sequence of
// the given capacity. Text, tool and error units take slots in order; the end
// marker takes none. Task and feedback items go to sink when one is given.
func Replay(t *transcript.Transcript, d Display, capacity int, sink StructuredSink, logger *slog.Logger) {
	placer := NewPlacer(NewSequence(capacity), d, logger)
	for _, u := range t.Messages {
		switch u.Type {
		case transcript.UnitText, transcript.UnitTool, transcript.UnitError:
			placer.Place(u)
		case transcript.UnitTaskUpdate, transcript.UnitFeedbackUpdate:
			if sink == nil {
				continue
			}
			raw := u.Payload
			if len(raw) == 0 {
				raw, _ = json.Marshal(u.Content)
			}
			var err error
			if u.Type == transcript.UnitTaskUpdate {
				err = sink.ApplyTasks(raw)
			} else {
				err = sink.ApplyFeedback(raw)
			}
			if err != nil {
				logger.Error("replay structured update failed", "type", string(u.Type), "error", err)
			}
		case transcript.UnitAgentChange:
		default:
			logger.Debug("replay skipped unknown unit", "type", string(u.Type))
		}
	}
}

// ReplayContent replays stored assistant content that may be either a
// transcript document or plain text.
func ReplayContent(content string, d Display, capacity int, sink StructuredSink, logger *slog.Logger) {
	if t, ok := transcript.Parse(content); ok {
		Replay(t, d, capacity, sink, logger)
		return
	}
	NewPlacer(NewSequence(capacity), d, logger).Place(transcript.Text(content))
}
