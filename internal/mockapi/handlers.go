package mockapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/studyplanner/internal/backend"
	"github.com/mattjoyce/studyplanner/internal/event"
	"github.com/mattjoyce/studyplanner/internal/plan"
)

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleChatStream handles POST /chat/stream by playing the matching
// scenario one line at a time.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req backend.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Prompt == "" || req.SessionID == "" {
		s.writeError(w, http.StatusBadRequest, "prompt and session_id are required")
		return
	}

	sc, ok := s.library.Select(req.Prompt)
	if !ok {
		s.writeError(w, http.StatusNotFound, "no scenario matches prompt")
		return
	}
	s.logger.Info("playing scenario", "session_id", req.SessionID, "scenario", sc.Name)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	ctx := r.Context()
	for i, st := range sc.Steps {
		if st.Drop {
			s.logger.Info("scenario dropped connection", "session_id", req.SessionID, "step", i)
			return
		}
		lines, err := st.lines(req.Prompt)
		if err != nil {
			s.logger.Error("scenario step failed", "scenario", sc.Name, "step", i, "error", err)
			return
		}
		s.remember(req.SessionID, st)
		for _, line := range lines {
			if _, err := w.Write(append(line, '\n')); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			if s.config.TokenDelay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.config.TokenDelay):
				}
			}
		}
	}
}

// remember applies a scripted structured update to the mock's own state so
// later task toggles can be checked against it.
func (s *Server) remember(sessionID string, st Step) {
	var kind event.Type
	switch event.Type(st.Type) {
	case event.TypeTaskUpdate, event.TypeFeedbackUpdate:
		kind = event.Type(st.Type)
	default:
		return
	}
	raw, err := json.Marshal(st.Payload)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sd := s.session(sessionID)
	if kind == event.TypeTaskUpdate {
		if tasks, err := plan.DecodeTasks(raw); err == nil {
			sd.tasks = tasks
		}
		return
	}
	if items, err := plan.DecodeFeedback(raw); err == nil {
		sd.feedback = items
	}
}

// handleTaskUpdate handles POST /tasks/update.
func (s *Server) handleTaskUpdate(w http.ResponseWriter, r *http.Request) {
	var req backend.TaskUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	s.mu.Lock()
	sd := s.session(req.SessionID)
	found := false
	for i := range sd.tasks {
		if sd.tasks[i].Date == req.Date && sd.tasks[i].TaskNo == req.TaskNo {
			sd.tasks[i].IsCompleted = req.Completed
			found = true
			break
		}
	}
	s.mu.Unlock()

	if !found {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	s.logger.Info("task updated",
		"session_id", req.SessionID,
		"date", req.Date,
		"task_no", req.TaskNo,
		"completed", req.Completed,
	)
	respondJSON(w, http.StatusOK, backend.ResultResponse{Success: true, Message: "할 일 상태가 업데이트되었습니다"})
}

// handleGetProfessorType handles GET /sessions/{session_id}/professor-type.
func (s *Server) handleGetProfessorType(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	s.mu.Lock()
	pt := s.session(id).professorType
	s.mu.Unlock()
	if pt == "" {
		pt = backend.ProfessorT
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "professor_type": pt})
}

// handleSetProfessorType handles POST /sessions/{session_id}/professor-type.
func (s *Server) handleSetProfessorType(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	var req struct {
		ProfessorType string `json:"professor_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ProfessorType != backend.ProfessorT && req.ProfessorType != backend.ProfessorF {
		s.writeError(w, http.StatusBadRequest, "professor_type must be T형 or F형")
		return
	}
	s.mu.Lock()
	s.session(id).professorType = req.ProfessorType
	s.mu.Unlock()
	respondJSON(w, http.StatusOK, backend.ResultResponse{Success: true, Message: "교수자 타입이 " + req.ProfessorType + "으로 설정되었습니다"})
}

// handleGetTextbook handles GET /data/textbook.
func (s *Server) handleGetTextbook(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session_id")
	s.mu.Lock()
	tb := s.session(id).textbook
	s.mu.Unlock()
	if tb == nil {
		respondJSON(w, http.StatusOK, map[string]any{"success": false})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "textbook": tb})
}

// maxUpload bounds textbook uploads held in memory.
const maxUpload = 64 << 20

// handleUpload handles POST /data/upload. Only the file name and page
// count are kept.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	id := r.FormValue("session_id")
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "read upload failed")
		return
	}
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		s.writeError(w, http.StatusBadRequest, "only PDF files are accepted")
		return
	}

	title := strings.TrimSpace(r.FormValue("title"))
	if title == "" {
		title = hdr.Filename
	}
	tb := &textbookInfo{Filename: title, PageCount: countPages(data)}
	s.mu.Lock()
	s.session(id).textbook = tb
	s.mu.Unlock()

	s.logger.Info("textbook uploaded", "session_id", id, "filename", tb.Filename, "pages", tb.PageCount)
	respondJSON(w, http.StatusOK, backend.ResultResponse{Success: true, Message: tb.Filename + " 업로드 완료"})
}

// countPages approximates a PDF's page count from its page objects.
func countPages(data []byte) int {
	return bytes.Count(data, []byte("/Type /Page")) - bytes.Count(data, []byte("/Type /Pages"))
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
