package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TransportError reports a request that never produced a usable response:
// connection failure, timeout, or a non-success status on the chat stream.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RejectionError reports a non-success status from the backend.
type RejectionError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Options tunes client timeouts.
type Options struct {
	// RequestTimeout bounds short calls (task updates, settings).
	RequestTimeout time.Duration
	// UploadTimeout bounds textbook uploads.
	UploadTimeout time.Duration
}

// Client talks to the study planner backend.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	streamClient *http.Client
	uploadClient *http.Client
	logger       *slog.Logger
}

// NewClient creates a backend client. The chat stream is bounded by the
// caller's context only, since responses may run for many minutes.
func NewClient(baseURL string, opts Options, logger *slog.Logger) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 20 * time.Minute
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: opts.RequestTimeout},
		streamClient: &http.Client{},
		uploadClient: &http.Client{Timeout: opts.UploadTimeout},
		logger:       logger,
	}
}

// BaseURL returns the backend root URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ChatRequest is the body of POST /chat/stream.
type ChatRequest struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id"`
}

// StreamChat sends POST /chat/stream and returns the open NDJSON body. The
// caller must close it.
func (c *Client) StreamChat(ctx context.Context, prompt, sessionID string) (io.ReadCloser, error) {
	body, err := json.Marshal(ChatRequest{Prompt: prompt, SessionID: sessionID})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/stream", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "chat stream", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &TransportError{Op: "chat stream", Err: &RejectionError{
			Op:         "chat stream",
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(respBody)),
		}}
	}

	c.logger.Debug("chat stream opened", "session_id", sessionID)
	return resp.Body, nil
}

// TaskUpdateRequest is the body of POST /tasks/update.
type TaskUpdateRequest struct {
	Date      string `json:"date"`
	TaskNo    int    `json:"task_no"`
	Completed bool   `json:"completed"`
	SessionID string `json:"session_id"`
}

// UpdateTask sends POST /tasks/update. Anything but 200 is a rejection.
func (c *Client) UpdateTask(ctx context.Context, sessionID, date string, taskNo int, completed bool) error {
	_, err := c.postJSON(ctx, "update task", c.baseURL+"/tasks/update", TaskUpdateRequest{
		Date:      date,
		TaskNo:    taskNo,
		Completed: completed,
		SessionID: sessionID,
	}, http.StatusOK)
	return err
}

// ResultResponse is the common {success, message} reply.
type ResultResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type professorTypeResponse struct {
	Success       bool   `json:"success"`
	ProfessorType string `json:"professor_type"`
}

// Professor types understood by the backend.
const (
	ProfessorT = "T형"
	ProfessorF = "F형"
)

// ProfessorType fetches GET /sessions/{id}/professor-type. On any failure it
// returns ProfessorT with the error so callers can fall back.
func (c *Client) ProfessorType(ctx context.Context, sessionID string) (string, error) {
	u := fmt.Sprintf("%s/sessions/%s/professor-type", c.baseURL, url.PathEscape(sessionID))
	var resp professorTypeResponse
	if err := c.getJSON(ctx, "get professor type", u, &resp); err != nil {
		return ProfessorT, err
	}
	if !resp.Success || resp.ProfessorType == "" {
		return ProfessorT, nil
	}
	return resp.ProfessorType, nil
}

// SetProfessorType sends POST /sessions/{id}/professor-type and returns the
// backend's confirmation message.
func (c *Client) SetProfessorType(ctx context.Context, sessionID, professorType string) (string, error) {
	if professorType != ProfessorT && professorType != ProfessorF {
		return "", fmt.Errorf("unknown professor type %q", professorType)
	}
	u := fmt.Sprintf("%s/sessions/%s/professor-type", c.baseURL, url.PathEscape(sessionID))
	respBody, err := c.postJSON(ctx, "set professor type", u, map[string]string{"professor_type": professorType}, http.StatusOK)
	if err != nil {
		return "", err
	}
	var result ResultResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("parse professor type response: %w", err)
	}
	if !result.Success {
		return "", fmt.Errorf("set professor type: backend reported failure")
	}
	return result.Message, nil
}

// Textbook describes the textbook registered for a session.
type Textbook struct {
	Filename  string `json:"filename"`
	PageCount int    `json:"page_count"`
}

// Textbook fetches GET /data/textbook. It returns nil, nil when the session
// has no textbook yet.
func (c *Client) Textbook(ctx context.Context, sessionID string) (*Textbook, error) {
	u := fmt.Sprintf("%s/data/textbook?session_id=%s", c.baseURL, url.QueryEscape(sessionID))
	var resp struct {
		Success  bool      `json:"success"`
		Textbook *Textbook `json:"textbook"`
	}
	if err := c.getJSON(ctx, "get textbook", u, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, nil
	}
	return resp.Textbook, nil
}

// UploadTextbook sends the PDF as multipart POST /data/upload.
func (c *Client) UploadTextbook(ctx context.Context, sessionID, filename string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("session_id", sessionID); err != nil {
		return "", fmt.Errorf("write session field: %w", err)
	}
	if err := mw.WriteField("title", strings.TrimSpace(filename)); err != nil {
		return "", fmt.Errorf("write title field: %w", err)
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("copy textbook: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/data/upload", &buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.uploadClient.Do(req)
	if err != nil {
		return "", &TransportError{Op: "upload textbook", Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", &RejectionError{Op: "upload textbook", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	var result ResultResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("parse upload response: %w", err)
	}
	if !result.Success {
		return "", fmt.Errorf("upload textbook: %s", result.Message)
	}
	return result.Message, nil
}

// ThumbnailURL returns the preview image URL of a textbook page.
func (c *Client) ThumbnailURL(sessionID string, page int) string {
	return fmt.Sprintf("%s/data/textbook/%s/thumbnail/%d", c.baseURL, url.PathEscape(sessionID), page)
}

func (c *Client) postJSON(ctx context.Context, op, u string, payload any, want int) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != want {
		return nil, &RejectionError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	return respBody, nil
}

func (c *Client) getJSON(ctx context.Context, op, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &RejectionError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse %s response: %w", op, err)
	}
	return nil
}
