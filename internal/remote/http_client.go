package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultBaseURL    = "http://127.0.0.1:8080"
	defaultTimeout    = 15 * time.Second
	defaultMaxRetries = 2
	defaultBaseDelay  = 100 * time.Millisecond
	defaultMaxDelay   = 2 * time.Second
)

// HTTPClientConfig configures the HTTP implementation of API.
type HTTPClientConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     *zap.Logger
}

// HTTPClient talks to the Gravity notes API over JSON/HTTP.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *zap.Logger
}

var _ API = (*HTTPClient)(nil)

// NewHTTPClient constructs an HTTPClient with defaults for unset fields.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(cfg.Token),
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		logger:     logger,
	}
}

// CreateNote posts a new note and returns the server record with its canonical id.
func (c *HTTPClient) CreateNote(ctx context.Context, input NoteInput) (NoteRecord, error) {
	var out NoteRecord
	err := c.doJSON(ctx, http.MethodPost, "/v1/notes", input, &out)
	return out, err
}

// UpdateNote replaces the editable fields of a note. A stale base yields a *ConflictError.
func (c *HTTPClient) UpdateNote(ctx context.Context, noteID string, input NoteInput) (NoteRecord, error) {
	var out NoteRecord
	err := c.doJSON(ctx, http.MethodPut, "/v1/notes/"+url.PathEscape(noteID), input, &out)
	return out, err
}

// DeleteNote removes a note. The server answers 404 when it is already gone.
func (c *HTTPClient) DeleteNote(ctx context.Context, noteID string, input DeleteInput) error {
	requestPath := "/v1/notes/" + url.PathEscape(noteID)
	if input.BaseUpdatedAt != nil {
		q := url.Values{}
		q.Set("base_updated_at", input.BaseUpdatedAt.UTC().Format(time.RFC3339Nano))
		requestPath += "?" + q.Encode()
	}
	return c.doJSON(ctx, http.MethodDelete, requestPath, nil, nil)
}

// ListNotes returns the owner's notes, narrowed to one workspace when workspaceID is set.
func (c *HTTPClient) ListNotes(ctx context.Context, workspaceID string) ([]NoteRecord, error) {
	requestPath := "/v1/notes"
	if strings.TrimSpace(workspaceID) != "" {
		q := url.Values{}
		q.Set("workspace_id", strings.TrimSpace(workspaceID))
		requestPath += "?" + q.Encode()
	}
	var out struct {
		Notes []NoteRecord `json:"notes"`
	}
	err := c.doJSON(ctx, http.MethodGet, requestPath, nil, &out)
	return out.Notes, err
}

// CreateWorkspace posts a new workspace.
func (c *HTTPClient) CreateWorkspace(ctx context.Context, input WorkspaceInput) (WorkspaceRecord, error) {
	var out WorkspaceRecord
	err := c.doJSON(ctx, http.MethodPost, "/v1/workspaces", input, &out)
	return out, err
}

// UpdateWorkspace renames a workspace or moves the default flag.
func (c *HTTPClient) UpdateWorkspace(ctx context.Context, workspaceID string, input WorkspaceInput) (WorkspaceRecord, error) {
	var out WorkspaceRecord
	err := c.doJSON(ctx, http.MethodPut, "/v1/workspaces/"+url.PathEscape(workspaceID), input, &out)
	return out, err
}

// DeleteWorkspace removes a workspace.
func (c *HTTPClient) DeleteWorkspace(ctx context.Context, workspaceID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/workspaces/"+url.PathEscape(workspaceID), nil, nil)
}

// ListWorkspaces returns the owner's workspaces.
func (c *HTTPClient) ListWorkspaces(ctx context.Context) ([]WorkspaceRecord, error) {
	var out struct {
		Workspaces []WorkspaceRecord `json:"workspaces"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/v1/workspaces", nil, &out)
	return out.Workspaces, err
}

// UploadAttachment sends an attachment with its data.
func (c *HTTPClient) UploadAttachment(ctx context.Context, input AttachmentInput) (AttachmentRecord, error) {
	var out AttachmentRecord
	err := c.doJSON(ctx, http.MethodPost, "/v1/attachments", input, &out)
	return out, err
}

// DeleteAttachment removes an attachment.
func (c *HTTPClient) DeleteAttachment(ctx context.Context, attachmentID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/attachments/"+url.PathEscape(attachmentID), nil, nil)
}

// Ping checks reachability; it never retries so probes stay cheap.
func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{StatusCode: resp.StatusCode, Message: "health check failed"}
	}
	return nil
}

type errorPayload struct {
	Code      string           `json:"code"`
	Message   string           `json:"message"`
	Note      *NoteRecord      `json:"note,omitempty"`
	Workspace *WorkspaceRecord `json:"workspace,omitempty"`
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			c.logger.Debug("retrying remote call",
				zap.String("method", method),
				zap.String("path", requestPath),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1))
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errBody errorPayload
		_ = json.Unmarshal(payloadBytes, &errBody)
		switch resp.StatusCode {
		case http.StatusConflict:
			// A conflict is only actionable with the server record; without one the change stays queued.
			if errBody.Note == nil && errBody.Workspace == nil {
				c.logger.Warn("remote conflict without server record",
					zap.String("method", method),
					zap.String("path", requestPath),
					zap.String("code", errBody.Code))
				break
			}
			conflict := &ConflictError{EntityID: requestPath, ServerNote: errBody.Note, ServerWorkspace: errBody.Workspace}
			if errBody.Note != nil {
				conflict.EntityID = errBody.Note.ID
			} else {
				conflict.EntityID = errBody.Workspace.ID
			}
			return conflict
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, requestPath)
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errBody.Code,
			Message:    errBody.Message,
		}
	}
}

func correlationID() string {
	return uuid.NewString()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if when, err := http.ParseTime(header); err == nil {
		if delay := time.Until(when); delay > 0 {
			return delay
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
