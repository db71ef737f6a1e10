// Package remote defines the contract with the Gravity notes API and an HTTP client for it.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound reports that the remote has no record with the requested id.
var ErrNotFound = errors.New("remote: not found")

// ErrConflict matches every *ConflictError through errors.Is.
var ErrConflict = errors.New("remote: conflict")

// ConflictError signals that the remote record changed since the client's base version.
type ConflictError struct {
	EntityID        string
	ServerNote      *NoteRecord
	ServerWorkspace *WorkspaceRecord
}

func (e *ConflictError) Error() string {
	if e.EntityID == "" {
		return "remote: conflict"
	}
	return fmt.Sprintf("remote: conflict for %s", e.EntityID)
}

// Is reports ErrConflict equivalence.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// HTTPError captures a non-2xx response that is neither a conflict nor a 404.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Note field names reported in NoteInput.ChangedFields.
const (
	FieldTitle       = "title"
	FieldContent     = "content"
	FieldTags        = "tags"
	FieldWorkspaceID = "workspaceId"
	FieldStarred     = "isStarred"
)

// NoteInput carries the editable note fields sent on create and update.
type NoteInput struct {
	ClientID      string     `json:"clientId,omitempty"`
	Title         string     `json:"title"`
	Content       string     `json:"content"`
	Tags          []string   `json:"tags"`
	WorkspaceID   string     `json:"workspaceId"`
	IsStarred     bool       `json:"isStarred"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	BaseUpdatedAt *time.Time `json:"baseUpdatedAt,omitempty"`
	ChangedFields []string   `json:"changedFields,omitempty"`
}

// Changed reports whether field was touched by the client.
// An empty ChangedFields list means every field was set.
func (input NoteInput) Changed(field string) bool {
	if len(input.ChangedFields) == 0 {
		return true
	}
	for _, candidate := range input.ChangedFields {
		if candidate == field {
			return true
		}
	}
	return false
}

// NoteRecord is the canonical note returned by the remote.
type NoteRecord struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Tags        []string  `json:"tags"`
	WorkspaceID string    `json:"workspaceId"`
	OwnerID     string    `json:"ownerId"`
	IsStarred   bool      `json:"isStarred"`
	IsDeleted   bool      `json:"isDeleted"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// WorkspaceInput carries the editable workspace fields.
type WorkspaceInput struct {
	ClientID      string     `json:"clientId,omitempty"`
	Name          string     `json:"name"`
	IsDefault     bool       `json:"isDefault"`
	BaseUpdatedAt *time.Time `json:"baseUpdatedAt,omitempty"`
}

// WorkspaceRecord is the canonical workspace returned by the remote.
type WorkspaceRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"ownerId"`
	IsDefault bool      `json:"isDefault"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AttachmentInput describes an attachment upload.
type AttachmentInput struct {
	ClientID string `json:"clientId,omitempty"`
	NoteID   string `json:"noteId"`
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

// AttachmentRecord is the canonical attachment metadata returned by the remote.
type AttachmentRecord struct {
	ID        string    `json:"id"`
	NoteID    string    `json:"noteId"`
	FileName  string    `json:"fileName"`
	MimeType  string    `json:"mimeType"`
	SizeBytes int64     `json:"sizeBytes"`
	CreatedAt time.Time `json:"createdAt"`
}

// DeleteInput carries the base version a delete was issued against.
type DeleteInput struct {
	BaseUpdatedAt *time.Time `json:"baseUpdatedAt,omitempty"`
}

// API is the remote CRUD surface consumed by the façade and the sync engine.
type API interface {
	CreateNote(ctx context.Context, input NoteInput) (NoteRecord, error)
	UpdateNote(ctx context.Context, noteID string, input NoteInput) (NoteRecord, error)
	DeleteNote(ctx context.Context, noteID string, input DeleteInput) error
	ListNotes(ctx context.Context, workspaceID string) ([]NoteRecord, error)
	CreateWorkspace(ctx context.Context, input WorkspaceInput) (WorkspaceRecord, error)
	UpdateWorkspace(ctx context.Context, workspaceID string, input WorkspaceInput) (WorkspaceRecord, error)
	DeleteWorkspace(ctx context.Context, workspaceID string) error
	ListWorkspaces(ctx context.Context) ([]WorkspaceRecord, error)
	UploadAttachment(ctx context.Context, input AttachmentInput) (AttachmentRecord, error)
	DeleteAttachment(ctx context.Context, attachmentID string) error
	Ping(ctx context.Context) error
}

// IsConflict reports whether err is a remote conflict and returns it.
func IsConflict(err error) (*ConflictError, bool) {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return conflict, true
	}
	return nil, false
}
