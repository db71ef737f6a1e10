package notes

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidNoteID indicates that a note identifier is empty or exceeds storage bounds.
	ErrInvalidNoteID = errors.New("notes: invalid note id")
	// ErrInvalidOwnerID indicates that an owner identifier is empty or exceeds storage bounds.
	ErrInvalidOwnerID = errors.New("notes: invalid owner id")
	// ErrInvalidWorkspaceID indicates that a workspace identifier is empty or exceeds storage bounds.
	ErrInvalidWorkspaceID = errors.New("notes: invalid workspace id")
	// ErrInvalidAttachmentID indicates that an attachment identifier is empty or exceeds storage bounds.
	ErrInvalidAttachmentID = errors.New("notes: invalid attachment id")
	// ErrInvalidRecordingID indicates that a recording identifier is empty or exceeds storage bounds.
	ErrInvalidRecordingID = errors.New("notes: invalid recording id")
)

func normalizeIdentifier(rawInput string, invalid error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", invalid)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", invalid, maxIdentifierLength)
	}
	return trimmed, nil
}

// NoteDraft carries the fields of a new note. An empty WorkspaceID selects the default workspace.
type NoteDraft struct {
	Title       string   `json:"title" validate:"max=512"`
	Content     string   `json:"content" validate:"max=1048576"`
	Tags        []string `json:"tags" validate:"max=64,dive,required,max=64"`
	WorkspaceID string   `json:"workspaceId" validate:"max=190"`
	IsStarred   bool     `json:"isStarred"`
}

// NotePatch lists the note fields to change. Nil fields stay untouched.
type NotePatch struct {
	Title       *string   `json:"title,omitempty" validate:"omitempty,max=512"`
	Content     *string   `json:"content,omitempty" validate:"omitempty,max=1048576"`
	Tags        *[]string `json:"tags,omitempty"`
	WorkspaceID *string   `json:"workspaceId,omitempty" validate:"omitempty,min=1,max=190"`
	IsStarred   *bool     `json:"isStarred,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (patch NotePatch) Empty() bool {
	return patch.Title == nil && patch.Content == nil && patch.Tags == nil && patch.WorkspaceID == nil && patch.IsStarred == nil
}

// WorkspaceDraft carries the fields of a new workspace.
type WorkspaceDraft struct {
	Name      string `json:"name" validate:"required,max=190"`
	IsDefault bool   `json:"isDefault"`
}

// WorkspacePatch lists the workspace fields to change.
type WorkspacePatch struct {
	Name      *string `json:"name,omitempty" validate:"omitempty,min=1,max=190"`
	IsDefault *bool   `json:"isDefault,omitempty"`
}

// RecordingDraft carries a voice memo. An empty NoteID keeps it unattached.
type RecordingDraft struct {
	NoteID         string `json:"noteId" validate:"max=190"`
	DurationMillis int64  `json:"durationMs" validate:"gte=0"`
	Transcript     string `json:"transcript" validate:"max=1048576"`
	Audio          []byte `json:"audio" validate:"max=26214400"`
}

// AttachmentDraft carries a file attached to a note.
type AttachmentDraft struct {
	NoteID   string `json:"noteId" validate:"required,max=190"`
	FileName string `json:"fileName" validate:"required,max=255"`
	MimeType string `json:"mimeType" validate:"required,max=127"`
	Data     []byte `json:"data" validate:"required,max=26214400"`
}

// Selection is the UI's current note and workspace. It is never persisted.
type Selection struct {
	NoteID      string `json:"noteId,omitempty"`
	WorkspaceID string `json:"workspaceId,omitempty"`
}

// ExportDocument is the portable backup of an owner's notes and workspaces.
type ExportDocument struct {
	Notes      []ExportedNote      `json:"notes" validate:"dive"`
	Workspaces []ExportedWorkspace `json:"workspaces" validate:"dive"`
	ExportedAt time.Time           `json:"exportedAt" validate:"required"`
}

// ExportedNote is one note inside an ExportDocument.
type ExportedNote struct {
	ID          string    `json:"id" validate:"required,max=190"`
	Title       string    `json:"title" validate:"max=512"`
	Content     string    `json:"content" validate:"max=1048576"`
	Tags        []string  `json:"tags" validate:"max=64,dive,required,max=64"`
	WorkspaceID string    `json:"workspaceId" validate:"required,max=190"`
	IsStarred   bool      `json:"isStarred"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ExportedWorkspace is one workspace inside an ExportDocument.
type ExportedWorkspace struct {
	ID        string    `json:"id" validate:"required,max=190"`
	Name      string    `json:"name" validate:"required,max=190"`
	IsDefault bool      `json:"isDefault"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ImportResult counts the records created by Import.
type ImportResult struct {
	Notes      int `json:"notes"`
	Workspaces int `json:"workspaces"`
}

// RefreshResult counts the records adopted from the remote by Refresh.
type RefreshResult struct {
	Workspaces int `json:"workspaces"`
	Notes      int `json:"notes"`
	Purged     int `json:"purged"`
	Skipped    int `json:"skipped"`
}
