package server

import (
	"time"

	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/store"
)

type noteView struct {
	ID           string           `json:"id"`
	WorkspaceID  string           `json:"workspaceId"`
	Title        string           `json:"title"`
	Content      string           `json:"content"`
	Tags         []string         `json:"tags"`
	IsStarred    bool             `json:"isStarred"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
	LastSyncedAt *time.Time       `json:"lastSyncedAt,omitempty"`
	SyncStatus   store.SyncStatus `json:"syncStatus"`
}

func newNoteView(note store.Note) noteView {
	return noteView{
		ID:           note.NoteID,
		WorkspaceID:  note.WorkspaceID,
		Title:        note.Title,
		Content:      note.Content,
		Tags:         note.Tags(),
		IsStarred:    note.IsStarred,
		CreatedAt:    note.CreatedAt(),
		UpdatedAt:    note.UpdatedAt(),
		LastSyncedAt: note.LastSyncedAt(),
		SyncStatus:   note.SyncStatus,
	}
}

func newNoteViews(notes []store.Note) []noteView {
	views := make([]noteView, 0, len(notes))
	for _, note := range notes {
		views = append(views, newNoteView(note))
	}
	return views
}

type workspaceView struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	IsDefault    bool             `json:"isDefault"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
	LastSyncedAt *time.Time       `json:"lastSyncedAt,omitempty"`
	SyncStatus   store.SyncStatus `json:"syncStatus"`
}

func newWorkspaceView(workspace store.Workspace) workspaceView {
	return workspaceView{
		ID:           workspace.WorkspaceID,
		Name:         workspace.Name,
		IsDefault:    workspace.IsDefault,
		CreatedAt:    store.FromMillis(workspace.CreatedAtMillis),
		UpdatedAt:    workspace.UpdatedAt(),
		LastSyncedAt: workspace.LastSyncedAt(),
		SyncStatus:   workspace.SyncStatus,
	}
}

type attachmentView struct {
	ID         string           `json:"id"`
	NoteID     string           `json:"noteId"`
	FileName   string           `json:"fileName"`
	MimeType   string           `json:"mimeType"`
	SizeBytes  int64            `json:"sizeBytes"`
	CreatedAt  time.Time        `json:"createdAt"`
	SyncStatus store.SyncStatus `json:"syncStatus"`
}

func newAttachmentView(attachment store.Attachment) attachmentView {
	return attachmentView{
		ID:         attachment.AttachmentID,
		NoteID:     attachment.NoteID,
		FileName:   attachment.FileName,
		MimeType:   attachment.MimeType,
		SizeBytes:  attachment.SizeBytes,
		CreatedAt:  store.FromMillis(attachment.CreatedAtMillis),
		SyncStatus: attachment.SyncStatus,
	}
}

type recordingView struct {
	ID             string    `json:"id"`
	NoteID         string    `json:"noteId,omitempty"`
	DurationMillis int64     `json:"durationMs"`
	Transcript     string    `json:"transcript"`
	SizeBytes      int       `json:"sizeBytes"`
	CreatedAt      time.Time `json:"createdAt"`
}

func newRecordingView(recording store.VoiceRecording) recordingView {
	return recordingView{
		ID:             recording.RecordingID,
		NoteID:         recording.NoteID,
		DurationMillis: recording.DurationMillis,
		Transcript:     recording.Transcript,
		SizeBytes:      len(recording.Audio),
		CreatedAt:      store.FromMillis(recording.CreatedAtMillis),
	}
}
