package store

import (
	"encoding/json"
	"strings"
	"time"
)

// SyncStatus tracks how a local record relates to its remote counterpart.
type SyncStatus string

const (
	// SyncStatusSynced means the record matches the last server-confirmed version.
	SyncStatusSynced SyncStatus = "synced"
	// SyncStatusPending means the record has a queued operation awaiting the remote.
	SyncStatusPending SyncStatus = "pending"
	// SyncStatusConflict means the remote rejected the last change as divergent.
	SyncStatusConflict SyncStatus = "conflict"
	// SyncStatusError means the record could not be reconciled.
	SyncStatusError SyncStatus = "error"
)

// Valid reports whether the status is one of the known values.
func (status SyncStatus) Valid() bool {
	switch status {
	case SyncStatusSynced, SyncStatusPending, SyncStatusConflict, SyncStatusError:
		return true
	default:
		return false
	}
}

// Note is the offline copy of a note.
type Note struct {
	NoteID             string     `gorm:"column:note_id;primaryKey;size:190;not null"`
	OwnerID            string     `gorm:"column:owner_id;size:190;not null;index:idx_notes_owner_updated,priority:1"`
	WorkspaceID        string     `gorm:"column:workspace_id;size:190;not null;index:idx_notes_workspace"`
	Title              string     `gorm:"column:title;type:text;not null;default:''"`
	Content            string     `gorm:"column:content;type:text;not null;default:''"`
	TagsJSON           string     `gorm:"column:tags_json;type:text;not null;default:'[]'"`
	IsDeleted          bool       `gorm:"column:is_deleted;not null;default:false"`
	IsStarred          bool       `gorm:"column:is_starred;not null;default:false"`
	CreatedAtMillis    int64      `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis    int64      `gorm:"column:updated_at_ms;not null;index:idx_notes_owner_updated,priority:2"`
	LastSyncedAtMillis *int64     `gorm:"column:last_synced_at_ms"`
	SyncStatus         SyncStatus `gorm:"column:sync_status;size:16;not null;index:idx_notes_sync_status"`
	LocalChangesJSON   string     `gorm:"column:local_changes_json;type:text;not null;default:''"`
	ServerVersionJSON  string     `gorm:"column:server_version_json;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

// Tags decodes the ordered tag set.
func (note Note) Tags() []string {
	if strings.TrimSpace(note.TagsJSON) == "" {
		return []string{}
	}
	var tags []string
	if err := json.Unmarshal([]byte(note.TagsJSON), &tags); err != nil {
		return []string{}
	}
	return tags
}

// SetTags normalizes tags into an ordered set and stores them.
func (note *Note) SetTags(tags []string) {
	encoded, _ := json.Marshal(NormalizeTags(tags))
	note.TagsJSON = string(encoded)
}

// CreatedAt returns the creation time in UTC.
func (note Note) CreatedAt() time.Time {
	return FromMillis(note.CreatedAtMillis)
}

// UpdatedAt returns the last modification time in UTC.
func (note Note) UpdatedAt() time.Time {
	return FromMillis(note.UpdatedAtMillis)
}

// LastSyncedAt returns the last server-confirmed time, if any.
func (note Note) LastSyncedAt() *time.Time {
	if note.LastSyncedAtMillis == nil {
		return nil
	}
	value := FromMillis(*note.LastSyncedAtMillis)
	return &value
}

// Workspace is the offline copy of a workspace.
type Workspace struct {
	WorkspaceID        string     `gorm:"column:workspace_id;primaryKey;size:190;not null"`
	OwnerID            string     `gorm:"column:owner_id;size:190;not null;index:idx_workspaces_owner"`
	Name               string     `gorm:"column:name;size:190;not null"`
	IsDefault          bool       `gorm:"column:is_default;not null;default:false"`
	IsDeleted          bool       `gorm:"column:is_deleted;not null;default:false"`
	CreatedAtMillis    int64      `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis    int64      `gorm:"column:updated_at_ms;not null"`
	LastSyncedAtMillis *int64     `gorm:"column:last_synced_at_ms"`
	SyncStatus         SyncStatus `gorm:"column:sync_status;size:16;not null;index:idx_workspaces_sync_status"`
}

// TableName provides the explicit table binding for GORM.
func (Workspace) TableName() string {
	return "workspaces"
}

// UpdatedAt returns the last modification time in UTC.
func (workspace Workspace) UpdatedAt() time.Time {
	return FromMillis(workspace.UpdatedAtMillis)
}

// LastSyncedAt returns the last server-confirmed time, if any.
func (workspace Workspace) LastSyncedAt() *time.Time {
	if workspace.LastSyncedAtMillis == nil {
		return nil
	}
	value := FromMillis(*workspace.LastSyncedAtMillis)
	return &value
}

// Attachment stores a file attached to a note.
type Attachment struct {
	AttachmentID    string     `gorm:"column:attachment_id;primaryKey;size:190;not null"`
	NoteID          string     `gorm:"column:note_id;size:190;not null;index:idx_attachments_note"`
	OwnerID         string     `gorm:"column:owner_id;size:190;not null;index:idx_attachments_owner"`
	FileName        string     `gorm:"column:file_name;size:512;not null"`
	MimeType        string     `gorm:"column:mime_type;size:190;not null;default:''"`
	SizeBytes       int64      `gorm:"column:size_bytes;not null;default:0"`
	Data            []byte     `gorm:"column:data"`
	IsDeleted       bool       `gorm:"column:is_deleted;not null;default:false"`
	CreatedAtMillis int64      `gorm:"column:created_at_ms;not null"`
	SyncStatus      SyncStatus `gorm:"column:sync_status;size:16;not null;index:idx_attachments_sync_status"`
}

// TableName provides the explicit table binding for GORM.
func (Attachment) TableName() string {
	return "attachments"
}

// VoiceRecording stores a locally captured audio note.
type VoiceRecording struct {
	RecordingID     string `gorm:"column:recording_id;primaryKey;size:190;not null"`
	NoteID          string `gorm:"column:note_id;size:190;not null;default:'';index:idx_recordings_note"`
	OwnerID         string `gorm:"column:owner_id;size:190;not null;index:idx_recordings_owner"`
	DurationMillis  int64  `gorm:"column:duration_ms;not null;default:0"`
	Transcript      string `gorm:"column:transcript;type:text;not null;default:''"`
	Audio           []byte `gorm:"column:audio"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (VoiceRecording) TableName() string {
	return "voice_recordings"
}

// Setting stores a JSON encoded preference.
type Setting struct {
	Key             string `gorm:"column:setting_key;primaryKey;size:190;not null"`
	OwnerID         string `gorm:"column:owner_id;primaryKey;size:190;not null"`
	ValueJSON       string `gorm:"column:value_json;type:text;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Setting) TableName() string {
	return "settings"
}

// Models lists every table owned by the store for schema migration.
func Models() []any {
	return []any{&Note{}, &Workspace{}, &Attachment{}, &VoiceRecording{}, &Setting{}}
}

// NormalizeTags trims, drops empties and de-duplicates while keeping first-seen order.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	normalized := make([]string, 0, len(tags))
	for _, tag := range tags {
		trimmed := strings.TrimSpace(tag)
		if trimmed == "" {
			continue
		}
		key := strings.ToLower(trimmed)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		normalized = append(normalized, trimmed)
	}
	return normalized
}

// ToMillis converts t to unix milliseconds.
func ToMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

// FromMillis converts unix milliseconds to a UTC time.
func FromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// MillisPointer returns a pointer to the millisecond value of t.
func MillisPointer(t time.Time) *int64 {
	value := ToMillis(t)
	return &value
}
