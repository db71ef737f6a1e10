// Package store persists notes, workspaces and related entities on the device.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/failure"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound reports a missing record.
var ErrNotFound = errors.New("store: record not found")

var errMissingDatabase = errors.New("database handle is required")

const (
	opPutNote          = "store.put_note"
	opGetNote          = "store.get_note"
	opListNotes        = "store.list_notes"
	opDeleteNote       = "store.delete_note"
	opPurgeNote        = "store.purge_note"
	opRekeyNote        = "store.rekey_note"
	opPutWorkspace     = "store.put_workspace"
	opGetWorkspace     = "store.get_workspace"
	opListWorkspaces   = "store.list_workspaces"
	opDeleteWorkspace  = "store.delete_workspace"
	opPurgeWorkspace   = "store.purge_workspace"
	opRekeyWorkspace   = "store.rekey_workspace"
	opDefaultWorkspace = "store.default_workspace"

	reasonMissingDatabase = "missing_database"
	reasonQueryFailed     = "query_failed"
	reasonSaveFailed      = "save_failed"
	reasonDeleteFailed    = "delete_failed"

	fieldNoteID      = "note_id"
	fieldWorkspaceID = "workspace_id"
	fieldOwnerID     = "owner_id"

	queryNoteID      = fieldNoteID + " = ?"
	queryWorkspaceID = fieldWorkspaceID + " = ?"
	queryOwnerID     = fieldOwnerID + " = ?"
	orderRecentFirst = "updated_at_ms DESC"
)

// Store is the device-local persistence layer. All writes are keyed upserts.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New constructs a Store on db.
func New(db *gorm.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// WithDB returns a Store bound to db, typically a transaction handle.
func (s *Store) WithDB(db *gorm.DB) *Store {
	return &Store{db: db, logger: s.logger}
}

// DB exposes the bound handle so callers can open transactions spanning the queue.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// NoteFilter narrows ListNotes. Empty fields do not filter.
type NoteFilter struct {
	OwnerID        string
	WorkspaceID    string
	SyncStatus     SyncStatus
	IncludeDeleted bool
}

// PutNote inserts or replaces note by id.
func (s *Store) PutNote(ctx context.Context, note *Note) error {
	if s.db == nil {
		return failure.Storage(opPutNote, reasonMissingDatabase, errMissingDatabase)
	}
	if note.TagsJSON == "" {
		note.SetTags(nil)
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(note).Error; err != nil {
		s.logError(opPutNote, reasonSaveFailed, err, zap.String(fieldNoteID, note.NoteID))
		return failure.Storage(opPutNote, reasonSaveFailed, err)
	}
	return nil
}

// GetNote loads a note by id, including soft-deleted ones.
func (s *Store) GetNote(ctx context.Context, noteID string) (Note, error) {
	if s.db == nil {
		return Note{}, failure.Storage(opGetNote, reasonMissingDatabase, errMissingDatabase)
	}
	var note Note
	err := s.db.WithContext(ctx).Where(queryNoteID, noteID).Take(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Note{}, fmt.Errorf("%w: note %s", ErrNotFound, noteID)
	}
	if err != nil {
		s.logError(opGetNote, reasonQueryFailed, err, zap.String(fieldNoteID, noteID))
		return Note{}, failure.Storage(opGetNote, reasonQueryFailed, err)
	}
	return note, nil
}

// ListNotes returns notes matching filter, most recently updated first.
func (s *Store) ListNotes(ctx context.Context, filter NoteFilter) ([]Note, error) {
	if s.db == nil {
		return nil, failure.Storage(opListNotes, reasonMissingDatabase, errMissingDatabase)
	}
	query := s.db.WithContext(ctx).Model(&Note{})
	if filter.OwnerID != "" {
		query = query.Where(queryOwnerID, filter.OwnerID)
	}
	if filter.WorkspaceID != "" {
		query = query.Where(queryWorkspaceID, filter.WorkspaceID)
	}
	if filter.SyncStatus != "" {
		query = query.Where("sync_status = ?", filter.SyncStatus)
	}
	if !filter.IncludeDeleted {
		query = query.Where("is_deleted = ?", false)
	}
	var notes []Note
	if err := query.Order(orderRecentFirst).Order("note_id ASC").Find(&notes).Error; err != nil {
		s.logError(opListNotes, reasonQueryFailed, err, zap.String(fieldOwnerID, filter.OwnerID))
		return nil, failure.Storage(opListNotes, reasonQueryFailed, err)
	}
	return notes, nil
}

// SoftDeleteNote flags a note as deleted without removing it.
func (s *Store) SoftDeleteNote(ctx context.Context, noteID string, updatedAtMillis int64, status SyncStatus) error {
	if s.db == nil {
		return failure.Storage(opDeleteNote, reasonMissingDatabase, errMissingDatabase)
	}
	result := s.db.WithContext(ctx).Model(&Note{}).Where(queryNoteID, noteID).Updates(map[string]any{
		"is_deleted":    true,
		"updated_at_ms": updatedAtMillis,
		"sync_status":   status,
	})
	if result.Error != nil {
		s.logError(opDeleteNote, reasonSaveFailed, result.Error, zap.String(fieldNoteID, noteID))
		return failure.Storage(opDeleteNote, reasonSaveFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: note %s", ErrNotFound, noteID)
	}
	return nil
}

// PurgeNote physically removes a note together with its attachments and recordings.
func (s *Store) PurgeNote(ctx context.Context, noteID string) error {
	if s.db == nil {
		return failure.Storage(opPurgeNote, reasonMissingDatabase, errMissingDatabase)
	}
	db := s.db.WithContext(ctx)
	for _, model := range []any{&Attachment{}, &VoiceRecording{}, &Note{}} {
		if err := db.Where(queryNoteID, noteID).Delete(model).Error; err != nil {
			s.logError(opPurgeNote, reasonDeleteFailed, err, zap.String(fieldNoteID, noteID))
			return failure.Storage(opPurgeNote, reasonDeleteFailed, err)
		}
	}
	return nil
}

// RekeyNote moves a note from oldID to newID and rewrites references to it.
func (s *Store) RekeyNote(ctx context.Context, oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	if s.db == nil {
		return failure.Storage(opRekeyNote, reasonMissingDatabase, errMissingDatabase)
	}
	db := s.db.WithContext(ctx)
	for _, model := range []any{&Note{}, &Attachment{}, &VoiceRecording{}} {
		if err := db.Model(model).Where(queryNoteID, oldID).Update(fieldNoteID, newID).Error; err != nil {
			s.logError(opRekeyNote, reasonSaveFailed, err, zap.String(fieldNoteID, oldID), zap.String("new_note_id", newID))
			return failure.Storage(opRekeyNote, reasonSaveFailed, err)
		}
	}
	return nil
}

// PutWorkspace inserts or replaces workspace by id.
func (s *Store) PutWorkspace(ctx context.Context, workspace *Workspace) error {
	if s.db == nil {
		return failure.Storage(opPutWorkspace, reasonMissingDatabase, errMissingDatabase)
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(workspace).Error; err != nil {
		s.logError(opPutWorkspace, reasonSaveFailed, err, zap.String(fieldWorkspaceID, workspace.WorkspaceID))
		return failure.Storage(opPutWorkspace, reasonSaveFailed, err)
	}
	return nil
}

// GetWorkspace loads a workspace by id, including soft-deleted ones.
func (s *Store) GetWorkspace(ctx context.Context, workspaceID string) (Workspace, error) {
	if s.db == nil {
		return Workspace{}, failure.Storage(opGetWorkspace, reasonMissingDatabase, errMissingDatabase)
	}
	var workspace Workspace
	err := s.db.WithContext(ctx).Where(queryWorkspaceID, workspaceID).Take(&workspace).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Workspace{}, fmt.Errorf("%w: workspace %s", ErrNotFound, workspaceID)
	}
	if err != nil {
		s.logError(opGetWorkspace, reasonQueryFailed, err, zap.String(fieldWorkspaceID, workspaceID))
		return Workspace{}, failure.Storage(opGetWorkspace, reasonQueryFailed, err)
	}
	return workspace, nil
}

// ListWorkspaces returns the owner's workspaces, default first then by name.
func (s *Store) ListWorkspaces(ctx context.Context, ownerID string, includeDeleted bool) ([]Workspace, error) {
	if s.db == nil {
		return nil, failure.Storage(opListWorkspaces, reasonMissingDatabase, errMissingDatabase)
	}
	query := s.db.WithContext(ctx).Where(queryOwnerID, ownerID)
	if !includeDeleted {
		query = query.Where("is_deleted = ?", false)
	}
	var workspaces []Workspace
	if err := query.Order("is_default DESC").Order("name ASC").Order("workspace_id ASC").Find(&workspaces).Error; err != nil {
		s.logError(opListWorkspaces, reasonQueryFailed, err, zap.String(fieldOwnerID, ownerID))
		return nil, failure.Storage(opListWorkspaces, reasonQueryFailed, err)
	}
	return workspaces, nil
}

// DefaultWorkspace returns the owner's live default workspace.
func (s *Store) DefaultWorkspace(ctx context.Context, ownerID string) (Workspace, error) {
	if s.db == nil {
		return Workspace{}, failure.Storage(opDefaultWorkspace, reasonMissingDatabase, errMissingDatabase)
	}
	var workspace Workspace
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND is_default = ? AND is_deleted = ?", ownerID, true, false).
		Order("created_at_ms ASC").
		Take(&workspace).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Workspace{}, fmt.Errorf("%w: default workspace for %s", ErrNotFound, ownerID)
	}
	if err != nil {
		s.logError(opDefaultWorkspace, reasonQueryFailed, err, zap.String(fieldOwnerID, ownerID))
		return Workspace{}, failure.Storage(opDefaultWorkspace, reasonQueryFailed, err)
	}
	return workspace, nil
}

// ClearDefaultWorkspaces unsets the default flag on every owner workspace except keepID.
func (s *Store) ClearDefaultWorkspaces(ctx context.Context, ownerID, keepID string) error {
	if s.db == nil {
		return failure.Storage(opDefaultWorkspace, reasonMissingDatabase, errMissingDatabase)
	}
	err := s.db.WithContext(ctx).Model(&Workspace{}).
		Where("owner_id = ? AND workspace_id <> ? AND is_default = ?", ownerID, keepID, true).
		Update("is_default", false).Error
	if err != nil {
		s.logError(opDefaultWorkspace, reasonSaveFailed, err, zap.String(fieldOwnerID, ownerID))
		return failure.Storage(opDefaultWorkspace, reasonSaveFailed, err)
	}
	return nil
}

// SoftDeleteWorkspace flags a workspace as deleted.
func (s *Store) SoftDeleteWorkspace(ctx context.Context, workspaceID string, updatedAtMillis int64, status SyncStatus) error {
	if s.db == nil {
		return failure.Storage(opDeleteWorkspace, reasonMissingDatabase, errMissingDatabase)
	}
	result := s.db.WithContext(ctx).Model(&Workspace{}).Where(queryWorkspaceID, workspaceID).Updates(map[string]any{
		"is_deleted":    true,
		"is_default":    false,
		"updated_at_ms": updatedAtMillis,
		"sync_status":   status,
	})
	if result.Error != nil {
		s.logError(opDeleteWorkspace, reasonSaveFailed, result.Error, zap.String(fieldWorkspaceID, workspaceID))
		return failure.Storage(opDeleteWorkspace, reasonSaveFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: workspace %s", ErrNotFound, workspaceID)
	}
	return nil
}

// PurgeWorkspace physically removes a workspace.
func (s *Store) PurgeWorkspace(ctx context.Context, workspaceID string) error {
	if s.db == nil {
		return failure.Storage(opPurgeWorkspace, reasonMissingDatabase, errMissingDatabase)
	}
	if err := s.db.WithContext(ctx).Where(queryWorkspaceID, workspaceID).Delete(&Workspace{}).Error; err != nil {
		s.logError(opPurgeWorkspace, reasonDeleteFailed, err, zap.String(fieldWorkspaceID, workspaceID))
		return failure.Storage(opPurgeWorkspace, reasonDeleteFailed, err)
	}
	return nil
}

// RekeyWorkspace moves a workspace from oldID to newID and repoints its notes.
func (s *Store) RekeyWorkspace(ctx context.Context, oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	if s.db == nil {
		return failure.Storage(opRekeyWorkspace, reasonMissingDatabase, errMissingDatabase)
	}
	db := s.db.WithContext(ctx)
	for _, model := range []any{&Workspace{}, &Note{}} {
		if err := db.Model(model).Where(queryWorkspaceID, oldID).Update(fieldWorkspaceID, newID).Error; err != nil {
			s.logError(opRekeyWorkspace, reasonSaveFailed, err, zap.String(fieldWorkspaceID, oldID), zap.String("new_workspace_id", newID))
			return failure.Storage(opRekeyWorkspace, reasonSaveFailed, err)
		}
	}
	return nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("store error", attrs...)
}
