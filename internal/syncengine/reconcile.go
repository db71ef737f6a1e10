package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/queue"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/remote"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	payloadBaseUpdatedAt = "baseUpdatedAt"
	payloadClientID      = "clientId"
)

func (e *Engine) inTx(ctx context.Context, fn func(s *store.Store, q *queue.Queue) error) error {
	return e.store.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(e.store.WithDB(tx), e.queue.WithDB(tx))
	})
}

// completeNote applies a confirmed create or update. The operation must still be
// queued with the revision that was sent; otherwise the newer entry is rebased.
func (e *Engine) completeNote(ctx context.Context, sent queue.Operation, record remote.NoteRecord) error {
	return e.inTx(ctx, func(s *store.Store, q *queue.Queue) error {
		current, err := q.Get(ctx, sent.ID)
		if errors.Is(err, queue.ErrNotFound) {
			if sent.Kind == queue.KindCreate {
				return e.compensate(ctx, q, queue.EntityNote, record.ID, remote.DeleteInput{BaseUpdatedAt: timePointer(record.UpdatedAt)})
			}
			return nil
		}
		if err != nil {
			return err
		}

		noteID := record.ID
		if noteID == "" {
			noteID = sent.EntityID
		}
		if err := RekeyNote(ctx, s, q, sent.EntityID, noteID); err != nil {
			return err
		}

		note, err := s.GetNote(ctx, noteID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if current.Revision != sent.Revision {
			e.logger.Info("late completion superseded by newer change",
				zap.String("note_id", noteID),
				zap.Int64("operation_id", current.ID))
			if err == nil {
				note.LastSyncedAtMillis = store.MillisPointer(record.UpdatedAt)
				if putErr := s.PutNote(ctx, &note); putErr != nil {
					return putErr
				}
			}
			return rebase(ctx, q, current, record.UpdatedAt)
		}

		if _, removeErr := q.RemoveRevision(ctx, current.ID, current.Revision); removeErr != nil {
			return removeErr
		}
		if errors.Is(err, store.ErrNotFound) {
			note = store.Note{NoteID: noteID, OwnerID: record.OwnerID}
		}
		ApplyNoteRecord(&note, record)
		note.SyncStatus = store.SyncStatusSynced
		if _, stillQueued, findErr := q.FindByEntity(ctx, queue.EntityNote, noteID); findErr != nil {
			return findErr
		} else if stillQueued {
			note.SyncStatus = store.SyncStatusPending
		}
		return s.PutNote(ctx, &note)
	})
}

func (e *Engine) completeWorkspace(ctx context.Context, sent queue.Operation, record remote.WorkspaceRecord) error {
	return e.inTx(ctx, func(s *store.Store, q *queue.Queue) error {
		current, err := q.Get(ctx, sent.ID)
		if errors.Is(err, queue.ErrNotFound) {
			if sent.Kind == queue.KindCreate {
				return e.compensate(ctx, q, queue.EntityWorkspace, record.ID, remote.DeleteInput{})
			}
			return nil
		}
		if err != nil {
			return err
		}

		workspaceID := record.ID
		if workspaceID == "" {
			workspaceID = sent.EntityID
		}
		if err := RekeyWorkspace(ctx, s, q, sent.EntityID, workspaceID); err != nil {
			return err
		}
		if current.Revision != sent.Revision {
			workspace, getErr := s.GetWorkspace(ctx, workspaceID)
			if getErr == nil {
				workspace.LastSyncedAtMillis = store.MillisPointer(record.UpdatedAt)
				if putErr := s.PutWorkspace(ctx, &workspace); putErr != nil {
					return putErr
				}
			}
			return rebase(ctx, q, current, record.UpdatedAt)
		}
		if _, removeErr := q.RemoveRevision(ctx, current.ID, current.Revision); removeErr != nil {
			return removeErr
		}
		return AdoptWorkspace(ctx, s, workspaceID, record)
	})
}

func (e *Engine) completeAttachment(ctx context.Context, sent queue.Operation, record remote.AttachmentRecord) error {
	return e.inTx(ctx, func(s *store.Store, q *queue.Queue) error {
		if _, err := q.Get(ctx, sent.ID); errors.Is(err, queue.ErrNotFound) {
			if sent.Kind == queue.KindCreate && record.ID != "" {
				return e.compensate(ctx, q, queue.EntityAttachment, record.ID, nil)
			}
			return nil
		} else if err != nil {
			return err
		}
		attachmentID := record.ID
		if attachmentID == "" {
			attachmentID = sent.EntityID
		}
		if err := q.Remove(ctx, sent.ID); err != nil {
			return err
		}
		if err := s.RekeyAttachment(ctx, sent.EntityID, attachmentID); err != nil {
			return err
		}
		if err := q.RekeyEntity(ctx, queue.EntityAttachment, sent.EntityID, attachmentID); err != nil {
			return err
		}
		attachment, err := s.GetAttachment(ctx, attachmentID)
		if err != nil {
			return err
		}
		attachment.SyncStatus = store.SyncStatusSynced
		if !record.CreatedAt.IsZero() {
			attachment.CreatedAtMillis = store.ToMillis(record.CreatedAt)
		}
		return s.PutAttachment(ctx, &attachment)
	})
}

// completeDelete purges the local record once the remote confirmed the deletion.
func (e *Engine) completeDelete(ctx context.Context, sent queue.Operation) error {
	return e.inTx(ctx, func(s *store.Store, q *queue.Queue) error {
		if _, err := q.Get(ctx, sent.ID); errors.Is(err, queue.ErrNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		if err := q.RemoveEntity(ctx, sent.EntityType, sent.EntityID); err != nil {
			return err
		}
		switch sent.EntityType {
		case queue.EntityNote:
			return s.PurgeNote(ctx, sent.EntityID)
		case queue.EntityWorkspace:
			return s.PurgeWorkspace(ctx, sent.EntityID)
		case queue.EntityAttachment:
			return s.PurgeAttachment(ctx, sent.EntityID)
		}
		return nil
	})
}

// handleConflict parks a note's change on the note and adopts the server copy of a
// workspace. It reports false when the conflict cannot be parked and must be retried.
func (e *Engine) handleConflict(ctx context.Context, sent queue.Operation, conflict *remote.ConflictError) bool {
	var parked bool
	err := e.inTx(ctx, func(s *store.Store, q *queue.Queue) error {
		current, err := q.Get(ctx, sent.ID)
		if errors.Is(err, queue.ErrNotFound) {
			parked = true
			return nil
		}
		if err != nil {
			return err
		}
		switch sent.EntityType {
		case queue.EntityNote:
			note, getErr := s.GetNote(ctx, sent.EntityID)
			if errors.Is(getErr, store.ErrNotFound) {
				parked = true
				return q.RemoveEntity(ctx, queue.EntityNote, sent.EntityID)
			}
			if getErr != nil {
				return getErr
			}
			note.SyncStatus = store.SyncStatusConflict
			note.LocalChangesJSON = current.Park().Encode()
			note.ServerVersionJSON = ""
			if conflict.ServerNote != nil {
				encoded, encodeErr := json.Marshal(conflict.ServerNote)
				if encodeErr != nil {
					return encodeErr
				}
				note.ServerVersionJSON = string(encoded)
			}
			if putErr := s.PutNote(ctx, &note); putErr != nil {
				return putErr
			}
			parked = true
			return q.RemoveEntity(ctx, queue.EntityNote, sent.EntityID)
		case queue.EntityWorkspace:
			if conflict.ServerWorkspace == nil {
				return nil
			}
			record := *conflict.ServerWorkspace
			workspaceID := record.ID
			if workspaceID == "" {
				workspaceID = sent.EntityID
			}
			if removeErr := q.RemoveEntity(ctx, queue.EntityWorkspace, sent.EntityID); removeErr != nil {
				return removeErr
			}
			if rekeyErr := RekeyWorkspace(ctx, s, q, sent.EntityID, workspaceID); rekeyErr != nil {
				return rekeyErr
			}
			parked = true
			return AdoptWorkspace(ctx, s, workspaceID, record)
		}
		return nil
	})
	if err != nil {
		e.logger.Error("failed to park conflict", zap.String("entity_id", sent.EntityID), zap.Error(err))
		return false
	}
	if parked {
		e.logger.Warn("remote reported a conflict",
			zap.String("entity_type", string(sent.EntityType)),
			zap.String("entity_id", sent.EntityID))
	}
	return parked
}

// compensate removes a record the remote created for a change the user has since cancelled.
func (e *Engine) compensate(ctx context.Context, q *queue.Queue, entityType queue.EntityType, entityID string, payload any) error {
	if entityID == "" {
		return nil
	}
	e.logger.Info("enqueuing compensating delete",
		zap.String("entity_type", string(entityType)),
		zap.String("entity_id", entityID))
	_, err := q.Enqueue(ctx, queue.KindDelete, entityType, entityID, payload)
	return err
}

// RekeyNote moves a note and every queued reference to it from oldID to newID.
func RekeyNote(ctx context.Context, s *store.Store, q *queue.Queue, oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	if err := s.RekeyNote(ctx, oldID, newID); err != nil {
		return err
	}
	if err := q.RekeyEntity(ctx, queue.EntityNote, oldID, newID); err != nil {
		return err
	}
	return q.ReplaceNoteReference(ctx, oldID, newID)
}

// RekeyWorkspace moves a workspace, its notes and queued references from oldID to newID.
func RekeyWorkspace(ctx context.Context, s *store.Store, q *queue.Queue, oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	if err := s.RekeyWorkspace(ctx, oldID, newID); err != nil {
		return err
	}
	if err := q.RekeyEntity(ctx, queue.EntityWorkspace, oldID, newID); err != nil {
		return err
	}
	return q.ReplaceWorkspaceReference(ctx, oldID, newID)
}

// rebase points a still-queued newer change at the server version just confirmed.
// A pending create becomes an update because the remote now knows the record.
func rebase(ctx context.Context, q *queue.Queue, current queue.Operation, base time.Time) error {
	payload := map[string]any{}
	if err := current.DecodePayload(&payload); err != nil {
		return err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	delete(payload, payloadClientID)
	if !base.IsZero() {
		payload[payloadBaseUpdatedAt] = base.UTC().Format(time.RFC3339Nano)
	}
	kind := current.Kind
	if kind == queue.KindCreate && current.EntityType != queue.EntityAttachment {
		kind = queue.KindUpdate
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return q.Rebase(ctx, current.ID, kind, json.RawMessage(encoded))
}

// AdoptWorkspace stores the canonical server copy of a workspace as synced.
func AdoptWorkspace(ctx context.Context, s *store.Store, workspaceID string, record remote.WorkspaceRecord) error {
	workspace, err := s.GetWorkspace(ctx, workspaceID)
	if errors.Is(err, store.ErrNotFound) {
		workspace = store.Workspace{WorkspaceID: workspaceID, OwnerID: record.OwnerID}
	} else if err != nil {
		return err
	}
	if record.OwnerID != "" {
		workspace.OwnerID = record.OwnerID
	}
	workspace.Name = record.Name
	workspace.IsDefault = record.IsDefault
	workspace.IsDeleted = false
	if !record.CreatedAt.IsZero() {
		workspace.CreatedAtMillis = store.ToMillis(record.CreatedAt)
	}
	workspace.UpdatedAtMillis = store.ToMillis(record.UpdatedAt)
	workspace.LastSyncedAtMillis = store.MillisPointer(record.UpdatedAt)
	workspace.SyncStatus = store.SyncStatusSynced
	if err := s.PutWorkspace(ctx, &workspace); err != nil {
		return err
	}
	if workspace.IsDefault {
		return s.ClearDefaultWorkspaces(ctx, workspace.OwnerID, workspaceID)
	}
	return nil
}

// ApplyNoteRecord copies the canonical server fields onto note and marks it as
// observed at the server's updatedAt. The caller sets the sync status.
func ApplyNoteRecord(note *store.Note, record remote.NoteRecord) {
	if record.OwnerID != "" {
		note.OwnerID = record.OwnerID
	}
	if record.WorkspaceID != "" {
		note.WorkspaceID = record.WorkspaceID
	}
	note.Title = record.Title
	note.Content = record.Content
	note.SetTags(record.Tags)
	note.IsStarred = record.IsStarred
	note.IsDeleted = record.IsDeleted
	if !record.CreatedAt.IsZero() {
		note.CreatedAtMillis = store.ToMillis(record.CreatedAt)
	}
	note.UpdatedAtMillis = store.ToMillis(record.UpdatedAt)
	note.LastSyncedAtMillis = store.MillisPointer(record.UpdatedAt)
	note.LocalChangesJSON = ""
	note.ServerVersionJSON = ""
}
