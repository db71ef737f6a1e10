package notes

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/failure"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/queue"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/remote"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/store"
)

const (
	opAddAttachment    = "notes.add_attachment"
	opDeleteAttachment = "notes.delete_attachment"
	opListAttachments  = "notes.list_attachments"
	opGetAttachment    = "notes.get_attachment"
)

var errAttachmentNotFound = errors.New("attachment not found")

// AddAttachment stores a file on a live note. Queued uploads read the blob from the store.
func (s *Service) AddAttachment(ctx context.Context, draft AttachmentDraft) (store.Attachment, error) {
	if err := s.validateInput(opAddAttachment, draft); err != nil {
		return store.Attachment{}, err
	}
	note, err := s.liveNote(ctx, opAddAttachment, draft.NoteID)
	if err != nil {
		return store.Attachment{}, err
	}
	localID, err := s.newLocalID(opAddAttachment)
	if err != nil {
		return store.Attachment{}, err
	}
	now := s.now()
	input := remote.AttachmentInput{
		ClientID: localID,
		NoteID:   note.NoteID,
		FileName: draft.FileName,
		MimeType: draft.MimeType,
		Data:     draft.Data,
	}

	attachmentID := localID
	_, err = s.apply(ctx, mutation{
		operation:   opAddAttachment,
		entityType:  queue.EntityAttachment,
		remoteReady: note.LastSyncedAtMillis != nil,
		attemptRemote: func(ctx context.Context) (commitFunc, error) {
			record, err := s.remote.UploadAttachment(ctx, input)
			if err != nil {
				return nil, err
			}
			if record.ID != "" {
				attachmentID = record.ID
			}
			return func(ctx context.Context, st *store.Store, _ *queue.Queue) error {
				attachment := store.Attachment{
					AttachmentID:    attachmentID,
					NoteID:          note.NoteID,
					OwnerID:         s.ownerID,
					FileName:        draft.FileName,
					MimeType:        draft.MimeType,
					SizeBytes:       int64(len(draft.Data)),
					Data:            draft.Data,
					CreatedAtMillis: store.ToMillis(now),
					SyncStatus:      store.SyncStatusSynced,
				}
				if !record.CreatedAt.IsZero() {
					attachment.CreatedAtMillis = store.ToMillis(record.CreatedAt)
				}
				return st.PutAttachment(ctx, &attachment)
			}, nil
		},
		persistLocalAndEnqueue: func(ctx context.Context, st *store.Store, q *queue.Queue) error {
			attachmentID = localID
			attachment := store.Attachment{
				AttachmentID:    localID,
				NoteID:          note.NoteID,
				OwnerID:         s.ownerID,
				FileName:        draft.FileName,
				MimeType:        draft.MimeType,
				SizeBytes:       int64(len(draft.Data)),
				Data:            draft.Data,
				CreatedAtMillis: store.ToMillis(now),
				SyncStatus:      store.SyncStatusPending,
			}
			if err := st.PutAttachment(ctx, &attachment); err != nil {
				return err
			}
			queued := input
			queued.ClientID = ""
			queued.Data = nil
			_, err := q.Enqueue(ctx, queue.KindCreate, queue.EntityAttachment, localID, queued)
			return err
		},
	})
	if err != nil {
		return store.Attachment{}, err
	}
	return s.store.GetAttachment(ctx, attachmentID)
}

// DeleteAttachment removes an attachment. An upload still waiting in the queue is cancelled.
func (s *Service) DeleteAttachment(ctx context.Context, attachmentID string) error {
	attachment, err := s.liveAttachment(ctx, opDeleteAttachment, attachmentID)
	if err != nil {
		return err
	}
	_, err = s.apply(ctx, mutation{
		operation:   opDeleteAttachment,
		entityType:  queue.EntityAttachment,
		entityID:    attachment.AttachmentID,
		remoteReady: attachment.SyncStatus == store.SyncStatusSynced,
		attemptRemote: func(ctx context.Context) (commitFunc, error) {
			if err := s.remote.DeleteAttachment(ctx, attachment.AttachmentID); err != nil && !errors.Is(err, remote.ErrNotFound) {
				return nil, err
			}
			return func(ctx context.Context, st *store.Store, _ *queue.Queue) error {
				return st.PurgeAttachment(ctx, attachment.AttachmentID)
			}, nil
		},
		persistLocalAndEnqueue: func(ctx context.Context, st *store.Store, q *queue.Queue) error {
			outcome, err := q.Enqueue(ctx, queue.KindDelete, queue.EntityAttachment, attachment.AttachmentID, nil)
			if err != nil {
				return err
			}
			if outcome.Cancelled {
				return st.PurgeAttachment(ctx, attachment.AttachmentID)
			}
			return st.SoftDeleteAttachment(ctx, attachment.AttachmentID, store.SyncStatusPending)
		},
	})
	return err
}

// ListAttachments returns the live attachments of a note.
func (s *Service) ListAttachments(ctx context.Context, noteID string) ([]store.Attachment, error) {
	note, err := s.liveNote(ctx, opListAttachments, noteID)
	if err != nil {
		return nil, err
	}
	attachments, err := s.store.ListAttachments(ctx, note.NoteID)
	if err != nil {
		s.logError(opListAttachments, "query_failed", err)
		return nil, err
	}
	return attachments, nil
}

// GetAttachment returns a live attachment including its data.
func (s *Service) GetAttachment(ctx context.Context, attachmentID string) (store.Attachment, error) {
	return s.liveAttachment(ctx, opGetAttachment, attachmentID)
}

func (s *Service) liveAttachment(ctx context.Context, operation, rawID string) (store.Attachment, error) {
	attachmentID, err := normalizeIdentifier(rawID, ErrInvalidAttachmentID)
	if err != nil {
		return store.Attachment{}, failure.Validation(operation, "invalid_attachment_id", err)
	}
	attachment, err := s.store.GetAttachment(ctx, attachmentID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Attachment{}, failure.Validation(operation, "attachment_not_found", err)
	}
	if err != nil {
		return store.Attachment{}, err
	}
	if attachment.OwnerID != s.ownerID || attachment.IsDeleted {
		return store.Attachment{}, failure.Validation(operation, "attachment_not_found", fmt.Errorf("%w: %s", errAttachmentNotFound, attachmentID))
	}
	return attachment, nil
}
