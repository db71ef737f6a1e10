package syncengine

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/metrics"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/queue"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/remote"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/store"
	"go.uber.org/zap"
)

type outcome string

const (
	outcomeSuccess  outcome = metrics.OutcomeSuccess
	outcomeFailure  outcome = metrics.OutcomeFailure
	outcomeConflict outcome = metrics.OutcomeConflict
	outcomeDeferred outcome = metrics.OutcomeDeferred
)

func blockKey(entityType queue.EntityType, entityID string) string {
	return string(entityType) + ":" + entityID
}

// process replays one queued operation. Only storage errors are logged here;
// remote errors are classified into failure or conflict outcomes.
func (e *Engine) process(ctx context.Context, snapshot queue.Operation, blocked map[string]struct{}) outcome {
	operation, err := e.queue.Get(ctx, snapshot.ID)
	if err != nil {
		if !errors.Is(err, queue.ErrNotFound) {
			e.logger.Warn("failed to reload operation", zap.Int64("operation_id", snapshot.ID), zap.Error(err))
		}
		return outcomeDeferred
	}
	if e.waitsForParent(ctx, operation, blocked) {
		e.logger.Debug("operation deferred until its parent syncs",
			zap.Int64("operation_id", operation.ID),
			zap.String("entity_id", operation.EntityID))
		return outcomeDeferred
	}

	var callErr error
	switch operation.EntityType {
	case queue.EntityNote:
		callErr = e.processNote(ctx, operation)
	case queue.EntityWorkspace:
		callErr = e.processWorkspace(ctx, operation)
	case queue.EntityAttachment:
		callErr = e.processAttachment(ctx, operation)
	}
	if callErr == nil {
		return outcomeSuccess
	}
	if conflict, ok := remote.IsConflict(callErr); ok {
		if handled := e.handleConflict(ctx, operation, conflict); handled {
			return outcomeConflict
		}
	}
	e.markFailed(ctx, operation, callErr)
	return outcomeFailure
}

// waitsForParent holds notes back until their workspace exists remotely and
// attachments until their note does.
func (e *Engine) waitsForParent(ctx context.Context, operation queue.Operation, blocked map[string]struct{}) bool {
	if operation.Kind == queue.KindDelete {
		return false
	}
	switch operation.EntityType {
	case queue.EntityNote:
		var input remote.NoteInput
		if err := operation.DecodePayload(&input); err != nil || input.WorkspaceID == "" {
			return false
		}
		if _, isBlocked := blocked[blockKey(queue.EntityWorkspace, input.WorkspaceID)]; isBlocked {
			return true
		}
		workspace, err := e.store.GetWorkspace(ctx, input.WorkspaceID)
		return err == nil && workspace.LastSyncedAtMillis == nil
	case queue.EntityAttachment:
		var input remote.AttachmentInput
		if err := operation.DecodePayload(&input); err != nil || input.NoteID == "" {
			return false
		}
		if _, isBlocked := blocked[blockKey(queue.EntityNote, input.NoteID)]; isBlocked {
			return true
		}
		note, err := e.store.GetNote(ctx, input.NoteID)
		return err == nil && note.LastSyncedAtMillis == nil
	}
	return false
}

func (e *Engine) markFailed(ctx context.Context, operation queue.Operation, cause error) {
	now := e.clock()
	nextAttempt := now.Add(e.backoffDelay(operation.RetryCount))
	if err := e.queue.MarkFailed(ctx, operation.ID, cause, nextAttempt); err != nil {
		e.logger.Error("failed to record operation failure", zap.Int64("operation_id", operation.ID), zap.Error(err))
		return
	}
	e.logger.Warn("operation failed",
		zap.Int64("operation_id", operation.ID),
		zap.String("entity_type", string(operation.EntityType)),
		zap.String("entity_id", operation.EntityID),
		zap.Int("retry_count", operation.RetryCount+1),
		zap.Duration("pending_for", now.Sub(operation.EnqueuedAt())),
		zap.Error(cause))
}

func (e *Engine) processNote(ctx context.Context, operation queue.Operation) error {
	switch operation.Kind {
	case queue.KindCreate, queue.KindUpdate:
		var input remote.NoteInput
		if err := operation.DecodePayload(&input); err != nil {
			return err
		}
		var (
			record remote.NoteRecord
			err    error
		)
		if operation.Kind == queue.KindCreate {
			input.ClientID = operation.EntityID
			record, err = e.remote.CreateNote(ctx, input)
		} else {
			record, err = e.remote.UpdateNote(ctx, operation.EntityID, input)
		}
		if err != nil {
			return err
		}
		return e.completeNote(ctx, operation, record)
	case queue.KindDelete:
		var input remote.DeleteInput
		if err := operation.DecodePayload(&input); err != nil {
			return err
		}
		if err := e.remote.DeleteNote(ctx, operation.EntityID, input); err != nil && !errors.Is(err, remote.ErrNotFound) {
			return err
		}
		return e.completeDelete(ctx, operation)
	}
	return nil
}

func (e *Engine) processWorkspace(ctx context.Context, operation queue.Operation) error {
	switch operation.Kind {
	case queue.KindCreate, queue.KindUpdate:
		var input remote.WorkspaceInput
		if err := operation.DecodePayload(&input); err != nil {
			return err
		}
		var (
			record remote.WorkspaceRecord
			err    error
		)
		if operation.Kind == queue.KindCreate {
			input.ClientID = operation.EntityID
			record, err = e.remote.CreateWorkspace(ctx, input)
		} else {
			record, err = e.remote.UpdateWorkspace(ctx, operation.EntityID, input)
		}
		if err != nil {
			return err
		}
		return e.completeWorkspace(ctx, operation, record)
	case queue.KindDelete:
		if err := e.remote.DeleteWorkspace(ctx, operation.EntityID); err != nil && !errors.Is(err, remote.ErrNotFound) {
			return err
		}
		return e.completeDelete(ctx, operation)
	}
	return nil
}

func (e *Engine) processAttachment(ctx context.Context, operation queue.Operation) error {
	switch operation.Kind {
	case queue.KindCreate, queue.KindUpdate:
		var input remote.AttachmentInput
		if err := operation.DecodePayload(&input); err != nil {
			return err
		}
		attachment, err := e.store.GetAttachment(ctx, operation.EntityID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err != nil || attachment.IsDeleted {
			e.logger.Info("dropping upload for removed attachment", zap.String("attachment_id", operation.EntityID))
			return e.queue.Remove(ctx, operation.ID)
		}
		input.ClientID = operation.EntityID
		input.NoteID = attachment.NoteID
		input.Data = attachment.Data
		record, err := e.remote.UploadAttachment(ctx, input)
		if err != nil {
			return err
		}
		return e.completeAttachment(ctx, operation, record)
	case queue.KindDelete:
		if err := e.remote.DeleteAttachment(ctx, operation.EntityID); err != nil && !errors.Is(err, remote.ErrNotFound) {
			return err
		}
		return e.completeDelete(ctx, operation)
	}
	return nil
}

func timePointer(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	utc := value.UTC()
	return &utc
}
