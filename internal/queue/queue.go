package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/failure"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrNotFound reports a missing queue entry.
var ErrNotFound = errors.New("queue: operation not found")

var (
	errMissingDatabase   = errors.New("database handle is required")
	errInvalidKind       = errors.New("invalid operation kind")
	errInvalidEntityType = errors.New("invalid entity type")
	errMissingEntityID   = errors.New("entity id is required")
)

const (
	opEnqueue     = "queue.enqueue"
	opList        = "queue.list"
	opGet         = "queue.get"
	opFind        = "queue.find"
	opRemove      = "queue.remove"
	opMarkFailed  = "queue.mark_failed"
	opCount       = "queue.count"
	opRekey       = "queue.rekey"
	opRebase      = "queue.rebase"
	opRewriteRefs = "queue.rewrite_references"

	reasonMissingDatabase = "missing_database"
	reasonInvalidInput    = "invalid_input"
	reasonEncodeFailed    = "encode_failed"
	reasonQueryFailed     = "query_failed"
	reasonSaveFailed      = "save_failed"
	reasonDeleteFailed    = "delete_failed"

	queryOperationID = "operation_id = ?"
	queryEntity      = "entity_type = ? AND entity_id = ?"
	orderDrain       = "enqueued_at_ms ASC, operation_id ASC"

	payloadFieldWorkspaceID = "workspaceId"
	payloadFieldNoteID      = "noteId"
)

// EnqueueOutcome describes what Enqueue did with the new operation.
type EnqueueOutcome struct {
	// Operation is the effective entry after coalescing. Zero when Cancelled.
	Operation Operation
	// Coalesced is set when an existing entry absorbed the new operation.
	Coalesced bool
	// Cancelled is set when a delete erased a never-synced create.
	Cancelled bool
}

// Queue is the durable operation log backing offline writes.
type Queue struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// New constructs a Queue on db.
func New(db *gorm.DB, clock func() time.Time, logger *zap.Logger) *Queue {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{db: db, clock: clock, logger: logger}
}

// WithDB returns a Queue bound to db, typically a transaction handle.
func (q *Queue) WithDB(db *gorm.DB) *Queue {
	return &Queue{db: db, clock: q.clock, logger: q.logger}
}

// Enqueue records a mutation for entityID, coalescing with the entity's pending entry:
// an update folds into a pending create or update, a delete erases a pending create and
// replaces a pending update.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, entityType EntityType, entityID string, payload any) (EnqueueOutcome, error) {
	if q.db == nil {
		return EnqueueOutcome{}, failure.Storage(opEnqueue, reasonMissingDatabase, errMissingDatabase)
	}
	if !kind.Valid() {
		return EnqueueOutcome{}, failure.Validation(opEnqueue, reasonInvalidInput, fmt.Errorf("%w: %q", errInvalidKind, kind))
	}
	if !entityType.Valid() {
		return EnqueueOutcome{}, failure.Validation(opEnqueue, reasonInvalidInput, fmt.Errorf("%w: %q", errInvalidEntityType, entityType))
	}
	if strings.TrimSpace(entityID) == "" {
		return EnqueueOutcome{}, failure.Validation(opEnqueue, reasonInvalidInput, errMissingEntityID)
	}
	payloadJSON, err := encodePayload(payload)
	if err != nil {
		return EnqueueOutcome{}, failure.Validation(opEnqueue, reasonEncodeFailed, err)
	}

	var outcome EnqueueOutcome
	err = q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Operation
		findErr := tx.Where(queryEntity, entityType, entityID).Order("operation_id DESC").Take(&existing).Error
		if findErr != nil && !errors.Is(findErr, gorm.ErrRecordNotFound) {
			return findErr
		}
		if findErr == nil {
			if coalesced, handled, coalesceErr := coalesce(tx, existing, kind, payloadJSON); handled {
				outcome = coalesced
				return coalesceErr
			}
		}
		created := Operation{
			Kind:             kind,
			EntityType:       entityType,
			EntityID:         entityID,
			PayloadJSON:      payloadJSON,
			EnqueuedAtMillis: q.clock().UTC().UnixMilli(),
			Revision:         1,
		}
		if createErr := tx.Create(&created).Error; createErr != nil {
			return createErr
		}
		outcome = EnqueueOutcome{Operation: created}
		return nil
	})
	if err != nil {
		q.logError(opEnqueue, reasonSaveFailed, err, zap.String("entity_id", entityID))
		return EnqueueOutcome{}, failure.Storage(opEnqueue, reasonSaveFailed, err)
	}
	q.logger.Debug("operation enqueued",
		zap.String("kind", string(kind)),
		zap.String("entity_type", string(entityType)),
		zap.String("entity_id", entityID),
		zap.Bool("coalesced", outcome.Coalesced),
		zap.Bool("cancelled", outcome.Cancelled))
	return outcome, nil
}

// coalesce folds an incoming operation into existing. handled is false when the
// incoming operation must be appended as a new entry.
func coalesce(tx *gorm.DB, existing Operation, incoming Kind, payloadJSON string) (EnqueueOutcome, bool, error) {
	switch existing.Kind {
	case KindCreate:
		switch incoming {
		case KindDelete:
			if err := tx.Where(queryOperationID, existing.ID).Delete(&Operation{}).Error; err != nil {
				return EnqueueOutcome{}, true, err
			}
			return EnqueueOutcome{Cancelled: true}, true, nil
		default:
			replaced, err := replace(tx, existing, KindCreate, payloadJSON)
			return EnqueueOutcome{Operation: replaced, Coalesced: true}, true, err
		}
	case KindUpdate:
		target := KindUpdate
		if incoming == KindDelete {
			target = KindDelete
		}
		replaced, err := replace(tx, existing, target, payloadJSON)
		return EnqueueOutcome{Operation: replaced, Coalesced: true}, true, err
	case KindDelete:
		if incoming == KindDelete {
			replaced, err := replace(tx, existing, KindDelete, payloadJSON)
			return EnqueueOutcome{Operation: replaced, Coalesced: true}, true, err
		}
	}
	return EnqueueOutcome{}, false, nil
}

func replace(tx *gorm.DB, existing Operation, kind Kind, payloadJSON string) (Operation, error) {
	existing.Kind = kind
	existing.PayloadJSON = payloadJSON
	existing.LastError = ""
	existing.NextAttemptAtMillis = 0
	existing.Revision++
	err := tx.Model(&Operation{}).Where(queryOperationID, existing.ID).Updates(map[string]any{
		"kind":               existing.Kind,
		"payload_json":       existing.PayloadJSON,
		"last_error":         existing.LastError,
		"next_attempt_at_ms": existing.NextAttemptAtMillis,
		"revision":           existing.Revision,
	}).Error
	return existing, err
}

// List returns every operation in drain order.
func (q *Queue) List(ctx context.Context) ([]Operation, error) {
	if q.db == nil {
		return nil, failure.Storage(opList, reasonMissingDatabase, errMissingDatabase)
	}
	var operations []Operation
	if err := q.db.WithContext(ctx).Order(orderDrain).Find(&operations).Error; err != nil {
		q.logError(opList, reasonQueryFailed, err)
		return nil, failure.Storage(opList, reasonQueryFailed, err)
	}
	return operations, nil
}

// Get loads an operation by id.
func (q *Queue) Get(ctx context.Context, id int64) (Operation, error) {
	if q.db == nil {
		return Operation{}, failure.Storage(opGet, reasonMissingDatabase, errMissingDatabase)
	}
	var operation Operation
	err := q.db.WithContext(ctx).Where(queryOperationID, id).Take(&operation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Operation{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		q.logError(opGet, reasonQueryFailed, err, zap.Int64("operation_id", id))
		return Operation{}, failure.Storage(opGet, reasonQueryFailed, err)
	}
	return operation, nil
}

// FindByEntity returns the effective pending operation for an entity.
func (q *Queue) FindByEntity(ctx context.Context, entityType EntityType, entityID string) (Operation, bool, error) {
	if q.db == nil {
		return Operation{}, false, failure.Storage(opFind, reasonMissingDatabase, errMissingDatabase)
	}
	var operation Operation
	err := q.db.WithContext(ctx).Where(queryEntity, entityType, entityID).Order("operation_id DESC").Take(&operation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Operation{}, false, nil
	}
	if err != nil {
		q.logError(opFind, reasonQueryFailed, err, zap.String("entity_id", entityID))
		return Operation{}, false, failure.Storage(opFind, reasonQueryFailed, err)
	}
	return operation, true, nil
}

// Remove deletes an operation. Removing a missing entry is not an error.
func (q *Queue) Remove(ctx context.Context, id int64) error {
	if q.db == nil {
		return failure.Storage(opRemove, reasonMissingDatabase, errMissingDatabase)
	}
	if err := q.db.WithContext(ctx).Where(queryOperationID, id).Delete(&Operation{}).Error; err != nil {
		q.logError(opRemove, reasonDeleteFailed, err, zap.Int64("operation_id", id))
		return failure.Storage(opRemove, reasonDeleteFailed, err)
	}
	return nil
}

// RemoveRevision deletes an operation only while it still carries revision.
// It reports whether a row was removed.
func (q *Queue) RemoveRevision(ctx context.Context, id int64, revision int64) (bool, error) {
	if q.db == nil {
		return false, failure.Storage(opRemove, reasonMissingDatabase, errMissingDatabase)
	}
	result := q.db.WithContext(ctx).Where("operation_id = ? AND revision = ?", id, revision).Delete(&Operation{})
	if result.Error != nil {
		q.logError(opRemove, reasonDeleteFailed, result.Error, zap.Int64("operation_id", id))
		return false, failure.Storage(opRemove, reasonDeleteFailed, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// RemoveEntity deletes every operation targeting an entity.
func (q *Queue) RemoveEntity(ctx context.Context, entityType EntityType, entityID string) error {
	if q.db == nil {
		return failure.Storage(opRemove, reasonMissingDatabase, errMissingDatabase)
	}
	if err := q.db.WithContext(ctx).Where(queryEntity, entityType, entityID).Delete(&Operation{}).Error; err != nil {
		q.logError(opRemove, reasonDeleteFailed, err, zap.String("entity_id", entityID))
		return failure.Storage(opRemove, reasonDeleteFailed, err)
	}
	return nil
}

// MarkFailed increments retryCount, records cause and gates the next attempt.
// The entry is kept. A zero nextAttemptAt leaves the entry immediately eligible.
func (q *Queue) MarkFailed(ctx context.Context, id int64, cause error, nextAttemptAt time.Time) error {
	if q.db == nil {
		return failure.Storage(opMarkFailed, reasonMissingDatabase, errMissingDatabase)
	}
	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}
	var nextAttemptMillis int64
	if !nextAttemptAt.IsZero() {
		nextAttemptMillis = nextAttemptAt.UTC().UnixMilli()
	}
	err := q.db.WithContext(ctx).Model(&Operation{}).Where(queryOperationID, id).Updates(map[string]any{
		"retry_count":        gorm.Expr("retry_count + 1"),
		"last_error":         message,
		"next_attempt_at_ms": nextAttemptMillis,
	}).Error
	if err != nil {
		q.logError(opMarkFailed, reasonSaveFailed, err, zap.Int64("operation_id", id))
		return failure.Storage(opMarkFailed, reasonSaveFailed, err)
	}
	return nil
}

// Count returns the number of queued operations.
func (q *Queue) Count(ctx context.Context) (int64, error) {
	return q.count(ctx, "")
}

// FailedCount returns the number of queued operations carrying an error.
func (q *Queue) FailedCount(ctx context.Context) (int64, error) {
	return q.count(ctx, "last_error <> ''")
}

func (q *Queue) count(ctx context.Context, condition string) (int64, error) {
	if q.db == nil {
		return 0, failure.Storage(opCount, reasonMissingDatabase, errMissingDatabase)
	}
	query := q.db.WithContext(ctx).Model(&Operation{})
	if condition != "" {
		query = query.Where(condition)
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		q.logError(opCount, reasonQueryFailed, err)
		return 0, failure.Storage(opCount, reasonQueryFailed, err)
	}
	return total, nil
}

// RekeyEntity points every operation of oldID at newID.
func (q *Queue) RekeyEntity(ctx context.Context, entityType EntityType, oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	if q.db == nil {
		return failure.Storage(opRekey, reasonMissingDatabase, errMissingDatabase)
	}
	err := q.db.WithContext(ctx).Model(&Operation{}).Where(queryEntity, entityType, oldID).Update("entity_id", newID).Error
	if err != nil {
		q.logError(opRekey, reasonSaveFailed, err, zap.String("entity_id", oldID), zap.String("new_entity_id", newID))
		return failure.Storage(opRekey, reasonSaveFailed, err)
	}
	return nil
}

// Rebase rewrites the kind and payload of a still-queued operation without bumping its revision.
func (q *Queue) Rebase(ctx context.Context, id int64, kind Kind, payload any) error {
	if q.db == nil {
		return failure.Storage(opRebase, reasonMissingDatabase, errMissingDatabase)
	}
	if !kind.Valid() {
		return failure.Validation(opRebase, reasonInvalidInput, fmt.Errorf("%w: %q", errInvalidKind, kind))
	}
	payloadJSON, err := encodePayload(payload)
	if err != nil {
		return failure.Validation(opRebase, reasonEncodeFailed, err)
	}
	err = q.db.WithContext(ctx).Model(&Operation{}).Where(queryOperationID, id).Updates(map[string]any{
		"kind":         kind,
		"payload_json": payloadJSON,
	}).Error
	if err != nil {
		q.logError(opRebase, reasonSaveFailed, err, zap.Int64("operation_id", id))
		return failure.Storage(opRebase, reasonSaveFailed, err)
	}
	return nil
}

// ReplaceWorkspaceReference rewrites the workspace id carried by queued note payloads.
func (q *Queue) ReplaceWorkspaceReference(ctx context.Context, oldID, newID string) error {
	return q.replaceReference(ctx, EntityNote, payloadFieldWorkspaceID, oldID, newID)
}

// ReplaceNoteReference rewrites the note id carried by queued attachment payloads.
func (q *Queue) ReplaceNoteReference(ctx context.Context, oldID, newID string) error {
	return q.replaceReference(ctx, EntityAttachment, payloadFieldNoteID, oldID, newID)
}

func (q *Queue) replaceReference(ctx context.Context, entityType EntityType, field, oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	if q.db == nil {
		return failure.Storage(opRewriteRefs, reasonMissingDatabase, errMissingDatabase)
	}
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var operations []Operation
		if err := tx.Where("entity_type = ? AND kind <> ?", entityType, KindDelete).Find(&operations).Error; err != nil {
			q.logError(opRewriteRefs, reasonQueryFailed, err)
			return failure.Storage(opRewriteRefs, reasonQueryFailed, err)
		}
		for _, operation := range operations {
			var payload map[string]any
			if err := operation.DecodePayload(&payload); err != nil || payload == nil {
				continue
			}
			if current, ok := payload[field].(string); !ok || current != oldID {
				continue
			}
			payload[field] = newID
			encoded, err := json.Marshal(payload)
			if err != nil {
				return failure.Storage(opRewriteRefs, reasonEncodeFailed, err)
			}
			if err := tx.Model(&Operation{}).Where(queryOperationID, operation.ID).Update("payload_json", string(encoded)).Error; err != nil {
				q.logError(opRewriteRefs, reasonSaveFailed, err, zap.Int64("operation_id", operation.ID))
				return failure.Storage(opRewriteRefs, reasonSaveFailed, err)
			}
		}
		return nil
	})
}

func encodePayload(payload any) (string, error) {
	switch value := payload.(type) {
	case nil:
		return "", nil
	case json.RawMessage:
		return string(value), nil
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func (q *Queue) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	q.logger.Error("queue error", attrs...)
}
