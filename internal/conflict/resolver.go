// Package conflict settles notes the remote rejected because of a concurrent edit.
package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/failure"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/metrics"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/queue"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/remote"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/store"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/syncengine"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Resolution is the user's choice for a conflicted note.
type Resolution string

const (
	ResolutionLocal  Resolution = "local"
	ResolutionServer Resolution = "server"
	ResolutionMerge  Resolution = "merge"
)

// Valid reports whether resolution is known.
func (resolution Resolution) Valid() bool {
	switch resolution {
	case ResolutionLocal, ResolutionServer, ResolutionMerge:
		return true
	default:
		return false
	}
}

const (
	opNew           = "conflict.new"
	opResolve       = "conflict.resolve"
	opListConflicts = "conflict.list_conflicts"
)

var (
	errMissingStore      = errors.New("store is required")
	errMissingQueue      = errors.New("queue is required")
	errMissingNoteID     = errors.New("note identifier is required")
	errUnknownResolution = errors.New("unknown resolution")
	errNotInConflict     = errors.New("note is not in conflict")
)

// Notifier is told when the queue changed so status subscribers can refresh.
type Notifier interface {
	Notify(ctx context.Context)
}

// Config wires the resolver.
type Config struct {
	Store    *store.Store
	Queue    *queue.Queue
	Merge    MergeFunc
	Metrics  *metrics.Metrics
	Notifier Notifier
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Resolver applies resolutions. It never leaves a resolved note in conflict.
type Resolver struct {
	store    *store.Store
	queue    *queue.Queue
	merge    MergeFunc
	metrics  *metrics.Metrics
	notifier Notifier
	clock    func() time.Time
	logger   *zap.Logger
}

// Outcome describes the note after a resolution. Purged notes no longer exist locally.
type Outcome struct {
	Resolution Resolution
	Note       store.Note
	Purged     bool
}

// New constructs a Resolver. A nil Merge makes merge behave like server.
func New(cfg Config) (*Resolver, error) {
	if cfg.Store == nil {
		return nil, failure.Validation(opNew, "missing_store", errMissingStore)
	}
	if cfg.Queue == nil {
		return nil, failure.Validation(opNew, "missing_queue", errMissingQueue)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:    cfg.Store,
		queue:    cfg.Queue,
		merge:    cfg.Merge,
		metrics:  cfg.Metrics,
		notifier: cfg.Notifier,
		clock:    clock,
		logger:   logger,
	}, nil
}

// ListConflicts returns the owner's notes awaiting a resolution.
func (r *Resolver) ListConflicts(ctx context.Context, ownerID string) ([]store.Note, error) {
	notes, err := r.store.ListNotes(ctx, store.NoteFilter{
		OwnerID:        ownerID,
		SyncStatus:     store.SyncStatusConflict,
		IncludeDeleted: true,
	})
	if err != nil {
		r.logError(opListConflicts, "query_failed", err, zap.String("owner_id", ownerID))
		return nil, err
	}
	return notes, nil
}

// Resolve settles the conflict on noteID.
func (r *Resolver) Resolve(ctx context.Context, noteID string, resolution Resolution) (Outcome, error) {
	if noteID == "" {
		return Outcome{}, failure.Validation(opResolve, "missing_note_id", errMissingNoteID)
	}
	if !resolution.Valid() {
		return Outcome{}, failure.Validation(opResolve, "unknown_resolution", fmt.Errorf("%w: %q", errUnknownResolution, resolution))
	}

	var outcome Outcome
	txErr := r.store.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		s := r.store.WithDB(tx)
		q := r.queue.WithDB(tx)

		note, err := s.GetNote(ctx, noteID)
		if errors.Is(err, store.ErrNotFound) {
			return failure.Validation(opResolve, "note_not_found", err)
		}
		if err != nil {
			return err
		}
		if note.SyncStatus != store.SyncStatusConflict {
			return failure.Validation(opResolve, "not_in_conflict", errNotInConflict)
		}
		parked, err := queue.ParseParked(note.LocalChangesJSON)
		if err != nil {
			return failure.Storage(opResolve, "local_changes_decode_failed", err)
		}
		server, err := decodeServerVersion(note.ServerVersionJSON)
		if err != nil {
			return failure.Storage(opResolve, "server_version_decode_failed", err)
		}

		switch resolution {
		case ResolutionServer:
			outcome, err = r.takeServer(ctx, s, q, note, server)
		case ResolutionLocal:
			outcome, err = r.takeLocal(ctx, s, q, note, parked, server, nil)
		case ResolutionMerge:
			outcome, err = r.takeMerged(ctx, s, q, note, parked, server)
		}
		return err
	})
	if txErr != nil {
		r.logError(opResolve, "apply_failed", txErr,
			zap.String("note_id", noteID),
			zap.String("resolution", string(resolution)))
		return Outcome{}, txErr
	}

	outcome.Resolution = resolution
	r.metrics.TrackResolution(string(resolution))
	if r.notifier != nil {
		r.notifier.Notify(ctx)
	}
	r.logger.Info("conflict resolved",
		zap.String("note_id", noteID),
		zap.String("resolution", string(resolution)),
		zap.Bool("purged", outcome.Purged))
	return outcome, nil
}

// takeServer adopts the server copy and discards the client change.
func (r *Resolver) takeServer(ctx context.Context, s *store.Store, q *queue.Queue, note store.Note, server *remote.NoteRecord) (Outcome, error) {
	if err := q.RemoveEntity(ctx, queue.EntityNote, note.NoteID); err != nil {
		return Outcome{}, err
	}
	if server == nil || server.IsDeleted {
		if err := s.PurgeNote(ctx, note.NoteID); err != nil {
			return Outcome{}, err
		}
		return Outcome{Purged: true}, nil
	}
	noteID, err := r.adoptServerID(ctx, s, q, note.NoteID, server)
	if err != nil {
		return Outcome{}, err
	}
	note.NoteID = noteID
	syncengine.ApplyNoteRecord(&note, *server)
	note.SyncStatus = store.SyncStatusSynced
	if err := s.PutNote(ctx, &note); err != nil {
		return Outcome{}, err
	}
	return Outcome{Note: note}, nil
}

// takeLocal re-queues the client change against the server version. A non-nil
// override replaces the parked snapshot.
func (r *Resolver) takeLocal(ctx context.Context, s *store.Store, q *queue.Queue, note store.Note, parked queue.Parked, server *remote.NoteRecord, override *remote.NoteInput) (Outcome, error) {
	if err := q.RemoveEntity(ctx, queue.EntityNote, note.NoteID); err != nil {
		return Outcome{}, err
	}
	noteID, err := r.adoptServerID(ctx, s, q, note.NoteID, server)
	if err != nil {
		return Outcome{}, err
	}
	note.NoteID = noteID

	now := r.clock().UTC()
	var base *time.Time
	if server != nil {
		baseValue := server.UpdatedAt.UTC()
		base = &baseValue
		note.LastSyncedAtMillis = store.MillisPointer(baseValue)
	}
	note.LocalChangesJSON = ""
	note.ServerVersionJSON = ""

	if parked.Kind == queue.KindDelete && override == nil {
		if server == nil || server.IsDeleted {
			if err := s.PurgeNote(ctx, note.NoteID); err != nil {
				return Outcome{}, err
			}
			return Outcome{Purged: true}, nil
		}
		note.IsDeleted = true
		note.UpdatedAtMillis = store.ToMillis(now)
		note.SyncStatus = store.SyncStatusPending
		if err := s.PutNote(ctx, &note); err != nil {
			return Outcome{}, err
		}
		if _, err := q.Enqueue(ctx, queue.KindDelete, queue.EntityNote, note.NoteID, remote.DeleteInput{BaseUpdatedAt: base}); err != nil {
			return Outcome{}, err
		}
		return Outcome{Note: note}, nil
	}

	var input remote.NoteInput
	switch {
	case override != nil:
		input = *override
	case len(parked.Payload) > 0:
		if err := parked.DecodePayload(&input); err != nil {
			return Outcome{}, failure.Storage(opResolve, "local_changes_decode_failed", err)
		}
	default:
		input = remote.NoteInput{
			Title:       note.Title,
			Content:     note.Content,
			Tags:        note.Tags(),
			WorkspaceID: note.WorkspaceID,
			IsStarred:   note.IsStarred,
		}
	}
	input.ClientID = ""
	input.UpdatedAt = now
	input.BaseUpdatedAt = base
	if input.WorkspaceID == "" {
		input.WorkspaceID = note.WorkspaceID
	}

	kind := queue.KindUpdate
	if server == nil || server.IsDeleted {
		// The remote no longer has the note, so the change recreates it.
		kind = queue.KindCreate
		input.BaseUpdatedAt = nil
		note.LastSyncedAtMillis = nil
	}

	note.Title = input.Title
	note.Content = input.Content
	note.SetTags(input.Tags)
	note.WorkspaceID = input.WorkspaceID
	note.IsStarred = input.IsStarred
	note.IsDeleted = false
	note.UpdatedAtMillis = store.ToMillis(now)
	note.SyncStatus = store.SyncStatusPending
	if err := s.PutNote(ctx, &note); err != nil {
		return Outcome{}, err
	}

	if _, err := q.Enqueue(ctx, kind, queue.EntityNote, note.NoteID, input); err != nil {
		return Outcome{}, err
	}
	return Outcome{Note: note}, nil
}

func (r *Resolver) takeMerged(ctx context.Context, s *store.Store, q *queue.Queue, note store.Note, parked queue.Parked, server *remote.NoteRecord) (Outcome, error) {
	if r.merge == nil || server == nil || server.IsDeleted || parked.Kind == queue.KindDelete || len(parked.Payload) == 0 {
		return r.takeServer(ctx, s, q, note, server)
	}
	var local remote.NoteInput
	if err := parked.DecodePayload(&local); err != nil {
		return Outcome{}, failure.Storage(opResolve, "local_changes_decode_failed", err)
	}
	merged := r.merge(local, *server)
	if matchesRecord(merged, *server) {
		return r.takeServer(ctx, s, q, note, server)
	}
	merged.ChangedFields = nil
	return r.takeLocal(ctx, s, q, note, parked, server, &merged)
}

// adoptServerID re-keys the note when the server knows it under another id.
func (r *Resolver) adoptServerID(ctx context.Context, s *store.Store, q *queue.Queue, noteID string, server *remote.NoteRecord) (string, error) {
	if server == nil || server.ID == "" || server.ID == noteID {
		return noteID, nil
	}
	if err := syncengine.RekeyNote(ctx, s, q, noteID, server.ID); err != nil {
		return "", err
	}
	return server.ID, nil
}

func decodeServerVersion(encoded string) (*remote.NoteRecord, error) {
	if encoded == "" {
		return nil, nil
	}
	var record remote.NoteRecord
	if err := json.Unmarshal([]byte(encoded), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *Resolver) logError(operation, reason string, err error, fields ...zap.Field) {
	if r.logger == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}, fields...)
	if err != nil {
		allFields = append(allFields, zap.Error(err))
	}
	r.logger.Error("conflict resolver failure", allFields...)
}
