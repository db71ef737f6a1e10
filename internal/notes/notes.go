package notes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/failure"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/queue"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/remote"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/store"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/syncengine"
	"go.uber.org/zap"
)

const (
	opCreateNote    = "notes.create_note"
	opUpdateNote    = "notes.update_note"
	opDeleteNote    = "notes.delete_note"
	opDuplicateNote = "notes.duplicate_note"
	opGetNote       = "notes.get_note"
	opListNotes     = "notes.list_notes"
	opSearch        = "notes.search"
)

var (
	errNoteNotFound     = errors.New("note not found")
	errNoteInConflict   = errors.New("note has an unresolved conflict")
	errEmptyPatch       = errors.New("patch changes nothing")
	errWorkspaceMissing = errors.New("workspace not found")
)

// CreateNote stores a new note, on the remote when reachable and in the queue otherwise.
func (s *Service) CreateNote(ctx context.Context, draft NoteDraft) (store.Note, error) {
	if err := s.validateInput(opCreateNote, draft); err != nil {
		return store.Note{}, err
	}
	workspace, err := s.resolveWorkspace(ctx, opCreateNote, draft.WorkspaceID)
	if err != nil {
		return store.Note{}, err
	}
	localID, err := s.newLocalID(opCreateNote)
	if err != nil {
		return store.Note{}, err
	}

	now := s.now()
	input := remote.NoteInput{
		ClientID:    localID,
		Title:       draft.Title,
		Content:     draft.Content,
		Tags:        store.NormalizeTags(draft.Tags),
		WorkspaceID: workspace.WorkspaceID,
		IsStarred:   draft.IsStarred,
		UpdatedAt:   now,
	}

	noteID := localID
	_, err = s.apply(ctx, mutation{
		operation:   opCreateNote,
		entityType:  queue.EntityNote,
		remoteReady: workspace.LastSyncedAtMillis != nil,
		attemptRemote: func(ctx context.Context) (commitFunc, error) {
			record, err := s.remote.CreateNote(ctx, input)
			if err != nil {
				return nil, err
			}
			noteID = record.ID
			return func(ctx context.Context, st *store.Store, _ *queue.Queue) error {
				note := store.Note{NoteID: record.ID, OwnerID: s.ownerID}
				syncengine.ApplyNoteRecord(&note, record)
				note.OwnerID = s.ownerID
				note.SyncStatus = store.SyncStatusSynced
				return st.PutNote(ctx, &note)
			}, nil
		},
		persistLocalAndEnqueue: func(ctx context.Context, st *store.Store, q *queue.Queue) error {
			noteID = localID
			note := store.Note{
				NoteID:          localID,
				OwnerID:         s.ownerID,
				WorkspaceID:     workspace.WorkspaceID,
				Title:           input.Title,
				Content:         input.Content,
				IsStarred:       input.IsStarred,
				CreatedAtMillis: store.ToMillis(now),
				UpdatedAtMillis: store.ToMillis(now),
				SyncStatus:      store.SyncStatusPending,
			}
			note.SetTags(input.Tags)
			if err := st.PutNote(ctx, &note); err != nil {
				return err
			}
			queued := input
			queued.ClientID = ""
			_, err := q.Enqueue(ctx, queue.KindCreate, queue.EntityNote, localID, queued)
			return err
		},
	})
	if err != nil {
		return store.Note{}, err
	}
	return s.reloadNote(ctx, opCreateNote, noteID)
}

// UpdateNote applies patch to a live note.
func (s *Service) UpdateNote(ctx context.Context, noteID string, patch NotePatch) (store.Note, error) {
	if err := s.validateInput(opUpdateNote, patch); err != nil {
		return store.Note{}, err
	}
	if patch.Empty() {
		return store.Note{}, failure.Validation(opUpdateNote, "empty_patch", errEmptyPatch)
	}
	if patch.Tags != nil {
		if err := s.validate.Var(*patch.Tags, "max=64,dive,required,max=64"); err != nil {
			return store.Note{}, failure.Validation(opUpdateNote, "invalid_input", err)
		}
	}
	note, err := s.liveNote(ctx, opUpdateNote, noteID)
	if err != nil {
		return store.Note{}, err
	}
	if note.SyncStatus == store.SyncStatusConflict {
		return store.Note{}, failure.Validation(opUpdateNote, "note_in_conflict", errNoteInConflict)
	}

	targetWorkspaceID := note.WorkspaceID
	if patch.WorkspaceID != nil {
		targetWorkspaceID = *patch.WorkspaceID
	}
	workspace, err := s.resolveWorkspace(ctx, opUpdateNote, targetWorkspaceID)
	if err != nil {
		return store.Note{}, err
	}

	now := s.now()
	input, changed := patchedInput(note, patch)
	input.WorkspaceID = workspace.WorkspaceID
	input.UpdatedAt = now
	input.BaseUpdatedAt = note.LastSyncedAt()
	input.ChangedFields = changed

	_, err = s.apply(ctx, mutation{
		operation:   opUpdateNote,
		entityType:  queue.EntityNote,
		entityID:    note.NoteID,
		remoteReady: note.LastSyncedAtMillis != nil && workspace.LastSyncedAtMillis != nil,
		attemptRemote: func(ctx context.Context) (commitFunc, error) {
			record, err := s.remote.UpdateNote(ctx, note.NoteID, input)
			if err != nil {
				return nil, err
			}
			return func(ctx context.Context, st *store.Store, _ *queue.Queue) error {
				current, err := st.GetNote(ctx, note.NoteID)
				if err != nil {
					return err
				}
				syncengine.ApplyNoteRecord(&current, record)
				current.SyncStatus = store.SyncStatusSynced
				return st.PutNote(ctx, &current)
			}, nil
		},
		persistLocalAndEnqueue: func(ctx context.Context, st *store.Store, q *queue.Queue) error {
			current, err := st.GetNote(ctx, note.NoteID)
			if err != nil {
				return err
			}
			queued := input
			if existing, found, err := q.FindByEntity(ctx, queue.EntityNote, note.NoteID); err != nil {
				return err
			} else if found && existing.Kind == queue.KindUpdate {
				var pending remote.NoteInput
				if err := existing.DecodePayload(&pending); err == nil {
					queued.ChangedFields = unionFields(pending.ChangedFields, queued.ChangedFields)
				}
			}
			current.Title = queued.Title
			current.Content = queued.Content
			current.SetTags(queued.Tags)
			current.WorkspaceID = queued.WorkspaceID
			current.IsStarred = queued.IsStarred
			current.UpdatedAtMillis = store.ToMillis(now)
			current.SyncStatus = store.SyncStatusPending
			if err := st.PutNote(ctx, &current); err != nil {
				return err
			}
			_, err = q.Enqueue(ctx, queue.KindUpdate, queue.EntityNote, note.NoteID, queued)
			return err
		},
	})
	if err != nil {
		return store.Note{}, err
	}
	return s.reloadNote(ctx, opUpdateNote, note.NoteID)
}

// DeleteNote removes a note. A note the remote never saw disappears locally at once.
func (s *Service) DeleteNote(ctx context.Context, noteID string) error {
	note, err := s.liveNote(ctx, opDeleteNote, noteID)
	if err != nil {
		return err
	}
	deleteInput := remote.DeleteInput{BaseUpdatedAt: deleteBase(note)}

	_, err = s.apply(ctx, mutation{
		operation:   opDeleteNote,
		entityType:  queue.EntityNote,
		entityID:    note.NoteID,
		remoteReady: note.LastSyncedAtMillis != nil && note.SyncStatus != store.SyncStatusConflict,
		attemptRemote: func(ctx context.Context) (commitFunc, error) {
			if err := s.remote.DeleteNote(ctx, note.NoteID, deleteInput); err != nil && !errors.Is(err, remote.ErrNotFound) {
				return nil, err
			}
			return func(ctx context.Context, st *store.Store, _ *queue.Queue) error {
				return st.PurgeNote(ctx, note.NoteID)
			}, nil
		},
		persistLocalAndEnqueue: func(ctx context.Context, st *store.Store, q *queue.Queue) error {
			if note.LastSyncedAtMillis == nil {
				if _, found, err := q.FindByEntity(ctx, queue.EntityNote, note.NoteID); err != nil {
					return err
				} else if !found {
					return st.PurgeNote(ctx, note.NoteID)
				}
			}
			outcome, err := q.Enqueue(ctx, queue.KindDelete, queue.EntityNote, note.NoteID, deleteInput)
			if err != nil {
				return err
			}
			if outcome.Cancelled {
				return st.PurgeNote(ctx, note.NoteID)
			}
			return st.SoftDeleteNote(ctx, note.NoteID, store.ToMillis(s.now()), store.SyncStatusPending)
		},
	})
	s.cache.dropNote(note.NoteID)
	return err
}

// DuplicateNote copies a note through CreateNote so it follows the same write policy.
func (s *Service) DuplicateNote(ctx context.Context, noteID string) (store.Note, error) {
	source, err := s.liveNote(ctx, opDuplicateNote, noteID)
	if err != nil {
		return store.Note{}, err
	}
	return s.CreateNote(ctx, NoteDraft{
		Title:       source.Title,
		Content:     source.Content,
		Tags:        source.Tags(),
		WorkspaceID: source.WorkspaceID,
		IsStarred:   source.IsStarred,
	})
}

// GetNote returns a note through the read cache. Deleted notes are hidden unless in conflict.
func (s *Service) GetNote(ctx context.Context, noteID string) (store.Note, error) {
	if note, ok := s.cache.note(noteID); ok {
		return note, nil
	}
	note, err := s.store.GetNote(ctx, noteID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Note{}, failure.Validation(opGetNote, "note_not_found", err)
	}
	if err != nil {
		return store.Note{}, err
	}
	if note.OwnerID != s.ownerID || (note.IsDeleted && note.SyncStatus != store.SyncStatusConflict) {
		return store.Note{}, failure.Validation(opGetNote, "note_not_found", fmt.Errorf("%w: %s", errNoteNotFound, noteID))
	}
	s.cache.putNote(note)
	return note, nil
}

// ListNotes returns the live notes of a workspace, or of every workspace when empty.
func (s *Service) ListNotes(ctx context.Context, workspaceID string) ([]store.Note, error) {
	notes, err := s.store.ListNotes(ctx, store.NoteFilter{OwnerID: s.ownerID, WorkspaceID: workspaceID})
	if err != nil {
		s.logError(opListNotes, "query_failed", err, zap.String("workspace_id", workspaceID))
		return nil, err
	}
	for _, note := range notes {
		s.cache.putNote(note)
	}
	return notes, nil
}

// Search matches query against titles, content and tags, newest first.
func (s *Service) Search(ctx context.Context, query, workspaceID string) ([]store.Note, error) {
	notes, err := s.store.SearchNotes(ctx, s.ownerID, query, workspaceID)
	if err != nil {
		s.logError(opSearch, "query_failed", err, zap.String("workspace_id", workspaceID))
		return nil, err
	}
	return notes, nil
}

// liveNote loads a note from the store, bypassing the cache.
func (s *Service) liveNote(ctx context.Context, operation, rawID string) (store.Note, error) {
	noteID, err := normalizeIdentifier(rawID, ErrInvalidNoteID)
	if err != nil {
		return store.Note{}, failure.Validation(operation, "invalid_note_id", err)
	}
	note, err := s.store.GetNote(ctx, noteID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Note{}, failure.Validation(operation, "note_not_found", err)
	}
	if err != nil {
		return store.Note{}, err
	}
	if note.OwnerID != s.ownerID || note.IsDeleted {
		return store.Note{}, failure.Validation(operation, "note_not_found", fmt.Errorf("%w: %s", errNoteNotFound, noteID))
	}
	return note, nil
}

func (s *Service) reloadNote(ctx context.Context, operation, noteID string) (store.Note, error) {
	note, err := s.store.GetNote(ctx, noteID)
	if err != nil {
		s.logError(operation, "reload_failed", err, zap.String("note_id", noteID))
		s.cache.dropNote(noteID)
		return store.Note{}, err
	}
	s.cache.putNote(note)
	return note, nil
}

// resolveWorkspace returns the live workspace a note may reference. An empty id
// selects the owner's default workspace, creating it when none exists.
func (s *Service) resolveWorkspace(ctx context.Context, operation, workspaceID string) (store.Workspace, error) {
	if workspaceID == "" {
		return s.EnsureDefaultWorkspace(ctx)
	}
	workspace, err := s.store.GetWorkspace(ctx, workspaceID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Workspace{}, failure.Validation(operation, "unknown_workspace", err)
	}
	if err != nil {
		return store.Workspace{}, err
	}
	if workspace.OwnerID != s.ownerID || workspace.IsDeleted {
		return store.Workspace{}, failure.Validation(operation, "unknown_workspace", fmt.Errorf("%w: %s", errWorkspaceMissing, workspaceID))
	}
	return workspace, nil
}

// deleteBase is the server version a delete is issued against. Deleting a conflicted
// note acknowledges the server copy the user was shown.
func deleteBase(note store.Note) *time.Time {
	if note.SyncStatus == store.SyncStatusConflict && note.ServerVersionJSON != "" {
		var server remote.NoteRecord
		if err := json.Unmarshal([]byte(note.ServerVersionJSON), &server); err == nil && !server.UpdatedAt.IsZero() {
			base := server.UpdatedAt.UTC()
			return &base
		}
	}
	return note.LastSyncedAt()
}

// patchedInput merges patch over note and lists the fields that changed.
func patchedInput(note store.Note, patch NotePatch) (remote.NoteInput, []string) {
	input := remote.NoteInput{
		Title:       note.Title,
		Content:     note.Content,
		Tags:        note.Tags(),
		WorkspaceID: note.WorkspaceID,
		IsStarred:   note.IsStarred,
	}
	var changed []string
	if patch.Title != nil {
		input.Title = *patch.Title
		changed = append(changed, remote.FieldTitle)
	}
	if patch.Content != nil {
		input.Content = *patch.Content
		changed = append(changed, remote.FieldContent)
	}
	if patch.Tags != nil {
		input.Tags = store.NormalizeTags(*patch.Tags)
		changed = append(changed, remote.FieldTags)
	}
	if patch.WorkspaceID != nil {
		input.WorkspaceID = *patch.WorkspaceID
		changed = append(changed, remote.FieldWorkspaceID)
	}
	if patch.IsStarred != nil {
		input.IsStarred = *patch.IsStarred
		changed = append(changed, remote.FieldStarred)
	}
	return input, changed
}

// unionFields merges two changed-field lists. An empty list means every field changed.
func unionFields(previous, next []string) []string {
	if len(previous) == 0 || len(next) == 0 {
		return nil
	}
	merged := append([]string(nil), previous...)
	for _, field := range next {
		seen := false
		for _, existing := range merged {
			if existing == field {
				seen = true
				break
			}
		}
		if !seen {
			merged = append(merged, field)
		}
	}
	return merged
}
