package notes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/failure"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/queue"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/remote"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/store"
	"go.uber.org/zap"
)

const (
	opExport       = "notes.export"
	opImport       = "notes.import"
	opDecodeExport = "notes.decode_export"
)

var (
	errDuplicateRecordID = errors.New("duplicate record id")
	errUnknownReference  = errors.New("note references an unknown workspace")
)

// DecodeExport parses an export document strictly. Unknown fields are rejected.
func DecodeExport(data []byte) (ExportDocument, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	var document ExportDocument
	if err := decoder.Decode(&document); err != nil {
		return ExportDocument{}, failure.Validation(opDecodeExport, "malformed_document", err)
	}
	return document, nil
}

// Export snapshots the owner's live notes and workspaces.
func (s *Service) Export(ctx context.Context) (ExportDocument, error) {
	workspaces, err := s.store.ListWorkspaces(ctx, s.ownerID, false)
	if err != nil {
		s.logError(opExport, "query_failed", err)
		return ExportDocument{}, err
	}
	notes, err := s.store.ListNotes(ctx, store.NoteFilter{OwnerID: s.ownerID})
	if err != nil {
		s.logError(opExport, "query_failed", err)
		return ExportDocument{}, err
	}

	document := ExportDocument{
		Notes:      make([]ExportedNote, 0, len(notes)),
		Workspaces: make([]ExportedWorkspace, 0, len(workspaces)),
		ExportedAt: s.now(),
	}
	for _, workspace := range workspaces {
		document.Workspaces = append(document.Workspaces, ExportedWorkspace{
			ID:        workspace.WorkspaceID,
			Name:      workspace.Name,
			IsDefault: workspace.IsDefault,
			CreatedAt: store.FromMillis(workspace.CreatedAtMillis),
			UpdatedAt: workspace.UpdatedAt(),
		})
	}
	for _, note := range notes {
		document.Notes = append(document.Notes, ExportedNote{
			ID:          note.NoteID,
			Title:       note.Title,
			Content:     note.Content,
			Tags:        note.Tags(),
			WorkspaceID: note.WorkspaceID,
			IsStarred:   note.IsStarred,
			CreatedAt:   note.CreatedAt(),
			UpdatedAt:   note.UpdatedAt(),
		})
	}
	return document, nil
}

// Import adds every record of document under fresh local ids owned by this façade's
// owner. Nothing is written unless the whole document is valid.
func (s *Service) Import(ctx context.Context, document ExportDocument) (ImportResult, error) {
	if err := s.validateInput(opImport, document); err != nil {
		return ImportResult{}, err
	}
	if err := s.checkImportReferences(ctx, document); err != nil {
		return ImportResult{}, err
	}

	_, defaultErr := s.store.DefaultWorkspace(ctx, s.ownerID)
	hasDefault := defaultErr == nil
	if defaultErr != nil && !errors.Is(defaultErr, store.ErrNotFound) {
		return ImportResult{}, defaultErr
	}

	workspaceIDs := make(map[string]string, len(document.Workspaces))
	for _, workspace := range document.Workspaces {
		localID, err := s.newLocalID(opImport)
		if err != nil {
			return ImportResult{}, err
		}
		workspaceIDs[workspace.ID] = localID
	}
	noteIDs := make([]string, len(document.Notes))
	for i := range document.Notes {
		localID, err := s.newLocalID(opImport)
		if err != nil {
			return ImportResult{}, err
		}
		noteIDs[i] = localID
	}

	now := s.now()
	err := s.inTx(ctx, func(ctx context.Context, st *store.Store, q *queue.Queue) error {
		for _, exported := range document.Workspaces {
			isDefault := exported.IsDefault && !hasDefault
			if isDefault {
				hasDefault = true
			}
			workspace := store.Workspace{
				WorkspaceID:     workspaceIDs[exported.ID],
				OwnerID:         s.ownerID,
				Name:            exported.Name,
				IsDefault:       isDefault,
				CreatedAtMillis: createdMillis(exported.CreatedAt, now),
				UpdatedAtMillis: store.ToMillis(now),
				SyncStatus:      store.SyncStatusPending,
			}
			if err := st.PutWorkspace(ctx, &workspace); err != nil {
				return err
			}
			input := remote.WorkspaceInput{Name: workspace.Name, IsDefault: workspace.IsDefault}
			if _, err := q.Enqueue(ctx, queue.KindCreate, queue.EntityWorkspace, workspace.WorkspaceID, input); err != nil {
				return err
			}
		}
		for i, exported := range document.Notes {
			workspaceID, remapped := workspaceIDs[exported.WorkspaceID]
			if !remapped {
				workspaceID = exported.WorkspaceID
			}
			note := store.Note{
				NoteID:          noteIDs[i],
				OwnerID:         s.ownerID,
				WorkspaceID:     workspaceID,
				Title:           exported.Title,
				Content:         exported.Content,
				IsStarred:       exported.IsStarred,
				CreatedAtMillis: createdMillis(exported.CreatedAt, now),
				UpdatedAtMillis: store.ToMillis(now),
				SyncStatus:      store.SyncStatusPending,
			}
			note.SetTags(exported.Tags)
			if err := st.PutNote(ctx, &note); err != nil {
				return err
			}
			input := remote.NoteInput{
				Title:       note.Title,
				Content:     note.Content,
				Tags:        note.Tags(),
				WorkspaceID: workspaceID,
				IsStarred:   note.IsStarred,
				UpdatedAt:   now,
			}
			if _, err := q.Enqueue(ctx, queue.KindCreate, queue.EntityNote, note.NoteID, input); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logError(opImport, "persist_failed", err)
		return ImportResult{}, err
	}

	s.cache.reset()
	s.metrics.TrackWrite(string(queue.EntityWorkspace), writePathQueued)
	s.metrics.TrackWrite(string(queue.EntityNote), writePathQueued)
	s.notify(ctx)
	result := ImportResult{Notes: len(document.Notes), Workspaces: len(document.Workspaces)}
	s.loggerOrDefault().Info("import finished",
		zap.Int("notes", result.Notes),
		zap.Int("workspaces", result.Workspaces))
	return result, nil
}

// checkImportReferences rejects duplicate ids and notes whose workspace is neither in
// the document nor a live local workspace of the owner.
func (s *Service) checkImportReferences(ctx context.Context, document ExportDocument) error {
	workspaces := make(map[string]struct{}, len(document.Workspaces))
	for _, workspace := range document.Workspaces {
		if _, duplicate := workspaces[workspace.ID]; duplicate {
			return failure.Validation(opImport, "duplicate_workspace_id", fmt.Errorf("%w: %s", errDuplicateRecordID, workspace.ID))
		}
		workspaces[workspace.ID] = struct{}{}
	}
	notes := make(map[string]struct{}, len(document.Notes))
	for _, note := range document.Notes {
		if _, duplicate := notes[note.ID]; duplicate {
			return failure.Validation(opImport, "duplicate_note_id", fmt.Errorf("%w: %s", errDuplicateRecordID, note.ID))
		}
		notes[note.ID] = struct{}{}
		if _, inDocument := workspaces[note.WorkspaceID]; inDocument {
			continue
		}
		local, err := s.store.GetWorkspace(ctx, note.WorkspaceID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && (local.OwnerID != s.ownerID || local.IsDeleted)) {
			return failure.Validation(opImport, "unknown_workspace", fmt.Errorf("%w: %s", errUnknownReference, note.WorkspaceID))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func createdMillis(createdAt, now time.Time) int64 {
	if createdAt.IsZero() {
		return store.ToMillis(now)
	}
	return store.ToMillis(createdAt)
}
