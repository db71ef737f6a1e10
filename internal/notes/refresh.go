package notes

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/failure"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/queue"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/remote"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/store"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/syncengine"
	"go.uber.org/zap"
)

const opRefresh = "notes.refresh"

var errOffline = errors.New("remote is unreachable")

// Refresh pulls the canonical workspaces and notes from the remote. Records with queued
// changes or an unresolved conflict are left alone; synced records the remote no longer
// has are purged.
func (s *Service) Refresh(ctx context.Context) (RefreshResult, error) {
	if !s.online() {
		return RefreshResult{}, failure.New(failure.KindTransport, opRefresh, "offline", errOffline)
	}
	workspaceRecords, err := s.remote.ListWorkspaces(ctx)
	if err != nil {
		s.logError(opRefresh, "list_workspaces_failed", err)
		return RefreshResult{}, failure.New(failure.KindTransport, opRefresh, "list_workspaces_failed", err)
	}
	noteRecords := make(map[string][]remote.NoteRecord, len(workspaceRecords))
	for _, workspace := range workspaceRecords {
		records, err := s.remote.ListNotes(ctx, workspace.ID)
		if err != nil {
			s.logError(opRefresh, "list_notes_failed", err, zap.String("workspace_id", workspace.ID))
			return RefreshResult{}, failure.New(failure.KindTransport, opRefresh, "list_notes_failed", err)
		}
		noteRecords[workspace.ID] = records
	}

	var result RefreshResult
	err = s.inTx(ctx, func(ctx context.Context, st *store.Store, q *queue.Queue) error {
		result = RefreshResult{}
		remoteWorkspaces := make(map[string]struct{}, len(workspaceRecords))
		remoteNotes := make(map[string]struct{})
		for _, record := range workspaceRecords {
			remoteWorkspaces[record.ID] = struct{}{}
			adopted, err := s.refreshWorkspace(ctx, st, q, record)
			if err != nil {
				return err
			}
			if adopted {
				result.Workspaces++
			} else {
				result.Skipped++
			}
			for _, noteRecord := range noteRecords[record.ID] {
				remoteNotes[noteRecord.ID] = struct{}{}
				outcome, err := s.refreshNote(ctx, st, q, noteRecord)
				if err != nil {
					return err
				}
				switch outcome {
				case refreshAdopted:
					result.Notes++
				case refreshPurged:
					result.Purged++
				case refreshSkipped:
					result.Skipped++
				}
			}
		}
		purged, err := s.purgeVanished(ctx, st, remoteWorkspaces, remoteNotes)
		result.Purged += purged
		return err
	})
	if err != nil {
		s.logError(opRefresh, "apply_failed", err)
		return RefreshResult{}, err
	}
	s.cache.reset()
	s.loggerOrDefault().Info("refresh finished",
		zap.Int("workspaces", result.Workspaces),
		zap.Int("notes", result.Notes),
		zap.Int("purged", result.Purged),
		zap.Int("skipped", result.Skipped))
	return result, nil
}

type refreshOutcome int

const (
	refreshAdopted refreshOutcome = iota
	refreshPurged
	refreshSkipped
)

func (s *Service) refreshWorkspace(ctx context.Context, st *store.Store, q *queue.Queue, record remote.WorkspaceRecord) (bool, error) {
	_, queued, err := q.FindByEntity(ctx, queue.EntityWorkspace, record.ID)
	if err != nil || queued {
		return false, err
	}
	record.OwnerID = s.ownerID
	return true, syncengine.AdoptWorkspace(ctx, st, record.ID, record)
}

func (s *Service) refreshNote(ctx context.Context, st *store.Store, q *queue.Queue, record remote.NoteRecord) (refreshOutcome, error) {
	if _, queued, err := q.FindByEntity(ctx, queue.EntityNote, record.ID); err != nil {
		return refreshSkipped, err
	} else if queued {
		return refreshSkipped, nil
	}
	note, err := st.GetNote(ctx, record.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		note = store.Note{NoteID: record.ID, OwnerID: s.ownerID}
	case err != nil:
		return refreshSkipped, err
	case note.SyncStatus == store.SyncStatusConflict || note.SyncStatus == store.SyncStatusPending:
		return refreshSkipped, nil
	}
	if record.IsDeleted {
		if err := st.PurgeNote(ctx, record.ID); err != nil {
			return refreshSkipped, err
		}
		return refreshPurged, nil
	}
	syncengine.ApplyNoteRecord(&note, record)
	note.OwnerID = s.ownerID
	note.SyncStatus = store.SyncStatusSynced
	return refreshAdopted, st.PutNote(ctx, &note)
}

// purgeVanished removes synced local records the remote no longer lists.
func (s *Service) purgeVanished(ctx context.Context, st *store.Store, remoteWorkspaces, remoteNotes map[string]struct{}) (int, error) {
	purged := 0
	notes, err := st.ListNotes(ctx, store.NoteFilter{OwnerID: s.ownerID, SyncStatus: store.SyncStatusSynced, IncludeDeleted: true})
	if err != nil {
		return 0, err
	}
	for _, note := range notes {
		if _, listed := remoteNotes[note.NoteID]; listed {
			continue
		}
		if err := st.PurgeNote(ctx, note.NoteID); err != nil {
			return purged, err
		}
		purged++
	}
	workspaces, err := st.ListWorkspaces(ctx, s.ownerID, true)
	if err != nil {
		return purged, err
	}
	for _, workspace := range workspaces {
		if workspace.SyncStatus != store.SyncStatusSynced {
			continue
		}
		if _, listed := remoteWorkspaces[workspace.WorkspaceID]; listed {
			continue
		}
		remaining, err := st.ListNotes(ctx, store.NoteFilter{OwnerID: s.ownerID, WorkspaceID: workspace.WorkspaceID, IncludeDeleted: true})
		if err != nil {
			return purged, err
		}
		if len(remaining) > 0 {
			continue
		}
		if err := st.PurgeWorkspace(ctx, workspace.WorkspaceID); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}
