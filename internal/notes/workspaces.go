package notes

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/failure"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/queue"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/remote"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/store"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/syncengine"
	"go.uber.org/zap"
)

const (
	opCreateWorkspace = "notes.create_workspace"
	opUpdateWorkspace = "notes.update_workspace"
	opDeleteWorkspace = "notes.delete_workspace"
	opEnsureDefault   = "notes.ensure_default_workspace"
	opListWorkspaces  = "notes.list_workspaces"
	opGetWorkspace    = "notes.get_workspace"
	opSearchWorkspace = "notes.search_workspaces"

	defaultWorkspaceName = "Personal"
)

var (
	errDefaultRequired = errors.New("exactly one default workspace is required")
	errWorkspaceInUse  = errors.New("workspace still contains notes")
)

// CreateWorkspace stores a new workspace. The owner's first workspace becomes the default.
func (s *Service) CreateWorkspace(ctx context.Context, draft WorkspaceDraft) (store.Workspace, error) {
	if err := s.validateInput(opCreateWorkspace, draft); err != nil {
		return store.Workspace{}, err
	}
	existing, err := s.store.ListWorkspaces(ctx, s.ownerID, false)
	if err != nil {
		return store.Workspace{}, err
	}
	isDefault := draft.IsDefault || len(existing) == 0

	localID, err := s.newLocalID(opCreateWorkspace)
	if err != nil {
		return store.Workspace{}, err
	}
	now := s.now()
	input := remote.WorkspaceInput{ClientID: localID, Name: draft.Name, IsDefault: isDefault}

	workspaceID := localID
	_, err = s.apply(ctx, mutation{
		operation:   opCreateWorkspace,
		entityType:  queue.EntityWorkspace,
		remoteReady: true,
		attemptRemote: func(ctx context.Context) (commitFunc, error) {
			record, err := s.remote.CreateWorkspace(ctx, input)
			if err != nil {
				return nil, err
			}
			workspaceID = record.ID
			record.OwnerID = s.ownerID
			return func(ctx context.Context, st *store.Store, _ *queue.Queue) error {
				return syncengine.AdoptWorkspace(ctx, st, record.ID, record)
			}, nil
		},
		persistLocalAndEnqueue: func(ctx context.Context, st *store.Store, q *queue.Queue) error {
			workspaceID = localID
			workspace := store.Workspace{
				WorkspaceID:     localID,
				OwnerID:         s.ownerID,
				Name:            draft.Name,
				IsDefault:       isDefault,
				CreatedAtMillis: store.ToMillis(now),
				UpdatedAtMillis: store.ToMillis(now),
				SyncStatus:      store.SyncStatusPending,
			}
			if err := st.PutWorkspace(ctx, &workspace); err != nil {
				return err
			}
			if isDefault {
				if err := st.ClearDefaultWorkspaces(ctx, s.ownerID, localID); err != nil {
					return err
				}
			}
			queued := input
			queued.ClientID = ""
			_, err := q.Enqueue(ctx, queue.KindCreate, queue.EntityWorkspace, localID, queued)
			return err
		},
	})
	if err != nil {
		return store.Workspace{}, err
	}
	return s.reloadWorkspace(ctx, opCreateWorkspace, workspaceID)
}

// UpdateWorkspace renames a workspace or makes it the default.
func (s *Service) UpdateWorkspace(ctx context.Context, workspaceID string, patch WorkspacePatch) (store.Workspace, error) {
	if err := s.validateInput(opUpdateWorkspace, patch); err != nil {
		return store.Workspace{}, err
	}
	if patch.Name == nil && patch.IsDefault == nil {
		return store.Workspace{}, failure.Validation(opUpdateWorkspace, "empty_patch", errEmptyPatch)
	}
	workspace, err := s.liveWorkspace(ctx, opUpdateWorkspace, workspaceID)
	if err != nil {
		return store.Workspace{}, err
	}
	if patch.IsDefault != nil && !*patch.IsDefault && workspace.IsDefault {
		return store.Workspace{}, failure.Validation(opUpdateWorkspace, "default_required", errDefaultRequired)
	}

	input := remote.WorkspaceInput{
		Name:          workspace.Name,
		IsDefault:     workspace.IsDefault,
		BaseUpdatedAt: workspace.LastSyncedAt(),
	}
	if patch.Name != nil {
		input.Name = *patch.Name
	}
	if patch.IsDefault != nil {
		input.IsDefault = *patch.IsDefault
	}
	now := s.now()

	_, err = s.apply(ctx, mutation{
		operation:   opUpdateWorkspace,
		entityType:  queue.EntityWorkspace,
		entityID:    workspace.WorkspaceID,
		remoteReady: workspace.LastSyncedAtMillis != nil,
		attemptRemote: func(ctx context.Context) (commitFunc, error) {
			record, err := s.remote.UpdateWorkspace(ctx, workspace.WorkspaceID, input)
			if err != nil {
				return nil, err
			}
			record.OwnerID = s.ownerID
			return func(ctx context.Context, st *store.Store, _ *queue.Queue) error {
				return syncengine.AdoptWorkspace(ctx, st, workspace.WorkspaceID, record)
			}, nil
		},
		persistLocalAndEnqueue: func(ctx context.Context, st *store.Store, q *queue.Queue) error {
			current, err := st.GetWorkspace(ctx, workspace.WorkspaceID)
			if err != nil {
				return err
			}
			current.Name = input.Name
			current.IsDefault = input.IsDefault
			current.UpdatedAtMillis = store.ToMillis(now)
			current.SyncStatus = store.SyncStatusPending
			if err := st.PutWorkspace(ctx, &current); err != nil {
				return err
			}
			if current.IsDefault {
				if err := st.ClearDefaultWorkspaces(ctx, s.ownerID, current.WorkspaceID); err != nil {
					return err
				}
			}
			_, err = q.Enqueue(ctx, queue.KindUpdate, queue.EntityWorkspace, current.WorkspaceID, input)
			return err
		},
	})
	if err != nil {
		return store.Workspace{}, err
	}
	if input.IsDefault {
		// Other workspaces lost their default flag.
		s.cache.reset()
	}
	return s.reloadWorkspace(ctx, opUpdateWorkspace, workspace.WorkspaceID)
}

// DeleteWorkspace removes an empty, non-default workspace.
func (s *Service) DeleteWorkspace(ctx context.Context, workspaceID string) error {
	workspace, err := s.liveWorkspace(ctx, opDeleteWorkspace, workspaceID)
	if err != nil {
		return err
	}
	if workspace.IsDefault {
		return failure.Validation(opDeleteWorkspace, "default_workspace", errDefaultRequired)
	}
	notes, err := s.store.ListNotes(ctx, store.NoteFilter{OwnerID: s.ownerID, WorkspaceID: workspace.WorkspaceID})
	if err != nil {
		return err
	}
	if len(notes) > 0 {
		return failure.Validation(opDeleteWorkspace, "workspace_not_empty", fmt.Errorf("%w: %d notes", errWorkspaceInUse, len(notes)))
	}

	_, err = s.apply(ctx, mutation{
		operation:   opDeleteWorkspace,
		entityType:  queue.EntityWorkspace,
		entityID:    workspace.WorkspaceID,
		remoteReady: workspace.LastSyncedAtMillis != nil,
		attemptRemote: func(ctx context.Context) (commitFunc, error) {
			if err := s.remote.DeleteWorkspace(ctx, workspace.WorkspaceID); err != nil && !errors.Is(err, remote.ErrNotFound) {
				return nil, err
			}
			return func(ctx context.Context, st *store.Store, _ *queue.Queue) error {
				return st.PurgeWorkspace(ctx, workspace.WorkspaceID)
			}, nil
		},
		persistLocalAndEnqueue: func(ctx context.Context, st *store.Store, q *queue.Queue) error {
			outcome, err := q.Enqueue(ctx, queue.KindDelete, queue.EntityWorkspace, workspace.WorkspaceID, nil)
			if err != nil {
				return err
			}
			if outcome.Cancelled {
				return st.PurgeWorkspace(ctx, workspace.WorkspaceID)
			}
			return st.SoftDeleteWorkspace(ctx, workspace.WorkspaceID, store.ToMillis(s.now()), store.SyncStatusPending)
		},
	})
	s.cache.dropWorkspace(workspace.WorkspaceID)
	if err == nil && s.Selection().WorkspaceID == workspace.WorkspaceID {
		s.SelectWorkspace("")
	}
	return err
}

// EnsureDefaultWorkspace returns the owner's default workspace, promoting or creating one.
func (s *Service) EnsureDefaultWorkspace(ctx context.Context) (store.Workspace, error) {
	workspace, err := s.store.DefaultWorkspace(ctx, s.ownerID)
	if err == nil {
		return workspace, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		s.logError(opEnsureDefault, "query_failed", err)
		return store.Workspace{}, err
	}
	existing, err := s.store.ListWorkspaces(ctx, s.ownerID, false)
	if err != nil {
		return store.Workspace{}, err
	}
	if len(existing) > 0 {
		promote := true
		s.loggerOrDefault().Info("promoting workspace to default", zap.String("workspace_id", existing[0].WorkspaceID))
		return s.UpdateWorkspace(ctx, existing[0].WorkspaceID, WorkspacePatch{IsDefault: &promote})
	}
	return s.CreateWorkspace(ctx, WorkspaceDraft{Name: defaultWorkspaceName, IsDefault: true})
}

// GetWorkspace returns a workspace through the read cache.
func (s *Service) GetWorkspace(ctx context.Context, workspaceID string) (store.Workspace, error) {
	if workspace, ok := s.cache.workspace(workspaceID); ok {
		return workspace, nil
	}
	workspace, err := s.liveWorkspace(ctx, opGetWorkspace, workspaceID)
	if err != nil {
		return store.Workspace{}, err
	}
	s.cache.putWorkspace(workspace)
	return workspace, nil
}

// ListWorkspaces returns the owner's live workspaces, default first.
func (s *Service) ListWorkspaces(ctx context.Context) ([]store.Workspace, error) {
	workspaces, err := s.store.ListWorkspaces(ctx, s.ownerID, false)
	if err != nil {
		s.logError(opListWorkspaces, "query_failed", err)
		return nil, err
	}
	for _, workspace := range workspaces {
		s.cache.putWorkspace(workspace)
	}
	return workspaces, nil
}

// SearchWorkspaces matches query against workspace names, newest first.
func (s *Service) SearchWorkspaces(ctx context.Context, query string) ([]store.Workspace, error) {
	workspaces, err := s.store.SearchWorkspaces(ctx, s.ownerID, query)
	if err != nil {
		s.logError(opSearchWorkspace, "query_failed", err)
		return nil, err
	}
	return workspaces, nil
}

func (s *Service) liveWorkspace(ctx context.Context, operation, rawID string) (store.Workspace, error) {
	workspaceID, err := normalizeIdentifier(rawID, ErrInvalidWorkspaceID)
	if err != nil {
		return store.Workspace{}, failure.Validation(operation, "invalid_workspace_id", err)
	}
	workspace, err := s.store.GetWorkspace(ctx, workspaceID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Workspace{}, failure.Validation(operation, "workspace_not_found", err)
	}
	if err != nil {
		return store.Workspace{}, err
	}
	if workspace.OwnerID != s.ownerID || workspace.IsDeleted {
		return store.Workspace{}, failure.Validation(operation, "workspace_not_found", fmt.Errorf("%w: %s", errWorkspaceMissing, workspaceID))
	}
	return workspace, nil
}

func (s *Service) reloadWorkspace(ctx context.Context, operation, workspaceID string) (store.Workspace, error) {
	workspace, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		s.logError(operation, "reload_failed", err, zap.String("workspace_id", workspaceID))
		s.cache.dropWorkspace(workspaceID)
		return store.Workspace{}, err
	}
	s.cache.putWorkspace(workspace)
	return workspace, nil
}
