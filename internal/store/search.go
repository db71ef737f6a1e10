package store

import (
	"context"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/failure"
	"go.uber.org/zap"
)

const (
	opSearchNotes       = "store.search_notes"
	opSearchWorkspaces  = "store.search_workspaces"
	opSearchAttachments = "store.search_attachments"
	opSearchRecordings  = "store.search_recordings"
)

// SearchNotes matches query case-insensitively against title, content and tags of the
// owner's live notes, optionally scoped to a workspace. Results are newest first, then by id.
// An empty query matches every note in scope.
func (s *Store) SearchNotes(ctx context.Context, ownerID, query, workspaceID string) ([]Note, error) {
	notes, err := s.ListNotes(ctx, NoteFilter{OwnerID: ownerID, WorkspaceID: workspaceID})
	if err != nil {
		return nil, reclassify(err, opSearchNotes)
	}
	needle := foldQuery(query)
	matches := make([]Note, 0, len(notes))
	for _, note := range notes {
		if needle == "" || noteMatches(note, needle) {
			matches = append(matches, note)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].UpdatedAtMillis != matches[j].UpdatedAtMillis {
			return matches[i].UpdatedAtMillis > matches[j].UpdatedAtMillis
		}
		return matches[i].NoteID < matches[j].NoteID
	})
	s.logger.Debug("notes searched",
		zap.String(fieldOwnerID, ownerID),
		zap.String(fieldWorkspaceID, workspaceID),
		zap.Int("matches", len(matches)))
	return matches, nil
}

// SearchWorkspaces matches query against workspace names.
func (s *Store) SearchWorkspaces(ctx context.Context, ownerID, query string) ([]Workspace, error) {
	workspaces, err := s.ListWorkspaces(ctx, ownerID, false)
	if err != nil {
		return nil, reclassify(err, opSearchWorkspaces)
	}
	needle := foldQuery(query)
	matches := make([]Workspace, 0, len(workspaces))
	for _, workspace := range workspaces {
		if needle == "" || strings.Contains(strings.ToLower(workspace.Name), needle) {
			matches = append(matches, workspace)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].UpdatedAtMillis != matches[j].UpdatedAtMillis {
			return matches[i].UpdatedAtMillis > matches[j].UpdatedAtMillis
		}
		return matches[i].WorkspaceID < matches[j].WorkspaceID
	})
	return matches, nil
}

// SearchAttachments matches query against file names of the owner's live attachments.
func (s *Store) SearchAttachments(ctx context.Context, ownerID, query string) ([]Attachment, error) {
	if s.db == nil {
		return nil, failure.Storage(opSearchAttachments, reasonMissingDatabase, errMissingDatabase)
	}
	var attachments []Attachment
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND is_deleted = ?", ownerID, false).
		Order("created_at_ms DESC").Order("attachment_id ASC").
		Find(&attachments).Error
	if err != nil {
		s.logError(opSearchAttachments, reasonQueryFailed, err, zap.String(fieldOwnerID, ownerID))
		return nil, failure.Storage(opSearchAttachments, reasonQueryFailed, err)
	}
	needle := foldQuery(query)
	matches := attachments[:0]
	for _, attachment := range attachments {
		if needle == "" || strings.Contains(strings.ToLower(attachment.FileName), needle) {
			matches = append(matches, attachment)
		}
	}
	return matches, nil
}

// SearchRecordings matches query against recording transcripts.
func (s *Store) SearchRecordings(ctx context.Context, ownerID, query string) ([]VoiceRecording, error) {
	recordings, err := s.ListRecordings(ctx, ownerID, "")
	if err != nil {
		return nil, reclassify(err, opSearchRecordings)
	}
	needle := foldQuery(query)
	matches := recordings[:0]
	for _, recording := range recordings {
		if needle == "" || strings.Contains(strings.ToLower(recording.Transcript), needle) {
			matches = append(matches, recording)
		}
	}
	return matches, nil
}

func noteMatches(note Note, needle string) bool {
	if strings.Contains(strings.ToLower(note.Title), needle) {
		return true
	}
	if strings.Contains(strings.ToLower(note.Content), needle) {
		return true
	}
	for _, tag := range note.Tags() {
		if strings.Contains(strings.ToLower(tag), needle) {
			return true
		}
	}
	return false
}

func foldQuery(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}

func reclassify(err error, operation string) error {
	if kind, ok := failure.KindOf(err); ok && kind == failure.KindStorage {
		return failure.Storage(operation, reasonQueryFailed, err)
	}
	return err
}
