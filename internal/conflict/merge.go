package conflict

import (
	"slices"

	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/remote"
)

// MergeFunc combines the client's parked change with the server record.
// The returned input replaces the note's fields and is pushed as an update.
type MergeFunc func(local remote.NoteInput, server remote.NoteRecord) remote.NoteInput

// LastWriterWins keeps the server's fields unless the client change is at least as
// recent, in which case only the fields the client changed are taken from it.
func LastWriterWins(local remote.NoteInput, server remote.NoteRecord) remote.NoteInput {
	merged := inputFromRecord(server)

	clientWins := false
	switch {
	case local.UpdatedAt.After(server.UpdatedAt):
		clientWins = true
	case local.UpdatedAt.Before(server.UpdatedAt):
		clientWins = false
	default:
		clientWins = true
	}
	if !clientWins {
		return merged
	}

	if local.Changed(remote.FieldTitle) {
		merged.Title = local.Title
	}
	if local.Changed(remote.FieldContent) {
		merged.Content = local.Content
	}
	if local.Changed(remote.FieldTags) {
		merged.Tags = append([]string(nil), local.Tags...)
	}
	if local.Changed(remote.FieldWorkspaceID) && local.WorkspaceID != "" {
		merged.WorkspaceID = local.WorkspaceID
	}
	if local.Changed(remote.FieldStarred) {
		merged.IsStarred = local.IsStarred
	}
	merged.UpdatedAt = local.UpdatedAt
	return merged
}

func inputFromRecord(record remote.NoteRecord) remote.NoteInput {
	return remote.NoteInput{
		Title:       record.Title,
		Content:     record.Content,
		Tags:        append([]string(nil), record.Tags...),
		WorkspaceID: record.WorkspaceID,
		IsStarred:   record.IsStarred,
		UpdatedAt:   record.UpdatedAt,
	}
}

func matchesRecord(input remote.NoteInput, record remote.NoteRecord) bool {
	return input.Title == record.Title &&
		input.Content == record.Content &&
		slices.Equal(input.Tags, record.Tags) &&
		input.WorkspaceID == record.WorkspaceID &&
		input.IsStarred == record.IsStarred
}
