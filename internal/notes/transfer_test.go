package notes

import (
	"context"
	"encoding/json"
	"slices"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/queue"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/store"
)

func TestExportImportRoundTrip(t *testing.T) {
	source := newFixture(t, false)
	ctx := context.Background()
	work := mustCreateWorkspace(t, source.service, "Work")
	side := mustCreateWorkspace(t, source.service, "Side")
	mustCreateNote(t, source.service, NoteDraft{Title: "Roadmap", Tags: []string{"q3"}, WorkspaceID: work.WorkspaceID, IsStarred: true})
	mustCreateNote(t, source.service, NoteDraft{Title: "Side note", WorkspaceID: side.WorkspaceID})
	discarded := mustCreateNote(t, source.service, NoteDraft{Title: "Discarded", WorkspaceID: side.WorkspaceID})
	if err := source.service.DeleteNote(ctx, discarded.NoteID); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}

	document, err := source.service.Export(ctx)
	if err != nil {
		t.Fatalf("unexpected export error: %v", err)
	}
	if len(document.Workspaces) != 2 || len(document.Notes) != 2 {
		t.Fatalf("expected 2 workspaces and 2 notes, got %d and %d", len(document.Workspaces), len(document.Notes))
	}
	encoded, err := json.Marshal(document)
	if err != nil {
		t.Fatalf("failed to encode export: %v", err)
	}
	decoded, err := DecodeExport(encoded)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}

	target := newFixture(t, false)
	target.clock.Advance(time.Hour)
	result, err := target.service.Import(ctx, decoded)
	if err != nil {
		t.Fatalf("unexpected import error: %v", err)
	}
	if result != (ImportResult{Notes: 2, Workspaces: 2}) {
		t.Fatalf("unexpected import result %+v", result)
	}

	workspaces, err := target.service.ListWorkspaces(ctx)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	names := make(map[string]store.Workspace, len(workspaces))
	for _, workspace := range workspaces {
		names[workspace.Name] = workspace
	}
	if !names["Work"].IsDefault || names["Side"].IsDefault {
		t.Fatalf("expected the exported default to carry over, got %+v", names)
	}
	sideNotes, err := target.service.ListNotes(ctx, names["Side"].WorkspaceID)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(sideNotes) != 1 || sideNotes[0].Title != "Side note" {
		t.Fatalf("expected the side note under the remapped workspace, got %+v", sideNotes)
	}
	if sideNotes[0].SyncStatus != store.SyncStatusPending || sideNotes[0].OwnerID != testOwner {
		t.Fatalf("expected pending note owned by the importer, got %+v", sideNotes[0])
	}
	workNotes, err := target.service.ListNotes(ctx, names["Work"].WorkspaceID)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(workNotes) != 1 || !workNotes[0].IsStarred || !slices.Equal(workNotes[0].Tags(), []string{"q3"}) {
		t.Fatalf("imported note lost fields: %+v", workNotes)
	}
	if workNotes[0].CreatedAtMillis != store.ToMillis(baseTime) {
		t.Fatalf("expected original creation time to survive, got %d", workNotes[0].CreatedAtMillis)
	}

	operations := target.operations(t)
	if len(operations) != 4 {
		t.Fatalf("expected four queued creates, got %d", len(operations))
	}
	for i, operation := range operations {
		if operation.Kind != queue.KindCreate {
			t.Fatalf("expected create at %d, got %s", i, operation.Kind)
		}
	}
	if operations[0].EntityType != queue.EntityWorkspace || operations[1].EntityType != queue.EntityWorkspace {
		t.Fatalf("expected workspaces to be queued before notes")
	}
	if target.notifier.Calls() != 1 {
		t.Fatalf("expected a single notification, got %d", target.notifier.Calls())
	}
}

func TestImportKeepsExistingDefault(t *testing.T) {
	f := newFixture(t, false)
	f.seedSyncedWorkspace(t)
	ctx := context.Background()

	document := ExportDocument{
		Workspaces: []ExportedWorkspace{{ID: "exported", Name: "Imported", IsDefault: true}},
		Notes:      []ExportedNote{{ID: "n1", Title: "Into existing", WorkspaceID: testWorkspace}},
		ExportedAt: baseTime,
	}
	if _, err := f.service.Import(ctx, document); err != nil {
		t.Fatalf("unexpected import error: %v", err)
	}

	defaultWorkspace, err := f.store.DefaultWorkspace(ctx, testOwner)
	if err != nil {
		t.Fatalf("unexpected default error: %v", err)
	}
	if defaultWorkspace.WorkspaceID != testWorkspace {
		t.Fatalf("expected existing default to win, got %s", defaultWorkspace.WorkspaceID)
	}
	notes, err := f.service.ListNotes(ctx, testWorkspace)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("expected note imported into the existing workspace, got %d", len(notes))
	}
}

func TestImportRejectsInvalidDocumentsWithoutWriting(t *testing.T) {
	testCases := []struct {
		name     string
		document ExportDocument
		code     string
	}{
		{
			name: "missing export time",
			document: ExportDocument{
				Workspaces: []ExportedWorkspace{{ID: "w", Name: "W"}},
			},
			code: "notes.import.invalid_input",
		},
		{
			name: "unknown workspace",
			document: ExportDocument{
				Workspaces: []ExportedWorkspace{{ID: "w", Name: "W"}},
				Notes:      []ExportedNote{{ID: "n", Title: "orphan", WorkspaceID: "nowhere"}},
				ExportedAt: baseTime,
			},
			code: "notes.import.unknown_workspace",
		},
		{
			name: "duplicate note",
			document: ExportDocument{
				Workspaces: []ExportedWorkspace{{ID: "w", Name: "W"}},
				Notes: []ExportedNote{
					{ID: "n", Title: "first", WorkspaceID: "w"},
					{ID: "n", Title: "second", WorkspaceID: "w"},
				},
				ExportedAt: baseTime,
			},
			code: "notes.import.duplicate_note_id",
		},
		{
			name: "duplicate workspace",
			document: ExportDocument{
				Workspaces: []ExportedWorkspace{{ID: "w", Name: "W"}, {ID: "w", Name: "W again"}},
				ExportedAt: baseTime,
			},
			code: "notes.import.duplicate_workspace_id",
		},
		{
			name: "nameless workspace",
			document: ExportDocument{
				Workspaces: []ExportedWorkspace{{ID: "w"}},
				ExportedAt: baseTime,
			},
			code: "notes.import.invalid_input",
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			f := newFixture(t, false)
			ctx := context.Background()

			_, err := f.service.Import(ctx, testCase.document)
			expectCode(t, err, testCase.code)

			workspaces, err := f.store.ListWorkspaces(ctx, testOwner, true)
			if err != nil {
				t.Fatalf("unexpected list error: %v", err)
			}
			notes, err := f.store.ListNotes(ctx, store.NoteFilter{OwnerID: testOwner, IncludeDeleted: true})
			if err != nil {
				t.Fatalf("unexpected list error: %v", err)
			}
			if len(workspaces) != 0 || len(notes) != 0 || len(f.operations(t)) != 0 {
				t.Fatalf("rejected import wrote data")
			}
		})
	}
}

func TestDecodeExportRejectsUnknownFields(t *testing.T) {
	_, err := DecodeExport([]byte(`{"notes":[],"workspaces":[],"exportedAt":"2026-03-01T09:00:00Z","extra":true}`))
	expectCode(t, err, "notes.decode_export.malformed_document")

	_, err = DecodeExport([]byte(`not json`))
	expectCode(t, err, "notes.decode_export.malformed_document")

	document, err := DecodeExport([]byte(`{"notes":[],"workspaces":[],"exportedAt":"2026-03-01T09:00:00Z"}`))
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if !document.ExportedAt.Equal(baseTime) {
		t.Fatalf("unexpected export time %v", document.ExportedAt)
	}
}
