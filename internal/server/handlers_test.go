package server

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/store"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/syncengine"
)

type notesResponse struct {
	Notes []noteView `json:"notes"`
}

func TestOfflineNoteSyncsThroughDrainEndpoint(t *testing.T) {
	f := newAPIFixture(t, false)

	recorder := f.do(t, http.MethodPost, "/v1/notes", notes.NoteDraft{Title: "Groceries", Content: "milk", WorkspaceID: testWorkspace})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected created, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var created noteView
	decodeBody(t, recorder, &created)
	if created.ID != "local-1" || created.SyncStatus != store.SyncStatusPending {
		t.Fatalf("expected pending local note, got %+v", created)
	}

	var status syncengine.Status
	decodeBody(t, f.do(t, http.MethodGet, "/v1/status", nil), &status)
	if status.IsOnline || status.PendingOperations != 1 {
		t.Fatalf("unexpected offline status %+v", status)
	}

	f.monitor.SetOnline(true)
	recorder = f.do(t, http.MethodPost, "/v1/sync", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected drain to succeed, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var result syncengine.Result
	decodeBody(t, recorder, &result)
	if result.Succeeded != 1 || result.Failed != 0 {
		t.Fatalf("unexpected drain result %+v", result)
	}

	var listed notesResponse
	decodeBody(t, f.do(t, http.MethodGet, "/v1/notes?workspaceId="+testWorkspace, nil), &listed)
	if len(listed.Notes) != 1 || listed.Notes[0].ID != "srv-1" || listed.Notes[0].SyncStatus != store.SyncStatusSynced {
		t.Fatalf("expected the synced server copy, got %+v", listed.Notes)
	}
	if listed.Notes[0].LastSyncedAt == nil {
		t.Fatalf("expected lastSyncedAt to be reported")
	}
}

func TestNoteReadAfterSyncSeesDrainedState(t *testing.T) {
	f := newAPIFixture(t, true)

	var created noteView
	decodeBody(t, f.do(t, http.MethodPost, "/v1/notes", notes.NoteDraft{Title: "Draft", WorkspaceID: testWorkspace}), &created)
	if created.SyncStatus != store.SyncStatusSynced {
		t.Fatalf("expected synced note online, got %+v", created)
	}

	f.monitor.SetOnline(false)
	title := "Edited offline"
	recorder := f.do(t, http.MethodPatch, "/v1/notes/"+created.ID, notes.NotePatch{Title: &title})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected offline edit to succeed, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var pending noteView
	decodeBody(t, f.do(t, http.MethodGet, "/v1/notes/"+created.ID, nil), &pending)
	if pending.SyncStatus != store.SyncStatusPending {
		t.Fatalf("expected pending note before sync, got %+v", pending)
	}

	f.monitor.SetOnline(true)
	if recorder := f.do(t, http.MethodPost, "/v1/sync", nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected drain to succeed, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var synced noteView
	decodeBody(t, f.do(t, http.MethodGet, "/v1/notes/"+created.ID, nil), &synced)
	if synced.SyncStatus != store.SyncStatusSynced || synced.Title != title {
		t.Fatalf("expected synced note right after sync, got %+v", synced)
	}
}

func TestOnlineNoteLifecycle(t *testing.T) {
	f := newAPIFixture(t, true)

	var created noteView
	decodeBody(t, f.do(t, http.MethodPost, "/v1/notes", notes.NoteDraft{Title: "Meeting", Content: "agenda", Tags: []string{"work"}}), &created)
	if created.ID != "srv-1" || created.WorkspaceID != testWorkspace || created.SyncStatus != store.SyncStatusSynced {
		t.Fatalf("expected remote-first create in the default workspace, got %+v", created)
	}

	title := "Weekly meeting"
	recorder := f.do(t, http.MethodPatch, "/v1/notes/"+created.ID, notes.NotePatch{Title: &title})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected update to succeed, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var updated noteView
	decodeBody(t, recorder, &updated)
	if updated.Title != title || updated.Content != "agenda" {
		t.Fatalf("unexpected updated note %+v", updated)
	}

	recorder = f.do(t, http.MethodPost, "/v1/notes/"+created.ID+"/duplicate", nil)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected duplicate to succeed, got %d: %s", recorder.Code, recorder.Body.String())
	}

	var found notesResponse
	decodeBody(t, f.do(t, http.MethodGet, "/v1/notes?q=weekly", nil), &found)
	if len(found.Notes) != 2 {
		t.Fatalf("expected original and duplicate to match, got %+v", found.Notes)
	}

	recorder = f.do(t, http.MethodDelete, "/v1/notes/"+created.ID, nil)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected delete to succeed, got %d: %s", recorder.Code, recorder.Body.String())
	}
	expectErrorCode(t, f.do(t, http.MethodGet, "/v1/notes/"+created.ID, nil), http.StatusNotFound, "notes.get_note.note_not_found")
}

func TestNoteHandlersRejectInvalidInput(t *testing.T) {
	f := newAPIFixture(t, true)

	request := httptest.NewRequest(http.MethodPost, "/v1/notes", bytes.NewBufferString("{"))
	request.Header.Set("Authorization", "Bearer "+f.token(t, testOwner))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	expectErrorCode(t, recorder, http.StatusBadRequest, "invalid_request")

	var created noteView
	decodeBody(t, f.do(t, http.MethodPost, "/v1/notes", notes.NoteDraft{Title: "Draft"}), &created)
	expectErrorCode(t, f.do(t, http.MethodPatch, "/v1/notes/"+created.ID, notes.NotePatch{}), http.StatusBadRequest, "notes.update_note.empty_patch")

	unknown := "missing"
	expectErrorCode(t, f.do(t, http.MethodPatch, "/v1/notes/missing", notes.NotePatch{Title: &unknown}), http.StatusNotFound, "notes.update_note.note_not_found")
}

func TestWorkspaceHandlers(t *testing.T) {
	f := newAPIFixture(t, true)

	recorder := f.do(t, http.MethodPost, "/v1/workspaces", notes.WorkspaceDraft{Name: "Work"})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected workspace create to succeed, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var work workspaceView
	decodeBody(t, recorder, &work)
	if work.IsDefault || work.Name != "Work" {
		t.Fatalf("unexpected workspace %+v", work)
	}

	isDefault := true
	recorder = f.do(t, http.MethodPatch, "/v1/workspaces/"+work.ID, notes.WorkspacePatch{IsDefault: &isDefault})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected default move to succeed, got %d: %s", recorder.Code, recorder.Body.String())
	}

	var listed struct {
		Workspaces []workspaceView `json:"workspaces"`
	}
	decodeBody(t, f.do(t, http.MethodGet, "/v1/workspaces", nil), &listed)
	defaults := 0
	for _, workspace := range listed.Workspaces {
		if workspace.IsDefault {
			defaults++
			if workspace.ID != work.ID {
				t.Fatalf("expected %s to be the default, got %s", work.ID, workspace.ID)
			}
		}
	}
	if len(listed.Workspaces) != 2 || defaults != 1 {
		t.Fatalf("expected exactly one default among two workspaces, got %+v", listed.Workspaces)
	}

	var searched struct {
		Workspaces []workspaceView `json:"workspaces"`
	}
	decodeBody(t, f.do(t, http.MethodGet, "/v1/workspaces?q=WOR", nil), &searched)
	if len(searched.Workspaces) != 1 || searched.Workspaces[0].ID != work.ID {
		t.Fatalf("expected search to find only %s, got %+v", work.ID, searched.Workspaces)
	}

	expectErrorCode(t, f.do(t, http.MethodDelete, "/v1/workspaces/"+work.ID, nil), http.StatusBadRequest, "notes.delete_workspace.default_workspace")
	recorder = f.do(t, http.MethodDelete, "/v1/workspaces/"+testWorkspace, nil)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected empty workspace delete to succeed, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestRecordingHandlers(t *testing.T) {
	f := newAPIFixture(t, false)

	recorder := f.do(t, http.MethodPost, "/v1/notes", notes.NoteDraft{Title: "Errands", WorkspaceID: testWorkspace})
	var note noteView
	decodeBody(t, recorder, &note)

	recorder = f.do(t, http.MethodPost, "/v1/recordings", notes.RecordingDraft{
		NoteID:         note.ID,
		DurationMillis: 1500,
		Transcript:     "Pick up the dry cleaning",
		Audio:          []byte("voice"),
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected recording create to succeed, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var created recordingView
	decodeBody(t, recorder, &created)
	if created.NoteID != note.ID || created.SizeBytes != 5 || created.DurationMillis != 1500 {
		t.Fatalf("unexpected recording %+v", created)
	}

	var listed struct {
		Recordings []recordingView `json:"recordings"`
	}
	decodeBody(t, f.do(t, http.MethodGet, "/v1/recordings?q=cleaning", nil), &listed)
	if len(listed.Recordings) != 1 || listed.Recordings[0].ID != created.ID {
		t.Fatalf("expected transcript search to find the recording, got %+v", listed.Recordings)
	}
	decodeBody(t, f.do(t, http.MethodGet, "/v1/recordings?noteId=other", nil), &listed)
	if len(listed.Recordings) != 0 {
		t.Fatalf("expected no recordings for another note, got %+v", listed.Recordings)
	}

	audio := f.do(t, http.MethodGet, "/v1/recordings/"+created.ID+"/audio", nil)
	if audio.Code != http.StatusOK || audio.Body.String() != "voice" {
		t.Fatalf("unexpected audio response %d: %q", audio.Code, audio.Body.String())
	}

	recorder = f.do(t, http.MethodDelete, "/v1/recordings/"+created.ID, nil)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected recording delete to succeed, got %d: %s", recorder.Code, recorder.Body.String())
	}
	expectErrorCode(t, f.do(t, http.MethodGet, "/v1/recordings/"+created.ID, nil), http.StatusNotFound, "notes.get_recording.recording_not_found")
	expectErrorCode(t, f.do(t, http.MethodPost, "/v1/recordings", notes.RecordingDraft{NoteID: "missing"}), http.StatusNotFound, "notes.add_recording.note_not_found")
}

func TestConflictHandlers(t *testing.T) {
	f := newAPIFixture(t, true)
	ctx := context.Background()
	note := store.Note{
		NoteID:          "clash",
		OwnerID:         testOwner,
		WorkspaceID:     testWorkspace,
		Title:           "Mine",
		CreatedAtMillis: 1,
		UpdatedAtMillis: 2,
		SyncStatus:      store.SyncStatusConflict,
	}
	if err := f.store.PutNote(ctx, &note); err != nil {
		t.Fatalf("failed to seed conflict: %v", err)
	}

	var conflicts notesResponse
	decodeBody(t, f.do(t, http.MethodGet, "/v1/conflicts", nil), &conflicts)
	if len(conflicts.Notes) != 1 || conflicts.Notes[0].ID != "clash" {
		t.Fatalf("expected the conflicted note, got %+v", conflicts.Notes)
	}

	expectErrorCode(t, f.do(t, http.MethodPost, "/v1/notes/clash/resolve", resolveRequestPayload{Resolution: "both"}), http.StatusBadRequest, "conflict.resolve.unknown_resolution")
	expectErrorCode(t, f.do(t, http.MethodPost, "/v1/notes/nothing/resolve", resolveRequestPayload{Resolution: "server"}), http.StatusNotFound, "conflict.resolve.note_not_found")

	recorder := f.do(t, http.MethodPost, "/v1/notes/clash/resolve", resolveRequestPayload{Resolution: "Server"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected resolution to succeed, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var outcome resolveResponsePayload
	decodeBody(t, recorder, &outcome)
	if !outcome.Purged || outcome.Note != nil {
		t.Fatalf("expected server resolution without a server copy to purge, got %+v", outcome)
	}
	decodeBody(t, f.do(t, http.MethodGet, "/v1/conflicts", nil), &conflicts)
	if len(conflicts.Notes) != 0 {
		t.Fatalf("expected no conflicts left, got %+v", conflicts.Notes)
	}
}

func TestAttachmentHandlers(t *testing.T) {
	f := newAPIFixture(t, true)
	var note noteView
	decodeBody(t, f.do(t, http.MethodPost, "/v1/notes", notes.NoteDraft{Title: "Receipts"}), &note)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile(attachmentFormField, "receipt.txt")
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	if _, err := part.Write([]byte("total: 12")); err != nil {
		t.Fatalf("failed to write form file: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close multipart writer: %v", err)
	}
	request := httptest.NewRequest(http.MethodPost, "/v1/notes/"+note.ID+"/attachments", &body)
	request.Header.Set("Authorization", "Bearer "+f.token(t, testOwner))
	request.Header.Set("Content-Type", writer.FormDataContentType())
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected upload to succeed, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var uploaded attachmentView
	decodeBody(t, recorder, &uploaded)
	if uploaded.FileName != "receipt.txt" || uploaded.SizeBytes != 9 || uploaded.MimeType != "application/octet-stream" {
		t.Fatalf("unexpected attachment %+v", uploaded)
	}

	recorder = f.do(t, http.MethodGet, "/v1/attachments/"+uploaded.ID, nil)
	if recorder.Code != http.StatusOK || recorder.Body.String() != "total: 12" {
		t.Fatalf("expected attachment content, got %d: %q", recorder.Code, recorder.Body.String())
	}

	var listed struct {
		Attachments []attachmentView `json:"attachments"`
	}
	decodeBody(t, f.do(t, http.MethodGet, "/v1/notes/"+note.ID+"/attachments", nil), &listed)
	if len(listed.Attachments) != 1 {
		t.Fatalf("expected one attachment, got %+v", listed.Attachments)
	}

	if recorder := f.do(t, http.MethodDelete, "/v1/attachments/"+uploaded.ID, nil); recorder.Code != http.StatusNoContent {
		t.Fatalf("expected attachment delete to succeed, got %d", recorder.Code)
	}
	expectErrorCode(t, f.do(t, http.MethodGet, "/v1/attachments/"+uploaded.ID, nil), http.StatusNotFound, "notes.get_attachment.attachment_not_found")
}

func TestExportImportHandlers(t *testing.T) {
	f := newAPIFixture(t, false)
	f.do(t, http.MethodPost, "/v1/notes", notes.NoteDraft{Title: "Keep", WorkspaceID: testWorkspace})

	recorder := f.do(t, http.MethodGet, "/v1/export", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected export to succeed, got %d", recorder.Code)
	}
	document, err := notes.DecodeExport(recorder.Body.Bytes())
	if err != nil {
		t.Fatalf("expected export to round trip through the strict decoder: %v", err)
	}
	if len(document.Notes) != 1 || len(document.Workspaces) != 1 {
		t.Fatalf("unexpected export %+v", document)
	}

	request := httptest.NewRequest(http.MethodPost, "/v1/import", bytes.NewReader(recorder.Body.Bytes()))
	request.Header.Set("Authorization", "Bearer "+f.token(t, testOwner))
	imported := httptest.NewRecorder()
	f.handler.ServeHTTP(imported, request)
	if imported.Code != http.StatusOK {
		t.Fatalf("expected import to succeed, got %d: %s", imported.Code, imported.Body.String())
	}
	var result notes.ImportResult
	decodeBody(t, imported, &result)
	if result.Notes != 1 || result.Workspaces != 1 {
		t.Fatalf("unexpected import result %+v", result)
	}

	request = httptest.NewRequest(http.MethodPost, "/v1/import", bytes.NewBufferString(`{"notes":[],"extra":true}`))
	request.Header.Set("Authorization", "Bearer "+f.token(t, testOwner))
	rejected := httptest.NewRecorder()
	f.handler.ServeHTTP(rejected, request)
	expectErrorCode(t, rejected, http.StatusBadRequest, "notes.decode_export.malformed_document")
}

func TestRefreshRequiresConnectivity(t *testing.T) {
	f := newAPIFixture(t, false)
	expectErrorCode(t, f.do(t, http.MethodPost, "/v1/refresh", nil), http.StatusServiceUnavailable, "notes.refresh.offline")

	f.monitor.SetOnline(true)
	recorder := f.do(t, http.MethodPost, "/v1/refresh", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected refresh to succeed online, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestSelectionHandlers(t *testing.T) {
	f := newAPIFixture(t, true)

	var selection notes.Selection
	decodeBody(t, f.do(t, http.MethodPut, "/v1/selection", notes.Selection{WorkspaceID: testWorkspace, NoteID: "note-9"}), &selection)
	if selection.WorkspaceID != testWorkspace || selection.NoteID != "note-9" {
		t.Fatalf("unexpected selection %+v", selection)
	}
	decodeBody(t, f.do(t, http.MethodGet, "/v1/selection", nil), &selection)
	if selection.NoteID != "note-9" {
		t.Fatalf("expected selection to persist in memory, got %+v", selection)
	}
}
