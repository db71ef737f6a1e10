package notes

import (
	"context"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/queue"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/remote"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/remote/remotetest"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/store"
)

func TestAddAttachmentOnlineUploads(t *testing.T) {
	f := newFixture(t, true)
	f.seedSyncedWorkspace(t)
	note := mustCreateNote(t, f.service, NoteDraft{Title: "Receipt", WorkspaceID: testWorkspace})

	attachment, err := f.service.AddAttachment(context.Background(), AttachmentDraft{
		NoteID:   note.NoteID,
		FileName: "receipt.png",
		MimeType: "image/png",
		Data:     []byte{0x89, 0x50, 0x4e, 0x47},
	})
	if err != nil {
		t.Fatalf("unexpected attachment error: %v", err)
	}
	if attachment.SyncStatus != store.SyncStatusSynced || attachment.SizeBytes != 4 {
		t.Fatalf("unexpected attachment %+v", attachment)
	}
	if f.remote.Calls(remotetest.MethodUploadAttachment) != 1 {
		t.Fatalf("expected one upload")
	}
	if operations := f.operations(t); len(operations) != 0 {
		t.Fatalf("expected empty queue, got %d", len(operations))
	}
}

func TestAddAttachmentOfflineQueuesWithoutBlob(t *testing.T) {
	f := newFixture(t, false)
	f.seedSyncedWorkspace(t)
	ctx := context.Background()
	note := mustCreateNote(t, f.service, NoteDraft{Title: "Scan", WorkspaceID: testWorkspace})

	attachment, err := f.service.AddAttachment(ctx, AttachmentDraft{NoteID: note.NoteID, FileName: "scan.pdf", MimeType: "application/pdf", Data: []byte("%PDF")})
	if err != nil {
		t.Fatalf("unexpected attachment error: %v", err)
	}
	if attachment.SyncStatus != store.SyncStatusPending || string(attachment.Data) != "%PDF" {
		t.Fatalf("expected pending attachment holding its data, got %+v", attachment)
	}
	operation, found, err := f.queue.FindByEntity(ctx, queue.EntityAttachment, attachment.AttachmentID)
	if err != nil || !found {
		t.Fatalf("expected queued upload, found=%v err=%v", found, err)
	}
	var input remote.AttachmentInput
	if err := operation.DecodePayload(&input); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if len(input.Data) != 0 || input.NoteID != note.NoteID {
		t.Fatalf("queued payload must reference the note without the blob, got %+v", input)
	}

	listed, err := f.service.ListAttachments(ctx, note.NoteID)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected one attachment, got %d", len(listed))
	}

	if err := f.service.DeleteAttachment(ctx, attachment.AttachmentID); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if _, err := f.store.GetAttachment(ctx, attachment.AttachmentID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected cancelled upload to purge the attachment, got %v", err)
	}
	if _, found, _ := f.queue.FindByEntity(ctx, queue.EntityAttachment, attachment.AttachmentID); found {
		t.Fatalf("expected queued upload to be cancelled")
	}
}

func TestAddAttachmentRejectsInvalidDrafts(t *testing.T) {
	f := newFixture(t, false)
	f.seedSyncedWorkspace(t)

	_, err := f.service.AddAttachment(context.Background(), AttachmentDraft{NoteID: "n", FileName: "a.txt", MimeType: "text/plain"})
	expectCode(t, err, "notes.add_attachment.invalid_input")

	_, err = f.service.AddAttachment(context.Background(), AttachmentDraft{NoteID: "missing", FileName: "a.txt", MimeType: "text/plain", Data: []byte("x")})
	expectCode(t, err, "notes.add_attachment.note_not_found")
}
