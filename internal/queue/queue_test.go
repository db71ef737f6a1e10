package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/failure"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type snapshot struct {
	Title       string `json:"title"`
	WorkspaceID string `json:"workspaceId,omitempty"`
	NoteID      string `json:"noteId,omitempty"`
}

type steppingClock struct {
	current time.Time
}

func (c *steppingClock) Now() time.Time {
	c.current = c.current.Add(time.Second)
	return c.current
}

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "queue.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&Operation{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	clock := &steppingClock{current: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(db, clock.Now, nil)
}

func mustEnqueue(t *testing.T, q *Queue, kind Kind, entityType EntityType, entityID string, payload any) EnqueueOutcome {
	t.Helper()
	outcome, err := q.Enqueue(context.Background(), kind, entityType, entityID, payload)
	if err != nil {
		t.Fatalf("failed to enqueue %s %s: %v", kind, entityID, err)
	}
	return outcome
}

func mustList(t *testing.T, q *Queue) []Operation {
	t.Helper()
	operations, err := q.List(context.Background())
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	return operations
}

func TestEnqueueAssignsFreshEntries(t *testing.T) {
	q := newTestQueue(t)
	first := mustEnqueue(t, q, KindCreate, EntityNote, "note-1", snapshot{Title: "a"})
	second := mustEnqueue(t, q, KindCreate, EntityNote, "note-2", snapshot{Title: "b"})

	if first.Operation.ID == 0 || second.Operation.ID <= first.Operation.ID {
		t.Fatalf("expected monotonic ids, got %d then %d", first.Operation.ID, second.Operation.ID)
	}
	if first.Operation.RetryCount != 0 || first.Operation.Revision != 1 {
		t.Fatalf("unexpected fresh operation %+v", first.Operation)
	}
	if !second.Operation.EnqueuedAt().After(first.Operation.EnqueuedAt()) || first.Operation.EnqueuedAt().Location() != time.UTC {
		t.Fatalf("expected increasing UTC enqueue times, got %s then %s", first.Operation.EnqueuedAt(), second.Operation.EnqueuedAt())
	}
	operations := mustList(t, q)
	if len(operations) != 2 || operations[0].EntityID != "note-1" || operations[1].EntityID != "note-2" {
		t.Fatalf("expected enqueue order, got %+v", operations)
	}
}

func TestEnqueueCoalescesUpdates(t *testing.T) {
	q := newTestQueue(t)
	mustEnqueue(t, q, KindUpdate, EntityNote, "note-x", snapshot{Title: "one"})
	outcome := mustEnqueue(t, q, KindUpdate, EntityNote, "note-x", snapshot{Title: "two"})

	if !outcome.Coalesced || outcome.Operation.Revision != 2 {
		t.Fatalf("expected coalesced update with bumped revision, got %+v", outcome)
	}
	operations := mustList(t, q)
	if len(operations) != 1 {
		t.Fatalf("expected exactly one operation, got %d", len(operations))
	}
	var payload snapshot
	if err := operations[0].DecodePayload(&payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload.Title != "two" {
		t.Fatalf("expected latest snapshot, got %+v", payload)
	}
}

func TestEnqueueDeleteCancelsUnsyncedCreate(t *testing.T) {
	q := newTestQueue(t)
	mustEnqueue(t, q, KindCreate, EntityNote, "note-y", snapshot{Title: "draft"})
	mustEnqueue(t, q, KindUpdate, EntityNote, "note-y", snapshot{Title: "draft 2"})
	outcome := mustEnqueue(t, q, KindDelete, EntityNote, "note-y", nil)

	if !outcome.Cancelled {
		t.Fatalf("expected delete to cancel the pending create, got %+v", outcome)
	}
	if operations := mustList(t, q); len(operations) != 0 {
		t.Fatalf("expected zero operations, got %+v", operations)
	}
}

func TestEnqueueUpdateFoldsIntoCreate(t *testing.T) {
	q := newTestQueue(t)
	mustEnqueue(t, q, KindCreate, EntityNote, "note-z", snapshot{Title: "a"})
	outcome := mustEnqueue(t, q, KindUpdate, EntityNote, "note-z", snapshot{Title: "b"})
	if outcome.Operation.Kind != KindCreate {
		t.Fatalf("expected create to keep its kind, got %s", outcome.Operation.Kind)
	}
}

func TestEnqueueDeleteReplacesUpdate(t *testing.T) {
	q := newTestQueue(t)
	mustEnqueue(t, q, KindUpdate, EntityNote, "note-w", snapshot{Title: "a"})
	outcome := mustEnqueue(t, q, KindDelete, EntityNote, "note-w", nil)
	if outcome.Cancelled || outcome.Operation.Kind != KindDelete {
		t.Fatalf("expected update to become delete, got %+v", outcome)
	}
	if operations := mustList(t, q); len(operations) != 1 {
		t.Fatalf("expected a single delete, got %+v", operations)
	}
}

func TestEnqueueRejectsInvalidInput(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue(context.Background(), Kind("upsert"), EntityNote, "n", nil)
	if !errors.Is(err, failure.ErrValidation) {
		t.Fatalf("expected validation failure, got %v", err)
	}
	_, err = q.Enqueue(context.Background(), KindCreate, EntityNote, " ", nil)
	if !errors.Is(err, failure.ErrValidation) {
		t.Fatalf("expected validation failure for blank id, got %v", err)
	}
}

func TestMarkFailedKeepsEntryAndCountsRetries(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	outcome := mustEnqueue(t, q, KindUpdate, EntityNote, "note-1", snapshot{Title: "a"})
	gate := time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		if err := q.MarkFailed(ctx, outcome.Operation.ID, errors.New("timeout"), gate); err != nil {
			t.Fatalf("unexpected mark failed error: %v", err)
		}
	}
	operation, err := q.Get(ctx, outcome.Operation.ID)
	if err != nil {
		t.Fatalf("expected entry to remain queued: %v", err)
	}
	if operation.RetryCount != 2 || operation.LastError != "timeout" || !operation.Failed() {
		t.Fatalf("unexpected failed operation %+v", operation)
	}
	if operation.Ready(gate.Add(-time.Second)) || !operation.Ready(gate) {
		t.Fatalf("unexpected backoff gate %d", operation.NextAttemptAtMillis)
	}
	failed, err := q.FailedCount(ctx)
	if err != nil || failed != 1 {
		t.Fatalf("expected one failed operation, got %d err=%v", failed, err)
	}

	replaced := mustEnqueue(t, q, KindUpdate, EntityNote, "note-1", snapshot{Title: "b"})
	if replaced.Operation.Failed() || replaced.Operation.NextAttemptAtMillis != 0 {
		t.Fatalf("expected a fresh snapshot to clear the error, got %+v", replaced.Operation)
	}
}

func TestRemoveRevisionIgnoresSupersededEntries(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	first := mustEnqueue(t, q, KindUpdate, EntityNote, "note-1", snapshot{Title: "a"})
	mustEnqueue(t, q, KindUpdate, EntityNote, "note-1", snapshot{Title: "b"})

	removed, err := q.RemoveRevision(ctx, first.Operation.ID, first.Operation.Revision)
	if err != nil {
		t.Fatalf("unexpected remove error: %v", err)
	}
	if removed {
		t.Fatalf("expected stale revision to be kept")
	}
	removed, err = q.RemoveRevision(ctx, first.Operation.ID, first.Operation.Revision+1)
	if err != nil || !removed {
		t.Fatalf("expected current revision to be removed, removed=%v err=%v", removed, err)
	}
	total, err := q.Count(ctx)
	if err != nil || total != 0 {
		t.Fatalf("expected empty queue, got %d err=%v", total, err)
	}
}

func TestRekeyAndReferenceRewrite(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	mustEnqueue(t, q, KindCreate, EntityWorkspace, "local-ws", snapshot{Title: "ws"})
	mustEnqueue(t, q, KindCreate, EntityNote, "local-note", snapshot{Title: "n", WorkspaceID: "local-ws"})
	mustEnqueue(t, q, KindCreate, EntityAttachment, "local-att", snapshot{NoteID: "local-note"})

	if err := q.RekeyEntity(ctx, EntityWorkspace, "local-ws", "srv-ws"); err != nil {
		t.Fatalf("unexpected rekey error: %v", err)
	}
	if err := q.ReplaceWorkspaceReference(ctx, "local-ws", "srv-ws"); err != nil {
		t.Fatalf("unexpected rewrite error: %v", err)
	}
	if err := q.ReplaceNoteReference(ctx, "local-note", "srv-note"); err != nil {
		t.Fatalf("unexpected rewrite error: %v", err)
	}

	if _, found, err := q.FindByEntity(ctx, EntityWorkspace, "srv-ws"); err != nil || !found {
		t.Fatalf("expected rekeyed workspace operation, found=%v err=%v", found, err)
	}
	noteOp, found, err := q.FindByEntity(ctx, EntityNote, "local-note")
	if err != nil || !found {
		t.Fatalf("expected note operation, found=%v err=%v", found, err)
	}
	var notePayload snapshot
	if err := noteOp.DecodePayload(&notePayload); err != nil || notePayload.WorkspaceID != "srv-ws" {
		t.Fatalf("expected rewritten workspace reference, got %+v err=%v", notePayload, err)
	}
	attachmentOp, _, _ := q.FindByEntity(ctx, EntityAttachment, "local-att")
	var attachmentPayload snapshot
	if err := attachmentOp.DecodePayload(&attachmentPayload); err != nil || attachmentPayload.NoteID != "srv-note" {
		t.Fatalf("expected rewritten note reference, got %+v err=%v", attachmentPayload, err)
	}
}

func TestRebaseKeepsRevision(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	outcome := mustEnqueue(t, q, KindCreate, EntityNote, "note-1", snapshot{Title: "a"})
	if err := q.Rebase(ctx, outcome.Operation.ID, KindUpdate, snapshot{Title: "rebased"}); err != nil {
		t.Fatalf("unexpected rebase error: %v", err)
	}
	operation, err := q.Get(ctx, outcome.Operation.ID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if operation.Kind != KindUpdate || operation.Revision != outcome.Operation.Revision {
		t.Fatalf("unexpected rebased operation %+v", operation)
	}
	if _, err := q.Get(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
