package notes

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/connectivity"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/failure"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/queue"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/remote"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/remote/remotetest"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/store"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testOwner     = "user-1"
	testWorkspace = "ws-1"
)

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(delta time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(delta)
}

type sequentialIDs struct {
	mu   sync.Mutex
	next int
}

func (p *sequentialIDs) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("local-%d", p.next), nil
}

type failingIDs struct{}

func (failingIDs) NewID() (string, error) {
	return "", errors.New("entropy exhausted")
}

type countingNotifier struct {
	mu    sync.Mutex
	calls int
}

func (n *countingNotifier) Notify(context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
}

func (n *countingNotifier) Calls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

type fixture struct {
	db       *gorm.DB
	store    *store.Store
	queue    *queue.Queue
	remote   *remotetest.FakeAPI
	monitor  *connectivity.Monitor
	clock    *stepClock
	notifier *countingNotifier
	service  *Service
}

func newFixture(t *testing.T, online bool) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "notes.db")), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(append(store.Models(), &queue.Operation{})...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &stepClock{now: baseTime}
	f := &fixture{
		db:       db,
		store:    store.New(db, nil),
		queue:    queue.New(db, clock.Now, nil),
		remote:   remotetest.NewFakeAPI(testOwner),
		monitor:  connectivity.NewMonitor(online, nil),
		clock:    clock,
		notifier: &countingNotifier{},
	}
	service, err := NewService(ServiceConfig{
		OwnerID:      testOwner,
		Store:        f.store,
		Queue:        f.queue,
		Remote:       f.remote,
		Connectivity: f.monitor,
		Notifier:     f.notifier,
		Clock:        clock.Now,
		IDProvider:   &sequentialIDs{},
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	f.service = service
	return f
}

// seedSyncedWorkspace stores testWorkspace on both sides as the owner's default.
func (f *fixture) seedSyncedWorkspace(t *testing.T) {
	t.Helper()
	synced := store.ToMillis(baseTime)
	workspace := store.Workspace{
		WorkspaceID:        testWorkspace,
		OwnerID:            testOwner,
		Name:               "Personal",
		IsDefault:          true,
		CreatedAtMillis:    synced,
		UpdatedAtMillis:    synced,
		LastSyncedAtMillis: &synced,
		SyncStatus:         store.SyncStatusSynced,
	}
	if err := f.store.PutWorkspace(context.Background(), &workspace); err != nil {
		t.Fatalf("failed to seed workspace: %v", err)
	}
	f.remote.SeedWorkspace(remote.WorkspaceRecord{ID: testWorkspace, Name: "Personal", OwnerID: testOwner, IsDefault: true, UpdatedAt: baseTime})
}

func (f *fixture) operations(t *testing.T) []queue.Operation {
	t.Helper()
	operations, err := f.queue.List(context.Background())
	if err != nil {
		t.Fatalf("failed to list queue: %v", err)
	}
	return operations
}

func mustCreateNote(t *testing.T, service *Service, draft NoteDraft) store.Note {
	t.Helper()
	note, err := service.CreateNote(context.Background(), draft)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	return note
}

func mustCreateWorkspace(t *testing.T, service *Service, name string) store.Workspace {
	t.Helper()
	workspace, err := service.CreateWorkspace(context.Background(), WorkspaceDraft{Name: name})
	if err != nil {
		t.Fatalf("unexpected workspace create error: %v", err)
	}
	return workspace
}

func mustNoteInput(t *testing.T, operation queue.Operation) remote.NoteInput {
	t.Helper()
	var input remote.NoteInput
	if err := operation.DecodePayload(&input); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	return input
}

func expectCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %s, got nil", code)
	}
	if got := failure.CodeOf(err); got != code {
		t.Fatalf("expected code %s, got %q (%v)", code, got, err)
	}
}

func stringPointer(value string) *string {
	return &value
}

func boolPointer(value bool) *bool {
	return &value
}
