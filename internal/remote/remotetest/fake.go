// Package remotetest provides an in-memory remote.API for tests.
package remotetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/remote"
)

// Method names accepted by FailNext and Calls.
const (
	MethodCreateNote       = "CreateNote"
	MethodUpdateNote       = "UpdateNote"
	MethodDeleteNote       = "DeleteNote"
	MethodListNotes        = "ListNotes"
	MethodCreateWorkspace  = "CreateWorkspace"
	MethodUpdateWorkspace  = "UpdateWorkspace"
	MethodDeleteWorkspace  = "DeleteWorkspace"
	MethodListWorkspaces   = "ListWorkspaces"
	MethodUploadAttachment = "UploadAttachment"
	MethodDeleteAttachment = "DeleteAttachment"
	MethodPing             = "Ping"
)

// ErrUnavailable is returned while the fake is marked unavailable.
var ErrUnavailable = errors.New("remotetest: unavailable")

// FakeAPI is a concurrency-safe in-memory remote with conflict detection on base versions.
type FakeAPI struct {
	mu               sync.Mutex
	ownerID          string
	now              time.Time
	nextID           int
	notes            map[string]remote.NoteRecord
	workspaces       map[string]remote.WorkspaceRecord
	attachments      map[string]remote.AttachmentRecord
	clientIDs        map[string]string
	createConflicts  map[string]remote.NoteRecord
	failNext         map[string][]error
	calls            map[string]int
	unavailable      bool
	gate             chan struct{}
	preserveClientID bool
}

// NewFakeAPI returns an empty fake owned by ownerID.
func NewFakeAPI(ownerID string) *FakeAPI {
	return &FakeAPI{
		ownerID:         ownerID,
		now:             time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		notes:           make(map[string]remote.NoteRecord),
		workspaces:      make(map[string]remote.WorkspaceRecord),
		attachments:     make(map[string]remote.AttachmentRecord),
		clientIDs:       make(map[string]string),
		createConflicts: make(map[string]remote.NoteRecord),
		failNext:        make(map[string][]error),
		calls:           make(map[string]int),
	}
}

// PreserveClientIDs makes the fake adopt client ids instead of assigning srv-N ids.
func (f *FakeAPI) PreserveClientIDs(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.preserveClientID = enabled
}

// SetUnavailable makes every call fail with ErrUnavailable.
func (f *FakeAPI) SetUnavailable(unavailable bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unavailable = unavailable
}

// FailNext queues err to be returned by the next call of method.
func (f *FakeAPI) FailNext(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[method] = append(f.failNext[method], err)
}

// ConflictOnCreate makes a CreateNote with clientID fail with a conflict carrying record.
func (f *FakeAPI) ConflictOnCreate(clientID string, record remote.NoteRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if record.OwnerID == "" {
		record.OwnerID = f.ownerID
	}
	f.createConflicts[clientID] = record
	f.notes[record.ID] = record
}

// Hold blocks every subsequent mutating call until the returned release func is invoked.
func (f *FakeAPI) Hold() func() {
	f.mu.Lock()
	gate := make(chan struct{})
	f.gate = gate
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if f.gate == gate {
				f.gate = nil
			}
			f.mu.Unlock()
			close(gate)
		})
	}
}

// Calls reports how many times method was invoked.
func (f *FakeAPI) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// SeedNote stores record as if another device had written it.
func (f *FakeAPI) SeedNote(record remote.NoteRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if record.OwnerID == "" {
		record.OwnerID = f.ownerID
	}
	f.notes[record.ID] = record
}

// SeedWorkspace stores record as if another device had written it.
func (f *FakeAPI) SeedWorkspace(record remote.WorkspaceRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if record.OwnerID == "" {
		record.OwnerID = f.ownerID
	}
	f.workspaces[record.ID] = record
}

// Note returns the stored note.
func (f *FakeAPI) Note(noteID string) (remote.NoteRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.notes[noteID]
	return record, ok
}

// Workspace returns the stored workspace.
func (f *FakeAPI) Workspace(workspaceID string) (remote.WorkspaceRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.workspaces[workspaceID]
	return record, ok
}

// NoteCount returns the number of live notes stored remotely.
func (f *FakeAPI) NoteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, record := range f.notes {
		if !record.IsDeleted {
			count++
		}
	}
	return count
}

func (f *FakeAPI) CreateNote(ctx context.Context, input remote.NoteInput) (remote.NoteRecord, error) {
	if err := f.enter(ctx, MethodCreateNote, true); err != nil {
		return remote.NoteRecord{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if conflicting, ok := f.createConflicts[input.ClientID]; ok && input.ClientID != "" {
		copyRecord := conflicting
		return remote.NoteRecord{}, &remote.ConflictError{EntityID: conflicting.ID, ServerNote: &copyRecord}
	}
	if existingID, ok := f.clientIDs[input.ClientID]; ok && input.ClientID != "" {
		return f.notes[existingID], nil
	}
	now := f.tick()
	record := remote.NoteRecord{
		ID:          f.assignID(input.ClientID),
		Title:       input.Title,
		Content:     input.Content,
		Tags:        append([]string(nil), input.Tags...),
		WorkspaceID: input.WorkspaceID,
		OwnerID:     f.ownerID,
		IsStarred:   input.IsStarred,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	f.notes[record.ID] = record
	if input.ClientID != "" {
		f.clientIDs[input.ClientID] = record.ID
	}
	return record, nil
}

func (f *FakeAPI) UpdateNote(ctx context.Context, noteID string, input remote.NoteInput) (remote.NoteRecord, error) {
	if err := f.enter(ctx, MethodUpdateNote, true); err != nil {
		return remote.NoteRecord{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.notes[noteID]
	if !ok || existing.IsDeleted {
		return remote.NoteRecord{}, fmt.Errorf("%w: note %s", remote.ErrNotFound, noteID)
	}
	if input.BaseUpdatedAt != nil && existing.UpdatedAt.After(*input.BaseUpdatedAt) {
		copyRecord := existing
		return remote.NoteRecord{}, &remote.ConflictError{EntityID: noteID, ServerNote: &copyRecord}
	}
	existing.Title = input.Title
	existing.Content = input.Content
	existing.Tags = append([]string(nil), input.Tags...)
	existing.WorkspaceID = input.WorkspaceID
	existing.IsStarred = input.IsStarred
	existing.UpdatedAt = f.tick()
	f.notes[noteID] = existing
	return existing, nil
}

func (f *FakeAPI) DeleteNote(ctx context.Context, noteID string, input remote.DeleteInput) error {
	if err := f.enter(ctx, MethodDeleteNote, true); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.notes[noteID]
	if !ok || existing.IsDeleted {
		return fmt.Errorf("%w: note %s", remote.ErrNotFound, noteID)
	}
	if input.BaseUpdatedAt != nil && existing.UpdatedAt.After(*input.BaseUpdatedAt) {
		copyRecord := existing
		return &remote.ConflictError{EntityID: noteID, ServerNote: &copyRecord}
	}
	existing.IsDeleted = true
	existing.UpdatedAt = f.tick()
	f.notes[noteID] = existing
	return nil
}

func (f *FakeAPI) ListNotes(ctx context.Context, workspaceID string) ([]remote.NoteRecord, error) {
	if err := f.enter(ctx, MethodListNotes, false); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	records := make([]remote.NoteRecord, 0, len(f.notes))
	for _, record := range f.notes {
		if record.IsDeleted {
			continue
		}
		if workspaceID != "" && record.WorkspaceID != workspaceID {
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

func (f *FakeAPI) CreateWorkspace(ctx context.Context, input remote.WorkspaceInput) (remote.WorkspaceRecord, error) {
	if err := f.enter(ctx, MethodCreateWorkspace, true); err != nil {
		return remote.WorkspaceRecord{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if existingID, ok := f.clientIDs[input.ClientID]; ok && input.ClientID != "" {
		return f.workspaces[existingID], nil
	}
	now := f.tick()
	record := remote.WorkspaceRecord{
		ID:        f.assignID(input.ClientID),
		Name:      input.Name,
		OwnerID:   f.ownerID,
		IsDefault: input.IsDefault,
		CreatedAt: now,
		UpdatedAt: now,
	}
	f.workspaces[record.ID] = record
	if input.ClientID != "" {
		f.clientIDs[input.ClientID] = record.ID
	}
	return record, nil
}

func (f *FakeAPI) UpdateWorkspace(ctx context.Context, workspaceID string, input remote.WorkspaceInput) (remote.WorkspaceRecord, error) {
	if err := f.enter(ctx, MethodUpdateWorkspace, true); err != nil {
		return remote.WorkspaceRecord{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.workspaces[workspaceID]
	if !ok {
		return remote.WorkspaceRecord{}, fmt.Errorf("%w: workspace %s", remote.ErrNotFound, workspaceID)
	}
	if input.BaseUpdatedAt != nil && existing.UpdatedAt.After(*input.BaseUpdatedAt) {
		copyRecord := existing
		return remote.WorkspaceRecord{}, &remote.ConflictError{EntityID: workspaceID, ServerWorkspace: &copyRecord}
	}
	existing.Name = input.Name
	existing.IsDefault = input.IsDefault
	existing.UpdatedAt = f.tick()
	f.workspaces[workspaceID] = existing
	return existing, nil
}

func (f *FakeAPI) DeleteWorkspace(ctx context.Context, workspaceID string) error {
	if err := f.enter(ctx, MethodDeleteWorkspace, true); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.workspaces[workspaceID]; !ok {
		return fmt.Errorf("%w: workspace %s", remote.ErrNotFound, workspaceID)
	}
	delete(f.workspaces, workspaceID)
	return nil
}

func (f *FakeAPI) ListWorkspaces(ctx context.Context) ([]remote.WorkspaceRecord, error) {
	if err := f.enter(ctx, MethodListWorkspaces, false); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	records := make([]remote.WorkspaceRecord, 0, len(f.workspaces))
	for _, record := range f.workspaces {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

func (f *FakeAPI) UploadAttachment(ctx context.Context, input remote.AttachmentInput) (remote.AttachmentRecord, error) {
	if err := f.enter(ctx, MethodUploadAttachment, true); err != nil {
		return remote.AttachmentRecord{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.notes[input.NoteID]; !ok {
		return remote.AttachmentRecord{}, &remote.HTTPError{StatusCode: 422, Code: "unknown_note", Message: input.NoteID}
	}
	record := remote.AttachmentRecord{
		ID:        f.assignID(input.ClientID),
		NoteID:    input.NoteID,
		FileName:  input.FileName,
		MimeType:  input.MimeType,
		SizeBytes: int64(len(input.Data)),
		CreatedAt: f.tick(),
	}
	f.attachments[record.ID] = record
	return record, nil
}

func (f *FakeAPI) DeleteAttachment(ctx context.Context, attachmentID string) error {
	if err := f.enter(ctx, MethodDeleteAttachment, true); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.attachments[attachmentID]; !ok {
		return fmt.Errorf("%w: attachment %s", remote.ErrNotFound, attachmentID)
	}
	delete(f.attachments, attachmentID)
	return nil
}

func (f *FakeAPI) Ping(ctx context.Context) error {
	return f.enter(ctx, MethodPing, false)
}

func (f *FakeAPI) enter(ctx context.Context, method string, gated bool) error {
	f.mu.Lock()
	f.calls[method]++
	gate := f.gate
	f.mu.Unlock()

	if gated && gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if queued := f.failNext[method]; len(queued) > 0 {
		f.failNext[method] = queued[1:]
		return queued[0]
	}
	if f.unavailable {
		return ErrUnavailable
	}
	return nil
}

func (f *FakeAPI) assignID(clientID string) string {
	if f.preserveClientID && clientID != "" {
		return clientID
	}
	f.nextID++
	return fmt.Sprintf("srv-%d", f.nextID)
}

func (f *FakeAPI) tick() time.Time {
	f.now = f.now.Add(time.Second)
	return f.now
}
