package notes

import (
	"sync"

	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/store"
)

// readCache mirrors recently read notes and workspaces. The store stays authoritative:
// entries are replaced from the store after every façade write and dropped on reset.
type readCache struct {
	mu         sync.RWMutex
	notes      map[string]store.Note
	workspaces map[string]store.Workspace
}

func newReadCache() *readCache {
	return &readCache{
		notes:      make(map[string]store.Note),
		workspaces: make(map[string]store.Workspace),
	}
}

func (c *readCache) note(noteID string) (store.Note, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	note, ok := c.notes[noteID]
	return note, ok
}

func (c *readCache) putNote(note store.Note) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes[note.NoteID] = note
}

func (c *readCache) dropNote(noteID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.notes, noteID)
}

func (c *readCache) workspace(workspaceID string) (store.Workspace, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	workspace, ok := c.workspaces[workspaceID]
	return workspace, ok
}

func (c *readCache) putWorkspace(workspace store.Workspace) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workspaces[workspace.WorkspaceID] = workspace
}

func (c *readCache) dropWorkspace(workspaceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.workspaces, workspaceID)
}

func (c *readCache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes = make(map[string]store.Note)
	c.workspaces = make(map[string]store.Workspace)
}
