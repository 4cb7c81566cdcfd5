package vectorstore

import (
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

const collectionPrefix = "memengine_"

// Manager maps project IDs to chromem collections in one shared in-process
// database and creates them on first use.
type Manager struct {
	db    *chromem.DB
	known map[string]*Index
	mu    sync.RWMutex
}

func NewManager() *Manager {
	return &Manager{
		db:    chromem.NewDB(),
		known: make(map[string]*Index),
	}
}

// CollectionName returns the collection name for a project key.
func CollectionName(projectKey string) string {
	return collectionPrefix + projectKey
}

// ForProject returns the index for a project key, creating it if needed.
func (m *Manager) ForProject(projectKey string) (*Index, error) {
	name := CollectionName(projectKey)

	m.mu.RLock()
	if idx, ok := m.known[name]; ok {
		m.mu.RUnlock()
		return idx, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if idx, ok := m.known[name]; ok {
		return idx, nil
	}

	// Embeddings are always supplied, so no embedding func is needed.
	coll, err := m.db.GetOrCreateCollection(name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("ensure collection %s: %w", name, err)
	}

	idx := &Index{coll: coll}
	m.known[name] = idx
	return idx, nil
}

// Drop forgets a project's collection so the next ForProject starts empty.
func (m *Manager) Drop(projectKey string) error {
	name := CollectionName(projectKey)

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.known, name)
	if err := m.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("drop collection %s: %w", name, err)
	}
	return nil
}
