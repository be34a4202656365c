package block

import (
	"fmt"
	"path/filepath"
	"sync"
)

// Manager is a process-local cache of opened blocks, keyed by file id. It
// has no eviction policy: a block stays mapped until it is explicitly
// removed with Evict or the whole cache is released with CloseAll.
type Manager struct {
	dir string

	mu    sync.Mutex
	cache map[uint64]*Block
}

// NewManager creates a block cache rooted at dir.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir, cache: make(map[uint64]*Block)}
}

// Get returns the block for fileID, opening and caching it on first access.
func (m *Manager) Get(fileID uint64) (*Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.cache[fileID]; ok {
		return b, nil
	}

	path := filepath.Join(m.dir, FileName(fileID))
	b, err := Open(path, fileID)
	if err != nil {
		return nil, fmt.Errorf("block: manager open %s: %w", path, err)
	}

	m.cache[fileID] = b
	return b, nil
}

// Evict closes and forgets fileID, if cached. The checkpoint engine calls it
// on an old block as soon as that block's content has been merged into new
// blocks; a later Get of the same id opens the file again.
func (m *Manager) Evict(fileID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.cache[fileID]; ok {
		b.Close()
		delete(m.cache, fileID)
	}
}

// CloseAll closes every cached block.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, b := range m.cache {
		b.Close()
		delete(m.cache, id)
	}
}
