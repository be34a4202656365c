package super

import (
	"fmt"

	"github.com/leengari/pagedb/internal/block"
	"github.com/leengari/pagedb/internal/tableroot"
)

// Table is the runtime state of one table: its catalog entry, its current
// root index, and the pending puts/deletes not yet folded into a block by a
// checkpoint.
type Table struct {
	Meta        *TableMeta
	Root        *tableroot.TableRoot
	LogCache    map[string][]byte
	LogDelCache map[string]bool

	blocks *block.Manager
}

func newTable(meta *TableMeta, root *tableroot.TableRoot) *Table {
	return &Table{
		Meta:        meta,
		Root:        root,
		LogCache:    make(map[string][]byte),
		LogDelCache: make(map[string]bool),
	}
}

// SetBlockManager attaches the shared, process-local block cache a table
// consults on a root/block read-through miss.
func (t *Table) SetBlockManager(m *block.Manager) { t.blocks = m }

// ApplyPut records a committed put in the table's log cache, clearing any
// pending delete-cache entry for the same key.
func (t *Table) ApplyPut(key, value []byte) error {
	ks := string(key)
	delete(t.LogDelCache, ks)
	cp := make([]byte, len(value))
	copy(cp, value)
	t.LogCache[ks] = cp
	return nil
}

// ApplyDelete records a committed delete in the table's log-deletion cache,
// clearing any pending put-cache entry for the same key.
func (t *Table) ApplyDelete(key []byte) error {
	ks := string(key)
	delete(t.LogCache, ks)
	t.LogDelCache[ks] = true
	return nil
}

// Get reads the table's own state, consulting the log-deletion cache, the
// log cache, and finally the root index / block lookup, in that order.
func (t *Table) Get(key []byte) ([]byte, bool, error) {
	ks := string(key)

	if t.LogDelCache[ks] {
		return nil, false, nil
	}
	if v, ok := t.LogCache[ks]; ok {
		return v, true, nil
	}

	ent, ok := t.Root.Lookup(key)
	if !ok {
		return nil, false, nil
	}

	if t.blocks == nil {
		return nil, false, fmt.Errorf("super: table %q has no block manager attached", t.Meta.Name)
	}
	blk, err := t.blocks.Get(ent.FileID)
	if err != nil {
		return nil, false, err
	}

	value, found, err := blk.Lookup(key)
	if err != nil || !found {
		return nil, false, err
	}
	return value, true, nil
}

// Exists reports whether key has a visible value, without paying for a
// value copy when the answer comes from the block layer.
func (t *Table) Exists(key []byte) (bool, error) {
	_, found, err := t.Get(key)
	return found, err
}
