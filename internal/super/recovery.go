package super

import (
	"fmt"

	"github.com/leengari/pagedb/internal/block"
	"github.com/leengari/pagedb/internal/tableroot"
	"github.com/leengari/pagedb/internal/walog"
)

// replayAdapter implements walog.ReplayTarget over a Superblock and the live
// table set being reconstructed during recovery. It exists because
// Superblock's own CreateTable serves interactive table creation (name-only,
// returns a *Table and WAL-logs the LTBL record) — the replay path instead
// receives an already-logged (name, rootID) pair and must not re-log it.
type replayAdapter struct {
	sb     *Superblock
	tables map[string]*Table
}

// newReplayAdapter returns an adapter that applies replayed records to sb and
// populates tables with a runtime Table for every LTBL record it encounters.
func newReplayAdapter(sb *Superblock, tables map[string]*Table) *replayAdapter {
	return &replayAdapter{sb: sb, tables: tables}
}

func (a *replayAdapter) CreateTable(tabName string, rootID uint64) error {
	// The superblock is republished after a table is created without rotating
	// the log, so the loaded catalog may already hold the very table this
	// record created (same name, same root id): that record is already applied.
	if meta, ok := a.sb.Tables[tabName]; ok && meta.RootID == rootID {
		return nil
	}
	if err := a.sb.ApplyTableCreate(tabName, rootID); err != nil {
		return err
	}
	a.tables[tabName] = newTable(a.sb.Tables[tabName], tableroot.NewEmpty())
	return nil
}

func (a *replayAdapter) ApplyPut(table string, key, value []byte) error {
	t, ok := a.tables[table]
	if !ok {
		return fmt.Errorf("super: replay: put against unknown table %q", table)
	}
	return t.ApplyPut(key, value)
}

func (a *replayAdapter) ApplyDelete(table string, key []byte) error {
	t, ok := a.tables[table]
	if !ok {
		return fmt.Errorf("super: replay: delete against unknown table %q", table)
	}
	return t.ApplyDelete(key)
}

func (a *replayAdapter) BumpSuperOp(op walog.SuperOp) error {
	return a.sb.ApplySuperOpBump(op)
}

var _ walog.ReplayTarget = (*replayAdapter)(nil)

// Recover loads the superblock at dir, replays every WAL segment from its
// recorded log id forward, and returns the reconstructed superblock together
// with a runtime Table for every table the replay reconstituted. Tables that
// existed before the replayed segments (their root already checkpointed to
// disk) are loaded from their on-disk root file instead of starting empty.
func Recover(dir string, blocks *block.Manager) (*Superblock, map[string]*Table, error) {
	sb, err := Load(dir)
	if err != nil {
		return nil, nil, err
	}

	tables := make(map[string]*Table, len(sb.Tables))
	for name, meta := range sb.Tables {
		t, err := sb.OpenTable(dir, name)
		if err != nil {
			return nil, nil, fmt.Errorf("super: recover: open table %q: %w", name, err)
		}
		t.SetBlockManager(blocks)
		tables[name] = t
		_ = meta
	}

	adapter := newReplayAdapter(sb, tables)

	lastLogID, err := walog.RecoverSegments(dir, sb.LogID, adapter, walog.OpenReadOnly)
	if err != nil {
		return nil, nil, fmt.Errorf("super: recover: replay: %w", err)
	}
	sb.LogID = lastLogID

	for _, t := range tables {
		t.SetBlockManager(blocks)
	}

	return sb, tables, nil
}
