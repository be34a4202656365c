package super

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/leengari/pagedb/internal/block"
	"github.com/leengari/pagedb/internal/tableroot"
	"github.com/leengari/pagedb/internal/walog"
)

// Checkpointer drives the checkpoint/merge engine over every table the
// superblock owns, then rotates the WAL and atomically publishes the new
// superblock generation.
type Checkpointer struct {
	dir    string
	blocks *block.Manager
}

// NewCheckpointer returns a Checkpointer rooted at dir, using blocks to read
// the old generation's blocks during the merge.
func NewCheckpointer(dir string, blocks *block.Manager) *Checkpointer {
	return &Checkpointer{dir: dir, blocks: blocks}
}

// Run checkpoints every table, rotates the log, and publishes the new
// superblock. It returns true on success and false only on an I/O or
// validation failure — the reverse of the defect this behavior corrects.
func (c *Checkpointer) Run(sb *Superblock, tables map[string]*Table, openLog func(path string, logID uint64) (*walog.Log, error)) (bool, error) {
	for name, t := range tables {
		if err := c.checkpointTable(sb, t); err != nil {
			return false, fmt.Errorf("super: checkpoint table %q: %w", name, err)
		}
	}

	oldLogID := sb.LogID
	oldLog := sb.log
	newLogID := oldLogID + 1

	newLog, err := openLog(filepath.Join(c.dir, walog.SegmentName(newLogID)), newLogID)
	if err != nil {
		return false, fmt.Errorf("super: open new log segment %d: %w", newLogID, err)
	}

	sb.LogID = newLogID
	sb.log = newLog
	if oldLog != nil {
		_ = oldLog.Sync()
		_ = oldLog.Close()
	}
	sb.Garbage = append(sb.Garbage, GarbageEntry{Kind: GarbageLog, ID: oldLogID})
	sb.dirty = true

	if err := sb.Publish(c.dir); err != nil {
		return false, err
	}

	for _, t := range tables {
		t.LogCache = make(map[string][]byte)
		t.LogDelCache = make(map[string]bool)
	}

	c.sweepGarbage(sb)

	return true, nil
}

func (c *Checkpointer) checkpointTable(sb *Superblock, t *Table) error {
	if _, hasAny := t.Root.First(); !hasAny {
		return c.initialCheckpoint(sb, t)
	}
	return c.incrementalCheckpoint(sb, t)
}

// initialCheckpoint handles a table whose root has zero entries: every
// pending put is written out, sorted, into fresh blocks.
func (c *Checkpointer) initialCheckpoint(sb *Superblock, t *Table) error {
	if len(t.LogCache) == 0 {
		return nil
	}

	keys := sortedKeys(t.LogCache)
	writer := block.NewWriter(c.dir, sb, block.TargetMinSize)
	for _, k := range keys {
		if err := writer.Push([]byte(k), t.LogCache[k]); err != nil {
			return err
		}
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	entries := make([]tableroot.RootEnt, 0, len(writer.Produced()))
	for _, p := range writer.Produced() {
		entries = append(entries, tableroot.RootEnt{Key: p.LastKey, FileID: p.FileID})
	}
	t.Root.Replace(entries)

	return c.dumpRoot(sb, t)
}

// incrementalCheckpoint walks the existing root, merging each block's
// content against the pending adds/deletes scoped to it. It drains both the
// add stream and the delete stream fully across the whole walk (the final
// block absorbs everything left over), not just within the overlap.
func (c *Checkpointer) incrementalCheckpoint(sb *Superblock, t *Table) error {
	oldEntries := t.Root.Entries()
	addKeys := sortedKeys(t.LogCache)
	delKeys := sortedBoolKeys(t.LogDelCache)

	newEntries := make([]tableroot.RootEnt, 0, len(oldEntries))
	addIdx, delIdx := 0, 0
	anyChange := false

	for i, oldEnt := range oldEntries {
		isLast := i == len(oldEntries)-1

		var addRecs []block.KV
		for addIdx < len(addKeys) && (isLast || bytes.Compare([]byte(addKeys[addIdx]), oldEnt.Key) <= 0) {
			k := addKeys[addIdx]
			addRecs = append(addRecs, block.KV{Key: []byte(k), Value: t.LogCache[k]})
			addIdx++
		}

		var delRecs [][]byte
		for delIdx < len(delKeys) && (isLast || bytes.Compare([]byte(delKeys[delIdx]), oldEnt.Key) <= 0) {
			delRecs = append(delRecs, []byte(delKeys[delIdx]))
			delIdx++
		}

		if len(addRecs) == 0 && len(delRecs) == 0 {
			newEntries = append(newEntries, oldEnt)
			continue
		}
		anyChange = true

		oldBlock, err := c.blocks.Get(oldEnt.FileID)
		if err != nil {
			return fmt.Errorf("super: open old block %x: %w", oldEnt.FileID, err)
		}
		oldPairs, err := oldBlock.ReadAll()
		if err != nil {
			return fmt.Errorf("super: read old block %x: %w", oldEnt.FileID, err)
		}

		merged := mergeStreams(oldPairs, addRecs, delRecs)

		writer := block.NewWriter(c.dir, sb, block.TargetMinSize)
		for _, p := range merged {
			if err := writer.Push(p.Key, p.Value); err != nil {
				return err
			}
		}
		if err := writer.Flush(); err != nil {
			return err
		}

		for _, p := range writer.Produced() {
			newEntries = append(newEntries, tableroot.RootEnt{Key: p.LastKey, FileID: p.FileID})
		}
		sb.Garbage = append(sb.Garbage, GarbageEntry{Kind: GarbageBlock, ID: oldEnt.FileID})
		c.blocks.Evict(oldEnt.FileID)
	}

	if !anyChange {
		return nil
	}

	t.Root.Replace(newEntries)
	return c.dumpRoot(sb, t)
}

// dumpRoot allocates a fresh root file id, dumps the table's (now replaced)
// root vector to it, and retires the old root id to the garbage list.
func (c *Checkpointer) dumpRoot(sb *Superblock, t *Table) error {
	oldRootID := t.Meta.RootID

	newRootID, err := sb.NewFileID()
	if err != nil {
		return err
	}
	if err := t.Root.Dump(c.dir, newRootID); err != nil {
		return err
	}

	t.Meta.RootID = newRootID
	sb.Garbage = append(sb.Garbage, GarbageEntry{Kind: GarbageRoot, ID: oldRootID})
	sb.dirty = true

	return nil
}

// mergeStreams three-way merges an old block's sorted pairs with sorted
// pending adds, adds winning ties (latest write wins), suppressing any key
// present in dels. Both streams are drained to completion.
func mergeStreams(old []block.KV, adds []block.KV, dels [][]byte) []block.KV {
	delSet := make(map[string]bool, len(dels))
	for _, d := range dels {
		delSet[string(d)] = true
	}

	out := make([]block.KV, 0, len(old)+len(adds))
	i, j := 0, 0

	for i < len(old) || j < len(adds) {
		var fromAdds bool
		switch {
		case i >= len(old):
			fromAdds = true
		case j >= len(adds):
			fromAdds = false
		default:
			fromAdds = bytes.Compare(adds[j].Key, old[i].Key) <= 0
		}

		if fromAdds {
			k, v := adds[j].Key, adds[j].Value
			j++
			for i < len(old) && bytes.Equal(old[i].Key, k) {
				i++
			}
			if !delSet[string(k)] {
				out = append(out, block.KV{Key: k, Value: v})
			}
			continue
		}

		k, v := old[i].Key, old[i].Value
		i++
		if !delSet[string(k)] {
			out = append(out, block.KV{Key: k, Value: v})
		}
	}

	return out
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedBoolKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// sweepGarbage attempts to delete every garbage-listed file, keeping an
// entry in sb.Garbage whenever its delete fails for any reason other than
// the file already being gone. Those survivors are retried by the next
// checkpoint's sweep, so a transient failure (busy fd, permission blip)
// never permanently orphans a file.
func (c *Checkpointer) sweepGarbage(sb *Superblock) {
	remaining := sb.Garbage[:0]
	for _, g := range sb.Garbage {
		var name string
		switch g.Kind {
		case GarbageBlock:
			name = block.FileName(g.ID)
		case GarbageRoot:
			name = tableroot.FileName(g.ID)
		case GarbageLog:
			name = walog.SegmentName(g.ID)
		default:
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, name)); err != nil && !os.IsNotExist(err) {
			remaining = append(remaining, g)
			continue
		}
	}
	sb.Garbage = remaining
}
