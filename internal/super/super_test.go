package super

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leengari/pagedb/internal/block"
	"github.com/leengari/pagedb/internal/walog"
	"gotest.tools/v3/assert"
)

func newTestSuperblock(t *testing.T, dir string) *Superblock {
	t.Helper()
	sb := New()
	l, err := walog.Open(filepath.Join(dir, walog.SegmentName(sb.LogID)), sb.LogID)
	assert.NilError(t, err)
	sb.SetLog(l)
	return sb
}

func TestPublishRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sb := newTestSuperblock(t, dir)

	_, err := sb.CreateTable("widgets")
	assert.NilError(t, err)
	assert.NilError(t, sb.Publish(dir))
	assert.Equal(t, sb.Dirty(), false)

	loaded, err := Load(dir)
	assert.NilError(t, err)
	assert.Equal(t, loaded.DatabaseUUID, sb.DatabaseUUID)
	assert.Equal(t, loaded.NextFileID, sb.NextFileID)
	_, ok := loaded.Tables["widgets"]
	assert.Equal(t, ok, true)
}

func TestPublishFailureLeavesPriorStateAuthoritative(t *testing.T) {
	dir := t.TempDir()
	sb := newTestSuperblock(t, dir)
	assert.NilError(t, sb.Publish(dir))

	// Occupy the tmp staging name so the next Publish's exclusive create fails.
	tmpPath := filepath.Join(dir, tmpFileName)
	assert.NilError(t, os.WriteFile(tmpPath, []byte("stale"), 0o644))

	_, err := sb.CreateTable("gadgets")
	assert.NilError(t, err)
	err = sb.Publish(dir)
	assert.ErrorContains(t, err, "create")

	loaded, err := Load(dir)
	assert.NilError(t, err)
	_, ok := loaded.Tables["gadgets"]
	assert.Equal(t, ok, false, "a failed publish must not leak the new table into the durable superblock")
}

func TestNewFileIDLogsBumpBeforeReturning(t *testing.T) {
	dir := t.TempDir()
	sb := newTestSuperblock(t, dir)

	first, err := sb.NewFileID()
	assert.NilError(t, err)
	second, err := sb.NewFileID()
	assert.NilError(t, err)
	assert.Equal(t, second, first+1)

	assert.NilError(t, sb.Publish(dir))

	replayed := New()
	replayed.Tables = make(map[string]*TableMeta)
	l, err := walog.OpenReadOnly(filepath.Join(dir, walog.SegmentName(sb.LogID)), sb.LogID)
	assert.NilError(t, err)
	defer l.Close()

	tables := make(map[string]*Table)
	assert.NilError(t, walog.Replay(l, newReplayAdapter(replayed, tables)))
	assert.Equal(t, replayed.NextFileID, second+1)
}

func TestCreateTableRejectsDuplicateAndBadName(t *testing.T) {
	dir := t.TempDir()
	sb := newTestSuperblock(t, dir)

	_, err := sb.CreateTable("ok_name")
	assert.NilError(t, err)

	_, err = sb.CreateTable("ok_name")
	assert.ErrorIs(t, err, ErrTableExists)

	_, err = sb.CreateTable("bad name!")
	assert.ErrorIs(t, err, ErrBadTableName)
}

func TestCheckpointInitialThenIncremental(t *testing.T) {
	dir := t.TempDir()
	sb := newTestSuperblock(t, dir)

	tbl, err := sb.CreateTable("events")
	assert.NilError(t, err)
	tbl.SetBlockManager(block.NewManager(dir))

	assert.NilError(t, tbl.ApplyPut([]byte("a"), []byte("1")))
	assert.NilError(t, tbl.ApplyPut([]byte("b"), []byte("2")))
	assert.NilError(t, tbl.ApplyPut([]byte("c"), []byte("3")))

	cp := NewCheckpointer(dir, block.NewManager(dir))
	ok, err := cp.Run(sb, map[string]*Table{"events": tbl}, walog.Open)
	assert.NilError(t, err)
	assert.Equal(t, ok, true)

	v, found, err := tbl.Get([]byte("b"))
	assert.NilError(t, err)
	assert.Equal(t, found, true)
	assert.Equal(t, string(v), "2")

	assert.NilError(t, tbl.ApplyPut([]byte("d"), []byte("4")))
	assert.NilError(t, tbl.ApplyDelete([]byte("a")))

	ok, err = cp.Run(sb, map[string]*Table{"events": tbl}, walog.Open)
	assert.NilError(t, err)
	assert.Equal(t, ok, true)

	_, found, err = tbl.Get([]byte("a"))
	assert.NilError(t, err)
	assert.Equal(t, found, false)

	v, found, err = tbl.Get([]byte("d"))
	assert.NilError(t, err)
	assert.Equal(t, found, true)
	assert.Equal(t, string(v), "4")

	v, found, err = tbl.Get([]byte("c"))
	assert.NilError(t, err)
	assert.Equal(t, found, true)
	assert.Equal(t, string(v), "3")
}

// countFilesWithPrefix counts directory entries beginning with prefix, e.g.
// "block." or "root.".
func countFilesWithPrefix(t *testing.T, dir, prefix string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	assert.NilError(t, err)
	n := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			n++
		}
	}
	return n
}

// TestCheckpointTwiceWithNoWritesIsIdempotent covers property #4: calling
// Run() a second time with no intervening puts or deletes must leave the
// observable key/value mapping unchanged and must not emit any new block or
// root files, even though the log still rotates and the superblock still
// gains a new generation on every call.
func TestCheckpointTwiceWithNoWritesIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	sb := newTestSuperblock(t, dir)

	tbl, err := sb.CreateTable("events")
	assert.NilError(t, err)
	tbl.SetBlockManager(block.NewManager(dir))

	assert.NilError(t, tbl.ApplyPut([]byte("a"), []byte("1")))
	assert.NilError(t, tbl.ApplyPut([]byte("b"), []byte("2")))
	assert.NilError(t, tbl.ApplyPut([]byte("c"), []byte("3")))

	cp := NewCheckpointer(dir, block.NewManager(dir))
	ok, err := cp.Run(sb, map[string]*Table{"events": tbl}, walog.Open)
	assert.NilError(t, err)
	assert.Equal(t, ok, true)

	wantBefore := map[string]string{"a": "1", "b": "2", "c": "3"}
	for k, want := range wantBefore {
		v, found, err := tbl.Get([]byte(k))
		assert.NilError(t, err)
		assert.Equal(t, found, true)
		assert.Equal(t, string(v), want)
	}

	blocksBefore := countFilesWithPrefix(t, dir, "block.")
	rootsBefore := countFilesWithPrefix(t, dir, "root.")
	logIDBefore := sb.LogID

	ok, err = cp.Run(sb, map[string]*Table{"events": tbl}, walog.Open)
	assert.NilError(t, err)
	assert.Equal(t, ok, true)

	for k, want := range wantBefore {
		v, found, err := tbl.Get([]byte(k))
		assert.NilError(t, err)
		assert.Equal(t, found, true)
		assert.Equal(t, string(v), want)
	}

	assert.Equal(t, countFilesWithPrefix(t, dir, "block."), blocksBefore,
		"a no-op checkpoint must not produce any new block files")
	assert.Equal(t, countFilesWithPrefix(t, dir, "root."), rootsBefore,
		"a no-op checkpoint must not produce any new root files")
	assert.Equal(t, sb.LogID, logIDBefore+1, "the log still rotates on every call")
}

func TestMergeStreamsDrainsBothStreamsAndAddsWinTies(t *testing.T) {
	old := []block.KV{
		{Key: []byte("a"), Value: []byte("old-a")},
		{Key: []byte("b"), Value: []byte("old-b")},
		{Key: []byte("z"), Value: []byte("old-z")},
	}
	adds := []block.KV{
		{Key: []byte("b"), Value: []byte("new-b")},
		{Key: []byte("m"), Value: []byte("new-m")},
	}
	dels := [][]byte{[]byte("z")}

	out := mergeStreams(old, adds, dels)

	assert.Equal(t, len(out), 3)
	assert.Equal(t, string(out[0].Key), "a")
	assert.Equal(t, string(out[1].Key), "b")
	assert.Equal(t, string(out[1].Value), "new-b")
	assert.Equal(t, string(out[2].Key), "m")
}
