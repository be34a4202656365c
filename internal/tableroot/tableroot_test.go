package tableroot

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

func TestInsertKeepsSortedOrder(t *testing.T) {
	r := NewEmpty()
	r.Insert(RootEnt{Key: []byte("m"), FileID: 2})
	r.Insert(RootEnt{Key: []byte("a"), FileID: 1})
	r.Insert(RootEnt{Key: []byte("z"), FileID: 3})

	entries := r.Entries()
	assert.Equal(t, len(entries), 3)
	assert.Equal(t, string(entries[0].Key), "a")
	assert.Equal(t, string(entries[1].Key), "m")
	assert.Equal(t, string(entries[2].Key), "z")
}

func TestLookupReturnsCoveringEntryOrLast(t *testing.T) {
	r := NewEmpty()
	r.Insert(RootEnt{Key: []byte("m"), FileID: 1})
	r.Insert(RootEnt{Key: []byte("z"), FileID: 2})

	ent, ok := r.Lookup([]byte("a"))
	assert.Equal(t, ok, true)
	assert.Equal(t, ent.FileID, uint64(1))

	ent, ok = r.Lookup([]byte("zzz"))
	assert.Equal(t, ok, true)
	assert.Equal(t, ent.FileID, uint64(2))
}

func TestLookupOnEmptyRootIsNotFound(t *testing.T) {
	r := NewEmpty()
	_, ok := r.Lookup([]byte("anything"))
	assert.Equal(t, ok, false)
}

func TestDeleteRemovesEntry(t *testing.T) {
	r := NewEmpty()
	r.Insert(RootEnt{Key: []byte("a"), FileID: 1})
	r.Insert(RootEnt{Key: []byte("b"), FileID: 2})

	assert.Equal(t, r.Delete(0), true)
	assert.Equal(t, len(r.Entries()), 1)
	assert.Equal(t, string(r.Entries()[0].Key), "b")

	assert.Equal(t, r.Delete(5), false)
}

func TestDumpLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	r := NewEmpty()
	r.Insert(RootEnt{Key: []byte("alpha"), FileID: 10})
	r.Insert(RootEnt{Key: []byte("beta"), FileID: 20})

	assert.NilError(t, r.Dump(dir, 7))
	assert.Equal(t, r.Dirty(), false)

	loaded, err := Load(dir, 7)
	assert.NilError(t, err)

	entries := loaded.Entries()
	assert.Equal(t, len(entries), 2)
	assert.Equal(t, string(entries[0].Key), "alpha")
	assert.Equal(t, entries[0].FileID, uint64(10))
	assert.Equal(t, string(entries[1].Key), "beta")
	assert.Equal(t, entries[1].FileID, uint64(20))
}

func TestDumpNeverOverwritesExistingFile(t *testing.T) {
	dir := t.TempDir()
	r := NewEmpty()
	assert.NilError(t, r.Dump(dir, 1))

	err := r.Dump(dir, 1)
	assert.ErrorContains(t, err, "create")
	assert.Equal(t, os.IsExist(err) || pathExists(filepath.Join(dir, FileName(1))), true)
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestLoadMissingFileIsError(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir, 99)
	assert.ErrorContains(t, err, "tableroot")
}

func TestLoadRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName(1))
	assert.NilError(t, os.WriteFile(path, []byte("NOTROOT!garbage"), 0o644))

	_, err := Load(dir, 1)
	assert.ErrorIs(t, err, ErrCorrupt)
}
