package block

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"gotest.tools/v3/assert"
)

func sortedPairs() []KV {
	return []KV{
		{Key: []byte("alpha"), Value: []byte("1")},
		{Key: []byte("beta"), Value: []byte("2")},
		{Key: []byte("gamma"), Value: []byte("3")},
		{Key: []byte("zeta"), Value: []byte("4")},
	}
}

func TestWriteBlockAndLookup(t *testing.T) {
	dir := t.TempDir()
	pairs := sortedPairs()

	lastKey, err := WriteBlock(dir, 1, pairs)
	assert.NilError(t, err)
	assert.Equal(t, string(lastKey), "zeta")

	b, err := Open(filepath.Join(dir, FileName(1)), 1)
	assert.NilError(t, err)
	defer b.Close()

	assert.Equal(t, b.NumKeys(), len(pairs))

	for _, p := range pairs {
		v, found, err := b.Lookup(p.Key)
		assert.NilError(t, err)
		assert.Equal(t, found, true)
		assert.DeepEqual(t, v, p.Value)
	}

	_, found, err := b.Lookup([]byte("missing"))
	assert.NilError(t, err)
	assert.Equal(t, found, false)
}

func TestReadAllIsSortedAndComplete(t *testing.T) {
	dir := t.TempDir()
	pairs := sortedPairs()
	_, err := WriteBlock(dir, 1, pairs)
	assert.NilError(t, err)

	b, err := Open(filepath.Join(dir, FileName(1)), 1)
	assert.NilError(t, err)
	defer b.Close()

	all, err := b.ReadAll()
	assert.NilError(t, err)
	assert.Equal(t, len(all), len(pairs))

	sorted := sort.SliceIsSorted(all, func(i, j int) bool {
		return string(all[i].Key) < string(all[j].Key)
	})
	assert.Equal(t, sorted, true)

	for i, p := range pairs {
		assert.DeepEqual(t, all[i].Key, p.Key)
		assert.DeepEqual(t, all[i].Value, p.Value)
	}
}

func TestOpenRejectsSingleByteCorruption(t *testing.T) {
	dir := t.TempDir()
	_, err := WriteBlock(dir, 1, sortedPairs())
	assert.NilError(t, err)

	path := filepath.Join(dir, FileName(1))
	data, err := os.ReadFile(path)
	assert.NilError(t, err)

	data[len(Magic)+10] ^= 0xFF
	assert.NilError(t, os.WriteFile(path, data, 0o644))

	_, err = Open(path, 1)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestOpenRejectsSizeOutOfRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName(1))
	assert.NilError(t, os.WriteFile(path, []byte("too small"), 0o644))

	_, err := Open(path, 1)
	assert.ErrorIs(t, err, ErrSizeOutOfRange)
}

type fakeAllocator struct{ next uint64 }

func (a *fakeAllocator) NewFileID() (uint64, error) {
	a.next++
	return a.next, nil
}

func TestWriterSplitsOnTargetSize(t *testing.T) {
	dir := t.TempDir()
	alloc := &fakeAllocator{}
	w := NewWriter(dir, alloc, 10) // tiny threshold to force multiple blocks

	pairs := []KV{
		{Key: []byte("a"), Value: []byte("123456")},
		{Key: []byte("b"), Value: []byte("123456")},
		{Key: []byte("c"), Value: []byte("123456")},
	}
	for _, p := range pairs {
		assert.NilError(t, w.Push(p.Key, p.Value))
	}
	assert.NilError(t, w.Flush())

	produced := w.Produced()
	assert.Equal(t, len(produced), 2)
	assert.DeepEqual(t, produced[0].LastKey, []byte("b"))
	assert.DeepEqual(t, produced[1].LastKey, []byte("c"))
}

// linearScan is the reference implementation Lookup's binary search must
// agree with: a plain top-to-bottom walk of ReadAll's output.
func linearScan(all []KV, key []byte) ([]byte, bool) {
	for _, kv := range all {
		if string(kv.Key) == string(key) {
			return kv.Value, true
		}
	}
	return nil, false
}

// blockFor returns the id of the first produced block whose last key is >=
// key, mirroring how a root index routes a lookup to a block.
func blockFor(produced []Produced, key []byte) uint64 {
	for _, p := range produced {
		if string(key) <= string(p.LastKey) {
			return p.FileID
		}
	}
	return produced[len(produced)-1].FileID
}

// TestLargeBlockLookupMatchesLinearScan pushes 10,000 sorted keys with
// 200-byte values through a Writer (the S5 scale), then for every resulting
// block checks that every file falls within [MinSize, MaxSize] and that
// Lookup's binary search agrees exactly with a linear scan over ReadAll, for
// both present and absent keys. It then spot-checks 1,000 random keys routed
// through the produced block boundaries end to end.
func TestLargeBlockLookupMatchesLinearScan(t *testing.T) {
	dir := t.TempDir()
	alloc := &fakeAllocator{}
	w := NewWriter(dir, alloc, TargetMinSize)

	const n = 10000
	pairs := make([]KV, n)
	value := make([]byte, 200)
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%06d", i))
		v := make([]byte, 200)
		copy(v, value)
		v[0] = byte(i)
		v[1] = byte(i >> 8)
		pairs[i] = KV{Key: key, Value: v}
	}
	for _, p := range pairs {
		assert.NilError(t, w.Push(p.Key, p.Value))
	}
	assert.NilError(t, w.Flush())

	produced := w.Produced()
	assert.Assert(t, len(produced) >= 1)

	rng := rand.New(rand.NewSource(1))

	for _, p := range produced {
		path := filepath.Join(dir, FileName(p.FileID))
		info, err := os.Stat(path)
		assert.NilError(t, err)
		assert.Assert(t, info.Size() >= MinSize, "block %x is %d bytes, below MinSize", p.FileID, info.Size())
		assert.Assert(t, info.Size() <= MaxSize, "block %x is %d bytes, above MaxSize", p.FileID, info.Size())

		b, err := Open(path, p.FileID)
		assert.NilError(t, err)

		all, err := b.ReadAll()
		assert.NilError(t, err)
		assert.Assert(t, len(all) > 0)

		for i := 0; i < 50; i++ {
			want := all[rng.Intn(len(all))]
			v, found, err := b.Lookup(want.Key)
			assert.NilError(t, err)
			lv, lfound := linearScan(all, want.Key)
			assert.Equal(t, found, lfound)
			assert.Equal(t, found, true)
			assert.DeepEqual(t, v, lv)
			assert.DeepEqual(t, v, want.Value)
		}

		for i := 0; i < 10; i++ {
			absent := []byte(fmt.Sprintf("zzz-absent-%06d", i))
			v, found, err := b.Lookup(absent)
			assert.NilError(t, err)
			lv, lfound := linearScan(all, absent)
			assert.Equal(t, found, false)
			assert.Equal(t, found, lfound)
			assert.Equal(t, len(v), len(lv))
		}

		assert.NilError(t, b.Close())
	}

	for i := 0; i < 1000; i++ {
		want := pairs[rng.Intn(n)]
		fileID := blockFor(produced, want.Key)

		b, err := Open(filepath.Join(dir, FileName(fileID)), fileID)
		assert.NilError(t, err)
		v, found, err := b.Lookup(want.Key)
		assert.NilError(t, err)
		assert.Equal(t, found, true)
		assert.DeepEqual(t, v, want.Value)
		assert.NilError(t, b.Close())
	}
}

func TestManagerCachesOpenBlocks(t *testing.T) {
	dir := t.TempDir()
	_, err := WriteBlock(dir, 1, sortedPairs())
	assert.NilError(t, err)

	mgr := NewManager(dir)
	defer mgr.CloseAll()

	b1, err := mgr.Get(1)
	assert.NilError(t, err)
	b2, err := mgr.Get(1)
	assert.NilError(t, err)
	assert.Equal(t, b1, b2)
}
