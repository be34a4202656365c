// Package tableroot implements the table root index: an ordered sequence of
// (last_key, block_file_id) entries that partitions a table's key space
// across immutable block files.
package tableroot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/leengari/pagedb/internal/codec"
)

// Magic is the 8-byte ASCII literal at offset 0 of every root file.
const Magic = "TABLROOT"

// ErrCorrupt wraps any validation failure while loading a root file.
var ErrCorrupt = errors.New("tableroot: corrupt root file")

// RootEnt is one entry of a table root: the block whose keys run up to and
// including Key.
type RootEnt struct {
	Key    []byte
	FileID uint64
}

// FileName returns the on-disk file name for a root with the given id.
func FileName(rootID uint64) string {
	return fmt.Sprintf("root.%x", rootID)
}

// TableRoot is the in-memory, ordered form of a table's root index.
type TableRoot struct {
	entries []RootEnt
	dirty   bool
}

// NewEmpty returns a fresh root with zero entries, marked dirty because it
// has never been dumped to a root file.
func NewEmpty() *TableRoot {
	return &TableRoot{dirty: true}
}

// Load reads and deserializes the root file dir/FileName(rootID). A missing
// or malformed file is an error — callers that want "create if absent"
// semantics should catch os.IsNotExist and fall back to NewEmpty.
func Load(dir string, rootID uint64) (*TableRoot, error) {
	path := filepath.Join(dir, FileName(rootID))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tableroot: read %s: %w", path, err)
	}

	if len(data) < len(Magic) || !bytes.Equal(data[:len(Magic)], []byte(Magic)) {
		return nil, fmt.Errorf("%w: %s: bad magic", ErrCorrupt, path)
	}

	tag, payload, _, err := codec.ParseFrame(data[len(Magic):])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if tag != "ROOT" {
		return nil, fmt.Errorf("%w: %s: expected ROOT frame, got %q", ErrCorrupt, path, tag)
	}

	entries, err := decodeEntries(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}

	return &TableRoot{entries: entries}, nil
}

// Entries returns the root's entries in order. Callers must not mutate the
// returned slice.
func (r *TableRoot) Entries() []RootEnt { return r.entries }

// Dirty reports whether the root has unpersisted changes.
func (r *TableRoot) Dirty() bool { return r.dirty }

// First returns the first entry, if any.
func (r *TableRoot) First() (RootEnt, bool) {
	if len(r.entries) == 0 {
		return RootEnt{}, false
	}
	return r.entries[0], true
}

// Last returns the last entry, if any.
func (r *TableRoot) Last() (RootEnt, bool) {
	if len(r.entries) == 0 {
		return RootEnt{}, false
	}
	return r.entries[len(r.entries)-1], true
}

// lookupPos returns the index of the first entry whose Key is >= key, or
// -1 if every entry's Key is < key.
func (r *TableRoot) lookupPos(key []byte) int {
	for i, e := range r.entries {
		if bytes.Compare(key, e.Key) <= 0 {
			return i
		}
	}
	return -1
}

// Lookup returns the entry covering key: the first entry whose last_key is
// >= key, or the last entry if every last_key is smaller. Returns false only
// when the root has no entries at all.
func (r *TableRoot) Lookup(key []byte) (RootEnt, bool) {
	pos := r.lookupPos(key)
	if pos == -1 {
		return r.Last()
	}
	return r.entries[pos], true
}

// Insert adds ent in sorted position by Key.
func (r *TableRoot) Insert(ent RootEnt) {
	pos := r.lookupPos(ent.Key)
	if pos == -1 {
		r.entries = append(r.entries, ent)
	} else {
		r.entries = append(r.entries, RootEnt{})
		copy(r.entries[pos+1:], r.entries[pos:])
		r.entries[pos] = ent
	}
	r.dirty = true
}

// Delete removes the entry at index n.
func (r *TableRoot) Delete(n int) bool {
	if n < 0 || n >= len(r.entries) {
		return false
	}
	r.entries = append(r.entries[:n], r.entries[n+1:]...)
	r.dirty = true
	return true
}

// Replace swaps the whole entry vector, used by the checkpoint engine once
// it has built a complete replacement root.
func (r *TableRoot) Replace(entries []RootEnt) {
	r.entries = entries
	r.dirty = true
}

// Dump serializes the root to a brand-new file dir/FileName(rootID) via
// exclusive create; an existing root file is never overwritten in place.
func (r *TableRoot) Dump(dir string, rootID uint64) error {
	path := filepath.Join(dir, FileName(rootID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("tableroot: create %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write([]byte(Magic)); err != nil {
		return fmt.Errorf("tableroot: write magic to %s: %w", path, err)
	}

	frame, err := codec.Encode("ROOT", encodeEntries(r.entries))
	if err != nil {
		return fmt.Errorf("tableroot: encode ROOT frame: %w", err)
	}
	if _, err := f.Write(frame); err != nil {
		return fmt.Errorf("tableroot: write ROOT frame to %s: %w", path, err)
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("tableroot: sync %s: %w", path, err)
	}

	r.dirty = false
	return nil
}

func encodeEntries(entries []RootEnt) []byte {
	buf := make([]byte, 0, 4+len(entries)*16)
	buf = putUint32(buf, uint32(len(entries)))
	for _, e := range entries {
		buf = putUint64(buf, e.FileID)
		buf = putUint32(buf, uint32(len(e.Key)))
		buf = append(buf, e.Key...)
	}
	return buf
}

func decodeEntries(payload []byte) ([]RootEnt, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("truncated entry count")
	}
	n := binary.LittleEndian.Uint32(payload)
	pos := 4
	entries := make([]RootEnt, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(payload)-pos < 12 {
			return nil, fmt.Errorf("truncated entry %d header", i)
		}
		fileID := binary.LittleEndian.Uint64(payload[pos:])
		pos += 8
		keyLen := binary.LittleEndian.Uint32(payload[pos:])
		pos += 4
		if uint32(len(payload)-pos) < keyLen {
			return nil, fmt.Errorf("truncated entry %d key", i)
		}
		key := make([]byte, keyLen)
		copy(key, payload[pos:pos+int(keyLen)])
		pos += int(keyLen)
		entries = append(entries, RootEnt{Key: key, FileID: fileID})
	}
	return entries, nil
}

func putUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func putUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}
