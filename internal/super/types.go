// Package super implements the superblock catalog, crash-safe id allocation,
// atomic publication, and the checkpoint/merge engine that folds a table's
// pending log cache into its immutable blocks.
package super

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/leengari/pagedb/internal/walog"
)

// Magic is the 8-byte ASCII literal at offset 0 of the superblock file.
const Magic = "SUPER   "

// FormatVersion is the only superblock format this package understands.
const FormatVersion = 1

// GarbageKind identifies the on-disk file family a garbage entry names, so
// that sweeping it can build the right file name.
type GarbageKind uint8

const (
	GarbageBlock GarbageKind = iota
	GarbageRoot
	GarbageLog
)

// GarbageEntry is a superseded file recorded at the moment it was replaced,
// deleted only after the new superblock has been durably published.
type GarbageEntry struct {
	Kind GarbageKind
	ID   uint64
}

// TableMeta is one table's catalog entry on the superblock: its human name,
// UUID, and current root file id.
type TableMeta struct {
	Name   string
	UUID   uuid.UUID
	RootID uint64
}

// Superblock is the process-wide catalog: format version, database UUID,
// current log id, next transaction id, next file id, and the table set.
type Superblock struct {
	Version      uint32
	DatabaseUUID uuid.UUID
	LogID        uint64
	NextTxnID    uint64
	NextFileID   uint64
	Tables       map[string]*TableMeta
	Garbage      []GarbageEntry

	dirty bool
	log   *walog.Log
}

// New returns a fresh superblock for a brand-new database.
func New() *Superblock {
	return &Superblock{
		Version:      FormatVersion,
		DatabaseUUID: uuid.New(),
		LogID:        1,
		NextTxnID:    1,
		NextFileID:   1,
		Tables:       make(map[string]*TableMeta),
		dirty:        true,
	}
}

// Dirty reports whether the superblock has unpublished changes.
func (s *Superblock) Dirty() bool { return s.dirty }

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

func putBytes(buf []byte, b []byte) []byte {
	buf = putUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

func putString(buf []byte, s string) []byte {
	return putBytes(buf, []byte(s))
}

// serialize encodes the superblock's catalog into the structured SUPR
// payload: version, database uuid, log_id, next_txn_id, next_file_id, the
// table list, then the garbage list.
func (s *Superblock) serialize() []byte {
	buf := putUint32(nil, s.Version)
	dbUUID, _ := s.DatabaseUUID.MarshalBinary()
	buf = append(buf, dbUUID...)
	buf = putUint64(buf, s.LogID)
	buf = putUint64(buf, s.NextTxnID)
	buf = putUint64(buf, s.NextFileID)

	buf = putUint32(buf, uint32(len(s.Tables)))
	for _, t := range s.Tables {
		buf = putString(buf, t.Name)
		tUUID, _ := t.UUID.MarshalBinary()
		buf = append(buf, tUUID...)
		buf = putUint64(buf, t.RootID)
	}

	buf = putUint32(buf, uint32(len(s.Garbage)))
	for _, g := range s.Garbage {
		buf = append(buf, byte(g.Kind))
		buf = putUint64(buf, g.ID)
	}

	return buf
}

type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) uint32() (uint32, error) {
	if len(r.buf)-r.pos < 4 {
		return 0, fmt.Errorf("super: truncated uint32 field")
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *byteReader) uint64() (uint64, error) {
	if len(r.buf)-r.pos < 8 {
		return 0, fmt.Errorf("super: truncated uint64 field")
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *byteReader) byte() (byte, error) {
	if len(r.buf)-r.pos < 1 {
		return 0, fmt.Errorf("super: truncated byte field")
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *byteReader) uuid() (uuid.UUID, error) {
	if len(r.buf)-r.pos < 16 {
		return uuid.UUID{}, fmt.Errorf("super: truncated uuid field")
	}
	var u uuid.UUID
	copy(u[:], r.buf[r.pos:r.pos+16])
	r.pos += 16
	return u, nil
}

func (r *byteReader) bytes() ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if uint32(len(r.buf)-r.pos) < n {
		return nil, fmt.Errorf("super: truncated byte-string field")
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return out, nil
}

func (r *byteReader) string() (string, error) {
	b, err := r.bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func deserialize(payload []byte) (*Superblock, error) {
	r := &byteReader{buf: payload}

	version, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if version != FormatVersion {
		return nil, fmt.Errorf("super: unsupported format version %d", version)
	}

	dbUUID, err := r.uuid()
	if err != nil {
		return nil, err
	}
	logID, err := r.uint64()
	if err != nil {
		return nil, err
	}
	nextTxnID, err := r.uint64()
	if err != nil {
		return nil, err
	}
	nextFileID, err := r.uint64()
	if err != nil {
		return nil, err
	}

	nTables, err := r.uint32()
	if err != nil {
		return nil, err
	}
	tables := make(map[string]*TableMeta, nTables)
	for i := uint32(0); i < nTables; i++ {
		name, err := r.string()
		if err != nil {
			return nil, err
		}
		tUUID, err := r.uuid()
		if err != nil {
			return nil, err
		}
		rootID, err := r.uint64()
		if err != nil {
			return nil, err
		}
		tables[name] = &TableMeta{Name: name, UUID: tUUID, RootID: rootID}
	}

	nGarbage, err := r.uint32()
	if err != nil {
		return nil, err
	}
	garbage := make([]GarbageEntry, 0, nGarbage)
	for i := uint32(0); i < nGarbage; i++ {
		kind, err := r.byte()
		if err != nil {
			return nil, err
		}
		id, err := r.uint64()
		if err != nil {
			return nil, err
		}
		garbage = append(garbage, GarbageEntry{Kind: GarbageKind(kind), ID: id})
	}

	return &Superblock{
		Version:      version,
		DatabaseUUID: dbUUID,
		LogID:        logID,
		NextTxnID:    nextTxnID,
		NextFileID:   nextFileID,
		Tables:       tables,
		Garbage:      garbage,
	}, nil
}
