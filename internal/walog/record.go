package walog

import (
	"encoding/binary"
	"fmt"
)

// Tag identifies the kind of a framed WAL record.
type Tag string

const (
	TagTxnBegin  Tag = "TXN "
	TagTxnCommit Tag = "TXNC"
	TagTxnAbort  Tag = "TXNA"
	TagData      Tag = "LOGR"
	TagTable     Tag = "LTBL"
	TagSuperOp   Tag = "SUPR"
)

// SuperOp names a superblock counter that a SUPR record bumps.
type SuperOp uint32

const (
	OpIncTxn SuperOp = iota
	OpIncFile
)

func (op SuperOp) String() string {
	switch op {
	case OpIncTxn:
		return "INC_TXN"
	case OpIncFile:
		return "INC_FILE"
	default:
		return fmt.Sprintf("SuperOp(%d)", uint32(op))
	}
}

// DeleteBit is recmask bit 0: set on LOGR/LTBL records that record a deletion.
const DeleteBit uint32 = 1

// TxnRecord is the payload of TXN /TXNC/TXNA records.
type TxnRecord struct {
	TxnID uint64
}

// DataRecord is the payload of a LOGR record: a put or delete against a table.
type DataRecord struct {
	Table   string
	TxnID   uint64
	RecMask uint32
	Key     []byte
	Value   []byte
}

// IsDelete reports whether this data record represents a deletion.
func (d DataRecord) IsDelete() bool { return d.RecMask&DeleteBit != 0 }

// TableRecord is the payload of an LTBL record: table creation (or, reserved
// and rejected, deletion).
type TableRecord struct {
	TabName string
	TxnID   uint64
	RecMask uint32
	RootID  uint64
}

// IsDelete reports whether this table record represents a deletion. Delete
// table records are reserved and rejected during replay.
func (t TableRecord) IsDelete() bool { return t.RecMask&DeleteBit != 0 }

// SuperOpRecord is the payload of a SUPR record.
type SuperOpRecord struct {
	Op SuperOp
}

// The structured-record encoding below is a small stable tag/field scheme:
// each field is written in a fixed order with explicit length prefixes for
// variable-length fields. It mirrors the field names of the payloads above,
// not a generic reflection-based format, matching the payload encoders the
// WAL writer package this is grounded on uses for each record kind.

func putUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func putUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func putBytes(buf []byte, b []byte) []byte {
	buf = putUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

func putString(buf []byte, s string) []byte {
	return putBytes(buf, []byte(s))
}

type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) uint64() (uint64, error) {
	if len(r.buf)-r.pos < 8 {
		return 0, fmt.Errorf("walog: truncated uint64 field")
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *byteReader) uint32() (uint32, error) {
	if len(r.buf)-r.pos < 4 {
		return 0, fmt.Errorf("walog: truncated uint32 field")
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *byteReader) bytes() ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if uint32(len(r.buf)-r.pos) < n {
		return nil, fmt.Errorf("walog: truncated byte-string field")
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

func (r *byteReader) done() bool { return r.pos >= len(r.buf) }

func encodeTxnRecord(rec TxnRecord) []byte {
	return putUint64(nil, rec.TxnID)
}

func decodeTxnRecord(payload []byte) (TxnRecord, error) {
	r := &byteReader{buf: payload}
	id, err := r.uint64()
	if err != nil {
		return TxnRecord{}, err
	}
	return TxnRecord{TxnID: id}, nil
}

func encodeDataRecord(rec DataRecord) []byte {
	buf := putString(nil, rec.Table)
	buf = putUint64(buf, rec.TxnID)
	buf = putUint32(buf, rec.RecMask)
	buf = putBytes(buf, rec.Key)
	buf = putBytes(buf, rec.Value)
	return buf
}

func decodeDataRecord(payload []byte) (DataRecord, error) {
	r := &byteReader{buf: payload}
	table, err := r.string()
	if err != nil {
		return DataRecord{}, err
	}
	txnID, err := r.uint64()
	if err != nil {
		return DataRecord{}, err
	}
	mask, err := r.uint32()
	if err != nil {
		return DataRecord{}, err
	}
	key, err := r.bytes()
	if err != nil {
		return DataRecord{}, err
	}
	value, err := r.bytes()
	if err != nil {
		return DataRecord{}, err
	}
	return DataRecord{Table: table, TxnID: txnID, RecMask: mask, Key: key, Value: value}, nil
}

func encodeTableRecord(rec TableRecord) []byte {
	buf := putString(nil, rec.TabName)
	buf = putUint64(buf, rec.TxnID)
	buf = putUint32(buf, rec.RecMask)
	buf = putUint64(buf, rec.RootID)
	return buf
}

func decodeTableRecord(payload []byte) (TableRecord, error) {
	r := &byteReader{buf: payload}
	name, err := r.string()
	if err != nil {
		return TableRecord{}, err
	}
	txnID, err := r.uint64()
	if err != nil {
		return TableRecord{}, err
	}
	mask, err := r.uint32()
	if err != nil {
		return TableRecord{}, err
	}
	rootID, err := r.uint64()
	if err != nil {
		return TableRecord{}, err
	}
	return TableRecord{TabName: name, TxnID: txnID, RecMask: mask, RootID: rootID}, nil
}

func encodeSuperOpRecord(rec SuperOpRecord) []byte {
	return putUint32(nil, uint32(rec.Op))
}

func decodeSuperOpRecord(payload []byte) (SuperOpRecord, error) {
	r := &byteReader{buf: payload}
	op, err := r.uint32()
	if err != nil {
		return SuperOpRecord{}, err
	}
	return SuperOpRecord{Op: SuperOp(op)}, nil
}
