// Package walog implements the record-oriented write-ahead log: an
// append-only, recoverable log of transaction and table-schema events.
package walog

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/leengari/pagedb/internal/codec"
)

// Magic is the 8-byte ASCII literal written at offset 0 of every log file.
const Magic = "LOGGER  "

// Log is a single append-only WAL segment, `log.<hex(log_id)>`.
type Log struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	logID    uint64
	readOnly bool
}

// ErrBadMagic is returned when a log file does not begin with Magic.
var ErrBadMagic = errors.New("walog: bad magic")

// SegmentName returns the on-disk file name for a log segment.
func SegmentName(logID uint64) string {
	return fmt.Sprintf("log.%x", logID)
}

// Open opens an append-writable log at path, creating it (and writing the
// header) if it does not already exist, then seeking to the end.
func Open(path string, logID uint64) (*Log, error) {
	existed := true
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		existed = false
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("walog: open %s: %w", path, err)
	}

	l := &Log{file: file, path: path, logID: logID}

	if existed {
		if err := l.verifyMagic(); err != nil {
			file.Close()
			return nil, err
		}
		if _, err := file.Seek(0, os.SEEK_END); err != nil {
			file.Close()
			return nil, fmt.Errorf("walog: seek to end of %s: %w", path, err)
		}
	} else {
		if _, err := file.Write([]byte(Magic)); err != nil {
			file.Close()
			return nil, fmt.Errorf("walog: write header for %s: %w", path, err)
		}
	}

	slog.Debug("walog: opened segment", "path", path, "log_id", logID, "existed", existed)
	return l, nil
}

// OpenReadOnly opens a log strictly for replay (readreset + repeated read).
func OpenReadOnly(path string, logID uint64) (*Log, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("walog: open %s for replay: %w", path, err)
	}
	l := &Log{file: file, path: path, logID: logID, readOnly: true}
	if err := l.verifyMagic(); err != nil {
		file.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) verifyMagic() error {
	hdr := make([]byte, len(Magic))
	if _, err := l.file.ReadAt(hdr, 0); err != nil {
		return fmt.Errorf("walog: read header of %s: %w", l.path, err)
	}
	if string(hdr) != Magic {
		return fmt.Errorf("%w: %s", ErrBadMagic, l.path)
	}
	return nil
}

// Readreset seeks back to the first record (just past the header), ready for
// a fresh pass of Read calls.
func (l *Log) Readreset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Seek(int64(len(Magic)), os.SEEK_SET); err != nil {
		return fmt.Errorf("walog: readreset %s: %w", l.path, err)
	}
	return nil
}

// Close releases the underlying file handle. Drop paths here are infallible
// by policy: callers that want to observe a close failure should call Sync
// explicitly beforehand.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	_ = l.file.Close()
	l.file = nil
	return nil
}

// Sync issues an fsync on the log file.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readOnly {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("walog: sync %s: %w", l.path, err)
	}
	return nil
}

// Path returns the segment's file path.
func (l *Log) Path() string { return l.path }

// LogID returns the segment's numeric id.
func (l *Log) LogID() uint64 { return l.logID }

func (l *Log) append(tag Tag, payload []byte) error {
	if l.readOnly {
		return fmt.Errorf("walog: %s is open read-only", l.path)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return codec.WriteTo(l.file, string(tag), payload)
}

// TxnBegin appends a TXN  record opening transaction txnID.
func (l *Log) TxnBegin(txnID uint64) error {
	return l.append(TagTxnBegin, encodeTxnRecord(TxnRecord{TxnID: txnID}))
}

// TxnEnd appends a TXNC or TXNA record closing transaction txnID.
func (l *Log) TxnEnd(txnID uint64, commit bool) error {
	tag := TagTxnAbort
	if commit {
		tag = TagTxnCommit
	}
	return l.append(tag, encodeTxnRecord(TxnRecord{TxnID: txnID}))
}

// Data appends a LOGR record: a put (delete=false) or delete (delete=true)
// of key/value against table, scoped to txnID. On delete the value is empty.
func (l *Log) Data(table string, txnID uint64, key, value []byte, delete bool) error {
	var mask uint32
	if delete {
		mask |= DeleteBit
		value = nil
	}
	return l.append(TagData, encodeDataRecord(DataRecord{
		Table:   table,
		TxnID:   txnID,
		RecMask: mask,
		Key:     key,
		Value:   value,
	}))
}

// TableOp appends an LTBL record: table creation (delete=false, rootID the
// newly allocated table root file id) or, reserved, deletion.
func (l *Log) TableOp(tabName string, txnID uint64, rootID uint64, delete bool) error {
	var mask uint32
	if delete {
		mask |= DeleteBit
	}
	return l.append(TagTable, encodeTableRecord(TableRecord{
		TabName: tabName,
		TxnID:   txnID,
		RecMask: mask,
		RootID:  rootID,
	}))
}

// SuperOp appends a superblock counter-bump record.
func (l *Log) SuperOp(op SuperOp) error {
	return l.append(TagSuperOp, encodeSuperOpRecord(SuperOpRecord{Op: op}))
}

// ReadResult is one decoded record returned by Read.
type ReadResult struct {
	Tag   Tag
	Txn   TxnRecord
	Data  DataRecord
	Table TableRecord
	Super SuperOpRecord
}

// Read consumes one frame and decodes it. io.EOF (unwrapped via errors.Is)
// signals a clean end of log, including a log truncated mid-frame by a
// crash — callers must not treat that as failure.
func (l *Log) Read() (ReadResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tag, payload, err := codec.ReadFrom(l.file)
	if err != nil {
		return ReadResult{}, err
	}

	switch Tag(tag) {
	case TagTxnBegin, TagTxnCommit, TagTxnAbort:
		rec, err := decodeTxnRecord(payload)
		if err != nil {
			return ReadResult{}, fmt.Errorf("walog: decode %s record: %w", tag, err)
		}
		return ReadResult{Tag: Tag(tag), Txn: rec}, nil
	case TagData:
		rec, err := decodeDataRecord(payload)
		if err != nil {
			return ReadResult{}, fmt.Errorf("walog: decode LOGR record: %w", err)
		}
		return ReadResult{Tag: TagData, Data: rec}, nil
	case TagTable:
		rec, err := decodeTableRecord(payload)
		if err != nil {
			return ReadResult{}, fmt.Errorf("walog: decode LTBL record: %w", err)
		}
		return ReadResult{Tag: TagTable, Table: rec}, nil
	case TagSuperOp:
		rec, err := decodeSuperOpRecord(payload)
		if err != nil {
			return ReadResult{}, fmt.Errorf("walog: decode SUPR record: %w", err)
		}
		return ReadResult{Tag: TagSuperOp, Super: rec}, nil
	default:
		return ReadResult{}, fmt.Errorf("walog: unknown record tag %q", tag)
	}
}
