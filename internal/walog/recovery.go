package walog

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// ReplayTarget is implemented by the table/superblock layer that owns the
// in-memory state a log replay mutates. The logger itself only decodes
// frames; applying them is the target's job, per the layering spec.md
// describes for the replay state machine.
type ReplayTarget interface {
	// CreateTable registers a table with the given root id. An error
	// (including a duplicate name) is fatal to replay.
	CreateTable(tabName string, rootID uint64) error

	// ApplyPut and ApplyDelete apply a committed mutation to table's log
	// cache / log-deletion cache. An unknown table is a fatal replay error.
	ApplyPut(table string, key, value []byte) error
	ApplyDelete(table string, key []byte) error

	// BumpSuperOp applies a superblock counter bump.
	BumpSuperOp(op SuperOp) error
}

// ErrDuplicateTxn is returned when a TXN  record reuses an already-open id.
var ErrDuplicateTxn = errors.New("walog: duplicate open transaction id")

// ErrUnknownTxn is returned when a LOGR/TXNC/TXNA references an id that was
// never opened (or already closed).
var ErrUnknownTxn = errors.New("walog: reference to unknown transaction")

// ErrTableDeleteUnsupported is returned for a DELETE-flagged LTBL record:
// table deletion is reserved and not implemented.
var ErrTableDeleteUnsupported = errors.New("walog: LTBL delete is reserved and unsupported")

// Replay drives the replay state machine over every record in the log,
// applying committed mutations to target. It returns the first fatal error
// encountered; a clean end of log (including one truncated mid-frame by a
// crash) ends replay successfully.
func Replay(l *Log, target ReplayTarget) error {
	if err := l.Readreset(); err != nil {
		return err
	}

	open := make(map[uint64][]DataRecord)

	for {
		rec, err := l.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("walog: replay %s: %w", l.path, err)
		}

		switch rec.Tag {
		case TagTxnBegin:
			id := rec.Txn.TxnID
			if _, exists := open[id]; exists {
				return fmt.Errorf("%w: txn %d", ErrDuplicateTxn, id)
			}
			open[id] = nil

		case TagData:
			id := rec.Data.TxnID
			buf, exists := open[id]
			if !exists {
				return fmt.Errorf("%w: txn %d referenced by LOGR", ErrUnknownTxn, id)
			}
			open[id] = append(buf, rec.Data)

		case TagTxnAbort:
			id := rec.Txn.TxnID
			if _, exists := open[id]; !exists {
				return fmt.Errorf("%w: txn %d referenced by TXNA", ErrUnknownTxn, id)
			}
			delete(open, id)

		case TagTxnCommit:
			id := rec.Txn.TxnID
			buf, exists := open[id]
			if !exists {
				return fmt.Errorf("%w: txn %d referenced by TXNC", ErrUnknownTxn, id)
			}
			for _, d := range buf {
				var applyErr error
				if d.IsDelete() {
					applyErr = target.ApplyDelete(d.Table, d.Key)
				} else {
					applyErr = target.ApplyPut(d.Table, d.Key, d.Value)
				}
				if applyErr != nil {
					return fmt.Errorf("walog: replay txn %d: %w", id, applyErr)
				}
			}
			delete(open, id)

		case TagTable:
			if rec.Table.IsDelete() {
				return fmt.Errorf("%w: table %q", ErrTableDeleteUnsupported, rec.Table.TabName)
			}
			if err := target.CreateTable(rec.Table.TabName, rec.Table.RootID); err != nil {
				return fmt.Errorf("walog: replay LTBL %q: %w", rec.Table.TabName, err)
			}

		case TagSuperOp:
			if err := target.BumpSuperOp(rec.Super.Op); err != nil {
				return fmt.Errorf("walog: replay SUPR-op: %w", err)
			}

		default:
			return fmt.Errorf("walog: unknown tag %q during replay", rec.Tag)
		}
	}
}

// RecoverSegments opens and replays log segments starting at startLogID,
// continuing to startLogID+1, +2, ... until the next segment cannot be
// opened (absent). If the first segment cannot be opened, recovery fails.
func RecoverSegments(dir string, startLogID uint64, target ReplayTarget, openSegment func(path string, logID uint64) (*Log, error)) (lastLogID uint64, err error) {
	logID := startLogID
	first := true

	for {
		path := dir + "/" + SegmentName(logID)
		seg, openErr := openSegment(path, logID)
		if openErr != nil {
			if first {
				return 0, fmt.Errorf("walog: recovery cannot open first segment %s: %w", path, openErr)
			}
			slog.Debug("walog: recovery stopped, no further segment", "path", path)
			return logID - 1, nil
		}

		replayErr := Replay(seg, target)
		closeErr := seg.Close()
		if replayErr != nil {
			return 0, replayErr
		}
		if closeErr != nil {
			return 0, fmt.Errorf("walog: close segment %s after replay: %w", path, closeErr)
		}

		first = false
		logID++
	}
}
