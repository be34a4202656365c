package super

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/google/uuid"
	"github.com/leengari/pagedb/internal/block"
	"github.com/leengari/pagedb/internal/codec"
	"github.com/leengari/pagedb/internal/tableroot"
	"github.com/leengari/pagedb/internal/walog"
)

func newUUID() uuid.UUID { return uuid.New() }

// FileName is the superblock's fixed on-disk name within a database directory.
const FileName = "super"

// tmpFileName is the staging name used for atomic publication.
const tmpFileName = "super.tmp"

var tableNamePattern = regexp.MustCompile(`^\w+$`)

// ErrCorrupt wraps any validation failure loading a superblock.
var ErrCorrupt = errors.New("super: corrupt superblock")

// ErrTableExists is returned by CreateTable for a duplicate name.
var ErrTableExists = errors.New("super: table already exists")

// ErrBadTableName is returned when a table name fails the ^\w+$ grammar.
var ErrBadTableName = errors.New("super: table name must match ^\\w+$")

// ErrUnknownTable is returned when a caller references a table the
// superblock does not know about.
var ErrUnknownTable = errors.New("super: unknown table")

// Load reads and validates the superblock file at dir/FileName.
func Load(dir string) (*Superblock, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("super: read %s: %w", path, err)
	}

	if len(data) < len(Magic) || !bytes.Equal(data[:len(Magic)], []byte(Magic)) {
		return nil, fmt.Errorf("%w: %s: bad magic", ErrCorrupt, path)
	}

	tag, payload, _, err := codec.ParseFrame(data[len(Magic):])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if tag != "SUPR" {
		return nil, fmt.Errorf("%w: %s: expected SUPR frame, got %q", ErrCorrupt, path, tag)
	}

	sb, err := deserialize(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	return sb, nil
}

// SetLog attaches the active WAL segment that NewFileID/NewTxnID record
// their counter bumps into before the new id is handed out.
func (s *Superblock) SetLog(l *walog.Log) { s.log = l }

// Log returns the superblock's currently attached WAL segment, or nil if
// none is attached.
func (s *Superblock) Log() *walog.Log { return s.log }

// Publish atomically writes the superblock's current state to disk: write
// super.tmp via exclusive create, fsync, then rename over FileName. On any
// failure super.tmp is unlinked and the prior on-disk superblock remains
// authoritative — rename is the linearization point of the new epoch.
func (s *Superblock) Publish(dir string) error {
	tmpPath := filepath.Join(dir, tmpFileName)
	finalPath := filepath.Join(dir, FileName)

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("super: create %s: %w", tmpPath, err)
	}

	writeErr := func() error {
		if _, err := f.Write([]byte(Magic)); err != nil {
			return fmt.Errorf("super: write magic to %s: %w", tmpPath, err)
		}
		frame, err := codec.Encode("SUPR", s.serialize())
		if err != nil {
			return fmt.Errorf("super: encode SUPR frame: %w", err)
		}
		if _, err := f.Write(frame); err != nil {
			return fmt.Errorf("super: write SUPR frame to %s: %w", tmpPath, err)
		}
		return f.Sync()
	}()

	closeErr := f.Close()

	if writeErr != nil || closeErr != nil {
		os.Remove(tmpPath)
		if writeErr != nil {
			return writeErr
		}
		return fmt.Errorf("super: close %s: %w", tmpPath, closeErr)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("super: publish %s: %w", finalPath, err)
	}

	s.dirty = false
	return nil
}

// NewFileID allocates the next file id (shared by blocks and table roots),
// first durably recording the SUPR-op bump in the WAL so a crashed recovery
// reconstructs the same id space.
func (s *Superblock) NewFileID() (uint64, error) {
	if s.log == nil {
		return 0, fmt.Errorf("super: no WAL attached for id allocation")
	}
	if err := s.log.SuperOp(walog.OpIncFile); err != nil {
		return 0, fmt.Errorf("super: log INC_FILE: %w", err)
	}
	id := s.NextFileID
	s.NextFileID++
	s.dirty = true
	return id, nil
}

// NewTxnID allocates the next transaction id, WAL-logged the same way as
// NewFileID.
func (s *Superblock) NewTxnID() (uint64, error) {
	if s.log == nil {
		return 0, fmt.Errorf("super: no WAL attached for id allocation")
	}
	if err := s.log.SuperOp(walog.OpIncTxn); err != nil {
		return 0, fmt.Errorf("super: log INC_TXN: %w", err)
	}
	id := s.NextTxnID
	s.NextTxnID++
	s.dirty = true
	return id, nil
}

// ApplySuperOpBump applies an already-logged counter bump during WAL replay,
// without re-logging it. Implements walog.ReplayTarget's BumpSuperOp.
func (s *Superblock) ApplySuperOpBump(op walog.SuperOp) error {
	switch op {
	case walog.OpIncFile:
		s.NextFileID++
	case walog.OpIncTxn:
		s.NextTxnID++
	default:
		return fmt.Errorf("super: unknown super-op %v", op)
	}
	s.dirty = true
	return nil
}

// CreateTable registers a new table, allocates its root file id, and logs
// the creation as an LTBL record. The table has no root file on disk until
// the first checkpoint dumps one.
func (s *Superblock) CreateTable(name string) (*Table, error) {
	if !tableNamePattern.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrBadTableName, name)
	}
	if _, exists := s.Tables[name]; exists {
		return nil, fmt.Errorf("%w: %q", ErrTableExists, name)
	}

	rootID, err := s.NewFileID()
	if err != nil {
		return nil, err
	}

	if s.log != nil {
		if err := s.log.TableOp(name, 0, rootID, false); err != nil {
			return nil, fmt.Errorf("super: log LTBL for %q: %w", name, err)
		}
	}

	meta := &TableMeta{Name: name, UUID: newUUID(), RootID: rootID}
	s.Tables[name] = meta
	s.dirty = true

	return newTable(meta, tableroot.NewEmpty()), nil
}

// ApplyTableCreate registers a table during WAL replay. Implements
// walog.ReplayTarget's CreateTable: a duplicate name is fatal corruption.
func (s *Superblock) ApplyTableCreate(tabName string, rootID uint64) error {
	if _, exists := s.Tables[tabName]; exists {
		return fmt.Errorf("super: replay: duplicate table %q", tabName)
	}
	s.Tables[tabName] = &TableMeta{Name: tabName, UUID: newUUID(), RootID: rootID}
	s.dirty = true
	return nil
}

// OpenTable loads (or, for one that was just created and never
// checkpointed, synthesizes an empty) root for the named table.
func (s *Superblock) OpenTable(dir string, name string) (*Table, error) {
	meta, ok := s.Tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}

	root, err := tableroot.Load(dir, meta.RootID)
	if err != nil {
		if os.IsNotExist(errors.Unwrap(err)) {
			root = tableroot.NewEmpty()
		} else {
			return nil, err
		}
	}

	return newTable(meta, root), nil
}

// block.FileAllocator is satisfied structurally by Superblock.NewFileID.
var _ block.FileAllocator = (*Superblock)(nil)
