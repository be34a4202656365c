// Package pagedb is an embedded, single-process, on-disk log-structured
// key/value store: a write-ahead log for durability, immutable sorted block
// files for storage, and a superblock catalog tying table root indexes and
// crash-safe id allocation together.
package pagedb

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/leengari/pagedb/internal/block"
	"github.com/leengari/pagedb/internal/super"
	"github.com/leengari/pagedb/internal/walog"
)

// ErrAlreadyExists is returned by Create when dir already holds a database.
var ErrAlreadyExists = errors.New("pagedb: database already exists")

// ErrNotOpen is returned by DB methods after Close.
var ErrNotOpen = errors.New("pagedb: database is closed")

// DB is an open, live database directory: its superblock catalog, block
// cache, and the runtime table set.
type DB struct {
	dir string

	mu     sync.Mutex
	sb     *super.Superblock
	blocks *block.Manager
	tables map[string]*super.Table
	closed bool
}

// Create initializes a brand-new database directory: a fresh superblock, its
// first WAL segment, and an empty table set. dir must not already hold a
// superblock file.
func Create(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("pagedb: create directory %s: %w", dir, err)
	}
	if _, err := os.Stat(filepath.Join(dir, super.FileName)); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, dir)
	}

	sb := super.New()
	logPath := filepath.Join(dir, walog.SegmentName(sb.LogID))
	l, err := walog.Open(logPath, sb.LogID)
	if err != nil {
		return nil, fmt.Errorf("pagedb: open initial log segment: %w", err)
	}
	sb.SetLog(l)

	if err := sb.Publish(dir); err != nil {
		l.Close()
		return nil, fmt.Errorf("pagedb: publish initial superblock: %w", err)
	}

	slog.Info("pagedb: created database", "dir", dir, "db_uuid", sb.DatabaseUUID)

	return &DB{
		dir:    dir,
		sb:     sb,
		blocks: block.NewManager(dir),
		tables: make(map[string]*super.Table),
	}, nil
}

// Open loads an existing database directory, recovering its superblock and
// replaying any WAL segments written since the last checkpoint.
func Open(dir string) (*DB, error) {
	blocks := block.NewManager(dir)

	sb, tables, err := super.Recover(dir, blocks)
	if err != nil {
		return nil, fmt.Errorf("pagedb: open %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, walog.SegmentName(sb.LogID))
	l, err := walog.Open(logPath, sb.LogID)
	if err != nil {
		return nil, fmt.Errorf("pagedb: reopen log segment %d for writes: %w", sb.LogID, err)
	}
	sb.SetLog(l)

	slog.Info("pagedb: opened database", "dir", dir, "db_uuid", sb.DatabaseUUID, "tables", len(tables))

	return &DB{
		dir:    dir,
		sb:     sb,
		blocks: blocks,
		tables: tables,
	}, nil
}

// CreateTable registers a new, initially empty table.
func (d *DB) CreateTable(name string) (*Table, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrNotOpen
	}

	st, err := d.sb.CreateTable(name)
	if err != nil {
		return nil, err
	}
	st.SetBlockManager(d.blocks)
	d.tables[name] = st

	if err := d.sb.Publish(d.dir); err != nil {
		return nil, fmt.Errorf("pagedb: publish after creating table %q: %w", name, err)
	}

	return &Table{db: d, name: name}, nil
}

// Table returns a handle to an already-created table.
func (d *DB) Table(name string) (*Table, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrNotOpen
	}
	if _, ok := d.tables[name]; !ok {
		return nil, fmt.Errorf("%w: %q", super.ErrUnknownTable, name)
	}
	return &Table{db: d, name: name}, nil
}

// Begin opens a new transaction, WAL-logging its TXN-begin record.
func (d *DB) Begin() (*Transaction, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrNotOpen
	}

	txnID, err := d.sb.NewTxnID()
	if err != nil {
		return nil, fmt.Errorf("pagedb: allocate txn id: %w", err)
	}
	if err := d.sb.Log().TxnBegin(txnID); err != nil {
		return nil, fmt.Errorf("pagedb: log TXN begin: %w", err)
	}

	return &Transaction{
		db:      d,
		id:      txnID,
		puts:    make(map[tableKey][]byte),
		deletes: make(map[tableKey]bool),
		active:  true,
	}, nil
}

// Checkpoint folds every table's pending writes into fresh immutable blocks,
// rotates the WAL, and atomically republishes the superblock. It returns
// true on success.
func (d *DB) Checkpoint() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false, ErrNotOpen
	}

	cp := super.NewCheckpointer(d.dir, d.blocks)
	ok, err := cp.Run(d.sb, d.tables, walog.Open)
	if err != nil {
		return false, err
	}
	if ok {
		slog.Info("pagedb: checkpoint complete", "dir", d.dir, "log_id", d.sb.LogID)
	}
	return ok, nil
}

// Close flushes the superblock if dirty and releases open file handles.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	var firstErr error
	if d.sb.Dirty() {
		if err := d.sb.Publish(d.dir); err != nil {
			firstErr = fmt.Errorf("pagedb: publish on close: %w", err)
		}
	}
	if l := d.sb.Log(); l != nil {
		_ = l.Sync()
		_ = l.Close()
	}
	d.blocks.CloseAll()

	return firstErr
}

type tableKey struct {
	table string
	key   string
}
