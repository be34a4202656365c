package pagedb

import (
	"errors"
	"fmt"
)

// ErrKeyNotFound is returned by Transaction.Delete for a key with no visible
// value to delete.
var ErrKeyNotFound = errors.New("pagedb: key not found")

// ErrTransactionClosed is returned by any Transaction method called after
// Commit or Abort.
var ErrTransactionClosed = errors.New("pagedb: transaction already committed or aborted")

// Transaction is an ordered, tentative set of puts and deletes, logged to
// the WAL as they occur but invisible to other readers until Commit.
type Transaction struct {
	db      *DB
	id      uint64
	puts    map[tableKey][]byte
	deletes map[tableKey]bool
	active  bool
}

// ID returns the transaction's WAL-visible numeric id.
func (t *Transaction) ID() uint64 { return t.id }

// Put logs and tentatively records a write.
func (t *Transaction) Put(table string, key, value []byte) error {
	if !t.active {
		return ErrTransactionClosed
	}
	if err := t.db.sb.Log().Data(table, t.id, key, value, false); err != nil {
		return fmt.Errorf("pagedb: log put: %w", err)
	}

	tk := tableKey{table: table, key: string(key)}
	delete(t.deletes, tk)
	cp := make([]byte, len(value))
	copy(cp, value)
	t.puts[tk] = cp
	return nil
}

// Delete logs and tentatively records a deletion. It first checks the key is
// currently visible (through this transaction's own pending writes, then the
// table's committed state) and returns ErrKeyNotFound if not.
func (t *Transaction) Delete(table string, key []byte) error {
	if !t.active {
		return ErrTransactionClosed
	}

	exists, err := t.Exists(table, key)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: table %q key %q", ErrKeyNotFound, table, key)
	}

	if err := t.db.sb.Log().Data(table, t.id, key, nil, true); err != nil {
		return fmt.Errorf("pagedb: log delete: %w", err)
	}

	tk := tableKey{table: table, key: string(key)}
	delete(t.puts, tk)
	t.deletes[tk] = true
	return nil
}

// Get reads key as this transaction would see it: its own pending writes
// first, falling through to the table's last-committed state.
func (t *Transaction) Get(table string, key []byte) ([]byte, bool, error) {
	tk := tableKey{table: table, key: string(key)}
	if t.deletes[tk] {
		return nil, false, nil
	}
	if v, ok := t.puts[tk]; ok {
		return v, true, nil
	}

	t.db.mu.Lock()
	st, ok := t.db.tables[table]
	t.db.mu.Unlock()
	if !ok {
		return nil, false, fmt.Errorf("pagedb: table %q not open", table)
	}
	return st.Get(key)
}

// Exists reports whether key is visible to this transaction.
func (t *Transaction) Exists(table string, key []byte) (bool, error) {
	_, found, err := t.Get(table, key)
	return found, err
}

// Commit logs the transaction's end record, fsyncs the log, then folds every
// pending put/delete into its table's committed state.
func (t *Transaction) Commit() error {
	if !t.active {
		return ErrTransactionClosed
	}

	log := t.db.sb.Log()
	if err := log.TxnEnd(t.id, true); err != nil {
		return fmt.Errorf("pagedb: log commit: %w", err)
	}
	if err := log.Sync(); err != nil {
		return fmt.Errorf("pagedb: sync after commit: %w", err)
	}

	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	for tk, v := range t.puts {
		st, ok := t.db.tables[tk.table]
		if !ok {
			return fmt.Errorf("pagedb: commit: table %q no longer open", tk.table)
		}
		if err := st.ApplyPut([]byte(tk.key), v); err != nil {
			return fmt.Errorf("pagedb: commit: apply put: %w", err)
		}
	}
	for tk := range t.deletes {
		st, ok := t.db.tables[tk.table]
		if !ok {
			return fmt.Errorf("pagedb: commit: table %q no longer open", tk.table)
		}
		if err := st.ApplyDelete([]byte(tk.key)); err != nil {
			return fmt.Errorf("pagedb: commit: apply delete: %w", err)
		}
	}

	t.active = false
	return nil
}

// Abort logs the transaction's end record; none of its pending writes are
// applied to any table.
func (t *Transaction) Abort() error {
	if !t.active {
		return ErrTransactionClosed
	}
	t.active = false
	if err := t.db.sb.Log().TxnEnd(t.id, false); err != nil {
		return fmt.Errorf("pagedb: log abort: %w", err)
	}
	return nil
}
