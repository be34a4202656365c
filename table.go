package pagedb

import "fmt"

// Table is a handle to one table within a DB, operating outside any
// transaction (each call is its own implicit single-op transaction).
type Table struct {
	db   *DB
	name string
}

// Name returns the table's name.
func (t *Table) Name() string { return t.name }

// Put writes key/value, committed immediately.
func (t *Table) Put(key, value []byte) error {
	txn, err := t.db.Begin()
	if err != nil {
		return err
	}
	if err := txn.Put(t.name, key, value); err != nil {
		_ = txn.Abort()
		return err
	}
	return txn.Commit()
}

// Delete removes key, committed immediately. Mirrors the exists-then-log
// contract of Transaction.Delete.
func (t *Table) Delete(key []byte) error {
	txn, err := t.db.Begin()
	if err != nil {
		return err
	}
	if err := txn.Delete(t.name, key); err != nil {
		_ = txn.Abort()
		return err
	}
	return txn.Commit()
}

// Get reads key's committed value.
func (t *Table) Get(key []byte) ([]byte, bool, error) {
	t.db.mu.Lock()
	st, ok := t.db.tables[t.name]
	t.db.mu.Unlock()
	if !ok {
		return nil, false, fmt.Errorf("pagedb: table %q not open", t.name)
	}
	return st.Get(key)
}

// Exists reports whether key has a committed value.
func (t *Table) Exists(key []byte) (bool, error) {
	t.db.mu.Lock()
	st, ok := t.db.tables[t.name]
	t.db.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("pagedb: table %q not open", t.name)
	}
	return st.Exists(key)
}
