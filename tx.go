package calico

import "sync"

// DB is an embeddable, transactional, single-file key-value store: one
// Pager coordinates the page cache, WAL, and shm index described in
// §4, and one Schema tracks the set of open buckets (§4.7). Write
// transactions are serialized by mu. The single Pager serves one
// transaction at a time and read transactions do not take mu, so
// concurrent snapshots need separate DB handles on the same file.
type DB struct {
	mu     sync.Mutex
	path   string
	env    Env
	pager  *Pager
	schema *Schema
}

// Open opens (creating if necessary) the database at path.
func Open(path string, fns ...func(*Options)) (*DB, *Status) {
	opts := NewOptions(fns...)
	opts = opts.withDefaults()
	pager, st := openPager(opts.Env, path, opts)
	if st != nil {
		return nil, st
	}
	return &DB{
		path:   path,
		env:    opts.Env,
		pager:  pager,
		schema: openSchema(pager),
	}, nil
}

// Close releases the database's file handles. It must not be called
// while a transaction is open.
func (db *DB) Close() error {
	return db.pager.close()
}

// Tx is a single transaction's view of the database: a snapshot for a
// read transaction, or an in-progress write for a writable one.
type Tx struct {
	db       *DB
	writable bool
	done     bool
}

// Begin starts a transaction. Only one writable transaction may be
// open at a time; Begin(true) blocks (by holding db.mu) until any
// other writer finishes.
func (db *DB) Begin(writable bool) (*Tx, *Status) {
	if writable {
		db.mu.Lock()
	}
	if _, st := db.pager.lockReader(); st != nil {
		if writable {
			db.mu.Unlock()
		}
		return nil, st
	}
	if writable {
		if st := db.pager.beginWriter(); st != nil {
			db.pager.finish()
			db.mu.Unlock()
			return nil, st
		}
	}
	return &Tx{db: db, writable: writable}, nil
}

// Commit durably applies a writable transaction's changes. Read-only
// transactions simply release their snapshot.
func (tx *Tx) Commit() *Status {
	if tx.done {
		return InvalidArgumentf("transaction already closed")
	}
	tx.done = true
	defer tx.release()
	if !tx.writable {
		return nil
	}
	return tx.db.pager.commit()
}

// Rollback discards a writable transaction's changes, or simply closes
// a read-only one.
func (tx *Tx) Rollback() {
	if tx.done {
		return
	}
	tx.done = true
	tx.release()
}

func (tx *Tx) release() {
	tx.db.pager.finish()
	if tx.writable {
		tx.db.mu.Unlock()
	}
}

func (tx *Tx) checkWritable() *Status {
	if tx.done {
		return InvalidArgumentf("transaction already closed")
	}
	if !tx.writable {
		return InvalidArgumentf("transaction is read-only")
	}
	return nil
}

// Bucket opens an existing named bucket for reading or writing.
func (tx *Tx) Bucket(name string) (*Bucket, *Status) {
	t, st := tx.db.schema.OpenBucket(name, false)
	if st != nil {
		return nil, st
	}
	return &Bucket{tx: tx, tree: t}, nil
}

// CreateBucket opens name, creating it if it doesn't already exist.
// It requires a writable transaction.
func (tx *Tx) CreateBucket(name string) (*Bucket, *Status) {
	if st := tx.checkWritable(); st != nil {
		return nil, st
	}
	t, st := tx.db.schema.OpenBucket(name, true)
	if st != nil {
		return nil, st
	}
	return &Bucket{tx: tx, tree: t}, nil
}

// DropBucket deletes name and every key within it.
func (tx *Tx) DropBucket(name string) *Status {
	if st := tx.checkWritable(); st != nil {
		return st
	}
	return tx.db.schema.DropBucket(name)
}

// Vacuum compacts the database file, requiring a writable transaction
// with no other concurrent activity (callers typically Commit right
// after).
func (tx *Tx) Vacuum() *Status {
	if st := tx.checkWritable(); st != nil {
		return st
	}
	return Vacuum(tx.db.pager, tx.db.schema)
}

// Bucket is a named key-value namespace backed by its own Tree.
type Bucket struct {
	tx   *Tx
	tree *Tree
}

// Get returns the value stored for key.
func (b *Bucket) Get(key []byte) ([]byte, *Status) {
	return b.tree.Get(key)
}

// Put inserts or overwrites key with value. It requires a writable
// transaction.
func (b *Bucket) Put(key, value []byte) *Status {
	if st := b.tx.checkWritable(); st != nil {
		return st
	}
	return b.tree.Put(key, value)
}

// Delete removes key, if present. It requires a writable transaction.
func (b *Bucket) Delete(key []byte) *Status {
	if st := b.tx.checkWritable(); st != nil {
		return st
	}
	return b.tree.Delete(key)
}

// NewCursor opens a cursor over the bucket's keys in order.
func (b *Bucket) NewCursor() *Cursor {
	return b.tree.NewCursor()
}
