package archive

import (
	"context"
	"sync"

	"github.com/facebookgo/clock"
)

const (
	// DefaultChunkSize is how large each blob chunk row is, unless
	// overridden in Params.
	DefaultChunkSize = 1 << 20

	// DefaultMemoryLimit is the largest blob OpenBlob will buffer in
	// memory before spilling to a temporary file.
	DefaultMemoryLimit = 1 << 20
)

// Params configures an Archive. Driver is a database/sql driver name,
// either "mysql" or "ql" ("ql-mem" also works for throwaway in-memory
// databases). Resolver is optional; without one class references are
// stored but never verified or resolved. Clock is optional and exists
// so tests can control archive timestamps.
type Params struct {
	Driver      string
	DSN         string
	ChunkSize   int
	MemoryLimit int64
	Resolver    ClassResolver
	Clock       clock.Clock
}

// An Archive is a handle to one archive database. It is safe for
// concurrent use; each operation sequence runs on its own Tx.
type Archive struct {
	db          DB
	chunkSize   int
	memoryLimit int64
	resolver    ClassResolver
	clock       clock.Clock
}

// connection pools shared between Archives with the same driver and
// DSN, so opening many Archive handles against one database does not
// multiply connections.
var (
	poolM sync.Mutex
	pools = make(map[string]DB)
)

func openPool(driver, dsn string) (DB, error) {
	key := driver + "\x00" + dsn
	poolM.Lock()
	defer poolM.Unlock()
	if db, ok := pools[key]; ok {
		return db, nil
	}
	var db DB
	var err error
	switch driver {
	case "mysql":
		db, err = openMySQL(dsn)
	default:
		db, err = openQL(driver, dsn)
	}
	if err != nil {
		return nil, err
	}
	pools[key] = db
	return db, nil
}

// ForgetPools closes every pooled database connection. It exists for
// tests, which open many in-memory databases.
func ForgetPools() {
	poolM.Lock()
	defer poolM.Unlock()
	for key, db := range pools {
		db.Close()
		delete(pools, key)
	}
}

// New opens an archive on the given database, creating or migrating
// the schema as needed.
func New(p Params) (*Archive, error) {
	db, err := openPool(p.Driver, p.DSN)
	if err != nil {
		return nil, err
	}
	a := &Archive{
		db:          db,
		chunkSize:   p.ChunkSize,
		memoryLimit: p.MemoryLimit,
		resolver:    p.Resolver,
		clock:       p.Clock,
	}
	if a.chunkSize <= 0 {
		a.chunkSize = DefaultChunkSize
	}
	if a.memoryLimit <= 0 {
		a.memoryLimit = DefaultMemoryLimit
	}
	if a.clock == nil {
		a.clock = clock.New()
	}
	return a, nil
}

// A Tx is one archive transaction. Nothing is visible to other
// transactions until Commit. A Tx must not be shared between
// goroutines.
type Tx struct {
	a    *Archive
	db   DBTx
	done bool
}

// Begin starts a transaction.
func (a *Archive) Begin(ctx context.Context) (*Tx, error) {
	db, err := a.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &Tx{a: a, db: db}, nil
}

// Commit makes the transaction's changes permanent.
func (tx *Tx) Commit() error {
	if tx.done {
		return nil
	}
	tx.done = true
	return tx.db.Commit()
}

// Rollback discards the transaction. It is a no-op after Commit, so it
// is safe to defer.
func (tx *Tx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	return tx.db.Rollback()
}
