package archive

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/BurntSushi/migration"
)

// This file defines the storage interface the archive logic is written
// against, and the row types it traffics in. There are two
// implementations: MySQL (db_mysql.go) and the embedded QL database
// (db_ql.go).

// A VersionRow is one row of the version table.
type VersionRow struct {
	DocID       int64
	VersionNum  int
	DerivedFrom int // 0 means null
	ClassID     int64
	Path        string
	Modified    time.Time
	ArchiveTime time.Time
	User        string
	Title       string // "" means null
	Description string // "" means null
	Attrs       string // compact JSON, "" means null
	Comment     string // "" means null
}

// An ItemRow is one live container membership entry.
type ItemRow struct {
	ContainerID int64
	Namespace   string
	Name        string
	DocID       int64
}

// A DeletedRow records that a docid was removed from a container.
type DeletedRow struct {
	ContainerID int64
	DocID       int64
	Namespace   string
	Name        string
	DeletedTime time.Time
	DeletedBy   string
}

// A BlobRow is the metadata of one stored blob. MD5 and SHA256 are
// lowercase hex.
type BlobRow struct {
	BlobID     int64
	Length     int64
	MD5        string
	SHA256     string
	ChunkCount int
}

// DB is an open archive database. Begin starts a transaction owned by
// the caller.
type DB interface {
	Begin(ctx context.Context) (DBTx, error)
	Close() error
}

// DBTx is a transactional view of the archive's relations. All
// operations of a single archive call run on one DBTx; the caller
// commits or rolls back. Implementations are not safe for concurrent
// use by more than one goroutine.
type DBTx interface {
	Commit() error
	Rollback() error

	// Objects and versions. ObjectCreated takes a row lock on the
	// object where the database supports it, serializing version
	// appends per docid.
	ObjectCreated(docid int64) (time.Time, bool, error)
	InsertObject(docid int64, created time.Time) error
	MaxVersion(docid int64) (int, error)
	Current(docid int64) (int, bool, error)
	SetCurrent(docid int64, versionNum int, isNew bool) error
	InsertVersion(v VersionRow) error
	Version(docid int64, versionNum int) (VersionRow, bool, error)
	Versions(docid int64) ([]VersionRow, error) // version_num descending

	// Class interning.
	FindClass(module, name string) (int64, bool, error)
	InsertClass(module, name string) (int64, error)
	Class(classID int64) (module, name string, err error)

	// Blobs and chunks. InsertBlob reports existed=true when a
	// concurrent writer won the race on the fingerprint, in which
	// case the returned id is the winner's.
	FindBlob(length int64, md5, sha256 string) (int64, bool, error)
	InsertBlob(length int64, md5, sha256 string) (id int64, existed bool, err error)
	InsertChunk(blobID int64, index, length int, data []byte) error
	SetChunkCount(blobID int64, n int) error
	Blob(blobID int64) (BlobRow, bool, error)
	Chunk(blobID int64, index int) ([]byte, error)
	DeleteBlob(blobID int64) error

	// Blob links.
	InsertBlobLink(docid int64, versionNum int, name string, blobID int64) error
	BlobLinks(docid int64, versionNum int) (map[string]int64, error)
	LinkedBlobIDs(docids []int64) ([]int64, error)
	HasBlobLink(blobID int64) (bool, error)

	// Containers. Container takes a row lock where supported.
	Container(containerID int64) (path string, ok bool, err error)
	InsertContainer(containerID int64, path string) error
	SetContainerPath(containerID int64, path string) error
	Items(containerID int64) ([]ItemRow, error)
	InsertItem(it ItemRow) error
	UpdateItemDocID(containerID int64, namespace, name string, docid int64) error
	DeleteItem(containerID int64, namespace, name string) error
	Deleted(containerID int64) ([]DeletedRow, error)
	InsertDeleted(d DeletedRow) error
	DeleteDeleted(containerID, docid int64) error

	// Batched reads for hierarchy traversal. Holders maps each docid
	// to the containers currently holding it, sorted ascending.
	Containers(ids []int64) (map[int64]string, error)
	ItemsBatch(ids []int64) (map[int64][]ItemRow, error)
	DeletedBatch(ids []int64) (map[int64][]DeletedRow, error)
	Holders(docids []int64) (map[int64][]int64, error)

	// Shredding. DeleteDocs removes every row keyed by the given
	// docids across versions, blob links, current pointers, items,
	// deletion log, and objects. DeleteContainers removes the
	// containers along with their items and deletion log.
	DeleteDocs(docids []int64) error
	DeleteContainers(ids []int64) error
}

// we need to adapt the migration version functions to work with MySQL.
// This code is slightly modified from github.com/BurntSushi/migration

type dbVersion struct {
	// SQL to get the version of this db, returns one row and one column
	GetSQL string
	// SQL to insert a new version of this db. takes one parameter, the new
	// version
	SetSQL string
	// the SQL to create the version table for this db
	CreateSQL string
}

func (d dbVersion) Get(tx migration.LimitedTx) (int, error) {
	v, err := d.get(tx)
	if err != nil {
		// we assume error means there is no migration table
		log.Println(err.Error())
		return 0, nil
	}
	return v, nil
}

func (d dbVersion) Set(tx migration.LimitedTx, version int) error {
	if err := d.set(tx, version); err != nil {
		if err := d.createTable(tx); err != nil {
			return err
		}
		return d.set(tx, version)
	}
	return nil
}

func (d dbVersion) get(tx migration.LimitedTx) (int, error) {
	var version int
	r := tx.QueryRow(d.GetSQL)
	if err := r.Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

func (d dbVersion) set(tx migration.LimitedTx, version int) error {
	_, err := tx.Exec(d.SetSQL, version)
	return err
}

func (d dbVersion) createTable(tx migration.LimitedTx) error {
	_, err := tx.Exec(d.CreateSQL)
	if err == nil {
		err = d.set(tx, 0)
	}
	return err
}

// nullstr converts between "" and NULL for the optional text columns.
func nullstr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullint converts between 0 and NULL for derived_from_version.
func nullint(n int) interface{} {
	if n == 0 {
		return nil
	}
	return int64(n)
}

func scanVersionRow(rows interface {
	Scan(dest ...interface{}) error
}) (VersionRow, error) {
	var v VersionRow
	var derived sql.NullInt64
	var versionNum int64
	var title, description, attrs, comment sql.NullString
	err := rows.Scan(&v.DocID, &versionNum, &derived, &v.ClassID,
		&v.Path, &v.Modified, &v.ArchiveTime, &v.User,
		&title, &description, &attrs, &comment)
	if err != nil {
		return v, err
	}
	v.VersionNum = int(versionNum)
	v.DerivedFrom = int(derived.Int64)
	v.Title = title.String
	v.Description = description.String
	v.Attrs = attrs.String
	v.Comment = comment.String
	return v, nil
}

// int64Args converts an id list to query arguments.
func int64Args(ids []int64) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
