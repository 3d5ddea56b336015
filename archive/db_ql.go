package archive

import (
	"context"
	"database/sql"
	"sort"
	"time"

	_ "github.com/cznic/ql/driver"
	"github.com/pkg/errors"
)

// qlDB implements DB on the embedded QL database. QL is used for
// development and tests; the "ql-mem" driver gives a throwaway
// in-memory archive. QL serializes writing transactions, so the id
// assignment and dedup lookups here do not race.
type qlDB struct {
	db *sql.DB
}

var qlSchema = []string{
	`CREATE TABLE IF NOT EXISTS archived_object (
		docid int64,
		created time
	)`,
	`CREATE INDEX IF NOT EXISTS objdocid ON archived_object (docid)`,
	`CREATE TABLE IF NOT EXISTS archived_class (
		class_id int64,
		module string,
		name string
	)`,
	`CREATE INDEX IF NOT EXISTS classid ON archived_class (class_id)`,
	`CREATE TABLE IF NOT EXISTS archived_state (
		docid int64,
		version_num int64,
		derived_from_version int64,
		class_id int64,
		path string,
		modified time,
		archive_time time,
		user string,
		title string,
		description string,
		attrs string,
		comment string
	)`,
	`CREATE INDEX IF NOT EXISTS statedocid ON archived_state (docid)`,
	`CREATE TABLE IF NOT EXISTS archived_current (
		docid int64,
		version_num int64
	)`,
	`CREATE INDEX IF NOT EXISTS currentdocid ON archived_current (docid)`,
	`CREATE TABLE IF NOT EXISTS archived_blob_info (
		blob_id int64,
		chunk_count int64,
		length int64,
		md5 string,
		sha256 string
	)`,
	`CREATE INDEX IF NOT EXISTS blobid ON archived_blob_info (blob_id)`,
	`CREATE INDEX IF NOT EXISTS blobmd5 ON archived_blob_info (md5)`,
	`CREATE TABLE IF NOT EXISTS archived_chunk (
		blob_id int64,
		chunk_index int64,
		chunk_length int64,
		data blob
	)`,
	`CREATE INDEX IF NOT EXISTS chunkblob ON archived_chunk (blob_id)`,
	`CREATE TABLE IF NOT EXISTS archived_blob_link (
		docid int64,
		version_num int64,
		name string,
		blob_id int64
	)`,
	`CREATE INDEX IF NOT EXISTS linkdocid ON archived_blob_link (docid)`,
	`CREATE INDEX IF NOT EXISTS linkblob ON archived_blob_link (blob_id)`,
	`CREATE TABLE IF NOT EXISTS archived_container (
		container_id int64,
		path string
	)`,
	`CREATE INDEX IF NOT EXISTS containerid ON archived_container (container_id)`,
	`CREATE TABLE IF NOT EXISTS archived_item (
		container_id int64,
		namespace string,
		name string,
		docid int64
	)`,
	`CREATE INDEX IF NOT EXISTS itemcontainer ON archived_item (container_id)`,
	`CREATE INDEX IF NOT EXISTS itemdocid ON archived_item (docid)`,
	`CREATE TABLE IF NOT EXISTS archived_item_deleted (
		container_id int64,
		docid int64,
		namespace string,
		name string,
		deleted_time time,
		deleted_by string
	)`,
	`CREATE INDEX IF NOT EXISTS deletedcontainer ON archived_item_deleted (container_id)`,
	`CREATE INDEX IF NOT EXISTS deleteddocid ON archived_item_deleted (docid)`,
}

func openQL(driver, dsn string) (DB, error) {
	// the filename "memory" means to keep everything in memory
	if driver == "ql" && dsn == "memory" {
		driver, dsn = "ql-mem", "mem.db"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open ql database")
	}
	for _, stmt := range qlSchema {
		if err := performExec(db, stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "create ql schema")
		}
	}
	return &qlDB{db: db}, nil
}

// QL requires every Exec to run inside a transaction.
func performExec(db *sql.DB, query string, args ...interface{}) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	_, err = tx.Exec(query, args...)
	if err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (d *qlDB) Begin(ctx context.Context) (DBTx, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &qlTx{tx: tx}, nil
}

func (d *qlDB) Close() error { return d.db.Close() }

type qlTx struct {
	tx *sql.Tx
}

func (t *qlTx) Commit() error   { return t.tx.Commit() }
func (t *qlTx) Rollback() error { return t.tx.Rollback() }

// nextID assigns ids by scanning for the maximum in use. Safe because
// QL allows one writing transaction at a time.
func (t *qlTx) nextID(query string) (int64, error) {
	var max sql.NullInt64
	err := t.tx.QueryRow(query).Scan(&max)
	if err != nil && err != sql.ErrNoRows {
		return 0, err
	}
	return max.Int64 + 1, nil
}

func (t *qlTx) ObjectCreated(docid int64) (time.Time, bool, error) {
	var created time.Time
	err := t.tx.QueryRow(
		`SELECT created FROM archived_object WHERE docid == ?1`,
		docid).Scan(&created)
	if err == sql.ErrNoRows {
		return created, false, nil
	}
	return created, err == nil, err
}

func (t *qlTx) InsertObject(docid int64, created time.Time) error {
	_, err := t.tx.Exec(
		`INSERT INTO archived_object (docid, created) VALUES (?1, ?2)`,
		docid, created)
	return err
}

func (t *qlTx) MaxVersion(docid int64) (int, error) {
	var max sql.NullInt64
	err := t.tx.QueryRow(
		`SELECT max(version_num) FROM archived_state WHERE docid == ?1`,
		docid).Scan(&max)
	if err != nil && err != sql.ErrNoRows {
		return 0, err
	}
	return int(max.Int64), nil
}

func (t *qlTx) Current(docid int64) (int, bool, error) {
	var v int64
	err := t.tx.QueryRow(
		`SELECT version_num FROM archived_current WHERE docid == ?1`,
		docid).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	return int(v), err == nil, err
}

func (t *qlTx) SetCurrent(docid int64, versionNum int, isNew bool) error {
	var err error
	if isNew {
		_, err = t.tx.Exec(
			`INSERT INTO archived_current (docid, version_num) VALUES (?1, ?2)`,
			docid, int64(versionNum))
	} else {
		_, err = t.tx.Exec(
			`UPDATE archived_current SET version_num = ?2 WHERE docid == ?1`,
			docid, int64(versionNum))
	}
	return err
}

func (t *qlTx) InsertVersion(v VersionRow) error {
	_, err := t.tx.Exec(
		`INSERT INTO archived_state (docid, version_num, derived_from_version,
			class_id, path, modified, archive_time, user, title, description,
			attrs, comment)
		VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, ?10, ?11, ?12)`,
		v.DocID, int64(v.VersionNum), nullint(v.DerivedFrom), v.ClassID,
		v.Path, v.Modified, v.ArchiveTime, v.User,
		nullstr(v.Title), nullstr(v.Description), nullstr(v.Attrs),
		nullstr(v.Comment))
	return err
}

const qlVersionColumns = `docid, version_num, derived_from_version, class_id,
	path, modified, archive_time, user, title, description, attrs, comment`

func (t *qlTx) Version(docid int64, versionNum int) (VersionRow, bool, error) {
	row := t.tx.QueryRow(
		`SELECT `+qlVersionColumns+` FROM archived_state
		WHERE docid == ?1 AND version_num == ?2`,
		docid, int64(versionNum))
	v, err := scanVersionRow(row)
	if err == sql.ErrNoRows {
		return v, false, nil
	}
	return v, err == nil, err
}

func (t *qlTx) Versions(docid int64) ([]VersionRow, error) {
	rows, err := t.tx.Query(
		`SELECT `+qlVersionColumns+` FROM archived_state
		WHERE docid == ?1 ORDER BY version_num DESC`,
		docid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []VersionRow
	for rows.Next() {
		v, err := scanVersionRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

func (t *qlTx) FindClass(module, name string) (int64, bool, error) {
	var id int64
	err := t.tx.QueryRow(
		`SELECT class_id FROM archived_class WHERE module == ?1 AND name == ?2`,
		module, name).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	return id, err == nil, err
}

func (t *qlTx) InsertClass(module, name string) (int64, error) {
	id, err := t.nextID(`SELECT max(class_id) FROM archived_class`)
	if err != nil {
		return 0, err
	}
	_, err = t.tx.Exec(
		`INSERT INTO archived_class (class_id, module, name) VALUES (?1, ?2, ?3)`,
		id, module, name)
	return id, err
}

func (t *qlTx) Class(classID int64) (string, string, error) {
	var module, name string
	err := t.tx.QueryRow(
		`SELECT module, name FROM archived_class WHERE class_id == ?1`,
		classID).Scan(&module, &name)
	if err == sql.ErrNoRows {
		return "", "", ErrNotFound
	}
	return module, name, err
}

func (t *qlTx) FindBlob(length int64, md5, sha256 string) (int64, bool, error) {
	var id int64
	err := t.tx.QueryRow(
		`SELECT blob_id FROM archived_blob_info
		WHERE length == ?1 AND md5 == ?2 AND sha256 == ?3`,
		length, md5, sha256).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	return id, err == nil, err
}

func (t *qlTx) InsertBlob(length int64, md5, sha256 string) (int64, bool, error) {
	id, err := t.nextID(`SELECT max(blob_id) FROM archived_blob_info`)
	if err != nil {
		return 0, false, err
	}
	_, err = t.tx.Exec(
		`INSERT INTO archived_blob_info (blob_id, chunk_count, length, md5, sha256)
		VALUES (?1, 0, ?2, ?3, ?4)`,
		id, length, md5, sha256)
	return id, false, err
}

func (t *qlTx) InsertChunk(blobID int64, index, length int, data []byte) error {
	_, err := t.tx.Exec(
		`INSERT INTO archived_chunk (blob_id, chunk_index, chunk_length, data)
		VALUES (?1, ?2, ?3, ?4)`,
		blobID, int64(index), int64(length), data)
	return err
}

func (t *qlTx) SetChunkCount(blobID int64, n int) error {
	_, err := t.tx.Exec(
		`UPDATE archived_blob_info SET chunk_count = ?2 WHERE blob_id == ?1`,
		blobID, int64(n))
	return err
}

func (t *qlTx) Blob(blobID int64) (BlobRow, bool, error) {
	var b BlobRow
	var chunkCount int64
	err := t.tx.QueryRow(
		`SELECT blob_id, chunk_count, length, md5, sha256
		FROM archived_blob_info WHERE blob_id == ?1`,
		blobID).Scan(&b.BlobID, &chunkCount, &b.Length, &b.MD5, &b.SHA256)
	if err == sql.ErrNoRows {
		return b, false, nil
	}
	b.ChunkCount = int(chunkCount)
	return b, err == nil, err
}

func (t *qlTx) Chunk(blobID int64, index int) ([]byte, error) {
	var data []byte
	err := t.tx.QueryRow(
		`SELECT data FROM archived_chunk WHERE blob_id == ?1 AND chunk_index == ?2`,
		blobID, int64(index)).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return data, err
}

func (t *qlTx) DeleteBlob(blobID int64) error {
	_, err := t.tx.Exec(`DELETE FROM archived_chunk WHERE blob_id == ?1`, blobID)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(`DELETE FROM archived_blob_info WHERE blob_id == ?1`, blobID)
	return err
}

func (t *qlTx) InsertBlobLink(docid int64, versionNum int, name string, blobID int64) error {
	_, err := t.tx.Exec(
		`INSERT INTO archived_blob_link (docid, version_num, name, blob_id)
		VALUES (?1, ?2, ?3, ?4)`,
		docid, int64(versionNum), name, blobID)
	return err
}

func (t *qlTx) BlobLinks(docid int64, versionNum int) (map[string]int64, error) {
	rows, err := t.tx.Query(
		`SELECT name, blob_id FROM archived_blob_link
		WHERE docid == ?1 AND version_num == ?2`,
		docid, int64(versionNum))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := make(map[string]int64)
	for rows.Next() {
		var name string
		var id int64
		if err := rows.Scan(&name, &id); err != nil {
			return nil, err
		}
		result[name] = id
	}
	return result, rows.Err()
}

func (t *qlTx) LinkedBlobIDs(docids []int64) ([]int64, error) {
	seen := make(map[int64]bool)
	var result []int64
	for _, docid := range docids {
		rows, err := t.tx.Query(
			`SELECT blob_id FROM archived_blob_link WHERE docid == ?1`, docid)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			if !seen[id] {
				seen[id] = true
				result = append(result, id)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result, nil
}

func (t *qlTx) HasBlobLink(blobID int64) (bool, error) {
	var n int64
	err := t.tx.QueryRow(
		`SELECT count(*) FROM archived_blob_link WHERE blob_id == ?1`,
		blobID).Scan(&n)
	return n > 0, err
}

func (t *qlTx) Container(containerID int64) (string, bool, error) {
	var path string
	err := t.tx.QueryRow(
		`SELECT path FROM archived_container WHERE container_id == ?1`,
		containerID).Scan(&path)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	return path, err == nil, err
}

func (t *qlTx) InsertContainer(containerID int64, path string) error {
	_, err := t.tx.Exec(
		`INSERT INTO archived_container (container_id, path) VALUES (?1, ?2)`,
		containerID, path)
	return err
}

func (t *qlTx) SetContainerPath(containerID int64, path string) error {
	_, err := t.tx.Exec(
		`UPDATE archived_container SET path = ?2 WHERE container_id == ?1`,
		containerID, path)
	return err
}

func (t *qlTx) Items(containerID int64) ([]ItemRow, error) {
	rows, err := t.tx.Query(
		`SELECT container_id, namespace, name, docid FROM archived_item
		WHERE container_id == ?1`,
		containerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

func (t *qlTx) InsertItem(it ItemRow) error {
	_, err := t.tx.Exec(
		`INSERT INTO archived_item (container_id, namespace, name, docid)
		VALUES (?1, ?2, ?3, ?4)`,
		it.ContainerID, it.Namespace, it.Name, it.DocID)
	return err
}

func (t *qlTx) UpdateItemDocID(containerID int64, namespace, name string, docid int64) error {
	_, err := t.tx.Exec(
		`UPDATE archived_item SET docid = ?4
		WHERE container_id == ?1 AND namespace == ?2 AND name == ?3`,
		containerID, namespace, name, docid)
	return err
}

func (t *qlTx) DeleteItem(containerID int64, namespace, name string) error {
	_, err := t.tx.Exec(
		`DELETE FROM archived_item
		WHERE container_id == ?1 AND namespace == ?2 AND name == ?3`,
		containerID, namespace, name)
	return err
}

func (t *qlTx) Deleted(containerID int64) ([]DeletedRow, error) {
	rows, err := t.tx.Query(
		`SELECT container_id, docid, namespace, name, deleted_time, deleted_by
		FROM archived_item_deleted WHERE container_id == ?1`,
		containerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeleted(rows)
}

func (t *qlTx) InsertDeleted(d DeletedRow) error {
	_, err := t.tx.Exec(
		`INSERT INTO archived_item_deleted
		(container_id, docid, namespace, name, deleted_time, deleted_by)
		VALUES (?1, ?2, ?3, ?4, ?5, ?6)`,
		d.ContainerID, d.DocID, d.Namespace, d.Name, d.DeletedTime, d.DeletedBy)
	return err
}

func (t *qlTx) DeleteDeleted(containerID, docid int64) error {
	_, err := t.tx.Exec(
		`DELETE FROM archived_item_deleted
		WHERE container_id == ?1 AND docid == ?2`,
		containerID, docid)
	return err
}

func (t *qlTx) Containers(ids []int64) (map[int64]string, error) {
	result := make(map[int64]string)
	for _, id := range ids {
		path, ok, err := t.Container(id)
		if err != nil {
			return nil, err
		}
		if ok {
			result[id] = path
		}
	}
	return result, nil
}

func (t *qlTx) ItemsBatch(ids []int64) (map[int64][]ItemRow, error) {
	result := make(map[int64][]ItemRow)
	for _, id := range ids {
		items, err := t.Items(id)
		if err != nil {
			return nil, err
		}
		if len(items) > 0 {
			result[id] = items
		}
	}
	return result, nil
}

func (t *qlTx) DeletedBatch(ids []int64) (map[int64][]DeletedRow, error) {
	result := make(map[int64][]DeletedRow)
	for _, id := range ids {
		deleted, err := t.Deleted(id)
		if err != nil {
			return nil, err
		}
		if len(deleted) > 0 {
			result[id] = deleted
		}
	}
	return result, nil
}

func (t *qlTx) Holders(docids []int64) (map[int64][]int64, error) {
	result := make(map[int64][]int64)
	for _, docid := range docids {
		rows, err := t.tx.Query(
			`SELECT container_id FROM archived_item WHERE docid == ?1`, docid)
		if err != nil {
			return nil, err
		}
		var holders []int64
		seen := make(map[int64]bool)
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			if !seen[id] {
				seen[id] = true
				holders = append(holders, id)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
		if len(holders) > 0 {
			sort.Slice(holders, func(i, j int) bool { return holders[i] < holders[j] })
			result[docid] = holders
		}
	}
	return result, nil
}

func (t *qlTx) DeleteDocs(docids []int64) error {
	queries := []string{
		`DELETE FROM archived_blob_link WHERE docid == ?1`,
		`DELETE FROM archived_state WHERE docid == ?1`,
		`DELETE FROM archived_current WHERE docid == ?1`,
		`DELETE FROM archived_item WHERE docid == ?1`,
		`DELETE FROM archived_item_deleted WHERE docid == ?1`,
		`DELETE FROM archived_object WHERE docid == ?1`,
	}
	for _, docid := range docids {
		for _, q := range queries {
			if _, err := t.tx.Exec(q, docid); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *qlTx) DeleteContainers(ids []int64) error {
	queries := []string{
		`DELETE FROM archived_item WHERE container_id == ?1`,
		`DELETE FROM archived_item_deleted WHERE container_id == ?1`,
		`DELETE FROM archived_container WHERE container_id == ?1`,
	}
	for _, id := range ids {
		for _, q := range queries {
			if _, err := t.tx.Exec(q, id); err != nil {
				return err
			}
		}
	}
	return nil
}

type rowscanner interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanItems(rows rowscanner) ([]ItemRow, error) {
	var result []ItemRow
	for rows.Next() {
		var it ItemRow
		if err := rows.Scan(&it.ContainerID, &it.Namespace, &it.Name, &it.DocID); err != nil {
			return nil, err
		}
		result = append(result, it)
	}
	return result, rows.Err()
}

func scanDeleted(rows rowscanner) ([]DeletedRow, error) {
	var result []DeletedRow
	for rows.Next() {
		var d DeletedRow
		err := rows.Scan(&d.ContainerID, &d.DocID, &d.Namespace, &d.Name,
			&d.DeletedTime, &d.DeletedBy)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}
