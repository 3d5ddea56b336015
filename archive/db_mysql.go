package archive

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/migration"
	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
)

// mysqlDB implements DB on MySQL. The DSN needs parseTime=true so
// datetime columns scan into time.Time.
type mysqlDB struct {
	db *sql.DB
}

// the number in the error from MySQL for a unique key violation
const mysqlDuplicateKey = 1062

var mysqlMigrations = []migration.Migrator{
	mysqlschema1,
}

var mysqlVersioning = dbVersion{
	GetSQL:    `SELECT max(version) FROM migration_version`,
	SetSQL:    `INSERT INTO migration_version (version, applied) VALUES (?, now())`,
	CreateSQL: `CREATE TABLE migration_version (version INTEGER, applied datetime)`,
}

func mysqlschema1(tx migration.LimitedTx) error {
	var s = []string{
		`CREATE TABLE IF NOT EXISTS archived_object (
			docid BIGINT NOT NULL PRIMARY KEY,
			created datetime(6) NOT NULL
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS archived_class (
			class_id INT NOT NULL AUTO_INCREMENT PRIMARY KEY,
			module VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL,
			UNIQUE KEY classpair (module, name)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS archived_state (
			docid BIGINT NOT NULL,
			version_num INT NOT NULL,
			derived_from_version INT,
			class_id INT NOT NULL,
			path TEXT NOT NULL,
			modified datetime(6) NOT NULL,
			archive_time datetime(6) NOT NULL,
			user VARCHAR(255) NOT NULL,
			title TEXT,
			description TEXT,
			attrs MEDIUMTEXT,
			comment TEXT,
			PRIMARY KEY (docid, version_num)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS archived_current (
			docid BIGINT NOT NULL PRIMARY KEY,
			version_num INT NOT NULL
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS archived_blob_info (
			blob_id INT NOT NULL AUTO_INCREMENT PRIMARY KEY,
			chunk_count INT NOT NULL,
			length BIGINT NOT NULL,
			md5 CHAR(32) NOT NULL,
			sha256 CHAR(64) NOT NULL,
			UNIQUE KEY fingerprint (length, md5, sha256)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS archived_chunk (
			blob_id INT NOT NULL,
			chunk_index INT NOT NULL,
			chunk_length INT NOT NULL,
			data LONGBLOB NOT NULL,
			PRIMARY KEY (blob_id, chunk_index)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS archived_blob_link (
			docid BIGINT NOT NULL,
			version_num INT NOT NULL,
			name VARCHAR(255) NOT NULL,
			blob_id INT NOT NULL,
			PRIMARY KEY (docid, version_num, name),
			KEY linkblob (blob_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS archived_container (
			container_id BIGINT NOT NULL PRIMARY KEY,
			path TEXT NOT NULL
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS archived_item (
			container_id BIGINT NOT NULL,
			namespace VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL,
			docid BIGINT NOT NULL,
			PRIMARY KEY (container_id, namespace, name),
			KEY itemdocid (docid)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS archived_item_deleted (
			container_id BIGINT NOT NULL,
			docid BIGINT NOT NULL,
			namespace VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL,
			deleted_time datetime(6) NOT NULL,
			deleted_by VARCHAR(255) NOT NULL,
			PRIMARY KEY (container_id, docid)
		) ENGINE=InnoDB`,
	}
	return execlist(tx, s)
}

// execlist exec's each item in the list, return if there is an error.
// Used to work around mysql driver not handling compound exec
// statements.
func execlist(tx migration.LimitedTx, stms []string) error {
	var err error
	for _, s := range stms {
		_, err = tx.Exec(s)
		if err != nil {
			break
		}
	}
	return err
}

func openMySQL(dsn string) (DB, error) {
	db, err := migration.OpenWith(
		"mysql",
		dsn,
		mysqlMigrations,
		mysqlVersioning.Get,
		mysqlVersioning.Set)
	if err != nil {
		return nil, errors.Wrap(err, "open mysql database")
	}
	return &mysqlDB{db: db}, nil
}

func (d *mysqlDB) Begin(ctx context.Context) (DBTx, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &mysqlTx{tx: tx}, nil
}

func (d *mysqlDB) Close() error { return d.db.Close() }

type mysqlTx struct {
	tx *sql.Tx
}

func (t *mysqlTx) Commit() error   { return t.tx.Commit() }
func (t *mysqlTx) Rollback() error { return t.tx.Rollback() }

func isDuplicateKey(err error) bool {
	if merr, ok := err.(*mysql.MySQLError); ok {
		return merr.Number == mysqlDuplicateKey
	}
	return false
}

// qmarks returns "?,?,...,?" with n marks, for IN lists.
func qmarks(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (t *mysqlTx) ObjectCreated(docid int64) (time.Time, bool, error) {
	var created time.Time
	// lock the row so concurrent version appends serialize per docid
	err := t.tx.QueryRow(
		`SELECT created FROM archived_object WHERE docid = ? FOR UPDATE`,
		docid).Scan(&created)
	if err == sql.ErrNoRows {
		return created, false, nil
	}
	return created, err == nil, err
}

func (t *mysqlTx) InsertObject(docid int64, created time.Time) error {
	_, err := t.tx.Exec(
		`INSERT INTO archived_object (docid, created) VALUES (?, ?)`,
		docid, created)
	return err
}

func (t *mysqlTx) MaxVersion(docid int64) (int, error) {
	var max sql.NullInt64
	err := t.tx.QueryRow(
		`SELECT max(version_num) FROM archived_state WHERE docid = ?`,
		docid).Scan(&max)
	if err != nil && err != sql.ErrNoRows {
		return 0, err
	}
	return int(max.Int64), nil
}

func (t *mysqlTx) Current(docid int64) (int, bool, error) {
	var v int
	err := t.tx.QueryRow(
		`SELECT version_num FROM archived_current WHERE docid = ?`,
		docid).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	return v, err == nil, err
}

func (t *mysqlTx) SetCurrent(docid int64, versionNum int, isNew bool) error {
	_, err := t.tx.Exec(
		`INSERT INTO archived_current (docid, version_num) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE version_num = VALUES(version_num)`,
		docid, versionNum)
	return err
}

func (t *mysqlTx) InsertVersion(v VersionRow) error {
	_, err := t.tx.Exec(
		`INSERT INTO archived_state (docid, version_num, derived_from_version,
			class_id, path, modified, archive_time, user, title, description,
			attrs, comment)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.DocID, v.VersionNum, nullint(v.DerivedFrom), v.ClassID,
		v.Path, v.Modified, v.ArchiveTime, v.User,
		nullstr(v.Title), nullstr(v.Description), nullstr(v.Attrs),
		nullstr(v.Comment))
	return err
}

const mysqlVersionColumns = `docid, version_num, derived_from_version, class_id,
	path, modified, archive_time, user, title, description, attrs, comment`

func (t *mysqlTx) Version(docid int64, versionNum int) (VersionRow, bool, error) {
	row := t.tx.QueryRow(
		`SELECT `+mysqlVersionColumns+` FROM archived_state
		WHERE docid = ? AND version_num = ?`,
		docid, versionNum)
	v, err := scanVersionRow(row)
	if err == sql.ErrNoRows {
		return v, false, nil
	}
	return v, err == nil, err
}

func (t *mysqlTx) Versions(docid int64) ([]VersionRow, error) {
	rows, err := t.tx.Query(
		`SELECT `+mysqlVersionColumns+` FROM archived_state
		WHERE docid = ? ORDER BY version_num DESC`,
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

func (t *mysqlTx) FindClass(module, name string) (int64, bool, error) {
	var id int64
	err := t.tx.QueryRow(
		`SELECT class_id FROM archived_class WHERE module = ? AND name = ?`,
		module, name).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	return id, err == nil, err
}

func (t *mysqlTx) InsertClass(module, name string) (int64, error) {
	result, err := t.tx.Exec(
		`INSERT INTO archived_class (module, name) VALUES (?, ?)`,
		module, name)
	if err != nil {
		if isDuplicateKey(err) {
			id, _, err2 := t.FindClass(module, name)
			if err2 != nil {
				return 0, err2
			}
			return id, nil
		}
		return 0, err
	}
	return result.LastInsertId()
}

func (t *mysqlTx) Class(classID int64) (string, string, error) {
	var module, name string
	err := t.tx.QueryRow(
		`SELECT module, name FROM archived_class WHERE class_id = ?`,
		classID).Scan(&module, &name)
	if err == sql.ErrNoRows {
		return "", "", ErrNotFound
	}
	return module, name, err
}

func (t *mysqlTx) FindBlob(length int64, md5, sha256 string) (int64, bool, error) {
	var id int64
	err := t.tx.QueryRow(
		`SELECT blob_id FROM archived_blob_info
		WHERE length = ? AND md5 = ? AND sha256 = ?`,
		length, md5, sha256).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	return id, err == nil, err
}

func (t *mysqlTx) InsertBlob(length int64, md5, sha256 string) (int64, bool, error) {
	result, err := t.tx.Exec(
		`INSERT INTO archived_blob_info (chunk_count, length, md5, sha256)
		VALUES (0, ?, ?, ?)`,
		length, md5, sha256)
	if err != nil {
		if isDuplicateKey(err) {
			// lost the race on the fingerprint, use the winner
			id, ok, err2 := t.FindBlob(length, md5, sha256)
			if err2 != nil {
				return 0, false, err2
			}
			if !ok {
				return 0, false, err
			}
			return id, true, nil
		}
		return 0, false, err
	}
	id, err := result.LastInsertId()
	return id, false, err
}

func (t *mysqlTx) InsertChunk(blobID int64, index, length int, data []byte) error {
	_, err := t.tx.Exec(
		`INSERT INTO archived_chunk (blob_id, chunk_index, chunk_length, data)
		VALUES (?, ?, ?, ?)`,
		blobID, index, length, data)
	return err
}

func (t *mysqlTx) SetChunkCount(blobID int64, n int) error {
	_, err := t.tx.Exec(
		`UPDATE archived_blob_info SET chunk_count = ? WHERE blob_id = ?`,
		n, blobID)
	return err
}

func (t *mysqlTx) Blob(blobID int64) (BlobRow, bool, error) {
	var b BlobRow
	err := t.tx.QueryRow(
		`SELECT blob_id, chunk_count, length, md5, sha256
		FROM archived_blob_info WHERE blob_id = ?`,
		blobID).Scan(&b.BlobID, &b.ChunkCount, &b.Length, &b.MD5, &b.SHA256)
	if err == sql.ErrNoRows {
		return b, false, nil
	}
	return b, err == nil, err
}

func (t *mysqlTx) Chunk(blobID int64, index int) ([]byte, error) {
	var data []byte
	err := t.tx.QueryRow(
		`SELECT data FROM archived_chunk WHERE blob_id = ? AND chunk_index = ?`,
		blobID, index).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return data, err
}

func (t *mysqlTx) DeleteBlob(blobID int64) error {
	_, err := t.tx.Exec(`DELETE FROM archived_chunk WHERE blob_id = ?`, blobID)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(`DELETE FROM archived_blob_info WHERE blob_id = ?`, blobID)
	return err
}

func (t *mysqlTx) InsertBlobLink(docid int64, versionNum int, name string, blobID int64) error {
	_, err := t.tx.Exec(
		`INSERT INTO archived_blob_link (docid, version_num, name, blob_id)
		VALUES (?, ?, ?, ?)`,
		docid, versionNum, name, blobID)
	return err
}

func (t *mysqlTx) BlobLinks(docid int64, versionNum int) (map[string]int64, error) {
	rows, err := t.tx.Query(
		`SELECT name, blob_id FROM archived_blob_link
		WHERE docid = ? AND version_num = ?`,
		docid, versionNum)
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

func (t *mysqlTx) LinkedBlobIDs(docids []int64) ([]int64, error) {
	if len(docids) == 0 {
		return nil, nil
	}
	rows, err := t.tx.Query(
		`SELECT DISTINCT blob_id FROM archived_blob_link
		WHERE docid IN (`+qmarks(len(docids))+`)`,
		int64Args(docids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		result = append(result, id)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result, rows.Err()
}

func (t *mysqlTx) HasBlobLink(blobID int64) (bool, error) {
	var n int
	err := t.tx.QueryRow(
		`SELECT count(*) FROM archived_blob_link WHERE blob_id = ?`,
		blobID).Scan(&n)
	return n > 0, err
}

func (t *mysqlTx) Container(containerID int64) (string, bool, error) {
	var path string
	err := t.tx.QueryRow(
		`SELECT path FROM archived_container WHERE container_id = ? FOR UPDATE`,
		containerID).Scan(&path)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	return path, err == nil, err
}

func (t *mysqlTx) InsertContainer(containerID int64, path string) error {
	_, err := t.tx.Exec(
		`INSERT INTO archived_container (container_id, path) VALUES (?, ?)`,
		containerID, path)
	return err
}

func (t *mysqlTx) SetContainerPath(containerID int64, path string) error {
	_, err := t.tx.Exec(
		`UPDATE archived_container SET path = ? WHERE container_id = ?`,
		path, containerID)
	return err
}

func (t *mysqlTx) Items(containerID int64) ([]ItemRow, error) {
	rows, err := t.tx.Query(
		`SELECT container_id, namespace, name, docid FROM archived_item
		WHERE container_id = ?`,
		containerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

func (t *mysqlTx) InsertItem(it ItemRow) error {
	_, err := t.tx.Exec(
		`INSERT INTO archived_item (container_id, namespace, name, docid)
		VALUES (?, ?, ?, ?)`,
		it.ContainerID, it.Namespace, it.Name, it.DocID)
	return err
}

func (t *mysqlTx) UpdateItemDocID(containerID int64, namespace, name string, docid int64) error {
	_, err := t.tx.Exec(
		`UPDATE archived_item SET docid = ?
		WHERE container_id = ? AND namespace = ? AND name = ?`,
		docid, containerID, namespace, name)
	return err
}

func (t *mysqlTx) DeleteItem(containerID int64, namespace, name string) error {
	_, err := t.tx.Exec(
		`DELETE FROM archived_item
		WHERE container_id = ? AND namespace = ? AND name = ?`,
		containerID, namespace, name)
	return err
}

func (t *mysqlTx) Deleted(containerID int64) ([]DeletedRow, error) {
	rows, err := t.tx.Query(
		`SELECT container_id, docid, namespace, name, deleted_time, deleted_by
		FROM archived_item_deleted WHERE container_id = ?`,
		containerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeleted(rows)
}

func (t *mysqlTx) InsertDeleted(d DeletedRow) error {
	_, err := t.tx.Exec(
		`INSERT INTO archived_item_deleted
		(container_id, docid, namespace, name, deleted_time, deleted_by)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.ContainerID, d.DocID, d.Namespace, d.Name, d.DeletedTime, d.DeletedBy)
	return err
}

func (t *mysqlTx) DeleteDeleted(containerID, docid int64) error {
	_, err := t.tx.Exec(
		`DELETE FROM archived_item_deleted
		WHERE container_id = ? AND docid = ?`,
		containerID, docid)
	return err
}

func (t *mysqlTx) Containers(ids []int64) (map[int64]string, error) {
	if len(ids) == 0 {
		return map[int64]string{}, nil
	}
	rows, err := t.tx.Query(
		`SELECT container_id, path FROM archived_container
		WHERE container_id IN (`+qmarks(len(ids))+`)`,
		int64Args(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := make(map[int64]string)
	for rows.Next() {
		var id int64
		var path string
		if err := rows.Scan(&id, &path); err != nil {
			return nil, err
		}
		result[id] = path
	}
	return result, rows.Err()
}

func (t *mysqlTx) ItemsBatch(ids []int64) (map[int64][]ItemRow, error) {
	result := make(map[int64][]ItemRow)
	if len(ids) == 0 {
		return result, nil
	}
	rows, err := t.tx.Query(
		`SELECT container_id, namespace, name, docid FROM archived_item
		WHERE container_id IN (`+qmarks(len(ids))+`)`,
		int64Args(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		result[it.ContainerID] = append(result[it.ContainerID], it)
	}
	return result, nil
}

func (t *mysqlTx) DeletedBatch(ids []int64) (map[int64][]DeletedRow, error) {
	result := make(map[int64][]DeletedRow)
	if len(ids) == 0 {
		return result, nil
	}
	rows, err := t.tx.Query(
		`SELECT container_id, docid, namespace, name, deleted_time, deleted_by
		FROM archived_item_deleted
		WHERE container_id IN (`+qmarks(len(ids))+`)`,
		int64Args(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	deleted, err := scanDeleted(rows)
	if err != nil {
		return nil, err
	}
	for _, d := range deleted {
		result[d.ContainerID] = append(result[d.ContainerID], d)
	}
	return result, nil
}

func (t *mysqlTx) Holders(docids []int64) (map[int64][]int64, error) {
	result := make(map[int64][]int64)
	if len(docids) == 0 {
		return result, nil
	}
	rows, err := t.tx.Query(
		`SELECT DISTINCT docid, container_id FROM archived_item
		WHERE docid IN (`+qmarks(len(docids))+`)
		ORDER BY container_id`,
		int64Args(docids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var docid, cid int64
		if err := rows.Scan(&docid, &cid); err != nil {
			return nil, err
		}
		result[docid] = append(result[docid], cid)
	}
	return result, rows.Err()
}

func (t *mysqlTx) DeleteDocs(docids []int64) error {
	if len(docids) == 0 {
		return nil
	}
	in := `(` + qmarks(len(docids)) + `)`
	queries := []string{
		`DELETE FROM archived_blob_link WHERE docid IN ` + in,
		`DELETE FROM archived_state WHERE docid IN ` + in,
		`DELETE FROM archived_current WHERE docid IN ` + in,
		`DELETE FROM archived_item WHERE docid IN ` + in,
		`DELETE FROM archived_item_deleted WHERE docid IN ` + in,
		`DELETE FROM archived_object WHERE docid IN ` + in,
	}
	args := int64Args(docids)
	for _, q := range queries {
		if _, err := t.tx.Exec(q, args...); err != nil {
			return err
		}
	}
	return nil
}

func (t *mysqlTx) DeleteContainers(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	in := `(` + qmarks(len(ids)) + `)`
	queries := []string{
		`DELETE FROM archived_item WHERE container_id IN ` + in,
		`DELETE FROM archived_item_deleted WHERE container_id IN ` + in,
		`DELETE FROM archived_container WHERE container_id IN ` + in,
	}
	args := int64Args(ids)
	for _, q := range queries {
		if _, err := t.tx.Exec(q, args...); err != nil {
			return err
		}
	}
	return nil
}
