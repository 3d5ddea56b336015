package archive

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// AddVersion appends a new version of the document in input and makes
// it the document's current version. The first call for a docid
// creates the document; later calls derive from whatever version was
// current when they ran. The new version number is returned.
func (tx *Tx) AddVersion(input VersionInput) (int, error) {
	if input.DocID == 0 {
		return 0, errors.Wrap(ErrInvalidInput, "docid is required")
	}
	archiveTime := tx.a.clock.Now().UTC()
	created, exists, err := tx.db.ObjectCreated(input.DocID)
	if err != nil {
		return 0, errors.Wrap(err, "add version")
	}
	if !exists {
		created = input.Created
		if created.IsZero() {
			created = archiveTime
		}
		if err := tx.db.InsertObject(input.DocID, created); err != nil {
			return 0, errors.Wrap(err, "add version")
		}
	}
	maxv, err := tx.db.MaxVersion(input.DocID)
	if err != nil {
		return 0, errors.Wrap(err, "add version")
	}
	var derived int
	if exists {
		derived, _, err = tx.db.Current(input.DocID)
		if err != nil {
			return 0, errors.Wrap(err, "add version")
		}
	}
	classID, err := tx.internClass(input.Class)
	if err != nil {
		return 0, err
	}
	attrs, err := encodeAttrs(input.Attrs)
	if err != nil {
		return 0, err
	}
	modified := input.Modified
	if modified.IsZero() {
		modified = archiveTime
	}
	vnum := maxv + 1
	err = tx.db.InsertVersion(VersionRow{
		DocID:       input.DocID,
		VersionNum:  vnum,
		DerivedFrom: derived,
		ClassID:     classID,
		Path:        input.Path,
		Modified:    modified,
		ArchiveTime: archiveTime,
		User:        input.User,
		Title:       input.Title,
		Description: input.Description,
		Attrs:       attrs,
		Comment:     input.Comment,
	})
	if err != nil {
		return 0, errors.Wrap(err, "add version")
	}
	for name, src := range input.Blobs {
		if name == "" {
			return 0, errors.Wrap(ErrInvalidInput, "blob name is required")
		}
		blobID, err := tx.blobFromSource(src)
		if err != nil {
			return 0, err
		}
		if err := tx.db.InsertBlobLink(input.DocID, vnum, name, blobID); err != nil {
			return 0, errors.Wrap(err, "add version")
		}
	}
	if err := tx.db.SetCurrent(input.DocID, vnum, !exists); err != nil {
		return 0, errors.Wrap(err, "add version")
	}
	return vnum, nil
}

// Revert moves the document's current pointer back to versionNum.
// Later versions stay in the archive; the next AddVersion will derive
// from versionNum.
func (tx *Tx) Revert(docid int64, versionNum int) error {
	_, ok, err := tx.db.Version(docid, versionNum)
	if err != nil {
		return errors.Wrap(err, "revert")
	}
	if !ok {
		return ErrNotFound
	}
	if err := tx.db.SetCurrent(docid, versionNum, false); err != nil {
		return errors.Wrap(err, "revert")
	}
	return nil
}

// History returns every version of the document, newest first.
func (tx *Tx) History(docid int64) ([]HistoryRecord, error) {
	created, exists, err := tx.db.ObjectCreated(docid)
	if err != nil {
		return nil, errors.Wrap(err, "history")
	}
	if !exists {
		return nil, ErrNotFound
	}
	current, _, err := tx.db.Current(docid)
	if err != nil {
		return nil, errors.Wrap(err, "history")
	}
	rows, err := tx.db.Versions(docid)
	if err != nil {
		return nil, errors.Wrap(err, "history")
	}
	result := make([]HistoryRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := tx.historyRecord(row, created, current)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, nil
}

// CurrentVersion returns the version the document's current pointer
// names.
func (tx *Tx) CurrentVersion(docid int64) (HistoryRecord, error) {
	current, ok, err := tx.db.Current(docid)
	if err != nil {
		return HistoryRecord{}, errors.Wrap(err, "current version")
	}
	if !ok {
		return HistoryRecord{}, ErrNotFound
	}
	return tx.GetVersion(docid, current)
}

// GetVersion returns one version of a document.
func (tx *Tx) GetVersion(docid int64, versionNum int) (HistoryRecord, error) {
	created, exists, err := tx.db.ObjectCreated(docid)
	if err != nil {
		return HistoryRecord{}, errors.Wrap(err, "get version")
	}
	if !exists {
		return HistoryRecord{}, ErrNotFound
	}
	current, _, err := tx.db.Current(docid)
	if err != nil {
		return HistoryRecord{}, errors.Wrap(err, "get version")
	}
	row, ok, err := tx.db.Version(docid, versionNum)
	if err != nil {
		return HistoryRecord{}, errors.Wrap(err, "get version")
	}
	if !ok {
		return HistoryRecord{}, ErrNotFound
	}
	return tx.historyRecord(row, created, current)
}

func (tx *Tx) historyRecord(row VersionRow, created time.Time, current int) (HistoryRecord, error) {
	class, err := tx.resolveClass(row.ClassID)
	if err != nil {
		return HistoryRecord{}, err
	}
	attrs, err := decodeAttrs(row.Attrs)
	if err != nil {
		return HistoryRecord{}, err
	}
	blobs, err := tx.db.BlobLinks(row.DocID, row.VersionNum)
	if err != nil {
		return HistoryRecord{}, errors.Wrap(err, "read blob links")
	}
	return HistoryRecord{
		DocID:              row.DocID,
		VersionNum:         row.VersionNum,
		CurrentVersion:     current,
		DerivedFromVersion: row.DerivedFrom,
		Created:            created,
		Modified:           row.Modified,
		ArchiveTime:        row.ArchiveTime,
		Path:               row.Path,
		User:               row.User,
		Title:              row.Title,
		Description:        row.Description,
		Attrs:              attrs,
		Comment:            row.Comment,
		Class:              class,
		Blobs:              blobs,
	}, nil
}

// encodeAttrs serializes an attribute map to compact JSON, with a nil
// or empty map stored as null.
func encodeAttrs(attrs map[string]interface{}) (string, error) {
	if len(attrs) == 0 {
		return "", nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(attrs); err != nil {
		return "", errors.Wrap(err, "encode attrs")
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

func decodeAttrs(s string) (map[string]interface{}, error) {
	if s == "" {
		return nil, nil
	}
	var attrs map[string]interface{}
	if err := json.Unmarshal([]byte(s), &attrs); err != nil {
		return nil, errors.Wrap(err, "decode attrs")
	}
	return attrs, nil
}
