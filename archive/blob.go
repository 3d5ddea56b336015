package archive

import (
	"bytes"
	"io"
	"io/ioutil"
	"os"

	"github.com/pkg/errors"

	"github.com/ndlib/annex/util"
)

// putBlob stores the content of src and returns the blob id, deduping
// against blobs already in the archive by (length, md5, sha256).
func (tx *Tx) putBlob(src io.ReadSeeker) (int64, error) {
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return 0, errors.Wrap(err, "put blob")
	}
	hw := util.NewHashWriterPlain()
	length, err := io.Copy(hw, src)
	if err != nil {
		return 0, errors.Wrap(err, "put blob")
	}
	md5hex := hw.MD5Hex()
	sha256hex := hw.SHA256Hex()
	id, ok, err := tx.db.FindBlob(length, md5hex, sha256hex)
	if err != nil {
		return 0, errors.Wrap(err, "put blob")
	}
	if ok {
		return id, nil
	}
	id, existed, err := tx.db.InsertBlob(length, md5hex, sha256hex)
	if err != nil {
		return 0, errors.Wrap(err, "put blob")
	}
	if existed {
		return id, nil
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return 0, errors.Wrap(err, "put blob")
	}
	buf := make([]byte, tx.a.chunkSize)
	var index int
	for {
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			cerr := tx.db.InsertChunk(id, index, n, buf[:n])
			if cerr != nil {
				return 0, errors.Wrap(cerr, "put blob")
			}
			index++
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return 0, errors.Wrap(err, "put blob")
		}
	}
	if err := tx.db.SetChunkCount(id, index); err != nil {
		return 0, errors.Wrap(err, "put blob")
	}
	return id, nil
}

// blobFromSource resolves a BlobSource into the archive, opening the
// file when the source is a path.
func (tx *Tx) blobFromSource(src BlobSource) (int64, error) {
	if src.Reader != nil {
		return tx.putBlob(src.Reader)
	}
	if src.Path == "" {
		return 0, errors.Wrap(ErrInvalidInput, "blob source has neither path nor reader")
	}
	f, err := os.Open(src.Path)
	if err != nil {
		return 0, errors.Wrap(err, "open blob source")
	}
	defer f.Close()
	return tx.putBlob(f)
}

// A BlobReader is a read-only, seekable stream over one stored blob.
// Close releases any backing temporary file.
type BlobReader struct {
	r    io.ReadSeeker
	size int64
	tmp  string // path of the spill file, if any
}

func (b *BlobReader) Read(p []byte) (int, error) { return b.r.Read(p) }

func (b *BlobReader) Seek(offset int64, whence int) (int64, error) {
	return b.r.Seek(offset, whence)
}

func (b *BlobReader) ReadAt(p []byte, off int64) (int, error) {
	if ra, ok := b.r.(io.ReaderAt); ok {
		return ra.ReadAt(p, off)
	}
	if _, err := b.r.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(b.r, p)
}

// Write always fails. The stream exists so callers holding a
// ReadWriteSeeker-shaped interface get an explicit error rather than
// silent truncation.
func (b *BlobReader) Write(p []byte) (int, error) { return 0, ErrReadOnlyBlob }

// Size returns the blob's length in bytes.
func (b *BlobReader) Size() int64 { return b.size }

func (b *BlobReader) Close() error {
	var err error
	if c, ok := b.r.(io.Closer); ok {
		err = c.Close()
	}
	if b.tmp != "" {
		if rerr := os.Remove(b.tmp); err == nil {
			err = rerr
		}
	}
	return err
}

// OpenBlob returns a stream over the named blob's content. Small blobs
// are buffered in memory; blobs over the archive's memory limit are
// spilled to a temporary file that Close removes.
func (tx *Tx) OpenBlob(blobID int64) (*BlobReader, error) {
	info, ok, err := tx.db.Blob(blobID)
	if err != nil {
		return nil, errors.Wrap(err, "open blob")
	}
	if !ok {
		return nil, ErrNotFound
	}
	if info.Length <= tx.a.memoryLimit {
		var buf bytes.Buffer
		buf.Grow(int(info.Length))
		if err := tx.copyChunks(&buf, info); err != nil {
			return nil, err
		}
		return &BlobReader{r: bytes.NewReader(buf.Bytes()), size: info.Length}, nil
	}
	f, err := ioutil.TempFile("", "annex-blob-")
	if err != nil {
		return nil, errors.Wrap(err, "open blob")
	}
	if err := tx.copyChunks(f, info); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, errors.Wrap(err, "open blob")
	}
	return &BlobReader{r: f, size: info.Length, tmp: f.Name()}, nil
}

func (tx *Tx) copyChunks(w io.Writer, info BlobRow) error {
	for i := 0; i < info.ChunkCount; i++ {
		data, err := tx.db.Chunk(info.BlobID, i)
		if err != nil {
			return errors.Wrapf(err, "read chunk %d of blob %d", i, info.BlobID)
		}
		if _, err := w.Write(data); err != nil {
			return errors.Wrap(err, "open blob")
		}
	}
	return nil
}

// VerifyBlob rereads the blob's content and checks it against the
// fingerprint recorded when it was stored. It returns false when the
// content no longer matches, which means database corruption.
func (tx *Tx) VerifyBlob(blobID int64) (bool, error) {
	info, ok, err := tx.db.Blob(blobID)
	if err != nil {
		return false, errors.Wrap(err, "verify blob")
	}
	if !ok {
		return false, ErrNotFound
	}
	r, err := tx.OpenBlob(blobID)
	if err != nil {
		return false, err
	}
	defer r.Close()
	if r.Size() != info.Length {
		return false, nil
	}
	return util.VerifyStream(r, info.MD5, info.SHA256)
}

// dropOrphans deletes every blob in candidates that no version links
// any longer. Called after shredding, which is the only operation that
// removes links.
func (tx *Tx) dropOrphans(candidates []int64) error {
	for _, id := range candidates {
		used, err := tx.db.HasBlobLink(id)
		if err != nil {
			return errors.Wrap(err, "drop orphan blobs")
		}
		if used {
			continue
		}
		if err := tx.db.DeleteBlob(id); err != nil {
			return errors.Wrap(err, "drop orphan blobs")
		}
	}
	return nil
}
