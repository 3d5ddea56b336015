package util

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// VerifyStream checksums the given io.Reader and compares the result
// against the provided hex-encoded MD5 and SHA-256 digests. It returns
// true if both match, and false otherwise. Pass an empty string to skip
// a given digest. The reader is not closed when finished.
func VerifyStream(r io.Reader, md5hex, sha256hex string) (bool, error) {
	if md5hex == "" && sha256hex == "" {
		return true, nil
	}
	hw := NewHashWriterPlain()
	_, err := io.Copy(hw, r)
	var result = true
	if md5hex != "" {
		result = result && hw.MD5Hex() == md5hex
	}
	if sha256hex != "" {
		result = result && hw.SHA256Hex() == sha256hex
	}
	return result, err
}

// A HashWriter wraps an io.Writer and also calculates the MD5 and
// SHA-256 hashes of the bytes written.
type HashWriter struct {
	io.Writer // our io.MultiWriter
	md5       hash.Hash
	sha256    hash.Hash
}

// NewHashWriter returns a HashWriter wrapping w.
func NewHashWriter(w io.Writer) *HashWriter {
	hw := &HashWriter{
		md5:    md5.New(),
		sha256: sha256.New(),
	}
	hw.Writer = io.MultiWriter(w, hw.md5, hw.sha256)
	return hw
}

// NewHashWriterPlain returns a HashWriter that does not wrap an output
// stream. It will just compute the checksums of the data written to it.
func NewHashWriterPlain() *HashWriter {
	hw := &HashWriter{
		md5:    md5.New(),
		sha256: sha256.New(),
	}
	hw.Writer = io.MultiWriter(hw.md5, hw.sha256)
	return hw
}

// MD5 returns the MD5 digest of everything written so far.
func (hw *HashWriter) MD5() []byte {
	return hw.md5.Sum(nil)
}

// SHA256 returns the SHA-256 digest of everything written so far.
func (hw *HashWriter) SHA256() []byte {
	return hw.sha256.Sum(nil)
}

// MD5Hex returns the MD5 digest as a lowercase hex string.
func (hw *HashWriter) MD5Hex() string {
	return hex.EncodeToString(hw.MD5())
}

// SHA256Hex returns the SHA-256 digest as a lowercase hex string.
func (hw *HashWriter) SHA256Hex() string {
	return hex.EncodeToString(hw.SHA256())
}
