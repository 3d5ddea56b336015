package archive

import (
	"fmt"
	"io/ioutil"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestAddVersionHistory(t *testing.T) {
	a, mock := testArchive(t)
	tx := begin(t, a)
	defer tx.Rollback()

	t0 := mock.Now().UTC()
	vnum, err := tx.AddVersion(VersionInput{
		DocID: 23,
		Path:  "/plone/folder/doc",
		User:  "alice",
		Title: "First Draft",
		Attrs: map[string]interface{}{"tags": []interface{}{"a", "b"}},
		Class: ClassRef{Module: "app.content", Name: "Document"},
	})
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	if vnum != 1 {
		t.Errorf("Got version %d, expected 1", vnum)
	}

	mock.Add(time.Hour)
	t1 := mock.Now().UTC()
	vnum, err = tx.AddVersion(VersionInput{
		DocID:   23,
		Path:    "/plone/folder/doc",
		User:    "bob",
		Title:   "Second Draft",
		Comment: "reworked the intro",
		Class:   ClassRef{Module: "app.content", Name: "Document"},
	})
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	if vnum != 2 {
		t.Errorf("Got version %d, expected 2", vnum)
	}

	history, err := tx.History(23)
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	if len(history) != 2 {
		t.Fatalf("Got %d records, expected 2", len(history))
	}
	// newest first
	if history[0].VersionNum != 2 || history[1].VersionNum != 1 {
		t.Errorf("Got versions (%d, %d), expected (2, 1)",
			history[0].VersionNum, history[1].VersionNum)
	}
	if history[0].DerivedFromVersion != 1 {
		t.Errorf("Got derived from %d, expected 1", history[0].DerivedFromVersion)
	}
	if history[1].DerivedFromVersion != 0 {
		t.Errorf("Got derived from %d, expected 0", history[1].DerivedFromVersion)
	}
	if history[0].CurrentVersion != 2 {
		t.Errorf("Got current %d, expected 2", history[0].CurrentVersion)
	}
	if history[0].User != "bob" || history[0].Comment != "reworked the intro" {
		t.Errorf("Got (%s, %s), expected (bob, reworked the intro)",
			history[0].User, history[0].Comment)
	}
	if history[1].Title != "First Draft" {
		t.Errorf("Got title %q, expected %q", history[1].Title, "First Draft")
	}
	if history[0].Title != "Second Draft" {
		t.Errorf("Got title %q, expected %q", history[0].Title, "Second Draft")
	}
	if !history[1].ArchiveTime.Equal(t0) {
		t.Errorf("Got archive time %v, expected %v", history[1].ArchiveTime, t0)
	}
	if !history[0].ArchiveTime.Equal(t1) {
		t.Errorf("Got archive time %v, expected %v", history[0].ArchiveTime, t1)
	}
	if !history[0].Created.Equal(t0) {
		t.Errorf("Got created %v, expected %v", history[0].Created, t0)
	}
	tags, ok := history[1].Attrs["tags"].([]interface{})
	if !ok || len(tags) != 2 || tags[0] != "a" {
		t.Errorf("Got attrs %v, expected tags [a b]", history[1].Attrs)
	}
	if history[0].Attrs != nil {
		t.Errorf("Got attrs %v, expected nil", history[0].Attrs)
	}
	if history[0].Class.Module != "app.content" || history[0].Class.Name != "Document" {
		t.Errorf("Got class (%s, %s), expected (app.content, Document)",
			history[0].Class.Module, history[0].Class.Name)
	}
}

func TestGetVersionMissing(t *testing.T) {
	a, _ := testArchive(t)
	tx := begin(t, a)
	defer tx.Rollback()

	if _, err := tx.GetVersion(99, 1); err != ErrNotFound {
		t.Errorf("Got %v, expected %v", err, ErrNotFound)
	}
	if _, err := tx.CurrentVersion(99); err != ErrNotFound {
		t.Errorf("Got %v, expected %v", err, ErrNotFound)
	}

	if _, err := tx.AddVersion(VersionInput{
		DocID: 99,
		Path:  "/doc",
		User:  "alice",
		Class: ClassRef{Module: "app", Name: "Document"},
	}); err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	if _, err := tx.GetVersion(99, 2); err != ErrNotFound {
		t.Errorf("Got %v, expected %v", err, ErrNotFound)
	}
}

func TestRevert(t *testing.T) {
	a, _ := testArchive(t)
	tx := begin(t, a)
	defer tx.Rollback()

	for i := 1; i <= 3; i++ {
		_, err := tx.AddVersion(VersionInput{
			DocID: 7,
			Path:  "/doc",
			User:  "alice",
			Title: fmt.Sprintf("draft %d", i),
			Class: ClassRef{Module: "app", Name: "Document"},
		})
		if err != nil {
			t.Fatalf("Received %s, expected no error", err)
		}
	}
	if err := tx.Revert(7, 1); err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	cur, err := tx.CurrentVersion(7)
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	if cur.VersionNum != 1 || cur.Title != "draft 1" {
		t.Errorf("Got (%d, %s), expected (1, draft 1)", cur.VersionNum, cur.Title)
	}
	// later versions are still there
	history, err := tx.History(7)
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	if len(history) != 3 {
		t.Errorf("Got %d records, expected 3", len(history))
	}

	// the next version derives from the reverted-to version
	vnum, err := tx.AddVersion(VersionInput{
		DocID: 7,
		Path:  "/doc",
		User:  "alice",
		Class: ClassRef{Module: "app", Name: "Document"},
	})
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	if vnum != 4 {
		t.Errorf("Got version %d, expected 4", vnum)
	}
	rec, err := tx.GetVersion(7, 4)
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	if rec.DerivedFromVersion != 1 {
		t.Errorf("Got derived from %d, expected 1", rec.DerivedFromVersion)
	}

	if err := tx.Revert(7, 99); err != ErrNotFound {
		t.Errorf("Got %v, expected %v", err, ErrNotFound)
	}
}

type mapResolver map[string]interface{}

func (m mapResolver) FindClass(module, name string) (interface{}, error) {
	h, ok := m[module+":"+name]
	if !ok {
		return nil, fmt.Errorf("no class (%s, %s)", module, name)
	}
	return h, nil
}

func TestBrokenClass(t *testing.T) {
	type document struct{ name string }
	handle := &document{}
	resolver := mapResolver{"app:Document": handle}
	testDBCount++
	a, err := New(Params{
		Driver:   "ql-mem",
		DSN:      fmt.Sprintf("test%d", testDBCount),
		Resolver: resolver,
	})
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	tx := begin(t, a)
	defer tx.Rollback()

	// handle disagrees with what the resolver says
	_, err = tx.AddVersion(VersionInput{
		DocID: 1,
		Path:  "/doc",
		User:  "alice",
		Class: ClassRef{Module: "app", Name: "Document", Handle: &document{}},
	})
	if _, ok := err.(BrokenClassError); !ok {
		t.Errorf("Got %v, expected a BrokenClassError", err)
	}

	// matching handle is fine, and reads resolve it again
	_, err = tx.AddVersion(VersionInput{
		DocID: 1,
		Path:  "/doc",
		User:  "alice",
		Class: ClassRef{Module: "app", Name: "Document", Handle: handle},
	})
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	rec, err := tx.CurrentVersion(1)
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	if rec.Class.Handle != interface{}(handle) {
		t.Errorf("Got handle %v, expected %v", rec.Class.Handle, handle)
	}
}

func TestInvalidInput(t *testing.T) {
	a, _ := testArchive(t)
	tx := begin(t, a)
	defer tx.Rollback()

	var table = []VersionInput{
		{Path: "/doc", User: "alice", Class: ClassRef{Module: "app", Name: "Document"}},
		{DocID: 1, Path: "/doc", User: "alice"},
		{DocID: 1, Path: "/doc", User: "alice",
			Class: ClassRef{Module: "app", Name: "Document"},
			Blobs: map[string]BlobSource{"": {Reader: strings.NewReader("x")}}},
	}
	for i, input := range table {
		_, err := tx.AddVersion(input)
		if errors.Cause(err) != ErrInvalidInput {
			t.Errorf("Case %d: got %v, expected invalid input", i, err)
		}
	}
}

func TestBlobRoundTrip(t *testing.T) {
	a, _ := testArchive(t)
	tx := begin(t, a)
	defer tx.Rollback()

	// longer than the test chunk size, so it spans chunks
	content := strings.Repeat("chesapeake ", 10)
	_, err := tx.AddVersion(VersionInput{
		DocID: 5,
		Path:  "/doc",
		User:  "alice",
		Class: ClassRef{Module: "app", Name: "File"},
		Blobs: map[string]BlobSource{"file": {Reader: strings.NewReader(content)}},
	})
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	rec, err := tx.CurrentVersion(5)
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	blobID, ok := rec.Blobs["file"]
	if !ok {
		t.Fatalf("Got blobs %v, expected a blob named file", rec.Blobs)
	}
	r, err := tx.OpenBlob(blobID)
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	defer r.Close()
	if r.Size() != int64(len(content)) {
		t.Errorf("Got size %d, expected %d", r.Size(), len(content))
	}
	data, err := ioutil.ReadAll(r)
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	if string(data) != content {
		t.Errorf("Got %q, expected %q", data, content)
	}
	if _, err := r.Write([]byte("nope")); err != ErrReadOnlyBlob {
		t.Errorf("Got %v, expected %v", err, ErrReadOnlyBlob)
	}
	ok, err = tx.VerifyBlob(blobID)
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	if !ok {
		t.Errorf("Got corrupt, expected blob to verify")
	}
}

func TestBlobDedup(t *testing.T) {
	a, _ := testArchive(t)
	tx := begin(t, a)
	defer tx.Rollback()

	content := "identical attachment content"
	for docid := int64(1); docid <= 2; docid++ {
		_, err := tx.AddVersion(VersionInput{
			DocID: docid,
			Path:  fmt.Sprintf("/doc%d", docid),
			User:  "alice",
			Class: ClassRef{Module: "app", Name: "File"},
			Blobs: map[string]BlobSource{
				"file": {Reader: strings.NewReader(content)},
			},
		})
		if err != nil {
			t.Fatalf("Received %s, expected no error", err)
		}
	}
	rec1, err := tx.CurrentVersion(1)
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	rec2, err := tx.CurrentVersion(2)
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	if rec1.Blobs["file"] != rec2.Blobs["file"] {
		t.Errorf("Got blob ids %d and %d, expected the same id",
			rec1.Blobs["file"], rec2.Blobs["file"])
	}
}

func TestBlobSpillToDisk(t *testing.T) {
	testDBCount++
	a, err := New(Params{
		Driver:      "ql-mem",
		DSN:         fmt.Sprintf("test%d", testDBCount),
		ChunkSize:   16,
		MemoryLimit: 8, // force the temp file path
	})
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	tx := begin(t, a)
	defer tx.Rollback()

	content := strings.Repeat("0123456789", 5)
	_, err = tx.AddVersion(VersionInput{
		DocID: 3,
		Path:  "/doc",
		User:  "alice",
		Class: ClassRef{Module: "app", Name: "File"},
		Blobs: map[string]BlobSource{"file": {Reader: strings.NewReader(content)}},
	})
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	rec, err := tx.CurrentVersion(3)
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	r, err := tx.OpenBlob(rec.Blobs["file"])
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	data, err := ioutil.ReadAll(r)
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	if string(data) != content {
		t.Errorf("Got %q, expected %q", data, content)
	}
	// seeking works on the spilled file too
	if _, err := r.Seek(10, 0); err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	buf := make([]byte, 10)
	if _, err := r.ReadAt(buf, 40); err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	if string(buf) != "0123456789" {
		t.Errorf("Got %q, expected %q", buf, "0123456789")
	}
	if err := r.Close(); err != nil {
		t.Errorf("Received %s, expected no error", err)
	}
}
