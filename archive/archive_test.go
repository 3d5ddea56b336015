package archive

import (
	"context"
	"fmt"
	"testing"

	"github.com/facebookgo/clock"
)

// each test gets its own in-memory database
var testDBCount int

func testArchive(t *testing.T) (*Archive, *clock.Mock) {
	t.Helper()
	testDBCount++
	mock := clock.NewMock()
	a, err := New(Params{
		Driver:    "ql-mem",
		DSN:       fmt.Sprintf("test%d", testDBCount),
		ChunkSize: 16, // small enough that tests exercise chunking
		Clock:     mock,
	})
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	return a, mock
}

func begin(t *testing.T, a *Archive) *Tx {
	t.Helper()
	tx, err := a.Begin(context.Background())
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	return tx
}

func commit(t *testing.T, tx *Tx) {
	t.Helper()
	if err := tx.Commit(); err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
}

func TestPoolSharing(t *testing.T) {
	defer ForgetPools()
	a1, err := New(Params{Driver: "ql-mem", DSN: "pooltest"})
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	a2, err := New(Params{Driver: "ql-mem", DSN: "pooltest"})
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	if a1.db != a2.db {
		t.Errorf("Got two pools for one DSN, expected one")
	}
}

func TestCommitPersists(t *testing.T) {
	a, _ := testArchive(t)

	tx := begin(t, a)
	_, err := tx.AddVersion(VersionInput{
		DocID: 10,
		Path:  "/doc",
		User:  "alice",
		Class: ClassRef{Module: "app", Name: "Document"},
	})
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	commit(t, tx)

	tx = begin(t, a)
	defer tx.Rollback()
	history, err := tx.History(10)
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	if len(history) != 1 {
		t.Errorf("Got %d records, expected 1", len(history))
	}
}

func TestRollbackHidesChanges(t *testing.T) {
	a, _ := testArchive(t)

	tx := begin(t, a)
	_, err := tx.AddVersion(VersionInput{
		DocID: 10,
		Path:  "/doc",
		User:  "alice",
		Class: ClassRef{Module: "app", Name: "Document"},
	})
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	tx.Rollback()

	tx = begin(t, a)
	defer tx.Rollback()
	_, err = tx.History(10)
	if err != ErrNotFound {
		t.Errorf("Got %v, expected %v", err, ErrNotFound)
	}
}
