package archive

import (
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestContainerRoundTrip(t *testing.T) {
	a, _ := testArchive(t)
	tx := begin(t, a)
	defer tx.Rollback()

	err := tx.AddContainer(ContainerInput{
		ContainerID: 100,
		Path:        "/plone/folder",
		Map:         map[string]int64{"doc1": 1, "doc2": 2},
		NsMap:       map[string]map[string]int64{"portlets": {"left": 3}},
	})
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	rec, err := tx.ContainerContents(100)
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	if rec.Path != "/plone/folder" {
		t.Errorf("Got path %q, expected %q", rec.Path, "/plone/folder")
	}
	if len(rec.Map) != 2 || rec.Map["doc1"] != 1 || rec.Map["doc2"] != 2 {
		t.Errorf("Got map %v, expected doc1:1 doc2:2", rec.Map)
	}
	if rec.NsMap["portlets"]["left"] != 3 {
		t.Errorf("Got nsmap %v, expected portlets/left:3", rec.NsMap)
	}
	if len(rec.Deleted) != 0 {
		t.Errorf("Got %d deleted items, expected 0", len(rec.Deleted))
	}

	if _, err := tx.ContainerContents(999); err != ErrNotFound {
		t.Errorf("Got %v, expected %v", err, ErrNotFound)
	}
}

func TestContainerDeletion(t *testing.T) {
	a, mock := testArchive(t)
	tx := begin(t, a)
	defer tx.Rollback()

	err := tx.AddContainer(ContainerInput{
		ContainerID: 100,
		Path:        "/folder",
		User:        "alice",
		Map:         map[string]int64{"doc1": 1, "doc2": 2},
	})
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	mock.Add(time.Minute)
	deletedAt := mock.Now().UTC()
	err = tx.AddContainer(ContainerInput{
		ContainerID: 100,
		Path:        "/folder",
		User:        "bob",
		Map:         map[string]int64{"doc1": 1},
	})
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	rec, err := tx.ContainerContents(100)
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	if len(rec.Deleted) != 1 {
		t.Fatalf("Got %d deleted items, expected 1", len(rec.Deleted))
	}
	d := rec.Deleted[0]
	if d.DocID != 2 || d.Name != "doc2" || d.Namespace != "" {
		t.Errorf("Got (%d, %s, %s), expected (2, doc2, )", d.DocID, d.Name, d.Namespace)
	}
	if d.DeletedBy != "bob" {
		t.Errorf("Got deleted by %q, expected bob", d.DeletedBy)
	}
	if !d.DeletedTime.Equal(deletedAt) {
		t.Errorf("Got deleted time %v, expected %v", d.DeletedTime, deletedAt)
	}
	// a true deletion, not a move
	if d.Moved || d.NewContainerIDs != nil {
		t.Errorf("Got moved=%v new=%v, expected a true deletion", d.Moved, d.NewContainerIDs)
	}
}

func TestContainerMove(t *testing.T) {
	a, _ := testArchive(t)
	tx := begin(t, a)
	defer tx.Rollback()

	for _, input := range []ContainerInput{
		{ContainerID: 100, Path: "/a", Map: map[string]int64{"doc": 1}},
		{ContainerID: 200, Path: "/b", Map: map[string]int64{}},
	} {
		if err := tx.AddContainer(input); err != nil {
			t.Fatalf("Received %s, expected no error", err)
		}
	}
	// move doc 1 from container 100 to 200
	if err := tx.AddContainer(ContainerInput{
		ContainerID: 100, Path: "/a", Map: map[string]int64{},
	}); err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	if err := tx.AddContainer(ContainerInput{
		ContainerID: 200, Path: "/b", Map: map[string]int64{"doc": 1},
	}); err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	rec, err := tx.ContainerContents(100)
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	if len(rec.Deleted) != 1 {
		t.Fatalf("Got %d deleted items, expected 1", len(rec.Deleted))
	}
	d := rec.Deleted[0]
	if !d.Moved {
		t.Errorf("Got moved=false, expected a move")
	}
	if len(d.NewContainerIDs) != 1 || d.NewContainerIDs[0] != 200 {
		t.Errorf("Got new containers %v, expected [200]", d.NewContainerIDs)
	}
}

func TestContainerRename(t *testing.T) {
	a, _ := testArchive(t)
	tx := begin(t, a)
	defer tx.Rollback()

	if err := tx.AddContainer(ContainerInput{
		ContainerID: 100, Path: "/a", Map: map[string]int64{"old": 1},
	}); err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	if err := tx.AddContainer(ContainerInput{
		ContainerID: 100, Path: "/a", Map: map[string]int64{"new": 1},
	}); err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	rec, err := tx.ContainerContents(100)
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	// a rename of the same docid leaves no deletion record
	if len(rec.Deleted) != 0 {
		t.Errorf("Got %d deleted items, expected 0", len(rec.Deleted))
	}
	if rec.Map["new"] != 1 {
		t.Errorf("Got map %v, expected new:1", rec.Map)
	}
}

func TestContainerRebind(t *testing.T) {
	a, _ := testArchive(t)
	tx := begin(t, a)
	defer tx.Rollback()

	if err := tx.AddContainer(ContainerInput{
		ContainerID: 100, Path: "/a", Map: map[string]int64{"doc": 1},
	}); err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	// same name now points at a different docid
	if err := tx.AddContainer(ContainerInput{
		ContainerID: 100, Path: "/a", Map: map[string]int64{"doc": 2},
	}); err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	rec, err := tx.ContainerContents(100)
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	if rec.Map["doc"] != 2 {
		t.Errorf("Got map %v, expected doc:2", rec.Map)
	}
	if len(rec.Deleted) != 1 || rec.Deleted[0].DocID != 1 {
		t.Fatalf("Got deleted %v, expected docid 1", rec.Deleted)
	}
}

func TestContainerUndelete(t *testing.T) {
	a, _ := testArchive(t)
	tx := begin(t, a)
	defer tx.Rollback()

	steps := []map[string]int64{
		{"doc": 1},
		{},
		{"doc": 1},
	}
	for _, m := range steps {
		if err := tx.AddContainer(ContainerInput{
			ContainerID: 100, Path: "/a", Map: m,
		}); err != nil {
			t.Fatalf("Received %s, expected no error", err)
		}
	}
	rec, err := tx.ContainerContents(100)
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	if len(rec.Deleted) != 0 {
		t.Errorf("Got %d deleted items, expected 0 after undelete", len(rec.Deleted))
	}
	if rec.Map["doc"] != 1 {
		t.Errorf("Got map %v, expected doc:1", rec.Map)
	}
}

func TestContainerDeletedOrder(t *testing.T) {
	a, mock := testArchive(t)
	tx := begin(t, a)
	defer tx.Rollback()

	if err := tx.AddContainer(ContainerInput{
		ContainerID: 100, Path: "/a",
		Map: map[string]int64{"one": 1, "two": 2, "three": 3},
	}); err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	mock.Add(time.Minute)
	if err := tx.AddContainer(ContainerInput{
		ContainerID: 100, Path: "/a",
		Map: map[string]int64{"three": 3},
	}); err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	mock.Add(time.Minute)
	if err := tx.AddContainer(ContainerInput{
		ContainerID: 100, Path: "/a", Map: map[string]int64{},
	}); err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	rec, err := tx.ContainerContents(100)
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	if len(rec.Deleted) != 3 {
		t.Fatalf("Got %d deleted items, expected 3", len(rec.Deleted))
	}
	// newest deletion first, ties broken by namespace then name
	if rec.Deleted[0].Name != "three" {
		t.Errorf("Got first deleted %q, expected three", rec.Deleted[0].Name)
	}
	if rec.Deleted[1].Name != "one" || rec.Deleted[2].Name != "two" {
		t.Errorf("Got (%s, %s), expected (one, two)",
			rec.Deleted[1].Name, rec.Deleted[2].Name)
	}
}

func TestContainerInvalidInput(t *testing.T) {
	a, _ := testArchive(t)
	tx := begin(t, a)
	defer tx.Rollback()

	var table = []ContainerInput{
		{Path: "/a", Map: map[string]int64{"doc": 1}},
		{ContainerID: 1, Path: "/a", Map: map[string]int64{"": 1}},
		{ContainerID: 1, Path: "/a", Map: map[string]int64{"doc": 0}},
		{ContainerID: 1, Path: "/a", NsMap: map[string]map[string]int64{"": {"doc": 1}}},
	}
	for i, input := range table {
		err := tx.AddContainer(input)
		if errors.Cause(err) != ErrInvalidInput {
			t.Errorf("Case %d: got %v, expected invalid input", i, err)
		}
	}
}
