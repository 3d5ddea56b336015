// +build integration

package archive

import (
	"context"
	"flag"
	"strings"
	"testing"
)

// to run these tests, point -mysql at an empty scratch database, e.g.
//
//	go test -tags=integration -mysql="user:pass@tcp(localhost)/annextest?parseTime=true"
var mysqldial = flag.String("mysql", "", "Dial address for MySQL database")

func TestMySQLRoundTrip(t *testing.T) {
	if *mysqldial == "" {
		t.Skip("No MySQL database given")
	}
	defer ForgetPools()
	a, err := New(Params{Driver: "mysql", DSN: *mysqldial})
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	tx, err := a.Begin(context.Background())
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	defer tx.Rollback()

	vnum, err := tx.AddVersion(VersionInput{
		DocID: 818231,
		Path:  "/integration/doc",
		User:  "alice",
		Title: "integration",
		Class: ClassRef{Module: "app", Name: "Document"},
		Blobs: map[string]BlobSource{
			"file": {Reader: strings.NewReader("mysql integration content")},
		},
	})
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	if vnum != 1 {
		t.Errorf("Got version %d, expected 1", vnum)
	}
	rec, err := tx.CurrentVersion(818231)
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	if rec.Title != "integration" {
		t.Errorf("Got title %q, expected integration", rec.Title)
	}
	ok, err := tx.VerifyBlob(rec.Blobs["file"])
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	if !ok {
		t.Errorf("Got corrupt, expected blob to verify")
	}

	if err := tx.AddContainer(ContainerInput{
		ContainerID: 818232,
		Path:        "/integration",
		Map:         map[string]int64{"doc": 818231},
	}); err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	crec, err := tx.ContainerContents(818232)
	if err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	if crec.Map["doc"] != 818231 {
		t.Errorf("Got map %v, expected doc:818231", crec.Map)
	}

	if err := tx.Shred([]int64{818231}, []int64{818232}); err != nil {
		t.Fatalf("Received %s, expected no error", err)
	}
	if _, err := tx.History(818231); err != ErrNotFound {
		t.Errorf("Got %v, expected %v", err, ErrNotFound)
	}
}
