package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/ndlib/annex/archive"
)

// Version is the version of the annex server. Main programs may set it
// at link time.
var Version = "devel"

// WelcomeHandler lets clients and monitors verify the service is up.
func WelcomeHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fmt.Fprintf(w, "Annex Archive (%s)\n", Version)
}

func writeJSON(w http.ResponseWriter, val interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(val)
}

// writeError maps archive errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	switch err {
	case archive.ErrNotFound:
		w.WriteHeader(404)
		fmt.Fprintln(w, "Not Found")
	default:
		raise500(w, err)
	}
}

func paramID(ps httprouter.Params, name string) (int64, error) {
	return strconv.ParseInt(ps.ByName(name), 10, 64)
}

// begin opens a read transaction for one request. The caller must
// Rollback it; nothing here commits.
func (s *RESTServer) begin(w http.ResponseWriter, r *http.Request) *archive.Tx {
	tx, err := s.Archive.Begin(r.Context())
	if err != nil {
		raise500(w, err)
		return nil
	}
	return tx
}

// DocumentHandler handles GET /document/:id and returns the full
// version history of the document, newest first.
func (s *RESTServer) DocumentHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	docid, err := paramID(ps, "id")
	if err != nil {
		w.WriteHeader(400)
		fmt.Fprintln(w, "Bad document id")
		return
	}
	tx := s.begin(w, r)
	if tx == nil {
		return
	}
	defer tx.Rollback()
	history, err := tx.History(docid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, history)
}

// VersionHandler handles GET /document/:id/version/:num.
func (s *RESTServer) VersionHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	docid, err := paramID(ps, "id")
	if err != nil {
		w.WriteHeader(400)
		fmt.Fprintln(w, "Bad document id")
		return
	}
	vnum, err := strconv.Atoi(ps.ByName("num"))
	if err != nil {
		w.WriteHeader(400)
		fmt.Fprintln(w, "Bad version number")
		return
	}
	tx := s.begin(w, r)
	if tx == nil {
		return
	}
	defer tx.Rollback()
	rec, err := tx.GetVersion(docid, vnum)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, rec)
}

// BlobHandler handles GET and HEAD /blob/:id, streaming the blob's
// content.
func (s *RESTServer) BlobHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	blobID, err := paramID(ps, "id")
	if err != nil {
		w.WriteHeader(400)
		fmt.Fprintln(w, "Bad blob id")
		return
	}
	tx := s.begin(w, r)
	if tx == nil {
		return
	}
	defer tx.Rollback()
	src, err := tx.OpenBlob(blobID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer src.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(src.Size(), 10))
	if r.Method == "HEAD" {
		return
	}
	if _, err := io.Copy(w, src); err != nil {
		// too late for a status code, the body is partially written
		log.Println(err)
	}
}

// FixityHandler handles GET /blob/:id/fixity. It rereads the blob and
// reports whether the content still matches its stored fingerprint.
func (s *RESTServer) FixityHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	blobID, err := paramID(ps, "id")
	if err != nil {
		w.WriteHeader(400)
		fmt.Fprintln(w, "Bad blob id")
		return
	}
	tx := s.begin(w, r)
	if tx == nil {
		return
	}
	defer tx.Rollback()
	ok, err := tx.VerifyBlob(blobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"blob_id": blobID, "ok": ok})
}

// ContainerHandler handles GET /container/:id and returns the
// container's membership and deletion log.
func (s *RESTServer) ContainerHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	cid, err := paramID(ps, "id")
	if err != nil {
		w.WriteHeader(400)
		fmt.Fprintln(w, "Bad container id")
		return
	}
	tx := s.begin(w, r)
	if tx == nil {
		return
	}
	defer tx.Rollback()
	rec, err := tx.ContainerContents(cid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, rec)
}

// TreeHandler handles GET /container/:id/tree. Query parameters:
// maxdepth bounds the walk (default unbounded), and deleted=1 or
// moved=1 follow deletion log entries as well.
func (s *RESTServer) TreeHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	cid, err := paramID(ps, "id")
	if err != nil {
		w.WriteHeader(400)
		fmt.Fprintln(w, "Bad container id")
		return
	}
	opts := archive.TraverseOptions{
		MaxDepth:      archive.NoMaxDepth,
		FollowDeleted: r.FormValue("deleted") == "1",
		FollowMoved:   r.FormValue("moved") == "1",
	}
	if md := r.FormValue("maxdepth"); md != "" {
		opts.MaxDepth, err = strconv.Atoi(md)
		if err != nil {
			w.WriteHeader(400)
			fmt.Fprintln(w, "Bad maxdepth")
			return
		}
	}
	tx := s.begin(w, r)
	if tx == nil {
		return
	}
	defer tx.Rollback()
	// a tree rooted at a missing container is a 404, not an empty list
	if _, err := tx.ContainerContents(cid); err != nil {
		writeError(w, err)
		return
	}
	var result []archive.ContainerRecord
	it := tx.IterHierarchy([]int64{cid}, opts)
	for it.Next() {
		result = append(result, it.Record())
	}
	if it.Err() != nil {
		raise500(w, it.Err())
		return
	}
	writeJSON(w, result)
}
