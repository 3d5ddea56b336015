package archive

import (
	"io"
	"time"
)

// A ClassRef identifies an application type by module and name. The
// archive stores only the pair of strings; the mapping back to a
// concrete type is owned by the application (see ClassResolver).
// Handle, when set, is the application's own token for the type and is
// verified against the resolver at write time.
type ClassRef struct {
	Module string
	Name   string
	Handle interface{}
}

// A ClassResolver is implemented by the application to map stored
// (module, name) pairs back to its own type handles. AddVersion uses it
// to verify class references before they are written, and History fills
// in ClassRef.Handle with its answer.
type ClassResolver interface {
	FindClass(module, name string) (interface{}, error)
}

// A BlobSource supplies the content for one named blob on a version.
// Exactly one of Path and Reader should be set. A Reader must be
// positionable since the content is read twice, once to fingerprint and
// once to upload.
type BlobSource struct {
	Path   string
	Reader io.ReadSeeker
}

// VersionInput is the versionable state of a document, supplied by the
// application to AddVersion. Title, Description, and Comment are
// optional; the empty string is stored as null. Attrs is an optional
// JSON-encodable map. Created and Modified are supplied by the caller;
// the archive timestamps the version itself.
type VersionInput struct {
	DocID       int64
	Created     time.Time
	Modified    time.Time
	Path        string
	User        string
	Title       string
	Description string
	Attrs       map[string]interface{}
	Comment     string
	Class       ClassRef
	Blobs       map[string]BlobSource
}

// ContainerInput is the membership of a container, supplied to
// AddContainer. Map holds the default namespace; NsMap holds named
// namespaces. Names and namespaces must be non-empty and docids must be
// non-zero. User is recorded on any deletion log entries this update
// produces.
type ContainerInput struct {
	ContainerID int64
	Path        string
	User        string
	Map         map[string]int64
	NsMap       map[string]map[string]int64
}

// A HistoryRecord is one version of a document as read back from the
// archive. CurrentVersion is the version the document's current pointer
// names, which differs from the maximum version only after a Revert.
// DerivedFromVersion is zero for version 1. Blobs maps blob names to
// blob ids; use Tx.OpenBlob to read the content.
type HistoryRecord struct {
	DocID              int64
	VersionNum         int
	CurrentVersion     int
	DerivedFromVersion int
	Created            time.Time
	Modified           time.Time
	ArchiveTime        time.Time
	Path               string
	User               string
	Title              string
	Description        string
	Attrs              map[string]interface{}
	Comment            string
	Class              ClassRef
	Blobs              map[string]int64
}

// A DeletedItemView is one entry in a container's deletion log.
// NewContainerIDs lists the containers that currently hold the docid,
// sorted ascending; it is nil when the docid is no longer held
// anywhere. Moved is true exactly when NewContainerIDs is non-empty.
type DeletedItemView struct {
	DocID           int64
	Namespace       string
	Name            string
	DeletedTime     time.Time
	DeletedBy       string
	NewContainerIDs []int64
	Moved           bool
}

// A ContainerRecord is the current membership of a container plus its
// deletion log. Deleted is ordered by DeletedTime descending, then
// Namespace, then Name.
type ContainerRecord struct {
	ContainerID int64
	Path        string
	Map         map[string]int64
	NsMap       map[string]map[string]int64
	Deleted     []DeletedItemView
}
