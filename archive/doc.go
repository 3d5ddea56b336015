/*
Package archive records successive versions of application documents in a
relational database. Document content is kept in a chunked,
content-addressed blob store so identical attachments are stored once,
and container membership is tracked with a deletion log so removals and
moves across containers stay auditable.

The application owns document and container identity: it assigns stable
64-bit integer ids ("docids") and calls the archive to snapshot state.
The archive never commits; every operation runs inside a transaction the
caller begins and ends.

	a, err := archive.New(archive.Params{Driver: "ql", DSN: "memory"})
	if err != nil {
		...
	}
	tx, err := a.Begin(ctx)
	if err != nil {
		...
	}
	defer tx.Rollback()
	vnum, err := tx.AddVersion(archive.VersionInput{...})
	if err != nil {
		...
	}
	err = tx.Commit()

Two database backends are provided: MySQL for production and the
embedded QL database for development and testing.
*/
package archive
