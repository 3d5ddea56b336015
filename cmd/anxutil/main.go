// anxutil is a command line tool to inspect and maintain an archive
// database directly.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/antonholmquist/jason"

	"github.com/ndlib/annex/archive"
)

var (
	mysql      = flag.String("mysql", "", "Dial command for MySQL, e.g. user:pass@tcp(localhost)/annex?parseTime=true")
	qlPath     = flag.String("ql", "annex.ql", "Path to the embedded database file")
	maxDepth   = flag.Int("maxdepth", archive.NoMaxDepth, "Depth bound for the tree command")
	docs       = flag.String("docs", "", "Comma separated docids for the shred command")
	containers = flag.String("containers", "", "Comma separated container ids for the shred command")
	usage      = `
anxutil [flags] <command> <command arguments>

Flags must come before the command name.

Possible commands:
    history <docid>

    version <docid> <version number>

    attrs <docid> <attribute name list>

    blob <blob id>

    verify <blob id list>

    contents <container id>

    tree <container id>    (honors -maxdepth)

    shred                  (takes the -docs and -containers flags,
                            e.g. anxutil -docs 1,2 shred)
`
)

func main() {
	flag.Parse()

	params := archive.Params{Driver: "ql", DSN: *qlPath}
	if *mysql != "" {
		params = archive.Params{Driver: "mysql", DSN: *mysql}
	}
	a, err := archive.New(params)
	if err != nil {
		fmt.Println("Error:", err)
		os.Exit(1)
	}
	defer archive.ForgetPools()
	tx, err := a.Begin(context.Background())
	if err != nil {
		fmt.Println("Error:", err)
		os.Exit(1)
	}
	defer tx.Rollback()

	args := flag.Args()

	if len(args) == 0 {
		fmt.Println(usage)
		return
	}

	switch args[0] {
	case "history":
		dohistory(tx, args[1])
	case "version":
		doversion(tx, args[1], args[2])
	case "attrs":
		doattrs(tx, args[1], args[2:])
	case "blob":
		doblob(tx, args[1])
	case "verify":
		doverify(tx, args[1:])
	case "contents":
		docontents(tx, args[1])
	case "tree":
		dotree(tx, args[1])
	case "shred":
		doshred(tx)
	default:
		fmt.Println(usage)
	}
}

func atoid(s string) int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		fmt.Printf("%s: Error %s\n", s, err.Error())
		os.Exit(1)
	}
	return id
}

func idlist(s string) []int64 {
	if s == "" {
		return nil
	}
	var ids []int64
	for _, piece := range strings.Split(s, ",") {
		ids = append(ids, atoid(strings.TrimSpace(piece)))
	}
	return ids
}

func dohistory(tx *archive.Tx, id string) {
	history, err := tx.History(atoid(id))
	if err != nil {
		fmt.Printf("%s: Error %s\n", id, err.Error())
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 1, ' ', 0)
	fmt.Fprintln(w, "Version\tArchived\tUser\tTitle\tComment\t")
	for _, rec := range history {
		mark := " "
		if rec.VersionNum == rec.CurrentVersion {
			mark = "*"
		}
		fmt.Fprintf(w, "%s%d\t%s\t%s\t%s\t%s\t\n",
			mark,
			rec.VersionNum,
			rec.ArchiveTime.Format("2006-01-02 15:04:05"),
			rec.User,
			rec.Title,
			rec.Comment)
	}
	w.Flush()
}

func doversion(tx *archive.Tx, id, num string) {
	vnum, err := strconv.Atoi(num)
	if err != nil {
		fmt.Printf("%s: Error %s\n", num, err.Error())
		return
	}
	rec, err := tx.GetVersion(atoid(id), vnum)
	if err != nil {
		fmt.Printf("%s / %s: Error %s\n", id, num, err.Error())
		return
	}
	fmt.Printf("Document %d version %d (current is %d)\n",
		rec.DocID, rec.VersionNum, rec.CurrentVersion)
	fmt.Println("Path:", rec.Path)
	fmt.Println("User:", rec.User)
	fmt.Println("Class:", rec.Class.Module, rec.Class.Name)
	fmt.Println("Created:", rec.Created)
	fmt.Println("Modified:", rec.Modified)
	fmt.Println("Archived:", rec.ArchiveTime)
	if rec.DerivedFromVersion != 0 {
		fmt.Println("Derived From:", rec.DerivedFromVersion)
	}
	if rec.Title != "" {
		fmt.Println("Title:", rec.Title)
	}
	if rec.Description != "" {
		fmt.Println("Description:", rec.Description)
	}
	if rec.Comment != "" {
		fmt.Println("Comment:", rec.Comment)
	}
	for name, blobID := range rec.Blobs {
		fmt.Printf("Blob: %s = %d\n", name, blobID)
	}
	if rec.Attrs != nil {
		data, _ := json.MarshalIndent(rec.Attrs, "", "  ")
		fmt.Printf("Attrs: %s\n", data)
	}
}

// doattrs prints selected attributes of the current version. Nested
// attributes are addressed with dots, e.g. "workflow.state".
func doattrs(tx *archive.Tx, id string, names []string) {
	rec, err := tx.CurrentVersion(atoid(id))
	if err != nil {
		fmt.Printf("%s: Error %s\n", id, err.Error())
		return
	}
	data, err := json.Marshal(rec.Attrs)
	if err != nil {
		fmt.Printf("%s: Error %s\n", id, err.Error())
		return
	}
	attrs, err := jason.NewObjectFromBytes(data)
	if err != nil {
		fmt.Printf("%s: Error %s\n", id, err.Error())
		return
	}
	for _, name := range names {
		v, err := attrs.GetValue(strings.Split(name, ".")...)
		if err != nil {
			fmt.Printf("%s: %s\n", name, err.Error())
			continue
		}
		out, _ := v.Marshal()
		fmt.Printf("%s: %s\n", name, out)
	}
}

func doblob(tx *archive.Tx, id string) {
	src, err := tx.OpenBlob(atoid(id))
	if err != nil {
		fmt.Printf("%s: Error %s\n", id, err.Error())
		return
	}
	io.Copy(os.Stdout, src)
	src.Close()
}

func doverify(tx *archive.Tx, ids []string) {
	for _, id := range ids {
		ok, err := tx.VerifyBlob(atoid(id))
		switch {
		case err != nil:
			fmt.Printf("%s: Error %s\n", id, err.Error())
		case ok:
			fmt.Printf("%s: ok\n", id)
		default:
			fmt.Printf("%s: CORRUPT\n", id)
		}
	}
}

func docontents(tx *archive.Tx, id string) {
	rec, err := tx.ContainerContents(atoid(id))
	if err != nil {
		fmt.Printf("%s: Error %s\n", id, err.Error())
		return
	}
	printContainer(rec)
}

func printContainer(rec archive.ContainerRecord) {
	fmt.Printf("Container %d (%s)\n", rec.ContainerID, rec.Path)
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 1, ' ', 0)
	for name, docid := range rec.Map {
		fmt.Fprintf(w, "\t%s\t%d\t\n", name, docid)
	}
	for ns, m := range rec.NsMap {
		for name, docid := range m {
			fmt.Fprintf(w, "\t%s:%s\t%d\t\n", ns, name, docid)
		}
	}
	w.Flush()
	for _, d := range rec.Deleted {
		what := "deleted"
		if d.Moved {
			what = fmt.Sprintf("moved to %v", d.NewContainerIDs)
		}
		name := d.Name
		if d.Namespace != "" {
			name = d.Namespace + ":" + name
		}
		fmt.Printf("\t%s %d (was %s) by %s at %s\n",
			what, d.DocID, name, d.DeletedBy,
			d.DeletedTime.Format("2006-01-02 15:04:05"))
	}
}

func dotree(tx *archive.Tx, id string) {
	it := tx.IterHierarchy([]int64{atoid(id)}, archive.TraverseOptions{
		MaxDepth: *maxDepth,
	})
	for it.Next() {
		printContainer(it.Record())
	}
	if it.Err() != nil {
		fmt.Printf("%s: Error %s\n", id, it.Err().Error())
	}
}

func doshred(tx *archive.Tx) {
	docids := idlist(*docs)
	cids := idlist(*containers)
	if len(docids) == 0 && len(cids) == 0 {
		fmt.Println("Nothing to shred")
		return
	}
	if err := tx.Shred(docids, cids); err != nil {
		fmt.Println("Error:", err)
		return
	}
	if err := tx.Commit(); err != nil {
		fmt.Println("Error:", err)
		return
	}
	fmt.Printf("Shredded %d documents and %d containers\n", len(docids), len(cids))
}
