package archive

import (
	"sort"

	"github.com/pkg/errors"
)

// NoMaxDepth makes a traversal unbounded.
const NoMaxDepth = -1

// TraverseOptions controls IterHierarchy. MaxDepth 0 visits only the
// roots, 1 adds their children, and so on; NoMaxDepth removes the
// bound. FollowDeleted descends into containers named by deletion log
// entries whose docid is gone from the archive's containers, and
// FollowMoved descends into those whose docid now lives elsewhere.
type TraverseOptions struct {
	MaxDepth      int
	FollowDeleted bool
	FollowMoved   bool
}

// A Hierarchy walks container records breadth first. Use it like a
// bufio.Scanner: Next, then Record, then Err when Next returns false.
type Hierarchy struct {
	tx       *Tx
	opts     TraverseOptions
	frontier []int64
	seen     map[int64]bool
	depth    int
	level    []ContainerRecord
	idx      int
	cur      ContainerRecord
	err      error
	done     bool
}

// IterHierarchy begins a breadth-first traversal from the given root
// containers. Ids that are not containers, including item docids that
// are plain documents, are silently skipped. Each container is visited
// at most once even when the graph has diamonds or cycles.
func (tx *Tx) IterHierarchy(rootIDs []int64, opts TraverseOptions) *Hierarchy {
	h := &Hierarchy{tx: tx, opts: opts, seen: make(map[int64]bool)}
	for _, id := range rootIDs {
		if !h.seen[id] {
			h.seen[id] = true
			h.frontier = append(h.frontier, id)
		}
	}
	return h
}

// Next advances to the next container, loading a new level from the
// database when the current one is exhausted. It returns false at the
// end of the traversal or on error.
func (h *Hierarchy) Next() bool {
	if h.err != nil || h.done {
		return false
	}
	for h.idx >= len(h.level) {
		if len(h.frontier) == 0 {
			h.done = true
			return false
		}
		recs, err := h.tx.loadContainers(h.frontier)
		if err != nil {
			h.err = err
			return false
		}
		if h.opts.MaxDepth >= 0 && h.depth >= h.opts.MaxDepth {
			h.frontier = nil
		} else {
			h.frontier = nextLevel(recs, h.seen, h.opts.FollowDeleted, h.opts.FollowMoved)
		}
		h.depth++
		h.level, h.idx = recs, 0
	}
	h.cur = h.level[h.idx]
	h.idx++
	return true
}

// Record returns the container most recently reached by Next.
func (h *Hierarchy) Record() ContainerRecord { return h.cur }

// Err returns the error that ended the traversal, if any.
func (h *Hierarchy) Err() error { return h.err }

// nextLevel collects the unvisited ids referenced by one level of
// container records, marking them in seen. The result is sorted so
// traversal order is stable.
func nextLevel(recs []ContainerRecord, seen map[int64]bool, followDeleted, followMoved bool) []int64 {
	var next []int64
	add := func(id int64) {
		if !seen[id] {
			seen[id] = true
			next = append(next, id)
		}
	}
	for _, rec := range recs {
		for _, docid := range rec.Map {
			add(docid)
		}
		for _, m := range rec.NsMap {
			for _, docid := range m {
				add(docid)
			}
		}
		for _, d := range rec.Deleted {
			switch {
			case d.Moved && followMoved:
				add(d.DocID)
			case !d.Moved && followDeleted:
				add(d.DocID)
			}
		}
	}
	sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
	return next
}

// FilterContainerIDs returns the subset of ids that name containers,
// in the order given.
func (tx *Tx) FilterContainerIDs(ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	paths, err := tx.db.Containers(ids)
	if err != nil {
		return nil, errors.Wrap(err, "filter container ids")
	}
	var result []int64
	for _, id := range ids {
		if _, ok := paths[id]; ok {
			result = append(result, id)
		}
	}
	return result, nil
}

// WhichContainDeleted reports which of the given roots hold, anywhere
// in their subtree out to maxDepth, a deletion log entry for a docid
// that no container holds any more. Moved items do not count. With
// maxDepth 0 only the roots' own logs are checked. The result is
// sorted ascending.
func (tx *Tx) WhichContainDeleted(rootIDs []int64, maxDepth int) ([]int64, error) {
	marked := make(map[int64]bool)
	// ancestry maps each frontier container to the unmarked roots its
	// subtree can still implicate.
	ancestry := make(map[int64]map[int64]bool)
	var frontier []int64
	for _, id := range rootIDs {
		if ancestry[id] == nil {
			ancestry[id] = make(map[int64]bool)
			frontier = append(frontier, id)
		}
		ancestry[id][id] = true
	}
	// propagated tracks which roots each container has already pushed
	// down, so shared subtrees and cycles terminate.
	propagated := make(map[int64]map[int64]bool)

	depth := 0
	for len(frontier) > 0 {
		recs, err := tx.loadContainers(frontier)
		if err != nil {
			return nil, errors.Wrap(err, "which contain deleted")
		}
		for _, rec := range recs {
			hasDeleted := false
			for _, d := range rec.Deleted {
				if !d.Moved {
					hasDeleted = true
					break
				}
			}
			if hasDeleted {
				for root := range ancestry[rec.ContainerID] {
					marked[root] = true
				}
			}
		}
		depth++
		if maxDepth >= 0 && depth > maxDepth {
			break
		}
		next := make(map[int64]map[int64]bool)
		for _, rec := range recs {
			roots := liveRoots(ancestry[rec.ContainerID], marked)
			if len(roots) == 0 {
				continue
			}
			if propagated[rec.ContainerID] == nil {
				propagated[rec.ContainerID] = make(map[int64]bool)
			}
			fresh := false
			for _, root := range roots {
				if !propagated[rec.ContainerID][root] {
					propagated[rec.ContainerID][root] = true
					fresh = true
				}
			}
			if !fresh {
				continue
			}
			push := func(docid int64) {
				if next[docid] == nil {
					next[docid] = make(map[int64]bool)
				}
				for _, root := range roots {
					next[docid][root] = true
				}
			}
			for _, docid := range rec.Map {
				push(docid)
			}
			for _, m := range rec.NsMap {
				for _, docid := range m {
					push(docid)
				}
			}
		}
		frontier = frontier[:0]
		for id, roots := range next {
			if ancestry[id] == nil {
				ancestry[id] = make(map[int64]bool)
			}
			grew := false
			for root := range roots {
				if !ancestry[id][root] {
					ancestry[id][root] = true
					grew = true
				}
			}
			if grew {
				frontier = append(frontier, id)
			}
		}
		sort.Slice(frontier, func(i, j int) bool { return frontier[i] < frontier[j] })
	}

	var result []int64
	for id := range marked {
		result = append(result, id)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result, nil
}

func liveRoots(set map[int64]bool, marked map[int64]bool) []int64 {
	var roots []int64
	for root := range set {
		if !marked[root] {
			roots = append(roots, root)
		}
	}
	return roots
}
