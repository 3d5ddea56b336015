package archive

import (
	"sort"

	"github.com/pkg/errors"
)

// Shred permanently removes documents and containers from the archive:
// every version, every blob link, every membership entry, and every
// deletion log entry naming the given docids, across all containers.
// Blobs that no surviving version links are removed too.
//
// Each container in containerIDs must be empty except for items whose
// docid is also being shredded, otherwise Shred returns
// ContainerNotEmptyError and changes nothing. The containers' own
// membership and deletion logs go with them.
func (tx *Tx) Shred(docids []int64, containerIDs []int64) error {
	docids = dedupeIDs(docids)
	containerIDs = dedupeIDs(containerIDs)
	shredding := make(map[int64]bool, len(docids))
	for _, id := range docids {
		shredding[id] = true
	}
	for _, cid := range containerIDs {
		items, err := tx.db.Items(cid)
		if err != nil {
			return errors.Wrap(err, "shred")
		}
		for _, it := range items {
			if !shredding[it.DocID] {
				return ContainerNotEmptyError{ContainerID: cid}
			}
		}
	}
	// candidates for orphan cleanup, collected before the links go
	blobIDs, err := tx.db.LinkedBlobIDs(docids)
	if err != nil {
		return errors.Wrap(err, "shred")
	}
	if err := tx.db.DeleteDocs(docids); err != nil {
		return errors.Wrap(err, "shred")
	}
	if err := tx.db.DeleteContainers(containerIDs); err != nil {
		return errors.Wrap(err, "shred")
	}
	return tx.dropOrphans(blobIDs)
}

func dedupeIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	result := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			result = append(result, id)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}
