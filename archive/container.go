package archive

import (
	"sort"

	"github.com/pkg/errors"
)

type itemKey struct {
	ns   string
	name string
}

// AddContainer records the complete current membership of a container,
// replacing whatever membership was recorded before. The differences
// are what matter: entries that disappear are written to the
// container's deletion log, unless the same docid survives under
// another name, which is a rename. A docid that reappears later is
// removed from the log again.
func (tx *Tx) AddContainer(input ContainerInput) error {
	if input.ContainerID == 0 {
		return errors.Wrap(ErrInvalidInput, "container id is required")
	}
	next, err := flattenMembership(input)
	if err != nil {
		return err
	}
	path, exists, err := tx.db.Container(input.ContainerID)
	if err != nil {
		return errors.Wrap(err, "add container")
	}
	switch {
	case !exists:
		if err := tx.db.InsertContainer(input.ContainerID, input.Path); err != nil {
			return errors.Wrap(err, "add container")
		}
	case path != input.Path:
		if err := tx.db.SetContainerPath(input.ContainerID, input.Path); err != nil {
			return errors.Wrap(err, "add container")
		}
	}
	olds, err := tx.db.Items(input.ContainerID)
	if err != nil {
		return errors.Wrap(err, "add container")
	}
	prev := make(map[itemKey]int64, len(olds))
	for _, it := range olds {
		prev[itemKey{it.Namespace, it.Name}] = it.DocID
	}
	nextDocs := make(map[int64]bool, len(next))
	for _, docid := range next {
		nextDocs[docid] = true
	}

	// gone maps docids displaced from some entry to where they were,
	// pending a check of whether they survive elsewhere in next.
	gone := make(map[int64]itemKey)
	for key, olddoc := range prev {
		newdoc, ok := next[key]
		switch {
		case !ok:
			err = tx.db.DeleteItem(input.ContainerID, key.ns, key.name)
			gone[olddoc] = key
		case newdoc != olddoc:
			err = tx.db.UpdateItemDocID(input.ContainerID, key.ns, key.name, newdoc)
			gone[olddoc] = key
		}
		if err != nil {
			return errors.Wrap(err, "add container")
		}
	}
	for key, docid := range next {
		if _, ok := prev[key]; ok {
			continue
		}
		err = tx.db.InsertItem(ItemRow{
			ContainerID: input.ContainerID,
			Namespace:   key.ns,
			Name:        key.name,
			DocID:       docid,
		})
		if err != nil {
			return errors.Wrap(err, "add container")
		}
	}

	deletedTime := tx.a.clock.Now().UTC()
	removed := make([]int64, 0, len(gone))
	for docid := range gone {
		if !nextDocs[docid] {
			removed = append(removed, docid)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	for _, docid := range removed {
		key := gone[docid]
		// replace any stale log entry for this docid
		if err := tx.db.DeleteDeleted(input.ContainerID, docid); err != nil {
			return errors.Wrap(err, "add container")
		}
		err = tx.db.InsertDeleted(DeletedRow{
			ContainerID: input.ContainerID,
			DocID:       docid,
			Namespace:   key.ns,
			Name:        key.name,
			DeletedTime: deletedTime,
			DeletedBy:   input.User,
		})
		if err != nil {
			return errors.Wrap(err, "add container")
		}
	}

	// a docid back in the container is no longer deleted
	logged, err := tx.db.Deleted(input.ContainerID)
	if err != nil {
		return errors.Wrap(err, "add container")
	}
	for _, d := range logged {
		if nextDocs[d.DocID] {
			if err := tx.db.DeleteDeleted(input.ContainerID, d.DocID); err != nil {
				return errors.Wrap(err, "add container")
			}
		}
	}
	return nil
}

func flattenMembership(input ContainerInput) (map[itemKey]int64, error) {
	next := make(map[itemKey]int64, len(input.Map))
	add := func(ns, name string, docid int64) error {
		if name == "" {
			return errors.Wrap(ErrInvalidInput, "item name is required")
		}
		if docid == 0 {
			return errors.Wrapf(ErrInvalidInput, "item %q has no docid", name)
		}
		next[itemKey{ns, name}] = docid
		return nil
	}
	for name, docid := range input.Map {
		if err := add("", name, docid); err != nil {
			return nil, err
		}
	}
	for ns, m := range input.NsMap {
		if ns == "" {
			return nil, errors.Wrap(ErrInvalidInput, "namespace is required")
		}
		for name, docid := range m {
			if err := add(ns, name, docid); err != nil {
				return nil, err
			}
		}
	}
	return next, nil
}

// ContainerContents returns the recorded membership of one container
// plus its deletion log. Each log entry reports where its docid lives
// now, if anywhere.
func (tx *Tx) ContainerContents(containerID int64) (ContainerRecord, error) {
	recs, err := tx.loadContainers([]int64{containerID})
	if err != nil {
		return ContainerRecord{}, err
	}
	if len(recs) == 0 {
		return ContainerRecord{}, ErrNotFound
	}
	return recs[0], nil
}

// loadContainers batch-reads full container records. Unknown ids are
// skipped. Results follow the order of ids.
func (tx *Tx) loadContainers(ids []int64) ([]ContainerRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	paths, err := tx.db.Containers(ids)
	if err != nil {
		return nil, errors.Wrap(err, "load containers")
	}
	items, err := tx.db.ItemsBatch(ids)
	if err != nil {
		return nil, errors.Wrap(err, "load containers")
	}
	deleted, err := tx.db.DeletedBatch(ids)
	if err != nil {
		return nil, errors.Wrap(err, "load containers")
	}
	var docids []int64
	seen := make(map[int64]bool)
	for _, rows := range deleted {
		for _, d := range rows {
			if !seen[d.DocID] {
				seen[d.DocID] = true
				docids = append(docids, d.DocID)
			}
		}
	}
	holders, err := tx.db.Holders(docids)
	if err != nil {
		return nil, errors.Wrap(err, "load containers")
	}

	var result []ContainerRecord
	for _, id := range ids {
		path, ok := paths[id]
		if !ok {
			continue
		}
		rec := ContainerRecord{
			ContainerID: id,
			Path:        path,
			Map:         make(map[string]int64),
		}
		for _, it := range items[id] {
			if it.Namespace == "" {
				rec.Map[it.Name] = it.DocID
				continue
			}
			if rec.NsMap == nil {
				rec.NsMap = make(map[string]map[string]int64)
			}
			if rec.NsMap[it.Namespace] == nil {
				rec.NsMap[it.Namespace] = make(map[string]int64)
			}
			rec.NsMap[it.Namespace][it.Name] = it.DocID
		}
		for _, d := range deleted[id] {
			view := DeletedItemView{
				DocID:       d.DocID,
				Namespace:   d.Namespace,
				Name:        d.Name,
				DeletedTime: d.DeletedTime,
				DeletedBy:   d.DeletedBy,
			}
			if now := holders[d.DocID]; len(now) > 0 {
				view.NewContainerIDs = now
				view.Moved = true
			}
			rec.Deleted = append(rec.Deleted, view)
		}
		sort.Slice(rec.Deleted, func(i, j int) bool {
			a, b := rec.Deleted[i], rec.Deleted[j]
			if !a.DeletedTime.Equal(b.DeletedTime) {
				return a.DeletedTime.After(b.DeletedTime)
			}
			if a.Namespace != b.Namespace {
				return a.Namespace < b.Namespace
			}
			return a.Name < b.Name
		})
		result = append(result, rec)
	}
	return result, nil
}
