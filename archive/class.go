package archive

import (
	"github.com/pkg/errors"
)

// internClass returns the id for the class pair, inserting it on first
// use. When the archive has a resolver and the input carries a handle,
// the pair must resolve back to the same handle, otherwise the
// reference would be unreadable later and we refuse to store it.
func (tx *Tx) internClass(c ClassRef) (int64, error) {
	if c.Module == "" || c.Name == "" {
		return 0, errors.Wrap(ErrInvalidInput, "class module and name are required")
	}
	if tx.a.resolver != nil && c.Handle != nil {
		h, err := tx.a.resolver.FindClass(c.Module, c.Name)
		if err != nil || h != c.Handle {
			return 0, BrokenClassError{Module: c.Module, Name: c.Name}
		}
	}
	id, ok, err := tx.db.FindClass(c.Module, c.Name)
	if err != nil {
		return 0, errors.Wrap(err, "intern class")
	}
	if ok {
		return id, nil
	}
	id, err = tx.db.InsertClass(c.Module, c.Name)
	if err != nil {
		return 0, errors.Wrap(err, "intern class")
	}
	return id, nil
}

// resolveClass turns a stored class id back into a ClassRef. Resolver
// failures on the read path leave Handle nil rather than failing the
// whole read, matching what a reader can do about a class its
// application no longer defines.
func (tx *Tx) resolveClass(classID int64) (ClassRef, error) {
	module, name, err := tx.db.Class(classID)
	if err != nil {
		return ClassRef{}, errors.Wrap(err, "resolve class")
	}
	c := ClassRef{Module: module, Name: name}
	if tx.a.resolver != nil {
		if h, err := tx.a.resolver.FindClass(module, name); err == nil {
			c.Handle = h
		}
	}
	return c, nil
}
