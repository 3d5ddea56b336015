package archive

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an operation addresses a document,
	// version, container, or blob that is not in the archive.
	ErrNotFound = errors.New("not found")

	// ErrReadOnlyBlob is returned by writes on a blob stream.
	ErrReadOnlyBlob = errors.New("blob streams are read only")

	// ErrInvalidInput is the cause of errors for inputs missing
	// required fields, or with empty names where a name is required.
	ErrInvalidInput = errors.New("invalid input")
)

// ContainerNotEmptyError is returned by Shred when a container to be
// shredded still holds an item whose docid is not also being shredded.
// No rows are changed in that case.
type ContainerNotEmptyError struct {
	ContainerID int64
}

func (e ContainerNotEmptyError) Error() string {
	return fmt.Sprintf("container %d is not empty", e.ContainerID)
}

// BrokenClassError is returned by AddVersion when the class on the
// input cannot be resolved back to the same handle through the
// archive's ClassResolver.
type BrokenClassError struct {
	Module string
	Name   string
}

func (e BrokenClassError) Error() string {
	return fmt.Sprintf("broken class reference: (%s, %s)", e.Module, e.Name)
}
