// Package contentstore holds fetched file content outside the Go heap so the
// peak memory of a changelist touching many files stays bounded.
//
// Content is addressed by (changelist number, file ID). Every slot is
// write-once: Put fails with ErrExists when the slot already holds data.
package contentstore

import (
	"errors"
	"net/url"
	"strconv"
)

// Sentinel errors.
var (
	ErrExists   = errors.New("content already stored")
	ErrNotFound = errors.New("content not found")
)

// Store is a write-once byte store keyed by (change, id).
// Implementations must be safe for concurrent use on distinct keys.
type Store interface {
	// Put stores data under (change, id). It fails with ErrExists if the
	// slot was already written.
	Put(change string, id int, data []byte) error

	// Get returns the data stored under (change, id), or ErrNotFound.
	Get(change string, id int) ([]byte, error)

	// Delete removes the slot. Deleting a missing slot is not an error.
	Delete(change string, id int) error
}

// Key returns the slot name for (change, id). The change is path-escaped, so
// the name never contains a separator and distinct pairs never share a name:
// the id is the digits after the last "_".
func Key(change string, id int) string {
	return url.PathEscape(change) + "_" + strconv.Itoa(id)
}
