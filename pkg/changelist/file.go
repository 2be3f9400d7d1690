package changelist

import (
	"fmt"
	"strings"

	"github.com/Sumatoshi-tech/depotfetch/pkg/contentstore"
	"github.com/Sumatoshi-tech/depotfetch/pkg/p4"
)

// Paths reserved by git. Importing them would corrupt the target repository.
const (
	gitDirSegment = "/.git/"
	gitDirSuffix  = "/.git"
)

// IsGitMetadataPath reports whether a depot path points inside a .git
// directory or at a .git submodule file.
func IsGitMetadataPath(depotFile string) bool {
	return strings.Contains(depotFile, gitDirSegment) || strings.HasSuffix(depotFile, gitDirSuffix)
}

// File is one file touched by a changelist. Its content lives in the
// changelist's content store, not in memory.
//
// Fields are written by the changelist's jobs and must only be read after
// WaitForDownload returns.
type File struct {
	DepotFile string
	Revision  string
	Action    string
	Type      string

	// ID is the 1-based discovery position, unique within the changelist.
	ID int
	// Change is the number of the owning changelist.
	Change string

	included bool
	stored   bool
	err      error

	store contentstore.Store
}

// Spec returns the "path#rev" key used to print the file.
func (f *File) Spec() string {
	return p4.FileSpec(f.DepotFile, f.Revision)
}

// Included reports whether the file passed every filter.
func (f *File) Included() bool {
	return f.included
}

// Err returns the error that prevented the file from being fetched, if any.
func (f *File) Err() error {
	return f.err
}

// Contents reads the fetched bytes back from the content store.
func (f *File) Contents() ([]byte, error) {
	if !f.included {
		return nil, fmt.Errorf("%s: %w", f.Spec(), ErrNotIncluded)
	}

	if f.err != nil {
		return nil, f.err
	}

	data, err := f.store.Get(f.Change, f.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrContent, f.Spec(), err)
	}

	return data, nil
}

func (f *File) setContents(data []byte) error {
	if err := f.store.Put(f.Change, f.ID, data); err != nil {
		return err
	}

	f.stored = true

	return nil
}

func (f *File) clear() error {
	if !f.included {
		return nil
	}

	return f.store.Delete(f.Change, f.ID)
}
