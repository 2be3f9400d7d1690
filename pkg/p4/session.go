// Package p4 defines the Perforce backend surface consumed by the retrieval
// engine: the per-worker Session, the tagged response model returned by
// describe, and the path and file-type predicates used for filtering.
package p4

import "context"

// Session is one exclusive connection to the Perforce server.
//
// A Session is not safe for concurrent use. The worker pool binds every
// Session to a single worker for its whole lifetime.
type Session interface {
	// Describe returns the tagged output of `p4 describe -s <change>`.
	Describe(ctx context.Context, change string) (Response, error)

	// PrintFiles returns the raw content of every "path#rev" spec, in the
	// same order as specs.
	PrintFiles(ctx context.Context, specs []string) ([][]byte, error)

	// IsFileUnderDepotPath reports whether path lies within scope.
	IsFileUnderDepotPath(path, scope string) bool

	// IsFileUnderClientSpec reports whether path is mapped by the client view.
	IsFileUnderClientSpec(path string) bool

	// IsBinary reports whether fileType is a binary Perforce file type.
	IsBinary(fileType string) bool
}
