package replay

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync/atomic"

	"github.com/Sumatoshi-tech/depotfetch/pkg/p4"
)

// Keys of the tagged describe summary.
const (
	keyChange = "change"
	keyUser   = "user"
	keyTime   = "time"
	keyDesc   = "desc"
)

// Depot is an in-memory recorded depot. It is read-only after construction
// and safe for concurrent use by many sessions.
type Depot struct {
	changes  []Change
	byNumber map[string]int
	contents map[string][]byte
	view     *p4.ClientView
	partial  bool

	describes atomic.Int64
	prints    atomic.Int64
}

// Calls counts backend requests served by a depot's sessions.
type Calls struct {
	Describes int64
	Prints    int64
}

// NewDepot indexes a decoded fixture. Types must already be set.
func NewDepot(fixture Fixture) (*Depot, error) {
	d := &Depot{
		changes:  fixture.Changes,
		byNumber: make(map[string]int, len(fixture.Changes)),
		contents: make(map[string][]byte),
		partial:  fixture.PartialDescribe,
	}

	if len(fixture.ClientView) > 0 {
		view, err := p4.NewClientView(fixture.ClientView)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidFixture, err)
		}

		d.view = view
	}

	for i, change := range fixture.Changes {
		if _, dup := d.byNumber[change.Number]; dup {
			return nil, fmt.Errorf("%w: duplicate change %s", ErrInvalidFixture, change.Number)
		}

		d.byNumber[change.Number] = i

		for _, f := range change.Files {
			d.contents[p4.FileSpec(f.DepotFile, f.Revision)] = []byte(f.Content)
		}
	}

	return d, nil
}

// Changes returns the recorded changes in fixture order.
func (d *Depot) Changes() []Change {
	return slices.Clone(d.changes)
}

// Calls returns how many describe and print requests were served.
func (d *Depot) Calls() Calls {
	return Calls{Describes: d.describes.Load(), Prints: d.prints.Load()}
}

// NewSession returns a session for a worker. Its signature matches
// workerpool.SessionFactory[p4.Session].
func (d *Depot) NewSession(int) (p4.Session, error) {
	return &session{depot: d}, nil
}

type session struct {
	depot *Depot
}

func (s *session) Describe(ctx context.Context, change string) (p4.Response, error) {
	if err := ctx.Err(); err != nil {
		return p4.Response{}, err
	}

	s.depot.describes.Add(1)

	i, ok := s.depot.byNumber[change]
	if !ok {
		return p4.Response{}, fmt.Errorf("%w: %s", ErrUnknownChange, change)
	}

	rec := s.depot.changes[i]
	if rec.Error != "" {
		return p4.Response{}, errors.New(rec.Error)
	}

	summary := []string{
		keyChange, rec.Number,
		keyUser, rec.User,
		keyTime, strconv.FormatInt(rec.Timestamp, 10),
		keyDesc, rec.Description,
	}

	if s.depot.partial {
		stats := make([]p4.Dict, 0, len(rec.Files)+1)
		stats = append(stats, p4.NewDict(summary...))

		for i, f := range rec.Files {
			stats = append(stats, p4.NewDict(fileKeys(i, f)...))
		}

		return p4.Response{Stats: stats, Partial: true}, nil
	}

	kv := summary
	for i, f := range rec.Files {
		kv = append(kv, fileKeys(i, f)...)
	}

	return p4.Response{Stats: []p4.Dict{p4.NewDict(kv...)}}, nil
}

func fileKeys(i int, f FileRecord) []string {
	return []string{
		p4.IndexedKey("depotFile", i), f.DepotFile,
		p4.IndexedKey("action", i), f.Action,
		p4.IndexedKey("type", i), f.Type,
		p4.IndexedKey("rev", i), f.Revision,
	}
}

func (s *session) PrintFiles(ctx context.Context, specs []string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.depot.prints.Add(1)

	out := make([][]byte, 0, len(specs))

	for _, spec := range specs {
		data, ok := s.depot.contents[spec]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRevision, spec)
		}

		out = append(out, slices.Clone(data))
	}

	return out, nil
}

func (s *session) IsFileUnderDepotPath(path, scope string) bool {
	return p4.UnderDepotPath(path, scope)
}

func (s *session) IsFileUnderClientSpec(path string) bool {
	if s.depot.view == nil {
		return true
	}

	return s.depot.view.Maps(path)
}

func (s *session) IsBinary(fileType string) bool {
	return p4.IsBinaryType(fileType)
}
