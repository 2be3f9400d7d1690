// Package describe turns the tagged output of `p4 describe` into an ordered
// list of file entries.
//
// The server tags the n-th file of a changelist with indexed variables
// depotFile<n>, type<n>, rev<n> and action<n>. The same parser serves both
// delivery modes: a single dictionary carrying every index, or one
// dictionary per file delivered incrementally.
package describe

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/Sumatoshi-tech/depotfetch/pkg/p4"
)

// ErrMalformed is returned when a file index is present but one of its
// required fields is missing or empty.
var ErrMalformed = errors.New("malformed describe record")

// Indexed variable names emitted by describe.
const (
	KeyDepotFile = "depotFile"
	KeyType      = "type"
	KeyRevision  = "rev"
	KeyAction    = "action"
)

// progressInterval is how often, in entries, parsing progress is logged.
const progressInterval = 10000

// Entry is one file touched by a changelist, as described by the server.
type Entry struct {
	DepotFile string
	Type      string
	Revision  string
	Action    string

	// ID is the 1-based position of the entry in the describe output.
	ID int
}

// lookupFunc resolves a variable name to its value.
type lookupFunc func(key string) (string, bool)

// parseEntry reads the entry at index. It returns false when depotFile<index>
// is absent, which is the only end-of-records signal.
func parseEntry(lookup lookupFunc, index int) (Entry, bool, error) {
	depotFile, ok := lookup(p4.IndexedKey(KeyDepotFile, index))
	if !ok {
		return Entry{}, false, nil
	}

	if depotFile == "" {
		return Entry{}, false, fmt.Errorf("%w: index %d: empty %s", ErrMalformed, index, KeyDepotFile)
	}

	entry := Entry{DepotFile: depotFile, ID: index + 1}

	fields := []struct {
		name string
		dst  *string
	}{
		{KeyType, &entry.Type},
		{KeyRevision, &entry.Revision},
		{KeyAction, &entry.Action},
	}

	for _, field := range fields {
		val, found := lookup(p4.IndexedKey(field.name, index))
		if !found || val == "" {
			return Entry{}, false, fmt.Errorf("%w: index %d (%s): missing %s", ErrMalformed, index, depotFile, field.name)
		}

		*field.dst = val
	}

	return entry, true, nil
}

// ParseWhole parses a dictionary that carries every file index at once.
// The func pseudo-variable is ignored.
func ParseWhole(dict p4.Dict) ([]Entry, error) {
	p := &Parser{}

	if err := p.parseWhole(dict); err != nil {
		return nil, err
	}

	return p.entries, nil
}

// Parser accumulates entries across incrementally delivered dictionaries.
// The zero value is ready to use.
type Parser struct {
	// Logger receives progress messages. Nil means slog.Default().
	Logger *slog.Logger

	entries []Entry
}

// ParseOne parses the next file record from one incrementally delivered
// dictionary. It probes index len(Entries()), matching the server's own
// numbering. It returns false when the dictionary is not a file record
// (for example a changelist summary); such dictionaries must be skipped
// without ending the stream.
func (p *Parser) ParseOne(dict p4.Dict) (bool, error) {
	entry, ok, err := parseEntry(dict.Lookup, len(p.entries))
	if err != nil || !ok {
		return false, err
	}

	p.append(entry)

	return true, nil
}

// Entries returns the entries parsed so far, in server order.
func (p *Parser) Entries() []Entry {
	return p.entries
}

func (p *Parser) parseWhole(dict p4.Dict) error {
	pairs := dict.Map()
	lookup := func(key string) (string, bool) {
		val, ok := pairs[key]

		return val, ok
	}

	for {
		entry, ok, err := parseEntry(lookup, len(p.entries))
		if err != nil {
			return err
		}

		if !ok {
			return nil
		}

		p.append(entry)
	}
}

func (p *Parser) append(entry Entry) {
	p.entries = append(p.entries, entry)

	if len(p.entries)%progressInterval == 0 {
		p.logger().Debug("described files", "count", len(p.entries))
	}
}

func (p *Parser) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}

	return slog.Default()
}

// Parse dispatches a whole describe response to the call pattern matching
// its delivery mode.
func Parse(resp p4.Response) ([]Entry, error) {
	return (&Parser{}).Parse(resp)
}

// Parse feeds every dictionary of resp to the parser and returns all
// entries parsed so far.
func (p *Parser) Parse(resp p4.Response) ([]Entry, error) {
	for _, dict := range resp.Stats {
		var err error

		if resp.Partial {
			_, err = p.ParseOne(dict)
		} else {
			err = p.parseWhole(dict)
		}

		if err != nil {
			return nil, err
		}
	}

	return p.entries, nil
}
