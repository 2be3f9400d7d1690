// Package replay serves a recorded depot from a YAML fixture. It implements
// p4.Session without a Perforce server, for dry runs and tests.
package replay

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/src-d/enry/v2"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// Sentinel errors.
var (
	ErrInvalidFixture  = errors.New("invalid fixture")
	ErrUnknownChange   = errors.New("no such changelist")
	ErrUnknownRevision = errors.New("no such file revision")
)

// Fallback types for fixture files without an explicit type.
const (
	sniffedBinary = "binary"
	sniffedText   = "text"
)

//go:embed fixture-schema.json
var schema []byte

// Schema returns the JSON schema fixture documents are validated against.
func Schema() []byte {
	return schema
}

// Fixture is the decoded fixture document.
type Fixture struct {
	Changes []Change `yaml:"changes"`
	// ClientView lists depot-side view lines. Empty maps every path.
	ClientView []string `yaml:"client_view"`
	// PartialDescribe delivers describe output one dictionary per file.
	PartialDescribe bool `yaml:"partial_describe"`
}

// Change is one recorded changelist.
type Change struct {
	Number      string `yaml:"number"`
	User        string `yaml:"user"`
	Description string `yaml:"description"`
	Timestamp   int64  `yaml:"timestamp"`
	// Error, when set, is returned by describe instead of the files.
	Error string       `yaml:"error"`
	Files []FileRecord `yaml:"files"`
}

// FileRecord is one file revision touched by a change.
type FileRecord struct {
	DepotFile   string `yaml:"depot_file"`
	Revision    string `yaml:"revision"`
	Action      string `yaml:"action"`
	Type        string `yaml:"type"`
	Content     string `yaml:"content"`
	ContentFile string `yaml:"content_file"`
}

// Validate checks a fixture document against the schema. It returns the
// list of violations, or an error when the document cannot be read at all.
func Validate(data []byte) ([]string, error) {
	var doc any

	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFixture, err)
	}

	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schema), gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("validate fixture: %w", err)
	}

	problems := make([]string, 0, len(result.Errors()))

	for _, verr := range result.Errors() {
		problems = append(problems, fmt.Sprintf("%s: %s", verr.Field(), verr.Description()))
	}

	return problems, nil
}

// Parse validates and decodes a fixture document. Relative content_file
// paths are resolved against baseDir.
func Parse(data []byte, baseDir string) (*Depot, error) {
	problems, err := Validate(data)
	if err != nil {
		return nil, err
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFixture, strings.Join(problems, "; "))
	}

	var fixture Fixture

	if err = yaml.Unmarshal(data, &fixture); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFixture, err)
	}

	if err = fixture.resolve(baseDir); err != nil {
		return nil, err
	}

	return NewDepot(fixture)
}

// Load reads, validates, and decodes the fixture at path.
func Load(path string) (*Depot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}

	return Parse(data, filepath.Dir(path))
}

// resolve reads content files and fills in missing types.
func (f *Fixture) resolve(baseDir string) error {
	for ci := range f.Changes {
		files := f.Changes[ci].Files

		for fi := range files {
			rec := &files[fi]

			if rec.ContentFile != "" {
				path := rec.ContentFile
				if !filepath.IsAbs(path) {
					path = filepath.Join(baseDir, path)
				}

				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("%w: %s: %w", ErrInvalidFixture, rec.DepotFile, err)
				}

				rec.Content = string(data)
			}

			if rec.Type == "" {
				rec.Type = sniffType([]byte(rec.Content))
			}
		}
	}

	return nil
}

func sniffType(content []byte) string {
	if enry.IsBinary(content) {
		return sniffedBinary
	}

	return sniffedText
}
