package p4

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidMapping is returned for a client view line that cannot be parsed.
var ErrInvalidMapping = errors.New("invalid client view mapping")

const (
	wildcardAll     = "..."
	revisionPrefix  = "#"
	excludeMarker   = "-"
	overlayMarker   = "+"
	binaryBaseType  = "binary"
	typeModifierSep = "+"
)

// nonTextBaseTypes lists Perforce base types stored without line-ending
// translation besides the *binary family.
var nonTextBaseTypes = map[string]bool{
	"apple":    true,
	"resource": true,
}

// FileSpec joins a depot path and revision into a "path#rev" print key.
func FileSpec(depotFile, revision string) string {
	return depotFile + revisionPrefix + revision
}

// UnderDepotPath reports whether path lies within scope. A scope ending in
// "..." matches any path with the prefix before it, as in Perforce. Any
// other scope names a directory: "//depot/main" and "//depot/main/" both
// match "//depot/main/x" but not "//depot/mainline/x".
func UnderDepotPath(path, scope string) bool {
	if prefix, ok := strings.CutSuffix(scope, wildcardAll); ok {
		return strings.HasPrefix(path, prefix)
	}

	if strings.HasSuffix(scope, "/") {
		return strings.HasPrefix(path, scope)
	}

	return path == scope || strings.HasPrefix(path, scope+"/")
}

// IsBinaryType reports whether the Perforce file type stores binary data.
// Modifiers after "+" are ignored, so "binary+l" and "ubinary" are binary
// while "text+x" is not.
func IsBinaryType(fileType string) bool {
	base, _, _ := strings.Cut(fileType, typeModifierSep)

	return strings.Contains(base, binaryBaseType) || nonTextBaseTypes[base]
}

type viewLine struct {
	pattern *regexp.Regexp
	exclude bool
}

// ClientView matches depot paths against the depot side of a client view.
// Later lines take precedence over earlier ones, as in Perforce.
type ClientView struct {
	lines []viewLine
}

// NewClientView compiles view lines such as "//depot/main/... //ws/main/..."
// or "-//depot/main/secret/...". Only the depot side is used.
func NewClientView(mappings []string) (*ClientView, error) {
	view := &ClientView{lines: make([]viewLine, 0, len(mappings))}

	for _, mapping := range mappings {
		fields := strings.Fields(mapping)
		if len(fields) == 0 {
			continue
		}

		depotSide := fields[0]
		exclude := strings.HasPrefix(depotSide, excludeMarker)
		depotSide = strings.TrimPrefix(strings.TrimPrefix(depotSide, excludeMarker), overlayMarker)

		if !strings.HasPrefix(depotSide, "//") {
			return nil, fmt.Errorf("%w: %q", ErrInvalidMapping, mapping)
		}

		pattern, err := regexp.Compile("^" + translateWildcards(depotSide) + "$")
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrInvalidMapping, mapping, err)
		}

		view.lines = append(view.lines, viewLine{pattern: pattern, exclude: exclude})
	}

	return view, nil
}

// Maps reports whether path is mapped by the view.
func (v *ClientView) Maps(path string) bool {
	for i := len(v.lines) - 1; i >= 0; i-- {
		if v.lines[i].pattern.MatchString(path) {
			return !v.lines[i].exclude
		}
	}

	return false
}

// translateWildcards turns Perforce wildcards into a regular expression:
// "..." spans directories, "*" and "%%n" stay within one segment.
func translateWildcards(depotPath string) string {
	var sb strings.Builder

	for depotPath != "" {
		switch {
		case strings.HasPrefix(depotPath, wildcardAll):
			sb.WriteString(".*")

			depotPath = depotPath[len(wildcardAll):]
		case depotPath[0] == '*':
			sb.WriteString("[^/]*")

			depotPath = depotPath[1:]
		case len(depotPath) >= 3 && depotPath[0] == '%' && depotPath[1] == '%' &&
			depotPath[2] >= '0' && depotPath[2] <= '9':
			sb.WriteString("[^/]*")

			depotPath = depotPath[3:]
		default:
			sb.WriteString(regexp.QuoteMeta(depotPath[:1]))

			depotPath = depotPath[1:]
		}
	}

	return sb.String()
}
