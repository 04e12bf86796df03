package merkle

import (
	"strings"

	"github.com/latticefs/latticefs/errs"
)

// PathSeparator joins path components into the forward-slash form
// used by the consumer interface and by dirindex keys. Unlike the
// teacher's treedb.P (which stores a component slice to make bolt
// cursor prefix-scans cheap) latticefs paths are commit-relative
// dataset paths, so Path keeps the component slice for Parent/Base
// but renders with plain "/" rather than the teacher's ￿
// high-codepoint separator trick — dir_hashes already gives O(1)
// lookup, so the cursor-ordering concern that motivated ￿
// doesn't apply here.
const PathSeparator = "/"

// Path is a platform-agnostic relative path, stored as its slash
// separated components. The zero value is Root.
type Path []string

// Root names the repository root directory ("").
var Root = Path{}

// ParsePath splits a forward-slash path into a Path. Leading and
// trailing slashes are trimmed first (so "" and "/" give Root); an
// empty component from adjacent slashes, or a "." or ".." component,
// is rejected.
func ParsePath(s string) (Path, error) {
	s = strings.Trim(s, PathSeparator)
	if s == "" {
		return Root, nil
	}
	parts := strings.Split(s, PathSeparator)
	p := make(Path, 0, len(parts))
	for _, c := range parts {
		if c == "" || c == "." || c == ".." {
			return nil, errs.InvalidArgumentf("parse_path", s, nil)
		}
		p = append(p, c)
	}
	return p, nil
}

// Validate reports whether every component of p is free of the
// separator and of "." / "..".
func (p Path) Validate() error {
	for _, c := range p {
		if c == "" || strings.Contains(c, PathSeparator) || c == "." || c == ".." {
			return errs.InvalidArgumentf("validate_path", p.String(), nil)
		}
	}
	return nil
}

// Parent returns the path one level up; Root's parent is Root.
func (p Path) Parent() Path {
	if len(p) < 1 {
		return Root
	}
	return p[:len(p)-1]
}

// Base returns the final component, or "" for Root.
func (p Path) Base() string {
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

// String renders the path with a leading slash, "/" for Root.
func (p Path) String() string {
	if len(p) == 0 {
		return PathSeparator
	}
	return PathSeparator + strings.Join(p, PathSeparator)
}

// Join appends a base name component and returns the new path.
func (p Path) Join(name string) Path {
	np := make(Path, len(p), len(p)+1)
	copy(np, p)
	return append(np, name)
}

// Equal compares two paths component-wise.
func (p Path) Equal(o Path) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}
