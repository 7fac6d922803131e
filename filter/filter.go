// Package filter selects relations by glob patterns over their qualified
// names ("namespace.name").
package filter

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
	"github.com/maxpert/slotkeeper/wal"
)

// RelationFilter matches relations against include and exclude patterns.
// A relation passes if it matches an include pattern (or there are none) and
// no exclude pattern. A pattern without a dot applies to the relation name
// in any namespace.
type RelationFilter struct {
	include []glob.Glob
	exclude []glob.Glob
}

// New compiles the patterns. Empty patterns match everything.
func New(include, exclude []string) (*RelationFilter, error) {
	f := &RelationFilter{}

	var err error
	if f.include, err = compile(include); err != nil {
		return nil, err
	}
	if f.exclude, err = compile(exclude); err != nil {
		return nil, err
	}
	return f, nil
}

// FromOptions builds a filter from comma separated plugin options.
func FromOptions(options map[string]string, includeKey, excludeKey string) (*RelationFilter, error) {
	return New(SplitList(options[includeKey]), SplitList(options[excludeKey]))
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func compile(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		if !strings.Contains(pattern, ".") {
			pattern = "*." + pattern
		}
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return nil, fmt.Errorf("invalid relation pattern %q: %w", pattern, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// Match reports whether rel passes the filter.
func (f *RelationFilter) Match(rel wal.Relation) bool {
	if f == nil {
		return true
	}

	name := rel.Namespace + "." + rel.Name
	if len(f.include) > 0 && !matchAny(f.include, name) {
		return false
	}
	return !matchAny(f.exclude, name)
}

// Empty reports whether the filter passes every relation.
func (f *RelationFilter) Empty() bool {
	return f == nil || (len(f.include) == 0 && len(f.exclude) == 0)
}

func matchAny(globs []glob.Glob, name string) bool {
	for _, g := range globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}
