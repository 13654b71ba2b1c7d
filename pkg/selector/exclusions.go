package selector

import (
	"path/filepath"
	"strings"

	"github.com/pixelgardenlabs/pglb/pkg/plog"
)

type matchKind int

const (
	literalMatch matchKind = iota
	prefixMatch
	suffixMatch
	globMatch
)

// exclusion is one pre-analyzed exclude-glob pattern.
type exclusion struct {
	pattern       string
	cleanPattern  string
	kind          matchKind
	matchBasename bool
}

// ExclusionSet holds a list of compiled patterns for fast repeated matching
// against every file the Selector walks, grounded on the teacher's
// pathsync/exclusions.go categorization (literal / prefix / suffix / glob).
type ExclusionSet struct {
	literals         map[string]struct{}
	basenameLiterals map[string]struct{}
	rest             []exclusion
}

// NewExclusionSet compiles raw exclude patterns into an ExclusionSet.
func NewExclusionSet(patterns []string) ExclusionSet {
	set := ExclusionSet{
		literals:         make(map[string]struct{}),
		basenameLiterals: make(map[string]struct{}),
	}

	shouldMatchBasename := func(p string) bool { return !strings.Contains(p, "/") }

	for _, raw := range patterns {
		p := normalize(raw)
		switch {
		case strings.ContainsAny(p, "*?["):
			switch {
			case strings.HasSuffix(p, "/*"):
				set.rest = append(set.rest, exclusion{pattern: p, cleanPattern: strings.TrimSuffix(p, "/*"), kind: prefixMatch})
			case strings.HasSuffix(p, "*") && !strings.ContainsAny(p[:len(p)-1], "*?["):
				set.rest = append(set.rest, exclusion{pattern: p, cleanPattern: strings.TrimSuffix(p, "*"), kind: prefixMatch, matchBasename: shouldMatchBasename(p)})
			case strings.HasPrefix(p, "*") && !strings.ContainsAny(p[1:], "*?["):
				set.rest = append(set.rest, exclusion{pattern: p, cleanPattern: p[1:], kind: suffixMatch, matchBasename: shouldMatchBasename(p)})
			default:
				set.rest = append(set.rest, exclusion{pattern: p, cleanPattern: p, kind: globMatch, matchBasename: shouldMatchBasename(p)})
			}
		case strings.HasSuffix(p, "/"):
			set.rest = append(set.rest, exclusion{pattern: p, cleanPattern: strings.TrimSuffix(p, "/"), kind: prefixMatch})
		case shouldMatchBasename(p):
			set.basenameLiterals[p] = struct{}{}
		default:
			set.literals[p] = struct{}{}
		}
	}
	return set
}

// Matches reports whether relPath (forward-slash, relative to source root)
// is excluded.
func (es ExclusionSet) Matches(relPath string) bool {
	path := normalize(relPath)
	base := normalize(filepath.Base(relPath))

	if _, ok := es.literals[path]; ok {
		return true
	}
	if _, ok := es.basenameLiterals[base]; ok {
		return true
	}

	for _, ex := range es.rest {
		candidate := path
		if ex.matchBasename {
			candidate = base
		}
		switch ex.kind {
		case prefixMatch:
			if candidate == ex.cleanPattern || strings.HasPrefix(candidate, ex.cleanPattern+"/") || (ex.matchBasename && strings.HasPrefix(candidate, ex.cleanPattern)) {
				return true
			}
		case suffixMatch:
			if strings.HasSuffix(candidate, ex.cleanPattern) {
				return true
			}
		case globMatch:
			ok, err := filepath.Match(ex.cleanPattern, candidate)
			if err != nil {
				plog.Warn("selector: invalid exclude pattern", "pattern", ex.pattern, "error", err)
				continue
			}
			if ok {
				return true
			}
		case literalMatch:
			if candidate == ex.cleanPattern {
				return true
			}
		}
	}
	return false
}

func normalize(p string) string {
	return strings.ToLower(filepath.ToSlash(p))
}
