package archive

import (
	"path/filepath"
	"strings"

	"github.com/tarkeep/tarkeep/pkg/plog"
)

type exclusionMatchType int

const (
	prefixMatch exclusionMatchType = iota
	suffixMatch
	globMatch
)

// exclusionSet holds the categorized exclusion patterns for efficient matching.
type exclusionSet struct {
	// literals are exact full-path matches, the fastest to check.
	literals map[string]struct{}
	// basenameLiterals are exact basename matches (e.g. "node_modules"), also O(1).
	basenameLiterals map[string]struct{}
	// nonLiterals require wildcard or prefix/suffix logic.
	nonLiterals []exclusion
}

// exclusion stores the pre-analyzed pattern details.
type exclusion struct {
	pattern       string             // original pattern, for logging
	cleanPattern  string             // pattern stripped for prefix/suffix matching
	matchType     exclusionMatchType // how to match
	matchBasename bool               // match the basename instead of the full relative path
}

// newExclusionSet analyzes and categorizes patterns to enable optimized
// matching later. Patterns without a path separator match basenames anywhere
// in the tree, in line with .gitignore behavior.
func newExclusionSet(patterns []string) exclusionSet {
	set := exclusionSet{
		literals:         make(map[string]struct{}),
		basenameLiterals: make(map[string]struct{}),
		nonLiterals:      make([]exclusion, 0, len(patterns)),
	}

	shouldMatchBasename := func(p string) bool { return !strings.Contains(p, "/") }

	for _, p := range patterns {
		p = normalizePattern(p)
		if p == "" {
			continue
		}

		switch {
		case strings.ContainsAny(p, "*?["):
			switch {
			case strings.HasSuffix(p, "/*"):
				// A directory-contents pattern like "build/*".
				set.nonLiterals = append(set.nonLiterals, exclusion{
					pattern:      p,
					cleanPattern: strings.TrimSuffix(p, "/*"),
					matchType:    prefixMatch,
				})
			case strings.HasSuffix(p, "*") && !strings.ContainsAny(p[:len(p)-1], "*?["):
				// A simple prefix pattern like "temp_*".
				set.nonLiterals = append(set.nonLiterals, exclusion{
					pattern:       p,
					cleanPattern:  strings.TrimSuffix(p, "*"),
					matchType:     prefixMatch,
					matchBasename: shouldMatchBasename(p),
				})
			case strings.HasPrefix(p, "*") && !strings.ContainsAny(p[1:], "*?["):
				// A simple suffix pattern like "*.log".
				set.nonLiterals = append(set.nonLiterals, exclusion{
					pattern:       p,
					cleanPattern:  p[1:],
					matchType:     suffixMatch,
					matchBasename: shouldMatchBasename(p),
				})
			default:
				set.nonLiterals = append(set.nonLiterals, exclusion{
					pattern: p, cleanPattern: p, matchType: globMatch, matchBasename: shouldMatchBasename(p),
				})
			}
		case strings.HasSuffix(p, "/"):
			// "build/" explicitly names a directory subtree.
			set.nonLiterals = append(set.nonLiterals, exclusion{
				pattern:      p,
				cleanPattern: strings.TrimSuffix(p, "/"),
				matchType:    prefixMatch,
			})
		case shouldMatchBasename(p):
			set.basenameLiterals[p] = struct{}{}
		default:
			set.literals[p] = struct{}{}
		}
	}
	return set
}

// matches checks a normalized relative path key against the exclusion set.
func (es *exclusionSet) matches(relPathKey string) bool {
	normalizedPath := normalizePattern(relPathKey)
	normalizedBasename := normalizePattern(filepath.Base(relPathKey))

	if _, ok := es.literals[normalizedPath]; ok {
		return true
	}
	if _, ok := es.basenameLiterals[normalizedBasename]; ok {
		return true
	}

	for _, p := range es.nonLiterals {
		pathToCheck := normalizedPath
		if p.matchBasename {
			pathToCheck = normalizedBasename
		}

		switch p.matchType {
		case prefixMatch:
			if strings.HasPrefix(pathToCheck, p.cleanPattern) {
				// For full-path directory prefixes ("build/"), avoid false
				// positives on siblings like "build-tools".
				if !p.matchBasename && (strings.HasSuffix(p.pattern, "/") || strings.HasSuffix(p.pattern, "/*")) {
					if pathToCheck != p.cleanPattern && !strings.HasPrefix(pathToCheck, p.cleanPattern+"/") {
						continue
					}
				}
				return true
			}
		case suffixMatch:
			if strings.HasSuffix(pathToCheck, p.cleanPattern) {
				return true
			}
		case globMatch:
			match, err := filepath.Match(p.cleanPattern, pathToCheck)
			if err != nil {
				plog.Warn("Invalid exclusion pattern", "pattern", p.pattern, "error", err)
				continue
			}
			if match {
				return true
			}
		}
	}
	return false
}

// normalizePattern converts a path or pattern into a standardized,
// case-insensitive key format (forward slashes, lowercase, trimmed).
func normalizePattern(p string) string {
	return strings.ToLower(filepath.ToSlash(strings.TrimSpace(p)))
}
