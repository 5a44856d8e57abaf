package hub

import (
	"sync"

	"github.com/gobwas/glob"
)

var (
	patternCacheLock sync.Mutex
	patternCache     = map[string]glob.Glob{}
)

// Match reports whether name matches the shell-style pattern. Unlike
// path.Match, '*' also matches '/', so "*.json" selects JSON files in every
// subdirectory. '?' matches one character and bracket expressions support
// ranges and negation with '!'. A pattern that does not compile is compared
// literally.
func Match(pattern, name string) bool {
	return compilePattern(pattern).Match(name)
}

// MatchAny reports whether name matches any of patterns.
func MatchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if Match(p, name) {
			return true
		}
	}
	return false
}

// FilterEntries returns the file entries whose path matches any of patterns.
// An empty pattern list selects every file.
func FilterEntries(entries []TreeEntry, patterns []string) []TreeEntry {
	var out []TreeEntry
	for _, e := range entries {
		if !e.IsFile() {
			continue
		}
		if len(patterns) == 0 || MatchAny(patterns, e.Path) {
			out = append(out, e)
		}
	}
	return out
}

func compilePattern(pattern string) glob.Glob {
	patternCacheLock.Lock()
	defer patternCacheLock.Unlock()
	if g, ok := patternCache[pattern]; ok {
		return g
	}
	// No separators: '*' crosses directory boundaries like the Hub's
	// allow_patterns.
	g, err := glob.Compile(pattern)
	if err != nil {
		g = glob.MustCompile(glob.QuoteMeta(pattern))
	}
	patternCache[pattern] = g
	return g
}
