package pathutil

import (
	"regexp"
	"strings"
	"sync"

	"github.com/bluele/gcache"
)

// Matcher is a compiled glob pattern, anchored at both ends.
type Matcher struct {
	pattern string
	re      *regexp.Regexp
}

// Pattern returns the original, normalized pattern string this matcher was
// compiled from.
func (m *Matcher) Pattern() string { return m.pattern }

// Match reports whether concretePath satisfies the pattern.
func (m *Matcher) Match(concretePath string) bool {
	return m.re.MatchString(concretePath)
}

// matcherCache memoizes compiled patterns by their normalized string, the
// same role gcache plays for the teacher's thumbnail LRU (internal/http/
// services/thumbnails/cache/lru), here fronting regexp.Compile instead of
// a byte blob.
var matcherCache = gcache.New(4096).LRU().Build()
var compileMu sync.Mutex

// Compile returns the cached Matcher for pattern, compiling and caching it
// on first use. pattern must already be normalized the same way a concrete
// path would be (Normalize does not strip "*", so it is safe to run glob
// patterns through it).
func Compile(pattern string) (*Matcher, error) {
	if v, err := matcherCache.Get(pattern); err == nil {
		return v.(*Matcher), nil
	}

	compileMu.Lock()
	defer compileMu.Unlock()

	// Re-check under the lock: another goroutine may have compiled and
	// cached this exact pattern while we were waiting.
	if v, err := matcherCache.Get(pattern); err == nil {
		return v.(*Matcher), nil
	}

	re, err := compileRegexp(pattern)
	if err != nil {
		return nil, err
	}
	m := &Matcher{pattern: pattern, re: re}
	_ = matcherCache.Set(pattern, m)
	return m, nil
}

// compileRegexp translates the fsx glob dialect into an anchored regexp:
//
//	"**/"        zero or more path segments, each followed by "/"
//	trailing "/**" this path, or any descendant of it
//	standalone "**" any characters, including "/"
//	"*"          any characters except "/"
func compileRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")

	i := 0
	for i < len(pattern) {
		switch {
		case strings.HasPrefix(pattern[i:], "**/"):
			b.WriteString("(?:[^/]+/)*")
			i += 3
		case pattern[i:] == "**" && strings.HasSuffix(b.String(), "/"):
			// Trailing "/**": the preceding "/" we already emitted makes
			// this "this path or any descendant" — drop that literal "/"
			// and replace it with an optional "/anything" group so the
			// base path itself also matches.
			s := b.String()
			b.Reset()
			b.WriteString(strings.TrimSuffix(s, "/"))
			b.WriteString("(?:/.*)?")
			i += 2
		case strings.HasPrefix(pattern[i:], "**"):
			// Standalone "**" not anchored to a "/" on either side.
			b.WriteString(".*")
			i += 2
		case pattern[i] == '*':
			b.WriteString("[^/]*")
			i++
		default:
			b.WriteString(regexp.QuoteMeta(string(pattern[i])))
			i++
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
