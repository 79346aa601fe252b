// Package subscribe implements the subscription registry (§4.8): the
// per-connection pattern table watch clients register against, a
// radix-indexed reverse lookup from a concrete path to its subscribers,
// and the JSON message dispatch the WebSocket front door hands raw frames
// to.
package subscribe

import (
	"sync"
	"time"

	"github.com/armon/go-radix"

	"github.com/fsx-project/fsx/pkg/clock"
	"github.com/fsx-project/fsx/pkg/pathutil"
)

// ConnID identifies a connection. The WebSocket front door assigns one per
// accepted connection.
type ConnID string

// SubscriptionEntry is one connection's registration against a pattern.
type SubscriptionEntry struct {
	Pattern      string
	Group        string
	SubscribedAt time.Time
}

// Config bounds how many patterns a single connection may register.
type Config struct {
	MaxSubscriptionsPerConn int // 0 means unlimited
}

// Registry is the subscription table. All methods are safe for concurrent
// use.
type Registry struct {
	mu    sync.RWMutex
	clock clock.Clock
	cfg   Config

	// byConn holds the spec's primary view: connection -> pattern -> entry.
	byConn map[ConnID]map[string]*SubscriptionEntry

	// patternConns is the reverse index: pattern -> set of subscribed
	// connections, letting getSubscribersForPath avoid re-walking byConn.
	patternConns map[string]map[ConnID]struct{}

	// prefixIndex maps each pattern's literal prefix (the portion before
	// its first wildcard) to the set of patterns sharing it, so
	// getSubscribersForPath only glob-tests patterns that could plausibly
	// match instead of every pattern ever registered.
	prefixIndex *radix.Tree
}

// New constructs an empty Registry.
func New(cfg Config, opts ...Option) *Registry {
	r := &Registry{
		clock:        clock.Real,
		cfg:          cfg,
		byConn:       make(map[ConnID]map[string]*SubscriptionEntry),
		patternConns: make(map[string]map[ConnID]struct{}),
		prefixIndex:  radix.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Option configures a Registry at construction.
type Option func(*Registry)

// WithClock overrides the registry's clock, used to stamp SubscribedAt.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// literalPrefix returns the portion of pattern before its first glob
// metacharacter, the key prefixIndex groups patterns by.
func literalPrefix(pattern string) string {
	if i := indexAny(pattern, "*"); i >= 0 {
		return pattern[:i]
	}
	return pattern
}

func indexAny(s, chars string) int {
	for i := 0; i < len(s); i++ {
		for j := 0; j < len(chars); j++ {
			if s[i] == chars[j] {
				return i
			}
		}
	}
	return -1
}

// Subscribe registers conn against path (normalized and, if it contains
// glob syntax, left as a pattern). Returns true without changing state if
// conn is already subscribed to this exact pattern, and false without
// changing state if conn is at its subscription limit.
func (r *Registry) Subscribe(conn ConnID, path, group string) (bool, error) {
	norm, err := normalizePattern(path)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.byConn[conn]
	if !ok {
		conns = make(map[string]*SubscriptionEntry)
		r.byConn[conn] = conns
	}
	if _, exists := conns[norm]; exists {
		return true, nil // duplicate subscribe: success, no state change
	}
	if r.cfg.MaxSubscriptionsPerConn > 0 && len(conns) >= r.cfg.MaxSubscriptionsPerConn {
		return false, nil
	}

	conns[norm] = &SubscriptionEntry{Pattern: norm, Group: group, SubscribedAt: r.clock.Now()}

	set, ok := r.patternConns[norm]
	if !ok {
		set = make(map[ConnID]struct{})
		r.patternConns[norm] = set
		r.addToPrefixIndex(norm)
	}
	set[conn] = struct{}{}
	return true, nil
}

func (r *Registry) addToPrefixIndex(pattern string) {
	prefix := literalPrefix(pattern)
	v, ok := r.prefixIndex.Get(prefix)
	var patterns map[string]struct{}
	if ok {
		patterns = v.(map[string]struct{})
	} else {
		patterns = make(map[string]struct{})
	}
	patterns[pattern] = struct{}{}
	r.prefixIndex.Insert(prefix, patterns)
}

func (r *Registry) removeFromPrefixIndex(pattern string) {
	prefix := literalPrefix(pattern)
	v, ok := r.prefixIndex.Get(prefix)
	if !ok {
		return
	}
	patterns := v.(map[string]struct{})
	delete(patterns, pattern)
	if len(patterns) == 0 {
		r.prefixIndex.Delete(prefix)
	} else {
		r.prefixIndex.Insert(prefix, patterns)
	}
}

// Unsubscribe removes conn's registration against path. Returns false if
// conn was not subscribed to it.
func (r *Registry) Unsubscribe(conn ConnID, path string) (bool, error) {
	norm, err := normalizePattern(path)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unsubscribeLocked(conn, norm), nil
}

func (r *Registry) unsubscribeLocked(conn ConnID, pattern string) bool {
	conns, ok := r.byConn[conn]
	if !ok {
		return false
	}
	if _, exists := conns[pattern]; !exists {
		return false
	}
	delete(conns, pattern)
	if len(conns) == 0 {
		delete(r.byConn, conn)
	}

	if set, ok := r.patternConns[pattern]; ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(r.patternConns, pattern)
			r.removeFromPrefixIndex(pattern)
		}
	}
	return true
}

// UnsubscribeGroup removes every subscription conn holds tagged with
// group, returning the count removed.
func (r *Registry) UnsubscribeGroup(conn ConnID, group string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.byConn[conn]
	if !ok {
		return 0
	}
	var removed int
	for pattern, entry := range conns {
		if entry.Group != group {
			continue
		}
		if r.unsubscribeLocked(conn, pattern) {
			removed++
		}
	}
	return removed
}

// GetSubscriptionsByGroup lists the patterns conn holds under group.
func (r *Registry) GetSubscriptionsByGroup(conn ConnID, group string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for pattern, entry := range r.byConn[conn] {
		if entry.Group == group {
			out = append(out, pattern)
		}
	}
	return out
}

// IsSubscribed reports whether conn is registered against the exact
// pattern string path (not a glob evaluation against it).
func (r *Registry) IsSubscribed(conn ConnID, path string) bool {
	norm, err := normalizePattern(path)
	if err != nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byConn[conn][norm]
	return ok
}

// GetSubscriptions lists every pattern conn is registered against.
func (r *Registry) GetSubscriptions(conn ConnID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byConn[conn]))
	for pattern := range r.byConn[conn] {
		out = append(out, pattern)
	}
	return out
}

// GetSubscriptionCount reports how many patterns conn is registered
// against.
func (r *Registry) GetSubscriptionCount(conn ConnID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn[conn])
}

// GetSubscribersForPath evaluates every pattern whose literal prefix
// could match concretePath and returns the deduplicated set of connections
// subscribed to a matching pattern.
func (r *Registry) GetSubscribersForPath(concretePath string) ([]ConnID, error) {
	norm, err := pathutil.Normalize(concretePath)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[ConnID]struct{})
	var walkErr error
	// Walking norm+"/" also reaches patterns like norm+"/**", whose literal
	// prefix is one byte longer than norm but which still match norm.
	r.prefixIndex.WalkPath(norm+"/", func(prefix string, v interface{}) bool {
		patterns := v.(map[string]struct{})
		for pattern := range patterns {
			m, err := pathutil.Compile(pattern)
			if err != nil {
				walkErr = err
				return true
			}
			if !m.Match(norm) {
				continue
			}
			for conn := range r.patternConns[pattern] {
				seen[conn] = struct{}{}
			}
		}
		return false
	})
	if walkErr != nil {
		return nil, walkErr
	}

	out := make([]ConnID, 0, len(seen))
	for conn := range seen {
		out = append(out, conn)
	}
	return out, nil
}

// GetMatchingPatterns lists conn's patterns that match concretePath.
func (r *Registry) GetMatchingPatterns(conn ConnID, concretePath string) ([]string, error) {
	norm, err := pathutil.Normalize(concretePath)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for pattern := range r.byConn[conn] {
		m, err := pathutil.Compile(pattern)
		if err != nil {
			return nil, err
		}
		if m.Match(norm) {
			out = append(out, pattern)
		}
	}
	return out, nil
}

// RemoveConnection drops every subscription conn holds, e.g. on disconnect.
func (r *Registry) RemoveConnection(conn ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for pattern := range r.byConn[conn] {
		r.unsubscribeLocked(conn, pattern)
	}
}

// GetConnectionCount reports how many distinct connections hold at least
// one subscription.
func (r *Registry) GetConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// HasPattern reports whether any connection currently holds the exact
// pattern string path.
func (r *Registry) HasPattern(path string) bool {
	norm, err := normalizePattern(path)
	if err != nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.patternConns[norm]
	return ok
}

// normalizePattern runs path through the §4.1 normalizer. Patterns with
// glob metacharacters normalize the same way concrete paths do: "*" is
// opaque to Normalize, so it survives untouched.
func normalizePattern(path string) (string, error) {
	return pathutil.Normalize(path)
}
