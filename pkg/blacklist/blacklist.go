// Package blacklist matches root-relative paths against ordered glob patterns
// and counts, per pattern, how many paths each one excluded.
package blacklist

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/moby/patternmatcher"

	"github.com/paulschiretz/pgl-serverbackup/pkg/plog"
	"github.com/paulschiretz/pgl-serverbackup/pkg/util"
)

// ErrExclusionPattern is returned for patterns starting with "!". Every entry
// excludes; re-inclusion is not supported.
var ErrExclusionPattern = errors.New("exclusion patterns are not supported")

// Entry is one compiled glob and its hit counter.
type Entry struct {
	glob    string
	matcher *patternmatcher.PatternMatcher
	hits    atomic.Int64
}

// Glob returns the pattern as configured.
func (e *Entry) Glob() string { return e.glob }

// Hits returns how many paths this entry excluded since the last reset.
func (e *Entry) Hits() int64 { return e.hits.Load() }

// Matcher holds entries in configuration order. The first matching entry wins.
type Matcher struct {
	entries []*Entry
}

// Compile builds a Matcher. Patterns use forward slashes; "**" crosses
// directories and a pattern naming a directory also matches its contents.
func Compile(globs []string) (*Matcher, error) {
	m := &Matcher{entries: make([]*Entry, 0, len(globs))}
	for _, g := range globs {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		if strings.HasPrefix(g, "!") {
			return nil, fmt.Errorf("blacklist pattern %q: %w", g, ErrExclusionPattern)
		}
		pm, err := patternmatcher.New([]string{util.DenormalizePath(g)})
		if err != nil {
			return nil, fmt.Errorf("invalid blacklist pattern %q: %w", g, err)
		}
		m.entries = append(m.entries, &Entry{glob: g, matcher: pm})
	}
	return m, nil
}

// Validate reports the first pattern that would fail to compile.
func Validate(globs []string) error {
	_, err := Compile(globs)
	return err
}

// Match tests relPath against every entry in order. On the first match that
// entry's counter is incremented and the entry is returned; otherwise nil.
// A matcher error on one entry is logged and treated as no match.
func (m *Matcher) Match(relPath string) *Entry {
	if m == nil {
		return nil
	}
	osPath := util.DenormalizePath(relPath)
	for _, e := range m.entries {
		ok, err := e.matcher.MatchesOrParentMatches(osPath)
		if err != nil {
			plog.Warn("Blacklist pattern failed to evaluate", "pattern", e.glob, "path", relPath, "error", err)
			continue
		}
		if ok {
			e.hits.Add(1)
			return e
		}
	}
	return nil
}

// Reset zeroes every counter. Called once at the start of each enumeration.
func (m *Matcher) Reset() {
	if m == nil {
		return
	}
	for _, e := range m.entries {
		e.hits.Store(0)
	}
}

// Entries returns the entries in configuration order.
func (m *Matcher) Entries() []*Entry {
	if m == nil {
		return nil
	}
	return m.entries
}

// Len returns the number of compiled entries.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// Hits returns a snapshot of pattern -> hit count for entries with hits.
func (m *Matcher) Hits() map[string]int64 {
	out := make(map[string]int64)
	for _, e := range m.Entries() {
		if n := e.Hits(); n > 0 {
			out[e.glob] = n
		}
	}
	return out
}

// LogHits logs one line per pattern that excluded at least one path.
func (m *Matcher) LogHits(location string) {
	for _, e := range m.Entries() {
		if n := e.Hits(); n > 0 {
			plog.Info("Blacklisted files", "target", location, "pattern", e.glob, "count", n)
		}
	}
}
