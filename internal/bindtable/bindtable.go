// Package bindtable implements named pattern registries that dispatch
// to bound handler functions under userflag filtering.
//
// Grounded on minicli's Handler/Register/aliases machinery
// (minicli/minicli.go, minicli/handler.go) generalized from minicli's
// single exact-or-prefix command lookup to six distinct matching
// disciplines, and on minicli/trie.go (wrapped here by
// internal/ptree) for the disciplines that key on exact strings.
package bindtable

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/LStranger/foxeye-sub001/internal/listfile"
	"github.com/LStranger/foxeye-sub001/internal/ptree"
)

// Discipline selects a table's storage and matching semantics.
type Discipline int

const (
	Undef     Discipline = iota // uninitialized, never matches
	Mask                        // case-insensitive glob, invoke all that match
	MatchCase                   // case-sensitive glob, invoke all that match
	Uniq                        // exact first-token lookup, single winner
	Keyword                     // exact whole-string lookup, iterate in order
	UComplete                   // exact wins; else unique prefix
	UniqMask                    // glob, but an exact key collapses to one winner
)

// Func is a bound handler: split userhost plus positional args in,
// 0/1 fail/accept out.
type Func func(name string, argv []string) int

// Binding is one registered pattern/handler pair.
type Binding struct {
	Key        string
	GF, CF     listfile.Flag
	Fn         Func
	ScriptName string

	mu   sync.Mutex
	hits uint64
}

// Hits returns the binding's accumulated match count.
func (b *Binding) Hits() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hits
}

func (b *Binding) bump() {
	b.mu.Lock()
	b.hits++
	b.mu.Unlock()
}

func (b *Binding) identity() (uintptr, string) {
	if b.ScriptName != "" {
		return 0, b.ScriptName
	}
	return reflect.ValueOf(b.Fn).Pointer(), ""
}

// Table is one named bindtable.
type Table struct {
	mu         sync.RWMutex
	name       string
	discipline Discipline

	linear     []*Binding  // Mask, MatchCase, UComplete, UniqMask, Undef
	tree       *ptree.Tree // Uniq (first token), Keyword (whole string)
	lastResort []*Binding  // Uniq-class fallback chain
}

// New returns an empty, named table of the given discipline.
func New(name string, discipline Discipline) *Table {
	t := &Table{name: name, discipline: discipline}
	if discipline == Uniq || discipline == Keyword {
		t.tree = ptree.New(ptree.DefaultFanout)
	}
	return t
}

// Name returns the table's registered name.
func (t *Table) Name() string { return t.name }

func firstToken(key string) string {
	if i := strings.IndexByte(key, ' '); i >= 0 {
		return key[:i]
	}
	return key
}

type chain struct {
	bindings []*Binding
}

func (t *Table) treeChain(key string) *chain {
	if v, ok := t.tree.Find(key); ok {
		return v.(*chain)
	}
	return nil
}

func (t *Table) treeAppend(key string, b *Binding) {
	if c := t.treeChain(key); c != nil {
		c.bindings = append(c.bindings, b)
		return
	}
	t.tree.Insert(key, &chain{bindings: []*Binding{b}}, true)
}

func (t *Table) treeRemove(key string, b *Binding) {
	c := t.treeChain(key)
	if c == nil {
		return
	}
	for i, cb := range c.bindings {
		if cb == b {
			c.bindings = append(c.bindings[:i], c.bindings[i+1:]...)
			break
		}
	}
}

// AddBinding registers a binding. Idempotent: a duplicate
// (key, gf, cf, handler-identity) tuple is a silent no-op.
func (t *Table) AddBinding(key string, gf, cf listfile.Flag, fn Func, scriptName string) (*Binding, error) {
	if t.discipline == Undef {
		return nil, fmt.Errorf("bindtable: %s is an uninitialized table", t.name)
	}

	nb := &Binding{Key: key, GF: gf, CF: cf, Fn: fn, ScriptName: scriptName}
	nPtr, nScript := nb.identity()

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, existing := range t.allLocked() {
		ePtr, eScript := existing.identity()
		if existing.Key == key && existing.GF == gf && existing.CF == cf && ePtr == nPtr && eScript == nScript {
			return existing, nil
		}
	}

	switch t.discipline {
	case Uniq:
		// Uniq is single-winner storage: a second binding on the same key
		// is a duplicate regardless of its gf/cf/handler, not a chain
		// entry. Only an exact (key, gf, cf, fn) repeat — already handled
		// above — is allowed through.
		if key == "" {
			if len(t.lastResort) > 0 {
				return nil, fmt.Errorf("bindtable: %s: duplicate binding for empty key", t.name)
			}
			t.lastResort = append(t.lastResort, nb)
		} else {
			tok := firstToken(key)
			if c := t.treeChain(tok); c != nil && len(c.bindings) > 0 {
				return nil, fmt.Errorf("bindtable: %s: duplicate binding for %q", t.name, key)
			}
			t.treeAppend(tok, nb)
		}
	case Keyword:
		t.treeAppend(key, nb)
	default: // Mask, MatchCase, UComplete, UniqMask
		t.linear = append(t.linear, nb)
	}
	return nb, nil
}

// allLocked returns every binding in the table; caller must hold t.mu.
func (t *Table) allLocked() []*Binding {
	var out []*Binding
	out = append(out, t.linear...)
	out = append(out, t.lastResort...)
	if t.tree != nil {
		t.tree.ForEach(func(_ string, v any) bool {
			out = append(out, v.(*chain).bindings...)
			return true
		})
	}
	return out
}

// DeleteBinding removes every binding matching fn's identity (by
// function pointer) or, for script-backed bindings, by scriptName.
// Returns the number removed.
func (t *Table) DeleteBinding(fn Func, scriptName string) int {
	target := &Binding{Fn: fn, ScriptName: scriptName}
	tPtr, tScript := target.identity()

	t.mu.Lock()
	defer t.mu.Unlock()

	matches := func(b *Binding) bool {
		bPtr, bScript := b.identity()
		return bPtr == tPtr && bScript == tScript
	}

	removed := 0
	keep := t.linear[:0]
	for _, b := range t.linear {
		if matches(b) {
			removed++
			continue
		}
		keep = append(keep, b)
	}
	t.linear = keep

	keepLR := t.lastResort[:0]
	for _, b := range t.lastResort {
		if matches(b) {
			removed++
			continue
		}
		keepLR = append(keepLR, b)
	}
	t.lastResort = keepLR

	if t.tree != nil {
		var keys []string
		t.tree.ForEach(func(k string, _ any) bool {
			keys = append(keys, k)
			return true
		})
		for _, k := range keys {
			c := t.treeChain(k)
			if c == nil {
				continue
			}
			keepC := c.bindings[:0]
			for _, b := range c.bindings {
				if matches(b) {
					removed++
					continue
				}
				keepC = append(keepC, b)
			}
			c.bindings = keepC
		}
	}
	return removed
}

// candidates returns the ordered set of bindings that key could match
// under the table's discipline, before flag filtering.
func (t *Table) candidates(key string) []*Binding {
	switch t.discipline {
	case Undef:
		return nil

	case Mask, MatchCase:
		var out []*Binding
		for _, b := range t.linear {
			if globMatches(b.Key, key, t.discipline == MatchCase) {
				out = append(out, b)
			}
		}
		return out

	case UniqMask:
		var exact []*Binding
		var globs []*Binding
		for _, b := range t.linear {
			if strings.EqualFold(b.Key, key) {
				exact = append(exact, b)
				continue
			}
			if globMatches(b.Key, key, false) {
				globs = append(globs, b)
			}
		}
		if len(exact) > 0 {
			return exact
		}
		return globs

	case Uniq:
		if c := t.treeChain(firstToken(key)); c != nil && len(c.bindings) > 0 {
			return append([]*Binding{}, c.bindings...)
		}
		return append([]*Binding{}, t.lastResort...)

	case Keyword:
		if c := t.treeChain(key); c != nil {
			return append([]*Binding{}, c.bindings...)
		}
		return nil

	case UComplete:
		// An exact key wins even when other keys also start with it;
		// otherwise the key must be a prefix of exactly one distinct key.
		var exact *Binding
		var prefixMatches []*Binding
		for _, b := range t.linear {
			if b.Key == key {
				exact = b
			}
			if strings.HasPrefix(b.Key, key) {
				prefixMatches = append(prefixMatches, b)
			}
		}
		if exact != nil {
			return []*Binding{exact}
		}
		uniqueKeys := map[string]bool{}
		for _, b := range prefixMatches {
			uniqueKeys[b.Key] = true
		}
		if len(uniqueKeys) == 1 {
			return prefixMatches
		}
		return nil
	}
	return nil
}

// CheckBindtable returns the next binding matching key after prev (or
// the first, if prev is nil) whose (gf, cf) the caller's flags satisfy
// via listfile.Test, incrementing its hit counter.
func (t *Table) CheckBindtable(key string, callerGF, callerCF listfile.Flag, prev *Binding) (*Binding, bool) {
	t.mu.RLock()
	cands := t.candidates(key)
	t.mu.RUnlock()

	started := prev == nil
	for _, b := range cands {
		if !started {
			if b == prev {
				started = true
			}
			continue
		}
		if listfile.Test(callerGF, callerCF, b.GF, b.CF) {
			b.bump()
			return b, true
		}
	}
	return nil, false
}

func globMatches(pattern, s string, caseSensitive bool) bool {
	if !caseSensitive {
		pattern = strings.ToLower(pattern)
		s = strings.ToLower(s)
	}
	ok, _ := globMatch([]rune(pattern), []rune(s))
	return ok
}

func globMatch(pattern, s []rune) (bool, int) {
	if len(pattern) == 0 {
		return len(s) == 0, 0
	}
	switch pattern[0] {
	case '*':
		for i := 0; i <= len(s); i++ {
			if ok, lit := globMatch(pattern[1:], s[i:]); ok {
				return true, lit
			}
		}
		return false, 0
	case '?':
		if len(s) == 0 {
			return false, 0
		}
		return globMatch(pattern[1:], s[1:])
	default:
		if len(s) == 0 || s[0] != pattern[0] {
			return false, 0
		}
		ok, lit := globMatch(pattern[1:], s[1:])
		return ok, lit + 1
	}
}

// SortedKeys returns the table's distinct registered keys in sorted
// order, used by diagnostics (S_REPORT) to render a stable listing.
func (t *Table) SortedKeys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := map[string]bool{}
	for _, b := range t.linear {
		seen[b.Key] = true
	}
	for _, b := range t.lastResort {
		seen[b.Key] = true
	}
	if t.tree != nil {
		t.tree.ForEach(func(k string, _ any) bool {
			seen[k] = true
			return true
		})
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Report returns a one-line status string for S_REPORT / diagnostics
// consumers: the table's name, its current binding count, and its number
// of distinct keys.
func (t *Table) Report() string {
	keys := t.SortedKeys()
	t.mu.RLock()
	total := len(t.allLocked())
	t.mu.RUnlock()
	return fmt.Sprintf("%s: %d bindings, %d keys", t.name, total, len(keys))
}
