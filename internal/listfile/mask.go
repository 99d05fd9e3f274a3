package listfile

import "fmt"

// AddMask appends a case-folded host-mask to an already-locked record,
// re-entering HLock per the documented lock order
// (UFLock -> record mutex -> HLock).
func (db *DB) AddMask(r *Record, mask string) error {
	if mask == "" {
		return fmt.Errorf("listfile: empty mask")
	}
	folded := foldLname(mask)

	db.hLock.Lock()
	defer db.hLock.Unlock()

	for _, m := range r.Hosts {
		if m == folded {
			return nil
		}
	}
	r.Hosts = append(r.Hosts, folded)
	db.markDirty()
	return nil
}

// DeleteMask removes a host-mask from an already-locked record.
func (db *DB) DeleteMask(r *Record, mask string) error {
	folded := foldLname(mask)

	db.hLock.Lock()
	defer db.hLock.Unlock()

	for i, m := range r.Hosts {
		if m == folded {
			r.Hosts = append(r.Hosts[:i], r.Hosts[i+1:]...)
			db.markDirty()
			return nil
		}
	}
	return fmt.Errorf("listfile: mask %q not found", mask)
}

// matchScore returns the number of literal (non-wildcard) characters of
// pattern consumed by a successful glob match against s, or -1 if
// pattern does not match s. '*' matches any run (including empty); '?'
// matches exactly one character.
func matchScore(pattern, s string) int {
	ok, literals := globMatch([]rune(pattern), []rune(s))
	if !ok {
		return -1
	}
	return literals
}

func globMatch(pattern, s []rune) (bool, int) {
	if len(pattern) == 0 {
		if len(s) == 0 {
			return true, 0
		}
		return false, 0
	}

	switch pattern[0] {
	case '*':
		// try consuming zero or more characters of s.
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
		if ok, lit := globMatch(pattern[1:], s[1:]); ok {
			return true, lit
		}
		return false, 0
	default:
		if len(s) == 0 || s[0] != pattern[0] {
			return false, 0
		}
		if ok, lit := globMatch(pattern[1:], s[1:]); ok {
			return true, lit + 1
		}
		return false, 0
	}
}

// MatchClient scores host!ident@host-style strings (or any opaque
// string) against every mask on an already-locked record, returning the
// highest score, or -1 if no mask matches.
func (db *DB) MatchClient(r *Record, hostmask string) int {
	folded := foldLname(hostmask)

	db.hLock.RLock()
	defer db.hLock.RUnlock()

	best := -1
	for _, m := range r.Hosts {
		if sc := matchScore(m, folded); sc > best {
			best = sc
		}
	}
	return best
}

// matchCacheEntry memoizes the winning LID for a hostmask as of a given
// DB generation; any mutation bumps the generation so a stale entry is
// recomputed rather than served, the same invalidate-on-write shape
// ClusterCockpit-cc-backend uses its golang-lru cache for.
type matchCacheEntry struct {
	gen uint64
	lid LID
	ok  bool
}

// FindClientRecord finds the record whose host-mask best matches
// hostmask, breaking ties in favor of prefer if it is among the tied
// records.
func (db *DB) FindClientRecord(hostmask string, prefer *Record) (*Record, bool) {
	db.ufLock.RLock()
	defer db.ufLock.RUnlock()

	if prefer == nil {
		if cached, ok := db.matchCache.Get(hostmask); ok && cached.gen == db.generation {
			if !cached.ok {
				return nil, false
			}
			if rec, ok := db.byLID[cached.lid]; ok {
				return rec, true
			}
		}
	}

	var best *Record
	bestScore := -1
	var preferScore = -1

	for _, r := range db.byLID {
		if r.LID == MeLID {
			continue
		}
		sc := db.MatchClient(r, hostmask)
		if sc < 0 {
			continue
		}
		if r == prefer {
			preferScore = sc
		}
		// db.byLID is a Go map, so iteration order is randomized; break
		// ties among equal-scoring candidates by lowest LID so the result
		// is deterministic across calls.
		if sc > bestScore || (sc == bestScore && (best == nil || r.LID < best.LID)) {
			best = r
			bestScore = sc
		}
	}

	if prefer != nil && preferScore == bestScore && preferScore >= 0 {
		best = prefer
	}

	if best == nil {
		if prefer == nil {
			db.matchCache.Add(hostmask, matchCacheEntry{gen: db.generation, ok: false})
		}
		return nil, false
	}

	if prefer == nil {
		db.matchCache.Add(hostmask, matchCacheEntry{gen: db.generation, lid: best.LID, ok: true})
	}
	return best, true
}
