package listfile

import (
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// LID is the signed 16-bit principal id: zero is reserved for "me",
// positive ids name regular principals, negative ids name anonymous
// ban/invite/except entries.
type LID int16

const (
	// MeLID is the reserved LID of the "me" record (Lname == "").
	MeLID LID = 0
	maxLID LID = 1<<15 - 1
	minLID LID = -(1 << 15)
)

// lidAllocator guarantees LID uniqueness with a bitmap, the way
// bits-and-blooms/bitset is used elsewhere in the retrieved corpus for
// compact membership sets (nabbar-golib). Positive and negative ranges
// are tracked in two independent bitmaps since bitset.BitSet only
// indexes non-negative positions.
type lidAllocator struct {
	mu       sync.Mutex
	pos      *bitset.BitSet // index i => LID i+1 in use
	neg      *bitset.BitSet // index i => LID -(i+1) in use
	nextPos  uint
	nextNeg  uint
}

func newLIDAllocator() *lidAllocator {
	return &lidAllocator{
		pos: bitset.New(uint(maxLID)),
		neg: bitset.New(uint(-minLID)),
	}
}

// allocPositive returns the next unused positive LID, searching upward
// from the slot after the last one it handed out and wrapping back to
// LID 1; a released LID is reused only once the search has wrapped.
func (a *lidAllocator) allocPositive() (LID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := a.nextPos; i < uint(maxLID); i++ {
		if !a.pos.Test(i) {
			a.pos.Set(i)
			a.nextPos = i + 1
			return LID(i + 1), nil
		}
	}
	for i := uint(0); i < a.nextPos; i++ {
		if !a.pos.Test(i) {
			a.pos.Set(i)
			return LID(i + 1), nil
		}
	}
	return 0, fmt.Errorf("listfile: LID space exhausted")
}

// allocNegative does the same over -1, -2, ... for anonymous records:
// the next unused negative LID past its cursor, wrapping back to -1.
func (a *lidAllocator) allocNegative() (LID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := a.nextNeg; i < uint(-minLID); i++ {
		if !a.neg.Test(i) {
			a.neg.Set(i)
			a.nextNeg = i + 1
			return LID(-int(i+1)), nil
		}
	}
	for i := uint(0); i < a.nextNeg; i++ {
		if !a.neg.Test(i) {
			a.neg.Set(i)
			return LID(-int(i + 1)), nil
		}
	}
	return 0, fmt.Errorf("listfile: anonymous LID space exhausted")
}

// reserve marks an explicit LID (loaded from disk) as in-use.
func (a *lidAllocator) reserve(id LID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case id > 0:
		i := uint(id - 1)
		if a.pos.Test(i) {
			return fmt.Errorf("listfile: LID %d already reserved", id)
		}
		a.pos.Set(i)
	case id < 0:
		i := uint(-id - 1)
		if a.neg.Test(i) {
			return fmt.Errorf("listfile: LID %d already reserved", id)
		}
		a.neg.Set(i)
	}
	return nil
}

// release frees a previously allocated LID so it may be reused.
func (a *lidAllocator) release(id LID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case id > 0:
		a.pos.Clear(uint(id - 1))
	case id < 0:
		a.neg.Clear(uint(-id - 1))
	}
}
