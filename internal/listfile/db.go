// Package listfile implements the client database: a concurrent,
// in-memory map of named principals with a persistent on-disk text
// representation, queried under a reader-writer lock with per-record
// mutexes, grounded on ron.Server's client registry (ron/server.go: a
// clientLock-guarded map plus deep-copy getters) and generalized to a
// richer principal data model.
package listfile

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/LStranger/foxeye-sub001/internal/ptree"
)

// Recorder receives loggable events produced by Listfile mutations,
// written synchronously as they happen. from/to are raw LID values
// widened to int16 so internal/wtmp.Log can implement this interface
// without importing this package. internal/wtmp.Log implements this
// interface; it is injected rather than imported directly.
type Recorder interface {
	RecordEvent(kind int16, from, to int16, count int16) error
}

const (
	// MaxLname bounds Lname length.
	MaxLname = 64
	// matchCacheSize bounds the Match_Client memoization cache.
	matchCacheSize = 4096
)

// DB is the Listfile client database. The zero value is not usable; use
// New.
type DB struct {
	ufLock sync.RWMutex // guards byLID, lnameIndex, Record.Progress/OwnerLID
	hLock  sync.RWMutex // guards Record.Hosts across every record

	fieldsMu    sync.Mutex
	fieldNames  map[string]int
	fieldByID   map[int]string
	nextFieldID int

	byLID      map[LID]*Record
	lnameIndex *ptree.Tree // Lname (case-folded) -> head *Record of chain
	lidAlloc   *lidAllocator

	matchCache *lru.Cache[string, matchCacheEntry]
	generation uint64

	path    string
	dirty   bool
	dirtyAt time.Time

	recorder Recorder
}

// New returns an empty Listfile database backed by path on disk.
func New(path string) *DB {
	cache, _ := lru.New[string, matchCacheEntry](matchCacheSize)

	db := &DB{
		fieldNames: map[string]int{},
		fieldByID:  map[int]string{},
		byLID:      map[LID]*Record{},
		lnameIndex: ptree.New(ptree.DefaultFanout),
		lidAlloc:   newLIDAllocator(),
		matchCache: cache,
		path:       path,
	}

	// reserve LID 0 for "me"
	db.byLID[MeLID] = &Record{LID: MeLID, Created: time.Now(), Fields: map[string]*FieldValue{}}

	return db
}

// SetRecorder wires the Wtmp log that mutations are journaled to.
func (db *DB) SetRecorder(r Recorder) { db.recorder = r }

func (db *DB) markDirty() {
	db.dirty = true
	db.dirtyAt = time.Now()
	db.generation++
}

// Dirty reports whether the database has unsaved mutations, consulted by
// the scheduler's periodic save tick.
func (db *DB) Dirty() bool { return db.dirty }

// DirtySince reports when the database was last mutated without being
// saved; the zero time if it is not currently dirty.
func (db *DB) DirtySince() time.Time { return db.dirtyAt }

func foldLname(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		if r >= 'A' && r <= 'Z' {
			r = r - 'A' + 'a'
		}
		out = append(out, r)
	}
	return string(out)
}

func validLname(name string) bool {
	return len(name) > 0 && len(name) <= MaxLname
}

// AddClientRecord adds a new principal with the given Lname, an initial
// host-mask (may be empty for a record populated later), and flags.
func (db *DB) AddClientRecord(name, mask string, flags Flag) (*Record, error) {
	if name != "" && !validLname(name) {
		return nil, fmt.Errorf("listfile: invalid Lname %q", name)
	}

	db.ufLock.Lock()
	defer db.ufLock.Unlock()

	key := foldLname(name)
	if name != "" {
		if _, ok := db.lnameIndex.Find(key); ok {
			return nil, fmt.Errorf("listfile: Lname %q already exists", name)
		}
	}

	var id LID
	var err error
	if name == "" {
		id, err = db.lidAlloc.allocNegative()
	} else {
		id, err = db.lidAlloc.allocPositive()
	}
	if err != nil {
		return nil, err
	}

	rec := &Record{
		Lname:   name,
		LID:     id,
		Flags:   flags,
		Created: time.Now(),
		Fields:  map[string]*FieldValue{},
	}
	if mask != "" {
		rec.Hosts = []string{foldLname(mask)}
	}

	db.byLID[id] = rec
	if name != "" {
		db.lnameIndex.Insert(key, rec, true)
	}
	db.markDirty()

	if db.recorder != nil {
		db.recorder.RecordEvent(evStart, 0, int16(id), 0)
	}

	return rec, nil
}

// AddAlias registers name as an alias of ownerName, sharing the
// owner's LID.
func (db *DB) AddAlias(name, ownerName string) (*Record, error) {
	if !validLname(name) {
		return nil, fmt.Errorf("listfile: invalid alias name %q", name)
	}

	db.ufLock.Lock()
	defer db.ufLock.Unlock()

	ownerKey := foldLname(ownerName)
	ownerAny, ok := db.lnameIndex.Find(ownerKey)
	if !ok {
		return nil, fmt.Errorf("listfile: unknown owner %q", ownerName)
	}
	owner := ownerAny.(*Record)

	key := foldLname(name)
	if _, ok := db.lnameIndex.Find(key); ok {
		return nil, fmt.Errorf("listfile: Lname %q already exists", name)
	}

	alias := &Record{
		Lname:    name,
		LID:      owner.LID,
		IsAlias:  true,
		OwnerLID: owner.LID,
		Flags:    Alias,
		Created:  time.Now(),
		Fields:   map[string]*FieldValue{},
	}

	db.lnameIndex.Insert(key, alias, true)
	db.markDirty()

	return alias, nil
}

// DeleteClientRecord removes a principal and all of its aliases.
// Deleting an unknown name is a silent no-op.
func (db *DB) DeleteClientRecord(name string) {
	db.ufLock.Lock()
	defer db.ufLock.Unlock()

	key := foldLname(name)
	recAny, ok := db.lnameIndex.Find(key)
	if !ok {
		return
	}
	rec := recAny.(*Record)

	if !rec.IsAlias {
		// remove every alias pointing at this owner first (I1).
		var aliasKeys []string
		db.lnameIndex.ForEach(func(k string, v any) bool {
			if other := v.(*Record); other.IsAlias && other.OwnerLID == rec.LID {
				aliasKeys = append(aliasKeys, k)
			}
			return true
		})
		for _, k := range aliasKeys {
			if aliasAny, ok := db.lnameIndex.Find(k); ok {
				db.lnameIndex.Delete(k, aliasAny)
			}
		}
		delete(db.byLID, rec.LID)
		db.lidAlloc.release(rec.LID)
		if db.recorder != nil {
			db.recorder.RecordEvent(evDel, 0, int16(rec.LID), 0)
		}
	}

	db.lnameIndex.Delete(key, rec)
	db.markDirty()
}

// ChangeLname renames old to new. Records flagged Special may not be
// renamed.
func (db *DB) ChangeLname(newName, oldName string) error {
	if !validLname(newName) {
		return fmt.Errorf("listfile: invalid Lname %q", newName)
	}

	db.ufLock.Lock()
	defer db.ufLock.Unlock()

	oldKey := foldLname(oldName)
	recAny, ok := db.lnameIndex.Find(oldKey)
	if !ok {
		return fmt.Errorf("listfile: unknown Lname %q", oldName)
	}
	rec := recAny.(*Record)
	if rec.Flags.Has(Special) {
		return fmt.Errorf("listfile: %q is a special record and cannot be renamed", oldName)
	}

	newKey := foldLname(newName)
	if _, exists := db.lnameIndex.Find(newKey); exists {
		return fmt.Errorf("listfile: Lname %q already exists", newName)
	}

	db.lnameIndex.Delete(oldKey, rec)
	rec.mu.Lock()
	rec.Lname = newName
	rec.mu.Unlock()
	db.lnameIndex.Insert(newKey, rec, true)
	db.markDirty()

	if db.recorder != nil {
		db.recorder.RecordEvent(evChg, int16(rec.LID), int16(rec.LID), 0)
	}

	return nil
}

// Handle is a locked view of a Record returned by LockClientRecord /
// LockClientRecordByLID. Callers must call Unlock when finished.
type Handle struct {
	db  *DB
	rec *Record
}

// Record returns the locked record.
func (h *Handle) Record() *Record { return h.rec }

// Unlock releases the record's per-record mutex (and, transitively, the
// UFLock read hold taken to find it).
func (h *Handle) Unlock() {
	h.rec.Unlock()
	h.db.ufLock.RUnlock()
}

// LockClientRecord finds a principal by Lname and returns it locked.
func (db *DB) LockClientRecord(name string) (*Handle, error) {
	db.ufLock.RLock()

	recAny, ok := db.lnameIndex.Find(foldLname(name))
	if !ok {
		db.ufLock.RUnlock()
		return nil, fmt.Errorf("listfile: unknown Lname %q", name)
	}
	rec := recAny.(*Record)
	if rec.IsAlias {
		if owner, ok := db.byLID[rec.OwnerLID]; ok {
			rec = owner
		}
	}
	rec.Lock()

	return &Handle{db: db, rec: rec}, nil
}

// LockClientRecordByLID finds a principal by LID and returns it locked.
func (db *DB) LockClientRecordByLID(id LID) (*Handle, error) {
	db.ufLock.RLock()

	rec, ok := db.byLID[id]
	if !ok {
		db.ufLock.RUnlock()
		return nil, fmt.Errorf("listfile: unknown LID %d", id)
	}
	rec.Lock()

	return &Handle{db: db, rec: rec}, nil
}

// FindByLID looks up a principal by LID, holding UFLock for reading only
// during the lookup; the returned record is not locked.
func (db *DB) FindByLID(id LID) (*Record, bool) {
	db.ufLock.RLock()
	defer db.ufLock.RUnlock()

	rec, ok := db.byLID[id]
	return rec, ok
}

// Snapshot returns a deep copy of every record, for reporting and for
// Save.
func (db *DB) Snapshot() []*Record {
	db.ufLock.RLock()
	defer db.ufLock.RUnlock()

	out := make([]*Record, 0, len(db.byLID))
	for _, r := range db.byLID {
		r.Lock()
		out = append(out, r.clone())
		r.Unlock()
	}
	return out
}

// Report returns a one-line status string for S_REPORT / diagnostics
// consumers: record count and whether unsaved mutations are pending.
func (db *DB) Report() string {
	db.ufLock.RLock()
	n := len(db.byLID)
	db.ufLock.RUnlock()
	if db.Dirty() {
		return fmt.Sprintf("%d records, unsaved changes since %s", n, db.dirtyAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("%d records, saved", n)
}
