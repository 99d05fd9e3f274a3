package listfile

import (
	"sync"
	"time"
)

// ServiceRecord is a per-service overlay: flags, an optional greeting,
// an expiry, and a back-reference to the service's own LID (services
// are themselves client records).
type ServiceRecord struct {
	ServiceLID LID
	Flags      Flag
	Greeting   string
	Expire     time.Time
}

// FieldValue is an interned extension field: an arbitrary name maps to
// an interned (field-id, value) slot.
type FieldValue struct {
	FieldID int
	Value   string
	Expire  time.Time
}

// Record is one principal. All cross-references (owner, service LIDs)
// are LID indices rather than pointers: the single authoritative arena
// is DB.byLID, and every reference is validated through it on
// dereference instead of carrying a raw pointer.
type Record struct {
	mu sync.Mutex

	Lname string
	LID   LID
	Flags Flag

	Hosts []string // case-folded host-masks, owned by DB.hLock

	Passwd  string
	Info    string // absent/ignored for aliases
	Charset string
	Login   string
	Logout  string

	Services []ServiceRecord
	Fields   map[string]*FieldValue

	Created time.Time

	// Progress is set when a Load pass parses this record's line and is
	// cleared on every record at the start of a merge load; the merge
	// purge itself tracks seen records by LID, not through this flag.
	Progress bool

	// IsAlias and OwnerLID: alias records share the owner's LID and
	// resolve transparently for host/field queries.
	IsAlias  bool
	OwnerLID LID

	// prevSameLname is not set by any code path: the Lname index keeps
	// one record per name, and no chain of same-Lname records is built.
	prevSameLname *Record
}

// Lock acquires the record's per-record mutex. Callers normally reach a
// Record only via DB.LockClientRecord/LockClientRecordByLID, which
// acquire UFLock first, per the package's documented lock order.
func (r *Record) Lock() { r.mu.Lock() }

// Unlock releases the record's per-record mutex.
func (r *Record) Unlock() { r.mu.Unlock() }

// clone returns a deep copy suitable for handing to a caller without
// retaining shared mutable state, the pattern ron.Server's
// GetActiveClients uses for its client map.
func (r *Record) clone() *Record {
	c := &Record{
		Lname:    r.Lname,
		LID:      r.LID,
		Flags:    r.Flags,
		Passwd:   r.Passwd,
		Info:     r.Info,
		Charset:  r.Charset,
		Login:    r.Login,
		Logout:   r.Logout,
		Created:  r.Created,
		Progress: r.Progress,
		IsAlias:  r.IsAlias,
		OwnerLID: r.OwnerLID,
	}
	c.Hosts = append([]string{}, r.Hosts...)
	c.Services = append([]ServiceRecord{}, r.Services...)
	c.Fields = make(map[string]*FieldValue, len(r.Fields))
	for k, v := range r.Fields {
		cp := *v
		c.Fields[k] = &cp
	}
	return c
}
