package listfile

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MaxFieldID bounds the interned field table.
const MaxFieldID = 1 << 16

// internField returns the id for name, interning it if this is the
// first time it has been seen. Guarded by the shared field-name table
// mutex.
func (db *DB) internField(name string) (int, error) {
	db.fieldsMu.Lock()
	defer db.fieldsMu.Unlock()

	if id, ok := db.fieldNames[name]; ok {
		return id, nil
	}
	if db.nextFieldID >= MaxFieldID {
		return 0, fmt.Errorf("listfile: field table full")
	}
	id := db.nextFieldID
	db.nextFieldID++
	db.fieldNames[name] = id
	db.fieldByID[id] = name
	return id, nil
}

func isReservedField(name string) bool {
	switch name {
	case "passwd", "info", "charset", ".login", ".logout", "alias":
		return true
	}
	return false
}

// resolveServiceLIDByName looks up name (case-insensitively) among r's
// own subscribed services, returning the matching ServiceLID. Callers
// must already hold UFLock, the same contract GetField/SetField/
// GetFlags/SetFlags document.
func (db *DB) resolveServiceLIDByName(r *Record, name string) (LID, bool) {
	for _, s := range r.Services {
		if owner, ok := db.byLID[s.ServiceLID]; ok && foldLname(owner.Lname) == foldLname(name) {
			return s.ServiceLID, true
		}
	}
	return 0, false
}

// GetField returns the value of field on an already-locked record. The
// second return is the field's expiry, zero if none was set. Service
// fields addressed by "@"+LID are handled directly; a plain registered
// service name is resolved via db.GetField instead, which additionally
// accepts that form per the documented field-lookup contract.
func (r *Record) GetField(field string) (string, time.Time, bool) {
	switch field {
	case "passwd":
		return r.Passwd, time.Time{}, r.Passwd != ""
	case "info":
		return r.Info, time.Time{}, r.Info != ""
	case "charset":
		return r.Charset, time.Time{}, r.Charset != ""
	case ".login":
		return r.Login, time.Time{}, r.Login != ""
	case ".logout":
		return r.Logout, time.Time{}, r.Logout != ""
	}

	if strings.HasPrefix(field, "@") {
		if lid, err := strconv.Atoi(field[1:]); err == nil {
			for _, s := range r.Services {
				if int(s.ServiceLID) == lid {
					return s.Greeting, s.Expire, true
				}
			}
		}
		return "", time.Time{}, false
	}

	if fv, ok := r.Fields[field]; ok {
		return fv.Value, fv.Expire, true
	}
	return "", time.Time{}, false
}

// GetField is db's counterpart of Record.GetField: same contract (r must
// already be locked), but a plain registered service name is resolved
// against r's own subscriptions before falling back to r.GetField, so a
// service is reachable both as "@"+LID and by its bare name.
func (db *DB) GetField(r *Record, field string) (string, time.Time, bool) {
	if field != "" && !strings.HasPrefix(field, "@") && !isReservedField(field) {
		if lid, ok := db.resolveServiceLIDByName(r, field); ok {
			for _, s := range r.Services {
				if s.ServiceLID == lid {
					return s.Greeting, s.Expire, true
				}
			}
		}
	}
	return r.GetField(field)
}

// SetField sets field to value with an optional expiry on an
// already-locked record. db is required to intern previously-unseen
// field names.
func (db *DB) SetField(r *Record, field, value string, expiry time.Time) error {
	switch field {
	case "passwd":
		r.Passwd = value
		return nil
	case "info":
		if r.IsAlias {
			return fmt.Errorf("listfile: cannot set info on an alias")
		}
		r.Info = value
		return nil
	case "charset":
		r.Charset = value
		return nil
	case ".login":
		r.Login = value
		return nil
	case ".logout":
		r.Logout = value
		return nil
	case "alias":
		return fmt.Errorf("listfile: alias field is read-only")
	}

	id, err := db.internField(field)
	if err != nil {
		return err
	}
	if r.Fields == nil {
		r.Fields = map[string]*FieldValue{}
	}
	r.Fields[field] = &FieldValue{FieldID: id, Value: value, Expire: expiry}
	db.markDirty()
	return nil
}

// GetFlags returns the flags for service — empty string for the global
// flags, a bare decimal LID, or "@"+LID — 0 if the service is unknown to
// this record. A plain registered service name is resolved via db's
// GetFlags instead, which additionally accepts that form.
func (r *Record) GetFlags(service string) Flag {
	if service == "" {
		return r.Flags
	}
	service = strings.TrimPrefix(service, "@")
	for _, s := range r.Services {
		if strconv.Itoa(int(s.ServiceLID)) == service {
			return s.Flags
		}
	}
	return 0
}

// SetFlags sets the flags for service (empty string for the global
// flags), creating a service sub-record if one does not already exist
// and serviceLID is non-zero.
func (r *Record) SetFlags(service string, serviceLID LID, flags Flag) {
	if service == "" {
		r.Flags = flags
		return
	}
	service = strings.TrimPrefix(service, "@")
	for i, s := range r.Services {
		if strconv.Itoa(int(s.ServiceLID)) == service {
			r.Services[i].Flags = flags
			return
		}
	}
	if serviceLID != 0 {
		r.Services = append(r.Services, ServiceRecord{ServiceLID: serviceLID, Flags: flags})
	}
}

// GetFlags is db's counterpart of Record.GetFlags: same contract (r must
// already be locked), but service may also be a plain registered service
// name, resolved against r's own subscriptions before falling back to
// r.GetFlags's "@"+LID/bare-LID handling.
func (db *DB) GetFlags(r *Record, service string) Flag {
	if service == "" {
		return r.Flags
	}
	if lid, ok := db.resolveServiceLIDByName(r, service); ok {
		return r.GetFlags(strconv.Itoa(int(lid)))
	}
	return r.GetFlags(service)
}

// SetFlags is db's counterpart of Record.SetFlags: same contract, but
// service may also be a plain registered service name. If it already
// matches one of r's subscriptions, that subscription's flags are
// updated in place; otherwise service is handled as Record.SetFlags
// would (an "@"+LID/bare-LID selector, using serviceLID to create a new
// subscription when none matches).
func (db *DB) SetFlags(r *Record, service string, serviceLID LID, flags Flag) {
	if service == "" {
		r.SetFlags("", serviceLID, flags)
		return
	}
	if lid, ok := db.resolveServiceLIDByName(r, service); ok {
		r.SetFlags(strconv.Itoa(int(lid)), lid, flags)
		return
	}
	r.SetFlags(service, serviceLID, flags)
}
