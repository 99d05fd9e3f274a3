// Persistence for the Listfile text format: one line
// per record, '+' continuations for host-masks, a leading-space
// continuation for service sub-records and extension fields, standalone
// "alias" directives (resolved through a forward-reference "ahead" list
// the way core/list.c's load pass does), a "#FEU: " signature first
// line, and the ":::::::::" sentinel as the last line.
package listfile

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	signatureLine = "#FEU: foxeye-sub001 listfile"
	sentinelLine  = ":::::::::"
)

func escapeLeader(s string) string {
	if strings.HasPrefix(s, "#") || strings.HasPrefix(s, "+") || strings.HasPrefix(s, `\`) {
		return `\` + s
	}
	return s
}

func unescapeLeader(s string) string {
	if strings.HasPrefix(s, `\`) && len(s) > 1 {
		switch s[1] {
		case '#', '+', '\\':
			return s[1:]
		}
	}
	return s
}

func unixOf(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOf(u int64) time.Time {
	if u == 0 {
		return time.Time{}
	}
	return time.Unix(u, 0)
}

// Save writes the database to its configured path using a
// rename-to-backup, write-new, sentinel-terminate protocol. On any
// write error the backup is restored.
func (db *DB) Save() error {
	if db.path == "" {
		return fmt.Errorf("listfile: no path configured")
	}

	backup := db.path + "~"
	hadOriginal := false
	if _, err := os.Stat(db.path); err == nil {
		hadOriginal = true
		if err := os.Rename(db.path, backup); err != nil {
			return fmt.Errorf("listfile: backup rename: %w", err)
		}
	}

	if err := db.writeFile(db.path); err != nil {
		if hadOriginal {
			os.Rename(backup, db.path)
		}
		return err
	}

	db.dirty = false
	db.dirtyAt = time.Time{}
	return nil
}

func (db *DB) writeFile(path string) (err error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		return fmt.Errorf("listfile: create: %w", err)
	}
	defer func() {
		cerr := f.Close()
		if err == nil {
			err = cerr
		}
	}()

	w := bufio.NewWriter(f)
	fmt.Fprintln(w, signatureLine)

	if cycErr := db.checkAliasCycles(); cycErr != nil {
		return cycErr
	}

	db.ufLock.RLock()
	defer db.ufLock.RUnlock()

	var aliasesByOwner = map[LID][]string{}
	db.lnameIndex.ForEach(func(_ string, v any) bool {
		rec := v.(*Record)
		if rec.IsAlias {
			aliasesByOwner[rec.OwnerLID] = append(aliasesByOwner[rec.OwnerLID], rec.Lname)
		}
		return true
	})

	for _, rec := range db.byLID {
		rec.mu.Lock()
		db.writeRecord(w, rec, aliasesByOwner[rec.LID])
		rec.mu.Unlock()
	}

	fmt.Fprintln(w, sentinelLine)
	return w.Flush()
}

func (db *DB) writeRecord(w *bufio.Writer, rec *Record, aliases []string) {
	fmt.Fprintf(w, "%s:%s:%d:%d:%s:%s:%s:%s:%d\n",
		escapeLeader(rec.Lname), rec.Passwd, rec.LID, rec.Flags,
		rec.Info, rec.Charset, rec.Login, rec.Logout, unixOf(rec.Created))

	for _, m := range rec.Hosts {
		fmt.Fprintf(w, "+%s\n", m)
	}
	for _, s := range rec.Services {
		fmt.Fprintf(w, " svc %d:%d:%s:%d\n", s.ServiceLID, s.Flags, s.Greeting, unixOf(s.Expire))
	}
	for name, fv := range rec.Fields {
		fmt.Fprintf(w, " field %s %s %d\n", name, fv.Value, unixOf(fv.Expire))
	}
	if len(aliases) > 0 {
		fmt.Fprintf(w, "alias %s %s\n", rec.Lname, strings.Join(aliases, " "))
	}
}

// checkAliasCycles rejects alias chains with a cycle at save time.
func (db *DB) checkAliasCycles() error {
	db.ufLock.RLock()
	defer db.ufLock.RUnlock()

	var err error
	db.lnameIndex.ForEach(func(_ string, v any) bool {
		rec := v.(*Record)
		if !rec.IsAlias {
			return true
		}
		seen := map[LID]bool{rec.LID: true}
		cur := rec.OwnerLID
		for i := 0; i < len(db.byLID)+1; i++ {
			owner, ok := db.byLID[cur]
			if !ok || !owner.IsAlias {
				return true
			}
			if seen[owner.LID] {
				err = fmt.Errorf("listfile: alias cycle detected at %q", rec.Lname)
				return false
			}
			seen[owner.LID] = true
			cur = owner.OwnerLID
		}
		err = fmt.Errorf("listfile: alias chain too long for %q", rec.Lname)
		return false
	})
	return err
}

type pendingAlias struct {
	name      string
	ownerName string
}

// Load reads path into the database. merge selects update/merge mode,
// in which records flagged Unshared|Special are kept intact rather
// than overwritten.
func (db *DB) Load(path string, merge bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("listfile: read: %w", err)
	}

	if !strings.HasSuffix(string(data), "\n"+sentinelLine+"\n") {
		return fmt.Errorf("listfile: corrupted file (missing sentinel)")
	}

	lines := strings.Split(string(data), "\n")

	var current *Record
	var pending []pendingAlias
	seenThisLoad := map[LID]bool{}

	if merge {
		db.ufLock.Lock()
		for _, rec := range db.byLID {
			rec.mu.Lock()
			rec.Progress = false
			rec.mu.Unlock()
		}
		db.ufLock.Unlock()
	}

	for i, raw := range lines {
		line := raw
		if line == "" || line == sentinelLine {
			continue
		}
		if i == 0 {
			if !strings.HasPrefix(line, "#FEU: ") {
				return fmt.Errorf("listfile: missing #FEU signature")
			}
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}

		switch {
		case strings.HasPrefix(line, "+"):
			if current == nil {
				continue
			}
			current.mu.Lock()
			db.AddMask(current, line[1:])
			current.mu.Unlock()

		case strings.HasPrefix(line, " svc "):
			if current == nil {
				continue
			}
			parseSvcLine(current, line[len(" svc "):])

		case strings.HasPrefix(line, " field "):
			if current == nil {
				continue
			}
			parseFieldLine(db, current, line[len(" field "):])

		case strings.HasPrefix(line, "alias "):
			fields := strings.Fields(line[len("alias "):])
			if len(fields) < 2 {
				continue
			}
			owner := fields[0]
			for _, aliasName := range fields[1:] {
				if err := db.resolveOrDeferAlias(aliasName, owner, &pending); err != nil {
					return err
				}
			}

		default:
			line = unescapeLeader(line)
			rec, err := db.parseRecordLine(line, merge, seenThisLoad)
			if err != nil {
				return err
			}
			current = rec
		}
	}

	if err := db.resolvePendingAliases(pending); err != nil {
		return err
	}

	if merge {
		db.purgeNotSeen(seenThisLoad)
	}
	return nil
}

// purgeNotSeen removes, after a merge load, every record not mentioned
// in that pass, except those flagged Unshared|Special, which are kept
// intact regardless of whether they were seen.
func (db *DB) purgeNotSeen(seen map[LID]bool) {
	db.ufLock.Lock()
	var toDelete []LID
	for id, rec := range db.byLID {
		if id == MeLID || seen[id] {
			continue
		}
		rec.mu.Lock()
		keep := rec.Flags.Has(Unshared) && rec.Flags.Has(Special)
		rec.mu.Unlock()
		if !keep {
			toDelete = append(toDelete, id)
		}
	}
	for _, id := range toDelete {
		delete(db.byLID, id)
		db.lidAlloc.release(id)
	}
	db.ufLock.Unlock()

	if len(toDelete) == 0 {
		return
	}
	// drop the now-dangling Lname index entries for deleted records.
	var deadKeys []string
	db.lnameIndex.ForEach(func(k string, v any) bool {
		rec := v.(*Record)
		for _, id := range toDelete {
			if rec.LID == id {
				deadKeys = append(deadKeys, k)
			}
		}
		return true
	})
	for _, k := range deadKeys {
		if v, ok := db.lnameIndex.Find(k); ok {
			db.lnameIndex.Delete(k, v)
		}
	}
}

func (db *DB) parseRecordLine(line string, merge bool, seen map[LID]bool) (*Record, error) {
	parts := strings.SplitN(line, ":", 9)
	if len(parts) != 9 {
		return nil, fmt.Errorf("listfile: malformed record line %q", line)
	}

	lname := parts[0]
	lid64, err := strconv.ParseInt(parts[2], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("listfile: bad lid in %q: %w", line, err)
	}
	flags64, err := strconv.ParseUint(parts[3], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("listfile: bad flags in %q: %w", line, err)
	}
	created, _ := strconv.ParseInt(parts[8], 10, 64)

	id := LID(lid64)
	seen[id] = true

	db.ufLock.Lock()
	defer db.ufLock.Unlock()

	if existing, ok := db.byLID[id]; ok {
		if merge && existing.Flags.Has(Unshared) && existing.Flags.Has(Special) {
			existing.Progress = true
			return existing, nil
		}
		existing.mu.Lock()
		existing.Passwd = parts[1]
		existing.Flags = Flag(flags64)
		existing.Info = parts[4]
		existing.Charset = parts[5]
		existing.Login = parts[6]
		existing.Logout = parts[7]
		existing.Progress = true
		existing.mu.Unlock()
		return existing, nil
	}

	if err := db.lidAlloc.reserve(id); err != nil {
		return nil, err
	}

	rec := &Record{
		Lname:    lname,
		LID:      id,
		Passwd:   parts[1],
		Flags:    Flag(flags64),
		Info:     parts[4],
		Charset:  parts[5],
		Login:    parts[6],
		Logout:   parts[7],
		Created:  timeOf(created),
		Progress: true,
		Fields:   map[string]*FieldValue{},
	}
	db.byLID[id] = rec
	if lname != "" {
		db.lnameIndex.Insert(foldLname(lname), rec, false)
	}
	return rec, nil
}

func parseSvcLine(rec *Record, rest string) {
	parts := strings.SplitN(rest, ":", 4)
	if len(parts) != 4 {
		return
	}
	lid64, _ := strconv.ParseInt(parts[0], 10, 16)
	flags64, _ := strconv.ParseUint(parts[1], 10, 32)
	expire, _ := strconv.ParseInt(parts[3], 10, 64)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.Services = append(rec.Services, ServiceRecord{
		ServiceLID: LID(lid64),
		Flags:      Flag(flags64),
		Greeting:   parts[2],
		Expire:     timeOf(expire),
	})
}

func parseFieldLine(db *DB, rec *Record, rest string) {
	// name is the first token and expiry the last; the value between them
	// may itself contain spaces (e.g. the "events" name list).
	first := strings.IndexByte(rest, ' ')
	last := strings.LastIndexByte(rest, ' ')
	if first < 0 || last <= first {
		return
	}
	name, value := rest[:first], rest[first+1:last]
	expire, _ := strconv.ParseInt(rest[last+1:], 10, 64)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	db.SetField(rec, name, value, timeOf(expire))
}

func (db *DB) resolveOrDeferAlias(aliasName, ownerName string, pending *[]pendingAlias) error {
	db.ufLock.Lock()
	ownerAny, ok := db.lnameIndex.Find(foldLname(ownerName))
	db.ufLock.Unlock()

	if !ok {
		*pending = append(*pending, pendingAlias{name: aliasName, ownerName: ownerName})
		return nil
	}
	owner := ownerAny.(*Record)

	db.ufLock.Lock()
	defer db.ufLock.Unlock()
	if _, exists := db.lnameIndex.Find(foldLname(aliasName)); exists {
		return nil
	}
	alias := &Record{
		Lname:    aliasName,
		LID:      owner.LID,
		IsAlias:  true,
		OwnerLID: owner.LID,
		Flags:    Alias,
		Fields:   map[string]*FieldValue{},
	}
	db.lnameIndex.Insert(foldLname(aliasName), alias, true)
	return nil
}

// resolvePendingAliases resolves forward references collected during
// one load pass: an alias line is allowed to name an owner that
// appears later in the same file. Any alias whose owner is still
// missing at EOF is an error rather than silently dropped.
func (db *DB) resolvePendingAliases(pending []pendingAlias) error {
	for _, p := range pending {
		db.ufLock.Lock()
		_, ok := db.lnameIndex.Find(foldLname(p.ownerName))
		db.ufLock.Unlock()
		if !ok {
			return fmt.Errorf("listfile: alias %q references unknown owner %q", p.name, p.ownerName)
		}
		if err := db.resolveOrDeferAlias(p.name, p.ownerName, &[]pendingAlias{}); err != nil {
			return err
		}
	}
	return nil
}
