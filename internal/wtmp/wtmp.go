// Package wtmp implements an append-only, 12-byte-record audit log: one
// record per event, monthly rotation into Wtmp.1..Wtmp.N archives plus
// a single compacted "gone" file.
//
// It is grounded on ron's file/heartbeat idiom (ron/file.go's
// open-append-close-per-call discipline, ron/heartbeat.go's periodic
// background loop) generalized from ron's gob-encoded transfer records
// to a fixed 12-byte binary layout.
package wtmp

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Reserved system event codes.
const (
	End   int16 = 0
	Start int16 = 1
	Down  int16 = 2
	Chg   int16 = 3
	Del   int16 = 4

	// FirstUserEvent is the first code allocated to a user-defined event
	// name (core/wtmp.h's W_USER).
	FirstUserEvent int16 = 5

	// Any matches every event kind in FindEvent (core/wtmp.h's W_ANY).
	Any int16 = -1
)

const recordSize = 12

// DefaultArchives is the default rotation depth.
const DefaultArchives = 4

// windowRecords bounds the backward-scan window used by FindEvent.
const windowRecords = 64

// trackLimit bounds the CHG-following tracked-LID set.
const trackLimit = 8

// Event is one decoded Wtmp record.
type Event struct {
	UID   LID // target LID
	FUID  LID // source ("from") LID
	Count int16
	Kind  int16
	Time  time.Time
}

// LID matches internal/listfile.LID's underlying representation without
// importing that package: Wtmp is a lower-level collaborator that
// Listfile writes to, not the reverse.
type LID int16

// Log is one principal's (or the whole daemon's) Wtmp event log.
type Log struct {
	mu sync.Mutex

	dir       string // directory holding Wtmp, Wtmp.1..Wtmp.N, Wtmp.gone
	archives  int
	eventMu   sync.Mutex
	eventByID map[string]int16
	eventName map[int16]string
	nextCode  int16
}

// New returns a Log rooted at dir, creating it if necessary.
func New(dir string, archives int) (*Log, error) {
	if archives <= 0 {
		archives = DefaultArchives
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("wtmp: mkdir: %w", err)
	}
	return &Log{
		dir:       dir,
		archives:  archives,
		eventByID: map[string]int16{},
		eventName: map[int16]string{},
		nextCode:  FirstUserEvent,
	}, nil
}

// Report returns a one-line status string for S_REPORT / diagnostics
// consumers: the archive depth and the number of allocated user event
// codes.
func (l *Log) Report() string {
	l.eventMu.Lock()
	n := len(l.eventByID)
	l.eventMu.Unlock()
	return fmt.Sprintf("%s: %d archives, %d user event codes", l.dir, l.archives, n)
}

func (l *Log) livePath() string        { return filepath.Join(l.dir, "Wtmp") }
func (l *Log) archivePath(i int) string { return filepath.Join(l.dir, fmt.Sprintf("Wtmp.%d", i)) }
func (l *Log) gonePath() string        { return filepath.Join(l.dir, "Wtmp.gone") }

// EventCode allocates (or returns the existing) numeric code for a
// user-defined event name, in order of first appearance, persisted by
// the caller as the "events" field on the "me" record.
func (l *Log) EventCode(name string) int16 {
	l.eventMu.Lock()
	defer l.eventMu.Unlock()

	if code, ok := l.eventByID[name]; ok {
		return code
	}
	code := l.nextCode
	l.nextCode++
	l.eventByID[name] = code
	l.eventName[code] = name
	return code
}

// LoadEventNames restores the user-event name table from a previously
// persisted space-separated list (the "events" field), in order, so
// codes are reallocated identically across restarts.
func (l *Log) LoadEventNames(serialized string) {
	l.eventMu.Lock()
	defer l.eventMu.Unlock()

	l.eventByID = map[string]int16{}
	l.eventName = map[int16]string{}
	l.nextCode = FirstUserEvent
	for _, name := range strings.Fields(serialized) {
		code := l.nextCode
		l.nextCode++
		l.eventByID[name] = code
		l.eventName[code] = name
	}
}

// EventNames serializes the user-event name table in allocation order.
func (l *Log) EventNames() string {
	l.eventMu.Lock()
	defer l.eventMu.Unlock()

	names := make([]string, 0, len(l.eventByID))
	for name := range l.eventByID {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return l.eventByID[names[i]] < l.eventByID[names[j]] })
	return strings.Join(names, " ")
}

func encode(e Event) [recordSize]byte {
	var buf [recordSize]byte
	binary.BigEndian.PutUint16(buf[0:2], uint16(e.UID))
	binary.BigEndian.PutUint16(buf[2:4], uint16(e.FUID))
	binary.BigEndian.PutUint16(buf[4:6], uint16(e.Count))
	binary.BigEndian.PutUint16(buf[6:8], uint16(e.Kind))
	binary.BigEndian.PutUint32(buf[8:12], uint32(e.Time.Unix()))
	return buf
}

func decode(buf []byte) Event {
	return Event{
		UID:   LID(int16(binary.BigEndian.Uint16(buf[0:2]))),
		FUID:  LID(int16(binary.BigEndian.Uint16(buf[2:4]))),
		Count: int16(binary.BigEndian.Uint16(buf[4:6])),
		Kind:  int16(binary.BigEndian.Uint16(buf[6:8])),
		Time:  time.Unix(int64(binary.BigEndian.Uint32(buf[8:12])), 0),
	}
}

// RecordEvent implements internal/listfile.Recorder, so Listfile
// mutations feed straight into the log.
func (l *Log) RecordEvent(kind int16, from, to int16, count int16) error {
	return l.NewEvent(kind, LID(from), LID(to), count)
}

// NewEvent appends a single event record, opening the live file with
// O_APPEND|O_CREATE for the call; no handle is kept open across calls
// or shared across goroutines.
func (l *Log) NewEvent(kind int16, from, to LID, count int16) error {
	return l.NewEvents([]Event{{UID: to, FUID: from, Count: count, Kind: kind, Time: time.Now()}})
}

// NewEvents writes a batch of events with a single open.
func (l *Log) NewEvents(events []Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.livePath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("wtmp: open: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, e := range events {
		buf := encode(e)
		if _, err := w.Write(buf[:]); err != nil {
			return fmt.Errorf("wtmp: write: %w", err)
		}
	}
	return w.Flush()
}

// readAll decodes every record in a file, oldest first. Missing files
// decode as empty, not an error.
func readAll(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var events []Event
	for off := 0; off+recordSize <= len(data); off += recordSize {
		events = append(events, decode(data[off:off+recordSize]))
	}
	return events, nil
}

// FindEvent scans the live file, up to l.archives rotation archives, and
// the compacted gone file (in that most-recent-first order), reading
// backwards in windowRecords-sized windows, for up to limit events
// matching kind (or Any) whose target LID is sourceLID or one renamed
// into it via a tracked CHG chain, at or after earliest.
//
// FindEvent takes a LID rather than an Lname: wtmp has no Listfile
// dependency, so resolving an Lname to its LID is left to the caller.
func (l *Log) FindEvent(kind int16, sourceLID LID, earliest time.Time, limit int) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tracked := map[LID]bool{sourceLID: true}

	var out []Event
	paths := []string{l.livePath()}
	for i := 1; i <= l.archives; i++ {
		paths = append(paths, l.archivePath(i))
	}
	paths = append(paths, l.gonePath())

	for _, p := range paths {
		events, err := readAll(p)
		if err != nil {
			return out, fmt.Errorf("wtmp: read %s: %w", p, err)
		}

		// scan backwards in windows, following CHG chains as we go.
		for start := len(events); start > 0; start -= windowRecords {
			lo := start - windowRecords
			if lo < 0 {
				lo = 0
			}
			for i := start - 1; i >= lo; i-- {
				e := events[i]
				if e.Time.Before(earliest) {
					continue
				}
				if e.Kind == Chg && tracked[e.UID] {
					if len(tracked) < trackLimit {
						tracked[e.FUID] = true
					}
				}
				if e.Kind == Del && tracked[e.UID] {
					delete(tracked, e.UID)
				}
				if !tracked[e.UID] {
					continue
				}
				if kind != Any && e.Kind != kind {
					continue
				}
				out = append(out, e)
				if len(out) >= limit && limit > 0 {
					return out, nil
				}
			}
		}
	}

	return out, nil
}

// RotateWtmp runs the monthly rotation: rebuilds the gone file to keep
// only (LID, kind) pairs that still appear in an archive, demotes
// Wtmp.i -> Wtmp.(i+1) dropping the oldest, and renames the live file
// to Wtmp.1. A failing step returns its error and stops the rotation;
// steps already completed (including the rewritten gone file) are not
// undone.
func (l *Log) RotateWtmp() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.rebuildGone(); err != nil {
		return fmt.Errorf("wtmp: rebuild gone file: %w", err)
	}

	oldest := l.archivePath(l.archives)
	if _, err := os.Stat(oldest); err == nil {
		if err := os.Remove(oldest); err != nil {
			return fmt.Errorf("wtmp: remove oldest archive: %w", err)
		}
	}
	for i := l.archives - 1; i >= 1; i-- {
		from := l.archivePath(i)
		to := l.archivePath(i + 1)
		if _, err := os.Stat(from); err == nil {
			if err := os.Rename(from, to); err != nil {
				return fmt.Errorf("wtmp: demote archive %d: %w", i, err)
			}
		}
	}

	if _, err := os.Stat(l.livePath()); err == nil {
		if err := os.Rename(l.livePath(), l.archivePath(1)); err != nil {
			return fmt.Errorf("wtmp: rotate live file: %w", err)
		}
	}
	return nil
}

type lidKind struct {
	lid  LID
	kind int16
}

// rebuildGone keeps only the (LID,kind) pairs from the existing gone
// file that still appear in one of the archives about to be demoted,
// which is how their "last seen" timestamp would otherwise be lost.
func (l *Log) rebuildGone() error {
	stillReferenced := map[lidKind]bool{}
	for i := 1; i <= l.archives; i++ {
		events, err := readAll(l.archivePath(i))
		if err != nil {
			return err
		}
		for _, e := range events {
			stillReferenced[lidKind{e.UID, e.Kind}] = true
		}
	}

	gone, err := readAll(l.gonePath())
	if err != nil {
		return err
	}

	var kept []Event
	for _, e := range gone {
		if stillReferenced[lidKind{e.UID, e.Kind}] {
			kept = append(kept, e)
		}
	}

	tmp := l.gonePath() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0640)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, e := range kept {
		buf := encode(e)
		if _, err := w.Write(buf[:]); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, l.gonePath())
}

