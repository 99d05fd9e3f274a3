// Package iface implements the interface bus: addressable actors
// dispatched cooperatively from a single mutex-guarded registry, with
// signals delivered directly and requests delivered through a per-actor
// FIFO queue.
//
// Grounded on meshage/node.go's Node/Message/messagePump model (a
// single struct owning a mutex-guarded peer/route table, with signal
// and request delivery as two distinct paths). Request handlers run
// synchronously on the goroutine that calls Dispatch; signal handlers
// run on the goroutine that sends the signal.
package iface

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// TypeMask classifies an actor for broadcast matching.
type TypeMask uint32

const (
	Log TypeMask = 1 << iota
	File
	Service
	Client
	Module
	Direct
	Temp
	Console
	Query
	Init
	Connect
	Listen

	// All matches every actor regardless of type, used for bus-wide
	// broadcasts such as S_SHUTDOWN.
	All = Log | File | Service | Client | Module | Direct | Temp | Console | Query | Init | Connect | Listen
)

// ReqFlag carries priority/topic bits alongside a Request's text.
type ReqFlag uint32

const (
	Public ReqFlag = 1 << iota
	Private
	Notice
	Ctcp
	Action
	Mine
	Warn
	Error
	Boot
	Modes
	Join
	Report
	Ask
	Users
	Cmds
	Prefixed
	End
	Share
	Quick
	Ahead
)

// Signal is delivered directly to an actor's signal handler, never
// queued.
type Signal int

// Standardized signals.
const (
	STerminate Signal = iota + 1
	SShutdown
	SFlush
	STimeout
	SReport
	SReg
	SStop
	SContinue
	SLocal
	SWakeup
)

// Lifecycle reports what a handler wants done with its actor after it
// returns.
type Lifecycle uint8

const (
	Alive    Lifecycle = 0
	DiedFlag Lifecycle = 1 << iota
	FinwaitFlag
	WakeableFlag
)

// MessageMax bounds a Request's formatted text.
const MessageMax = 1024

// DefaultQueueLimit is the per-actor backpressure threshold past which
// producers may abort delivery rather than grow the queue unbounded.
const DefaultQueueLimit = 5000

// Request is one queued unit of work for an actor.
type Request struct {
	Flags ReqFlag
	Text  string
}

// SignalHandler reacts to a signal delivered directly (not queued).
type SignalHandler func(it *Interface, sig Signal) Lifecycle

// RequestHandler processes one dequeued Request.
type RequestHandler func(it *Interface, req *Request) Lifecycle

// Interface is one addressable actor.
type Interface struct {
	Type TypeMask
	Name string
	Data any

	signalFn  SignalHandler
	requestFn RequestHandler

	queue []*Request
	flags Lifecycle

	// Limiter is set for Connect-type actors (nil for every other
	// type); nothing in this package waits on it.
	Limiter *rate.Limiter
}

// SetConnectRate replaces the actor's Limiter. This package only stores
// the limiter; it never waits on it.
func (it *Interface) SetConnectRate(r rate.Limit, burst int) {
	it.Limiter = rate.NewLimiter(r, burst)
}

// QueueLen reports the number of requests currently pending.
func (it *Interface) QueueLen() int { return len(it.queue) }

// Died reports whether the actor asked to be removed.
func (it *Interface) Died() bool { return it.flags&DiedFlag != 0 }

// Finwait reports whether the actor should terminate once its queue
// drains.
func (it *Interface) Finwait() bool { return it.flags&FinwaitFlag != 0 }

// Wakeable reports whether the actor has been flagged by MarkWakeable
// since its last dequeued request. The flag does not change queueing or
// dispatch order.
func (it *Interface) Wakeable() bool { return it.flags&WakeableFlag != 0 }

// Dispatcher owns every registered Interface and the single mutex that
// guards structural mutation of the bus, matching the teacher's
// single-lock Node model.
type Dispatcher struct {
	mu         sync.Mutex
	byName     map[string]*Interface
	order      []*Interface // stable broadcast/iteration order
	queueLimit int
}

// New returns an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{
		byName:     map[string]*Interface{},
		queueLimit: DefaultQueueLimit,
	}
}

// AddIface creates and registers a new actor. An empty name creates an
// anonymous actor under a generated unique name.
func (d *Dispatcher) AddIface(typ TypeMask, name string, sigFn SignalHandler, reqFn RequestHandler, data any) (*Interface, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if name == "" {
		name = "anon-" + uuid.NewString()
	} else if _, exists := d.byName[strings.ToLower(name)]; exists {
		return nil, fmt.Errorf("iface: %q already registered", name)
	}

	it := &Interface{Type: typ, Name: name, Data: data, signalFn: sigFn, requestFn: reqFn}
	if typ&Connect != 0 {
		it.Limiter = rate.NewLimiter(rate.Every(0), 1) // caller configures via SetConnectRate
	}
	d.byName[strings.ToLower(name)] = it
	d.order = append(d.order, it)
	return it, nil
}

// FindIface returns the first registered actor whose type intersects
// typeMask and whose name equals (case-insensitively) name, and leaves
// the dispatcher mutex HELD. The caller must pair a successful call
// with Unlock.
func (d *Dispatcher) FindIface(typeMask TypeMask, name string) (*Interface, bool) {
	d.mu.Lock()
	if it, ok := d.byName[strings.ToLower(name)]; ok && it.Type&typeMask != 0 {
		return it, true
	}
	d.mu.Unlock()
	return nil, false
}

// Lock acquires the dispatcher mutex without looking up an actor,
// matching Set_Iface(nil): a caller that needs to hold the lock across
// several bus calls but has no specific "current" actor.
func (d *Dispatcher) Lock() { d.mu.Lock() }

// Unlock releases the dispatcher mutex, matching Unset_Iface() pairing
// either Lock or a successful FindIface.
func (d *Dispatcher) Unlock() { d.mu.Unlock() }

// QueueDepths returns each registered actor's current pending-request
// count, keyed by name, for diagnostics/metrics consumers.
func (d *Dispatcher) QueueDepths() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int, len(d.order))
	for _, it := range d.order {
		out[it.Name] = len(it.queue)
	}
	return out
}

func truncate(s string) string {
	if len(s) <= MessageMax {
		return s
	}
	return s[:MessageMax]
}

func nameGlobMatches(pattern, name string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, _ := globMatch([]rune(strings.ToLower(pattern)), []rune(strings.ToLower(name)))
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

// NewRequest enqueues a formatted request on a specific actor.
func (d *Dispatcher) NewRequest(it *Interface, flags ReqFlag, format string, args ...any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enqueueLocked(it, flags, fmt.Sprintf(format, args...))
}

func (d *Dispatcher) enqueueLocked(it *Interface, flags ReqFlag, text string) error {
	if len(it.queue) >= d.queueLimit {
		return fmt.Errorf("iface: %q queue full (%d), request dropped", it.Name, d.queueLimit)
	}
	it.queue = append(it.queue, &Request{Flags: flags, Text: truncate(text)})
	return nil
}

// AddRequest broadcasts a formatted request to every actor whose type
// intersects typeMask and whose name matches the glob nameGlob.
func (d *Dispatcher) AddRequest(typeMask TypeMask, nameGlob string, flags ReqFlag, format string, args ...any) []error {
	text := fmt.Sprintf(format, args...)

	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for _, it := range d.order {
		if it.Type&typeMask == 0 || !nameGlobMatches(nameGlob, it.Name) {
			continue
		}
		if err := d.enqueueLocked(it, flags, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// RelayRequest forwards an existing Request without reformatting.
func (d *Dispatcher) RelayRequest(typeMask TypeMask, nameGlob string, req *Request) []error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for _, it := range d.order {
		if it.Type&typeMask == 0 || !nameGlobMatches(nameGlob, it.Name) {
			continue
		}
		if err := d.enqueueLocked(it, req.Flags, req.Text); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// SendSignal broadcasts a signal directly to every matching actor's
// signal handler, applying the returned Lifecycle immediately (removing
// died actors with empty queues, marking others to finish draining).
func (d *Dispatcher) SendSignal(typeMask TypeMask, nameGlob string, sig Signal) {
	d.mu.Lock()
	targets := make([]*Interface, 0, len(d.order))
	for _, it := range d.order {
		if it.Type&typeMask != 0 && nameGlobMatches(nameGlob, it.Name) {
			targets = append(targets, it)
		}
	}
	d.mu.Unlock()

	for _, it := range targets {
		if it.signalFn == nil {
			continue
		}
		result := it.signalFn(it, sig)
		d.applyLifecycle(it, result)
	}
}

// Signal delivers sig to exactly the named actor, implementing the
// narrower single-target case scheduler cron/timer entries use.
func (d *Dispatcher) Signal(name string, sig Signal) error {
	d.mu.Lock()
	it, ok := d.byName[strings.ToLower(name)]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("iface: unknown target %q", name)
	}
	if it.signalFn == nil {
		return nil
	}
	result := it.signalFn(it, sig)
	d.applyLifecycle(it, result)
	return nil
}

func (d *Dispatcher) applyLifecycle(it *Interface, result Lifecycle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	it.flags |= result
	if it.flags&DiedFlag != 0 && len(it.queue) == 0 {
		d.removeLocked(it)
	}
}

func (d *Dispatcher) removeLocked(it *Interface) {
	delete(d.byName, strings.ToLower(it.Name))
	for i, o := range d.order {
		if o == it {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// MarkWakeable sets the named actor's wakeable flag, the S_WAKEUP cron
// effect. GetRequest clears it on the next dequeue; nothing else reads
// it.
func (d *Dispatcher) MarkWakeable(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	it, ok := d.byName[strings.ToLower(name)]
	if !ok {
		return fmt.Errorf("iface: unknown target %q", name)
	}
	it.flags |= WakeableFlag
	return nil
}

// GetRequest dequeues one pending request for it, used by text-oriented
// actors that pull input rather than having it pushed via RequestHandler.
func (d *Dispatcher) GetRequest(it *Interface) (*Request, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(it.queue) == 0 {
		return nil, false
	}
	req := it.queue[0]
	it.queue = it.queue[1:]
	it.flags &^= WakeableFlag
	return req, true
}

// RenameIface renames it atomically under the dispatcher mutex.
func (d *Dispatcher) RenameIface(it *Interface, newName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := strings.ToLower(newName)
	if _, exists := d.byName[key]; exists {
		return fmt.Errorf("iface: %q already registered", newName)
	}
	delete(d.byName, strings.ToLower(it.Name))
	it.Name = newName
	d.byName[key] = it
	return nil
}

// Dispatch runs one cooperative round: for every actor with a pending
// request and a RequestHandler, pops and processes exactly one request,
// applying the resulting Lifecycle. Call repeatedly from a single
// dispatcher goroutine, mirroring meshage's messagePump loop.
func (d *Dispatcher) Dispatch() {
	d.mu.Lock()
	targets := append([]*Interface{}, d.order...)
	d.mu.Unlock()

	for _, it := range targets {
		if it.requestFn == nil {
			continue
		}
		req, ok := d.GetRequest(it)
		if !ok {
			continue
		}
		result := it.requestFn(it, req)
		d.applyLifecycle(it, result)
	}
}
