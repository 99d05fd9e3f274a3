// Package runtime wires every core subsystem into one explicit context:
// no package-level singletons, every collaborator is constructed by New
// and held as a field. It owns the adapter that lets internal/scheduler
// drive internal/iface and internal/wtmp without either of those
// packages knowing about the other, and it owns the fatal-shutdown
// sequence (S_SHUTDOWN broadcast, Listfile save, exit code selection).
//
// Grounded on meshage/node.go's Node (one struct composing every
// collaborator a mesh node needs, constructed once by New) and on
// ron/server.go's Server, which plays the same composing-root role for
// ron's client registry, heartbeat ticker, and file transfer state.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/LStranger/foxeye-sub001/internal/bindtable"
	"github.com/LStranger/foxeye-sub001/internal/corelog"
	"github.com/LStranger/foxeye-sub001/internal/iface"
	"github.com/LStranger/foxeye-sub001/internal/listfile"
	"github.com/LStranger/foxeye-sub001/internal/metrics"
	"github.com/LStranger/foxeye-sub001/internal/registry"
	"github.com/LStranger/foxeye-sub001/internal/scheduler"
	"github.com/LStranger/foxeye-sub001/internal/wtmp"
)

// DefaultCacheTime is how long the Listfile may sit dirty before a
// periodic S_TIMEOUT tick forces a Save.
const DefaultCacheTime = 300 * time.Second

// dispatchInterval paces the cooperative request-dispatch loop; signals
// are still delivered synchronously from within SendSignal/Signal.
const dispatchInterval = 50 * time.Millisecond

// Exit codes, matching the host program's documented CLI contract.
const (
	ExitOK     = 0
	ExitConfig = 3
	ExitFatal  = 8
)

// ConfigError marks a failure that occurred while loading or parsing
// configuration or the Listfile, mapped to ExitConfig rather than
// ExitFatal.
type ConfigError struct{ err error }

func (e *ConfigError) Error() string { return fmt.Sprintf("runtime: configuration error: %v", e.err) }
func (e *ConfigError) Unwrap() error { return e.err }

func configErrorf(format string, args ...any) error {
	return &ConfigError{err: fmt.Errorf(format, args...)}
}

// ExitCode maps a Shutdown cause to the host program's process exit
// status: nil maps to 0, a *ConfigError maps to 3, anything else
// (including a corelog.Fatal *goerrors.Error) maps to 8.
func ExitCode(cause error) int {
	if cause == nil {
		return ExitOK
	}
	var cfgErr *ConfigError
	if errors.As(cause, &cfgErr) {
		return ExitConfig
	}
	return ExitFatal
}

// busAdapter implements scheduler.Bus in terms of the interface bus and
// the Wtmp log, so neither package needs to import the other.
type busAdapter struct {
	rt *Runtime
}

func (b *busAdapter) Signal(target string, sig scheduler.Signal) error {
	return b.rt.Dispatcher.Signal(target, iface.Signal(sig))
}

func (b *busAdapter) MarkWakeable(target string) error {
	return b.rt.Dispatcher.MarkWakeable(target)
}

func (b *busAdapter) BroadcastFileTimeout() error {
	b.rt.Dispatcher.SendSignal(iface.File, "*", iface.STimeout)
	return nil
}

func (b *busAdapter) TimeShift() error {
	corelog.Warn("runtime: clock jump detected, notifying every actor")
	b.rt.Dispatcher.SendSignal(iface.All, "*", iface.SLocal)
	return nil
}

func (b *busAdapter) RotateWtmp() error {
	return b.rt.Wtmp.RotateWtmp()
}

// Options configures New.
type Options struct {
	// ConfigPath is the line-oriented directive file read by LoadConfig.
	ConfigPath string
	// DataDir holds the Listfile and the Wtmp/Wtmp.N/Wtmp.gone files.
	DataDir string
	// WtmpArchives is the rotation depth; zero uses wtmp.DefaultArchives.
	WtmpArchives int
	// CacheTime bounds how long the Listfile may stay dirty before a
	// periodic tick forces a save; zero uses DefaultCacheTime.
	CacheTime time.Duration
}

// Runtime composes every core subsystem and the goroutines that drive
// them. The zero value is not usable; use New.
type Runtime struct {
	Dispatcher *iface.Dispatcher
	Scheduler  *scheduler.Scheduler
	DB         *listfile.DB
	Wtmp       *wtmp.Log
	Config     *registry.Registry
	Metrics    *metrics.Registry

	promReg      *prometheus.Registry
	configPath   string
	listfilePath string
	cacheTime    time.Duration

	bindMu     sync.Mutex
	bindtables map[string]*bindtable.Table

	floodMu       sync.Mutex
	floodCounters map[string]*scheduler.FloodCounter

	watcher *fsnotify.Watcher

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs every subsystem and wires them together. It does not
// start any goroutine and does not load config or the Listfile; call
// LoadConfig, LoadListfile, and Start in that order.
func New(opts Options) (*Runtime, error) {
	if opts.CacheTime <= 0 {
		opts.CacheTime = DefaultCacheTime
	}
	if opts.WtmpArchives <= 0 {
		opts.WtmpArchives = wtmp.DefaultArchives
	}

	listfilePath := filepath.Join(opts.DataDir, "Listfile")

	db := listfile.New(listfilePath)
	wtmpLog, err := wtmp.New(opts.DataDir, opts.WtmpArchives)
	if err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}
	db.SetRecorder(wtmpLog)

	metricsReg, promReg := metrics.New()

	rt := &Runtime{
		Dispatcher:    iface.New(),
		DB:            db,
		Wtmp:          wtmpLog,
		Config:        registry.New(),
		Metrics:       metricsReg,
		promReg:       promReg,
		configPath:    opts.ConfigPath,
		listfilePath:  listfilePath,
		cacheTime:     opts.CacheTime,
		bindtables:    map[string]*bindtable.Table{},
		floodCounters: map[string]*scheduler.FloodCounter{},
	}
	rt.Scheduler = scheduler.New(&busAdapter{rt: rt})

	rt.registerOperators()
	rt.registerCoreActors()
	rt.registerReporters()

	return rt, nil
}

// MetricsHandler returns the HTTP mux exposing /metrics (Prometheus
// exposition) and /report (plain-text S_REPORT mirror), for the host
// program to serve.
func (rt *Runtime) MetricsHandler() *mux.Router {
	return rt.Metrics.Router(rt.promReg)
}

// GetOrCreateBindtable returns the named table, creating it with the
// given discipline on first use. A second call with a different
// discipline for the same name keeps the original.
func (rt *Runtime) GetOrCreateBindtable(name string, discipline bindtable.Discipline) *bindtable.Table {
	rt.bindMu.Lock()
	defer rt.bindMu.Unlock()

	if t, ok := rt.bindtables[name]; ok {
		return t
	}
	t := bindtable.New(name, discipline)
	rt.bindtables[name] = t
	rt.Metrics.RegisterReporter("bindtable."+name, t.Report)
	return t
}

// registerFloodCounter creates the scheduler-owned decaying counter
// backing a newly registered flood type: the decay rate is set so the
// counter drains by limit units over interval seconds, matching the
// (limit, interval) pair a "flood-type" config directive declares.
func (rt *Runtime) registerFloodCounter(name string, limit int, interval time.Duration) {
	fc, err := rt.Scheduler.AddFloodCounter(0, float64(limit)/interval.Seconds())
	if err != nil {
		corelog.Warn("runtime: registering flood counter %q: %v", name, err)
		return
	}
	rt.floodMu.Lock()
	rt.floodCounters[name] = fc
	rt.floodMu.Unlock()
}

// CheckFlood registers one hit against the named flood type's counter,
// reporting the updated count and whether this hit raised (and reset)
// it. The flood type must have been registered via a "flood-type"
// config directive (or RegisterFloodType directly) before this is
// called.
func (rt *Runtime) CheckFlood(name string) (count int, raised bool, err error) {
	rt.floodMu.Lock()
	fc, ok := rt.floodCounters[name]
	rt.floodMu.Unlock()
	if !ok {
		return 0, false, fmt.Errorf("runtime: no flood counter registered for %q", name)
	}
	return rt.Config.CheckFlood(fc, name)
}

// CheckBindtable matches key against the named bindtable (created via
// GetOrCreateBindtable) and, on a hit, records it against the
// binding-hits metric alongside the binding's own hit counter.
func (rt *Runtime) CheckBindtable(tableName, key string, callerGF, callerCF listfile.Flag, prev *bindtable.Binding) (*bindtable.Binding, bool) {
	rt.bindMu.Lock()
	t, ok := rt.bindtables[tableName]
	rt.bindMu.Unlock()
	if !ok {
		return nil, false
	}

	b, matched := t.CheckBindtable(key, callerGF, callerCF, prev)
	if matched {
		rt.Metrics.BindingHits.WithLabelValues(tableName, b.Key).Inc()
	}
	return b, matched
}

// refreshGaugeMetrics samples every gauge-backed collector: interface
// queue depths, live scheduler timer/cron counts, and flood counter
// levels. Called once per dispatch tick.
func (rt *Runtime) refreshGaugeMetrics() {
	for name, depth := range rt.Dispatcher.QueueDepths() {
		rt.Metrics.QueueDepth.WithLabelValues(name).Set(float64(depth))
	}
	rt.Metrics.TimerCount.Set(float64(rt.Scheduler.TimerCount()))
	rt.Metrics.CronCount.Set(float64(rt.Scheduler.CronCount()))

	rt.floodMu.Lock()
	counters := make(map[string]*scheduler.FloodCounter, len(rt.floodCounters))
	for name, fc := range rt.floodCounters {
		counters[name] = fc
	}
	rt.floodMu.Unlock()

	for name, fc := range counters {
		fc.Mu.Lock()
		level := fc.Count
		fc.Mu.Unlock()
		rt.Metrics.FloodLevel.WithLabelValues(name).Set(level)
	}
}

func (rt *Runtime) registerReporters() {
	rt.Metrics.RegisterReporter("listfile", rt.DB.Report)
	rt.Metrics.RegisterReporter("wtmp", rt.Wtmp.Report)
	rt.Metrics.RegisterReporter("scheduler", rt.Scheduler.Report)
	rt.Metrics.RegisterReporter("registry", rt.Config.Report)
}

// registerOperators wires the well-known config-file directives onto
// the registration layer. "script", "module", and "port" are accepted
// without error (the directive grammar is a named external interface
// this core must not break) but are otherwise no-ops here: script/module
// loading and network listeners belong to a layer above the core this
// repository implements.
func (rt *Runtime) registerOperators() {
	rt.Config.RegisterOperator("set", func(args []string) error {
		if len(args) < 1 {
			return fmt.Errorf("registry: set requires a variable name")
		}
		v, ok := rt.Config.Variable(args[0])
		if !ok {
			return fmt.Errorf("registry: unknown variable %q", args[0])
		}
		value := ""
		if len(args) > 1 {
			value = args[1]
		}
		return v.Set(value)
	})

	rt.Config.RegisterOperator("flood-type", func(args []string) error {
		if len(args) != 2 {
			return fmt.Errorf("registry: flood-type requires <name> <N>:<M>")
		}
		limit, interval, err := parseFloodSpec(args[1])
		if err != nil {
			return err
		}
		rt.Config.RegisterFloodType(args[0], limit, interval)
		rt.registerFloodCounter(args[0], limit, interval)
		return nil
	})

	noop := func(directive string) func([]string) error {
		return func(args []string) error {
			corelog.Info("runtime: config directive %q acknowledged but not handled by the core (%v)", directive, args)
			return nil
		}
	}
	rt.Config.RegisterOperator("script", noop("script"))
	rt.Config.RegisterOperator("module", noop("module"))
	rt.Config.RegisterOperator("port", noop("port"))
}

// registerCoreActors installs the file-class interfaces the core itself
// owns: the Listfile (periodic cache_time save, final flush on
// shutdown) and the Wtmp log (user event-name persistence on flush).
func (rt *Runtime) registerCoreActors() {
	listfileSig := func(it *iface.Interface, sig iface.Signal) iface.Lifecycle {
		switch sig {
		case iface.STimeout:
			if rt.DB.Dirty() && time.Since(rt.DB.DirtySince()) >= rt.cacheTime {
				if err := rt.DB.Save(); err != nil {
					corelog.WithError(err, "runtime: periodic Listfile save failed")
				}
			}
		case iface.SFlush, iface.SShutdown:
			if err := rt.DB.Save(); err != nil {
				corelog.WithError(err, "runtime: Listfile save failed")
			}
		case iface.SReport:
			corelog.Info("listfile: %s", rt.DB.Report())
		}
		return iface.Alive
	}
	if _, err := rt.Dispatcher.AddIface(iface.File, "listfile", listfileSig, nil, rt.DB); err != nil {
		corelog.Warn("runtime: registering listfile actor: %v", err)
	}

	wtmpSig := func(it *iface.Interface, sig iface.Signal) iface.Lifecycle {
		switch sig {
		case iface.SFlush, iface.SShutdown:
			rt.persistEventNames()
		case iface.SReport:
			corelog.Info("wtmp: %s", rt.Wtmp.Report())
		}
		return iface.Alive
	}
	if _, err := rt.Dispatcher.AddIface(iface.File, "wtmp", wtmpSig, nil, rt.Wtmp); err != nil {
		corelog.Warn("runtime: registering wtmp actor: %v", err)
	}
}

// persistEventNames saves the Wtmp log's allocated user event-code
// table onto the "me" record's "events" field, the supplemented feature
// carrying core/wtmp.c's Event() table across restarts.
func (rt *Runtime) persistEventNames() {
	h, err := rt.DB.LockClientRecordByLID(listfile.MeLID)
	if err != nil {
		corelog.WithError(err, "runtime: persisting event names")
		return
	}
	defer h.Unlock()

	if err := rt.DB.SetField(h.Record(), "events", rt.Wtmp.EventNames(), time.Time{}); err != nil {
		corelog.WithError(err, "runtime: persisting event names")
	}
}

// loadEventNames restores the Wtmp log's user event-code table from the
// "me" record's "events" field, the inverse of persistEventNames, run
// once after LoadListfile.
func (rt *Runtime) loadEventNames() {
	h, err := rt.DB.LockClientRecordByLID(listfile.MeLID)
	if err != nil {
		return
	}
	defer h.Unlock()

	if serialized, _, ok := h.Record().GetField("events"); ok {
		rt.Wtmp.LoadEventNames(serialized)
	}
}
