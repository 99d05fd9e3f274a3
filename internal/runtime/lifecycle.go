package runtime

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/LStranger/foxeye-sub001/internal/corelog"
	"github.com/LStranger/foxeye-sub001/internal/iface"
)

// parseFloodSpec parses a config "flood-type" directive's second
// argument, "<N>:<M>", into a (limit, interval) pair: M is seconds.
func parseFloodSpec(spec string) (int, time.Duration, error) {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("registry: flood-type limit must be N:M, got %q", spec)
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("registry: flood-type limit %q: %w", parts[0], err)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("registry: flood-type interval %q: %w", parts[1], err)
	}
	return n, time.Duration(m) * time.Second, nil
}

// LoadConfig parses the configured directive file, invoking every
// registered operator. Call once before Start.
func (rt *Runtime) LoadConfig() error {
	if rt.configPath == "" {
		return nil
	}
	if err := rt.Config.ParseConfigFile(rt.configPath); err != nil {
		return configErrorf("loading %s: %w", rt.configPath, err)
	}
	return nil
}

// LoadListfile loads the Listfile database from disk (initial load, not
// merge) and restores the Wtmp user event-code table from the "me"
// record. Call once before Start.
func (rt *Runtime) LoadListfile() error {
	if err := rt.DB.Load(rt.listfilePath, false); err != nil {
		return configErrorf("loading %s: %w", rt.listfilePath, err)
	}
	rt.loadEventNames()
	return nil
}

// Start launches the scheduler tick goroutine, the cooperative request
// dispatch loop, and (best-effort) the config/Listfile file watcher. It
// returns immediately; call Shutdown to stop everything.
func (rt *Runtime) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		rt.Scheduler.Run(ctx)
	}()

	rt.wg.Add(1)
	go rt.dispatchLoop(ctx)

	rt.startWatcher(ctx)
}

func (rt *Runtime) dispatchLoop(ctx context.Context) {
	defer rt.wg.Done()
	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.Dispatcher.Dispatch()
			rt.refreshGaugeMetrics()
		}
	}
}

// startWatcher installs an fsnotify watch on the config file and the
// Listfile so an external edit (e.g. during -g merge mode, or an
// operator hand-editing the Listfile) is picked up without a restart.
// Failure to install the watcher is logged, not fatal: the core still
// functions, it just requires a restart to notice file edits.
func (rt *Runtime) startWatcher(ctx context.Context) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		corelog.Warn("runtime: fsnotify unavailable, file edits require a restart: %v", err)
		return
	}
	rt.watcher = w

	for _, path := range []string{rt.configPath, rt.listfilePath} {
		if path == "" {
			continue
		}
		if err := w.Add(path); err != nil {
			corelog.Warn("runtime: watching %s: %v", path, err)
		}
	}

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				rt.handleWatchEvent(ev)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				corelog.Warn("runtime: file watch error: %v", err)
			}
		}
	}()
}

func (rt *Runtime) handleWatchEvent(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	switch ev.Name {
	case rt.configPath:
		if err := rt.Config.ParseConfigFile(rt.configPath); err != nil {
			corelog.WithError(err, "runtime: reloading %s after external edit", rt.configPath)
		} else {
			corelog.Info("runtime: reloaded %s after external edit", rt.configPath)
		}
	case rt.listfilePath:
		if err := rt.DB.Load(rt.listfilePath, true); err != nil {
			corelog.WithError(err, "runtime: merging %s after external edit", rt.listfilePath)
		} else {
			corelog.Info("runtime: merged %s after external edit", rt.listfilePath)
		}
	}
}

// Shutdown runs the fatal-error/shutdown sequence: broadcast S_SHUTDOWN
// to every actor, persist the Wtmp event-name table, save the Listfile,
// stop every background goroutine, and return the process exit code
// corresponding to cause (nil for a clean shutdown).
func (rt *Runtime) Shutdown(cause error) int {
	rt.Dispatcher.SendSignal(iface.All, "*", iface.SShutdown)

	rt.persistEventNames()
	if err := rt.DB.Save(); err != nil {
		corelog.WithError(err, "runtime: final Listfile save failed")
	}

	rt.Scheduler.Stop()

	if rt.watcher != nil {
		rt.watcher.Close()
	}
	if rt.cancel != nil {
		rt.cancel()
	}
	rt.wg.Wait()

	return ExitCode(cause)
}
