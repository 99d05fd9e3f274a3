package runtime

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LStranger/foxeye-sub001/internal/bindtable"
	"github.com/LStranger/foxeye-sub001/internal/registry"
)

const emptyListfile = "#FEU: test\n:::::::::\n"

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	dir := t.TempDir()
	rt, err := New(Options{DataDir: dir, CacheTime: time.Millisecond})
	require.NoError(t, err)
	return rt
}

func TestNewWiresEveryCollaborator(t *testing.T) {
	rt := newTestRuntime(t)
	assert.NotNil(t, rt.Dispatcher)
	assert.NotNil(t, rt.Scheduler)
	assert.NotNil(t, rt.DB)
	assert.NotNil(t, rt.Wtmp)
	assert.NotNil(t, rt.Config)
	assert.NotNil(t, rt.Metrics)
}

func TestLoadListfileMissingFileIsConfigError(t *testing.T) {
	rt := newTestRuntime(t)
	err := rt.LoadListfile()
	require.Error(t, err)
	assert.Equal(t, ExitConfig, ExitCode(err))
}

func TestLoadListfileValidFile(t *testing.T) {
	rt := newTestRuntime(t)
	require.NoError(t, os.WriteFile(rt.listfilePath, []byte(emptyListfile), 0640))
	require.NoError(t, rt.LoadListfile())
}

func TestLoadConfigUnknownOperatorIsConfigError(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "foxeye.conf")
	require.NoError(t, os.WriteFile(cfgPath, []byte("bogus-directive foo\n"), 0640))

	rt, err := New(Options{DataDir: dir, ConfigPath: cfgPath})
	require.NoError(t, err)

	err = rt.LoadConfig()
	require.Error(t, err)
	assert.Equal(t, ExitConfig, ExitCode(err))
}

func TestLoadConfigSetInvokesVariable(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "foxeye.conf")
	require.NoError(t, os.WriteFile(cfgPath, []byte("set nickname FoxEye\n"), 0640))

	rt, err := New(Options{DataDir: dir, ConfigPath: cfgPath})
	require.NoError(t, err)
	rt.Config.RegisterVariable("nickname", registry.WritableString, 32, false)

	require.NoError(t, rt.LoadConfig())
	v, ok := rt.Config.Variable("nickname")
	require.True(t, ok)
	assert.Equal(t, "FoxEye", v.Get())
}

func TestLoadConfigFloodTypeInvokesRegistration(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "foxeye.conf")
	require.NoError(t, os.WriteFile(cfgPath, []byte("flood-type msg 5:10\n"), 0640))

	rt, err := New(Options{DataDir: dir, ConfigPath: cfgPath})
	require.NoError(t, err)
	require.NoError(t, rt.LoadConfig())

	_, raised, err := rt.CheckFlood("msg")
	require.NoError(t, err)
	assert.False(t, raised)
}

// TestCheckFloodEndToEndRaisesOnThirdHit reproduces the flood scenario
// against a config-declared {3, 10} flood type: three CheckFlood calls
// in a row return 1, 2, 0, the third raising and resetting the counter
// the scheduler owns.
func TestCheckFloodEndToEndRaisesOnThirdHit(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "foxeye.conf")
	require.NoError(t, os.WriteFile(cfgPath, []byte("flood-type msg 3:10\n"), 0640))

	rt, err := New(Options{DataDir: dir, ConfigPath: cfgPath})
	require.NoError(t, err)
	require.NoError(t, rt.LoadConfig())

	count, raised, err := rt.CheckFlood("msg")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.False(t, raised)

	count, raised, err = rt.CheckFlood("msg")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.False(t, raised)

	count, raised, err = rt.CheckFlood("msg")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.True(t, raised)
}

func TestLoadConfigAcceptsWellKnownNoopDirectives(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "foxeye.conf")
	require.NoError(t, os.WriteFile(cfgPath, []byte("script foo.tcl\nmodule bar\nport 6667\n"), 0640))

	rt, err := New(Options{DataDir: dir, ConfigPath: cfgPath})
	require.NoError(t, err)
	assert.NoError(t, rt.LoadConfig())
}

func TestGetOrCreateBindtableReusesExisting(t *testing.T) {
	rt := newTestRuntime(t)
	a := rt.GetOrCreateBindtable("msg-cmd", bindtable.Uniq)
	b := rt.GetOrCreateBindtable("msg-cmd", bindtable.Mask)
	assert.Same(t, a, b)
}

func TestMetricsHandlerExposesSubsystemReports(t *testing.T) {
	rt := newTestRuntime(t)
	router := rt.MetricsHandler()

	req := httptest.NewRequest(http.MethodGet, "/report", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "listfile:")
	assert.Contains(t, body, "wtmp:")
	assert.Contains(t, body, "scheduler:")
	assert.Contains(t, body, "registry:")
}

func TestStartAndShutdownCleanExit(t *testing.T) {
	rt := newTestRuntime(t)
	require.NoError(t, os.WriteFile(rt.listfilePath, []byte(emptyListfile), 0640))
	require.NoError(t, rt.LoadListfile())

	rt.Start(context.Background())
	time.Sleep(10 * time.Millisecond)

	code := rt.Shutdown(nil)
	assert.Equal(t, ExitOK, code)

	data, err := os.ReadFile(rt.listfilePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "#FEU: ")
}

func TestShutdownMapsConfigErrorToExitConfig(t *testing.T) {
	rt := newTestRuntime(t)
	require.NoError(t, os.WriteFile(rt.listfilePath, []byte(emptyListfile), 0640))
	require.NoError(t, rt.LoadListfile())

	rt.Start(context.Background())
	code := rt.Shutdown(configErrorf("bad directive"))
	assert.Equal(t, ExitConfig, code)
}

func TestExitCodeMapsFatalErrorToExitFatal(t *testing.T) {
	assert.Equal(t, ExitFatal, ExitCode(fmt.Errorf("assertion violated")))
}

func TestCheckBindtableRecordsBindingHitsMetric(t *testing.T) {
	rt := newTestRuntime(t)
	tbl := rt.GetOrCreateBindtable("cmd", bindtable.Keyword)
	_, err := tbl.AddBinding("help", 0, 0, func(string, []string) int { return 1 }, "")
	require.NoError(t, err)

	b, ok := rt.CheckBindtable("cmd", "help", 0, 0, nil)
	require.True(t, ok)
	assert.Equal(t, "help", b.Key)

	router := rt.MetricsHandler()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Contains(t, rec.Body.String(), `foxeye_binding_hits_total{key="help",table="cmd"} 1`)
}

func TestRefreshGaugeMetricsSamplesQueueTimerCronAndFlood(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "foxeye.conf")
	require.NoError(t, os.WriteFile(cfgPath, []byte("flood-type msg 3:10\n"), 0640))

	rt, err := New(Options{DataDir: dir, ConfigPath: cfgPath})
	require.NoError(t, err)
	require.NoError(t, rt.LoadConfig())

	_, _, err = rt.CheckFlood("msg")
	require.NoError(t, err)

	_, err = rt.Scheduler.AddTimer("console", 1, 100)
	require.NoError(t, err)

	rt.refreshGaugeMetrics()

	router := rt.MetricsHandler()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	body := rec.Body.String()

	assert.Contains(t, body, "foxeye_scheduler_timers 1")
	assert.Contains(t, body, `foxeye_flood_counter_level{type="msg"} 1`)
}

func TestPersistAndLoadEventNamesRoundTrip(t *testing.T) {
	rt := newTestRuntime(t)
	require.NoError(t, os.WriteFile(rt.listfilePath, []byte(emptyListfile), 0640))
	require.NoError(t, rt.LoadListfile())

	rt.Wtmp.EventCode("kick")
	rt.Wtmp.EventCode("ban")
	rt.persistEventNames()
	require.NoError(t, rt.DB.Save())

	rt2, err := New(Options{DataDir: filepath.Dir(rt.listfilePath)})
	require.NoError(t, err)
	require.NoError(t, rt2.DB.Load(rt.listfilePath, false))
	rt2.loadEventNames()

	assert.Equal(t, rt.Wtmp.EventNames(), rt2.Wtmp.EventNames())
}
