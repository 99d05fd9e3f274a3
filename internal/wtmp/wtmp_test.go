package wtmp

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventFindEvent(t *testing.T) {
	dir := t.TempDir()
	log, err := New(dir, DefaultArchives)
	require.NoError(t, err)

	start := time.Now().Add(-time.Minute)
	require.NoError(t, log.NewEvent(Start, 0, 7, 0))
	require.NoError(t, log.NewEvent(Chg, 7, 42, 0))

	found, err := log.FindEvent(Any, 42, start, 10)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, Chg, found[0].Kind)
	assert.Equal(t, Start, found[1].Kind)
}

func TestFindEventFiltersByKind(t *testing.T) {
	dir := t.TempDir()
	log, err := New(dir, DefaultArchives)
	require.NoError(t, err)

	start := time.Now().Add(-time.Minute)
	require.NoError(t, log.NewEvent(Start, 0, 3, 0))
	require.NoError(t, log.NewEvent(Down, 0, 3, 0))

	found, err := log.FindEvent(Down, 3, start, 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, Down, found[0].Kind)
}

func TestEventCodeAllocationRoundTrip(t *testing.T) {
	dir := t.TempDir()
	log, err := New(dir, DefaultArchives)
	require.NoError(t, err)

	a := log.EventCode("join")
	b := log.EventCode("part")
	again := log.EventCode("join")
	assert.Equal(t, a, again)
	assert.NotEqual(t, a, b)

	serialized := log.EventNames()

	restored, err := New(filepath.Join(dir, "restored"), DefaultArchives)
	require.NoError(t, err)
	restored.LoadEventNames(serialized)
	assert.Equal(t, a, restored.EventCode("join"))
	assert.Equal(t, b, restored.EventCode("part"))
}

func TestRotateWtmpDemotesArchives(t *testing.T) {
	dir := t.TempDir()
	log, err := New(dir, 2)
	require.NoError(t, err)

	require.NoError(t, log.NewEvent(Start, 0, 1, 0))
	require.NoError(t, log.RotateWtmp())
	require.NoError(t, log.NewEvent(Start, 0, 2, 0))
	require.NoError(t, log.RotateWtmp())

	events1, err := readAll(log.archivePath(1))
	require.NoError(t, err)
	require.Len(t, events1, 1)
	assert.Equal(t, LID(2), events1[0].UID)

	events2, err := readAll(log.archivePath(2))
	require.NoError(t, err)
	require.Len(t, events2, 1)
	assert.Equal(t, LID(1), events2[0].UID)
}

func TestRecordEventSatisfiesInt16Interface(t *testing.T) {
	dir := t.TempDir()
	log, err := New(dir, DefaultArchives)
	require.NoError(t, err)

	var recorder interface {
		RecordEvent(kind int16, from, to int16, count int16) error
	} = log

	require.NoError(t, recorder.RecordEvent(Start, 0, 9, 0))

	found, err := log.FindEvent(Start, 9, time.Now().Add(-time.Minute), 1)
	require.NoError(t, err)
	require.Len(t, found, 1)
}
