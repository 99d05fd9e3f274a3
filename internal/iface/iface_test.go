package iface

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddFindIfaceRoundTrip(t *testing.T) {
	d := New()
	it, err := d.AddIface(Client, "bob", nil, nil, nil)
	require.NoError(t, err)

	found, ok := d.FindIface(Client, "BOB")
	require.True(t, ok)
	assert.Same(t, it, found)
	d.Unlock()
}

func TestAddIfaceAnonymousGetsGeneratedName(t *testing.T) {
	d := New()
	it, err := d.AddIface(Temp, "", nil, nil, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, it.Name)
}

func TestAddIfaceDuplicateNameRejected(t *testing.T) {
	d := New()
	_, err := d.AddIface(Client, "bob", nil, nil, nil)
	require.NoError(t, err)
	_, err = d.AddIface(Client, "bob", nil, nil, nil)
	assert.Error(t, err)
}

func TestNewRequestEnqueuesAndGetRequestDequeues(t *testing.T) {
	d := New()
	it, err := d.AddIface(Console, "term", nil, nil, nil)
	require.NoError(t, err)

	require.NoError(t, d.NewRequest(it, Public, "hello %s", "world"))
	assert.Equal(t, 1, it.QueueLen())

	req, ok := d.GetRequest(it)
	require.True(t, ok)
	assert.Equal(t, "hello world", req.Text)
	assert.Equal(t, 0, it.QueueLen())
}

func TestAddRequestBroadcastsByTypeAndGlob(t *testing.T) {
	d := New()
	a, _ := d.AddIface(Client, "alice", nil, nil, nil)
	b, _ := d.AddIface(Client, "bob", nil, nil, nil)
	c, _ := d.AddIface(Service, "alpine", nil, nil, nil)

	errs := d.AddRequest(Client, "al*", Public, "ping")
	assert.Empty(t, errs)

	assert.Equal(t, 1, a.QueueLen())
	assert.Equal(t, 0, b.QueueLen())
	assert.Equal(t, 0, c.QueueLen())
}

func TestQueueLimitDropsExcess(t *testing.T) {
	d := New()
	d.queueLimit = 2
	it, _ := d.AddIface(Console, "term", nil, nil, nil)

	require.NoError(t, d.NewRequest(it, Public, "1"))
	require.NoError(t, d.NewRequest(it, Public, "2"))
	err := d.NewRequest(it, Public, "3")
	assert.Error(t, err)
	assert.Equal(t, 2, it.QueueLen())
}

func TestSendSignalDiedRemovesActor(t *testing.T) {
	d := New()
	handler := func(it *Interface, sig Signal) Lifecycle {
		if sig == STerminate {
			return DiedFlag
		}
		return Alive
	}
	_, err := d.AddIface(Service, "worker", handler, nil, nil)
	require.NoError(t, err)

	d.SendSignal(Service, "worker", STerminate)

	_, ok := d.FindIface(Service, "worker")
	assert.False(t, ok)
}

func TestSignalSingleTarget(t *testing.T) {
	d := New()
	received := Signal(0)
	handler := func(it *Interface, sig Signal) Lifecycle {
		received = sig
		return Alive
	}
	_, err := d.AddIface(Module, "mod1", handler, nil, nil)
	require.NoError(t, err)

	require.NoError(t, d.Signal("mod1", SReport))
	assert.Equal(t, SReport, received)
}

func TestRenameIfaceUpdatesLookup(t *testing.T) {
	d := New()
	it, err := d.AddIface(Client, "old", nil, nil, nil)
	require.NoError(t, err)

	require.NoError(t, d.RenameIface(it, "new"))

	_, ok := d.FindIface(Client, "old")
	assert.False(t, ok)

	found, ok := d.FindIface(Client, "new")
	require.True(t, ok)
	assert.Same(t, it, found)
	d.Unlock()
}

func TestDispatchProcessesOneRequestPerRound(t *testing.T) {
	d := New()
	var processed []string
	handler := func(it *Interface, req *Request) Lifecycle {
		processed = append(processed, req.Text)
		return Alive
	}
	it, err := d.AddIface(Service, "svc", nil, handler, nil)
	require.NoError(t, err)

	require.NoError(t, d.NewRequest(it, Public, "a"))
	require.NoError(t, d.NewRequest(it, Public, "b"))

	d.Dispatch()
	assert.Equal(t, []string{"a"}, processed)

	d.Dispatch()
	assert.Equal(t, []string{"a", "b"}, processed)
}

func TestQueueDepthsReportsPendingCounts(t *testing.T) {
	d := New()
	it, err := d.AddIface(Console, "term", nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, d.NewRequest(it, Public, "x"))
	require.NoError(t, d.NewRequest(it, Public, "y"))

	depths := d.QueueDepths()
	assert.Equal(t, 2, depths["term"])
}

func TestMarkWakeableSetsFlag(t *testing.T) {
	d := New()
	it, err := d.AddIface(Client, "bob", nil, nil, nil)
	require.NoError(t, err)

	require.NoError(t, d.MarkWakeable("bob"))
	assert.True(t, it.Wakeable())

	require.NoError(t, d.NewRequest(it, Public, "x"))
	_, ok := d.GetRequest(it)
	require.True(t, ok)
	assert.False(t, it.Wakeable())
}
