package bindtable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LStranger/foxeye-sub001/internal/listfile"
)

func noop(string, []string) int { return 1 }

func TestMaskTableInvokesAllMatches(t *testing.T) {
	tbl := New("msg", Mask)
	_, err := tbl.AddBinding("*!*@*.example", 0, 0, noop, "")
	require.NoError(t, err)
	_, err = tbl.AddBinding("bob!*@*", 0, 0, noop, "")
	require.NoError(t, err)

	var matched []*Binding
	var prev *Binding
	for {
		b, ok := tbl.CheckBindtable("bob!bob@host.example", 0, 0, prev)
		if !ok {
			break
		}
		matched = append(matched, b)
		prev = b
	}
	assert.Len(t, matched, 2)
}

func TestUniqTableSingleWinnerAndLastResort(t *testing.T) {
	tbl := New("cmd", Uniq)
	_, err := tbl.AddBinding("help", 0, 0, noop, "")
	require.NoError(t, err)
	_, err = tbl.AddBinding("", 0, 0, noop, "") // last resort
	require.NoError(t, err)

	b, ok := tbl.CheckBindtable("help me now", 0, 0, nil)
	require.True(t, ok)
	assert.Equal(t, "help", b.Key)

	_, ok = tbl.CheckBindtable("unknown", 0, 0, nil)
	require.True(t, ok, "falls through to last-resort chain")
}

func TestKeywordTableIteratesInOrder(t *testing.T) {
	tbl := New("notify", Keyword)
	first, err := tbl.AddBinding("join", 0, 0, noop, "")
	require.NoError(t, err)
	second, err := tbl.AddBinding("join", 0, 0, noop, "other")
	require.NoError(t, err)

	b1, ok := tbl.CheckBindtable("join", 0, 0, nil)
	require.True(t, ok)
	assert.Equal(t, first, b1)

	b2, ok := tbl.CheckBindtable("join", 0, 0, b1)
	require.True(t, ok)
	assert.Equal(t, second, b2)
}

func TestUCompleteExactBeatsPrefix(t *testing.T) {
	tbl := New("cmd", UComplete)
	_, err := tbl.AddBinding("status", 0, 0, noop, "")
	require.NoError(t, err)
	_, err = tbl.AddBinding("statusbar", 0, 0, noop, "")
	require.NoError(t, err)

	b, ok := tbl.CheckBindtable("status", 0, 0, nil)
	require.True(t, ok)
	assert.Equal(t, "status", b.Key)
}

func TestUCompleteAmbiguousPrefixFails(t *testing.T) {
	tbl := New("cmd", UComplete)
	_, err := tbl.AddBinding("list", 0, 0, noop, "")
	require.NoError(t, err)
	_, err = tbl.AddBinding("listen", 0, 0, noop, "")
	require.NoError(t, err)

	_, ok := tbl.CheckBindtable("lis", 0, 0, nil)
	assert.False(t, ok)
}

func TestUniqMaskExactCollapsesToOne(t *testing.T) {
	tbl := New("uniqmask", UniqMask)
	_, err := tbl.AddBinding("*@host.example", 0, 0, noop, "")
	require.NoError(t, err)
	_, err = tbl.AddBinding("bob@host.example", 0, 0, noop, "")
	require.NoError(t, err)

	var matched []*Binding
	var prev *Binding
	for {
		b, ok := tbl.CheckBindtable("bob@host.example", 0, 0, prev)
		if !ok {
			break
		}
		matched = append(matched, b)
		prev = b
	}
	require.Len(t, matched, 1)
	assert.Equal(t, "bob@host.example", matched[0].Key)
}

func TestUniqTableRejectsSameKeyDifferentHandler(t *testing.T) {
	tbl := New("cmd", Uniq)
	_, err := tbl.AddBinding("set", listfile.Master, listfile.Master, noop, "")
	require.NoError(t, err)

	fnB := func(string, []string) int { return 0 }
	_, err = tbl.AddBinding("set", listfile.Owner, 0, fnB, "")
	assert.Error(t, err, "a second binding on the same Uniq key must be reported as a duplicate and rejected")
}

func TestAddBindingIdempotentOnDuplicate(t *testing.T) {
	tbl := New("cmd", Mask)
	b1, err := tbl.AddBinding("*", listfile.Friend, 0, noop, "")
	require.NoError(t, err)
	b2, err := tbl.AddBinding("*", listfile.Friend, 0, noop, "")
	require.NoError(t, err)
	assert.Same(t, b1, b2)
}

func TestDeleteBindingRemovesAllMatches(t *testing.T) {
	tbl := New("cmd", Keyword)
	_, err := tbl.AddBinding("join", 0, 0, nil, "join-script")
	require.NoError(t, err)
	_, err = tbl.AddBinding("part", 0, 0, nil, "join-script")
	require.NoError(t, err)

	removed := tbl.DeleteBinding(nil, "join-script")
	assert.Equal(t, 2, removed)

	_, ok := tbl.CheckBindtable("join", 0, 0, nil)
	assert.False(t, ok)
}

func TestFlagFilteringExcludesUnprivilegedCaller(t *testing.T) {
	tbl := New("cmd", Keyword)
	_, err := tbl.AddBinding("kick", listfile.Op, 0, noop, "")
	require.NoError(t, err)

	_, ok := tbl.CheckBindtable("kick", 0, 0, nil)
	assert.False(t, ok, "caller without Op must not match")

	_, ok = tbl.CheckBindtable("kick", listfile.Op, 0, nil)
	assert.True(t, ok)
}
