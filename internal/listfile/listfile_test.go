package listfile

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddFindAliasDelete(t *testing.T) {
	db := New("")

	alice, err := db.AddClientRecord("alice", "*!user@host.example", Friend)
	require.NoError(t, err)

	_, err = db.AddAlias("ally", "alice")
	require.NoError(t, err)

	found, ok := db.FindClientRecord("nick!user@host.example", nil)
	require.True(t, ok)
	assert.Equal(t, "alice", found.Lname)
	assert.True(t, found.Flags.Has(Friend))
	assert.Equal(t, alice.LID, found.LID)

	db.DeleteClientRecord("ally")

	_, ok = db.lnameIndex.Find(foldLname("ally"))
	assert.False(t, ok)

	still, err := db.LockClientRecord("alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", still.Record().Lname)
	still.Unlock()
}

func TestFlagTestComposition(t *testing.T) {
	assert.True(t, Test(Master, Master, Master, 0))
	assert.False(t, Test(Op, 0, Master, 0))
	assert.True(t, Test(0, 0, Negate|Master, 0)) // caller lacks Master -> negate matches
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Listfile")

	db := New(path)
	rec, err := db.AddClientRecord("bob", "*!bob@irc.example", Friend|Access)
	require.NoError(t, err)

	h, err := db.LockClientRecord("bob")
	require.NoError(t, err)
	require.NoError(t, db.SetField(h.Record(), "passwd", "secret", timeOf(0)))
	h.Record().SetFlags("7", 7, Op)
	h.Unlock()

	require.NoError(t, db.Save())

	_, err = os.Stat(path)
	require.NoError(t, err)

	loaded := New(path)
	require.NoError(t, loaded.Load(path, false))

	reloadedHandle, err := loaded.LockClientRecordByLID(rec.LID)
	require.NoError(t, err)
	defer reloadedHandle.Unlock()

	got := reloadedHandle.Record()
	assert.Equal(t, "bob", got.Lname)
	assert.Equal(t, Friend|Access, got.Flags)
	assert.Equal(t, Op, got.GetFlags("7"))
	passwd, _, ok := got.GetField("passwd")
	require.True(t, ok)
	assert.Equal(t, "secret", passwd)
}

// TestServiceFieldReachableByLIDAndByPlainName reproduces the
// field-lookup contract requiring a service sub-record be reachable
// both as "@"+LID and by the service's plain, registered name.
func TestServiceFieldReachableByLIDAndByPlainName(t *testing.T) {
	db := New("")

	irc, err := db.AddClientRecord("irc.example", "*!irc@host", Special)
	require.NoError(t, err)

	_, err = db.AddClientRecord("bob", "*!bob@irc.example", Friend)
	require.NoError(t, err)

	h, err := db.LockClientRecord("bob")
	require.NoError(t, err)
	h.Record().Services = append(h.Record().Services, ServiceRecord{
		ServiceLID: irc.LID,
		Flags:      Op,
		Greeting:   "welcome to irc.example",
	})

	byLID := "@" + strconv.Itoa(int(irc.LID))
	greeting, _, ok := db.GetField(h.Record(), byLID)
	require.True(t, ok)
	assert.Equal(t, "welcome to irc.example", greeting)

	greeting, _, ok = db.GetField(h.Record(), "irc.example")
	require.True(t, ok)
	assert.Equal(t, "welcome to irc.example", greeting)

	assert.Equal(t, Op, db.GetFlags(h.Record(), "irc.example"))
	assert.Equal(t, Op, db.GetFlags(h.Record(), byLID))

	db.SetFlags(h.Record(), "irc.example", irc.LID, Op|Voice)
	assert.Equal(t, Op|Voice, db.GetFlags(h.Record(), byLID))
	h.Unlock()
}

// TestFindClientRecordTieBreaksDeterministically reproduces a hostmask
// that scores equally against two records with no prefer record to
// break the tie: the result must consistently be the lower-LID record
// across repeated calls, rather than varying with Go's randomized map
// iteration order over db.byLID.
func TestFindClientRecordTieBreaksDeterministically(t *testing.T) {
	db := New("")

	first, err := db.AddClientRecord("first", "*!user@host.example", Friend)
	require.NoError(t, err)
	second, err := db.AddClientRecord("second", "*!user@host.example", Friend)
	require.NoError(t, err)

	lowestLID := first.LID
	if second.LID < lowestLID {
		lowestLID = second.LID
	}

	for i := 0; i < 20; i++ {
		db.markDirty() // bump db.generation so each call bypasses the match cache
		found, ok := db.FindClientRecord("nick!user@host.example", nil)
		require.True(t, ok)
		assert.Equal(t, lowestLID, found.LID)
	}
}

func TestMergeLoadKeepsUnsharedSpecialAndPurgesOthers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Listfile")

	db := New(path)
	db.AddClientRecord("kept", "*!kept@host", Unshared|Special)
	db.AddClientRecord("stale", "*!stale@host", Friend)
	require.NoError(t, db.Save())

	fresh := `#FEU: foxeye-sub001 listfile
newcomer::100:0:::::0
:::::::::
`
	require.NoError(t, os.WriteFile(path, []byte(fresh), 0640))

	require.NoError(t, db.Load(path, true))

	_, ok := db.lnameIndex.Find(foldLname("kept"))
	assert.True(t, ok, "unshared+special record must survive a merge purge")

	_, ok = db.lnameIndex.Find(foldLname("stale"))
	assert.False(t, ok, "record absent from the merge source must be purged")

	_, ok = db.lnameIndex.Find(foldLname("newcomer"))
	assert.True(t, ok)
}
