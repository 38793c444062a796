package recordstore

import (
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cockroachdb/pebble"
)

func newPebbleRegistry(t *testing.T) *Pebble {
	t.Helper()
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPebble(db)
}

func testRecord(address string, verifiedAt time.Time) Record {
	return Record{
		Address:         address,
		CompilerVersion: "0.8.20",
		VerifiedAt:      verifiedAt,
		MainUnitName:    "A.sol",
	}
}

func runRegistrySuite(t *testing.T, reg Registry) {
	t.Helper()

	r1 := testRecord("0xAAA", time.Unix(100, 0))
	r2 := testRecord("0xBBB", time.Unix(200, 0))

	require.NoError(t, reg.Set(r1))
	require.NoError(t, reg.Set(r2))

	verified, err := reg.IsVerified("0xaaa")
	require.NoError(t, err)
	assert.True(t, verified, "address lookup should be case-insensitive")

	got, err := reg.Get("0xAAA")
	require.NoError(t, err)
	assert.Equal(t, "0.8.20", got.CompilerVersion)

	count, err := reg.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	list, err := reg.List(0, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "0xAAA", list[0].Address, "list should be ordered by verified_at ascending")

	require.NoError(t, reg.Delete("0xAAA"))
	_, err = reg.Get("0xAAA")
	assert.ErrorIs(t, err, ErrNotFound)

	count, err = reg.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMemory_Registry(t *testing.T) {
	runRegistrySuite(t, NewMemory())
}

func TestPebble_Registry(t *testing.T) {
	runRegistrySuite(t, newPebbleRegistry(t))
}

func TestPebble_SetReplacesIndexEntry(t *testing.T) {
	reg := newPebbleRegistry(t)

	r := testRecord("0xCCC", time.Unix(1, 0))
	require.NoError(t, reg.Set(r))

	r.VerifiedAt = time.Unix(500, 0)
	require.NoError(t, reg.Set(r))

	list, err := reg.List(0, 10)
	require.NoError(t, err)
	require.Len(t, list, 1, "re-setting a record should not leave a stale index entry behind")
}
