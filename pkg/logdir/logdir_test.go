package logdir

import (
	"testing"

	"github.com/oneconcern/capstore/pkg/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(oid disk.OID, gen uint64, lid disk.LID) Entry {
	return Entry{
		ObjectDescriptor: disk.ObjectDescriptor{OID: oid, AllocCount: 1, LID: lid, Type: disk.TypePage},
		Generation:       gen,
	}
}

func TestRecordFind(t *testing.T) {
	d := New()
	_, ok := d.Find(1)
	assert.False(t, ok)

	require.True(t, d.Record(entry(1, 1, 10)))
	require.True(t, d.Record(entry(2, 1, 11)))
	require.True(t, d.Record(entry(1, 2, 20)))
	assert.False(t, d.Record(entry(1, 1, 12)), "older versions are ignored")

	e, ok := d.Find(1)
	require.True(t, ok)
	assert.Equal(t, uint64(2), e.Generation)
	assert.Equal(t, disk.LID(20), e.LID)
	assert.Equal(t, 2, d.Len())

	oldest, ok := d.Oldest()
	require.True(t, ok)
	assert.Equal(t, uint64(1), oldest)
}

func TestGeneration(t *testing.T) {
	d := New()
	for i := disk.OID(0); i < 10; i++ {
		d.Record(entry(i, 3, disk.LID(i)))
	}
	d.Record(entry(4, 4, 100))

	var oids []disk.OID
	d.Generation(3, func(e Entry) bool {
		oids = append(oids, e.OID)
		return true
	})
	assert.Equal(t, []disk.OID{0, 1, 2, 3, 5, 6, 7, 8, 9}, oids, "superseded entries are not listed")

	n := 0
	d.Generation(3, func(Entry) bool {
		n++
		return n < 2
	})
	assert.Equal(t, 2, n)
}

func TestClearGeneration(t *testing.T) {
	d := New()
	d.Record(entry(1, 1, 1))
	d.Record(entry(2, 2, 2))
	d.Record(entry(3, 3, 3))
	free := entry(4, 2, 4)
	free.Type = disk.TypeFree
	d.Record(free)

	e, ok := d.Find(4)
	require.True(t, ok)
	assert.True(t, e.Free())

	assert.Equal(t, 3, d.ClearGeneration(2))
	assert.Equal(t, 1, d.Len())
	_, ok = d.Find(2)
	assert.False(t, ok)
	_, ok = d.Find(3)
	assert.True(t, ok)

	d.Reset()
	assert.Zero(t, d.Len())
	_, ok = d.Oldest()
	assert.False(t, ok)
}
