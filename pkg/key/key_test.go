package key

import (
	"testing"

	"github.com/oneconcern/capstore/pkg/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyTypes(t *testing.T) {
	for kt := Void; kt < NumTypes; kt++ {
		assert.True(t, kt.Valid())
		assert.NotContains(t, kt.String(), "keytype")
	}
	assert.False(t, NumTypes.Valid())
	assert.Equal(t, "keytype(200)", Type(200).String())

	assert.True(t, Node.IsObject())
	assert.True(t, Resume.IsObject())
	assert.False(t, Number.IsObject())
	assert.False(t, Device.IsObject())

	assert.Equal(t, disk.TypePage, Page.ObjectType())
	assert.Equal(t, disk.TypeNode, Start.ObjectType())
	assert.Equal(t, disk.TypeFree, Schedule.ObjectType())
}

func TestNumber(t *testing.T) {
	k := NewNumber(1, 0xdeadbeef, 0xcafe)
	assert.Equal(t, [3]uint32{1, 0xdeadbeef, 0xcafe}, k.Words())
	assert.Equal(t, "number(0x1,0xdeadbeef,0xcafe)", k.String())
}

func TestDiskForm(t *testing.T) {
	keys := []Key{
		VoidKey,
		NewNumber(7, 8, 9),
		NewObject(Node, 0x1234, 3, ReadOnly),
		NewObject(Page, disk.FrameOID(10), 1, 0),
		NewObject(Resume, 0x42, 9, 0),
		NewDevice(DeviceRange),
		NewSchedule(4),
	}
	for _, k := range keys {
		assert.Equal(t, k, FromDisk(k.ToDisk()), "key %v", k)
	}

	// unknown types never leak into memory
	assert.Equal(t, VoidKey, FromDisk(disk.DiskKey{Type: 99, OID: 12}))
	assert.Equal(t, VoidKey, FromDisk(disk.DiskKey{Type: 0, OID: 12}))
}

func TestPerms(t *testing.T) {
	k := NewObject(Node, 1, 1, 0)
	r := k.Reduce(ReadOnly)
	require.True(t, r.Perms.Has(ReadOnly))
	assert.False(t, k.Perms.Has(ReadOnly))
	assert.False(t, k.Same(r))
	assert.Equal(t, "r--", r.Perms.String())
	assert.Equal(t, "rnw", (ReadOnly | NoCall | Weak).String())
}
