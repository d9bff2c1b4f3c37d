package disk

import (
	"testing"

	"github.com/oneconcern/capstore/pkg/disk/status"
	"github.com/oneconcern/capstore/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerationHeader(t *testing.T) {
	h := GenerationHeader{
		Generation:         7,
		MigratedGeneration: 3,
		FirstLID:           FrameLID(10),
		LastLID:            FrameLID(19),
		DemarcationTime:    123456789,
		Processes:          DirRef{Count: 2, Frames: 1, First: FrameLID(18)},
		Objects:            DirRef{Count: 200, Frames: 2, First: FrameLID(16)},
	}
	buf, err := h.MarshalBinary()
	require.NoError(t, err)

	var decoded GenerationHeader
	require.NoError(t, decoded.UnmarshalBinary(buf))
	assert.Equal(t, h, decoded)

	buf[100]++
	assert.True(t, errors.Is(decoded.UnmarshalBinary(buf), status.ErrChecksum))
}

func TestDirectories(t *testing.T) {
	objects := make([]ObjectDescriptor, ObjectsPerDirFrame+3)
	for i := range objects {
		objects[i] = ObjectDescriptor{OID: FrameOID(uint64(i)), AllocCount: ObCount(i), LID: FrameLID(uint64(i + 2)), Type: TypePage}
	}
	frames := EncodeObjectDir(5, objects)
	require.Len(t, frames, 2)
	require.Equal(t, 2, DirFramesFor(DirObjects, len(objects)))

	var decoded []ObjectDescriptor
	for _, f := range frames {
		part, err := DecodeObjectDir(f, 5)
		require.NoError(t, err)
		decoded = append(decoded, part...)
	}
	assert.Equal(t, objects, decoded)

	// a directory frame left over from another generation is rejected
	_, err := DecodeObjectDir(frames[0], 6)
	assert.True(t, errors.Is(err, status.ErrChecksum))

	procs := []ProcessDescriptor{{OID: 42, CallCount: 3, State: 1}}
	pframes := EncodeProcessDir(5, procs)
	require.Len(t, pframes, 1)
	got, err := DecodeProcessDir(pframes[0], 5)
	require.NoError(t, err)
	assert.Equal(t, procs, got)

	_, err = DecodeProcessDir(frames[0], 5)
	assert.True(t, errors.Is(err, status.ErrBadMagic), "kinds must not be confused")
}

func TestCheckpointRoot(t *testing.T) {
	r := CheckpointRoot{
		Generation:         9,
		MigratedGeneration: 7,
		EndLog:             FrameLID(40),
		MaxNPCount:         12,
		Sequence:           11,
		Generations:        []LID{FrameLID(20), FrameLID(30)},
	}
	buf, err := r.MarshalBinary()
	require.NoError(t, err)

	var decoded CheckpointRoot
	require.NoError(t, decoded.UnmarshalBinary(buf))
	assert.Equal(t, r, decoded)

	_, err = CheckpointRoot{Generations: make([]LID, MaxUnmigratedGenerations+1)}.MarshalBinary()
	assert.True(t, errors.Is(err, status.ErrTooManyGenerations))
}

func TestTornRoot(t *testing.T) {
	r := CheckpointRoot{Generation: 4, Generations: []LID{FrameLID(3)}}
	buf, err := r.MarshalBinary()
	require.NoError(t, err)

	// the tail of the frame did not make it to disk
	torn := make([]byte, PageSize)
	copy(torn, buf[:PageSize/2])
	var decoded CheckpointRoot
	assert.True(t, errors.Is(decoded.UnmarshalBinary(torn), status.ErrTornRoot))

	torn[8] = 0
	assert.True(t, errors.Is(decoded.UnmarshalBinary(torn), status.ErrChecksum))
}

func TestSelectRoot(t *testing.T) {
	older, err := CheckpointRoot{Generation: 4}.MarshalBinary()
	require.NoError(t, err)
	newer, err := CheckpointRoot{Generation: 5}.MarshalBinary()
	require.NoError(t, err)
	garbage := make([]byte, PageSize)

	root, slot, err := SelectRoot(older, newer)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), root.Generation)
	assert.Equal(t, 1, slot)

	root, slot, err = SelectRoot(newer, older)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), root.Generation)
	assert.Equal(t, 0, slot)

	// a torn newer root leaves the older one in charge
	root, slot, err = SelectRoot(older, garbage)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), root.Generation)
	assert.Equal(t, 0, slot)

	_, _, err = SelectRoot(garbage, garbage)
	assert.True(t, errors.Is(err, status.ErrNoValidRoot))
}

func TestSelectRootAfterMigration(t *testing.T) {
	checkpointed := CheckpointRoot{Generation: 2, Sequence: 2, Generations: []LID{FrameLID(2), FrameLID(5)}}
	migrated := CheckpointRoot{Generation: 2, MigratedGeneration: 1, Sequence: 3, Generations: []LID{FrameLID(5)}}
	before, err := checkpointed.MarshalBinary()
	require.NoError(t, err)
	after, err := migrated.MarshalBinary()
	require.NoError(t, err)

	// both slots hold generation 2: the migration root was written last
	for _, slots := range [][2][]byte{{before, after}, {after, before}} {
		root, _, err := SelectRoot(slots[0], slots[1])
		require.NoError(t, err)
		assert.Equal(t, uint64(1), root.MigratedGeneration)
		assert.Equal(t, uint64(3), root.Sequence)
		assert.Len(t, root.Generations, 1)
	}
}
