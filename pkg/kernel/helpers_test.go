package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/oneconcern/capstore/pkg/config"
	"github.com/oneconcern/capstore/pkg/disk"
	"github.com/oneconcern/capstore/pkg/invoke"
	"github.com/oneconcern/capstore/pkg/key"
	"github.com/oneconcern/capstore/pkg/storage"
	"github.com/oneconcern/capstore/pkg/storage/localfs"
	"github.com/oneconcern/capstore/pkg/volume"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	testPath = "/volumes/kernel.vol"

	regRange invoke.Reg = 0
	regCkpt  invoke.Reg = 1
)

var noRegs = [invoke.MaxKeys]invoke.Reg{invoke.NoReg, invoke.NoReg, invoke.NoReg}

// keepOpen survives a kernel shutdown, so that the volume may be booted again
type keepOpen struct {
	storage.Device
}

func (keepOpen) Close() error {
	return nil
}

type testKernel struct {
	*Kernel
	t    testing.TB
	base storage.Device
}

func testConfig() config.Kernel {
	cfg := config.Default()
	cfg.CacheObjects = 256
	cfg.ArenaSlots = 4096
	cfg.CheckpointInterval = 0
	cfg.PhysMemory = "64KiB"
	return cfg
}

func newTestKernel(t testing.TB) *testKernel {
	ctx := context.Background()
	layout := volume.Layout{LogFrames: 64, ObjectClusters: []uint64{1}, SystemID: 9}
	base, err := localfs.Create(afero.NewMemMapFs(), testPath, layout.Sectors(), true)
	require.NoError(t, err)
	_, err = volume.Format(ctx, base, layout)
	require.NoError(t, err)

	tk := &testKernel{t: t, base: base}
	tk.boot()
	t.Cleanup(func() {
		_ = tk.Close()
		_ = base.Close()
	})
	return tk
}

func (tk *testKernel) boot() {
	k, err := Boot(context.Background(), keepOpen{tk.base}, testConfig(), Logger(zaptest.NewLogger(tk.t)))
	require.NoError(tk.t, err)
	tk.Kernel = k
}

// reboot drops everything held in memory, as after a crash
func (tk *testKernel) reboot() {
	require.NoError(tk.t, tk.Close())
	tk.boot()
}

// process creates a process holding the range and checkpoint devices
func (tk *testKernel) process() disk.OID {
	ctx := context.Background()
	pid, err := tk.CreateProcess(ctx)
	require.NoError(tk.t, err)
	require.NoError(tk.t, tk.SetRegister(ctx, pid, regRange, key.NewDevice(key.DeviceRange)))
	require.NoError(tk.t, tk.SetRegister(ctx, pid, regCkpt, key.NewDevice(key.DeviceCheckpoint)))
	return pid
}

func (tk *testKernel) invoke(pid disk.OID, msg invoke.Message) invoke.Reply {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r, err := tk.Invoke(ctx, pid, msg)
	require.NoError(tk.t, err)
	return r
}

// typeOf answers the type of the key held in a register, by invoking it
func (tk *testKernel) typeOf(pid disk.OID, r invoke.Reg) key.Type {
	reply := tk.invoke(pid, invoke.NewMessage(r, invoke.GetType))
	require.Equal(tk.t, invoke.OK, reply.Result)
	return key.Type(reply.Words[0])
}

func (tk *testKernel) alloc(pid disk.OID, order invoke.Order, persistent bool, into invoke.Reg) {
	var w uint32
	if persistent {
		w = 1
	}
	msg := invoke.NewMessage(regRange, order, w)
	msg.Receive[0] = into
	reply := tk.invoke(pid, msg)
	require.Equal(tk.t, invoke.OK, reply.Result)
}
