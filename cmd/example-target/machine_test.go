package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aykevl/gdbstub"
)

func TestMachineRegisterRoundTrip(t *testing.T) {
	m := newMachine(1024)
	ops := m.ops()

	buf := []byte{1, 2, 3, 4}
	errno := ops.WriteReg(5, buf, nil)
	require.Zero(t, errno)

	out := make([]byte, 4)
	errno = ops.ReadReg(5, out, nil)
	require.Zero(t, errno)
	assert.Equal(t, buf, out)
}

func TestMachineRegisterOutOfRange(t *testing.T) {
	m := newMachine(1024)
	ops := m.ops()
	errno := ops.ReadReg(regCount, make([]byte, 4), nil)
	assert.Equal(t, memFaultErrno, errno)
}

func TestMachineMemoryRoundTrip(t *testing.T) {
	m := newMachine(64)
	ops := m.ops()

	require.Zero(t, ops.WriteMem(10, []byte{0xde, 0xad}, nil))
	out := make([]byte, 2)
	require.Zero(t, ops.ReadMem(10, out, nil))
	assert.Equal(t, []byte{0xde, 0xad}, out)
}

func TestMachineMemoryOutOfRange(t *testing.T) {
	m := newMachine(4)
	ops := m.ops()
	errno := ops.ReadMem(0, make([]byte, 8), nil)
	assert.Equal(t, memFaultErrno, errno)
}

func TestMachineBreakpointStopsContinue(t *testing.T) {
	m := newMachine(64)
	ops := m.ops()
	require.True(t, ops.SetBreakpoint(8, 0, 0, nil))

	action, err := ops.Continue(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, gdbstub.ActionResume, action)
	assert.Equal(t, 8, int(m.regs[32]))
}

func TestMachineInterruptHalts(t *testing.T) {
	m := newMachine(64)
	ops := m.ops()

	done := make(chan struct{})
	go func() {
		ops.Continue(context.Background(), nil)
		close(done)
	}()
	ops.OnInterrupt(nil)
	<-done
}

func TestMachineLoadFitsImage(t *testing.T) {
	m := newMachine(16)
	m.load([]byte{1, 2, 3})
	assert.Equal(t, byte(1), m.mem[0])
	assert.Equal(t, byte(3), m.mem[2])
}
