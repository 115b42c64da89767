package main

import (
	"context"
	"sync/atomic"

	"github.com/aykevl/gdbstub"
)

// regCount is x0..x31 plus pc, the RV32I integer file.
const regCount = 33

// memFaultErrno mirrors the wire E0e distinguished by spec.md §7 for a
// memory access outside the machine's backing array.
const memFaultErrno = 0x0e

// machine is a tiny in-memory stand-in for the teacher's cgo-backed CPU
// core: a flat register file and byte-addressed memory array, enough to
// drive the protocol engine end-to-end without a real instruction
// decoder. Continue/StepI both just advance pc; there is no ALU.
type machine struct {
	regs    [regCount]uint32
	mem     []byte
	halt    atomic.Bool
	bps     map[uint64]gdbstub.BreakpointType
}

func newMachine(memSize int) *machine {
	return &machine{
		mem: make([]byte, memSize),
		bps: make(map[uint64]gdbstub.BreakpointType),
	}
}

// load copies a firmware image into memory starting at address 0, the
// pure-Go replacement for the teacher's machine_load.
func (m *machine) load(image []byte) {
	copy(m.mem, image)
}

// reset zeroes the register file and arms pc at the image's entry point,
// the pure-Go replacement for machine_reset.
func (m *machine) reset() {
	for i := range m.regs {
		m.regs[i] = 0
	}
}

func (m *machine) ops() gdbstub.TargetOps {
	return gdbstub.TargetOps{
		Continue:      m.continueExec,
		StepI:         m.stepI,
		RegBytes:      func(i int) int { return 4 },
		ReadReg:       m.readReg,
		WriteReg:      m.writeReg,
		ReadMem:       m.readMem,
		WriteMem:      m.writeMem,
		SetBreakpoint: m.setBreakpoint,
		DelBreakpoint: m.delBreakpoint,
		OnInterrupt:   m.onInterrupt,
	}
}

// continueExec single-steps pc forward until OnInterrupt flips the halt
// flag or a breakpoint address is hit, mirroring the teacher's
// Machine.Continue/Machine.Halt handshake but without a runChan, since
// there is no separate goroutine running real CPU instructions here. The
// halt flag is cleared on return, so an interrupt delivered just before the
// call still stops it.
func (m *machine) continueExec(ctx context.Context, arg any) (gdbstub.Action, error) {
	defer m.halt.Store(false)
	for !m.halt.Load() {
		pc := uint64(m.regs[32])
		if _, hit := m.bps[pc]; hit {
			break
		}
		m.regs[32] += 4
		select {
		case <-ctx.Done():
			return gdbstub.ActionShutdown, ctx.Err()
		default:
		}
	}
	return gdbstub.ActionResume, nil
}

func (m *machine) stepI(ctx context.Context, arg any) (gdbstub.Action, error) {
	m.regs[32] += 4
	return gdbstub.ActionResume, nil
}

func (m *machine) readReg(i int, out []byte, arg any) int {
	if i < 0 || i >= regCount {
		return memFaultErrno
	}
	v := m.regs[i]
	out[0] = byte(v)
	out[1] = byte(v >> 8)
	out[2] = byte(v >> 16)
	out[3] = byte(v >> 24)
	return 0
}

func (m *machine) writeReg(i int, in []byte, arg any) int {
	if i < 0 || i >= regCount {
		return memFaultErrno
	}
	m.regs[i] = uint32(in[0]) | uint32(in[1])<<8 | uint32(in[2])<<16 | uint32(in[3])<<24
	return 0
}

func (m *machine) readMem(addr uint64, out []byte, arg any) int {
	if addr+uint64(len(out)) > uint64(len(m.mem)) {
		return memFaultErrno
	}
	copy(out, m.mem[addr:])
	return 0
}

func (m *machine) writeMem(addr uint64, data []byte, arg any) int {
	if addr+uint64(len(data)) > uint64(len(m.mem)) {
		return memFaultErrno
	}
	copy(m.mem[addr:], data)
	return 0
}

func (m *machine) setBreakpoint(addr, length uint64, typ gdbstub.BreakpointType, arg any) bool {
	if !typ.Valid() {
		return false
	}
	m.bps[addr] = typ
	return true
}

func (m *machine) delBreakpoint(addr, length uint64, typ gdbstub.BreakpointType, arg any) bool {
	delete(m.bps, addr)
	return true
}

func (m *machine) onInterrupt(arg any) {
	m.halt.Store(true)
}
