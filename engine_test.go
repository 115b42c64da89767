package gdbstub

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTarget is a minimal, in-memory TargetOps implementation used to
// exercise the engine end-to-end, in the spirit of the teacher's own
// Machine type (machine.go) but pure Go and without cgo.
type fakeTarget struct {
	mu      sync.Mutex
	regs    [4]uint32 // 4-byte little-endian registers
	mem     [0x10000]byte
	bps     map[uint64]BreakpointType
	halted  bool
	stopped chan struct{}
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{bps: make(map[uint64]BreakpointType)}
}

func (f *fakeTarget) ops() TargetOps {
	return TargetOps{
		Continue: func(ctx context.Context, arg any) (Action, error) {
			f.mu.Lock()
			f.halted = false
			f.mu.Unlock()
			for {
				f.mu.Lock()
				halted := f.halted
				f.mu.Unlock()
				if halted {
					return ActionResume, nil
				}
				time.Sleep(time.Millisecond)
			}
		},
		StepI: func(ctx context.Context, arg any) (Action, error) {
			f.mu.Lock()
			f.regs[0]++
			f.mu.Unlock()
			return ActionResume, nil
		},
		RegBytes: func(i int) int { return 4 },
		ReadReg: func(i int, out []byte, arg any) int {
			f.mu.Lock()
			defer f.mu.Unlock()
			v := f.regs[i]
			out[0] = byte(v)
			out[1] = byte(v >> 8)
			out[2] = byte(v >> 16)
			out[3] = byte(v >> 24)
			return 0
		},
		WriteReg: func(i int, in []byte, arg any) int {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.regs[i] = uint32(in[0]) | uint32(in[1])<<8 | uint32(in[2])<<16 | uint32(in[3])<<24
			return 0
		},
		ReadMem: func(addr uint64, out []byte, arg any) int {
			f.mu.Lock()
			defer f.mu.Unlock()
			copy(out, f.mem[addr:])
			return 0
		},
		WriteMem: func(addr uint64, data []byte, arg any) int {
			f.mu.Lock()
			defer f.mu.Unlock()
			copy(f.mem[addr:], data)
			return 0
		},
		SetBreakpoint: func(addr, length uint64, typ BreakpointType, arg any) bool {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.bps[addr] = typ
			return true
		},
		DelBreakpoint: func(addr, length uint64, typ BreakpointType, arg any) bool {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.bps, addr)
			return true
		},
		OnInterrupt: func(arg any) {
			f.mu.Lock()
			f.halted = true
			f.mu.Unlock()
		},
	}
}

func encodeRSP(payload string) []byte {
	sum := byte(0)
	for i := 0; i < len(payload); i++ {
		sum += payload[i]
	}
	return []byte(fmt.Sprintf("$%s#%02x", payload, sum))
}

// readReply reads an optional '+' ack followed by one RSP reply payload.
func readReply(t *testing.T, r *bufReader) (ack bool, payload string) {
	t.Helper()
	b, err := r.ReadByte()
	require.NoError(t, err)
	if b == '+' {
		ack = true
	} else {
		r.UnreadByte()
	}
	for {
		c, err := r.ReadByte()
		require.NoError(t, err)
		if c == '$' {
			break
		}
	}
	var data []byte
	for {
		c, err := r.ReadByte()
		require.NoError(t, err)
		if c == '#' {
			break
		}
		data = append(data, c)
	}
	var csum [2]byte
	_, err = io.ReadFull(r, csum[:])
	require.NoError(t, err)
	return ack, string(data)
}

// bufReader is a tiny byte-at-a-time reader over a net.Conn, avoiding a
// dependency on bufio's own buffering semantics interfering with raw
// socket reads in the test harness.
type bufReader struct {
	conn    net.Conn
	last    byte
	pending bool
}

func (r *bufReader) ReadByte() (byte, error) {
	if r.pending {
		r.pending = false
		return r.last, nil
	}
	var b [1]byte
	_, err := r.conn.Read(b[:])
	r.last = b[0]
	return b[0], err
}

// UnreadByte pushes the last byte returned by ReadByte back, so the next
// ReadByte returns it again (readReply relies on this when a reply arrives
// without a leading '+').
func (r *bufReader) UnreadByte() {
	r.pending = true
}

func (r *bufReader) Read(p []byte) (int, error) {
	return r.conn.Read(p)
}

func dialRetry(t *testing.T, addr string) net.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		c, err := net.Dial("tcp", addr)
		if err == nil {
			return c
		}
		lastErr = err
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("dial %s: %v", addr, lastErr)
	return nil
}

// startEngine spins up an Engine against a fixed loopback port, dials a
// client against it, and returns both once the connection is accepted.
func startEngine(t *testing.T, addr string, ops TargetOps, arch ArchInfo) (*Engine, net.Conn) {
	t.Helper()
	type result struct {
		eng *Engine
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		eng, err := Init(ops, arch, addr)
		resCh <- result{eng, err}
	}()
	cliConn := dialRetry(t, addr)
	res := <-resCh
	require.NoError(t, res.err)
	return res.eng, cliConn
}

func TestHandshakeQSupported(t *testing.T) {
	ft := newFakeTarget()
	eng, cli := startEngine(t, "127.0.0.1:18081", ft.ops(), ArchInfo{
		TargetXML: `<target version="1.0"><architecture>riscv:rv32</architecture></target>`,
		SMP:       1, RegNum: 4,
	})
	defer eng.Close()
	defer cli.Close()

	go func() { eng.Run(nil) }()

	_, err := cli.Write(encodeRSP("qSupported:multiprocess+"))
	require.NoError(t, err)

	r := &bufReader{conn: cli}
	ack, payload := readReply(t, r)
	assert.True(t, ack)
	assert.Contains(t, payload, "PacketSize=1024")
	assert.Contains(t, payload, "qXfer:features:read+")
	assert.Contains(t, payload, "hwbreak+")
	assert.Contains(t, payload, "swbreak+")
}

func TestHaltReason(t *testing.T) {
	ft := newFakeTarget()
	eng, cli := startEngine(t, "127.0.0.1:18082", ft.ops(), ArchInfo{RegNum: 4})
	defer eng.Close()
	defer cli.Close()
	go func() { eng.Run(nil) }()

	_, err := cli.Write(encodeRSP("?"))
	require.NoError(t, err)
	r := &bufReader{conn: cli}
	ack, payload := readReply(t, r)
	assert.True(t, ack)
	assert.Equal(t, "S05", payload)
}

func TestReadRegister(t *testing.T) {
	ft := newFakeTarget()
	ft.regs[0] = 1
	eng, cli := startEngine(t, "127.0.0.1:18083", ft.ops(), ArchInfo{RegNum: 4})
	defer eng.Close()
	defer cli.Close()
	go func() { eng.Run(nil) }()

	_, err := cli.Write(encodeRSP("p0"))
	require.NoError(t, err)
	r := &bufReader{conn: cli}
	_, payload := readReply(t, r)
	assert.Equal(t, "01000000", payload)
}

func TestMemoryRoundTrip(t *testing.T) {
	ft := newFakeTarget()
	eng, cli := startEngine(t, "127.0.0.1:18084", ft.ops(), ArchInfo{RegNum: 4})
	defer eng.Close()
	defer cli.Close()
	go func() { eng.Run(nil) }()
	r := &bufReader{conn: cli}

	_, err := cli.Write(encodeRSP("M1000,2:dead"))
	require.NoError(t, err)
	_, payload := readReply(t, r)
	assert.Equal(t, "OK", payload)

	_, err = cli.Write(encodeRSP("m1000,2"))
	require.NoError(t, err)
	_, payload = readReply(t, r)
	assert.Equal(t, "dead", payload)
}

func TestContinueAndInterrupt(t *testing.T) {
	ft := newFakeTarget()
	eng, cli := startEngine(t, "127.0.0.1:18085", ft.ops(), ArchInfo{RegNum: 4})
	defer eng.Close()
	defer cli.Close()
	go func() { eng.Run(nil) }()
	r := &bufReader{conn: cli}

	_, err := cli.Write(encodeRSP("c"))
	require.NoError(t, err)

	// Give the engine a moment to enter the continue event before sending
	// the interrupt byte, mirroring the scripted scenario in spec.md §8.
	time.Sleep(20 * time.Millisecond)
	_, err = cli.Write([]byte{0x03})
	require.NoError(t, err)

	_, payload := readReply(t, r)
	assert.Equal(t, "S05", payload)
}

func TestBadChecksumThenGood(t *testing.T) {
	ft := newFakeTarget()
	eng, cli := startEngine(t, "127.0.0.1:18086", ft.ops(), ArchInfo{RegNum: 4})
	defer eng.Close()
	defer cli.Close()
	go func() { eng.Run(nil) }()
	r := &bufReader{conn: cli}

	_, err := cli.Write([]byte("$?#00"))
	require.NoError(t, err)
	_, err = cli.Write(encodeRSP("?"))
	require.NoError(t, err)

	_, payload := readReply(t, r)
	assert.Equal(t, "S05", payload)
}

func TestMissingCapabilityRepliesE01(t *testing.T) {
	ft := newFakeTarget()
	ops := ft.ops()
	ops.Continue = nil
	eng, cli := startEngine(t, "127.0.0.1:18087", ops, ArchInfo{RegNum: 4})
	defer eng.Close()
	defer cli.Close()
	go func() { eng.Run(nil) }()
	r := &bufReader{conn: cli}

	_, err := cli.Write(encodeRSP("c"))
	require.NoError(t, err)
	_, payload := readReply(t, r)
	assert.Equal(t, "E01", payload)
}

func TestMemoryTransferBoundaries(t *testing.T) {
	ft := newFakeTarget()
	eng, cli := startEngine(t, "127.0.0.1:18088", ft.ops(), ArchInfo{RegNum: 4})
	defer eng.Close()
	defer cli.Close()
	go func() { eng.Run(nil) }()
	r := &bufReader{conn: cli}

	_, err := cli.Write(encodeRSP(fmt.Sprintf("m0,%x", maxMemXferSize+1)))
	require.NoError(t, err)
	_, payload := readReply(t, r)
	assert.Equal(t, "E16", payload)
}

func TestNoAckModeSuppressesAcks(t *testing.T) {
	ft := newFakeTarget()
	eng, cli := startEngine(t, "127.0.0.1:18089", ft.ops(), ArchInfo{RegNum: 4})
	defer eng.Close()
	defer cli.Close()
	go func() { eng.Run(nil) }()
	r := &bufReader{conn: cli}

	_, err := cli.Write(encodeRSP("QStartNoAckMode"))
	require.NoError(t, err)
	ack, payload := readReply(t, r)
	assert.True(t, ack)
	assert.Equal(t, "OK", payload)

	_, err = cli.Write(encodeRSP("?"))
	require.NoError(t, err)
	ack, payload = readReply(t, r)
	assert.False(t, ack)
	assert.Equal(t, "S05", payload)
}
