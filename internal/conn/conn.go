// Package conn implements the connection-level concerns of the RSP stub:
// accepting a single debugger peer, framed packet receipt backed by an
// internal/packet buffer, checksum-framed sends serialized behind a mutex,
// and the non-blocking single-byte interrupt peek used by the protocol
// engine's background watcher.
package conn

import (
	"context"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/higebu/netfd"
	"github.com/pkg/errors"
	"github.com/rs/xid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/aykevl/gdbstub/internal/metrics"
	"github.com/aykevl/gdbstub/internal/packet"
	"github.com/aykevl/gdbstub/internal/rsp"
)

const (
	// MaxSendPacketSize bounds an entire framed outbound packet
	// ("$" + payload + "#" + 2 hex digits), per spec.md §6.
	MaxSendPacketSize = 0x1000
	// MaxDataPayload is the payload budget for data-carrying replies:
	// MaxSendPacketSize less six bytes of overhead. Send itself accepts
	// payloads up to MaxSendPacketSize-4.
	MaxDataPayload = MaxSendPacketSize - (2 + 2 + 2)

	// MaxFailures is the number of consecutive checksum/framing
	// violations tolerated before a connection is considered poisoned
	// (spec.md §5, CONN_MAX_FAILURES).
	MaxFailures = 50

	// InterruptByte is the out-of-band control byte GDB sends to request
	// a halt while the target is executing a continue.
	InterruptByte = 0x03

	ackByte  = '+'
	nackByte = '-'

	sendPollSlice  = 100 * time.Millisecond
	sendPollTotal  = 5 * time.Second
	recvPacketCap  = 1 << 20 // generous recv-side cap per spec.md §9
)

// ErrPoisoned is returned once a connection has exceeded MaxFailures
// consecutive checksum/framing violations.
var ErrPoisoned = errors.New("conn: too many consecutive framing failures")

// ErrNoPeer is returned by operations that require an accepted peer before
// one has been accepted.
var ErrNoPeer = errors.New("conn: no peer connection accepted yet")

// Conn is the stub's single listening+accepted connection, per spec.md
// §4.2 (C2).
type Conn struct {
	listener net.Listener
	peer     net.Conn
	peerFD   int

	buf *packet.Buffer

	noAck     bool
	failures  int
	sendMu    sync.Mutex

	id      xid.ID
	log     *zap.SugaredLogger
	metrics *metrics.Collector
}

// Option configures optional collaborators on a Conn.
type Option func(*Conn)

// WithLogger attaches a logger; a nil logger is equivalent to omitting the
// option (the connection falls back to a no-op logger).
func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Conn) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics attaches a metrics collector; nil disables metrics entirely.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Conn) {
		c.metrics = m
	}
}

// Listen opens the listening socket for addr, which is either a TCP
// "<dotted-quad>:<port>" endpoint or a local socket path (spec.md §4.2,
// §6). For TCP, SO_REUSEADDR is set on the listening socket.
func Listen(addr string, opts ...Option) (*Conn, error) {
	network, target := classifyAddr(addr)

	c := &Conn{
		buf:    packet.New(),
		peerFD: -1,
		log:    zap.NewNop().Sugar(),
		id:     xid.New(),
	}
	c.buf.SetMaxSize(recvPacketCap)
	for _, opt := range opts {
		opt(c)
	}

	lc := net.ListenConfig{}
	if network == "tcp" {
		lc.Control = func(_, _ string, rc syscall.RawConn) error {
			var sockErr error
			err := rc.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		}
	}

	ln, err := lc.Listen(context.Background(), network, target)
	if err != nil {
		return nil, errors.Wrapf(err, "conn: listen on %s %s", network, target)
	}
	c.listener = ln
	c.log.Debugw("listening for debugger connection", "network", network, "addr", target, "conn", c.id)
	return c, nil
}

// Accept blocks until the single debugger peer connects. It must be called
// exactly once per Conn (spec.md §4.5.1: "the engine owns exactly one
// accepted peer").
func (c *Conn) Accept() error {
	peer, err := c.listener.Accept()
	if err != nil {
		return errors.Wrap(err, "conn: accept")
	}
	fd := netfd.GetFdFromConn(peer)
	if err := unix.SetNonblock(fd, true); err != nil {
		peer.Close()
		return errors.Wrap(err, "conn: set nonblocking")
	}
	c.peer = peer
	c.peerFD = fd
	c.log.Infow("debugger attached", "remote", peer.RemoteAddr(), "conn", c.id)
	if c.metrics != nil {
		c.metrics.ConnectionsAccepted.Inc()
	}
	return nil
}

// Addr returns the listening socket's address. Useful when the caller
// asked to bind an ephemeral port (":0") and needs to learn the one that
// was actually chosen.
func (c *Conn) Addr() net.Addr {
	return c.listener.Addr()
}

// NoAck reports whether QStartNoAckMode has been negotiated on this
// connection.
func (c *Conn) NoAck() bool {
	return c.noAck
}

// SetNoAck latches no-ack mode. Per spec.md §9, this is a one-way latch:
// once set it is never cleared for the lifetime of the connection.
func (c *Conn) SetNoAck() {
	c.noAck = true
}

// RecvPacket blocks, polling the peer for readability and filling the
// internal packet buffer, until a complete framed packet is available or
// the peer disconnects / a fatal socket error occurs. The returned Packet
// is still in wire form (including the leading '$' and trailing checksum);
// the caller verifies the checksum and dispatches it.
//
// On success it emits a single '+' acknowledgment unless no-ack mode is
// active, per spec.md §4.2.
func (c *Conn) RecvPacket() (*packet.Packet, error) {
	if c.peerFD < 0 {
		return nil, ErrNoPeer
	}
	for !c.buf.IsComplete() {
		ready, err := pollReadable(c.peerFD, -1)
		if err != nil {
			return nil, errors.Wrap(err, "conn: poll for readability")
		}
		if !ready {
			continue
		}
		n, err := c.buf.FillFrom(fdReader{c.peerFD})
		if n == 0 && err == nil {
			// Peer shut down its write side.
			return nil, errors.Wrap(errNoData, "conn: peer closed connection")
		}
		if err != nil {
			return nil, errors.Wrap(err, "conn: fill packet buffer")
		}
	}
	pkt := c.buf.Pop()
	if !c.noAck {
		if err := c.writeRaw([]byte{ackByte}); err != nil {
			return pkt, errors.Wrap(err, "conn: send ack")
		}
	}
	if c.metrics != nil {
		c.metrics.PacketsReceived.Inc()
	}
	return pkt, nil
}

var errNoData = errors.New("no data")

// RecordFailure increments the consecutive-failure counter (checksum or
// framing violations) and reports whether the connection should now be
// considered poisoned (spec.md §5, §7: beyond MaxFailures the connection
// is closed).
func (c *Conn) RecordFailure() bool {
	c.failures++
	if c.metrics != nil {
		c.metrics.ChecksumFailures.Inc()
	}
	return c.failures > MaxFailures
}

// ResetFailures clears the consecutive-failure counter after a
// successfully verified packet.
func (c *Conn) ResetFailures() {
	c.failures = 0
}

// SendNack emits a single '-' byte (suppressed under no-ack mode).
func (c *Conn) SendNack() error {
	if c.noAck {
		return nil
	}
	return c.writeRaw([]byte{nackByte})
}

// Send frames payload as "$<payload>#<csum>" and writes it to the peer,
// serialized against other senders (including the '+'/'-' bytes written by
// RecvPacket and SendNack) by an internal mutex, using a bounded write-readiness poll so a
// congested peer can never block the caller indefinitely.
func (c *Conn) Send(payload []byte) error {
	if len(payload)+4 > MaxSendPacketSize {
		return errors.Errorf("conn: payload of %d bytes exceeds MaxSendPacketSize", len(payload))
	}
	framed := make([]byte, 0, len(payload)+4)
	framed = append(framed, '$')
	framed = append(framed, payload...)
	framed = append(framed, '#')
	framed = append(framed, []byte(rsp.ChecksumHex(payload))...)
	if c.metrics != nil {
		c.metrics.BytesSent.Add(float64(len(framed)))
	}
	return c.writeRaw(framed)
}

// writeRaw serializes writes through sendMu and applies the bounded
// write-readiness poll described in spec.md §4.2: up to sendPollTotal,
// polled in sendPollSlice increments, retrying on EINTR/EAGAIN and
// aborting on any other error.
func (c *Conn) writeRaw(b []byte) error {
	if c.peerFD < 0 {
		return ErrNoPeer
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	deadline := time.Now().Add(sendPollTotal)
	for len(b) > 0 {
		if time.Now().After(deadline) {
			return errors.New("conn: write timed out waiting for peer readiness")
		}
		ready, err := pollWritable(c.peerFD, sendPollSlice)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return errors.Wrap(err, "conn: poll for writability")
		}
		if !ready {
			continue
		}
		n, err := unix.Write(c.peerFD, b)
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}
			return errors.Wrap(err, "conn: write")
		}
		b = b[n:]
	}
	return nil
}

// TryRecvInterrupt performs a non-blocking check (0ms poll) for the
// interrupt control byte on the peer socket, matching spec.md §4.2's
// try_recv_intr contract exactly. It is equivalent to
// WaitInterrupt(0).
func (c *Conn) TryRecvInterrupt() (bool, error) {
	return c.WaitInterrupt(0)
}

// WaitInterrupt polls the peer socket for up to timeout for a single
// readable byte and, if one arrives, reports whether it is the interrupt
// control byte. The background watcher goroutine uses a ~100ms timeout
// here (spec.md §5) so it does not busy-loop; TryRecvInterrupt uses a 0ms
// timeout for the synchronous, testable contract in spec.md §4.2. Any
// other byte observed on this path is a protocol violation, except that
// under no-ack mode a stray '+'/'-' is tolerated and discarded.
func (c *Conn) WaitInterrupt(timeout time.Duration) (bool, error) {
	if c.peerFD < 0 {
		return false, ErrNoPeer
	}
	ready, err := pollReadable(c.peerFD, int(timeout.Milliseconds()))
	if err != nil {
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			return false, nil
		}
		return false, errors.Wrap(err, "conn: poll for interrupt byte")
	}
	if !ready {
		return false, nil
	}
	var b [1]byte
	n, err := unix.Read(c.peerFD, b[:])
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return false, nil
		}
		return false, errors.Wrap(err, "conn: read interrupt byte")
	}
	if n == 0 {
		return false, nil
	}
	if b[0] == InterruptByte {
		return true, nil
	}
	if c.noAck && (b[0] == ackByte || b[0] == nackByte) {
		// Tolerated stray ack/nack while no-ack mode is active.
		return false, nil
	}
	c.log.Warnw("unexpected byte on interrupt path", "byte", b[0], "conn", c.id)
	return false, nil
}

// Close shuts down and closes the accepted peer and the listening socket,
// tearing down the embedded packet buffer.
func (c *Conn) Close() error {
	var firstErr error
	if c.peer != nil {
		if err := c.peer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.listener != nil {
		if err := c.listener.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.buf.Reset()
	return firstErr
}

// fdReader adapts a raw, already-readable file descriptor to io.Reader for
// use with internal/packet.Buffer.FillFrom.
type fdReader struct {
	fd int
}

func (r fdReader) Read(p []byte) (int, error) {
	n, err := unix.Read(r.fd, p)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

func pollReadable(fd int, timeoutMs int) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, timeoutMs)
	if err != nil {
		return false, err
	}
	return n > 0 && fds[0].Revents&unix.POLLIN != 0, nil
}

func pollWritable(fd int, timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err != nil {
		return false, err
	}
	return n > 0 && fds[0].Revents&unix.POLLOUT != 0, nil
}
