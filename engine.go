// Package gdbstub implements a reusable GDB Remote Serial Protocol (RSP)
// debug stub: a target program supplies a TargetOps capability table and
// calls Init/Run/Close to accept a single debugger connection, decode RSP
// packets, dispatch them against the target, and format replies.
//
// The protocol engine (this package) owns packet framing discipline, the
// command/event/action state machine, and the concurrent coordination
// between the foreground packet loop and a background interrupt watcher.
// Connection and packet-buffer plumbing live in internal/conn and
// internal/packet; the hex/checksum/escape wire codec lives in
// internal/rsp.
package gdbstub

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/aykevl/gdbstub/internal/conn"
	"github.com/aykevl/gdbstub/internal/metrics"
)

// watcherPollInterval is the background interrupt watcher's poll timeout
// while a continue event is in flight (spec.md §5: "~100ms").
const watcherPollInterval = 100 * time.Millisecond

// watcherIdleSleep is how long the watcher sleeps between checks while no
// continue event is in flight, so it does nothing but also doesn't spin.
const watcherIdleSleep = 100 * time.Millisecond

// Engine is the protocol engine's public handle (spec.md §3, §4.5 — C5).
// A zero Engine is not usable; construct one with Init.
type Engine struct {
	ops  TargetOps
	arch ArchInfo
	conn *conn.Conn
	log  *zap.SugaredLogger
	mx   *metrics.Collector

	regTotalBytes int
	regScratch    []byte

	asyncIOEnable atomic.Bool
	threadStop    atomic.Bool
	watcherDone   chan struct{}

	arg any
}

// Option configures optional collaborators on an Engine.
type Option func(*Engine)

// WithLogger attaches a zap logger; nil is equivalent to omitting the
// option (the engine falls back to a no-op logger).
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l.Sugar()
		}
	}
}

// WithMetrics attaches a Prometheus collector (internal/metrics); nil
// disables metrics entirely. See metrics.New for constructing one.
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) {
		e.mx = m
	}
}

// Init records the capability handle and architecture, precomputes the
// total register-byte sum, and brings the connection up, which blocks on
// accept (spec.md §4.5.1). Failure at any step unwinds prior allocations.
func Init(ops TargetOps, arch ArchInfo, addr string, opts ...Option) (*Engine, error) {
	e := &Engine{
		ops:  ops,
		arch: arch,
		log:  zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if ops.RegBytes != nil {
		total := 0
		for i := 0; i < arch.RegNum; i++ {
			total += ops.RegBytes(i)
		}
		e.regTotalBytes = total
		e.regScratch = make([]byte, total)
	}

	c, err := conn.Listen(addr, conn.WithLogger(e.log), conn.WithMetrics(e.mx))
	if err != nil {
		return nil, errors.Wrap(err, "gdbstub: init")
	}
	e.conn = c

	if err := c.Accept(); err != nil {
		c.Close()
		return nil, errors.Wrap(err, "gdbstub: init accept")
	}

	return e, nil
}

// Addr returns the address the engine is listening/accepting on. Useful
// when Init was given an ephemeral TCP port (host:0).
func (e *Engine) Addr() net.Addr {
	return e.conn.Addr()
}

// ensureRegScratch grows the register scratch buffer (by doubling, per
// spec.md §4.5.1) so it can hold at least n bytes.
func (e *Engine) ensureRegScratch(n int) []byte {
	if cap(e.regScratch) >= n {
		return e.regScratch[:n]
	}
	newCap := cap(e.regScratch)
	if newCap == 0 {
		newCap = 64
	}
	for newCap < n {
		newCap *= 2
	}
	grown := make([]byte, newCap)
	copy(grown, e.regScratch)
	e.regScratch = grown[:n]
	return e.regScratch
}

// Run executes the engine's main loop (spec.md §4.5.2): receive a framed
// packet, dispatch it, map the resulting event to an action, and either
// send the "S05" stop reply, exit (shutdown), or loop. It blocks until the
// debugger detaches, the peer disconnects, or a fatal socket error occurs.
// The background interrupt watcher is started here and keeps running
// until Close, per spec.md §5.
func (e *Engine) Run(arg any) bool {
	e.arg = arg
	e.watcherDone = make(chan struct{})
	go e.watchInterrupts()

	for {
		pkt, err := e.conn.RecvPacket()
		if err != nil {
			e.log.Warnw("gdbstub: recv packet failed, ending run", "error", err)
			return false
		}
		if pkt == nil {
			return false
		}

		event, ok := e.processPacket(pkt)
		if !ok {
			// Connection exceeded its consecutive-failure budget.
			e.log.Warnw("gdbstub: too many consecutive framing failures, closing")
			return false
		}

		action := e.handleEvent(event)
		switch action {
		case ActionResume:
			if err := e.conn.Send([]byte("S05")); err != nil {
				e.log.Warnw("gdbstub: failed to send stop reply", "error", err)
				return false
			}
		case ActionShutdown:
			return true
		case ActionNone:
			// continue looping
		}
	}
}

// handleEvent maps an Event to the Action that drives Run's outer loop,
// per spec.md §4.5.5.
func (e *Engine) handleEvent(event Event) Action {
	switch event {
	case EventCont:
		e.asyncIOEnable.Store(true)
		e.mx.SetAsyncIO(true)
		action, err := e.ops.Continue(context.Background(), e.arg)
		e.asyncIOEnable.Store(false)
		e.mx.SetAsyncIO(false)
		if err != nil {
			e.log.Warnw("gdbstub: target cont returned error", "error", err)
		}
		return action
	case EventStep:
		action, err := e.ops.StepI(context.Background(), e.arg)
		if err != nil {
			e.log.Warnw("gdbstub: target stepi returned error", "error", err)
		}
		return action
	case EventDetach:
		return ActionShutdown
	default:
		return ActionNone
	}
}

// watchInterrupts is the background interrupt-watcher goroutine (spec.md
// §5). It lives from Run until Close. While async I/O is disabled it
// merely sleeps; while enabled it polls the peer for the interrupt byte
// and, on observing one, calls the target's OnInterrupt callback — which
// is only ever invoked inside the async_io_enable window.
func (e *Engine) watchInterrupts() {
	defer close(e.watcherDone)
	for !e.threadStop.Load() {
		if !e.asyncIOEnable.Load() {
			time.Sleep(watcherIdleSleep)
			continue
		}
		interrupted, err := e.conn.WaitInterrupt(watcherPollInterval)
		if err != nil {
			e.log.Debugw("gdbstub: interrupt watcher poll error", "error", err)
			continue
		}
		if interrupted && e.ops.OnInterrupt != nil {
			e.ops.OnInterrupt(e.arg)
		}
	}
}

// Close requests the interrupt watcher to stop, joins it, and tears down
// the connection (spec.md §5, "join then reclaims it").
func (e *Engine) Close() error {
	e.threadStop.Store(true)
	if e.watcherDone != nil {
		<-e.watcherDone
	}
	return e.conn.Close()
}
