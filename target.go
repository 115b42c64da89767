package gdbstub

import "context"

// Action is returned by the cont and stepi target callbakcs and by the
// engine's event/action mapping (spec.md §3 "Event / Action").
type Action int

const (
	// ActionNone means the engine should continue its outer loop without
	// sending a reply.
	ActionNone Action = iota
	// ActionResume means the engine should send the "S05" stop reply.
	ActionResume
	// ActionShutdown means the outer loop should exit (run returns).
	ActionShutdown
)

// BreakpointType is the tagged enumeration carried by Z/z packets
// (spec.md §3). Values above WatchpointAccess must be rejected by
// callers (the engine enforces this before invoking SetBreakpoint/
// DelBreakpoint).
type BreakpointType uint8

const (
	BreakpointSoftware BreakpointType = 0
	BreakpointHardware BreakpointType = 1
	WatchpointWrite    BreakpointType = 2
	WatchpointRead     BreakpointType = 3
	WatchpointAccess   BreakpointType = 4
)

// Valid reports whether t is one of the five defined breakpoint/watchpoint
// types.
func (t BreakpointType) Valid() bool {
	return t <= WatchpointAccess
}

// TargetOps is the capability table a host program implements to back the
// stub (spec.md §4.4, C4). Every field is optional: a nil field means the
// target lacks that capability, and requests that need it get the
// unsupported-capability error (E01) rather than being dispatched. A nil
// OnInterrupt, SetCPU or GetCPU is skipped instead: the interrupt byte is
// ignored, 'H' still replies OK, and 'qC' reports CPU 0.
//
// arg is the single opaque, user-supplied value threaded from Run through
// every callback (spec.md §9, "Opaque user argument").
type TargetOps struct {
	// Continue drives target execution until it completes, hits a
	// breakpoint, observes the halt flag set by OnInterrupt, or errors.
	Continue func(ctx context.Context, arg any) (Action, error)

	// StepI executes exactly one instruction.
	StepI func(ctx context.Context, arg any) (Action, error)

	// RegBytes reports the byte width of register i. It must be constant
	// across the run; the engine caches the sum at Init.
	RegBytes func(i int) int

	// ReadReg writes RegBytes(i) bytes of register i into out, returning 0
	// on success or a target errno on failure.
	ReadReg func(i int, out []byte, arg any) int

	// WriteReg is the write-side symmetric counterpart of ReadReg.
	WriteReg func(i int, in []byte, arg any) int

	// ReadMem reads len(out) bytes starting at addr into out, returning 0
	// or a target errno.
	ReadMem func(addr uint64, out []byte, arg any) int

	// WriteMem writes data at addr, returning 0 or a target errno.
	WriteMem func(addr uint64, data []byte, arg any) int

	// SetBreakpoint installs a breakpoint/watchpoint of the given type,
	// length, and address, returning true on success.
	SetBreakpoint func(addr uint64, length uint64, typ BreakpointType, arg any) bool

	// DelBreakpoint removes a previously installed breakpoint/watchpoint.
	DelBreakpoint func(addr uint64, length uint64, typ BreakpointType, arg any) bool

	// OnInterrupt is invoked from the background interrupt-watcher
	// goroutine when the interrupt byte is observed during a continue
	// event. It must set a target-internal atomic halt flag and return
	// without blocking; it is never called concurrently with itself and
	// never outside a continue event.
	OnInterrupt func(arg any)

	// SetCPU selects the active CPU index for subsequent register/memory
	// operations (the 'H' packet).
	SetCPU func(id int, arg any) bool

	// GetCPU reports the currently active CPU index (the 'qC' query).
	GetCPU func(arg any) int
}

// ArchInfo is the immutable description of the target, served to the
// debugger via qXfer:features:read and used to size register transfers
// (spec.md §3).
type ArchInfo struct {
	// TargetXML, if non-empty, is served verbatim (in chunks) on
	// qXfer:features:read:target.xml.
	TargetXML string
	// SMP is the CPU count; 0 or 1 means single-core.
	SMP int
	// RegNum is the number of registers exposed by 'g'/'G'/'p'/'P'.
	RegNum int
}
