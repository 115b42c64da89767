package gdbstub

// Event is produced by processing a single RSP command and is mapped to an
// Action by handleEvent (spec.md §3, §4.5.5).
type Event int

const (
	EventNone Event = iota
	EventCont
	EventStep
	EventDetach
)
