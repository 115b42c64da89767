package gdbstub

import "fmt"

// Wire error numbers per spec.md §7. These are the values placed after the
// 'E' in an "E<hh>" reply payload; the RSP wire contract never leaks a Go
// error string, only these two-hex-digit codes.
const (
	errUnsupported  = 0x01 // missing capability (permission)
	errInvalidArg   = 0x16 // malformed packet arguments / range errors
	errMemoryFault  = 0x0e // memory fault reported distinctly from a pass-through errno
	errOutOfMemory  = 0x0c // engine-side allocation failure
)

// errReply formats the wire error reply for the given error number.
func errReply(errno int) string {
	return fmt.Sprintf("E%02x", errno&0xff)
}

var (
	replyUnsupported = errReply(errUnsupported)
	replyInvalidArg  = errReply(errInvalidArg)
	replyOOM         = errReply(errOutOfMemory)
)
