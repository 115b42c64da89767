package gdbstub

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aykevl/gdbstub/internal/conn"
	"github.com/aykevl/gdbstub/internal/packet"
	"github.com/aykevl/gdbstub/internal/rsp"
)

// maxMemXferSize bounds a single m/M/X memory transfer, per spec.md §6:
// MAX_MEM_XFER_SIZE = MAX_DATA_PAYLOAD / 2. This is the engine's
// protection against peer-induced huge allocations (spec.md §9) and must
// be preserved even if the target itself could serve a larger transfer.
const maxMemXferSize = conn.MaxDataPayload / 2

// processPacket verifies the checksum of a framed packet per spec.md
// §4.5.3, overwrites the trailing '#' with NUL once verified, and
// dispatches the payload. It returns false (the caller should end the
// run) once the connection's consecutive-failure budget is exceeded.
func (e *Engine) processPacket(pkt *packet.Packet) (Event, bool) {
	data := pkt.Data
	if len(data) == 0 || data[0] != '$' {
		return EventNone, true
	}

	hashIdx := pkt.End - packet.CsumSize
	if hashIdx < 1 || hashIdx >= len(data) || data[hashIdx] != '#' {
		poisoned := e.conn.RecordFailure()
		_ = e.conn.SendNack()
		return EventNone, !poisoned
	}

	payload := data[1:hashIdx]
	wantChecksum := string(data[hashIdx+1 : hashIdx+1+packet.CsumSize])
	gotChecksum := rsp.ChecksumHex(payload)
	if !strings.EqualFold(wantChecksum, gotChecksum) {
		poisoned := e.conn.RecordFailure()
		_ = e.conn.SendNack()
		return EventNone, !poisoned
	}
	e.conn.ResetFailures()
	data[hashIdx] = 0 // payload is now a C-string, per spec.md §4.5.3

	return e.dispatch(string(payload)), true
}

// sendReply frames and sends payload, tagging the per-letter metrics
// counter with the request letter that produced it.
func (e *Engine) sendReply(letter byte, payload string) {
	if err := e.conn.Send([]byte(payload)); err != nil {
		e.log.Warnw("gdbstub: send reply failed", "letter", string(letter), "error", err)
		return
	}
	e.mx.ReplySent(letter)
}

// dispatch selects a handler by the letter at offset 0 of payload (offset
// 1 of the full packet, since offset 0 there is '$'), per spec.md §4.5.4.
// Most requests reply directly; 'c', 's', and 'D' instead produce an Event
// that Run's outer loop maps to an Action via handleEvent.
func (e *Engine) dispatch(payload string) Event {
	if len(payload) == 0 {
		e.sendReply(0, "")
		return EventNone
	}
	letter := payload[0]
	switch letter {
	case '?':
		e.sendReply(letter, "S05")
	case 'g':
		e.handleReadAllRegs()
	case 'G':
		e.handleWriteAllRegs(payload)
	case 'p':
		e.handleReadReg(payload)
	case 'P':
		e.handleWriteReg(payload)
	case 'm':
		e.handleReadMem(payload)
	case 'M':
		e.handleWriteMem(payload)
	case 'X':
		e.handleWriteMemBinary(payload)
	case 'c':
		// spec.md §9: a missing capability replies E01 rather than being
		// silently dropped (fixing a known gap in some reference revisions).
		if e.ops.Continue == nil {
			e.sendReply(letter, replyUnsupported)
			break
		}
		return EventCont
	case 's':
		if e.ops.StepI == nil {
			e.sendReply(letter, replyUnsupported)
			break
		}
		return EventStep
	case 'z':
		e.handleBreakpoint(payload, false)
	case 'Z':
		e.handleBreakpoint(payload, true)
	case 'H':
		e.handleSetCPU(payload)
	case 'D':
		return EventDetach
	case 'T':
		e.sendReply(letter, "OK")
	case 'v':
		return e.handleV(payload)
	case 'q', 'Q':
		e.handleQ(payload)
	default:
		e.sendReply(letter, "")
	}
	return EventNone
}

func parseAddrLen(s string) (addr uint64, length uint64, ok bool) {
	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	a, err1 := strconv.ParseUint(parts[0], 16, 64)
	l, err2 := strconv.ParseUint(parts[1], 16, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return a, l, true
}

func (e *Engine) handleReadAllRegs() {
	if e.ops.ReadReg == nil || e.ops.RegBytes == nil {
		e.sendReply('g', replyUnsupported)
		return
	}
	buf := e.ensureRegScratch(e.regTotalBytes)
	offset := 0
	for i := 0; i < e.arch.RegNum; i++ {
		width := e.ops.RegBytes(i)
		if errno := e.ops.ReadReg(i, buf[offset:offset+width], e.arg); errno != 0 {
			e.sendReply('g', errReply(errno))
			return
		}
		offset += width
	}
	e.sendReply('g', rsp.EncodeHex(buf))
}

// handleWriteAllRegs implements 'G', writing all registers atomically:
// every register's current value is backed up before any write, and if
// any write fails the registers already written are rolled back to their
// backed-up values before replying with the error (spec.md §4.5.4, §9).
func (e *Engine) handleWriteAllRegs(payload string) {
	if e.ops.WriteReg == nil || e.ops.ReadReg == nil || e.ops.RegBytes == nil {
		e.sendReply('G', replyUnsupported)
		return
	}
	data, err := rsp.DecodeHex(payload[1:])
	if err != nil || len(data) != e.regTotalBytes {
		e.sendReply('G', replyInvalidArg)
		return
	}

	backup := make([]byte, e.regTotalBytes)
	offset := 0
	for i := 0; i < e.arch.RegNum; i++ {
		width := e.ops.RegBytes(i)
		if errno := e.ops.ReadReg(i, backup[offset:offset+width], e.arg); errno != 0 {
			e.sendReply('G', errReply(errno))
			return
		}
		offset += width
	}

	offset = 0
	failErrno := 0
	failIdx := -1
	for i := 0; i < e.arch.RegNum; i++ {
		width := e.ops.RegBytes(i)
		if errno := e.ops.WriteReg(i, data[offset:offset+width], e.arg); errno != 0 {
			failErrno = errno
			failIdx = i
			break
		}
		offset += width
	}
	if failIdx >= 0 {
		offset = 0
		for i := 0; i < failIdx; i++ {
			width := e.ops.RegBytes(i)
			e.ops.WriteReg(i, backup[offset:offset+width], e.arg)
			offset += width
		}
		e.sendReply('G', errReply(failErrno))
		return
	}
	e.sendReply('G', "OK")
}

func (e *Engine) handleReadReg(payload string) {
	if e.ops.ReadReg == nil || e.ops.RegBytes == nil {
		e.sendReply('p', replyUnsupported)
		return
	}
	idx, err := strconv.ParseInt(payload[1:], 16, 64)
	if err != nil || idx < 0 || int(idx) >= e.arch.RegNum {
		e.sendReply('p', "E16")
		return
	}
	width := e.ops.RegBytes(int(idx))
	buf := e.ensureRegScratch(width)
	if errno := e.ops.ReadReg(int(idx), buf, e.arg); errno != 0 {
		e.sendReply('p', errReply(errno))
		return
	}
	e.sendReply('p', rsp.EncodeHex(buf))
}

func (e *Engine) handleWriteReg(payload string) {
	if e.ops.WriteReg == nil || e.ops.RegBytes == nil {
		e.sendReply('P', replyUnsupported)
		return
	}
	body := payload[1:]
	eq := strings.IndexByte(body, '=')
	if eq < 0 {
		e.sendReply('P', "E16")
		return
	}
	idx, err := strconv.ParseInt(body[:eq], 16, 64)
	if err != nil || idx < 0 || int(idx) >= e.arch.RegNum {
		e.sendReply('P', "E16")
		return
	}
	width := e.ops.RegBytes(int(idx))
	data, err := rsp.DecodeHex(body[eq+1:])
	if err != nil || len(data) != width {
		e.sendReply('P', "E16")
		return
	}
	if errno := e.ops.WriteReg(int(idx), data, e.arg); errno != 0 {
		e.sendReply('P', errReply(errno))
		return
	}
	e.sendReply('P', "OK")
}

func (e *Engine) handleReadMem(payload string) {
	if e.ops.ReadMem == nil {
		e.sendReply('m', replyUnsupported)
		return
	}
	addr, length, ok := parseAddrLen(payload[1:])
	if !ok || length == 0 || length > maxMemXferSize {
		e.sendReply('m', "E16")
		return
	}
	buf := make([]byte, length)
	if errno := e.ops.ReadMem(addr, buf, e.arg); errno != 0 {
		e.sendReply('m', errReply(errno))
		return
	}
	e.sendReply('m', rsp.EncodeHex(buf))
}

func (e *Engine) handleWriteMem(payload string) {
	if e.ops.WriteMem == nil {
		e.sendReply('M', replyUnsupported)
		return
	}
	body := payload[1:]
	colon := strings.IndexByte(body, ':')
	if colon < 0 {
		e.sendReply('M', "E16")
		return
	}
	addr, length, ok := parseAddrLen(body[:colon])
	if !ok || length == 0 || length > maxMemXferSize {
		e.sendReply('M', "E16")
		return
	}
	dataHex := body[colon+1:]
	if len(dataHex) != int(length)*2 {
		e.sendReply('M', "E16")
		return
	}
	data, err := rsp.DecodeHex(dataHex)
	if err != nil {
		e.sendReply('M', "E16")
		return
	}
	if errno := e.ops.WriteMem(addr, data, e.arg); errno != 0 {
		e.sendReply('M', errReply(errno))
		return
	}
	e.sendReply('M', "OK")
}

// handleWriteMemBinary implements 'X', the binary-payload sibling of 'M':
// the trailing bytes are RSP-unescaped and the unescaped length must
// equal the declared length exactly (spec.md §4.5.4).
func (e *Engine) handleWriteMemBinary(payload string) {
	if e.ops.WriteMem == nil {
		e.sendReply('X', replyUnsupported)
		return
	}
	body := payload[1:]
	colon := strings.IndexByte(body, ':')
	if colon < 0 {
		e.sendReply('X', "E16")
		return
	}
	addr, length, ok := parseAddrLen(body[:colon])
	if !ok || length > maxMemXferSize {
		e.sendReply('X', "E16")
		return
	}
	data := rsp.Unescape([]byte(body[colon+1:]))
	if uint64(len(data)) != length {
		e.sendReply('X', "E16")
		return
	}
	if length == 0 {
		e.sendReply('X', "OK")
		return
	}
	if errno := e.ops.WriteMem(addr, data, e.arg); errno != 0 {
		e.sendReply('X', errReply(errno))
		return
	}
	e.sendReply('X', "OK")
}

// handleBreakpoint implements both 'Z' (set) and 'z' (delete), per
// spec.md §4.5.4: "Z<t>,<h>,<h>" / "z<t>,<h>,<h>", validating t <= 4.
func (e *Engine) handleBreakpoint(payload string, set bool) {
	letter := payload[0]
	parts := strings.SplitN(payload[1:], ",", 3)
	if len(parts) != 3 {
		e.sendReply(letter, "E16")
		return
	}
	typVal, err0 := strconv.ParseUint(parts[0], 16, 8)
	addr, err1 := strconv.ParseUint(parts[1], 16, 64)
	length, err2 := strconv.ParseUint(parts[2], 16, 64)
	if err0 != nil || err1 != nil || err2 != nil || typVal > uint64(WatchpointAccess) {
		e.sendReply(letter, "E16")
		return
	}
	typ := BreakpointType(typVal)
	if set {
		if e.ops.SetBreakpoint == nil {
			e.sendReply(letter, replyUnsupported)
			return
		}
		if !e.ops.SetBreakpoint(addr, length, typ, e.arg) {
			e.sendReply(letter, "E16")
			return
		}
	} else {
		if e.ops.DelBreakpoint == nil {
			e.sendReply(letter, replyUnsupported)
			return
		}
		if !e.ops.DelBreakpoint(addr, length, typ, e.arg) {
			e.sendReply(letter, "E16")
			return
		}
	}
	e.sendReply(letter, "OK")
}

// handleSetCPU implements 'H': "Hg<id>" selects the active CPU for
// subsequent operations, "Hc<id>" is accepted as a legacy no-op (spec.md
// §4.5.4).
func (e *Engine) handleSetCPU(payload string) {
	body := payload[1:]
	if len(body) == 0 {
		e.sendReply('H', "OK")
		return
	}
	if body[0] == 'g' {
		if id, err := strconv.ParseInt(body[1:], 16, 64); err == nil && e.ops.SetCPU != nil {
			e.ops.SetCPU(int(id), e.arg)
		}
	}
	e.sendReply('H', "OK")
}

// handleV implements the 'v' family used by this stub: "vCont?" (capability
// query) and "vCont;<action>[:<tid>]..." (only the first action is
// honored, per spec.md §4.5.4).
func (e *Engine) handleV(payload string) Event {
	if payload == "vCont?" {
		var sb strings.Builder
		sb.WriteString("vCont;")
		if e.ops.StepI != nil {
			sb.WriteString("s;")
		}
		if e.ops.Continue != nil {
			sb.WriteString("c;")
		}
		e.sendReply('v', sb.String())
		return EventNone
	}
	if strings.HasPrefix(payload, "vCont;") {
		actions := strings.Split(payload[len("vCont;"):], ";")
		first := actions[0]
		if idx := strings.IndexByte(first, ':'); idx >= 0 {
			first = first[:idx]
		}
		switch first {
		case "c":
			if e.ops.Continue == nil {
				e.sendReply('v', replyUnsupported)
				return EventNone
			}
			return EventCont
		case "s":
			if e.ops.StepI == nil {
				e.sendReply('v', replyUnsupported)
				return EventNone
			}
			return EventStep
		default:
			e.sendReply('v', replyUnsupported)
			return EventNone
		}
	}
	e.sendReply('v', "")
	return EventNone
}

// handleQ implements the 'q'/'Q' query family (spec.md §4.5.4).
func (e *Engine) handleQ(payload string) {
	switch {
	case strings.HasPrefix(payload, "qSupported"):
		reply := "PacketSize=1024"
		if e.arch.TargetXML != "" {
			reply += ";qXfer:features:read+"
		}
		reply += ";hwbreak+;swbreak+"
		e.sendReply('q', reply)
	case payload == "qAttached":
		e.sendReply('q', "1")
	case strings.HasPrefix(payload, "qXfer:features:read:target.xml:"):
		e.handleQXferFeatures(payload)
	case payload == "qSymbol" || strings.HasPrefix(payload, "qSymbol:"):
		e.sendReply('q', "OK")
	case payload == "qfThreadInfo":
		e.handleQfThreadInfo()
	case payload == "qsThreadInfo":
		e.sendReply('q', "l")
	case payload == "qC":
		e.handleQC()
	case payload == "QStartNoAckMode":
		e.conn.SetNoAck()
		e.sendReply('Q', "OK")
	default:
		e.sendReply(payload[0], "")
	}
}

// handleQXferFeatures implements "qXfer:features:read:target.xml:<off>,
// <len>", clamping len to both the remainder of the document and the
// outbound packet budget (spec.md §4.5.4). The raw-text reply (with RSP
// escaping for $/#/}/ *, not hex) mirrors how the teacher serves its own
// target.xml annex and how qXfer replies are defined on the wire.
func (e *Engine) handleQXferFeatures(payload string) {
	if e.arch.TargetXML == "" {
		e.sendReply('q', "")
		return
	}
	lastColon := strings.LastIndex(payload, ":")
	if lastColon < 0 {
		e.sendReply('q', replyInvalidArg)
		return
	}
	off, ln, ok := parseAddrLen(payload[lastColon+1:])
	if !ok {
		e.sendReply('q', replyInvalidArg)
		return
	}
	data := []byte(e.arch.TargetXML)
	if off >= uint64(len(data)) {
		e.sendReply('q', "l")
		return
	}
	end := off + ln
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	if maxChunk := uint64(conn.MaxDataPayload - 1); end-off > maxChunk {
		end = off + maxChunk
	}
	chunk := data[off:end]
	marker := byte('m')
	if end == uint64(len(data)) {
		marker = 'l'
	}
	e.sendReply('q', string(marker)+string(rsp.Escape(chunk)))
}

// handleQfThreadInfo implements "qfThreadInfo": "m0000,0001,...,NNNN,"
// where N = max(smp,1)-1, capped at 9999 (spec.md §4.5.4).
func (e *Engine) handleQfThreadInfo() {
	n := e.arch.SMP
	if n < 1 {
		n = 1
	}
	count := n - 1
	if count > 9999 {
		count = 9999
	}
	var sb strings.Builder
	sb.WriteByte('m')
	for i := 0; i <= count; i++ {
		sb.WriteString(fmt.Sprintf("%04x,", i))
	}
	e.sendReply('q', sb.String())
}

func (e *Engine) handleQC() {
	id := 0
	if e.ops.GetCPU != nil {
		id = e.ops.GetCPU(e.arg)
	}
	e.sendReply('q', fmt.Sprintf("QC%x", id))
}
