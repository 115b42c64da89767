// Package packet reassembles a byte stream into framed RSP packets of the
// form "$<payload>#<csum-hi><csum-lo>", tolerating garbage that precedes
// the leading '$' and arbitrary chunking of the underlying reads.
package packet

import (
	"io"

	"github.com/pkg/errors"
)

// CsumSize is the number of trailing checksum bytes in a framed packet.
const CsumSize = 2

// initialCapacity is the starting size of a freshly-initialized Buffer.
const initialCapacity = 256

// Buffer holds a growable byte array accumulating the current packet. The
// end position is the offset of the last byte (the trailing checksum
// digit) of the first complete packet currently held, or -1 if none.
type Buffer struct {
	data []byte
	n    int // number of valid bytes in data[:n]
	end  int // index of the final byte of the first complete packet, or -1

	// maxSize bounds unbounded growth from a misbehaving or malicious peer.
	// Zero means unbounded (reference behavior); callers that want the
	// recommended cap set it via SetMaxSize.
	maxSize int
}

// Packet is a single framed RSP packet, owned independently of the Buffer
// that produced it.
type Packet struct {
	Data []byte
	End  int
}

// New returns an initialized, empty Buffer.
func New() *Buffer {
	return &Buffer{
		data: make([]byte, initialCapacity),
		n:    0,
		end:  -1,
	}
}

// SetMaxSize bounds how large the buffer may grow before FillFrom refuses
// to accept more data (spec.md §9: "Packet-buffer growth. Unbounded growth
// is a DoS surface"). Zero (the default) leaves growth unbounded.
func (b *Buffer) SetMaxSize(n int) {
	b.maxSize = n
}

// ErrBufferFull is returned by FillFrom when growing the buffer would
// exceed the configured maximum size.
var ErrBufferFull = errors.New("packet: buffer exceeds configured maximum size")

// FillFrom reads once from src, appending to the buffer and growing
// capacity (by doubling) if the buffer is full. It returns the number of
// bytes read and propagates the underlying reader's error (including
// io.EOF) unchanged.
func (b *Buffer) FillFrom(src io.Reader) (int, error) {
	if b.n == len(b.data) {
		if b.maxSize > 0 && len(b.data) >= b.maxSize {
			return 0, ErrBufferFull
		}
		newCap := len(b.data) * 2
		if newCap == 0 {
			newCap = initialCapacity
		}
		if b.maxSize > 0 && newCap > b.maxSize {
			newCap = b.maxSize
		}
		grown := make([]byte, newCap)
		copy(grown, b.data[:b.n])
		b.data = grown
	}
	nread, err := src.Read(b.data[b.n:])
	b.n += nread
	return nread, err
}

// IsComplete scans the buffer for a framed packet. Bytes preceding the
// first '$' are discarded (resync). If no '$' is present the buffer is
// reset empty. It returns true, with End set, only once both the '$' and
// the trailing checksum digits following '#' have been observed.
func (b *Buffer) IsComplete() bool {
	dollar := -1
	for i := 0; i < b.n; i++ {
		if b.data[i] == '$' {
			dollar = i
			break
		}
	}
	if dollar < 0 {
		// No frame start seen at all: nothing worth keeping.
		b.n = 0
		b.end = -1
		return false
	}
	if dollar > 0 {
		// Discard garbage preceding '$' by left-shifting.
		copy(b.data, b.data[dollar:b.n])
		b.n -= dollar
	}

	hash := -1
	for i := 1; i < b.n; i++ {
		if b.data[i] == '#' {
			hash = i
			break
		}
	}
	if hash < 0 {
		b.end = -1
		return false
	}
	end := hash + CsumSize
	if end >= b.n {
		b.end = -1
		return false
	}
	b.end = end
	return true
}

// Pop returns a newly owned Packet spanning [0, end] of the buffer (the
// complete packet identified by the most recent successful IsComplete),
// then left-shifts the remaining bytes down to offset 0. It returns nil if
// no complete packet is currently held.
func (b *Buffer) Pop() *Packet {
	if b.end < 0 {
		return nil
	}
	length := b.end + 1
	out := make([]byte, length)
	copy(out, b.data[:length])

	remaining := b.n - length
	copy(b.data, b.data[length:b.n])
	b.n = remaining
	b.end = -1

	return &Packet{Data: out, End: length - 1}
}

// Reset empties the buffer, discarding any partially- or fully-received
// packet. conn.Close calls it when tearing the connection down.
func (b *Buffer) Reset() {
	b.n = 0
	b.end = -1
}

// Len reports the number of valid bytes currently buffered.
func (b *Buffer) Len() int {
	return b.n
}
