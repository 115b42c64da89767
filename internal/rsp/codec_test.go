package rsp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksum(t *testing.T) {
	assert.Equal(t, uint8(0), Checksum(nil))
	assert.Equal(t, uint8('?'), Checksum([]byte("?")))
	assert.Equal(t, "3f", ChecksumHex([]byte("?")))
}

func TestHexRoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		{0x00},
		{0xff, 0x10, 0xab},
		[]byte("gdbstub"),
	}
	for _, b := range cases {
		enc := EncodeHex(b)
		dec, err := DecodeHex(enc)
		require.NoError(t, err)
		assert.Equal(t, b, dec)
	}
}

func TestDecodeHexUppercase(t *testing.T) {
	dec, err := DecodeHex("DEADBEEF")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, dec)
}

func TestDecodeHexErrors(t *testing.T) {
	_, err := DecodeHex("abc")
	assert.Error(t, err)
	_, err = DecodeHex("zz")
	assert.Error(t, err)
}

func TestUnescapeRoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte("plain"),
		{'$', '#', '}', '*'},
		{0x00, 0xff, 0x7d},
	}
	for _, b := range cases {
		assert.Equal(t, b, Unescape(Escape(b)))
	}
}

func TestUnescapeSingle(t *testing.T) {
	// '}' followed by 'd' (0x64) decodes to 0x64^0x20 = 0x44 ('D')
	out := Unescape([]byte{'}', 'd'})
	assert.Equal(t, []byte{'D'}, out)
}

func TestUnescapeTrailingEscapeByte(t *testing.T) {
	// A dangling escape byte with nothing following it passes through.
	out := Unescape([]byte{'a', '}'})
	assert.Equal(t, []byte{'a', '}'}, out)
}
