package padcodec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscapeUnescapeRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0x00, 0x01, 0x02},
		{END},
		{ESC},
		{END, ESC, END, ESC},
		bytes.Repeat([]byte{END, ESC, 0x42}, 20),
	}
	for _, data := range cases {
		escaped := Escape(data)
		assert.NotContains(t, escaped, byte(END))
		assert.Equal(t, data, Unescape(escaped))
	}
}

func TestToSizeFromSizeRoundTrip(t *testing.T) {
	data := []byte("hello, deluge")
	padded := ToSize(data, 64)
	assert.Len(t, padded, 64)
	assert.Equal(t, data, FromSize(padded))
}

func TestToSizeFromSizeRoundTripWithEscapedBytes(t *testing.T) {
	data := []byte{END, ESC, END, 0x01, ESC, 0xFF}
	padded := ToSize(data, 32)
	assert.Len(t, padded, 32)
	assert.Equal(t, data, FromSize(padded))
}

func TestPadPanicsWhenEscapedExceedsSize(t *testing.T) {
	require.Panics(t, func() { Pad([]byte{1, 2, 3}, 2) })
}

func TestPadNoOpWhenAlreadyExactSize(t *testing.T) {
	data := []byte{1, 2, 3}
	assert.Equal(t, data, Pad(data, 3))
}
