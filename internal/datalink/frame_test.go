package datalink

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deluge-net/internal/addr"
)

func TestFrameEncodeParseRoundTrip(t *testing.T) {
	f := &Frame{
		Source:    1,
		Dest:      addr.Flood,
		MessageID: 7,
		TTL:       3,
		TotalSize: 42,
		PieceNo:   2,
		Chunk:     []byte("some chunk data"),
	}
	raw := f.Encode()
	assert.Len(t, raw, HeaderSize+len(f.Chunk))

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, f, parsed)
}

func TestParseRejectsShortFrame(t *testing.T) {
	_, err := Parse(make([]byte, HeaderSize-1))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestChunkDataRespectsMaxChunk(t *testing.T) {
	data := bytes.Repeat([]byte{0x42}, MaxChunk*3+5)
	chunks := chunkData(data)
	require.Len(t, chunks, 4)
	for _, c := range chunks[:3] {
		assert.Len(t, c, MaxChunk)
	}
	assert.Len(t, chunks[3], 5)

	var rebuilt []byte
	for _, c := range chunks {
		rebuilt = append(rebuilt, c...)
	}
	assert.Equal(t, data, rebuilt)
}

func TestChunkDataEmptyPayloadStillYieldsOneChunk(t *testing.T) {
	chunks := chunkData(nil)
	require.Len(t, chunks, 1)
	assert.Empty(t, chunks[0])
}
