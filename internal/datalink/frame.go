// Package datalink fragments variable-size payloads into radio-sized
// frames, reassembles them, suppresses duplicates, and forwards multi-hop
// traffic — spec component C2. Grounded on the teacher's
// internal/protocol/fragment.go (packet-ID + sequence chunk header,
// map[uint16]*pendingPacket reassembly) generalized from its 4-byte
// DNS-tunnel header to the spec's 14-byte multi-hop header, and on
// original_source/net/layers/datalink.go for the TTL/forwarding semantics.
package datalink

import (
	"encoding/binary"
	"errors"

	"deluge-net/internal/addr"
)

// HeaderSize is the datalink frame header:
// source_addr(2) | dest_addr(2) | message_id(1) | ttl(1) | total_size(4) | piece_no(4) = 14 bytes.
//
// spec.md's prose calls this "12 bytes" while enumerating six fields that
// sum to 14 (2+2+1+1+4+4); the field widths are the bit-exact wire contract,
// so they win over the prose summary (see DESIGN.md, "Header size note").
const HeaderSize = 14

// MaxChunk is the largest chunk of application data a single frame can carry
// once the header is accounted for.
const MaxChunk = 100 - HeaderSize

// ErrMalformedFrame is returned by Parse when the bytes are too short or
// otherwise inconsistent. Per spec.md §7 this is never propagated past the
// layer that detects it; callers should log and drop.
var ErrMalformedFrame = errors.New("datalink: malformed frame")

// Frame is the parsed datalink PDU.
type Frame struct {
	Source    addr.Addr
	Dest      addr.Addr
	MessageID uint8
	TTL       uint8
	TotalSize uint32
	PieceNo   uint32
	Chunk     []byte
}

// Encode serializes f to its wire form: a HeaderSize-byte little-endian
// header followed by the chunk.
func (f *Frame) Encode() []byte {
	buf := make([]byte, HeaderSize+len(f.Chunk))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(f.Source))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(f.Dest))
	buf[4] = f.MessageID
	buf[5] = f.TTL
	binary.LittleEndian.PutUint32(buf[6:10], f.TotalSize)
	binary.LittleEndian.PutUint32(buf[10:14], f.PieceNo)
	copy(buf[14:], f.Chunk)
	return buf
}

// Parse reads a datalink frame from its wire form. It returns
// ErrMalformedFrame for anything shorter than the header.
func Parse(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, ErrMalformedFrame
	}
	f := &Frame{
		Source:    addr.Addr(binary.LittleEndian.Uint16(data[0:2])),
		Dest:      addr.Addr(binary.LittleEndian.Uint16(data[2:4])),
		MessageID: data[4],
		TTL:       data[5],
		TotalSize: binary.LittleEndian.Uint32(data[6:10]),
		PieceNo:   binary.LittleEndian.Uint32(data[10:14]),
	}
	f.Chunk = append([]byte(nil), data[14:]...)
	return f, nil
}

// chunkData splits data into pieces no larger than MaxChunk, matching the
// teacher's fragment.go chunking loop.
func chunkData(data []byte) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	var chunks [][]byte
	for start := 0; start < len(data); start += MaxChunk {
		end := start + MaxChunk
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[start:end])
	}
	return chunks
}
