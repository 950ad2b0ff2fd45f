// Package transport demultiplexes datalink deliveries to the application
// registered on a destination port — spec component C3. Grounded on
// original_source/layers/transport.py (there a pure pass-through; this spec
// assigns it the demux responsibility spec.md §4.3 describes) and the
// teacher's header-parse-then-route style in internal/server/dns_handler.go.
package transport

import (
	"encoding/binary"
	"sync"

	"github.com/rs/zerolog/log"

	"deluge-net/internal/addr"
	"deluge-net/internal/datalink"
)

// HeaderSize is the fixed 8-byte transport header:
// source_port(2) | source_addr(2) | dest_port(2) | dest_addr(2).
const HeaderSize = 8

// Datagram is a demultiplexed, addressed application payload.
type Datagram struct {
	SourcePort uint16
	SourceAddr addr.Addr
	Payload    []byte
}

// Header is the parsed transport PDU header.
type Header struct {
	SourcePort uint16
	SourceAddr addr.Addr
	DestPort   uint16
	DestAddr   addr.Addr
}

func (h Header) encode(payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint16(buf[0:2], h.SourcePort)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(h.SourceAddr))
	binary.LittleEndian.PutUint16(buf[4:6], h.DestPort)
	binary.LittleEndian.PutUint16(buf[6:8], uint16(h.DestAddr))
	copy(buf[8:], payload)
	return buf
}

func parseHeader(data []byte) (Header, []byte, bool) {
	if len(data) < HeaderSize {
		return Header{}, nil, false
	}
	h := Header{
		SourcePort: binary.LittleEndian.Uint16(data[0:2]),
		SourceAddr: addr.Addr(binary.LittleEndian.Uint16(data[2:4])),
		DestPort:   binary.LittleEndian.Uint16(data[4:6]),
		DestAddr:   addr.Addr(binary.LittleEndian.Uint16(data[6:8])),
	}
	return h, data[HeaderSize:], true
}

// Transport owns port registration and routes datalink deliveries to the
// registered port's channel.
type Transport struct {
	self addr.Addr
	link *datalink.Link

	mu    sync.RWMutex
	ports map[uint16]chan Datagram

	done chan struct{}
}

// New creates a Transport bound to self's address atop link.
func New(self addr.Addr, link *datalink.Link) *Transport {
	t := &Transport{
		self:  self,
		link:  link,
		ports: make(map[uint16]chan Datagram),
		done:  make(chan struct{}),
	}
	go t.run()
	return t
}

// Register returns the channel of datagrams addressed to port. Registering
// the same port twice replaces the previous channel.
func (t *Transport) Register(port uint16) <-chan Datagram {
	ch := make(chan Datagram, 256)
	t.mu.Lock()
	t.ports[port] = ch
	t.mu.Unlock()
	return ch
}

// Send prepends the transport header and hands the datagram to the datalink
// layer for fragmentation and broadcast.
func (t *Transport) Send(sourcePort, destPort uint16, dest addr.Addr, ttl uint8, payload []byte) {
	h := Header{SourcePort: sourcePort, SourceAddr: t.self, DestPort: destPort, DestAddr: dest}
	t.link.Send(h.encode(payload), dest, ttl)
}

func (t *Transport) Close() { close(t.done) }

func (t *Transport) run() {
	for {
		select {
		case <-t.done:
			return
		case d := <-t.link.Incoming():
			t.handle(d)
		}
	}
}

func (t *Transport) handle(d datalink.Delivery) {
	h, payload, ok := parseHeader(d.Payload)
	if !ok {
		log.Debug().Msg("transport: dropping short datagram")
		return
	}

	t.mu.RLock()
	ch, registered := t.ports[h.DestPort]
	t.mu.RUnlock()
	if !registered {
		log.Debug().Uint16("port", h.DestPort).Msg("transport: dropping datagram for unknown port")
		return
	}

	dg := Datagram{SourcePort: h.SourcePort, SourceAddr: h.SourceAddr, Payload: payload}
	select {
	case ch <- dg:
	default:
		log.Warn().Uint16("port", h.DestPort).Msg("transport: port channel full, dropping datagram")
	}
}
