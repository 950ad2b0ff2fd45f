// Package dissemination is the thin application-facing wrapper of spec.md
// §4.8 (C8): it tags outgoing transport datagrams FOR_APP or FOR_PROTOCOL
// and routes incoming ones to the right consumer, so an application can
// share the same transport port as the Deluge engine without the two
// talking past each other. Grounded on
// original_source/app/data_dissemination.py's DataDisseminationPDU demux
// and the teacher's own tag-then-route instinct in
// internal/server/dns_handler.go's poll-vs-data branch.
package dissemination

import (
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"deluge-net/internal/addr"
	"deluge-net/internal/transport"
)

// Tag is the one-byte demultiplexing prefix.
type Tag byte

const (
	ForApp Tag = iota
	ForProtocol
)

// peerTTL bounds how long a neighbour is remembered as "recently active"
// after the last dissemination-tagged traffic from it.
const peerTTL = 5 * time.Minute

// AppMessage is an application-bound payload, with the neighbour it arrived
// from.
type AppMessage struct {
	Source  addr.Addr
	Payload []byte
}

// ProtocolEngine is the local receiver FOR_PROTOCOL traffic is delivered
// to — satisfied by *deluge.Engine. Delivery is an in-process call, not a
// transport send: the payload already arrived over the radio once.
type ProtocolEngine interface {
	Deliver(source addr.Addr, payload []byte)
}

// Dissemination multiplexes one transport port between an application and
// the Deluge protocol engine sharing it.
type Dissemination struct {
	xport *transport.Transport
	port  uint16

	App chan AppMessage

	protocol ProtocolEngine

	peers *cache.Cache
}

// New creates a Dissemination atop xport's port, forwarding FOR_APP
// traffic to the App channel. Call SetProtocol before any FOR_PROTOCOL
// traffic is expected — the two constructors are mutually referential
// (the engine's Sender is this Dissemination, this Dissemination's
// ProtocolEngine is the engine), so binding happens in a second step
// after both exist rather than in either New.
func New(xport *transport.Transport, port uint16) *Dissemination {
	d := &Dissemination{
		xport: xport,
		port:  port,
		App:   make(chan AppMessage, 64),
		peers: cache.New(peerTTL, peerTTL/2),
	}
	go d.run()
	return d
}

// SetProtocol binds the local receiver for FOR_PROTOCOL traffic.
func (d *Dissemination) SetProtocol(protocol ProtocolEngine) {
	d.protocol = protocol
}

func (d *Dissemination) run() {
	for dg := range d.xport.Register(d.port) {
		d.handle(dg)
	}
}

func (d *Dissemination) handle(dg transport.Datagram) {
	if len(dg.Payload) < 1 {
		log.Debug().Msg("dissemination: dropping empty datagram")
		return
	}
	d.peers.SetDefault(dg.SourceAddr.String(), struct{}{})

	switch Tag(dg.Payload[0]) {
	case ForApp:
		select {
		case d.App <- AppMessage{Source: dg.SourceAddr, Payload: dg.Payload[1:]}:
		default:
			log.Warn().Msg("dissemination: app channel full, dropping message")
		}
	case ForProtocol:
		if d.protocol == nil {
			log.Warn().Msg("dissemination: no protocol engine bound, dropping")
			return
		}
		d.protocol.Deliver(dg.SourceAddr, dg.Payload[1:])
	default:
		log.Debug().Uint8("tag", dg.Payload[0]).Msg("dissemination: unknown tag")
	}
}

// SendToApp tags data FOR_APP and sends it to dest.
func (d *Dissemination) SendToApp(dest addr.Addr, ttl uint8, data []byte) {
	d.xport.Send(d.port, d.port, dest, ttl, tagged(ForApp, data))
}

// SendToProtocol tags data FOR_PROTOCOL and sends it to dest.
func (d *Dissemination) SendToProtocol(dest addr.Addr, ttl uint8, data []byte) {
	d.xport.Send(d.port, d.port, dest, ttl, tagged(ForProtocol, data))
}

func tagged(tag Tag, data []byte) []byte {
	out := make([]byte, 1+len(data))
	out[0] = byte(tag)
	copy(out[1:], data)
	return out
}

// ActivePeers lists neighbours that have sent dissemination-tagged traffic
// within the last peerTTL — a supplementary liveness view the original's
// unbounded tracking never offered, since go-cache ages an entry out once
// peerTTL passes with no traffic from that neighbour.
func (d *Dissemination) ActivePeers() []string {
	items := d.peers.Items()
	out := make([]string, 0, len(items))
	for k := range items {
		out = append(out, k)
	}
	return out
}
