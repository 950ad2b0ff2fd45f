package radio

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/rs/zerolog/log"

	"deluge-net/internal/addr"
)

// UDPBroadcast stands in for a physical radio using UDP broadcast on a LAN
// segment, for cmd/delugenode's non-simulated mode. It is a concrete
// collaborator behind the out-of-scope physical radio interface (spec.md
// §4.1), not part of the protocol's contract. Grounded on the teacher's
// internal/protocol/dns_conn.go RX-engine goroutine (a background reader
// feeding a channel, closed via a shared done channel).
type UDPBroadcast struct {
	self addr.Addr
	conn *net.UDPConn
	dst  *net.UDPAddr
	recv chan Frame
	done chan struct{}
}

// NewUDPBroadcast binds a UDP socket on port and broadcasts to
// 255.255.255.255:port. self is carried in every outgoing frame so peers can
// recover the sender address despite UDP not needing it for delivery.
func NewUDPBroadcast(self addr.Addr, port int) (*UDPBroadcast, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("radio: listen: %w", err)
	}
	if err := conn.SetReadBuffer(4 * 1024 * 1024); err != nil {
		log.Warn().Err(err).Msg("radio: failed to grow UDP read buffer")
	}

	u := &UDPBroadcast{
		self: self,
		conn: conn,
		dst:  &net.UDPAddr{IP: net.IPv4bcast, Port: port},
		recv: make(chan Frame, 1024),
		done: make(chan struct{}),
	}
	go u.runRecv()
	return u, nil
}

// Broadcast prefixes the payload with the sender address (2 bytes,
// little-endian) so Recv can report it, then blasts the UDP broadcast
// address. The radio-level framing is opaque to every layer above it.
func (u *UDPBroadcast) Broadcast(payload []byte) error {
	if len(payload) > MaxFramePayload {
		return fmt.Errorf("radio: payload exceeds MaxFramePayload (%d > %d)", len(payload), MaxFramePayload)
	}
	buf := make([]byte, 2+len(payload))
	binary.LittleEndian.PutUint16(buf, uint16(u.self))
	copy(buf[2:], payload)
	_, err := u.conn.WriteToUDP(buf, u.dst)
	return err
}

func (u *UDPBroadcast) Recv() <-chan Frame { return u.recv }

func (u *UDPBroadcast) Close() error {
	close(u.done)
	return u.conn.Close()
}

func (u *UDPBroadcast) runRecv() {
	buf := make([]byte, 2048)
	for {
		n, _, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-u.done:
				return
			default:
				log.Debug().Err(err).Msg("radio: udp read failed")
				continue
			}
		}
		if n < 2 {
			continue
		}
		sender := addr.Addr(binary.LittleEndian.Uint16(buf[:2]))
		if sender == u.self {
			continue // loopback of our own broadcast
		}
		payload := make([]byte, n-2)
		copy(payload, buf[2:n])
		select {
		case u.recv <- Frame{Payload: payload, Sender: sender}:
		case <-u.done:
			return
		default:
			log.Warn().Msg("radio: recv buffer full, dropping frame")
		}
	}
}
