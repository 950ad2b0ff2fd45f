package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deluge-net/internal/addr"
	"deluge-net/internal/datalink"
	"deluge-net/internal/radio"
)

func TestTransportRoutesToRegisteredPort(t *testing.T) {
	medium := radio.NewMedium(0)
	linkA := datalink.New(1, medium.Join(1))
	linkB := datalink.New(2, medium.Join(2))
	defer linkA.Close()
	defer linkB.Close()

	xa := New(1, linkA)
	xb := New(2, linkB)
	defer xa.Close()
	defer xb.Close()

	ch := xb.Register(5)
	xa.Send(5, 5, addr.Broadcast, 0, []byte("payload"))

	select {
	case dg := <-ch:
		assert.Equal(t, addr.Addr(1), dg.SourceAddr)
		assert.Equal(t, uint16(5), dg.SourcePort)
		assert.Equal(t, []byte("payload"), dg.Payload)
	case <-time.After(time.Second):
		t.Fatal("datagram never reached the registered port")
	}
}

func TestTransportDropsUnregisteredPortSilently(t *testing.T) {
	medium := radio.NewMedium(0)
	linkA := datalink.New(1, medium.Join(1))
	linkB := datalink.New(2, medium.Join(2))
	defer linkA.Close()
	defer linkB.Close()

	xa := New(1, linkA)
	xb := New(2, linkB)
	defer xa.Close()
	defer xb.Close()

	ch := xb.Register(9)
	xa.Send(5, 1, addr.Broadcast, 0, []byte("nobody listens on port 1"))

	select {
	case <-ch:
		t.Fatal("datagram delivered to the wrong port")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHeaderEncodeParseRoundTrip(t *testing.T) {
	h := Header{SourcePort: 3, SourceAddr: 7, DestPort: 9, DestAddr: addr.Flood}
	raw := h.encode([]byte("body"))
	parsed, payload, ok := parseHeader(raw)
	require.True(t, ok)
	assert.Equal(t, h, parsed)
	assert.Equal(t, []byte("body"), payload)
}

func TestParseHeaderRejectsShortInput(t *testing.T) {
	_, _, ok := parseHeader(make([]byte, HeaderSize-1))
	assert.False(t, ok)
}
