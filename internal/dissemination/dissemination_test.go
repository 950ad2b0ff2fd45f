package dissemination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deluge-net/internal/addr"
	"deluge-net/internal/datalink"
	"deluge-net/internal/radio"
	"deluge-net/internal/transport"
)

type recordingProtocol struct {
	ch chan struct {
		source  addr.Addr
		payload []byte
	}
}

func newRecordingProtocol() *recordingProtocol {
	return &recordingProtocol{ch: make(chan struct {
		source  addr.Addr
		payload []byte
	}, 4)}
}

func (r *recordingProtocol) Deliver(source addr.Addr, payload []byte) {
	r.ch <- struct {
		source  addr.Addr
		payload []byte
	}{source, payload}
}

func newPair(t *testing.T) (*Dissemination, *Dissemination, func()) {
	t.Helper()
	medium := radio.NewMedium(0)
	linkA := datalink.New(1, medium.Join(1))
	linkB := datalink.New(2, medium.Join(2))
	xa := transport.New(1, linkA)
	xb := transport.New(2, linkB)

	da := New(xa, 7)
	db := New(xb, 7)
	cleanup := func() {
		linkA.Close()
		linkB.Close()
		xa.Close()
		xb.Close()
	}
	return da, db, cleanup
}

func TestForAppTrafficReachesAppChannel(t *testing.T) {
	da, db, cleanup := newPair(t)
	defer cleanup()
	db.SetProtocol(newRecordingProtocol())

	da.SendToApp(addr.Broadcast, 0, []byte("app payload"))

	select {
	case msg := <-db.App:
		assert.Equal(t, addr.Addr(1), msg.Source)
		assert.Equal(t, []byte("app payload"), msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("FOR_APP traffic never reached the App channel")
	}
}

func TestForProtocolTrafficIsDeliveredInProcessNotRebroadcast(t *testing.T) {
	da, db, cleanup := newPair(t)
	defer cleanup()
	proto := newRecordingProtocol()
	db.SetProtocol(proto)

	da.SendToProtocol(addr.Broadcast, 0, []byte("protocol payload"))

	select {
	case got := <-proto.ch:
		assert.Equal(t, addr.Addr(1), got.source)
		assert.Equal(t, []byte("protocol payload"), got.payload)
	case <-time.After(time.Second):
		t.Fatal("FOR_PROTOCOL traffic never reached the bound protocol engine")
	}

	// db.App must stay empty: protocol traffic never leaks to the
	// application channel.
	select {
	case <-db.App:
		t.Fatal("FOR_PROTOCOL traffic leaked onto the App channel")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestForProtocolTrafficDroppedWhenUnbound(t *testing.T) {
	da, db, cleanup := newPair(t)
	defer cleanup()
	// deliberately no SetProtocol call on db

	da.SendToProtocol(addr.Broadcast, 0, []byte("nobody home"))

	require.Eventually(t, func() bool {
		_, found := db.peers.Get(addr.Addr(1).String())
		return found
	}, time.Second, 10*time.Millisecond, "peer liveness should still be tracked even when undelivered")
}

func TestActivePeersTracksRecentSenders(t *testing.T) {
	da, db, cleanup := newPair(t)
	defer cleanup()
	db.SetProtocol(newRecordingProtocol())

	da.SendToApp(addr.Broadcast, 0, []byte("ping"))

	require.Eventually(t, func() bool {
		for _, p := range db.ActivePeers() {
			if p == addr.Addr(1).String() {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}
