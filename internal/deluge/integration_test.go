package deluge

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"deluge-net/internal/addr"
	"deluge-net/internal/datalink"
	"deluge-net/internal/dissemination"
	"deluge-net/internal/radio"
	"deluge-net/internal/transport"
)

// newFullStackNode wires radio -> datalink -> transport -> dissemination ->
// Engine exactly the way cmd/delugenode does, so these tests exercise the
// real wire formats and framing instead of the in-process testBus.
func newFullStackNode(t *testing.T, medium *radio.Medium, self addr.Addr, codec PageCodec, params Params) (*Engine, func()) {
	t.Helper()
	link := datalink.New(self, medium.Join(self))
	xport := transport.New(self, link)
	disseminator := dissemination.New(xport, 7)
	engine := New(self, codec, disseminator, params, zerolog.Nop())
	disseminator.SetProtocol(engine)
	cleanup := func() {
		engine.Stop()
		xport.Close()
		link.Close()
	}
	return engine, cleanup
}

// TestDisseminationConvergesOverLossyLinks exercises the full radio-to-
// engine stack over a medium that drops a meaningful fraction of frames: the
// epidemic protocol's retry/REQ machinery must still converge every node to
// the latest version, it just takes more rounds.
func TestDisseminationConvergesOverLossyLinks(t *testing.T) {
	medium := radio.NewMedium(0.2)
	codec := &Classic{PageSize: 30, PacketSize: 10}
	params := fastTestParams()

	const nodeCount = 4
	engines := make([]*Engine, nodeCount)
	for i := 0; i < nodeCount; i++ {
		e, cleanup := newFullStackNode(t, medium, addr.Addr(i+1), codec, params)
		engines[i] = e
		defer cleanup()
	}

	payload := []byte("convergence despite a lossy radio link")
	engines[0].Disseminate(payload)

	for i := 1; i < nodeCount; i++ {
		select {
		case c := <-engines[i].Received:
			require.Equal(t, payload, c.Data)
		case <-time.After(20 * time.Second):
			t.Fatalf("node %d never converged over the lossy medium", i+1)
		}
	}
}

// TestFiveNodeMeshConverges checks that a version disseminated at one node
// reaches every other node in a larger, lossless mesh. radio.Medium has no
// topology: every joined node hears every other node's broadcast directly,
// so this does not exercise multi-hop-only relay (there is no path here a
// node could reach only through a forwarder) — it covers convergence at a
// node count beyond the two-node round-trip tests above.
func TestFiveNodeMeshConverges(t *testing.T) {
	medium := radio.NewMedium(0)
	codec := &Classic{PageSize: 30, PacketSize: 10}
	params := fastTestParams()
	params.TTL = 8

	const nodeCount = 5
	engines := make([]*Engine, nodeCount)
	for i := 0; i < nodeCount; i++ {
		e, cleanup := newFullStackNode(t, medium, addr.Addr(i+1), codec, params)
		engines[i] = e
		defer cleanup()
	}

	payload := []byte("hand this down the line")
	engines[0].Disseminate(payload)

	for i := 1; i < nodeCount; i++ {
		select {
		case c := <-engines[i].Received:
			require.Equal(t, payload, c.Data)
		case <-time.After(20 * time.Second):
			t.Fatalf("node %d never received the disseminated version", i+1)
		}
	}
}
