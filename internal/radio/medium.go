package radio

import (
	"errors"
	"sync"

	"github.com/pion/randutil"
	"github.com/rs/zerolog/log"

	"deluge-net/internal/addr"
)

// Medium is an in-memory, multi-node broadcast bus used for tests and the
// --mode=sim of cmd/delugenode. Every Broadcast from one attached node is
// fanned out to every other attached node's Recv channel, optionally dropped
// with a configurable probability — mirroring the teacher's VirtualConn
// (internal/server/virtual_conn.go), which bridges a single DNS session's
// reassembled packets into a channel a QUIC listener reads from, generalized
// here from one destination to many.
type Medium struct {
	mu       sync.RWMutex
	nodes    map[addr.Addr]*medNode
	dropProb float64
	rng      randutil.Generator
}

type medNode struct {
	self addr.Addr
	ch   chan Frame
	done chan struct{}
}

// NewMedium creates a broadcast bus with the given per-frame drop
// probability in [0, 1).
func NewMedium(dropProb float64) *Medium {
	return &Medium{
		nodes:    make(map[addr.Addr]*medNode),
		dropProb: dropProb,
		rng:      randutil.NewMathRandomGenerator(),
	}
}

// Join attaches a new node to the medium and returns its Radio handle.
func (m *Medium) Join(self addr.Addr) Radio {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := &medNode{
		self: self,
		ch:   make(chan Frame, 256),
		done: make(chan struct{}),
	}
	m.nodes[self] = n
	return &mediumRadio{medium: m, node: n}
}

func (m *Medium) broadcast(from addr.Addr, payload []byte) error {
	if len(payload) > MaxFramePayload {
		return errors.New("radio: payload exceeds MaxFramePayload")
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)

	m.mu.RLock()
	defer m.mu.RUnlock()
	for dst, n := range m.nodes {
		if dst == from {
			continue
		}
		if m.dropProb > 0 {
			const scale = 1 << 20
			if m.rng.Intn(scale) < int(m.dropProb*scale) {
				continue
			}
		}
		select {
		case n.ch <- Frame{Payload: cp, Sender: from}:
		default:
			log.Warn().Str("node", dst.String()).Msg("radio: medium recv buffer full, dropping frame")
		}
	}
	return nil
}

func (m *Medium) leave(self addr.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes[self]; ok {
		close(n.done)
		delete(m.nodes, self)
	}
}

type mediumRadio struct {
	medium *Medium
	node   *medNode
}

func (r *mediumRadio) Broadcast(payload []byte) error {
	return r.medium.broadcast(r.node.self, payload)
}

func (r *mediumRadio) Recv() <-chan Frame { return r.node.ch }

func (r *mediumRadio) Close() error {
	r.medium.leave(r.node.self)
	return nil
}
