package datalink

import (
	"sync"

	"github.com/rs/zerolog/log"

	"deluge-net/internal/addr"
	"deluge-net/internal/radio"
)

// Delivery is a fully reassembled payload handed upward to transport, with
// the address that originated it.
type Delivery struct {
	Source  addr.Addr
	Payload []byte
}

// BufferWindow is the number of most-recent message-ids retained per source,
// per spec.md §4.2 ("default 10") and original_source/layers/datalink.py's
// buffer_window: once a message completes, every other message-id more than
// BufferWindow behind it is evicted, deterministically bounding per-source
// memory regardless of how long a sender stays on the air.
const BufferWindow = 10

type pendingMessage struct {
	chunks    [][]byte
	totalSize uint32
}

// sourceState is one sender's reassembly state: pending is exactly
// original_source/layers/datalink.py's buffer[sender], and completed is the
// set of message-ids already delivered, kept around only long enough to
// recognize a late duplicate piece of a message whose buffer was already
// cleared.
type sourceState struct {
	pending   map[uint8]*pendingMessage
	completed map[uint8]struct{}
}

func newSourceState() *sourceState {
	return &sourceState{
		pending:   make(map[uint8]*pendingMessage),
		completed: make(map[uint8]struct{}),
	}
}

// alreadyHandled reports whether piece pieceNo of messageID has already been
// recorded, either because the message already completed or because this
// exact piece is already buffered.
func (s *sourceState) alreadyHandled(messageID uint8, pieceNo uint32) bool {
	if _, done := s.completed[messageID]; done {
		return true
	}
	pm, ok := s.pending[messageID]
	if !ok {
		return false
	}
	return int(pieceNo) < len(pm.chunks) && pm.chunks[pieceNo] != nil
}

// markCompleted records messageID as delivered and evicts every message-id
// in this source's buffer that falls outside the buffer_window trailing it,
// the same pruning original_source/layers/datalink.py's _clear_buffer does
// on every successful reassembly.
func (s *sourceState) markCompleted(messageID uint8) {
	s.completed[messageID] = struct{}{}
	for id := range s.pending {
		if !inBufferWindow(messageID, id) {
			delete(s.pending, id)
		}
	}
	for id := range s.completed {
		if !inBufferWindow(messageID, id) {
			delete(s.completed, id)
		}
	}
}

// inBufferWindow reports whether id is within BufferWindow message-ids of
// latest, going backwards with the same modulo-255 wraparound
// _clear_buffer's min_m_id computation uses (message-ids cycle 1..255).
func inBufferWindow(latest, id uint8) bool {
	minID := ((int(latest)-BufferWindow)%255 + 255) % 255
	if minID <= int(latest) {
		return minID <= int(id) && int(id) <= int(latest)
	}
	// The window wraps past 255 back to 1.
	return int(id) >= minID || int(id) <= int(latest)
}

// Link is the datalink layer: it fragments outgoing payloads into frames,
// reassembles incoming frames into payloads, suppresses duplicates, and
// forwards multi-hop traffic, per spec.md §4.2.
type Link struct {
	self addr.Addr

	radio radio.Radio

	mu            sync.Mutex
	lastMessageID map[addr.Addr]uint8
	sources       map[addr.Addr]*sourceState

	incoming chan Delivery
	done     chan struct{}
}

// New creates a Link bound to self's address, using r as the underlying
// radio.
func New(self addr.Addr, r radio.Radio) *Link {
	l := &Link{
		self:          self,
		radio:         r,
		lastMessageID: make(map[addr.Addr]uint8),
		sources:       make(map[addr.Addr]*sourceState),
		incoming:      make(chan Delivery, 256),
		done:          make(chan struct{}),
	}
	go l.run()
	return l
}

// Incoming returns the channel of reassembled, addressed deliveries.
func (l *Link) Incoming() <-chan Delivery { return l.incoming }

// Close stops the link's receive loop.
func (l *Link) Close() {
	close(l.done)
}

// Send fragments data and broadcasts it addressed to dest with the given
// ttl (consulted only by peers when deciding whether to forward).
func (l *Link) Send(data []byte, dest addr.Addr, ttl uint8) {
	messageID := l.nextMessageID(l.self)
	chunks := chunkData(data)
	for piece, chunk := range chunks {
		f := &Frame{
			Source:    l.self,
			Dest:      dest,
			MessageID: messageID,
			TTL:       ttl,
			TotalSize: uint32(len(data)),
			PieceNo:   uint32(piece),
			Chunk:     chunk,
		}
		if err := l.radio.Broadcast(f.Encode()); err != nil {
			log.Error().Err(err).Msg("datalink: broadcast failed")
		}
	}
}

func (l *Link) nextMessageID(self addr.Addr) uint8 {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.lastMessageID[self]
	id++
	if id == 0 {
		id = 1
	}
	l.lastMessageID[self] = id
	return id
}

func (l *Link) run() {
	for {
		select {
		case <-l.done:
			return
		case frame := <-l.radio.Recv():
			l.handleFrame(frame)
		}
	}
}

func (l *Link) handleFrame(raw radio.Frame) {
	f, err := Parse(raw.Payload)
	if err != nil {
		log.Debug().Err(err).Msg("datalink: dropping malformed frame")
		return
	}

	l.mu.Lock()
	st := l.stateFor(f.Source)
	if st.alreadyHandled(f.MessageID, f.PieceNo) {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	l.maybeForward(f)
	l.maybeBuffer(f, st)
}

// maybeForward implements the spec.md §4.2 forwarding rule: never forward
// BROADCAST, never forward when we are the destination, drop at ttl==0,
// else decrement ttl and re-broadcast unchanged.
func (l *Link) maybeForward(f *Frame) {
	if f.Dest == addr.Broadcast {
		return
	}
	if f.Dest == l.self {
		return
	}
	if f.TTL == 0 {
		return
	}
	fwd := *f
	fwd.TTL--
	if err := l.radio.Broadcast(fwd.Encode()); err != nil {
		log.Error().Err(err).Msg("datalink: forward broadcast failed")
	}
}

func (l *Link) maybeBuffer(f *Frame, st *sourceState) {
	if f.Dest != addr.Broadcast && f.Dest != addr.Flood && f.Dest != l.self {
		return
	}

	l.mu.Lock()
	pm, ok := st.pending[f.MessageID]
	if !ok {
		pm = &pendingMessage{chunks: make([][]byte, f.PieceNo+1), totalSize: f.TotalSize}
		st.pending[f.MessageID] = pm
	}
	if int(f.PieceNo) >= len(pm.chunks) {
		grown := make([][]byte, f.PieceNo+1)
		copy(grown, pm.chunks)
		pm.chunks = grown
	}
	if pm.chunks[f.PieceNo] == nil {
		pm.chunks[f.PieceNo] = f.Chunk
	}
	pm.totalSize = f.TotalSize
	size := uint32(0)
	for _, c := range pm.chunks {
		size += uint32(len(c))
	}
	complete := size == pm.totalSize
	if complete {
		delete(st.pending, f.MessageID)
		st.markCompleted(f.MessageID)
	}
	l.mu.Unlock()

	if !complete {
		return
	}
	payload := make([]byte, 0, pm.totalSize)
	for _, c := range pm.chunks {
		payload = append(payload, c...)
	}
	select {
	case l.incoming <- Delivery{Source: f.Source, Payload: payload}:
	case <-l.done:
	}
}

// stateFor must be called with l.mu held.
func (l *Link) stateFor(source addr.Addr) *sourceState {
	st, ok := l.sources[source]
	if !ok {
		st = newSourceState()
		l.sources[source] = st
	}
	return st
}
