package deluge

import (
	"time"

	"github.com/pion/randutil"
	"github.com/rs/zerolog"

	"deluge-net/internal/addr"
)

// Sender is the outbound half of whatever carries PDUs between nodes —
// satisfied by *dissemination.Dissemination, so the engine never imports
// the transport layer directly and has no notion of ports or tags.
type Sender interface {
	SendToProtocol(dest addr.Addr, ttl uint8, payload []byte)
}

// Inbound is one received, already-untagged PDU payload with its sender,
// handed to the engine by whatever demultiplexed it (dissemination.go).
type Inbound struct {
	Source  addr.Addr
	Payload []byte
}

// State is one of the three Deluge round states (spec.md §3/§4.6).
type State int

const (
	StateMaintain State = iota
	StateRX
	StateTX
)

func (s State) String() string {
	switch s {
	case StateMaintain:
		return "MAINTAIN"
	case StateRX:
		return "RX"
	case StateTX:
		return "TX"
	default:
		return "UNKNOWN"
	}
}

// Params holds the protocol's tunable timing/suppression constants, per
// spec.md §4.6's parameter table.
type Params struct {
	TMin       time.Duration
	TMax       time.Duration
	TR         time.Duration // max random delay before sending a REQ
	TTX        time.Duration // nominal time to transmit one frame
	W          int           // rounds of T_TX to wait in RX before re-requesting
	RxMax      int           // max REQ rounds before giving up and leaving RX
	K          int           // ADV suppression threshold (overheard summaries)
	FrameDelay time.Duration // per-radio-frame pacing delay during TX drain

	TTL      uint8 // ttl applied to outgoing broadcasts
	DestAddr addr.Addr
}

// framePacingUnit is the radio-frame size FrameDelay is scaled by: spec.md
// §4.6's `ceil(len(frame)/76) · FRAME_DELAY`, matching deluge.py's FRAME_DELAY
// sleep.
const framePacingUnit = 76

// DefaultParams returns spec.md §4.6's stated defaults.
func DefaultParams() Params {
	return Params{
		TMin:       1 * time.Second,
		TMax:       10 * time.Minute,
		TR:         500 * time.Millisecond,
		TTX:        200 * time.Millisecond,
		W:          10,
		RxMax:      2,
		K:          1,
		FrameDelay: 20 * time.Millisecond,
		TTL:        4,
		DestAddr:   addr.Flood,
	}
}

// PendingQueue is the pluggable outgoing-DATA work queue a codec builds:
// classic stores individual (page,packet) obligations, rateless stores a
// per-page remaining-count. Both the inbound REQ handler and the TX-drain
// loop touch it; Engine runs both on its single actor goroutine, and
// implementations still guard their own state with a mutex.
type PendingQueue interface {
	Add(page int, reqBody []byte)
	Suppress(page, unit int)
	Pop() (page, unit int, ok bool)
	Empty() bool
}

// Completion is delivered on the Received channel whenever a full version
// finishes reassembling locally.
type Completion struct {
	Version Version
	Data    []byte
}

// Engine runs the Deluge round state machine for one node. It is
// codec-agnostic: Classic or a rateless codec are injected at construction
// and the engine only ever calls the PageCodec interface, never branches on
// which one it holds (Design Notes, "Protocol polymorphism").
type Engine struct {
	self   addr.Addr
	codec  PageCodec
	params Params
	rng    randutil.Generator
	sender Sender
	logger zerolog.Logger

	inbox    chan Inbound
	events   chan timerEvent
	commands chan func(*Engine)
	done     chan struct{}

	Received chan Completion

	// --- protocol state, touched only from run(), per §5 single-actor rule ---
	version    Version
	dataHash   [DataHashSize]byte
	totalPages uint32

	completePages []Page
	buffering     map[int]PagePending
	readyPages    map[int]Page // pages fully received but not yet contiguous with completePages

	state         State
	roundNumber   int
	roundsInState int
	t             time.Duration

	advOverheard               int
	reqAndDataOverheard        int
	reqAndDataOverheardBuffer  int
	rxDataRate                 int
	inconsistent               bool
	pageToReq                  int // -1 when none
	rxSource                   addr.Addr
	rxNumSent                  int
	lastReqAt                  time.Time
	lastReqVersion             Version
	lastReqValid               bool
	lastDataAt                 time.Time
	lastDataVersion            Version
	lastDataValid              bool
	knownCompleted             map[addr.Addr]struct{}
	pending                    PendingQueue

	genRound, genAdv, genReq uint64
	roundTimer, advTimer, reqTimer *time.Timer
}

type timerKind int

const (
	evRound timerKind = iota
	evAdv
	evReq
)

type timerEvent struct {
	gen  uint64
	kind timerKind
}

// New creates an Engine bound to self, using codec for page representation
// and sender to transmit PDUs. The engine starts in MAINTAIN state at
// version 1 with no pages and no round scheduled; the first round is
// scheduled by Disseminate or by an incoming PDU.
func New(self addr.Addr, codec PageCodec, sender Sender, params Params, logger zerolog.Logger) *Engine {
	e := &Engine{
		self:           self,
		codec:          codec,
		params:         params,
		rng:            randutil.NewMathRandomGenerator(),
		sender:         sender,
		logger:         logger,
		inbox:          make(chan Inbound, 256),
		events:         make(chan timerEvent, 4),
		commands:       make(chan func(*Engine)),
		done:           make(chan struct{}),
		Received:       make(chan Completion, 4),
		version:        1,
		buffering:      make(map[int]PagePending),
		readyPages:     make(map[int]Page),
		state:          StateMaintain,
		t:              params.TMax,
		pageToReq:      -1,
		knownCompleted: make(map[addr.Addr]struct{}),
	}
	e.pending = codec.NewPendingQueue()
	go e.run()
	return e
}

// Stop halts the actor and cancels any pending timers. A stopped Engine
// cannot be restarted; there is no Start method.
func (e *Engine) Stop() {
	close(e.done)
	e.cancelAllTimers()
}

// Deliver hands a received, already-untagged PDU payload to the engine.
// Whatever demultiplexed it (dissemination.Dissemination) calls this
// in-process instead of looping the payload back onto the radio.
func (e *Engine) Deliver(source addr.Addr, payload []byte) {
	select {
	case e.inbox <- Inbound{Source: source, Payload: payload}:
	case <-e.done:
	}
}

// Disseminate installs data as a new version (version = current+1) and
// begins advertising it immediately, per new_version(start=True).
func (e *Engine) Disseminate(data []byte) {
	done := make(chan struct{})
	e.commands <- func(e *Engine) {
		e.newVersion(e.version+1, data, false)
		close(done)
	}
	<-done
}

func (e *Engine) run() {
	for {
		select {
		case <-e.done:
			return
		case cmd := <-e.commands:
			cmd(e)
		case dg := <-e.inbox:
			e.handleIncoming(dg)
		case ev := <-e.events:
			e.handleTimerEvent(ev)
		}
	}
}

// --- timer plumbing -------------------------------------------------------

func (e *Engine) cancelAllTimers() {
	if e.roundTimer != nil {
		e.roundTimer.Stop()
	}
	if e.advTimer != nil {
		e.advTimer.Stop()
	}
	if e.reqTimer != nil {
		e.reqTimer.Stop()
	}
}

func (e *Engine) scheduleRound(delay time.Duration) {
	if e.roundTimer != nil {
		e.roundTimer.Stop()
	}
	e.genRound++
	gen := e.genRound
	e.roundTimer = time.AfterFunc(delay, func() { e.fire(timerEvent{gen: gen, kind: evRound}) })
}

func (e *Engine) scheduleAdv() {
	if e.advTimer != nil {
		e.advTimer.Stop()
	}
	e.genAdv++
	gen := e.genAdv
	delay := randDuration(e.rng, e.t/2, e.t)
	e.advTimer = time.AfterFunc(delay, func() { e.fire(timerEvent{gen: gen, kind: evAdv}) })
}

func (e *Engine) scheduleReq() {
	if e.reqTimer != nil {
		e.reqTimer.Stop()
	}
	e.genReq++
	gen := e.genReq
	delay := randDuration(e.rng, 0, e.params.TR)
	e.reqTimer = time.AfterFunc(delay, func() { e.fire(timerEvent{gen: gen, kind: evReq}) })
}

// fire is called from a time.Timer's own goroutine; it hands the event back
// to the actor instead of touching engine state directly.
func (e *Engine) fire(ev timerEvent) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

func (e *Engine) handleTimerEvent(ev timerEvent) {
	switch ev.kind {
	case evRound:
		if ev.gen != e.genRound {
			return // stale: a newer round has already been scheduled (TimerRace)
		}
		e.round()
	case evAdv:
		if ev.gen != e.genAdv {
			return
		}
		e.sendAdv(false)
	case evReq:
		if ev.gen != e.genReq {
			return
		}
		e.sendReq()
	}
}

func randDuration(rng randutil.Generator, lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	span := hi - lo
	return lo + time.Duration(rng.Uint64()%uint64(span))
}

// --- round state machine, transcribed from deluge.py's _round family -----

func (e *Engine) round() {
	e.advOverheard = 0
	e.roundNumber++
	e.reqAndDataOverheardBuffer = e.reqAndDataOverheard
	e.reqAndDataOverheard = 0
	e.roundsInState++

	switch e.state {
	case StateMaintain:
		e.roundMaintain()
	case StateRX:
		e.roundRX()
	case StateTX:
		e.roundTX()
	}
}

func (e *Engine) roundMaintain() {
	if !e.inconsistent {
		e.t = minDur(2*e.t, e.params.TMax)
	}
	e.inconsistent = false
	e.scheduleRound(e.t)
	e.scheduleAdv()
}

func (e *Engine) roundRX() {
	e.maybeExitRX()
	e.scheduleRound(time.Duration(e.params.W) * e.params.TTX)
	e.scheduleReq()
}

func (e *Engine) roundTX() {
	e.sendData()
	e.scheduleRound(0)
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func (e *Engine) setInconsistent() {
	e.inconsistent = true
	e.t = e.params.TMin
}

func (e *Engine) sendAdv(force bool) {
	if e.advOverheard >= e.params.K && !force {
		e.logger.Debug().Msg("deluge: suppressed ADV")
		return
	}
	adv := Adv{
		Version:              e.version,
		LargestCompletedPage: uint32(len(e.completePages)),
		TotalPages:           e.totalPages,
		DataHash:             e.dataHash,
		KnownCompleted:       e.knownCompletedSlice(),
	}
	e.sendPdu(adv)
}

func (e *Engine) sendReq() {
	if e.reqAndDataOverheardBuffer > 0 || e.reqAndDataOverheard > 0 || e.pageToReq < 0 {
		e.logger.Debug().Msg("deluge: suppressed REQ")
		return
	}
	e.rxNumSent++
	body := e.codec.ReqBody(e.buffering[e.pageToReq])
	req := Req{RequestFrom: e.rxSource, Version: e.version, PageNumber: uint32(e.pageToReq), Body: body}
	e.sendPdu(req)
}

func (e *Engine) maybeExitRX() {
	if e.rxNumSent >= e.params.RxMax && e.rxDataRate < 1 {
		e.logger.Debug().Msg("deluge: DATA rate too low, exiting RX")
		e.exitRX()
		e.scheduleRound(0)
	}
	e.rxDataRate = 0
}

func (e *Engine) sendData() {
	for {
		page, unit, ok := e.pending.Pop()
		if !ok {
			break
		}
		body := e.codec.SerializeData(e.completePages[page], unit, e.rng)
		data := Data{Version: e.version, PageNumber: uint32(page), Body: body}
		frameLen := e.sendPdu(data)
		// Pace transmissions instead of waiting on an ack the radio
		// interface doesn't offer, matching deluge.py's FRAME_DELAY sleep
		// scaled by the number of framePacingUnit-sized chunks sent.
		units := (frameLen + framePacingUnit - 1) / framePacingUnit
		time.Sleep(time.Duration(units) * e.params.FrameDelay)
	}
	e.changeState(StateMaintain)
}

func (e *Engine) changeState(s State) {
	e.state = s
	e.roundsInState = 0
}

// sendPdu encodes and sends p, returning the encoded frame's length so
// callers can derive FrameDelay pacing from it.
func (e *Engine) sendPdu(p Pdu) int {
	encoded := Encode(p)
	e.sender.SendToProtocol(e.params.DestAddr, e.params.TTL, encoded)
	return len(encoded)
}

// --- new version -----------------------------------------------------------

func (e *Engine) newVersion(version Version, data []byte, force bool) {
	if version <= e.version && !force {
		return
	}
	e.version = version
	e.buffering = make(map[int]PagePending)
	e.readyPages = make(map[int]Page)
	e.completePages = e.codec.Split(data)
	e.totalPages = uint32(len(e.completePages))
	e.dataHash = computeDataHash(e.reassembledData())

	if version > 1 {
		e.setInconsistent()
	}
	e.scheduleRound(0)
}

func (e *Engine) reassembledData() []byte {
	return e.codec.Reassemble(e.completePages)
}

func (e *Engine) checkIfCompleted() {
	if uint32(len(e.completePages)) != e.totalPages || e.totalPages == 0 {
		return
	}
	data := e.reassembledData()
	e.dataHash = computeDataHash(data)
	select {
	case e.Received <- Completion{Version: e.version, Data: data}:
	default:
		e.logger.Warn().Msg("deluge: completion channel full, dropping notification")
	}
}

func (e *Engine) knownCompletedSlice() []addr.Addr {
	out := make([]addr.Addr, 0, len(e.knownCompleted))
	for a := range e.knownCompleted {
		out = append(out, a)
	}
	return out
}

// --- incoming PDU handling, transcribed from _handle_incoming_message ----

func (e *Engine) handleIncoming(dg Inbound) {
	p, err := Parse(dg.Payload)
	if err != nil {
		e.logger.Debug().Err(err).Msg("deluge: dropping malformed PDU")
		return
	}

	switch v := p.(type) {
	case Adv:
		e.maybeAdoptVersion(v.Version)
		e.processAdv(v, dg.Source)
	case Req:
		e.maybeAdoptVersion(v.Version)
		e.reqAndDataOverheard++
		if int(v.PageNumber) < len(e.completePages) {
			e.lastReqAt, e.lastReqVersion, e.lastReqValid = time.Now(), v.Version, true
		}
		e.processReq(v)
	case Data:
		e.maybeAdoptVersion(v.Version)
		e.reqAndDataOverheard++
		if int(v.PageNumber) <= len(e.completePages) {
			e.lastDataAt, e.lastDataVersion, e.lastDataValid = time.Now(), v.Version, true
		}
		e.processData(v)
	}

	if e.state == StateMaintain {
		if p.Kind() == KindReq || p.Kind() == KindData {
			e.setInconsistent()
			e.scheduleRound(0)
		}
	}
}

// maybeAdoptVersion resets local state on hearing a strictly newer version
// while in MAINTAIN, from any PDU kind (ADV, REQ, or DATA), per deluge.py's
// inline version bump in _handle_incoming_message.
func (e *Engine) maybeAdoptVersion(v Version) {
	if e.state != StateMaintain || v <= e.version {
		return
	}
	e.version = v
	e.buffering = make(map[int]PagePending)
	e.readyPages = make(map[int]Page)
	e.completePages = nil
	e.totalPages = 0
	e.knownCompleted = make(map[addr.Addr]struct{})
}

func (e *Engine) processAdv(a Adv, sender addr.Addr) {
	if e.state != StateMaintain {
		if e.state == StateRX && a.Version == e.version && a.LargestCompletedPage >= uint32(e.pageToReq) {
			e.rxSource = sender
		}
		return
	}

	if a.Version == e.version && a.TotalPages != 0 {
		e.totalPages = a.TotalPages
		for _, n := range a.KnownCompleted {
			e.knownCompleted[n] = struct{}{}
		}
		e.knownCompleted[sender] = struct{}{}
	}

	if a.Version == e.version && a.LargestCompletedPage == uint32(len(e.completePages)) {
		e.advOverheard++
		return
	}

	e.setInconsistent()

	if a.Version < e.version {
		e.scheduleRound(0)
		return
	}

	if a.LargestCompletedPage > uint32(len(e.completePages)) {
		now := time.Now()
		overheardDataRecently := e.lastDataValid &&
			now.Sub(e.lastDataAt) <= e.t && e.lastDataVersion == e.version
		overheardReqRecently := e.lastReqValid && now.Sub(e.lastReqAt) <= 2*e.t
		if overheardReqRecently || overheardDataRecently {
			e.logger.Debug().Msg("deluge: suppressed transition into RX")
		} else {
			e.enterRX(sender)
		}
	}

	e.scheduleRound(0)
}

func (e *Engine) processReq(r Req) {
	if !(int(r.PageNumber) < len(e.completePages)) {
		return
	}
	if r.RequestFrom != e.self {
		return
	}
	if e.state == StateMaintain {
		e.changeState(StateTX)
		e.pending.Add(int(r.PageNumber), r.Body)
		e.scheduleRound(0)
	} else if e.state == StateTX {
		e.pending.Add(int(r.PageNumber), r.Body)
	}
}

// processData folds one DATA packet into the buffering state and then
// promotes any run of now-complete pages that is contiguous with
// completePages. A page can finish out of order relative to its
// neighbours (e.g. page N+1 completes before page N), so promotion is a
// loop, not a single check of the page that just arrived — mirrors
// deluge.py's `while next_page in self.buffering_pages ...` cascade.
func (e *Engine) processData(d Data) {
	if e.pending != nil {
		// unit is codec-specific and only meaningful for classic; rateless
		// queues ignore it and decrement the page's remaining count.
		e.pending.Suppress(int(d.PageNumber), classicUnitHint(d.Body))
	}

	if d.PageNumber >= uint32(len(e.completePages)) {
		pn := int(d.PageNumber)
		pending, page, complete := e.codec.ApplyData(e.buffering[pn], d.Body)
		if complete {
			delete(e.buffering, pn)
			e.readyPages[pn] = page
		} else {
			e.buffering[pn] = pending
		}
		if pn == e.pageToReq {
			e.rxDataRate++
		}
	}

	for {
		next := len(e.completePages)
		page, ok := e.readyPages[next]
		if !ok {
			break
		}
		delete(e.readyPages, next)
		e.completePages = append(e.completePages, page)
		e.checkIfCompleted()
		if e.state == StateRX && next == e.pageToReq {
			e.exitRX()
		}
	}
}

func (e *Engine) enterRX(source addr.Addr) {
	e.pageToReq = len(e.completePages)
	e.rxSource = source
	e.rxNumSent = 0
	e.changeState(StateRX)
}

func (e *Engine) exitRX() {
	e.pageToReq = -1
	e.rxNumSent = 0
	e.changeState(StateMaintain)
}

// classicUnitHint extracts the leading packet-number field a classic DATA
// body carries, for suppression bookkeeping; rateless pending queues ignore
// the unit argument entirely so an approximate value here is harmless.
func classicUnitHint(body []byte) int {
	if len(body) < 4 {
		return -1
	}
	return int(body[0]) | int(body[1])<<8 | int(body[2])<<16 | int(body[3])<<24
}

