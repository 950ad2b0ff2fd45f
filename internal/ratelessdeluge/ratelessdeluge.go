// Package ratelessdeluge implements the rateless-coded Deluge variant (spec
// C7): a deluge.PageCodec where pages are random linear combinations over
// GF(256) instead of individually-addressed packets, decoded with
// internal/gf's incremental Gaussian solver. Transcribed in meaning from
// original_source/app/protocol/rateless_deluge.py, with coding.ff's
// unresolved field choice replaced by internal/gf's GF(256) tables.
package ratelessdeluge

import (
	"encoding/binary"
	"sync"

	"github.com/pion/randutil"

	"deluge-net/internal/deluge"
	"deluge-net/internal/gf"
	"deluge-net/internal/padcodec"
)

// Default sizing, per spec.md §4.7 (smaller packets than classic Deluge to
// leave room for the per-row coefficient vector on the wire).
const (
	PageSize   = 900
	PacketSize = 45
)

// ratelessPage is a complete page: PacketsPerPage original rows, each
// PacketSize bytes, stored as a GF(256) matrix so re-encoding (should a
// completed page need to be served to a peer) is a simple Dot.
type ratelessPage struct {
	rows *gf.Matrix
}

// ratelessPending is an in-progress Gaussian solve for one page.
type ratelessPending struct {
	solver *gf.GaussianSolver
}

// Codec is the rateless-coded deluge.PageCodec.
type Codec struct {
	PageSize       int
	PacketSize     int
	packetsPerPage int
}

// New returns a Codec with spec.md's default sizing.
func New() *Codec {
	c := &Codec{PageSize: PageSize, PacketSize: PacketSize}
	c.packetsPerPage = c.PageSize / c.PacketSize
	return c
}

func (c *Codec) PacketsPerPage() int { return c.packetsPerPage }

func (c *Codec) Split(data []byte) []deluge.Page {
	padded := padcodec.ToSize(data, roundUp(len(padcodec.Escape(data)), c.PageSize))
	var pages []deluge.Page
	for off := 0; off < len(padded); off += c.PageSize {
		end := off + c.PageSize
		if end > len(padded) {
			end = len(padded)
		}
		pageBytes := padded[off:end]
		m := gf.NewMatrix()
		for p := 0; p < len(pageBytes); p += c.PacketSize {
			pe := p + c.PacketSize
			if pe > len(pageBytes) {
				pe = len(pageBytes)
			}
			m.AddRow(pageBytes[p:pe])
		}
		pages = append(pages, ratelessPage{rows: m})
	}
	return pages
}

func roundUp(n, multiple int) int {
	if n%multiple == 0 {
		return n + multiple
	}
	return ((n / multiple) + 1) * multiple
}

func (c *Codec) Reassemble(pages []deluge.Page) []byte {
	var buf []byte
	for _, p := range pages {
		rp := p.(ratelessPage)
		for _, row := range rp.rows.Rows() {
			buf = append(buf, row...)
		}
	}
	return padcodec.FromSize(buf)
}

func (c *Codec) NewPending() deluge.PagePending {
	return &ratelessPending{solver: gf.NewGaussianSolver(c.packetsPerPage)}
}

// ReqBody is a 4-byte little-endian count of rows still required to solve
// the page (spec.md §4.7's count-based REQ, replacing classic's explicit
// missing-packet list).
func (c *Codec) ReqBody(pending deluge.PagePending) []byte {
	required := c.packetsPerPage
	if pending != nil {
		required = pending.(*ratelessPending).solver.RowsRequired()
	}
	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, uint32(required))
	return body
}

// SerializeData draws a fresh random coefficient row, computes its coded
// combination against the page's packet matrix, and serializes
// coeffs||payload. unit is unused: every coded packet is independent of any
// notion of "row index", per the rateless design.
func (c *Codec) SerializeData(page deluge.Page, unit int, rng randutil.Generator) []byte {
	rp := page.(ratelessPage)
	coeffs := make([]byte, c.packetsPerPage)
	for i := range coeffs {
		coeffs[i] = byte(rng.Uint32())
	}
	coeffRow := gf.NewMatrix()
	coeffRow.AddRow(coeffs)
	coded := coeffRow.Dot(rp.rows)

	body := make([]byte, len(coeffs)+len(coded.Row(0)))
	copy(body, coeffs)
	copy(body[len(coeffs):], coded.Row(0))
	return body
}

func (c *Codec) ApplyData(pending deluge.PagePending, body []byte) (deluge.PagePending, deluge.Page, bool) {
	if len(body) < c.packetsPerPage {
		return pending, nil, false
	}
	coeffs := body[:c.packetsPerPage]
	payload := body[c.packetsPerPage:]

	var rp *ratelessPending
	if pending == nil {
		rp = &ratelessPending{solver: gf.NewGaussianSolver(c.packetsPerPage)}
	} else {
		rp = pending.(*ratelessPending)
	}
	rp.solver.AddRow(coeffs, payload)

	if !rp.solver.IsSolved() {
		return rp, nil, false
	}
	m := gf.NewMatrix()
	for _, row := range rp.solver.Solve() {
		m.AddRow(row)
	}
	return rp, ratelessPage{rows: m}, true
}

func (c *Codec) NewPendingQueue() deluge.PendingQueue {
	return &pendingCounts{counts: make(map[int]int)}
}

// pendingCounts tracks, per page, how many more coded DATA packets are
// owed to requesters. An inbound REQ bumps a count and the TX-drain loop
// decrements it as it sends; deluge.Engine runs both on its actor
// goroutine, and every access is still mutex-guarded — grounded on
// rateless_deluge.py's PENDING_DATAS_LOCK.
type pendingCounts struct {
	mu     sync.Mutex
	counts map[int]int
}

// Add merges a requested row-count into page's outstanding work, keeping
// the larger of what's already owed and what was just asked for (mirrors
// rateless_deluge.py's max(existing, requested) merge).
func (p *pendingCounts) Add(page int, reqBody []byte) {
	if len(reqBody) < 4 {
		return
	}
	requested := int(binary.LittleEndian.Uint32(reqBody))
	p.mu.Lock()
	defer p.mu.Unlock()
	if requested > p.counts[page] {
		p.counts[page] = requested
	}
}

// Suppress mirrors rateless_deluge.py's _process_data: overhearing a coded
// DATA for a page we're also sending reduces our own obligation by one,
// regardless of which specific combination was overheard (unit is ignored).
func (p *pendingCounts) Suppress(page, _ int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n, ok := p.counts[page]; ok && n > 0 {
		p.counts[page] = n - 1
	}
}

func (p *pendingCounts) Pop() (page, unit int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for pg, n := range p.counts {
		if n <= 0 {
			delete(p.counts, pg)
			continue
		}
		p.counts[pg] = n - 1
		return pg, 0, true
	}
	return 0, 0, false
}

func (p *pendingCounts) Empty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range p.counts {
		if n > 0 {
			return false
		}
	}
	return true
}
