package deluge

import (
	"encoding/binary"
	"sync"

	"github.com/pion/randutil"

	"deluge-net/internal/padcodec"
)

// Default sizing parameters, per spec.md §4.6. PacketSize leaves headroom
// under a 100-byte radio frame once datalink(14)+transport(8)+PDU-tag(1)+
// DATA-header(8) overhead is subtracted.
const (
	ClassicPageSize   = 1020
	ClassicPacketSize = 60
)

// classicPage is a complete page: a dense, ordered slice of packets.
type classicPage [][]byte

// classicPending buffers packets of an incomplete page by packet number.
type classicPending struct {
	packets map[int][]byte
}

// Classic is the original per-packet PageCodec: every packet of every page
// is sent and requested individually, grounded directly on
// original_source/app/protocol/deluge.py's complete_pages/buffering_pages.
type Classic struct {
	PageSize   int
	PacketSize int
}

// NewClassic returns a Classic codec with spec.md's default sizing.
func NewClassic() *Classic {
	return &Classic{PageSize: ClassicPageSize, PacketSize: ClassicPacketSize}
}

func (c *Classic) PacketsPerPage() int { return c.PageSize / c.PacketSize }

// Split pads data to a whole number of pages (via padcodec's escape+pad, so
// the pad bytes are unambiguous on the wire) and chops it into
// PacketSize-sized packets grouped PacketsPerPage per page.
func (c *Classic) Split(data []byte) []Page {
	padded := padcodec.ToSize(data, roundUp(len(padcodec.Escape(data)), c.PageSize))
	var pages []Page
	for off := 0; off < len(padded); off += c.PageSize {
		end := off + c.PageSize
		if end > len(padded) {
			end = len(padded)
		}
		pageBytes := padded[off:end]
		page := make(classicPage, 0, c.PacketsPerPage())
		for p := 0; p < len(pageBytes); p += c.PacketSize {
			pe := p + c.PacketSize
			if pe > len(pageBytes) {
				pe = len(pageBytes)
			}
			page = append(page, append([]byte(nil), pageBytes[p:pe]...))
		}
		pages = append(pages, page)
	}
	return pages
}

func roundUp(n, multiple int) int {
	if n%multiple == 0 {
		return n + multiple
	}
	return ((n / multiple) + 1) * multiple
}

func (c *Classic) Reassemble(pages []Page) []byte {
	var buf []byte
	for _, p := range pages {
		cp := p.(classicPage)
		for _, packet := range cp {
			buf = append(buf, packet...)
		}
	}
	return padcodec.FromSize(buf)
}

func (c *Classic) NewPending() PagePending {
	return &classicPending{packets: make(map[int][]byte)}
}

// ReqBody lists, as a byte per missing packet number, every packet of the
// page not yet buffered (mirrors deluge.py's _create_req: the full
// complement of xrange(PACKETS_PER_PAGE) when nothing is buffered yet).
func (c *Classic) ReqBody(pending PagePending) []byte {
	have := map[int]bool{}
	if pending != nil {
		for k := range pending.(*classicPending).packets {
			have[k] = true
		}
	}
	var missing []byte
	for i := 0; i < c.PacketsPerPage(); i++ {
		if !have[i] {
			missing = append(missing, byte(i))
		}
	}
	return missing
}

func (c *Classic) SerializeData(page Page, unit int, rng randutil.Generator) []byte {
	cp := page.(classicPage)
	body := make([]byte, 4+len(cp[unit]))
	binary.LittleEndian.PutUint32(body[0:4], uint32(unit))
	copy(body[4:], cp[unit])
	return body
}

func (c *Classic) ApplyData(pending PagePending, body []byte) (PagePending, Page, bool) {
	if len(body) < 4 {
		return pending, nil, false
	}
	packetNo := int(binary.LittleEndian.Uint32(body[0:4]))
	payload := append([]byte(nil), body[4:]...)

	var pp *classicPending
	if pending == nil {
		pp = &classicPending{packets: make(map[int][]byte)}
	} else {
		pp = pending.(*classicPending)
	}
	if _, ok := pp.packets[packetNo]; !ok {
		pp.packets[packetNo] = payload
	}

	if len(pp.packets) != c.PacketsPerPage() {
		return pp, nil, false
	}
	page := make(classicPage, c.PacketsPerPage())
	for i := range page {
		page[i] = pp.packets[i]
	}
	return pp, page, true
}

func (c *Classic) NewPendingQueue() PendingQueue {
	return &classicPendingSet{items: make(map[[2]int]struct{})}
}

// classicPendingSet is a set of (page, packet) obligations awaiting
// transmission, mirroring deluge.py's self._pending_datas set of tuples.
type classicPendingSet struct {
	mu    sync.Mutex
	items map[[2]int]struct{}
}

func (s *classicPendingSet) Add(page int, reqBody []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, packet := range reqBody {
		s.items[[2]int{page, int(packet)}] = struct{}{}
	}
}

func (s *classicPendingSet) Suppress(page, unit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, [2]int{page, unit})
}

func (s *classicPendingSet) Pop() (page, unit int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.items {
		delete(s.items, k)
		return k[0], k[1], true
	}
	return 0, 0, false
}

func (s *classicPendingSet) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items) == 0
}
