package deluge

import "github.com/pion/randutil"

// Page is an opaque, codec-owned representation of one complete page's
// content. The engine never inspects it directly; it only ever passes a
// Page back to the codec that produced it (Reassemble, SerializeData).
type Page interface{}

// PagePending is an opaque, codec-owned representation of a page's
// in-progress buffering state (which packets/rows have been seen so far).
type PagePending interface{}

// PageCodec abstracts the page representation and wire encoding that
// differ between classic per-packet Deluge and the rateless-coded variant
// (Design Notes, "Protocol polymorphism"). Engine holds no branching on
// which codec it was built with; it only calls this interface.
type PageCodec interface {
	// PacketsPerPage is the fixed number of packets/rows a complete page
	// has.
	PacketsPerPage() int

	// Split breaks data into complete pages, padding the final page to a
	// whole number of packets.
	Split(data []byte) []Page

	// Reassemble concatenates complete pages back into the original byte
	// stream, stripping Split's padding (the inverse of Split).
	Reassemble(pages []Page) []byte

	// NewPending creates empty in-progress buffering state for a page not
	// yet seen at all.
	NewPending() PagePending

	// ReqBody returns the codec-specific payload of a REQ for a page
	// currently in the given pending state (nil pending means "nothing of
	// this page buffered yet").
	ReqBody(pending PagePending) []byte

	// SerializeData produces the codec-specific DATA body for one unit
	// (packet index for classic, one fresh random combination for
	// rateless) of a complete page.
	SerializeData(page Page, unit int, rng randutil.Generator) []byte

	// ApplyData folds one DATA body into pending's buffering state. It
	// returns the updated pending state and, once the page is fully
	// recovered, the completed Page and complete=true.
	ApplyData(pending PagePending, body []byte) (next PagePending, page Page, complete bool)

	// NewPendingQueue creates the codec's outgoing-DATA work queue (see
	// PendingQueue).
	NewPendingQueue() PendingQueue
}
