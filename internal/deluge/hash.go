package deluge

import "golang.org/x/crypto/blake2b"

// computeDataHash produces the spec.md §4.6/§9 7-byte version-sanity tag: a
// blake2b-256 digest of data, truncated. Every node computes it the same
// way, so divergent local reassembly shows up as a mismatched ADV hash
// without the cost (or, for this non-adversarial diagnostic use, the need)
// of a full cryptographic checksum on every round.
func computeDataHash(data []byte) [DataHashSize]byte {
	full := blake2b.Sum256(data)
	var out [DataHashSize]byte
	copy(out[:], full[:DataHashSize])
	return out
}
