package deluge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deluge-net/internal/addr"
)

func TestAdvEncodeParseRoundTrip(t *testing.T) {
	a := Adv{
		Version:              7,
		LargestCompletedPage: 3,
		TotalPages:           10,
		DataHash:             [DataHashSize]byte{1, 2, 3, 4, 5, 6, 7},
		KnownCompleted:       []addr.Addr{1, 2, 42},
	}
	raw := Encode(a)
	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, a, parsed)
	assert.Equal(t, KindAdv, parsed.Kind())
}

func TestAdvEncodeParseRoundTripNoKnownCompleted(t *testing.T) {
	a := Adv{Version: 1, LargestCompletedPage: 0, TotalPages: 5}
	raw := Encode(a)
	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, a, parsed)
}

func TestReqEncodeParseRoundTrip(t *testing.T) {
	r := Req{
		RequestFrom: 99,
		Version:     2,
		PageNumber:  4,
		Body:        []byte{0, 1, 2, 3},
	}
	raw := Encode(r)
	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, r, parsed)
	assert.Equal(t, KindReq, parsed.Kind())
}

func TestDataEncodeParseRoundTrip(t *testing.T) {
	d := Data{Version: 3, PageNumber: 1, Body: []byte("packet payload")}
	raw := Encode(d)
	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, d, parsed)
	assert.Equal(t, KindData, parsed.Kind())
}

func TestParseRejectsShortOrUnknown(t *testing.T) {
	_, err := Parse(nil)
	assert.ErrorIs(t, err, ErrMalformedPDU)

	_, err = Parse([]byte{byte(KindAdv), 0, 1})
	assert.ErrorIs(t, err, ErrMalformedPDU)

	_, err = Parse([]byte{0xFF})
	assert.ErrorIs(t, err, ErrMalformedPDU)
}

func TestPduKindString(t *testing.T) {
	assert.Equal(t, "ADV", KindAdv.String())
	assert.Equal(t, "REQ", KindReq.String())
	assert.Equal(t, "DATA", KindData.String())
	assert.Equal(t, "UNKNOWN", PduKind(0xFF).String())
}
