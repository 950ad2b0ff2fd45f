package deluge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeDataHashDeterministic(t *testing.T) {
	data := []byte("steady state v1 data")
	assert.Equal(t, computeDataHash(data), computeDataHash(data))
}

func TestComputeDataHashDiffersOnDifferentInput(t *testing.T) {
	assert.NotEqual(t, computeDataHash([]byte("a")), computeDataHash([]byte("b")))
}

func TestComputeDataHashLength(t *testing.T) {
	h := computeDataHash([]byte("x"))
	assert.Len(t, h, DataHashSize)
}
