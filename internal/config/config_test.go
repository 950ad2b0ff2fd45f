package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]string{"--self=10"})
	require.NoError(t, err)
	assert.EqualValues(t, 10, cfg.Self)
	assert.Equal(t, ModeSim, cfg.Mode)
	assert.Equal(t, VariantClassic, cfg.Variant)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestParseRejectsReservedSelfAddress(t *testing.T) {
	_, err := Parse([]string{"--self=65535"})
	assert.Error(t, err)
}

func TestParseRejectsUnknownMode(t *testing.T) {
	_, err := Parse([]string{"--self=1", "--mode=carrier-pigeon"})
	assert.Error(t, err)
}

func TestParseRejectsUnknownVariant(t *testing.T) {
	_, err := Parse([]string{"--self=1", "--variant=quantum"})
	assert.Error(t, err)
}

func TestParseRejectsOutOfRangeDropPct(t *testing.T) {
	_, err := Parse([]string{"--self=1", "--sim-drop-pct=150"})
	assert.Error(t, err)
}

func TestParseAcceptsUDPModeWithOverrides(t *testing.T) {
	cfg, err := Parse([]string{"--self=1", "--mode=udp", "--udp-port=9200", "--ttl=8"})
	require.NoError(t, err)
	assert.Equal(t, ModeUDP, cfg.Mode)
	assert.Equal(t, 9200, cfg.UDPPort)
	assert.Equal(t, 8, cfg.TTL)
}

func TestParseCollectsRepeatedSimPeers(t *testing.T) {
	cfg, err := Parse([]string{"--self=1", "--sim-peer=2", "--sim-peer=3"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint{2, 3}, cfg.SimPeers)
}

func TestParseAcceptsFrameDelayOverride(t *testing.T) {
	cfg, err := Parse([]string{"--self=1", "--frame-delay-ms=5"})
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.FrameDelayMillis)
}
