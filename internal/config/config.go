// Package config parses cmd/delugenode's command-line flags into a typed
// Config, using github.com/spf13/pflag the way doismellburning-samoyed's
// cmd/direwolf/main.go does (ShorthandP flags with a usage string per
// flag), in place of the teacher's hand-rolled flag.Var/stringSlice and the
// original's file-read config.py ADDR singleton.
package config

import (
	"fmt"

	"github.com/spf13/pflag"

	"deluge-net/internal/addr"
)

// Mode selects which Radio stands in for the physical broadcast medium.
type Mode string

const (
	ModeUDP Mode = "udp"
	ModeSim Mode = "sim"
)

// Variant selects the PageCodec the engine runs.
type Variant string

const (
	VariantClassic  Variant = "classic"
	VariantRateless Variant = "rateless"
)

// Config is the fully-parsed, validated set of knobs cmd/delugenode needs to
// wire a node together.
type Config struct {
	Self    addr.Addr
	Mode    Mode
	Variant Variant
	Port    int
	LogLevel string

	// ModeUDP
	UDPPort int

	// ModeSim
	SimPeers   []uint
	SimDropPct float64

	// Deluge parameters, overridable for experiments (spec.md §4.6/§4.7
	// default to deluge.DefaultParams() when left at zero).
	TMinSeconds      int
	TMaxSeconds      int
	Window           int
	RxMax            int
	TTL              int
	FrameDelayMillis int

	// DisseminatePath, if set, reads a file and disseminates it once at
	// startup instead of only ever serving as a relay.
	DisseminatePath string
}

// Parse parses args (normally os.Args[1:]) into a Config and validates it.
func Parse(args []string) (Config, error) {
	fs := pflag.NewFlagSet("delugenode", pflag.ContinueOnError)

	self := fs.Uint16P("self", "s", 0, "this node's 16-bit address")
	mode := fs.StringP("mode", "m", string(ModeSim), "radio mode: udp or sim")
	variant := fs.StringP("variant", "c", string(VariantClassic), "codec variant: classic or rateless")
	port := fs.IntP("port", "p", 1, "transport port the dissemination layer binds")
	logLevel := fs.StringP("log-level", "l", "info", "log level: debug/info/warn/error")

	udpPort := fs.Int("udp-port", 9100, "UDP port to broadcast/listen on (mode=udp)")

	simPeers := fs.UintSlice("sim-peer", nil, "address of a peer to join on the simulated medium (mode=sim, repeatable)")
	simDropPct := fs.Float64("sim-drop-pct", 0, "simulated per-frame drop probability, 0-100 (mode=sim)")

	tMin := fs.Int("t-min", 0, "trickle minimum round length in seconds (0 = protocol default)")
	tMax := fs.Int("t-max", 0, "trickle maximum round length in seconds (0 = protocol default)")
	window := fs.Int("window", 0, "RX round length W in units of T_TX (0 = protocol default)")
	rxMax := fs.Int("rx-max", 0, "REQs sent before an RX round with no useful DATA exits RX (0 = protocol default)")
	ttl := fs.Int("ttl", 0, "broadcast TTL for protocol traffic (0 = protocol default)")
	frameDelay := fs.Int("frame-delay-ms", 0, "per-radio-frame TX pacing delay in milliseconds (0 = protocol default)")

	disseminate := fs.StringP("disseminate", "d", "", "path to a file to disseminate as a new version at startup")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Self:             addr.Addr(*self),
		Mode:             Mode(*mode),
		Variant:          Variant(*variant),
		Port:             *port,
		LogLevel:         *logLevel,
		UDPPort:          *udpPort,
		SimPeers:         *simPeers,
		SimDropPct:       *simDropPct,
		TMinSeconds:      *tMin,
		TMaxSeconds:      *tMax,
		Window:           *window,
		RxMax:            *rxMax,
		TTL:              *ttl,
		FrameDelayMillis: *frameDelay,
		DisseminatePath:  *disseminate,
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Self.Reserved() {
		return fmt.Errorf("config: --self must not be a reserved address (0x%04x)", uint16(c.Self))
	}
	switch c.Mode {
	case ModeUDP, ModeSim:
	default:
		return fmt.Errorf("config: --mode must be udp or sim, got %q", c.Mode)
	}
	switch c.Variant {
	case VariantClassic, VariantRateless:
	default:
		return fmt.Errorf("config: --variant must be classic or rateless, got %q", c.Variant)
	}
	if c.Port <= 0 || c.Port > 0xFFFF {
		return fmt.Errorf("config: --port out of range: %d", c.Port)
	}
	if c.SimDropPct < 0 || c.SimDropPct >= 100 {
		return fmt.Errorf("config: --sim-drop-pct must be in [0, 100), got %v", c.SimDropPct)
	}
	return nil
}
