// Command delugenode runs one node of the dissemination stack: a radio
// (real UDP broadcast or an in-process simulated medium), datalink,
// transport, the dissemination demux, and a Deluge engine running either
// the classic or rateless codec. Wiring style follows the teacher's
// cmd/server/main.go: flags parsed and validated up front, zerolog
// configured once, log.Fatal reserved for main's own setup failures.
package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"deluge-net/internal/addr"
	"deluge-net/internal/config"
	"deluge-net/internal/datalink"
	"deluge-net/internal/deluge"
	"deluge-net/internal/dissemination"
	"deluge-net/internal/logging"
	"deluge-net/internal/radio"
	"deluge-net/internal/ratelessdeluge"
	"deluge-net/internal/transport"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse flags")
	}
	if err := logging.Setup(cfg.LogLevel); err != nil {
		log.Fatal().Err(err).Msg("invalid log level")
	}

	logger := logging.WithNode(cfg.Self)
	logger.Info().Str("mode", string(cfg.Mode)).Str("variant", string(cfg.Variant)).Msg("starting node")

	r, err := openRadio(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open radio")
	}
	defer r.Close()

	link := datalink.New(cfg.Self, r)
	defer link.Close()

	xport := transport.New(cfg.Self, link)
	defer xport.Close()

	disseminator := dissemination.New(xport, uint16(cfg.Port))

	codec := openCodec(cfg)
	params := paramsFromConfig(cfg)

	engine := deluge.New(cfg.Self, codec, disseminator, params, logger)
	defer engine.Stop()
	disseminator.SetProtocol(engine)

	go logCompletions(logger, engine)

	if cfg.DisseminatePath != "" {
		data, err := os.ReadFile(cfg.DisseminatePath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.DisseminatePath).Msg("failed to read disseminate file")
		}
		logger.Info().Str("path", cfg.DisseminatePath).Int("bytes", len(data)).Msg("disseminating new version")
		engine.Disseminate(data)
	}

	go logAppTraffic(logger, disseminator)

	waitForSignal(logger)
}

func openRadio(cfg config.Config) (radio.Radio, error) {
	switch cfg.Mode {
	case config.ModeUDP:
		return radio.NewUDPBroadcast(cfg.Self, cfg.UDPPort)
	case config.ModeSim:
		medium := radio.NewMedium(cfg.SimDropPct / 100)
		for _, peer := range cfg.SimPeers {
			medium.Join(addr.Addr(uint16(peer)))
		}
		return medium.Join(cfg.Self), nil
	default:
		// config.Parse already validated Mode; unreachable.
		return nil, nil
	}
}

func openCodec(cfg config.Config) deluge.PageCodec {
	switch cfg.Variant {
	case config.VariantRateless:
		return ratelessdeluge.New()
	default:
		return deluge.NewClassic()
	}
}

func paramsFromConfig(cfg config.Config) deluge.Params {
	p := deluge.DefaultParams()
	if cfg.TMinSeconds > 0 {
		p.TMin = time.Duration(cfg.TMinSeconds) * time.Second
	}
	if cfg.TMaxSeconds > 0 {
		p.TMax = time.Duration(cfg.TMaxSeconds) * time.Second
	}
	if cfg.Window > 0 {
		p.W = cfg.Window
	}
	if cfg.RxMax > 0 {
		p.RxMax = cfg.RxMax
	}
	if cfg.TTL > 0 {
		p.TTL = uint8(cfg.TTL)
	}
	if cfg.FrameDelayMillis > 0 {
		p.FrameDelay = time.Duration(cfg.FrameDelayMillis) * time.Millisecond
	}
	return p
}

func logCompletions(logger zerolog.Logger, engine *deluge.Engine) {
	for c := range engine.Received {
		logger.Info().Uint32("version", uint32(c.Version)).Int("bytes", len(c.Data)).Msg("version fully reassembled")
	}
}

func logAppTraffic(logger zerolog.Logger, d *dissemination.Dissemination) {
	for msg := range d.App {
		logger.Debug().Str("source", msg.Source.String()).Int("bytes", len(msg.Payload)).Msg("app message received")
	}
}

func waitForSignal(logger zerolog.Logger) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("shutting down")
}
