// Package logging centralizes the zerolog setup shared by cmd/delugenode and
// every engine package, the way the teacher repo configures it once in
// cmd/server/main.go rather than letting each package reach for its own
// logger.
package logging

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global zerolog logger for the given level
// ("debug"/"info"/"warn"/"error"). Unlike the teacher's main.go, it returns
// an error instead of calling log.Fatal so library callers stay in control
// of process lifetime.
func Setup(level string) error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		return fmt.Errorf("invalid log level %q", level)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// For node-scoped fields (address, role) a caller derives a sub-logger with
// log.With() rather than this package growing per-node state.
func WithNode(addr fmt.Stringer) zerolog.Logger {
	return log.With().Str("node", addr.String()).Logger()
}
