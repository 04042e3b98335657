package tftp

import (
	"net"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// NewConsoleLogger builds the human-readable logger the CLI wires into the
// server shell.
func NewConsoleLogger(debug bool) zerolog.Logger {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if debug {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}
	return logger
}

// sessionLogger derives a child logger carrying a per-session correlation id
// and the peer address, so concurrent transfers' log lines stay distinguishable.
func sessionLogger(base zerolog.Logger, peer net.Addr, mode string) zerolog.Logger {
	return base.With().
		Str("session_id", uuid.NewString()).
		Str("peer", peer.String()).
		Str("mode", mode).
		Logger()
}
