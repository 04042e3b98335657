package tftp

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Server is the shell that validates configuration, binds the listening
// socket, and runs the dispatcher until shutdown.
type Server struct {
	cfg Config
	log zerolog.Logger
}

// NewServer builds a Server from a validated Config and logger.
func NewServer(cfg Config, log zerolog.Logger) *Server {
	return &Server{cfg: cfg, log: log}
}

// Run binds the well-known socket and serves until ctx is cancelled or the
// dispatcher hits a fatal error, coordinating the serve loop and the
// shutdown watcher with an errgroup. It returns nil on clean, signal-driven
// shutdown and a non-nil error for a bind failure or a fatal dispatcher
// error — the caller maps that to a process exit code.
func (s *Server) Run(ctx context.Context) error {
	info, err := os.Stat(s.cfg.Root)
	if err != nil {
		return fmt.Errorf("serving root %q: %w", s.cfg.Root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("serving root %q is not a directory", s.cfg.Root)
	}

	conn, err := net.ListenPacket("udp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}

	s.log.Info().Str("addr", s.cfg.Addr).Str("root", s.cfg.Root).Msg("tftp server listening")

	d := NewDispatcher(conn, s.cfg, s.log)

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		err := d.Serve()
		if ctx.Err() != nil {
			return nil // socket was closed deliberately to shut down
		}
		return err
	})
	grp.Go(func() error {
		<-ctx.Done()
		s.log.Info().Msg("shutting down")
		return d.Close()
	})

	err = grp.Wait()
	d.Wait()
	return err
}
