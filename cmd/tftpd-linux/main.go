// Command tftpd-linux serves files from the current working directory over
// TFTP (RFC 1350). Usage: tftpd-linux [PORT].
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/ktauchathuranga/tftpd-linux/internal/tftp"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	port := tftp.DefaultPort
	switch len(args) {
	case 0:
	case 1:
		p, err := strconv.Atoi(args[0])
		if err != nil || p < 1 || p > 65535 {
			fmt.Fprintf(os.Stderr, "tftpd-linux: invalid port %q\n", args[0])
			return 1
		}
		port = p
	default:
		fmt.Fprintln(os.Stderr, "usage: tftpd-linux [PORT]")
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := tftp.LoadConfig(ctx, port)
	if err != nil {
		bootLog := tftp.NewConsoleLogger(false)
		bootLog.Error().Err(err).Msg("failed to load configuration")
		return 1
	}
	log := tftp.NewConsoleLogger(cfg.Debug)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	srv := tftp.NewServer(cfg, log)
	if err := srv.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server exited with error")
		return 1
	}
	return 0
}
