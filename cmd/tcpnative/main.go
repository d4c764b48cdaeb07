// Entry point for tcpnative
// Owns the OS sockets for tcphost sessions connecting over a Unix socket.

package main

import (
	"context"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"tcpbridge/pkg/config"
	"tcpbridge/pkg/tcpstack"
	"tcpbridge/pkg/wire"
	"tcpbridge/pkg/wiretrace"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("tcpnative", pflag.ContinueOnError)
	flags := config.AddFlags(flagSet)
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	cfg, err := flags.Load()
	if err != nil {
		return err
	}
	logger, err := cfg.Logger(os.Stderr)
	if err != nil {
		return err
	}
	path := cfg.Socket
	if path == "" {
		path = config.DefaultSocketPath()
	}

	if err := removeStaleSocket(path); err != nil {
		return err
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	defer os.Remove(path)

	srv := &wire.Server{
		Stack:    cfg.StackConfig(nil, nil),
		Compress: cfg.Compress,
		Logger:   logger,
	}
	if cfg.Trace != "" {
		// one pcap per session, since every session numbers its sockets from 1
		var sessions atomic.Int64
		base := strings.TrimSuffix(cfg.Trace, ".pcap")
		srv.NewTracer = func() (tcpstack.Tracer, error) {
			w, err := wiretrace.Create(fmt.Sprintf("%s-%d.pcap", base, sessions.Add(1)))
			if err != nil {
				return nil, err
			}
			w.Logger = logger
			return w, nil
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger.Info("serving", "socket", path)
	err = srv.Serve(ctx, ln)
	logger.Info("stopped")
	return err
}

func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "stat socket")
	}
	if info.Mode().Type() != fs.ModeSocket {
		return errors.Errorf("%s exists and is not a socket", path)
	}
	return errors.Wrap(os.Remove(path), "remove stale socket")
}
