// Entry point for tcphost
// Runs the socket console against an in-process native stack, or against
// a tcpnative daemon when --socket is given.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"tcpbridge/pkg/bridge"
	"tcpbridge/pkg/cli"
	"tcpbridge/pkg/config"
	"tcpbridge/pkg/socket"
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
	flagSet := pflag.NewFlagSet("tcphost", pflag.ContinueOnError)
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var transport bridge.Transport
	if cfg.Socket == "" {
		var tracer tcpstack.Tracer
		if cfg.Trace != "" {
			w, err := wiretrace.Create(cfg.Trace)
			if err != nil {
				return err
			}
			w.Logger = logger
			defer w.Close()
			tracer = w
		}
		stack := tcpstack.New(cfg.StackConfig(logger, tracer))
		defer stack.Close()
		transport = stack
	} else {
		if cfg.Trace != "" {
			logger.Warn("ignoring trace, tcpnative records traffic for remote sessions", "trace", cfg.Trace)
		}
		client, err := wire.Dial(ctx, "unix", cfg.Socket, wire.ClientOptions{Compress: cfg.Compress, Logger: logger})
		if err != nil {
			return err
		}
		defer client.Close()
		transport = client
		go func() {
			<-client.Done()
			if err := client.Err(); err != nil && ctx.Err() == nil {
				logger.Error("lost native daemon", "socket", cfg.Socket, "err", err)
			}
		}()
	}

	n := socket.NewNetwork(transport, socket.Options{Logger: logger, HighWaterMark: cfg.HighWaterMark})
	defer n.Close()
	return cli.MonitorCL(ctx, n, os.Stdin, os.Stdout)
}
