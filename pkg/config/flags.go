package config

import (
	"time"

	"github.com/spf13/pflag"
)

// Flags are the command line overrides shared by both binaries.
type Flags struct {
	path string
	set  *pflag.FlagSet
	cfg  Config
}

// AddFlags registers --config and one flag per setting on fs.
func AddFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{set: fs}
	fs.StringVar(&f.path, "config", "", "configuration file (YAML, or JSON with comments)")
	fs.StringVar(&f.cfg.Socket, "socket", "", "unix socket of the native daemon")
	fs.BoolVar(&f.cfg.Compress, "compress", false, "lz4 compress bridge frames")
	fs.IntVar(&f.cfg.ReceiveBufferSize, "receive-buffer-size", 0, "bytes per data event")
	fs.IntVar(&f.cfg.HighWaterMark, "high-water-mark", 0, "received bytes buffered per socket before reading stops")
	fs.IntVar(&f.cfg.AcceptedIDBase, "accepted-id-base", 0, "first id given to accepted connections")
	fs.DurationVar((*time.Duration)(&f.cfg.DialTimeout), "dial-timeout", 0, "connect timeout, 0 for the OS default")
	fs.StringVar(&f.cfg.Trace, "trace", "", "record bridged traffic to this pcap file")
	fs.StringVar(&f.cfg.LogLevel, "log-level", "", "debug, info, warn or error")
	return f
}

// Load reads the --config file, or the defaults without one, and applies
// every flag given on the command line.
func (f *Flags) Load() (*Config, error) {
	cfg := Default()
	if f.path != "" {
		var err error
		if cfg, err = Load(f.path); err != nil {
			return nil, err
		}
	}
	f.set.Visit(func(flag *pflag.Flag) {
		switch flag.Name {
		case "socket":
			cfg.Socket = f.cfg.Socket
		case "compress":
			cfg.Compress = f.cfg.Compress
		case "receive-buffer-size":
			cfg.ReceiveBufferSize = f.cfg.ReceiveBufferSize
		case "high-water-mark":
			cfg.HighWaterMark = f.cfg.HighWaterMark
		case "accepted-id-base":
			cfg.AcceptedIDBase = f.cfg.AcceptedIDBase
		case "dial-timeout":
			cfg.DialTimeout = f.cfg.DialTimeout
		case "trace":
			cfg.Trace = f.cfg.Trace
		case "log-level":
			cfg.LogLevel = f.cfg.LogLevel
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
