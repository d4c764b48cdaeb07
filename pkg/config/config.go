// Package config loads settings shared by the tcphost and tcpnative
// binaries.
//
// Settings come from at most one file, named by --config. Command line
// flags override whatever the file sets.
package config

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"tcpbridge/pkg/bridge"
	"tcpbridge/pkg/tcpstack"
)

// DefaultHighWaterMark is the per-socket receive buffer on the host side.
const DefaultHighWaterMark = 16 * 1024

// Duration accepts strings such as "1500ms" in both YAML and JSON files.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", text)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

type Config struct {
	// Socket is the Unix socket the native daemon serves on. An empty
	// value makes tcphost run the native stack in process.
	Socket string `yaml:"socket" json:"socket"`

	// Compress enables lz4 on frames sent over Socket.
	Compress bool `yaml:"compress" json:"compress"`

	// ReceiveBufferSize bounds the bytes carried by one data event.
	ReceiveBufferSize int `yaml:"receive_buffer_size" json:"receive_buffer_size"`

	// HighWaterMark is how many received bytes a socket buffers before
	// it stops reading.
	HighWaterMark int `yaml:"high_water_mark" json:"high_water_mark"`

	// AcceptedIDBase is the first id given to accepted connections.
	AcceptedIDBase int `yaml:"accepted_id_base" json:"accepted_id_base"`

	// DialTimeout bounds outbound connects. Zero leaves it to the OS.
	DialTimeout Duration `yaml:"dial_timeout" json:"dial_timeout"`

	// Trace names a pcap file that records bridged traffic.
	Trace string `yaml:"trace" json:"trace"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`
}

func Default() *Config {
	return &Config{
		ReceiveBufferSize: tcpstack.DefaultReceiveBufferSize,
		HighWaterMark:     DefaultHighWaterMark,
		AcceptedIDBase:    int(bridge.DefaultAcceptedIDBase),
		LogLevel:          "info",
	}
}

// DefaultSocketPath is where tcpnative listens when nothing else is set.
func DefaultSocketPath() string {
	return filepath.Join(os.TempDir(), "tcpbridge.sock")
}

// Load reads path on top of Default. Files ending in .json or .jsonc may
// carry comments and trailing commas; anything else is YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		err = json.Unmarshal(jsonc.ToJSON(data), cfg)
	default:
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ReceiveBufferSize <= 0 {
		return errors.Errorf("receive_buffer_size must be positive, got %d", c.ReceiveBufferSize)
	}
	if c.HighWaterMark <= 0 {
		return errors.Errorf("high_water_mark must be positive, got %d", c.HighWaterMark)
	}
	if c.AcceptedIDBase <= 0 {
		return errors.Errorf("accepted_id_base must be positive, got %d", c.AcceptedIDBase)
	}
	if c.DialTimeout < 0 {
		return errors.Errorf("dial_timeout must not be negative, got %s", time.Duration(c.DialTimeout))
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, errors.Wrapf(err, "log_level %q", c.LogLevel)
	}
	return level, nil
}

// Logger builds the text logger both binaries write to w.
func (c *Config) Logger(w io.Writer) (*slog.Logger, error) {
	level, err := c.Level()
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
}

// StackConfig is the native stack configuration these settings describe.
func (c *Config) StackConfig(logger *slog.Logger, tracer tcpstack.Tracer) tcpstack.Config {
	return tcpstack.Config{
		ReceiveBufferSize: c.ReceiveBufferSize,
		AcceptedIDBase:    bridge.ID(c.AcceptedIDBase),
		DialTimeout:       time.Duration(c.DialTimeout),
		Logger:            logger,
		Tracer:            tracer,
	}
}
