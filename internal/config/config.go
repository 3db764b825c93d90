// Package config parses and validates the command line of hyproxy.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/1ureka/hyproxy/internal/keys"
	"github.com/1ureka/hyproxy/internal/swarm"
)

// Mode selects which side of a proxy the process runs.
type Mode string

const (
	ModeListen  Mode = "listen"
	ModeConnect Mode = "connect"
)

var (
	ErrMode      = errors.New("mode must be listen or connect")
	ErrNoPort    = errors.New("--port is required in listen mode")
	ErrNoKey     = errors.New("--key is required in connect mode")
	ErrBadPort   = errors.New("--port must be 0~65535")
	ErrTransport = errors.New("--transport must be quic or webrtc")
)

// Usage is printed on a bad mode or a missing required flag.
const Usage = `USAGE: hyproxy [options] <listen|connect>

Options in listen mode:
 -p, --port       Port to proxy to (required)
 -h, --host       Hostname to proxy to (default: localhost)
 -s, --storage    Storage directory to persist keys across restarts (optional)
 -k, --key        Key to announce instead of a derived one (optional)

Options in connect mode:
 -k, --key        Key to connect to (required)
 -p, --port       Port for local proxy server (default: 9999, then 9990~9998)
 -h, --host       Hostname for local proxy server (default: localhost)

Shared options:
 --transport      Swarm link transport: quic or webrtc (default: quic)
 --swarm-addr     Address the swarm node listens on (default: :0)
 --peer           Bootstrap peer address, repeatable
 --mdns           Discover peers on the local network (default: true)
 --metrics        Serve Prometheus metrics on this address (optional)
 --debug          Enable debug logging
`

// Config is everything gathered from the command line.
type Config struct {
	Mode    Mode
	Port    int
	Host    string
	Storage string
	Key     keys.Key

	Transport string
	SwarmAddr string
	Peers     []string
	MDNS      bool
	Metrics   string
	Debug     bool
}

// stringList collects a repeatable flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// keyFlag parses a hex identity key.
type keyFlag struct{ key *keys.Key }

func (k keyFlag) String() string {
	if k.key == nil || k.key.IsZero() {
		return ""
	}
	return k.key.String()
}

func (k keyFlag) Set(v string) error {
	parsed, err := keys.Parse(v)
	if err != nil {
		return err
	}
	*k.key = parsed
	return nil
}

// Parse reads args (without the program name). Flags may appear before and
// after the mode. The returned config is validated.
func Parse(args []string) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet("hyproxy", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	for _, name := range []string{"port", "p"} {
		fs.IntVar(&cfg.Port, name, 0, "")
	}
	for _, name := range []string{"host", "h"} {
		fs.StringVar(&cfg.Host, name, "localhost", "")
	}
	for _, name := range []string{"storage", "s"} {
		fs.StringVar(&cfg.Storage, name, "", "")
	}
	for _, name := range []string{"key", "k"} {
		fs.Var(keyFlag{&cfg.Key}, name, "")
	}
	fs.StringVar(&cfg.Transport, "transport", swarm.TransportQUIC, "")
	fs.StringVar(&cfg.SwarmAddr, "swarm-addr", ":0", "")
	fs.Var((*stringList)(&cfg.Peers), "peer", "")
	fs.BoolVar(&cfg.MDNS, "mdns", true, "")
	fs.StringVar(&cfg.Metrics, "metrics", "", "")
	fs.BoolVar(&cfg.Debug, "debug", false, "")

	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		if fs.NArg() == 0 {
			break
		}
		positional = append(positional, fs.Arg(0))
		args = fs.Args()[1:]
	}

	if len(positional) != 1 {
		return nil, ErrMode
	}
	cfg.Mode = Mode(positional[0])

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the mode-specific requirements.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeListen:
		if c.Port == 0 {
			return ErrNoPort
		}
	case ModeConnect:
		if c.Key.IsZero() {
			return ErrNoKey
		}
	default:
		return fmt.Errorf("%w, got %q", ErrMode, c.Mode)
	}
	if c.Port < 0 || c.Port > 65535 {
		return ErrBadPort
	}
	if c.Transport != swarm.TransportQUIC && c.Transport != swarm.TransportWebRTC {
		return ErrTransport
	}
	return nil
}
