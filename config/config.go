// Package config loads and validates the daemon's YAML configuration file.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/stellarlink/cfdp/transaction"
)

// Duration is a time.Duration that unmarshals from the usual "5s", "2m"
// notation.
type Duration time.Duration

// Std returns the value as a standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return errors.Wrapf(err, "parsing duration %q", raw)
	}
	*d = Duration(v)
	return nil
}

// Transport describes one link to a set of remote entities.
type Transport struct {
	// Kind is "udp" for a datagram socket or "stream" for a framed
	// byte-stream line (e.g. a TCP bridge to a serial gateway).
	Kind string `yaml:"kind"`

	// Listen is the local bind address for udp transports.
	Listen string `yaml:"listen"`

	// Dial is the remote address a stream transport connects to.
	Dial string `yaml:"dial"`

	// Peers maps each remote entity served by this transport to its
	// address. Stream transports share one line, so the address values are
	// ignored there and only the keys matter.
	Peers map[uint16]string `yaml:"peers"`
}

// Timing carries the protocol timer and limit tuning. Unset fields fall
// back to the engine defaults.
type Timing struct {
	AckTimeout        Duration `yaml:"ack_timeout"`
	AckLimit          int      `yaml:"ack_limit"`
	NakTimeout        Duration `yaml:"nak_timeout"`
	NakLimit          int      `yaml:"nak_limit"`
	InactivityTimeout Duration `yaml:"inactivity_timeout"`
	SegmentSize       int      `yaml:"segment_size"`
	Linger            Duration `yaml:"linger"`
}

// Config is the root of the daemon configuration file.
type Config struct {
	// EntityID is this daemon's protocol identity.
	EntityID uint16 `yaml:"entity_id"`

	// Root is the filestore root directory. Every protocol path resolves
	// beneath it.
	Root string `yaml:"root"`

	// LogLevel is a logrus level name; empty means "info".
	LogLevel string `yaml:"log_level"`

	Transports []Transport `yaml:"transports"`
	Timing     Timing      `yaml:"timing"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}
	return Parse(raw)
}

// Parse decodes and validates raw YAML configuration.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Root == "" {
		return errors.New("config: root directory is required")
	}
	if len(c.Transports) == 0 {
		return errors.New("config: at least one transport is required")
	}
	seen := make(map[uint16]bool)
	for i, tr := range c.Transports {
		switch tr.Kind {
		case "udp":
			if tr.Listen == "" {
				return errors.Errorf("config: transport %d: udp requires a listen address", i)
			}
			for id, addr := range tr.Peers {
				if addr == "" {
					return errors.Errorf("config: transport %d: peer %d has no address", i, id)
				}
			}
		case "stream":
			if tr.Dial == "" {
				return errors.Errorf("config: transport %d: stream requires a dial address", i)
			}
		default:
			return errors.Errorf("config: transport %d: unknown kind %q", i, tr.Kind)
		}
		if len(tr.Peers) == 0 {
			return errors.Errorf("config: transport %d: no peers", i)
		}
		for id := range tr.Peers {
			if id == c.EntityID {
				return errors.Errorf("config: transport %d: peer %d is the local entity", i, id)
			}
			if seen[id] {
				return errors.Errorf("config: entity %d served by more than one transport", id)
			}
			seen[id] = true
		}
	}
	return nil
}

// Transaction converts the timing section into the engine's parameter set.
func (c *Config) Transaction() transaction.Config {
	return transaction.Config{
		AckTimeout:        c.Timing.AckTimeout.Std(),
		AckLimit:          c.Timing.AckLimit,
		NakTimeout:        c.Timing.NakTimeout.Std(),
		NakLimit:          c.Timing.NakLimit,
		InactivityTimeout: c.Timing.InactivityTimeout.Std(),
		SegmentSize:       c.Timing.SegmentSize,
		Linger:            c.Timing.Linger.Std(),
	}
}
