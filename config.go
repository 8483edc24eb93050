package instrument

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration of the control application's
// queue engine: one entry per physical instrument plus optional telemetry.
type Config struct {
	LogLevel    string             `yaml:"log_level"`
	Telemetry   TelemetryConfig    `yaml:"telemetry"`
	Instruments []InstrumentConfig `yaml:"instruments"`
}

// LinkConfig describes how to reach one instrument.
type LinkConfig struct {
	// Kind is "serial" or "tcp".
	Kind string `yaml:"kind"`

	// Serial settings.
	Device   string `yaml:"device"`
	BaudRate int    `yaml:"baud_rate"`
	DataBits int    `yaml:"data_bits"`
	StopBits int    `yaml:"stop_bits"`
	Parity   string `yaml:"parity"`

	// TCP settings.
	Address string `yaml:"address"`

	// TimeoutMs bounds one transport exchange.
	TimeoutMs int `yaml:"timeout_ms"`
}

// Timeout returns the link timeout as a duration.
func (l LinkConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutMs) * time.Millisecond
}

// InstrumentConfig is one instrument entry.
type InstrumentConfig struct {
	Name   string `yaml:"name"`
	Driver string `yaml:"driver"` // "psu", "tny" or "biologic"

	Link    LinkConfig `yaml:"link"`
	SlaveID uint8      `yaml:"slave_id"`

	// Power supply channel ratings.
	Nominals Nominals `yaml:"nominals"`

	// Settling delays per command class. Zero fields take adapter defaults.
	Settle SettleConfig `yaml:"settle"`

	// I/O bridge options: command letter (one character) and highest pin.
	Prefix string `yaml:"prefix"`
	MaxPin int    `yaml:"max_pin"`

	// IdleMs overrides the worker idle interval.
	IdleMs int `yaml:"idle_ms"`

	Backoff BackoffConfig `yaml:"backoff"`
}

// SettleConfig carries per-command-class settling delays in milliseconds.
type SettleConfig struct {
	WriteMs  int `yaml:"write_ms"`  // setpoint register writes
	OutputMs int `yaml:"output_ms"` // output / remote toggles
	ReadMs   int `yaml:"read_ms"`   // status reads
	PinMs    int `yaml:"pin_ms"`    // I/O bridge pin commands
}

func (s SettleConfig) write() time.Duration  { return time.Duration(s.WriteMs) * time.Millisecond }
func (s SettleConfig) output() time.Duration { return time.Duration(s.OutputMs) * time.Millisecond }
func (s SettleConfig) read() time.Duration   { return time.Duration(s.ReadMs) * time.Millisecond }
func (s SettleConfig) pin() time.Duration    { return time.Duration(s.PinMs) * time.Millisecond }

// TelemetryConfig configures the optional Redis status publisher.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates YAML configuration bytes and fills in
// defaults.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Telemetry.Enabled && cfg.Telemetry.Channel == "" {
		cfg.Telemetry.Channel = "instrument:status"
	}
	if len(cfg.Instruments) == 0 {
		return nil, fmt.Errorf("config: no instruments defined")
	}
	seen := make(map[string]bool)
	for i := range cfg.Instruments {
		inst := &cfg.Instruments[i]
		if err := inst.applyDefaults(); err != nil {
			return nil, err
		}
		if seen[inst.Name] {
			return nil, fmt.Errorf("config: duplicate instrument name %q", inst.Name)
		}
		seen[inst.Name] = true
	}
	return &cfg, nil
}

func (c *InstrumentConfig) applyDefaults() error {
	if c.Name == "" {
		return fmt.Errorf("config: instrument with empty name")
	}
	switch c.Driver {
	case "psu", "tny", "biologic":
	default:
		return fmt.Errorf("config: instrument %q: unknown driver %q", c.Name, c.Driver)
	}
	switch c.Link.Kind {
	case "serial":
		if c.Link.Device == "" {
			return fmt.Errorf("config: instrument %q: serial link without device", c.Name)
		}
		if c.Link.BaudRate <= 0 {
			c.Link.BaudRate = 9600
		}
		if c.Link.DataBits <= 0 {
			c.Link.DataBits = 8
		}
		if c.Link.StopBits <= 0 {
			c.Link.StopBits = 1
		}
		if c.Link.Parity == "" {
			c.Link.Parity = "N"
		}
	case "tcp":
		if c.Link.Address == "" {
			return fmt.Errorf("config: instrument %q: tcp link without address", c.Name)
		}
	case "":
		if c.Driver != "biologic" {
			return fmt.Errorf("config: instrument %q: link kind required", c.Name)
		}
	default:
		return fmt.Errorf("config: instrument %q: unknown link kind %q", c.Name, c.Link.Kind)
	}
	if c.Link.TimeoutMs <= 0 {
		c.Link.TimeoutMs = 1000
	}
	if len(c.Prefix) > 1 {
		return fmt.Errorf("config: instrument %q: prefix %q must be a single character", c.Name, c.Prefix)
	}
	if c.Driver == "psu" && c.SlaveID == 0 {
		c.SlaveID = 1
	}
	c.Backoff = c.Backoff.withDefaults()
	return nil
}

// Dialer builds the byte-channel dialer for this instrument's link.
func (c *InstrumentConfig) NewDialer() (Dialer, error) {
	switch c.Link.Kind {
	case "serial":
		return SerialDialer(SerialLink{
			Device:   c.Link.Device,
			BaudRate: c.Link.BaudRate,
			DataBits: c.Link.DataBits,
			StopBits: c.Link.StopBits,
			Parity:   c.Link.Parity,
		}), nil
	case "tcp":
		return TCPDialer(c.Link.Address, c.Link.Timeout()), nil
	default:
		return nil, fmt.Errorf("config: instrument %q has no dialable link", c.Name)
	}
}

// IdleInterval returns the configured worker idle interval, zero when unset.
func (c *InstrumentConfig) IdleInterval() time.Duration {
	return time.Duration(c.IdleMs) * time.Millisecond
}
