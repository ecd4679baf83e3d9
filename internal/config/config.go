// Package config holds the tunable surface of the bridge: listen ports,
// scan cadence, keepalive and timeout intervals, and reconnection policy.
// Defaults match the browser extension's expectations; a YAML file can
// override any subset of them.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default port values. The extension tries DefaultPort first, and the
// multi-session scanner sweeps the whole default range.
const (
	DefaultPort       = 5555
	DefaultRangeStart = 5555
	DefaultRangeEnd   = 5654
)

// PortRange is an inclusive span of TCP ports.
type PortRange struct {
	Start int `yaml:"start"`
	End   int `yaml:"end"`
}

// Len reports how many ports the range covers.
func (r PortRange) Len() int {
	return r.End - r.Start + 1
}

// Contains reports whether port falls inside the range.
func (r PortRange) Contains(port int) bool {
	return port >= r.Start && port <= r.End
}

// Config is the full tunable surface of the bridge.
type Config struct {
	// Port is the preferred relay listen port.
	Port int

	// AutoPort allows the relay to probe upward from Port when the
	// preferred port is taken. When false, a busy port is a hard error.
	AutoPort bool

	// ScanRange is the span of ports the multi-session scanner sweeps
	// and the upper bound for AutoPort probing.
	ScanRange PortRange

	// ScanInterval is how often the scanner sweeps ScanRange.
	ScanInterval time.Duration

	// ProbeTimeout bounds the per-port HTTP identification probe during
	// a scan. Ports that do not answer in time are treated as empty.
	ProbeTimeout time.Duration

	// KeepaliveInterval is how often live sockets are pinged.
	KeepaliveInterval time.Duration

	// RequestTimeout bounds every outbound command. When it elapses the
	// pending entry is dropped and the caller gets a timeout error.
	RequestTimeout time.Duration

	// ReconnectDelay is the pause between local reconnection attempts.
	ReconnectDelay time.Duration

	// MaxReconnectFailures is how many consecutive local reconnection
	// failures are tolerated before the machine gives up and drops to
	// passive. System wake rearms the counter.
	MaxReconnectFailures int

	// ForceLocal skips remote candidate discovery during browserConnect
	// and always hosts a local relay.
	ForceLocal bool

	// CredentialsPath points at the stored relay credentials. Empty
	// means the platform default under the user config dir.
	CredentialsPath string
}

// fileConfig is the YAML schema. Durations are strings in the format
// time.ParseDuration accepts; pointer fields distinguish absent keys from
// zero values so the file overrides only what it names.
type fileConfig struct {
	Port                 *int       `yaml:"port"`
	AutoPort             *bool      `yaml:"auto_port"`
	ScanRange            *PortRange `yaml:"scan_range"`
	ScanInterval         *string    `yaml:"scan_interval"`
	ProbeTimeout         *string    `yaml:"probe_timeout"`
	KeepaliveInterval    *string    `yaml:"keepalive_interval"`
	RequestTimeout       *string    `yaml:"request_timeout"`
	ReconnectDelay       *string    `yaml:"reconnect_delay"`
	MaxReconnectFailures *int       `yaml:"max_reconnect_failures"`
	ForceLocal           *bool      `yaml:"force_local"`
	CredentialsPath      *string    `yaml:"credentials_path"`
}

// Default returns the configuration the bridge ships with.
func Default() *Config {
	return &Config{
		Port:                 DefaultPort,
		AutoPort:             true,
		ScanRange:            PortRange{Start: DefaultRangeStart, End: DefaultRangeEnd},
		ScanInterval:         5 * time.Second,
		ProbeTimeout:         1 * time.Second,
		KeepaliveInterval:    10 * time.Second,
		RequestTimeout:       30 * time.Second,
		ReconnectDelay:       1 * time.Second,
		MaxReconnectFailures: 10,
	}
}

// Load reads a YAML file over the defaults. Fields absent from the file
// keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var raw fileConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg := Default()
	if raw.Port != nil {
		cfg.Port = *raw.Port
	}
	if raw.AutoPort != nil {
		cfg.AutoPort = *raw.AutoPort
	}
	if raw.ScanRange != nil {
		cfg.ScanRange = *raw.ScanRange
	}
	if raw.MaxReconnectFailures != nil {
		cfg.MaxReconnectFailures = *raw.MaxReconnectFailures
	}
	if raw.ForceLocal != nil {
		cfg.ForceLocal = *raw.ForceLocal
	}
	if raw.CredentialsPath != nil {
		cfg.CredentialsPath = *raw.CredentialsPath
	}

	durations := []struct {
		key string
		raw *string
		dst *time.Duration
	}{
		{"scan_interval", raw.ScanInterval, &cfg.ScanInterval},
		{"probe_timeout", raw.ProbeTimeout, &cfg.ProbeTimeout},
		{"keepalive_interval", raw.KeepaliveInterval, &cfg.KeepaliveInterval},
		{"request_timeout", raw.RequestTimeout, &cfg.RequestTimeout},
		{"reconnect_delay", raw.ReconnectDelay, &cfg.ReconnectDelay},
	}
	for _, d := range durations {
		if d.raw == nil {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(*d.raw))
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s in %s: %w", d.key, path, err)
		}
		*d.dst = parsed
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate rejects configurations the bridge cannot run with.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.ScanRange.Start < 1 || c.ScanRange.End > 65535 {
		return fmt.Errorf("scan range %d-%d out of range", c.ScanRange.Start, c.ScanRange.End)
	}
	if c.ScanRange.Start > c.ScanRange.End {
		return fmt.Errorf("scan range start %d exceeds end %d", c.ScanRange.Start, c.ScanRange.End)
	}
	if !c.ScanRange.Contains(c.Port) {
		return fmt.Errorf("port %d outside scan range %d-%d", c.Port, c.ScanRange.Start, c.ScanRange.End)
	}
	if c.ScanInterval <= 0 {
		return fmt.Errorf("scan interval must be positive, got %s", c.ScanInterval)
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe timeout must be positive, got %s", c.ProbeTimeout)
	}
	if c.KeepaliveInterval <= 0 {
		return fmt.Errorf("keepalive interval must be positive, got %s", c.KeepaliveInterval)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect delay must be positive, got %s", c.ReconnectDelay)
	}
	if c.MaxReconnectFailures < 1 {
		return fmt.Errorf("max reconnect failures must be at least 1, got %d", c.MaxReconnectFailures)
	}

	return nil
}
