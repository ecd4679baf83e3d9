package browsermcp

import (
	"log/slog"
	"time"

	"github.com/dmorrill/multi-browser-mcp-sub000/internal/config"
)

// Options collects everything Start needs to build a client. Most callers
// use the With* helpers instead of filling this in directly.
type Options struct {
	// Logger receives debug output. Nil means silent operation.
	Logger *slog.Logger

	// Config supplies the full tunable surface directly. Takes precedence
	// over ConfigFile.
	Config *Config

	// ConfigFile names a YAML file to load configuration from.
	ConfigFile string

	// Credentials overrides the default file-backed credential store.
	Credentials CredentialStore

	// Name identifies this client in relay handshakes.
	Name string

	// Version accompanies Name in relay handshakes.
	Version string
}

// Option configures Options using the functional options pattern.
type Option func(*Options)

// applyOptions applies functional options to an Options struct.
func applyOptions(opts []Option) *Options {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}

	return options
}

// ensureConfig lazily materializes a default configuration so field-level
// options can layer on top of WithConfig or the defaults. Later options win.
func (o *Options) ensureConfig() *Config {
	if o.Config == nil {
		o.Config = config.Default()
	}

	return o.Config
}

// ===== Basic Configuration =====

// WithLogger sets the logger for debug output.
// If not set, logging is disabled (silent operation).
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithConfig supplies a complete configuration. Field-level options applied
// after this one modify it in place.
func WithConfig(cfg *Config) Option {
	return func(o *Options) {
		o.Config = cfg
	}
}

// WithConfigFile loads configuration from a YAML file at Start.
// Ignored when WithConfig is also given.
func WithConfigFile(path string) Option {
	return func(o *Options) {
		o.ConfigFile = path
	}
}

// WithCredentialStore overrides where remote-relay credentials are read
// from. If not set, credentials live in a YAML file under the user's home
// directory.
func WithCredentialStore(store CredentialStore) Option {
	return func(o *Options) {
		o.Credentials = store
	}
}

// WithClientInfo sets the name and version sent in relay handshakes.
func WithClientInfo(name, version string) Option {
	return func(o *Options) {
		o.Name = name
		o.Version = version
	}
}

// ===== Relay Tuning =====

// WithPort sets the preferred relay listen port.
func WithPort(port int) Option {
	return func(o *Options) {
		o.ensureConfig().Port = port
	}
}

// WithAutoPort controls whether the relay probes upward from the preferred
// port when it is taken. Disabled, a busy port is a hard error.
func WithAutoPort(enabled bool) Option {
	return func(o *Options) {
		o.ensureConfig().AutoPort = enabled
	}
}

// WithScanRange sets the inclusive port span the session scanner sweeps.
// The span also bounds automatic port probing.
func WithScanRange(start, end int) Option {
	return func(o *Options) {
		o.ensureConfig().ScanRange = PortRange{Start: start, End: end}
	}
}

// WithScanInterval sets how often the scanner sweeps the port range.
func WithScanInterval(interval time.Duration) Option {
	return func(o *Options) {
		o.ensureConfig().ScanInterval = interval
	}
}

// WithRequestTimeout bounds every outbound command.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.ensureConfig().RequestTimeout = timeout
	}
}

// WithKeepaliveInterval sets how often live sockets are pinged.
func WithKeepaliveInterval(interval time.Duration) Option {
	return func(o *Options) {
		o.ensureConfig().KeepaliveInterval = interval
	}
}

// WithReconnectPolicy sets the pause between local reconnection attempts
// and how many consecutive failures are tolerated before the connection
// drops to passive.
func WithReconnectPolicy(delay time.Duration, maxFailures int) Option {
	return func(o *Options) {
		cfg := o.ensureConfig()
		cfg.ReconnectDelay = delay
		cfg.MaxReconnectFailures = maxFailures
	}
}

// WithForceLocal skips remote candidate discovery and always hosts a local
// relay, even when credentials are stored.
func WithForceLocal(force bool) Option {
	return func(o *Options) {
		o.ensureConfig().ForceLocal = force
	}
}

// WithCredentialsPath points the default credential store at a specific
// file. Ignored when WithCredentialStore is also given.
func WithCredentialsPath(path string) Option {
	return func(o *Options) {
		o.ensureConfig().CredentialsPath = path
	}
}
