package browsermcp

import (
	"github.com/dmorrill/multi-browser-mcp-sub000/internal/auth"
	"github.com/dmorrill/multi-browser-mcp-sub000/internal/config"
	"github.com/dmorrill/multi-browser-mcp-sub000/internal/protocol"
	"github.com/dmorrill/multi-browser-mcp-sub000/internal/session"
	"github.com/dmorrill/multi-browser-mcp-sub000/internal/state"
)

// Re-export types from internal packages

// ===== Identity =====

const (
	// DefaultClientName identifies this client in relay handshakes when no
	// name is configured.
	DefaultClientName = "browsermcp"

	// Version is the client version sent in relay handshakes.
	Version = "0.4.0"
)

// ===== Connection State =====

// ConnectionState names a phase of the relay connection lifecycle.
type ConnectionState = state.State

const (
	// StatePassive means no relay is hosted and no remote connection is up.
	StatePassive = state.StatePassive

	// StateActive means a local relay is listening, with or without an
	// extension attached.
	StateActive = state.StateActive

	// StateConnected means a remote relay connection is paired with a
	// browser.
	StateConnected = state.StateConnected

	// StateAuthenticatedWaiting means the remote relay offered several
	// browsers and one must be chosen with BrowserConnect.
	StateAuthenticatedWaiting = state.StateAuthenticatedWaiting
)

// ConnectionSnapshot is a point-in-time view of the relay connection.
type ConnectionSnapshot = state.Snapshot

// Browser is a remote browser candidate offered during connection.
type Browser = state.Browser

// ===== Sessions =====

// SessionInfo describes one scanned browser session.
type SessionInfo = session.Info

// SessionStatus is a session's lifecycle phase.
type SessionStatus = session.Status

const (
	// SessionConnecting means the endpoint was discovered but its socket
	// is not up yet.
	SessionConnecting = session.StatusConnecting

	// SessionConnected means the session socket is live.
	SessionConnected = session.StatusConnected

	// SessionDisconnected means the socket dropped and the session is
	// awaiting reconnection or removal.
	SessionDisconnected = session.StatusDisconnected
)

// DisconnectedTabPrefix marks tab titles reported by sessions whose socket
// is currently down.
const DisconnectedTabPrefix = session.DisconnectedTabPrefix

// Session is a live connection to one scanned browser endpoint. Handlers
// receive the session their command arrived on.
type Session = session.Session

// CommandHandler serves one session-level command. Handlers run on the
// session's read loop; the returned payload becomes the reply.
type CommandHandler = session.HandlerFunc

// ===== Protocol =====

// Tab identifies the browser tab attached to a connection.
type Tab = protocol.Tab

// Discovery is the identification document relay endpoints serve over HTTP.
type Discovery = protocol.Discovery

// ===== Configuration =====

// Config is the full tunable surface of the client.
type Config = config.Config

// PortRange is an inclusive span of TCP ports.
type PortRange = config.PortRange

const (
	// DefaultPort is the preferred relay listen port.
	DefaultPort = config.DefaultPort

	// DefaultRangeStart begins the default scan range.
	DefaultRangeStart = config.DefaultRangeStart

	// DefaultRangeEnd closes the default scan range.
	DefaultRangeEnd = config.DefaultRangeEnd
)

// DefaultConfig returns the configuration the client ships with.
func DefaultConfig() *Config {
	return config.Default()
}

// LoadConfig reads a YAML configuration file over the defaults.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// ===== Credentials =====

// Credentials is the stored remote-relay identity.
type Credentials = auth.Credentials

// CredentialStore loads, saves, and invalidates credentials.
type CredentialStore = auth.Store

// NewFileCredentialStore builds a YAML-file credential store at path. An
// empty path selects the default location under the user's home directory.
func NewFileCredentialStore(path string) (CredentialStore, error) {
	return auth.NewFileStore(path)
}
