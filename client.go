package browsermcp

import (
	"context"
	"encoding/json"
)

// Client is the stateful entry point for browser automation.
//
// A client owns one relay connection state machine and one multi-session
// scanner. Start wires them up and begins scanning; Enable and Disable flip
// the relay connection itself. Commands flow through RouteCommand, which
// picks a target session and falls back to the relay connection when no
// scanned session can serve the command.
//
// Lifecycle: clients are single-use. After Close, create a new client with
// NewClient.
//
// Example usage:
//
//	client := NewClient()
//	defer client.Close()
//
//	err := client.Start(ctx,
//	    WithLogger(slog.Default()),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	snap, err := client.Enable(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(snap.State, snap.Port)
//
//	tabs, err := client.RouteCommand(ctx, "tabs_list", nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
type Client interface {
	// Start applies options, loads configuration and credentials, and
	// launches the endpoint scanner. Must be called before any other
	// method. Returns an error when the configuration is invalid or the
	// credential store cannot be opened.
	Start(ctx context.Context, opts ...Option) error

	// Enable brings the relay connection up. With stored credentials it
	// dials the remote relay; otherwise it binds a local listener,
	// probing upward from the configured port when permitted. Returns
	// ErrAlreadyEnabled while a connection is live or another Enable is
	// still in flight, a PortInUseError when the port is taken and
	// probing is disabled, and an AuthError when stored credentials are
	// expired or rejected.
	Enable(ctx context.Context) (ConnectionSnapshot, error)

	// Disable tears the relay connection down and returns the resulting
	// passive snapshot. Disabling an already-passive connection is a
	// no-op.
	Disable() (ConnectionSnapshot, error)

	// Status reports the current connection snapshot without touching it.
	Status() ConnectionSnapshot

	// BrowserConnect picks one browser from the remote relay's
	// candidates while the connection waits in the authenticated_waiting
	// state. Returns ErrBrowserNotFound for an unknown id and a
	// StateConflictError outside the waiting state.
	BrowserConnect(ctx context.Context, browserID string) (ConnectionSnapshot, error)

	// Sessions lists the scanned browser sessions, newest first.
	Sessions() []SessionInfo

	// SetActive promotes the session on port to the default command
	// target. Returns a SessionNotFoundError for an unknown port.
	SetActive(port int) error

	// SetStealth flips stealth mode on the session on port and forwards
	// the change to its endpoint. Port 0 targets the active session.
	SetStealth(port int, enabled bool) error

	// RouteCommand dispatches an automation command. A "port" member in
	// params pins the target session and is stripped before forwarding;
	// otherwise the active session receives the command, and when no
	// session can serve it the relay connection does. Returns
	// ErrNoBrowserConnected when no target exists and a
	// SessionNotFoundError when a pinned port is unknown.
	RouteCommand(ctx context.Context, command string, params json.RawMessage) (json.RawMessage, error)

	// RegisterHandler adds or replaces the session-level handler for
	// command. The newest registration wins.
	RegisterHandler(command string, fn CommandHandler)

	// OnInterrupt registers an observer for relay connection loss. Each
	// observer fires once per interruption with the cause.
	OnInterrupt(fn func(cause error))

	// OnSessionAdded registers an observer for sessions the scanner
	// adopts.
	OnSessionAdded(fn func(SessionInfo))

	// OnSessionRemoved registers an observer for sessions the scanner
	// drops.
	OnSessionRemoved(fn func(SessionInfo))

	// Wake rearms the reconnect loop after a system sleep. Harmless when
	// nothing is waiting.
	Wake()

	// ClientID returns the stable identity sent to relays for session
	// resumption.
	ClientID() string

	// Close tears down the scanner, the relay connection, and all
	// sessions. After Close the client cannot be reused. Safe to call
	// multiple times.
	Close() error
}

// NewClient creates a new automation client.
//
// Call Start with options to load configuration and begin scanning:
//
//	client := NewClient()
//	err := client.Start(ctx,
//	    WithLogger(slog.Default()),
//	    WithConfigFile("~/.browsermcp/config.yaml"),
//	)
func NewClient() Client {
	return newClientImpl()
}
