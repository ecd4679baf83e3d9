package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/dmorrill/multi-browser-mcp-sub000/internal/auth"
	"github.com/dmorrill/multi-browser-mcp-sub000/internal/config"
	interrors "github.com/dmorrill/multi-browser-mcp-sub000/internal/errors"
	"github.com/dmorrill/multi-browser-mcp-sub000/internal/session"
	"github.com/dmorrill/multi-browser-mcp-sub000/internal/state"
)

// wireMethods maps router command names to the methods the extension speaks.
// The same mapping backs the pre-registered session handlers and the
// machine fallback, so a command means the same thing on every path.
var wireMethods = map[string]string{
	"tabs_list":    "listTabs",
	"tab_select":   "selectTab",
	"tab_create":   "createTab",
	"console_logs": "getConsoleLogs",
	"network_logs": "getNetworkLogs",
	"build_info":   "getBuildInfo",
}

// Bridge owns one connection machine and one session registry.
type Bridge struct {
	log      *slog.Logger
	cfg      *config.Config
	clientID string

	machine *state.Machine
	mgr     *session.Manager

	mu     sync.Mutex
	closed bool
}

// New builds a bridge from the configuration. name and version identify this
// client in every handshake it performs. The client id used for session
// resumption is generated once per bridge.
func New(cfg *config.Config, store auth.Store, log *slog.Logger, name, version string) *Bridge {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg == nil {
		cfg = config.Default()
	}

	b := &Bridge{
		log:      log.With("component", "bridge"),
		cfg:      cfg,
		clientID: uuid.NewString(),
		machine:  state.NewMachine(cfg, store, log, name, version),
		mgr:      session.NewManager(cfg, log, name, version),
	}
	// The scanner must never adopt the machine's own listener as a session:
	// it would evict the real extension socket under newest-wins. The fence
	// tracks the machine's current port, including rebinds.
	b.mgr.ExcludePortFunc(b.machine.Port)
	for command, method := range wireMethods {
		b.mgr.RegisterHandler(command, func(ctx context.Context, sess *session.Session, params json.RawMessage) (json.RawMessage, error) {
			return sess.Call(ctx, method, params, 0)
		})
	}

	return b
}

// ClientID returns the identity offered to relays for session resumption.
func (b *Bridge) ClientID() string { return b.clientID }

// Start launches the background session scanner. The connection machine
// stays passive until Enable.
func (b *Bridge) Start(ctx context.Context) error {
	return b.mgr.Start(ctx)
}

// Enable wakes the connection machine.
func (b *Bridge) Enable(ctx context.Context) (state.Snapshot, error) {
	return b.machine.Enable(ctx, b.clientID)
}

// Disable drops the machine back to passive. Scanned sessions are unaffected.
func (b *Bridge) Disable() (state.Snapshot, error) {
	return b.machine.Disable()
}

// Status reports the machine's connection snapshot.
func (b *Bridge) Status() state.Snapshot {
	return b.machine.Status()
}

// BrowserConnect picks one of the candidate browsers offered by the remote
// relay.
func (b *Bridge) BrowserConnect(ctx context.Context, browserID string) (state.Snapshot, error) {
	return b.machine.BrowserConnect(ctx, browserID)
}

// Sessions lists the endpoints tracked by the registry.
func (b *Bridge) Sessions() []session.Info {
	return b.mgr.Sessions()
}

// SetActive promotes the session on port to the default command target.
func (b *Bridge) SetActive(port int) error {
	return b.mgr.SetActive(port)
}

// SetStealth flips stealth on a session; port 0 targets the active one.
func (b *Bridge) SetStealth(port int, enabled bool) error {
	return b.mgr.SetStealth(port, enabled)
}

// RegisterHandler installs a command handler on the session router.
func (b *Bridge) RegisterHandler(command string, fn session.HandlerFunc) {
	b.mgr.RegisterHandler(command, fn)
}

// RouteCommand sends a named command through the session router. When the
// registry has no target and the caller named no port, a standard command
// falls through to the machine's own connection, so remote mode serves the
// same command surface as a scanned session.
func (b *Bridge) RouteCommand(ctx context.Context, command string, params json.RawMessage) (json.RawMessage, error) {
	res, err := b.mgr.RouteCommand(ctx, command, params)
	if err == nil || !errors.Is(err, interrors.ErrNoBrowserConnected) {
		return res, err
	}

	method, ok := wireMethods[command]
	if !ok {
		return nil, err
	}
	if b.machine.Status().State == state.StatePassive {
		return nil, err
	}

	return b.machine.Send(ctx, method, params)
}

// OnInterrupt registers an observer for connection-loss interrupts.
func (b *Bridge) OnInterrupt(fn func(cause error)) {
	b.machine.OnInterrupt(fn)
}

// OnSessionAdded registers an observer fired when the scanner adopts an
// endpoint.
func (b *Bridge) OnSessionAdded(fn func(session.Info)) {
	b.mgr.OnSessionAdded(fn)
}

// OnSessionRemoved registers an observer fired when a session is dropped.
func (b *Bridge) OnSessionRemoved(fn func(session.Info)) {
	b.mgr.OnSessionRemoved(fn)
}

// Wake pokes the reconnect scheduler after a system sleep.
func (b *Bridge) Wake() {
	b.machine.Wake()
}

// Close stops the scanner and the machine. Safe to call more than once.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.mgr.Stop()
	b.machine.Close()

	return nil
}
