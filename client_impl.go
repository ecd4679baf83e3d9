package browsermcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dmorrill/multi-browser-mcp-sub000/internal/auth"
	"github.com/dmorrill/multi-browser-mcp-sub000/internal/bridge"
	"github.com/dmorrill/multi-browser-mcp-sub000/internal/config"
)

// clientWrapper adapts the internal bridge to the public Client interface.
//
// Registrations made before Start are buffered and applied during Start,
// ahead of the first scanner sweep, so observers never miss early sessions.
type clientWrapper struct {
	mu     sync.Mutex
	impl   *bridge.Bridge
	closed bool

	pendingHandlers []pendingHandler
	pendingEvents   []func(b *bridge.Bridge)
}

type pendingHandler struct {
	command string
	fn      CommandHandler
}

// Compile-time check that *clientWrapper implements the Client interface.
var _ Client = (*clientWrapper)(nil)

// newClientImpl creates the internal client implementation.
func newClientImpl() Client {
	return &clientWrapper{}
}

// Start applies options, builds the bridge, and launches the scanner.
func (c *clientWrapper) Start(ctx context.Context, opts ...Option) error {
	options := applyOptions(opts)

	cfg := options.Config
	switch {
	case cfg != nil:
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	case options.ConfigFile != "":
		loaded, err := config.Load(options.ConfigFile)
		if err != nil {
			return err
		}
		cfg = loaded
	default:
		cfg = config.Default()
	}

	store := options.Credentials
	if store == nil {
		fileStore, err := auth.NewFileStore(cfg.CredentialsPath)
		if err != nil {
			return fmt.Errorf("failed to open credential store: %w", err)
		}
		store = fileStore
	}

	name, version := options.Name, options.Version
	if name == "" {
		name = DefaultClientName
	}
	if version == "" {
		version = Version
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.impl != nil {
		c.mu.Unlock()
		return ErrClientAlreadyStarted
	}

	impl := bridge.New(cfg, store, options.Logger, name, version)
	for _, h := range c.pendingHandlers {
		impl.RegisterHandler(h.command, h.fn)
	}
	for _, register := range c.pendingEvents {
		register(impl)
	}
	c.impl = impl
	c.mu.Unlock()

	if err := impl.Start(ctx); err != nil {
		// Buffered registrations survive a failed Start for the retry.
		c.mu.Lock()
		c.impl = nil
		c.mu.Unlock()
		_ = impl.Close()
		return err
	}

	c.mu.Lock()
	c.pendingHandlers = nil
	c.pendingEvents = nil
	c.mu.Unlock()

	return nil
}

// Enable brings the relay connection up.
func (c *clientWrapper) Enable(ctx context.Context) (ConnectionSnapshot, error) {
	impl, err := c.bridge()
	if err != nil {
		return ConnectionSnapshot{State: StatePassive}, err
	}

	return impl.Enable(ctx)
}

// Disable tears the relay connection down.
func (c *clientWrapper) Disable() (ConnectionSnapshot, error) {
	impl, err := c.bridge()
	if err != nil {
		return ConnectionSnapshot{State: StatePassive}, err
	}

	return impl.Disable()
}

// Status reports the current connection snapshot.
func (c *clientWrapper) Status() ConnectionSnapshot {
	impl, err := c.bridge()
	if err != nil {
		return ConnectionSnapshot{State: StatePassive}
	}

	return impl.Status()
}

// BrowserConnect picks one browser from the remote relay's candidates.
func (c *clientWrapper) BrowserConnect(ctx context.Context, browserID string) (ConnectionSnapshot, error) {
	impl, err := c.bridge()
	if err != nil {
		return ConnectionSnapshot{State: StatePassive}, err
	}

	return impl.BrowserConnect(ctx, browserID)
}

// Sessions lists the scanned browser sessions.
func (c *clientWrapper) Sessions() []SessionInfo {
	impl, err := c.bridge()
	if err != nil {
		return nil
	}

	return impl.Sessions()
}

// SetActive promotes the session on port to the default command target.
func (c *clientWrapper) SetActive(port int) error {
	impl, err := c.bridge()
	if err != nil {
		return err
	}

	return impl.SetActive(port)
}

// SetStealth flips stealth mode on a session.
func (c *clientWrapper) SetStealth(port int, enabled bool) error {
	impl, err := c.bridge()
	if err != nil {
		return err
	}

	return impl.SetStealth(port, enabled)
}

// RouteCommand dispatches an automation command.
func (c *clientWrapper) RouteCommand(ctx context.Context, command string, params json.RawMessage) (json.RawMessage, error) {
	impl, err := c.bridge()
	if err != nil {
		return nil, err
	}

	return impl.RouteCommand(ctx, command, params)
}

// RegisterHandler adds or replaces the session-level handler for command.
func (c *clientWrapper) RegisterHandler(command string, fn CommandHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.impl != nil {
		c.impl.RegisterHandler(command, fn)
		return
	}
	c.pendingHandlers = append(c.pendingHandlers, pendingHandler{command: command, fn: fn})
}

// OnInterrupt registers an observer for relay connection loss.
func (c *clientWrapper) OnInterrupt(fn func(cause error)) {
	c.registerEvent(func(b *bridge.Bridge) { b.OnInterrupt(fn) })
}

// OnSessionAdded registers an observer for sessions the scanner adopts.
func (c *clientWrapper) OnSessionAdded(fn func(SessionInfo)) {
	c.registerEvent(func(b *bridge.Bridge) { b.OnSessionAdded(fn) })
}

// OnSessionRemoved registers an observer for sessions the scanner drops.
func (c *clientWrapper) OnSessionRemoved(fn func(SessionInfo)) {
	c.registerEvent(func(b *bridge.Bridge) { b.OnSessionRemoved(fn) })
}

// Wake rearms the reconnect loop after a system sleep.
func (c *clientWrapper) Wake() {
	impl, err := c.bridge()
	if err != nil {
		return
	}

	impl.Wake()
}

// ClientID returns the stable identity sent to relays.
func (c *clientWrapper) ClientID() string {
	impl, err := c.bridge()
	if err != nil {
		return ""
	}

	return impl.ClientID()
}

// Close tears down the scanner, the relay connection, and all sessions.
func (c *clientWrapper) Close() error {
	c.mu.Lock()
	impl := c.impl
	c.closed = true
	c.mu.Unlock()

	if impl == nil {
		return nil
	}

	return impl.Close()
}

// registerEvent applies an observer registration now or buffers it until
// Start builds the bridge.
func (c *clientWrapper) registerEvent(register func(b *bridge.Bridge)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.impl != nil {
		register(c.impl)
		return
	}
	c.pendingEvents = append(c.pendingEvents, register)
}

// bridge returns the started implementation or the applicable lifecycle
// error.
func (c *clientWrapper) bridge() (*bridge.Bridge, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClientClosed
	}
	if c.impl == nil {
		return nil, ErrClientNotStarted
	}

	return c.impl, nil
}
