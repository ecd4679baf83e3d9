package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dmorrill/multi-browser-mcp-sub000/internal/auth"
	"github.com/dmorrill/multi-browser-mcp-sub000/internal/config"
	interrors "github.com/dmorrill/multi-browser-mcp-sub000/internal/errors"
	"github.com/dmorrill/multi-browser-mcp-sub000/internal/protocol"
	"github.com/dmorrill/multi-browser-mcp-sub000/internal/relay"
)

// State names the lifecycle phase of the connection.
type State string

const (
	// StatePassive holds no transport. Initial state, and where every
	// teardown lands.
	StatePassive State = "passive"

	// StateActive hosts a local relay server waiting for or serving a
	// browser extension.
	StateActive State = "active"

	// StateConnected holds a remote relay transport bound to one browser.
	StateConnected State = "connected"

	// StateAuthenticatedWaiting holds a remote relay transport with more
	// than one browser available; a browser must be chosen before
	// commands flow.
	StateAuthenticatedWaiting State = "authenticated_waiting"
)

// Remote relay commands used while establishing a browser pairing.
const (
	methodListBrowsers   = "listBrowsers"
	methodConnectBrowser = "connectBrowser"
)

// remoteDiscoveryAttempts bounds how often an empty browser list is re-asked
// before enable fails. Remote mode gets a small fixed budget where the local
// listener retries until its configurable cap.
const remoteDiscoveryAttempts = 3

// Browser is one remote-relay candidate a caller can pair with.
type Browser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type browserList struct {
	Browsers []Browser `json:"browsers"`
}

// Snapshot is the discriminated view of the machine handed to callers. It is
// a copy; holding one never blocks the machine.
type Snapshot struct {
	State                   State         `json:"state"`
	ClientID                string        `json:"clientId,omitempty"`
	Port                    int           `json:"port,omitempty"`
	AttachedTab             *protocol.Tab `json:"attachedTab,omitempty"`
	IsAuthenticated         bool          `json:"isAuthenticated"`
	ConnectedBrowserName    string        `json:"connectedBrowserName,omitempty"`
	AvailableBrowsers       []Browser     `json:"availableBrowsers,omitempty"`
	CounterpartDisconnected bool          `json:"counterpartDisconnected,omitempty"`
}

// Machine is the connection lifecycle controller: one instance per process,
// all transitions serialized. It owns either a local relay server or a dialed
// remote relay connection, never both.
type Machine struct {
	log     *slog.Logger
	cfg     *config.Config
	creds   auth.Store
	name    string
	version string

	recon *reconnector

	mu              sync.Mutex
	stopped         bool
	inProgress      bool
	state           State
	clientID        string
	srv             *relay.Server
	remote          *relay.Conn
	remoteURL       string
	browsers        []Browser
	browserName     string
	attachedTab     *protocol.Tab
	authenticated   bool
	counterpartGone bool

	interruptFns []func(error)
}

// NewMachine builds a passive machine. name and version identify this client
// in handshakes.
func NewMachine(cfg *config.Config, store auth.Store, log *slog.Logger, name, version string) *Machine {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	m := &Machine{
		log:     log.With("component", "state"),
		cfg:     cfg,
		creds:   store,
		name:    name,
		version: version,
		state:   StatePassive,
	}
	m.recon = newReconnector(m.log, cfg.ReconnectDelay, cfg.MaxReconnectFailures, m.reconnectAttempt, m.reconnectExhausted)

	return m
}

// OnInterrupt registers an observer fired when an externally detected
// transport loss forces the machine back to passive. Explicit Disable does
// not fire it.
func (m *Machine) OnInterrupt(fn func(cause error)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.interruptFns = append(m.interruptFns, fn)
}

// Status returns the current snapshot. The attached tab is withheld while
// the counterpart is disconnected.
func (m *Machine) Status() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:                   m.state,
		ClientID:                m.clientID,
		IsAuthenticated:         m.authenticated,
		ConnectedBrowserName:    m.browserName,
		CounterpartDisconnected: m.counterpartGone,
	}
	if m.srv != nil {
		snap.Port = m.srv.Port()
	}
	if m.state == StateAuthenticatedWaiting {
		snap.AvailableBrowsers = slices.Clone(m.browsers)
	}
	if m.attachedTab != nil && !m.counterpartGone {
		tab := *m.attachedTab
		snap.AttachedTab = &tab
	}

	return snap
}

// Port reports the local relay listen port, zero when not in local mode.
func (m *Machine) Port() int {
	m.mu.Lock()
	srv := m.srv
	m.mu.Unlock()

	if srv == nil {
		return 0
	}

	return srv.Port()
}

// Enable moves passive → active (local relay) or passive → connected /
// authenticated_waiting (remote relay, depending on how many browsers the
// relay offers). clientID identifies the automation client for session
// resumption. A transition already in progress, or a live connection,
// rejects with StateConflict.
func (m *Machine) Enable(ctx context.Context, clientID string) (Snapshot, error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return Snapshot{State: StatePassive}, interrors.ErrServerStopped
	}
	if m.inProgress || m.state != StatePassive {
		err := &interrors.StateConflictError{State: string(m.state), Op: "enable", Err: interrors.ErrAlreadyEnabled}
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, err
	}
	m.inProgress = true
	m.clientID = clientID
	m.mu.Unlock()

	snap, err := m.enable(ctx, clientID)

	m.mu.Lock()
	m.inProgress = false
	m.mu.Unlock()

	return snap, err
}

func (m *Machine) enable(ctx context.Context, clientID string) (Snapshot, error) {
	creds, err := m.creds.Load()
	if err != nil {
		m.log.Warn("stored credentials unreadable, clearing", "error", err)
		if cerr := m.creds.Clear(); cerr != nil {
			m.log.Warn("failed to clear credentials", "error", cerr)
		}
		return m.Status(), &interrors.AuthError{Kind: interrors.AuthInvalid, Err: err}
	}

	if creds.Authenticated() && creds.RelayURL != "" && !m.cfg.ForceLocal {
		if creds.Expired(time.Now()) {
			if cerr := m.creds.Clear(); cerr != nil {
				m.log.Warn("failed to clear credentials", "error", cerr)
			}
			return m.Status(), &interrors.AuthError{Kind: interrors.AuthExpired}
		}
		return m.enableRemote(ctx, creds)
	}

	return m.enableLocal(ctx, clientID)
}

// enableLocal becomes the primary endpoint: it binds the local relay server
// and waits for the extension to dial in.
func (m *Machine) enableLocal(ctx context.Context, clientID string) (Snapshot, error) {
	srv := relay.NewServer(m.cfg, m.log)
	m.wireServer(srv)
	srv.SetClientID(clientID)

	if err := srv.Start(ctx); err != nil {
		return m.Status(), err
	}

	m.mu.Lock()
	m.srv = srv
	m.state = StateActive
	m.counterpartGone = false
	snap := m.snapshotLocked()
	m.mu.Unlock()

	go m.watchServer(srv)

	m.log.Info("connection enabled", "mode", "local", "port", srv.Port())

	return snap, nil
}

func (m *Machine) wireServer(srv *relay.Server) {
	srv.OnConnect(func(hs relay.HandshakeInfo) {
		m.mu.Lock()
		if m.srv == srv {
			m.counterpartGone = false
			m.browserName = hs.Name
		}
		m.mu.Unlock()
	})
	srv.OnReconnect(func() {
		m.mu.Lock()
		if m.srv == srv {
			// The replacing socket reports its own tab; the old one's is stale.
			m.attachedTab = nil
		}
		m.mu.Unlock()
	})
	srv.OnDisconnect(func(error) {
		m.mu.Lock()
		if m.srv == srv {
			m.counterpartGone = true
		}
		m.mu.Unlock()
	})
	srv.OnTabInfo(func(tab *protocol.Tab) {
		m.mu.Lock()
		if m.srv == srv && tab != nil {
			t := *tab
			m.attachedTab = &t
		}
		m.mu.Unlock()
	})
}

// watchServer arms the reconnect scheduler if the accept loop dies out from
// under an enabled machine. A clean Stop detaches the server first, so the
// identity check filters it out.
func (m *Machine) watchServer(srv *relay.Server) {
	<-srv.Done()
	err := srv.Err()

	m.mu.Lock()
	stale := m.stopped || m.srv != srv
	m.mu.Unlock()
	if stale || err == nil {
		return
	}

	m.log.Warn("relay listener failed, scheduling rebind", "error", err)
	m.recon.arm()
}

// reconnectAttempt is one local re-establishment try: tear down whatever is
// left of the dead server and bind a fresh one on the configured port.
func (m *Machine) reconnectAttempt() error {
	m.mu.Lock()
	if m.stopped || m.state != StateActive {
		m.mu.Unlock()
		return nil
	}
	old := m.srv
	m.srv = nil
	clientID := m.clientID
	m.mu.Unlock()

	if old != nil {
		_ = old.Stop()
	}

	srv := relay.NewServer(m.cfg, m.log)
	m.wireServer(srv)
	srv.SetClientID(clientID)
	if err := srv.Start(context.Background()); err != nil {
		return err
	}

	m.mu.Lock()
	if m.stopped || m.state != StateActive {
		m.mu.Unlock()
		_ = srv.Stop()
		return nil
	}
	m.srv = srv
	// Any previously paired extension has to rediscover the endpoint.
	m.counterpartGone = m.browserName != ""
	m.mu.Unlock()

	go m.watchServer(srv)

	m.log.Info("relay listener re-established", "port", srv.Port())

	return nil
}

func (m *Machine) reconnectExhausted() {
	m.mu.Lock()
	if m.stopped || m.state != StateActive {
		m.mu.Unlock()
		return
	}
	cleanup := m.detachLocked()
	fns := slices.Clone(m.interruptFns)
	m.mu.Unlock()

	cleanup()
	m.log.Warn("reconnect attempts exhausted, connection idle until re-enabled")

	for _, fn := range fns {
		fn(interrors.ErrReconnectExhausted)
	}
}

// enableRemote dials the authenticated relay and resolves the browser
// pairing: zero candidates after bounded retries fails, one connects
// immediately, several park in authenticated_waiting.
func (m *Machine) enableRemote(ctx context.Context, creds *auth.Credentials) (Snapshot, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.Token)
	dialer := &websocket.Dialer{HandshakeTimeout: m.cfg.ProbeTimeout}

	ws, resp, err := dialer.DialContext(ctx, creds.RelayURL, header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				if cerr := m.creds.Clear(); cerr != nil {
					m.log.Warn("failed to clear credentials", "error", cerr)
				}
				return m.Status(), &interrors.AuthError{Kind: interrors.AuthInvalid, Err: err}
			}
		}
		return m.Status(), &interrors.ConnectError{URL: creds.RelayURL, Err: err}
	}

	conn := relay.NewConn(ws, relay.ConnConfig{
		Log:             m.log,
		ReadIdleTimeout: 3 * m.cfg.KeepaliveInterval,
		RequestTimeout:  m.cfg.RequestTimeout,
	})
	conn.OnTabInfo(func(tab *protocol.Tab) {
		m.mu.Lock()
		if m.remote == conn && tab != nil {
			t := *tab
			m.attachedTab = &t
		}
		m.mu.Unlock()
	})
	conn.OnClose(func(cause error) { m.remoteClosed(conn, cause) })
	conn.Start()

	if err := conn.SendHandshake(m.name, m.version); err != nil {
		conn.Close(nil)
		return m.Status(), &interrors.ConnectError{URL: creds.RelayURL, Err: err}
	}

	browsers, err := m.discoverBrowsers(ctx, conn, creds.RelayURL)
	if err != nil {
		conn.Close(nil)
		return m.Status(), err
	}

	if len(browsers) == 1 {
		name, err := m.chooseBrowser(ctx, conn, browsers[0])
		if err != nil {
			conn.Close(nil)
			return m.Status(), err
		}
		m.adoptRemote(conn, creds.RelayURL, StateConnected, nil, name)
		m.log.Info("connection enabled", "mode", "remote", "browser", name)
	} else {
		m.adoptRemote(conn, creds.RelayURL, StateAuthenticatedWaiting, browsers, "")
		m.log.Info("connection enabled", "mode", "remote", "candidates", len(browsers))
	}

	return m.Status(), nil
}

func (m *Machine) adoptRemote(conn *relay.Conn, url string, state State, browsers []Browser, browserName string) {
	m.mu.Lock()
	m.remote = conn
	m.remoteURL = url
	m.state = state
	m.authenticated = true
	m.browsers = browsers
	m.browserName = browserName
	m.counterpartGone = false
	m.mu.Unlock()

	// The socket may have died between discovery and adoption; surface the
	// interrupt that OnClose could not deliver while m.remote was unset.
	select {
	case <-conn.Done():
		m.remoteClosed(conn, interrors.ErrNotConnected)
	default:
	}
}

func (m *Machine) discoverBrowsers(ctx context.Context, conn *relay.Conn, url string) ([]Browser, error) {
	for attempt := 1; attempt <= remoteDiscoveryAttempts; attempt++ {
		res, err := conn.Call(ctx, methodListBrowsers, nil, m.cfg.RequestTimeout)
		if err != nil {
			return nil, &interrors.ConnectError{URL: url, Err: err}
		}

		var list browserList
		if err := json.Unmarshal(res, &list); err != nil {
			return nil, fmt.Errorf("malformed browser list from relay: %w", err)
		}
		if len(list.Browsers) > 0 {
			return list.Browsers, nil
		}

		if attempt < remoteDiscoveryAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(m.cfg.ReconnectDelay):
			}
		}
	}

	return nil, fmt.Errorf("relay listed no browsers after %d attempts: %w", remoteDiscoveryAttempts, interrors.ErrNoBrowserConnected)
}

// chooseBrowser asks the relay to bind this connection to one browser and
// returns the browser's display name.
func (m *Machine) chooseBrowser(ctx context.Context, conn *relay.Conn, b Browser) (string, error) {
	params := map[string]string{"browserId": b.ID}
	res, err := conn.Call(ctx, methodConnectBrowser, params, m.cfg.RequestTimeout)
	if err != nil {
		var detail *protocol.ErrorDetail
		if errors.As(err, &detail) {
			return "", fmt.Errorf("%w: %s", interrors.ErrBrowserNotFound, detail.Message)
		}
		return "", err
	}

	var chosen Browser
	if err := json.Unmarshal(res, &chosen); err == nil && chosen.Name != "" {
		return chosen.Name, nil
	}
	if b.Name != "" {
		return b.Name, nil
	}

	return b.ID, nil
}

// BrowserConnect resolves authenticated_waiting by pairing with the browser
// candidate named by id. An unknown id keeps the machine waiting.
func (m *Machine) BrowserConnect(ctx context.Context, id string) (Snapshot, error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return Snapshot{State: StatePassive}, interrors.ErrServerStopped
	}
	if m.inProgress {
		err := &interrors.StateConflictError{State: string(m.state), Op: "browser_connect", Err: interrors.ErrAlreadyEnabled}
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, err
	}
	if m.state != StateAuthenticatedWaiting {
		err := &interrors.StateConflictError{State: string(m.state), Op: "browser_connect"}
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, err
	}

	idx := slices.IndexFunc(m.browsers, func(b Browser) bool { return b.ID == id })
	if idx < 0 {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, fmt.Errorf("%w: %q", interrors.ErrBrowserNotFound, id)
	}
	chosen := m.browsers[idx]
	conn := m.remote
	m.inProgress = true
	m.mu.Unlock()

	name, err := m.chooseBrowser(ctx, conn, chosen)

	m.mu.Lock()
	m.inProgress = false
	if err != nil {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, err
	}
	if m.remote != conn || m.state != StateAuthenticatedWaiting {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, interrors.ErrNotConnected
	}
	m.state = StateConnected
	m.browserName = name
	m.browsers = nil
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.log.Info("browser selected", "browser", name)

	return snap, nil
}

// Send forwards one automation command over whatever transport the machine
// holds. From authenticated_waiting it fails with the candidate list so the
// caller can disambiguate; from passive it fails with NotConnected.
func (m *Machine) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, interrors.ErrServerStopped
	}

	switch m.state {
	case StateActive:
		srv := m.srv
		m.mu.Unlock()
		// srv is briefly nil while a failed listener is being rebound.
		if srv == nil {
			return nil, interrors.ErrNotConnected
		}
		return srv.SendCommand(ctx, method, params, 0)
	case StateConnected:
		conn := m.remote
		m.mu.Unlock()
		return conn.Call(ctx, method, params, 0)
	case StateAuthenticatedWaiting:
		candidates := make([]string, 0, len(m.browsers))
		for _, b := range m.browsers {
			candidates = append(candidates, formatBrowser(b))
		}
		m.mu.Unlock()
		return nil, &interrors.BrowserChoiceError{Browsers: candidates}
	default:
		m.mu.Unlock()
		return nil, interrors.ErrNotConnected
	}
}

func formatBrowser(b Browser) string {
	if b.Name == "" {
		return b.ID
	}

	return fmt.Sprintf("%s (%s)", b.ID, b.Name)
}

// Disable tears down whatever transport is held and returns to passive.
// Disabling a passive machine is a no-op.
func (m *Machine) Disable() (Snapshot, error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return Snapshot{State: StatePassive}, interrors.ErrServerStopped
	}
	if m.inProgress {
		err := &interrors.StateConflictError{State: string(m.state), Op: "disable", Err: interrors.ErrAlreadyEnabled}
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, err
	}
	if m.state == StatePassive {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, nil
	}
	cleanup := m.detachLocked()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.recon.disarm()
	cleanup()

	m.log.Info("connection disabled")

	return snap, nil
}

// Wake nudges the reconnect scheduler, typically on resume from process
// suspension. Harmless when no reconnect episode is running.
func (m *Machine) Wake() {
	m.recon.wake()
}

// Close shuts the machine down for good. Subsequent operations fail with
// ErrServerStopped.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	cleanup := m.detachLocked()
	m.mu.Unlock()

	m.recon.stop()
	cleanup()
}

// detachLocked clears all transport state under the lock and returns the
// teardown to run after unlocking. Closing transports re-enters observer
// callbacks, so it must never happen while the lock is held.
func (m *Machine) detachLocked() func() {
	srv, conn := m.srv, m.remote
	m.srv = nil
	m.remote = nil
	m.remoteURL = ""
	m.state = StatePassive
	m.attachedTab = nil
	m.authenticated = false
	m.browserName = ""
	m.browsers = nil
	m.counterpartGone = false

	return func() {
		if conn != nil {
			conn.Close(nil)
		}
		if srv != nil {
			_ = srv.Stop()
		}
	}
}

// remoteClosed handles remote transport loss: back to passive, cached state
// cleared, interrupt observers told why. Explicit teardown detaches the
// connection first, so the identity check filters it out.
func (m *Machine) remoteClosed(conn *relay.Conn, cause error) {
	m.mu.Lock()
	if m.stopped || m.remote != conn {
		m.mu.Unlock()
		return
	}
	url := m.remoteURL
	cleanup := m.detachLocked()
	fns := slices.Clone(m.interruptFns)
	m.mu.Unlock()

	cleanup()
	m.log.Warn("remote relay connection lost", "relay", url, "reason", cause)

	for _, fn := range fns {
		fn(cause)
	}
}
