package state

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/dmorrill/multi-browser-mcp-sub000/internal/auth"
	"github.com/dmorrill/multi-browser-mcp-sub000/internal/config"
	interrors "github.com/dmorrill/multi-browser-mcp-sub000/internal/errors"
	"github.com/dmorrill/multi-browser-mcp-sub000/internal/protocol"
)

// reservePort finds a currently free loopback port for a local relay.
func reservePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	return port
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.Port = reservePort(t)
	cfg.ScanRange = config.PortRange{Start: cfg.Port, End: cfg.Port + 99}
	cfg.ProbeTimeout = 500 * time.Millisecond
	cfg.RequestTimeout = 2 * time.Second
	cfg.ReconnectDelay = 20 * time.Millisecond
	cfg.MaxReconnectFailures = 3

	return cfg
}

// credStore returns a file-backed store, pre-seeded when creds is non-nil.
func credStore(t *testing.T, creds *auth.Credentials) *auth.FileStore {
	t.Helper()

	store, err := auth.NewFileStore(filepath.Join(t.TempDir(), "credentials.yaml"))
	require.NoError(t, err)
	if creds != nil {
		require.NoError(t, store.Save(creds))
	}

	return store
}

func newTestMachine(t *testing.T, cfg *config.Config, store auth.Store) *Machine {
	t.Helper()

	m := NewMachine(cfg, store, nil, "browsermcp", "0.0.1-test")
	t.Cleanup(m.Close)

	return m
}

// fakeRelay plays the authenticated remote relay: it checks the bearer
// token, answers browser discovery and pairing, and lets tests push
// notifications or kill the socket.
type fakeRelay struct {
	t   *testing.T
	srv *httptest.Server

	mu         sync.Mutex
	token      string
	browsers   []Browser
	emptyLists int
	stallList  chan struct{}
	conns      []*websocket.Conn

	listCalls  chan struct{}
	handshakes chan protocol.Message
	paired     chan string
}

func startFakeRelay(t *testing.T, token string, browsers ...Browser) *fakeRelay {
	t.Helper()

	p := &fakeRelay{
		t:          t,
		token:      token,
		browsers:   browsers,
		listCalls:  make(chan struct{}, 16),
		handshakes: make(chan protocol.Message, 4),
		paired:     make(chan string, 4),
	}
	p.srv = httptest.NewServer(http.HandlerFunc(p.handle))
	t.Cleanup(p.stop)

	return p
}

func (p *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http")
}

func (p *fakeRelay) stop() {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()

	for _, ws := range conns {
		_ = ws.Close()
	}
	p.srv.Close()
}

// dropConnections closes every accepted socket without shutting the server.
func (p *fakeRelay) dropConnections() {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()

	for _, ws := range conns {
		_ = ws.Close()
	}
}

// serveEmptyLists makes the next n listBrowsers calls return no candidates.
func (p *fakeRelay) serveEmptyLists(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emptyLists = n
}

// stallNextList blocks listBrowsers handling until the returned channel is
// closed.
func (p *fakeRelay) stallNextList() chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stallList = make(chan struct{})

	return p.stallList
}

func (p *fakeRelay) notify(method string, params any) {
	p.t.Helper()

	msg, err := protocol.NewNotification(method, params)
	require.NoError(p.t, err)

	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(p.t, p.conns, "no machine connected")
	require.NoError(p.t, p.conns[len(p.conns)-1].WriteJSON(msg))
}

func (p *fakeRelay) handle(w http.ResponseWriter, r *http.Request) {
	if p.token != "" && r.Header.Get("Authorization") != "Bearer "+p.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p.mu.Lock()
	p.conns = append(p.conns, ws)
	p.mu.Unlock()

	go p.readLoop(ws)
}

func (p *fakeRelay) readLoop(ws *websocket.Conn) {
	for {
		var msg protocol.Message
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}

		switch {
		case msg.Kind() == protocol.KindHandshake:
			p.handshakes <- msg
		case msg.ID != "" && msg.Method != "":
			p.answer(ws, &msg)
		}
	}
}

func (p *fakeRelay) answer(ws *websocket.Conn, msg *protocol.Message) {
	reply := &protocol.Message{JSONRPC: protocol.Version, ID: msg.ID}

	switch msg.Method {
	case methodListBrowsers:
		p.mu.Lock()
		stall := p.stallList
		p.stallList = nil
		p.mu.Unlock()
		if stall != nil {
			<-stall
		}

		p.listCalls <- struct{}{}

		p.mu.Lock()
		browsers := p.browsers
		if p.emptyLists > 0 {
			p.emptyLists--
			browsers = nil
		}
		p.mu.Unlock()

		raw, _ := json.Marshal(browserList{Browsers: browsers})
		reply.Result = raw
	case methodConnectBrowser:
		var params struct {
			BrowserID string `json:"browserId"`
		}
		_ = json.Unmarshal(msg.Params, &params)

		p.mu.Lock()
		var chosen *Browser
		for i := range p.browsers {
			if p.browsers[i].ID == params.BrowserID {
				chosen = &p.browsers[i]
				break
			}
		}
		p.mu.Unlock()

		if chosen == nil {
			reply.Error = &protocol.ErrorDetail{Message: "browser not found"}
		} else {
			raw, _ := json.Marshal(chosen)
			reply.Result = raw
			p.paired <- chosen.ID
		}
	default:
		// Automation commands echo their params back.
		raw, _ := json.Marshal(map[string]any{"echo": json.RawMessage(orEmptyObject(msg.Params))})
		reply.Result = raw
	}

	p.write(ws, reply)
}

func orEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}

	return raw
}

func (p *fakeRelay) write(ws *websocket.Conn, msg *protocol.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = ws.WriteJSON(msg)
}

func remoteCreds(p *fakeRelay, token string) *auth.Credentials {
	return &auth.Credentials{Token: token, RelayURL: p.url()}
}

func TestMachine_EnableLocalWithoutCredentials(t *testing.T) {
	cfg := testConfig(t)
	m := newTestMachine(t, cfg, credStore(t, nil))

	snap, err := m.Enable(context.Background(), "client-1")
	require.NoError(t, err)
	require.Equal(t, StateActive, snap.State)
	require.Equal(t, cfg.Port, snap.Port)
	require.False(t, snap.IsAuthenticated)
	require.Empty(t, snap.AvailableBrowsers)

	// The relay endpoint really is up: it serves its identification doc.
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/", snap.Port))
	require.NoError(t, err)
	defer resp.Body.Close()
	var doc protocol.Discovery
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	require.Equal(t, protocol.ServerKind, doc.Type)

	snap, err = m.Disable()
	require.NoError(t, err)
	require.Equal(t, StatePassive, snap.State)

	// Disable released the port.
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.Port))
	require.NoError(t, err)
	require.NoError(t, ln.Close())

	// Disabling a passive machine is a no-op.
	snap, err = m.Disable()
	require.NoError(t, err)
	require.Equal(t, StatePassive, snap.State)
}

func TestMachine_EnableWhileEnabledConflicts(t *testing.T) {
	cfg := testConfig(t)
	m := newTestMachine(t, cfg, credStore(t, nil))

	_, err := m.Enable(context.Background(), "client-1")
	require.NoError(t, err)

	_, err = m.Enable(context.Background(), "client-1")
	var conflict *interrors.StateConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, string(StateActive), conflict.State)
	require.ErrorIs(t, err, interrors.ErrAlreadyEnabled)

	// The failed second enable did not disturb the first.
	require.Equal(t, StateActive, m.Status().State)

	_, err = m.Disable()
	require.NoError(t, err)
	_, err = m.Enable(context.Background(), "client-1")
	require.NoError(t, err)
}

func TestMachine_ConcurrentEnableShortCircuits(t *testing.T) {
	p := startFakeRelay(t, "tok", Browser{ID: "b1", Name: "Chrome"})
	cfg := testConfig(t)
	m := newTestMachine(t, cfg, credStore(t, remoteCreds(p, "tok")))

	release := p.stallNextList()

	type result struct {
		snap Snapshot
		err  error
	}
	first := make(chan result, 1)
	go func() {
		snap, err := m.Enable(context.Background(), "client-1")
		first <- result{snap, err}
	}()

	// Once the relay has the handshake, the first enable owns the
	// transition guard and is parked on the stalled discovery call.
	select {
	case <-p.handshakes:
	case <-time.After(3 * time.Second):
		t.Fatal("first enable never reached the relay")
	}

	_, err := m.Enable(context.Background(), "client-2")
	var conflict *interrors.StateConflictError
	require.ErrorAs(t, err, &conflict)
	require.ErrorIs(t, err, interrors.ErrAlreadyEnabled)

	close(release)

	res := <-first
	require.NoError(t, res.err)
	require.Equal(t, StateConnected, res.snap.State)
	require.Equal(t, "client-1", res.snap.ClientID)
}

func TestMachine_RemoteSingleBrowserConnects(t *testing.T) {
	p := startFakeRelay(t, "tok", Browser{ID: "b1", Name: "Chrome"})
	cfg := testConfig(t)
	m := newTestMachine(t, cfg, credStore(t, remoteCreds(p, "tok")))

	snap, err := m.Enable(context.Background(), "client-1")
	require.NoError(t, err)
	require.Equal(t, StateConnected, snap.State)
	require.True(t, snap.IsAuthenticated)
	require.Equal(t, "Chrome", snap.ConnectedBrowserName)
	require.Zero(t, snap.Port)

	hs := <-p.handshakes
	require.Equal(t, "browsermcp", hs.Name)
	require.Equal(t, "0.0.1-test", hs.Version)
	require.Equal(t, "b1", <-p.paired)

	// Commands flow over the remote transport.
	res, err := m.Send(context.Background(), "getBuildInfo", map[string]int{"x": 1})
	require.NoError(t, err)
	require.Contains(t, string(res), `"x":1`)

	// Pushed tab payloads land in the attached-tab cache.
	p.notify(protocol.MethodTabInfo, protocol.Tab{ID: 2, Title: "Dash"})
	require.Eventually(t, func() bool {
		tab := m.Status().AttachedTab
		return tab != nil && tab.Title == "Dash"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestMachine_RemoteMultipleBrowsersWait(t *testing.T) {
	p := startFakeRelay(t, "tok",
		Browser{ID: "b1", Name: "Chrome"},
		Browser{ID: "b2", Name: "Edge"},
	)
	cfg := testConfig(t)
	m := newTestMachine(t, cfg, credStore(t, remoteCreds(p, "tok")))

	snap, err := m.Enable(context.Background(), "client-1")
	require.NoError(t, err)
	require.Equal(t, StateAuthenticatedWaiting, snap.State)
	require.True(t, snap.IsAuthenticated)
	require.Len(t, snap.AvailableBrowsers, 2)

	// Nothing was paired yet.
	select {
	case id := <-p.paired:
		t.Fatalf("unexpected pairing with %s", id)
	default:
	}

	// Automation commands must not flow before the caller disambiguates.
	_, err = m.Send(context.Background(), "tabs_list", nil)
	var choice *interrors.BrowserChoiceError
	require.ErrorAs(t, err, &choice)
	require.ErrorIs(t, err, interrors.ErrBrowserNotSelected)
	require.Contains(t, choice.Browsers, "b1 (Chrome)")
	require.Contains(t, choice.Browsers, "b2 (Edge)")

	// An unknown candidate keeps the machine waiting.
	_, err = m.BrowserConnect(context.Background(), "nope")
	require.ErrorIs(t, err, interrors.ErrBrowserNotFound)
	require.Equal(t, StateAuthenticatedWaiting, m.Status().State)

	snap, err = m.BrowserConnect(context.Background(), "b2")
	require.NoError(t, err)
	require.Equal(t, StateConnected, snap.State)
	require.Equal(t, "Edge", snap.ConnectedBrowserName)
	require.Empty(t, snap.AvailableBrowsers)
	require.Equal(t, "b2", <-p.paired)

	_, err = m.Send(context.Background(), "tabs_list", nil)
	require.NoError(t, err)
}

func TestMachine_RemoteNoBrowsersFailsBounded(t *testing.T) {
	p := startFakeRelay(t, "tok")
	cfg := testConfig(t)
	m := newTestMachine(t, cfg, credStore(t, remoteCreds(p, "tok")))

	_, err := m.Enable(context.Background(), "client-1")
	require.ErrorIs(t, err, interrors.ErrNoBrowserConnected)
	require.Equal(t, StatePassive, m.Status().State)

	// The empty list was re-asked a bounded number of times, then given up.
	calls := 0
	for {
		select {
		case <-p.listCalls:
			calls++
			continue
		default:
		}
		break
	}
	require.Equal(t, remoteDiscoveryAttempts, calls)

	// A failed enable leaves the machine usable.
	p.mu.Lock()
	p.browsers = []Browser{{ID: "b1", Name: "Chrome"}}
	p.mu.Unlock()
	snap, err := m.Enable(context.Background(), "client-1")
	require.NoError(t, err)
	require.Equal(t, StateConnected, snap.State)
}

func TestMachine_ExpiredCredentialsCleared(t *testing.T) {
	store := credStore(t, &auth.Credentials{
		Token:     "tok",
		RelayURL:  "ws://127.0.0.1:1/",
		ExpiresAt: time.Now().Add(-time.Hour),
	})
	cfg := testConfig(t)
	m := newTestMachine(t, cfg, store)

	_, err := m.Enable(context.Background(), "client-1")
	var authErr *interrors.AuthError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, interrors.AuthExpired, authErr.Kind)
	require.Equal(t, StatePassive, m.Status().State)

	// Stale credentials are never retried: the store is empty now, so the
	// next enable becomes the local primary.
	creds, err := store.Load()
	require.NoError(t, err)
	require.Nil(t, creds)

	snap, err := m.Enable(context.Background(), "client-1")
	require.NoError(t, err)
	require.Equal(t, StateActive, snap.State)
}

func TestMachine_RejectedTokenCleared(t *testing.T) {
	p := startFakeRelay(t, "good", Browser{ID: "b1", Name: "Chrome"})
	store := credStore(t, remoteCreds(p, "bad"))
	cfg := testConfig(t)
	m := newTestMachine(t, cfg, store)

	_, err := m.Enable(context.Background(), "client-1")
	var authErr *interrors.AuthError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, interrors.AuthInvalid, authErr.Kind)
	require.Equal(t, StatePassive, m.Status().State)

	creds, err := store.Load()
	require.NoError(t, err)
	require.Nil(t, creds)
}

func TestMachine_RemoteLossInterruptsToPassive(t *testing.T) {
	p := startFakeRelay(t, "tok", Browser{ID: "b1", Name: "Chrome"})
	cfg := testConfig(t)
	m := newTestMachine(t, cfg, credStore(t, remoteCreds(p, "tok")))

	interrupts := make(chan error, 1)
	m.OnInterrupt(func(cause error) { interrupts <- cause })

	_, err := m.Enable(context.Background(), "client-1")
	require.NoError(t, err)

	p.notify(protocol.MethodTabInfo, protocol.Tab{ID: 2, Title: "Dash"})
	require.Eventually(t, func() bool { return m.Status().AttachedTab != nil }, 3*time.Second, 10*time.Millisecond)

	p.dropConnections()

	select {
	case cause := <-interrupts:
		require.Error(t, cause)
	case <-time.After(3 * time.Second):
		t.Fatal("interrupt observer not fired")
	}

	snap := m.Status()
	require.Equal(t, StatePassive, snap.State)
	require.False(t, snap.IsAuthenticated)
	require.Empty(t, snap.ConnectedBrowserName)
	require.Nil(t, snap.AttachedTab)

	// The loss is recoverable by an explicit re-enable.
	snap, err = m.Enable(context.Background(), "client-1")
	require.NoError(t, err)
	require.Equal(t, StateConnected, snap.State)
}

func TestMachine_ForceLocalIgnoresCredentials(t *testing.T) {
	p := startFakeRelay(t, "tok", Browser{ID: "b1", Name: "Chrome"})
	cfg := testConfig(t)
	cfg.ForceLocal = true
	m := newTestMachine(t, cfg, credStore(t, remoteCreds(p, "tok")))

	snap, err := m.Enable(context.Background(), "client-1")
	require.NoError(t, err)
	require.Equal(t, StateActive, snap.State)
	require.Equal(t, cfg.Port, snap.Port)

	select {
	case hs := <-p.handshakes:
		t.Fatalf("machine dialed the remote relay despite force-local: %+v", hs)
	default:
	}
}

func TestMachine_SendAndConnectOutsideValidStates(t *testing.T) {
	cfg := testConfig(t)
	m := newTestMachine(t, cfg, credStore(t, nil))

	_, err := m.Send(context.Background(), "tabs_list", nil)
	require.ErrorIs(t, err, interrors.ErrNotConnected)

	_, err = m.BrowserConnect(context.Background(), "b1")
	var conflict *interrors.StateConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, string(StatePassive), conflict.State)

	// Wake with no reconnect episode running is harmless.
	m.Wake()
}

func TestMachine_CloseStopsOperations(t *testing.T) {
	cfg := testConfig(t)
	m := newTestMachine(t, cfg, credStore(t, nil))

	_, err := m.Enable(context.Background(), "client-1")
	require.NoError(t, err)

	m.Close()
	m.Close()

	_, err = m.Enable(context.Background(), "client-1")
	require.ErrorIs(t, err, interrors.ErrServerStopped)
	_, err = m.Disable()
	require.ErrorIs(t, err, interrors.ErrServerStopped)
	_, err = m.Send(context.Background(), "tabs_list", nil)
	require.ErrorIs(t, err, interrors.ErrServerStopped)

	// Close released the listen port.
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.Port))
	require.NoError(t, err)
	require.NoError(t, ln.Close())
}

// extensionConn is a minimal extension-side socket for driving the local
// relay hosted by the machine.
type extensionConn struct {
	t  *testing.T
	ws *websocket.Conn

	writeMu sync.Mutex
}

func dialLocalRelay(t *testing.T, port int) *extensionConn {
	t.Helper()

	ws, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://127.0.0.1:%d/", port), nil)
	require.NoError(t, err)

	e := &extensionConn{t: t, ws: ws}
	go func() {
		// Drain so control frames keep being processed.
		for {
			var msg protocol.Message
			if e.ws.ReadJSON(&msg) != nil {
				return
			}
		}
	}()
	t.Cleanup(func() { _ = ws.Close() })

	return e
}

func (e *extensionConn) send(msg *protocol.Message) {
	e.t.Helper()

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	require.NoError(e.t, e.ws.WriteJSON(msg))
}

func (e *extensionConn) handshake(name string) {
	e.send(protocol.NewHandshake(name, "1.0.0"))
}

func (e *extensionConn) notifyTab(tab protocol.Tab) {
	e.t.Helper()

	msg, err := protocol.NewNotification(protocol.MethodTabInfo, tab)
	require.NoError(e.t, err)
	e.send(msg)
}

func (e *extensionConn) close() { _ = e.ws.Close() }

func TestMachine_LocalCounterpartTabGating(t *testing.T) {
	cfg := testConfig(t)
	m := newTestMachine(t, cfg, credStore(t, nil))

	var interrupts atomic.Int64
	m.OnInterrupt(func(error) { interrupts.Add(1) })

	snap, err := m.Enable(context.Background(), "client-1")
	require.NoError(t, err)
	require.Equal(t, StateActive, snap.State)

	ext := dialLocalRelay(t, cfg.Port)
	ext.handshake("Firefox")
	require.Eventually(t, func() bool {
		s := m.Status()
		return s.ConnectedBrowserName == "Firefox" && !s.CounterpartDisconnected
	}, 3*time.Second, 10*time.Millisecond)

	ext.notifyTab(protocol.Tab{ID: 7, Title: "Inbox"})
	require.Eventually(t, func() bool {
		tab := m.Status().AttachedTab
		return tab != nil && tab.Title == "Inbox"
	}, 3*time.Second, 10*time.Millisecond)

	ext.close()
	require.Eventually(t, func() bool {
		return m.Status().CounterpartDisconnected
	}, 3*time.Second, 10*time.Millisecond)

	// A counterpart drop does not tear the endpoint down. The cached tab is
	// withheld until the extension returns.
	snap = m.Status()
	require.Equal(t, StateActive, snap.State)
	require.Nil(t, snap.AttachedTab)

	ext2 := dialLocalRelay(t, cfg.Port)
	ext2.handshake("Firefox")
	require.Eventually(t, func() bool {
		s := m.Status()
		return !s.CounterpartDisconnected && s.AttachedTab != nil && s.AttachedTab.Title == "Inbox"
	}, 3*time.Second, 10*time.Millisecond)

	require.Zero(t, interrupts.Load(), "extension churn must not fire interrupt observers")
}

func TestMachine_ReplacedCounterpartDropsCachedTab(t *testing.T) {
	cfg := testConfig(t)
	m := newTestMachine(t, cfg, credStore(t, nil))

	snap, err := m.Enable(context.Background(), "client-1")
	require.NoError(t, err)
	require.Equal(t, StateActive, snap.State)

	ext := dialLocalRelay(t, cfg.Port)
	ext.handshake("Firefox")
	ext.notifyTab(protocol.Tab{ID: 7, Title: "Inbox"})
	require.Eventually(t, func() bool {
		tab := m.Status().AttachedTab
		return tab != nil && tab.Title == "Inbox"
	}, 3*time.Second, 10*time.Millisecond)

	// A second extension dials in while the first is still up. Newest wins,
	// and the evicted socket's tab must not survive as the current one.
	ext2 := dialLocalRelay(t, cfg.Port)
	ext2.handshake("Chrome")
	require.Eventually(t, func() bool {
		return m.Status().ConnectedBrowserName == "Chrome"
	}, 3*time.Second, 10*time.Millisecond)

	snap = m.Status()
	require.Nil(t, snap.AttachedTab, "evicted counterpart's tab still reported")
	require.False(t, snap.CounterpartDisconnected, "replacement is not a disconnect")
	require.Equal(t, StateActive, snap.State)

	// The replacing extension's own report flows through as usual.
	ext2.notifyTab(protocol.Tab{ID: 3, Title: "Dashboard"})
	require.Eventually(t, func() bool {
		tab := m.Status().AttachedTab
		return tab != nil && tab.Title == "Dashboard"
	}, 3*time.Second, 10*time.Millisecond)
}
