package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/dmorrill/multi-browser-mcp-sub000/internal/auth"
	"github.com/dmorrill/multi-browser-mcp-sub000/internal/config"
	interrors "github.com/dmorrill/multi-browser-mcp-sub000/internal/errors"
	"github.com/dmorrill/multi-browser-mcp-sub000/internal/protocol"
	"github.com/dmorrill/multi-browser-mcp-sub000/internal/session"
	"github.com/dmorrill/multi-browser-mcp-sub000/internal/state"
)

// reserveBlock binds n consecutive loopback ports and returns the live
// listeners, first port lowest.
func reserveBlock(t *testing.T, n int) []net.Listener {
	t.Helper()

	for range 20 {
		first, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		base := first.Addr().(*net.TCPAddr).Port

		listeners := []net.Listener{first}
		ok := true
		for i := 1; i < n; i++ {
			ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", base+i))
			if err != nil {
				ok = false
				break
			}
			listeners = append(listeners, ln)
		}
		if ok {
			return listeners
		}
		for _, ln := range listeners {
			_ = ln.Close()
		}
	}

	t.Fatal("could not reserve a contiguous port block")
	return nil
}

func listenerPort(ln net.Listener) int {
	return ln.Addr().(*net.TCPAddr).Port
}

// bridgeConfig covers exactly the reserved block. The first port is the
// machine's preferred relay port.
func bridgeConfig(t *testing.T, block []net.Listener) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.Port = listenerPort(block[0])
	cfg.ScanRange = config.PortRange{
		Start: listenerPort(block[0]),
		End:   listenerPort(block[len(block)-1]),
	}
	cfg.ScanInterval = 100 * time.Millisecond
	cfg.ProbeTimeout = 500 * time.Millisecond
	cfg.RequestTimeout = 2 * time.Second
	cfg.ReconnectDelay = 20 * time.Millisecond

	return cfg
}

func newTestBridge(t *testing.T, cfg *config.Config) *Bridge {
	t.Helper()

	store, err := auth.NewFileStore(filepath.Join(t.TempDir(), "credentials.yaml"))
	require.NoError(t, err)

	b := New(cfg, store, nil, "browsermcp", "0.0.1-test")
	t.Cleanup(func() { _ = b.Close() })

	return b
}

// fakeEndpoint is a minimal scanned bridge endpoint: discovery document,
// socket upgrade, handshake reply, and a fixed command responder.
type fakeEndpoint struct {
	t    *testing.T
	port int
	srv  *http.Server

	mu sync.Mutex
	ws *websocket.Conn
}

func startFakeEndpoint(t *testing.T, ln net.Listener, sessionID string) *fakeEndpoint {
	t.Helper()

	e := &fakeEndpoint{t: t, port: listenerPort(ln)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			ws, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			e.mu.Lock()
			e.ws = ws
			e.mu.Unlock()
			go e.readLoop(ws, sessionID)
			return
		}

		doc := protocol.Discovery{
			Type:      protocol.ServerKind,
			SessionID: sessionID,
			Port:      e.port,
			Status:    protocol.StatusWaiting,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	})
	e.srv = &http.Server{Handler: mux}
	go func() { _ = e.srv.Serve(ln) }()
	t.Cleanup(func() { _ = e.srv.Close() })

	return e
}

func (e *fakeEndpoint) readLoop(ws *websocket.Conn, sessionID string) {
	for {
		var msg protocol.Message
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}

		switch {
		case msg.Kind() == protocol.KindHandshake:
			info := protocol.SessionInfo{SessionID: sessionID, Port: e.port}
			reply, _ := protocol.NewNotification(protocol.MethodSessionInfo, info)
			e.write(ws, reply)
		case msg.ID != "" && msg.Method != "":
			raw, _ := json.Marshal(map[string]any{"answeredBy": e.port, "method": msg.Method})
			e.write(ws, &protocol.Message{JSONRPC: protocol.Version, ID: msg.ID, Result: raw})
		}
	}
}

func (e *fakeEndpoint) write(ws *websocket.Conn, msg *protocol.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = ws.WriteJSON(msg)
}

// fakeExtension dials the machine's local relay and answers commands.
type fakeExtension struct {
	t       *testing.T
	ws      *websocket.Conn
	methods chan string

	writeMu sync.Mutex
}

func dialExtension(t *testing.T, port int, name string) *fakeExtension {
	t.Helper()

	ws, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://127.0.0.1:%d/", port), nil)
	require.NoError(t, err)

	e := &fakeExtension{t: t, ws: ws, methods: make(chan string, 8)}
	go e.readLoop()
	t.Cleanup(func() { _ = ws.Close() })

	e.send(protocol.NewHandshake(name, "1.0.0"))

	return e
}

func (e *fakeExtension) readLoop() {
	for {
		var msg protocol.Message
		if err := e.ws.ReadJSON(&msg); err != nil {
			return
		}
		if msg.ID == "" || msg.Method == "" {
			continue
		}

		select {
		case e.methods <- msg.Method:
		default:
		}
		raw, _ := json.Marshal(map[string]any{"handled": msg.Method})
		e.send(&protocol.Message{JSONRPC: protocol.Version, ID: msg.ID, Result: raw})
	}
}

func (e *fakeExtension) send(msg *protocol.Message) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	require.NoError(e.t, e.ws.WriteJSON(msg))
}

func TestBridge_EnableExcludesOwnRelayFromScan(t *testing.T) {
	block := reserveBlock(t, 2)
	cfg := bridgeConfig(t, block)

	require.NoError(t, block[0].Close())
	ep := startFakeEndpoint(t, block[1], "other-endpoint")

	b := newTestBridge(t, cfg)

	// Enable before starting the scanner so the exclusion is in place for
	// the very first sweep.
	snap, err := b.Enable(context.Background())
	require.NoError(t, err)
	require.Equal(t, state.StateActive, snap.State)
	require.Equal(t, cfg.Port, snap.Port)

	require.NoError(t, b.Start(context.Background()))

	require.Eventually(t, func() bool {
		infos := b.Sessions()
		return len(infos) == 1 && infos[0].Port == ep.port
	}, 5*time.Second, 20*time.Millisecond)

	// Several more sweeps never adopt the machine's own listener.
	time.Sleep(3 * cfg.ScanInterval)
	for _, info := range b.Sessions() {
		require.NotEqual(t, cfg.Port, info.Port)
	}
}

func TestBridge_RouteCommandPrefersScannedSession(t *testing.T) {
	block := reserveBlock(t, 1)
	cfg := bridgeConfig(t, block)

	ep := startFakeEndpoint(t, block[0], "scanned")
	b := newTestBridge(t, cfg)
	b.mgr.Scan(context.Background())
	require.Len(t, b.Sessions(), 1)

	res, err := b.RouteCommand(context.Background(), "tabs_list", nil)
	require.NoError(t, err)
	require.Contains(t, string(res), fmt.Sprintf(`"answeredBy":%d`, ep.port))
	// The session handler translated the command to its wire method.
	require.Contains(t, string(res), `"method":"listTabs"`)
}

func TestBridge_RouteCommandFallsBackToMachine(t *testing.T) {
	block := reserveBlock(t, 1)
	cfg := bridgeConfig(t, block)
	require.NoError(t, block[0].Close())

	b := newTestBridge(t, cfg)
	snap, err := b.Enable(context.Background())
	require.NoError(t, err)
	require.Equal(t, state.StateActive, snap.State)

	ext := dialExtension(t, cfg.Port, "Chrome")
	require.Eventually(t, func() bool {
		return b.Status().ConnectedBrowserName == "Chrome"
	}, 3*time.Second, 10*time.Millisecond)

	// No scanned sessions exist, so the command rides the machine's own
	// connection, translated to the wire method.
	res, err := b.RouteCommand(context.Background(), "tabs_list", nil)
	require.NoError(t, err)
	require.Contains(t, string(res), `"handled":"listTabs"`)

	select {
	case method := <-ext.methods:
		require.Equal(t, "listTabs", method)
	case <-time.After(3 * time.Second):
		t.Fatal("extension never saw the command")
	}
}

func TestBridge_RouteCommandPortMissDoesNotFallBack(t *testing.T) {
	block := reserveBlock(t, 1)
	cfg := bridgeConfig(t, block)
	require.NoError(t, block[0].Close())

	b := newTestBridge(t, cfg)
	_, err := b.Enable(context.Background())
	require.NoError(t, err)

	// Naming a dead port is an addressing error, not a missing-target case.
	_, err = b.RouteCommand(context.Background(), "tabs_list", json.RawMessage(`{"port":1}`))
	var notFound *interrors.SessionNotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, 1, notFound.Port)
}

func TestBridge_RouteCommandWithoutAnyTarget(t *testing.T) {
	block := reserveBlock(t, 1)
	cfg := bridgeConfig(t, block)
	require.NoError(t, block[0].Close())

	b := newTestBridge(t, cfg)

	// Passive machine, empty registry.
	_, err := b.RouteCommand(context.Background(), "tabs_list", nil)
	require.ErrorIs(t, err, interrors.ErrNoBrowserConnected)

	// Unknown commands fail the same way whether or not a fallback exists.
	_, err = b.RouteCommand(context.Background(), "bogus", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no handler registered")
}

func TestBridge_RegisterHandlerExtendsRouter(t *testing.T) {
	block := reserveBlock(t, 1)
	cfg := bridgeConfig(t, block)

	startFakeEndpoint(t, block[0], "scanned")
	b := newTestBridge(t, cfg)
	b.mgr.Scan(context.Background())
	require.Len(t, b.Sessions(), 1)

	b.RegisterHandler("custom_probe", func(ctx context.Context, sess *session.Session, params json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(fmt.Sprintf(`{"port":%d}`, sess.Port())), nil
	})

	res, err := b.RouteCommand(context.Background(), "custom_probe", nil)
	require.NoError(t, err)
	require.Contains(t, string(res), fmt.Sprintf(`"port":%d`, listenerPort(block[0])))
}

func TestBridge_CloseIsTerminal(t *testing.T) {
	block := reserveBlock(t, 1)
	cfg := bridgeConfig(t, block)
	require.NoError(t, block[0].Close())

	b := newTestBridge(t, cfg)
	require.NoError(t, b.Start(context.Background()))
	_, err := b.Enable(context.Background())
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err = b.Enable(context.Background())
	require.ErrorIs(t, err, interrors.ErrServerStopped)
	_, err = b.RouteCommand(context.Background(), "tabs_list", nil)
	require.ErrorIs(t, err, interrors.ErrServerStopped)

	// The relay port is free again.
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.Port))
	require.NoError(t, err)
	require.NoError(t, ln.Close())
}

func TestBridge_ClientIDIsStable(t *testing.T) {
	block := reserveBlock(t, 1)
	cfg := bridgeConfig(t, block)
	require.NoError(t, block[0].Close())

	b := newTestBridge(t, cfg)
	require.NotEmpty(t, b.ClientID())
	require.Equal(t, b.ClientID(), b.ClientID())

	snap, err := b.Enable(context.Background())
	require.NoError(t, err)
	require.Equal(t, b.ClientID(), snap.ClientID)
}
