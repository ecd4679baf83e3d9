package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/dmorrill/multi-browser-mcp-sub000/internal/config"
	interrors "github.com/dmorrill/multi-browser-mcp-sub000/internal/errors"
	"github.com/dmorrill/multi-browser-mcp-sub000/internal/protocol"
)

// Server is the local bridge endpoint. It owns one loopback HTTP listener
// that serves the identification document to plain GETs and upgrades
// WebSocket requests into the current counterpart connection.
type Server struct {
	log      *slog.Logger
	cfg      *config.Config
	upgrader websocket.Upgrader

	mu        sync.Mutex
	started   bool
	stopped   bool
	sessionID string
	port      int
	listener  net.Listener
	httpSrv   *http.Server
	group     *errgroup.Group
	doneCh    chan struct{}
	serveErr  error

	conn      *Conn
	ready     bool
	handshake HandshakeInfo
	clientID  string

	connectFns    []func(HandshakeInfo)
	disconnectFns []func(error)
	reconnectFns  []func()
	notifyFns     []NotificationHandler
	tabFns        []func(*protocol.Tab)
}

// NewServer builds a relay server from cfg. Call Start to bind a port.
func NewServer(cfg *config.Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Server{
		log: log.With("component", "relay"),
		cfg: cfg,
		upgrader: websocket.Upgrader{
			// The listener is loopback-only; extension pages connect
			// with chrome-extension:// origins that never match Host.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		doneCh: make(chan struct{}),
	}
}

// Start binds the preferred port, probing upward through the scan range when
// AutoPort is set, and begins serving. It returns once the listener is live.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return interrors.ErrServerStopped
	}
	if s.started {
		return fmt.Errorf("relay server already started on port %d", s.port)
	}

	var lc net.ListenConfig
	port := s.cfg.Port
	for {
		ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err == nil {
			s.listener = ln
			s.port = port
			break
		}
		if !s.cfg.AutoPort {
			return &interrors.PortInUseError{Port: port, Err: err}
		}
		if port >= s.cfg.ScanRange.End {
			return &interrors.PortExhaustedError{Start: s.cfg.Port, End: s.cfg.ScanRange.End}
		}
		port++
	}

	s.started = true
	s.sessionID = uuid.NewString()

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	s.httpSrv = &http.Server{Handler: mux}

	s.group = &errgroup.Group{}
	srv, ln, done := s.httpSrv, s.listener, s.doneCh
	s.group.Go(func() error {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.mu.Lock()
		s.serveErr = err
		s.mu.Unlock()
		close(done)

		return err
	})

	s.log.Info("relay server listening", "port", s.port, "session_id", s.sessionID)

	return nil
}

// Stop closes the counterpart socket, fails its pending requests, and frees
// the listen port. Safe to call more than once.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped || !s.started {
		s.stopped = true
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	conn := s.conn
	s.conn = nil
	s.ready = false
	srv, group := s.httpSrv, s.group
	s.mu.Unlock()

	if conn != nil {
		conn.Close(interrors.ErrServerStopped)
	}
	err := srv.Close()
	if werr := group.Wait(); err == nil {
		err = werr
	}

	s.log.Info("relay server stopped", "port", s.Port())

	return err
}

// SessionID reports the identity minted for this server instance.
func (s *Server) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sessionID
}

// Port reports the bound port. Zero until Start succeeds.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.port
}

// URL reports the WebSocket address counterparts should dial.
func (s *Server) URL() string {
	return fmt.Sprintf("ws://127.0.0.1:%d", s.Port())
}

// Done is closed when the accept loop exits, whether from Stop or a listener
// failure. Err distinguishes the two.
func (s *Server) Done() <-chan struct{} {
	return s.doneCh
}

// Err reports the accept loop's terminal error. It is nil before the loop
// exits and after a clean Stop.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.serveErr
}

// Connected reports whether a counterpart has completed its handshake.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conn != nil && s.ready
}

// Status reports the discovery-document status string.
func (s *Server) Status() string {
	if s.Connected() {
		return protocol.StatusConnected
	}

	return protocol.StatusWaiting
}

// Handshake reports what the current counterpart announced. The second
// return is false while no counterpart has completed its handshake.
func (s *Server) Handshake() (HandshakeInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.handshake, s.ready
}

// SetClientID records the automation client identity to resume after the
// counterpart reconnects. An empty id disables resumption.
func (s *Server) SetClientID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clientID = id
}

// OnConnect registers an observer fired each time a counterpart completes
// its handshake.
func (s *Server) OnConnect(fn func(HandshakeInfo)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connectFns = append(s.connectFns, fn)
}

// OnDisconnect registers an observer fired when the current counterpart
// drops. Replacement by a newer socket is not a disconnect.
func (s *Server) OnDisconnect(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.disconnectFns = append(s.disconnectFns, fn)
}

// OnReconnect registers an observer fired exactly once each time an inbound
// socket replaces an existing one.
func (s *Server) OnReconnect(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reconnectFns = append(s.reconnectFns, fn)
}

// OnNotification registers an observer for counterpart notifications.
// Observers survive connection replacement.
func (s *Server) OnNotification(fn NotificationHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.notifyFns = append(s.notifyFns, fn)
}

// OnTabInfo registers an observer for tab payloads from the counterpart.
func (s *Server) OnTabInfo(fn func(*protocol.Tab)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tabFns = append(s.tabFns, fn)
}

// SendCommand forwards a command to the counterpart and waits for its
// response. It fails immediately with ErrNotConnected when no counterpart
// has completed a handshake. A non-positive timeout selects the configured
// default.
func (s *Server) SendCommand(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	s.mu.Lock()
	conn, ready, stopped := s.conn, s.ready, s.stopped
	s.mu.Unlock()

	if stopped {
		return nil, interrors.ErrServerStopped
	}
	if conn == nil || !ready {
		return nil, interrors.ErrNotConnected
	}

	return conn.Call(ctx, method, params, timeout)
}

// SendNotification forwards a one-way frame to the counterpart.
func (s *Server) SendNotification(method string, params any) error {
	s.mu.Lock()
	conn, stopped := s.conn, s.stopped
	s.mu.Unlock()

	if stopped {
		return interrors.ErrServerStopped
	}
	if conn == nil {
		return interrors.ErrNotConnected
	}

	return conn.Notify(method, params)
}

// handleRoot serves both faces of the endpoint: WebSocket upgrades become
// counterpart connections, anything else gets the identification document.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.handleUpgrade(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	doc := protocol.Discovery{
		Type:      protocol.ServerKind,
		SessionID: s.SessionID(),
		Port:      s.Port(),
		Status:    s.Status(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

// handleUpgrade accepts a counterpart socket. The newest connection always
// wins: any previous socket is closed with a replaced reason and its pending
// requests fail, while server-level observers stay registered.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := NewConn(ws, ConnConfig{
		Log:             s.log,
		PingInterval:    s.cfg.KeepaliveInterval,
		ReadIdleTimeout: 3 * s.cfg.KeepaliveInterval,
		RequestTimeout:  s.cfg.RequestTimeout,
	})
	conn.OnHandshake(func(hs HandshakeInfo) { s.completeHandshake(conn, hs) })
	conn.OnNotification(s.fanNotification)
	conn.OnTabInfo(s.fanTab)
	conn.OnClose(func(cause error) { s.dropConn(conn, cause) })

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		// Stop already ran; a socket adopted now would never be closed.
		conn.Close(interrors.ErrServerStopped)
		return
	}
	old := s.conn
	s.conn = conn
	s.ready = false
	reconnectFns := slices.Clone(s.reconnectFns)
	s.mu.Unlock()

	if old != nil {
		s.log.Info("browser connection replaced", "remote", r.RemoteAddr)
		old.Close(ErrReplaced)
		for _, fn := range reconnectFns {
			fn()
		}
	} else {
		s.log.Info("browser connection accepted", "remote", r.RemoteAddr)
	}

	conn.Start()
}

func (s *Server) completeHandshake(conn *Conn, hs HandshakeInfo) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.ready = true
	s.handshake = hs
	clientID := s.clientID
	fns := slices.Clone(s.connectFns)
	sessionID, port := s.sessionID, s.port
	s.mu.Unlock()

	s.log.Info("browser connected", "name", hs.Name, "version", hs.Version)

	info := protocol.SessionInfo{SessionID: sessionID, Port: port}
	if err := conn.Notify(protocol.MethodSessionInfo, info); err != nil {
		s.log.Warn("failed to send session info", "error", err)
	}
	if clientID != "" {
		params := map[string]string{"clientId": clientID}
		if err := conn.Notify(protocol.MethodResumeSession, params); err != nil {
			s.log.Warn("failed to resume session", "client_id", clientID, "error", err)
		}
	}

	for _, fn := range fns {
		fn(hs)
	}
}

func (s *Server) dropConn(conn *Conn, cause error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.ready = false
	fns := slices.Clone(s.disconnectFns)
	s.mu.Unlock()

	s.log.Info("browser disconnected", "reason", cause)

	for _, fn := range fns {
		fn(cause)
	}
}

func (s *Server) fanNotification(method string, params json.RawMessage) {
	s.mu.Lock()
	fns := slices.Clone(s.notifyFns)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(method, params)
	}
}

func (s *Server) fanTab(tab *protocol.Tab) {
	s.mu.Lock()
	fns := slices.Clone(s.tabFns)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(tab)
	}
}
