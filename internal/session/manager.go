package session

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
	"golang.org/x/sync/errgroup"

	"github.com/dmorrill/multi-browser-mcp-sub000/internal/config"
	interrors "github.com/dmorrill/multi-browser-mcp-sub000/internal/errors"
	"github.com/dmorrill/multi-browser-mcp-sub000/internal/protocol"
	"github.com/dmorrill/multi-browser-mcp-sub000/internal/relay"
)

// scanConcurrency caps how many ports are probed at once during a sweep.
const scanConcurrency = 32

var (
	errEndpointLost    = errors.New("endpoint stopped answering discovery probes")
	errIdentityChanged = errors.New("endpoint session identity changed")
)

// HandlerFunc handles one named command against the session it was routed
// to. The session is injected per invocation, so a handler registered once
// serves every current and future session.
type HandlerFunc func(ctx context.Context, sess *Session, params json.RawMessage) (json.RawMessage, error)

// Manager owns the session registry. It discovers endpoints by sweeping the
// configured port range, keeps one dedicated connection per live endpoint,
// tracks a single active session, and routes named commands.
type Manager struct {
	log     *slog.Logger
	cfg     *config.Config
	probe   *http.Client
	name    string
	version string

	mu         sync.Mutex
	stopped    bool
	running    bool
	sessions   map[int]*Session
	active     int
	excluded   map[int]bool
	excludeFns []func() int
	handlers   map[string]HandlerFunc
	addedFns   []func(Info)
	removedFns []func(Info)

	stopCh   chan struct{}
	loopDone chan struct{}
}

// NewManager builds a manager that announces itself to endpoints with the
// given name and version during the connection handshake.
func NewManager(cfg *config.Config, log *slog.Logger, name, version string) *Manager {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Manager{
		log:      log.With("component", "sessions"),
		cfg:      cfg,
		probe:    &http.Client{},
		name:     name,
		version:  version,
		sessions: make(map[int]*Session),
		excluded: make(map[int]bool),
		handlers: make(map[string]HandlerFunc),
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// Start launches the periodic scan loop. The first sweep runs immediately.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return interrors.ErrServerStopped
	}
	if m.running {
		return fmt.Errorf("session manager already running")
	}
	m.running = true

	go m.scanLoop(ctx)

	return nil
}

// Stop halts the scan loop and closes every session connection. Safe to call
// more than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	running := m.running
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[int]*Session)
	m.active = 0
	m.mu.Unlock()

	close(m.stopCh)
	if running {
		<-m.loopDone
	}
	for _, sess := range sessions {
		sess.close(interrors.ErrServerStopped)
	}

	m.log.Info("session manager stopped")
}

// ExcludePort removes a port from scanning permanently.
func (m *Manager) ExcludePort(port int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.excluded[port] = true
}

// ExcludePortFunc registers a provider asked for a port to skip every time
// one is considered. Providers fence moving targets, typically the process's
// own relay listener, which can rebind elsewhere mid-flight; a zero return
// excludes nothing.
func (m *Manager) ExcludePortFunc(fn func() int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.excludeFns = append(m.excludeFns, fn)
}

// RegisterHandler binds a command name to a handler. Registering the same
// name again replaces the previous handler; only the latest is ever invoked.
func (m *Manager) RegisterHandler(command string, fn HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.handlers[command] = fn
}

// OnSessionAdded registers an observer fired after a discovered endpoint's
// session connects.
func (m *Manager) OnSessionAdded(fn func(Info)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.addedFns = append(m.addedFns, fn)
}

// OnSessionRemoved registers an observer fired after a session is removed
// from the registry. The snapshot carries the disconnected tab indicator.
func (m *Manager) OnSessionRemoved(fn func(Info)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removedFns = append(m.removedFns, fn)
}

// Sessions lists registry snapshots ordered by port.
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	active := m.active
	m.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, sess := range sessions {
		info := sess.Info()
		info.Active = info.Port == active
		infos = append(infos, info)
	}
	slices.SortFunc(infos, func(a, b Info) int { return a.Port - b.Port })

	return infos
}

// Get returns the session registered for port.
func (m *Manager) Get(port int) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[port]

	return sess, ok
}

// Active returns the active session, or nil when the registry is empty.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == 0 {
		return nil
	}

	return m.sessions[m.active]
}

// ActivePort reports the active session's port, zero when none.
func (m *Manager) ActivePort() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.active
}

// SetActive promotes the session registered for port.
func (m *Manager) SetActive(port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[port]; !ok {
		return &interrors.SessionNotFoundError{Port: port}
	}
	m.active = port

	return nil
}

// SetStealth flips the stealth flag on a session and forwards the change to
// its endpoint. Port 0 targets the active session.
func (m *Manager) SetStealth(port int, enabled bool) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return interrors.ErrServerStopped
	}
	var sess *Session
	switch {
	case port != 0:
		sess = m.sessions[port]
		if sess == nil {
			m.mu.Unlock()
			return &interrors.SessionNotFoundError{Port: port}
		}
	case m.active != 0:
		sess = m.sessions[m.active]
	}
	m.mu.Unlock()

	if sess == nil {
		return interrors.ErrNoBrowserConnected
	}
	sess.SetStealth(enabled)
	sess.Touch()

	return sess.Notify(protocol.MethodSetStealth, map[string]bool{"enabled": enabled})
}

// RouteCommand resolves the target session and invokes the handler
// registered for the command. An explicit "port" field in params overrides
// the active session and is stripped before the handler sees the payload.
func (m *Manager) RouteCommand(ctx context.Context, command string, params json.RawMessage) (json.RawMessage, error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, interrors.ErrServerStopped
	}
	handler, ok := m.handlers[command]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no handler registered for command %s", command)
	}

	port, stripped, err := extractPortOverride(params)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	var sess *Session
	switch {
	case port != 0:
		sess = m.sessions[port]
		if sess == nil {
			m.mu.Unlock()
			return nil, &interrors.SessionNotFoundError{Port: port}
		}
	case m.active != 0:
		sess = m.sessions[m.active]
	}
	m.mu.Unlock()

	if sess == nil {
		return nil, interrors.ErrNoBrowserConnected
	}
	sess.Touch()

	return handler(ctx, sess, stripped)
}

// Scan runs one sweep: probe the range, remove sessions whose ports stopped
// answering, and connect new ports concurrently. The periodic loop calls
// this on every tick.
func (m *Manager) Scan(ctx context.Context) {
	discovered := m.probeRange(ctx)

	type candidate struct {
		port int
		id   string
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	var fresh []candidate
	var dead []*Session
	for port, id := range discovered {
		existing, ok := m.sessions[port]
		if !ok || existing.ID() != id {
			fresh = append(fresh, candidate{port: port, id: id})
		}
	}
	for port, sess := range m.sessions {
		if _, ok := discovered[port]; !ok {
			dead = append(dead, sess)
		}
	}
	m.mu.Unlock()

	for _, sess := range dead {
		m.removeSession(sess, errEndpointLost)
	}

	if len(fresh) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range fresh {
		g.Go(func() error {
			if err := m.connect(gctx, c.port, c.id); err != nil {
				m.log.Debug("session connect failed", "port", c.port, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) scanLoop(ctx context.Context) {
	defer close(m.loopDone)

	m.Scan(ctx)

	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Scan(ctx)
		}
	}
}

// probeRange asks every port in the scan range for its identification
// document and returns the ports that answered with this system's kind.
func (m *Manager) probeRange(ctx context.Context) map[int]string {
	var mu sync.Mutex
	discovered := make(map[int]string)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanConcurrency)
	for port := m.cfg.ScanRange.Start; port <= m.cfg.ScanRange.End; port++ {
		if m.isExcluded(port) {
			continue
		}
		g.Go(func() error {
			if id, ok := m.probePort(gctx, port); ok {
				mu.Lock()
				discovered[port] = id
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return discovered
}

func (m *Manager) probePort(ctx context.Context, port int) (string, bool) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/", port)
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return "", false
	}
	resp, err := m.probe.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false
	}

	var doc protocol.Discovery
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&doc); err != nil {
		return "", false
	}
	if doc.Type != protocol.ServerKind || doc.SessionID == "" {
		return "", false
	}

	return doc.SessionID, true
}

// isExcluded reports whether a port is currently fenced off, either by a
// static exclusion or by one of the registered providers. Providers run
// outside the lock; they take their own.
func (m *Manager) isExcluded(port int) bool {
	m.mu.Lock()
	static := m.excluded[port]
	fns := slices.Clone(m.excludeFns)
	m.mu.Unlock()
	if static {
		return true
	}
	for _, fn := range fns {
		if fn() == port {
			return true
		}
	}

	return false
}

// connect dials one discovered endpoint and registers its session.
// Duplicate connects for the same port and identity are no-ops, so
// overlapping sweeps converge instead of stacking sessions.
func (m *Manager) connect(ctx context.Context, port int, id string) error {
	// Fencing can move between probe and connect when a provider's listener
	// rebinds mid-sweep; what was probed may be ours by now.
	if m.isExcluded(port) {
		return nil
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return interrors.ErrServerStopped
	}
	existing := m.sessions[port]
	if existing != nil && existing.ID() == id {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	// Same port, different identity: the old session is torn down whole;
	// its tab cache is never merged into the new one.
	if existing != nil {
		m.removeSession(existing, errIdentityChanged)
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return interrors.ErrServerStopped
	}
	if _, taken := m.sessions[port]; taken {
		m.mu.Unlock()
		return nil
	}
	sess := newSession(id, port)
	m.sessions[port] = sess
	if m.active == 0 {
		m.active = port
	}
	m.mu.Unlock()

	url := fmt.Sprintf("ws://127.0.0.1:%d", port)
	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.ProbeTimeout}
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		m.dropPlaceholder(sess)
		return &interrors.ConnectError{URL: url, Err: err}
	}

	conn := relay.NewConn(ws, relay.ConnConfig{
		Log:             m.log,
		ReadIdleTimeout: 3 * m.cfg.KeepaliveInterval,
		RequestTimeout:  m.cfg.RequestTimeout,
	})
	conn.OnTabInfo(func(tab *protocol.Tab) { sess.setTab(tab) })
	conn.OnNotification(func(string, json.RawMessage) { sess.Touch() })
	conn.OnClose(func(cause error) { m.handleConnClosed(sess, cause) })

	m.mu.Lock()
	if m.stopped || m.sessions[port] != sess {
		m.mu.Unlock()
		_ = ws.Close()
		return interrors.ErrServerStopped
	}
	sess.attach(conn)
	active := m.active
	addedFns := slices.Clone(m.addedFns)
	m.mu.Unlock()

	m.log.Info("session connected", "port", port, "session_id", id)

	info := sess.Info()
	info.Active = info.Port == active
	for _, fn := range addedFns {
		fn(info)
	}

	conn.Start()
	if err := conn.SendHandshake(m.name, m.version); err != nil {
		conn.Close(err)
		return fmt.Errorf("handshake to port %d failed: %w", port, err)
	}

	return nil
}

func (m *Manager) handleConnClosed(sess *Session, cause error) {
	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		return
	}

	m.removeSession(sess, cause)
}

// removeSession drops a session from the registry, marks its tab with the
// disconnected indicator, closes its connection, and promotes an arbitrary
// remaining session when the active one went away.
func (m *Manager) removeSession(sess *Session, cause error) {
	m.mu.Lock()
	if m.sessions[sess.Port()] != sess {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, sess.Port())
	if m.active == sess.Port() {
		m.active = 0
		for port := range m.sessions {
			m.active = port
			break
		}
	}
	removedFns := slices.Clone(m.removedFns)
	m.mu.Unlock()

	sess.markDisconnected()
	sess.close(cause)

	m.log.Info("session removed", "port", sess.Port(), "session_id", sess.ID(), "reason", cause)

	info := sess.Info()
	for _, fn := range removedFns {
		fn(info)
	}
}

// dropPlaceholder removes a session whose dial never completed.
func (m *Manager) dropPlaceholder(sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessions[sess.Port()] != sess {
		return
	}
	delete(m.sessions, sess.Port())
	if m.active == sess.Port() {
		m.active = 0
		for port := range m.sessions {
			m.active = port
			break
		}
	}
}

// extractPortOverride pulls an explicit "port" field out of a command
// payload. Non-object payloads pass through untouched.
func extractPortOverride(params json.RawMessage) (int, json.RawMessage, error) {
	if len(params) == 0 {
		return 0, params, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(params, &fields); err != nil {
		return 0, params, nil
	}
	raw, ok := fields["port"]
	if !ok {
		return 0, params, nil
	}

	var port int
	if err := json.Unmarshal(raw, &port); err != nil {
		return 0, nil, fmt.Errorf("invalid port override: %w", err)
	}
	delete(fields, "port")
	stripped, err := json.Marshal(fields)
	if err != nil {
		return 0, nil, err
	}

	return port, stripped, nil
}
