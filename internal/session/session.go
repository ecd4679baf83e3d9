package session

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	interrors "github.com/dmorrill/multi-browser-mcp-sub000/internal/errors"
	"github.com/dmorrill/multi-browser-mcp-sub000/internal/protocol"
	"github.com/dmorrill/multi-browser-mcp-sub000/internal/relay"
)

// Status is a session's lifecycle phase.
type Status string

const (
	// StatusConnecting means the port was discovered but the socket is
	// not up yet.
	StatusConnecting Status = "connecting"
	// StatusConnected means the dedicated connection is live.
	StatusConnected Status = "connected"
	// StatusDisconnected means the endpoint vanished; the session is
	// about to be removed from the registry.
	StatusDisconnected Status = "disconnected"
)

// DisconnectedTabPrefix marks the cached tab title of a session whose
// endpoint stopped answering, so observers can tell a stale tab from a live
// one.
const DisconnectedTabPrefix = "[disconnected] "

// Session is one logical pairing between a discovered bridge endpoint and
// this process. All tab bookkeeping for the endpoint lives here, so one
// session's traffic can never touch another session's cache.
type Session struct {
	id   string
	port int

	mu           sync.Mutex
	conn         *relay.Conn
	status       Status
	tab          *protocol.Tab
	stealth      bool
	lastActivity time.Time
}

func newSession(id string, port int) *Session {
	return &Session{
		id:           id,
		port:         port,
		status:       StatusConnecting,
		lastActivity: time.Now(),
	}
}

// ID reports the session identity announced by the endpoint.
func (s *Session) ID() string { return s.id }

// Port reports the endpoint's port.
func (s *Session) Port() int { return s.port }

// Status reports the current lifecycle phase.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.status
}

// Tab reports a copy of the cached current tab, or nil when none is known.
// The cache is advisory: it mirrors what the endpoint last reported and is
// never used to validate a command.
func (s *Session) Tab() *protocol.Tab {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tab == nil {
		return nil
	}
	tab := *s.tab

	return &tab
}

// Stealth reports whether stealth mode is on for this session.
func (s *Session) Stealth() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stealth
}

// SetStealth records the per-session stealth flag.
func (s *Session) SetStealth(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stealth = on
}

// LastActivity reports when the session last carried traffic.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastActivity
}

// Touch refreshes the activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActivity = time.Now()
}

// Call forwards a command on the session's connection.
func (s *Session) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	s.mu.Lock()
	conn := s.conn
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if conn == nil {
		return nil, interrors.ErrNotConnected
	}

	return conn.Call(ctx, method, params, timeout)
}

// Notify sends a one-way frame on the session's connection.
func (s *Session) Notify(method string, params any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return interrors.ErrNotConnected
	}

	return conn.Notify(method, params)
}

// Info is an immutable snapshot of a session for listings and observers.
type Info struct {
	ID           string        `json:"sessionId"`
	Port         int           `json:"port"`
	Status       Status        `json:"status"`
	Tab          *protocol.Tab `json:"tab,omitempty"`
	StealthMode  bool          `json:"stealthMode"`
	LastActivity time.Time     `json:"lastActivity"`
	Active       bool          `json:"active"`
}

// Info snapshots the session. The Active flag is filled in by the manager.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		ID:           s.id,
		Port:         s.port,
		Status:       s.status,
		StealthMode:  s.stealth,
		LastActivity: s.lastActivity,
	}
	if s.tab != nil {
		tab := *s.tab
		info.Tab = &tab
	}

	return info
}

func (s *Session) attach(conn *relay.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn = conn
	s.status = StatusConnected
}

func (s *Session) setTab(tab *protocol.Tab) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tab == nil {
		s.tab = nil
		return
	}
	copied := *tab
	s.tab = &copied
	s.lastActivity = time.Now()
}

// markDisconnected flips the session to its terminal status and prefixes the
// cached tab title with the disconnected indicator.
func (s *Session) markDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status = StatusDisconnected
	if s.tab != nil && !strings.HasPrefix(s.tab.Title, DisconnectedTabPrefix) {
		s.tab.Title = DisconnectedTabPrefix + s.tab.Title
	}
}

func (s *Session) close(cause error) {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		conn.Close(cause)
	}
}
