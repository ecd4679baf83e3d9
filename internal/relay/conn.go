package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	interrors "github.com/dmorrill/multi-browser-mcp-sub000/internal/errors"
	"github.com/dmorrill/multi-browser-mcp-sub000/internal/protocol"
)

const (
	// writeWait bounds every socket write, data and control alike.
	writeWait = 10 * time.Second

	// closeTextMax keeps close-frame reasons inside the 125-byte control
	// frame payload limit.
	closeTextMax = 120

	defaultRequestTimeout = 30 * time.Second
)

// ErrReplaced is the close cause handed to a connection that lost a
// newest-wins race against a fresher socket from the same counterpart.
var ErrReplaced = errors.New("replaced by newer browser connection")

// NotificationHandler observes one-way events from the counterpart.
type NotificationHandler func(method string, params json.RawMessage)

// HandshakeInfo is what a counterpart announced about itself after the
// socket opened.
type HandshakeInfo struct {
	Name    string
	Version string
}

// ConnConfig tunes a single bridge connection.
type ConnConfig struct {
	Log *slog.Logger

	// PingInterval is the keepalive cadence. Zero disables outbound pings
	// (the dial side relies on the server pinging).
	PingInterval time.Duration

	// ReadIdleTimeout tears the connection down when no data, ping, or
	// pong arrives for this long. Zero disables the deadline.
	ReadIdleTimeout time.Duration

	// RequestTimeout is the default bound on Call when the caller passes
	// no explicit timeout.
	RequestTimeout time.Duration
}

// Conn is one live bridge socket: a WebSocket plus the pending-request table
// that correlates commands with responses, the dispatch loop that fans
// inbound frames out to observers, and the keepalive ticker.
//
// Both halves of the bridge use it: the relay server wraps sockets it
// accepts, the session manager wraps sockets it dials.
type Conn struct {
	log     *slog.Logger
	ws      *websocket.Conn
	pending *protocol.Table

	pingInterval   time.Duration
	readIdle       time.Duration
	requestTimeout time.Duration

	// writeMu serializes data writes; gorilla allows one concurrent
	// writer per socket.
	writeMu sync.Mutex

	mu           sync.Mutex
	closed       bool
	notifyFns    []NotificationHandler
	tabFns       []func(*protocol.Tab)
	handshakeFns []func(HandshakeInfo)
	closeFns     []func(error)

	done chan struct{}
}

// NewConn wraps an established WebSocket. Call Start to begin reading;
// observers registered before Start are guaranteed to see every frame.
func NewConn(ws *websocket.Conn, cfg ConnConfig) *Conn {
	log := cfg.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	log = log.With("component", "conn")

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	return &Conn{
		log:            log,
		ws:             ws,
		pending:        protocol.NewTable(log),
		pingInterval:   cfg.PingInterval,
		readIdle:       cfg.ReadIdleTimeout,
		requestTimeout: timeout,
		done:           make(chan struct{}),
	}
}

// OnNotification registers an observer for inbound notifications. Observers
// run sequentially on the reader goroutine, in arrival order.
func (c *Conn) OnNotification(fn NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.notifyFns = append(c.notifyFns, fn)
}

// OnTabInfo registers an observer for tab payloads, whether they arrive as
// tab_info notifications or embedded in command results.
func (c *Conn) OnTabInfo(fn func(*protocol.Tab)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tabFns = append(c.tabFns, fn)
}

// OnHandshake registers an observer for the counterpart's handshake frame.
func (c *Conn) OnHandshake(fn func(HandshakeInfo)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handshakeFns = append(c.handshakeFns, fn)
}

// OnClose registers an observer for connection teardown. Each observer is
// called exactly once with the close cause.
func (c *Conn) OnClose(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeFns = append(c.closeFns, fn)
}

// Start launches the read loop and, when configured, the keepalive ticker.
func (c *Conn) Start() {
	if c.readIdle > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.readIdle))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(c.readIdle))
		})
		c.ws.SetPingHandler(func(appData string) error {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.readIdle))

			return c.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		})
	}

	go c.readLoop()
	if c.pingInterval > 0 {
		go c.pingLoop()
	}
}

// Done is closed when the connection is torn down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// RemoteAddr reports the counterpart's network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

// Pending reports how many commands are awaiting responses.
func (c *Conn) Pending() int {
	return c.pending.Len()
}

// SendHandshake announces this endpoint to the counterpart. The dial side
// sends it immediately after the socket opens.
func (c *Conn) SendHandshake(name, version string) error {
	return c.write(protocol.NewHandshake(name, version))
}

// Notify sends a one-way frame. No response is expected and no pending entry
// is created.
func (c *Conn) Notify(method string, params any) error {
	msg, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}

	return c.write(msg)
}

// Call sends a command and waits for its response, the timeout, or ctx
// cancellation, whichever comes first. A timeout fails only this call: the
// connection stays up and later responses to the same id are dropped.
// Passing a non-positive timeout selects the connection default.
func (c *Conn) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.requestTimeout
	}

	id, outcome := c.pending.Register(method, timeout)
	msg, err := protocol.NewRequest(id, method, params)
	if err != nil {
		c.pending.Reject(id, err)
		return nil, err
	}
	if err := c.write(msg); err != nil {
		c.pending.Reject(id, err)
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	select {
	case out := <-outcome:
		if out.Err != nil {
			return nil, out.Err
		}
		return out.Result, nil
	case <-ctx.Done():
		c.pending.Reject(id, ctx.Err())
		return nil, ctx.Err()
	}
}

// Close tears the connection down, sending a best-effort close frame whose
// text carries the cause. Safe to call more than once.
func (c *Conn) Close(cause error) {
	if cause == nil {
		cause = errors.New("connection closed")
	}

	text := cause.Error()
	if len(text) > closeTextMax {
		text = text[:closeTextMax]
	}
	frame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, text)
	_ = c.ws.WriteControl(websocket.CloseMessage, frame, time.Now().Add(writeWait))

	c.teardown(cause)
}

func (c *Conn) write(msg *protocol.Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return interrors.ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))

	return c.ws.WriteJSON(msg)
}

func (c *Conn) readLoop() {
	for {
		if c.readIdle > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.readIdle))
		}
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.teardown(fmt.Errorf("%w: %v", interrors.ErrNotConnected, err))
			return
		}
		c.dispatch(data)
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			if err != nil {
				c.teardown(fmt.Errorf("keepalive ping failed: %w", err))
				return
			}
		}
	}
}

// dispatch classifies one inbound frame and routes it: responses settle the
// pending table, handshakes and notifications fan out to observers, and
// anything else is logged and dropped.
func (c *Conn) dispatch(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		c.log.Debug("dropping undecodable frame", "error", err)
		return
	}

	switch msg.Kind() {
	case protocol.KindResponse:
		if tab := protocol.ExtractTab(msg.Result); tab != nil {
			c.fireTab(tab)
		}
		if !c.pending.Settle(msg) {
			c.log.Debug("dropping response with no pending request", "id", string(msg.ID))
		}
	case protocol.KindHandshake:
		c.log.Debug("handshake received", "name", msg.Name, "version", msg.Version)
		for _, fn := range c.snapshotHandshakeFns() {
			fn(HandshakeInfo{Name: msg.Name, Version: msg.Version})
		}
	case protocol.KindNotification:
		if msg.Method == protocol.MethodTabInfo {
			var tab protocol.Tab
			if err := json.Unmarshal(msg.Params, &tab); err == nil {
				c.fireTab(&tab)
			}
		}
		for _, fn := range c.snapshotNotifyFns() {
			fn(msg.Method, msg.Params)
		}
	default:
		c.log.Debug("dropping frame of unknown shape")
	}
}

func (c *Conn) teardown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	closeFns := slices.Clone(c.closeFns)
	c.mu.Unlock()

	close(c.done)
	_ = c.ws.Close()
	c.pending.FailAll(cause)

	for _, fn := range closeFns {
		fn(cause)
	}
}

func (c *Conn) fireTab(tab *protocol.Tab) {
	c.mu.Lock()
	fns := slices.Clone(c.tabFns)
	c.mu.Unlock()

	for _, fn := range fns {
		fn(tab)
	}
}

func (c *Conn) snapshotNotifyFns() []NotificationHandler {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Clone(c.notifyFns)
}

func (c *Conn) snapshotHandshakeFns() []func(HandshakeInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Clone(c.handshakeFns)
}
