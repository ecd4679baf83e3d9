package browsermcp

import (
	"errors"

	interrors "github.com/dmorrill/multi-browser-mcp-sub000/internal/errors"
)

// Re-export error types from internal package

// BridgeError is the marker interface all typed errors implement.
type BridgeError = interrors.BridgeError

// PortInUseError indicates the preferred relay port is taken and automatic
// probing is disabled.
type PortInUseError = interrors.PortInUseError

// PortExhaustedError indicates automatic probing ran out of ports.
type PortExhaustedError = interrors.PortExhaustedError

// ConnectError indicates a dial or upgrade failure.
type ConnectError = interrors.ConnectError

// StateConflictError indicates an operation was issued from the wrong
// connection state.
type StateConflictError = interrors.StateConflictError

// SessionNotFoundError indicates a command named a port with no session.
type SessionNotFoundError = interrors.SessionNotFoundError

// AuthError indicates stored credentials were expired or rejected.
type AuthError = interrors.AuthError

// BrowserChoiceError indicates a command arrived while several remote
// browsers await selection. It lists the candidates.
type BrowserChoiceError = interrors.BrowserChoiceError

// AuthKind discriminates credential failures.
type AuthKind = interrors.AuthKind

const (
	// AuthExpired means the stored token lifetime has passed.
	AuthExpired = interrors.AuthExpired

	// AuthInvalid means the relay rejected the stored token.
	AuthInvalid = interrors.AuthInvalid
)

// Re-export sentinel errors from internal package.
var (
	// ErrNotConnected indicates a call was issued with no live transport.
	ErrNotConnected = interrors.ErrNotConnected

	// ErrRequestTimeout indicates a request received no reply within its
	// timeout.
	ErrRequestTimeout = interrors.ErrRequestTimeout

	// ErrServerStopped indicates the relay server has stopped.
	ErrServerStopped = interrors.ErrServerStopped

	// ErrAlreadyEnabled indicates Enable was called while a connection is
	// live or another Enable is still in progress.
	ErrAlreadyEnabled = interrors.ErrAlreadyEnabled

	// ErrNoBrowserConnected indicates no browser extension is reachable.
	ErrNoBrowserConnected = interrors.ErrNoBrowserConnected

	// ErrBrowserNotSelected indicates a command was issued before a remote
	// browser was chosen with BrowserConnect.
	ErrBrowserNotSelected = interrors.ErrBrowserNotSelected

	// ErrBrowserNotFound indicates BrowserConnect named an unknown
	// candidate.
	ErrBrowserNotFound = interrors.ErrBrowserNotFound

	// ErrReconnectExhausted indicates the reconnect loop hit its failure
	// cap and is idle until the connection is re-enabled.
	ErrReconnectExhausted = interrors.ErrReconnectExhausted
)

// Client lifecycle errors.
var (
	// ErrClientNotStarted indicates a method was called before Start.
	ErrClientNotStarted = errors.New("client not started: call Start first")

	// ErrClientAlreadyStarted indicates Start was called twice.
	ErrClientAlreadyStarted = errors.New("client already started")

	// ErrClientClosed indicates the client has been closed and cannot be
	// reused.
	ErrClientClosed = errors.New("client closed")
)
