package errors

import (
	"errors"
	"fmt"
)

// BridgeError is the base interface for all bridge errors.
type BridgeError interface {
	error
	IsBridgeError() bool
}

// Compile-time verification that all error types implement BridgeError.
var (
	_ BridgeError = (*PortInUseError)(nil)
	_ BridgeError = (*PortExhaustedError)(nil)
	_ BridgeError = (*ConnectError)(nil)
	_ BridgeError = (*StateConflictError)(nil)
	_ BridgeError = (*SessionNotFoundError)(nil)
	_ BridgeError = (*AuthError)(nil)
	_ BridgeError = (*BrowserChoiceError)(nil)
)

// Sentinel errors for commonly checked conditions.
var (
	// ErrNotConnected indicates a call was issued with no live transport.
	ErrNotConnected = errors.New("not connected to browser extension")

	// ErrRequestTimeout indicates a request received no reply within its timeout.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrServerStopped indicates the relay server has stopped.
	ErrServerStopped = errors.New("relay server stopped")

	// ErrAlreadyEnabled indicates Enable was called while a connection is live
	// or another Enable is still in progress.
	ErrAlreadyEnabled = errors.New("connection already enabled")

	// ErrNoBrowserConnected indicates remote mode found zero browser
	// counterparts after its bounded retries.
	ErrNoBrowserConnected = errors.New("no browser extension connected to relay")

	// ErrBrowserNotSelected indicates an automation command was issued from
	// the waiting state before a browser was chosen with browser_connect.
	ErrBrowserNotSelected = errors.New("multiple browsers available: select one with browser_connect")

	// ErrBrowserNotFound indicates browser_connect named an unknown candidate.
	ErrBrowserNotFound = errors.New("browser not found")

	// ErrReconnectExhausted indicates the reconnect loop hit its consecutive
	// failure cap and is idle until the connection is re-enabled.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted: re-enable the connection")
)

// AuthKind discriminates credential failures.
type AuthKind string

const (
	// AuthExpired means stored credentials are past their expiry.
	AuthExpired AuthKind = "expired"
	// AuthInvalid means the remote relay rejected the credentials.
	AuthInvalid AuthKind = "invalid"
)

// PortInUseError indicates the requested port is already bound and automatic
// port selection was disabled.
type PortInUseError struct {
	Port int
	Err  error
}

func (e *PortInUseError) Error() string {
	return fmt.Sprintf("port %d already in use", e.Port)
}

func (e *PortInUseError) Unwrap() error {
	return e.Err
}

// IsBridgeError implements BridgeError.
func (e *PortInUseError) IsBridgeError() bool { return true }

// PortExhaustedError indicates every port in the configured range is bound.
type PortExhaustedError struct {
	Start int
	End   int
}

func (e *PortExhaustedError) Error() string {
	return fmt.Sprintf("no free port in range %d-%d", e.Start, e.End)
}

// IsBridgeError implements BridgeError.
func (e *PortExhaustedError) IsBridgeError() bool { return true }

// ConnectError indicates a dial or handshake against a relay endpoint failed.
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// IsBridgeError implements BridgeError.
func (e *ConnectError) IsBridgeError() bool { return true }

// StateConflictError indicates an operation invalid for the current
// lifecycle state. State carries the state the machine was in when the
// operation was rejected.
type StateConflictError struct {
	State string
	Op    string
	Err   error
}

func (e *StateConflictError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot %s in state %q: %v", e.Op, e.State, e.Err)
	}

	return fmt.Sprintf("cannot %s in state %q", e.Op, e.State)
}

func (e *StateConflictError) Unwrap() error {
	return e.Err
}

// IsBridgeError implements BridgeError.
func (e *StateConflictError) IsBridgeError() bool { return true }

// SessionNotFoundError indicates command routing named a port with no
// registered session.
type SessionNotFoundError struct {
	Port int
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("no session registered for port %d", e.Port)
}

// IsBridgeError implements BridgeError.
func (e *SessionNotFoundError) IsBridgeError() bool { return true }

// AuthError indicates stored credentials were expired or rejected. Callers
// must invalidate the stored credentials and prompt for re-authentication;
// an AuthError is never retried with the same credentials.
type AuthError struct {
	Kind AuthKind
	Err  error
}

func (e *AuthError) Error() string {
	switch e.Kind {
	case AuthExpired:
		return "authentication expired: sign in again"
	case AuthInvalid:
		return "authentication rejected by relay: sign in again"
	default:
		return fmt.Sprintf("authentication failed (%s)", e.Kind)
	}
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// IsBridgeError implements BridgeError.
func (e *AuthError) IsBridgeError() bool { return true }

// BrowserChoiceError wraps ErrBrowserNotSelected with the cached candidate
// list so callers can re-surface the available browsers.
type BrowserChoiceError struct {
	Browsers []string
}

func (e *BrowserChoiceError) Error() string {
	return fmt.Sprintf("%v (candidates: %v)", ErrBrowserNotSelected, e.Browsers)
}

func (e *BrowserChoiceError) Unwrap() error {
	return ErrBrowserNotSelected
}

// IsBridgeError implements BridgeError.
func (e *BrowserChoiceError) IsBridgeError() bool { return true }
