// Package errors defines error types for the browser bridge.
//
// This package provides structured error types for the failure scenarios of
// the connection and session layers. All error types support error
// unwrapping and can be checked using errors.Is and errors.As, so callers
// branch on error kind rather than matching message strings.
package errors
