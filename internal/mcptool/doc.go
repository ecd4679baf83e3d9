// Package mcptool exposes the bridge over the Model Context Protocol. Each
// tool wraps one verb of the connection machine or the session registry;
// command tools forward their arguments through the manager's router, so an
// optional "port" argument picks the target session the same way it does on
// the wire. Failures come back as tool results with the error flag set, never
// as protocol errors, so callers always get the taxonomy message verbatim.
package mcptool
