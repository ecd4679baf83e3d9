// Package bridge composes the connection machine and the session registry
// into the facade the public client and the MCP tools wrap. It keeps the two
// halves consistent: the machine's own relay port is excluded from scanning,
// the standard command set is pre-registered with the router, and commands
// fall through to the machine's connection when the registry has no target.
package bridge
