// Package session tracks the bridge endpoints discovered on the local port
// range. The Manager sweeps the configured range on a timer, probes each
// port's identification document, and keeps the session registry converged:
// new ports get a dialed connection and a Session, dead ports are removed and
// the active session is re-promoted. Commands route through the registry by
// name, defaulting to the active session unless the payload carries an
// explicit port override.
package session
