// Package relay hosts the WebSocket endpoint the browser extension connects
// to. Server binds a loopback port (probing upward when the preferred port is
// taken), answers plain GET requests with a JSON identification document, and
// upgrades WebSocket requests into the single live counterpart connection.
// A newer connection always wins: the previous socket is closed with a
// "replaced" reason and its in-flight commands fail fast.
//
// Conn is the connection half, shared with the session manager's dial side:
// it owns the read loop, the pending-request table, and the keepalive ticker.
// Inbound notifications are dispatched to observers sequentially, in arrival
// order, from a single reader goroutine.
package relay
