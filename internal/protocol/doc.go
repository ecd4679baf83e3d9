// Package protocol implements the JSON-RPC 2.0 wire envelope shared by the
// relay server and the multi-session manager, plus the pending-request table
// that correlates outbound commands with their eventual responses.
//
// Every frame on a bridge socket is one of three inbound kinds: a response to
// an earlier command, a handshake announcing the counterpart, or a
// notification (an event with no reply expected). Classification is driven by
// shape, not by a registry: a frame with a type tag of "handshake" is a
// handshake, a frame carrying an id but no method is a response, and a frame
// carrying a method but no id is a notification.
package protocol
