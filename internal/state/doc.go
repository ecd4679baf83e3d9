// Package state owns the connection lifecycle of a single bridge endpoint.
// The Machine moves between passive, active (hosting the local relay),
// connected (paired over an authenticated remote relay), and a waiting state
// for when the remote relay reports several candidate browsers. Transitions
// are serialized: a second enable or disable while one is in flight fails
// fast instead of queueing.
//
// When the local listener dies the machine retries it on a short interval,
// wakeable on demand, and gives up into passive after a run of consecutive
// failures. Losing the browser extension itself is softer: the endpoint stays
// active, the attached-tab cache is withheld until the extension redials, and
// interrupt observers are left alone.
package state
