package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	interrors "github.com/dmorrill/multi-browser-mcp-sub000/internal/errors"
)

// NewRequestID mints a fresh request id. ULIDs are unique per process and
// sort by creation time, which keeps interleaved logs readable.
func NewRequestID() RequestID {
	return RequestID(ulid.Make().String())
}

// Outcome is delivered to a caller when its pending request settles: exactly
// one of Result or Err is meaningful.
type Outcome struct {
	Result json.RawMessage
	Err    error
}

type pendingEntry struct {
	method string
	done   chan Outcome
	timer  *time.Timer
}

// Table tracks commands that have been written to the socket but not yet
// answered. Every entry settles exactly once: with the counterpart's
// response, with a timeout, or with a connection-level failure. Whichever
// path removes the entry from the map wins; the others find nothing and do
// nothing.
type Table struct {
	log *slog.Logger

	mu      sync.Mutex
	pending map[RequestID]*pendingEntry
}

// NewTable returns an empty pending-request table.
func NewTable(log *slog.Logger) *Table {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Table{
		log:     log.With("component", "pending"),
		pending: make(map[RequestID]*pendingEntry),
	}
}

// Register adds a pending entry and arms its timeout. The returned channel
// is buffered, so the settling side never blocks even if the caller has
// already given up.
func (t *Table) Register(method string, timeout time.Duration) (RequestID, <-chan Outcome) {
	id := NewRequestID()
	entry := &pendingEntry{
		method: method,
		done:   make(chan Outcome, 1),
	}

	t.mu.Lock()
	t.pending[id] = entry
	// Armed under the same lock that published the entry, so even an
	// immediate expiry blocks on the mutex until the entry is findable.
	entry.timer = time.AfterFunc(timeout, func() {
		t.expire(id, method, timeout)
	})
	t.mu.Unlock()

	return id, entry.done
}

// Resolve settles a pending request with a result. It reports false when the
// id is unknown, which the caller treats as a late or stray response.
func (t *Table) Resolve(id RequestID, result json.RawMessage) bool {
	entry := t.remove(id)
	if entry == nil {
		return false
	}
	entry.timer.Stop()
	entry.done <- Outcome{Result: result}

	return true
}

// Reject settles a pending request with an error.
func (t *Table) Reject(id RequestID, err error) bool {
	entry := t.remove(id)
	if entry == nil {
		return false
	}
	entry.timer.Stop()
	entry.done <- Outcome{Err: err}

	return true
}

// Settle routes a response frame to its pending entry. It reports false when
// no entry matches the frame's id.
func (t *Table) Settle(msg *Message) bool {
	if msg.Error != nil {
		return t.Reject(msg.ID, msg.Error)
	}

	return t.Resolve(msg.ID, msg.Result)
}

// FailAll settles every pending request with err. Called when the socket
// drops so that no caller is left waiting out its full timeout.
func (t *Table) FailAll(err error) {
	t.mu.Lock()
	entries := t.pending
	t.pending = make(map[RequestID]*pendingEntry)
	t.mu.Unlock()

	for _, entry := range entries {
		entry.timer.Stop()
		entry.done <- Outcome{Err: fmt.Errorf("command %s aborted: %w", entry.method, err)}
	}
	if len(entries) > 0 {
		t.log.Debug("failed pending requests", "count", len(entries), "reason", err)
	}
}

// Len reports how many requests are still awaiting a response.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.pending)
}

func (t *Table) expire(id RequestID, method string, timeout time.Duration) {
	entry := t.remove(id)
	if entry == nil {
		// A response won the race; nothing to do.
		return
	}
	t.log.Debug("request timed out", "method", method, "timeout", timeout)
	entry.done <- Outcome{Err: fmt.Errorf("command %s timed out after %s: %w", method, timeout, interrors.ErrRequestTimeout)}
}

func (t *Table) remove(id RequestID) *pendingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.pending[id]
	if !ok {
		return nil
	}
	delete(t.pending, id)

	return entry
}
