package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the fixed JSON-RPC protocol version carried by every frame.
const Version = "2.0"

// ServerKind identifies a bridge endpoint in its discovery document. Scanners
// use it to tell our relay servers apart from whatever else answers on a port.
const ServerKind = "multi-browser-mcp"

// Handshake type tag. A frame carrying this tag is processed before any
// JSON-RPC interpretation.
const HandshakeType = "handshake"

// Method names for notifications the bridge itself emits.
const (
	MethodSessionInfo   = "session_info"
	MethodTabInfo       = "tab_info"
	MethodResumeSession = "resumeSession"
	MethodSetStealth    = "setStealthMode"
)

// Discovery document status values.
const (
	StatusWaiting   = "waiting"
	StatusConnected = "connected"
)

// Kind is the classification of an inbound frame.
type Kind int

const (
	// KindUnknown marks frames that fit none of the expected shapes. They
	// are logged and dropped by the reader.
	KindUnknown Kind = iota
	// KindResponse is a reply to a command we sent: it carries the echoed
	// request id and either a result or an error.
	KindResponse
	// KindHandshake is the counterpart announcing itself after the socket
	// opens.
	KindHandshake
	// KindNotification is a one-way event: it carries a method but no id.
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindHandshake:
		return "handshake"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// RequestID is a JSON-RPC id. We always mint string ids, but the decoder
// tolerates numeric ids from counterparts and normalizes them to their
// decimal text.
type RequestID string

// UnmarshalJSON accepts either a JSON string or a JSON number.
func (r *RequestID) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty request id")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = RequestID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("request id must be a string or number: %w", err)
	}
	*r = RequestID(n.String())

	return nil
}

// MarshalJSON emits the id as a JSON string.
func (r RequestID) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(r))
}

// ErrorDetail is the error member of a JSON-RPC response.
type ErrorDetail struct {
	Code    int             `json:"code,omitempty"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ErrorDetail) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
	}

	return e.Message
}

// Message is the single frame shape used on bridge sockets. Outbound frames
// are built with the constructors below; inbound frames are decoded into this
// struct and classified with Kind.
type Message struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      RequestID       `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`

	// Handshake fields. Type doubles as the discriminator: when it is
	// HandshakeType the JSON-RPC fields above are ignored.
	Type    string `json:"type,omitempty"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// Kind classifies an inbound frame into one of the three shapes the reader
// dispatches on.
func (m *Message) Kind() Kind {
	switch {
	case m.Type == HandshakeType:
		return KindHandshake
	case m.ID != "" && m.Method == "":
		return KindResponse
	case m.Method != "" && m.ID == "":
		return KindNotification
	default:
		return KindUnknown
	}
}

// Decode parses raw frame bytes into a Message. A frame that is not a JSON
// object fails here and is dropped by the caller.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	return &msg, nil
}

// NewRequest builds an outbound command frame. Params may be nil.
func NewRequest(id RequestID, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params for %s: %w", method, err)
	}

	return &Message{JSONRPC: Version, ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds an outbound one-way frame. Params may be nil.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params for %s: %w", method, err)
	}

	return &Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewHandshake builds the frame a dialing endpoint sends right after the
// socket opens.
func NewHandshake(name, version string) *Message {
	return &Message{Type: HandshakeType, Name: name, Version: version}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}

	return json.Marshal(params)
}

// SessionInfo is the payload of the session_info notification a relay server
// sends in reply to a handshake. It tells the counterpart which session it
// just joined.
type SessionInfo struct {
	SessionID string `json:"sessionId"`
	Port      int    `json:"port"`
}

// Discovery is the HTTP identification document a relay server returns to
// plain GET requests on its listen address.
type Discovery struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Port      int    `json:"port"`
	Status    string `json:"status"`
}

// Tab describes the browser tab a connection is attached to. Counterparts
// embed it in command results and tab_info notifications.
type Tab struct {
	ID        int      `json:"id"`
	Title     string   `json:"title,omitempty"`
	URL       string   `json:"url,omitempty"`
	Index     int      `json:"index,omitempty"`
	TechStack []string `json:"techStack,omitempty"`
}

// ExtractTab pulls an embedded "currentTab" object out of a result payload.
// It returns nil when the payload has no such field.
func ExtractTab(result json.RawMessage) *Tab {
	if len(result) == 0 {
		return nil
	}
	var envelope struct {
		CurrentTab *Tab `json:"currentTab"`
	}
	if err := json.Unmarshal(result, &envelope); err != nil {
		return nil
	}

	return envelope.CurrentTab
}
