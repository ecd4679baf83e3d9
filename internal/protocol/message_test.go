package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessage_Kind(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Kind
	}{
		{
			name: "response with result",
			raw:  `{"jsonrpc":"2.0","id":"01ABC","result":{"ok":true}}`,
			want: KindResponse,
		},
		{
			name: "response with error",
			raw:  `{"jsonrpc":"2.0","id":"01ABC","error":{"message":"boom"}}`,
			want: KindResponse,
		},
		{
			name: "handshake",
			raw:  `{"type":"handshake","name":"browser-extension","version":"1.4.0"}`,
			want: KindHandshake,
		},
		{
			name: "notification",
			raw:  `{"jsonrpc":"2.0","method":"tab_info","params":{"id":3}}`,
			want: KindNotification,
		},
		{
			name: "request shape is not dispatched",
			raw:  `{"jsonrpc":"2.0","id":"01ABC","method":"ping"}`,
			want: KindUnknown,
		},
		{
			name: "empty object",
			raw:  `{}`,
			want: KindUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.raw))
			require.NoError(t, err)
			require.Equal(t, tt.want, msg.Kind())
		})
	}
}

func TestDecode_InvalidJSON(t *testing.T) {
	_, err := Decode([]byte("not json"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to decode frame")
}

func TestRequestID_UnmarshalJSON(t *testing.T) {
	var msg Message
	err := json.Unmarshal([]byte(`{"id":"01HX"}`), &msg)
	require.NoError(t, err)
	require.Equal(t, RequestID("01HX"), msg.ID)

	// Numeric ids from counterparts are normalized to their decimal text.
	err = json.Unmarshal([]byte(`{"id":42}`), &msg)
	require.NoError(t, err)
	require.Equal(t, RequestID("42"), msg.ID)

	err = json.Unmarshal([]byte(`{"id":{"nested":true}}`), &msg)
	require.Error(t, err)
}

func TestNewRequest_MarshalsParams(t *testing.T) {
	msg, err := NewRequest("01HX", "tab_select", map[string]int{"index": 2})
	require.NoError(t, err)
	require.Equal(t, Version, msg.JSONRPC)
	require.Equal(t, RequestID("01HX"), msg.ID)
	require.Equal(t, "tab_select", msg.Method)
	require.JSONEq(t, `{"index":2}`, string(msg.Params))
}

func TestNewRequest_NilParams(t *testing.T) {
	msg, err := NewRequest("01HX", "tabs_list", nil)
	require.NoError(t, err)
	require.Nil(t, msg.Params)

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NotContains(t, string(data), "params")
}

func TestNewRequest_RawParamsPassThrough(t *testing.T) {
	raw := json.RawMessage(`{"already":"encoded"}`)
	msg, err := NewRequest("01HX", "echo", raw)
	require.NoError(t, err)
	require.Equal(t, raw, msg.Params)
}

func TestNewNotification_HasNoID(t *testing.T) {
	msg, err := NewNotification(MethodSessionInfo, SessionInfo{SessionID: "s-1", Port: 5555})
	require.NoError(t, err)
	require.Empty(t, msg.ID)
	require.Equal(t, KindNotification, msg.Kind())

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NotContains(t, string(data), `"id"`)
	require.Contains(t, string(data), `"sessionId":"s-1"`)
}

func TestNewHandshake_RoundTrip(t *testing.T) {
	msg := NewHandshake("browsermcp", "0.3.0")

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, KindHandshake, decoded.Kind())
	require.Equal(t, "browsermcp", decoded.Name)
	require.Equal(t, "0.3.0", decoded.Version)
}

func TestErrorDetail_Error(t *testing.T) {
	err := &ErrorDetail{Message: "tab not found"}
	require.Equal(t, "tab not found", err.Error())

	err = &ErrorDetail{Code: -32601, Message: "method not found"}
	require.Equal(t, "method not found (code -32601)", err.Error())
}

func TestExtractTab(t *testing.T) {
	result := json.RawMessage(`{"ok":true,"currentTab":{"id":7,"title":"Dash","url":"https://example.test","index":1,"techStack":["react"]}}`)
	tab := ExtractTab(result)
	require.NotNil(t, tab)
	require.Equal(t, 7, tab.ID)
	require.Equal(t, "Dash", tab.Title)
	require.Equal(t, []string{"react"}, tab.TechStack)

	require.Nil(t, ExtractTab(json.RawMessage(`{"ok":true}`)))
	require.Nil(t, ExtractTab(nil))
	require.Nil(t, ExtractTab(json.RawMessage(`[1,2,3]`)))
}
