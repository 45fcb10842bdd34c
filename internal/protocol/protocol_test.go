// ABOUTME: Tests for JSON-RPC envelope construction and inbound frame classification.
// ABOUTME: Covers id correlation keys, error payloads, and handshake shape.

package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequest_HasUUIDAndVersion(t *testing.T) {
	req := NewRequest(MethodListTools, nil)

	assert.Equal(t, "2.0", req.JSONRPC)
	assert.Equal(t, MethodListTools, req.Method)
	assert.NotEmpty(t, req.CorrelationKey())
}

func TestNewNotification_HasNoID(t *testing.T) {
	n := NewNotification(MethodInitialized, nil)

	assert.Empty(t, n.ID)
	assert.Empty(t, n.CorrelationKey())
}

func TestCorrelationKey_StringAndNumericIDs(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"string id", `"req-7"`, "req-7"},
		{"numeric id", `42`, "42"},
		{"empty", ``, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CorrelationKey(json.RawMessage(tt.raw))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeFrame_Response(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{"jsonrpc":"2.0","id":"abc","result":{"ok":true}}`))
	require.NoError(t, err)
	require.NotNil(t, frame.Response)
	assert.Nil(t, frame.Notification)
	assert.Equal(t, "abc", CorrelationKey(frame.Response.ID))
}

func TestDecodeFrame_ResponseWithError(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"Method not found"}}`))
	require.NoError(t, err)
	require.NotNil(t, frame.Response)
	require.NotNil(t, frame.Response.Error)
	assert.Equal(t, CodeMethodNotFound, frame.Response.Error.Code)
	assert.Contains(t, frame.Response.Error.Error(), "Method not found")
}

func TestDecodeFrame_Notification(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info"}}`))
	require.NoError(t, err)
	require.NotNil(t, frame.Notification)
	assert.Nil(t, frame.Response)
	assert.Equal(t, MethodNotifyMessage, frame.Notification.Method)
}

func TestDecodeFrame_Garbage(t *testing.T) {
	_, err := DecodeFrame([]byte(`not json`))
	assert.Error(t, err)

	_, err = DecodeFrame([]byte(`{"jsonrpc":"2.0"}`))
	assert.Error(t, err)
}

func TestNewInitializeRequest_Shape(t *testing.T) {
	req := NewInitializeRequest()

	data, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "init", decoded["id"])
	assert.Equal(t, MethodInitialize, decoded["method"])

	params := decoded["params"].(map[string]any)
	assert.Equal(t, Version, params["protocolVersion"])

	caps := params["capabilities"].(map[string]any)
	roots := caps["roots"].(map[string]any)
	assert.Equal(t, true, roots["listChanged"])
	assert.NotNil(t, caps["sampling"])

	info := params["clientInfo"].(map[string]any)
	assert.Equal(t, ClientName, info["name"])
}
