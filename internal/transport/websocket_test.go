package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	apperrors "github.com/ax-platform/ax-mcp-monitor/internal/errors"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWSPlatform(t *testing.T) string {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Agent-Name") != "bot" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()
		for {
			var req wireRequest
			if err := wsjson.Read(ctx, conn, &req); err != nil {
				return
			}
			if len(req.ID) == 0 {
				continue
			}

			var result any = map[string]any{}
			if req.Method == methodToolsCall {
				result = toolResult{Content: []contentItem{{Type: "text", Text: "ws payload"}}}
			}

			// Unsolicited server notification; the client must skip it.
			_ = wsjson.Write(ctx, conn, map[string]any{"jsonrpc": jsonrpcVersion, "method": "notifications/message"})

			raw, _ := json.Marshal(result)
			if err := wsjson.Write(ctx, conn, rpcResponse{JSONRPC: jsonrpcVersion, ID: req.ID, Result: raw}); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSClient_CheckAndSend(t *testing.T) {
	url := newWSPlatform(t)
	client := newTestClient(t, url, StaticToken("tok"))

	require.NoError(t, client.Connect(context.Background()))
	assert.True(t, client.Connected())
	assert.Empty(t, client.RequestSnapshot().SessionID)

	payload, err := client.CheckMessages(context.Background(), CheckOptions{Wait: true, Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, "ws payload", payload)

	require.NoError(t, client.SendMessage(context.Background(), "hello", "id-1"))
	require.NoError(t, client.Ping(context.Background()))

	require.NoError(t, client.Disconnect(context.Background()))
	assert.False(t, client.Connected())
}

func TestWSClient_DialRejected(t *testing.T) {
	url := newWSPlatform(t)
	client, err := NewClient(ClientConfig{ServerURL: url, AgentName: "intruder", Logger: testLogger()})
	require.NoError(t, err)

	err = client.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeTransport, apperrors.GetCode(err))
	assert.False(t, apperrors.IsRetryable(err))
}
