package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const testSessionID = "sess-0123456789abcdef"

type recordedCall struct {
	Method    string
	Tool      string
	Arguments map[string]any
	Header    http.Header
}

// fakePlatform is an in-process MCP endpoint speaking streamable HTTP.
type fakePlatform struct {
	t *testing.T

	mu           sync.Mutex
	calls        []recordedCall
	deletes      int
	sse          bool
	checkPayload string
	toolError    string
	failStatus   map[string]int // method or tool action -> status, applied once
	blockChecks  bool
}

func newFakePlatform(t *testing.T) (*fakePlatform, *httptest.Server) {
	f := &fakePlatform{t: t, failStatus: make(map[string]int)}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

type wireRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

func (f *fakePlatform) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodDelete {
		f.mu.Lock()
		f.deletes++
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		return
	}

	var req wireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	call := recordedCall{Method: req.Method, Header: r.Header.Clone()}
	key := req.Method
	if req.Method == methodToolsCall {
		var params toolCallParams
		require.NoError(f.t, json.Unmarshal(req.Params, &params))
		call.Tool = params.Name
		call.Arguments = params.Arguments
		if action, ok := params.Arguments["action"].(string); ok {
			key = action
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	status := f.failStatus[key]
	delete(f.failStatus, key)
	sse, payload, toolErr, block := f.sse, f.checkPayload, f.toolError, f.blockChecks
	f.mu.Unlock()

	if status != 0 {
		http.Error(w, "forced failure", status)
		return
	}
	if len(req.ID) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var result any
	switch req.Method {
	case methodInitialize:
		w.Header().Set(headerSessionID, testSessionID)
		result = map[string]any{"protocolVersion": protocolVersion, "capabilities": map[string]any{}}
	case methodPing:
		result = map[string]any{}
	case methodToolsCall:
		if key == "check" && block {
			<-r.Context().Done()
			return
		}
		text := "sent"
		if key == "check" {
			text = payload
		}
		tr := toolResult{Content: []contentItem{{Type: "text", Text: text}}}
		if toolErr != "" {
			tr = toolResult{Content: []contentItem{{Type: "text", Text: toolErr}}, IsError: true}
		}
		result = tr
	default:
		result = map[string]any{}
	}

	raw, _ := json.Marshal(result)
	resp := rpcResponse{JSONRPC: jsonrpcVersion, ID: req.ID, Result: raw}
	body, _ := json.Marshal(resp)

	if sse {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", body)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (f *fakePlatform) Calls() []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedCall(nil), f.calls...)
}

func (f *fakePlatform) CallsTo(method string) []recordedCall {
	var out []recordedCall
	for _, c := range f.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakePlatform) Deletes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deletes
}

func (f *fakePlatform) set(fn func(f *fakePlatform)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// recordingTokens hands out a fixed token and records force flags.
type recordingTokens struct {
	mu     sync.Mutex
	forced []bool
}

func (r *recordingTokens) Token(ctx context.Context, force bool) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forced = append(r.forced, force)
	return "tok-abc", nil
}

func (r *recordingTokens) Forced() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.forced...)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestClient(t *testing.T, url string, tokens TokenSource) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		ServerURL:      url,
		AgentName:      "bot",
		Tokens:         tokens,
		LongPollGuard:  20 * time.Minute,
		RequestTimeout: 5 * time.Second,
		Logger:         testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Disconnect(context.Background()) })
	return c
}

// fakePinger drives Heartbeat in tests.
type fakePinger struct {
	mu          sync.Mutex
	connected   bool
	pingErr     error
	pings       int
	disconnects int
}

func (p *fakePinger) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePinger) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pings++
	return p.pingErr
}

func (p *fakePinger) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnects++
	p.connected = false
	return nil
}

func (p *fakePinger) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pings, p.disconnects
}
