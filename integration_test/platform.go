package integration_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

const platformSessionID = "sess-integration"

// sentMessage is a reply the monitor delivered through the messages tool.
type sentMessage struct {
	Content        string
	IdempotencyKey string
}

// FakePlatform is an in-process MCP endpoint holding a queue of check
// payloads. Each check pops one payload; an empty queue parks a long poll
// for up to idleWait and then answers with no data.
type FakePlatform struct {
	t        *testing.T
	server   *httptest.Server
	idleWait time.Duration

	mu          sync.Mutex
	queue       []string
	sent        []sentMessage
	failSends   int
	initializes int
	deletes     int
	arrived     chan struct{}
}

func NewFakePlatform(t *testing.T) *FakePlatform {
	t.Helper()
	p := &FakePlatform{t: t, idleWait: 50 * time.Millisecond, arrived: make(chan struct{}, 1)}
	p.server = httptest.NewServer(p)
	t.Cleanup(p.server.Close)
	return p
}

func (p *FakePlatform) URL() string { return p.server.URL + "/mcp" }

// Deliver queues payloads for upcoming checks and wakes a parked long poll.
func (p *FakePlatform) Deliver(payloads ...string) {
	p.mu.Lock()
	p.queue = append(p.queue, payloads...)
	p.mu.Unlock()
	select {
	case p.arrived <- struct{}{}:
	default:
	}
}

// FailSends makes the next n send calls answer 502.
func (p *FakePlatform) FailSends(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failSends = n
}

func (p *FakePlatform) Sent() []sentMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sentMessage(nil), p.sent...)
}

func (p *FakePlatform) Initializes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initializes
}

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"params"`
}

func (p *FakePlatform) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodDelete {
		p.mu.Lock()
		p.deletes++
		p.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if len(req.ID) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var result any
	switch req.Method {
	case "initialize":
		p.mu.Lock()
		p.initializes++
		p.mu.Unlock()
		w.Header().Set("Mcp-Session-Id", platformSessionID)
		result = map[string]any{"protocolVersion": "2025-03-26", "capabilities": map[string]any{}}
	case "tools/call":
		action, _ := req.Params.Arguments["action"].(string)
		switch action {
		case "check":
			result = textResult(p.check(r, req.Params.Arguments["wait"] == true))
		case "send":
			if !p.recordSend(req.Params.Arguments) {
				http.Error(w, "upstream unavailable", http.StatusBadGateway)
				return
			}
			result = textResult("Message sent")
		default:
			result = textResult("")
		}
	default:
		result = map[string]any{}
	}

	raw, _ := json.Marshal(result)
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":%s}`, req.ID, raw)
}

func (p *FakePlatform) check(r *http.Request, wait bool) string {
	if payload, ok := p.pop(); ok {
		return payload
	}
	if !wait {
		return ""
	}

	timer := time.NewTimer(p.idleWait)
	defer timer.Stop()
	select {
	case <-p.arrived:
		if payload, ok := p.pop(); ok {
			return payload
		}
	case <-timer.C:
	case <-r.Context().Done():
	}
	return ""
}

func (p *FakePlatform) pop() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return "", false
	}
	payload := p.queue[0]
	p.queue = p.queue[1:]
	return payload, true
}

func (p *FakePlatform) recordSend(args map[string]any) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failSends > 0 {
		p.failSends--
		return false
	}
	content, _ := args["content"].(string)
	key, _ := args["idempotency_key"].(string)
	p.sent = append(p.sent, sentMessage{Content: content, IdempotencyKey: key})
	return true
}

func textResult(text string) map[string]any {
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
		"isError": false,
	}
}
