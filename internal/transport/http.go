package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
)

const (
	headerSessionID = "Mcp-Session-Id"
	maxErrorBody    = 4096
)

// StatusError is a non-2xx reply from the platform.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("platform returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("platform returned status %d: %s", e.StatusCode, e.Body)
}

// headerFunc supplies per-request headers, including credentials.
type headerFunc func(ctx context.Context) (http.Header, error)

// rpcTransport moves JSON-RPC messages to and from the platform.
type rpcTransport interface {
	Open(ctx context.Context) error
	Call(ctx context.Context, req *rpcRequest) (*rpcResponse, error)
	Notify(ctx context.Context, req *rpcRequest) error
	Close(ctx context.Context) error
	SessionID() string
}

// httpTransport implements the MCP streamable HTTP transport: every message
// is a POST and the reply is JSON or a short SSE stream.
type httpTransport struct {
	endpoint string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker[*http.Response]
	headers  headerFunc
	logger   *logrus.Logger

	mu        sync.RWMutex
	sessionID string
}

func newBreaker(name string) *gobreaker.CircuitBreaker[*http.Response] {
	return gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})
}

func newHTTPTransport(endpoint string, client *http.Client, headers headerFunc, logger *logrus.Logger) *httpTransport {
	return &httpTransport{
		endpoint: endpoint,
		client:   client,
		breaker:  newBreaker("mcp-http"),
		headers:  headers,
		logger:   logger,
	}
}

func (t *httpTransport) SessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

func (t *httpTransport) setSessionID(id string) {
	t.mu.Lock()
	t.sessionID = id
	t.mu.Unlock()
}

func (t *httpTransport) Open(ctx context.Context) error {
	t.setSessionID("")
	return nil
}

func (t *httpTransport) Call(ctx context.Context, req *rpcRequest) (*rpcResponse, error) {
	resp, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return readEventStream(resp.Body, req.ID)
	}

	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &out, nil
}

func (t *httpTransport) Notify(ctx context.Context, req *rpcRequest) error {
	resp, err := t.post(ctx, req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// Close ends the server-side session. Failures are logged and ignored.
func (t *httpTransport) Close(ctx context.Context) error {
	sessionID := t.SessionID()
	t.setSessionID("")
	if sessionID == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.endpoint, nil)
	if err != nil {
		return nil
	}
	if h, err := t.headers(ctx); err == nil {
		copyHeaders(req.Header, h)
	}
	req.Header.Set(headerSessionID, sessionID)

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.WithError(err).Debug("Session delete failed")
		return nil
	}
	resp.Body.Close()
	return nil
}

func (t *httpTransport) post(ctx context.Context, msg *rpcRequest) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	h, err := t.headers(ctx)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, h)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	sessionID := t.SessionID()
	if sessionID != "" {
		req.Header.Set(headerSessionID, sessionID)
	}

	resp, err := t.breaker.Execute(func() (*http.Response, error) {
		r, doErr := t.client.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
			return r, fmt.Errorf("upstream returned %d", r.StatusCode)
		}
		return r, nil
	})
	if resp == nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound && sessionID != "" {
			// The server forgot the session; the caller must initialize again.
			t.setSessionID("")
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(raw))}
	}

	if id := resp.Header.Get(headerSessionID); id != "" && id != sessionID {
		t.setSessionID(id)
	}
	return resp, nil
}

func copyHeaders(dst, src http.Header) {
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}
