package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"
)

const wsReadLimit = 4 << 20

var errConnClosed = errors.New("websocket connection closed")

// wsTransport carries the same JSON-RPC exchange over one WebSocket. A read
// loop routes responses to waiting callers by id.
type wsTransport struct {
	url        string
	httpClient *http.Client
	headers    headerFunc
	logger     *logrus.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	pending map[string]chan *rpcResponse
	done    chan struct{}
	readErr error
}

func newWSTransport(url string, client *http.Client, headers headerFunc, logger *logrus.Logger) *wsTransport {
	return &wsTransport{
		url:        url,
		httpClient: client,
		headers:    headers,
		logger:     logger,
		pending:    make(map[string]chan *rpcResponse),
	}
}

// SessionID is empty: the socket itself is the session.
func (t *wsTransport) SessionID() string { return "" }

func (t *wsTransport) Open(ctx context.Context) error {
	h, err := t.headers(ctx)
	if err != nil {
		return err
	}

	conn, resp, err := websocket.Dial(ctx, t.url, &websocket.DialOptions{
		HTTPClient: t.httpClient,
		HTTPHeader: h,
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return &StatusError{StatusCode: resp.StatusCode, Body: err.Error()}
		}
		return err
	}
	conn.SetReadLimit(wsReadLimit)

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	t.mu.Lock()
	t.conn = conn
	t.cancel = cancel
	t.done = done
	t.readErr = nil
	t.mu.Unlock()

	go t.readLoop(loopCtx, conn, done)
	return nil
}

func (t *wsTransport) readLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		var resp rpcResponse
		if err := wsjson.Read(ctx, conn, &resp); err != nil {
			t.mu.Lock()
			t.readErr = err
			t.mu.Unlock()
			t.logger.WithError(err).Debug("WebSocket read loop stopped")
			return
		}
		if len(resp.ID) == 0 {
			// Server notification or request; nothing here consumes those.
			continue
		}

		t.mu.Lock()
		ch, ok := t.pending[string(resp.ID)]
		t.mu.Unlock()
		if ok {
			select {
			case ch <- &resp:
			default:
			}
		}
	}
}

func (t *wsTransport) Call(ctx context.Context, req *rpcRequest) (*rpcResponse, error) {
	ch := make(chan *rpcResponse, 1)
	key := string(req.ID)

	t.mu.Lock()
	conn, done := t.conn, t.done
	if conn == nil {
		t.mu.Unlock()
		return nil, errConnClosed
	}
	t.pending[key] = ch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, key)
		t.mu.Unlock()
	}()

	if err := wsjson.Write(ctx, conn, req); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-done:
		t.mu.Lock()
		err := t.readErr
		t.mu.Unlock()
		if err == nil {
			err = errConnClosed
		}
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *wsTransport) Notify(ctx context.Context, req *rpcRequest) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errConnClosed
	}
	return wsjson.Write(ctx, conn, req)
}

func (t *wsTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	conn, cancel, done := t.conn, t.cancel, t.done
	t.conn, t.cancel = nil, nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close(websocket.StatusNormalClosure, "bye")
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return err
}
