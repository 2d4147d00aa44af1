package service

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ax-platform/ax-mcp-monitor/internal/database"
	apperrors "github.com/ax-platform/ax-mcp-monitor/internal/errors"
	"github.com/ax-platform/ax-mcp-monitor/internal/models"
	"github.com/ax-platform/ax-mcp-monitor/internal/plugin"
	"github.com/ax-platform/ax-mcp-monitor/internal/retry"
	"github.com/ax-platform/ax-mcp-monitor/internal/transport"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testAgent = "monitor_bot"

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestStore opens a fresh SQLite store. A nil clock uses wall time.
func newTestStore(t *testing.T, clock *testClock) *database.Database {
	t.Helper()
	var opts []database.Option
	if clock != nil {
		opts = append(opts, database.WithClock(clock.Now))
	}
	db, err := database.New(filepath.Join(t.TempDir(), "monitor.db"), "", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func fastBackoff() *retry.Backoff {
	return retry.NewBackoff(retry.BackoffConfig{
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		Multiplier:  2,
		MaxAttempts: 3,
	})
}

func mention(author, body string) string {
	return "📬 WAIT SUCCESS: 1 new mention\n• " + author + ": " + body
}

func getMessage(t *testing.T, store MessageStore, id string) *models.Message {
	t.Helper()
	msg, err := store.GetMessage(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, msg)
	return msg
}

// mockPlugin is a testify-backed responder.
type mockPlugin struct {
	mock.Mock
}

func newMockPlugin() *mockPlugin {
	p := &mockPlugin{}
	p.On("Name").Return("mock").Maybe()
	return p
}

func (m *mockPlugin) Name() string {
	return m.Called().String(0)
}

func (m *mockPlugin) ProcessMessage(ctx context.Context, message string, pctx plugin.Context) (string, error) {
	args := m.Called(ctx, message, pctx)
	return args.String(0), args.Error(1)
}

// mockSender records reply deliveries.
type mockSender struct {
	mock.Mock
}

func (m *mockSender) SendMessage(ctx context.Context, text, idempotencyKey string) error {
	return m.Called(ctx, text, idempotencyKey).Error(0)
}

// mockProber is a testify-backed liveness probe.
type mockProber struct {
	mock.Mock
}

func (m *mockProber) Probe(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockProber) HasInflightRequest() bool {
	return m.Called().Bool(0)
}

// failingStore fails the duplicate check. Other calls are not expected.
type failingStore struct {
	MessageStore
	err error
}

func (s failingStore) IsDuplicate(ctx context.Context, id string) (bool, error) {
	return false, s.err
}

type sentReply struct {
	Text string
	Key  string
}

// fakeSession is a scripted platform connection. Long polls return queued
// payloads or errors in order and otherwise wait out their timeout.
type fakeSession struct {
	mu          sync.Mutex
	payloads    []string
	pollErrs    []error
	connectErrs []error
	sendErrs    []error
	sent        []sentReply
	connects    int
	disconnects int
	connected   bool
	probes      int

	inflight atomic.Bool
}

func (f *fakeSession) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		if err != nil {
			return err
		}
	}
	f.connected = true
	return nil
}

func (f *fakeSession) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.connected = false
	return nil
}

func (f *fakeSession) CheckMessages(ctx context.Context, opts transport.CheckOptions) (string, error) {
	if !opts.Wait {
		f.mu.Lock()
		defer f.mu.Unlock()
		if opts.NoReconnect && !f.connected {
			return "", apperrors.NewNotConnectedError("messages.check")
		}
		f.probes++
		return "", nil
	}

	f.inflight.Store(true)
	defer f.inflight.Store(false)

	f.mu.Lock()
	if len(f.pollErrs) > 0 {
		err := f.pollErrs[0]
		f.pollErrs = f.pollErrs[1:]
		f.mu.Unlock()
		return "", err
	}
	if len(f.payloads) > 0 {
		payload := f.payloads[0]
		f.payloads = f.payloads[1:]
		f.mu.Unlock()
		return payload, nil
	}
	f.mu.Unlock()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(opts.Timeout):
		return "", nil
	}
}

func (f *fakeSession) SendMessage(ctx context.Context, text, idempotencyKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, sentReply{Text: text, Key: idempotencyKey})
	return nil
}

func (f *fakeSession) HasInflightRequest() bool {
	return f.inflight.Load()
}

func (f *fakeSession) RequestSnapshot() transport.RequestSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return transport.RequestSnapshot{
		InFlight:  f.inflight.Load(),
		SessionID: "sess-1",
		Connected: f.connected,
	}
}

func (f *fakeSession) push(payloads ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payloads...)
}

func (f *fakeSession) replies() []sentReply {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentReply(nil), f.sent...)
}

func (f *fakeSession) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeSession) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}
