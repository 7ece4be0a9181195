package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/wa-export/exportd/internal/metrics"
	"github.com/wa-export/exportd/internal/userdata"
)

// fakeClient pairs on first Initialize when no credential file exists, the
// way a real client would need a QR scan.
type fakeClient struct {
	sessionDir string

	mu           sync.Mutex
	handler      EventHandler
	initErr      error
	logoutErr    error
	destroyErr   error
	initCalls    int
	logoutCalls  int
	destroyCalls int
	needsPairing bool
	initialized  chan struct{}
}

func newFakeClient(sessionDir string) *fakeClient {
	return &fakeClient{sessionDir: sessionDir, initialized: make(chan struct{})}
}

func (c *fakeClient) OnEvent(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

func (c *fakeClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer close(c.initialized)
	c.initCalls++
	if c.initErr != nil {
		return c.initErr
	}
	cred := filepath.Join(c.sessionDir, "device.db")
	if _, err := os.Stat(cred); os.IsNotExist(err) {
		c.needsPairing = true
		return os.WriteFile(cred, []byte("paired"), 0o600)
	}
	return nil
}

func (c *fakeClient) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logoutCalls++
	return c.logoutErr
}

func (c *fakeClient) Destroy(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyCalls++
	return c.destroyErr
}

func (c *fakeClient) Chats(ctx context.Context) ([]Chat, error) {
	return nil, nil
}

func (c *fakeClient) ChatByNumber(ctx context.Context, number string) (Chat, error) {
	return Chat{}, errors.New("not found")
}

func (c *fakeClient) Messages(ctx context.Context, chatID string, limit int) ([]Message, error) {
	return nil, nil
}

func (c *fakeClient) fire(evt Event) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	handler(evt)
}

func (c *fakeClient) destroys() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyCalls
}

func (c *fakeClient) logouts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logoutCalls
}

func (c *fakeClient) pairingRequired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.needsPairing
}

func (c *fakeClient) waitInitialized(t *testing.T) {
	t.Helper()
	select {
	case <-c.initialized:
	case <-time.After(5 * time.Second):
		t.Fatal("client was not initialized")
	}
}

type emitted struct {
	Event   string
	Payload any
}

type recordingChannel struct {
	id     string
	mu     sync.Mutex
	events []emitted
}

func newRecordingChannel(id string) *recordingChannel {
	return &recordingChannel{id: id}
}

func (c *recordingChannel) ID() string { return c.id }

func (c *recordingChannel) Emit(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, emitted{Event: event, Payload: payload})
	return nil
}

func (c *recordingChannel) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.events))
	for _, e := range c.events {
		names = append(names, e.Event)
	}
	return names
}

func (c *recordingChannel) payloads(event string) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []any
	for _, e := range c.events {
		if e.Event == event {
			out = append(out, e.Payload)
		}
	}
	return out
}

type harness struct {
	manager *Manager
	layout  *userdata.Layout
	metrics *metrics.Metrics

	mu      sync.Mutex
	clients []*fakeClient
	prepare func(*fakeClient)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		layout:  userdata.NewLayout(t.TempDir()),
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	h.manager = NewManager(Options{
		Layout: h.layout,
		NewClient: func(userID string, dirs userdata.Dirs) (Client, error) {
			c := newFakeClient(dirs.Session)
			h.mu.Lock()
			if h.prepare != nil {
				h.prepare(c)
			}
			h.clients = append(h.clients, c)
			h.mu.Unlock()
			return c, nil
		},
		RenderQR:        func(code string) (string, error) { return "qr:" + code, nil },
		Metrics:         h.metrics,
		Logger:          zerolog.Nop(),
		TeardownTimeout: time.Second,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.manager.Shutdown(ctx)
	})
	return h
}

func (h *harness) client(t *testing.T, i int) *fakeClient {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Greater(t, len(h.clients), i, "client %d was not constructed", i)
	return h.clients[i]
}

func (h *harness) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
