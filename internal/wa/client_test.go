package wa

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow"

	"github.com/wa-export/exportd/internal/history"
	"github.com/wa-export/exportd/internal/session"
	"github.com/wa-export/exportd/internal/userdata"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client, err := Factory(Config{}, zerolog.Nop())("7", userdata.Dirs{Session: t.TempDir()})
	require.NoError(t, err)
	return client.(*Client)
}

func TestDestroyDuringInitializeReleasesStores(t *testing.T) {
	c := newTestClient(t)
	c.open = func(ctx context.Context) (stores, error) {
		st, err := c.openStores(ctx)
		require.NoError(t, c.Destroy(ctx))
		return st, err
	}

	assert.ErrorIs(t, c.Initialize(t.Context()), errDestroyed)

	// A leaked bolt handle keeps its file lock and this open times out.
	hist, err := history.Open(c.historyPath)
	require.NoError(t, err)
	require.NoError(t, hist.Close())

	_, err = c.Chats(t.Context())
	assert.ErrorIs(t, err, errNotInitialized)
}

func TestInitializeAfterDestroyOpensNothing(t *testing.T) {
	c := newTestClient(t)
	c.open = func(context.Context) (stores, error) {
		t.Error("stores opened after destroy")
		return stores{}, errors.New("unexpected open")
	}
	require.NoError(t, c.Destroy(t.Context()))
	assert.ErrorIs(t, c.Initialize(t.Context()), errDestroyed)
	assert.NoFileExists(t, c.historyPath)
}

type fakePairer struct {
	mu          sync.Mutex
	batches     [][]whatsmeow.QRChannelItem
	failures    int
	connects    int
	disconnects int
}

func (p *fakePairer) GetQRChannel(context.Context) (<-chan whatsmeow.QRChannelItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return nil, errors.New("socket busy")
	}
	if len(p.batches) == 0 {
		return nil, errors.New("no codes")
	}
	next := p.batches[0]
	p.batches = p.batches[1:]
	return batch(next...), nil
}

func (p *fakePairer) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects++
	return nil
}

func (p *fakePairer) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnects++
}

func batch(items ...whatsmeow.QRChannelItem) <-chan whatsmeow.QRChannelItem {
	ch := make(chan whatsmeow.QRChannelItem, len(items))
	for _, item := range items {
		ch <- item
	}
	close(ch)
	return ch
}

func code(c string) whatsmeow.QRChannelItem {
	return whatsmeow.QRChannelItem{Event: whatsmeow.QRChannelEventCode, Code: c}
}

func fastPairRetry(t *testing.T) {
	t.Helper()
	delay, maxDelay := pairRetryDelay, pairRetryMaxDelay
	pairRetryDelay, pairRetryMaxDelay = time.Millisecond, 5*time.Millisecond
	t.Cleanup(func() { pairRetryDelay, pairRetryMaxDelay = delay, maxDelay })
}

func recordingClient() (*Client, func() []session.Event) {
	var (
		mu  sync.Mutex
		got []session.Event
	)
	c := &Client{logger: zerolog.Nop()}
	c.OnEvent(func(evt session.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, evt)
	})
	return c, func() []session.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]session.Event(nil), got...)
	}
}

func TestPairRequestsNewCodesAfterTimeout(t *testing.T) {
	fastPairRetry(t)
	p := &fakePairer{
		batches: [][]whatsmeow.QRChannelItem{
			{code("b"), whatsmeow.QRChannelTimeout},
			{code("c"), whatsmeow.QRChannelSuccess},
		},
		failures: 1,
	}
	c, events := recordingClient()

	c.pair(t.Context(), p, batch(code("a"), whatsmeow.QRChannelTimeout))

	var codes []string
	for _, evt := range events() {
		require.Equal(t, session.EventPairingCode, evt.Kind)
		codes = append(codes, evt.Code)
	}
	assert.Equal(t, []string{"a", "b", "c"}, codes)
	assert.Equal(t, 2, p.connects)
	assert.Equal(t, 3, p.disconnects)
}

func TestPairStopsOnPairingError(t *testing.T) {
	p := &fakePairer{}
	c, events := recordingClient()

	c.pair(t.Context(), p, batch(code("a"), whatsmeow.QRChannelItem{Event: whatsmeow.QRChannelEventError, Error: errors.New("bad pair")}))

	got := events()
	require.Len(t, got, 2)
	assert.Equal(t, session.EventPairingCode, got[0].Kind)
	assert.Equal(t, session.EventAuthFailure, got[1].Kind)
	assert.Equal(t, "bad pair", got[1].Reason)
	assert.Zero(t, p.connects)
}

func TestPairRetriesUntilCancelled(t *testing.T) {
	fastPairRetry(t)
	p := &fakePairer{}
	c, events := recordingClient()
	ctx, cancel := context.WithCancel(t.Context())

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.pair(ctx, p, batch(whatsmeow.QRChannelTimeout))
	}()

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.disconnects >= 3
	}, 2*time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pairing loop did not stop after cancel")
	}
	assert.Empty(t, events())
	assert.Zero(t, p.connects)
}
