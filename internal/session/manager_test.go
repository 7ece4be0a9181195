package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wa-export/exportd/internal/userdata"
)

const eventually = 2 * time.Second
const tick = 10 * time.Millisecond

func TestCreateMarksSessionActive(t *testing.T) {
	h := newHarness(t)
	ch := newRecordingChannel("c1")

	require.True(t, h.manager.Create("1", "alice", ch))
	assert.True(t, h.manager.IsActive("1"))

	dirs := h.layout.Dirs("1")
	assert.DirExists(t, dirs.Session)
	assert.DirExists(t, dirs.Contacts)
	assert.DirExists(t, dirs.Chats)

	client, ok := h.manager.Client("1")
	require.True(t, ok)
	assert.Same(t, h.client(t, 0), client)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ActiveSessions))
}

func TestCreateTwiceKeepsFirstClient(t *testing.T) {
	h := newHarness(t)
	ch1 := newRecordingChannel("c1")
	ch2 := newRecordingChannel("c2")

	require.True(t, h.manager.Create("1", "alice", ch1))
	first, _ := h.manager.Client("1")

	assert.False(t, h.manager.Create("1", "alice", ch2))
	second, _ := h.manager.Client("1")

	assert.Same(t, first, second)
	assert.Equal(t, 1, h.clientCount())
	assert.Equal(t, []string{NotifyLog}, ch2.names())
	assert.Contains(t, ch2.payloads(NotifyLog)[0], "already running")

	status, ok := h.manager.Status("1")
	require.True(t, ok)
	assert.Equal(t, "c1", status.ChannelID, "a rejected create must not rebind the channel")
}

func TestConcurrentCreateYieldsOneSession(t *testing.T) {
	h := newHarness(t)

	const callers = 16
	var wg sync.WaitGroup
	results := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- h.manager.Create("1", "alice", newRecordingChannel("c"))
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for ok := range results {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, h.manager.registry.Len())
	assert.Equal(t, 1, h.clientCount(), "rejected creates must not build clients")

	live, _ := h.manager.Client("1")
	assert.Same(t, h.client(t, 0), live)
}

func TestCreateDuringConstructionIsRejectedWithoutSideEffects(t *testing.T) {
	h := newHarness(t)
	building := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	build := h.manager.newClient
	h.manager.newClient = func(userID string, dirs userdata.Dirs) (Client, error) {
		once.Do(func() { close(building) })
		<-proceed
		return build(userID, dirs)
	}

	first := make(chan bool, 1)
	go func() { first <- h.manager.Create("1", "alice", newRecordingChannel("c1")) }()
	<-building

	ch2 := newRecordingChannel("c2")
	assert.False(t, h.manager.Create("1", "alice", ch2))
	logs := ch2.payloads(NotifyLog)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0], "already running")

	close(proceed)
	assert.True(t, <-first)
	assert.Equal(t, 1, h.clientCount())
	assert.True(t, h.manager.IsActive("1"))
}

func TestReconnectRoutesEventsToNewChannel(t *testing.T) {
	h := newHarness(t)
	ch1 := newRecordingChannel("c1")
	ch2 := newRecordingChannel("c2")

	require.True(t, h.manager.Create("1", "alice", ch1))
	client := h.client(t, 0)

	client.fire(Event{Kind: EventPairingCode, Code: "2@abc"})
	assert.Equal(t, []any{"qr:2@abc"}, ch1.payloads(NotifyQR))

	require.True(t, h.manager.Reconnect("1", ch2))
	client.fire(Event{Kind: EventReady})

	assert.Len(t, ch2.payloads(NotifyReady), 1)
	assert.Empty(t, ch1.payloads(NotifyReady))
	assert.Equal(t, []string{NotifyQR, NotifyLog}, ch1.names())

	again, _ := h.manager.Client("1")
	assert.Same(t, client, again, "reconnect must not touch the client")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Reconnects))
}

func TestReconnectWithoutSession(t *testing.T) {
	h := newHarness(t)
	ch := newRecordingChannel("c1")

	assert.False(t, h.manager.Reconnect("1", ch))
	assert.False(t, h.manager.IsActive("1"))
	assert.Empty(t, ch.names())
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.Reconnects))
}

func TestEventsRacingReconnectReachExactlyOneChannel(t *testing.T) {
	h := newHarness(t)
	ch1 := newRecordingChannel("c1")
	ch2 := newRecordingChannel("c2")
	require.True(t, h.manager.Create("1", "alice", ch1))
	client := h.client(t, 0)
	client.waitInitialized(t)

	const n = 200
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			client.fire(Event{Kind: EventPairingCode, Code: fmt.Sprintf("code-%d", i)})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			next := ch1
			if i%2 == 0 {
				next = ch2
			}
			h.manager.Reconnect("1", next)
		}
	}()
	wg.Wait()

	seen := make(map[any]int)
	for _, ch := range []*recordingChannel{ch1, ch2} {
		names := ch.names()
		require.Zero(t, len(names)%2, "channel %s got a partial batch", ch.ID())
		for i := 0; i < len(names); i += 2 {
			assert.Equal(t, []string{NotifyQR, NotifyLog}, names[i:i+2])
		}
		for _, p := range ch.payloads(NotifyQR) {
			seen[p]++
		}
	}
	assert.Len(t, seen, n)
	for code, count := range seen {
		assert.Equal(t, 1, count, "%v delivered %d times", code, count)
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.manager.Create("1", "alice", newRecordingChannel("c1")))
	client := h.client(t, 0)

	h.manager.Destroy("1")
	h.manager.Destroy("1")
	h.manager.Destroy("unknown")

	assert.False(t, h.manager.IsActive("1"))
	assert.Eventually(t, func() bool { return client.destroys() == 1 }, eventually, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, client.destroys())
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.ActiveSessions))
}

func TestDestroySwallowsTeardownFailure(t *testing.T) {
	h := newHarness(t)
	h.prepare = func(c *fakeClient) { c.destroyErr = errors.New("browser stuck") }
	require.True(t, h.manager.Create("1", "alice", newRecordingChannel("c1")))

	assert.NotPanics(t, func() { h.manager.Destroy("1") })
	assert.False(t, h.manager.IsActive("1"))
	assert.Eventually(t, func() bool { return h.client(t, 0).destroys() == 1 }, eventually, tick)

	assert.True(t, h.manager.Create("1", "alice", newRecordingChannel("c2")), "registry must accept a new session")
}

func TestDisconnectKeepsCredentials(t *testing.T) {
	h := newHarness(t)

	require.True(t, h.manager.Create("1", "alice", newRecordingChannel("c1")))
	first := h.client(t, 0)
	first.waitInitialized(t)
	require.True(t, first.pairingRequired())

	h.manager.Disconnect("1")
	assert.False(t, h.manager.IsActive("1"))
	assert.True(t, h.layout.HasCredentials("1"))

	require.True(t, h.manager.Create("1", "alice", newRecordingChannel("c2")))
	second := h.client(t, 1)
	second.waitInitialized(t)
	assert.False(t, second.pairingRequired(), "soft disconnect must not force pairing")
}

func TestLogoutRequiresPairingAgain(t *testing.T) {
	h := newHarness(t)

	require.True(t, h.manager.Create("1", "alice", newRecordingChannel("c1")))
	first := h.client(t, 0)
	first.waitInitialized(t)

	h.manager.Logout(context.Background(), "1")
	assert.False(t, h.manager.IsActive("1"))
	assert.False(t, h.layout.HasCredentials("1"))
	assert.DirExists(t, h.layout.Dirs("1").Contacts)
	assert.Equal(t, 1, first.logouts())
	assert.Eventually(t, func() bool { return first.destroys() == 1 }, eventually, tick)

	require.True(t, h.manager.Create("1", "alice", newRecordingChannel("c2")))
	second := h.client(t, 1)
	second.waitInitialized(t)
	assert.True(t, second.pairingRequired())
}

func TestLogoutRevocationFailureStillDestroys(t *testing.T) {
	h := newHarness(t)
	h.prepare = func(c *fakeClient) { c.logoutErr = errors.New("network down") }
	require.True(t, h.manager.Create("1", "alice", newRecordingChannel("c1")))
	h.client(t, 0).waitInitialized(t)

	h.manager.Logout(context.Background(), "1")

	assert.False(t, h.manager.IsActive("1"))
	assert.False(t, h.layout.HasCredentials("1"))
	assert.Eventually(t, func() bool { return h.client(t, 0).destroys() == 1 }, eventually, tick)
}

func TestLogoutAndDisconnectWithoutSession(t *testing.T) {
	h := newHarness(t)
	assert.NotPanics(t, func() {
		h.manager.Disconnect("1")
		h.manager.Logout(context.Background(), "1")
	})
	assert.Equal(t, 0, h.clientCount())
}

func TestAuthFailureDestroysSession(t *testing.T) {
	h := newHarness(t)
	ch := newRecordingChannel("c1")
	require.True(t, h.manager.Create("1", "alice", ch))
	client := h.client(t, 0)

	client.fire(Event{Kind: EventAuthFailure, Reason: "bad credentials"})

	assert.False(t, h.manager.IsActive("1"))
	logs := ch.payloads(NotifyLog)
	require.NotEmpty(t, logs)
	assert.Contains(t, logs[len(logs)-1], "bad credentials")
	assert.Eventually(t, func() bool { return client.destroys() == 1 }, eventually, tick)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SessionsDestroyed.WithLabelValues("auth_failure")))
}

func TestInitializationFailureDestroysSession(t *testing.T) {
	h := newHarness(t)
	h.prepare = func(c *fakeClient) { c.initErr = errors.New("cannot start") }
	ch := newRecordingChannel("c1")

	require.True(t, h.manager.Create("1", "alice", ch))

	assert.Eventually(t, func() bool { return !h.manager.IsActive("1") }, eventually, tick)
	assert.Eventually(t, func() bool { return h.client(t, 0).destroys() == 1 }, eventually, tick)
	logs := ch.payloads(NotifyLog)
	require.Len(t, logs, 1)
	assert.True(t, strings.Contains(logs[0].(string), "Critical error"))
}

func TestSpontaneousDisconnectKeepsSession(t *testing.T) {
	h := newHarness(t)
	ch := newRecordingChannel("c1")
	require.True(t, h.manager.Create("1", "alice", ch))
	client := h.client(t, 0)

	client.fire(Event{Kind: EventReady})
	client.fire(Event{Kind: EventDisconnected, Reason: "connection lost"})

	assert.True(t, h.manager.IsActive("1"))
	status, _ := h.manager.Status("1")
	assert.Equal(t, StateDisconnected, status.State)
	assert.Contains(t, ch.payloads(NotifyLog)[1], "connection lost")
	assert.Equal(t, 0, client.destroys())
}

func TestEventsFromRetiredClientAreDropped(t *testing.T) {
	h := newHarness(t)
	ch1 := newRecordingChannel("c1")
	ch2 := newRecordingChannel("c2")

	require.True(t, h.manager.Create("1", "alice", ch1))
	old := h.client(t, 0)
	h.manager.Disconnect("1")

	require.True(t, h.manager.Create("1", "alice", ch2))
	old.fire(Event{Kind: EventAuthFailure, Reason: "late"})
	old.fire(Event{Kind: EventReady})

	assert.True(t, h.manager.IsActive("1"))
	assert.Empty(t, ch1.names())
	assert.Empty(t, ch2.names())
	current, _ := h.manager.Client("1")
	assert.Same(t, h.client(t, 1), current)
}

func TestStatusReflectsPairingAndReady(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.manager.Create("1", "alice", newRecordingChannel("c1")))
	client := h.client(t, 0)

	status, ok := h.manager.Status("1")
	require.True(t, ok)
	assert.Equal(t, StateInitializing, status.State)
	assert.Equal(t, "alice", status.Username)

	client.fire(Event{Kind: EventPairingCode, Code: "xyz"})
	status, _ = h.manager.Status("1")
	assert.Equal(t, StatePairing, status.State)
	assert.Equal(t, "qr:xyz", status.QR)

	client.fire(Event{Kind: EventReady})
	status, _ = h.manager.Status("1")
	assert.Equal(t, StateReady, status.State)
	assert.Empty(t, status.QR)

	_, ok = h.manager.Status("2")
	assert.False(t, ok)
}

func TestActiveListsSessionsInOrder(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.manager.Create("2", "bob", newRecordingChannel("b")))
	require.True(t, h.manager.Create("1", "alice", newRecordingChannel("a")))

	active := h.manager.Active()
	require.Len(t, active, 2)
	assert.Equal(t, "1", active[0].UserID)
	assert.Equal(t, "2", active[1].UserID)
}

func TestUserRemovedDestroysSession(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.manager.Create("1", "alice", newRecordingChannel("c1")))

	h.manager.UserRemoved("1")
	h.manager.UserRemoved("1")

	assert.False(t, h.manager.IsActive("1"))
	assert.Eventually(t, func() bool { return h.client(t, 0).destroys() == 1 }, eventually, tick)
}

func TestShutdownDisconnectsEverySession(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.manager.Create("1", "alice", newRecordingChannel("a")))
	require.True(t, h.manager.Create("2", "bob", newRecordingChannel("b")))
	h.client(t, 0).waitInitialized(t)
	h.client(t, 1).waitInitialized(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.manager.Shutdown(ctx))

	assert.Empty(t, h.manager.Active())
	assert.Equal(t, 1, h.client(t, 0).destroys())
	assert.Equal(t, 1, h.client(t, 1).destroys())
	assert.True(t, h.layout.HasCredentials("1"))
}

func TestRelayRecoversFromChannelPanic(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.manager.Create("1", "alice", panickyChannel{}))

	assert.NotPanics(t, func() { h.client(t, 0).fire(Event{Kind: EventReady}) })
	assert.True(t, h.manager.IsActive("1"))
}

type panickyChannel struct{}

func (panickyChannel) ID() string { return "panicky" }

func (panickyChannel) Emit(string, any) error { panic("boom") }
