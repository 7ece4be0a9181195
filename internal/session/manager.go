package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wa-export/exportd/internal/metrics"
	"github.com/wa-export/exportd/internal/userdata"
)

// Destroy reasons, also used as metric labels.
const (
	reasonDestroy     = "destroy"
	reasonDisconnect  = "disconnect"
	reasonLogout      = "logout"
	reasonAuthFailure = "auth_failure"
	reasonInitFailure = "init_failure"
	reasonUserRemoved = "user_removed"
	reasonShutdown    = "shutdown"
)

const defaultTeardownTimeout = 30 * time.Second

type Options struct {
	Layout          *userdata.Layout
	NewClient       ClientFactory
	RenderQR        QRRenderer
	Metrics         *metrics.Metrics
	Logger          zerolog.Logger
	TeardownTimeout time.Duration
}

// Manager owns the lifecycle of per-user automation clients. At most one
// client runs per user; the registry is the only place that decides it.
type Manager struct {
	registry        *Registry
	layout          *userdata.Layout
	newClient       ClientFactory
	renderQR        QRRenderer
	metrics         *metrics.Metrics
	logger          zerolog.Logger
	teardownTimeout time.Duration
	now             func() time.Time

	// background tracks initialize and teardown goroutines.
	background sync.WaitGroup
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		registry:        NewRegistry(),
		layout:          opts.Layout,
		newClient:       opts.NewClient,
		renderQR:        opts.RenderQR,
		metrics:         opts.Metrics,
		logger:          opts.Logger.With().Str("component", "session-manager").Logger(),
		teardownTimeout: opts.TeardownTimeout,
		now:             time.Now,
	}
	if m.renderQR == nil {
		m.renderQR = PNGDataURL
	}
	if m.teardownTimeout <= 0 {
		m.teardownTimeout = defaultTeardownTimeout
	}
	return m
}

func (m *Manager) userLogger(userID, username string) zerolog.Logger {
	return m.logger.With().Str("user_id", userID).Str("username", username).Logger()
}

// Create starts a client for userID and binds ch as its push channel. It
// returns false, after telling ch, when the user already has a session or
// one is being created; such a call touches neither disk nor client.
// Pairing and readiness are reported later through ch.
func (m *Manager) Create(userID, username string, ch Channel) bool {
	log := m.userLogger(userID, username)

	if !m.registry.Claim(userID) {
		m.alreadyRunning(ch, log)
		return false
	}
	defer m.registry.Release(userID)

	log.Info().Msg("creating session")
	dirs, err := m.layout.Ensure(userID)
	if err != nil {
		log.Error().Err(err).Msg("failed to prepare user directories")
		emitTo(ch, log, notification{NotifyLog, "Could not prepare your session storage. Try again."})
		return false
	}

	client, err := m.newClient(userID, dirs)
	if err != nil {
		log.Error().Err(err).Msg("failed to construct client")
		emitTo(ch, log, notification{NotifyLog, "Critical error while starting the client. Try again."})
		return false
	}

	rec := newRecord(userID, username, client, ch, m.now())
	m.registry.Put(userID, rec)
	m.metrics.SessionCreated()

	client.OnEvent(m.relay(rec))

	m.background.Add(1)
	go m.initialize(rec)
	return true
}

func (m *Manager) initialize(rec *Record) {
	defer m.background.Done()
	log := m.userLogger(rec.UserID, rec.Username)

	if err := rec.Client.Initialize(context.Background()); err != nil {
		log.Error().Err(err).Msg("client initialization failed")
		m.deliver(rec, log, notification{NotifyLog, "Critical error while starting the client. Try again."})
		m.destroyRecord(rec, reasonInitFailure)
		return
	}
	log.Debug().Msg("client initialization started")
}

func (m *Manager) alreadyRunning(ch Channel, log zerolog.Logger) {
	log.Info().Msg("session already running")
	emitTo(ch, log, notification{NotifyLog, "Your session is already running."})
}

// Destroy removes the user's record and tears its client down in the
// background. Unknown users are a no-op.
func (m *Manager) Destroy(userID string) {
	m.destroy(userID, reasonDestroy)
}

func (m *Manager) destroy(userID, reason string) bool {
	rec, ok := m.registry.Remove(userID)
	if !ok {
		return false
	}
	m.teardown(rec, reason)
	return true
}

// destroyRecord is Destroy for callers holding a specific record: a late
// event from a replaced client must not remove its successor.
func (m *Manager) destroyRecord(rec *Record, reason string) bool {
	if !m.registry.RemoveIf(rec.UserID, rec) {
		return false
	}
	m.teardown(rec, reason)
	return true
}

// teardown runs after the record has left the registry, so the registry is
// consistent whatever the client does. Errors from Destroy are logged and
// dropped on purpose: the caller has nothing left to clean up.
func (m *Manager) teardown(rec *Record, reason string) {
	log := m.userLogger(rec.UserID, rec.Username)
	m.metrics.SessionDestroyed(reason)
	log.Info().Str("reason", reason).Msg("session record removed")

	m.background.Add(1)
	go func() {
		defer m.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.teardownTimeout)
		defer cancel()
		if err := rec.Client.Destroy(ctx); err != nil {
			log.Warn().Err(err).Msg("client teardown failed")
			return
		}
		log.Debug().Msg("client torn down")
	}()
}

// Disconnect stops the user's client but keeps stored credentials, so the
// next Create resumes without pairing.
func (m *Manager) Disconnect(userID string) {
	rec, ok := m.registry.Get(userID)
	if !ok {
		return
	}
	log := m.userLogger(userID, rec.Username)
	log.Info().Msg("soft disconnect")
	if m.destroy(userID, reasonDisconnect) {
		log.Info().Msg("session disconnected, credentials kept")
	}
}

// Logout revokes the user's credentials and then destroys the session even
// if revocation failed. Local state wins over the remote outcome.
func (m *Manager) Logout(ctx context.Context, userID string) {
	rec, ok := m.registry.Get(userID)
	if !ok {
		return
	}
	log := m.userLogger(userID, rec.Username)
	log.Info().Msg("full logout")

	if err := rec.Client.Logout(ctx); err != nil {
		log.Warn().Err(err).Msg("credential revocation failed, destroying anyway")
	} else {
		log.Info().Msg("credentials revoked")
	}

	removed := m.destroyRecord(rec, reasonLogout)
	// A session created while revocation was in flight owns the directory now.
	if !removed && m.registry.Contains(userID) {
		return
	}
	if err := m.layout.RemoveCredentials(userID); err != nil {
		log.Warn().Err(err).Msg("failed to remove credential directory")
	}
}

// Reconnect binds ch to the user's running session. The client is not
// touched. Returns false when there is nothing to rebind.
func (m *Manager) Reconnect(userID string, ch Channel) bool {
	rec, ok := m.registry.Get(userID)
	if !ok {
		return false
	}
	old := rec.swapChannel(ch)
	m.metrics.Reconnected()

	log := m.userLogger(userID, rec.Username)
	ev := log.Info().Str("channel_id", ch.ID())
	if old != nil {
		ev = ev.Str("previous_channel_id", old.ID())
	}
	ev.Msg("channel rebound")
	return true
}

func (m *Manager) IsActive(userID string) bool {
	return m.registry.Contains(userID)
}

// Client returns the user's live client for collaborators that issue
// operations against an already paired session.
func (m *Manager) Client(userID string) (Client, bool) {
	rec, ok := m.registry.Get(userID)
	if !ok {
		return nil, false
	}
	return rec.Client, true
}

func (m *Manager) Status(userID string) (Status, bool) {
	rec, ok := m.registry.Get(userID)
	if !ok {
		return Status{}, false
	}
	return rec.status(), true
}

func (m *Manager) Active() []Status {
	records := m.registry.Snapshot()
	out := make([]Status, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.status())
	}
	return out
}

// UserRemoved destroys the session of a user whose data directory is gone.
func (m *Manager) UserRemoved(userID string) {
	if m.destroy(userID, reasonUserRemoved) {
		m.logger.Info().Str("user_id", userID).Msg("session destroyed after user directory removal")
	}
}

// Shutdown soft-disconnects every session and waits for background work to
// finish or ctx to expire. Credentials stay on disk so sessions resume after
// a restart without pairing.
func (m *Manager) Shutdown(ctx context.Context) error {
	for _, rec := range m.registry.Snapshot() {
		m.destroyRecord(rec, reasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		m.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func emitTo(ch Channel, log zerolog.Logger, notes ...notification) {
	if ch == nil {
		return
	}
	for _, n := range notes {
		if err := ch.Emit(n.event, n.payload); err != nil {
			log.Debug().Err(err).Str("channel_id", ch.ID()).Str("event", n.event).Msg("emit failed")
			return
		}
	}
}
