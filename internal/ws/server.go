// Package ws is the front-end gateway: a websocket endpoint that binds each
// connection to its user's session as a push channel, plus a few plain HTTP
// routes for health, metrics, session listing and downloads.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/wa-export/exportd/internal/export"
	"github.com/wa-export/exportd/internal/journal"
	"github.com/wa-export/exportd/internal/session"
	"github.com/wa-export/exportd/internal/userdata"
)

const defaultLogoutTimeout = 15 * time.Second

// Sessions is the part of the session manager the gateway drives.
type Sessions interface {
	Create(userID, username string, ch session.Channel) bool
	Reconnect(userID string, ch session.Channel) bool
	Disconnect(userID string)
	Logout(ctx context.Context, userID string)
	Status(userID string) (session.Status, bool)
	Active() []session.Status
}

type Exports interface {
	Contacts(ctx context.Context, userID string, ch session.Channel) (export.ContactsDone, error)
	ReadChats(ctx context.Context, userID, fileName string, ch session.Channel) (export.ChatsDone, error)
}

type Options struct {
	Sessions Sessions
	Exports  Exports
	Journal  *journal.Journal
	Layout   *userdata.Layout
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger

	// Token, when set, must be presented as a bearer token on every route
	// except /healthz and /metrics.
	Token          string
	UserIDHeader   string
	UsernameHeader string
	AllowedOrigins []string
	LogoutTimeout  time.Duration
}

type Server struct {
	sessions Sessions
	exports  Exports
	journal  *journal.Journal
	layout   *userdata.Layout
	gatherer prometheus.Gatherer
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	token          string
	userIDHeader   string
	usernameHeader string
	logoutTimeout  time.Duration

	// base is cancelled on Stop and bounds long-running commands.
	base   context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup

	mu    sync.Mutex
	conns map[string]*Conn

	server *http.Server
}

func NewServer(opts Options) *Server {
	base, cancel := context.WithCancel(context.Background())
	s := &Server{
		sessions:       opts.Sessions,
		exports:        opts.Exports,
		journal:        opts.Journal,
		layout:         opts.Layout,
		gatherer:       opts.Gatherer,
		logger:         opts.Logger.With().Str("component", "gateway").Logger(),
		upgrader:       makeUpgrader(opts.AllowedOrigins),
		token:          opts.Token,
		userIDHeader:   opts.UserIDHeader,
		usernameHeader: opts.UsernameHeader,
		logoutTimeout:  opts.LogoutTimeout,
		base:           base,
		cancel:         cancel,
		conns:          make(map[string]*Conn),
	}
	if s.userIDHeader == "" {
		s.userIDHeader = "X-User-Id"
	}
	if s.usernameHeader == "" {
		s.usernameHeader = "X-User-Name"
	}
	if s.logoutTimeout <= 0 {
		s.logoutTimeout = defaultLogoutTimeout
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	return s
}

func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/v1/sessions", s.handleSessions)
	mux.HandleFunc("/v1/journal", s.handleJournal)
	mux.HandleFunc("/download", s.handleDownloadContacts)
	mux.HandleFunc("/download-zip", s.handleDownloadChats)
	return mux
}

// Start serves on addr in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		s.logger.Info().Str("listen", ln.Addr().String()).Msg("gateway listening")
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("gateway server error")
		}
	}()
	return nil
}

// Stop shuts the HTTP server down, closes open connections and cancels
// running commands, waiting for them until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	s.cancel()

	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

type identity struct {
	userID   string
	username string
	ip       string
}

// authenticate checks the bearer token, if configured.
func (s *Server) authenticate(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) == 1
}

// identify authenticates r and reads the user identity set by the fronting
// account service.
func (s *Server) identify(w http.ResponseWriter, r *http.Request) (identity, bool) {
	if !s.authenticate(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return identity{}, false
	}
	id := identity{
		userID:   strings.TrimSpace(r.Header.Get(s.userIDHeader)),
		username: strings.TrimSpace(r.Header.Get(s.usernameHeader)),
		ip:       clientIP(r),
	}
	if id.userID == "" || !userdata.ValidUserID(id.userID) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return identity{}, false
	}
	if id.username == "" {
		id.username = "user-" + id.userID
	}
	return id, true
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identify(w, r)
	if !ok {
		return
	}
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := newConn(wsConn, s.logger.With().Str("user_id", id.userID).Logger())
	s.track(conn)
	go conn.writePump()

	conn.logger.Info().Str("username", id.username).Str("ip", id.ip).Msg("front end connected")
	conn.Emit(session.NotifyLog, "Welcome, "+id.username+"!")
	if s.sessions.Reconnect(id.userID, conn) {
		conn.logger.Info().Msg("existing session found, channel rebound")
		conn.Emit(session.NotifyLog, "Restored your active session.")
		s.replay(id.userID, conn)
	}

	conn.readLoop(func(in Inbound) { s.dispatch(id, conn, in) })

	s.untrack(conn)
	conn.logger.Info().Msg("front end disconnected")
}

// replay brings a rebound channel up to the session's current state.
func (s *Server) replay(userID string, conn *Conn) {
	st, ok := s.sessions.Status(userID)
	if !ok {
		return
	}
	switch st.State {
	case session.StateReady:
		conn.Emit(session.NotifyReady, nil)
	case session.StatePairing:
		if st.QR != "" {
			conn.Emit(session.NotifyQR, st.QR)
		}
	default:
		conn.Emit(session.NotifyLog, "Your session is starting, please wait.")
	}
}

func (s *Server) track(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.ID()] = c
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c.ID())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(s.sessions.Active()),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authenticate(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	active := s.sessions.Active()
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions":    active,
		"total_count": len(active),
	})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authenticate(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	entries, err := s.journal.Recent(100)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read journal")
		http.Error(w, "Failed to read journal", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
