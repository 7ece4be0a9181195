// Package wa implements the session automation client on top of whatsmeow.
// Each user gets a device store and a message history under their session
// directory.
package wa

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/wa-export/exportd/internal/history"
	"github.com/wa-export/exportd/internal/session"
	"github.com/wa-export/exportd/internal/userdata"
)

var (
	errNotInitialized = errors.New("client not initialized")
	errDestroyed      = errors.New("client destroyed")
)

type Config struct {
	DeviceDB  string
	HistoryDB string
	// LibraryLogLevel filters whatsmeow's own logging.
	LibraryLogLevel string
}

// Factory returns a session.ClientFactory producing whatsmeow clients.
// Construction does no I/O; stores are opened by Initialize.
func Factory(cfg Config, logger zerolog.Logger) session.ClientFactory {
	if cfg.DeviceDB == "" {
		cfg.DeviceDB = "device.db"
	}
	if cfg.HistoryDB == "" {
		cfg.HistoryDB = "history.db"
	}
	return func(userID string, dirs userdata.Dirs) (session.Client, error) {
		if dirs.Session == "" {
			return nil, fmt.Errorf("user %s: session directory not set", userID)
		}
		log := logger.With().Str("component", "whatsapp").Str("user_id", userID).Logger()
		client := &Client{
			userID:      userID,
			devicePath:  filepath.Join(dirs.Session, cfg.DeviceDB),
			historyPath: filepath.Join(dirs.Session, cfg.HistoryDB),
			logger:      log,
			waLogger:    newLogger(log, cfg.LibraryLogLevel),
		}
		client.open = client.openStores
		return client, nil
	}
}

type Client struct {
	userID      string
	devicePath  string
	historyPath string
	logger      zerolog.Logger
	waLogger    waLog.Logger
	open        func(context.Context) (stores, error)

	mu        sync.Mutex
	handler   session.EventHandler
	container *sqlstore.Container
	cli       *whatsmeow.Client
	history   *history.Store
	stopQR    context.CancelFunc
	started   bool
	closed    bool
}

func (c *Client) OnEvent(handler session.EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// stores are the per-user databases a client owns once opened.
type stores struct {
	container *sqlstore.Container
	device    *store.Device
	history   *history.Store
}

func (s stores) close() error {
	return errors.Join(s.history.Close(), s.container.Close())
}

func (c *Client) openStores(ctx context.Context) (stores, error) {
	container, err := sqlstore.New(ctx, "sqlite3", "file:"+c.devicePath+"?_foreign_keys=on", c.waLogger.Sub("Database"))
	if err != nil {
		return stores{}, fmt.Errorf("failed to open device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return stores{}, fmt.Errorf("failed to load device: %w", err)
	}
	hist, err := history.Open(c.historyPath)
	if err != nil {
		container.Close()
		return stores{}, err
	}
	return stores{container: container, device: device, history: hist}, nil
}

// Initialize opens the stores and connects. Unpaired devices get a pairing
// channel whose codes are reported as EventPairingCode. Once the stores are
// published, closing them is Destroy's job.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return errDestroyed
	case c.started:
		c.mu.Unlock()
		return errors.New("client already initialized")
	}
	c.started = true
	c.mu.Unlock()

	st, err := c.open(ctx)
	if err != nil {
		return err
	}

	cli := whatsmeow.NewClient(st.device, c.waLogger.Sub("Client"))
	cli.AddEventHandler(c.handleEvent)

	// Event handlers read these, so they are published before connecting.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if err := st.close(); err != nil {
			c.logger.Warn().Err(err).Msg("failed to close stores")
		}
		return errDestroyed
	}
	c.container, c.cli, c.history = st.container, cli, st.history
	c.mu.Unlock()

	if cli.Store.ID == nil {
		qrCtx, cancel := context.WithCancel(context.Background())
		qrItems, err := cli.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			c.Destroy(ctx)
			return fmt.Errorf("failed to open pairing channel: %w", err)
		}
		c.mu.Lock()
		closed := c.closed
		c.stopQR = cancel
		c.mu.Unlock()
		if closed {
			cancel()
			return errDestroyed
		}
		go c.pair(qrCtx, cli, qrItems)
	}

	if err := cli.Connect(); err != nil {
		c.Destroy(ctx)
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		// Destroy may have disconnected before Connect ran.
		cli.Disconnect()
		return errDestroyed
	}
	c.logger.Debug().Bool("paired", cli.Store.ID != nil).Msg("client connected")
	return nil
}

func (c *Client) handleEvent(evt any) {
	switch evt := evt.(type) {
	case *events.Message:
		c.storeMessage(evt)
		return
	case *events.HistorySync:
		c.storeHistory(evt)
		return
	}
	if mapped, ok := lifecycleEvent(evt); ok {
		c.dispatch(mapped)
	}
}

func (c *Client) dispatch(evt session.Event) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler != nil {
		handler(evt)
	}
}

func (c *Client) historyStore() *history.Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	return c.history
}

func (c *Client) storeMessage(evt *events.Message) {
	hist := c.historyStore()
	if hist == nil {
		return
	}
	msg, ok := historyMessage(evt)
	if !ok {
		return
	}
	if err := hist.Put(msg); err != nil {
		c.logger.Warn().Err(err).Str("chat", msg.ChatID).Msg("failed to store message")
	}
}

func (c *Client) storeHistory(evt *events.HistorySync) {
	hist := c.historyStore()
	c.mu.Lock()
	cli := c.cli
	c.mu.Unlock()
	if hist == nil || cli == nil || evt.Data == nil {
		return
	}

	var batch []history.Message
	for _, conv := range evt.Data.GetConversations() {
		chatJID, err := types.ParseJID(conv.GetID())
		if err != nil {
			continue
		}
		for _, hm := range conv.GetMessages() {
			parsed, err := cli.ParseWebMessage(chatJID, hm.GetMessage())
			if err != nil {
				continue
			}
			if msg, ok := historyMessage(parsed); ok {
				batch = append(batch, msg)
			}
		}
	}
	if len(batch) == 0 {
		return
	}
	if err := hist.Put(batch...); err != nil {
		c.logger.Warn().Err(err).Int("messages", len(batch)).Msg("failed to store history sync")
		return
	}
	c.logger.Debug().Int("messages", len(batch)).Msg("history sync stored")
}

func (c *Client) live() (*whatsmeow.Client, *history.Store, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.cli == nil {
		return nil, nil, errNotInitialized
	}
	return c.cli, c.history, nil
}

func (c *Client) Logout(ctx context.Context) error {
	cli, _, err := c.live()
	if err != nil {
		return err
	}
	return cli.Logout(ctx)
}

// Destroy disconnects and closes the stores. The device store file stays on
// disk, so a later client for the same user resumes without pairing.
func (c *Client) Destroy(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cli, container, hist, stopQR := c.cli, c.container, c.history, c.stopQR
	c.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		if stopQR != nil {
			stopQR()
		}
		if cli != nil {
			cli.Disconnect()
		}
		var errs []error
		if hist != nil {
			errs = append(errs, hist.Close())
		}
		if container != nil {
			errs = append(errs, container.Close())
		}
		done <- errors.Join(errs...)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Chats lists known one-to-one and group chats: every stored contact plus
// every chat seen in history.
func (c *Client) Chats(ctx context.Context) ([]session.Chat, error) {
	cli, hist, err := c.live()
	if err != nil {
		return nil, err
	}
	contacts, err := cli.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load contacts: %w", err)
	}

	chats := make(map[string]session.Chat, len(contacts))
	for jid, info := range contacts {
		if !exportable(jid) {
			continue
		}
		chats[jid.String()] = chatFor(jid, contactName(info))
	}

	ids, err := hist.Chats()
	if err != nil {
		return nil, fmt.Errorf("failed to list stored chats: %w", err)
	}
	for _, id := range ids {
		if _, ok := chats[id]; ok {
			continue
		}
		jid, err := types.ParseJID(id)
		if err != nil || !exportable(jid) {
			continue
		}
		chats[id] = chatFor(jid, "")
	}

	out := make([]session.Chat, 0, len(chats))
	for _, chat := range chats {
		out = append(out, chat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ChatByNumber resolves the one-to-one chat for a phone number. Unknown
// numbers resolve to a chat without a contact name.
func (c *Client) ChatByNumber(ctx context.Context, number string) (session.Chat, error) {
	cli, _, err := c.live()
	if err != nil {
		return session.Chat{}, err
	}
	if number == "" {
		return session.Chat{}, errors.New("empty phone number")
	}
	jid := types.NewJID(number, types.DefaultUserServer)
	info, err := cli.Store.Contacts.GetContact(ctx, jid)
	if err != nil {
		return session.Chat{}, fmt.Errorf("failed to load contact %s: %w", number, err)
	}
	return chatFor(jid, contactName(info)), nil
}

func (c *Client) Messages(ctx context.Context, chatID string, limit int) ([]session.Message, error) {
	_, hist, err := c.live()
	if err != nil {
		return nil, err
	}
	stored, err := hist.Messages(chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read messages for %s: %w", chatID, err)
	}
	out := make([]session.Message, 0, len(stored))
	for _, m := range stored {
		out = append(out, session.Message{ID: m.ID, Timestamp: m.Timestamp, FromMe: m.FromMe, Body: m.Body})
	}
	return out, nil
}

func chatFor(jid types.JID, name string) session.Chat {
	return session.Chat{
		ID:      jid.String(),
		IsGroup: jid.Server == types.GroupServer,
		Contact: session.Contact{Number: jid.User, Name: name},
	}
}
