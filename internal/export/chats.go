package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/wa-export/exportd/internal/session"
)

const (
	unnamedChat     = "No_name"
	headerRule      = "=================================================="
	messageTimeFmt  = "02.01.2006, 15:04:05"
	chatsFolderFmt  = "2006-01-02_15-04"
	chatsFilePrefix = "chats_"
)

var ErrInvalidFileName = errors.New("invalid contacts file name")

// ChatsDone is the payload of the chats_done notification.
type ChatsDone struct {
	ZipFileName string `json:"zipFileName"`
}

// ReadChats reads the last messages of every number listed in a contacts
// file, writes one text file per chat into a timestamped folder and zips the
// folder next to it. fileName is reduced to its base name.
func (e *Exporter) ReadChats(ctx context.Context, userID, fileName string, ch session.Channel) (ChatsDone, error) {
	log := e.logger.With().Str("user_id", userID).Str("export", "chats").Logger()

	client, ok := e.clients.Client(userID)
	if !ok {
		progress(ch, log, "Error: no active WhatsApp session found. Please reconnect.")
		return ChatsDone{}, session.ErrNoSession
	}

	base := filepath.Base(fileName)
	if fileName == "" || base == "." || base == ".." || base == string(filepath.Separator) {
		progress(ch, log, "Error: no contacts file selected.")
		return ChatsDone{}, ErrInvalidFileName
	}

	result, err := e.readChats(ctx, userID, base, client, ch, log)
	e.finished("chats", err)
	if err != nil {
		log.Error().Err(err).Str("file", base).Msg("chat read failed")
		progress(ch, log, "Critical error while reading chats.")
		return ChatsDone{}, err
	}

	log.Info().Str("zip", result.ZipFileName).Msg("chats archived")
	progress(ch, log, "Archive complete! The file is ready for download.")
	emit(ch, log, session.NotifyChatsDone, result)
	return result, nil
}

func (e *Exporter) readChats(ctx context.Context, userID, contactsFile string, client session.Client, ch session.Channel, log zerolog.Logger) (ChatsDone, error) {
	dirs, err := e.layout.Ensure(userID)
	if err != nil {
		return ChatsDone{}, err
	}
	contacts, err := parseContacts(filepath.Join(dirs.Contacts, contactsFile))
	if err != nil {
		return ChatsDone{}, fmt.Errorf("failed to read contacts file: %w", err)
	}
	total := len(contacts)
	progress(ch, log, "Found %d contacts in the file. Starting...", total)

	folder := chatsFilePrefix + e.now().Format(chatsFolderFmt)
	folderPath := filepath.Join(dirs.Chats, folder)
	if err := os.MkdirAll(folderPath, 0o755); err != nil {
		return ChatsDone{}, fmt.Errorf("failed to create chats folder: %w", err)
	}

	n := 0
	for _, c := range contacts {
		if c.Number == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return ChatsDone{}, err
		}
		n++
		name, err := e.writeChat(ctx, client, folderPath, n, c.Number)
		if err != nil {
			log.Warn().Err(err).Str("number", c.Number).Msg("failed to read chat")
			progress(ch, log, "[%d/%d] Error with chat %s: could not fetch messages.", n, total, c.Number)
			continue
		}
		progress(ch, log, "[%d/%d] Chat with %s (%s) saved.", n, total, name, c.Number)
	}

	progress(ch, log, "Archiving results...")
	zipName := folder + ".zip"
	if err := zipFolder(folderPath, filepath.Join(dirs.Chats, zipName)); err != nil {
		return ChatsDone{}, fmt.Errorf("failed to archive chats: %w", err)
	}
	return ChatsDone{ZipFileName: zipName}, nil
}

// writeChat saves one chat transcript and returns the contact name used.
func (e *Exporter) writeChat(ctx context.Context, client session.Client, folder string, n int, number string) (string, error) {
	chat, err := client.ChatByNumber(ctx, number)
	if err != nil {
		return "", err
	}
	msgs, err := client.Messages(ctx, chat.ID, e.messageLimit)
	if err != nil {
		return "", err
	}
	name := chat.Contact.Name
	if name == "" {
		name = unnamedChat
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Number: %s\nName: %s\n%s\n\n", number, name, headerRule)
	for _, m := range msgs {
		sender := name
		if m.FromMe {
			sender = "You"
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.Timestamp.Local().Format(messageTimeFmt), sender, m.Body)
	}

	path := filepath.Join(folder, fmt.Sprintf("%d_%s_%s.txt", n, number, transliterate(name)))
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", err
	}
	return name, nil
}
