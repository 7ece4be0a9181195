package export

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wa-export/exportd/internal/session"
)

const unnamedContact = "No name"

// ContactsDone is the payload of the done notification.
type ContactsDone struct {
	Count    int    `json:"count"`
	FileName string `json:"fileName"`
}

// Contacts writes every one-to-one chat of the user's client to a new file in
// their contacts directory, one "n, number, name" line each, and reports the
// file name with a done notification.
func (e *Exporter) Contacts(ctx context.Context, userID string, ch session.Channel) (ContactsDone, error) {
	log := e.logger.With().Str("user_id", userID).Str("export", "contacts").Logger()

	client, ok := e.clients.Client(userID)
	if !ok {
		progress(ch, log, "Error: no active session to export from.")
		return ContactsDone{}, session.ErrNoSession
	}

	result, err := e.writeContacts(ctx, userID, client, ch)
	e.finished("contacts", err)
	if err != nil {
		log.Error().Err(err).Msg("contacts export failed")
		progress(ch, log, "An error occurred during contact export.")
		return ContactsDone{}, err
	}

	log.Info().Int("count", result.Count).Str("file", result.FileName).Msg("contacts exported")
	progress(ch, log, "Done! Found %d contacts.", result.Count)
	emit(ch, log, session.NotifyDone, result)
	return result, nil
}

func (e *Exporter) writeContacts(ctx context.Context, userID string, client session.Client, ch session.Channel) (ContactsDone, error) {
	dirs, err := e.layout.Ensure(userID)
	if err != nil {
		return ContactsDone{}, err
	}

	stamp := strings.ReplaceAll(e.now().UTC().Format("2006-01-02T15-04-05.000Z"), ".", "-")
	fileName := fmt.Sprintf("contacts_user-%s_%s.txt", userID, stamp)
	file, err := os.OpenFile(filepath.Join(dirs.Contacts, fileName), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return ContactsDone{}, fmt.Errorf("failed to create contacts file: %w", err)
	}
	defer file.Close()

	chats, err := client.Chats(ctx)
	if err != nil {
		return ContactsDone{}, fmt.Errorf("failed to list chats: %w", err)
	}

	w := bufio.NewWriter(file)
	count := 0
	for _, chat := range chats {
		if chat.IsGroup {
			continue
		}
		if err := ctx.Err(); err != nil {
			return ContactsDone{}, err
		}
		name := chat.Contact.Name
		if name == "" {
			name = unnamedContact
		}
		count++
		progress(ch, e.logger, "[%d] Found contact: %s", count, name)
		if _, err := fmt.Fprintf(w, "%d, %s, %s\n", count, chat.Contact.Number, name); err != nil {
			return ContactsDone{}, err
		}
	}
	if err := w.Flush(); err != nil {
		return ContactsDone{}, err
	}
	if err := file.Close(); err != nil {
		return ContactsDone{}, err
	}
	return ContactsDone{Count: count, FileName: fileName}, nil
}

// contactLine is one parsed line of a contacts file.
type contactLine struct {
	Number string
	Name   string
}

// parseContacts reads non-empty lines of a contacts file. Lines without a
// number field are kept as empty entries so progress counts match the file.
func parseContacts(path string) ([]contactLine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []contactLine
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, ",", 3)
		var c contactLine
		if len(fields) > 1 {
			c.Number = strings.TrimSpace(fields[1])
		}
		if len(fields) > 2 {
			c.Name = strings.TrimSpace(fields[2])
		}
		out = append(out, c)
	}
	return out, nil
}
