// Package journal records user actions in daily JSONL files.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Action string

const (
	ActionStart          Action = "START"
	ActionContactsExport Action = "CONTACTS_EXPORT_START"
	ActionChatsRead      Action = "CHATS_READ_START"
	ActionDisconnect     Action = "WHATSAPP_DISCONNECT"
	ActionLogout         Action = "WHATSAPP_LOGOUT"
)

const (
	fileExt    = ".log"
	dayLayout  = "2006-01-02"
	maxLineLen = 1024 * 1024
)

type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Action    Action    `json:"action"`
	IP        string    `json:"ip,omitempty"`
	Details   string    `json:"details,omitempty"`
}

// Journal appends entries to <dir>/YYYY-MM-DD.log, switching files when the
// UTC day changes. A nil *Journal discards entries.
type Journal struct {
	dir string
	now func() time.Time

	mu   sync.Mutex
	day  string
	file *os.File
}

func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	return &Journal{dir: dir, now: time.Now}, nil
}

func (j *Journal) Dir() string {
	return j.dir
}

// Record stamps e with an id and time when unset and appends it.
func (j *Journal) Record(e Entry) error {
	if j == nil {
		return nil
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = j.now()
	}
	e.Timestamp = e.Timestamp.UTC()

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.openAppend(e.Timestamp.Format(dayLayout)); err != nil {
		return err
	}
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}
	return nil
}

func (j *Journal) openAppend(day string) error {
	if j.file != nil && j.day == day {
		return nil
	}
	if j.file != nil {
		_ = j.file.Close()
		j.file = nil
	}
	path := filepath.Join(j.dir, day+fileExt)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open journal file for append: %w", err)
	}
	j.file = file
	j.day = day
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(limit int) ([]Entry, error) {
	if j == nil {
		return nil, nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return ReadRecent(j.dir, limit)
}

func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// ReadRecent reads up to limit entries from the journal files in dir, newest
// first. Malformed lines are skipped. A limit of zero or less reads all.
func ReadRecent(dir string, limit int) ([]Entry, error) {
	days, err := journalFiles(dir)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, name := range days {
		entries, err := load(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		// Later lines win ties.
		for a, b := 0, len(entries)-1; a < b; a, b = a+1, b-1 {
			entries[a], entries[b] = entries[b], entries[a]
		}
		sort.SliceStable(entries, func(a, b int) bool {
			return entries[a].Timestamp.After(entries[b].Timestamp)
		})
		for _, e := range entries {
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
			out = append(out, e)
		}
	}
	return out, nil
}

// journalFiles lists day files in dir, newest day first.
func journalFiles(dir string) ([]string, error) {
	dirEntries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list journal directory: %w", err)
	}
	var names []string
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		if _, err := time.Parse(dayLayout, strings.TrimSuffix(name, fileExt)); err != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

func load(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxLineLen)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue // Skip invalid lines
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}
