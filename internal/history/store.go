// Package history keeps a per-user archive of chat messages seen by the
// automation client, so chat exports can be served after the fact.
package history

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var chatsBucket = []byte("chats")

type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	Timestamp time.Time `json:"timestamp"`
	FromMe    bool      `json:"from_me"`
	Body      string    `json:"body"`
}

// Store is a bbolt-backed message archive. Each chat is a nested bucket keyed
// by timestamp then message id, so cursors walk messages in order and
// re-delivered messages overwrite themselves.
type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(chatsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create chats bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Put stores messages, skipping ones without a chat or id.
func (s *Store) Put(msgs ...Message) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		chats := tx.Bucket(chatsBucket)
		for _, msg := range msgs {
			if msg.ChatID == "" || msg.ID == "" {
				continue
			}
			bucket, err := chats.CreateBucketIfNotExists([]byte(msg.ChatID))
			if err != nil {
				return fmt.Errorf("chat %s: %w", msg.ChatID, err)
			}
			data, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			if err := bucket.Put(messageKey(msg), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Messages returns up to limit of the newest messages in chatID, oldest
// first. A limit of zero or less returns every message.
func (s *Store) Messages(chatID string, limit int) ([]Message, error) {
	var out []Message
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(chatsBucket).Bucket([]byte(chatID))
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				continue
			}
			out = append(out, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Chats lists chat ids that have at least one stored message.
func (s *Store) Chats() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(chatsBucket).ForEachBucket(func(k []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

func messageKey(msg Message) []byte {
	key := make([]byte, 8, 8+len(msg.ID))
	binary.BigEndian.PutUint64(key, uint64(msg.Timestamp.UnixNano()))
	return append(key, msg.ID...)
}
