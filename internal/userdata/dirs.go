// Package userdata owns the on-disk layout of per-user directories:
//
//	<root>/user-<id>/session   credentials written by the automation client
//	<root>/user-<id>/contacts  contact exports
//	<root>/user-<id>/chats     chat exports and archives
//
// The package creates and removes directories; it never reads the files that
// other components keep inside them.
package userdata

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const userDirPrefix = "user-"

type Layout struct {
	root string
}

type Dirs struct {
	User     string
	Session  string
	Contacts string
	Chats    string
}

func NewLayout(root string) *Layout {
	return &Layout{root: root}
}

func (l *Layout) Root() string {
	return l.root
}

// Dirs returns the paths for userID without touching the filesystem.
func (l *Layout) Dirs(userID string) Dirs {
	user := filepath.Join(l.root, userDirPrefix+userID)
	return Dirs{
		User:     user,
		Session:  filepath.Join(user, "session"),
		Contacts: filepath.Join(user, "contacts"),
		Chats:    filepath.Join(user, "chats"),
	}
}

// Ensure creates the user's directories if they are missing. Safe to call
// repeatedly.
func (l *Layout) Ensure(userID string) (Dirs, error) {
	if err := validateUserID(userID); err != nil {
		return Dirs{}, err
	}
	dirs := l.Dirs(userID)
	for _, dir := range []string{dirs.Session, dirs.Contacts, dirs.Chats} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return Dirs{}, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return dirs, nil
}

// RemoveCredentials deletes the user's session directory. Contacts and chat
// exports are left in place.
func (l *Layout) RemoveCredentials(userID string) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	return os.RemoveAll(l.Dirs(userID).Session)
}

// HasCredentials reports whether the session directory exists and is not
// empty.
func (l *Layout) HasCredentials(userID string) bool {
	entries, err := os.ReadDir(l.Dirs(userID).Session)
	return err == nil && len(entries) > 0
}

// Users lists the user ids that have a directory under root.
func (l *Layout) Users() ([]string, error) {
	entries, err := os.ReadDir(l.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var users []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if id, ok := UserIDFromDir(entry.Name()); ok {
			users = append(users, id)
		}
	}
	return users, nil
}

// UserIDFromDir extracts the id from a "user-<id>" directory name.
func UserIDFromDir(name string) (string, bool) {
	if !strings.HasPrefix(name, userDirPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(name, userDirPrefix)
	if validateUserID(id) != nil {
		return "", false
	}
	return id, true
}

func validateUserID(userID string) error {
	if userID == "" {
		return fmt.Errorf("empty user id")
	}
	if userID == "." || userID == ".." || strings.ContainsAny(userID, `/\`) {
		return fmt.Errorf("invalid user id %q", userID)
	}
	return nil
}

// ValidUserID reports whether userID can name a user directory.
func ValidUserID(userID string) bool {
	return validateUserID(userID) == nil
}
