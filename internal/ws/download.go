package ws

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// handleDownloadContacts serves a contacts export of the calling user. The
// file name must carry the caller's user directory marker.
func (s *Server) handleDownloadContacts(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identify(w, r)
	if !ok {
		return
	}
	name := filepath.Base(r.URL.Query().Get("file"))
	if !strings.Contains(name, "user-"+id.userID) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	s.serveFile(w, r, filepath.Join(s.layout.Dirs(id.userID).Contacts, name), name)
}

// handleDownloadChats serves a chat archive of the calling user.
func (s *Server) handleDownloadChats(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identify(w, r)
	if !ok {
		return
	}
	name := filepath.Base(r.URL.Query().Get("file"))
	if !strings.HasPrefix(name, "chats_") {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	s.serveFile(w, r, filepath.Join(s.layout.Dirs(id.userID).Chats, name), name)
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, path, name string) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeFile(w, r, path)
}
