package ws

import (
	"context"
	"encoding/json"

	"github.com/wa-export/exportd/internal/journal"
	"github.com/wa-export/exportd/internal/session"
)

// Inbound command types.
const (
	CmdStart          = "start"
	CmdExportContacts = "export_contacts"
	CmdReadChats      = "read_chats"
	CmdDisconnect     = "disconnect_session"
	CmdLogout         = "logout_session"
)

type commandHandler func(s *Server, id identity, conn *Conn, payload json.RawMessage)

type command struct {
	handle commandHandler
	// async commands run off the read loop; they may take minutes.
	async bool
}

var commands = map[string]command{
	CmdStart:          {handle: (*Server).handleStart},
	CmdExportContacts: {handle: (*Server).handleExportContacts, async: true},
	CmdReadChats:      {handle: (*Server).handleReadChats, async: true},
	CmdDisconnect:     {handle: (*Server).handleDisconnect},
	CmdLogout:         {handle: (*Server).handleLogout, async: true},
}

func (s *Server) dispatch(id identity, conn *Conn, in Inbound) {
	cmd, ok := commands[in.Type]
	if !ok {
		conn.logger.Debug().Str("type", in.Type).Msg("unknown command")
		conn.Emit(session.NotifyLog, "Unknown command: "+in.Type)
		return
	}
	if !cmd.async {
		cmd.handle(s, id, conn, in.Payload)
		return
	}
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				conn.logger.Error().Interface("panic", r).Str("type", in.Type).Msg("command panicked")
			}
		}()
		cmd.handle(s, id, conn, in.Payload)
	}()
}

func (s *Server) record(id identity, action journal.Action, details string) {
	err := s.journal.Record(journal.Entry{
		UserID:   id.userID,
		Username: id.username,
		Action:   action,
		IP:       id.ip,
		Details:  details,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("action", string(action)).Msg("failed to write journal entry")
	}
}

func (s *Server) handleStart(id identity, conn *Conn, _ json.RawMessage) {
	s.record(id, journal.ActionStart, "")
	if s.sessions.Create(id.userID, id.username, conn) {
		conn.logger.Info().Msg("session start requested")
		conn.Emit(session.NotifyLog, "Starting the client...")
	}
}

func (s *Server) handleExportContacts(id identity, conn *Conn, _ json.RawMessage) {
	s.record(id, journal.ActionContactsExport, "")
	conn.Emit(session.NotifyLog, "Starting contact export...")
	if _, err := s.exports.Contacts(s.base, id.userID, conn); err != nil {
		conn.logger.Debug().Err(err).Msg("contacts export ended with error")
	}
}

type readChatsPayload struct {
	FileName string `json:"fileName"`
}

func (s *Server) handleReadChats(id identity, conn *Conn, payload json.RawMessage) {
	var p readChatsPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			conn.Emit(session.NotifyLog, "Error: malformed request.")
			return
		}
	}
	s.record(id, journal.ActionChatsRead, "File: "+p.FileName)
	if _, err := s.exports.ReadChats(s.base, id.userID, p.FileName, conn); err != nil {
		conn.logger.Debug().Err(err).Msg("chat read ended with error")
	}
}

type sessionClosed struct {
	Mode string `json:"mode"`
}

func (s *Server) handleDisconnect(id identity, conn *Conn, _ json.RawMessage) {
	s.record(id, journal.ActionDisconnect, "User-initiated soft disconnect")
	conn.Emit(session.NotifyLog, "Disconnecting session...")
	s.sessions.Disconnect(id.userID)
	conn.Emit(session.NotifyLog, "Session disconnected.")
	conn.Emit(session.NotifySessionClosed, sessionClosed{Mode: "disconnect"})
}

func (s *Server) handleLogout(id identity, conn *Conn, _ json.RawMessage) {
	s.record(id, journal.ActionLogout, "User-initiated full logout")
	conn.Emit(session.NotifyLog, "Logging out...")
	ctx, cancel := context.WithTimeout(s.base, s.logoutTimeout)
	defer cancel()
	s.sessions.Logout(ctx, id.userID)
	conn.Emit(session.NotifyLog, "Logged out completely.")
	conn.Emit(session.NotifySessionClosed, sessionClosed{Mode: "logout"})
}
