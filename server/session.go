package server

import (
	"fmt"

	"github.com/migadu/courier/logger"
)

// Session carries the identity of one protocol connection for logging.
// The protocol state machines embed it; it holds no protocol state itself.
type Session struct {
	Id         string
	RemoteIP   string
	Protocol   string
	ServerName string // Host name announced in greetings
	User       string // Authenticated or envelope identity, empty until known
}

func (s *Session) logArgs(format string, args []any) []any {
	user := s.User
	if user == "" {
		user = "none"
	}
	return []any{"proto", s.Protocol, "remote", s.RemoteIP, "user", user, "session", s.Id, "msg", fmt.Sprintf(format, args...)}
}

func (s *Session) Log(format string, args ...any) {
	logger.Info("Session", s.logArgs(format, args)...)
}

func (s *Session) DebugLog(format string, args ...any) {
	logger.Debug("Session", s.logArgs(format, args)...)
}

func (s *Session) WarnLog(format string, args ...any) {
	logger.Warn("Session", s.logArgs(format, args)...)
}
