package smtp

import (
	"strings"
	"unicode"
)

// Command is the closed set of verbs the SMTP session distinguishes.
type Command int

const (
	CmdUnknown Command = iota
	CmdHelo
	CmdEhlo
	CmdMail
	CmdRcpt
	CmdData
	CmdRset
	CmdNoop
	CmdVrfy
	CmdQuit
	CmdUnimplemented
)

var commandNames = map[string]Command{
	"HELO":     CmdHelo,
	"EHLO":     CmdEhlo,
	"MAIL":     CmdMail,
	"RCPT":     CmdRcpt,
	"DATA":     CmdData,
	"RSET":     CmdRset,
	"NOOP":     CmdNoop,
	"VRFY":     CmdVrfy,
	"QUIT":     CmdQuit,
	"AUTH":     CmdUnimplemented,
	"STARTTLS": CmdUnimplemented,
	"HELP":     CmdUnimplemented,
	"EXPN":     CmdUnimplemented,
	"TURN":     CmdUnimplemented,
	"SEND":     CmdUnimplemented,
	"SAML":     CmdUnimplemented,
	"SOML":     CmdUnimplemented,
}

func (c Command) String() string {
	switch c {
	case CmdHelo:
		return "HELO"
	case CmdEhlo:
		return "EHLO"
	case CmdMail:
		return "MAIL"
	case CmdRcpt:
		return "RCPT"
	case CmdData:
		return "DATA"
	case CmdRset:
		return "RSET"
	case CmdNoop:
		return "NOOP"
	case CmdVrfy:
		return "VRFY"
	case CmdQuit:
		return "QUIT"
	case CmdUnimplemented:
		return "UNIMPLEMENTED"
	default:
		return "UNKNOWN"
	}
}

// parseCommand splits a trimmed command line into its verb and the
// remaining argument text, itself trimmed.
func parseCommand(line string) (Command, string) {
	verb, arg := line, ""
	if i := strings.IndexFunc(line, unicode.IsSpace); i >= 0 {
		verb, arg = line[:i], strings.TrimSpace(line[i:])
	}
	cmd, ok := commandNames[strings.ToUpper(verb)]
	if !ok {
		return CmdUnknown, arg
	}
	return cmd, arg
}
