package pop3

import "strings"

// Command is the closed set of POP3 verbs the session understands.
type Command int

const (
	CmdUnknown Command = iota
	CmdUser
	CmdPass
	CmdStat
	CmdList
	CmdRetr
	CmdDele
	CmdRset
	CmdNoop
	CmdUidl
	CmdCapa
	CmdQuit
)

var commandNames = map[string]Command{
	"USER": CmdUser,
	"PASS": CmdPass,
	"STAT": CmdStat,
	"LIST": CmdList,
	"RETR": CmdRetr,
	"DELE": CmdDele,
	"RSET": CmdRset,
	"NOOP": CmdNoop,
	"UIDL": CmdUidl,
	"CAPA": CmdCapa,
	"QUIT": CmdQuit,
}

func (c Command) String() string {
	for name, cmd := range commandNames {
		if cmd == c {
			return name
		}
	}
	return "UNKNOWN"
}

// parseCommand splits a line at the first space. The argument is returned
// untouched so callers can reject stray whitespace; hasArg reports whether
// the separator was present at all.
func parseCommand(line string) (cmd Command, arg string, hasArg bool) {
	verb, arg, hasArg := strings.Cut(line, " ")
	cmd, ok := commandNames[strings.ToUpper(verb)]
	if !ok {
		return CmdUnknown, arg, hasArg
	}
	return cmd, arg, hasArg
}
