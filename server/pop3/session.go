package pop3

import (
	"context"
	"strconv"
	"strings"

	"github.com/migadu/courier/helpers"
	"github.com/migadu/courier/mailstore"
	"github.com/migadu/courier/pkg/metrics"
	"github.com/migadu/courier/server"
)

type authState int

const (
	stateUnauthenticated authState = iota
	stateNamed
	stateAuthenticated
)

// POP3Session is the retrieval state machine of one connection. Message
// numbers index the snapshot taken at login and never shift; deletions are
// only marked until QUIT commits them.
type POP3Session struct {
	server.Session
	store mailstore.Store

	state       authState
	pendingUser string
	mailbox     mailstore.Mailbox
	messages    []mailstore.Message
	deleted     map[int]bool
	terminated  bool
}

type handler struct {
	needsAuth bool
	// optionalNumber marks LIST and UIDL, whose message number may be
	// omitted but not given as an empty argument.
	optionalNumber bool
	handle         func(s *POP3Session, ctx context.Context, arg string) Response
}

var handlers map[Command]handler

func init() {
	handlers = map[Command]handler{
		CmdUser:    {false, false, (*POP3Session).handleUser},
		CmdPass:    {false, false, (*POP3Session).handlePass},
		CmdStat:    {true, false, (*POP3Session).handleStat},
		CmdList:    {true, true, (*POP3Session).handleList},
		CmdRetr:    {true, false, (*POP3Session).handleRetr},
		CmdDele:    {true, false, (*POP3Session).handleDele},
		CmdRset:    {true, false, (*POP3Session).handleRset},
		CmdNoop:    {true, false, func(*POP3Session, context.Context, string) Response { return okf("") }},
		CmdUidl:    {true, true, (*POP3Session).handleUidl},
		CmdCapa:    {false, false, (*POP3Session).handleCapa},
		CmdQuit:    {false, false, (*POP3Session).handleQuit},
		CmdUnknown: {false, false, func(*POP3Session, context.Context, string) Response { return respUnknownCommand }},
	}
}

func NewSession(id, remoteIP, hostname string, store mailstore.Store) *POP3Session {
	return &POP3Session{
		Session: server.Session{
			Id:         id,
			RemoteIP:   remoteIP,
			Protocol:   "POP3",
			ServerName: hostname,
		},
		store:   store,
		deleted: make(map[int]bool),
	}
}

func (s *POP3Session) Greeting() Response {
	return okf("POP3 server ready")
}

// Terminated reports whether QUIT has been processed.
func (s *POP3Session) Terminated() bool {
	return s.terminated
}

// Authenticated reports whether a mailbox is bound to the session.
func (s *POP3Session) Authenticated() bool {
	return s.state == stateAuthenticated
}

// Handle processes one command line without its CRLF. The boolean is false
// for blank lines, which get no response and leave the state untouched.
func (s *POP3Session) Handle(ctx context.Context, line string) (Response, bool) {
	if strings.TrimSpace(line) == "" {
		return Response{}, false
	}
	cmd, arg, hasArg := parseCommand(line)
	s.DebugLog("C: %s", helpers.MaskSensitive(line, cmd.String(), "PASS"))

	h := handlers[cmd]
	var r Response
	switch {
	case h.needsAuth && s.state != stateAuthenticated:
		r = respNotAuthenticated
	case h.optionalNumber && hasArg && arg == "":
		r = respMissingMessageNumber
	default:
		r = h.handle(s, ctx, arg)
	}

	result := "success"
	if !r.OK {
		result = "failure"
	}
	metrics.CommandsTotal.WithLabelValues("pop3", cmd.String(), result).Inc()
	return r, true
}

// LineTooLong answers a command line discarded by the reader.
func (s *POP3Session) LineTooLong() Response {
	return respLineTooLong
}

// singleToken rejects arguments carrying any whitespace.
func singleToken(arg string) bool {
	return !strings.ContainsAny(arg, " \t\r\n")
}

func (s *POP3Session) handleUser(_ context.Context, arg string) Response {
	if s.state == stateAuthenticated {
		return respAlreadyAuthenticated
	}
	if !singleToken(arg) {
		return respTooManyParameters
	}
	if arg == "" {
		return errResp("missing username")
	}
	s.pendingUser = arg
	s.state = stateNamed
	return okf("")
}

func (s *POP3Session) handlePass(ctx context.Context, arg string) Response {
	if s.state == stateAuthenticated {
		return respAlreadyAuthenticated
	}
	if s.state != stateNamed {
		return respNoUsername
	}
	if !singleToken(arg) {
		return respTooManyParameters
	}

	user := s.pendingUser
	box, err := s.store.OpenAuthenticated(ctx, user, arg)
	if err != nil {
		s.pendingUser = ""
		s.state = stateUnauthenticated
		s.Log("authentication failed for %s", user)
		metrics.AuthenticationAttempts.WithLabelValues("pop3", "failure").Inc()
		return respInvalidCredentials
	}

	msgs, err := box.Messages(ctx)
	if err != nil {
		s.pendingUser = ""
		s.state = stateUnauthenticated
		s.WarnLog("failed to list mailbox of %s: %v", user, err)
		metrics.AuthenticationAttempts.WithLabelValues("pop3", "error").Inc()
		return errResp("unable to open maildrop")
	}

	s.mailbox = box
	s.messages = msgs
	clear(s.deleted)
	s.pendingUser = ""
	s.state = stateAuthenticated
	s.User = box.Address()
	metrics.AuthenticationAttempts.WithLabelValues("pop3", "success").Inc()

	count, size := s.totals()
	s.Log("authenticated, %d messages", count)
	return okf("maildrop has %d messages (%d octets)", count, size)
}

// totals counts and sizes the messages not marked for deletion.
func (s *POP3Session) totals() (int, int64) {
	var (
		count int
		size  int64
	)
	for i, msg := range s.messages {
		if s.deleted[i+1] {
			continue
		}
		count++
		size += msg.Size()
	}
	return count, size
}

// message resolves a message number argument. On failure msg is nil and
// the error response is returned instead.
func (s *POP3Session) message(arg string) (int, mailstore.Message, Response) {
	if arg == "" {
		return 0, nil, respMissingMessageNumber
	}
	if !singleToken(arg) {
		return 0, nil, respTooManyParameters
	}
	for _, c := range arg {
		if c < '0' || c > '9' {
			return 0, nil, respInvalidMessageNumber
		}
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(s.messages) || s.deleted[n] {
		return 0, nil, respNoSuchMessage
	}
	return n, s.messages[n-1], Response{}
}

func (s *POP3Session) handleStat(_ context.Context, _ string) Response {
	count, size := s.totals()
	return okf("%d %d", count, size)
}

func (s *POP3Session) handleList(_ context.Context, arg string) Response {
	if arg != "" {
		n, msg, fail := s.message(arg)
		if msg == nil {
			return fail
		}
		return okf("%d %d", n, msg.Size())
	}

	count, size := s.totals()
	r := okf("%d messages (%d octets)", count, size)
	r.Multiline = true
	for i, msg := range s.messages {
		if !s.deleted[i+1] {
			r.Lines = append(r.Lines, strconv.Itoa(i+1)+" "+strconv.FormatInt(msg.Size(), 10))
		}
	}
	return r
}

func (s *POP3Session) handleUidl(_ context.Context, arg string) Response {
	if arg != "" {
		n, msg, fail := s.message(arg)
		if msg == nil {
			return fail
		}
		return okf("%d %s", n, msg.ID())
	}

	r := okf("")
	r.Multiline = true
	for i, msg := range s.messages {
		if !s.deleted[i+1] {
			r.Lines = append(r.Lines, strconv.Itoa(i+1)+" "+msg.ID())
		}
	}
	return r
}

func (s *POP3Session) handleRetr(ctx context.Context, arg string) Response {
	n, msg, fail := s.message(arg)
	if msg == nil {
		return fail
	}

	var lines []string
	for line, err := range msg.Lines(ctx) {
		if err != nil {
			s.WarnLog("failed to read message %d: %v", n, err)
			return respReadError
		}
		lines = append(lines, line)
	}

	metrics.MessagesRetrieved.Inc()
	r := okf("%d octets", msg.Size())
	r.Multiline = true
	r.Lines = lines
	return r
}

func (s *POP3Session) handleDele(_ context.Context, arg string) Response {
	n, msg, fail := s.message(arg)
	if msg == nil {
		return fail
	}
	s.deleted[n] = true
	return okf("message %d deleted", n)
}

func (s *POP3Session) handleRset(_ context.Context, _ string) Response {
	clear(s.deleted)
	count, size := s.totals()
	return okf("maildrop has %d messages (%d octets)", count, size)
}

func (s *POP3Session) handleCapa(_ context.Context, _ string) Response {
	r := okf("Capability list follows")
	r.Multiline = true
	r.Lines = []string{"USER", "UIDL"}
	return r
}

func (s *POP3Session) handleQuit(ctx context.Context, _ string) Response {
	s.terminated = true
	if s.state == stateAuthenticated && len(s.deleted) > 0 {
		doomed := make([]mailstore.Message, 0, len(s.deleted))
		for i, msg := range s.messages {
			if s.deleted[i+1] {
				doomed = append(doomed, msg)
			}
		}
		if err := s.mailbox.CommitDeletions(ctx, doomed); err != nil {
			s.WarnLog("failed to commit %d deletions: %v", len(doomed), err)
			metrics.DeletionsCommitted.WithLabelValues("failure").Add(float64(len(doomed)))
		} else {
			s.Log("committed %d deletions", len(doomed))
			metrics.DeletionsCommitted.WithLabelValues("success").Add(float64(len(doomed)))
		}
	}
	return okf("goodbye")
}
