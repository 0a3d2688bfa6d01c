package smtp

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/migadu/courier/mailstore"
	"github.com/migadu/courier/pkg/metrics"
	"github.com/migadu/courier/server"
)

// SessionOptions tunes a single SMTP session.
type SessionOptions struct {
	// MaxMessageSize caps the collected body in octets. Zero disables the cap.
	MaxMessageSize int64
	// Now supplies the Date header timestamp. Defaults to time.Now.
	Now func() time.Time
}

// SMTPSession is the submission state machine of one connection. It performs
// no I/O of its own: the driver feeds it lines and writes back the replies.
type SMTPSession struct {
	server.Session
	store   mailstore.Store
	maxSize int64
	now     func() time.Time

	heloSeen   bool
	sender     server.Address
	recipients []server.Address
	body       bytes.Buffer
	collecting bool
	overflow   bool
	terminated bool
}

type handler struct {
	needsGreeting bool
	handle        func(s *SMTPSession, ctx context.Context, arg string) Reply
}

var handlers map[Command]handler

func init() {
	handlers = map[Command]handler{
		CmdHelo:          {false, (*SMTPSession).handleHelo},
		CmdEhlo:          {false, (*SMTPSession).handleHelo},
		CmdMail:          {true, (*SMTPSession).handleMail},
		CmdRcpt:          {true, (*SMTPSession).handleRcpt},
		CmdData:          {true, (*SMTPSession).handleData},
		CmdRset:          {false, (*SMTPSession).handleRset},
		CmdNoop:          {false, func(*SMTPSession, context.Context, string) Reply { return replyOK }},
		CmdVrfy:          {false, (*SMTPSession).handleVrfy},
		CmdQuit:          {false, (*SMTPSession).handleQuit},
		CmdUnimplemented: {false, func(*SMTPSession, context.Context, string) Reply { return replyNotImplemented }},
		CmdUnknown:       {false, func(*SMTPSession, context.Context, string) Reply { return replyNotRecognized }},
	}
}

func NewSession(id, remoteIP, hostname string, store mailstore.Store, opts SessionOptions) *SMTPSession {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &SMTPSession{
		Session: server.Session{
			Id:         id,
			RemoteIP:   remoteIP,
			Protocol:   "SMTP",
			ServerName: hostname,
		},
		store:   store,
		maxSize: opts.MaxMessageSize,
		now:     now,
	}
}

// Greeting is the 220 banner sent when the connection opens.
func (s *SMTPSession) Greeting() Reply {
	return reply(220, "%s SMTP server ready", s.ServerName)
}

// Terminated reports whether the driver must close the connection after
// sending the last reply.
func (s *SMTPSession) Terminated() bool {
	return s.terminated
}

// Collecting reports whether the session is reading a message body.
func (s *SMTPSession) Collecting() bool {
	return s.collecting
}

// Handle consumes one input line without its terminator. The boolean is
// false when the line produces no reply: blank lines and body lines.
func (s *SMTPSession) Handle(ctx context.Context, line string) (Reply, bool) {
	if strings.TrimSpace(line) == "" {
		return Reply{}, false
	}
	if s.collecting {
		if line == "." {
			return s.endData(ctx), true
		}
		s.appendBody(server.UnstuffLine(line))
		return Reply{}, false
	}

	cmd, arg := parseCommand(strings.TrimSpace(line))
	s.DebugLog("C: %s", line)

	h := handlers[cmd]
	var r Reply
	if h.needsGreeting && !s.heloSeen {
		r = replyBadSequence
	} else {
		r = h.handle(s, ctx, arg)
	}

	result := "success"
	if !r.Success() {
		result = "failure"
	}
	metrics.CommandsTotal.WithLabelValues("smtp", cmd.String(), result).Inc()
	return r, true
}

// LineTooLong handles an input line that exceeded the line limit and was
// discarded by the reader. Inside a body it poisons the message instead.
func (s *SMTPSession) LineTooLong() (Reply, bool) {
	if s.collecting {
		s.overflow = true
		s.body.Reset()
		return Reply{}, false
	}
	return replyLineTooLong, true
}

func (s *SMTPSession) resetTransaction() {
	s.sender = server.Address{}
	s.recipients = nil
	s.body.Reset()
	s.collecting = false
	s.overflow = false
	s.User = ""
}

func (s *SMTPSession) handleHelo(_ context.Context, arg string) Reply {
	if arg == "" {
		return Reply{501, "Syntax: HELO hostname"}
	}
	s.heloSeen = true
	return reply(250, "%s Hello %s", s.ServerName, arg)
}

func (s *SMTPSession) handleMail(_ context.Context, arg string) Reply {
	path, ok := cutPrefixFold(arg, "FROM:")
	if !ok {
		return Reply{501, "Syntax: MAIL FROM:<address>"}
	}
	addr, err := server.ParsePath(strings.TrimSpace(path))
	if err != nil {
		s.DebugLog("rejected sender: %v", err)
		return Reply{501, "Syntax: MAIL FROM:<address>"}
	}
	s.resetTransaction()
	s.sender = addr
	s.User = addr.FullAddress()
	return replyOK
}

func (s *SMTPSession) handleRcpt(ctx context.Context, arg string) Reply {
	if s.sender.IsZero() {
		return replyBadSequence
	}
	path, ok := cutPrefixFold(arg, "TO:")
	if !ok {
		return Reply{501, "Syntax: RCPT TO:<address>"}
	}
	addr, err := server.ParsePath(strings.TrimSpace(path))
	if err != nil {
		s.DebugLog("rejected recipient: %v", err)
		return Reply{501, "Syntax: RCPT TO:<address>"}
	}
	exists, err := s.store.UserExists(ctx, addr.FullAddress())
	if err != nil {
		s.WarnLog("recipient lookup for %s failed: %v", addr, err)
		return replyLocalError
	}
	if !exists {
		return replyNoSuchUser
	}
	s.recipients = append(s.recipients, addr)
	return replyOK
}

func (s *SMTPSession) handleData(_ context.Context, _ string) Reply {
	if s.sender.IsZero() || len(s.recipients) == 0 {
		return replyBadSequence
	}
	s.body.Reset()
	s.overflow = false
	s.collecting = true
	return replyStartMailInput
}

func (s *SMTPSession) handleRset(_ context.Context, _ string) Reply {
	s.resetTransaction()
	return replyOK
}

func (s *SMTPSession) handleVrfy(ctx context.Context, arg string) Reply {
	candidate := server.VerifyCandidate(arg)
	if candidate == "" {
		return Reply{501, "Syntax: VRFY address"}
	}
	exists, err := s.store.UserExists(ctx, candidate)
	if err != nil {
		s.WarnLog("verify lookup for %s failed: %v", candidate, err)
		return replyLocalError
	}
	if !exists {
		return replyNoSuchUser
	}
	addr, err := server.NewAddress(candidate)
	if err != nil {
		return Reply{501, "Syntax: VRFY address"}
	}
	return Reply{250, addr.FullAddress()}
}

func (s *SMTPSession) handleQuit(_ context.Context, _ string) Reply {
	s.resetTransaction()
	s.terminated = true
	return reply(221, "%s closing connection", s.ServerName)
}

func (s *SMTPSession) appendBody(line string) {
	if s.overflow {
		return
	}
	if s.maxSize > 0 && int64(s.body.Len()+len(line)+2) > s.maxSize {
		s.overflow = true
		s.body.Reset()
		return
	}
	s.body.WriteString(line)
	s.body.WriteString("\r\n")
}

// endData runs on the terminator line. The transaction is cleared whatever
// the outcome.
func (s *SMTPSession) endData(ctx context.Context) Reply {
	defer s.resetTransaction()

	if s.overflow {
		s.Log("message from %s exceeds %d octets", s.sender, s.maxSize)
		metrics.DeliveryFailures.WithLabelValues("too_large").Inc()
		return replyMessageTooLarge
	}

	raw, err := s.render()
	if err != nil {
		s.WarnLog("failed to render headers: %v", err)
		metrics.DeliveryFailures.WithLabelValues("render").Inc()
		return replyLocalError
	}

	boxes := make([]mailstore.Mailbox, 0, len(s.recipients))
	seen := make(map[string]bool, len(s.recipients))
	for _, rcpt := range s.recipients {
		if seen[rcpt.FullAddress()] {
			continue
		}
		seen[rcpt.FullAddress()] = true
		box, err := s.store.OpenForDelivery(ctx, rcpt.FullAddress())
		if err != nil {
			s.WarnLog("recipient %s no longer deliverable: %v", rcpt, err)
			metrics.DeliveryFailures.WithLabelValues("recipient").Inc()
			return replyLocalError
		}
		boxes = append(boxes, box)
	}

	if err := s.store.Deliver(ctx, boxes, raw); err != nil {
		s.WarnLog("delivery failed: %v", err)
		metrics.DeliveryFailures.WithLabelValues("store").Inc()
		return replyLocalError
	}

	metrics.MessagesDelivered.Inc()
	metrics.RecipientsDelivered.Add(float64(len(boxes)))
	metrics.MessageSizeBytes.Observe(float64(len(raw)))
	s.Log("delivered %d octets from %s to %d mailbox(es)", len(raw), s.sender, len(boxes))
	return replyOK
}

// render prepends the From, To and Date delivery headers to the body.
func (s *SMTPSession) render() ([]byte, error) {
	to := make([]*mail.Address, len(s.recipients))
	for i, rcpt := range s.recipients {
		to[i] = &mail.Address{Address: rcpt.FullAddress()}
	}

	// Fields are written last-added first.
	var h mail.Header
	h.SetDate(s.now())
	h.SetAddressList("To", to)
	h.SetAddressList("From", []*mail.Address{{Address: s.sender.FullAddress()}})

	var buf bytes.Buffer
	buf.Grow(s.body.Len() + 256)
	if err := textproto.WriteHeader(&buf, h.Header.Header); err != nil {
		return nil, err
	}
	buf.Write(s.body.Bytes())
	return buf.Bytes(), nil
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	return s[len(prefix):], true
}
