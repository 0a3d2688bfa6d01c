package smtp

import (
	"bufio"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/courier/consts"
	"github.com/migadu/courier/mailstore"
	"github.com/migadu/courier/mailstore/memstore"
	"github.com/migadu/courier/testutils"
)

const testHostname = "mail.example.com"

var testDate = time.Date(2026, time.March, 14, 15, 9, 26, 0, time.UTC)

func newTestSession(t *testing.T, store mailstore.Store, opts SessionOptions) *SMTPSession {
	t.Helper()
	if opts.Now == nil {
		opts.Now = func() time.Time { return testDate }
	}
	return NewSession("test", "192.0.2.1", testHostname, store, opts)
}

// feed runs lines through the session and returns the replies it produced.
func feed(s *SMTPSession, lines ...string) []string {
	var replies []string
	for _, line := range lines {
		if r, ok := s.Handle(context.Background(), line); ok {
			replies = append(replies, r.String())
		}
	}
	return replies
}

func storedMessages(t *testing.T, store mailstore.Store, user, password string) []mailstore.Message {
	t.Helper()
	box, err := store.OpenAuthenticated(context.Background(), user, password)
	require.NoError(t, err)
	msgs, err := box.Messages(context.Background())
	require.NoError(t, err)
	return msgs
}

// parseStored splits a stored message into its delivery header and body lines.
func parseStored(t *testing.T, msg mailstore.Message) (mail.Header, []string) {
	t.Helper()
	raw := strings.Join(testutils.ReadAll(t, msg), "\r\n") + "\r\n"
	br := bufio.NewReader(strings.NewReader(raw))
	h, err := textproto.ReadHeader(br)
	require.NoError(t, err)

	var body []string
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			body = append(body, strings.TrimSuffix(line, "\r\n"))
		}
		if err != nil {
			break
		}
	}
	return mail.Header{Header: message.Header{Header: h}}, body
}

func TestGreeting(t *testing.T) {
	s := newTestSession(t, memstore.New(testutils.NewUsers(t)), SessionOptions{})
	assert.Equal(t, "220 mail.example.com SMTP server ready", s.Greeting().String())
}

func TestCommandGrid(t *testing.T) {
	tests := []struct {
		name    string
		lines   []string
		replies []string
	}{
		{
			name:    "noop and rset before greeting",
			lines:   []string{"NOOP", "RSET", "RSET"},
			replies: []string{"250 OK", "250 OK", "250 OK"},
		},
		{
			name:    "transaction commands need a greeting",
			lines:   []string{"MAIL FROM:<s@x.com>", "RCPT TO:<alice@example.com>", "DATA"},
			replies: []string{"503 Bad sequence of commands", "503 Bad sequence of commands", "503 Bad sequence of commands"},
		},
		{
			name:    "helo requires a hostname",
			lines:   []string{"HELO", "EHLO"},
			replies: []string{"501 Syntax: HELO hostname", "501 Syntax: HELO hostname"},
		},
		{
			name:    "helo and ehlo greet",
			lines:   []string{"helo client.example.net", "EHLO other.example.net"},
			replies: []string{"250 mail.example.com Hello client.example.net", "250 mail.example.com Hello other.example.net"},
		},
		{
			name:    "rcpt before mail",
			lines:   []string{"HELO a", "RCPT TO:<alice@example.com>"},
			replies: []string{"250 mail.example.com Hello a", "503 Bad sequence of commands"},
		},
		{
			name: "malformed mail arguments",
			lines: []string{
				"HELO a",
				"MAIL s@x.com",
				"MAIL FROM:s@x.com",
				"MAIL FROM:<>",
				"MAIL FROM:<not an address>",
				"MAIL TO:<s@x.com>",
			},
			replies: []string{
				"250 mail.example.com Hello a",
				"501 Syntax: MAIL FROM:<address>",
				"501 Syntax: MAIL FROM:<address>",
				"501 Syntax: MAIL FROM:<address>",
				"501 Syntax: MAIL FROM:<address>",
				"501 Syntax: MAIL FROM:<address>",
			},
		},
		{
			name:    "verbs are case-insensitive and lines are trimmed",
			lines:   []string{"  helo a  ", "mail from:<S@X.com>", "rcpt to: <Alice@Example.com>"},
			replies: []string{"250 mail.example.com Hello a", "250 OK", "250 OK"},
		},
		{
			name:    "unknown recipient keeps the transaction",
			lines:   []string{"HELO a", "MAIL FROM:<s@x.com>", "RCPT TO:<mallory@example.com>", "RCPT TO:<bob@example.com>"},
			replies: []string{"250 mail.example.com Hello a", "250 OK", "550 No such user here", "250 OK"},
		},
		{
			name:    "malformed recipient",
			lines:   []string{"HELO a", "MAIL FROM:<s@x.com>", "RCPT TO:bob@example.com", "RCPT bob@example.com"},
			replies: []string{"250 mail.example.com Hello a", "250 OK", "501 Syntax: RCPT TO:<address>", "501 Syntax: RCPT TO:<address>"},
		},
		{
			name:    "data needs recipients",
			lines:   []string{"HELO a", "MAIL FROM:<s@x.com>", "DATA"},
			replies: []string{"250 mail.example.com Hello a", "250 OK", "503 Bad sequence of commands"},
		},
		{
			name:    "unimplemented commands",
			lines:   []string{"AUTH PLAIN AGFsaWNl", "STARTTLS", "HELP", "EXPN staff", "TURN", "SEND FROM:<s@x.com>", "SAML", "SOML"},
			replies: []string{"502 Command not implemented", "502 Command not implemented", "502 Command not implemented", "502 Command not implemented", "502 Command not implemented", "502 Command not implemented", "502 Command not implemented", "502 Command not implemented"},
		},
		{
			name:    "unrecognized commands",
			lines:   []string{"FOO", "HELO a", "MAILFROM:<s@x.com>"},
			replies: []string{"500 Command not recognized", "250 mail.example.com Hello a", "500 Command not recognized"},
		},
		{
			name:    "blank lines are ignored",
			lines:   []string{"", "   ", "\t", "NOOP"},
			replies: []string{"250 OK"},
		},
		{
			name: "vrfy before any greeting",
			lines: []string{
				"VRFY unknown@example.com",
				"VRFY <alice@example.com>",
				"VRFY Bob@Example.COM",
				"VRFY",
				"VRFY <>",
			},
			replies: []string{
				"550 No such user here",
				"250 alice@example.com",
				"250 bob@example.com",
				"501 Syntax: VRFY address",
				"501 Syntax: VRFY address",
			},
		},
		{
			name:    "quit",
			lines:   []string{"QUIT"},
			replies: []string{"221 mail.example.com closing connection"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession(t, memstore.New(testutils.NewUsers(t)), SessionOptions{})
			assert.Equal(t, tt.replies, feed(s, tt.lines...))
		})
	}
}

func TestQuitTerminatesAndDiscardsTransaction(t *testing.T) {
	store := memstore.New(testutils.NewUsers(t))
	s := newTestSession(t, store, SessionOptions{})

	feed(s, "HELO a", "MAIL FROM:<s@x.com>", "RCPT TO:<alice@example.com>")
	assert.False(t, s.Terminated())
	assert.Equal(t, []string{"221 mail.example.com closing connection"}, feed(s, "QUIT"))
	assert.True(t, s.Terminated())
	assert.Zero(t, store.Count(testutils.Alice))
}

func TestRsetDiscardsEarlierRecipients(t *testing.T) {
	store := memstore.New(testutils.NewUsers(t))
	s := newTestSession(t, store, SessionOptions{})

	replies := feed(s,
		"HELO a",
		"MAIL FROM:<s@x.com>",
		"RCPT TO:<alice@example.com>",
		"RSET",
		"MAIL FROM:<s@x.com>",
		"RCPT TO:<bob@example.com>",
		"DATA",
		"hi",
		".",
	)
	assert.Equal(t, []string{
		"250 mail.example.com Hello a",
		"250 OK",
		"250 OK",
		"250 OK",
		"250 OK",
		"250 OK",
		"354 Start mail input; end with <CRLF>.<CRLF>",
		"250 OK",
	}, replies)

	assert.Zero(t, store.Count(testutils.Alice), "pre-reset recipient must not receive the message")
	msgs := storedMessages(t, store, testutils.Bob, testutils.BobPassword)
	require.Len(t, msgs, 1)
	h, body := parseStored(t, msgs[0])
	to, err := h.AddressList("To")
	require.NoError(t, err)
	require.Len(t, to, 1)
	assert.Equal(t, testutils.Bob, to[0].Address)
	assert.Equal(t, []string{"hi"}, body)
}

func TestMailStartsFreshTransaction(t *testing.T) {
	s := newTestSession(t, memstore.New(testutils.NewUsers(t)), SessionOptions{})
	replies := feed(s, "HELO a", "MAIL FROM:<s@x.com>", "RCPT TO:<alice@example.com>", "MAIL FROM:<t@x.com>", "DATA")
	assert.Equal(t, "503 Bad sequence of commands", replies[len(replies)-1])
}

func TestHeloKeepsOpenTransaction(t *testing.T) {
	s := newTestSession(t, memstore.New(testutils.NewUsers(t)), SessionOptions{})
	replies := feed(s, "HELO a", "MAIL FROM:<s@x.com>", "RCPT TO:<alice@example.com>", "EHLO b", "DATA")
	assert.Equal(t, "354 Start mail input; end with <CRLF>.<CRLF>", replies[len(replies)-1])
	assert.True(t, s.Collecting())
}

func TestDeliveryToEveryRecipient(t *testing.T) {
	store := memstore.New(testutils.NewUsers(t))
	s := newTestSession(t, store, SessionOptions{})

	replies := feed(s,
		"HELO client.example.net",
		"MAIL FROM:<Sender@X.com>",
		"RCPT TO:<alice@example.com>",
		"RCPT TO:<carol@example.org>",
		"RCPT TO:<ALICE@example.com>",
		"DATA",
		"Subject: greetings",
		"hello",
		"..hidden dot",
		"..",
		"",
		"done",
		".",
	)
	assert.Equal(t, "250 OK", replies[len(replies)-1])

	for _, who := range []struct{ user, pass string }{
		{testutils.Alice, testutils.AlicePassword},
		{testutils.Carol, testutils.CarolPassword},
	} {
		msgs := storedMessages(t, store, who.user, who.pass)
		require.Len(t, msgs, 1, "%s gets one copy per distinct mailbox", who.user)

		h, body := parseStored(t, msgs[0])
		from, err := h.AddressList("From")
		require.NoError(t, err)
		require.Len(t, from, 1)
		assert.Equal(t, "sender@x.com", from[0].Address)

		to, err := h.AddressList("To")
		require.NoError(t, err)
		var got []string
		for _, a := range to {
			got = append(got, a.Address)
		}
		assert.Equal(t, []string{testutils.Alice, testutils.Carol, testutils.Alice}, got, "recipients in insertion order")

		date, err := h.Date()
		require.NoError(t, err)
		assert.True(t, testDate.Equal(date))

		assert.Empty(t, h.Get("Subject"), "client lines belong to the body")
		assert.Equal(t, []string{"Subject: greetings", "hello", ".hidden dot", ".", "done"}, body)
	}
	assert.Zero(t, store.Count(testutils.Bob))

	// The transaction is gone but the greeting is kept.
	assert.Equal(t, []string{"503 Bad sequence of commands", "250 OK"}, feed(s, "DATA", "MAIL FROM:<s@x.com>"))
}

func TestNoDeliveryWithoutTerminator(t *testing.T) {
	store := memstore.New(testutils.NewUsers(t))
	s := newTestSession(t, store, SessionOptions{})

	replies := feed(s, "HELO a", "MAIL FROM:<s@x.com>", "RCPT TO:<alice@example.com>", "DATA", "line one", ". not the end", "QUIT")
	assert.Len(t, replies, 4, "body lines produce no replies")
	assert.True(t, s.Collecting())
	assert.False(t, s.Terminated(), "QUIT inside a body is content")
	assert.Zero(t, store.Count(testutils.Alice))
}

type vanishingStore struct {
	mailstore.Store
	gone string
}

func (v *vanishingStore) OpenForDelivery(ctx context.Context, address string) (mailstore.Mailbox, error) {
	if address == v.gone {
		return nil, consts.ErrUserNotFound
	}
	return v.Store.OpenForDelivery(ctx, address)
}

func TestRecipientVanishesBeforeDelivery(t *testing.T) {
	mem := memstore.New(testutils.NewUsers(t))
	s := newTestSession(t, &vanishingStore{Store: mem, gone: testutils.Bob}, SessionOptions{})

	replies := feed(s, "HELO a", "MAIL FROM:<s@x.com>", "RCPT TO:<alice@example.com>", "RCPT TO:<bob@example.com>", "DATA", "hi", ".")
	assert.Equal(t, "451 Requested action aborted: local error in processing", replies[len(replies)-1])
	assert.Zero(t, mem.Count(testutils.Alice), "no partial delivery")
	assert.False(t, s.Collecting())
	assert.Equal(t, []string{"503 Bad sequence of commands"}, feed(s, "DATA"))
}

type failingStore struct {
	mailstore.Store
	lookupErr  error
	deliverErr error
}

func (f *failingStore) UserExists(ctx context.Context, address string) (bool, error) {
	if f.lookupErr != nil {
		return false, f.lookupErr
	}
	return f.Store.UserExists(ctx, address)
}

func (f *failingStore) Deliver(ctx context.Context, boxes []mailstore.Mailbox, raw []byte) error {
	if f.deliverErr != nil {
		return f.deliverErr
	}
	return f.Store.Deliver(ctx, boxes, raw)
}

func TestStoreFailures(t *testing.T) {
	t.Run("lookup", func(t *testing.T) {
		store := &failingStore{Store: memstore.New(testutils.NewUsers(t)), lookupErr: errors.New("disk on fire")}
		s := newTestSession(t, store, SessionOptions{})
		replies := feed(s, "HELO a", "MAIL FROM:<s@x.com>", "RCPT TO:<alice@example.com>", "VRFY alice@example.com")
		assert.Equal(t, []string{
			"250 mail.example.com Hello a",
			"250 OK",
			"451 Requested action aborted: local error in processing",
			"451 Requested action aborted: local error in processing",
		}, replies)
	})

	t.Run("deliver", func(t *testing.T) {
		mem := memstore.New(testutils.NewUsers(t))
		s := newTestSession(t, &failingStore{Store: mem, deliverErr: consts.ErrStoreClosed}, SessionOptions{})
		replies := feed(s, "HELO a", "MAIL FROM:<s@x.com>", "RCPT TO:<alice@example.com>", "DATA", "hi", ".")
		assert.Equal(t, "451 Requested action aborted: local error in processing", replies[len(replies)-1])
		assert.Zero(t, mem.Count(testutils.Alice))
	})
}

func TestMessageSizeLimit(t *testing.T) {
	store := memstore.New(testutils.NewUsers(t))
	s := newTestSession(t, store, SessionOptions{MaxMessageSize: 16})

	replies := feed(s, "HELO a", "MAIL FROM:<s@x.com>", "RCPT TO:<alice@example.com>", "DATA",
		"0123456789", "0123456789", "still consumed", ".")
	assert.Equal(t, "552 Requested mail action aborted: exceeded storage allocation", replies[len(replies)-1])
	assert.Zero(t, store.Count(testutils.Alice))
	assert.Equal(t, []string{"503 Bad sequence of commands"}, feed(s, "DATA"))

	// A short message still fits.
	replies = feed(s, "MAIL FROM:<s@x.com>", "RCPT TO:<alice@example.com>", "DATA", "short", ".")
	assert.Equal(t, "250 OK", replies[len(replies)-1])
	assert.Equal(t, 1, store.Count(testutils.Alice))
}

func TestLineTooLong(t *testing.T) {
	store := memstore.New(testutils.NewUsers(t))
	s := newTestSession(t, store, SessionOptions{})

	r, ok := s.LineTooLong()
	require.True(t, ok)
	assert.Equal(t, "500 Line too long", r.String())

	feed(s, "HELO a", "MAIL FROM:<s@x.com>", "RCPT TO:<alice@example.com>", "DATA", "first")
	_, ok = s.LineTooLong()
	assert.False(t, ok, "no reply in the middle of a body")

	replies := feed(s, "after", ".")
	assert.Equal(t, []string{"552 Requested mail action aborted: exceeded storage allocation"}, replies)
	assert.Zero(t, store.Count(testutils.Alice))
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		cmd  Command
		arg  string
	}{
		{"HELO", CmdHelo, ""},
		{"ehlo  host.example ", CmdEhlo, "host.example"},
		{"MAIL FROM:<a@b.c>", CmdMail, "FROM:<a@b.c>"},
		{"Rcpt\tTO:<a@b.c>", CmdRcpt, "TO:<a@b.c>"},
		{"starttls", CmdUnimplemented, ""},
		{"XYZZY plugh", CmdUnknown, "plugh"},
	}
	for _, tt := range tests {
		cmd, arg := parseCommand(tt.line)
		assert.Equal(t, tt.cmd, cmd, tt.line)
		assert.Equal(t, tt.arg, arg, tt.line)
	}
}
