package pop3

import (
	"context"
	"net"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/courier/mailstore/memstore"
	"github.com/migadu/courier/testutils"
)

func startServer(t *testing.T, store *memstore.Store, opts POP3ServerOptions) (string, *POP3Server) {
	t.Helper()
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = time.Second
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv, err := New("mail.example.com", ln.Addr().String(), store, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return ln.Addr().String(), srv
}

type client struct {
	t *testing.T
	*textproto.Conn
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	c, err := textproto.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	greeting, err := c.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "+OK POP3 server ready", greeting)
	return &client{t: t, Conn: c}
}

func (c *client) cmd(line string) string {
	c.t.Helper()
	require.NoError(c.t, c.PrintfLine("%s", line))
	resp, err := c.ReadLine()
	require.NoError(c.t, err)
	return resp
}

// multi reads a dot-terminated payload, undoing dot-stuffing.
func (c *client) multi() []string {
	c.t.Helper()
	lines, err := c.ReadDotLines()
	require.NoError(c.t, err)
	return lines
}

func TestServerSession(t *testing.T) {
	store := seedStore(t)
	addr, _ := startServer(t, store, POP3ServerOptions{})
	c := dial(t, addr)

	assert.Equal(t, "-ERR not authenticated", c.cmd("STAT"))
	assert.Equal(t, "+OK", c.cmd("USER alice@example.com"))
	assert.True(t, strings.HasPrefix(c.cmd("PASS wonderland"), "+OK maildrop has 3 messages"))

	assert.True(t, strings.HasPrefix(c.cmd("LIST"), "+OK 3 messages"))
	assert.Len(t, c.multi(), 3)

	require.NoError(t, c.PrintfLine("RETR 2"))
	status, err := c.ReadLine()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(status, " octets"))
	// Read the raw payload to check stuffing on the wire.
	var raw []string
	for {
		line, err := c.ReadLine()
		require.NoError(t, err)
		if line == "." {
			break
		}
		raw = append(raw, line)
	}
	assert.Equal(t, []string{"Subject: two", "", "..starts with a dot", "..."}, raw)

	assert.Equal(t, "+OK message 1 deleted", c.cmd("DELE 1"))
	assert.Equal(t, "+OK goodbye", c.cmd("QUIT"))
	_, err = c.ReadLine()
	assert.Error(t, err, "server closes after QUIT")

	assert.Equal(t, 2, store.Count(testutils.Alice))
}

func TestServerIgnoresBlankLines(t *testing.T) {
	addr, _ := startServer(t, seedStore(t), POP3ServerOptions{})
	c := dial(t, addr)

	require.NoError(t, c.PrintfLine(""))
	require.NoError(t, c.PrintfLine("   "))
	// The first reply on the wire belongs to NOOP.
	assert.Equal(t, "-ERR not authenticated", c.cmd("NOOP"))
	assert.Equal(t, "+OK goodbye", c.cmd("QUIT"))
}

func TestServerAbruptCloseKeepsMessages(t *testing.T) {
	store := seedStore(t)
	addr, srv := startServer(t, store, POP3ServerOptions{})

	c := dial(t, addr)
	c.cmd("USER alice@example.com")
	c.cmd("PASS wonderland")
	assert.Equal(t, "+OK message 1 deleted", c.cmd("DELE 1"))
	require.NoError(t, c.Close())

	require.Eventually(t, func() bool { return srv.acceptor.Active() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, store.Count(testutils.Alice))
}

func TestServerLineTooLong(t *testing.T) {
	addr, _ := startServer(t, seedStore(t), POP3ServerOptions{})
	c := dial(t, addr)
	assert.Equal(t, "-ERR line too long", c.cmd("USER "+strings.Repeat("a", 70*1024)))
	assert.Equal(t, "+OK", c.cmd("USER alice@example.com"), "session continues")
}

func TestServerConnectionLimitPerIP(t *testing.T) {
	addr, _ := startServer(t, seedStore(t), POP3ServerOptions{MaxConnectionsPerIP: 1})
	dial(t, addr)

	c, err := textproto.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()
	line, err := c.ReadLine()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "-ERR"), line)
}
