package smtp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/migadu/courier/consts"
	"github.com/migadu/courier/logger"
	"github.com/migadu/courier/mailstore"
	serverPkg "github.com/migadu/courier/server"
	"github.com/migadu/courier/server/idgen"
)

type SMTPServerOptions struct {
	MaxConnections      int
	MaxConnectionsPerIP int
	IdleTimeout         time.Duration // Zero waits for input indefinitely
	ShutdownTimeout     time.Duration
	MaxMessageSize      int64
	Now                 func() time.Time
}

// SMTPServer accepts submission connections and runs one SMTPSession per
// connection against the store.
type SMTPServer struct {
	addr     string
	hostname string
	store    mailstore.Store
	options  SMTPServerOptions
	acceptor *serverPkg.Acceptor
}

func New(hostname, addr string, store mailstore.Store, options SMTPServerOptions) (*SMTPServer, error) {
	if store == nil {
		return nil, errors.New("smtp: nil mail store")
	}
	if hostname == "" {
		return nil, errors.New("smtp: empty hostname")
	}
	s := &SMTPServer{
		addr:     addr,
		hostname: hostname,
		store:    store,
		options:  options,
	}
	s.acceptor = &serverPkg.Acceptor{
		Protocol:        "smtp",
		Limiter:         serverPkg.NewConnectionLimiter("smtp", options.MaxConnections, options.MaxConnectionsPerIP),
		Reject:          s.reject,
		Handle:          s.handleConnection,
		ShutdownTimeout: options.ShutdownTimeout,
	}
	return s, nil
}

// ListenAndServe binds the configured address and serves until ctx is done.
func (s *SMTPServer) ListenAndServe(ctx context.Context) error {
	ln, err := serverPkg.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	logger.Info("SMTP server listening", "addr", ln.Addr().String(), "hostname", s.hostname, "max_message_size", s.options.MaxMessageSize)
	return s.Serve(ctx, ln)
}

func (s *SMTPServer) Serve(ctx context.Context, ln net.Listener) error {
	return s.acceptor.Serve(ctx, ln)
}

func (s *SMTPServer) reject(conn net.Conn) {
	fmt.Fprintf(conn, "%s\r\n", replyTooManyConns)
}

func (s *SMTPServer) handleConnection(ctx context.Context, conn net.Conn) {
	session := NewSession(idgen.New(), serverPkg.RemoteIP(conn.RemoteAddr()), s.hostname, s.store, SessionOptions{
		MaxMessageSize: s.options.MaxMessageSize,
		Now:            s.options.Now,
	})
	ctx = context.WithValue(ctx, consts.SessionIDKey, session.Id)

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	send := func(r Reply) error {
		if _, err := writer.WriteString(r.String() + "\r\n"); err != nil {
			return err
		}
		return writer.Flush()
	}

	if err := send(session.Greeting()); err != nil {
		session.DebugLog("greeting failed: %v", err)
		return
	}
	session.Log("connected")

	for {
		if s.options.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.options.IdleTimeout))
		}

		line, err := serverPkg.ReadLine(reader, serverPkg.MaxLineLength)
		var (
			r  Reply
			ok bool
		)
		switch {
		case errors.Is(err, serverPkg.ErrLineTooLong):
			r, ok = session.LineTooLong()
		case err != nil:
			s.logConnError(session, err)
			return
		default:
			r, ok = session.Handle(ctx, line)
		}

		if ok {
			if err := send(r); err != nil {
				s.logConnError(session, err)
				return
			}
		}
		if session.Terminated() {
			session.Log("closed")
			return
		}
	}
}

func (s *SMTPServer) logConnError(session *SMTPSession, err error) {
	switch {
	case errors.Is(err, io.EOF):
		session.Log("client dropped connection")
	case serverPkg.IsConnectionError(err):
		session.DebugLog("connection error: %v", err)
	default:
		session.WarnLog("i/o error: %v", err)
	}
}
