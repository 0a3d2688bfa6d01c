package pop3

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

type POP3ServerOptions struct {
	MaxConnections      int
	MaxConnectionsPerIP int
	IdleTimeout         time.Duration // Zero waits for input indefinitely
	ShutdownTimeout     time.Duration
}

// POP3Server accepts retrieval connections and runs one POP3Session per
// connection against the store.
type POP3Server struct {
	addr     string
	hostname string
	store    mailstore.Store
	options  POP3ServerOptions
	acceptor *serverPkg.Acceptor
}

func New(hostname, addr string, store mailstore.Store, options POP3ServerOptions) (*POP3Server, error) {
	if store == nil {
		return nil, errors.New("pop3: nil mail store")
	}
	s := &POP3Server{
		addr:     addr,
		hostname: hostname,
		store:    store,
		options:  options,
	}
	s.acceptor = &serverPkg.Acceptor{
		Protocol:        "pop3",
		Limiter:         serverPkg.NewConnectionLimiter("pop3", options.MaxConnections, options.MaxConnectionsPerIP),
		Reject:          s.reject,
		Handle:          s.handleConnection,
		ShutdownTimeout: options.ShutdownTimeout,
	}
	return s, nil
}

func (s *POP3Server) ListenAndServe(ctx context.Context) error {
	ln, err := serverPkg.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	logger.Info("POP3 server listening", "addr", ln.Addr().String(), "hostname", s.hostname)
	return s.Serve(ctx, ln)
}

func (s *POP3Server) Serve(ctx context.Context, ln net.Listener) error {
	return s.acceptor.Serve(ctx, ln)
}

func (s *POP3Server) reject(conn net.Conn) {
	fmt.Fprintf(conn, "%s\r\n", respTooManyConnections.Status())
}

func (s *POP3Server) handleConnection(ctx context.Context, conn net.Conn) {
	session := NewSession(idgen.New(), serverPkg.RemoteIP(conn.RemoteAddr()), s.hostname, s.store)
	ctx = context.WithValue(ctx, consts.SessionIDKey, session.Id)

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	if err := session.Greeting().Write(writer); err != nil {
		session.DebugLog("greeting failed: %v", err)
		return
	}
	session.Log("connected")

	for {
		if s.options.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.options.IdleTimeout))
		}

		var r Response
		respond := true
		line, err := serverPkg.ReadLine(reader, serverPkg.MaxLineLength)
		switch {
		case errors.Is(err, serverPkg.ErrLineTooLong):
			r = session.LineTooLong()
		case err != nil:
			// Deletions stay uncommitted without QUIT.
			s.logConnError(session, err)
			return
		default:
			r, respond = session.Handle(ctx, line)
		}
		if !respond {
			continue
		}

		if err := r.Write(writer); err != nil {
			s.logConnError(session, err)
			return
		}
		if session.Terminated() {
			session.Log("closed")
			return
		}
	}
}

func (s *POP3Server) logConnError(session *POP3Session, err error) {
	switch {
	case errors.Is(err, io.EOF):
		session.Log("client dropped connection")
	case serverPkg.IsConnectionError(err):
		session.DebugLog("connection error: %v", err)
	default:
		session.WarnLog("i/o error: %v", err)
	}
}
