package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/migadu/courier/logger"
	"github.com/migadu/courier/pkg/metrics"
)

// Acceptor runs the accept loop shared by the protocol servers: one goroutine
// per connection, connection limits and a bounded drain on shutdown.
type Acceptor struct {
	Protocol string
	Limiter  *ConnectionLimiter
	// Reject writes the refusal line to a connection turned away by Limiter.
	Reject func(conn net.Conn)
	// Handle serves one connection. The connection is closed when it returns.
	Handle func(ctx context.Context, conn net.Conn)
	// ShutdownTimeout bounds the wait for live sessions once the listener
	// is closed; remaining connections are then closed forcibly.
	ShutdownTimeout time.Duration

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// Serve accepts connections from ln until ctx is cancelled. It returns nil
// after a graceful stop and the accept error otherwise.
func (a *Acceptor) Serve(ctx context.Context, ln net.Listener) error {
	// Session contexts outlive the listener so in-flight transactions can
	// finish during the drain.
	sessionCtx := context.WithoutCancel(ctx)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			logger.Debug("Acceptor: stopping", "proto", a.Protocol, "addr", ln.Addr().String())
			ln.Close()
		case <-stop:
		}
	}()

	var acceptErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				acceptErr = err
			}
			break
		}

		release := func() {}
		if a.Limiter != nil {
			release, err = a.Limiter.Accept(conn.RemoteAddr())
			if err != nil {
				logger.Debug("Acceptor: connection rejected", "proto", a.Protocol, "remote", conn.RemoteAddr().String(), "error", err)
				metrics.ConnectionsRejected.WithLabelValues(a.Protocol).Inc()
				if a.Reject != nil {
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					a.Reject(conn)
				}
				conn.Close()
				continue
			}
		}

		a.track(conn)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			defer a.untrack(conn)
			defer release()
			defer conn.Close()

			start := time.Now()
			metrics.ConnectionsTotal.WithLabelValues(a.Protocol).Inc()
			metrics.ConnectionsCurrent.WithLabelValues(a.Protocol).Inc()
			defer func() {
				metrics.ConnectionsCurrent.WithLabelValues(a.Protocol).Dec()
				metrics.ConnectionDuration.WithLabelValues(a.Protocol).Observe(time.Since(start).Seconds())
			}()

			a.Handle(sessionCtx, conn)
		}()
	}

	a.drain()
	if acceptErr == nil {
		ln.Close()
		logger.Info("Server stopped gracefully", "proto", a.Protocol)
	}
	return acceptErr
}

// Active returns the number of connections being served.
func (a *Acceptor) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conns)
}

func (a *Acceptor) track(conn net.Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conns == nil {
		a.conns = make(map[net.Conn]struct{})
	}
	a.conns[conn] = struct{}{}
}

func (a *Acceptor) untrack(conn net.Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.conns, conn)
}

func (a *Acceptor) drain() {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	timeout := a.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case <-done:
		logger.Debug("Acceptor: all sessions drained", "proto", a.Protocol)
		return
	case <-time.After(timeout):
	}

	a.mu.Lock()
	logger.Warn("Acceptor: drain timeout, closing sessions", "proto", a.Protocol, "sessions", len(a.conns), "timeout", timeout)
	for conn := range a.conns {
		conn.Close()
	}
	a.mu.Unlock()
	<-done
}
