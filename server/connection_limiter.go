package server

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/migadu/courier/consts"
	"github.com/migadu/courier/logger"
)

// ConnectionLimiter enforces total and per-IP connection caps for one listener.
// A zero limit disables that cap.
type ConnectionLimiter struct {
	protocol       string
	maxConnections int64
	maxPerIP       int64

	currentTotal atomic.Int64
	mu           sync.Mutex
	perIP        map[string]int64
}

// NewConnectionLimiter creates a new connection limiter
func NewConnectionLimiter(protocol string, maxConnections, maxPerIP int) *ConnectionLimiter {
	return &ConnectionLimiter{
		protocol:       protocol,
		maxConnections: int64(maxConnections),
		maxPerIP:       int64(maxPerIP),
		perIP:          make(map[string]int64),
	}
}

// Accept registers a connection from remoteAddr. The returned release func
// must be called exactly once when the connection ends.
func (cl *ConnectionLimiter) Accept(remoteAddr net.Addr) (func(), error) {
	ip := RemoteIP(remoteAddr)

	if total := cl.currentTotal.Add(1); cl.maxConnections > 0 && total > cl.maxConnections {
		cl.currentTotal.Add(-1)
		return nil, fmt.Errorf("%w: maximum connections reached (%d)", consts.ErrTooManyConnections, cl.maxConnections)
	}

	if cl.maxPerIP > 0 {
		cl.mu.Lock()
		if cl.perIP[ip] >= cl.maxPerIP {
			cl.mu.Unlock()
			cl.currentTotal.Add(-1)
			return nil, fmt.Errorf("%w: maximum connections per IP reached for %s (%d)", consts.ErrTooManyConnections, ip, cl.maxPerIP)
		}
		cl.perIP[ip]++
		cl.mu.Unlock()
	}

	logger.Debug("Connection limiter: connection accepted", "proto", cl.protocol, "ip", ip, "total", cl.currentTotal.Load())

	var once sync.Once
	return func() {
		once.Do(func() {
			cl.currentTotal.Add(-1)
			if cl.maxPerIP > 0 {
				cl.mu.Lock()
				if cl.perIP[ip]--; cl.perIP[ip] <= 0 {
					delete(cl.perIP, ip)
				}
				cl.mu.Unlock()
			}
		})
	}, nil
}

// Current returns the number of registered connections.
func (cl *ConnectionLimiter) Current() int64 {
	return cl.currentTotal.Load()
}

// RemoteIP returns the host part of addr, or the whole string if it has no port.
func RemoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
