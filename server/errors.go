package server

import (
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
)

// IsConnectionError checks if an error is a common, non-fatal network connection error.
// Such errors end the session quietly instead of being reported as server faults.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errors.Is(opErr.Err, syscall.ECONNRESET) || strings.Contains(opErr.Err.Error(), "use of closed network connection") {
			return true
		}
	}

	var syscallErr *os.SyscallError
	if errors.As(err, &syscallErr) {
		if errors.Is(syscallErr.Err, syscall.ECONNRESET) || errors.Is(syscallErr.Err, syscall.EPIPE) {
			return true
		}
	}

	return false
}
