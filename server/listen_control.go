//go:build linux || freebsd || darwin || openbsd || netbsd || dragonfly

package server

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// Listen creates a TCP listener with SO_REUSEADDR set, so a restarted daemon
// can bind its port immediately while old connections sit in TIME_WAIT.
func Listen(ctx context.Context, network, address string) (net.Listener, error) {
	lc := &net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					ctrlErr = fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
				}
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}

	listener, err := lc.Listen(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}
	return listener, nil
}
