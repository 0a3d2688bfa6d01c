// Package errors reports start-up failures of the courier binaries and maps
// them to process exit codes.
package errors

import (
	"fmt"
	"io"
	"os"
)

// Exit codes used by the daemons.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
	ExitConfig  = 3
)

// GracefulError annotates a failed start-up operation.
type GracefulError struct {
	Operation string
	Err       error
}

func (g *GracefulError) Error() string {
	return fmt.Sprintf("operation '%s' failed: %v", g.Operation, g.Err)
}

func (g *GracefulError) Unwrap() error {
	return g.Err
}

func NewGracefulError(operation string, err error) *GracefulError {
	return &GracefulError{Operation: operation, Err: err}
}

// ErrorHandler prints start-up errors and terminates the process.
type ErrorHandler struct {
	out  io.Writer
	exit func(int)
}

func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{out: os.Stderr, exit: os.Exit}
}

func (eh *ErrorHandler) FatalError(operation string, err error) {
	fmt.Fprintf(eh.out, "FATAL: %v\n", NewGracefulError(operation, err))
	eh.exit(ExitFailure)
}

func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if os.IsNotExist(err) {
		fmt.Fprintf(eh.out, "ERROR: configuration file '%s' not found: %v\n", configPath, err)
	} else {
		fmt.Fprintf(eh.out, "ERROR: failed to parse configuration file '%s': %v\n", configPath, err)
	}
	eh.exit(ExitConfig)
}

func (eh *ErrorHandler) ValidationError(field string, err error) {
	fmt.Fprintf(eh.out, "ERROR: invalid configuration - %s: %v\n", field, err)
	eh.exit(ExitConfig)
}

func (eh *ErrorHandler) UsageError(usage string, err error) {
	fmt.Fprintf(eh.out, "ERROR: %v\n%s\n", err, usage)
	eh.exit(ExitUsage)
}
