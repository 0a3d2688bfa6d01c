package pop3

import (
	"bufio"
	"fmt"

	"github.com/migadu/courier/server"
)

// Response is one POP3 reply: a status line optionally followed by a
// multi-line payload closed with a lone ".".
type Response struct {
	OK        bool
	Text      string
	Multiline bool
	Lines     []string // Payload without dot-stuffing
}

func okf(format string, args ...any) Response {
	return Response{OK: true, Text: fmt.Sprintf(format, args...)}
}

func errResp(text string) Response {
	return Response{Text: text}
}

// Status renders the first line of the response.
func (r Response) Status() string {
	indicator := "-ERR"
	if r.OK {
		indicator = "+OK"
	}
	if r.Text == "" {
		return indicator
	}
	return indicator + " " + r.Text
}

// Write sends the response with CRLF terminators and dot-stuffed payload
// lines, then flushes w.
func (r Response) Write(w *bufio.Writer) error {
	if _, err := w.WriteString(r.Status() + "\r\n"); err != nil {
		return err
	}
	if r.Multiline {
		for _, line := range r.Lines {
			if _, err := w.WriteString(server.StuffLine(line) + "\r\n"); err != nil {
				return err
			}
		}
		if _, err := w.WriteString(".\r\n"); err != nil {
			return err
		}
	}
	return w.Flush()
}

var (
	respNotAuthenticated     = errResp("not authenticated")
	respAlreadyAuthenticated = errResp("already authenticated")
	respTooManyParameters    = errResp("too many parameters")
	respNoUsername           = errResp("no username specified")
	respInvalidCredentials   = errResp("invalid username or password")
	respMissingMessageNumber = errResp("missing message number")
	respInvalidMessageNumber = errResp("invalid message number")
	respNoSuchMessage        = errResp("no such message")
	respReadError            = errResp("error reading message")
	respUnknownCommand       = errResp("unknown command")
	respLineTooLong          = errResp("line too long")
	respTooManyConnections   = errResp("too many connections, try again later")
)
