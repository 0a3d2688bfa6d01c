package server

import (
	"bufio"
	"errors"
	"strings"
)

// MaxLineLength bounds a single protocol line, terminator excluded.
const MaxLineLength = 64 * 1024

// ErrLineTooLong is returned by ReadLine after it has discarded an overlong line.
var ErrLineTooLong = errors.New("line too long")

// ReadLine reads one LF-terminated line and strips the trailing CRLF or LF.
// A line longer than maxLen is consumed up to its terminator and reported as
// ErrLineTooLong so the session can answer and keep reading. An unterminated
// line at end of stream is returned as the read error.
func ReadLine(r *bufio.Reader, maxLen int) (string, error) {
	var buf []byte
	tooLong := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			if maxLen > 0 && len(buf)+len(chunk) > maxLen+2 {
				tooLong = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			return "", err
		}
		break
	}
	if tooLong {
		return "", ErrLineTooLong
	}
	line := strings.TrimSuffix(string(buf), "\n")
	return strings.TrimSuffix(line, "\r"), nil
}

// UnstuffLine removes the transparency dot from a received body line: a line
// starting with ".." loses exactly one leading dot.
func UnstuffLine(line string) string {
	if strings.HasPrefix(line, "..") {
		return line[1:]
	}
	return line
}

// StuffLine prefixes an outgoing body line that starts with "." with one
// extra dot so it cannot be mistaken for the terminator.
func StuffLine(line string) string {
	if strings.HasPrefix(line, ".") {
		return "." + line
	}
	return line
}
