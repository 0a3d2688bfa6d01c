package mailstore

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"iter"
)

const maxScanLine = 1 << 20

// SplitLines yields the lines of data without their CRLF or LF terminators.
// A final unterminated line is yielded as well.
func SplitLines(data []byte) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		rest := data
		for len(rest) > 0 {
			var line []byte
			line, rest, _ = bytes.Cut(rest, []byte("\n"))
			if !yield(string(bytes.TrimSuffix(line, []byte("\r"))), nil) {
				return
			}
		}
	}
}

// ScanLines yields the lines read from r, stopping with ctx.Err() when the
// context is cancelled and with the read error when r fails.
func ScanLines(ctx context.Context, r io.Reader) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), maxScanLine)
		for sc.Scan() {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if !yield(string(bytes.TrimSuffix(sc.Bytes(), []byte("\r"))), nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield("", err)
		}
	}
}

// Distinct drops repeated mailboxes, comparing by address, keeping the first.
func Distinct(boxes []Mailbox) []Mailbox {
	seen := make(map[string]bool, len(boxes))
	out := make([]Mailbox, 0, len(boxes))
	for _, b := range boxes {
		if seen[b.Address()] {
			continue
		}
		seen[b.Address()] = true
		out = append(out, b)
	}
	return out
}
