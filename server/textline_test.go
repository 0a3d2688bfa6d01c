package server

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadLine(t *testing.T) {
	r := bufio.NewReaderSize(strings.NewReader("HELO a\r\nNOOP\n\r\nlast"), 16)

	line, err := ReadLine(r, 100)
	require.NoError(t, err)
	assert.Equal(t, "HELO a", line)

	line, err = ReadLine(r, 100)
	require.NoError(t, err)
	assert.Equal(t, "NOOP", line, "bare LF is accepted")

	line, err = ReadLine(r, 100)
	require.NoError(t, err)
	assert.Equal(t, "", line)

	_, err = ReadLine(r, 100)
	assert.True(t, errors.Is(err, io.EOF), "unterminated trailing data is a disconnect")
}

func TestReadLineTooLong(t *testing.T) {
	long := strings.Repeat("x", 100)
	r := bufio.NewReaderSize(strings.NewReader(long+"\r\nNOOP\r\n"), 16)

	_, err := ReadLine(r, 50)
	require.ErrorIs(t, err, ErrLineTooLong)

	line, err := ReadLine(r, 50)
	require.NoError(t, err)
	assert.Equal(t, "NOOP", line, "the overlong line is discarded entirely")
}

func TestDotStuffing(t *testing.T) {
	tests := []struct {
		wire   string
		stored string
	}{
		{"..hello", ".hello"},
		{"..", "."},
		{"...", ".."},
		{".hello", ".hello"},
		{"hello", "hello"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.stored, UnstuffLine(tt.wire), "unstuff %q", tt.wire)
	}

	assert.Equal(t, "..", StuffLine("."))
	assert.Equal(t, "..hello", StuffLine(".hello"))
	assert.Equal(t, "hello", StuffLine("hello"))

	for _, stored := range []string{".", ".hello", "..", "plain"} {
		assert.Equal(t, stored, UnstuffLine(StuffLine(stored)), "round trip %q", stored)
	}
}
