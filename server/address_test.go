package server

import (
	"errors"
	"testing"

	"github.com/migadu/courier/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAddress(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantFull   string
		wantLocal  string
		wantDomain string
		wantErr    bool
	}{
		{name: "simple", input: "user@example.com", wantFull: "user@example.com", wantLocal: "user", wantDomain: "example.com"},
		{name: "lowercased", input: "Alice@Example.COM", wantFull: "alice@example.com", wantLocal: "alice", wantDomain: "example.com"},
		{name: "dots and plus", input: "first.last+tag@mail.example.org", wantFull: "first.last+tag@mail.example.org", wantLocal: "first.last+tag", wantDomain: "mail.example.org"},
		{name: "missing at", input: "userexample.com", wantErr: true},
		{name: "empty", input: "", wantErr: true},
		{name: "empty local part", input: "@example.com", wantErr: true},
		{name: "empty domain", input: "user@", wantErr: true},
		{name: "embedded space", input: "us er@example.com", wantErr: true},
		{name: "leading space", input: " user@example.com", wantErr: true},
		{name: "tab", input: "user@example.com\t", wantErr: true},
		{name: "two at signs", input: "user@example.com@other.com", wantErr: true},
		{name: "single label domain", input: "user@localhost", wantErr: true},
		{name: "double dot local part", input: "us..er@example.com", wantErr: true},
		{name: "domain with underscore", input: "user@exa_mple.com", wantErr: true},
		{name: "brackets are not stripped", input: "<user@example.com>", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := NewAddress(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, consts.ErrInvalidAddress))
				assert.True(t, addr.IsZero())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantFull, addr.FullAddress())
			assert.Equal(t, tt.wantFull, addr.String())
			assert.Equal(t, tt.wantLocal, addr.LocalPart())
			assert.Equal(t, tt.wantDomain, addr.Domain())
		})
	}
}

func TestNewAddressLengthLimits(t *testing.T) {
	long := make([]byte, 65)
	for i := range long {
		long[i] = 'a'
	}
	_, err := NewAddress(string(long) + "@example.com")
	assert.Error(t, err)

	_, err = NewAddress(string(long[:64]) + "@example.com")
	assert.NoError(t, err)
}

func TestParsePath(t *testing.T) {
	addr, err := ParsePath("<bob@example.com>")
	require.NoError(t, err)
	assert.Equal(t, "bob@example.com", addr.FullAddress())

	for _, bad := range []string{"bob@example.com", "<bob@example.com", "bob@example.com>", "<>", "< bob@example.com>", "<bob>", ""} {
		_, err := ParsePath(bad)
		assert.Error(t, err, bad)
	}
}

func TestVerifyCandidate(t *testing.T) {
	assert.Equal(t, "bob@example.com", VerifyCandidate("<bob@example.com>"))
	assert.Equal(t, "bob@example.com", VerifyCandidate("bob@example.com"))
	assert.Equal(t, "<bob@example.com", VerifyCandidate("<bob@example.com"))
}
