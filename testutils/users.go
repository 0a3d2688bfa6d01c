package testutils

import (
	"testing"

	"github.com/migadu/courier/mailstore/userdb"
	"github.com/stretchr/testify/require"
)

// Fixture users and their passwords.
const (
	Alice         = "alice@example.com"
	AlicePassword = "wonderland"
	Bob           = "bob@example.com"
	BobPassword   = "builder"
	Carol         = "carol@example.org"
	CarolPassword = "singer"
)

// NewUsers returns the fixture user table.
func NewUsers(t testing.TB) *userdb.Table {
	t.Helper()
	table, err := userdb.New([]userdb.User{
		{Address: Alice, Password: "{PLAIN}" + AlicePassword},
		{Address: Bob, Password: "{PLAIN}" + BobPassword},
		{Address: Carol, Password: "{PLAIN}" + CarolPassword},
	})
	require.NoError(t, err)
	return table
}
