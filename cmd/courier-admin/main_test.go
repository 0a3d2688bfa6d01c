package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/courier/mailstore/userdb"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestUserLifecycle(t *testing.T) {
	dir := t.TempDir()
	users := filepath.Join(dir, "users.toml")
	base := []string{"--config", filepath.Join(dir, "none.toml"), "--users", users}

	out, err := execute(t, "", append(base, "user", "add", "Alice@Example.com", "-p", "wonderland")...)
	require.NoError(t, err)
	assert.Contains(t, out, "Added alice@example.com")

	_, err = execute(t, "builder\n", append(base, "user", "add", "bob@example.com")...)
	require.NoError(t, err)

	_, err = execute(t, "", append(base, "user", "add", "alice@example.com", "-p", "again")...)
	assert.Error(t, err, "duplicate user")

	table, err := userdb.Load(users)
	require.NoError(t, err)
	assert.NoError(t, table.Verify("alice@example.com", "wonderland"))
	assert.NoError(t, table.Verify("bob@example.com", "builder"))

	out, err = execute(t, "", append(base, "user", "list")...)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com\nbob@example.com\n", out)

	_, err = execute(t, "", append(base, "user", "remove", "bob@example.com")...)
	require.NoError(t, err)
	out, err = execute(t, "", append(base, "user", "list")...)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com\n", out)

	_, err = execute(t, "", append(base, "user", "remove", "bob@example.com")...)
	assert.Error(t, err)

	fi, err := os.Stat(users)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), fi.Mode().Perm())
}

func TestUserAddRejectsEmptyPassword(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "\n", "--config", filepath.Join(dir, "none.toml"), "--users", filepath.Join(dir, "users.toml"), "user", "add", "alice@example.com")
	assert.ErrorIs(t, err, errUsage)
}

func TestHash(t *testing.T) {
	out, err := execute(t, "", "hash", "secret")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "{BLF-CRYPT}$2"), out)
}

func TestMigrate(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "courier.toml")
	db := filepath.Join(dir, "mail.db")
	require.NoError(t, os.WriteFile(cfgPath, []byte("[mailstore]\ndriver = \"sqlite\"\npath = \""+db+"\"\n"), 0600))

	out, err := execute(t, "", "--config", cfgPath, "migrate", "version")
	require.NoError(t, err)
	assert.Equal(t, "schema version 0\n", out)

	out, err = execute(t, "", "--config", cfgPath, "migrate", "up")
	require.NoError(t, err)
	assert.Equal(t, "schema version 1\n", out)

	out, err = execute(t, "", "--config", cfgPath, "migrate", "down", "--steps", "1")
	require.NoError(t, err)
	assert.Equal(t, "schema version 0\n", out)
}

func TestMigrateRequiresSQLDriver(t *testing.T) {
	_, err := execute(t, "", "--config", filepath.Join(t.TempDir(), "none.toml"), "migrate", "up")
	assert.ErrorIs(t, err, errUsage)
}
