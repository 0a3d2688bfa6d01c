// Package userdb holds the local user table: which addresses exist and how
// their passwords are verified. A Table is immutable once built and safe for
// any number of concurrent readers.
package userdb

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/migadu/courier/consts"
	"github.com/migadu/courier/server"
)

// User is one entry of the users file.
type User struct {
	Address  string `toml:"address"`
	Password string `toml:"password"`
}

// File is the on-disk layout of the users file:
//
//	[[user]]
//	address = "alice@example.com"
//	password = "{BLF-CRYPT}$2a$10$..."
type File struct {
	Users []User `toml:"user"`
}

// Table maps normalized addresses to password hashes.
type Table struct {
	users map[string]string
}

// New builds a table, rejecting invalid addresses, unknown hash schemes and duplicates.
func New(users []User) (*Table, error) {
	t := &Table{users: make(map[string]string, len(users))}
	for _, u := range users {
		addr, err := server.NewAddress(u.Address)
		if err != nil {
			return nil, fmt.Errorf("user %q: %w", u.Address, err)
		}
		if !knownScheme(u.Password) {
			return nil, fmt.Errorf("user %q: unknown password hash scheme", u.Address)
		}
		if _, dup := t.users[addr.FullAddress()]; dup {
			return nil, fmt.Errorf("user %q: %w", u.Address, consts.ErrDuplicateUser)
		}
		t.users[addr.FullAddress()] = u.Password
	}
	return t, nil
}

// Load reads a users file and builds its table.
func Load(path string) (*Table, error) {
	f, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return New(f.Users)
}

// Exists reports whether address is a local user.
func (t *Table) Exists(address string) bool {
	addr, err := server.NewAddress(address)
	if err != nil {
		return false
	}
	_, ok := t.users[addr.FullAddress()]
	return ok
}

// Verify checks the password of address. Every failure, unknown user
// included, is reported as consts.ErrAuthFailed.
func (t *Table) Verify(address, password string) error {
	addr, err := server.NewAddress(address)
	if err != nil {
		return consts.ErrAuthFailed
	}
	hashed, ok := t.users[addr.FullAddress()]
	if !ok {
		return consts.ErrAuthFailed
	}
	if err := verifyPassword(hashed, password); err != nil {
		return consts.ErrAuthFailed
	}
	return nil
}

// Addresses returns all users, sorted.
func (t *Table) Addresses() []string {
	out := make([]string, 0, len(t.users))
	for a := range t.users {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of users.
func (t *Table) Len() int {
	return len(t.users)
}

// ReadFile decodes a users file.
func ReadFile(path string) (*File, error) {
	var f File
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("failed to read users file %s: %w", path, err)
	}
	return &f, nil
}

// WriteFile encodes f to path, replacing the file atomically.
func (f *File) WriteFile(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".users-*.toml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := toml.NewEncoder(tmp).Encode(f); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode users file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Add appends a user, normalizing the address.
func (f *File) Add(address, passwordHash string) error {
	addr, err := server.NewAddress(address)
	if err != nil {
		return err
	}
	for _, u := range f.Users {
		if existing, err := server.NewAddress(u.Address); err == nil && existing == addr {
			return fmt.Errorf("%s: %w", addr, consts.ErrDuplicateUser)
		}
	}
	f.Users = append(f.Users, User{Address: addr.FullAddress(), Password: passwordHash})
	return nil
}

// Remove deletes address from the file.
func (f *File) Remove(address string) error {
	addr, err := server.NewAddress(address)
	if err != nil {
		return err
	}
	for i, u := range f.Users {
		if existing, err := server.NewAddress(u.Address); err == nil && existing == addr {
			f.Users = append(f.Users[:i], f.Users[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%s: %w", addr, consts.ErrUserNotFound)
}
