// Package mailstore defines the contract between the protocol sessions and
// the mailbox storage backends.
//
// A Store resolves local users, authenticates retrieval sessions and performs
// atomic multi-recipient delivery. A Mailbox is a handle on one user's
// messages; Messages returns a snapshot whose order gives POP3 its stable
// 1-based message numbers. Backends live in the maildir, sqlstore and
// memstore subpackages and all share one Credentials table.
package mailstore

import (
	"context"
	"iter"
)

// Credentials is the read-only user table consulted by every backend.
// Implementations must be safe for concurrent use.
type Credentials interface {
	// Exists reports whether address is a local user. Lookup is case-insensitive.
	Exists(address string) bool
	// Verify returns nil when password matches, consts.ErrAuthFailed otherwise,
	// including for unknown users.
	Verify(address, password string) error
}

// Store is the mailbox gateway used by the SMTP and POP3 sessions.
type Store interface {
	// UserExists reports whether address resolves to a local mailbox.
	UserExists(ctx context.Context, address string) (bool, error)
	// OpenAuthenticated checks the credential pair and opens the user's mailbox.
	// Unknown users and wrong passwords both yield consts.ErrAuthFailed.
	OpenAuthenticated(ctx context.Context, user, password string) (Mailbox, error)
	// OpenForDelivery opens the mailbox of a local user for writing; unknown
	// users yield consts.ErrUserNotFound.
	OpenForDelivery(ctx context.Context, address string) (Mailbox, error)
	// Deliver writes raw into every mailbox in boxes. Either all mailboxes
	// receive the message or none does.
	Deliver(ctx context.Context, boxes []Mailbox, raw []byte) error
	Close() error
}

// Mailbox is a handle on one user's messages.
type Mailbox interface {
	Address() string
	// Messages returns the current messages, oldest first.
	Messages(ctx context.Context) ([]Message, error)
	// CommitDeletions physically removes msgs. Messages already gone are ignored.
	CommitDeletions(ctx context.Context, msgs []Message) error
}

// Message is one stored message.
type Message interface {
	ID() string
	// Size is the stored size in octets, line terminators included.
	Size() int64
	// Lines yields the message lines without terminators. Each call restarts
	// from the first line; a read failure is yielded as the final error.
	Lines(ctx context.Context) iter.Seq2[string, error]
}
