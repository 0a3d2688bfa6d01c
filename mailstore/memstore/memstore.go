// Package memstore is a volatile mailstore.Store kept in process memory.
package memstore

import (
	"context"
	"fmt"
	"iter"
	"strconv"
	"sync"

	"github.com/migadu/courier/consts"
	"github.com/migadu/courier/mailstore"
	"github.com/migadu/courier/server"
)

type message struct {
	id   string
	data []byte
}

func (m *message) ID() string  { return m.id }
func (m *message) Size() int64 { return int64(len(m.data)) }

func (m *message) Lines(context.Context) iter.Seq2[string, error] {
	return mailstore.SplitLines(m.data)
}

// Store keeps every mailbox in a map guarded by one mutex. A delivery holds
// the mutex for all of its recipients.
type Store struct {
	creds mailstore.Credentials

	mu     sync.Mutex
	nextID int
	boxes  map[string][]*message
	closed bool
}

// New creates an empty store backed by creds.
func New(creds mailstore.Credentials) *Store {
	return &Store{creds: creds, boxes: make(map[string][]*message)}
}

type mailbox struct {
	store   *Store
	address string
}

func (s *Store) UserExists(_ context.Context, address string) (bool, error) {
	return s.creds.Exists(address), nil
}

func (s *Store) OpenAuthenticated(_ context.Context, user, password string) (mailstore.Mailbox, error) {
	if err := s.creds.Verify(user, password); err != nil {
		return nil, consts.ErrAuthFailed
	}
	addr, err := server.NewAddress(user)
	if err != nil {
		return nil, consts.ErrAuthFailed
	}
	return &mailbox{store: s, address: addr.FullAddress()}, nil
}

func (s *Store) OpenForDelivery(_ context.Context, address string) (mailstore.Mailbox, error) {
	addr, err := server.NewAddress(address)
	if err != nil || !s.creds.Exists(addr.FullAddress()) {
		return nil, fmt.Errorf("%s: %w", address, consts.ErrUserNotFound)
	}
	return &mailbox{store: s, address: addr.FullAddress()}, nil
}

func (s *Store) Deliver(ctx context.Context, boxes []mailstore.Mailbox, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	targets := mailstore.Distinct(boxes)
	for _, b := range targets {
		if mb, ok := b.(*mailbox); !ok || mb.store != s {
			return fmt.Errorf("mailbox %s does not belong to this store: %w", b.Address(), consts.ErrMailboxNotFound)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return consts.ErrStoreClosed
	}
	for _, b := range targets {
		s.nextID++
		data := make([]byte, len(raw))
		copy(data, raw)
		s.boxes[b.Address()] = append(s.boxes[b.Address()], &message{id: strconv.Itoa(s.nextID), data: data})
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Count returns how many messages address currently holds.
func (s *Store) Count(address string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.boxes[address])
}

func (b *mailbox) Address() string { return b.address }

func (b *mailbox) Messages(context.Context) ([]mailstore.Message, error) {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	msgs := b.store.boxes[b.address]
	out := make([]mailstore.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
	}
	return out, nil
}

func (b *mailbox) CommitDeletions(_ context.Context, msgs []mailstore.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	drop := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		drop[m.ID()] = true
	}

	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	kept := b.store.boxes[b.address][:0]
	for _, m := range b.store.boxes[b.address] {
		if !drop[m.id] {
			kept = append(kept, m)
		}
	}
	b.store.boxes[b.address] = kept
	return nil
}
