// Package maildir stores each mailbox as a Maildir directory tree:
//
//	<root>/<domain>/<local-part>/{tmp,new,cur}
//
// Every message is one file. Delivery writes the message into tmp/ of every
// recipient mailbox first and only then renames the files into new/; a
// failure in either phase removes whatever was already written, so either
// every mailbox receives the message or none does.
package maildir

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/courier/consts"
	"github.com/migadu/courier/logger"
	"github.com/migadu/courier/mailstore"
	"github.com/migadu/courier/server"
	"lukechampine.com/blake3"
)

const (
	dirTmp = "tmp"
	dirNew = "new"
	dirCur = "cur"

	dirPerm  = 0700
	filePerm = 0600
)

// Store is a mailstore.Store over a Maildir root directory.
type Store struct {
	root     string
	hostname string
	creds    mailstore.Credentials

	seq    atomic.Uint64
	rename func(oldpath, newpath string) error
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New opens the Maildir tree rooted at root, creating it if needed.
func New(root, hostname string, creds mailstore.Credentials) (*Store, error) {
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create maildir root %s: %w", root, err)
	}
	if hostname == "" {
		hostname = "localhost"
	}
	return &Store{
		root:     root,
		hostname: strings.NewReplacer("/", "\\057", ":", "\\072").Replace(hostname),
		creds:    creds,
		rename:   os.Rename,
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

type mailbox struct {
	store   *Store
	address string
	dir     string
}

type message struct {
	id   string
	path string
	size int64
}

func (s *Store) mailboxFor(addr server.Address) *mailbox {
	return &mailbox{
		store:   s,
		address: addr.FullAddress(),
		dir:     filepath.Join(s.root, url.PathEscape(addr.Domain()), url.PathEscape(addr.LocalPart())),
	}
}

// lockFor returns the mutex serializing writers of one mailbox.
func (s *Store) lockFor(address string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[address]
	if !ok {
		l = &sync.Mutex{}
		s.locks[address] = l
	}
	return l
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
	return s.mailboxFor(addr), nil
}

func (s *Store) OpenForDelivery(_ context.Context, address string) (mailstore.Mailbox, error) {
	addr, err := server.NewAddress(address)
	if err != nil || !s.creds.Exists(addr.FullAddress()) {
		return nil, fmt.Errorf("%s: %w", address, consts.ErrUserNotFound)
	}
	return s.mailboxFor(addr), nil
}

func (s *Store) Close() error {
	return nil
}

// Ping checks that the root directory is still present.
func (s *Store) Ping(_ context.Context) error {
	fi, err := os.Stat(s.root)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("maildir root %s is not a directory", s.root)
	}
	return nil
}

// uniqueName builds "<unix-nanos>.<seq>_<blake3>.<host>,S=<size>".
func (s *Store) uniqueName(sum string, size int) string {
	return fmt.Sprintf("%d.%d_%s.%s,S=%d", s.now().UnixNano(), s.seq.Add(1), sum, s.hostname, size)
}

// Deliver implements the two phase tmp/ then new/ write described in the
// package documentation.
func (s *Store) Deliver(ctx context.Context, boxes []mailstore.Mailbox, raw []byte) error {
	targets := make([]*mailbox, 0, len(boxes))
	for _, b := range mailstore.Distinct(boxes) {
		mb, ok := b.(*mailbox)
		if !ok || mb.store != s {
			return fmt.Errorf("mailbox %s does not belong to this store: %w", b.Address(), consts.ErrMailboxNotFound)
		}
		targets = append(targets, mb)
	}
	if len(targets) == 0 {
		return nil
	}

	// Lock in address order so concurrent deliveries cannot deadlock.
	sort.Slice(targets, func(i, j int) bool { return targets[i].address < targets[j].address })
	for _, mb := range targets {
		l := s.lockFor(mb.address)
		l.Lock()
		defer l.Unlock()
	}

	hash := blake3.Sum256(raw)
	sum := hex.EncodeToString(hash[:8])

	type placement struct{ tmp, final string }
	placed := make([]placement, 0, len(targets))
	renamed := 0
	rollback := func() {
		for i, p := range placed {
			path := p.tmp
			if i < renamed {
				path = p.final
			}
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				logger.Warn("Maildir: rollback failed", "path", path, "error", err)
			}
		}
	}

	for _, mb := range targets {
		if err := ctx.Err(); err != nil {
			rollback()
			return err
		}
		if err := mb.ensureDirs(); err != nil {
			rollback()
			return err
		}
		name := s.uniqueName(sum, len(raw))
		tmpPath := filepath.Join(mb.dir, dirTmp, name)
		if err := writeFileSync(tmpPath, raw); err != nil {
			os.Remove(tmpPath)
			rollback()
			return fmt.Errorf("failed to write message for %s: %w", mb.address, err)
		}
		placed = append(placed, placement{tmp: tmpPath, final: filepath.Join(mb.dir, dirNew, name)})
	}

	for _, p := range placed {
		if err := s.rename(p.tmp, p.final); err != nil {
			rollback()
			return fmt.Errorf("failed to move message into place: %w", err)
		}
		renamed++
	}

	logger.Debug("Maildir: message delivered", "session", consts.SessionID(ctx), "mailboxes", len(targets), "bytes", len(raw), "hash", sum)
	return nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (b *mailbox) ensureDirs() error {
	for _, d := range []string{dirTmp, dirNew, dirCur} {
		if err := os.MkdirAll(filepath.Join(b.dir, d), dirPerm); err != nil {
			return fmt.Errorf("failed to create maildir for %s: %w", b.address, err)
		}
	}
	return nil
}

func (b *mailbox) Address() string { return b.address }

// Messages lists new/ and cur/ ordered by delivery time.
func (b *mailbox) Messages(_ context.Context) ([]mailstore.Message, error) {
	var msgs []*message
	for _, d := range []string{dirNew, dirCur} {
		entries, err := os.ReadDir(filepath.Join(b.dir, d))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", b.address, err)
		}
		for _, e := range entries {
			if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			info, err := e.Info()
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, err
			}
			id, _, _ := strings.Cut(e.Name(), ":")
			msgs = append(msgs, &message{id: id, path: filepath.Join(b.dir, d, e.Name()), size: info.Size()})
		}
	}

	sort.Slice(msgs, func(i, j int) bool {
		ti, tj := deliveryTime(msgs[i].id), deliveryTime(msgs[j].id)
		if ti != tj {
			return ti < tj
		}
		return msgs[i].id < msgs[j].id
	})

	out := make([]mailstore.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
	}
	return out, nil
}

func deliveryTime(id string) int64 {
	prefix, _, _ := strings.Cut(id, ".")
	n, _ := strconv.ParseInt(prefix, 10, 64)
	return n
}

func (b *mailbox) CommitDeletions(ctx context.Context, msgs []mailstore.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	l := b.store.lockFor(b.address)
	l.Lock()
	defer l.Unlock()

	var errs []error
	for _, m := range msgs {
		mm, ok := m.(*message)
		if !ok || filepath.Dir(filepath.Dir(mm.path)) != b.dir {
			errs = append(errs, fmt.Errorf("message %s does not belong to %s", m.ID(), b.address))
			continue
		}
		if err := os.Remove(mm.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	logger.Debug("Maildir: deletions committed", "session", consts.SessionID(ctx), "mailbox", b.address, "count", len(msgs), "errors", len(errs))
	return errors.Join(errs...)
}

func (m *message) ID() string  { return m.id }
func (m *message) Size() int64 { return m.size }

func (m *message) Lines(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		f, err := os.Open(m.path)
		if err != nil {
			yield("", err)
			return
		}
		defer f.Close()
		for line, err := range mailstore.ScanLines(ctx, f) {
			if !yield(line, err) {
				return
			}
		}
	}
}
