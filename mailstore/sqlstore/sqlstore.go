// Package sqlstore keeps mailboxes in a SQL database, either SQLite through
// modernc.org/sqlite or PostgreSQL through pgx. Every message is one row of
// the messages table; a multi-recipient delivery is a single transaction.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/migadu/courier/consts"
	"github.com/migadu/courier/logger"
	"github.com/migadu/courier/mailstore"
	"github.com/migadu/courier/server"
	"lukechampine.com/blake3"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL database flavour.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns int
}

// Store is a mailstore.Store over database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect
	creds   mailstore.Credentials
	now     func() time.Time
}

func sqliteDSN(dsn string) string {
	if strings.HasPrefix(dsn, "file:") || strings.Contains(dsn, "?") {
		return dsn
	}
	return "file:" + dsn + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func openDB(dialect Dialect, dsn string) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)
	switch dialect {
	case SQLite:
		db, err = sql.Open("sqlite", sqliteDSN(dsn))
	case Postgres:
		db, err = sql.Open("pgx", dsn)
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", dialect, err)
	}
	return db, nil
}

// Open connects to the database. The schema must already exist; see Migrate.
func Open(dialect Dialect, dsn string, creds mailstore.Credentials, opts Options) (*Store, error) {
	db, err := openDB(dialect, dsn)
	if err != nil {
		return nil, err
	}
	switch {
	case dialect == SQLite:
		// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	case opts.MaxOpenConns > 0:
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	return &Store{db: db, dialect: dialect, creds: creds, now: time.Now}, nil
}

// rebind rewrites "?" placeholders to "$n" for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type mailbox struct {
	store   *Store
	address string
}

type message struct {
	store *Store
	id    int64
	size  int64
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
	targets := mailstore.Distinct(boxes)
	for _, b := range targets {
		if mb, ok := b.(*mailbox); !ok || mb.store != s {
			return fmt.Errorf("mailbox %s does not belong to this store: %w", b.Address(), consts.ErrMailboxNotFound)
		}
	}
	if len(targets) == 0 {
		return nil
	}

	hash := blake3.Sum256(raw)
	sum := hex.EncodeToString(hash[:])
	deliveredAt := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}
	defer tx.Rollback()

	insert := s.rebind("INSERT INTO messages (mailbox, content_hash, size, body, delivered_at) VALUES (?, ?, ?, ?, ?)")
	for _, b := range targets {
		if _, err := tx.ExecContext(ctx, insert, b.Address(), sum, len(raw), raw, deliveredAt); err != nil {
			return fmt.Errorf("%w: %s: %v", consts.ErrDBInsertFailed, b.Address(), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}

	logger.Debug("SQL store: message delivered", "session", consts.SessionID(ctx), "mailboxes", len(targets), "bytes", len(raw), "hash", sum[:16])
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (b *mailbox) Address() string { return b.address }

func (b *mailbox) Messages(ctx context.Context) ([]mailstore.Message, error) {
	rows, err := b.store.db.QueryContext(ctx, b.store.rebind("SELECT id, size FROM messages WHERE mailbox = ? ORDER BY id"), b.address)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", b.address, err)
	}
	defer rows.Close()

	var out []mailstore.Message
	for rows.Next() {
		m := &message{store: b.store}
		if err := rows.Scan(&m.id, &m.size); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (b *mailbox) CommitDeletions(ctx context.Context, msgs []mailstore.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	args := make([]any, 0, len(msgs)+1)
	args = append(args, b.address)
	for _, m := range msgs {
		mm, ok := m.(*message)
		if !ok || mm.store != b.store {
			return fmt.Errorf("message %s does not belong to %s", m.ID(), b.address)
		}
		args = append(args, mm.id)
	}

	query := "DELETE FROM messages WHERE mailbox = ? AND id IN (?" + strings.Repeat(", ?", len(msgs)-1) + ")"
	res, err := b.store.db.ExecContext(ctx, b.store.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to delete messages of %s: %w", b.address, err)
	}
	n, _ := res.RowsAffected()
	logger.Debug("SQL store: deletions committed", "session", consts.SessionID(ctx), "mailbox", b.address, "requested", len(msgs), "deleted", n)
	return nil
}

func (m *message) ID() string  { return strconv.FormatInt(m.id, 10) }
func (m *message) Size() int64 { return m.size }

func (m *message) Lines(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		var body []byte
		err := m.store.db.QueryRowContext(ctx, m.store.rebind("SELECT body FROM messages WHERE id = ?"), m.id).Scan(&body)
		if errors.Is(err, sql.ErrNoRows) {
			err = fmt.Errorf("message %d: %w", m.id, consts.ErrMessageNotFound)
		}
		if err != nil {
			yield("", err)
			return
		}
		for line, err := range mailstore.SplitLines(body) {
			if !yield(line, err) {
				return
			}
		}
	}
}
