package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	imap "github.com/meszmate/imap-engine"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS validity (
	mailbox TEXT PRIMARY KEY,
	token   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS sync_state (
	mailbox  TEXT PRIMARY KEY,
	validity INTEGER NOT NULL,
	payload  BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS child_mailboxes (
	parent  TEXT PRIMARY KEY,
	payload BLOB NOT NULL
);`

// syncRecord is the encoded form of a SyncState row.
type syncRecord struct {
	Exists        uint32              `cbor:"1,keyasint"`
	UIDNext       uint32              `cbor:"2,keyasint"`
	HighestModSeq uint64              `cbor:"3,keyasint"`
	UIDs          []uint32            `cbor:"4,keyasint"`
	Flags         map[uint32][]string `cbor:"5,keyasint,omitempty"`
}

type mailboxRecord struct {
	Name  string   `cbor:"1,keyasint"`
	Delim int32    `cbor:"2,keyasint"`
	Attrs []string `cbor:"3,keyasint,omitempty"`
}

// SQLite is a durable Cache backed by a single SQLite file. Row payloads are
// deterministic CBOR.
type SQLite struct {
	db      *sql.DB
	enc     cbor.EncMode
	dec     cbor.DecMode
	log     *zap.Logger
	timeout time.Duration
}

// SQLiteOption configures a SQLite cache.
type SQLiteOption func(*SQLite)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) SQLiteOption {
	return func(s *SQLite) {
		if logger != nil {
			s.log = logger
		}
	}
}

// OpenSQLite opens or creates the cache database at path.
func OpenSQLite(path string, opts ...SQLiteOption) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLite{db: db, enc: enc, dec: dec, log: zap.NewNop(), timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(s)
	}

	ctx, cancel := s.ctx()
	defer cancel()
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init cache schema: %w", err)
	}
	s.log.Debug("cache opened", zap.String("path", path))
	return s, nil
}

func (s *SQLite) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *SQLite) ReadSync(mailbox string) (SyncState, bool, error) {
	ctx, cancel := s.ctx()
	defer cancel()

	var validity uint32
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT s.validity, s.payload FROM sync_state s
		LEFT JOIN validity v ON v.mailbox = s.mailbox
		WHERE s.mailbox = ? AND (v.token IS NULL OR v.token = s.validity)`, mailbox).Scan(&validity, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncState{}, false, nil
	}
	if err != nil {
		return SyncState{}, false, fmt.Errorf("read sync state of %q: %w", mailbox, err)
	}

	var rec syncRecord
	if err := s.dec.Unmarshal(payload, &rec); err != nil {
		return SyncState{}, false, fmt.Errorf("decode sync state of %q: %w", mailbox, err)
	}
	st := SyncState{
		UIDValidity:   validity,
		Exists:        rec.Exists,
		UIDNext:       imap.UID(rec.UIDNext),
		HighestModSeq: rec.HighestModSeq,
		UIDs:          make([]imap.UID, len(rec.UIDs)),
	}
	for i, u := range rec.UIDs {
		st.UIDs[i] = imap.UID(u)
	}
	if len(rec.Flags) > 0 {
		st.Flags = make(map[imap.UID][]imap.Flag, len(rec.Flags))
		for uid, names := range rec.Flags {
			flags := make([]imap.Flag, len(names))
			for i, n := range names {
				flags[i] = imap.Flag(n)
			}
			st.Flags[imap.UID(uid)] = flags
		}
	}
	return st, true, nil
}

func (s *SQLite) WriteSync(mailbox string, st SyncState) error {
	rec := syncRecord{
		Exists:        st.Exists,
		UIDNext:       uint32(st.UIDNext),
		HighestModSeq: st.HighestModSeq,
		UIDs:          make([]uint32, len(st.UIDs)),
	}
	for i, u := range st.UIDs {
		rec.UIDs[i] = uint32(u)
	}
	if len(st.Flags) > 0 {
		rec.Flags = make(map[uint32][]string, len(st.Flags))
		for uid, flags := range st.Flags {
			names := make([]string, len(flags))
			for i, f := range flags {
				names[i] = string(f)
			}
			rec.Flags[uint32(uid)] = names
		}
	}
	payload, err := s.enc.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode sync state of %q: %w", mailbox, err)
	}

	return s.tx(func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO validity (mailbox, token) VALUES (?, ?)
			ON CONFLICT(mailbox) DO UPDATE SET token = excluded.token`, mailbox, st.UIDValidity); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sync_state (mailbox, validity, payload) VALUES (?, ?, ?)
			ON CONFLICT(mailbox) DO UPDATE SET validity = excluded.validity, payload = excluded.payload`,
			mailbox, st.UIDValidity, payload)
		return err
	})
}

func (s *SQLite) SetValidity(mailbox string, token uint32) error {
	return s.tx(func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_state WHERE mailbox = ? AND validity != ?`, mailbox, token); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO validity (mailbox, token) VALUES (?, ?)
			ON CONFLICT(mailbox) DO UPDATE SET token = excluded.token`, mailbox, token)
		return err
	})
}

func (s *SQLite) Invalidate(mailbox string) error {
	return s.tx(func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_state WHERE mailbox = ?`, mailbox); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM validity WHERE mailbox = ?`, mailbox)
		return err
	})
}

func (s *SQLite) ChildMailboxes(parent string) ([]imap.MailboxInfo, bool, error) {
	ctx, cancel := s.ctx()
	defer cancel()

	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM child_mailboxes WHERE parent = ?`, parent).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read children of %q: %w", parent, err)
	}

	var recs []mailboxRecord
	if err := s.dec.Unmarshal(payload, &recs); err != nil {
		return nil, false, fmt.Errorf("decode children of %q: %w", parent, err)
	}
	out := make([]imap.MailboxInfo, len(recs))
	for i, r := range recs {
		out[i] = imap.MailboxInfo{Name: r.Name, Delim: rune(r.Delim)}
		for _, a := range r.Attrs {
			out[i].Attrs = append(out[i].Attrs, imap.MailboxAttr(a))
		}
	}
	return out, true, nil
}

func (s *SQLite) SetChildMailboxes(parent string, children []imap.MailboxInfo) error {
	recs := make([]mailboxRecord, len(children))
	for i, c := range children {
		recs[i] = mailboxRecord{Name: c.Name, Delim: int32(c.Delim)}
		for _, a := range c.Attrs {
			recs[i].Attrs = append(recs[i].Attrs, string(a))
		}
	}
	payload, err := s.enc.Marshal(recs)
	if err != nil {
		return fmt.Errorf("encode children of %q: %w", parent, err)
	}

	ctx, cancel := s.ctx()
	defer cancel()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO child_mailboxes (parent, payload) VALUES (?, ?)
		ON CONFLICT(parent) DO UPDATE SET payload = excluded.payload`, parent, payload); err != nil {
		return fmt.Errorf("write children of %q: %w", parent, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) tx(fn func(context.Context, *sql.Tx) error) error {
	ctx, cancel := s.ctx()
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cache transaction: %w", err)
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("cache transaction: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cache transaction: %w", err)
	}
	return nil
}
