package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"extractd/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

var (
	ErrNotFound      = errors.New("job not found")
	ErrAlreadyActive = errors.New("topic already has an active job")
	ErrMaxRetries    = errors.New("max retries reached")
	ErrNotFailed     = errors.New("job is not failed")
	ErrClosed        = errors.New("store closed")
	ErrNotOwner      = errors.New("job no longer held by this attempt")
)

// Config configures the SQLite job store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means 5s
	ReadConns   int           // 0 means 4
}

// Store is safe for concurrent use. Writes are serialized on a single
// connection; reads go through a separate read-only pool.
type Store struct {
	w   *sql.DB
	r   *sql.DB
	log logx.Logger
	now func() time.Time
}

// Open opens (and migrates) the database at cfg.Path.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("store: path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create dir: %w", err)
		}
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	readers := cfg.ReadConns
	if readers <= 0 {
		readers = 4
	}

	w, err := sql.Open("sqlite", dsn(path, busy, false))
	if err != nil {
		return nil, fmt.Errorf("store: open writer: %w", err)
	}
	// SQLite allows one writer at a time; queueing in database/sql is
	// cheaper than SQLITE_BUSY retries.
	w.SetMaxOpenConns(1)
	w.SetMaxIdleConns(1)
	w.SetConnMaxLifetime(0)

	s := &Store{w: w, log: log, now: time.Now}
	if err := s.migrate(context.Background()); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	r, err := sql.Open("sqlite", dsn(path, busy, true))
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("store: open reader: %w", err)
	}
	r.SetMaxOpenConns(readers)
	r.SetMaxIdleConns(readers)
	s.r = r

	log.Debug("job store opened", logx.String("path", path), logx.Int("readers", readers))
	return s, nil
}

func dsn(path string, busy time.Duration, readOnly bool) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	if readOnly {
		q.Add("_pragma", "query_only(1)")
	} else {
		q.Set("_txlock", "immediate")
	}
	return "file:" + path + "?" + q.Encode()
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.w.ExecContext(ctx, string(b))
	return err
}

// SetClock overrides the time source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.r != nil {
		errs = append(errs, s.r.Close())
	}
	if s.w != nil {
		errs = append(errs, s.w.Close())
	}
	return errors.Join(errs...)
}

func (s *Store) ready() error {
	if s == nil || s.w == nil || s.r == nil {
		return ErrClosed
	}
	return nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}
