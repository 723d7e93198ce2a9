package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"notioncal/internal/model"
)

const (
	stateTableName      = "notioncal_state"
	sqlOperationTimeout = 5 * time.Second
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// SQL stores one row per calendar: the cursor columns plus the JSON state.
// The upsert only applies when the incoming seq is greater than the stored
// one, which makes commits monotonic without an explicit transaction.
type SQL struct {
	dialect dialect
	driver  string
	dsn     string
	openDB  sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewSQLite opens (or creates) a SQLite database at path.
func NewSQLite(path string) (*SQL, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: empty sqlite path", ErrInvalidDSN)
	}
	s := &SQL{
		dialect: dialectSQLite,
		driver:  "sqlite",
		dsn:     path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)",
		openDB:  sql.Open,
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewPostgres returns a Postgres-backed store. The connection and table are
// created on first use.
func NewPostgres(dsn string) (*SQL, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty postgres dsn", ErrInvalidDSN)
	}
	return &SQL{
		dialect: dialectPostgres,
		driver:  "postgres",
		dsn:     dsn,
		openDB:  sql.Open,
	}, nil
}

func (s *SQL) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB(s.driver, s.dsn)
		if err != nil {
			s.initErr = fmt.Errorf("store: open %s: %w", s.driver, err)
			return
		}
		if s.dialect == dialectSQLite {
			db.SetMaxOpenConns(4)
			db.SetMaxIdleConns(2)
			db.SetConnMaxLifetime(30 * time.Minute)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		ddl := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				calendar_id TEXT PRIMARY KEY,
				seq BIGINT NOT NULL,
				watermark TEXT NOT NULL,
				synced_at TEXT NOT NULL,
				payload TEXT NOT NULL
			)`, quoteIdentifier(stateTableName))
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			_ = db.Close()
			s.initErr = fmt.Errorf("store: migrate %s: %w", s.driver, err)
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQL) Load(ctx context.Context, calendarID string) (State, error) {
	if err := s.ensureReady(); err != nil {
		return State{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := s.rebind(fmt.Sprintf("SELECT seq, payload FROM %s WHERE calendar_id = ?", quoteIdentifier(stateTableName)))
	var (
		seq     int64
		payload string
	)
	err := s.db.QueryRowContext(ctx, query, calendarID).Scan(&seq, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, ErrNotFound
	}
	if err != nil {
		return State{}, fmt.Errorf("store: load %s: %w", calendarID, err)
	}
	st, err := decodeState([]byte(payload))
	if err != nil {
		return State{Cursor: model.Cursor{Seq: uint64(seq)}}, err
	}
	return st, nil
}

func (s *SQL) Commit(ctx context.Context, calendarID string, st State) error {
	if err := validID(calendarID); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	payload, err := encodeState(st)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := s.rebind(fmt.Sprintf(`
		INSERT INTO %[1]s (calendar_id, seq, watermark, synced_at, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (calendar_id) DO UPDATE SET
			seq = excluded.seq,
			watermark = excluded.watermark,
			synced_at = excluded.synced_at,
			payload = excluded.payload
		WHERE %[1]s.seq < excluded.seq`, quoteIdentifier(stateTableName)))

	var affected int64
	err = s.retry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query,
			calendarID,
			int64(st.Cursor.Seq),
			st.Cursor.Watermark.UTC().Format(time.RFC3339Nano),
			st.SyncedAt.UTC().Format(time.RFC3339Nano),
			string(payload),
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("store: commit %s: %w", calendarID, err)
	}
	if affected == 0 {
		return ErrStaleCommit
	}
	return nil
}

func (s *SQL) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQL) rebind(query string) string {
	if s.dialect != dialectPostgres {
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

// retry re-runs fn on transient SQLite lock errors with exponential backoff
// and jitter. Other dialects run fn once.
func (s *SQL) retry(ctx context.Context, fn func() error) error {
	const (
		maxRetries = 3
		baseDelay  = 50 * time.Millisecond
		maxDelay   = 500 * time.Millisecond
	)
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil || s.dialect != dialectSQLite || !isTransientSQLiteErr(lastErr) {
			return lastErr
		}
		if attempt == maxRetries {
			break
		}
		delay := min(maxDelay, baseDelay<<attempt) + time.Duration(rand.Int64N(int64(baseDelay)))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return lastErr
}

func isTransientSQLiteErr(err error) bool {
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"database is locked",
		"database table is locked",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
