// Package store persists the last committed state of each calendar.
//
// A commit replaces the whole state of one calendar at once and is accepted
// only when its cursor sequence is ahead of the stored one, so a reader never
// sees a half-written state and an older cycle can never overwrite a newer
// one.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"notioncal/internal/model"
)

var (
	// ErrNotFound is returned by Load when nothing was committed yet.
	ErrNotFound = errors.New("store: state not found")
	// ErrStaleCommit is returned by Commit when the cursor does not advance.
	ErrStaleCommit = errors.New("store: stale commit")
	// ErrInvalidDSN is returned by Open for unusable connection strings.
	ErrInvalidDSN = errors.New("store: invalid dsn")
	// ErrCorruptState is returned by Load when the stored document cannot
	// be decoded. The State returned with it carries the stored cursor
	// sequence when the backend keeps one outside the document.
	ErrCorruptState = errors.New("store: corrupt state")
)

// State is everything a calendar needs to serve its feed after a restart.
type State struct {
	Events      []model.Event         `json:"events"`
	Cursor      model.Cursor          `json:"cursor"`
	SyncedAt    time.Time             `json:"synced_at"`
	Title       string                `json:"title,omitempty"`
	Description string                `json:"description,omitempty"`
	Skipped     []model.SkippedRecord `json:"skipped,omitempty"`
}

// Store is implemented by every backend.
type Store interface {
	Load(ctx context.Context, calendarID string) (State, error)
	Commit(ctx context.Context, calendarID string, st State) error
	Close() error
}

// IsStale reports whether a state synced at syncedAt has outlived ttl.
// A zero syncedAt is always stale.
func IsStale(syncedAt time.Time, ttl time.Duration, now time.Time) bool {
	if syncedAt.IsZero() {
		return true
	}
	return !now.Before(syncedAt.Add(ttl))
}

// Open builds a Store from a DSN. Supported schemes are memory, file (or a
// bare path), sqlite, postgres and redis. An empty DSN means memory.
func Open(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemory(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDSN, err)
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemory(), nil
	case "", "file":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewFile(path)
	case "sqlite", "sqlite3":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewSQLite(path)
	case "postgres", "postgresql":
		return NewPostgres(dsn)
	case "redis", "rediss":
		return NewRedis(dsn)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidDSN, scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if strings.TrimSpace(parsed.Scheme) == "" {
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	} else if parsed.Host != "" {
		// sqlite://data/notioncal.db is a relative path.
		path = parsed.Host + path
	}
	if path == "" {
		return "", fmt.Errorf("%w: missing path in %q", ErrInvalidDSN, raw)
	}
	return path, nil
}

func encodeState(st State) ([]byte, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("store: encode state: %w", err)
	}
	return data, nil
}

func decodeState(data []byte) (State, error) {
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("%w: decode: %w", ErrCorruptState, err)
	}
	return st, nil
}

func validID(calendarID string) error {
	if strings.TrimSpace(calendarID) == "" {
		return errors.New("store: empty calendar id")
	}
	return nil
}
