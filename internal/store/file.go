package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	appLog "notioncal/internal/log"
)

// File keeps one JSON document per calendar in a directory. Writes go to a
// temp file in the same directory which is synced and renamed over the
// target, so a crash leaves either the old or the new state. A document
// that no longer decodes is replaced by the next commit.
type File struct {
	dir string
	mu  sync.Mutex
}

func NewFile(dir string) (*File, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: empty directory", ErrInvalidDSN)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("store: create %s: %w", dir, err)
	}
	return &File{dir: dir}, nil
}

func (f *File) path(calendarID string) string {
	return filepath.Join(f.dir, url.PathEscape(calendarID)+".json")
}

func (f *File) Load(ctx context.Context, calendarID string) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read(calendarID)
}

func (f *File) read(calendarID string) (State, error) {
	data, err := os.ReadFile(f.path(calendarID))
	if errors.Is(err, fs.ErrNotExist) {
		return State{}, ErrNotFound
	}
	if err != nil {
		return State{}, fmt.Errorf("store: read %s: %w", calendarID, err)
	}
	return decodeState(data)
}

func (f *File) Commit(ctx context.Context, calendarID string, st State) error {
	if err := validID(calendarID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeState(st)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	prev, err := f.read(calendarID)
	switch {
	case errors.Is(err, ErrNotFound):
	case errors.Is(err, ErrCorruptState):
		appLog.Warn("overwriting undecodable state", "calendar", calendarID, "err", err.Error())
	case err != nil:
		return err
	case st.Cursor.Seq <= prev.Cursor.Seq:
		return ErrStaleCommit
	}

	tmp, err := os.CreateTemp(f.dir, ".notioncal-state-*.tmp")
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write %s: %w", calendarID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("store: sync %s: %w", calendarID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := os.Rename(tmpName, f.path(calendarID)); err != nil {
		return fmt.Errorf("store: commit %s: %w", calendarID, err)
	}
	return nil
}

func (f *File) Close() error { return nil }
