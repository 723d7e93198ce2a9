package store

import (
	"context"
	"slices"
	"sync"
)

// Memory keeps state in process. States are copied on the way in and out.
type Memory struct {
	mu     sync.RWMutex
	states map[string]State
}

func NewMemory() *Memory {
	return &Memory{states: make(map[string]State)}
}

func (m *Memory) Load(ctx context.Context, calendarID string) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[calendarID]
	if !ok {
		return State{}, ErrNotFound
	}
	return cloneState(st), nil
}

func (m *Memory) Commit(ctx context.Context, calendarID string, st State) error {
	if err := validID(calendarID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.states[calendarID]; ok && st.Cursor.Seq <= prev.Cursor.Seq {
		return ErrStaleCommit
	}
	m.states[calendarID] = cloneState(st)
	return nil
}

func (m *Memory) Close() error { return nil }

func cloneState(st State) State {
	st.Events = slices.Clone(st.Events)
	st.Skipped = slices.Clone(st.Skipped)
	return st
}
