// Package syncer runs sync cycles that turn a Notion database into a
// committed, immutable snapshot of calendar events.
//
// A cycle moves Idle -> Fetching -> Normalizing -> Diffing -> Committed, or
// ends in Failed. Only one cycle runs per Engine at a time. Readers load the
// current snapshot through an atomic pointer and never wait for a cycle.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	appLog "notioncal/internal/log"
	"notioncal/internal/metrics"
	"notioncal/internal/model"
	"notioncal/internal/normalize"
	"notioncal/internal/notion"
	"notioncal/internal/store"
)

// ErrCycleInFlight is returned by Sync while another cycle is running.
var ErrCycleInFlight = errors.New("syncer: sync cycle already in flight")

// State is the position of the engine in the sync state machine.
type State int32

const (
	Idle State = iota
	Fetching
	Normalizing
	Diffing
	Committed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Normalizing:
		return "normalizing"
	case Diffing:
		return "diffing"
	case Committed:
		return "committed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Source is the part of the Notion client the engine needs.
type Source interface {
	RetrieveDatabase(ctx context.Context, databaseID string) (notion.DatabaseInfo, error)
	QueryDatabase(ctx context.Context, databaseID, cursor string) (notion.Page, error)
}

// Normalizer converts fetched records into events.
type Normalizer interface {
	NormalizeAll(records []model.SourceRecord) normalize.Batch
}

// Options configures an Engine.
type Options struct {
	CalendarID string
	DatabaseID string

	// TTL is how long a committed snapshot is served without refreshing.
	TTL time.Duration
	// CycleTimeout bounds one whole cycle, retries included. Zero means no
	// bound beyond the caller's context.
	CycleTimeout time.Duration
	// ResumeWindow is how long a partially fetched result is kept for the
	// next cycle to continue from. Zero disables resuming.
	ResumeWindow time.Duration

	Now     func() time.Time
	Metrics *metrics.Recorder
}

// Diff summarizes how a cycle changed the event set.
type Diff struct {
	Added     []string `json:"added,omitempty"`
	Removed   []string `json:"removed,omitempty"`
	Changed   []string `json:"changed,omitempty"`
	Unchanged int      `json:"unchanged"`
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Snapshot is one committed result. It is never modified after it is
// published.
type Snapshot struct {
	Events      *model.EventSet
	Cursor      model.Cursor
	SyncedAt    time.Time
	Title       string
	Description string
	Skipped     []model.SkippedRecord
	Diff        Diff
}

// Report describes a finished cycle.
type Report struct {
	CycleID    string                 `json:"cycle_id"`
	CalendarID string                 `json:"calendar_id"`
	Committed  bool                   `json:"committed"`
	Resumed    bool                   `json:"resumed"`
	Seq        uint64                 `json:"seq"`
	Fetched    int                    `json:"fetched"`
	Events     int                    `json:"events"`
	Skipped    []model.SkippedRecord  `json:"skipped,omitempty"`
	Issues     []normalize.FieldIssue `json:"issues,omitempty"`
	Diff       Diff                   `json:"diff"`
	Duration   time.Duration          `json:"duration"`
	Error      string                 `json:"error,omitempty"`
}

// Feed is what a feed request gets: the snapshot to render and whether it
// is past its TTL. Snapshot is nil only if nothing was ever committed.
type Feed struct {
	Snapshot  *Snapshot
	Stale     bool
	LastError error
}

// Status is a point-in-time view for diagnostics.
type Status struct {
	CalendarID   string    `json:"calendar_id"`
	DatabaseID   string    `json:"database_id"`
	State        string    `json:"state"`
	Seq          uint64    `json:"seq"`
	Events       int       `json:"events"`
	Skipped      int       `json:"skipped"`
	SyncedAt     time.Time `json:"synced_at,omitzero"`
	Stale        bool      `json:"stale"`
	PendingPages int       `json:"pending_pages,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// pendingFetch holds the pages of a fetch that failed part way.
type pendingFetch struct {
	info       notion.DatabaseInfo
	records    []model.SourceRecord
	nextCursor string
	pages      int
	at         time.Time
}

// Engine synchronizes one database into one calendar.
type Engine struct {
	opts       Options
	source     Source
	normalizer Normalizer
	store      store.Store

	cycleMu      sync.Mutex
	pending      *pendingFetch // guarded by cycleMu
	pendingPages atomic.Int32

	state    atomic.Int32
	snapshot atomic.Pointer[Snapshot]

	errMu   sync.Mutex
	lastErr error
}

// New creates an Engine. A nil st keeps state in memory only.
func New(source Source, normalizer Normalizer, st store.Store, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CalendarID == "" {
		opts.CalendarID = opts.DatabaseID
	}
	if st == nil {
		st = store.NewMemory()
	}
	return &Engine{
		opts:       opts,
		source:     source,
		normalizer: normalizer,
		store:      st,
	}
}

// CalendarID returns the calendar this engine serves.
func (e *Engine) CalendarID() string { return e.opts.CalendarID }

// DatabaseID returns the source database.
func (e *Engine) DatabaseID() string { return e.opts.DatabaseID }

// State returns the current state machine position.
func (e *Engine) State() State { return State(e.state.Load()) }

// Current returns the committed snapshot, or nil before the first commit.
func (e *Engine) Current() *Snapshot { return e.snapshot.Load() }

// LastError returns the error of the most recent failed cycle, cleared by
// the next commit.
func (e *Engine) LastError() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.lastErr
}

// Stale reports whether the current snapshot has outlived the TTL.
func (e *Engine) Stale() bool {
	snap := e.snapshot.Load()
	if snap == nil {
		return true
	}
	return store.IsStale(snap.SyncedAt, e.opts.TTL, e.opts.Now())
}

// Load restores the last committed state from the store. A store with no
// state for this calendar is not an error.
func (e *Engine) Load(ctx context.Context) error {
	st, err := e.store.Load(ctx, e.opts.CalendarID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("syncer: load %s: %w", e.opts.CalendarID, err)
	}
	e.snapshot.Store(&Snapshot{
		Events:      model.NewEventSet(st.Events),
		Cursor:      st.Cursor,
		SyncedAt:    st.SyncedAt,
		Title:       st.Title,
		Description: st.Description,
		Skipped:     st.Skipped,
	})
	appLog.Info("restored calendar state",
		"calendar", e.opts.CalendarID,
		"seq", st.Cursor.Seq,
		"events", len(st.Events),
		"synced_at", st.SyncedAt.Format(time.RFC3339),
	)
	return nil
}

// Sync runs one cycle now. It returns ErrCycleInFlight without waiting if
// another cycle is running.
func (e *Engine) Sync(ctx context.Context) (Report, error) {
	if !e.cycleMu.TryLock() {
		return Report{CalendarID: e.opts.CalendarID}, ErrCycleInFlight
	}
	defer e.cycleMu.Unlock()
	return e.runCycle(ctx)
}

// GetCurrentFeed returns the snapshot to serve. A fresh snapshot is
// returned as is. A stale one triggers a cycle in the calling goroutine
// unless one is already running, in which case the stale snapshot is
// served immediately. If the cycle fails the previous snapshot is served
// with Stale set.
func (e *Engine) GetCurrentFeed(ctx context.Context) Feed {
	snap := e.snapshot.Load()
	if snap != nil && !store.IsStale(snap.SyncedAt, e.opts.TTL, e.opts.Now()) {
		return Feed{Snapshot: snap}
	}
	if !e.cycleMu.TryLock() {
		return Feed{Snapshot: snap, Stale: true, LastError: e.LastError()}
	}
	defer e.cycleMu.Unlock()

	if _, err := e.runCycle(ctx); err != nil {
		return Feed{Snapshot: e.snapshot.Load(), Stale: true, LastError: err}
	}
	return Feed{Snapshot: e.snapshot.Load()}
}

// Status reports the engine state for diagnostics.
func (e *Engine) Status() Status {
	st := Status{
		CalendarID: e.opts.CalendarID,
		DatabaseID: e.opts.DatabaseID,
		State:      e.State().String(),
		Stale:      e.Stale(),
	}
	if snap := e.snapshot.Load(); snap != nil {
		st.Seq = snap.Cursor.Seq
		st.Events = snap.Events.Len()
		st.Skipped = len(snap.Skipped)
		st.SyncedAt = snap.SyncedAt
	}
	if err := e.LastError(); err != nil {
		st.LastError = err.Error()
	}
	st.PendingPages = int(e.pendingPages.Load())
	return st
}

// runCycle must be called with cycleMu held.
func (e *Engine) runCycle(ctx context.Context) (Report, error) {
	started := e.opts.Now()
	report := Report{CycleID: uuid.NewString(), CalendarID: e.opts.CalendarID}

	if e.opts.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.CycleTimeout)
		defer cancel()
	}

	fail := func(err error) (Report, error) {
		outcome := metrics.OutcomeFailed
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			outcome = metrics.OutcomeAborted
		}
		e.setState(Failed)
		e.setLastError(err)
		report.Duration = e.opts.Now().Sub(started)
		report.Error = err.Error()
		e.opts.Metrics.CycleFinished(ctx, e.opts.CalendarID, outcome, report.Duration)
		appLog.Error("sync cycle failed", err,
			"calendar", e.opts.CalendarID,
			"cycle_id", report.CycleID,
			"outcome", string(outcome),
			"fetched", report.Fetched,
		)
		return report, err
	}

	e.setState(Fetching)
	records, info, resumed, err := e.fetch(ctx)
	report.Resumed = resumed
	report.Fetched = len(records)
	if err != nil {
		return fail(err)
	}

	e.setState(Normalizing)
	records = latestByID(records)
	batch := e.normalizer.NormalizeAll(records)
	for _, skip := range batch.Skipped {
		appLog.Warn("skipped record",
			"calendar", e.opts.CalendarID,
			"record", skip.RecordID,
			"reason", skip.Reason,
		)
	}
	for _, is := range batch.Issues {
		appLog.Debug("omitted field",
			"calendar", e.opts.CalendarID,
			"record", is.RecordID,
			"field", is.Field,
			"reason", is.Reason,
		)
	}
	e.opts.Metrics.RecordsSkipped(ctx, e.opts.CalendarID, len(batch.Skipped))
	report.Skipped = batch.Skipped
	report.Issues = batch.Issues
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	e.setState(Diffing)
	prev := e.snapshot.Load()
	events := model.NewEventSet(batch.Events)
	var prevEvents *model.EventSet
	prevCursor := model.Cursor{}
	if prev != nil {
		prevEvents = prev.Events
		prevCursor = prev.Cursor
	}
	diff := diffSets(prevEvents, events)

	var watermark time.Time
	for _, rec := range records {
		if rec.LastEditedTime.After(watermark) {
			watermark = rec.LastEditedTime
		}
	}
	next := &Snapshot{
		Events:      events,
		Cursor:      prevCursor.Advance(watermark),
		SyncedAt:    e.opts.Now(),
		Title:       info.Title,
		Description: info.Description,
		Skipped:     batch.Skipped,
		Diff:        diff,
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	err = e.commit(ctx, next)
	if errors.Is(err, store.ErrStaleCommit) {
		// Another writer is ahead of this engine's snapshot.
		if err = e.rebase(ctx, next); err == nil {
			err = e.commit(ctx, next)
		}
	}
	if err != nil {
		return fail(fmt.Errorf("syncer: commit: %w", err))
	}
	diff = next.Diff
	e.snapshot.Store(next)
	e.setState(Committed)
	e.setLastError(nil)

	report.Committed = true
	report.Seq = next.Cursor.Seq
	report.Events = events.Len()
	report.Diff = diff
	report.Duration = e.opts.Now().Sub(started)
	e.opts.Metrics.CycleFinished(ctx, e.opts.CalendarID, metrics.OutcomeCommitted, report.Duration)
	appLog.Info("sync cycle committed",
		"calendar", e.opts.CalendarID,
		"cycle_id", report.CycleID,
		"seq", report.Seq,
		"events", report.Events,
		"skipped", len(report.Skipped),
		"added", len(diff.Added),
		"removed", len(diff.Removed),
		"changed", len(diff.Changed),
		"resumed", resumed,
		"duration", report.Duration,
	)
	return report, nil
}

func (e *Engine) commit(ctx context.Context, snap *Snapshot) error {
	return e.store.Commit(ctx, e.opts.CalendarID, store.State{
		Events:      snap.Events.Sorted(),
		Cursor:      snap.Cursor,
		SyncedAt:    snap.SyncedAt,
		Title:       snap.Title,
		Description: snap.Description,
		Skipped:     snap.Skipped,
	})
}

// rebase moves next onto the state currently in the store: its sequence
// follows the stored one and its diff is taken against the stored events.
// An undecodable stored document contributes only its sequence.
func (e *Engine) rebase(ctx context.Context, next *Snapshot) error {
	stored, err := e.store.Load(ctx, e.opts.CalendarID)
	if err != nil && !errors.Is(err, store.ErrCorruptState) {
		return fmt.Errorf("reload stored state: %w", err)
	}
	if stored.Cursor.Seq < next.Cursor.Seq {
		return store.ErrStaleCommit
	}
	appLog.Warn("stored state is ahead of snapshot, rebasing",
		"calendar", e.opts.CalendarID,
		"seq", next.Cursor.Seq,
		"stored_seq", stored.Cursor.Seq,
	)
	next.Cursor = stored.Cursor.Advance(next.Cursor.Watermark)
	next.Diff = diffSets(model.NewEventSet(stored.Events), next.Events)
	return nil
}

// fetch pages through the whole database. When a page fails and resuming is
// enabled, the pages fetched so far are kept so the next cycle within the
// resume window continues from the failed page.
func (e *Engine) fetch(ctx context.Context) ([]model.SourceRecord, notion.DatabaseInfo, bool, error) {
	p := e.pending
	e.pending = nil
	e.pendingPages.Store(0)
	resumed := p != nil && e.opts.ResumeWindow > 0 && e.opts.Now().Sub(p.at) <= e.opts.ResumeWindow
	if !resumed {
		info, err := e.source.RetrieveDatabase(ctx, e.opts.DatabaseID)
		if err != nil {
			return nil, notion.DatabaseInfo{}, false, fmt.Errorf("syncer: retrieve database: %w", err)
		}
		p = &pendingFetch{info: info}
	} else {
		appLog.Info("resuming fetch",
			"calendar", e.opts.CalendarID,
			"pages", p.pages,
			"records", len(p.records),
		)
	}

	for {
		page, err := e.source.QueryDatabase(ctx, e.opts.DatabaseID, p.nextCursor)
		if err != nil {
			if e.opts.ResumeWindow > 0 {
				p.at = e.opts.Now()
				e.pending = p
				e.pendingPages.Store(int32(p.pages))
			}
			return p.records, p.info, resumed, fmt.Errorf("syncer: query page %d: %w", p.pages+1, err)
		}
		p.records = append(p.records, page.Records...)
		p.pages++
		if !page.HasMore {
			return p.records, p.info, resumed, nil
		}
		p.nextCursor = page.NextCursor
	}
}

func (e *Engine) setState(s State) { e.state.Store(int32(s)) }

func (e *Engine) setLastError(err error) {
	e.errMu.Lock()
	e.lastErr = err
	e.errMu.Unlock()
}

// latestByID drops duplicate ids, keeping the most recently edited record
// in the position of its first appearance.
func latestByID(records []model.SourceRecord) []model.SourceRecord {
	index := make(map[string]int, len(records))
	out := make([]model.SourceRecord, 0, len(records))
	for _, rec := range records {
		i, seen := index[rec.ID]
		if !seen || rec.ID == "" {
			index[rec.ID] = len(out)
			out = append(out, rec)
			continue
		}
		if !rec.LastEditedTime.Before(out[i].LastEditedTime) {
			out[i] = rec
		}
	}
	return out
}

func diffSets(prev, next *model.EventSet) Diff {
	var d Diff
	for _, ev := range next.Sorted() {
		old, ok := prev.Get(ev.UID)
		switch {
		case !ok:
			d.Added = append(d.Added, ev.UID)
		case old.Hash != ev.Hash:
			d.Changed = append(d.Changed, ev.UID)
		default:
			d.Unchanged++
		}
	}
	for _, uid := range prev.UIDs() {
		if _, ok := next.Get(uid); !ok {
			d.Removed = append(d.Removed, uid)
		}
	}
	return d
}
