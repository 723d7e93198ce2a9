// Package app wires configuration into running calendars: one Notion
// client, normalizer and sync engine per configured database, a shared
// state store, and the background refresh schedule.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"notioncal/internal/config"
	"notioncal/internal/feed"
	appLog "notioncal/internal/log"
	"notioncal/internal/metrics"
	"notioncal/internal/normalize"
	"notioncal/internal/notion"
	"notioncal/internal/store"
	"notioncal/internal/syncer"
)

const userAgent = "notioncal/1.0"

// Options carries dependencies that tests replace. Zero values build the
// production ones from the configuration.
type Options struct {
	// Store overrides cfg.Store.DSN.
	Store store.Store
	// HTTPClient is used for Notion requests.
	HTTPClient *http.Client
	Metrics    *metrics.Recorder
	Now        func() time.Time
	// Sleep replaces the client's backoff wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Calendar is one published calendar.
type Calendar struct {
	ID         string
	DatabaseID string
	Engine     *syncer.Engine

	props feed.Calendar
}

// Properties returns the feed properties for a snapshot. Configured names
// win; otherwise the database title and description are used.
func (c *Calendar) Properties(snap *syncer.Snapshot) feed.Calendar {
	p := c.props
	if snap != nil {
		if p.Name == "" {
			p.Name = snap.Title
		}
		if p.Description == "" {
			p.Description = snap.Description
		}
	}
	return p
}

// Location returns the calendar's reference timezone.
func (c *Calendar) Location() *time.Location {
	if c.props.Location == nil {
		return time.UTC
	}
	return c.props.Location
}

// NewCalendar assembles a Calendar around an existing engine.
func NewCalendar(engine *syncer.Engine, props feed.Calendar) *Calendar {
	return &Calendar{
		ID:         engine.CalendarID(),
		DatabaseID: engine.DatabaseID(),
		Engine:     engine,
		props:      props,
	}
}

// App holds every configured calendar.
type App struct {
	cfg       *config.Config
	store     store.Store
	ownsStore bool
	calendars []*Calendar
	byID      map[string]*Calendar

	cronMu sync.Mutex
	cron   *cron.Cron
}

// New builds the calendars described by cfg. It does not contact Notion.
func New(cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("app: invalid config: %w", err)
	}

	rec := opts.Metrics
	if rec == nil {
		var err error
		if rec, err = metrics.New(nil); err != nil {
			return nil, fmt.Errorf("app: metrics: %w", err)
		}
	}

	a := &App{
		cfg:   cfg,
		store: opts.Store,
		byID:  make(map[string]*Calendar, len(cfg.Calendars)*2),
	}
	if a.store == nil {
		st, err := store.Open(cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("app: open store: %w", err)
		}
		a.store = st
		a.ownsStore = true
	}

	client := notion.New(notion.Options{
		BaseURL:        cfg.Notion.BaseURL,
		APIVersion:     cfg.Notion.APIVersion,
		UserAgent:      userAgent,
		TokenProvider:  notion.StaticToken(cfg.Notion.Token),
		HTTPClient:     opts.HTTPClient,
		RequestTimeout: cfg.Notion.RequestTimeout,
		PageSize:       cfg.Notion.PageSize,
		MaxRetries:     cfg.Sync.MaxRetries,
		BaseDelay:      cfg.Sync.BackoffBase,
		MaxDelay:       cfg.Sync.BackoffCap,
		RateLimit:      rate.Limit(cfg.Notion.RateLimit),
		Burst:          cfg.Notion.Burst,
		Sleep:          opts.Sleep,
		Metrics:        rec,
	})

	loc := cfg.Location()
	for _, cc := range cfg.Calendars {
		engine := syncer.New(client, normalize.New(cc.SchemaFor(), loc), a.store, syncer.Options{
			CalendarID:   cc.ID,
			DatabaseID:   cc.DatabaseID,
			TTL:          cfg.Sync.TTL,
			CycleTimeout: cfg.Sync.CycleTimeout,
			ResumeWindow: cfg.Sync.ResumeWindow,
			Now:          opts.Now,
			Metrics:      rec,
		})
		cal := NewCalendar(engine, feed.Calendar{
			Name:            cc.Name,
			Description:     cc.Description,
			Color:           cc.Color,
			Location:        loc,
			RefreshInterval: cfg.Sync.TTL,
		})
		a.calendars = append(a.calendars, cal)
		a.byID[cal.ID] = cal
		if _, taken := a.byID[cal.DatabaseID]; !taken {
			a.byID[cal.DatabaseID] = cal
		}
	}
	return a, nil
}

// Calendars returns the calendars in configuration order.
func (a *App) Calendars() []*Calendar { return a.calendars }

// Lookup finds a calendar by its id or by its Notion database id. Dashes
// in database ids are ignored so both URL forms Notion shows resolve.
func (a *App) Lookup(id string) (*Calendar, bool) {
	if cal, ok := a.byID[id]; ok {
		return cal, true
	}
	compact := strings.ReplaceAll(id, "-", "")
	for _, cal := range a.calendars {
		if strings.ReplaceAll(cal.DatabaseID, "-", "") == compact {
			return cal, true
		}
	}
	return nil, false
}

// Load restores every calendar's committed state from the store.
func (a *App) Load(ctx context.Context) error {
	var errs []error
	for _, cal := range a.calendars {
		if err := cal.Engine.Load(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SyncAll runs one cycle for every calendar, one after another. Calendars
// already syncing are skipped.
func (a *App) SyncAll(ctx context.Context) ([]syncer.Report, error) {
	reports := make([]syncer.Report, 0, len(a.calendars))
	var errs []error
	for _, cal := range a.calendars {
		report, err := cal.Engine.Sync(ctx)
		if errors.Is(err, syncer.ErrCycleInFlight) {
			appLog.Debug("sync skipped, cycle in flight", "calendar", cal.ID)
			continue
		}
		reports = append(reports, report)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", cal.ID, err))
		}
	}
	return reports, errors.Join(errs...)
}

// Start begins the background refresh schedule. A schedule of "off"
// disables it. Start returns once the scheduler is running.
func (a *App) Start(ctx context.Context) error {
	schedule := strings.TrimSpace(a.cfg.Sync.Refresh)
	if strings.EqualFold(schedule, "off") || len(a.calendars) == 0 {
		appLog.Info("background refresh disabled")
		return nil
	}

	logger := cronLogger{}
	c := cron.New(
		cron.WithLocation(a.cfg.Location()),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(schedule, func() {
		if _, err := a.SyncAll(ctx); err != nil {
			appLog.Warn("background refresh finished with errors", "err", err.Error())
		}
	}); err != nil {
		return fmt.Errorf("app: refresh schedule %q: %w", schedule, err)
	}

	a.cronMu.Lock()
	a.cron = c
	a.cronMu.Unlock()
	c.Start()
	appLog.Info("background refresh scheduled", "schedule", schedule, "calendars", len(a.calendars))
	return nil
}

// Close stops the scheduler, waits for a running refresh, and closes the
// store if the app opened it.
func (a *App) Close(ctx context.Context) error {
	a.cronMu.Lock()
	c := a.cron
	a.cron = nil
	a.cronMu.Unlock()
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			appLog.Warn("refresh still running at shutdown")
		}
	}
	if a.ownsStore {
		return a.store.Close()
	}
	return nil
}

// cronLogger routes scheduler logs through the application logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
