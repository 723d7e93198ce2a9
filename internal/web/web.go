package web

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"notioncal/internal/app"
	"notioncal/internal/feed"
	appLog "notioncal/internal/log"
	"notioncal/internal/metrics"
	"notioncal/internal/model"
	"notioncal/internal/syncer"
)

// Registry resolves calendar ids from request paths.
type Registry interface {
	Calendars() []*app.Calendar
	Lookup(id string) (*app.Calendar, bool)
}

// Options configures a Server.
type Options struct {
	// Tokens maps access tokens to their holder. An empty map rejects every
	// authenticated request.
	Tokens map[string]string
	// RequestTimeout bounds the sync a stale feed request may trigger.
	RequestTimeout time.Duration
	Metrics        *metrics.Recorder
	Now            func() time.Time
}

// Server provides the feed routes and the JSON API.
type Server struct {
	reg     Registry
	opts    Options
	tokens  [][]byte
	holders []string
	mux     *http.ServeMux
}

// NewServer constructs a new Server.
func NewServer(reg Registry, opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{
		reg:  reg,
		opts: opts,
		mux:  http.NewServeMux(),
	}
	for token, holder := range opts.Tokens {
		if token == "" {
			continue
		}
		s.tokens = append(s.tokens, []byte(token))
		s.holders = append(s.holders, holder)
	}
	if len(s.tokens) == 0 {
		appLog.Warn("no access tokens configured; calendar routes will reject every request")
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// StartServer serves on listen until ctx is canceled, then shuts down
// gracefully within shutdownTimeout.
func StartServer(ctx context.Context, listen string, s *Server, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	appLog.Info("shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /calendar/bearer/{id}", s.withCalendar(bearerToken, s.handleFeed))
	s.mux.HandleFunc("GET /calendar/qs/{id}", s.withCalendar(queryToken, s.handleFeed))
	s.mux.HandleFunc("GET /api/calendars/{id}/events", s.withCalendar(bearerToken, s.handleEvents))
	s.mux.HandleFunc("POST /api/calendars/{id}/refresh", s.withCalendar(bearerToken, s.handleRefresh))
	s.mux.HandleFunc("GET /api/status", s.requireToken(bearerToken, s.handleStatus))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleFeed serves the calendar as iCalendar.
//
// A stale snapshot is refreshed inline when possible; if the refresh fails
// the previous snapshot is served with X-Calendar-Stale. Before the first
// successful sync there is nothing to serve and the response is 503.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request, cal *app.Calendar) {
	ctx := r.Context()
	result := s.currentFeed(ctx, cal)
	s.opts.Metrics.FeedServed(ctx, cal.ID, result.Stale)

	if result.Snapshot == nil {
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, "calendar not synced yet")
		return
	}

	body, err := feed.Render(cal.Properties(result.Snapshot), result.Snapshot.Events)
	if err != nil {
		appLog.Error("feed render failed", err, "calendar", cal.ID)
		writeError(w, http.StatusInternalServerError, "failed to render calendar")
		return
	}

	sum := sha256.Sum256(body)
	etag := `"` + hex.EncodeToString(sum[:]) + `"`

	h := w.Header()
	h.Set("ETag", etag)
	h.Set("Cache-Control", "private, no-cache")
	if !result.Snapshot.SyncedAt.IsZero() {
		h.Set("Last-Modified", result.Snapshot.SyncedAt.UTC().Format(http.TimeFormat))
	}
	if result.Stale {
		h.Set("X-Calendar-Stale", "true")
	}
	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	h.Set("Content-Type", "text/calendar; charset=utf-8")
	h.Set("Content-Disposition", `inline; filename="`+safeFilename(cal.ID)+`.ics"`)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// currentFeed bounds a possible inline refresh by RequestTimeout.
func (s *Server) currentFeed(ctx context.Context, cal *app.Calendar) syncer.Feed {
	if s.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()
	}
	return cal.Engine.GetCurrentFeed(ctx)
}

// eventsResponse is the JSON response shape for /api/calendars/{id}/events.
type eventsResponse struct {
	CalendarID      string             `json:"calendar_id"`
	Occurrences     []model.Occurrence `json:"occurrences"`
	TruncatedUIDs   []string           `json:"truncated_uids,omitempty"`
	RangeStart      time.Time          `json:"range_start"`
	RangeEnd        time.Time          `json:"range_end"`
	DisplayTimeZone string             `json:"display_timezone"`
	SyncedAt        time.Time          `json:"synced_at"`
	Stale           bool               `json:"stale"`
}

// handleEvents returns expanded occurrences within a requested window.
//
// GET /api/calendars/{id}/events?days=7&backfill=1
//   - days:     how many days ahead to include (default 7)
//   - backfill: how many past days to include (default 1)
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, cal *app.Calendar) {
	ctx := r.Context()

	q := r.URL.Query()
	days := parseIntDefault(q.Get("days"), 7)
	if days <= 0 {
		days = 7
	}
	backfill := parseIntDefault(q.Get("backfill"), 1)
	if backfill < 0 {
		backfill = 0
	}

	result := s.currentFeed(ctx, cal)
	s.opts.Metrics.FeedServed(ctx, cal.ID, result.Stale)
	if result.Snapshot == nil {
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, "calendar not synced yet")
		return
	}

	loc := cal.Location()
	now := s.opts.Now().In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	rangeStart := today.AddDate(0, 0, -backfill)
	rangeEnd := today.AddDate(0, 0, days)

	expanded, err := feed.ExpandOccurrences(result.Snapshot.Events.Sorted(), feed.ExpandConfig{
		DisplayLocation: loc,
		RangeStart:      rangeStart,
		RangeEnd:        rangeEnd,
	})
	if err != nil {
		appLog.Error("api events: expand failed", err, "calendar", cal.ID)
		writeError(w, http.StatusInternalServerError, "failed to expand events")
		return
	}

	occurrences := expanded.Occurrences
	if occurrences == nil {
		occurrences = []model.Occurrence{}
	}
	if result.Stale {
		w.Header().Set("X-Calendar-Stale", "true")
	}
	writeJSON(w, http.StatusOK, eventsResponse{
		CalendarID:      cal.ID,
		Occurrences:     occurrences,
		TruncatedUIDs:   expanded.TruncatedEvents,
		RangeStart:      rangeStart,
		RangeEnd:        rangeEnd,
		DisplayTimeZone: loc.String(),
		SyncedAt:        result.Snapshot.SyncedAt,
		Stale:           result.Stale,
	})
}

// handleRefresh runs a sync cycle now and returns its report.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, cal *app.Calendar) {
	report, err := cal.Engine.Sync(r.Context())
	switch {
	case errors.Is(err, syncer.ErrCycleInFlight):
		writeError(w, http.StatusConflict, "sync already in progress")
	case err != nil:
		writeJSON(w, http.StatusBadGateway, report)
	default:
		writeJSON(w, http.StatusOK, report)
	}
}

type statusResponse struct {
	Calendars []syncer.Status `json:"calendars"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Calendars: []syncer.Status{}}
	for _, cal := range s.reg.Calendars() {
		resp.Calendars = append(resp.Calendars, cal.Engine.Status())
	}
	writeJSON(w, http.StatusOK, resp)
}

type calendarHandler func(w http.ResponseWriter, r *http.Request, cal *app.Calendar)

// withCalendar authenticates the request, then resolves {id}.
func (s *Server) withCalendar(extract func(*http.Request) string, next calendarHandler) http.HandlerFunc {
	return s.requireToken(extract, func(w http.ResponseWriter, r *http.Request) {
		cal, ok := s.reg.Lookup(r.PathValue("id"))
		if !ok {
			writeError(w, http.StatusNotFound, "unknown calendar")
			return
		}
		next(w, r, cal)
	})
}

func (s *Server) requireToken(extract func(*http.Request) string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		holder, ok := s.authenticate(extract(r))
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="notioncal"`)
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		appLog.Debug("authenticated request", "holder", holder, "path", r.URL.Path)
		next(w, r)
	}
}

// authenticate compares the presented token with every configured token in
// constant time and returns the holder's name.
func (s *Server) authenticate(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	presented := []byte(token)
	match := -1
	for i, t := range s.tokens {
		if subtle.ConstantTimeCompare(presented, t) == 1 {
			match = i
		}
	}
	if match < 0 {
		return "", false
	}
	return s.holders[match], true
}

func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func queryToken(r *http.Request) string {
	return r.URL.Query().Get("token")
}

// etagMatches implements the weak comparison of If-None-Match.
func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}

func safeFilename(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// logRequests logs each request without its query string, which may carry
// a token.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		appLog.Info("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"elapsed", time.Since(started).Round(time.Millisecond).String(),
		)
	})
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
