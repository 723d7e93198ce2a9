package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notioncal/internal/app"
	"notioncal/internal/feed"
	"notioncal/internal/model"
	"notioncal/internal/normalize"
	"notioncal/internal/notion"
	"notioncal/internal/store"
	"notioncal/internal/syncer"
)

const testToken = "s3cret"

type fakeSource struct {
	down atomic.Bool
}

func (f *fakeSource) RetrieveDatabase(_ context.Context, id string) (notion.DatabaseInfo, error) {
	if f.down.Load() {
		return notion.DatabaseInfo{}, notion.ErrUpstreamUnavailable
	}
	return notion.DatabaseInfo{ID: id, Title: "Team events"}, nil
}

func (f *fakeSource) QueryDatabase(_ context.Context, _, _ string) (notion.Page, error) {
	if f.down.Load() {
		return notion.Page{}, notion.ErrUpstreamUnavailable
	}
	return notion.Page{Records: []model.SourceRecord{
		record("b", "Review", "2024-01-08T15:00:00.000Z"),
		record("a", "Standup", "2024-01-08T09:00Z"),
	}}, nil
}

func record(id, title, start string) model.SourceRecord {
	return model.SourceRecord{
		ID:             id,
		LastEditedTime: time.Date(2024, 1, 7, 18, 0, 0, 0, time.UTC),
		Properties: map[string]model.PropertyValue{
			"Name": {Kind: model.KindTitle, Type: "title", Text: title},
			"Date": {Kind: model.KindDate, Type: "date", Date: &model.DateValue{Start: start}},
		},
	}
}

type registry []*app.Calendar

func (r registry) Calendars() []*app.Calendar { return r }

func (r registry) Lookup(id string) (*app.Calendar, bool) {
	for _, cal := range r {
		if cal.ID == id || cal.DatabaseID == id {
			return cal, true
		}
	}
	return nil, false
}

type testEnv struct {
	server *httptest.Server
	source *fakeSource
	cal    *app.Calendar
	now    atomic.Int64
}

func (e *testEnv) clock() time.Time { return time.Unix(0, e.now.Load()).UTC() }

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{source: &fakeSource{}}
	env.now.Store(time.Date(2024, 1, 8, 8, 0, 0, 0, time.UTC).UnixNano())

	engine := syncer.New(env.source, normalize.New(normalize.DefaultSchema(), time.UTC), store.NewMemory(), syncer.Options{
		CalendarID: "team",
		DatabaseID: "db1",
		TTL:        5 * time.Minute,
		Now:        env.clock,
	})
	env.cal = app.NewCalendar(engine, feed.Calendar{Location: time.UTC, RefreshInterval: 5 * time.Minute})

	srv := NewServer(registry{env.cal}, Options{
		Tokens: map[string]string{testToken: "alice"},
		Now:    env.clock,
	})
	env.server = httptest.NewServer(srv.Handler())
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) get(t *testing.T, path string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.server.URL+path, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": {"Bearer " + token}}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	var b strings.Builder
	_, err := io.Copy(&b, resp.Body)
	require.NoError(t, err)
	return b.String()
}

func TestHealthNeedsNoToken(t *testing.T) {
	env := newTestEnv(t)
	resp := env.get(t, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", readBody(t, resp))
}

func TestFeedRequiresToken(t *testing.T) {
	env := newTestEnv(t)

	for name, header := range map[string]http.Header{
		"missing":     nil,
		"wrong":       bearer("nope"),
		"basic":       {"Authorization": {"Basic " + testToken}},
		"empty token": bearer(""),
	} {
		resp := env.get(t, "/calendar/bearer/team", header)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, name)
	}

	resp := env.get(t, "/calendar/qs/team?token=nope", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBearerFeedServesCalendar(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/calendar/bearer/team", bearer(testToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/calendar; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("ETag"))
	assert.Equal(t, "Mon, 08 Jan 2024 08:00:00 GMT", resp.Header.Get("Last-Modified"))
	assert.Empty(t, resp.Header.Get("X-Calendar-Stale"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	body := readBody(t, resp)
	standup := strings.Index(body, "SUMMARY:Standup")
	review := strings.Index(body, "SUMMARY:Review")
	require.NotEqual(t, -1, standup)
	require.NotEqual(t, -1, review)
	assert.Less(t, standup, review)
	assert.Contains(t, body, "X-WR-CALNAME:Team events\r\n")
}

func TestQueryTokenFeedAndDatabaseID(t *testing.T) {
	env := newTestEnv(t)
	resp := env.get(t, "/calendar/qs/db1?token="+testToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), "BEGIN:VCALENDAR")
}

func TestFeedHonorsIfNoneMatch(t *testing.T) {
	env := newTestEnv(t)
	first := env.get(t, "/calendar/bearer/team", bearer(testToken))
	require.Equal(t, http.StatusOK, first.StatusCode)
	etag := first.Header.Get("ETag")

	header := bearer(testToken)
	header.Set("If-None-Match", etag)
	second := env.get(t, "/calendar/bearer/team", header)
	assert.Equal(t, http.StatusNotModified, second.StatusCode)
	assert.Empty(t, readBody(t, second))
	assert.Equal(t, etag, second.Header.Get("ETag"))
}

func TestUnknownCalendar(t *testing.T) {
	env := newTestEnv(t)
	resp := env.get(t, "/calendar/bearer/nope", bearer(testToken))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFeedBeforeFirstSyncIsUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.source.down.Store(true)

	resp := env.get(t, "/calendar/bearer/team", bearer(testToken))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "30", resp.Header.Get("Retry-After"))
}

func TestStaleFeedIsMarked(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.cal.Engine.Sync(context.Background())
	require.NoError(t, err)

	env.source.down.Store(true)
	env.now.Add(int64(time.Hour))

	resp := env.get(t, "/calendar/bearer/team", bearer(testToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get("X-Calendar-Stale"))
	assert.Contains(t, readBody(t, resp), "SUMMARY:Standup")
}

func TestEventsAPI(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/api/calendars/team/events?days=1&backfill=0", bearer(testToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got eventsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "team", got.CalendarID)
	assert.Equal(t, "UTC", got.DisplayTimeZone)
	assert.Equal(t, time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC), got.RangeStart.UTC())
	assert.Equal(t, time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC), got.RangeEnd.UTC())
	require.Len(t, got.Occurrences, 2)
	assert.Equal(t, "Standup", got.Occurrences[0].Title)
	assert.Equal(t, "Review", got.Occurrences[1].Title)
	assert.False(t, got.Stale)
}

func TestRefreshAPI(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/api/calendars/team/refresh", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := env.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report syncer.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.True(t, report.Committed)
	assert.Equal(t, 2, report.Events)

	env.source.down.Store(true)
	req, err = http.NewRequest(http.MethodPost, env.server.URL+"/api/calendars/team/refresh", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	failed, err := env.server.Client().Do(req)
	require.NoError(t, err)
	defer failed.Body.Close()
	assert.Equal(t, http.StatusBadGateway, failed.StatusCode)

	get := env.get(t, "/api/calendars/team/refresh", bearer(testToken))
	assert.Equal(t, http.StatusMethodNotAllowed, get.StatusCode)
}

func TestStatusAPI(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.cal.Engine.Sync(context.Background())
	require.NoError(t, err)

	resp := env.get(t, "/api/status", bearer(testToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got.Calendars, 1)
	assert.Equal(t, "team", got.Calendars[0].CalendarID)
	assert.Equal(t, "committed", got.Calendars[0].State)
	assert.Equal(t, 2, got.Calendars[0].Events)

	assert.Equal(t, http.StatusUnauthorized, env.get(t, "/api/status", nil).StatusCode)
}

func TestNoTokensRejectsEverything(t *testing.T) {
	srv := NewServer(registry{}, Options{})
	_, ok := srv.authenticate("")
	assert.False(t, ok)
	_, ok = srv.authenticate("anything")
	assert.False(t, ok)
}

func TestEtagMatches(t *testing.T) {
	etag := `"abc"`
	assert.True(t, etagMatches(`"abc"`, etag))
	assert.True(t, etagMatches(`W/"abc"`, etag))
	assert.True(t, etagMatches(`"x", "abc"`, etag))
	assert.True(t, etagMatches(`*`, etag))
	assert.False(t, etagMatches(``, etag))
	assert.False(t, etagMatches(`"abcd"`, etag))
}

func TestSafeFilename(t *testing.T) {
	assert.Equal(t, "team_calendar", safeFilename("team/calendar"))
	assert.Equal(t, "a-b_c", safeFilename("a-b_c"))
}

func TestStartServerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- StartServer(ctx, "127.0.0.1:0", NewServer(registry{}, Options{}), time.Second)
	}()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
