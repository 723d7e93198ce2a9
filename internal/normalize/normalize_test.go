package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notioncal/internal/model"
)

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func titleProp(s string) model.PropertyValue {
	return model.PropertyValue{Kind: model.KindTitle, Type: "title", Text: s}
}

func textProp(s string) model.PropertyValue {
	return model.PropertyValue{Kind: model.KindText, Type: "rich_text", Text: s}
}

func dateProp(start, end, tz string) model.PropertyValue {
	return model.PropertyValue{Kind: model.KindDate, Type: "date", Date: &model.DateValue{Start: start, End: end, TimeZone: tz}}
}

func record(id string, props map[string]model.PropertyValue) model.SourceRecord {
	return model.SourceRecord{
		ID:             id,
		URL:            "https://www.notion.so/" + id,
		CreatedTime:    time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC),
		LastEditedTime: time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC),
		Properties:     props,
	}
}

func TestNormalizeFullRecordRoundTrip(t *testing.T) {
	ljubljana := mustLoad(t, "Europe/Ljubljana")
	n := New(DefaultSchema(), ljubljana)

	rec := record("a", map[string]model.PropertyValue{
		"Name":       titleProp("  Standup "),
		"Date":       dateProp("2024-01-08T09:00:00.000Z", "2024-01-08T09:30:00.000Z", ""),
		"Location":   textProp("Room 4"),
		"Type":       {Kind: model.KindSelect, Type: "select", Select: &model.SelectOption{Name: "Meeting", Color: "blue"}},
		"Tags":       {Kind: model.KindMultiSelect, Type: "multi_select", Options: []model.SelectOption{{Name: "team"}, {Name: "daily"}}},
		"Status":     {Kind: model.KindStatus, Type: "status", Select: &model.SelectOption{Name: "Confirmed"}},
		"Page":       {Kind: model.KindURL, Type: "url", URL: "https://example.com/agenda"},
		"Recurrence": textProp("RRULE:FREQ=WEEKLY;INTERVAL=2;COUNT=5"),
	})
	rec.Icon = "📅"

	ev, issues, err := n.Normalize(rec)
	require.NoError(t, err)
	assert.Empty(t, issues)

	assert.Equal(t, "a", ev.UID)
	assert.Equal(t, "[Meeting] 📅 Standup", ev.Title)
	assert.True(t, ev.Start.Equal(time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)))
	assert.Equal(t, ljubljana, ev.Start.Location())
	assert.True(t, ev.End.Equal(time.Date(2024, 1, 8, 9, 30, 0, 0, time.UTC)))
	assert.False(t, ev.AllDay)
	assert.Equal(t, "UTC", ev.TimeZone)
	assert.Equal(t, "Room 4", ev.Location)
	assert.Equal(t, "https://example.com/agenda", ev.Description)
	assert.Equal(t, []string{"Meeting", "team", "daily"}, ev.Categories)
	assert.Equal(t, "blue", ev.Color)
	assert.Equal(t, "CONFIRMED", ev.Status)
	assert.Equal(t, "https://www.notion.so/a", ev.URL)
	assert.Equal(t, rec.LastEditedTime, ev.LastModified)
	require.NotNil(t, ev.Recurrence)
	assert.Equal(t, "WEEKLY", ev.Recurrence.Freq)
	assert.Equal(t, 2, ev.Recurrence.Interval)
	assert.Equal(t, 5, ev.Recurrence.Count)
	assert.Equal(t, "FREQ=WEEKLY;INTERVAL=2;COUNT=5", ev.Recurrence.Rule)
	assert.Len(t, ev.Hash, 64)
}

func TestNormalizeAllDayEndIsExclusive(t *testing.T) {
	n := New(DefaultSchema(), time.UTC)

	ev, issues, err := n.Normalize(record("a", map[string]model.PropertyValue{
		"Name": titleProp("Offsite"),
		"Date": dateProp("2024-03-01", "2024-03-02", ""),
	}))
	require.NoError(t, err)
	assert.Empty(t, issues)
	assert.True(t, ev.AllDay)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), ev.Start)
	assert.Equal(t, time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC), ev.End)
}

func TestNormalizeFloatingTimeUsesRecordZone(t *testing.T) {
	ljubljana := mustLoad(t, "Europe/Ljubljana")
	n := New(DefaultSchema(), time.UTC)

	ev, _, err := n.Normalize(record("a", map[string]model.PropertyValue{
		"Name": titleProp("Call"),
		"Date": dateProp("2024-07-01T10:00:00.000", "", "Europe/Ljubljana"),
	}))
	require.NoError(t, err)
	assert.True(t, ev.Start.Equal(time.Date(2024, 7, 1, 10, 0, 0, 0, ljubljana)))
	assert.Equal(t, time.UTC, ev.Start.Location())
	assert.Equal(t, "Europe/Ljubljana", ev.TimeZone)
	assert.False(t, ev.HasEnd())
}

func TestNormalizeShortDateTimeForm(t *testing.T) {
	n := New(DefaultSchema(), time.UTC)

	ev, _, err := n.Normalize(record("a", map[string]model.PropertyValue{
		"Name": titleProp("Standup"),
		"Date": dateProp("2024-01-08T09:00Z", "", ""),
	}))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC), ev.Start)
	assert.Equal(t, "UTC", ev.TimeZone)
}

func TestNormalizeOffsetLabel(t *testing.T) {
	n := New(DefaultSchema(), time.UTC)

	ev, _, err := n.Normalize(record("a", map[string]model.PropertyValue{
		"Name": titleProp("Call"),
		"Date": dateProp("2024-01-08T09:00:00.000+01:00", "", ""),
	}))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 8, 8, 0, 0, 0, time.UTC), ev.Start)
	assert.Equal(t, "+01:00", ev.TimeZone)
}

func TestNormalizeSkipsRecords(t *testing.T) {
	n := New(DefaultSchema(), time.UTC)
	good := dateProp("2024-01-08", "", "")

	tests := []struct {
		name   string
		rec    model.SourceRecord
		reason string
	}{
		{"missing id", record("", map[string]model.PropertyValue{"Name": titleProp("x"), "Date": good}), "missing id"},
		{"archived", func() model.SourceRecord {
			r := record("a", map[string]model.PropertyValue{"Name": titleProp("x"), "Date": good})
			r.Archived = true
			return r
		}(), "archived"},
		{"undecodable", model.SourceRecord{ID: "a", Malformed: "bad json"}, "undecodable record: bad json"},
		{"no title", record("a", map[string]model.PropertyValue{"Date": good}), "missing title property"},
		{"empty title", record("a", map[string]model.PropertyValue{"Name": titleProp("  "), "Date": good}), "empty title"},
		{"no date", record("a", map[string]model.PropertyValue{"Name": titleProp("x")}), "missing date property"},
		{"null date", record("a", map[string]model.PropertyValue{"Name": titleProp("x"), "Date": {Kind: model.KindDate, Type: "date"}}), "missing start"},
		{"date wrong type", record("a", map[string]model.PropertyValue{"Name": titleProp("x"), "Date": textProp("tomorrow")}), "date property has type rich_text"},
		{"bad start", record("a", map[string]model.PropertyValue{"Name": titleProp("x"), "Date": dateProp("???", "", "")}), `start: unrecognized date format "???"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := n.Normalize(tt.rec)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedRecord)
			var skip *SkipError
			require.ErrorAs(t, err, &skip)
			assert.Equal(t, tt.reason, skip.Reason)
		})
	}
}

func TestNormalizeOmitsMalformedOptionalFields(t *testing.T) {
	n := New(DefaultSchema(), time.UTC)

	ev, issues, err := n.Normalize(record("b", map[string]model.PropertyValue{
		"Name":       titleProp("Review"),
		"Date":       dateProp("2024-01-08T15:00:00Z", "later", ""),
		"Location":   {Kind: model.KindInvalid, Type: "rich_text", Err: "cannot unmarshal"},
		"Tags":       {Kind: model.KindNumber, Type: "number"},
		"Status":     {Kind: model.KindStatus, Type: "status", Select: &model.SelectOption{Name: "Maybe"}},
		"Recurrence": textProp("every other blue moon"),
	}))
	require.NoError(t, err)

	assert.Equal(t, "Review", ev.Title)
	assert.False(t, ev.HasEnd())
	assert.Empty(t, ev.Location)
	assert.Empty(t, ev.Categories)
	assert.Empty(t, ev.Status)
	assert.Nil(t, ev.Recurrence, "unparseable recurrence degrades to a single event")

	fields := make([]string, 0, len(issues))
	for _, is := range issues {
		assert.Equal(t, "b", is.RecordID)
		fields = append(fields, is.Field)
	}
	assert.ElementsMatch(t, []string{"end", "location", "tags", "status", "recurrence"}, fields)
}

func TestNormalizeEndBeforeStartIsDropped(t *testing.T) {
	n := New(DefaultSchema(), time.UTC)

	ev, issues, err := n.Normalize(record("a", map[string]model.PropertyValue{
		"Name": titleProp("Backwards"),
		"Date": dateProp("2024-01-08T15:00:00Z", "2024-01-08T14:00:00Z", ""),
	}))
	require.NoError(t, err)
	assert.False(t, ev.HasEnd())
	require.Len(t, issues, 1)
	assert.Equal(t, "end before start", issues[0].Reason)
}

func TestNormalizeAllDayEndPastYear9999IsDropped(t *testing.T) {
	n := New(DefaultSchema(), time.UTC)

	ev, issues, err := n.Normalize(record("a", map[string]model.PropertyValue{
		"Name": titleProp("Far future"),
		"Date": dateProp("9999-12-30", "9999-12-31", ""),
	}))
	require.NoError(t, err)
	assert.True(t, ev.AllDay)
	assert.False(t, ev.HasEnd())
	assert.NotEmpty(t, ev.Hash)
	require.Len(t, issues, 1)
	assert.Equal(t, "end", issues[0].Field)
	assert.Contains(t, issues[0].Reason, "year 10000 out of range")
}

func TestNormalizeSkipsStartOutsideYearRange(t *testing.T) {
	newYork := mustLoad(t, "America/New_York")
	cases := map[string]model.PropertyValue{
		"offset crosses into 10000": dateProp("9999-12-31T23:30:00-05:00", "", ""),
		"offset crosses below 0":    dateProp("0000-01-01T00:30:00+01:00", "", ""),
		"floating crosses in UTC":   dateProp("9999-12-31T22:00", "", "America/New_York"),
	}
	for name, date := range cases {
		t.Run(name, func(t *testing.T) {
			n := New(DefaultSchema(), newYork)
			_, _, err := n.Normalize(record("a", map[string]model.PropertyValue{
				"Name": titleProp("Edge"),
				"Date": date,
			}))
			require.ErrorIs(t, err, ErrMalformedRecord)
			assert.Contains(t, err.Error(), "out of range")
		})
	}
}

func TestContentHashReportsUnencodableTime(t *testing.T) {
	_, err := ContentHash(model.Event{UID: "a", Start: time.Date(10000, 1, 1, 0, 0, 0, 0, time.UTC)})
	assert.Error(t, err)

	hash, err := ContentHash(model.Event{UID: "a", Start: time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	assert.Len(t, hash, 64)
}

func TestNormalizeAllIsolatesFailures(t *testing.T) {
	n := New(DefaultSchema(), time.UTC)
	records := []model.SourceRecord{
		record("a", map[string]model.PropertyValue{"Name": titleProp("Standup"), "Date": dateProp("2024-01-08T09:00Z", "", "")}),
		record("b", map[string]model.PropertyValue{"Name": titleProp("Broken"), "Date": dateProp("nope", "", "")}),
		record("c", map[string]model.PropertyValue{"Name": titleProp("Review"), "Date": dateProp("2024-01-08T15:00Z", "", "")}),
	}

	batch := n.NormalizeAll(records)
	require.Len(t, batch.Events, 2)
	assert.Equal(t, "a", batch.Events[0].UID)
	assert.Equal(t, "c", batch.Events[1].UID)
	require.Len(t, batch.Skipped, 1)
	assert.Equal(t, "b", batch.Skipped[0].RecordID)
}

func TestNormalizeExplicitTitleProperty(t *testing.T) {
	schema := DefaultSchema()
	schema.Title = "Summary"
	n := New(schema, time.UTC)

	ev, _, err := n.Normalize(record("a", map[string]model.PropertyValue{
		"Name":    titleProp("ignored"),
		"Summary": textProp("Planning"),
		"Date":    dateProp("2024-01-08", "", ""),
	}))
	require.NoError(t, err)
	assert.Equal(t, "Planning", ev.Title)
}

func TestNormalizeIsDeterministic(t *testing.T) {
	n := New(DefaultSchema(), time.UTC)
	rec := record("a", map[string]model.PropertyValue{
		"Name": titleProp("Standup"),
		"Date": dateProp("2024-01-08T09:00Z", "", ""),
	})

	first, _, err := n.Normalize(rec)
	require.NoError(t, err)
	second, _, err := n.Normalize(rec)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	rec.Properties["Name"] = titleProp("Standup (moved)")
	changed, _, err := n.Normalize(rec)
	require.NoError(t, err)
	assert.NotEqual(t, first.Hash, changed.Hash)
}

func TestParseRecurrence(t *testing.T) {
	n := New(DefaultSchema(), time.UTC)
	start := time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		in      string
		freq    string
		rule    string
		wantErr bool
	}{
		{in: "weekly", freq: "WEEKLY", rule: "FREQ=WEEKLY"},
		{in: "Daily", freq: "DAILY", rule: "FREQ=DAILY"},
		{in: "rrule:freq=monthly;bymonthday=8", freq: "MONTHLY", rule: "FREQ=MONTHLY;BYMONTHDAY=8"},
		{in: "FREQ=DAILY;UNTIL=20240201T000000Z", freq: "DAILY", rule: "FREQ=DAILY;UNTIL=20240201T000000Z"},
		{in: "FREQ=DAILY;UNTIL=20230101T000000Z", wantErr: true},
		{in: "FREQ=SOMETIMES", wantErr: true},
		{in: "INTERVAL=2", wantErr: true},
		{in: "FREQ=DAILY\nFREQ=WEEKLY", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := n.parseRecurrence(tt.in, start)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, tt.freq, got.Freq)
			assert.Equal(t, tt.rule, got.Rule)
		})
	}

	none, err := n.parseRecurrence("  ", start)
	assert.NoError(t, err)
	assert.Nil(t, none)
}
