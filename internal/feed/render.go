// Package feed serializes event sets as iCalendar documents and expands
// them into concrete occurrences for the JSON API.
package feed

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"

	"notioncal/internal/model"
)

// ErrRender is returned when a feed cannot be serialized.
var ErrRender = errors.New("feed: render failed")

const productID = "notioncal"

// Calendar holds the calendar-level properties of a feed.
type Calendar struct {
	Name        string
	Description string
	Color       string
	// Location is the reference timezone. All-day dates are written in it
	// and it is advertised as X-WR-TIMEZONE.
	Location *time.Location
	// RefreshInterval is advertised to clients as REFRESH-INTERVAL and
	// X-PUBLISHED-TTL. Zero omits both.
	RefreshInterval time.Duration
}

// Render writes events as a VCALENDAR. The output depends only on cal and
// the events' content: events are ordered by start then UID, timestamps
// come from the events themselves, and an empty set yields a calendar
// without VEVENTs.
func Render(cal Calendar, events *model.EventSet) ([]byte, error) {
	loc := cal.Location
	if loc == nil {
		loc = time.UTC
	}

	c := ics.NewCalendarFor(productID)
	c.SetMethod(ics.MethodPublish)
	c.SetCalscale("GREGORIAN")
	if cal.Name != "" {
		name := cleanText(cal.Name)
		c.SetName(name)
		c.SetXWRCalName(name)
	}
	if cal.Description != "" {
		desc := cleanText(cal.Description)
		c.SetDescription(desc)
		c.SetXWRCalDesc(desc)
	}
	c.SetXWRTimezone(loc.String())
	if color := cssColor(cal.Color); color != "" {
		c.SetColor(color)
	}
	if cal.RefreshInterval > 0 {
		d := formatDuration(cal.RefreshInterval)
		c.SetRefreshInterval(d, ics.WithValue(string(ics.ValueDataTypeDuration)))
		c.SetXPublishedTTL(d)
	}

	for _, ev := range events.Sorted() {
		if err := addEvent(c, ev, loc); err != nil {
			return nil, err
		}
	}

	// Content lines end in CRLF regardless of platform.
	var buf bytes.Buffer
	if err := c.SerializeTo(&buf, ics.WithNewLineWindows); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRender, err)
	}
	return buf.Bytes(), nil
}

func addEvent(c *ics.Calendar, ev model.Event, loc *time.Location) error {
	if ev.UID == "" {
		return fmt.Errorf("%w: event without uid", ErrRender)
	}
	if ev.Start.IsZero() {
		return fmt.Errorf("%w: event %s has no start", ErrRender, ev.UID)
	}

	vev := c.AddEvent(ev.UID)
	vev.SetDtStampTime(stamp(ev))
	if ev.AllDay {
		vev.SetAllDayStartAt(ev.Start.In(loc))
		if ev.HasEnd() {
			vev.SetAllDayEndAt(ev.End.In(loc))
		}
	} else {
		vev.SetStartAt(ev.Start)
		if ev.HasEnd() {
			vev.SetEndAt(ev.End)
		}
	}
	if ev.Recurrence != nil && ev.Recurrence.Rule != "" {
		vev.AddRrule(ev.Recurrence.Rule)
	}
	vev.SetSummary(cleanText(ev.Title))
	if ev.Description != "" {
		vev.SetDescription(cleanText(ev.Description))
	}
	if ev.Location != "" {
		vev.SetLocation(cleanText(ev.Location))
	}
	if ev.URL != "" {
		vev.SetURL(ev.URL)
	}
	for _, cat := range ev.Categories {
		vev.AddCategory(cleanText(cat))
	}
	if color := cssColor(ev.Color); color != "" {
		vev.SetColor(color)
	}
	switch ev.Status {
	case string(ics.ObjectStatusConfirmed), string(ics.ObjectStatusTentative), string(ics.ObjectStatusCancelled):
		vev.SetStatus(ics.ObjectStatus(ev.Status))
	}
	if !ev.Created.IsZero() {
		vev.SetCreatedTime(ev.Created)
	}
	if !ev.LastModified.IsZero() {
		vev.SetModifiedAt(ev.LastModified)
	}
	return nil
}

// stamp picks DTSTAMP from the event itself so output is reproducible.
func stamp(ev model.Event) time.Time {
	switch {
	case !ev.LastModified.IsZero():
		return ev.LastModified
	case !ev.Created.IsZero():
		return ev.Created
	default:
		return ev.Start
	}
}

// cleanText folds CR and CRLF into LF. The library escapes LF, but a bare
// CR would end the content line.
func cleanText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// cssColor maps Notion option colors to CSS color names. Notion's
// "default" has no CSS equivalent and is dropped.
func cssColor(c string) string {
	switch c = strings.ToLower(strings.TrimSpace(c)); c {
	case "", "default":
		return ""
	case "brown":
		return "saddlebrown"
	default:
		return c
	}
}

// formatDuration renders d as an RFC 5545 duration, e.g. PT10M or PT1H30M.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "PT0S"
	}
	h := int64(d / time.Hour)
	m := int64(d % time.Hour / time.Minute)
	s := int64(d % time.Minute / time.Second)

	var b strings.Builder
	b.WriteString("PT")
	if h > 0 {
		fmt.Fprintf(&b, "%dH", h)
	}
	if m > 0 {
		fmt.Fprintf(&b, "%dM", m)
	}
	if s > 0 {
		fmt.Fprintf(&b, "%dS", s)
	}
	return b.String()
}
