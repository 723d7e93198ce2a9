package model

import (
	"sort"
	"time"
)

// Recurrence is the structured form of an RRULE attached to an event.
type Recurrence struct {
	Freq     string    `json:"freq"`
	Interval int       `json:"interval,omitempty"`
	Count    int       `json:"count,omitempty"`
	Until    time.Time `json:"until,omitzero"`
	// Rule is the canonical RRULE value (without the "RRULE:" prefix).
	Rule string `json:"rule"`
}

// Event is the canonical calendar entry derived from one SourceRecord.
//
// Events are values: a changed record produces a new Event which replaces
// the old one wholesale.
type Event struct {
	UID   string `json:"uid"`
	Title string `json:"title"`

	// Start is expressed in the reference timezone. End is exclusive and
	// zero when the source had no end.
	Start  time.Time `json:"start"`
	End    time.Time `json:"end,omitzero"`
	AllDay bool      `json:"all_day"`
	// TimeZone is the timezone label of the source value, for display.
	TimeZone string `json:"timezone,omitempty"`

	Recurrence *Recurrence `json:"recurrence,omitempty"`

	Location    string   `json:"location,omitempty"`
	Description string   `json:"description,omitempty"`
	URL         string   `json:"url,omitempty"`
	Categories  []string `json:"categories,omitempty"`
	Color       string   `json:"color,omitempty"`
	Status      string   `json:"status,omitempty"`

	Created      time.Time `json:"created,omitzero"`
	LastModified time.Time `json:"last_modified,omitzero"`

	// Hash is a digest of the content fields, used for change detection.
	Hash string `json:"hash"`
}

// HasEnd reports whether the event carries an explicit end.
func (e Event) HasEnd() bool { return !e.End.IsZero() }

// Occurrence represents a single concrete instance of an event
// (after recurrence expansion and timezone normalization).
type Occurrence struct {
	UID string `json:"uid"`
	// InstanceKey uniquely identifies a single occurrence of a recurring
	// event, derived from the local start time.
	InstanceKey string `json:"instance_key"`

	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Location    string   `json:"location,omitempty"`
	URL         string   `json:"url,omitempty"`
	Categories  []string `json:"categories,omitempty"`
	Color       string   `json:"color,omitempty"`
	Status      string   `json:"status,omitempty"`
	Recurring   bool     `json:"recurring"`

	AllDay bool `json:"all_day"`

	// Start / End are in the display timezone.
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Cursor marks how far synchronization has progressed. Seq increases by
// one per commit; Watermark is the latest last-edited time seen.
type Cursor struct {
	Seq       uint64    `json:"seq"`
	Watermark time.Time `json:"watermark,omitzero"`
}

// Advance returns the cursor for the next commit.
func (c Cursor) Advance(watermark time.Time) Cursor {
	next := Cursor{Seq: c.Seq + 1, Watermark: c.Watermark}
	if watermark.After(next.Watermark) {
		next.Watermark = watermark
	}
	return next
}

// EventSet is an immutable mapping from UID to Event. A new set is built
// for every sync cycle and swapped in as a whole.
type EventSet struct {
	byUID  map[string]Event
	sorted []Event
}

// NewEventSet builds a set from events. When two events share a UID the
// later one in the slice wins.
func NewEventSet(events []Event) *EventSet {
	byUID := make(map[string]Event, len(events))
	for _, ev := range events {
		byUID[ev.UID] = ev
	}
	sorted := make([]Event, 0, len(byUID))
	for _, ev := range byUID {
		sorted = append(sorted, ev)
	}
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		return a.UID < b.UID
	})
	return &EventSet{byUID: byUID, sorted: sorted}
}

// Len returns the number of events; a nil set is empty.
func (s *EventSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.sorted)
}

// Get looks up an event by UID.
func (s *EventSet) Get(uid string) (Event, bool) {
	if s == nil {
		return Event{}, false
	}
	ev, ok := s.byUID[uid]
	return ev, ok
}

// Sorted returns the events ordered by start time, then UID. The returned
// slice is a copy.
func (s *EventSet) Sorted() []Event {
	if s == nil {
		return nil
	}
	out := make([]Event, len(s.sorted))
	copy(out, s.sorted)
	return out
}

// UIDs returns the sorted list of event identifiers.
func (s *EventSet) UIDs() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.byUID))
	for uid := range s.byUID {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out
}
