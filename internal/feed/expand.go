package feed

import (
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "notioncal/internal/log"
	"notioncal/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// DisplayLocation is the timezone to which all occurrences will be converted.
	// If nil, UTC is used.
	DisplayLocation *time.Location

	// RangeStart / RangeEnd define the inclusive time window for occurrences.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent is a safety cap to avoid infinite or extremely
	// large expansions. If zero, defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// ExpandResult wraps the list of expanded occurrences and optionally
// information about truncation.
type ExpandResult struct {
	Occurrences []model.Occurrence
	// TruncatedEvents records UIDs that hit the MaxOccurrencesPerEvent cap.
	TruncatedEvents []string
}

// ExpandOccurrences turns events into the concrete occurrences that fall in
// the configured window, ordered by start then UID. Recurring events are
// expanded with their RRULE; an event whose rule no longer parses is
// treated as a single occurrence.
func ExpandOccurrences(events []model.Event, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.DisplayLocation == nil {
		cfg.DisplayLocation = time.UTC
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	all := make([]model.Occurrence, 0, len(events))
	for _, ev := range events {
		occ, hitCap := expandEvent(ev, cfg)
		all = append(all, occ...)
		if hitCap {
			result.TruncatedEvents = append(result.TruncatedEvents, ev.UID)
			appLog.Warn("expand: truncated occurrences",
				"uid", ev.UID,
				"cap", cfg.MaxOccurrencesPerEvent,
			)
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].Start.Equal(all[j].Start) {
			return all[i].Start.Before(all[j].Start)
		}
		if all[i].UID != all[j].UID {
			return all[i].UID < all[j].UID
		}
		return all[i].InstanceKey < all[j].InstanceKey
	})
	result.Occurrences = all
	return result, nil
}

func expandEvent(ev model.Event, cfg ExpandConfig) ([]model.Occurrence, bool) {
	start := ev.Start.In(cfg.DisplayLocation)
	dur := eventDuration(ev)

	if ev.Recurrence == nil || ev.Recurrence.Rule == "" {
		return expandSingleEvent(ev, start, dur, cfg), false
	}
	return expandRecurringEvent(ev, start, dur, cfg)
}

func expandSingleEvent(ev model.Event, start time.Time, dur time.Duration, cfg ExpandConfig) []model.Occurrence {
	end := start.Add(dur)
	if !timeRangesOverlap(start, end, cfg.RangeStart, cfg.RangeEnd) {
		return nil
	}
	return []model.Occurrence{makeOccurrence(ev, start, end, cfg.DisplayLocation)}
}

func expandRecurringEvent(ev model.Event, start time.Time, dur time.Duration, cfg ExpandConfig) ([]model.Occurrence, bool) {
	opt, err := rrule.StrToROptionInLocation(ev.Recurrence.Rule, cfg.DisplayLocation)
	if err != nil {
		appLog.Error("expand: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.Recurrence.Rule)
		return expandSingleEvent(ev, start, dur, cfg), false
	}
	opt.Dtstart = start
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		appLog.Error("expand: invalid RRULE", err, "uid", ev.UID, "rrule", ev.Recurrence.Rule)
		return expandSingleEvent(ev, start, dur, cfg), false
	}

	// Widen the window by the duration so occurrences that started before
	// RangeStart but are still running are included.
	rangeStart := cfg.RangeStart.Add(-dur).In(cfg.DisplayLocation)
	rangeEnd := cfg.RangeEnd.In(cfg.DisplayLocation)

	occTimes := r.Between(rangeStart, rangeEnd, true)
	hitCap := false
	if len(occTimes) > cfg.MaxOccurrencesPerEvent {
		occTimes = occTimes[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	out := make([]model.Occurrence, 0, len(occTimes))
	for _, occStart := range occTimes {
		var occEnd time.Time
		if ev.AllDay {
			// All-day: keep the occurrence on whole days in the display zone.
			date := time.Date(occStart.Year(), occStart.Month(), occStart.Day(), 0, 0, 0, 0, occStart.Location())
			occStart = date
			occEnd = date.AddDate(0, 0, wholeDays(dur))
		} else {
			occEnd = occStart.Add(dur)
		}
		if !timeRangesOverlap(occStart, occEnd, cfg.RangeStart, cfg.RangeEnd) {
			continue
		}
		occ := makeOccurrence(ev, occStart, occEnd, cfg.DisplayLocation)
		occ.Recurring = true
		out = append(out, occ)
	}
	return out, hitCap
}

// eventDuration is End-Start, or one day for an all-day event without end.
func eventDuration(ev model.Event) time.Duration {
	if ev.HasEnd() && ev.End.After(ev.Start) {
		return ev.End.Sub(ev.Start)
	}
	if ev.AllDay {
		return 24 * time.Hour
	}
	return 0
}

func wholeDays(d time.Duration) int {
	days := int((d + 12*time.Hour) / (24 * time.Hour))
	if days < 1 {
		days = 1
	}
	return days
}

// makeOccurrence converts an event and a specific start/end time into a
// model.Occurrence normalized into displayLoc.
func makeOccurrence(ev model.Event, start, end time.Time, displayLoc *time.Location) model.Occurrence {
	startLocal := start.In(displayLoc)
	endLocal := end.In(displayLoc)

	occ := model.Occurrence{
		UID:         ev.UID,
		Title:       ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
		URL:         ev.URL,
		Categories:  ev.Categories,
		Color:       ev.Color,
		Status:      ev.Status,
		AllDay:      ev.AllDay,
		Start:       startLocal,
		End:         endLocal,
	}

	// InstanceKey: use start time in RFC3339 as a stable per-instance key.
	occ.InstanceKey = ev.UID + "@" + startLocal.Format(time.RFC3339Nano)

	return occ
}

func timeRangesOverlap(aStart, aEnd, bStart, bEnd time.Time) bool {
	if aEnd.Before(bStart) {
		return false
	}
	if bEnd.Before(aStart) {
		return false
	}
	return true
}
