package normalize

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	offsetLayouts = []string{
		time.RFC3339Nano,
		"2006-01-02T15:04Z07:00",
	}
	floatingLayouts = []string{
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04",
	}
)

const dateLayout = "2006-01-02"

// Years outside this range cannot be written as iCalendar or RFC 3339
// timestamps.
const (
	minYear = 0
	maxYear = 9999
)

// checkYear rejects t when its year, in its own zone or in UTC, is out of
// range.
func checkYear(t time.Time) error {
	for _, y := range []int{t.Year(), t.UTC().Year()} {
		if y < minYear || y > maxYear {
			return fmt.Errorf("year %d out of range", y)
		}
	}
	return nil
}

type instant struct {
	t      time.Time
	allDay bool
	label  string
}

// parseInstant interprets a Notion date string. Date-only values are all-day
// and anchored at midnight in the reference zone. Values with an offset are
// absolute; floating values are read in tzName, falling back to the
// reference zone. The result is always expressed in the reference zone.
func (n *Normalizer) parseInstant(raw, tzName string) (instant, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return instant{}, errors.New("empty date")
	}

	if len(raw) == len(dateLayout) {
		t, err := time.ParseInLocation(dateLayout, raw, n.loc)
		if err != nil {
			return instant{}, err
		}
		label := tzName
		if label == "" {
			label = n.loc.String()
		}
		if err := checkYear(t); err != nil {
			return instant{}, err
		}
		return instant{t: t, allDay: true, label: label}, nil
	}

	for _, layout := range offsetLayouts {
		t, err := time.Parse(layout, raw)
		if err != nil {
			continue
		}
		label := tzName
		if label == "" {
			label = offsetLabel(raw, t)
		}
		t = t.In(n.loc)
		if err := checkYear(t); err != nil {
			return instant{}, err
		}
		return instant{t: t, label: label}, nil
	}

	loc := n.loc
	if tzName != "" {
		if l, err := time.LoadLocation(tzName); err == nil {
			loc = l
		}
	}
	for _, layout := range floatingLayouts {
		t, err := time.ParseInLocation(layout, raw, loc)
		if err != nil {
			continue
		}
		t = t.In(n.loc)
		if err := checkYear(t); err != nil {
			return instant{}, err
		}
		return instant{t: t, label: loc.String()}, nil
	}
	return instant{}, errors.New("unrecognized date format " + quote(raw))
}

func offsetLabel(raw string, t time.Time) string {
	if strings.HasSuffix(raw, "Z") || strings.HasSuffix(raw, "z") {
		return "UTC"
	}
	return t.Format("-07:00")
}

func quote(s string) string {
	const max = 40
	if len(s) > max {
		s = s[:max] + "..."
	}
	return `"` + s + `"`
}
