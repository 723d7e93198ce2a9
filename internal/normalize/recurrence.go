package normalize

import (
	"errors"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"notioncal/internal/model"
)

var frequencyWords = map[string]string{
	"daily":   "FREQ=DAILY",
	"weekly":  "FREQ=WEEKLY",
	"monthly": "FREQ=MONTHLY",
	"yearly":  "FREQ=YEARLY",
	"annual":  "FREQ=YEARLY",
}

// parseRecurrence accepts an RRULE value (with or without the "RRULE:"
// prefix) or a bare frequency word. An empty string means no recurrence.
func (n *Normalizer) parseRecurrence(raw string, start time.Time) (*model.Recurrence, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if rule, ok := frequencyWords[strings.ToLower(raw)]; ok {
		raw = rule
	}
	if len(raw) > 6 && strings.EqualFold(raw[:6], "RRULE:") {
		raw = raw[6:]
	}
	if strings.ContainsAny(raw, "\r\n") {
		return nil, errors.New("multi-line recurrence is not supported")
	}

	opt, err := rrule.StrToROptionInLocation(strings.ToUpper(raw), n.loc)
	if err != nil {
		return nil, err
	}
	if opt.Interval < 0 || opt.Count < 0 {
		return nil, errors.New("negative INTERVAL or COUNT")
	}
	if !opt.Until.IsZero() && opt.Until.Before(start) {
		return nil, errors.New("UNTIL before start")
	}

	check := *opt
	check.Dtstart = start
	if _, err := rrule.NewRRule(check); err != nil {
		return nil, err
	}

	interval := opt.Interval
	if interval == 0 {
		interval = 1
	}
	rec := &model.Recurrence{
		Freq:     opt.Freq.String(),
		Interval: interval,
		Count:    opt.Count,
		Rule:     opt.RRuleString(),
	}
	if !opt.Until.IsZero() {
		rec.Until = opt.Until.UTC()
	}
	return rec, nil
}
