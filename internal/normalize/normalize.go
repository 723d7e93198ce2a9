// Package normalize maps database rows onto canonical calendar events.
//
// Normalization is a pure function of the record, the Schema and the
// reference timezone. A record that cannot become an event is skipped with
// a reason; a bad optional field is dropped and reported as a FieldIssue,
// and the event is kept.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"notioncal/internal/model"
)

// ErrMalformedRecord matches every *SkipError.
var ErrMalformedRecord = errors.New("normalize: malformed record")

// SkipError explains why a record produced no event.
type SkipError struct {
	RecordID string
	Reason   string
}

func (e *SkipError) Error() string {
	return fmt.Sprintf("normalize: skip record %s: %s", e.RecordID, e.Reason)
}

func (e *SkipError) Is(target error) bool { return target == ErrMalformedRecord }

// Skipped converts the error into the model's SkippedRecord.
func (e *SkipError) Skipped() model.SkippedRecord {
	return model.SkippedRecord{RecordID: e.RecordID, Reason: e.Reason}
}

// FieldIssue reports an optional field that was dropped.
type FieldIssue struct {
	RecordID string `json:"record_id"`
	Field    string `json:"field"`
	Reason   string `json:"reason"`
}

// Batch is the outcome of normalizing a whole fetch.
type Batch struct {
	Events  []model.Event
	Skipped []model.SkippedRecord
	Issues  []FieldIssue
}

// Normalizer converts SourceRecords to Events.
type Normalizer struct {
	schema Schema
	loc    *time.Location
	status map[string]string
}

// New creates a Normalizer. A nil loc means UTC.
func New(schema Schema, loc *time.Location) *Normalizer {
	if loc == nil {
		loc = time.UTC
	}
	status := make(map[string]string, len(schema.StatusMap))
	for k, v := range schema.StatusMap {
		status[strings.ToLower(strings.TrimSpace(k))] = strings.ToUpper(strings.TrimSpace(v))
	}
	return &Normalizer{schema: schema, loc: loc, status: status}
}

// Location returns the reference timezone.
func (n *Normalizer) Location() *time.Location { return n.loc }

// NormalizeAll normalizes records in order. Skips and issues are collected,
// never returned as errors.
func (n *Normalizer) NormalizeAll(records []model.SourceRecord) Batch {
	batch := Batch{Events: make([]model.Event, 0, len(records))}
	for _, rec := range records {
		ev, issues, err := n.Normalize(rec)
		batch.Issues = append(batch.Issues, issues...)
		if err != nil {
			var skip *SkipError
			if errors.As(err, &skip) {
				batch.Skipped = append(batch.Skipped, skip.Skipped())
			} else {
				batch.Skipped = append(batch.Skipped, model.SkippedRecord{RecordID: rec.ID, Reason: err.Error()})
			}
			continue
		}
		batch.Events = append(batch.Events, ev)
	}
	return batch
}

// Normalize converts one record. The error, if any, is a *SkipError.
func (n *Normalizer) Normalize(rec model.SourceRecord) (model.Event, []FieldIssue, error) {
	skip := func(reason string) (model.Event, []FieldIssue, error) {
		return model.Event{}, nil, &SkipError{RecordID: rec.ID, Reason: reason}
	}
	switch {
	case strings.TrimSpace(rec.ID) == "":
		return skip("missing id")
	case rec.Malformed != "":
		return skip("undecodable record: " + rec.Malformed)
	case rec.Archived || rec.InTrash:
		return skip("archived")
	}

	var issues []FieldIssue
	issue := func(field, reason string) {
		issues = append(issues, FieldIssue{RecordID: rec.ID, Field: field, Reason: reason})
	}

	title, reason := n.title(rec)
	if reason != "" {
		return skip(reason)
	}

	dateProp, ok := rec.Properties[n.schema.Date]
	if n.schema.Date == "" || !ok {
		return skip("missing date property")
	}
	if dateProp.Kind == model.KindInvalid {
		return skip("date: " + dateProp.Err)
	}
	if dateProp.Kind != model.KindDate {
		return skip(fmt.Sprintf("date property has type %s", dateProp.Type))
	}
	if dateProp.Date == nil || strings.TrimSpace(dateProp.Date.Start) == "" {
		return skip("missing start")
	}
	start, err := n.parseInstant(dateProp.Date.Start, dateProp.Date.TimeZone)
	if err != nil {
		return skip("start: " + err.Error())
	}

	ev := model.Event{
		UID:          rec.ID,
		Start:        start.t,
		AllDay:       start.allDay,
		TimeZone:     start.label,
		URL:          rec.URL,
		Created:      rec.CreatedTime,
		LastModified: rec.LastEditedTime,
	}

	if raw := strings.TrimSpace(dateProp.Date.End); raw != "" {
		end, err := n.parseInstant(raw, dateProp.Date.TimeZone)
		switch {
		case err != nil:
			issue("end", err.Error())
		case end.allDay != start.allDay:
			issue("end", "end mixes date and date-time with start")
		default:
			if end.allDay {
				// Notion end dates are inclusive, iCalendar DTEND is exclusive.
				end.t = end.t.AddDate(0, 0, 1)
			}
			if err := checkYear(end.t); err != nil {
				issue("end", err.Error())
			} else if end.t.Before(start.t) {
				issue("end", "end before start")
			} else {
				ev.End = end.t
			}
		}
	}

	var prefix string
	if cat, color, ok := n.selectField(rec, n.schema.Category, "category", issue); ok && cat != "" {
		prefix = "[" + cat + "] "
		ev.Categories = append(ev.Categories, cat)
		ev.Color = color
	}
	if rec.Icon != "" {
		prefix += rec.Icon + " "
	}
	ev.Title = prefix + title

	ev.Categories = append(ev.Categories, n.tags(rec, issue)...)

	if loc, ok := n.textField(rec, n.schema.Location, "location", issue); ok {
		ev.Location = loc
	}

	var desc []string
	if u, ok := n.textField(rec, n.schema.URL, "url", issue); ok && u != "" {
		desc = append(desc, u)
	}
	if d, ok := n.textField(rec, n.schema.Description, "description", issue); ok && d != "" {
		desc = append(desc, d)
	}
	ev.Description = strings.Join(desc, "\n")

	if st, ok := n.textField(rec, n.schema.Status, "status", issue); ok && st != "" {
		if mapped, found := n.status[strings.ToLower(st)]; found {
			ev.Status = mapped
		} else {
			issue("status", fmt.Sprintf("no mapping for %q", st))
		}
	}

	if rule, ok := n.textField(rec, n.schema.Recurrence, "recurrence", issue); ok && rule != "" {
		recur, err := n.parseRecurrence(rule, ev.Start)
		if err != nil {
			issue("recurrence", err.Error())
		} else {
			ev.Recurrence = recur
		}
	}

	hash, err := ContentHash(ev)
	if err != nil {
		return model.Event{}, issues, &SkipError{RecordID: rec.ID, Reason: "hash: " + err.Error()}
	}
	ev.Hash = hash
	return ev, issues, nil
}

// title resolves the title text. A non-empty reason means skip.
func (n *Normalizer) title(rec model.SourceRecord) (string, string) {
	name := n.schema.Title
	if name == "" {
		names := make([]string, 0, len(rec.Properties))
		for k, v := range rec.Properties {
			if v.Kind == model.KindTitle {
				names = append(names, k)
			}
		}
		if len(names) == 0 {
			return "", "missing title property"
		}
		sort.Strings(names)
		name = names[0]
	}
	prop, ok := rec.Properties[name]
	if !ok {
		return "", "missing title property"
	}
	if prop.Kind == model.KindInvalid {
		return "", "title: " + prop.Err
	}
	text, ok := prop.PlainText()
	if !ok {
		return "", fmt.Sprintf("title property has type %s", prop.Type)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", "empty title"
	}
	return text, ""
}

// textField reads an optional textual property. ok is false when the field
// is unmapped, absent, or unusable (the latter is reported).
func (n *Normalizer) textField(rec model.SourceRecord, name, field string, issue func(field, reason string)) (string, bool) {
	if name == "" {
		return "", false
	}
	prop, ok := rec.Properties[name]
	if !ok {
		return "", false
	}
	if prop.Kind == model.KindInvalid {
		issue(field, prop.Err)
		return "", false
	}
	text, ok := prop.PlainText()
	if !ok {
		issue(field, fmt.Sprintf("unexpected property type %s", prop.Type))
		return "", false
	}
	return strings.TrimSpace(text), true
}

func (n *Normalizer) selectField(rec model.SourceRecord, name, field string, issue func(field, reason string)) (string, string, bool) {
	if name == "" {
		return "", "", false
	}
	prop, ok := rec.Properties[name]
	if !ok {
		return "", "", false
	}
	switch prop.Kind {
	case model.KindSelect, model.KindStatus:
		if prop.Select == nil {
			return "", "", true
		}
		return strings.TrimSpace(prop.Select.Name), prop.Select.Color, true
	case model.KindInvalid:
		issue(field, prop.Err)
	default:
		issue(field, fmt.Sprintf("unexpected property type %s", prop.Type))
	}
	return "", "", false
}

func (n *Normalizer) tags(rec model.SourceRecord, issue func(field, reason string)) []string {
	if n.schema.Tags == "" {
		return nil
	}
	prop, ok := rec.Properties[n.schema.Tags]
	if !ok {
		return nil
	}
	var out []string
	switch prop.Kind {
	case model.KindMultiSelect:
		for _, opt := range prop.Options {
			if name := strings.TrimSpace(opt.Name); name != "" {
				out = append(out, name)
			}
		}
	case model.KindSelect:
		if prop.Select != nil && strings.TrimSpace(prop.Select.Name) != "" {
			out = append(out, strings.TrimSpace(prop.Select.Name))
		}
	case model.KindInvalid:
		issue("tags", prop.Err)
	default:
		issue("tags", fmt.Sprintf("unexpected property type %s", prop.Type))
	}
	return out
}

// ContentHash digests the content fields of ev (everything except Hash).
// It fails only for timestamps JSON cannot represent.
func ContentHash(ev model.Event) (string, error) {
	ev.Hash = ""
	ev.Start = ev.Start.UTC()
	ev.End = ev.End.UTC()
	ev.Created = ev.Created.UTC()
	ev.LastModified = ev.LastModified.UTC()
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("normalize: hash %s: %w", ev.UID, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
