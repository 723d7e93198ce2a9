package notion

import (
	"encoding/json"
	"strings"
	"time"

	"notioncal/internal/model"
)

type queryRequest struct {
	PageSize    int    `json:"page_size,omitempty"`
	StartCursor string `json:"start_cursor,omitempty"`
}

type queryResponse struct {
	Results    []json.RawMessage `json:"results"`
	NextCursor *string           `json:"next_cursor"`
	HasMore    bool              `json:"has_more"`
}

type databaseJSON struct {
	ID          string         `json:"id"`
	URL         string         `json:"url"`
	Title       []richTextJSON `json:"title"`
	Description []richTextJSON `json:"description"`
}

type richTextJSON struct {
	PlainText string `json:"plain_text"`
}

type pageJSON struct {
	ID             string `json:"id"`
	URL            string `json:"url"`
	CreatedTime    string `json:"created_time"`
	LastEditedTime string `json:"last_edited_time"`
	Archived       bool   `json:"archived"`
	InTrash        bool   `json:"in_trash"`
	Icon           *struct {
		Type  string `json:"type"`
		Emoji string `json:"emoji"`
	} `json:"icon"`
	Properties map[string]json.RawMessage `json:"properties"`
}

type dateJSON struct {
	Start    *string `json:"start"`
	End      *string `json:"end"`
	TimeZone *string `json:"time_zone"`
}

type selectJSON struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

type formulaJSON struct {
	Type    string    `json:"type"`
	String  *string   `json:"string"`
	Date    *dateJSON `json:"date"`
	Number  *float64  `json:"number"`
	Boolean *bool     `json:"boolean"`
}

type propertyJSON struct {
	Type        string         `json:"type"`
	Title       []richTextJSON `json:"title"`
	RichText    []richTextJSON `json:"rich_text"`
	Date        *dateJSON      `json:"date"`
	Select      *selectJSON    `json:"select"`
	MultiSelect []selectJSON   `json:"multi_select"`
	Status      *selectJSON    `json:"status"`
	Relation    []struct {
		ID string `json:"id"`
	} `json:"relation"`
	URL      *string      `json:"url"`
	Number   *float64     `json:"number"`
	Checkbox *bool        `json:"checkbox"`
	Formula  *formulaJSON `json:"formula"`
}

// decodeRecord turns one query result into a SourceRecord. It never fails:
// an undecodable page yields a record with Malformed set, an undecodable
// property a KindInvalid value.
func decodeRecord(raw json.RawMessage) model.SourceRecord {
	var page pageJSON
	if err := json.Unmarshal(raw, &page); err != nil {
		var idOnly struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(raw, &idOnly)
		return model.SourceRecord{ID: idOnly.ID, Malformed: err.Error()}
	}

	rec := model.SourceRecord{
		ID:             page.ID,
		URL:            page.URL,
		Archived:       page.Archived,
		InTrash:        page.InTrash,
		CreatedTime:    parseTimestamp(page.CreatedTime),
		LastEditedTime: parseTimestamp(page.LastEditedTime),
		Properties:     make(map[string]model.PropertyValue, len(page.Properties)),
	}
	if page.Icon != nil && page.Icon.Type == "emoji" {
		rec.Icon = page.Icon.Emoji
	}
	for name, rawProp := range page.Properties {
		rec.Properties[name] = decodeProperty(rawProp)
	}
	return rec
}

func decodeProperty(raw json.RawMessage) model.PropertyValue {
	var p propertyJSON
	if err := json.Unmarshal(raw, &p); err != nil {
		var typeOnly struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(raw, &typeOnly)
		return model.PropertyValue{Kind: model.KindInvalid, Type: typeOnly.Type, Err: err.Error()}
	}

	v := model.PropertyValue{Type: p.Type}
	switch p.Type {
	case "title":
		v.Kind = model.KindTitle
		v.Text = plainText(p.Title)
	case "rich_text":
		v.Kind = model.KindText
		v.Text = plainText(p.RichText)
	case "date":
		v.Kind = model.KindDate
		v.Date = convertDate(p.Date)
	case "select":
		v.Kind = model.KindSelect
		v.Select = convertSelect(p.Select)
	case "status":
		v.Kind = model.KindStatus
		v.Select = convertSelect(p.Status)
	case "multi_select":
		v.Kind = model.KindMultiSelect
		for _, opt := range p.MultiSelect {
			v.Options = append(v.Options, model.SelectOption{Name: opt.Name, Color: opt.Color})
		}
	case "relation":
		v.Kind = model.KindRelation
		for _, rel := range p.Relation {
			v.Relation = append(v.Relation, rel.ID)
		}
	case "url":
		v.Kind = model.KindURL
		if p.URL != nil {
			v.URL = *p.URL
		}
	case "number":
		v.Kind = model.KindNumber
		v.Number = p.Number
	case "checkbox":
		v.Kind = model.KindCheckbox
		v.Checkbox = p.Checkbox != nil && *p.Checkbox
	case "formula":
		decodeFormula(&v, p.Formula)
	default:
		v.Kind = model.KindUnsupported
	}
	return v
}

// decodeFormula maps string and date formula results onto the matching
// kinds so a computed column can stand in for a plain one.
func decodeFormula(v *model.PropertyValue, f *formulaJSON) {
	if f == nil {
		v.Kind = model.KindUnsupported
		return
	}
	switch f.Type {
	case "string":
		v.Kind = model.KindText
		if f.String != nil {
			v.Text = *f.String
		}
	case "date":
		v.Kind = model.KindDate
		v.Date = convertDate(f.Date)
	case "number":
		v.Kind = model.KindNumber
		v.Number = f.Number
	case "boolean":
		v.Kind = model.KindCheckbox
		v.Checkbox = f.Boolean != nil && *f.Boolean
	default:
		v.Kind = model.KindUnsupported
	}
}

func convertDate(d *dateJSON) *model.DateValue {
	if d == nil {
		return nil
	}
	out := &model.DateValue{}
	if d.Start != nil {
		out.Start = *d.Start
	}
	if d.End != nil {
		out.End = *d.End
	}
	if d.TimeZone != nil {
		out.TimeZone = *d.TimeZone
	}
	return out
}

func convertSelect(s *selectJSON) *model.SelectOption {
	if s == nil {
		return nil
	}
	return &model.SelectOption{Name: s.Name, Color: s.Color}
}

func plainText(parts []richTextJSON) string {
	var b strings.Builder
	for _, part := range parts {
		b.WriteString(part.PlainText)
	}
	return b.String()
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
