package model

import "time"

// PropertyKind tags the payload carried by a PropertyValue.
type PropertyKind string

const (
	KindTitle       PropertyKind = "title"
	KindText        PropertyKind = "rich_text"
	KindDate        PropertyKind = "date"
	KindSelect      PropertyKind = "select"
	KindMultiSelect PropertyKind = "multi_select"
	KindStatus      PropertyKind = "status"
	KindRelation    PropertyKind = "relation"
	KindURL         PropertyKind = "url"
	KindNumber      PropertyKind = "number"
	KindCheckbox    PropertyKind = "checkbox"

	// KindUnsupported marks a property type the client does not decode
	// (formulas, rollups, files, people, ...).
	KindUnsupported PropertyKind = "unsupported"
	// KindInvalid marks a property whose payload could not be decoded.
	// PropertyValue.Err holds the reason.
	KindInvalid PropertyKind = "invalid"
)

// DateValue is a Notion date property as sent on the wire. Start and End are
// kept as raw ISO-8601 strings; interpretation belongs to the normalizer.
type DateValue struct {
	Start    string
	End      string
	TimeZone string
}

// SelectOption is one option of a select, multi-select or status property.
type SelectOption struct {
	Name  string
	Color string
}

// PropertyValue is a tagged variant over the property types a database row
// can carry. Only the field matching Kind is meaningful.
type PropertyValue struct {
	Kind PropertyKind
	// Type is the raw Notion type name, kept for unsupported properties.
	Type string

	Text     string
	Date     *DateValue
	Select   *SelectOption
	Options  []SelectOption
	Relation []string
	URL      string
	Number   *float64
	Checkbox bool

	Err string
}

// PlainText returns the textual content of title, text, select, status and
// url properties.
func (v PropertyValue) PlainText() (string, bool) {
	switch v.Kind {
	case KindTitle, KindText:
		return v.Text, true
	case KindSelect, KindStatus:
		if v.Select == nil {
			return "", true
		}
		return v.Select.Name, true
	case KindURL:
		return v.URL, true
	default:
		return "", false
	}
}

// SourceRecord is one database row (a Notion page) as fetched from the API.
// Records are immutable once fetched.
type SourceRecord struct {
	ID  string
	URL string
	// Icon is the page emoji, if the page icon is an emoji.
	Icon string

	Archived bool
	InTrash  bool

	CreatedTime    time.Time
	LastEditedTime time.Time

	Properties map[string]PropertyValue

	// Malformed is set when the record payload could not be decoded at all.
	Malformed string
}

// SkippedRecord reports a record that could not be turned into an event.
type SkippedRecord struct {
	RecordID string `json:"record_id"`
	Reason   string `json:"reason"`
}
