package normalize

// Schema maps event fields to database property names. An empty name
// disables the field, except Title where empty means "use the database's
// title property".
type Schema struct {
	Title       string `yaml:"title" json:"title"`
	Date        string `yaml:"date" json:"date"`
	Location    string `yaml:"location" json:"location"`
	Description string `yaml:"description" json:"description"`
	// Category is a select whose name prefixes the title and becomes the
	// first category; its color becomes the event color.
	Category   string `yaml:"category" json:"category"`
	Tags       string `yaml:"tags" json:"tags"`
	Status     string `yaml:"status" json:"status"`
	Recurrence string `yaml:"recurrence" json:"recurrence"`
	// URL is a url property whose value leads the description.
	URL string `yaml:"url" json:"url"`

	// StatusMap maps status option names to iCalendar STATUS values
	// (CONFIRMED, TENTATIVE, CANCELLED).
	StatusMap map[string]string `yaml:"status_map" json:"status_map"`
}

// DefaultSchema returns the property names used by the reference Notion
// calendar template.
func DefaultSchema() Schema {
	return Schema{
		Title:      "",
		Date:       "Date",
		Location:   "Location",
		Category:   "Type",
		Tags:       "Tags",
		Status:     "Status",
		Recurrence: "Recurrence",
		URL:        "Page",
		StatusMap:  DefaultStatusMap(),
	}
}

// DefaultStatusMap returns the default status translation table.
func DefaultStatusMap() map[string]string {
	return map[string]string{
		"Not going":      "CANCELLED",
		"Confirmed":      "CONFIRMED",
		"Need more info": "TENTATIVE",
	}
}
