// Package model defines the typed records produced by the document parser
// and consumed by every downstream writer. Parsers emit records, not maps;
// cross-entity references are carried as slugs only.
package model

// President is one row of the presidents registry. The registry is reset
// from the document on every run.
type President struct {
	PresidentSlug string
	FullName      string
	Party         string
	TermStart     string
	TermEnd       string
	WikipediaURL  string
	Tags          string
}

// VoyageType enumerates the allowed voyage_type values.
type VoyageType string

const (
	VoyageOfficial    VoyageType = "official"
	VoyagePrivate     VoyageType = "private"
	VoyageMaintenance VoyageType = "maintenance"
	VoyageOther       VoyageType = "other"
)

// ValidVoyageTypes is the allowed voyage_type set, keyed for membership tests.
var ValidVoyageTypes = map[string]bool{
	string(VoyageOfficial):    true,
	string(VoyagePrivate):     true,
	string(VoyageMaintenance): true,
	string(VoyageOther):       true,
}

// Voyage is the master record for one voyage. Dates and times are kept as
// the free text the document carried; format enforcement happens in the
// validator and the database writer.
type Voyage struct {
	VoyageSlug      string
	Title           string
	StartDate       string
	EndDate         string
	StartTime       string
	EndTime         string
	Origin          string
	Destination     string
	VesselName      string
	VoyageType      string
	SummaryMarkdown string
	NotesInternal   string
	SourceURLs      string // raw field; split into text[] by the db writer
	Tags            string

	// Derived from the current president context during parsing.
	President     string // full name as written
	PresidentSlug string
}

// Passenger is the master person record plus the role it plays on the
// voyage it was declared under.
type Passenger struct {
	PersonSlug   string
	FullName     string
	RoleTitle    string
	Organization string
	BirthYear    string
	DeathYear    string
	WikipediaURL string
	Tags         string
}

// Media is one declared media item. MediaSlug and SourceSlug are filled by
// the slugger after parsing when the document did not carry them.
type Media struct {
	MediaSlug             string
	Title                 string
	MediaType             string
	Credit                string
	Date                  string
	DescriptionMarkdown   string
	Tags                  string
	CopyrightRestrictions string
	GoogleDriveLink       string
	SourceSlug            string
}

// Bundle groups one voyage with its passengers and media, in document order.
type Bundle struct {
	Voyage     Voyage
	Passengers []Passenger
	Media      []Media
}

// MediaURLs is the fetcher's result for one media item: the private
// original reference and, for images, the public preview URL.
type MediaURLs struct {
	S3URL      string // s3://bucket/key, empty when the item had no usable bytes
	PreviewURL string // https public preview, images only
}
