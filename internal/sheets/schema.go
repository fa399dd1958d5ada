package sheets

// Tab titles. The presidents tab title is configurable and carried on the
// client; every other title is fixed.
const (
	TabVoyages          = "voyages"
	TabPassengers       = "passengers"
	TabMedia            = "media"
	TabVoyagePassengers = "voyage_passengers"
	TabVoyageMedia      = "voyage_media"
	TabVoyagePresidents = "voyage_presidents"
	TabIngestLog        = "ingest_log"
)

var (
	VoyagesHeaders = []string{
		"voyage_slug", "title", "start_date", "end_date", "start_time", "end_time",
		"origin", "destination", "vessel_name", "voyage_type", "summary_markdown",
		"notes_internal", "source_urls", "tags",
	}

	PassengersHeaders = []string{
		"person_slug", "full_name", "role_title", "organization", "birth_year",
		"death_year", "wikipedia_url", "notes_internal", "tags",
	}

	MediaHeaders = []string{
		"media_slug", "title", "media_type", "s3_url", "thumbnail_s3_url", "credit", "date",
		"description_markdown", "tags", "copyright_restrictions", "google_drive_link",
	}

	VoyagePassengersHeaders = []string{"voyage_slug", "person_slug", "capacity_role", "notes"}
	VoyageMediaHeaders      = []string{"voyage_slug", "media_slug", "sort_order", "notes"}
	VoyagePresidentsHeaders = []string{"voyage_slug", "president_slug", "notes"}

	PresidentsHeaders = []string{
		"president_slug", "full_name", "party", "term_start", "term_end", "wikipedia_url", "tags",
	}

	IngestLogHeaders = []string{
		"timestamp_iso", "doc_id", "voyage_slug", "status", "errors_count", "warnings_count",
		"media_declared", "media_uploaded", "thumbs_uploaded", "sync_mode", "dry_run",
		"s3_deleted", "s3_archived", "sheets_deleted_vm", "sheets_deleted_vp",
		"db_deleted_vm", "db_deleted_vp", "db_deleted_media", "db_deleted_people", "notes",
	}
)

// headersFor returns the expected header row for every tab the client
// manages, keyed by title.
func (c *Client) headersFor() map[string][]string {
	return map[string][]string{
		TabVoyages:          VoyagesHeaders,
		TabPassengers:       PassengersHeaders,
		TabMedia:            MediaHeaders,
		TabVoyagePassengers: VoyagePassengersHeaders,
		TabVoyageMedia:      VoyageMediaHeaders,
		TabVoyagePresidents: VoyagePresidentsHeaders,
		c.presidentsTab:     PresidentsHeaders,
		TabIngestLog:        IngestLogHeaders,
	}
}
