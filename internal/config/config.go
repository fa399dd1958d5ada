// Package config loads the ingest configuration from the environment,
// optionally seeded from a .env file. Configuration problems abort the run
// before any I/O happens.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"voyageingest/internal/errs"
)

// Duration reads either a Go duration string ("800ms") or a bare number
// of seconds ("0.8"), the historical format of the GAPI_* and
// SHEETS_RATE_LIMIT_SECONDS variables.
type Duration time.Duration

// Decode implements envconfig.Decoder.
func (d *Duration) Decode(value string) error {
	value = strings.TrimSpace(value)
	if v, err := time.ParseDuration(value); err == nil {
		*d = Duration(v)
		return nil
	}
	secs, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("%q is neither a duration nor a seconds count", value)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config carries every tunable the pipeline reads. Field defaults mirror
// the operator-facing documentation.
type Config struct {
	DocID         string `envconfig:"DOC_ID"`
	SpreadsheetID string `envconfig:"SPREADSHEET_ID"`

	SyncMode     string `envconfig:"SYNC_MODE" default:"upsert"` // upsert | prune
	DryRun       bool   `envconfig:"DRY_RUN" default:"false"`
	PruneMasters bool   `envconfig:"PRUNE_MASTERS" default:"false"`

	PresidentsSheetTitle string `envconfig:"PRESIDENTS_SHEET_TITLE" default:"presidents"`

	// Google service-account credentials file, shared by Docs, Drive, Sheets.
	GoogleCredentialsPath string `envconfig:"GOOGLE_APPLICATION_CREDENTIALS"`

	DBHost     string `envconfig:"DB_HOST"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBName     string `envconfig:"DB_NAME"`
	DBUser     string `envconfig:"DB_USER"`
	DBPassword string `envconfig:"DB_PASSWORD"`
	DBSchema   string `envconfig:"DB_SCHEMA" default:"sequoia"`

	AWSRegion       string `envconfig:"AWS_REGION" default:"us-east-1"`
	S3PrivateBucket string `envconfig:"S3_PRIVATE_BUCKET" default:"sequoia-canonical"`
	S3PublicBucket  string `envconfig:"S3_PUBLIC_BUCKET" default:"sequoia-public"`

	DropboxAccessToken string   `envconfig:"DROPBOX_ACCESS_TOKEN"`
	DropboxTimeout     Duration `envconfig:"DROPBOX_TIMEOUT" default:"60s"`

	MaxRetries      int      `envconfig:"GAPI_MAX_RETRIES" default:"10"`
	BackoffBase     Duration `envconfig:"GAPI_BACKOFF_BASE" default:"800ms"`
	BackoffMax      Duration `envconfig:"GAPI_BACKOFF_MAX" default:"30s"`
	SheetsRateLimit Duration `envconfig:"SHEETS_RATE_LIMIT_SECONDS" default:"500ms"`

	MediaWorkers int `envconfig:"MEDIA_WORKERS" default:"4"`
}

// Load reads .env when present, then the process environment.
func Load() (*Config, error) {
	// Missing .env is fine; explicit environment always wins.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errs.Wrap(errs.ClassConfig, "config.load", "bad environment value", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values no run can proceed without.
func (c *Config) Validate() error {
	switch {
	case c.DocID == "":
		return errs.Config("config.validate", "DOC_ID is required")
	case c.SpreadsheetID == "":
		return errs.Config("config.validate", "SPREADSHEET_ID is required")
	case c.GoogleCredentialsPath == "":
		return errs.Config("config.validate", "GOOGLE_APPLICATION_CREDENTIALS is required")
	case c.DBHost == "" || c.DBName == "" || c.DBUser == "":
		return errs.Config("config.validate", "DB_HOST, DB_NAME and DB_USER are required")
	}
	if c.SyncMode != "upsert" && c.SyncMode != "prune" {
		return errs.Config("config.validate", "SYNC_MODE must be 'upsert' or 'prune'")
	}
	if c.MediaWorkers < 1 {
		c.MediaWorkers = 1
	}
	return nil
}
