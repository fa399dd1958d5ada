// Package cmd wires the voyage-ingest subcommands.
//
//	voyage-ingest ingest     — run the full pipeline against the document
//	voyage-ingest validate   — parse and validate the document, write nothing
//
// Run `voyage-ingest <command> --help` for flag details.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"voyageingest/internal/config"
	"voyageingest/internal/dbwriter"
	"voyageingest/internal/docsource"
	"voyageingest/internal/ingest"
	"voyageingest/internal/logging"
	"voyageingest/internal/media"
	"voyageingest/internal/parser"
	"voyageingest/internal/rpc"
	"voyageingest/internal/s3store"
	"voyageingest/internal/sheets"
	"voyageingest/internal/validate"
)

var (
	flagVerbose      bool
	flagDryRun       bool
	flagSyncMode     string
	flagPruneMasters bool
)

var rootCmd = &cobra.Command{
	Use:   "voyage-ingest",
	Short: "Sync USS Sequoia voyage records from the master document",
	Long: `voyage-ingest reads the master Google Doc, validates every voyage
bundle, stores media in S3, and projects the result into the tracking
spreadsheet and the Postgres database.

Configuration comes from the environment (or a .env file); flags
override SYNC_MODE, DRY_RUN and PRUNE_MASTERS for one run.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run the full ingest pipeline",
	Long: `Run the full pipeline: parse, validate, upload media, update the
spreadsheet and the database, and append audit rows to ingest_log.

Examples:

  # Additive sync (default)
  voyage-ingest ingest

  # Remove rows the document no longer declares
  voyage-ingest ingest --sync-mode prune

  # Prune, including orphaned media/people master rows
  voyage-ingest ingest --sync-mode prune --prune-masters

  # See what a prune would do without deleting anything
  voyage-ingest ingest --sync-mode prune --dry-run`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cfg, log, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()

		s, err := buildSession(ctx, cfg, log)
		if err != nil {
			return err
		}
		sum, err := s.Run(ctx)
		if err != nil {
			return err
		}
		if sum.Errors > 0 {
			return fmt.Errorf("%d of %d voyages failed; see ingest_log", sum.Errors, sum.Voyages)
		}
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Parse and validate the document without writing anything",
	Long: `Read the master document, parse it, and report every validation
problem. No media is fetched and no spreadsheet or database row is
touched. Exits non-zero when any bundle has errors.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cfg, log, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()

		harness := harnessFor(cfg, log)
		doc, err := docsource.NewGoogleDocs(ctx, cfg.GoogleCredentialsPath, harness)
		if err != nil {
			return err
		}
		text, err := doc.ReadText(ctx, cfg.DocID)
		if err != nil {
			return err
		}

		presidents, bundles := parser.Parse(text, nil, log)
		reg := validate.Registry{
			Slugs:  make(map[string]bool, len(presidents)),
			ByName: make(map[string]string, len(presidents)),
		}
		for _, p := range presidents {
			if p.PresidentSlug != "" {
				reg.Slugs[p.PresidentSlug] = true
			}
		}

		var bad int
		for i := range bundles {
			res := validate.Bundle(&bundles[i], reg, log)
			vslug := bundles[i].Voyage.VoyageSlug
			for _, e := range res.Errors {
				fmt.Printf("ERROR  %s: %s\n", vslug, e)
			}
			for _, w := range res.Warnings {
				fmt.Printf("WARN   %s: %s\n", vslug, w)
			}
			if !res.Valid() {
				bad++
			}
		}
		fmt.Printf("%d voyages parsed, %d with errors\n", len(bundles), bad)
		if bad > 0 {
			return fmt.Errorf("%d invalid voyages", bad)
		}
		return nil
	},
}

// setup loads configuration, applies flag overrides, and builds the logger
// and a signal-aware context.
func setup(cmd *cobra.Command) (context.Context, *config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	if cmd.Flags().Changed("sync-mode") {
		cfg.SyncMode = flagSyncMode
	}
	if cmd.Flags().Changed("dry-run") {
		cfg.DryRun = flagDryRun
	}
	if cmd.Flags().Changed("prune-masters") {
		cfg.PruneMasters = flagPruneMasters
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, err
	}

	log, err := logging.New(flagVerbose)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, _ := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	return ctx, cfg, log, nil
}

func harnessFor(cfg *config.Config, log *zap.Logger) *rpc.Harness {
	return rpc.New(rpc.Options{
		MaxRetries:  cfg.MaxRetries,
		BackoffBase: cfg.BackoffBase.Std(),
		BackoffMax:  cfg.BackoffMax.Std(),
		MinInterval: cfg.SheetsRateLimit.Std(),
	}, log)
}

// buildSession connects every external client the pipeline needs. All
// Google surfaces and S3 share one retry harness.
func buildSession(ctx context.Context, cfg *config.Config, log *zap.Logger) (*ingest.Session, error) {
	harness := harnessFor(cfg, log)

	doc, err := docsource.NewGoogleDocs(ctx, cfg.GoogleCredentialsPath, harness)
	if err != nil {
		return nil, err
	}
	sheetsAPI, err := sheets.NewService(ctx, cfg.GoogleCredentialsPath)
	if err != nil {
		return nil, err
	}
	sheetsClient := sheets.NewClient(sheetsAPI, cfg.SpreadsheetID, cfg.PresidentsSheetTitle,
		harness, rpc.NewTabCache(), log)

	store, err := s3store.New(ctx, cfg.AWSRegion, harness)
	if err != nil {
		return nil, err
	}
	drive, err := media.NewDriveProvider(ctx, cfg.GoogleCredentialsPath, harness)
	if err != nil {
		return nil, err
	}
	dropbox := media.NewDropboxProvider(cfg.DropboxAccessToken, cfg.DropboxTimeout.Std(), harness)

	return &ingest.Session{
		Cfg:    cfg,
		Log:    log,
		Doc:    doc,
		Sheets: sheetsClient,
		DB: dbwriter.New(cfg.DBHost, cfg.DBPort, cfg.DBName, cfg.DBUser,
			cfg.DBPassword, cfg.DBSchema, log),
		Media: &media.Processor{
			Providers:       []media.Provider{drive, dropbox},
			Store:           store,
			CanonicalBucket: cfg.S3PrivateBucket,
			PublicBucket:    cfg.S3PublicBucket,
			Workers:         cfg.MediaWorkers,
			Log:             log,
		},
	}, nil
}

// Execute registers all subcommands and runs the CLI.
func Execute() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")
	ingestCmd.Flags().StringVar(&flagSyncMode, "sync-mode", "upsert", "Sync mode: upsert | prune")
	ingestCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Skip all deletions, report what would happen")
	ingestCmd.Flags().BoolVar(&flagPruneMasters, "prune-masters", false, "Also delete orphaned media/people master rows when pruning")

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(validateCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
