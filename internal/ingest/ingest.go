// Package ingest drives one run end to end: parse the document, force-sync
// the presidents registry, reconcile globally, then process each voyage in
// order, finishing with the audit rows in the ingest_log tab. Per-voyage
// failures never stop the run; they become ERROR rows.
package ingest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"voyageingest/internal/config"
	"voyageingest/internal/dbwriter"
	"voyageingest/internal/errs"
	"voyageingest/internal/media"
	"voyageingest/internal/model"
	"voyageingest/internal/parser"
	"voyageingest/internal/validate"
)

// Run statuses recorded in the audit log.
const (
	StatusOK           = "OK"
	StatusWithWarnings = "WITH_WARNINGS"
	StatusError        = "ERROR"
)

// maxNoteLen caps the notes column of an audit row.
const maxNoteLen = 250

// DocSource reads the authoritative document.
type DocSource interface {
	ReadText(ctx context.Context, docID string) (string, error)
}

// SheetWriter is the spreadsheet projection the orchestrator drives.
type SheetWriter interface {
	EnsureTabs(ctx context.Context) error
	ResetPresidents(ctx context.Context, presidents []model.President) error
	UpsertBundle(ctx context.Context, b *model.Bundle, urls map[string]model.MediaURLs) error
	PruneVoyageJoins(ctx context.Context, b *model.Bundle) (int, int, error)
	PruneVoyagesNotIn(ctx context.Context, desired map[string]bool) (int, error)
	LinkIndex(ctx context.Context) (map[string]string, error)
	PresidentSlugMap(ctx context.Context) (map[string]string, error)
	AppendIngestLog(ctx context.Context, rows [][]string) error
}

// DBWriter is the database projection the orchestrator drives.
type DBWriter interface {
	ResetPresidents(ctx context.Context, presidents []model.President) (dbwriter.ResetStats, error)
	UpsertBundle(ctx context.Context, b *model.Bundle, urls map[string]model.MediaURLs) error
	PruneVoyageJoins(ctx context.Context, b *model.Bundle, pruneMasters bool) (dbwriter.JoinStats, error)
	PruneVoyagesNotIn(ctx context.Context, desired []string) (dbwriter.GlobalStats, error)
}

// MediaProcessor fetches and stores one voyage's media.
type MediaProcessor interface {
	Process(ctx context.Context, items []model.Media, voyageSlug string, presidents map[string]bool, linkIndex map[string]string) (*media.Result, error)
}

// Session threads the shared clients through one run. There are no
// package-level globals; a fresh Session means fresh caches.
type Session struct {
	Cfg *config.Config
	Log *zap.Logger

	Doc    DocSource
	Sheets SheetWriter
	DB     DBWriter
	Media  MediaProcessor

	// Now is swapped out by tests; nil means time.Now.
	Now func() time.Time
}

func (s *Session) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Summary is what Run reports back to the command layer.
type Summary struct {
	Voyages     int
	Errors      int
	Warnings    int
	GlobalPrune bool
}

// Run executes one full ingest. It returns an error only when the run
// cannot meaningfully start (document unreadable, no voyages, registry
// reset failed); per-voyage trouble is absorbed into the audit log.
func (s *Session) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	cfg := s.Cfg
	prune := cfg.SyncMode == "prune"

	s.Log.Info("ingest starting",
		zap.String("sync_mode", cfg.SyncMode),
		zap.Bool("dry_run", cfg.DryRun),
		zap.Bool("prune_masters", cfg.PruneMasters))

	text, err := s.Doc.ReadText(ctx, cfg.DocID)
	if err != nil {
		return sum, err
	}

	if err := s.Sheets.EnsureTabs(ctx); err != nil {
		return sum, err
	}

	// Best effort: voyages naming a president without a slug resolve
	// against what the presidents tab already knows.
	knownNames, err := s.Sheets.PresidentSlugMap(ctx)
	if err != nil {
		s.Log.Warn("could not read presidents tab, name resolution limited", zap.Error(err))
		knownNames = nil
	}

	presidents, bundles := parser.Parse(text, knownNames, s.Log)
	if len(bundles) == 0 {
		return sum, errs.New(errs.ClassParse, "ingest.run", "no voyages found in the document")
	}
	sum.Voyages = len(bundles)

	reg := registryOf(presidents)

	// Registry reset happens before the first voyage so invariant checks
	// and key derivation see the final president set.
	if cfg.DryRun {
		s.Log.Info("dry run: skipping presidents reset")
	} else {
		if _, err := s.DB.ResetPresidents(ctx, presidents); err != nil {
			return sum, err
		}
		if err := s.Sheets.ResetPresidents(ctx, presidents); err != nil {
			return sum, err
		}
	}

	ts := s.now().UTC().Format(time.RFC3339)
	var logRows [][]string

	var global *globalStats
	if prune {
		g, err := s.globalReconcile(ctx, bundles)
		if err != nil {
			return sum, err
		}
		global = g
		sum.GlobalPrune = true
	}

	// One snapshot of link -> stored s3_url, taken before any media write,
	// drives every move-on-rename decision this run.
	linkIndex, err := s.Sheets.LinkIndex(ctx)
	if err != nil {
		return sum, err
	}

	for i := range bundles {
		if err := ctx.Err(); err != nil {
			return sum, errs.Wrap(errs.ClassRemoteFailure, "ingest.run", "run cancelled", err)
		}
		row := s.processVoyage(ctx, &bundles[i], i+1, reg, linkIndex, ts)
		sum.Errors += row.errorsCount
		sum.Warnings += row.warningsCount
		logRows = append(logRows, row.cells(cfg))
	}

	if global != nil {
		logRows = append(logRows, global.cells(cfg, ts))
	}

	if err := s.Sheets.AppendIngestLog(ctx, logRows); err != nil {
		s.Log.Warn("failed to write ingest_log", zap.Error(err))
	}

	if sum.Errors > 0 {
		s.Log.Warn("ingest completed with errors",
			zap.Int("voyages", sum.Voyages), zap.Int("errors", sum.Errors))
	} else {
		s.Log.Info("ingest completed",
			zap.Int("voyages", sum.Voyages), zap.Int("warnings", sum.Warnings))
	}
	return sum, nil
}

func registryOf(presidents []model.President) validate.Registry {
	reg := validate.Registry{
		Slugs:  make(map[string]bool, len(presidents)),
		ByName: make(map[string]string, len(presidents)),
	}
	for i := range presidents {
		p := &presidents[i]
		if p.PresidentSlug == "" {
			continue
		}
		reg.Slugs[p.PresidentSlug] = true
		if p.FullName != "" {
			reg.ByName[strings.ToLower(strings.TrimSpace(p.FullName))] = p.PresidentSlug
		}
	}
	return reg
}

type globalStats struct {
	db           dbwriter.GlobalStats
	sheetDeleted int
	missing      int
	dryRun       bool
}

// globalReconcile removes voyages absent from the document from the
// database and the spreadsheet. The object store is never touched here.
func (s *Session) globalReconcile(ctx context.Context, bundles []model.Bundle) (*globalStats, error) {
	desired := make([]string, 0, len(bundles))
	desiredSet := make(map[string]bool, len(bundles))
	for i := range bundles {
		if v := bundles[i].Voyage.VoyageSlug; v != "" && !desiredSet[v] {
			desired = append(desired, v)
			desiredSet[v] = true
		}
	}

	g := &globalStats{dryRun: s.Cfg.DryRun}
	if s.Cfg.DryRun {
		s.Log.Info("dry run: skipping global reconcile", zap.Int("desired", len(desired)))
		return g, nil
	}
	dbStats, err := s.DB.PruneVoyagesNotIn(ctx, desired)
	if err != nil {
		return nil, err
	}
	g.db = dbStats
	sheetDeleted, err := s.Sheets.PruneVoyagesNotIn(ctx, desiredSet)
	if err != nil {
		return nil, err
	}
	g.sheetDeleted = sheetDeleted
	g.missing = dbStats.DeletedVoyages
	return g, nil
}

// voyageRow accumulates everything one audit row needs.
type voyageRow struct {
	ts            string
	vslug         string
	status        string
	errorsCount   int
	warningsCount int
	mediaDeclared int
	mediaUploaded int
	thumbsMade    int
	s3Deleted     int
	sheetsVM      int
	sheetsVP      int
	db            dbwriter.JoinStats
	note          string
}

// processVoyage runs the full per-voyage sequence: validate, fetch media,
// sheet upsert, sheet prune, db reconcile, db upsert. Every failure path
// lands in the returned audit row.
func (s *Session) processVoyage(ctx context.Context, b *model.Bundle, idx int, reg validate.Registry, linkIndex map[string]string, ts string) voyageRow {
	cfg := s.Cfg
	prune := cfg.SyncMode == "prune"
	vslug := b.Voyage.VoyageSlug
	if vslug == "" {
		vslug = fmt.Sprintf("[bundle#%d]", idx)
	}
	row := voyageRow{ts: ts, vslug: vslug, mediaDeclared: len(b.Media), note: "OK"}

	s.Log.Info("processing voyage", zap.Int("n", idx), zap.String("voyage_slug", vslug))

	res := validate.Bundle(b, reg, s.Log)
	row.warningsCount = len(res.Warnings)
	firstWarning := ""
	if len(res.Warnings) > 0 {
		firstWarning = res.Warnings[0]
	}
	if !res.Valid() {
		for _, e := range res.Errors {
			s.Log.Error("validation failed", zap.String("voyage_slug", vslug), zap.String("error", e))
		}
		row.status = StatusError
		row.errorsCount = len(res.Errors)
		row.note = truncate(res.Errors[0])
		return row
	}

	mres, err := s.Media.Process(ctx, b.Media, vslug, reg.Slugs, linkIndex)
	if err != nil {
		row.status = StatusError
		row.errorsCount = 1
		row.note = truncate("media: " + err.Error())
		return row
	}
	for _, w := range mres.Warnings {
		s.Log.Warn("media issue", zap.String("voyage_slug", vslug), zap.String("warning", w))
	}
	row.warningsCount += len(mres.Warnings)
	if firstWarning == "" && len(mres.Warnings) > 0 {
		firstWarning = mres.Warnings[0]
	}
	row.mediaUploaded = mres.Uploaded + mres.Moved
	row.thumbsMade = mres.Thumbs
	// A move relocates the original: the copy at the old key is deleted.
	row.s3Deleted = mres.Moved

	if err := s.Sheets.UpsertBundle(ctx, b, mres.URLs); err != nil {
		s.Log.Error("sheet upsert failed", zap.String("voyage_slug", vslug), zap.Error(err))
		row.status = StatusError
		row.errorsCount = 1
		row.note = truncate("sheets: " + err.Error())
		return row
	}

	if prune && !cfg.DryRun {
		vm, vp, err := s.Sheets.PruneVoyageJoins(ctx, b)
		if err != nil {
			s.Log.Error("sheet prune failed", zap.String("voyage_slug", vslug), zap.Error(err))
			row.status = StatusError
			row.errorsCount = 1
			row.note = truncate("sheets prune: " + err.Error())
			return row
		}
		row.sheetsVM, row.sheetsVP = vm, vp

		dbStats, err := s.DB.PruneVoyageJoins(ctx, b, cfg.PruneMasters)
		if err != nil {
			s.Log.Error("db reconcile failed", zap.String("voyage_slug", vslug), zap.Error(err))
			row.status = StatusError
			row.errorsCount = 1
			row.note = truncate("db reconcile: " + err.Error())
			return row
		}
		row.db = dbStats
	}

	if err := s.DB.UpsertBundle(ctx, b, mres.URLs); err != nil {
		s.Log.Error("db upsert failed", zap.String("voyage_slug", vslug), zap.Error(err))
		row.status = StatusError
		row.errorsCount = 1
		row.note = truncate("db: " + err.Error())
		return row
	}

	if row.warningsCount > 0 {
		row.status = StatusWithWarnings
		row.note = truncate(firstWarning)
	} else {
		row.status = StatusOK
	}
	return row
}

func (r voyageRow) cells(cfg *config.Config) []string {
	return []string{
		r.ts, cfg.DocID, r.vslug, r.status,
		strconv.Itoa(r.errorsCount), strconv.Itoa(r.warningsCount),
		strconv.Itoa(r.mediaDeclared), strconv.Itoa(r.mediaUploaded), strconv.Itoa(r.thumbsMade),
		cfg.SyncMode, boolCell(cfg.DryRun),
		strconv.Itoa(r.s3Deleted), "0", // nothing is ever archived
		strconv.Itoa(r.sheetsVM), strconv.Itoa(r.sheetsVP),
		strconv.Itoa(r.db.DeletedVM), strconv.Itoa(r.db.DeletedVP),
		strconv.Itoa(r.db.DeletedMedia), strconv.Itoa(r.db.DeletedPeople),
		r.note,
	}
}

func (g *globalStats) cells(cfg *config.Config, ts string) []string {
	note := fmt.Sprintf("missing_count=%d; sheets_rows_deleted=%d; db_voyages_deleted=%d",
		g.missing, g.sheetDeleted, g.db.DeletedVoyages)
	if g.dryRun {
		note = "dry run: global reconcile skipped"
	}
	return []string{
		ts, cfg.DocID, "[GLOBAL]", StatusOK,
		"0", "0",
		"0", "0", "0",
		cfg.SyncMode, boolCell(cfg.DryRun),
		"0", "0",
		"0", "0",
		strconv.Itoa(g.db.DeletedVM), strconv.Itoa(g.db.DeletedVP),
		"0", "0",
		note,
	}
}

func boolCell(b bool) string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}

func truncate(s string) string {
	if len(s) <= maxNoteLen {
		return s
	}
	return s[:maxNoteLen]
}
