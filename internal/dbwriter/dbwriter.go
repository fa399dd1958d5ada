// Package dbwriter projects bundles into Postgres: master upserts, join
// upserts, the presidents force-sync, and the reconciler's guarded prunes.
// Every public method opens its own connection and releases it on every
// exit path; per-voyage writes run inside one transaction.
package dbwriter

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"voyageingest/internal/errs"
	"voyageingest/internal/model"
	"voyageingest/internal/slug"
)

// Tx is the transaction slice the writer uses; pgx.Tx satisfies it.
type Tx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Conn is one database connection. The live implementation wraps *pgx.Conn.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (Tx, error)
	Close(ctx context.Context) error
}

type pgxConn struct {
	*pgx.Conn
}

func (c pgxConn) Begin(ctx context.Context) (Tx, error) {
	return c.Conn.Begin(ctx)
}

// Writer owns how connections are made; one is opened per operation.
type Writer struct {
	connect func(ctx context.Context) (Conn, error)
	schema  string
	log     *zap.Logger
}

// New builds a writer that connects to Postgres with the given DSN
// parameters. schema is installed as the search_path on every connection.
func New(host string, port int, name, user, password, schema string, log *zap.Logger) *Writer {
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s", host, port, name, user, password)
	connect := func(ctx context.Context) (Conn, error) {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, errs.Wrap(errs.ClassRemoteFailure, "db.connect", "opening database connection", err)
		}
		return pgxConn{conn}, nil
	}
	return NewWithConnect(connect, schema, log)
}

// NewWithConnect builds a writer over a custom connection factory; used by
// tests.
func NewWithConnect(connect func(ctx context.Context) (Conn, error), schema string, log *zap.Logger) *Writer {
	if schema == "" {
		schema = "sequoia"
	}
	return &Writer{connect: connect, schema: schema, log: log}
}

func (w *Writer) setSearchPath(ctx context.Context, x interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}) error {
	sql := fmt.Sprintf("SET search_path = %s, public", pgx.Identifier{w.schema}.Sanitize())
	_, err := x.Exec(ctx, sql)
	return err
}

// ResetStats reports the presidents force-sync outcome.
type ResetStats struct {
	Upserted int
	Deleted  int
}

// ResetPresidents force-syncs the presidents table to the parsed registry:
// upsert every incoming row, then delete any president that is neither in
// the incoming set nor referenced by a voyage. TRUNCATE is never used; it
// would cascade through the foreign keys.
func (w *Writer) ResetPresidents(ctx context.Context, presidents []model.President) (ResetStats, error) {
	var stats ResetStats
	conn, err := w.connect(ctx)
	if err != nil {
		return stats, err
	}
	defer conn.Close(ctx)

	tx, err := conn.Begin(ctx)
	if err != nil {
		return stats, errs.Wrap(errs.ClassRemoteFailure, "db.presidents", "beginning transaction", err)
	}
	defer tx.Rollback(ctx)

	if err := w.setSearchPath(ctx, tx); err != nil {
		return stats, errs.Wrap(errs.ClassRemoteFailure, "db.presidents", "setting search_path", err)
	}

	keep := make([]string, 0, len(presidents))
	for i := range presidents {
		p := &presidents[i]
		if p.PresidentSlug == "" || p.FullName == "" {
			w.log.Warn("skipping president with missing slug or name",
				zap.String("president_slug", p.PresidentSlug))
			continue
		}
		keep = append(keep, p.PresidentSlug)
		_, err := tx.Exec(ctx, `
			INSERT INTO presidents (president_slug, full_name, party, term_start, term_end, wikipedia_url, tags)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (president_slug) DO UPDATE SET
				full_name     = EXCLUDED.full_name,
				party         = EXCLUDED.party,
				term_start    = EXCLUDED.term_start,
				term_end      = EXCLUDED.term_end,
				wikipedia_url = EXCLUDED.wikipedia_url,
				tags          = EXCLUDED.tags`,
			p.PresidentSlug, normStr(p.FullName), normStr(p.Party),
			normStr(p.TermStart), normStr(p.TermEnd), normStr(p.WikipediaURL), normStr(p.Tags))
		if err != nil {
			return stats, errs.Wrap(errs.ClassRemoteFailure, "db.presidents",
				fmt.Sprintf("upserting president %s", p.PresidentSlug), err)
		}
		stats.Upserted++
	}

	tag, err := tx.Exec(ctx, `
		DELETE FROM presidents p
		WHERE p.president_slug != ALL($1)
		  AND NOT EXISTS (
			SELECT 1 FROM voyages v WHERE v.president_slug = p.president_slug
		  )`, keep)
	if err != nil {
		return stats, errs.Wrap(errs.ClassRemoteFailure, "db.presidents", "pruning presidents", err)
	}
	stats.Deleted = int(tag.RowsAffected())

	if err := tx.Commit(ctx); err != nil {
		return stats, errs.Wrap(errs.ClassRemoteFailure, "db.presidents", "committing", err)
	}
	w.log.Info("presidents force-synced",
		zap.Int("upserted", stats.Upserted), zap.Int("deleted", stats.Deleted))
	return stats, nil
}

// UpsertBundle writes one voyage and its masters and joins inside a single
// transaction: voyage row first, then people, media, and the two join
// tables. Any failure rolls the whole voyage back.
func (w *Writer) UpsertBundle(ctx context.Context, b *model.Bundle, urls map[string]model.MediaURLs) error {
	vslug := b.Voyage.VoyageSlug
	fail := func(step string, err error) error {
		return errs.Wrap(errs.ClassRemoteFailure, "db.upsert",
			fmt.Sprintf("%s for voyage %s", step, vslug), err)
	}

	conn, err := w.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fail("beginning transaction", err)
	}
	defer tx.Rollback(ctx)

	if err := w.setSearchPath(ctx, tx); err != nil {
		return fail("setting search_path", err)
	}

	if err := upsertVoyage(ctx, tx, &b.Voyage); err != nil {
		return fail("voyage row", err)
	}
	for i := range b.Passengers {
		if err := upsertPerson(ctx, tx, &b.Passengers[i]); err != nil {
			return fail("person "+b.Passengers[i].PersonSlug, err)
		}
	}
	for i := range b.Media {
		if err := upsertMedia(ctx, tx, &b.Media[i], urls[b.Media[i].MediaSlug]); err != nil {
			return fail("media "+b.Media[i].MediaSlug, err)
		}
	}
	for i := range b.Passengers {
		if err := upsertVoyagePassenger(ctx, tx, vslug, &b.Passengers[i]); err != nil {
			return fail("voyage_passengers "+b.Passengers[i].PersonSlug, err)
		}
	}
	for i := range b.Media {
		if err := upsertVoyageMedia(ctx, tx, vslug, b.Media[i].MediaSlug); err != nil {
			return fail("voyage_media "+b.Media[i].MediaSlug, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fail("committing", err)
	}
	w.log.Info("db upsert complete", zap.String("voyage_slug", vslug))
	return nil
}

func upsertVoyage(ctx context.Context, tx Tx, v *model.Voyage) error {
	startDate, err := normDate(v.StartDate)
	if err != nil {
		return err
	}
	endDate, err := normDate(v.EndDate)
	if err != nil {
		return err
	}
	startTime, err := normTime(v.StartTime)
	if err != nil {
		return err
	}
	endTime, err := normTime(v.EndTime)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO voyages (
			voyage_slug, title, start_date, end_date, start_time, end_time,
			origin, destination, vessel_name, voyage_type, president_slug,
			summary_markdown, source_urls, tags
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (voyage_slug) DO UPDATE SET
			title            = EXCLUDED.title,
			start_date       = EXCLUDED.start_date,
			end_date         = EXCLUDED.end_date,
			start_time       = EXCLUDED.start_time,
			end_time         = EXCLUDED.end_time,
			origin           = EXCLUDED.origin,
			destination      = EXCLUDED.destination,
			vessel_name      = EXCLUDED.vessel_name,
			voyage_type      = EXCLUDED.voyage_type,
			president_slug   = EXCLUDED.president_slug,
			summary_markdown = EXCLUDED.summary_markdown,
			source_urls      = EXCLUDED.source_urls,
			tags             = EXCLUDED.tags`,
		v.VoyageSlug, normStr(v.Title), startDate, endDate, startTime, endTime,
		normStr(v.Origin), normStr(v.Destination), normStr(v.VesselName),
		normStr(v.VoyageType), normStr(v.PresidentSlug),
		normStr(v.SummaryMarkdown), SplitSourceURLs(v.SourceURLs), normStr(v.Tags))
	return err
}

func upsertPerson(ctx context.Context, tx Tx, p *model.Passenger) error {
	birth, err := normYear(p.BirthYear)
	if err != nil {
		return err
	}
	death, err := normYear(p.DeathYear)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO people (person_slug, full_name, role_title, organization,
		                    birth_year, death_year, wikipedia_url, notes_internal, tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (person_slug) DO UPDATE SET
			full_name     = EXCLUDED.full_name,
			role_title    = EXCLUDED.role_title,
			organization  = EXCLUDED.organization,
			birth_year    = EXCLUDED.birth_year,
			death_year    = EXCLUDED.death_year,
			wikipedia_url = EXCLUDED.wikipedia_url,
			tags          = EXCLUDED.tags`,
		p.PersonSlug, normStr(p.FullName), normStr(p.RoleTitle), normStr(p.Organization),
		birth, death, normStr(p.WikipediaURL), nil, normStr(p.Tags))
	return err
}

func upsertMedia(ctx context.Context, tx Tx, m *model.Media, urls model.MediaURLs) error {
	date, err := normDate(m.Date)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO media (
			media_slug, title, media_type, s3_url, public_derivative_url,
			credit, date, description_markdown, tags, google_drive_link
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (media_slug) DO UPDATE SET
			title                 = EXCLUDED.title,
			media_type            = EXCLUDED.media_type,
			s3_url                = EXCLUDED.s3_url,
			public_derivative_url = EXCLUDED.public_derivative_url,
			credit                = EXCLUDED.credit,
			date                  = EXCLUDED.date,
			description_markdown  = EXCLUDED.description_markdown,
			tags                  = EXCLUDED.tags,
			google_drive_link     = EXCLUDED.google_drive_link`,
		m.MediaSlug, normStr(m.Title), normStr(m.MediaType),
		normStr(urls.S3URL), normStr(urls.PreviewURL),
		normStr(m.Credit), date, normStr(m.DescriptionMarkdown),
		normStr(m.Tags), normStr(m.GoogleDriveLink))
	return err
}

func upsertVoyagePassenger(ctx context.Context, tx Tx, vslug string, p *model.Passenger) error {
	role := p.RoleTitle
	if role == "" {
		role = "Guest"
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO voyage_passengers (voyage_slug, person_slug, capacity_role, notes)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (voyage_slug, person_slug) DO UPDATE SET
			capacity_role = EXCLUDED.capacity_role,
			notes         = EXCLUDED.notes`,
		vslug, p.PersonSlug, role, nil)
	return err
}

func upsertVoyageMedia(ctx context.Context, tx Tx, vslug, mslug string) error {
	var sortOrder any
	if n, ok := slug.TrailingSequence(mslug); ok {
		sortOrder = n
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO voyage_media (voyage_slug, media_slug, sort_order, notes)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (voyage_slug, media_slug) DO UPDATE SET
			sort_order = COALESCE(EXCLUDED.sort_order, voyage_media.sort_order),
			notes      = EXCLUDED.notes`,
		vslug, mslug, sortOrder, nil)
	return err
}

// JoinStats reports a per-voyage reconcile.
type JoinStats struct {
	DeletedVM     int
	DeletedVP     int
	DeletedMedia  int
	DeletedPeople int
}

// PruneVoyageJoins removes join rows of one voyage that the bundle no
// longer declares. When pruneMasters is set, media and people rows that no
// voyage references anymore are removed too; the NOT EXISTS guard keeps any
// master that a surviving join still points at.
func (w *Writer) PruneVoyageJoins(ctx context.Context, b *model.Bundle, pruneMasters bool) (JoinStats, error) {
	var stats JoinStats
	vslug := b.Voyage.VoyageSlug

	conn, err := w.connect(ctx)
	if err != nil {
		return stats, err
	}
	defer conn.Close(ctx)

	tx, err := conn.Begin(ctx)
	if err != nil {
		return stats, errs.Wrap(errs.ClassRemoteFailure, "db.reconcile", "beginning transaction", err)
	}
	defer tx.Rollback(ctx)

	if err := w.setSearchPath(ctx, tx); err != nil {
		return stats, errs.Wrap(errs.ClassRemoteFailure, "db.reconcile", "setting search_path", err)
	}

	mediaSlugs := make([]string, 0, len(b.Media))
	for i := range b.Media {
		if b.Media[i].MediaSlug != "" {
			mediaSlugs = append(mediaSlugs, b.Media[i].MediaSlug)
		}
	}
	tag, err := tx.Exec(ctx, `
		DELETE FROM voyage_media
		WHERE voyage_slug = $1 AND media_slug != ALL($2)`, vslug, mediaSlugs)
	if err != nil {
		return stats, errs.Wrap(errs.ClassRemoteFailure, "db.reconcile", "pruning voyage_media for "+vslug, err)
	}
	stats.DeletedVM = int(tag.RowsAffected())

	personSlugs := make([]string, 0, len(b.Passengers))
	for i := range b.Passengers {
		if b.Passengers[i].PersonSlug != "" {
			personSlugs = append(personSlugs, b.Passengers[i].PersonSlug)
		}
	}
	tag, err = tx.Exec(ctx, `
		DELETE FROM voyage_passengers
		WHERE voyage_slug = $1 AND person_slug != ALL($2)`, vslug, personSlugs)
	if err != nil {
		return stats, errs.Wrap(errs.ClassRemoteFailure, "db.reconcile", "pruning voyage_passengers for "+vslug, err)
	}
	stats.DeletedVP = int(tag.RowsAffected())

	if pruneMasters {
		tag, err = tx.Exec(ctx, `
			DELETE FROM media m
			WHERE NOT EXISTS (
				SELECT 1 FROM voyage_media vm WHERE vm.media_slug = m.media_slug
			)`)
		if err != nil {
			return stats, errs.Wrap(errs.ClassRemoteFailure, "db.reconcile", "pruning orphaned media", err)
		}
		stats.DeletedMedia = int(tag.RowsAffected())

		tag, err = tx.Exec(ctx, `
			DELETE FROM people p
			WHERE NOT EXISTS (
				SELECT 1 FROM voyage_passengers vp WHERE vp.person_slug = p.person_slug
			)`)
		if err != nil {
			return stats, errs.Wrap(errs.ClassRemoteFailure, "db.reconcile", "pruning orphaned people", err)
		}
		stats.DeletedPeople = int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return stats, errs.Wrap(errs.ClassRemoteFailure, "db.reconcile", "committing", err)
	}
	return stats, nil
}

// GlobalStats reports the pre-voyage global reconcile.
type GlobalStats struct {
	DeletedVM      int
	DeletedVP      int
	DeletedVoyages int
}

// PruneVoyagesNotIn removes every voyage absent from desired, joins first
// so no join row ever outlives its voyage.
func (w *Writer) PruneVoyagesNotIn(ctx context.Context, desired []string) (GlobalStats, error) {
	var stats GlobalStats

	conn, err := w.connect(ctx)
	if err != nil {
		return stats, err
	}
	defer conn.Close(ctx)

	tx, err := conn.Begin(ctx)
	if err != nil {
		return stats, errs.Wrap(errs.ClassRemoteFailure, "db.reconcile", "beginning transaction", err)
	}
	defer tx.Rollback(ctx)

	if err := w.setSearchPath(ctx, tx); err != nil {
		return stats, errs.Wrap(errs.ClassRemoteFailure, "db.reconcile", "setting search_path", err)
	}

	tag, err := tx.Exec(ctx, `DELETE FROM voyage_media WHERE voyage_slug != ALL($1)`, desired)
	if err != nil {
		return stats, errs.Wrap(errs.ClassRemoteFailure, "db.reconcile", "pruning voyage_media globally", err)
	}
	stats.DeletedVM = int(tag.RowsAffected())

	tag, err = tx.Exec(ctx, `DELETE FROM voyage_passengers WHERE voyage_slug != ALL($1)`, desired)
	if err != nil {
		return stats, errs.Wrap(errs.ClassRemoteFailure, "db.reconcile", "pruning voyage_passengers globally", err)
	}
	stats.DeletedVP = int(tag.RowsAffected())

	tag, err = tx.Exec(ctx, `DELETE FROM voyages WHERE voyage_slug != ALL($1)`, desired)
	if err != nil {
		return stats, errs.Wrap(errs.ClassRemoteFailure, "db.reconcile", "pruning voyages globally", err)
	}
	stats.DeletedVoyages = int(tag.RowsAffected())

	if err := tx.Commit(ctx); err != nil {
		return stats, errs.Wrap(errs.ClassRemoteFailure, "db.reconcile", "committing", err)
	}
	w.log.Info("global voyage prune complete",
		zap.Int("voyages", stats.DeletedVoyages),
		zap.Int("voyage_media", stats.DeletedVM),
		zap.Int("voyage_passengers", stats.DeletedVP))
	return stats, nil
}

// ---- normalization ----

var (
	dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	timeRe = regexp.MustCompile(`^\d{2}:\d{2}(:\d{2})?$`)
)

// normStr maps empty or blank strings to NULL.
func normStr(s string) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return s
}

// normDate accepts YYYY-MM-DD or blank; anything else is an error so the
// transaction rolls back instead of storing a junk date.
func normDate(s string) (any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if !dateRe.MatchString(s) {
		return nil, errs.Validation("db.norm", fmt.Sprintf("bad date (want YYYY-MM-DD): %q", s))
	}
	return s, nil
}

// normTime accepts HH:MM or HH:MM:SS or blank.
func normTime(s string) (any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if !timeRe.MatchString(s) {
		return nil, errs.Validation("db.norm", fmt.Sprintf("bad time (want HH:MM[:SS]): %q", s))
	}
	return s, nil
}

func normYear(s string) (any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil, errs.Validation("db.norm", fmt.Sprintf("bad year: %q", s))
	}
	return n, nil
}

// SplitSourceURLs breaks the raw source_urls field on commas and whitespace
// into the text[] the voyages table stores. Blank input yields nil.
func SplitSourceURLs(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	var out []string
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
