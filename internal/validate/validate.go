// Package validate checks parsed bundles against the structural and
// referential rules before anything is written. All violations for a
// bundle are reported together; validation never short-circuits.
package validate

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"voyageingest/internal/model"
	"voyageingest/internal/slug"
)

var (
	timeRe       = regexp.MustCompile(`^\d{2}:\d{2}(:\d{2})?$`)
	personSlugRe = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+){1,}$`)
	digitsRe     = regexp.MustCompile(`^\d+$`)
	seqTailRe    = regexp.MustCompile(`-\d{2}$`)
)

// Registry is the president lookup the validator cross-references: the set
// of known slugs and the lowercased full-name to slug map.
type Registry struct {
	Slugs  map[string]bool
	ByName map[string]string
}

// Result is the outcome for one bundle: ordered human-readable problems.
// An empty Errors slice means the bundle is valid.
type Result struct {
	Errors   []string
	Warnings []string
}

// Valid reports whether the bundle may proceed.
func (r Result) Valid() bool { return len(r.Errors) == 0 }

// Bundle applies every rule to one bundle. A president missing from the
// registry is a warning, not an error: the registry reset step will add it.
func Bundle(b *model.Bundle, reg Registry, log *zap.Logger) Result {
	var res Result
	v := b.Voyage

	req := func(val, field, path string) {
		if strings.TrimSpace(val) == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("[%s] missing required field: %s", path, field))
		}
	}
	timeOpt := func(val, field, path string) {
		if val != "" && !timeRe.MatchString(val) {
			res.Errors = append(res.Errors, fmt.Sprintf("[%s] invalid time for %s: %s (HH:MM or HH:MM:SS)", path, field, val))
		}
	}

	req(v.VoyageSlug, "voyage_slug", "voyage")
	req(v.Title, "title", "voyage")
	req(v.StartDate, "start_date", "voyage")
	req(v.President, "president", "voyage")

	timeOpt(v.StartTime, "start_time", "voyage")
	timeOpt(v.EndTime, "end_time", "voyage")

	if v.VoyageType != "" && !model.ValidVoyageTypes[strings.ToLower(v.VoyageType)] {
		res.Errors = append(res.Errors, fmt.Sprintf(
			"[voyage] invalid value for voyage_type: %s (allowed: %s)", v.VoyageType, allowedVoyageTypes()))
	}

	vslug := strings.ToLower(strings.TrimSpace(v.VoyageSlug))
	if vslug != "" {
		expected := expectedPresidentSlug(v, reg)
		if expected != "" && v.StartDate != "" {
			prefix := fmt.Sprintf("%s-%s-", v.StartDate, expected)
			if !strings.HasPrefix(vslug, prefix) {
				res.Errors = append(res.Errors, fmt.Sprintf("[voyage] voyage_slug should start with '%s'", prefix))
			}
		}
		if len(reg.Slugs) > 0 && expected != "" && !reg.Slugs[expected] {
			w := fmt.Sprintf("[voyage] president '%s' not in presidents registry yet; registry reset will add it", expected)
			res.Warnings = append(res.Warnings, w)
			log.Warn(w)
		}
	}

	for i, p := range b.Passengers {
		path := fmt.Sprintf("passengers #%d", i+1)
		if p.PersonSlug != "" && !personSlugRe.MatchString(p.PersonSlug) {
			res.Errors = append(res.Errors, fmt.Sprintf("[%s] invalid person slug: %s", path, p.PersonSlug))
		}
		for _, yc := range []struct{ field, val string }{
			{"birth_year", p.BirthYear},
			{"death_year", p.DeathYear},
		} {
			if yc.val != "" && !digitsRe.MatchString(yc.val) {
				res.Errors = append(res.Errors, fmt.Sprintf("[%s] %s must be an integer if provided", path, yc.field))
			}
		}
	}

	for i, m := range b.Media {
		path := fmt.Sprintf("media #%d", i+1)
		req(m.Credit, "credit", path)
		req(m.Date, "date", path)
		req(m.GoogleDriveLink, "google_drive_link", path)

		if m.GoogleDriveLink != "" && !SupportedMediaLink(m.GoogleDriveLink) {
			res.Errors = append(res.Errors, fmt.Sprintf(
				"[%s] media link must be a Google Drive '/file/d/<ID>/...' or a Dropbox shared link", path))
		}

		mslug := strings.ToLower(strings.TrimSpace(m.MediaSlug))
		if mslug != "" && vslug != "" {
			if !seqTailRe.MatchString(mslug) || !strings.Contains(mslug, vslug) {
				res.Errors = append(res.Errors, fmt.Sprintf(
					"[%s] media slug must contain voyage slug and end with -NN (got '%s')", path, mslug))
			}
		}
	}

	return res
}

// SupportedMediaLink reports whether the link points at one of the two
// supported providers.
func SupportedMediaLink(link string) bool {
	l := strings.ToLower(link)
	return strings.Contains(l, "/file/d/") || strings.Contains(l, "dropbox.com")
}

// expectedPresidentSlug resolves the slug the voyage slug must embed:
// the explicit slug, the registry entry for the full name, or a slugified
// name, in that order.
func expectedPresidentSlug(v model.Voyage, reg Registry) string {
	if s := strings.ToLower(strings.TrimSpace(v.PresidentSlug)); s != "" {
		return s
	}
	name := strings.ToLower(strings.TrimSpace(v.President))
	if name == "" {
		return ""
	}
	if s, ok := reg.ByName[name]; ok {
		return s
	}
	return slug.Slugify(name)
}

func allowedVoyageTypes() string {
	types := make([]string, 0, len(model.ValidVoyageTypes))
	for t := range model.ValidVoyageTypes {
		types = append(types, t)
	}
	sort.Strings(types)
	return strings.Join(types, ", ")
}
