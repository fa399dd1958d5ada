// Package slug derives the deterministic identifiers that link the document,
// the object store, the database, and the spreadsheet. Every function here is
// pure: the same inputs produce the same slugs on every run.
package slug

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"voyageingest/internal/model"
)

var (
	nonSlugRe   = regexp.MustCompile(`[^a-z0-9]+`)
	multiDashRe = regexp.MustCompile(`-{2,}`)
	dateShapeRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}-`)
	seqTailRe   = regexp.MustCompile(`-(\d+)$`)
)

// sourceAliases folds known credit variants onto one canonical source slug.
var sourceAliases = map[string]string{
	"white-house":              "white-house",
	"white-house-photographer": "white-house",
	"national-archives":        "national-archives",
	"natl-archives":            "national-archives",
	"cbs-news":                 "cbs-news",
	"new-york-times":           "new-york-times",
}

// Slugify lowercases text, collapses every run of non-[a-z0-9] to a single
// dash and trims leading/trailing dashes. Empty input yields "unknown".
func Slugify(text string) string {
	s := strings.ToLower(text)
	s = nonSlugRe.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	s = multiDashRe.ReplaceAllString(s, "-")
	if s == "" {
		return "unknown"
	}
	return s
}

// NormalizeSource maps a free-text credit onto its canonical source slug.
// Empty credit yields "unknown-source".
func NormalizeSource(credit string) string {
	raw := strings.TrimSpace(credit)
	if raw == "" {
		return "unknown-source"
	}
	s := Slugify(raw)
	if canon, ok := sourceAliases[s]; ok {
		return canon
	}
	return s
}

// TokenizeDate converts any free-text date into a slug-safe token.
//
//	""            -> "undated"
//	"1933-04-23"  -> "1933-04-23"
//	"April 1933"  -> "april-1933"
//	"about 1933?" -> "about-1933"
func TokenizeDate(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "undated"
	}
	s = nonSlugRe.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "undated"
	}
	return s
}

// GenerateMediaSlugs fills MediaSlug and SourceSlug in place for every item
// that does not already carry a slug. Slugs take the form
//
//	<date_token>-<source_slug>-<voyage_slug>-NN
//
// where NN is a two-digit counter scoped to (date_token, source_slug,
// voyage_slug) and starting at 01. Items with a pre-existing slug keep it
// and do not advance any counter.
func GenerateMediaSlugs(items []model.Media, voyageSlug string) {
	type scope struct{ date, source, voyage string }
	counters := make(map[scope]int)
	for i := range items {
		if items[i].MediaSlug != "" {
			continue
		}
		dateToken := TokenizeDate(items[i].Date)
		src := NormalizeSource(items[i].Credit)
		key := scope{dateToken, src, voyageSlug}
		counters[key]++
		items[i].SourceSlug = src
		items[i].MediaSlug = fmt.Sprintf("%s-%s-%s-%02d", dateToken, src, voyageSlug, counters[key])
	}
}

// TrailingSequence reads the -NN counter off the end of a media slug. ok is
// false when the slug carries no trailing number.
func TrailingSequence(mediaSlug string) (int, bool) {
	m := seqTailRe.FindStringSubmatch(strings.TrimSpace(mediaSlug))
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// PresidentFromVoyageSlug extracts the president slug from a voyage slug of
// the form YYYY-MM-DD-<president_slug>-<descriptor...>. President slugs may
// themselves contain hyphens, so when the known registry is non-empty the
// longest registered slug prefixing the tail wins. With no registry the
// first hyphen-delimited token is returned. A slug without the leading date
// shape yields "unknown-president".
func PresidentFromVoyageSlug(voyageSlug string, known map[string]bool) string {
	s := strings.ToLower(strings.TrimSpace(voyageSlug))
	if !dateShapeRe.MatchString(s) {
		return "unknown-president"
	}
	rest := s[11:]
	if len(known) > 0 {
		best := ""
		for pres := range known {
			if pres == "" {
				continue
			}
			if rest == pres || strings.HasPrefix(rest, pres+"-") {
				if len(pres) > len(best) {
					best = pres
				}
			}
		}
		if best != "" {
			return best
		}
	}
	if i := strings.IndexByte(rest, '-'); i >= 0 {
		return rest[:i]
	}
	if rest == "" {
		return "unknown-president"
	}
	return rest
}
