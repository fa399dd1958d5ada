// Package parser turns the structured voyage document into typed president
// and bundle records. The document is a sequence of headed sections in the
// order President | Voyage | Passengers | Media (repeatable); President and
// Voyage sections use a key: value mini-language, Passengers and Media use
// bulleted lists.
package parser

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"voyageingest/internal/model"
	"voyageingest/internal/slug"
)

var headerRe = regexp.MustCompile(`(?i)^\s*##\s+(President|Voyage|Passengers|Media)\s*$`)

const descriptorMaxWords = 5

type section struct {
	name  string // normalized: President, Voyage, Passengers, Media
	lines []string
}

// Parse reads the document text and returns the presidents section contents
// and one bundle per voyage, in document order. presidentSlugsByName maps
// lowercased full names to registry slugs (best effort; may be nil).
// Ownerless Passengers/Media blocks are dropped with a warning.
func Parse(text string, presidentSlugsByName map[string]string, log *zap.Logger) ([]model.President, []model.Bundle) {
	sections := partitionSections(text)

	var (
		presidents []model.President
		bundles    []model.Bundle

		curPres       *model.President
		curVoyage     *model.Voyage
		curPassengers []model.Passenger
		curMedia      []model.Media

		// -NN disambiguation for repeated (start_date, president_slug).
		slugSeen = map[string]int{}
	)

	lookupPresSlug := func(fullName string) string {
		if s, ok := presidentSlugsByName[strings.ToLower(fullName)]; ok {
			return s
		}
		return slug.Slugify(fullName)
	}

	flushVoyage := func() {
		if curVoyage == nil {
			return
		}
		v := curVoyage
		if curPres != nil {
			if v.President == "" {
				v.President = curPres.FullName
			}
			if v.PresidentSlug == "" {
				v.PresidentSlug = curPres.PresidentSlug
			}
		}
		if v.PresidentSlug == "" && v.President != "" {
			v.PresidentSlug = lookupPresSlug(v.President)
		}
		if v.StartDate != "" && v.PresidentSlug != "" && v.Title != "" {
			base := fmt.Sprintf("%s-%s", v.StartDate, v.PresidentSlug)
			v.VoyageSlug = fmt.Sprintf("%s-%s", base, descriptorFromTitle(v.Title))
			slugSeen[base]++
			if n := slugSeen[base]; n > 1 {
				v.VoyageSlug = fmt.Sprintf("%s-%02d", v.VoyageSlug, n)
			}
		}
		slug.GenerateMediaSlugs(curMedia, v.VoyageSlug)
		bundles = append(bundles, model.Bundle{
			Voyage:     *v,
			Passengers: curPassengers,
			Media:      curMedia,
		})
		curVoyage = nil
		curPassengers = nil
		curMedia = nil
	}

	for _, sec := range sections {
		switch sec.name {
		case "President":
			flushVoyage()
			kv := parseKVBlock(sec.lines)
			fullName := firstOf(kv, "full_name", "name", "president")
			presSlug := kv["president_slug"]
			if presSlug == "" && fullName != "" {
				presSlug = lookupPresSlug(fullName)
			}
			if presSlug == "" {
				presSlug = "unknown-president"
			}
			p := model.President{
				PresidentSlug: presSlug,
				FullName:      fullName,
				Party:         kv["party"],
				TermStart:     kv["term_start"],
				TermEnd:       kv["term_end"],
				WikipediaURL:  kv["wikipedia_url"],
				Tags:          kv["tags"],
			}
			curPres = &p
			if !containsPresident(presidents, p.PresidentSlug) {
				presidents = append(presidents, p)
			}

		case "Voyage":
			flushVoyage()
			kv := parseKVBlock(sec.lines)
			v := model.Voyage{
				VoyageSlug:      kv["voyage_slug"],
				Title:           kv["title"],
				StartDate:       kv["start_date"],
				EndDate:         kv["end_date"],
				StartTime:       kv["start_time"],
				EndTime:         kv["end_time"],
				Origin:          kv["origin"],
				Destination:     kv["destination"],
				VesselName:      kv["vessel_name"],
				VoyageType:      strings.ToLower(kv["voyage_type"]),
				SummaryMarkdown: firstOf(kv, "summary_markdown", "summary"),
				NotesInternal:   kv["notes_internal"],
				SourceURLs:      firstOf(kv, "source_urls", "sources"),
				Tags:            kv["tags"],
				President:       kv["president"],
				PresidentSlug:   kv["president_slug"],
			}
			if curPres != nil {
				if v.President == "" {
					v.President = curPres.FullName
				}
				if v.PresidentSlug == "" {
					v.PresidentSlug = curPres.PresidentSlug
				}
			}
			curVoyage = &v

		case "Passengers":
			if curVoyage == nil {
				log.Warn("passengers block with no active voyage, dropping")
				continue
			}
			var block []model.Passenger
			for _, entry := range splitEntries(sec.lines) {
				kv := parseKVBlock(entry)
				block = append(block, model.Passenger{
					PersonSlug:   firstOf(kv, "slug", "person_slug"),
					FullName:     kv["full_name"],
					RoleTitle:    kv["role_title"],
					Organization: kv["organization"],
					BirthYear:    kv["birth_year"],
					DeathYear:    kv["death_year"],
					WikipediaURL: kv["wikipedia_url"],
					Tags:         kv["tags"],
				})
			}
			curPassengers = block

		case "Media":
			if curVoyage == nil {
				log.Warn("media block with no active voyage, dropping")
				continue
			}
			var block []model.Media
			for _, entry := range splitEntries(sec.lines) {
				kv := parseKVBlock(entry)
				block = append(block, model.Media{
					MediaSlug:             firstOf(kv, "slug", "media_slug"),
					Title:                 kv["title"],
					Credit:                kv["credit"],
					Date:                  kv["date"],
					DescriptionMarkdown:   firstOf(kv, "description_markdown", "description"),
					Tags:                  kv["tags"],
					CopyrightRestrictions: kv["copyright_restrictions"],
					GoogleDriveLink:       kv["google_drive_link"],
				})
			}
			curMedia = block
		}
	}
	flushVoyage()

	log.Info("parsed document",
		zap.Int("presidents", len(presidents)),
		zap.Int("bundles", len(bundles)))
	return presidents, bundles
}

// partitionSections splits the text into headed sections in order. Text
// before the first header is ignored.
func partitionSections(text string) []section {
	var (
		out  []section
		cur  *section
	)
	for _, ln := range strings.Split(text, "\n") {
		if m := headerRe.FindStringSubmatch(ln); m != nil {
			if cur != nil {
				out = append(out, *cur)
			}
			cur = &section{name: normalizeSectionName(m[1])}
			continue
		}
		if cur != nil {
			cur.lines = append(cur.lines, ln)
		}
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}

func normalizeSectionName(s string) string {
	s = strings.ToLower(s)
	return strings.ToUpper(s[:1]) + s[1:]
}

// parseKVBlock parses `key: value` lines. A value of "|" collects the
// following indented (or blank) lines as a multi-line value.
func parseKVBlock(lines []string) map[string]string {
	out := map[string]string{}
	for i := 0; i < len(lines); i++ {
		s := strings.TrimRight(lines[i], "\n")
		if strings.TrimSpace(s) == "" {
			continue
		}
		key, rest, ok := strings.Cut(s, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val := strings.TrimSpace(rest)
		if val == "|" {
			var buf []string
			for i+1 < len(lines) {
				nxt := lines[i+1]
				if strings.HasPrefix(nxt, "  ") || strings.HasPrefix(nxt, "\t") || strings.TrimSpace(nxt) == "" {
					buf = append(buf, strings.TrimLeft(nxt, " \t"))
					i++
				} else {
					break
				}
			}
			out[key] = strings.TrimRight(strings.Join(buf, "\n"), "\n")
		} else {
			out[key] = val
		}
	}
	return out
}

// splitEntries groups a list block into entries: a "- " line starts an
// entry, indented lines continue it.
func splitEntries(lines []string) [][]string {
	var entries [][]string
	var cur []string
	flush := func() {
		if len(cur) > 0 {
			entries = append(entries, cur)
			cur = nil
		}
	}
	for _, ln := range lines {
		trimmed := strings.TrimSpace(ln)
		switch {
		case strings.HasPrefix(trimmed, "- "):
			flush()
			cur = append(cur, strings.TrimPrefix(trimmed, "- "))
		case strings.HasPrefix(ln, "  ") || strings.HasPrefix(ln, "\t"):
			cur = append(cur, trimmed)
		case trimmed == "":
			if len(cur) > 0 {
				cur = append(cur, "")
			}
		default:
			flush()
		}
	}
	flush()
	return entries
}

// descriptorFromTitle slugs the first five words of the title.
func descriptorFromTitle(title string) string {
	words := strings.Fields(title)
	if len(words) == 0 {
		return "voyage"
	}
	if len(words) > descriptorMaxWords {
		words = words[:descriptorMaxWords]
	}
	return slug.Slugify(strings.Join(words, " "))
}

func firstOf(kv map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := kv[k]; v != "" {
			return v
		}
	}
	return ""
}

func containsPresident(list []model.President, presSlug string) bool {
	for _, p := range list {
		if p.PresidentSlug == presSlug {
			return true
		}
	}
	return false
}
