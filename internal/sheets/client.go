package sheets

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"voyageingest/internal/errs"
	"voyageingest/internal/model"
	"voyageingest/internal/rpc"
	"voyageingest/internal/slug"
)

// keySep joins composite key parts; it cannot occur in cell values that act
// as keys (slugs).
const keySep = "\x1f"

// Key builds the composite lookup key for the given cell values.
func Key(parts ...string) string {
	return strings.Join(parts, keySep)
}

// Client drives one spreadsheet through the RPC harness. Each tab's data
// rows are read at most once per run; upserts patch the in-memory snapshot
// after every successful write so no follow-up reads are needed. The client
// is driven serially by the orchestrator.
type Client struct {
	api           API
	h             *rpc.Harness
	log           *zap.Logger
	spreadsheetID string
	presidentsTab string

	tabs    map[string]int64    // title -> numeric sheet id
	headers map[string][]string // title -> header row
	rows    *rpc.TabCache       // title -> data rows (A2:ZZ)
	keymaps map[string]map[string]int
}

// NewClient wraps an API (live or fake) for one spreadsheet. An empty
// presidentsTab falls back to "presidents".
func NewClient(api API, spreadsheetID, presidentsTab string, h *rpc.Harness, cache *rpc.TabCache, log *zap.Logger) *Client {
	if presidentsTab == "" {
		presidentsTab = "presidents"
	}
	if cache == nil {
		cache = rpc.NewTabCache()
	}
	return &Client{
		api:           api,
		h:             h,
		log:           log,
		spreadsheetID: spreadsheetID,
		presidentsTab: presidentsTab,
		headers:       make(map[string][]string),
		rows:          cache,
		keymaps:       make(map[string]map[string]int),
	}
}

func (c *Client) tabOrder() []string {
	return []string{
		TabVoyages, TabPassengers, TabMedia,
		TabVoyagePassengers, TabVoyageMedia, TabVoyagePresidents,
		c.presidentsTab, TabIngestLog,
	}
}

// EnsureTabs creates missing tabs in one batch and rewrites any header row
// that does not match the expected schema, also in one batch. Run once per
// invocation before any writes.
func (c *Client) EnsureTabs(ctx context.Context) error {
	want := c.headersFor()
	titles := c.tabOrder()

	ids, err := c.tabIDs(ctx)
	if err != nil {
		return err
	}
	var missing []string
	for _, t := range titles {
		if _, ok := ids[t]; !ok {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		err := c.h.Do(ctx, "sheets.addtabs", func() error {
			return c.api.AddTabs(ctx, c.spreadsheetID, missing)
		})
		if err != nil {
			return err
		}
		c.tabs = nil
		if _, err := c.tabIDs(ctx); err != nil {
			return err
		}
	}

	ranges := make([]string, len(titles))
	for i, t := range titles {
		ranges[i] = t + "!1:1"
	}
	got, err := rpc.Call(ctx, c.h, "sheets.values.batchget", func() ([][][]string, error) {
		return c.api.BatchGetValues(ctx, c.spreadsheetID, ranges)
	})
	if err != nil {
		return err
	}

	var updates []ValueUpdate
	for i, t := range titles {
		var current []string
		if i < len(got) && len(got[i]) > 0 {
			current = got[i][0]
		}
		if equalRows(current, want[t]) {
			c.headers[t] = current
			continue
		}
		updates = append(updates, ValueUpdate{
			Range: fmt.Sprintf("%s!A1:%s1", t, colLetter(len(want[t]))),
			Rows:  [][]string{want[t]},
		})
		c.headers[t] = want[t]
		c.dropKeymaps(t)
	}
	if len(updates) > 0 {
		err := c.h.Do(ctx, "sheets.values.batchupdate", func() error {
			return c.api.BatchUpdateValues(ctx, c.spreadsheetID, updates)
		})
		if err != nil {
			return err
		}
		c.log.Info("rewrote spreadsheet headers", zap.Int("tabs", len(updates)))
	}
	return nil
}

// Upsert writes one row into tab keyed by keyCols: a range update when the
// key is already present, an append otherwise.
func (c *Client) Upsert(ctx context.Context, tab string, keyCols []string, row map[string]string) error {
	for _, col := range keyCols {
		if strings.TrimSpace(row[col]) == "" {
			return errs.Validation("sheets.upsert",
				fmt.Sprintf("upsert into %q requires key column %q", tab, col))
		}
	}
	headers, err := c.headerRow(ctx, tab)
	if err != nil {
		return err
	}
	rows, err := c.dataRows(ctx, tab)
	if err != nil {
		return err
	}

	keyParts := make([]string, len(keyCols))
	for i, col := range keyCols {
		keyParts[i] = row[col]
	}
	keyVal := Key(keyParts...)
	vals := rowFromMap(row, headers)

	if rowNum := c.rowNumberByKey(tab, headers, rows, keyCols, keyVal); rowNum > 0 {
		rng := fmt.Sprintf("%s!A%d:%s%d", tab, rowNum, colLetter(len(headers)), rowNum)
		err := c.h.Do(ctx, "sheets.values.update", func() error {
			return c.api.UpdateValues(ctx, c.spreadsheetID, rng, [][]string{vals})
		})
		if err != nil {
			return err
		}
		rows[rowNum-2] = vals
		c.rows.Set(c.tabKey(tab), rows)
		c.dropKeymaps(tab)
		return nil
	}

	err = c.h.Do(ctx, "sheets.values.append", func() error {
		return c.api.AppendValues(ctx, c.spreadsheetID, tab+"!A:ZZ", [][]string{vals})
	})
	if err != nil {
		return err
	}
	c.rows.Set(c.tabKey(tab), append(rows, vals))
	c.dropKeymaps(tab)
	return nil
}

// UpsertBundle projects one voyage bundle: the voyage row, master passenger
// and media rows, then the three join tabs. Join rows are keyed by their
// full composite key so voyages sharing a passenger or media slug never
// clobber each other.
func (c *Client) UpsertBundle(ctx context.Context, b *model.Bundle, urls map[string]model.MediaURLs) error {
	vslug := strings.TrimSpace(b.Voyage.VoyageSlug)
	if vslug == "" {
		return errs.Validation("sheets.upsert", "voyage_slug is required to update sheets")
	}

	if err := c.Upsert(ctx, TabVoyages, []string{"voyage_slug"}, VoyageRow(&b.Voyage)); err != nil {
		return err
	}

	for i := range b.Passengers {
		p := &b.Passengers[i]
		if p.PersonSlug == "" || p.FullName == "" {
			c.log.Warn("skipping passenger with missing slug or name",
				zap.String("voyage_slug", vslug), zap.String("full_name", p.FullName))
			continue
		}
		if err := c.Upsert(ctx, TabPassengers, []string{"person_slug"}, PassengerRow(p)); err != nil {
			return err
		}
	}

	for i := range b.Media {
		m := &b.Media[i]
		if m.MediaSlug == "" {
			c.log.Warn("skipping media with missing slug", zap.String("voyage_slug", vslug))
			continue
		}
		if err := c.Upsert(ctx, TabMedia, []string{"media_slug"}, MediaRow(m, urls[m.MediaSlug])); err != nil {
			return err
		}
	}

	for i := range b.Passengers {
		p := &b.Passengers[i]
		if p.PersonSlug == "" {
			continue
		}
		role := p.RoleTitle
		if role == "" {
			role = "Guest"
		}
		row := map[string]string{
			"voyage_slug":   vslug,
			"person_slug":   p.PersonSlug,
			"capacity_role": role,
			"notes":         "",
		}
		if err := c.Upsert(ctx, TabVoyagePassengers, []string{"voyage_slug", "person_slug"}, row); err != nil {
			return err
		}
	}

	for i := range b.Media {
		m := &b.Media[i]
		if m.MediaSlug == "" {
			continue
		}
		sortOrder := ""
		if n, ok := slug.TrailingSequence(m.MediaSlug); ok {
			sortOrder = strconv.Itoa(n)
		}
		row := map[string]string{
			"voyage_slug": vslug,
			"media_slug":  m.MediaSlug,
			"sort_order":  sortOrder,
			"notes":       "",
		}
		if err := c.Upsert(ctx, TabVoyageMedia, []string{"voyage_slug", "media_slug"}, row); err != nil {
			return err
		}
	}

	if ps := strings.TrimSpace(b.Voyage.PresidentSlug); ps != "" {
		row := map[string]string{"voyage_slug": vslug, "president_slug": ps, "notes": ""}
		if err := c.Upsert(ctx, TabVoyagePresidents, []string{"voyage_slug", "president_slug"}, row); err != nil {
			return err
		}
	}

	c.log.Info("sheets updated", zap.String("voyage_slug", vslug))
	return nil
}

// ResetPresidents clears the presidents tab and rewrites it from the parsed
// registry: headers first, then every row.
func (c *Client) ResetPresidents(ctx context.Context, presidents []model.President) error {
	tab := c.presidentsTab
	err := c.h.Do(ctx, "sheets.values.clear", func() error {
		return c.api.ClearValues(ctx, c.spreadsheetID, tab+"!A:ZZ")
	})
	if err != nil {
		return err
	}
	err = c.h.Do(ctx, "sheets.values.update", func() error {
		rng := fmt.Sprintf("%s!A1:%s1", tab, colLetter(len(PresidentsHeaders)))
		return c.api.UpdateValues(ctx, c.spreadsheetID, rng, [][]string{PresidentsHeaders})
	})
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(presidents))
	for i := range presidents {
		rows = append(rows, rowFromMap(PresidentRow(&presidents[i]), PresidentsHeaders))
	}
	if len(rows) > 0 {
		err = c.h.Do(ctx, "sheets.values.append", func() error {
			return c.api.AppendValues(ctx, c.spreadsheetID, tab+"!A:ZZ", rows)
		})
		if err != nil {
			return err
		}
	}
	c.headers[tab] = PresidentsHeaders
	c.rows.Set(c.tabKey(tab), rows)
	c.dropKeymaps(tab)
	c.log.Info("presidents sheet reset", zap.Int("rows", len(rows)))
	return nil
}

// AppendIngestLog appends audit rows to the ingest_log tab.
func (c *Client) AppendIngestLog(ctx context.Context, rows [][]string) error {
	if len(rows) == 0 {
		return nil
	}
	err := c.h.Do(ctx, "sheets.values.append", func() error {
		return c.api.AppendValues(ctx, c.spreadsheetID, TabIngestLog+"!A:ZZ", rows)
	})
	if err != nil {
		return err
	}
	c.rows.InvalidateKey(c.tabKey(TabIngestLog))
	return nil
}

// DeleteRowsByKey removes every data row of tab whose composite key over
// keyCols is in keys. Deletions go bottom-up in a single batch so row
// indices never shift mid-delete. Returns the number of rows removed.
func (c *Client) DeleteRowsByKey(ctx context.Context, tab string, keyCols []string, keys map[string]bool) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	headers, err := c.headerRow(ctx, tab)
	if err != nil {
		return 0, err
	}
	rows, err := c.dataRows(ctx, tab)
	if err != nil {
		return 0, err
	}
	idxs := make([]int, len(keyCols))
	for i, col := range keyCols {
		idxs[i] = headerIndex(headers, col)
		if idxs[i] < 0 {
			return 0, errs.Validation("sheets.delete",
				fmt.Sprintf("tab %q has no column %q", tab, col))
		}
	}

	var rowNums []int
	for i, r := range rows {
		parts := make([]string, len(idxs))
		for j, idx := range idxs {
			parts[j] = cell(r, idx)
		}
		if keys[Key(parts...)] {
			rowNums = append(rowNums, i+2)
		}
	}
	if len(rowNums) == 0 {
		return 0, nil
	}

	ids, err := c.tabIDs(ctx)
	if err != nil {
		return 0, err
	}
	sheetID, ok := ids[tab]
	if !ok {
		return 0, errs.Validation("sheets.delete", fmt.Sprintf("unknown tab %q", tab))
	}
	sort.Sort(sort.Reverse(sort.IntSlice(rowNums)))
	err = c.h.Do(ctx, "sheets.batchupdate", func() error {
		return c.api.DeleteRows(ctx, c.spreadsheetID, sheetID, rowNums)
	})
	if err != nil {
		return 0, err
	}
	c.rows.InvalidateKey(c.tabKey(tab))
	c.dropKeymaps(tab)
	return len(rowNums), nil
}

// PruneVoyageJoins removes join rows of one voyage that the bundle no
// longer declares. Returns (voyage_media deleted, voyage_passengers deleted).
func (c *Client) PruneVoyageJoins(ctx context.Context, b *model.Bundle) (int, int, error) {
	vslug := b.Voyage.VoyageSlug

	wantMedia := make(map[string]bool, len(b.Media))
	for i := range b.Media {
		if b.Media[i].MediaSlug != "" {
			wantMedia[Key(vslug, b.Media[i].MediaSlug)] = true
		}
	}
	vm, err := c.pruneVoyageJoin(ctx, TabVoyageMedia, "media_slug", vslug, wantMedia)
	if err != nil {
		return 0, 0, err
	}

	wantPeople := make(map[string]bool, len(b.Passengers))
	for i := range b.Passengers {
		if b.Passengers[i].PersonSlug != "" {
			wantPeople[Key(vslug, b.Passengers[i].PersonSlug)] = true
		}
	}
	vp, err := c.pruneVoyageJoin(ctx, TabVoyagePassengers, "person_slug", vslug, wantPeople)
	if err != nil {
		return vm, 0, err
	}
	return vm, vp, nil
}

func (c *Client) pruneVoyageJoin(ctx context.Context, tab, otherCol, vslug string, desired map[string]bool) (int, error) {
	headers, err := c.headerRow(ctx, tab)
	if err != nil {
		return 0, err
	}
	rows, err := c.dataRows(ctx, tab)
	if err != nil {
		return 0, err
	}
	vIdx := headerIndex(headers, "voyage_slug")
	oIdx := headerIndex(headers, otherCol)
	if vIdx < 0 || oIdx < 0 {
		return 0, nil
	}
	del := make(map[string]bool)
	for _, r := range rows {
		if cell(r, vIdx) != vslug {
			continue
		}
		k := Key(vslug, cell(r, oIdx))
		if !desired[k] {
			del[k] = true
		}
	}
	return c.DeleteRowsByKey(ctx, tab, []string{"voyage_slug", otherCol}, del)
}

// PruneVoyagesNotIn removes, from the voyages tab and all three join tabs,
// every row whose voyage_slug is absent from desired. Returns the total
// number of rows removed.
func (c *Client) PruneVoyagesNotIn(ctx context.Context, desired map[string]bool) (int, error) {
	total := 0
	for _, tab := range []string{TabVoyages, TabVoyagePassengers, TabVoyageMedia, TabVoyagePresidents} {
		headers, err := c.headerRow(ctx, tab)
		if err != nil {
			return total, err
		}
		rows, err := c.dataRows(ctx, tab)
		if err != nil {
			return total, err
		}
		vIdx := headerIndex(headers, "voyage_slug")
		if vIdx < 0 {
			continue
		}
		del := make(map[string]bool)
		for _, r := range rows {
			if v := cell(r, vIdx); v != "" && !desired[v] {
				del[v] = true
			}
		}
		n, err := c.DeleteRowsByKey(ctx, tab, []string{"voyage_slug"}, del)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// LinkIndex reads the media tab once and maps each google_drive_link to the
// s3_url currently on record. The media fetcher consults it to decide
// between a fresh upload and a move.
func (c *Client) LinkIndex(ctx context.Context) (map[string]string, error) {
	headers, err := c.headerRow(ctx, TabMedia)
	if err != nil {
		return nil, err
	}
	rows, err := c.dataRows(ctx, TabMedia)
	if err != nil {
		return nil, err
	}
	lIdx := headerIndex(headers, "google_drive_link")
	sIdx := headerIndex(headers, "s3_url")
	out := make(map[string]string)
	if lIdx < 0 || sIdx < 0 {
		return out, nil
	}
	for _, r := range rows {
		link, s3 := cell(r, lIdx), cell(r, sIdx)
		if link == "" || s3 == "" {
			continue
		}
		if _, seen := out[link]; !seen {
			out[link] = s3
		}
	}
	return out, nil
}

// PresidentSlugMap reads the presidents tab once and maps lowercased full
// names to president slugs. The parser uses it to resolve voyages that
// name a president without declaring a slug.
func (c *Client) PresidentSlugMap(ctx context.Context) (map[string]string, error) {
	headers, err := c.headerRow(ctx, c.presidentsTab)
	if err != nil {
		return nil, err
	}
	rows, err := c.dataRows(ctx, c.presidentsTab)
	if err != nil {
		return nil, err
	}
	sIdx := headerIndex(headers, "president_slug")
	nIdx := headerIndex(headers, "full_name")
	out := make(map[string]string)
	if sIdx < 0 || nIdx < 0 {
		return out, nil
	}
	for _, r := range rows {
		s, name := cell(r, sIdx), strings.ToLower(strings.TrimSpace(cell(r, nIdx)))
		if s == "" || name == "" {
			continue
		}
		if _, seen := out[name]; !seen {
			out[name] = s
		}
	}
	return out, nil
}

// ---- row builders ----

// VoyageRow maps a voyage onto the voyages tab schema. An empty vessel name
// defaults to USS Sequoia.
func VoyageRow(v *model.Voyage) map[string]string {
	vessel := v.VesselName
	if vessel == "" {
		vessel = "USS Sequoia"
	}
	return map[string]string{
		"voyage_slug":      v.VoyageSlug,
		"title":            v.Title,
		"start_date":       v.StartDate,
		"end_date":         v.EndDate,
		"start_time":       v.StartTime,
		"end_time":         v.EndTime,
		"origin":           v.Origin,
		"destination":      v.Destination,
		"vessel_name":      vessel,
		"voyage_type":      v.VoyageType,
		"summary_markdown": v.SummaryMarkdown,
		"notes_internal":   v.NotesInternal,
		"source_urls":      v.SourceURLs,
		"tags":             v.Tags,
	}
}

// PassengerRow maps a passenger onto the passengers tab schema.
func PassengerRow(p *model.Passenger) map[string]string {
	return map[string]string{
		"person_slug":   p.PersonSlug,
		"full_name":     p.FullName,
		"role_title":    p.RoleTitle,
		"organization":  p.Organization,
		"birth_year":    p.BirthYear,
		"death_year":    p.DeathYear,
		"wikipedia_url": p.WikipediaURL,
		"tags":          p.Tags,
	}
}

// MediaRow maps a media item plus its fetch result onto the media tab schema.
func MediaRow(m *model.Media, urls model.MediaURLs) map[string]string {
	return map[string]string{
		"media_slug":             m.MediaSlug,
		"title":                  m.Title,
		"media_type":             m.MediaType,
		"s3_url":                 urls.S3URL,
		"thumbnail_s3_url":       urls.PreviewURL,
		"credit":                 m.Credit,
		"date":                   m.Date,
		"description_markdown":   m.DescriptionMarkdown,
		"tags":                   m.Tags,
		"copyright_restrictions": m.CopyrightRestrictions,
		"google_drive_link":      m.GoogleDriveLink,
	}
}

// PresidentRow maps a registry entry onto the presidents tab schema.
func PresidentRow(p *model.President) map[string]string {
	return map[string]string{
		"president_slug": p.PresidentSlug,
		"full_name":      p.FullName,
		"party":          p.Party,
		"term_start":     p.TermStart,
		"term_end":       p.TermEnd,
		"wikipedia_url":  p.WikipediaURL,
		"tags":           p.Tags,
	}
}

// ---- caches and helpers ----

func (c *Client) tabKey(tab string) rpc.TabKey {
	return rpc.TabKey{SpreadsheetID: c.spreadsheetID, Title: tab}
}

func (c *Client) tabIDs(ctx context.Context) (map[string]int64, error) {
	if c.tabs != nil {
		return c.tabs, nil
	}
	ids, err := rpc.Call(ctx, c.h, "sheets.get", func() (map[string]int64, error) {
		return c.api.Tabs(ctx, c.spreadsheetID)
	})
	if err != nil {
		return nil, err
	}
	c.tabs = ids
	return ids, nil
}

func (c *Client) headerRow(ctx context.Context, tab string) ([]string, error) {
	if h, ok := c.headers[tab]; ok {
		return h, nil
	}
	got, err := rpc.Call(ctx, c.h, "sheets.values.get", func() ([][]string, error) {
		return c.api.GetValues(ctx, c.spreadsheetID, tab+"!1:1")
	})
	if err != nil {
		return nil, err
	}
	var headers []string
	if len(got) > 0 {
		headers = got[0]
	}
	c.headers[tab] = headers
	return headers, nil
}

func (c *Client) dataRows(ctx context.Context, tab string) ([][]string, error) {
	if rows, ok := c.rows.Get(c.tabKey(tab)); ok {
		return rows, nil
	}
	rows, err := rpc.Call(ctx, c.h, "sheets.values.get", func() ([][]string, error) {
		return c.api.GetValues(ctx, c.spreadsheetID, tab+"!A2:ZZ")
	})
	if err != nil {
		return nil, err
	}
	c.rows.Set(c.tabKey(tab), rows)
	return rows, nil
}

func (c *Client) dropKeymaps(tab string) {
	for k := range c.keymaps {
		if strings.HasPrefix(k, tab+keySep) {
			delete(c.keymaps, k)
		}
	}
}

// rowNumberByKey returns the 1-based sheet row of the first data row whose
// composite key equals keyVal, or 0. The key map for (tab, keyCols) is built
// on first use and reused until the tab changes.
func (c *Client) rowNumberByKey(tab string, headers []string, rows [][]string, keyCols []string, keyVal string) int {
	mapKey := tab + keySep + strings.Join(keyCols, ",")
	km, ok := c.keymaps[mapKey]
	if !ok {
		idxs := make([]int, len(keyCols))
		for i, col := range keyCols {
			idxs[i] = headerIndex(headers, col)
			if idxs[i] < 0 {
				return 0
			}
		}
		km = make(map[string]int, len(rows))
		for i, r := range rows {
			parts := make([]string, len(idxs))
			for j, idx := range idxs {
				parts[j] = cell(r, idx)
			}
			k := Key(parts...)
			if _, dup := km[k]; !dup {
				km[k] = i + 2
			}
		}
		c.keymaps[mapKey] = km
	}
	return km[keyVal]
}

func rowFromMap(row map[string]string, headers []string) []string {
	out := make([]string, len(headers))
	for i, h := range headers {
		out[i] = row[h]
	}
	return out
}

func headerIndex(headers []string, name string) int {
	for i, h := range headers {
		if h == name {
			return i
		}
	}
	return -1
}

func cell(r []string, i int) string {
	if i >= 0 && i < len(r) {
		return r[i]
	}
	return ""
}

func equalRows(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// colLetter converts a 1-based column number to its A1 letter form.
func colLetter(n int) string {
	res := ""
	for n > 0 {
		n--
		res = string(rune('A'+n%26)) + res
		n /= 26
	}
	return res
}
