package sheets

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"voyageingest/internal/model"
	"voyageingest/internal/rpc"
)

// fakeAPI is an in-memory spreadsheet: row 1 of each tab is the header row.
type fakeAPI struct {
	tabs  map[string]*fakeTab
	next  int64
	calls map[string]int
}

type fakeTab struct {
	id   int64
	rows [][]string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{tabs: map[string]*fakeTab{}, next: 1, calls: map[string]int{}}
}

func (f *fakeAPI) addTab(title string, rows [][]string) *fakeTab {
	t := &fakeTab{id: f.next, rows: rows}
	f.next++
	f.tabs[title] = t
	return t
}

func (f *fakeAPI) Tabs(_ context.Context, _ string) (map[string]int64, error) {
	f.calls["tabs"]++
	out := map[string]int64{}
	for title, t := range f.tabs {
		out[title] = t.id
	}
	return out, nil
}

func (f *fakeAPI) AddTabs(_ context.Context, _ string, titles []string) error {
	f.calls["addtabs"]++
	for _, t := range titles {
		f.addTab(t, nil)
	}
	return nil
}

var rowRangeRe = regexp.MustCompile(`^A(\d+):`)

func splitRange(rng string) (tab, rest string) {
	i := strings.IndexByte(rng, '!')
	return rng[:i], rng[i+1:]
}

func (f *fakeAPI) GetValues(_ context.Context, _ string, rng string) ([][]string, error) {
	f.calls["get"]++
	title, rest := splitRange(rng)
	t, ok := f.tabs[title]
	if !ok {
		return nil, fmt.Errorf("no tab %q", title)
	}
	switch rest {
	case "1:1":
		if len(t.rows) == 0 {
			return nil, nil
		}
		return [][]string{t.rows[0]}, nil
	case "A2:ZZ":
		if len(t.rows) < 2 {
			return nil, nil
		}
		out := make([][]string, len(t.rows)-1)
		copy(out, t.rows[1:])
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected read range %q", rng)
	}
}

func (f *fakeAPI) BatchGetValues(ctx context.Context, sid string, ranges []string) ([][][]string, error) {
	f.calls["batchget"]++
	out := make([][][]string, len(ranges))
	for i, rng := range ranges {
		vals, err := f.GetValues(ctx, sid, rng)
		if err != nil {
			return nil, err
		}
		out[i] = vals
	}
	return out, nil
}

func (f *fakeAPI) UpdateValues(_ context.Context, _ string, rng string, rows [][]string) error {
	f.calls["update"]++
	title, rest := splitRange(rng)
	t, ok := f.tabs[title]
	if !ok {
		return fmt.Errorf("no tab %q", title)
	}
	m := rowRangeRe.FindStringSubmatch(rest)
	if m == nil || len(rows) != 1 {
		return fmt.Errorf("unexpected update range %q", rng)
	}
	var n int
	fmt.Sscanf(m[1], "%d", &n)
	for len(t.rows) < n {
		t.rows = append(t.rows, nil)
	}
	t.rows[n-1] = rows[0]
	return nil
}

func (f *fakeAPI) BatchUpdateValues(ctx context.Context, sid string, updates []ValueUpdate) error {
	f.calls["batchupdate_values"]++
	for _, u := range updates {
		if err := f.UpdateValues(ctx, sid, u.Range, u.Rows); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeAPI) AppendValues(_ context.Context, _ string, rng string, rows [][]string) error {
	f.calls["append"]++
	title, _ := splitRange(rng)
	t, ok := f.tabs[title]
	if !ok {
		return fmt.Errorf("no tab %q", title)
	}
	t.rows = append(t.rows, rows...)
	return nil
}

func (f *fakeAPI) ClearValues(_ context.Context, _ string, rng string) error {
	f.calls["clear"]++
	title, _ := splitRange(rng)
	t, ok := f.tabs[title]
	if !ok {
		return fmt.Errorf("no tab %q", title)
	}
	t.rows = nil
	return nil
}

func (f *fakeAPI) DeleteRows(_ context.Context, _ string, sheetID int64, rowNums []int) error {
	f.calls["deleterows"]++
	var t *fakeTab
	for _, tab := range f.tabs {
		if tab.id == sheetID {
			t = tab
		}
	}
	if t == nil {
		return fmt.Errorf("no sheet id %d", sheetID)
	}
	for i, rn := range rowNums {
		if i > 0 && rowNums[i-1] <= rn {
			return fmt.Errorf("row deletions not bottom-up: %v", rowNums)
		}
		if rn < 1 || rn > len(t.rows) {
			return fmt.Errorf("row %d out of range", rn)
		}
		t.rows = append(t.rows[:rn-1], t.rows[rn:]...)
	}
	return nil
}

func testClient(api API) *Client {
	h := rpc.New(rpc.Options{MaxRetries: 1}, zap.NewNop())
	return NewClient(api, "sheet-1", "", h, rpc.NewTabCache(), zap.NewNop())
}

func testBundle() *model.Bundle {
	return &model.Bundle{
		Voyage: model.Voyage{
			VoyageSlug:    "1933-04-23-roosevelt-franklin-fishing-trip",
			Title:         "Fishing Trip",
			StartDate:     "1933-04-23",
			VoyageType:    "official",
			PresidentSlug: "roosevelt-franklin",
		},
		Passengers: []model.Passenger{
			{PersonSlug: "hopkins-harry", FullName: "Harry Hopkins"},
		},
		Media: []model.Media{
			{
				MediaSlug:             "1933-04-23-white-house-1933-04-23-roosevelt-franklin-fishing-trip-01",
				MediaType:             "image",
				Credit:                "White House",
				CopyrightRestrictions: "Public domain",
				GoogleDriveLink:       "https://drive.google.com/file/d/abc/view",
			},
		},
	}
}

func TestEnsureTabsCreatesMissingAndFixesHeaders(t *testing.T) {
	api := newFakeAPI()
	api.addTab(TabVoyages, [][]string{{"voyage_slug", "stale_column"}})
	c := testClient(api)

	require.NoError(t, c.EnsureTabs(context.Background()))

	for _, tab := range c.tabOrder() {
		ft, ok := api.tabs[tab]
		require.True(t, ok, "tab %q missing", tab)
		require.NotEmpty(t, ft.rows, "tab %q has no header", tab)
		assert.Equal(t, c.headersFor()[tab], ft.rows[0], "headers for %q", tab)
	}
	assert.Equal(t, 1, api.calls["addtabs"])
	assert.Equal(t, 1, api.calls["batchupdate_values"])
}

func TestUpsertAppendsThenUpdatesInPlace(t *testing.T) {
	api := newFakeAPI()
	c := testClient(api)
	ctx := context.Background()
	require.NoError(t, c.EnsureTabs(ctx))

	b := testBundle()
	require.NoError(t, c.Upsert(ctx, TabVoyages, []string{"voyage_slug"}, VoyageRow(&b.Voyage)))
	require.Len(t, api.tabs[TabVoyages].rows, 2)

	readsBefore := api.calls["get"]
	b.Voyage.Title = "Fishing Trip on Potomac"
	require.NoError(t, c.Upsert(ctx, TabVoyages, []string{"voyage_slug"}, VoyageRow(&b.Voyage)))

	rows := api.tabs[TabVoyages].rows
	require.Len(t, rows, 2)
	assert.Equal(t, "Fishing Trip on Potomac", rows[1][1])
	assert.Equal(t, readsBefore, api.calls["get"], "second upsert must not re-read the tab")
}

func TestUpsertRequiresKeyColumns(t *testing.T) {
	api := newFakeAPI()
	c := testClient(api)
	err := c.Upsert(context.Background(), TabVoyages, []string{"voyage_slug"}, map[string]string{"title": "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "voyage_slug")
}

func TestUpsertBundleWritesMastersAndJoins(t *testing.T) {
	api := newFakeAPI()
	c := testClient(api)
	ctx := context.Background()
	require.NoError(t, c.EnsureTabs(ctx))

	b := testBundle()
	urls := map[string]model.MediaURLs{
		b.Media[0].MediaSlug: {S3URL: "s3://canonical/k.jpg", PreviewURL: "https://public/p.jpg"},
	}
	require.NoError(t, c.UpsertBundle(ctx, b, urls))

	require.Len(t, api.tabs[TabVoyages].rows, 2)
	assert.Equal(t, "USS Sequoia", api.tabs[TabVoyages].rows[1][8])

	require.Len(t, api.tabs[TabMedia].rows, 2)
	mrow := api.tabs[TabMedia].rows[1]
	assert.Equal(t, "image", mrow[2])
	assert.Equal(t, "s3://canonical/k.jpg", mrow[3])
	assert.Equal(t, "https://public/p.jpg", mrow[4])
	assert.Equal(t, "Public domain", mrow[9])

	require.Len(t, api.tabs[TabVoyagePassengers].rows, 2)
	assert.Equal(t, "Guest", api.tabs[TabVoyagePassengers].rows[1][2])

	require.Len(t, api.tabs[TabVoyageMedia].rows, 2)
	assert.Equal(t, "1", api.tabs[TabVoyageMedia].rows[1][2])

	require.Len(t, api.tabs[TabVoyagePresidents].rows, 2)
	assert.Equal(t, "roosevelt-franklin", api.tabs[TabVoyagePresidents].rows[1][1])
}

func TestJoinRowsKeyedByFullCompositeKey(t *testing.T) {
	api := newFakeAPI()
	c := testClient(api)
	ctx := context.Background()
	require.NoError(t, c.EnsureTabs(ctx))

	row := map[string]string{"voyage_slug": "v1", "person_slug": "hopkins-harry", "capacity_role": "Guest", "notes": ""}
	require.NoError(t, c.Upsert(ctx, TabVoyagePassengers, []string{"voyage_slug", "person_slug"}, row))
	row["voyage_slug"] = "v2"
	require.NoError(t, c.Upsert(ctx, TabVoyagePassengers, []string{"voyage_slug", "person_slug"}, row))

	assert.Len(t, api.tabs[TabVoyagePassengers].rows, 3, "same person on two voyages must be two rows")
}

func TestResetPresidents(t *testing.T) {
	api := newFakeAPI()
	api.addTab("presidents", [][]string{PresidentsHeaders, {"stale-president", "Stale"}})
	c := testClient(api)

	presidents := []model.President{
		{PresidentSlug: "roosevelt-franklin", FullName: "Franklin D. Roosevelt", Party: "Democratic"},
		{PresidentSlug: "truman-harry", FullName: "Harry S. Truman", Party: "Democratic"},
	}
	require.NoError(t, c.ResetPresidents(context.Background(), presidents))

	rows := api.tabs["presidents"].rows
	require.Len(t, rows, 3)
	assert.Equal(t, PresidentsHeaders, rows[0])
	assert.Equal(t, "roosevelt-franklin", rows[1][0])
	assert.Equal(t, "truman-harry", rows[2][0])
	assert.Equal(t, 1, api.calls["clear"])
}

func TestPruneVoyageJoinsDeletesBottomUp(t *testing.T) {
	api := newFakeAPI()
	c := testClient(api)
	ctx := context.Background()
	require.NoError(t, c.EnsureTabs(ctx))

	b := testBundle()
	vslug := b.Voyage.VoyageSlug
	api.tabs[TabVoyageMedia].rows = append(api.tabs[TabVoyageMedia].rows,
		[]string{vslug, b.Media[0].MediaSlug, "1", ""},
		[]string{vslug, "dropped-media-02", "2", ""},
		[]string{"other-voyage", "dropped-media-02", "1", ""},
		[]string{vslug, "dropped-media-03", "3", ""},
	)
	api.tabs[TabVoyagePassengers].rows = append(api.tabs[TabVoyagePassengers].rows,
		[]string{vslug, "hopkins-harry", "Guest", ""},
		[]string{vslug, "dropped-person", "Guest", ""},
	)

	vm, vp, err := c.PruneVoyageJoins(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, 2, vm)
	assert.Equal(t, 1, vp)

	var mediaLeft []string
	for _, r := range api.tabs[TabVoyageMedia].rows[1:] {
		mediaLeft = append(mediaLeft, r[0]+"/"+r[1])
	}
	assert.ElementsMatch(t, []string{
		vslug + "/" + b.Media[0].MediaSlug,
		"other-voyage/dropped-media-02",
	}, mediaLeft)
}

func TestPruneVoyagesNotIn(t *testing.T) {
	api := newFakeAPI()
	c := testClient(api)
	ctx := context.Background()
	require.NoError(t, c.EnsureTabs(ctx))

	api.tabs[TabVoyages].rows = append(api.tabs[TabVoyages].rows,
		[]string{"keep-1", "Keep"},
		[]string{"drop-1", "Drop"},
	)
	api.tabs[TabVoyageMedia].rows = append(api.tabs[TabVoyageMedia].rows,
		[]string{"drop-1", "m-01", "1", ""},
		[]string{"keep-1", "m-02", "2", ""},
	)

	n, err := c.PruneVoyagesNotIn(ctx, map[string]bool{"keep-1": true})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, api.tabs[TabVoyages].rows, 2)
	assert.Equal(t, "keep-1", api.tabs[TabVoyages].rows[1][0])
	require.Len(t, api.tabs[TabVoyageMedia].rows, 2)
	assert.Equal(t, "keep-1", api.tabs[TabVoyageMedia].rows[1][0])
}

func TestLinkIndex(t *testing.T) {
	api := newFakeAPI()
	c := testClient(api)
	ctx := context.Background()
	require.NoError(t, c.EnsureTabs(ctx))

	api.tabs[TabMedia].rows = append(api.tabs[TabMedia].rows,
		[]string{"m-01", "", "", "s3://b/k1.jpg", "", "", "", "", "", "", "https://drive.google.com/file/d/a/view"},
		[]string{"m-02", "", "", "", "", "", "", "", "", "", "https://drive.google.com/file/d/b/view"},
	)

	idx, err := c.LinkIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"https://drive.google.com/file/d/a/view": "s3://b/k1.jpg"}, idx)
}

func TestPresidentSlugMap(t *testing.T) {
	api := newFakeAPI()
	c := testClient(api)
	ctx := context.Background()
	require.NoError(t, c.EnsureTabs(ctx))

	api.tabs["presidents"].rows = append(api.tabs["presidents"].rows,
		[]string{"roosevelt-franklin", "Franklin D. Roosevelt"},
		[]string{"truman-harry", " Harry S. Truman "},
		[]string{"", "No Slug"},
	)

	m, err := c.PresidentSlugMap(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"franklin d. roosevelt": "roosevelt-franklin",
		"harry s. truman":       "truman-harry",
	}, m)
}

func TestAppendIngestLog(t *testing.T) {
	api := newFakeAPI()
	c := testClient(api)
	ctx := context.Background()
	require.NoError(t, c.EnsureTabs(ctx))

	rows := [][]string{{"2026-08-24T00:00:00Z", "doc", "[GLOBAL]", "OK"}}
	require.NoError(t, c.AppendIngestLog(ctx, rows))
	require.Len(t, api.tabs[TabIngestLog].rows, 2)
	assert.Equal(t, "[GLOBAL]", api.tabs[TabIngestLog].rows[1][2])
}

func TestColLetter(t *testing.T) {
	assert.Equal(t, "A", colLetter(1))
	assert.Equal(t, "N", colLetter(len(VoyagesHeaders)))
	assert.Equal(t, "Z", colLetter(26))
	assert.Equal(t, "AA", colLetter(27))
}
