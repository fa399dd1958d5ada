// Package sheets projects parsed voyage data into the operator-facing
// spreadsheet: tab creation, header reconciliation, keyed upserts backed by
// a single-read index cache, bottom-up row deletion, the presidents tab
// reset, and the ingest audit log.
package sheets

import (
	"context"
	"fmt"

	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"

	"voyageingest/internal/errs"
)

// ValueUpdate is one range write inside a batched values update.
type ValueUpdate struct {
	Range string
	Rows  [][]string
}

// API is the slice of the Sheets service the client drives, with values
// flattened to strings. The live implementation wraps sheets/v4; tests
// substitute an in-memory fake.
type API interface {
	Tabs(ctx context.Context, spreadsheetID string) (map[string]int64, error)
	AddTabs(ctx context.Context, spreadsheetID string, titles []string) error
	GetValues(ctx context.Context, spreadsheetID, rng string) ([][]string, error)
	BatchGetValues(ctx context.Context, spreadsheetID string, ranges []string) ([][][]string, error)
	UpdateValues(ctx context.Context, spreadsheetID, rng string, rows [][]string) error
	BatchUpdateValues(ctx context.Context, spreadsheetID string, updates []ValueUpdate) error
	AppendValues(ctx context.Context, spreadsheetID, rng string, rows [][]string) error
	ClearValues(ctx context.Context, spreadsheetID, rng string) error
	DeleteRows(ctx context.Context, spreadsheetID string, sheetID int64, rowNums []int) error
}

// NewService builds the live Sheets API from a service-account credentials
// file with read/write scope.
func NewService(ctx context.Context, credentialsPath string) (API, error) {
	svc, err := sheetsapi.NewService(ctx,
		option.WithCredentialsFile(credentialsPath),
		option.WithScopes(sheetsapi.SpreadsheetsScope))
	if err != nil {
		return nil, errs.Wrap(errs.ClassConfig, "sheets.new", "building Sheets client", err)
	}
	return &liveAPI{svc: svc}, nil
}

type liveAPI struct {
	svc *sheetsapi.Service
}

func (a *liveAPI) Tabs(ctx context.Context, sid string) (map[string]int64, error) {
	meta, err := a.svc.Spreadsheets.Get(sid).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(meta.Sheets))
	for _, s := range meta.Sheets {
		if s.Properties != nil {
			out[s.Properties.Title] = s.Properties.SheetId
		}
	}
	return out, nil
}

func (a *liveAPI) AddTabs(ctx context.Context, sid string, titles []string) error {
	reqs := make([]*sheetsapi.Request, 0, len(titles))
	for _, t := range titles {
		reqs = append(reqs, &sheetsapi.Request{
			AddSheet: &sheetsapi.AddSheetRequest{
				Properties: &sheetsapi.SheetProperties{
					Title:          t,
					GridProperties: &sheetsapi.GridProperties{FrozenRowCount: 1},
				},
			},
		})
	}
	_, err := a.svc.Spreadsheets.BatchUpdate(sid,
		&sheetsapi.BatchUpdateSpreadsheetRequest{Requests: reqs}).Context(ctx).Do()
	return err
}

func (a *liveAPI) GetValues(ctx context.Context, sid, rng string) ([][]string, error) {
	resp, err := a.svc.Spreadsheets.Values.Get(sid, rng).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return fromIface(resp.Values), nil
}

func (a *liveAPI) BatchGetValues(ctx context.Context, sid string, ranges []string) ([][][]string, error) {
	resp, err := a.svc.Spreadsheets.Values.BatchGet(sid).Ranges(ranges...).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	// Value ranges come back in request order.
	out := make([][][]string, len(resp.ValueRanges))
	for i, vr := range resp.ValueRanges {
		out[i] = fromIface(vr.Values)
	}
	return out, nil
}

func (a *liveAPI) UpdateValues(ctx context.Context, sid, rng string, rows [][]string) error {
	_, err := a.svc.Spreadsheets.Values.Update(sid, rng, &sheetsapi.ValueRange{
		MajorDimension: "ROWS",
		Values:         toIface(rows),
	}).ValueInputOption("RAW").Context(ctx).Do()
	return err
}

func (a *liveAPI) BatchUpdateValues(ctx context.Context, sid string, updates []ValueUpdate) error {
	data := make([]*sheetsapi.ValueRange, 0, len(updates))
	for _, u := range updates {
		data = append(data, &sheetsapi.ValueRange{
			Range:          u.Range,
			MajorDimension: "ROWS",
			Values:         toIface(u.Rows),
		})
	}
	_, err := a.svc.Spreadsheets.Values.BatchUpdate(sid, &sheetsapi.BatchUpdateValuesRequest{
		ValueInputOption: "RAW",
		Data:             data,
	}).Context(ctx).Do()
	return err
}

func (a *liveAPI) AppendValues(ctx context.Context, sid, rng string, rows [][]string) error {
	_, err := a.svc.Spreadsheets.Values.Append(sid, rng, &sheetsapi.ValueRange{
		MajorDimension: "ROWS",
		Values:         toIface(rows),
	}).ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	return err
}

func (a *liveAPI) ClearValues(ctx context.Context, sid, rng string) error {
	_, err := a.svc.Spreadsheets.Values.Clear(sid, rng, &sheetsapi.ClearValuesRequest{}).Context(ctx).Do()
	return err
}

func (a *liveAPI) DeleteRows(ctx context.Context, sid string, sheetID int64, rowNums []int) error {
	reqs := make([]*sheetsapi.Request, 0, len(rowNums))
	for _, rn := range rowNums {
		reqs = append(reqs, &sheetsapi.Request{
			DeleteDimension: &sheetsapi.DeleteDimensionRequest{
				Range: &sheetsapi.DimensionRange{
					SheetId:    sheetID,
					Dimension:  "ROWS",
					StartIndex: int64(rn - 1),
					EndIndex:   int64(rn),
				},
			},
		})
	}
	_, err := a.svc.Spreadsheets.BatchUpdate(sid,
		&sheetsapi.BatchUpdateSpreadsheetRequest{Requests: reqs}).Context(ctx).Do()
	return err
}

func toIface(rows [][]string) [][]interface{} {
	out := make([][]interface{}, len(rows))
	for i, r := range rows {
		row := make([]interface{}, len(r))
		for j, v := range r {
			row[j] = v
		}
		out[i] = row
	}
	return out
}

func fromIface(vals [][]interface{}) [][]string {
	out := make([][]string, len(vals))
	for i, r := range vals {
		row := make([]string, len(r))
		for j, v := range r {
			switch s := v.(type) {
			case nil:
			case string:
				row[j] = s
			default:
				row[j] = fmt.Sprint(v)
			}
		}
		out[i] = row
	}
	return out
}
