// Package gsheets implements the spreadsheet port on the Google Sheets
// API. Tabs are addressed by gid; titles are resolved once per call
// because users rename tabs freely.
package gsheets

import (
	"fmt"
	"strings"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/fairyhunter13/link-sentinel/internal/domain"
)

// Rows begin under a single header row.
const firstDataRow = 2

// Service implements domain.SheetService.
type Service struct {
	api *sheets.Service
}

// New builds the service from a service-account credentials blob.
func New(ctx domain.Context, credentialsJSON []byte) (*Service, error) {
	api, err := sheets.NewService(ctx, option.WithCredentialsJSON(credentialsJSON))
	if err != nil {
		return nil, fmt.Errorf("op=gsheets.New: %w", err)
	}
	return &Service{api: api}, nil
}

// Read fetches the url and target columns of the tab plus the first
// verdict column, which reveals whether a previous run left data.
func (s *Service) Read(ctx domain.Context, ref domain.SpreadsheetRef, urlCol, targetCol, resultRange, defaultTarget string) (domain.SheetReadResult, error) {
	title, err := s.tabTitle(ctx, ref)
	if err != nil {
		return domain.SheetReadResult{}, err
	}
	startResult, _, err := ParseResultRange(resultRange)
	if err != nil {
		return domain.SheetReadResult{}, fmt.Errorf("op=gsheets.Read: %w", err)
	}

	ranges := []string{
		fmt.Sprintf("%s!%s%d:%s", title, urlCol, firstDataRow, urlCol),
		fmt.Sprintf("%s!%s%d:%s", title, targetCol, firstDataRow, targetCol),
		fmt.Sprintf("%s!%s%d:%s", title, startResult, firstDataRow, startResult),
	}
	resp, err := s.api.Spreadsheets.Values.BatchGet(ref.SpreadsheetID).Ranges(ranges...).Context(ctx).Do()
	if err != nil {
		return domain.SheetReadResult{}, fmt.Errorf("op=gsheets.Read spreadsheet=%s: %w: %v", ref.SpreadsheetID, domain.ErrBackendUnavailable, err)
	}
	if len(resp.ValueRanges) != 3 {
		return domain.SheetReadResult{}, fmt.Errorf("op=gsheets.Read: unexpected range count %d: %w", len(resp.ValueRanges), domain.ErrInternal)
	}

	urls := columnStrings(resp.ValueRanges[0])
	targets := columnStrings(resp.ValueRanges[1])
	existing := columnStrings(resp.ValueRanges[2])

	result := domain.SheetReadResult{
		URLs:    urls,
		Targets: make([]string, len(urls)),
	}
	unique := map[string]bool{}
	for i, u := range urls {
		if u != "" {
			result.TotalRows = i + 1
			unique[u] = true
		}
		if i < len(targets) {
			result.Targets[i] = targets[i]
		} else if defaultTarget != "" {
			result.Targets[i] = defaultTarget
		}
	}
	result.UniqueURLs = len(unique)
	for _, v := range existing {
		if v != "" {
			result.HasExistingData = true
			break
		}
	}
	return result, nil
}

// WriteVerdicts writes the five verdict columns as one contiguous
// update. Rows absent from the verdict set come out blank, so stale
// values from the previous run never survive.
func (s *Service) WriteVerdicts(ctx domain.Context, ref domain.SpreadsheetRef, resultRange string, rows []domain.VerdictRow) error {
	if len(rows) == 0 {
		return nil
	}
	title, err := s.tabTitle(ctx, ref)
	if err != nil {
		return err
	}
	startCol, endCol, err := ParseResultRange(resultRange)
	if err != nil {
		return fmt.Errorf("op=gsheets.WriteVerdicts: %w", err)
	}

	values, firstRow, lastRow := verdictGrid(rows)
	writeRange := fmt.Sprintf("%s!%s%d:%s%d", title, startCol, firstRow, endCol, lastRow)
	_, err = s.api.Spreadsheets.Values.
		Update(ref.SpreadsheetID, writeRange, &sheets.ValueRange{Values: values}).
		ValueInputOption("RAW").
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("op=gsheets.WriteVerdicts spreadsheet=%s: %w: %v", ref.SpreadsheetID, domain.ErrBackendUnavailable, err)
	}
	return nil
}

// Format colours the verdict rows. Callers treat failures here as
// cosmetic; the data write has already landed.
func (s *Service) Format(ctx domain.Context, ref domain.SpreadsheetRef, resultRange string, rows []domain.VerdictRow) error {
	if len(rows) == 0 {
		return nil
	}
	startCol, endCol, err := ParseResultRange(resultRange)
	if err != nil {
		return fmt.Errorf("op=gsheets.Format: %w", err)
	}
	startIdx := int64(ColumnIndex(startCol))
	endIdx := int64(ColumnIndex(endCol)) + 1

	var requests []*sheets.Request
	for _, row := range rows {
		requests = append(requests, &sheets.Request{
			RepeatCell: &sheets.RepeatCellRequest{
				Range: &sheets.GridRange{
					SheetId:          ref.SheetGID,
					StartRowIndex:    int64(row.RowIndex - 1),
					EndRowIndex:      int64(row.RowIndex),
					StartColumnIndex: startIdx,
					EndColumnIndex:   endIdx,
				},
				Cell: &sheets.CellData{
					UserEnteredFormat: &sheets.CellFormat{BackgroundColor: verdictColor(row)},
				},
				Fields: "userEnteredFormat.backgroundColor",
			},
		})
	}
	_, err = s.api.Spreadsheets.
		BatchUpdate(ref.SpreadsheetID, &sheets.BatchUpdateSpreadsheetRequest{Requests: requests}).
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("op=gsheets.Format spreadsheet=%s: %w: %v", ref.SpreadsheetID, domain.ErrBackendUnavailable, err)
	}
	return nil
}

// tabTitle resolves the tab gid to its current title.
func (s *Service) tabTitle(ctx domain.Context, ref domain.SpreadsheetRef) (string, error) {
	meta, err := s.api.Spreadsheets.Get(ref.SpreadsheetID).
		Fields("sheets.properties.sheetId,sheets.properties.title").
		Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("op=gsheets.tabTitle spreadsheet=%s: %w: %v", ref.SpreadsheetID, domain.ErrBackendUnavailable, err)
	}
	for _, sh := range meta.Sheets {
		if sh.Properties != nil && sh.Properties.SheetId == ref.SheetGID {
			return quoteTitle(sh.Properties.Title), nil
		}
	}
	return "", fmt.Errorf("op=gsheets.tabTitle spreadsheet=%s gid=%d: %w", ref.SpreadsheetID, ref.SheetGID, domain.ErrNotFound)
}

func quoteTitle(title string) string {
	if strings.ContainsAny(title, " !'") {
		return "'" + strings.ReplaceAll(title, "'", "''") + "'"
	}
	return title
}

func columnStrings(vr *sheets.ValueRange) []string {
	if vr == nil {
		return nil
	}
	out := make([]string, 0, len(vr.Values))
	for _, row := range vr.Values {
		if len(row) == 0 {
			out = append(out, "")
			continue
		}
		s, _ := row[0].(string)
		out = append(out, strings.TrimSpace(s))
	}
	return out
}

// verdictGrid lays the rows onto a dense grid spanning the first to the
// last verdict row, blanks in between.
func verdictGrid(rows []domain.VerdictRow) (values [][]any, firstRow, lastRow int) {
	firstRow, lastRow = rows[0].RowIndex, rows[0].RowIndex
	byRow := map[int]domain.VerdictRow{}
	for _, r := range rows {
		byRow[r.RowIndex] = r
		if r.RowIndex < firstRow {
			firstRow = r.RowIndex
		}
		if r.RowIndex > lastRow {
			lastRow = r.RowIndex
		}
	}
	for i := firstRow; i <= lastRow; i++ {
		row, ok := byRow[i]
		if !ok {
			values = append(values, make([]any, domain.ResultRangeWidth))
			continue
		}
		values = append(values, verdictCells(row))
	}
	return values, firstRow, lastRow
}

// verdictCells renders one row's verdict columns: status, response
// code, indexability, non-indexable reason, and the link-found flag
// carrying the check timestamp.
func verdictCells(r domain.VerdictRow) []any {
	indexable := "No"
	if r.Indexable {
		indexable = "Yes"
	}
	found := "False"
	if r.LinkFound {
		found = "True"
	}
	if !r.CheckedAt.IsZero() {
		found += " (" + r.CheckedAt.UTC().Format("2006-01-02 15:04") + ")"
	}
	return []any{string(r.Status), r.ResponseCode, indexable, r.Reason, found}
}

// verdictColor maps a verdict onto the status palette: green for a
// clean ok, yellow for found-but-flagged, red for a missing link, grey
// for rows that never reached a terminal state.
func verdictColor(r domain.VerdictRow) *sheets.Color {
	switch {
	case r.Status == domain.StateOK:
		return &sheets.Color{Red: 0.85, Green: 0.94, Blue: 0.83}
	case r.Status == domain.StateProblem && r.LinkFound:
		return &sheets.Color{Red: 1, Green: 0.95, Blue: 0.77}
	case r.Status == domain.StateProblem:
		return &sheets.Color{Red: 0.96, Green: 0.78, Blue: 0.76}
	default:
		return &sheets.Color{Red: 0.85, Green: 0.85, Blue: 0.85}
	}
}

// ParseResultRange splits a columns-only A1 range like "F:J" and checks
// it spans exactly the verdict column width.
func ParseResultRange(r string) (startCol, endCol string, err error) {
	parts := strings.Split(strings.TrimSpace(r), ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed result range %q: %w", r, domain.ErrInvalidArgument)
	}
	startCol, endCol = strings.ToUpper(parts[0]), strings.ToUpper(parts[1])
	width := ColumnIndex(endCol) - ColumnIndex(startCol) + 1
	if width != domain.ResultRangeWidth {
		return "", "", fmt.Errorf("result range %q spans %d columns, want %d: %w", r, width, domain.ResultRangeWidth, domain.ErrInvalidArgument)
	}
	return startCol, endCol, nil
}

// ColumnIndex converts an A1 column label to its zero-based index.
func ColumnIndex(col string) int {
	idx := 0
	for _, r := range strings.ToUpper(col) {
		if r < 'A' || r > 'Z' {
			return -1
		}
		idx = idx*26 + int(r-'A') + 1
	}
	return idx - 1
}
