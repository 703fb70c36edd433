package ledger

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/voicecrm/auditcore/internal/models"
	"github.com/xuri/excelize/v2"
)

const (
	DetailSheet  = "Audit Logs"
	SummarySheet = "Summary"

	maxCellChars = excelize.TotalCellChars
)

var detailHeaders = []any{
	"ID", "Created At", "Operation", "Table", "Record ID",
	"User ID", "User Email", "User Name",
	"Changed Fields", "Old Values", "New Values",
	"Request Method", "Request URL", "Request Body",
	"Response Status", "Execution Time (ms)", "Error Message",
	"IP Address", "Browser", "Engine", "User Agent",
	"Session ID", "Transaction ID",
}

// writeWorkbook renders records and their summary as xlsx into w.
func writeWorkbook(w io.Writer, records []models.AuditRecord, summary Summary) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", DetailSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}

	headers := detailHeaders
	if err := f.SetSheetRow(DetailSheet, "A1", &headers); err != nil {
		return fmt.Errorf("write headers: %w", err)
	}
	lastCol, err := excelize.ColumnNumberToName(len(detailHeaders))
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(DetailSheet, "A1", lastCol+"1", bold); err != nil {
		return fmt.Errorf("style headers: %w", err)
	}
	if err := f.SetColWidth(DetailSheet, "A", lastCol, 20); err != nil {
		return fmt.Errorf("set column width: %w", err)
	}
	if err := f.SetPanes(DetailSheet, &excelize.Panes{
		Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft",
	}); err != nil {
		return fmt.Errorf("freeze header: %w", err)
	}

	for i := range records {
		row := recordRow(&records[i])
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(DetailSheet, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if _, err := f.NewSheet(SummarySheet); err != nil {
		return fmt.Errorf("create summary sheet: %w", err)
	}
	if err := writeSummary(f, summary, bold); err != nil {
		return err
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeSummary(f *excelize.File, s Summary, bold int) error {
	rows := [][]any{
		{"Audit Log Summary"},
		{"Generated At", s.GeneratedAt.Format(time.RFC3339)},
		{"Total Records", s.Total},
		{"Failed Operations", s.Failed},
		{},
		{"Operation", "Count"},
	}
	for _, c := range s.ByOperation {
		rows = append(rows, []any{c.Key, c.Count})
	}
	rows = append(rows, []any{}, []any{"Table", "Count"})
	for _, c := range s.ByTable {
		rows = append(rows, []any{c.Key, c.Count})
	}
	rows = append(rows, []any{}, []any{"Filter", "Value"})
	if len(s.Filters) == 0 {
		rows = append(rows, []any{"(none)", ""})
	}
	for _, k := range sortedKeys(s.Filters) {
		rows = append(rows, []any{k, s.Filters[k]})
	}

	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(SummarySheet, cell, &row); err != nil {
			return fmt.Errorf("write summary row %d: %w", i+1, err)
		}
		if len(row) == 1 || row[0] == "Operation" || row[0] == "Table" || row[0] == "Filter" {
			if err := f.SetCellStyle(SummarySheet, cell, cell, bold); err != nil {
				return err
			}
		}
	}
	return f.SetColWidth(SummarySheet, "A", "B", 28)
}

func recordRow(r *models.AuditRecord) []any {
	return []any{
		r.ID,
		r.CreatedAt.UTC().Format(time.RFC3339),
		string(r.OperationType),
		r.TableName,
		r.RecordID,
		deref(r.UserID),
		deref(r.UserEmail),
		deref(r.UserName),
		jsonCell(r.ChangedFields),
		jsonCell(r.OldValues),
		jsonCell(r.NewValues),
		r.RequestMethod,
		r.RequestURL,
		jsonCell(r.RequestBody),
		intCell(r.ResponseStatus),
		int64Cell(r.ExecutionTimeMs),
		deref(r.ErrorMessage),
		r.IPAddress,
		r.Browser,
		r.Engine,
		cellText(r.UserAgent),
		r.SessionID,
		r.TransactionID,
	}
}

// jsonCell encodes v for a spreadsheet cell. Values that cannot be encoded
// fall back to their fmt form so one bad record never fails the export.
func jsonCell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case *models.Document:
		if t == nil {
			return ""
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return cellText(fmt.Sprint(v))
	}
	return cellText(string(b))
}

func cellText(s string) string {
	if utf8.RuneCountInString(s) <= maxCellChars {
		return s
	}
	return string([]rune(s)[:maxCellChars])
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func intCell(v *int) any {
	if v == nil {
		return ""
	}
	return *v
}

func int64Cell(v *int64) any {
	if v == nil {
		return ""
	}
	return *v
}
