package report

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/pitabwire/slatrack/model"
)

const sheetName = "SLA Report"

var columns = []string{
	"User", "Total", "Completed", "Violated", "Pending", "Escalated",
	"Success rate", "Avg completion (h)", "Violation events",
}

// ExportXLSX renders report as a single-sheet workbook: one row per user
// followed by the summary row.
func ExportXLSX(report model.SLAReport) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName(f.GetSheetName(0), sheetName); err != nil {
		return nil, fmt.Errorf("name sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E0E0E0"}, Pattern: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("header style: %w", err)
	}
	for i, col := range columns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(sheetName, cell, col); err != nil {
			return nil, err
		}
		if err := f.SetCellStyle(sheetName, cell, cell, headerStyle); err != nil {
			return nil, err
		}
	}

	rows := append(append([]model.UserSLAStats{}, report.Users...), report.Summary)
	for r, st := range rows {
		rate, _ := st.SuccessRate.Float64()
		avg, _ := st.AvgCompletionHours.Float64()
		values := []any{
			st.UserID, st.TotalRecords, st.Completed, st.Violated, st.Pending, st.Escalated,
			rate, avg, st.TotalViolationEvents,
		}
		for c, v := range values {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			if err := f.SetCellValue(sheetName, cell, v); err != nil {
				return nil, err
			}
		}
	}

	for i := range columns {
		col, _ := excelize.ColumnNumberToName(i + 1)
		if err := f.SetColWidth(sheetName, col, col, 18); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}
