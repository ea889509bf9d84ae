package automation

import (
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"
)

var exportColumns = []string{
	"Execution ID", "Rule ID", "Rule", "Lead ID", "Trigger", "Status",
	"Actions", "Completed", "Failed", "Skipped", "Error", "Created", "Completed At", "Duration (ms)",
}

// executionsWorkbook renders executions as one row each.
func executionsWorkbook(execs []Execution) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Executions"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		return nil, err
	}
	f.SetActiveSheet(index)
	_ = f.DeleteSheet("Sheet1")

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E0E0E0"}, Pattern: 1},
	})
	for i, col := range exportColumns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheetName, cell, col)
		f.SetCellStyle(sheetName, cell, cell, headerStyle)
	}

	for rowIdx, e := range execs {
		var completed, failed, skipped int
		for _, r := range e.Results {
			switch r.Status {
			case ActionCompleted:
				completed++
			case ActionFailed:
				failed++
			case ActionSkipped:
				skipped++
			}
		}
		completedAt := ""
		if e.CompletedAt != nil {
			completedAt = e.CompletedAt.Format("2006-01-02 15:04:05")
		}
		row := []interface{}{
			e.ID.Hex(), e.RuleID, e.RuleName, e.LeadID, string(e.TriggerType), string(e.Status),
			len(e.Results), completed, failed, skipped, e.Error,
			e.CreatedAt.Format("2006-01-02 15:04:05"), completedAt, e.DurationMs,
		}
		cell, _ := excelize.CoordinatesToCellName(1, rowIdx+2)
		if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
			return nil, fmt.Errorf("write row %d: %w", rowIdx+2, err)
		}
	}

	for i := range exportColumns {
		col, _ := excelize.ColumnNumberToName(i + 1)
		f.SetColWidth(sheetName, col, col, 18)
	}

	buffer, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

func exportFilename(now time.Time) string {
	return fmt.Sprintf("executions_%s.xlsx", now.Format("20060102_150405"))
}
