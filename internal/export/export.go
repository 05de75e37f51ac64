// Package export renders completed reports as downloadable files.
package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/kalambet/storemon/internal/monitor"
	"github.com/kalambet/storemon/internal/report"
)

// Header is the column order of every export.
var Header = []string{"store_id", "horizon", "uptime_minutes", "downtime_minutes", "scheduled_minutes"}

// Filename returns the attachment name for a report in the given extension.
func Filename(reportID, ext string) string {
	return fmt.Sprintf("%s_report.%s", reportID, ext)
}

// WriteCSV writes rows with a header line. Minutes keep two decimals.
func WriteCSV(w io.Writer, rows []monitor.Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{
			r.StoreID,
			r.Horizon,
			minutes(r.UptimeMinutes),
			minutes(r.DowntimeMinutes),
			minutes(r.ScheduledMinutes),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func minutes(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// BuildXLSX renders a workbook with a summary sheet and a rows sheet.
func BuildXLSX(job report.Job) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	summarySheet := "summary"
	rowsSheet := "rows"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(rowsSheet); err != nil {
		return nil, err
	}

	_ = f.SetCellValue(summarySheet, "A1", "Store Uptime Report")
	_ = f.SetCellValue(summarySheet, "A3", "Report")
	_ = f.SetCellValue(summarySheet, "B3", job.ID)
	_ = f.SetCellValue(summarySheet, "A4", "Status")
	_ = f.SetCellValue(summarySheet, "B4", job.Status)
	_ = f.SetCellValue(summarySheet, "A5", "Created")
	_ = f.SetCellValue(summarySheet, "B5", job.CreatedAt.UTC().Format(time.RFC3339))
	if job.CompletedAt != nil {
		_ = f.SetCellValue(summarySheet, "A6", "Completed")
		_ = f.SetCellValue(summarySheet, "B6", job.CompletedAt.UTC().Format(time.RFC3339))
	}
	_ = f.SetCellValue(summarySheet, "A7", "Rows")
	_ = f.SetCellValue(summarySheet, "B7", len(job.Rows))

	for i, h := range Header {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		_ = f.SetCellValue(rowsSheet, cell, h)
	}
	for i, r := range job.Rows {
		row := i + 2
		_ = f.SetCellValue(rowsSheet, fmt.Sprintf("A%d", row), r.StoreID)
		_ = f.SetCellValue(rowsSheet, fmt.Sprintf("B%d", row), r.Horizon)
		_ = f.SetCellValue(rowsSheet, fmt.Sprintf("C%d", row), r.UptimeMinutes)
		_ = f.SetCellValue(rowsSheet, fmt.Sprintf("D%d", row), r.DowntimeMinutes)
		_ = f.SetCellValue(rowsSheet, fmt.Sprintf("E%d", row), r.ScheduledMinutes)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
