package batchlog

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"
)

// BuildBatchReportPDF renders the summary and rejected records of a batch.
func BuildBatchReportPDF(entry Entry) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Ingestion Batch Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	for _, line := range summaryRows(entry) {
		pdf.Cell(0, 6, fmt.Sprintf("%s: %v", line.label, line.value))
		pdf.Ln(5)
	}
	if entry.ErrorsTruncated {
		pdf.Cell(0, 6, "Rejections list truncated")
		pdf.Ln(5)
	}

	pdf.Ln(4)
	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(15, 6, "#", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Equipment", "1", 0, "C", false, 0, "")
	pdf.CellFormat(35, 6, "Metric", "1", 0, "C", false, 0, "")
	pdf.CellFormat(22, 6, "Kind", "1", 0, "C", false, 0, "")
	pdf.CellFormat(88, 6, "Reason", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, item := range entry.Errors {
		pdf.CellFormat(15, 6, fmt.Sprintf("%d", item.Index), "1", 0, "R", false, 0, "")
		pdf.CellFormat(30, 6, item.EquipmentID, "1", 0, "L", false, 0, "")
		pdf.CellFormat(35, 6, item.MetricName, "1", 0, "L", false, 0, "")
		pdf.CellFormat(22, 6, string(item.Kind), "1", 0, "C", false, 0, "")
		pdf.CellFormat(88, 6, truncate(item.Reason, 60), "1", 0, "L", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildBatchReportXLSX renders a workbook with a summary and a rejections sheet.
func BuildBatchReportXLSX(entry Entry) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	summarySheet := "summary"
	rejectionsSheet := "rejections"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(rejectionsSheet); err != nil {
		return nil, err
	}

	_ = f.SetCellValue(summarySheet, "A1", "Ingestion Batch Report")
	for i, line := range summaryRows(entry) {
		row := i + 3
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", row), line.label)
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", row), line.value)
	}

	_ = f.SetCellValue(rejectionsSheet, "A1", "Index")
	_ = f.SetCellValue(rejectionsSheet, "B1", "Equipment")
	_ = f.SetCellValue(rejectionsSheet, "C1", "Metric")
	_ = f.SetCellValue(rejectionsSheet, "D1", "Kind")
	_ = f.SetCellValue(rejectionsSheet, "E1", "Reason")
	for i, item := range entry.Errors {
		row := i + 2
		_ = f.SetCellValue(rejectionsSheet, fmt.Sprintf("A%d", row), item.Index)
		_ = f.SetCellValue(rejectionsSheet, fmt.Sprintf("B%d", row), item.EquipmentID)
		_ = f.SetCellValue(rejectionsSheet, fmt.Sprintf("C%d", row), item.MetricName)
		_ = f.SetCellValue(rejectionsSheet, fmt.Sprintf("D%d", row), string(item.Kind))
		_ = f.SetCellValue(rejectionsSheet, fmt.Sprintf("E%d", row), item.Reason)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type summaryRow struct {
	label string
	value any
}

func summaryRows(entry Entry) []summaryRow {
	status := "success"
	if !entry.Success {
		status = "failed"
	}
	rows := []summaryRow{
		{"Batch", entry.BatchID},
		{"Source", entry.Source},
		{"Received At", entry.ReceivedAt.Format(time.RFC3339)},
		{"Status", status},
		{"Received", entry.Received},
		{"Inserted", entry.Inserted},
		{"Invalid", entry.Invalid},
		{"Duplicates", entry.Duplicates},
		{"Late Arrivals", entry.LateArrivals},
		{"Processing Time (ms)", fmt.Sprintf("%.3f", entry.ProcessingTimeMS)},
	}
	if entry.Error != "" {
		rows = append(rows, summaryRow{"Error", entry.Error})
	}
	return rows
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit-3]) + "..."
}
