package analyzer

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/kuhlman-labs/workos-user-import/user-import/utils"
)

// Format selects the group-table export format.
type Format string

const (
	// FormatCSV is the CSV format.
	FormatCSV Format = "csv"
	// FormatJSON is the JSON format.
	FormatJSON Format = "json"
	// FormatExcel is the Excel format.
	FormatExcel Format = "xlsx"
)

// ParseFormat validates a format flag value.
func ParseFormat(value string) (Format, error) {
	switch Format(strings.ToLower(value)) {
	case FormatCSV:
		return FormatCSV, nil
	case FormatJSON:
		return FormatJSON, nil
	case FormatExcel:
		return FormatExcel, nil
	default:
		return "", fmt.Errorf("unsupported format %q (want csv, json, or xlsx)", value)
	}
}

// ReportWriter is a tabular artifact writer. Implementations exist for CSV,
// JSON, and Excel output.
type ReportWriter interface {
	WriteHeader(header []string) error
	WriteRow(row []string) error
	Close() error
}

// NewReportWriter creates the writer matching the path's extension.
func NewReportWriter(path string) (ReportWriter, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return NewCSVReportWriter(path)
	case ".json":
		return NewJSONReportWriter(path)
	case ".xlsx":
		return NewExcelReportWriter(path)
	default:
		return nil, fmt.Errorf("unsupported file extension: %s", filepath.Ext(path))
	}
}

// CSVReportWriter writes the table as RFC-4180 CSV.
type CSVReportWriter struct {
	file   *os.File
	writer *csv.Writer
}

// NewCSVReportWriter creates a CSV report writer at path.
func NewCSVReportWriter(path string) (*CSVReportWriter, error) {
	if err := utils.ValidateFilePath(path); err != nil {
		return nil, err
	}
	// #nosec G304  // safe: path has been validated by ValidateFilePath
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create CSV file %s: %w", path, err)
	}
	return &CSVReportWriter{file: f, writer: csv.NewWriter(f)}, nil
}

// WriteHeader implements ReportWriter.WriteHeader.
func (w *CSVReportWriter) WriteHeader(header []string) error {
	if err := w.writer.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return nil
}

// WriteRow implements ReportWriter.WriteRow.
func (w *CSVReportWriter) WriteRow(row []string) error {
	if err := w.writer.Write(row); err != nil {
		return fmt.Errorf("failed to write row: %w", err)
	}
	return nil
}

// Close implements ReportWriter.Close.
func (w *CSVReportWriter) Close() error {
	w.writer.Flush()
	if err := w.writer.Error(); err != nil {
		return fmt.Errorf("error flushing CSV writer: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("error closing CSV file: %w", err)
	}
	return nil
}

// JSONReportWriter buffers rows and writes them as an array of objects keyed
// by the header columns.
type JSONReportWriter struct {
	file    *os.File
	header  []string
	records []map[string]string
}

// NewJSONReportWriter creates a JSON report writer at path.
func NewJSONReportWriter(path string) (*JSONReportWriter, error) {
	if err := utils.ValidateFilePath(path); err != nil {
		return nil, err
	}
	// #nosec G304  // safe: path has been validated by ValidateFilePath
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create JSON file %s: %w", path, err)
	}
	return &JSONReportWriter{file: f, records: make([]map[string]string, 0)}, nil
}

// WriteHeader implements ReportWriter.WriteHeader.
func (w *JSONReportWriter) WriteHeader(header []string) error {
	w.header = header
	return nil
}

// WriteRow implements ReportWriter.WriteRow.
func (w *JSONReportWriter) WriteRow(row []string) error {
	if len(row) != len(w.header) {
		return fmt.Errorf("row length (%d) does not match header length (%d)", len(row), len(w.header))
	}
	record := make(map[string]string, len(row))
	for i, value := range row {
		record[w.header[i]] = value
	}
	w.records = append(w.records, record)
	return nil
}

// Close implements ReportWriter.Close.
func (w *JSONReportWriter) Close() error {
	encoder := json.NewEncoder(w.file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(w.records); err != nil {
		return fmt.Errorf("error encoding JSON: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("error closing JSON file: %w", err)
	}
	return nil
}

// ExcelReportWriter writes the table to a single-sheet workbook.
type ExcelReportWriter struct {
	path      string
	file      *excelize.File
	sheetName string
	rowIndex  int
	columns   int
}

// NewExcelReportWriter creates an Excel report writer at path. The sheet is
// named after the file.
func NewExcelReportWriter(path string) (*ExcelReportWriter, error) {
	if err := utils.ValidateFilePath(path); err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	baseName := filepath.Base(path)
	sheetName := strings.TrimSuffix(baseName, filepath.Ext(baseName))
	if sheetName == "" {
		sheetName = "Report"
	}
	if err := f.SetSheetName(f.GetSheetName(0), sheetName); err != nil {
		return nil, fmt.Errorf("failed to set sheet name: %w", err)
	}

	return &ExcelReportWriter{
		path:      path,
		file:      f,
		sheetName: sheetName,
		rowIndex:  1, // Excel is 1-indexed
	}, nil
}

// WriteHeader implements ReportWriter.WriteHeader.
func (w *ExcelReportWriter) WriteHeader(header []string) error {
	headerStyle, err := w.file.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E0E0E0"},
			Pattern: 1,
		},
		Border: []excelize.Border{
			{Type: "bottom", Color: "#000000", Style: 1},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	for colIndex, cellValue := range header {
		cell, err := excelize.CoordinatesToCellName(colIndex+1, w.rowIndex)
		if err != nil {
			return fmt.Errorf("failed to convert coordinates to cell name: %w", err)
		}
		if err := w.file.SetCellValue(w.sheetName, cell, cellValue); err != nil {
			return fmt.Errorf("failed to set header cell value: %w", err)
		}
		if err := w.file.SetCellStyle(w.sheetName, cell, cell, headerStyle); err != nil {
			slog.Warn("failed to set header cell style", "error", err)
		}
	}
	w.columns = len(header)
	w.rowIndex++
	return nil
}

// WriteRow implements ReportWriter.WriteRow.
func (w *ExcelReportWriter) WriteRow(row []string) error {
	for colIndex, cellValue := range row {
		cell, err := excelize.CoordinatesToCellName(colIndex+1, w.rowIndex)
		if err != nil {
			return fmt.Errorf("failed to convert coordinates to cell name: %w", err)
		}
		if err := w.file.SetCellValue(w.sheetName, cell, cellValue); err != nil {
			return fmt.Errorf("failed to set cell value: %w", err)
		}
	}
	w.rowIndex++
	return nil
}

// Close implements ReportWriter.Close.
func (w *ExcelReportWriter) Close() error {
	for i := 1; i <= w.columns; i++ {
		colName, err := excelize.ColumnNumberToName(i)
		if err != nil {
			continue
		}
		if err := w.file.SetColWidth(w.sheetName, colName, colName, 20); err != nil {
			slog.Warn("failed to set column width", "column", colName, "error", err)
		}
	}
	if err := w.file.SaveAs(w.path); err != nil {
		return fmt.Errorf("failed to save Excel file: %w", err)
	}
	return nil
}
