package instruments

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

// ExportFormat is the file type of an export.
type ExportFormat string

const (
	ExportCSV  ExportFormat = "csv"
	ExportXLSX ExportFormat = "xlsx"
)

// SheetName is the worksheet that holds exported records.
const SheetName = "Instruments"

const exportTimestampLayout = "20060102_150405"

var ErrUnknownExportFormat = errors.New("unknown export format")

// ParseExportFormat maps a format name or extension to an ExportFormat.
// The empty string selects CSV.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")) {
	case "", "csv":
		return ExportCSV, nil
	case "xlsx", "excel":
		return ExportXLSX, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownExportFormat, s)
}

// ContentType returns the MIME type of the format.
func (e ExportFormat) ContentType() string {
	if e == ExportXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv"
}

// FileName returns the download name of an export created at t.
func (e ExportFormat) FileName(t time.Time) string {
	return "filtered_instruments_" + t.Format(exportTimestampLayout) + "." + string(e)
}

// Export renders ds in the given format.
func Export(ds *Dataset, format ExportFormat) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch format {
	case ExportCSV:
		err = WriteCSV(&buf, ds)
	case ExportXLSX:
		err = WriteXLSX(&buf, ds)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownExportFormat, format)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteCSV writes ds with one column per dataset column. Values keep their
// input text; null and absent values are empty cells.
func WriteCSV(w io.Writer, ds *Dataset) error {
	writer := csv.NewWriter(w)

	columns := ds.Columns()
	if err := writer.Write(columns); err != nil {
		return err
	}

	row := make([]string, len(columns))
	for i := 0; i < ds.Len(); i++ {
		r := ds.At(i)
		for j, c := range columns {
			row[j], _ = Text(r.Get(c))
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// WriteXLSX writes ds as a workbook with a single Instruments sheet. Numbers
// and booleans are stored as native cell values.
func WriteXLSX(w io.Writer, ds *Dataset) (err error) {
	f := excelize.NewFile()
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
		return err
	}
	sw, err := f.NewStreamWriter(SheetName)
	if err != nil {
		return err
	}

	columns := ds.Columns()
	header := make([]any, len(columns))
	for i, c := range columns {
		header[i] = c
	}
	if err := sw.SetRow("A1", header); err != nil {
		return err
	}

	for i := 0; i < ds.Len(); i++ {
		r := ds.At(i)
		row := make([]any, len(columns))
		for j, c := range columns {
			row[j] = cellValue(r.Get(c))
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := sw.SetRow(cell, row); err != nil {
			return err
		}
	}

	if err := sw.Flush(); err != nil {
		return err
	}
	return f.Write(w)
}

func cellValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case bool, string:
		return x
	case json.Number:
		if n, err := x.Float64(); err == nil {
			return n
		}
		return x.String()
	case float64, int, int64:
		return x
	}
	s, _ := Text(v)
	return s
}
