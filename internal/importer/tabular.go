package importer

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
)

// TabularSource is a finite sequence of rows under a header-derived column
// set. Next returns io.EOF after the last row. Short rows are padded by the
// consumer; sources never reorder columns.
type TabularSource interface {
	Headers() []string
	Next() ([]string, error)
}

// CSVSource reads rows from a CSV stream. The first record is the header.
type CSVSource struct {
	r       *csv.Reader
	headers []string
}

// NewCSVSource wraps r and consumes its header row.
func NewCSVSource(r io.Reader) (*CSVSource, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	headers, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("empty csv: no header row")
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	for i := range headers {
		headers[i] = strings.TrimSpace(headers[i])
	}
	return &CSVSource{r: cr, headers: headers}, nil
}

func (s *CSVSource) Headers() []string {
	return s.headers
}

func (s *CSVSource) Next() ([]string, error) {
	return s.r.Read()
}

// XLSXSource reads rows from the first sheet of an XLSX workbook. The first
// row is the header.
type XLSXSource struct {
	f       *excelize.File
	rows    *excelize.Rows
	headers []string
}

// NewXLSXSource opens the workbook and consumes the header row of its first
// sheet.
func NewXLSXSource(r io.Reader) (*XLSXSource, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}

	sheet := f.GetSheetName(0)
	if sheet == "" {
		f.Close()
		return nil, fmt.Errorf("empty xlsx: no sheets")
	}

	rows, err := f.Rows(sheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read xlsx rows: %w", err)
	}
	if !rows.Next() {
		rows.Close()
		f.Close()
		return nil, fmt.Errorf("empty xlsx: no header row")
	}
	headers, err := rows.Columns()
	if err != nil {
		rows.Close()
		f.Close()
		return nil, fmt.Errorf("read xlsx header: %w", err)
	}
	for i := range headers {
		headers[i] = strings.TrimSpace(headers[i])
	}
	return &XLSXSource{f: f, rows: rows, headers: headers}, nil
}

func (s *XLSXSource) Headers() []string {
	return s.headers
}

func (s *XLSXSource) Next() ([]string, error) {
	if !s.rows.Next() {
		if err := s.rows.Error(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return s.rows.Columns()
}

// Close releases the workbook.
func (s *XLSXSource) Close() error {
	s.rows.Close()
	return s.f.Close()
}
