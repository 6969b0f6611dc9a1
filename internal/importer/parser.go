package importer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/cases"
)

// Diagnostic locates a parser finding in the input
type Diagnostic struct {
	Line    int    `json:"line"`
	Column  int    `json:"column,omitempty"`
	Message string `json:"message"`
}

func (d Diagnostic) String() string {
	if d.Column > 0 {
		return fmt.Sprintf("line %d, column %d: %s", d.Line, d.Column, d.Message)
	}
	return fmt.Sprintf("line %d: %s", d.Line, d.Message)
}

// ParseError is a fatal, document-level parse failure
type ParseError struct {
	Diagnostics []Diagnostic
}

func (e *ParseError) Error() string {
	if len(e.Diagnostics) == 0 {
		return "csv parse failed"
	}
	msgs := make([]string, len(e.Diagnostics))
	for i, d := range e.Diagnostics {
		msgs[i] = d.String()
	}
	return "csv parse failed: " + strings.Join(msgs, "; ")
}

// ParseResult holds the parsed rows of one document
type ParseResult struct {
	Headers  []string
	Rows     []Row
	Warnings []Diagnostic
}

// ParseCSV parses a CSV document with a header row. Structural errors fail
// the whole document, short and long rows are kept
func ParseCSV(data string) (*ParseResult, error) {
	if strings.TrimSpace(data) == "" {
		return nil, &ParseError{Diagnostics: []Diagnostic{{Line: 1, Message: "no rows found"}}}
	}
	data = strings.TrimPrefix(data, "\ufeff")

	result, err := parseRecords(data, false)
	if err == nil || !errors.Is(err, csv.ErrBareQuote) {
		return result, wrapParseError(err)
	}

	// A quote inside an unquoted field is literal text. Lazy mode accepts it
	// but would also swallow a broken quoted field, so check those first
	if d, bad := malformedQuote(data); bad {
		return nil, &ParseError{Diagnostics: []Diagnostic{d}}
	}
	result, err = parseRecords(data, true)
	return result, wrapParseError(err)
}

func wrapParseError(err error) error {
	if err == nil {
		return nil
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe
	}
	return &ParseError{Diagnostics: []Diagnostic{diagnosticFrom(err)}}
}

func parseRecords(data string, lazy bool) (*ParseResult, error) {
	r := csv.NewReader(strings.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = lazy
	r.TrimLeadingSpace = false
	r.ReuseRecord = false

	result := &ParseResult{}
	var columns []int // record index -> header index, -1 for ignored columns

	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		line, _ := r.FieldPos(0)
		if isBlankRecord(record) {
			continue
		}

		if result.Headers == nil {
			result.Headers, columns = normalizeHeaders(record)
			if len(result.Headers) == 0 {
				return nil, &ParseError{Diagnostics: []Diagnostic{{Line: line, Message: "header row has no column names"}}}
			}
			continue
		}

		row := make(Row, len(result.Headers))
		for i, idx := range columns {
			if idx < 0 || i >= len(record) {
				continue
			}
			row[result.Headers[idx]] = record[i]
		}

		if len(record) > len(columns) {
			result.Warnings = append(result.Warnings, Diagnostic{
				Line:    line,
				Message: fmt.Sprintf("row has %d fields, header has %d; extra fields ignored", len(record), len(columns)),
			})
		}

		result.Rows = append(result.Rows, row)
	}

	if len(result.Rows) == 0 {
		return nil, &ParseError{Diagnostics: []Diagnostic{{Line: 1, Message: "no rows found"}}}
	}

	return result, nil
}

// normalizeHeaders folds and trims header names. It returns the distinct
// names and, per input column, the index into names or -1 for empty or
// repeated columns
func normalizeHeaders(record []string) ([]string, []int) {
	names := make([]string, 0, len(record))
	columns := make([]int, len(record))
	index := make(map[string]int, len(record))
	folder := cases.Fold()

	for i, h := range record {
		name := strings.TrimSpace(folder.String(h))
		if name == "" {
			columns[i] = -1
			continue
		}
		if _, dup := index[name]; dup {
			columns[i] = -1
			continue
		}
		index[name] = len(names)
		columns[i] = len(names)
		names = append(names, name)
	}

	return names, columns
}

func isBlankRecord(record []string) bool {
	return len(record) == 1 && strings.TrimSpace(record[0]) == ""
}

// malformedQuote finds a quoted field that never closes or has text after
// its closing quote
func malformedQuote(data string) (Diagnostic, bool) {
	line, col := 1, 0
	startLine, startCol := 0, 0
	fieldStart, inQuotes := true, false

	for i := 0; i < len(data); i++ {
		c := data[i]
		col++
		switch {
		case inQuotes && c == '"':
			if i+1 < len(data) && data[i+1] == '"' {
				i++
				col++
				continue
			}
			inQuotes = false
			if i+1 < len(data) && !strings.ContainsRune(",\r\n", rune(data[i+1])) {
				return Diagnostic{Line: line, Column: col + 1, Message: "unterminated or malformed quoted field"}, true
			}
		case !inQuotes && c == '"' && fieldStart:
			inQuotes = true
			startLine, startCol = line, col
		}
		if c == '\n' {
			line++
			col = 0
		}
		fieldStart = !inQuotes && (c == ',' || c == '\n')
	}

	if inQuotes {
		return Diagnostic{Line: startLine, Column: startCol, Message: "unterminated or malformed quoted field"}, true
	}
	return Diagnostic{}, false
}

func diagnosticFrom(err error) Diagnostic {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		msg := pe.Err.Error()
		switch {
		case errors.Is(pe.Err, csv.ErrQuote):
			msg = "unterminated or malformed quoted field"
		}
		return Diagnostic{Line: pe.Line, Column: pe.Column, Message: msg}
	}
	return Diagnostic{Message: err.Error()}
}

// EstimateRows counts non-blank lines minus the header, without parsing
func EstimateRows(data string) int {
	lines := 0
	for _, line := range strings.Split(data, "\n") {
		if strings.TrimSpace(line) != "" {
			lines++
		}
	}
	return max(0, lines-1)
}
