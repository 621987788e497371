package csvparser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"EnrollDispatch/internal/dispatcherr"
)

const DefaultMaxRows = 1000

// RecipientRow is one data row of an enrollment export. Email and Name come
// from the columns of the same name (case-insensitive); every other column
// lands in Fields and becomes template data.
type RecipientRow struct {
	Line   int
	Email  string
	Name   string
	Fields map[string]string
}

// ParseRecipientRows reads at most maxRows data rows from r. Rows with the
// wrong column count or an empty email are skipped. Structural problems are
// reported as validation errors.
func ParseRecipientRows(r io.Reader, maxRows int) ([]RecipientRow, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: csv is empty", dispatcherr.ErrValidation)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read csv header: %v", dispatcherr.ErrValidation, err)
	}

	emailIdx, nameIdx := -1, -1
	keys := make([]string, len(headers))
	for i, h := range headers {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		keys[i] = h
		switch {
		case strings.EqualFold(h, "email"):
			emailIdx = i
		case strings.EqualFold(h, "name"):
			nameIdx = i
		}
	}
	if emailIdx == -1 {
		return nil, fmt.Errorf("%w: csv must contain an Email column", dispatcherr.ErrValidation)
	}

	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}

	var rows []RecipientRow
	for len(rows) < maxRows {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				return nil, fmt.Errorf("%w: line %d: %v", dispatcherr.ErrValidation, perr.StartLine, perr.Err)
			}
			return nil, fmt.Errorf("%w: read csv: %v", dispatcherr.ErrValidation, err)
		}
		// Physical line where the record starts, so quoted multi-line
		// fields do not shift later rows.
		line, _ := reader.FieldPos(0)
		if len(record) != len(headers) {
			continue
		}

		email := strings.TrimSpace(record[emailIdx])
		if email == "" {
			continue
		}

		row := RecipientRow{Line: line, Email: email, Fields: make(map[string]string)}
		for i, v := range record {
			switch {
			case i == emailIdx:
			case i == nameIdx:
				row.Name = strings.TrimSpace(v)
			case keys[i] != "":
				row.Fields[keys[i]] = strings.TrimSpace(v)
			}
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: csv has no usable data rows", dispatcherr.ErrValidation)
	}
	return rows, nil
}
