package recordsource

import (
	"encoding/csv"
	"io"
	"strings"

	"github.com/3leaps/gomatch/pkg/matching"
)

// DecodeRows reads one CSV document and emits a record per data row. The
// first row names the columns. Rows with an empty id are skipped. Errors
// returned by fn abort decoding and pass through unwrapped.
func DecodeRows(r io.Reader, spec Spec, source, path string, fn func(matching.Record) error) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return &SourceError{Op: "DecodeRows", Source: source, Path: path, Err: err}
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimSpace(name)] = i
	}
	idIdx, ok := index[spec.IDColumn]
	if !ok {
		return &SourceError{Op: "DecodeRows", Source: source, Path: path, Err: ErrBadRecord}
	}
	groupIdx := -1
	if spec.GroupColumn != "" {
		if i, ok := index[spec.GroupColumn]; ok {
			groupIdx = i
		}
	}

	for {
		row, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return &SourceError{Op: "DecodeRows", Source: source, Path: path, Err: err}
		}

		id := strings.TrimSpace(cell(row, idIdx))
		if id == "" {
			continue
		}
		rec := matching.Record{ID: id, Values: make(map[string]string, len(spec.Columns))}
		if groupIdx >= 0 {
			rec.Group = strings.TrimSpace(cell(row, groupIdx))
		}
		for _, col := range spec.Columns {
			if i, ok := index[col]; ok {
				rec.Values[col] = strings.TrimSpace(cell(row, i))
			}
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// CountRows counts the data rows of one CSV document.
func CountRows(r io.Reader) (int64, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	var n int64 = -1 // discount the header
	for {
		_, err := cr.Read()
		if err == io.EOF {
			if n < 0 {
				return 0, nil
			}
			return n, nil
		}
		if err != nil {
			return 0, err
		}
		n++
	}
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}
