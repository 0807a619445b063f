package instruments

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// Format is the advisory input format hint supplied with an upload.
type Format string

const (
	FormatAuto  Format = "auto"
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
)

var (
	// ErrNoRecords is the total-failure diagnostic: nothing in the input could be
	// read as an instrument record.
	ErrNoRecords = errors.New("no valid JSON data found in the file")

	// ErrInvalidEncoding is returned when the input is neither a JSON document
	// nor valid UTF-8 text that could be read line by line.
	ErrInvalidEncoding = errors.New("file is not valid UTF-8 text")

	// ErrUnknownFormat is returned by ParseFormat for unsupported hints.
	ErrUnknownFormat = errors.New("unknown file format")
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ParseFormat maps a user supplied hint (or file extension) to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")) {
	case "", "auto":
		return FormatAuto, nil
	case "json":
		return FormatJSON, nil
	case "jsonl", "ndjson", "line", "lines":
		return FormatJSONL, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// Parse turns raw upload bytes into a dataset. The input is first read as a
// single JSON document (an array of objects or one object); if that fails it is
// read as line-delimited JSON, skipping lines that do not decode.
//
// The returned dataset is never nil. A non-nil error is a diagnostic for a
// total failure, in which case the dataset is empty.
func Parse(raw []byte, format Format) (*Dataset, error) {
	raw = bytes.TrimPrefix(raw, utf8BOM)

	if records, ok := parseDocument(raw); ok {
		return finish(NewDataset(records), format)
	}

	if !utf8.Valid(raw) {
		ds := NewDataset(nil)
		ds.Format = format
		return ds, ErrInvalidEncoding
	}

	records, skipped := parseLines(string(raw))
	ds := NewDataset(records)
	ds.Skipped = skipped
	return finish(ds, format)
}

func finish(ds *Dataset, format Format) (*Dataset, error) {
	ds.Format = format
	if ds.Len() == 0 {
		return ds, ErrNoRecords
	}
	return ds, nil
}

// parseDocument decodes raw as exactly one JSON value. ok is false when raw is
// not a single well-formed JSON document.
func parseDocument(raw []byte) ([]Record, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var doc json.RawMessage
	if err := dec.Decode(&doc); err != nil {
		return nil, false
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, false
	}

	trimmed := bytes.TrimSpace(doc)
	switch {
	case len(trimmed) > 0 && trimmed[0] == '[':
		var elems []json.RawMessage
		if err := json.Unmarshal(trimmed, &elems); err != nil {
			return nil, false
		}
		records := make([]Record, 0, len(elems))
		for _, e := range elems {
			var r Record
			if err := r.UnmarshalJSON(e); err != nil {
				continue
			}
			records = append(records, r)
		}
		return records, true
	case len(trimmed) > 0 && trimmed[0] == '{':
		var r Record
		if err := r.UnmarshalJSON(trimmed); err != nil {
			return nil, false
		}
		return []Record{r}, true
	}

	// A bare scalar is valid JSON but holds no records.
	return nil, true
}

// parseLines decodes each non-blank line as one JSON object.
func parseLines(text string) ([]Record, int) {
	var (
		records []Record
		skipped int
	)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var r Record
		if err := r.UnmarshalJSON([]byte(line)); err != nil {
			skipped++
			continue
		}
		records = append(records, r)
	}
	return records, skipped
}
