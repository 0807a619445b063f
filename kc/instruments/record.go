package instruments

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Known instrument fields. None of them is required to be present.
const (
	FieldInstrumentKey    = "instrument_key"
	FieldName             = "name"
	FieldTradingSymbol    = "trading_symbol"
	FieldInstrumentType   = "instrument_type"
	FieldExchange         = "exchange"
	FieldSegment          = "segment"
	FieldUnderlyingSymbol = "underlying_symbol"
	FieldUnderlyingType   = "underlying_type"
	FieldUnderlyingKey    = "underlying_key"
	FieldExpiry           = "expiry"
	FieldStrikePrice      = "strike_price"
	FieldLotSize          = "lot_size"
	FieldMinimumLot       = "minimum_lot"
	FieldTickSize         = "tick_size"
	FieldExchangeToken    = "exchange_token"
	FieldFreezeQuantity   = "freeze_quantity"
	FieldWeekly           = "weekly"
)

var (
	errNotObject    = errors.New("record is not a JSON object")
	errTrailingData = errors.New("unexpected data after record")
)

// Field is a single key/value pair, used to build records in a fixed order.
type Field struct {
	Key   string
	Value any
}

// Record is one instrument as it appeared in the input. Keys keep their input
// order. A Record is never modified after it has been built.
type Record struct {
	keys   []string
	values map[string]any
}

// NewRecord builds a record from fields. A repeated key keeps its first
// position and its last value, the way a JSON object decoder would.
func NewRecord(fields ...Field) Record {
	r := Record{
		keys:   make([]string, 0, len(fields)),
		values: make(map[string]any, len(fields)),
	}
	for _, f := range fields {
		r.set(f.Key, f.Value)
	}
	return r
}

func (r *Record) set(key string, value any) {
	if _, ok := r.values[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.values[key] = value
}

// Lookup returns the value stored under key and whether the key is present.
// A present key may still hold nil (JSON null).
func (r Record) Lookup(key string) (any, bool) {
	v, ok := r.values[key]
	return v, ok
}

// Get returns the value stored under key, or nil when absent.
func (r Record) Get(key string) any {
	return r.values[key]
}

// Keys returns the record's keys in input order.
func (r Record) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Len returns the number of keys in the record.
func (r Record) Len() int {
	return len(r.keys)
}

// UnmarshalJSON decodes a JSON object while keeping its key order. Numbers are
// kept as json.Number so their original text survives.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errNotObject
	}

	rec := Record{values: make(map[string]any)}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected object key %v", tok)
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return err
		}
		rec.set(key, value)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errTrailingData
	}

	*r = rec
	return nil
}

// MarshalJSON encodes the record as a JSON object in input key order.
func (r Record) MarshalJSON() ([]byte, error) {
	return marshalOrdered(r.keys, r.values)
}

func marshalOrdered(keys []string, values map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Dataset is an ordered, immutable sequence of records. Duplicates are kept.
type Dataset struct {
	records []Record
	columns []string

	// Format is the hint the dataset was loaded with.
	Format Format
	// Skipped counts input lines dropped in line-delimited mode.
	Skipped int
}

// NewDataset builds a dataset from records. Columns are the union of record
// keys in first-seen order.
func NewDataset(records []Record) *Dataset {
	seen := make(map[string]bool)
	var columns []string
	for _, r := range records {
		for _, k := range r.keys {
			if !seen[k] {
				seen[k] = true
				columns = append(columns, k)
			}
		}
	}
	return &Dataset{records: records, columns: columns}
}

// subset returns a dataset holding the given records and the parent's columns.
func (d *Dataset) subset(records []Record) *Dataset {
	return &Dataset{
		records: records,
		columns: d.columns,
		Format:  d.Format,
	}
}

// Len returns the number of records.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.records)
}

// At returns the i-th record.
func (d *Dataset) At(i int) Record {
	return d.records[i]
}

// Records returns a copy of the record slice. The records themselves are
// shared and read-only.
func (d *Dataset) Records() []Record {
	if d == nil {
		return nil
	}
	out := make([]Record, len(d.records))
	copy(out, d.records)
	return out
}

// Columns returns the column names in first-seen order.
func (d *Dataset) Columns() []string {
	if d == nil {
		return nil
	}
	out := make([]string, len(d.columns))
	copy(out, d.columns)
	return out
}

// HasColumn reports whether any record carries the key.
func (d *Dataset) HasColumn(key string) bool {
	if d == nil {
		return false
	}
	for _, c := range d.columns {
		if c == key {
			return true
		}
	}
	return false
}
