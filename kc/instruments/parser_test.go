package instruments

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleArray = `[
  {"exchange":"NSE","instrument_type":"FUT","lot_size":50,"weekly":false},
  {"exchange":"BSE","instrument_type":"CE","lot_size":75,"weekly":true},
  {"exchange":"NSE","instrument_type":"CE","lot_size":50,"weekly":true}
]`

func TestParseFormat(t *testing.T) {
	tests := map[string]Format{
		"":        FormatAuto,
		"auto":    FormatAuto,
		"JSON":    FormatJSON,
		".json":   FormatJSON,
		"jsonl":   FormatJSONL,
		"ndjson":  FormatJSONL,
		" lines ": FormatJSONL,
	}
	for in, want := range tests {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseFormat("csv")
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestParseArray(t *testing.T) {
	ds, err := Parse([]byte(sampleArray), FormatJSON)
	require.NoError(t, err)

	assert.Equal(t, 3, ds.Len())
	assert.Equal(t, FormatJSON, ds.Format)
	assert.Zero(t, ds.Skipped)
	assert.Equal(t, []string{"exchange", "instrument_type", "lot_size", "weekly"}, ds.Columns())
	assert.Equal(t, "BSE", ds.At(1).Get(FieldExchange))
	assert.Equal(t, json.Number("75"), ds.At(1).Get(FieldLotSize))
	assert.Equal(t, true, ds.At(1).Get(FieldWeekly))
}

func TestParseSingleObject(t *testing.T) {
	ds, err := Parse([]byte(`{"exchange":"MCX","lot_size":1}`), FormatAuto)
	require.NoError(t, err)
	require.Equal(t, 1, ds.Len())
	assert.Equal(t, "MCX", ds.At(0).Get(FieldExchange))
}

func TestParseLines(t *testing.T) {
	input := "{\"exchange\":\"NSE\"}\n" +
		"not json\n" +
		"\n" +
		"   \n" +
		"{\"exchange\":\"BSE\"}\r\n" +
		"[1,2]\n" +
		"{\"exchange\":\"NFO\"} trailing\n" +
		"{\"exchange\":\"MCX\"}"

	ds, err := Parse([]byte(input), FormatJSONL)
	require.NoError(t, err)

	assert.Equal(t, 3, ds.Len())
	assert.Equal(t, 3, ds.Skipped)
	assert.Equal(t, "NSE", ds.At(0).Get(FieldExchange))
	assert.Equal(t, "BSE", ds.At(1).Get(FieldExchange))
	assert.Equal(t, "MCX", ds.At(2).Get(FieldExchange))
}

func TestParseIgnoresFormatHint(t *testing.T) {
	lines := "{\"exchange\":\"NSE\"}\n{\"exchange\":\"BSE\"}\n"

	fromJSONHint, err := Parse([]byte(lines), FormatJSON)
	require.NoError(t, err)
	fromArrayAsLines, err := Parse([]byte(sampleArray), FormatJSONL)
	require.NoError(t, err)

	assert.Equal(t, 2, fromJSONHint.Len())
	assert.Equal(t, 3, fromArrayAsLines.Len())
}

func TestParseSkipsNonObjectElements(t *testing.T) {
	ds, err := Parse([]byte(`[{"exchange":"NSE"}, 42, "x", null, [1], {"exchange":"BSE"}]`), FormatAuto)
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Len())
}

func TestParseBOM(t *testing.T) {
	raw := append([]byte{0xEF, 0xBB, 0xBF}, sampleArray...)
	ds, err := Parse(raw, FormatAuto)
	require.NoError(t, err)
	assert.Equal(t, 3, ds.Len())
}

func TestParseKeepsKeyOrderAndDuplicates(t *testing.T) {
	ds, err := Parse([]byte(`[{"b":1,"a":2,"b":3},{"b":1,"a":2,"b":3}]`), FormatAuto)
	require.NoError(t, err)

	require.Equal(t, 2, ds.Len())
	assert.Equal(t, []string{"b", "a"}, ds.At(0).Keys())
	assert.Equal(t, json.Number("3"), ds.At(0).Get("b"))

	out, err := json.Marshal(ds.At(1))
	require.NoError(t, err)
	assert.JSONEq(t, `{"b":3,"a":2}`, string(out))
	assert.Equal(t, `{"b":3,"a":2}`, string(out))
}

func TestParseFailures(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  error
	}{
		{"empty", nil, ErrNoRecords},
		{"whitespace", []byte(" \n\t\n"), ErrNoRecords},
		{"empty array", []byte(`[]`), ErrNoRecords},
		{"scalar", []byte(`42`), ErrNoRecords},
		{"array of scalars", []byte(`[1, "a", true]`), ErrNoRecords},
		{"garbage lines", []byte("foo\nbar\n"), ErrNoRecords},
		{"binary", []byte{0xff, 0xfe, 0x00, 0x81}, ErrInvalidEncoding},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds, err := Parse(tt.input, FormatAuto)
			assert.ErrorIs(t, err, tt.want)
			require.NotNil(t, ds)
			assert.Zero(t, ds.Len())
		})
	}
}

func TestRecordUnmarshalRejectsNonObjects(t *testing.T) {
	var r Record
	assert.Error(t, r.UnmarshalJSON([]byte(`[1]`)))
	assert.Error(t, r.UnmarshalJSON([]byte(`{"a":1} {"b":2}`)))
	assert.Error(t, r.UnmarshalJSON([]byte(`{"a":`)))
}

func TestNewRecord(t *testing.T) {
	r := NewRecord(Field{"a", 1}, Field{"b", nil}, Field{"a", 2})

	assert.Equal(t, 2, r.Len())
	assert.Equal(t, []string{"a", "b"}, r.Keys())
	assert.Equal(t, 2, r.Get("a"))

	v, ok := r.Lookup("b")
	assert.True(t, ok)
	assert.Nil(t, v)
	_, ok = r.Lookup("c")
	assert.False(t, ok)

	keys := r.Keys()
	keys[0] = "mutated"
	assert.Equal(t, "a", r.Keys()[0])
}

func TestDatasetNilSafe(t *testing.T) {
	var ds *Dataset
	assert.Zero(t, ds.Len())
	assert.Nil(t, ds.Records())
	assert.Nil(t, ds.Columns())
	assert.False(t, ds.HasColumn(FieldExchange))
}
