package instruments

import (
	"sort"
)

// Bucket is one entry of a frequency distribution.
type Bucket struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// NumericSummary holds descriptive statistics over the numeric values of a field.
type NumericSummary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Summary is the derived overview of a dataset.
type Summary struct {
	Records               int      `json:"records"`
	UniqueNames           int      `json:"unique_names"`
	UniqueExchanges       int      `json:"unique_exchanges"`
	UniqueInstrumentTypes int      `json:"unique_instrument_types"`
	InstrumentTypes       []Bucket `json:"instrument_types"`

	// LotSize is nil when no record has a numeric lot size.
	LotSize *NumericSummary `json:"lot_size,omitempty"`
}

// Summarize computes the summary of ds. It does not modify ds.
func Summarize(ds *Dataset) Summary {
	return Summary{
		Records:               ds.Len(),
		UniqueNames:           countDistinct(ds, FieldName),
		UniqueExchanges:       countDistinct(ds, FieldExchange),
		UniqueInstrumentTypes: countDistinct(ds, FieldInstrumentType),
		InstrumentTypes:       Distribution(ds, FieldInstrumentType),
		LotSize:               Describe(ds, FieldLotSize),
	}
}

// countDistinct counts the distinct non-null values of field. Empty strings
// are values like any other.
func countDistinct(ds *Dataset, field string) int {
	seen := make(map[string]struct{})
	for i := 0; i < ds.Len(); i++ {
		if s, ok := Text(ds.At(i).Get(field)); ok {
			seen[s] = struct{}{}
		}
	}
	return len(seen)
}

// Distribution counts the non-null values of field, most frequent first. Ties
// keep the order of first appearance.
func Distribution(ds *Dataset, field string) []Bucket {
	index := make(map[string]int)
	buckets := []Bucket{}
	for i := 0; i < ds.Len(); i++ {
		s, ok := Text(ds.At(i).Get(field))
		if !ok {
			continue
		}
		if j, ok := index[s]; ok {
			buckets[j].Count++
			continue
		}
		index[s] = len(buckets)
		buckets = append(buckets, Bucket{Value: s, Count: 1})
	}
	sort.SliceStable(buckets, func(i, j int) bool {
		return buckets[i].Count > buckets[j].Count
	})
	return buckets
}

// Describe returns statistics over the values of field that coerce to
// numbers, or nil when there are none.
func Describe(ds *Dataset, field string) *NumericSummary {
	values := make([]float64, 0, ds.Len())
	for i := 0; i < ds.Len(); i++ {
		if n, ok := Float(ds.At(i).Get(field)); ok {
			values = append(values, n)
		}
	}
	if len(values) == 0 {
		return nil
	}

	sort.Float64s(values)
	var sum float64
	for _, v := range values {
		sum += v
	}

	mid := len(values) / 2
	median := values[mid]
	if len(values)%2 == 0 {
		median = (values[mid-1] + values[mid]) / 2
	}

	return &NumericSummary{
		Count:  len(values),
		Mean:   sum / float64(len(values)),
		Median: median,
		Min:    values[0],
		Max:    values[len(values)-1],
	}
}
