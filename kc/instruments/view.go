package instruments

// Derived display columns.
const (
	ColumnExpiryDate           = "expiry_date"
	ColumnStrikePriceFormatted = "strike_price_formatted"
)

// DefaultRawRecords is the number of records shown in the raw record view.
const DefaultRawRecords = 5

// DisplayColumns is the preferred column order of the tabular view.
var DisplayColumns = []string{
	FieldInstrumentKey,
	FieldName,
	FieldTradingSymbol,
	FieldInstrumentType,
	FieldExchange,
	FieldSegment,
	FieldUnderlyingSymbol,
	FieldUnderlyingType,
	ColumnExpiryDate,
	ColumnStrikePriceFormatted,
	FieldLotSize,
	FieldMinimumLot,
	FieldTickSize,
	FieldExchangeToken,
	FieldWeekly,
}

var derivedColumns = map[string]string{
	ColumnExpiryDate:           FieldExpiry,
	ColumnStrikePriceFormatted: FieldStrikePrice,
}

// Columns returns the display columns that ds can fill. A derived column is
// present when its source field is.
func (f Formatter) Columns(ds *Dataset) []string {
	var out []string
	for _, c := range DisplayColumns {
		src := c
		if d, ok := derivedColumns[c]; ok {
			src = d
		}
		if ds.HasColumn(src) {
			out = append(out, c)
		}
	}
	return out
}

// Row renders r into the given display columns.
func (f Formatter) Row(r Record, columns []string) Record {
	fields := make([]Field, 0, len(columns))
	for _, c := range columns {
		var v any
		switch c {
		case ColumnExpiryDate:
			v = f.Expiry(r.Get(FieldExpiry))
		case ColumnStrikePriceFormatted:
			v = f.Currency(r.Get(FieldStrikePrice))
		default:
			v = r.Get(c)
		}
		fields = append(fields, Field{Key: c, Value: v})
	}
	return NewRecord(fields...)
}

// Rows renders every record of ds for display.
func (f Formatter) Rows(ds *Dataset) []Record {
	columns := f.Columns(ds)
	rows := make([]Record, 0, ds.Len())
	for i := 0; i < ds.Len(); i++ {
		rows = append(rows, f.Row(ds.At(i), columns))
	}
	return rows
}

// Head returns up to n records of ds as they were read.
func Head(ds *Dataset, n int) []Record {
	if n < 0 || n > ds.Len() {
		n = ds.Len()
	}
	return ds.Records()[:n]
}
