// Package instruments reads instrument dumps in JSON or line-delimited JSON,
// and filters, summarizes and exports the resulting records.
package instruments

// SampleRecord returns an example of the record layout the parser expects.
func SampleRecord() Record {
	return NewRecord(
		Field{FieldWeekly, false},
		Field{FieldSegment, "NSE_FO"},
		Field{FieldName, "071NSETEST"},
		Field{FieldExchange, "NSE"},
		Field{FieldExpiry, int64(2111423399000)},
		Field{FieldInstrumentType, "FUT"},
		Field{FieldUnderlyingSymbol, "071NSETEST"},
		Field{FieldInstrumentKey, "NSE_FO|36702"},
		Field{FieldLotSize, 50},
		Field{FieldFreezeQuantity, 100000.0},
		Field{FieldExchangeToken, "36702"},
		Field{FieldMinimumLot, 50},
		Field{FieldUnderlyingKey, "NSE_EQ|DUMMYSAN011"},
		Field{FieldTickSize, 5.0},
		Field{FieldUnderlyingType, "EQUITY"},
		Field{FieldTradingSymbol, "071NSETEST FUT 27 NOV 36"},
		Field{FieldStrikePrice, 0.0},
	)
}
