package instruments

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatterExpiry(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	utc := Formatter{Location: time.UTC}

	tests := []struct {
		name string
		f    Formatter
		in   any
		want string
	}{
		{"utc", utc, json.Number("1706227200000"), "2024-01-26 00:00:00"},
		{"ist", Formatter{Location: ist}, json.Number("1706227200000"), "2024-01-26 05:30:00"},
		{"float", utc, 1706227200000.0, "2024-01-26 00:00:00"},
		{"numeric string", utc, "1706227200000", "2024-01-26 00:00:00"},
		{"sub-second", utc, json.Number("1706227200999"), "2024-01-26 00:00:00"},
		{"nil", utc, nil, NotApplicable},
		{"empty string", utc, "  ", NotApplicable},
		{"zero", utc, json.Number("0"), NotApplicable},
		{"zero string", utc, "0", NotApplicable},
		{"text", utc, "next thursday", Invalid},
		{"bool", utc, true, Invalid},
		{"out of calendar", utc, json.Number("1e20"), Invalid},
		{"negative out of calendar", utc, -1e20, Invalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.f.Expiry(tt.in))
		})
	}
}

func TestFormatterCurrency(t *testing.T) {
	f := DefaultFormatter()

	tests := []struct {
		in   any
		want string
	}{
		{json.Number("24000"), "₹24,000.00"},
		{json.Number("72000.5"), "₹72,000.50"},
		{1234567.891, "₹1,234,567.89"},
		{"150", "₹150.00"},
		{-1500.5, "₹-1,500.50"},
		{json.Number("0"), NotApplicable},
		{0.0, NotApplicable},
		{nil, NotApplicable},
		{"", NotApplicable},
		{"abc", NotApplicable},
		{false, NotApplicable},
		{json.Number("999999999999999999"), "₹1,000,000,000,000,000,000.00"},
		{json.Number("1e19"), "₹10,000,000,000,000,000,000.00"},
		{json.Number("-1e19"), "₹-10,000,000,000,000,000,000.00"},
		{"1e21", "₹1,000,000,000,000,000,000,000.00"},
		{-0.001, "₹0.00"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, f.Currency(tt.in), "%v", tt.in)
	}

	assert.Equal(t, "$10.00", Formatter{CurrencySymbol: "$"}.Currency(10))
	assert.Equal(t, "₹10.00", Formatter{}.Currency(10))

	huge := Formatter{}.Currency("1e300")
	assert.True(t, strings.HasPrefix(huge, "₹1,000,000,000,000,"), huge)
	assert.True(t, strings.HasSuffix(huge, ".00"), huge)
	assert.NotContains(t, huge, "-")
}

func TestFloat(t *testing.T) {
	numeric := map[string]struct {
		in   any
		want float64
	}{
		"json number":  {json.Number("50"), 50},
		"float":        {2.5, 2.5},
		"int":          {7, 7},
		"string":       {" 12.5 ", 12.5},
		"exponent":     {"1e3", 1000},
		"negative":     {json.Number("-3"), -3},
		"zero is real": {json.Number("0"), 0},
	}
	for name, tt := range numeric {
		got, ok := Float(tt.in)
		assert.True(t, ok, name)
		assert.Equal(t, tt.want, got, name)
	}

	for _, v := range []any{nil, true, "", "abc", "NaN", "Inf", map[string]any{}, []any{1}} {
		_, ok := Float(v)
		assert.False(t, ok, "%v", v)
	}
}

func TestBool(t *testing.T) {
	v, ok := Bool(true)
	assert.True(t, ok)
	assert.True(t, v)

	for _, in := range []any{"true", 1, nil, json.Number("1")} {
		_, ok := Bool(in)
		assert.False(t, ok, "%v", in)
	}
}

func TestText(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{"NSE", "NSE"},
		{"", ""},
		{json.Number("1.50"), "1.50"},
		{2.5, "2.5"},
		{true, "true"},
		{map[string]any{"a": json.Number("1")}, `{"a":1}`},
		{[]any{"x", json.Number("2")}, `["x",2]`},
	}
	for _, tt := range tests {
		got, ok := Text(tt.in)
		assert.True(t, ok, "%v", tt.in)
		assert.Equal(t, tt.want, got)
	}

	_, ok := Text(nil)
	assert.False(t, ok)
}
