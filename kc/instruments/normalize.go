package instruments

import (
	"encoding/json"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cast"
)

// Sentinels produced by the formatters instead of errors.
const (
	NotApplicable = "N/A"
	Invalid       = "Invalid"
)

const (
	DefaultCurrencySymbol = "₹"
	TimestampLayout       = "2006-01-02 15:04:05"

	// Calendar bounds of TimestampLayout (0001-01-01 .. 9999-12-31).
	minUnixSeconds = -62135596800
	maxUnixSeconds = 253402300799
)

// Formatter renders raw field values for display. The zero value uses the
// default currency symbol and the process local time zone.
type Formatter struct {
	CurrencySymbol string
	Location       *time.Location
}

// DefaultFormatter returns a formatter with the default symbol and time.Local.
func DefaultFormatter() Formatter {
	return Formatter{CurrencySymbol: DefaultCurrencySymbol, Location: time.Local}
}

func (f Formatter) location() *time.Location {
	if f.Location == nil {
		return time.Local
	}
	return f.Location
}

func (f Formatter) symbol() string {
	if f.CurrencySymbol == "" {
		return DefaultCurrencySymbol
	}
	return f.CurrencySymbol
}

// Expiry renders an epoch-millisecond value as a calendar timestamp.
// Missing, empty and zero values are NotApplicable; values that are not numeric
// or fall outside the calendar are Invalid.
func (f Formatter) Expiry(v any) string {
	if isBlank(v) {
		return NotApplicable
	}
	ms, ok := Float(v)
	if !ok {
		return Invalid
	}
	if ms == 0 {
		return NotApplicable
	}

	sec, frac := math.Modf(ms / 1000)
	if sec < minUnixSeconds || sec > maxUnixSeconds {
		return Invalid
	}
	t := time.Unix(int64(sec), int64(frac*1e9)).In(f.location())
	if y := t.Year(); y < 1 || y > 9999 {
		return Invalid
	}
	return t.Format(TimestampLayout)
}

// Currency renders a numeric value with the currency symbol, thousands
// separators and two decimals. Zero is treated exactly like a missing value:
// for strike prices a zero means the instrument is not an option.
func (f Formatter) Currency(v any) string {
	if isBlank(v) {
		return NotApplicable
	}
	n, ok := Float(v)
	if !ok || n == 0 {
		return NotApplicable
	}
	return f.symbol() + groupedAmount(n)
}

// groupedAmount renders n with two decimals and thousands separators. The
// integer part is grouped as a big.Int so magnitudes past int64 stay exact.
func groupedAmount(n float64) string {
	digits := strconv.FormatFloat(math.Abs(n), 'f', 2, 64)
	whole, frac, _ := strings.Cut(digits, ".")
	i, ok := new(big.Int).SetString(whole, 10)
	if !ok {
		return digits
	}
	out := humanize.BigComma(i) + "." + frac
	if n < 0 && strings.Trim(digits, "0.") != "" {
		out = "-" + out
	}
	return out
}

// Float parses native numbers and numeric strings. Booleans, nulls, nested
// values and non-finite numbers are not numeric.
func Float(v any) (float64, bool) {
	var (
		n   float64
		err error
	)
	switch x := v.(type) {
	case nil, bool, map[string]any, []any:
		return 0, false
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, false
		}
		n, err = strconv.ParseFloat(s, 64)
	default:
		n, err = cast.ToFloat64E(x)
	}
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}

// Bool reports the value of genuine JSON booleans only.
func Bool(v any) (value bool, ok bool) {
	b, ok := v.(bool)
	return b, ok
}

// Text returns the string representation of a value: strings as-is, numbers
// in their JSON text, booleans as true/false and nested values as compact JSON.
// ok is false for null and absent values.
func Text(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case json.Number:
		return x.String(), true
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return "", false
	}
	return s, true
}

// categoryText is the trimmed text used for categorical filters.
func categoryText(v any) (string, bool) {
	s, ok := Text(v)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

func isBlank(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	}
	return false
}
