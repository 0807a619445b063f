package instruments

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// All is the categorical choice that places no restriction.
const All = "All"

// IsAll reports whether s names the All choice, in any case.
func IsAll(s string) bool {
	return strings.EqualFold(s, All)
}

// Partition is the three-way selection for the weekly flag.
type Partition string

const (
	PartitionAll     Partition = "all"
	PartitionWeekly  Partition = "weekly"
	PartitionMonthly Partition = "monthly"
)

// ErrInvalidSelection wraps every SelectionError.
var ErrInvalidSelection = errors.New("invalid filter selection")

// SelectionError describes a selection that does not fit the available
// controls of a dataset.
type SelectionError struct {
	Field   string
	Message string
}

func (e SelectionError) Error() string {
	return fmt.Sprintf("filter '%s': %s", e.Field, e.Message)
}

func (e SelectionError) Unwrap() error {
	return ErrInvalidSelection
}

// ParsePartition accepts the partition names and their common spellings.
func ParsePartition(s string) (Partition, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return PartitionAll, nil
	case "weekly", "weekly only", "true":
		return PartitionWeekly, nil
	case "monthly", "monthly only", "false":
		return PartitionMonthly, nil
	}
	return "", SelectionError{Field: FieldWeekly, Message: fmt.Sprintf("unknown option %q (use all, weekly or monthly)", s)}
}

var (
	// CategoricalFields are filtered by exact match on trimmed text.
	CategoricalFields = []string{FieldExchange, FieldInstrumentType, FieldSegment, FieldUnderlyingType}
	// RangeFields are filtered by an inclusive numeric range.
	RangeFields = []string{FieldLotSize, FieldStrikePrice}
)

var controlLabels = map[string]string{
	FieldExchange:       "Exchange",
	FieldInstrumentType: "Instrument Type",
	FieldSegment:        "Segment",
	FieldUnderlyingType: "Underlying Type",
	FieldLotSize:        "Lot Size Range",
	FieldStrikePrice:    "Strike Price Range",
	FieldWeekly:         "Weekly Options",
	FieldTradingSymbol:  "Search in Trading Symbol",
}

// CategoryControl offers the distinct values of a categorical field.
type CategoryControl struct {
	Field   string   `json:"field"`
	Label   string   `json:"label"`
	Choices []string `json:"choices"`
}

// RangeControl offers the observed numeric range of a field.
type RangeControl struct {
	Field string  `json:"field"`
	Label string  `json:"label"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// PartitionControl offers the weekly/monthly split.
type PartitionControl struct {
	Field   string      `json:"field"`
	Label   string      `json:"label"`
	Options []Partition `json:"options"`
}

// SearchControl is the free-text search over trading symbols.
type SearchControl struct {
	Field string `json:"field"`
	Label string `json:"label"`
}

// Filters holds the controls a dataset supports. It is computed once from the
// full dataset and reused for every selection, so applying one filter never
// narrows the options of another.
type Filters struct {
	Categories []CategoryControl `json:"categories"`
	Ranges     []RangeControl    `json:"ranges"`
	Weekly     *PartitionControl `json:"weekly,omitempty"`
	Search     SearchControl     `json:"search"`
}

// Bounds is an inclusive numeric range.
type Bounds struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Selection is a snapshot of every control's current value. Missing map
// entries, the All choice, PartitionAll and an empty search are inactive.
type Selection struct {
	Categories map[string]string
	Ranges     map[string]Bounds
	Weekly     Partition
	Search     string
}

// AvailableFilters derives the controls of a dataset.
func AvailableFilters(ds *Dataset) *Filters {
	f := &Filters{
		Categories: []CategoryControl{},
		Ranges:     []RangeControl{},
		Search:     SearchControl{Field: FieldTradingSymbol, Label: controlLabels[FieldTradingSymbol]},
	}

	for _, field := range CategoricalFields {
		if choices := distinctCategories(ds, field); len(choices) > 0 {
			f.Categories = append(f.Categories, CategoryControl{
				Field:   field,
				Label:   controlLabels[field],
				Choices: choices,
			})
		}
	}

	for _, field := range RangeFields {
		if lo, hi, ok := numericRange(ds, field); ok && lo < hi {
			f.Ranges = append(f.Ranges, RangeControl{
				Field: field,
				Label: controlLabels[field],
				Min:   lo,
				Max:   hi,
			})
		}
	}

	for _, r := range ds.records {
		if _, ok := Bool(r.Get(FieldWeekly)); ok {
			f.Weekly = &PartitionControl{
				Field:   FieldWeekly,
				Label:   controlLabels[FieldWeekly],
				Options: []Partition{PartitionAll, PartitionWeekly, PartitionMonthly},
			}
			break
		}
	}

	return f
}

func distinctCategories(ds *Dataset, field string) []string {
	seen := make(map[string]bool)
	for _, r := range ds.records {
		if s, ok := categoryText(r.Get(field)); ok && !IsAll(s) {
			seen[s] = true
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func numericRange(ds *Dataset, field string) (lo, hi float64, ok bool) {
	for _, r := range ds.records {
		n, isNum := Float(r.Get(field))
		if !isNum {
			continue
		}
		if !ok {
			lo, hi, ok = n, n, true
			continue
		}
		lo = min(lo, n)
		hi = max(hi, n)
	}
	return lo, hi, ok
}

// Category returns the control for a categorical field.
func (f *Filters) Category(field string) (CategoryControl, bool) {
	for _, c := range f.Categories {
		if c.Field == field {
			return c, true
		}
	}
	return CategoryControl{}, false
}

// Range returns the control for a numeric range field.
func (f *Filters) Range(field string) (RangeControl, bool) {
	for _, c := range f.Ranges {
		if c.Field == field {
			return c, true
		}
	}
	return RangeControl{}, false
}

// Validate reports the first part of sel that the controls cannot satisfy.
func (f *Filters) Validate(sel Selection) error {
	for field, value := range sel.Categories {
		if value == "" || IsAll(value) {
			continue
		}
		c, ok := f.Category(field)
		if !ok {
			return SelectionError{Field: field, Message: "no such filter for this dataset"}
		}
		if !containsString(c.Choices, value) {
			return SelectionError{Field: field, Message: fmt.Sprintf("unknown choice %q", value)}
		}
	}

	for field, b := range sel.Ranges {
		if _, ok := f.Range(field); !ok {
			return SelectionError{Field: field, Message: "no such filter for this dataset"}
		}
		if b.Min > b.Max {
			return SelectionError{Field: field, Message: fmt.Sprintf("minimum %v is greater than maximum %v", b.Min, b.Max)}
		}
	}

	switch sel.Weekly {
	case "", PartitionAll:
	case PartitionWeekly, PartitionMonthly:
		if f.Weekly == nil {
			return SelectionError{Field: FieldWeekly, Message: "no such filter for this dataset"}
		}
	default:
		return SelectionError{Field: FieldWeekly, Message: fmt.Sprintf("unknown option %q", sel.Weekly)}
	}

	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type predicate func(Record) bool

// predicates returns one predicate per active constraint. Constraints on
// fields without a control are inactive.
func (f *Filters) predicates(sel Selection) []predicate {
	var preds []predicate

	for _, c := range f.Categories {
		want := sel.Categories[c.Field]
		if want == "" || IsAll(want) {
			continue
		}
		field := c.Field
		preds = append(preds, func(r Record) bool {
			s, ok := categoryText(r.Get(field))
			return ok && s == want
		})
	}

	for _, c := range f.Ranges {
		b, ok := sel.Ranges[c.Field]
		if !ok || (b.Min <= c.Min && b.Max >= c.Max) {
			continue
		}
		field := c.Field
		preds = append(preds, func(r Record) bool {
			n, ok := Float(r.Get(field))
			return ok && n >= b.Min && n <= b.Max
		})
	}

	if f.Weekly != nil && (sel.Weekly == PartitionWeekly || sel.Weekly == PartitionMonthly) {
		want := sel.Weekly == PartitionWeekly
		preds = append(preds, func(r Record) bool {
			v, ok := Bool(r.Get(FieldWeekly))
			return ok && v == want
		})
	}

	if sel.Search != "" {
		term := strings.ToLower(sel.Search)
		preds = append(preds, func(r Record) bool {
			s, ok := Text(r.Get(FieldTradingSymbol))
			return ok && strings.Contains(strings.ToLower(s), term)
		})
	}

	return preds
}

// Active reports whether sel restricts the dataset at all.
func (f *Filters) Active(sel Selection) bool {
	return len(f.predicates(sel)) > 0
}

// Apply returns the records of ds that satisfy every active constraint of
// sel, in their original order. ds is not modified.
func (f *Filters) Apply(ds *Dataset, sel Selection) *Dataset {
	preds := f.predicates(sel)
	out := make([]Record, 0, ds.Len())
	for _, r := range ds.records {
		if matchAll(r, preds) {
			out = append(out, r)
		}
	}
	return ds.subset(out)
}

func matchAll(r Record, preds []predicate) bool {
	for _, p := range preds {
		if !p(r) {
			return false
		}
	}
	return true
}
