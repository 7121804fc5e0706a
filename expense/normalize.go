package expense

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Normalize recomputes derived fields in place. Item totals are always
// derived from quantity and unit price when both are present, so an edited
// quantity never leaves a stale total behind.
func Normalize(d *Draft) {
	d.Currency = strings.ToUpper(strings.TrimSpace(d.Currency))
	if d.Currency == "" {
		d.Currency = DefaultCurrency
	}
	d.Date = NormalizeDate(d.Date)
	if d.Items == nil {
		d.Items = []Item{}
	}
	for i := range d.Items {
		d.Items[i].Total = ItemTotal(d.Items[i])
	}
}

// ItemTotal returns quantity×unitPrice rounded half up to cents when both are
// known, otherwise the recorded total.
func ItemTotal(item Item) float64 {
	if item.Quantity == nil || item.UnitPrice == nil {
		return item.Total
	}
	total := decimal.NewFromFloat(*item.Quantity).
		Mul(decimal.NewFromFloat(*item.UnitPrice)).
		Round(2)
	return total.InexactFloat64()
}

var unambiguousLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02",
	"2006.01.02",
	"January 2, 2006",
	"Jan 2, 2006",
	"Jan. 2, 2006",
	"2 January 2006",
	"2 Jan 2006",
	"02-Jan-2006",
	"Mon, 02 Jan 2006",
}

// NormalizeDate rewrites a date as an RFC 3339 timestamp when its meaning is
// unambiguous. Day/month orderings that could be read both ways are returned
// unchanged.
func NormalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	for _, layout := range unambiguousLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(time.RFC3339)
		}
	}
	if t, ok := parseNumericDate(s); ok {
		return t.Format(time.RFC3339)
	}
	return s
}

// parseNumericDate handles dd/mm/yyyy and mm/dd/yyyy (also with - or .)
// when one of the first two fields exceeds 12.
func parseNumericDate(s string) (time.Time, bool) {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '/' || r == '-' || r == '.' })
	if len(parts) != 3 || len(parts[2]) != 4 {
		return time.Time{}, false
	}
	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return time.Time{}, false
		}
		nums[i] = n
	}
	a, b, year := nums[0], nums[1], nums[2]
	var day, month int
	switch {
	case a > 12 && b <= 12:
		day, month = a, b
	case b > 12 && a <= 12:
		month, day = a, b
	case a == b:
		day, month = a, b
	default:
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	// Reject overflow such as 31/02
	if t.Day() != day || int(t.Month()) != month {
		return time.Time{}, false
	}
	return t, true
}
