package expense

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/deepnoodle-ai/expenseflow"
	"github.com/shopspring/decimal"
)

// ParseDraft decodes and validates a complete draft supplied as JSON, such as
// edited review data.
func ParseDraft(data []byte) (Draft, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil || raw == nil {
		verr := &expenseflow.ValidationError{}
		verr.Add("draft", "must be a JSON object")
		return Draft{}, verr
	}
	return Validate(raw)
}

// Validate checks a raw object against the draft contract and returns the
// normalized draft. Every offending field is reported in the returned
// *expenseflow.ValidationError.
func Validate(raw map[string]any) (Draft, error) {
	verr := &expenseflow.ValidationError{}
	var d Draft

	d.Merchant = requiredString(verr, raw, "merchant")
	d.Date = requiredString(verr, raw, "date")
	d.Category = requiredString(verr, raw, "category")

	if amount, ok := requiredNumber(verr, raw, "amount"); ok {
		if amount <= 0 {
			verr.Add("amount", "must be greater than zero")
		}
		d.Amount = amount
	}

	d.Currency = DefaultCurrency
	if v, ok := raw["currency"]; ok && v != nil {
		s, isString := v.(string)
		s = strings.ToUpper(strings.TrimSpace(s))
		if !isString || !isCurrencyCode(s) {
			verr.Add("currency", "must be a three letter ISO 4217 code")
		} else {
			d.Currency = s
		}
	}

	d.Tax = optionalAmount(verr, raw, "tax")
	d.Tip = optionalAmount(verr, raw, "tip")

	if v, ok := raw["notes"]; ok && v != nil {
		s, isString := v.(string)
		if !isString {
			verr.Add("notes", "must be a string")
		}
		d.Notes = strings.TrimSpace(s)
	}

	d.Items = []Item{}
	if v, ok := raw["items"]; ok && v != nil {
		list, isList := v.([]any)
		if !isList {
			verr.Add("items", "must be an array")
		}
		for i, elem := range list {
			d.Items = append(d.Items, validateItem(verr, i, elem))
		}
	}

	if err := verr.OrNil(); err != nil {
		return Draft{}, err
	}
	Normalize(&d)
	return d, nil
}

func validateItem(verr *expenseflow.ValidationError, index int, elem any) Item {
	prefix := fmt.Sprintf("items[%d]", index)
	obj, ok := elem.(map[string]any)
	if !ok {
		verr.Add(prefix, "must be an object")
		return Item{}
	}
	var item Item
	item.Description = requiredString(verr, obj, prefix+".description")
	if total, ok := requiredNumber(verr, obj, prefix+".total"); ok {
		item.Total = total
	}
	item.Quantity = optionalNumber(verr, obj, prefix+".quantity")
	item.UnitPrice = optionalNumber(verr, obj, prefix+".unitPrice")
	if item.Quantity != nil && item.UnitPrice != nil && !isFinite(ItemTotal(item)) {
		verr.Add(prefix+".total", "quantity times unitPrice is out of range")
	}
	return item
}

// lookup reads the last path segment of field from obj
func lookup(obj map[string]any, field string) (any, bool) {
	if i := strings.LastIndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	v, ok := obj[field]
	return v, ok && v != nil
}

func requiredString(verr *expenseflow.ValidationError, obj map[string]any, field string) string {
	v, ok := lookup(obj, field)
	if !ok {
		verr.Add(field, "is required")
		return ""
	}
	s, isString := v.(string)
	if !isString {
		verr.Add(field, "must be a string")
		return ""
	}
	s = strings.TrimSpace(s)
	if s == "" {
		verr.Add(field, "must not be empty")
	}
	return s
}

func requiredNumber(verr *expenseflow.ValidationError, obj map[string]any, field string) (float64, bool) {
	v, ok := lookup(obj, field)
	if !ok {
		verr.Add(field, "is required")
		return 0, false
	}
	n, err := toNumber(v)
	if err != nil {
		verr.Add(field, "%s", err)
		return 0, false
	}
	return n, true
}

func optionalNumber(verr *expenseflow.ValidationError, obj map[string]any, field string) *float64 {
	v, ok := lookup(obj, field)
	if !ok {
		return nil
	}
	n, err := toNumber(v)
	if err != nil {
		verr.Add(field, "%s", err)
		return nil
	}
	return &n
}

func optionalAmount(verr *expenseflow.ValidationError, obj map[string]any, field string) *float64 {
	v, ok := lookup(obj, field)
	if !ok {
		return nil
	}
	n, err := toNumber(v)
	if err != nil {
		verr.Add(field, "%s", err)
		return nil
	}
	if n < 0 {
		verr.Add(field, "must not be negative")
		return nil
	}
	return &n
}

// toNumber converts v to the float64 that is stored. Range checks belong on
// its result: 1e400 is rejected here and 1e-400 comes back as zero.
func toNumber(v any) (float64, error) {
	d, err := toDecimal(v)
	if err != nil {
		return 0, err
	}
	f := d.InexactFloat64()
	if !isFinite(f) {
		return 0, fmt.Errorf("is out of range")
	}
	return f, nil
}

func isFinite(f float64) bool {
	return !math.IsInf(f, 0) && !math.IsNaN(f)
}

// toDecimal accepts JSON numbers and numeric strings
func toDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case json.Number:
		return decimal.NewFromString(n.String())
	case float64:
		if !isFinite(n) {
			return decimal.Zero, fmt.Errorf("is out of range")
		}
		return decimal.NewFromFloat(n), nil
	case float32:
		if !isFinite(float64(n)) {
			return decimal.Zero, fmt.Errorf("is out of range")
		}
		return decimal.NewFromFloat32(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		if err != nil {
			return decimal.Zero, fmt.Errorf("must be a number, got %q", n)
		}
		return d, nil
	}
	return decimal.Zero, fmt.Errorf("must be a number")
}

func isCurrencyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
