// Package expense defines the receipt data threaded through the pipeline and
// the repositories it is read from and written to.
package expense

import (
	"time"
)

// DefaultCurrency is used when the extracted data names no currency
const DefaultCurrency = "USD"

// Item is one line of a receipt
type Item struct {
	Description string   `json:"description" jsonschema_description:"Line item text as printed"`
	Quantity    *float64 `json:"quantity,omitempty" jsonschema_description:"Number of units when printed"`
	UnitPrice   *float64 `json:"unitPrice,omitempty" jsonschema_description:"Price of one unit when printed"`
	Total       float64  `json:"total" jsonschema_description:"Line total"`
}

// Draft is the in-flight expense passed from step to step
type Draft struct {
	Merchant string   `json:"merchant" jsonschema_description:"Name of the business on the receipt"`
	Amount   float64  `json:"amount" jsonschema_description:"Grand total paid"`
	Currency string   `json:"currency" jsonschema_description:"ISO 4217 currency code"`
	Date     string   `json:"date" jsonschema_description:"Purchase date. Prefer YYYY-MM-DD"`
	Category string   `json:"category" jsonschema_description:"Best guess expense category"`
	Items    []Item   `json:"items" jsonschema_description:"Receipt line items"`
	Tax      *float64 `json:"tax,omitempty" jsonschema_description:"Tax amount when printed"`
	Tip      *float64 `json:"tip,omitempty" jsonschema_description:"Tip amount when printed"`
	Notes    string   `json:"notes,omitempty" jsonschema_description:"Anything else worth keeping"`
}

// Category is a user defined expense category
type Category struct {
	ID          string `json:"id" yaml:"id,omitempty"`
	Name        string `json:"name" yaml:"name"`
	Color       string `json:"color,omitempty" yaml:"color,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Expense is a finalized draft with its resolved category. At most one
// expense exists per run.
type Expense struct {
	ID string `json:"id"`
	Draft
	CategoryID string    `json:"categoryId"`
	RunID      string    `json:"runId"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// CategoryNames returns the names of the given categories in order
func CategoryNames(categories []Category) []string {
	names := make([]string, len(categories))
	for i, c := range categories {
		names[i] = c.Name
	}
	return names
}
