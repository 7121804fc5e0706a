// Package steps implements the receipt pipeline steps: extract, categorize,
// review and save.
package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/expenseflow"
	"github.com/deepnoodle-ai/expenseflow/categories"
	"github.com/deepnoodle-ai/expenseflow/expense"
	"github.com/deepnoodle-ai/expenseflow/llm"
)

// Step identifiers in pipeline order
const (
	ExtractID    = "extract"
	CategorizeID = "categorize"
	ReviewID     = "review"
	SaveID       = "save"
)

// ExtractInput is the workflow input consumed by the extract step
type ExtractInput struct {
	ImageURL string `json:"image_url"`
}

const extractPrompt = `Extract the expense shown on this receipt.
Use the grand total as amount and the printed currency code if any.
Give the date as printed. Guess a short category such as Meals or Travel.
List every line item with its total. Omit quantity, unit price, tax and tip when not printed.`

// Extract returns the step asking the vision model for a draft. The model's
// object is validated before it becomes the step output.
func Extract(objects llm.ObjectGenerator) *expenseflow.StepFunction[ExtractInput, expense.Draft] {
	return expenseflow.NewStep(ExtractID, func(ctx context.Context, in ExtractInput) (expense.Draft, error) {
		schema, err := expense.DraftSchema()
		if err != nil {
			return expense.Draft{}, fmt.Errorf("failed to build draft schema: %w", err)
		}
		raw, err := objects.GenerateObject(ctx, llm.ObjectRequest{
			ImageURL: in.ImageURL,
			Prompt:   extractPrompt,
			Schema:   schema,
		})
		if err != nil {
			return expense.Draft{}, &expenseflow.UpstreamError{Capability: "generate_object", Err: err}
		}
		draft, err := expense.Validate(raw)
		if err != nil {
			return expense.Draft{}, err
		}
		expenseflow.GetLoggerFromContext(ctx).Info("extracted draft",
			"merchant", draft.Merchant, "amount", draft.Amount, "items", len(draft.Items))
		return draft, nil
	})
}

// Categorize returns the step asking the text model to pick one of the known
// categories. Answers naming no known category become categories.Other.
func Categorize(text llm.TextGenerator, resolver *categories.Resolver) *expenseflow.StepFunction[expense.Draft, expense.Draft] {
	return expenseflow.NewStep(CategorizeID, func(ctx context.Context, draft expense.Draft) (expense.Draft, error) {
		known, err := resolver.Categories(ctx)
		if err != nil {
			return expense.Draft{}, err
		}
		names := expense.CategoryNames(known)
		answer, err := text.GenerateText(ctx, categorizePrompt(draft, names))
		if err != nil {
			return expense.Draft{}, &expenseflow.UpstreamError{Capability: "generate_text", Err: err}
		}
		label := matchCategory(answer, names)
		expenseflow.GetLoggerFromContext(ctx).Info("categorized draft",
			"suggested", draft.Category, "answer", answer, "category", label)
		draft.Category = label
		return draft, nil
	})
}

func categorizePrompt(draft expense.Draft, names []string) string {
	var b strings.Builder
	b.WriteString("Classify this expense into exactly one of these categories: ")
	b.WriteString(strings.Join(names, ", "))
	b.WriteString(".\nAnswer with the category name only.\n\n")
	fmt.Fprintf(&b, "Merchant: %s\n", draft.Merchant)
	fmt.Fprintf(&b, "Amount: %.2f %s\n", draft.Amount, draft.Currency)
	if draft.Category != "" {
		fmt.Fprintf(&b, "Suggested category: %s\n", draft.Category)
	}
	for _, item := range draft.Items {
		fmt.Fprintf(&b, "Item: %s\n", item.Description)
	}
	return b.String()
}

// matchCategory maps a model answer onto a known name, ignoring case,
// surrounding quotes and trailing punctuation.
func matchCategory(answer string, names []string) string {
	answer = strings.Trim(strings.TrimSpace(answer), "\"'`.!")
	if first, _, ok := strings.Cut(answer, "\n"); ok {
		answer = strings.TrimSpace(first)
	}
	for _, name := range names {
		if strings.EqualFold(name, answer) {
			return name
		}
	}
	return categories.Other
}

// Review returns the human review gate. It suspends with the current draft
// and accepts a complete, valid draft as resume data.
func Review() *expenseflow.Gate[expense.Draft] {
	return expenseflow.NewGate(ReviewID, func(ctx context.Context, data json.RawMessage) (expense.Draft, error) {
		return expense.ParseDraft(data)
	})
}

// Save returns the terminal step persisting the reviewed draft. An
// unresolvable category fails the run.
func Save(resolver *categories.Resolver, expenses expense.ExpenseRepository) *expenseflow.StepFunction[expense.Draft, expense.Expense] {
	return expenseflow.NewStep(SaveID, func(ctx context.Context, draft expense.Draft) (expense.Expense, error) {
		expense.Normalize(&draft)
		categoryID, err := resolver.Resolve(ctx, draft.Category)
		if err != nil {
			return expense.Expense{}, err
		}
		runID, _ := expenseflow.GetRunIDFromContext(ctx)
		stored, err := expenses.CreateExpense(ctx, &expense.Expense{
			Draft:      draft,
			CategoryID: categoryID,
			RunID:      runID,
		})
		if err != nil {
			return expense.Expense{}, &expenseflow.UpstreamError{Capability: "persist_expense", Err: err}
		}
		expenseflow.GetLoggerFromContext(ctx).Info("saved expense",
			"expense_id", stored.ID, "category_id", categoryID)
		return *stored, nil
	})
}
