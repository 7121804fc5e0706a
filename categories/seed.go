package categories

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/deepnoodle-ai/expenseflow/expense"
	"gopkg.in/yaml.v3"
)

// Store is a category repository that can also create categories
type Store interface {
	expense.CategoryRepository
	expense.CategoryWriter
}

// SeedFile is the YAML document read by LoadSeedFile
type SeedFile struct {
	Categories []expense.Category `yaml:"categories"`
}

// Defaults is the category set used when no seed file is configured
func Defaults() []expense.Category {
	return []expense.Category{
		{Name: "Meals", Color: "#f97316", Description: "Restaurants, coffee and groceries"},
		{Name: "Travel", Color: "#0ea5e9", Description: "Flights, hotels, taxis and car rental"},
		{Name: "Office", Color: "#6366f1", Description: "Supplies and equipment"},
		{Name: "Software", Color: "#22c55e", Description: "Subscriptions and licenses"},
		{Name: Other, Color: "#9ca3af", Description: "Anything that fits nowhere else"},
	}
}

// LoadSeedFile reads categories from a YAML file
func LoadSeedFile(path string) ([]expense.Category, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var file SeedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}
	for i, c := range file.Categories {
		if strings.TrimSpace(c.Name) == "" {
			return nil, fmt.Errorf("seed file %s: category %d has no name", path, i)
		}
	}
	return file.Categories, nil
}

// Seed creates every seed category whose name is not already present,
// ignoring case. With ensureOther the Other category is created as well, so
// classification fallbacks always resolve. It returns the number created.
func Seed(ctx context.Context, store Store, seeds []expense.Category, ensureOther bool) (int, error) {
	existing, err := store.ListCategories(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list categories: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, c := range existing {
		have[strings.ToLower(c.Name)] = true
	}
	if ensureOther && !have[strings.ToLower(Other)] {
		seeds = append(append([]expense.Category(nil), seeds...), expense.Category{Name: Other, Description: "Anything that fits nowhere else"})
	}
	created := 0
	for _, c := range seeds {
		key := strings.ToLower(strings.TrimSpace(c.Name))
		if have[key] {
			continue
		}
		c.Name = strings.TrimSpace(c.Name)
		if err := store.CreateCategory(ctx, &c); err != nil {
			return created, fmt.Errorf("failed to create category %q: %w", c.Name, err)
		}
		have[key] = true
		created++
	}
	return created, nil
}
