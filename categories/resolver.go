// Package categories maps free-text category labels to canonical categories.
package categories

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/deepnoodle-ai/expenseflow"
	"github.com/deepnoodle-ai/expenseflow/expense"
	"golang.org/x/sync/singleflight"
)

// Other is the label used when classification finds no better match
const Other = "Other"

const (
	maxSuggestions     = 3
	maxSuggestDistance = 3
)

// Resolve maps label to a category id. An exact name match wins, then a
// case-insensitive match ignoring surrounding whitespace. Anything else is a
// *expenseflow.CategoryNotFoundError.
func Resolve(label string, known []expense.Category) (string, error) {
	for _, c := range known {
		if c.Name == label {
			return c.ID, nil
		}
	}
	trimmed := strings.TrimSpace(label)
	for _, c := range known {
		if strings.EqualFold(strings.TrimSpace(c.Name), trimmed) {
			return c.ID, nil
		}
	}
	return "", &expenseflow.CategoryNotFoundError{
		Label:       label,
		Suggestions: Suggest(label, known),
	}
}

// Suggest returns the category names closest to label by edit distance. The
// result is informational only and never used to resolve.
func Suggest(label string, known []expense.Category) []string {
	type candidate struct {
		name     string
		distance int
	}
	target := strings.ToLower(strings.TrimSpace(label))
	var candidates []candidate
	for _, c := range known {
		d := levenshtein.ComputeDistance(target, strings.ToLower(c.Name))
		if d <= maxSuggestDistance {
			candidates = append(candidates, candidate{c.Name, d})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].distance == candidates[j].distance {
			return candidates[i].name < candidates[j].name
		}
		return candidates[i].distance < candidates[j].distance
	})
	var out []string
	for i := 0; i < len(candidates) && i < maxSuggestions; i++ {
		out = append(out, candidates[i].name)
	}
	return out
}

// ResolverOptions configures a Resolver
type ResolverOptions struct {
	// TTL bounds how long a loaded category set is trusted. Zero means the
	// set is kept until Invalidate is called.
	TTL time.Duration

	Now func() time.Time
}

// Resolver resolves labels against a cached copy of the category set
type Resolver struct {
	repo  expense.CategoryRepository
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mutex    sync.RWMutex
	cached   []expense.Category
	loadedAt time.Time
}

// NewResolver creates a resolver reading from repo
func NewResolver(repo expense.CategoryRepository, opts ResolverOptions) *Resolver {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Resolver{repo: repo, ttl: opts.TTL, now: opts.Now}
}

// Categories returns the cached set, loading it first when empty or stale
func (r *Resolver) Categories(ctx context.Context) ([]expense.Category, error) {
	if cached, ok := r.fresh(); ok {
		return cached, nil
	}
	return r.reload(ctx)
}

// Resolve maps label to a category id. When the cached set misses, it is
// reloaded at most once before giving up.
func (r *Resolver) Resolve(ctx context.Context, label string) (string, error) {
	known, ok := r.fresh()
	reloaded := false
	if !ok {
		var err error
		if known, err = r.reload(ctx); err != nil {
			return "", err
		}
		reloaded = true
	}
	id, err := Resolve(label, known)
	if err == nil || reloaded {
		return id, err
	}
	if known, err = r.reload(ctx); err != nil {
		return "", err
	}
	return Resolve(label, known)
}

// Invalidate drops the cached set
func (r *Resolver) Invalidate() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.cached = nil
	r.loadedAt = time.Time{}
}

func (r *Resolver) fresh() ([]expense.Category, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	if len(r.cached) == 0 {
		return nil, false
	}
	if r.ttl > 0 && r.now().Sub(r.loadedAt) > r.ttl {
		return nil, false
	}
	return r.cached, true
}

// reload fetches the category set. Concurrent reloads share one fetch.
func (r *Resolver) reload(ctx context.Context) ([]expense.Category, error) {
	v, err, _ := r.group.Do("categories", func() (any, error) {
		categories, err := r.repo.ListCategories(ctx)
		if err != nil {
			return nil, &expenseflow.UpstreamError{
				Capability: "list_categories",
				Err:        fmt.Errorf("failed to load categories: %w", err),
			}
		}
		r.mutex.Lock()
		r.cached = categories
		r.loadedAt = r.now()
		r.mutex.Unlock()
		return categories, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]expense.Category), nil
}
