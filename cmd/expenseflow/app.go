package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/deepnoodle-ai/expenseflow"
	"github.com/deepnoodle-ai/expenseflow/categories"
	"github.com/deepnoodle-ai/expenseflow/config"
	"github.com/deepnoodle-ai/expenseflow/expense"
	"github.com/deepnoodle-ai/expenseflow/llm"
	"github.com/deepnoodle-ai/expenseflow/pipeline"
	"github.com/deepnoodle-ai/expenseflow/postgres"
	"github.com/deepnoodle-ai/expenseflow/sqlite"
)

// repository is everything the pipeline needs besides run storage
type repository interface {
	categories.Store
	expense.ExpenseRepository
	expense.ExpenseReader
}

type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	runs       expenseflow.RunStore
	repo       repository
	stepLogger expenseflow.StepLogger
	model      *llm.OpenAI
	closers    []func() error
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: newLogger(cfg)}

	if err := a.openStores(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if cfg.Journal.Dir != "" {
		if err := os.MkdirAll(cfg.Journal.Dir, 0755); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
		a.stepLogger = expenseflow.NewFileStepLogger(cfg.Journal.Dir)
	} else {
		a.stepLogger = expenseflow.NewNullStepLogger()
	}

	model, err := llm.NewOpenAI(llm.Config{
		APIKey:        cfg.LLM.APIKey,
		BaseURL:       cfg.LLM.BaseURL,
		VisionModel:   cfg.LLM.VisionModel,
		TextModel:     cfg.LLM.TextModel,
		Timeout:       cfg.LLM.Timeout,
		InlineImages:  cfg.LLM.InlineImages,
		MaxImageBytes: cfg.LLM.MaxImageBytes,
	})
	if err != nil && !errors.Is(err, llm.ErrNoAPIKey) {
		a.Close()
		return nil, err
	}
	a.model = model
	return a, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := expenseflow.ParseLevel(cfg.Log.Level)
	if verbose {
		level = slog.LevelDebug
	}
	if cfg.Log.Format == "json" {
		return expenseflow.NewJSONLogger(level)
	}
	return expenseflow.NewLogger(level)
}

func (a *app) openStores(ctx context.Context) error {
	switch a.cfg.Store.Driver {
	case config.DriverMemory:
		a.runs = expenseflow.NewMemoryRunStore()
		a.repo = expense.NewMemoryStore()
	case config.DriverFile:
		// Run checkpoints live as files; categories and expenses still need
		// a queryable store, so they go to sqlite in the same directory.
		runs, err := expenseflow.NewFileRunStore(filepath.Join(a.cfg.Store.Path, "runs"))
		if err != nil {
			return err
		}
		db, err := sqlite.Open(filepath.Join(a.cfg.Store.Path, "expenses.db"))
		if err != nil {
			return err
		}
		a.closers = append(a.closers, db.Close)
		a.runs, a.repo = runs, db
	case config.DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(a.cfg.Store.Path), 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		db, err := sqlite.Open(a.cfg.Store.Path)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, db.Close)
		a.runs, a.repo = db, db
	case config.DriverPostgres:
		db, err := postgres.Open(ctx, a.cfg.Store.DSN)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { db.Close(); return nil })
		a.runs, a.repo = db, db
	default:
		return fmt.Errorf("unknown store driver %q", a.cfg.Store.Driver)
	}
	a.logger.Debug("opened store", "driver", a.cfg.Store.Driver)
	return nil
}

// seed creates the configured categories that do not exist yet
func (a *app) seed(ctx context.Context, path string) (int, error) {
	seeds := categories.Defaults()
	if path == "" {
		path = a.cfg.Categories.SeedFile
	}
	if path != "" {
		loaded, err := categories.LoadSeedFile(path)
		if err != nil {
			return 0, err
		}
		seeds = loaded
	}
	return categories.Seed(ctx, a.repo, seeds, a.cfg.Categories.EnsureOther)
}

// service seeds categories and assembles the pipeline. requireModel fails
// early when no API key is configured.
func (a *app) service(ctx context.Context, requireModel bool, callbacks expenseflow.RunCallbacks) (*pipeline.Service, error) {
	if requireModel && a.model == nil {
		return nil, fmt.Errorf("%w: set llm.api_key or %s", llm.ErrNoAPIKey, a.cfg.LLM.APIKeyEnv)
	}
	if n, err := a.seed(ctx, ""); err != nil {
		return nil, err
	} else if n > 0 {
		a.logger.Info("seeded categories", "created", n)
	}

	var objects llm.ObjectGenerator = unconfiguredModel{}
	var text llm.TextGenerator = unconfiguredModel{}
	if a.model != nil {
		objects, text = a.model, a.model
	}
	return pipeline.New(pipeline.Options{
		Objects:     objects,
		Text:        text,
		Categories:  a.repo,
		Expenses:    a.repo,
		Store:       a.runs,
		CategoryTTL: a.cfg.Categories.CacheTTL,
		Logger:      a.logger,
		StepLogger:  a.stepLogger,
		Callbacks:   callbacks,
	})
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("failed to close store", "error", err)
		}
	}
	a.closers = nil
}

// unconfiguredModel stands in when no API key is set, so read-only commands
// and the server still work while model steps fail cleanly.
type unconfiguredModel struct{}

func (unconfiguredModel) GenerateObject(ctx context.Context, req llm.ObjectRequest) (map[string]any, error) {
	return nil, llm.ErrNoAPIKey
}

func (unconfiguredModel) GenerateText(ctx context.Context, prompt string) (string, error) {
	return "", llm.ErrNoAPIKey
}
