// Package config loads expenseflow settings from defaults, an optional YAML
// file and EXPENSEFLOW_ environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds application configuration.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Store      StoreConfig      `mapstructure:"store"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Server     ServerConfig     `mapstructure:"server"`
	Categories CategoriesConfig `mapstructure:"categories"`
	Journal    JournalConfig    `mapstructure:"journal"`
}

// LogConfig selects the log level and handler
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
}

// StoreConfig selects where runs, categories and expenses live
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"` // file directory or sqlite database
	DSN    string `mapstructure:"dsn"`  // postgres
}

// LLMConfig holds provider settings.
type LLMConfig struct {
	APIKey        string        `mapstructure:"api_key"`
	APIKeyEnv     string        `mapstructure:"api_key_env"`
	BaseURL       string        `mapstructure:"base_url"`
	VisionModel   string        `mapstructure:"vision_model"`
	TextModel     string        `mapstructure:"text_model"`
	Timeout       time.Duration `mapstructure:"timeout"`
	InlineImages  bool          `mapstructure:"inline_images"`
	MaxImageBytes int64         `mapstructure:"max_image_bytes"`
}

// ServerConfig holds HTTP settings
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// CategoriesConfig controls category seeding and caching
type CategoriesConfig struct {
	SeedFile    string        `mapstructure:"seed_file"`
	EnsureOther bool          `mapstructure:"ensure_other"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
}

// JournalConfig enables the per-run step journal when Dir is set
type JournalConfig struct {
	Dir string `mapstructure:"dir"`
}

// DataDir is the default location for local state
func DataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "expenseflow")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "share", "expenseflow")
}

// Load reads configuration. An empty path searches the working directory and
// ~/.config/expenseflow for expenseflow.yaml and tolerates its absence; an
// explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()

	// default values
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.path", filepath.Join(DataDir(), "expenseflow.db"))
	v.SetDefault("store.dsn", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.api_key_env", "OPENAI_API_KEY")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.vision_model", "gpt-4o-mini")
	v.SetDefault("llm.text_model", "gpt-4o-mini")
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.inline_images", false)
	v.SetDefault("llm.max_image_bytes", int64(10<<20))
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("categories.seed_file", "")
	v.SetDefault("categories.ensure_other", true)
	v.SetDefault("categories.cache_ttl", time.Minute)
	v.SetDefault("journal.dir", "")

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("expenseflow")
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "expenseflow"))
	}

	v.SetEnvPrefix("EXPENSEFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if c.LLM.APIKey == "" && c.LLM.APIKeyEnv != "" {
		c.LLM.APIKey = os.Getenv(c.LLM.APIKeyEnv)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks values that defaults cannot fix
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverFile, DriverSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the %s driver", c.Store.Driver)
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("llm.timeout must be positive")
	}
	if c.Categories.CacheTTL < 0 {
		return fmt.Errorf("categories.cache_ttl must not be negative")
	}
	return nil
}
