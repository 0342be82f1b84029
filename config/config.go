package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. CATALOG_OUTPUT_DIR.
const EnvPrefix = "CATALOG"

// Config holds crawler configuration.
type Config struct {
	APIBaseURL          string        `mapstructure:"api_base_url"`
	Venues              []string      `mapstructure:"venues"`
	Language            string        `mapstructure:"language"`
	ProductLinkTemplate string        `mapstructure:"product_link_template"`
	CategoryTable       string        `mapstructure:"category_table"`
	CategoryCacheSize   int           `mapstructure:"category_cache_size"`
	MaxCategoryID       int           `mapstructure:"max_category_id"`
	RequestRate         float64       `mapstructure:"request_rate"` // requests per second, 0 disables pacing
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	RetryUnit           time.Duration `mapstructure:"retry_unit"`
	RetryMaxWait        float64       `mapstructure:"retry_max_wait"` // in retry units
	SweepMaxWait        float64       `mapstructure:"sweep_max_wait"` // in retry units
	LowValueThreshold   float64       `mapstructure:"low_value_threshold"`
	OutputDir           string        `mapstructure:"output_dir"`
	UserAgent           string        `mapstructure:"user_agent"`
	Verbose             bool          `mapstructure:"verbose"`
	MetricsAddr         string        `mapstructure:"metrics_addr"`
	PostgresDSN         string        `mapstructure:"postgres_dsn"`
	RedisAddr           string        `mapstructure:"redis_addr"`
	RedisKey            string        `mapstructure:"redis_key"`
}

// DefaultConfig returns defaults for the public storefront API.
func DefaultConfig() *Config {
	return &Config{
		APIBaseURL: "https://consumer-api.wolt.com/consumer-api/consumer-assortment/v1",
		Venues: []string{
			"freshful-now-67ecf9a6e78872a14652406a",
			"profi-baia-de-arama-3491-67fce8707ec55f4e5199f8d2",
			"penny-4469-67ee32d9a0c535a55340303e",
			"auchan-hypermarket-titan-67e2bd731248946a75c7a535",
			"carrefour-hypermarket-mega-mall-9139-67ee8dde26be843d2832a717",
			"kaufland-pantelimon-2470-67ecfaaae78872a1465240a6",
		},
		Language:            "ro",
		ProductLinkTemplate: "https://wolt.com/en/rou/bucharest/venue/{venue}/{id}",
		CategoryTable:       "",
		CategoryCacheSize:   1024,
		MaxCategoryID:       0,
		RequestRate:         10,
		Timeout:             30 * time.Second,
		MaxAttempts:         10,
		RetryUnit:           time.Second,
		RetryMaxWait:        20,
		SweepMaxWait:        21,
		LowValueThreshold:   0.0003,
		OutputDir:           "output",
		UserAgent:           "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		Verbose:             false,
		MetricsAddr:         "",
		PostgresDSN:         "",
		RedisAddr:           "",
		RedisKey:            "catalog:failed_fetches",
	}
}

// Load builds a Config from defaults, an optional config file and CATALOG_* environment variables.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	// A comma separated CATALOG_VENUES arrives as a single element.
	if len(cfg.Venues) == 1 && strings.Contains(cfg.Venues[0], ",") {
		cfg.Venues = SplitList(cfg.Venues[0])
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("api_base_url", d.APIBaseURL)
	v.SetDefault("venues", d.Venues)
	v.SetDefault("language", d.Language)
	v.SetDefault("product_link_template", d.ProductLinkTemplate)
	v.SetDefault("category_table", d.CategoryTable)
	v.SetDefault("category_cache_size", d.CategoryCacheSize)
	v.SetDefault("max_category_id", d.MaxCategoryID)
	v.SetDefault("request_rate", d.RequestRate)
	v.SetDefault("timeout", d.Timeout)
	v.SetDefault("max_attempts", d.MaxAttempts)
	v.SetDefault("retry_unit", d.RetryUnit)
	v.SetDefault("retry_max_wait", d.RetryMaxWait)
	v.SetDefault("sweep_max_wait", d.SweepMaxWait)
	v.SetDefault("low_value_threshold", d.LowValueThreshold)
	v.SetDefault("output_dir", d.OutputDir)
	v.SetDefault("user_agent", d.UserAgent)
	v.SetDefault("verbose", d.Verbose)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("postgres_dsn", d.PostgresDSN)
	v.SetDefault("redis_addr", d.RedisAddr)
	v.SetDefault("redis_key", d.RedisKey)
}

// SplitList splits a comma separated flag or env value, dropping blanks.
func SplitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("api base URL cannot be empty")
	}

	parsedURL, err := url.Parse(c.APIBaseURL)
	if err != nil {
		return fmt.Errorf("invalid api base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("api base URL must include a host")
	}

	if len(c.Venues) == 0 {
		return fmt.Errorf("at least one venue is required")
	}
	seen := make(map[string]struct{}, len(c.Venues))
	for _, venue := range c.Venues {
		if strings.TrimSpace(venue) == "" {
			return fmt.Errorf("venue slug cannot be empty")
		}
		if _, ok := seen[venue]; ok {
			return fmt.Errorf("duplicate venue %q", venue)
		}
		seen[venue] = struct{}{}
	}
	if c.Language == "" {
		return fmt.Errorf("language cannot be empty")
	}
	if !strings.Contains(c.ProductLinkTemplate, "{venue}") || !strings.Contains(c.ProductLinkTemplate, "{id}") {
		return fmt.Errorf("product link template must contain {venue} and {id}")
	}
	if c.CategoryCacheSize <= 0 {
		return fmt.Errorf("category cache size must be positive")
	}
	if c.MaxCategoryID < 0 {
		return fmt.Errorf("max category id cannot be negative")
	}
	if c.RequestRate < 0 {
		return fmt.Errorf("request rate cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	if c.RetryUnit <= 0 {
		return fmt.Errorf("retry unit must be positive")
	}
	if c.RetryMaxWait < 1 {
		return fmt.Errorf("retry max wait must be at least one retry unit")
	}
	if c.SweepMaxWait < 1 {
		return fmt.Errorf("sweep max wait must be at least one retry unit")
	}
	if c.LowValueThreshold < 0 {
		return fmt.Errorf("low value threshold cannot be negative")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output directory cannot be empty")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if c.RedisAddr != "" && c.RedisKey == "" {
		return fmt.Errorf("redis key is required when redis address is set")
	}

	return nil
}
