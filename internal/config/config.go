package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Meta       MetaConfig       `yaml:"meta" mapstructure:"meta"`
	AlfaCRM    AlfaCRMConfig    `yaml:"alfacrm" mapstructure:"alfacrm"`
	NetHunt    NetHuntConfig    `yaml:"nethunt" mapstructure:"nethunt"`
	Cohorts    CohortsConfig    `yaml:"cohorts" mapstructure:"cohorts"`
	Contacts   ContactsConfig   `yaml:"contacts" mapstructure:"contacts"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Taxonomy   TaxonomyConfig   `yaml:"taxonomy" mapstructure:"taxonomy"`
	Export     ExportConfig     `yaml:"export" mapstructure:"export"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Kafka      KafkaConfig      `yaml:"kafka" mapstructure:"kafka"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the run-history database.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// MetaConfig holds Meta Graph API credentials.
type MetaConfig struct {
	AccessToken string `yaml:"access_token" mapstructure:"access_token"`
	PageID      string `yaml:"page_id" mapstructure:"page_id"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	PageSize    int    `yaml:"page_size" mapstructure:"page_size"`
}

// AlfaCRMConfig holds AlfaCRM API credentials.
type AlfaCRMConfig struct {
	BaseURL  string `yaml:"base_url" mapstructure:"base_url"`
	Email    string `yaml:"email" mapstructure:"email"`
	APIKey   string `yaml:"api_key" mapstructure:"api_key"`
	BranchID int    `yaml:"branch_id" mapstructure:"branch_id"`
	PageSize int    `yaml:"page_size" mapstructure:"page_size"`
}

// NetHuntConfig holds NetHunt API credentials.
type NetHuntConfig struct {
	BaseURL   string `yaml:"base_url" mapstructure:"base_url"`
	BasicAuth string `yaml:"basic_auth" mapstructure:"basic_auth"`
	FolderID  string `yaml:"folder_id" mapstructure:"folder_id"`
	Since     string `yaml:"since" mapstructure:"since"`
	PageSize  int    `yaml:"page_size" mapstructure:"page_size"`
}

// CohortsConfig holds the campaign-name keywords selecting each cohort.
type CohortsConfig struct {
	Students []string `yaml:"students" mapstructure:"students"`
	Teachers []string `yaml:"teachers" mapstructure:"teachers"`
}

// ContactsConfig holds the lead field-name keywords for each contact kind.
type ContactsConfig struct {
	PhoneKeywords []string `yaml:"phone_keywords" mapstructure:"phone_keywords"`
	EmailKeywords []string `yaml:"email_keywords" mapstructure:"email_keywords"`
}

// FetchConfig configures upstream HTTP calls.
type FetchConfig struct {
	TimeoutSecs    int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts    int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff string  `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	RatePerSecond  float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
}

// Timeout returns the per-request timeout.
func (f FetchConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSecs) * time.Second
}

// Backoff returns the parsed initial retry backoff, or 0 if unset/invalid.
func (f FetchConfig) Backoff() time.Duration {
	d, err := time.ParseDuration(f.InitialBackoff)
	if err != nil {
		return 0
	}
	return d
}

// TaxonomyConfig points at an optional taxonomy override file.
type TaxonomyConfig struct {
	File string `yaml:"file" mapstructure:"file"`
}

// ExportConfig configures the spreadsheet exporter.
type ExportConfig struct {
	Dir           string `yaml:"dir" mapstructure:"dir"`
	DefaultRegion string `yaml:"default_region" mapstructure:"default_region"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	APIKeys        []string `yaml:"api_keys" mapstructure:"api_keys"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// QueueConfig configures background jobs.
type QueueConfig struct {
	RedisURL    string `yaml:"redis_url" mapstructure:"redis_url"`
	Name        string `yaml:"name" mapstructure:"name"`
	Concurrency int    `yaml:"concurrency" mapstructure:"concurrency"`
}

// Enabled reports whether a Redis URL is configured.
func (q QueueConfig) Enabled() bool { return q.RedisURL != "" }

// KafkaConfig configures run-event publishing.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" mapstructure:"brokers"`
	Topic   string   `yaml:"topic" mapstructure:"topic"`
}

// MonitoringConfig configures run-health alerting.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	// MinMatchRate is the lowest acceptable average match rate, in percent.
	MinMatchRate   float64 `yaml:"min_match_rate" mapstructure:"min_match_rate"`
	StuckAfterMins int     `yaml:"stuck_after_mins" mapstructure:"stuck_after_mins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, config.yaml and the environment, in
// increasing order of precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("LEADFUNNEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys without a default still need binding so env-only values reach
	// Unmarshal.
	for _, key := range []string{
		"meta.access_token", "meta.page_id",
		"alfacrm.base_url", "alfacrm.email", "alfacrm.api_key",
		"nethunt.basic_auth", "nethunt.folder_id",
		"taxonomy.file", "server.api_keys", "server.allowed_origins",
		"queue.redis_url", "kafka.brokers", "monitoring.webhook_url",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", key)
		}
	}

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "leadfunnel.db")
	v.SetDefault("meta.base_url", "https://graph.facebook.com/v21.0")
	v.SetDefault("meta.page_size", 100)
	v.SetDefault("alfacrm.branch_id", 1)
	v.SetDefault("alfacrm.page_size", 500)
	v.SetDefault("nethunt.base_url", "https://nethunt.com/api/v1/zapier")
	v.SetDefault("nethunt.since", "2015-01-01T00:00:00Z")
	v.SetDefault("nethunt.page_size", 1000)
	v.SetDefault("cohorts.students", []string{"student", "shkolnik"})
	v.SetDefault("cohorts.teachers", []string{"teacher", "vchitel", "prepod"})
	v.SetDefault("contacts.phone_keywords", []string{"phone", "телефон", "number"})
	v.SetDefault("contacts.email_keywords", []string{"email", "e-mail", "адрес", "почта"})
	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.initial_backoff", "1s")
	v.SetDefault("fetch.rate_per_second", 5.0)
	v.SetDefault("export.dir", "exports")
	v.SetDefault("export.default_region", "UA")
	v.SetDefault("server.port", 8080)
	v.SetDefault("queue.name", "reconcile")
	v.SetDefault("queue.concurrency", 2)
	v.SetDefault("kafka.topic", "leadfunnel.runs")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.min_match_rate", 20.0)
	v.SetDefault("monitoring.stuck_after_mins", 60)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	// Comma-separated env values arrive as a single element.
	cfg.Server.APIKeys = splitList(cfg.Server.APIKeys)
	cfg.Server.AllowedOrigins = splitList(cfg.Server.AllowedOrigins)
	cfg.Cohorts.Students = splitList(cfg.Cohorts.Students)
	cfg.Cohorts.Teachers = splitList(cfg.Cohorts.Teachers)
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)

	return &cfg, nil
}

func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// Validate checks the settings a command needs. mode is one of "run",
// "serve", "worker" or "store".
func (c *Config) Validate(mode string) error {
	var errs []string
	need := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, msg)
		}
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, "store.driver must be sqlite or postgres")
	}
	need(c.Store.DatabaseURL != "", "store.database_url is required")

	switch mode {
	case "store":
	case "run", "worker":
		c.validateUpstreams(need)
	case "serve":
		c.validateUpstreams(need)
		need(c.Server.Port > 0 && c.Server.Port < 65536, "server.port must be > 0 and < 65536")
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}
	if mode == "worker" {
		need(c.Queue.Enabled(), "queue.redis_url is required")
		need(c.Queue.Concurrency >= 1, "queue.concurrency must be >= 1")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateUpstreams(need func(bool, string)) {
	need(c.Meta.AccessToken != "", "meta.access_token is required")
	need(c.Meta.PageID != "", "meta.page_id is required")
	need(c.AlfaCRM.BaseURL != "", "alfacrm.base_url is required")
	need(c.AlfaCRM.Email != "" && c.AlfaCRM.APIKey != "", "alfacrm.email and alfacrm.api_key are required")
	need(c.NetHunt.BasicAuth != "", "nethunt.basic_auth is required")
	need(c.NetHunt.FolderID != "", "nethunt.folder_id is required")
	need(c.Fetch.MaxAttempts >= 1, "fetch.max_attempts must be >= 1")
	need(c.Fetch.TimeoutSecs >= 1, "fetch.timeout_secs must be >= 1")
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
