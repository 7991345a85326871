// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // Calendar time zone on hosts without zoneinfo

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Storage backends.
const (
	StorageLocal    = "local"
	StorageGCS      = "gcs"
	StoragePostgres = "postgres"
)

// Queue backends.
const (
	QueueMemory = "memory"
	QueuePubSub = "pubsub"
)

// Email providers.
const (
	EmailMock  = "mock"
	EmailGmail = "gmail"
	EmailBrevo = "brevo"
)

// Config captures every service setting.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Email    EmailConfig    `mapstructure:"email"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Port      int    `mapstructure:"port"`
	TaskToken string `mapstructure:"task_token"` // Shared secret for the /tasks endpoints
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

// StorageConfig selects where records are kept.
type StorageConfig struct {
	Backend          string `mapstructure:"backend"`
	Bucket           string `mapstructure:"bucket"`
	LocalPath        string `mapstructure:"local_path"`
	PostgresDSN      string `mapstructure:"postgres_dsn"`
	PostgresMaxConns int32  `mapstructure:"postgres_max_conns"`
}

// QueueConfig selects the work queue and its delivery limits.
type QueueConfig struct {
	Backend                  string        `mapstructure:"backend"`
	ProjectID                string        `mapstructure:"project_id"`
	DetailTopic              string        `mapstructure:"detail_topic"`
	DetailSubscription       string        `mapstructure:"detail_subscription"`
	NotificationTopic        string        `mapstructure:"notification_topic"`
	NotificationSubscription string        `mapstructure:"notification_subscription"`
	MaxDeliveries            int           `mapstructure:"max_deliveries"`
	AckDeadline              time.Duration `mapstructure:"ack_deadline"`
	JobTimeout               time.Duration `mapstructure:"job_timeout"`
}

// CrawlerConfig points the crawler at the training calendar.
type CrawlerConfig struct {
	Units          []int         `mapstructure:"units"`
	ListingURL     string        `mapstructure:"listing_url"`
	DetailURL      string        `mapstructure:"detail_url"`
	CourseURL      string        `mapstructure:"course_url"`
	PageSize       int           `mapstructure:"page_size"`
	MaxPages       int           `mapstructure:"max_pages"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	TimeZone       string        `mapstructure:"time_zone"`
}

// ScheduleConfig drives the in-process tickers. A zero interval disables one.
type ScheduleConfig struct {
	CrawlInterval  time.Duration `mapstructure:"crawl_interval"`
	CrawlTimeout   time.Duration `mapstructure:"crawl_timeout"`
	NotifyInterval time.Duration `mapstructure:"notify_interval"`
}

// EmailConfig selects the email provider.
type EmailConfig struct {
	Provider              string `mapstructure:"provider"`
	From                  string `mapstructure:"from"`
	FromName              string `mapstructure:"from_name"`
	SubjectSuffix         string `mapstructure:"subject_suffix"`
	BrevoAPIKey           string `mapstructure:"brevo_api_key"`
	GoogleCredentialsJSON string `mapstructure:"google_credentials_json"`
}

// Flags returns the command-line flags understood by Load.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("mpkbot", pflag.ContinueOnError)
	fs.String("config", "", "path to a YAML config file")
	fs.Int("port", 8080, "HTTP listen port")
	fs.String("log-level", "info", "log level: debug, info, warn or error")
	fs.String("storage", StorageLocal, "storage backend: local, gcs or postgres")
	fs.String("queue", QueueMemory, "queue backend: memory or pubsub")
	return fs
}

var flagKeys = map[string]string{
	"port":      "server.port",
	"log-level": "log.level",
	"storage":   "storage.backend",
	"queue":     "queue.backend",
}

// Load builds a Config from defaults, an optional file, the environment
// (MPKBOT_ prefix) and flags that were set explicitly. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MPKBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every key, so that AutomaticEnv can fill the ones
// without a default as well.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.task_token", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("storage.backend", StorageLocal)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.local_path", "./data")
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("storage.postgres_max_conns", 4)
	v.SetDefault("queue.backend", QueueMemory)
	v.SetDefault("queue.project_id", "")
	v.SetDefault("queue.detail_topic", "course-details")
	v.SetDefault("queue.detail_subscription", "course-details-worker")
	v.SetDefault("queue.notification_topic", "subscription-notifications")
	v.SetDefault("queue.notification_subscription", "subscription-notifications-worker")
	v.SetDefault("queue.max_deliveries", 5)
	v.SetDefault("queue.ack_deadline", 300*time.Second)
	v.SetDefault("queue.job_timeout", time.Minute)
	v.SetDefault("crawler.units", []int{1, 2, 3, 5, 10, 8, 7, 22, 15, 11, 12, 21, 4, 6, 9, 18, 20, 19, 17, 16})
	v.SetDefault("crawler.listing_url", "")
	v.SetDefault("crawler.detail_url", "")
	v.SetDefault("crawler.course_url", "")
	v.SetDefault("crawler.page_size", 100)
	v.SetDefault("crawler.max_pages", 50)
	v.SetDefault("crawler.stale_after", 24*time.Hour)
	v.SetDefault("crawler.request_timeout", 30*time.Second)
	v.SetDefault("crawler.user_agent", "mpkbot/1.0 (+https://github.com/mpkbot)")
	v.SetDefault("crawler.time_zone", "Europe/Helsinki")
	v.SetDefault("schedule.crawl_interval", 3*time.Hour)
	v.SetDefault("schedule.crawl_timeout", 10*time.Minute)
	v.SetDefault("schedule.notify_interval", time.Hour)
	v.SetDefault("email.provider", EmailMock)
	v.SetDefault("email.from", "mpkbot@example.com")
	v.SetDefault("email.from_name", "mpkbot")
	v.SetDefault("email.subject_suffix", "")
	v.SetDefault("email.brevo_api_key", "")
	v.SetDefault("email.google_credentials_json", "")
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be positive")
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}

	switch c.Storage.Backend {
	case StorageLocal:
		if c.Storage.LocalPath == "" {
			return errors.New("storage.local_path is required for the local backend")
		}
	case StorageGCS:
		if c.Storage.Bucket == "" {
			return errors.New("storage.bucket is required for the gcs backend")
		}
	case StoragePostgres:
		if c.Storage.PostgresDSN == "" {
			return errors.New("storage.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of local, gcs, postgres", c.Storage.Backend)
	}

	switch c.Queue.Backend {
	case QueueMemory:
	case QueuePubSub:
		q := c.Queue
		if q.ProjectID == "" || q.DetailTopic == "" || q.DetailSubscription == "" ||
			q.NotificationTopic == "" || q.NotificationSubscription == "" {
			return errors.New("queue.project_id and every topic and subscription id are required for the pubsub backend")
		}
	default:
		return fmt.Errorf("queue.backend %q is not one of memory, pubsub", c.Queue.Backend)
	}
	if c.Queue.MaxDeliveries <= 0 {
		return errors.New("queue.max_deliveries must be positive")
	}

	if c.Crawler.PageSize <= 0 {
		return errors.New("crawler.page_size must be positive")
	}
	if c.Crawler.MaxPages <= 0 {
		return errors.New("crawler.max_pages must be positive")
	}
	if _, err := time.LoadLocation(c.Crawler.TimeZone); err != nil {
		return fmt.Errorf("crawler.time_zone: %w", err)
	}

	switch c.Email.Provider {
	case EmailMock, EmailGmail:
	case EmailBrevo:
		if c.Email.BrevoAPIKey == "" {
			return errors.New("email.brevo_api_key is required for the brevo provider")
		}
	default:
		return fmt.Errorf("email.provider %q is not one of mock, gmail, brevo", c.Email.Provider)
	}
	return nil
}

// Location returns the calendar time zone.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Crawler.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}
