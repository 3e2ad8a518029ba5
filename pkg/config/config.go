package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // session timezone must resolve on minimal images

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config is the process configuration. Every field maps to one flat
// environment variable; nested groups are squashed into the same namespace.
type Config struct {
	Env       string `mapstructure:"env"`
	Port      int    `mapstructure:"port"`
	APIPrefix string `mapstructure:"api_prefix"`

	HTTP          HTTPConfig          `mapstructure:",squash"`
	Database      DatabaseConfig      `mapstructure:",squash"`
	Redis         RedisConfig         `mapstructure:",squash"`
	JWT           JWTConfig           `mapstructure:",squash"`
	CORS          CORSConfig          `mapstructure:",squash"`
	Log           LogConfig           `mapstructure:",squash"`
	Sessions      SessionsConfig      `mapstructure:",squash"`
	Progress      ProgressConfig      `mapstructure:",squash"`
	Notifications NotificationsConfig `mapstructure:",squash"`
	Events        EventsConfig        `mapstructure:",squash"`
	Materials     MaterialsConfig     `mapstructure:",squash"`
	Reports       ReportsConfig       `mapstructure:",squash"`
}

// HTTPConfig bounds server timeouts.
type HTTPConfig struct {
	ReadHeaderTimeout time.Duration `mapstructure:"http_read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"http_shutdown_timeout"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"db_host"`
	Port         int    `mapstructure:"db_port"`
	User         string `mapstructure:"db_user"`
	Password     string `mapstructure:"db_password"`
	Name         string `mapstructure:"db_name"`
	SSLMode      string `mapstructure:"db_ssl_mode"`
	MaxOpenConns int    `mapstructure:"db_max_open_conns"`
	MaxIdleConns int    `mapstructure:"db_max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"redis_host"`
	Port     int    `mapstructure:"redis_port"`
	Password string `mapstructure:"redis_password"`
	DB       int    `mapstructure:"redis_db"`
}

type JWTConfig struct {
	Secret     string        `mapstructure:"jwt_secret"`
	Expiration time.Duration `mapstructure:"jwt_expiration"`
	Issuer     string        `mapstructure:"jwt_issuer"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LogConfig struct {
	Level  string `mapstructure:"log_level"`
	Format string `mapstructure:"log_format"`
}

// SessionsConfig holds lifecycle policy switches.
type SessionsConfig struct {
	// RequireElapsed blocks completion until the scheduled end time has passed.
	RequireElapsed bool   `mapstructure:"session_require_elapsed"`
	Timezone       string `mapstructure:"session_timezone"`
}

// ProgressConfig controls the derived progress cache.
type ProgressConfig struct {
	CacheEnabled bool          `mapstructure:"enable_progress_cache"`
	CacheTTL     time.Duration `mapstructure:"progress_cache_ttl"`
}

// NotificationsConfig is advertised to clients that poll for notifications.
type NotificationsConfig struct {
	PollInterval time.Duration `mapstructure:"notification_poll_interval"`
}

// EventsConfig sizes subscriber buffers on the in-process event bus.
type EventsConfig struct {
	BufferSize int `mapstructure:"events_buffer_size"`
}

// MaterialsConfig controls upload storage and validation.
type MaterialsConfig struct {
	StorageDir       string        `mapstructure:"materials_storage_dir"`
	SignedURLSecret  string        `mapstructure:"materials_signed_url_secret"`
	SignedURLTTL     time.Duration `mapstructure:"materials_signed_url_ttl"`
	MaxFileSizeBytes int64         `mapstructure:"materials_max_file_size"`
	AllowedMIMEs     []string      `mapstructure:"materials_allowed_mime_types"`
}

// ReportsConfig configures asynchronous progress exports.
type ReportsConfig struct {
	Enabled           bool          `mapstructure:"enable_reports"`
	StorageDir        string        `mapstructure:"reports_storage_dir"`
	SignedURLSecret   string        `mapstructure:"reports_signed_url_secret"`
	SignedURLTTL      time.Duration `mapstructure:"reports_signed_url_ttl"`
	CleanupInterval   time.Duration `mapstructure:"reports_cleanup_interval"`
	WorkerConcurrency int           `mapstructure:"reports_worker_concurrency"`
	WorkerMaxAttempts int           `mapstructure:"reports_worker_max_attempts"`
}

// defaults doubles as the list of known keys: viper only resolves
// environment overrides for keys it has seen.
var defaults = map[string]interface{}{
	"env":                      EnvDevelopment,
	"port":                     8080,
	"api_prefix":               "/api/v1",
	"http_read_header_timeout": "10s",
	"http_shutdown_timeout":    "15s",

	"db_host":           "localhost",
	"db_port":           5432,
	"db_user":           "postgres",
	"db_password":       "postgres",
	"db_name":           "bk_tutor",
	"db_ssl_mode":       "disable",
	"db_max_open_conns": 10,
	"db_max_idle_conns": 5,

	"redis_host":     "localhost",
	"redis_port":     6379,
	"redis_password": "",
	"redis_db":       0,

	"jwt_secret":     "dev_secret",
	"jwt_expiration": "24h",
	"jwt_issuer":     "bk-tutor",

	"allowed_origins": "",
	"log_level":       "info",
	"log_format":      "json",

	"session_require_elapsed":    true,
	"session_timezone":           "Asia/Ho_Chi_Minh",
	"enable_progress_cache":      false,
	"progress_cache_ttl":         "5m",
	"notification_poll_interval": "10s",
	"events_buffer_size":         16,

	"materials_storage_dir":        "./materials",
	"materials_signed_url_secret":  "dev_materials_secret",
	"materials_signed_url_ttl":     "30m",
	"materials_max_file_size":      20 * 1024 * 1024,
	"materials_allowed_mime_types": "application/pdf,application/vnd.openxmlformats-officedocument.wordprocessingml.document,application/vnd.openxmlformats-officedocument.presentationml.presentation,application/zip,image/png,image/jpeg,text/plain",

	"enable_reports":              false,
	"reports_storage_dir":         "./exports",
	"reports_signed_url_secret":   "dev_reports_secret",
	"reports_signed_url_ttl":      "24h",
	"reports_cleanup_interval":    "1h",
	"reports_worker_concurrency":  1,
	"reports_worker_max_attempts": 3,
}

// Load reads .env (when present) and the process environment, then validates.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil && !isMissingFile(err) {
		return nil, fmt.Errorf("read .env: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.CORS.AllowedOrigins = compact(cfg.CORS.AllowedOrigins)
	cfg.Materials.AllowedMIMEs = compact(cfg.Materials.AllowedMIMEs)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// devSecrets are the built-in defaults; production must override them.
var devSecrets = map[string]struct{}{
	"dev_secret":           {},
	"dev_materials_secret": {},
	"dev_reports_secret":   {},
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d out of range", c.Port))
	}
	if !strings.HasPrefix(c.APIPrefix, "/") {
		errs = append(errs, fmt.Errorf("API_PREFIX %q must start with /", c.APIPrefix))
	}
	if _, err := time.LoadLocation(c.Sessions.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("SESSION_TIMEZONE: %w", err))
	}
	if c.Events.BufferSize <= 0 {
		errs = append(errs, errors.New("EVENTS_BUFFER_SIZE must be positive"))
	}
	if c.Materials.MaxFileSizeBytes <= 0 {
		errs = append(errs, errors.New("MATERIALS_MAX_FILE_SIZE must be positive"))
	}
	if c.Reports.Enabled && c.Reports.WorkerConcurrency <= 0 {
		errs = append(errs, errors.New("REPORTS_WORKER_CONCURRENCY must be positive"))
	}
	if c.Env == EnvProduction {
		for name, secret := range map[string]string{
			"JWT_SECRET":                  c.JWT.Secret,
			"MATERIALS_SIGNED_URL_SECRET": c.Materials.SignedURLSecret,
			"REPORTS_SIGNED_URL_SECRET":   c.Reports.SignedURLSecret,
		} {
			if _, dev := devSecrets[secret]; dev || secret == "" {
				errs = append(errs, fmt.Errorf("%s must be set in production", name))
			}
		}
	}
	return errors.Join(errs...)
}

// isMissingFile covers both viper's not-found error and the plain fs error
// returned for an explicit config path.
func isMissingFile(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "no such file")
}

// compact trims list entries and drops empty ones left by stray commas.
func compact(items []string) []string {
	out := items[:0]
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
