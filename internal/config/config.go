// Package config loads instaharvest settings from flags, environment,
// .env files and an optional config file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/FranksOps/instaharvest/internal/blob"
	"github.com/FranksOps/instaharvest/internal/db/records"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. INSTAHARVEST_SCAN_BATCH_SIZE.
const EnvPrefix = "INSTAHARVEST"

type Config struct {
	Source   Source             `mapstructure:"source"`
	Egress   Egress             `mapstructure:"egress"`
	AWS      AWS                `mapstructure:"aws"`
	Store    string             `mapstructure:"store" validate:"oneof=dynamodb memory"`
	Tables   records.TableNames `mapstructure:"tables"`
	Storage  Storage            `mapstructure:"storage"`
	Scan     Scan               `mapstructure:"scan"`
	Pipeline Pipeline           `mapstructure:"pipeline"`
	Audit    Audit              `mapstructure:"audit"`
	Cooldown Cooldown           `mapstructure:"cooldown"`
	Metrics  Metrics            `mapstructure:"metrics"`
	Log      Log                `mapstructure:"log"`
	Schedule []Job              `mapstructure:"schedule" validate:"dive"`
}

type Source struct {
	BaseURL           string        `mapstructure:"base_url" validate:"required,url"`
	Timeout           time.Duration `mapstructure:"timeout" validate:"gte=0"`
	MaxRedirects      int           `mapstructure:"max_redirects" validate:"gte=0"`
	CookieJar         bool          `mapstructure:"cookie_jar"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes" validate:"gte=0"`
	Fingerprint       string        `mapstructure:"fingerprint" validate:"omitempty,oneof=chrome firefox safari go random"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" validate:"gte=0"`
	Jitter            float64       `mapstructure:"jitter" validate:"gte=0,lte=1"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff" validate:"gte=0"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff" validate:"gte=0"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	RotateOnRateLimit bool          `mapstructure:"rotate_on_rate_limit"`
}

type Egress struct {
	// Enabled routes every request through the proxy list.
	Enabled        bool          `mapstructure:"enabled"`
	ProxiesFile    string        `mapstructure:"proxies_file" validate:"required_if=Enabled true"`
	UserAgentsFile string        `mapstructure:"user_agents_file"`
	Mode           string        `mapstructure:"mode" validate:"omitempty,oneof=round-robin random"`
	MaxFailures    int           `mapstructure:"max_failures" validate:"gte=0"`
	Cooldown       time.Duration `mapstructure:"cooldown" validate:"gte=0"`
}

type AWS struct {
	Region string `mapstructure:"region"`
	// Endpoint overrides the DynamoDB endpoint, e.g. for DynamoDB Local.
	Endpoint string `mapstructure:"endpoint" validate:"omitempty,url"`
	Profile  string `mapstructure:"profile"`
}

type Storage struct {
	LocalDir string           `mapstructure:"local_dir" validate:"required"`
	Minio    blob.MinioConfig `mapstructure:"minio" validate:"-"`
	// Remote enables uploads to Minio.
	Remote bool `mapstructure:"remote"`
	Images bool `mapstructure:"images"`
}

type Scan struct {
	CheckpointDir string `mapstructure:"checkpoint_dir" validate:"required"`
	PageSize      int32  `mapstructure:"page_size" validate:"gte=1"`
	PageAttempts  int    `mapstructure:"page_attempts" validate:"gte=1"`
	BatchSize     int    `mapstructure:"batch_size" validate:"gte=1"`
}

type Pipeline struct {
	Workers int `mapstructure:"workers" validate:"gte=1"`
}

type Audit struct {
	// Backend is one of none, sqlite, postgres, csv or json.
	Backend string `mapstructure:"backend" validate:"oneof=none sqlite postgres csv json"`
	DSN     string `mapstructure:"dsn" validate:"required_unless=Backend none"`
}

type Cooldown struct {
	// Backend is one of none, memory or redis.
	Backend   string `mapstructure:"backend" validate:"oneof=none memory redis"`
	RedisAddr string `mapstructure:"redis_addr" validate:"required_if=Backend redis"`
	RedisDB   int    `mapstructure:"redis_db" validate:"gte=0"`
	Key       string `mapstructure:"key"`
}

type Metrics struct {
	Addr string `mapstructure:"addr"`
}

type Log struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// Job is one scheduled pass.
type Job struct {
	Spec     string `mapstructure:"spec" validate:"required"`
	Category string `mapstructure:"category" validate:"oneof=location user post"`
	Mode     string `mapstructure:"mode" validate:"oneof=run update"`
}

// SetDefaults registers the default of every setting on v. Every key needs
// a default so that AutomaticEnv can see it during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("source.base_url", "https://www.instagram.com")
	v.SetDefault("source.timeout", 30*time.Second)
	v.SetDefault("source.max_redirects", 10)
	v.SetDefault("source.cookie_jar", true)
	v.SetDefault("source.max_body_bytes", 32<<20)
	v.SetDefault("source.fingerprint", "chrome")
	v.SetDefault("source.requests_per_second", 0)
	v.SetDefault("source.jitter", 0.2)
	v.SetDefault("source.initial_backoff", time.Second)
	v.SetDefault("source.max_backoff", 5*time.Minute)
	v.SetDefault("source.max_attempts", 10)
	v.SetDefault("source.rotate_on_rate_limit", false)

	v.SetDefault("egress.enabled", false)
	v.SetDefault("egress.proxies_file", "")
	v.SetDefault("egress.user_agents_file", "")
	v.SetDefault("egress.mode", "round-robin")
	v.SetDefault("egress.max_failures", 3)
	v.SetDefault("egress.cooldown", 5*time.Minute)

	v.SetDefault("aws.region", "eu-central-1")
	v.SetDefault("aws.endpoint", "")
	v.SetDefault("aws.profile", "")

	v.SetDefault("store", "dynamodb")
	v.SetDefault("tables.location", records.DefaultTableNames.Location)
	v.SetDefault("tables.user", records.DefaultTableNames.User)
	v.SetDefault("tables.post", records.DefaultTableNames.Post)

	v.SetDefault("storage.local_dir", "./downloads")
	v.SetDefault("storage.remote", false)
	v.SetDefault("storage.images", true)
	v.SetDefault("storage.minio.endpoint", "")
	v.SetDefault("storage.minio.bucket", "")
	v.SetDefault("storage.minio.region", "")
	v.SetDefault("storage.minio.access_key", "")
	v.SetDefault("storage.minio.secret_key", "")
	v.SetDefault("storage.minio.use_ssl", true)
	v.SetDefault("storage.minio.prefix", "")
	v.SetDefault("storage.minio.create_bucket", false)

	v.SetDefault("scan.checkpoint_dir", "./tmp")
	v.SetDefault("scan.page_size", 100)
	v.SetDefault("scan.page_attempts", 5)
	v.SetDefault("scan.batch_size", 1000)

	v.SetDefault("pipeline.workers", 4)

	v.SetDefault("audit.backend", "none")
	v.SetDefault("audit.dsn", "")

	v.SetDefault("cooldown.backend", "none")
	v.SetDefault("cooldown.redis_addr", "")
	v.SetDefault("cooldown.redis_db", 0)
	v.SetDefault("cooldown.key", "instaharvest:cooldown")

	v.SetDefault("metrics.addr", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// LoadEnvFiles loads .env.local then .env into the process environment.
// Missing files are ignored; variables already set win.
func LoadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env.local", ".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// Init prepares v to read the environment and, when path is set, a config
// file.
func Init(v *viper.Viper, path string) error {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	return nil
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Storage.Remote {
		if err := validate.Struct(c.Storage.Minio); err != nil {
			return fmt.Errorf("invalid config: storage.minio: %w", err)
		}
	}
	return nil
}
