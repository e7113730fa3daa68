// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	DB        DBConfig        `mapstructure:"db"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Vault     VaultConfig     `mapstructure:"vault"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Events    EventsConfig    `mapstructure:"events"`
	Feeds     FeedsConfig     `mapstructure:"feeds"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// FeedsConfig maps services to replay page directories. Live feed adapters
// register themselves in code; replay sources are pure configuration.
type FeedsConfig struct {
	ReplayDirs map[string]string `mapstructure:"replay_dirs"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// BlobConfig sets the bucket and key prefixes for blob persistence.
type BlobConfig struct {
	Bucket string `mapstructure:"bucket"`
}

// FetchConfig governs the file acquisition pipeline.
type FetchConfig struct {
	ScratchDir   string        `mapstructure:"scratch_dir"`
	Attempts     int           `mapstructure:"attempts"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
	Timeout      time.Duration `mapstructure:"timeout"`
	UserAgent    string        `mapstructure:"user_agent"`
	MaxFileBytes int64         `mapstructure:"max_file_bytes"`
}

// VaultConfig holds key material for credential encryption. The AES key and
// the RSA public key are base64; the RSA private key is never configured here,
// it is handed to the scheduler at invocation time.
type VaultConfig struct {
	AESKey       string `mapstructure:"aes_key"`
	RSAPublicKey string `mapstructure:"rsa_public_key"`
}

// SchedulerConfig controls the auto-import scheduler.
type SchedulerConfig struct {
	Cooldown time.Duration `mapstructure:"cooldown"`
	CronSpec string        `mapstructure:"cron_spec"`
}

// EventsConfig holds metadata for publish-subscribe notifications.
type EventsConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SEISO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
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

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("fetch.scratch_dir", "data/scratch")
	v.SetDefault("fetch.attempts", 10)
	v.SetDefault("fetch.retry_delay", "30s")
	v.SetDefault("fetch.timeout", "5m")
	v.SetDefault("fetch.user_agent", "seiso-importer/1.0")
	v.SetDefault("fetch.max_file_bytes", int64(2)<<30)
	v.SetDefault("scheduler.cooldown", "23h55m")
	v.SetDefault("scheduler.cron_spec", "@hourly")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Fetch.Attempts <= 0 {
		return fmt.Errorf("fetch.attempts must be > 0")
	}
	if c.Fetch.RetryDelay < 0 {
		return fmt.Errorf("fetch.retry_delay must be >= 0")
	}
	if c.Scheduler.Cooldown <= 0 {
		return fmt.Errorf("scheduler.cooldown must be > 0")
	}
	return nil
}
