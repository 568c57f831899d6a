package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Inference InferenceConfig `mapstructure:"inference"`
	Hosting   HostingConfig   `mapstructure:"hosting"`
	Tracking  TrackingConfig  `mapstructure:"tracking"`
	Export    ExportConfig    `mapstructure:"export"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN builds the driver-specific connection string.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
	}
	return c.Path
}

type QueueConfig struct {
	URL              string        `mapstructure:"url"`
	Stream           string        `mapstructure:"stream"`
	Subject          string        `mapstructure:"subject"`
	DeadLetterStream string        `mapstructure:"dead_letter_stream"`
	DeadLetterSubj   string        `mapstructure:"dead_letter_subject"`
	Consumer         string        `mapstructure:"consumer"`
	AckWait          time.Duration `mapstructure:"ack_wait"`
	MaxDeliver       int           `mapstructure:"max_deliver"`
	BatchSize        int           `mapstructure:"batch_size"`
	DedupWindow      time.Duration `mapstructure:"dedup_window"`
	Retention        time.Duration `mapstructure:"retention"`
	DLQRetention     time.Duration `mapstructure:"dlq_retention"`
}

type StorageConfig struct {
	Type      string `mapstructure:"type"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	PublicURL string `mapstructure:"public_url"`
}

type InferenceConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxTokens int           `mapstructure:"max_tokens"`
}

type HostingConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type TrackingConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ExportConfig struct {
	PageSize           int `mapstructure:"page_size"`
	CheckpointInterval int `mapstructure:"checkpoint_interval"`
}

type MetricsConfig struct {
	PushAddress string `mapstructure:"push_address"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	// Set config file path
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable override
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/docvqa.db")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("queue.url", "nats://localhost:4222")
	v.SetDefault("queue.stream", "EVAL_JOBS")
	v.SetDefault("queue.subject", "eval.jobs")
	v.SetDefault("queue.dead_letter_stream", "EVAL_JOBS_DLQ")
	v.SetDefault("queue.dead_letter_subject", "eval.jobs.dead")
	v.SetDefault("queue.consumer", "eval-worker")
	v.SetDefault("queue.ack_wait", 15*time.Minute)
	v.SetDefault("queue.max_deliver", 3)
	v.SetDefault("queue.batch_size", 1)
	v.SetDefault("queue.dedup_window", 10*time.Minute)
	v.SetDefault("queue.retention", 7*24*time.Hour)
	v.SetDefault("queue.dlq_retention", 14*24*time.Hour)
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.bucket", "document-images")
	v.SetDefault("inference.base_url", "https://api.openai.com/v1")
	v.SetDefault("inference.timeout", 120*time.Second)
	v.SetDefault("inference.max_tokens", 300)
	v.SetDefault("hosting.timeout", 120*time.Second)
	v.SetDefault("tracking.enabled", false)
	v.SetDefault("tracking.timeout", 10*time.Second)
	v.SetDefault("export.page_size", 50)
	v.SetDefault("export.checkpoint_interval", 100)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables explicitly for sensitive data
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("queue.url", "NATS_URL")
	v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	v.BindEnv("inference.api_key", "INFERENCE_API_KEY")
	v.BindEnv("inference.base_url", "INFERENCE_BASE_URL")
	v.BindEnv("hosting.base_url", "HOSTING_BASE_URL")
	v.BindEnv("hosting.token", "HOSTING_TOKEN")
	v.BindEnv("tracking.base_url", "TRACKING_BASE_URL")
	v.BindEnv("tracking.token", "TRACKING_TOKEN")
	v.BindEnv("metrics.push_address", "METRICS_PUSH_ADDRESS")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
