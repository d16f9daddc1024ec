package config

import (
	"fmt"
	"log/slog"

	"github.com/sevigo/docbias-scanner/internal/logger"
	"github.com/spf13/viper"
)

// Config is the top-level configuration structure, read once at process
// start from a flat environment namespace (see bindEnv below) and exposed
// through nested groups for readability.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Queue     QueueConfig     `mapstructure:"queue"`
	GitHub    GitHubConfig    `mapstructure:"github"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logging   logger.Config   `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
}

type DatabaseConfig struct {
	URL             string `mapstructure:"url"`
	Host            string `mapstructure:"host"`
	User            string `mapstructure:"user"`
	Pass            string `mapstructure:"pass"`
	Name            string `mapstructure:"name"`
	Mode            string `mapstructure:"mode"` // local | azure | service_connector
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
}

// DSN builds a Postgres connection string, preferring the single-URL form
// when set, falling back to discrete DB_HOST/DB_USER/DB_PASS/DB_NAME.
func (d *DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	sslmode := "require"
	if d.Mode == "local" {
		sslmode = "disable"
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.User, d.Pass, d.Name, sslmode)
}

type QueueConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

func (q *QueueConfig) AMQPURL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/", q.Username, q.Password, q.Host, q.Port)
}

type GitHubConfig struct {
	AppID          int64  `mapstructure:"app_id"`
	InstallationID int64  `mapstructure:"installation_id"`
	PrivateKeyPath string `mapstructure:"private_key_path"`
	Token          string `mapstructure:"token"` // PAT fallback / public-mirror access
	PublicMirror   string `mapstructure:"public_mirror"`
	UserAgent      string `mapstructure:"user_agent"`
}

type LLMConfig struct {
	Endpoint     string `mapstructure:"endpoint"`
	Deployment   string `mapstructure:"deployment"`
	Key          string `mapstructure:"key"`
	ClientID     string `mapstructure:"client_id"` // managed identity
	RPM          int    `mapstructure:"rpm"`
	BatchSize    int    `mapstructure:"batch_size"`
}

type WorkerConfig struct {
	MaxRetries  int `mapstructure:"max_retries"`
	LockTimeoutMinutes int `mapstructure:"lock_timeout_minutes"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

// LoadConfig loads configuration with the hierarchy: env vars > defaults.
// No config file is read: per spec, configuration is environment-only.
func LoadConfig() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	bindEnv(v)
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	slog.Info("configuration loaded")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.mode", "local")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("queue.host", "localhost")
	v.SetDefault("queue.port", 5672)

	v.SetDefault("llm.rpm", 60)
	v.SetDefault("llm.batch_size", 10)

	v.SetDefault("worker.max_retries", 3)
	v.SetDefault("worker.lock_timeout_minutes", 30)

	v.SetDefault("github.user_agent", "docbias-scanner")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("server.port", "8080")
}

// bindEnv maps the spec's flat environment namespace onto the nested
// mapstructure keys Viper needs, rather than relying on AutomaticEnv's
// "." -> "_" replacement (which would require DATABASE_HOST instead of the
// spec's DB_HOST).
func bindEnv(v *viper.Viper) {
	must := func(key, env string) {
		if err := v.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
	must("database.url", "DATABASE_URL")
	must("database.host", "DB_HOST")
	must("database.user", "DB_USER")
	must("database.pass", "DB_PASS")
	must("database.name", "DB_NAME")
	must("database.mode", "DB_MODE")

	must("queue.host", "QUEUE_HOST")
	must("queue.port", "QUEUE_PORT")
	must("queue.username", "QUEUE_USERNAME")
	must("queue.password", "QUEUE_PASSWORD")

	must("github.app_id", "GITHUB_APP_ID")
	must("github.installation_id", "GITHUB_INSTALLATION_ID")
	must("github.private_key_path", "GITHUB_PRIVATE_KEY_PATH")
	must("github.token", "GITHUB_TOKEN")
	must("github.public_mirror", "GITHUB_PUBLIC_MIRROR")
	must("github.user_agent", "USER_AGENT")

	must("llm.endpoint", "LLM_ENDPOINT")
	must("llm.deployment", "LLM_DEPLOYMENT")
	must("llm.key", "LLM_KEY")
	must("llm.client_id", "LLM_CLIENT_ID")
	must("llm.rpm", "LLM_RPM")
	must("llm.batch_size", "LLM_BATCH_SIZE")

	must("worker.max_retries", "MAX_RETRIES")

	must("telemetry.otlp_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")

	must("server.port", "PORT")
}

// ValidateForServer enforces the fields a long-running worker/server process
// must have before it starts accepting work.
func (c *Config) ValidateForServer() error {
	if c.Database.URL == "" && c.Database.Host == "" {
		return &missingFieldError{"DATABASE_URL or DB_HOST"}
	}
	if c.GitHub.AppID == 0 && c.GitHub.Token == "" {
		return &missingFieldError{"GITHUB_APP_ID or GITHUB_TOKEN"}
	}
	if c.GitHub.AppID != 0 && c.GitHub.PrivateKeyPath == "" {
		return &missingFieldError{"GITHUB_PRIVATE_KEY_PATH"}
	}
	if c.LLM.Endpoint == "" {
		return &missingFieldError{"LLM_ENDPOINT"}
	}
	if c.LLM.Key == "" && c.LLM.ClientID == "" {
		return &missingFieldError{"LLM_KEY or LLM_CLIENT_ID"}
	}
	return nil
}

// ValidateForCLI is the looser validation applied to operator commands that
// only need database + queue access.
func (c *Config) ValidateForCLI() error {
	if c.Database.URL == "" && c.Database.Host == "" {
		return &missingFieldError{"DATABASE_URL or DB_HOST"}
	}
	return nil
}

type missingFieldError struct{ field string }

func (e *missingFieldError) Error() string {
	return fmt.Sprintf("missing required configuration: %s", e.field)
}
