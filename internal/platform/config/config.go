// Package config loads service configuration from an optional .env file, an
// optional YAML file and the environment, in increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Clients   ClientsConfig   `mapstructure:"clients"`
	Workflow  WorkflowConfig  `mapstructure:"workflow"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig selects and configures the relational store. Driver is
// "postgres" or "sqlite"; the SQLite path is only read for the latter.
type DatabaseConfig struct {
	Driver      string        `mapstructure:"driver"`
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	User        string        `mapstructure:"user"`
	Password    string        `mapstructure:"password"`
	Database    string        `mapstructure:"database"`
	SSLMode     string        `mapstructure:"sslmode"`
	MaxConns    int32         `mapstructure:"max_conns"`
	MinConns    int32         `mapstructure:"min_conns"`
	MaxConnTime time.Duration `mapstructure:"max_conn_time"`
	MaxIdleTime time.Duration `mapstructure:"max_idle_time"`
	HealthCheck time.Duration `mapstructure:"health_check"`
	SQLitePath  string        `mapstructure:"sqlite_path"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Stream  string `mapstructure:"stream"`
}

// ClientsConfig holds gRPC addresses of the external collaborators.
type ClientsConfig struct {
	CertificateAddr string        `mapstructure:"certificate_addr"`
	PickupAddr      string        `mapstructure:"pickup_addr"`
	IdentityAddr    string        `mapstructure:"identity_addr"`
	CallTimeout     time.Duration `mapstructure:"call_timeout"`
}

// WorkflowConfig carries the engine-level settings applied to every
// workflow definition when it is loaded.
type WorkflowConfig struct {
	FallbackReviewers []string `mapstructure:"fallback_reviewers"`
	OverrideRoles     []string `mapstructure:"override_roles"`
	AdminRoles        []string `mapstructure:"admin_roles"`
	DefinitionsFile   string   `mapstructure:"definitions_file"`
}

type PipelineConfig struct {
	Mode        string        `mapstructure:"mode"` // async | redis
	Concurrency int64         `mapstructure:"concurrency"`
	JobTimeout  time.Duration `mapstructure:"job_timeout"`
	QueueKey    string        `mapstructure:"queue_key"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// DSN returns the Postgres connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// Load reads configuration. A missing .env or config file is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	// AutomaticEnv does not split comma lists for slices bound through Unmarshal.
	cfg.Workflow.FallbackReviewers = splitList(v.GetStringSlice("workflow.fallback_reviewers"))
	cfg.Workflow.OverrideRoles = splitList(v.GetStringSlice("workflow.override_roles"))
	cfg.Workflow.AdminRoles = splitList(v.GetStringSlice("workflow.admin_roles"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if len(c.Workflow.FallbackReviewers) == 0 {
		return fmt.Errorf("workflow.fallback_reviewers must name at least one reviewer")
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Pipeline.Mode {
	case "async":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("pipeline.mode=redis requires redis.enabled")
		}
	default:
		return fmt.Errorf("unsupported pipeline mode %q", c.Pipeline.Mode)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "be-records-workflow")
	v.SetDefault("service.version", "dev")
	v.SetDefault("service.environment", "development")

	v.SetDefault("server.port", 8086)
	v.SetDefault("server.grpc_port", 9086)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 20*time.Second)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "records")
	v.SetDefault("database.password", "records")
	v.SetDefault("database.database", "records")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_time", time.Hour)
	v.SetDefault("database.max_idle_time", 30*time.Minute)
	v.SetDefault("database.health_check", time.Minute)
	v.SetDefault("database.sqlite_path", "records.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "records:")
	v.SetDefault("redis.cache_ttl", 10*time.Minute)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.stream", "NOTIFICATIONS")

	v.SetDefault("clients.certificate_addr", "localhost:9091")
	v.SetDefault("clients.pickup_addr", "localhost:9092")
	v.SetDefault("clients.identity_addr", "localhost:9081")
	v.SetDefault("clients.call_timeout", 20*time.Second)

	v.SetDefault("workflow.fallback_reviewers", []string{})
	v.SetDefault("workflow.override_roles", []string{"admin"})
	v.SetDefault("workflow.admin_roles", []string{"admin"})
	v.SetDefault("workflow.definitions_file", "")

	v.SetDefault("pipeline.mode", "async")
	v.SetDefault("pipeline.concurrency", 4)
	v.SetDefault("pipeline.job_timeout", 2*time.Minute)
	v.SetDefault("pipeline.queue_key", "records:post_approval")

	v.SetDefault("telemetry.otlp_endpoint", "")
}

// splitList flattens "a,b" entries coming from environment variables.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
