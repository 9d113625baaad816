package config

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"
)

// StreamConfig configures the durable-log client (streamlog.Client).
type StreamConfig struct {
	Addr          string
	Password      string
	DB            int
	Stream        string
	ConsumerGroup string
	ConsumerName  string
	BlockDuration time.Duration
	BatchSize     int64
	PendingIdle   time.Duration
}

// LoadStreamConfig loads Redis stream configuration from the environment.
// The consumer name defaults to a per-instance random value so two
// aggregators sharing the group never shadow each other's pending entries.
func LoadStreamConfig() StreamConfig {
	env := NewEnvConfig("")
	host := env.GetString("REDIS_HOST", "localhost")
	port := env.GetString("REDIS_PORT", "6379")
	return StreamConfig{
		Addr:          host + ":" + port,
		Password:      env.GetString("REDIS_PASSWORD", ""),
		DB:            env.GetInt("REDIS_DB", 0),
		Stream:        env.GetString("REDIS_STREAM_NAME", "metrics"),
		ConsumerGroup: env.GetString("REDIS_CONSUMER_GROUP", "aggregator"),
		ConsumerName:  env.GetString("REDIS_CONSUMER_NAME", "agg-"+randomHex(4)),
		BlockDuration: time.Duration(env.GetInt("REDIS_BLOCK_MS", 5000)) * time.Millisecond,
		BatchSize:     int64(env.GetInt("REDIS_BATCH_SIZE", 100)),
		PendingIdle:   time.Duration(env.GetInt("REDIS_PENDING_IDLE_MS", 30000)) * time.Millisecond,
	}
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "0000"
	}
	return hex.EncodeToString(buf)
}

// StoreConfig configures the Postgres connection used by the time-series
// store facade.
type StoreConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	SSLMode        string
	MinPoolSize    int
	MaxPoolSize    int
	CommandTimeout time.Duration
}

// LoadStoreConfig loads Postgres configuration from the environment and
// panics on invalid values; a misconfigured store is fatal at startup.
func LoadStoreConfig() StoreConfig {
	env := NewEnvConfig("")
	cfg := StoreConfig{
		Host:           env.GetString("DB_HOST", "localhost"),
		Port:           env.GetString("DB_PORT", "5432"),
		Database:       env.GetString("POSTGRES_DB", "flowmetry"),
		User:           env.GetString("POSTGRES_USER", "flowmetry"),
		Password:       env.GetString("POSTGRES_PASSWORD", ""),
		SSLMode:        env.GetString("DB_SSL_MODE", "disable"),
		MinPoolSize:    env.GetInt("DB_MIN_POOL_SIZE", 2),
		MaxPoolSize:    env.GetInt("DB_MAX_POOL_SIZE", 10),
		CommandTimeout: env.GetDuration("DB_COMMAND_TIMEOUT", 30*time.Second),
	}

	v := NewValidator()
	v.RequireString("DB_HOST", cfg.Host)
	v.RequireString("POSTGRES_DB", cfg.Database)
	v.RequireOneOf("DB_SSL_MODE", cfg.SSLMode,
		[]string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"})
	v.RequirePositiveInt("DB_MIN_POOL_SIZE", cfg.MinPoolSize)
	v.RequireInt("DB_MAX_POOL_SIZE", cfg.MaxPoolSize, cfg.MinPoolSize, 1000)
	if err := v.Validate(); err != nil {
		panic(err.Error())
	}
	return cfg
}

// ConnString renders a libpq-style connection string for pgxpool.New. The
// command timeout is passed through as the server-side statement_timeout
// runtime parameter, bounding every statement issued on the pool.
func (c StoreConfig) ConnString() string {
	return "postgresql://" + c.User + ":" + c.Password + "@" + c.Host + ":" + c.Port + "/" + c.Database +
		"?sslmode=" + c.SSLMode +
		"&pool_min_conns=" + strconv.Itoa(c.MinPoolSize) +
		"&pool_max_conns=" + strconv.Itoa(c.MaxPoolSize) +
		"&statement_timeout=" + strconv.FormatInt(c.CommandTimeout.Milliseconds(), 10)
}

// loadServiceConfig loads the shared service identity block, panicking on an
// unknown log level or format.
func loadServiceConfig(env *EnvConfig, defaultName string) ServiceConfig {
	cfg := ServiceConfig{
		Name:      env.GetString("SERVICE_NAME", defaultName),
		Version:   env.GetString("SERVICE_VERSION", "0.0.1"),
		LogLevel:  env.GetString("LOG_LEVEL", "info"),
		LogFormat: env.GetString("LOG_FORMAT", "text"),
	}

	v := NewValidator()
	v.RequireOneOf("LOG_LEVEL", cfg.LogLevel, []string{"debug", "info", "warn", "error"})
	v.RequireOneOf("LOG_FORMAT", cfg.LogFormat, []string{"json", "text"})
	if err := v.Validate(); err != nil {
		panic(err.Error())
	}
	return cfg
}

// CollectorConfig configures the cmd/collector binary.
type CollectorConfig struct {
	Service           ServiceConfig
	Stream            StreamConfig
	Server            ServerConfig
	OverflowBufferCap int
}

// LoadCollectorConfig loads all configuration for the collector service.
func LoadCollectorConfig() CollectorConfig {
	env := NewEnvConfig("")
	return CollectorConfig{
		Service: loadServiceConfig(env, "flowmetry-collector"),
		Stream:  LoadStreamConfig(),
		Server: ServerConfig{
			Port:            env.GetInt("API_PORT", 8080),
			Host:            env.GetString("API_HOST", "0.0.0.0"),
			ReadTimeout:     env.GetDuration("READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    env.GetDuration("WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: env.GetDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		OverflowBufferCap: env.GetInt("BUFFER_SIZE", 1000),
	}
}

// AggregatorConfig configures the cmd/aggregator binary.
type AggregatorConfig struct {
	Service         ServiceConfig
	Stream          StreamConfig
	Store           StoreConfig
	ShutdownTimeout time.Duration
	HealthHost      string
	HealthPort      int
}

// LoadAggregatorConfig loads all configuration for the aggregator worker.
func LoadAggregatorConfig() AggregatorConfig {
	env := NewEnvConfig("")
	return AggregatorConfig{
		Service:         loadServiceConfig(env, "flowmetry-aggregator"),
		Stream:          LoadStreamConfig(),
		Store:           LoadStoreConfig(),
		ShutdownTimeout: env.GetDuration("WORKER_SHUTDOWN_TIMEOUT", 10*time.Second),
		HealthHost:      env.GetString("HEALTH_SERVER_HOST", "0.0.0.0"),
		HealthPort:      env.GetInt("HEALTH_SERVER_PORT", 8081),
	}
}

// QueryAPIConfig configures the cmd/queryapi binary.
type QueryAPIConfig struct {
	Service ServiceConfig
	Store   StoreConfig
	Server  ServerConfig
}

// LoadQueryAPIConfig loads all configuration for the query API service.
func LoadQueryAPIConfig() QueryAPIConfig {
	env := NewEnvConfig("")
	return QueryAPIConfig{
		Service: loadServiceConfig(env, "flowmetry-queryapi"),
		Store:   LoadStoreConfig(),
		Server: ServerConfig{
			Port:            env.GetInt("API_PORT", 8080),
			Host:            env.GetString("API_HOST", "0.0.0.0"),
			ReadTimeout:     env.GetDuration("READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    env.GetDuration("WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: env.GetDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
	}
}
